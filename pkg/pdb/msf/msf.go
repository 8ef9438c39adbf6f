package msf

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// NilStreamSize marks an unused/deleted stream in the stream directory.
const NilStreamSize = 0xFFFFFFFF

// Reader represents an opened MSF (Multi-Stream Format) file.
type Reader struct {
	r          io.ReaderAt
	closer     io.Closer
	superBlock *SuperBlock
	directory  *StreamDirectory
	streams    []*Stream
}

// Open opens an MSF file on fs and parses its structure.
func Open(fs afero.Fs, path string) (*Reader, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open file")
	}

	m, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	m.closer = f
	return m, nil
}

// NewReader parses the MSF structure available through r.
func NewReader(r io.ReaderAt) (*Reader, error) {
	m := &Reader{r: r}

	var err error
	m.superBlock, err = ReadSuperBlock(io.NewSectionReader(r, 0, SuperBlockSize))
	if err != nil {
		return nil, err
	}

	if err := m.readStreamDirectory(); err != nil {
		return nil, errors.Wrap(err, "failed to read stream directory")
	}

	m.buildStreams()
	return m, nil
}

// Close closes the underlying file, if the Reader owns one.
func (m *Reader) Close() error {
	if m.closer != nil {
		return m.closer.Close()
	}
	return nil
}

// SuperBlock returns the MSF SuperBlock.
func (m *Reader) SuperBlock() *SuperBlock {
	return m.superBlock
}

// Directory returns the parsed stream directory.
func (m *Reader) Directory() *StreamDirectory {
	return m.directory
}

// NumStreams returns the number of streams in the file.
func (m *Reader) NumStreams() int {
	return int(m.directory.NumStreams)
}

// Stream returns the stream at the given index.
func (m *Reader) Stream(index int) (*Stream, error) {
	if index < 0 || index >= len(m.streams) {
		return nil, errors.Errorf("stream index %d out of range [0, %d)", index, len(m.streams))
	}
	return m.streams[index], nil
}

// StreamReader returns a reader for the stream at the given index.
func (m *Reader) StreamReader(index int) (*StreamReader, error) {
	s, err := m.Stream(index)
	if err != nil {
		return nil, err
	}
	return NewStreamReader(s), nil
}

// ReadStream returns the full contents of the stream at index.
func (m *Reader) ReadStream(index int) ([]byte, error) {
	s, err := m.Stream(index)
	if err != nil {
		return nil, err
	}
	return s.ReadAll()
}

// BlockSize returns the block size used by this MSF file.
func (m *Reader) BlockSize() uint32 {
	return m.superBlock.BlockSize
}

func (m *Reader) readAt(p []byte, off int64) (int, error) {
	return m.r.ReadAt(p, off)
}

// readStreamDirectory reads the block map and then the directory blocks it lists.
func (m *Reader) readStreamDirectory() error {
	blockSize := m.superBlock.BlockSize
	numDirBlocks := m.superBlock.NumDirectoryBlocks()

	blockMapOffset := int64(m.superBlock.BlockMapAddr) * int64(blockSize)
	blockMap := make([]uint32, numDirBlocks)
	sr := io.NewSectionReader(m.r, blockMapOffset, int64(numDirBlocks)*4)
	if err := binary.Read(sr, binary.LittleEndian, blockMap); err != nil {
		return errors.Wrap(err, "failed to read block map")
	}

	dirData := make([]byte, m.superBlock.NumDirectoryBytes)
	bytesRead := 0
	for _, blockIdx := range blockMap {
		offset := int64(blockIdx) * int64(blockSize)
		toRead := int(blockSize)
		if bytesRead+toRead > len(dirData) {
			toRead = len(dirData) - bytesRead
		}
		if _, err := m.r.ReadAt(dirData[bytesRead:bytesRead+toRead], offset); err != nil {
			return errors.Wrapf(err, "failed to read directory block %d", blockIdx)
		}
		bytesRead += toRead
	}

	return m.parseStreamDirectory(dirData)
}

// parseStreamDirectory parses the stream directory from raw bytes.
func (m *Reader) parseStreamDirectory(data []byte) error {
	r := bytes.NewReader(data)

	var numStreams uint32
	if err := binary.Read(r, binary.LittleEndian, &numStreams); err != nil {
		return errors.Wrap(err, "failed to read NumStreams")
	}

	streamSizes := make([]uint32, numStreams)
	if err := binary.Read(r, binary.LittleEndian, streamSizes); err != nil {
		return errors.Wrap(err, "failed to read stream sizes")
	}

	blockSize := m.superBlock.BlockSize
	streamBlocks := make([][]uint32, numStreams)
	for i, size := range streamSizes {
		if size == NilStreamSize {
			continue
		}
		blocks := make([]uint32, blocksFor(size, blockSize))
		if err := binary.Read(r, binary.LittleEndian, blocks); err != nil {
			return errors.Wrapf(err, "failed to read block indices for stream %d", i)
		}
		streamBlocks[i] = blocks
	}

	m.directory = &StreamDirectory{
		NumStreams:   numStreams,
		StreamSizes:  streamSizes,
		StreamBlocks: streamBlocks,
	}
	return nil
}

// buildStreams creates Stream objects for all streams in the directory.
func (m *Reader) buildStreams() {
	m.streams = make([]*Stream, m.directory.NumStreams)
	for i := uint32(0); i < m.directory.NumStreams; i++ {
		size := m.directory.StreamSizes[i]
		if size == NilStreamSize {
			m.streams[i] = &Stream{msf: m}
			continue
		}
		m.streams[i] = &Stream{
			msf:    m,
			size:   size,
			blocks: m.directory.StreamBlocks[i],
		}
	}
}
