package msf

import (
	"io"

	"github.com/pkg/errors"
)

// Stream is one stream of an MSF file, stored in possibly non-contiguous
// blocks.
type Stream struct {
	msf    *Reader
	size   uint32
	blocks []uint32
}

// Size returns the size of the stream in bytes.
func (s *Stream) Size() uint32 {
	return s.size
}

// Blocks returns the block indices that make up this stream.
func (s *Stream) Blocks() []uint32 {
	return s.blocks
}

// ReadAt implements io.ReaderAt over the stream's logical contents.
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Errorf("negative stream offset %d", off)
	}
	size := int64(s.size)
	if off >= size {
		return 0, io.EOF
	}

	blockSize := int64(s.msf.BlockSize())
	total := 0
	for len(p) > 0 && off < size {
		// Each iteration copies at most up to the end of the current block.
		chunk := blockSize - off%blockSize
		if rem := size - off; chunk > rem {
			chunk = rem
		}
		if n := int64(len(p)); chunk > n {
			chunk = n
		}

		block := s.blocks[off/blockSize]
		n, err := s.msf.readAt(p[:chunk], int64(block)*blockSize+off%blockSize)
		total += n
		off += int64(n)
		p = p[n:]
		if int64(n) < chunk {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return total, errors.Wrapf(err, "block %d", block)
		}
	}
	if len(p) > 0 {
		return total, io.EOF
	}
	return total, nil
}

// ReadAll reads the entire stream contents into a byte slice.
func (s *Stream) ReadAll() ([]byte, error) {
	data := make([]byte, s.size)
	if _, err := s.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return data, nil
}

// StreamReader reads a stream sequentially.
type StreamReader struct {
	*io.SectionReader
	stream *Stream
}

// NewStreamReader returns a reader positioned at the start of s.
func NewStreamReader(s *Stream) *StreamReader {
	return &StreamReader{
		SectionReader: io.NewSectionReader(s, 0, int64(s.size)),
		stream:        s,
	}
}

// Stream returns the stream being read.
func (sr *StreamReader) Stream() *Stream {
	return sr.stream
}

// StreamDirectory represents the directory of all streams in the MSF file.
type StreamDirectory struct {
	NumStreams   uint32
	StreamSizes  []uint32
	StreamBlocks [][]uint32
}
