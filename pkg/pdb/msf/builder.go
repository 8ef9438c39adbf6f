package msf

import (
	"io"

	"github.com/pkg/errors"

	"github.com/jtang613/pdbsynth/pkg/errs"
)

// Builder assembles a new MSF file. Streams are accumulated in memory and
// only assigned to blocks when the file is committed, so every stream can
// keep growing until then.
type Builder struct {
	blockSize   uint32
	initialized bool
	committed   bool
	streams     [][]byte
}

// NewBuilder returns an empty, uninitialized Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Initialize fixes the block size for the whole file. It must be called
// exactly once, before any stream is added.
func (b *Builder) Initialize(blockSize uint32) error {
	if err := b.checkMutable("Initialize"); err != nil {
		return err
	}
	if b.initialized {
		return errs.NewStateError("Initialize", "block size already set")
	}
	if !IsValidBlockSize(blockSize) {
		return errors.Errorf("invalid block size: %d", blockSize)
	}
	b.blockSize = blockSize
	b.initialized = true
	return nil
}

// BlockSize returns the block size set by Initialize.
func (b *Builder) BlockSize() uint32 {
	return b.blockSize
}

// AddStream reserves a new stream and returns its index. sizeHint only
// pre-sizes the backing buffer.
func (b *Builder) AddStream(sizeHint uint32) (uint32, error) {
	if err := b.checkReady("AddStream"); err != nil {
		return 0, err
	}
	b.streams = append(b.streams, make([]byte, 0, sizeHint))
	return uint32(len(b.streams) - 1), nil
}

// NumStreams returns the number of streams reserved so far.
func (b *Builder) NumStreams() int {
	return len(b.streams)
}

// SetStreamData replaces the contents of stream index.
func (b *Builder) SetStreamData(index uint32, data []byte) error {
	if err := b.checkStream("SetStreamData", index); err != nil {
		return err
	}
	b.streams[index] = append(b.streams[index][:0], data...)
	return nil
}

// AppendStreamData appends data to stream index.
func (b *Builder) AppendStreamData(index uint32, data []byte) error {
	if err := b.checkStream("AppendStreamData", index); err != nil {
		return err
	}
	b.streams[index] = append(b.streams[index], data...)
	return nil
}

// StreamSize returns the current length of stream index.
func (b *Builder) StreamSize(index uint32) (uint32, error) {
	if int(index) >= len(b.streams) {
		return 0, errors.Errorf("stream index %d out of range [0, %d)", index, len(b.streams))
	}
	return uint32(len(b.streams[index])), nil
}

// StreamData returns the current contents of stream index. The returned
// slice must not be modified.
func (b *Builder) StreamData(index uint32) ([]byte, error) {
	if int(index) >= len(b.streams) {
		return nil, errors.Errorf("stream index %d out of range [0, %d)", index, len(b.streams))
	}
	return b.streams[index], nil
}

// Commit assigns blocks to every stream, writes the complete file to w and
// returns the resulting layout. The Builder cannot be used afterwards.
func (b *Builder) Commit(w io.Writer) (*Layout, error) {
	if err := b.checkReady("Commit"); err != nil {
		return nil, err
	}

	layout, err := b.generateLayout()
	if err != nil {
		return nil, err
	}
	image := layout.render(b.streams)
	b.committed = true

	if _, err := w.Write(image); err != nil {
		return nil, errors.Wrap(err, "failed to write MSF image")
	}
	return layout, nil
}

func (b *Builder) checkMutable(op string) error {
	if b.committed {
		return errs.NewStateError(op, "builder already committed")
	}
	return nil
}

func (b *Builder) checkReady(op string) error {
	if err := b.checkMutable(op); err != nil {
		return err
	}
	if !b.initialized {
		return errs.NewStateError(op, "builder not initialized")
	}
	return nil
}

func (b *Builder) checkStream(op string, index uint32) error {
	if err := b.checkReady(op); err != nil {
		return err
	}
	if int(index) >= len(b.streams) {
		return errors.Errorf("%s: stream index %d out of range [0, %d)", op, index, len(b.streams))
	}
	return nil
}
