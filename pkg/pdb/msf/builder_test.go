package msf

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/pdbsynth/pkg/errs"
)

func commitToReader(t *testing.T, b *Builder) (*Reader, *Layout, []byte) {
	t.Helper()
	var buf bytes.Buffer
	layout, err := b.Commit(&buf)
	require.NoError(t, err)
	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	return r, layout, buf.Bytes()
}

func TestBuilderRoundTrip(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Initialize(512))

	payloads := [][]byte{
		nil,
		[]byte("info"),
		bytes.Repeat([]byte{0xAB}, 1300),
		bytes.Repeat([]byte{0x01, 0x02}, 512),
	}
	for i, p := range payloads {
		idx, err := b.AddStream(uint32(len(p)))
		require.NoError(t, err)
		require.Equal(t, uint32(i), idx)
		require.NoError(t, b.SetStreamData(idx, p))
	}
	require.NoError(t, b.AppendStreamData(1, []byte("-more")))

	r, layout, image := commitToReader(t, b)

	assert.Equal(t, len(payloads), r.NumStreams())
	assert.Equal(t, int64(len(image)), r.SuperBlock().FileSize())
	assert.Equal(t, uint32(blockMapBlockAddr), r.SuperBlock().BlockMapAddr)

	want := append([][]byte{}, payloads...)
	want[1] = []byte("info-more")
	for i, p := range want {
		data, err := r.ReadStream(i)
		require.NoError(t, err)
		assert.Equal(t, len(p), len(data), "stream %d", i)
		if len(p) > 0 {
			assert.Equal(t, p, data, "stream %d", i)
		}
		assert.Equal(t, uint32(len(p)), layout.StreamSizes[i])
		assert.Equal(t, layout.StreamBlocks[i], r.Directory().StreamBlocks[i])
	}
}

func TestBuilderSkipsFreeBlockMapBlocks(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Initialize(512))

	// Enough data to cross the second FPM interval at blocks 513/514.
	big := make([]byte, 600*512)
	for i := range big {
		big[i] = byte(i / 512)
	}
	idx, err := b.AddStream(0)
	require.NoError(t, err)
	require.NoError(t, b.SetStreamData(idx, big))

	r, layout, image := commitToReader(t, b)

	for _, blocks := range layout.StreamBlocks {
		for _, blk := range blocks {
			assert.False(t, isFPMBlock(blk, 512), "block %d is an FPM block", blk)
		}
	}
	for _, blk := range layout.DirectoryBlocks {
		assert.False(t, isFPMBlock(blk, 512))
	}

	data, err := r.ReadStream(int(idx))
	require.NoError(t, err)
	assert.Equal(t, big, data)

	// Active FPM marks every block of the file as used and the tail as free.
	fpm := image[512 : 2*512]
	numBlocks := layout.SuperBlock.NumBlocks
	for i := uint32(0); i < 512*8; i++ {
		free := fpm[i/8]&(1<<(i%8)) != 0
		assert.Equal(t, i >= numBlocks, free, "block %d", i)
	}
}

func TestBuilderDirectoryMatchesSuperBlock(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Initialize(DefaultBlockSize))
	for i := 0; i < 5; i++ {
		_, err := b.AddStream(0)
		require.NoError(t, err)
	}

	_, layout, image := commitToReader(t, b)

	sb := layout.SuperBlock
	assert.Equal(t, uint32(4+4*5), sb.NumDirectoryBytes)
	blockMap := image[blockMapBlockAddr*DefaultBlockSize:]
	assert.Equal(t, layout.DirectoryBlocks[0], binary.LittleEndian.Uint32(blockMap))
}

func TestBuilderStateErrors(t *testing.T) {
	var stateErr *errs.StateError

	b := NewBuilder()
	_, err := b.AddStream(0)
	require.True(t, errors.As(err, &stateErr), "add before initialize")

	require.NoError(t, b.Initialize(DefaultBlockSize))
	err = b.Initialize(DefaultBlockSize)
	require.True(t, errors.As(err, &stateErr), "double initialize")

	_, err = b.Commit(&bytes.Buffer{})
	require.NoError(t, err)

	_, err = b.Commit(&bytes.Buffer{})
	require.True(t, errors.As(err, &stateErr), "double commit")
	_, err = b.AddStream(0)
	require.True(t, errors.As(err, &stateErr), "add after commit")
}

func TestBuilderRejectsBadBlockSize(t *testing.T) {
	b := NewBuilder()
	require.Error(t, b.Initialize(3000))
	require.NoError(t, b.Initialize(1024))
}

func TestStreamReadAcrossBlocks(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Initialize(512))
	payload := make([]byte, 1500)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	idx, err := b.AddStream(0)
	require.NoError(t, err)
	require.NoError(t, b.SetStreamData(idx, payload))

	r, layout, _ := commitToReader(t, b)
	s, err := r.Stream(int(idx))
	require.NoError(t, err)
	assert.Equal(t, layout.StreamBlocks[idx], s.Blocks())
	assert.Len(t, s.Blocks(), 3)

	// A window spanning the first block boundary.
	buf := make([]byte, 100)
	n, err := s.ReadAt(buf, 460)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, payload[460:560], buf)

	// Reads past the end are short.
	n, err = s.ReadAt(buf, 1450)
	assert.Equal(t, 50, n)
	assert.ErrorIs(t, err, io.EOF)

	sr, err := r.StreamReader(int(idx))
	require.NoError(t, err)
	_, err = sr.Seek(1024, io.SeekStart)
	require.NoError(t, err)
	rest, err := io.ReadAll(sr)
	require.NoError(t, err)
	assert.Equal(t, payload[1024:], rest)
}
