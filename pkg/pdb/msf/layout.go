package msf

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Fixed block positions of a freshly built file.
const (
	superBlockIndex   = 0
	activeFPMBlock    = 1
	blockMapBlockAddr = 3
)

// Layout describes where every stream ended up in a committed file.
type Layout struct {
	SuperBlock      SuperBlock
	StreamSizes     []uint32
	StreamBlocks    [][]uint32
	DirectoryBlocks []uint32
}

// blockAllocator hands out block indices in increasing order, skipping the
// two free block map blocks that sit at the start of every interval.
type blockAllocator struct {
	blockSize uint32
	next      uint32
}

func (a *blockAllocator) alloc(n uint32) []uint32 {
	blocks := make([]uint32, 0, n)
	for uint32(len(blocks)) < n {
		if isFPMBlock(a.next, a.blockSize) {
			a.next++
			continue
		}
		blocks = append(blocks, a.next)
		a.next++
	}
	return blocks
}

func isFPMBlock(index, blockSize uint32) bool {
	r := index % blockSize
	return r == 1 || r == 2
}

func (b *Builder) generateLayout() (*Layout, error) {
	bs := b.blockSize
	alloc := &blockAllocator{blockSize: bs, next: blockMapBlockAddr}

	// The block map always lands on block 3.
	alloc.alloc(1)

	layout := &Layout{
		StreamSizes:  make([]uint32, len(b.streams)),
		StreamBlocks: make([][]uint32, len(b.streams)),
	}
	dirBytes := uint32(4 + 4*len(b.streams))
	for i, data := range b.streams {
		size := uint32(len(data))
		layout.StreamSizes[i] = size
		layout.StreamBlocks[i] = alloc.alloc(blocksFor(size, bs))
		dirBytes += 4 * uint32(len(layout.StreamBlocks[i]))
	}

	numDirBlocks := blocksFor(dirBytes, bs)
	if numDirBlocks*4 > bs {
		return nil, errors.Errorf("stream directory needs %d blocks, block map holds at most %d", numDirBlocks, bs/4)
	}
	layout.DirectoryBlocks = alloc.alloc(numDirBlocks)

	layout.SuperBlock = SuperBlock{
		BlockSize:         bs,
		FreeBlockMapBlock: activeFPMBlock,
		NumBlocks:         alloc.next,
		NumDirectoryBytes: dirBytes,
		BlockMapAddr:      blockMapBlockAddr,
	}
	copy(layout.SuperBlock.Magic[:], MSFMagic)

	return layout, nil
}

// directoryBytes serializes the stream directory: stream count, sizes, then
// every stream's block list.
func (l *Layout) directoryBytes() []byte {
	buf := make([]byte, 0, l.SuperBlock.NumDirectoryBytes)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(l.StreamSizes)))
	for _, size := range l.StreamSizes {
		buf = binary.LittleEndian.AppendUint32(buf, size)
	}
	for _, blocks := range l.StreamBlocks {
		for _, blk := range blocks {
			buf = binary.LittleEndian.AppendUint32(buf, blk)
		}
	}
	return buf
}

// freeBlockMap returns the FPM bitmap, one bit per block, set when the block
// is free. Every block below NumBlocks is in use.
func (l *Layout) freeBlockMap() []byte {
	bs := l.SuperBlock.BlockSize
	numBlocks := l.SuperBlock.NumBlocks
	intervals := blocksFor(numBlocks, bs)

	fpm := bytes.Repeat([]byte{0xFF}, int(intervals*bs))
	for i := uint32(0); i < numBlocks; i++ {
		fpm[i/8] &^= 1 << (i % 8)
	}
	return fpm
}

// render produces the block-aligned file image.
func (l *Layout) render(streams [][]byte) []byte {
	bs := l.SuperBlock.BlockSize
	numBlocks := l.SuperBlock.NumBlocks
	image := make([]byte, int(numBlocks)*int(bs))
	block := func(i uint32) []byte {
		return image[int(i)*int(bs) : int(i+1)*int(bs)]
	}

	var sb bytes.Buffer
	_, _ = l.SuperBlock.WriteTo(&sb)
	copy(block(superBlockIndex), sb.Bytes())

	fpm := l.freeBlockMap()
	for k := uint32(0); k*bs+1 < numBlocks; k++ {
		copy(block(k*bs+1), fpm[k*bs:(k+1)*bs])
		if k*bs+2 < numBlocks {
			copy(block(k*bs+2), bytes.Repeat([]byte{0xFF}, int(bs)))
		}
	}

	for i, data := range streams {
		writeBlocks(data, l.StreamBlocks[i], block)
	}

	writeBlocks(l.directoryBytes(), l.DirectoryBlocks, block)

	blockMap := block(blockMapBlockAddr)
	for i, blk := range l.DirectoryBlocks {
		binary.LittleEndian.PutUint32(blockMap[i*4:], blk)
	}

	return image
}

func writeBlocks(data []byte, blocks []uint32, block func(uint32) []byte) {
	for j, blk := range blocks {
		copy(block(blk), data[j*len(block(blk)):])
	}
}
