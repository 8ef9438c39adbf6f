// Package msf implements Microsoft's Multi-Stream Format (MSF) container:
// reading existing files and building new ones.
package msf

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MSF 7.00 magic signature
var MSFMagic = []byte("Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00")

// SuperBlock is the header structure at the beginning of an MSF file.
// It contains metadata needed to navigate the file's stream structure.
type SuperBlock struct {
	Magic             [32]byte // Must be MSFMagic
	BlockSize         uint32   // Block size in bytes (512, 1024, 2048, or 4096)
	FreeBlockMapBlock uint32   // Index of active FPM block (1 or 2)
	NumBlocks         uint32   // Total number of blocks in file
	NumDirectoryBytes uint32   // Size of stream directory in bytes
	Unknown           uint32   // Reserved/unknown field
	BlockMapAddr      uint32   // Block index containing the stream directory block map
}

// SuperBlockSize is the size of the SuperBlock structure in bytes.
const SuperBlockSize = 56

// ValidBlockSizes are the allowed block sizes for MSF files.
var ValidBlockSizes = []uint32{512, 1024, 2048, 4096}

// DefaultBlockSize is the block size written by current toolchains.
const DefaultBlockSize = 4096

// ReadSuperBlock reads and validates the SuperBlock from the beginning of an MSF file.
func ReadSuperBlock(r io.Reader) (*SuperBlock, error) {
	var sb SuperBlock
	if err := binary.Read(r, binary.LittleEndian, &sb); err != nil {
		return nil, errors.Wrap(err, "failed to read superblock")
	}

	if !bytes.Equal(sb.Magic[:], MSFMagic) {
		return nil, errors.New("invalid MSF magic: not a valid PDB file")
	}
	if !IsValidBlockSize(sb.BlockSize) {
		return nil, errors.Errorf("invalid block size: %d", sb.BlockSize)
	}
	if sb.FreeBlockMapBlock != 1 && sb.FreeBlockMapBlock != 2 {
		return nil, errors.Errorf("invalid FreeBlockMapBlock: %d (must be 1 or 2)", sb.FreeBlockMapBlock)
	}

	return &sb, nil
}

// WriteTo writes the superblock in its on-disk little-endian form.
func (sb *SuperBlock) WriteTo(w io.Writer) (int64, error) {
	if err := binary.Write(w, binary.LittleEndian, sb); err != nil {
		return 0, errors.Wrap(err, "failed to write superblock")
	}
	return SuperBlockSize, nil
}

// NumDirectoryBlocks returns the number of blocks needed to store the stream directory.
func (sb *SuperBlock) NumDirectoryBlocks() uint32 {
	return blocksFor(sb.NumDirectoryBytes, sb.BlockSize)
}

// FileSize returns the expected file size based on block count.
func (sb *SuperBlock) FileSize() int64 {
	return int64(sb.NumBlocks) * int64(sb.BlockSize)
}

// IsValidBlockSize reports whether size is one of ValidBlockSizes.
func IsValidBlockSize(size uint32) bool {
	for _, valid := range ValidBlockSizes {
		if size == valid {
			return true
		}
	}
	return false
}

func blocksFor(n, blockSize uint32) uint32 {
	return (n + blockSize - 1) / blockSize
}
