package codeview

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Public symbol flags
const (
	PubSymFlagNone     = 0x0
	PubSymFlagCode     = 0x1
	PubSymFlagFunction = 0x2
	PubSymFlagManaged  = 0x4
	PubSymFlagMSIL     = 0x8
)

// maxRecordLength is the largest value a record length prefix can hold.
const maxRecordLength = 0xFFFF

// PublicSymbol is an S_PUB32 record before serialization.
type PublicSymbol struct {
	Name    string
	Section uint16 // 1-based
	Offset  uint32
	Flags   uint32
}

// Bytes serializes s as an S_PUB32 record padded to 4 bytes.
func (s *PublicSymbol) Bytes() ([]byte, error) {
	// len, kind, flags, offset, segment, name, NUL
	size := AlignRecord(2 + 2 + 4 + 4 + 2 + len(s.Name) + 1)
	if size-2 > maxRecordLength {
		return nil, errors.Errorf("public symbol name too long: %d bytes", len(s.Name))
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:], uint16(size-2))
	binary.LittleEndian.PutUint16(buf[2:], S_PUB32)
	binary.LittleEndian.PutUint32(buf[4:], s.Flags)
	binary.LittleEndian.PutUint32(buf[8:], s.Offset)
	binary.LittleEndian.PutUint16(buf[12:], s.Section)
	copy(buf[14:], s.Name)
	return buf, nil
}

// AlignRecord rounds n up to the 4-byte record alignment.
func AlignRecord(n int) int {
	return (n + 3) &^ 3
}
