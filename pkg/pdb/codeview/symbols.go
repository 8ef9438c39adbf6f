// Package codeview provides parsing and serialization of CodeView symbol
// records.
package codeview

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Symbol type constants (S_* values)
const (
	S_END       = 0x0006
	S_SKIP      = 0x0007
	S_OBJNAME   = 0x1101
	S_THUNK32   = 0x1102
	S_BLOCK32   = 0x1103
	S_LABEL32   = 0x1105
	S_REGISTER  = 0x1106
	S_CONSTANT  = 0x1107
	S_UDT       = 0x1108
	S_BPREL32   = 0x110b
	S_LDATA32   = 0x110c
	S_GDATA32   = 0x110d
	S_PUB32     = 0x110e
	S_LPROC32   = 0x110f
	S_GPROC32   = 0x1110
	S_REGREL32  = 0x1111
	S_LTHREAD32 = 0x1112
	S_GTHREAD32 = 0x1113
	S_COMPILE2  = 0x1116

	S_LMANDATA = 0x111c
	S_GMANDATA = 0x111d

	S_UNAMESPACE = 0x1124
	S_PROCREF    = 0x1125
	S_DATAREF    = 0x1126
	S_LPROCREF   = 0x1127
	S_TOKENREF   = 0x1129
	S_GMANPROC   = 0x112a
	S_LMANPROC   = 0x112b
	S_TRAMPOLINE = 0x112c

	S_SECTION      = 0x1136
	S_COFFGROUP    = 0x1137
	S_EXPORT       = 0x1138
	S_CALLSITEINFO = 0x1139
	S_FRAMECOOKIE  = 0x113a
	S_COMPILE3     = 0x113c
	S_ENVBLOCK     = 0x113d
	S_LOCAL        = 0x113e
	S_FRAMEPROC    = 0x1012

	S_LPROC32_ID     = 0x1146
	S_GPROC32_ID     = 0x1147
	S_BUILDINFO      = 0x114c
	S_INLINESITE     = 0x114d
	S_INLINESITE_END = 0x114e
	S_PROC_ID_END    = 0x114f
	S_HEAPALLOCSITE  = 0x115e
)

// ModuleSignatureC13 prefixes every module symbol stream.
const ModuleSignatureC13 = 4

// SymbolRecord represents a parsed CodeView symbol record.
type SymbolRecord struct {
	Kind uint16
	Data []byte
}

// Bytes returns the record as stored on disk, length prefix included.
func (s *SymbolRecord) Bytes() []byte {
	buf := make([]byte, 4, 4+len(s.Data))
	binary.LittleEndian.PutUint16(buf, uint16(2+len(s.Data)))
	binary.LittleEndian.PutUint16(buf[2:], s.Kind)
	return append(buf, s.Data...)
}

// ProcSym represents a procedure/function symbol (S_GPROC32, S_LPROC32, etc.)
type ProcSym struct {
	Parent    uint32 // Pointer to parent
	End       uint32 // Pointer to end
	Next      uint32 // Pointer to next symbol
	Length    uint32 // Procedure length
	DbgStart  uint32 // Debug start offset
	DbgEnd    uint32 // Debug end offset
	TypeIndex uint32 // Type index
	Offset    uint32 // Code offset
	Segment   uint16 // Code segment
	Flags     uint8  // Procedure flags
	Name      string // Procedure name
}

// DataSym represents a data/variable symbol (S_GDATA32, S_LDATA32, etc.)
type DataSym struct {
	TypeIndex uint32 // Type index
	Offset    uint32 // Data offset
	Segment   uint16 // Data segment
	Name      string // Variable name
}

// PubSym represents a public symbol (S_PUB32).
type PubSym struct {
	Flags   uint32 // Public symbol flags
	Offset  uint32 // Offset
	Segment uint16 // Segment
	Name    string // Symbol name
}

// ParseSymbols parses all symbol records from raw symbol data. A leading
// C13 signature, as found in module streams, is skipped. Trailing bytes
// that cannot hold a record (line info, global refs) end the scan.
func ParseSymbols(data []byte) ([]SymbolRecord, error) {
	var symbols []SymbolRecord
	offset := 0

	if len(data) >= 4 && binary.LittleEndian.Uint32(data) == ModuleSignatureC13 {
		offset = 4
	}

	for offset+4 <= len(data) {
		recLen := int(binary.LittleEndian.Uint16(data[offset:]))
		if recLen < 2 || offset+2+recLen > len(data) {
			return symbols, errors.Errorf("invalid symbol record length %d at offset %d", recLen, offset)
		}

		sym := SymbolRecord{
			Kind: binary.LittleEndian.Uint16(data[offset+2:]),
			Data: make([]byte, recLen-2),
		}
		copy(sym.Data, data[offset+4:offset+2+recLen])

		symbols = append(symbols, sym)
		offset += 2 + recLen
	}

	return symbols, nil
}

// ParseProcSym parses a procedure symbol record.
func ParseProcSym(data []byte) (*ProcSym, error) {
	if len(data) < 35 {
		return nil, fmt.Errorf("proc symbol data too small: %d bytes", len(data))
	}

	return &ProcSym{
		Parent:    binary.LittleEndian.Uint32(data[0:]),
		End:       binary.LittleEndian.Uint32(data[4:]),
		Next:      binary.LittleEndian.Uint32(data[8:]),
		Length:    binary.LittleEndian.Uint32(data[12:]),
		DbgStart:  binary.LittleEndian.Uint32(data[16:]),
		DbgEnd:    binary.LittleEndian.Uint32(data[20:]),
		TypeIndex: binary.LittleEndian.Uint32(data[24:]),
		Offset:    binary.LittleEndian.Uint32(data[28:]),
		Segment:   binary.LittleEndian.Uint16(data[32:]),
		Flags:     data[34],
		Name:      cString(data[35:]),
	}, nil
}

// ParseDataSym parses a data symbol record (S_GDATA32, S_LDATA32).
func ParseDataSym(data []byte) (*DataSym, error) {
	if len(data) < 10 {
		return nil, fmt.Errorf("data symbol data too small: %d bytes", len(data))
	}

	return &DataSym{
		TypeIndex: binary.LittleEndian.Uint32(data[0:]),
		Offset:    binary.LittleEndian.Uint32(data[4:]),
		Segment:   binary.LittleEndian.Uint16(data[8:]),
		Name:      cString(data[10:]),
	}, nil
}

// ParsePubSym parses a public symbol record (S_PUB32).
func ParsePubSym(data []byte) (*PubSym, error) {
	if len(data) < 10 {
		return nil, fmt.Errorf("pub symbol data too small: %d bytes", len(data))
	}

	return &PubSym{
		Flags:   binary.LittleEndian.Uint32(data[0:]),
		Offset:  binary.LittleEndian.Uint32(data[4:]),
		Segment: binary.LittleEndian.Uint16(data[8:]),
		Name:    cString(data[10:]),
	}, nil
}

// SymbolName returns the name carried by a global-scope record, given its
// kind and payload (length and kind excluded).
func SymbolName(kind uint16, data []byte) (string, error) {
	var at int
	switch kind {
	case S_PUB32, S_GDATA32, S_LDATA32, S_GTHREAD32, S_LTHREAD32,
		S_GMANDATA, S_LMANDATA:
		// type or flags, offset, segment
		at = 10
	case S_PROCREF, S_LPROCREF, S_DATAREF:
		// sumName, ibSym, imod
		at = 10
	case S_UDT:
		at = 4
	case S_CONSTANT:
		if len(data) < 4 {
			return "", errors.Errorf("constant symbol too small: %d bytes", len(data))
		}
		_, n := parseNumeric(data[4:])
		if n == 0 {
			return "", errors.New("invalid numeric leaf in constant symbol")
		}
		at = 4 + n
	default:
		return "", errors.Errorf("symbol kind %s has no global name", SymbolKindName(kind))
	}
	if at > len(data) {
		return "", errors.Errorf("%s record too small: %d bytes", SymbolKindName(kind), len(data))
	}
	return cString(data[at:]), nil
}

func cString(data []byte) string {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return string(data[:i])
	}
	return string(data)
}

// parseNumeric parses a numeric leaf value.
func parseNumeric(data []byte) (uint64, int) {
	if len(data) < 2 {
		return 0, 0
	}

	val := binary.LittleEndian.Uint16(data)
	if val < 0x8000 {
		return uint64(val), 2
	}

	switch val {
	case 0x8000: // LF_CHAR
		if len(data) < 3 {
			return 0, 0
		}
		return uint64(int8(data[2])), 3
	case 0x8001, 0x8002: // LF_SHORT, LF_USHORT
		if len(data) < 4 {
			return 0, 0
		}
		return uint64(binary.LittleEndian.Uint16(data[2:])), 4
	case 0x8003, 0x8004: // LF_LONG, LF_ULONG
		if len(data) < 6 {
			return 0, 0
		}
		return uint64(binary.LittleEndian.Uint32(data[2:])), 6
	case 0x8009, 0x800a: // LF_QUADWORD, LF_UQUADWORD
		if len(data) < 10 {
			return 0, 0
		}
		return binary.LittleEndian.Uint64(data[2:]), 10
	default:
		return 0, 0
	}
}

// SymbolKindName returns the name for a symbol kind constant.
func SymbolKindName(kind uint16) string {
	switch kind {
	case S_END:
		return "S_END"
	case S_OBJNAME:
		return "S_OBJNAME"
	case S_GPROC32:
		return "S_GPROC32"
	case S_LPROC32:
		return "S_LPROC32"
	case S_GPROC32_ID:
		return "S_GPROC32_ID"
	case S_LPROC32_ID:
		return "S_LPROC32_ID"
	case S_GDATA32:
		return "S_GDATA32"
	case S_LDATA32:
		return "S_LDATA32"
	case S_GTHREAD32:
		return "S_GTHREAD32"
	case S_LTHREAD32:
		return "S_LTHREAD32"
	case S_PUB32:
		return "S_PUB32"
	case S_UDT:
		return "S_UDT"
	case S_CONSTANT:
		return "S_CONSTANT"
	case S_PROCREF:
		return "S_PROCREF"
	case S_LPROCREF:
		return "S_LPROCREF"
	case S_DATAREF:
		return "S_DATAREF"
	case S_COMPILE2:
		return "S_COMPILE2"
	case S_COMPILE3:
		return "S_COMPILE3"
	case S_FRAMEPROC:
		return "S_FRAMEPROC"
	case S_BLOCK32:
		return "S_BLOCK32"
	case S_LABEL32:
		return "S_LABEL32"
	case S_THUNK32:
		return "S_THUNK32"
	case S_REGREL32:
		return "S_REGREL32"
	case S_LOCAL:
		return "S_LOCAL"
	case S_BUILDINFO:
		return "S_BUILDINFO"
	case S_INLINESITE:
		return "S_INLINESITE"
	case S_INLINESITE_END:
		return "S_INLINESITE_END"
	case S_PROC_ID_END:
		return "S_PROC_ID_END"
	case S_UNAMESPACE:
		return "S_UNAMESPACE"
	case S_SECTION:
		return "S_SECTION"
	case S_COFFGROUP:
		return "S_COFFGROUP"
	case S_EXPORT:
		return "S_EXPORT"
	case S_ENVBLOCK:
		return "S_ENVBLOCK"
	case S_CALLSITEINFO:
		return "S_CALLSITEINFO"
	case S_FRAMECOOKIE:
		return "S_FRAMECOOKIE"
	case S_TRAMPOLINE:
		return "S_TRAMPOLINE"
	case S_HEAPALLOCSITE:
		return "S_HEAPALLOCSITE"
	default:
		return fmt.Sprintf("S_0x%04x", kind)
	}
}

// IsProcSymbol returns true if the kind is a procedure symbol.
func IsProcSymbol(kind uint16) bool {
	switch kind {
	case S_GPROC32, S_LPROC32, S_GPROC32_ID, S_LPROC32_ID, S_GMANPROC, S_LMANPROC:
		return true
	}
	return false
}

// IsDataSymbol returns true if the kind is a data symbol.
func IsDataSymbol(kind uint16) bool {
	switch kind {
	case S_GDATA32, S_LDATA32, S_GMANDATA, S_LMANDATA, S_GTHREAD32, S_LTHREAD32:
		return true
	}
	return false
}
