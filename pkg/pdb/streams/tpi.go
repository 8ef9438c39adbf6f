package streams

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/jtang613/pdbsynth/pkg/errs"
	"github.com/jtang613/pdbsynth/pkg/pdb/msf"
)

// TPI Stream versions
const (
	TPIStreamVersion40  = 19950410
	TPIStreamVersion41  = 19951122
	TPIStreamVersion50  = 19961031
	TPIStreamVersionV70 = 19990903
	TPIStreamVersionV80 = 20040203
)

// First type index (built-in types are below this)
const TypeIndexBegin = 0x1000

const (
	tpiHeaderSize       = 56
	tpiHashKeySize      = 4
	tpiNumHashBuckets   = 0x3FFFF
	tpiIndexOffsetChunk = 8 * 1024
	noAuxStream         = 0xFFFF
)

// TPIHeader is the header of the TPI and IPI streams.
type TPIHeader struct {
	Version                 uint32
	HeaderSize              uint32
	TypeIndexBegin          uint32
	TypeIndexEnd            uint32
	TypeRecordBytes         uint32
	HashStreamIndex         uint16
	HashAuxStreamIndex      uint16
	HashKeySize             uint32
	NumHashBuckets          uint32
	HashValueBufferOffset   int32
	HashValueBufferLength   uint32
	IndexOffsetBufferOffset int32
	IndexOffsetBufferLength uint32
	HashAdjBufferOffset     int32
	HashAdjBufferLength     uint32
}

// TPIStream represents a parsed TPI or IPI stream.
type TPIStream struct {
	Header      TPIHeader
	TypeRecords []TypeRecord
}

// TypeRecord represents a single type record.
type TypeRecord struct {
	Index uint32 // Type index
	Kind  uint16 // LF_* type kind
	Data  []byte // Raw record data (excluding length and kind)
}

// Bytes returns the record as it is stored on disk, length prefix included.
func (t *TypeRecord) Bytes() []byte {
	buf := make([]byte, 4, 4+len(t.Data))
	binary.LittleEndian.PutUint16(buf, uint16(2+len(t.Data)))
	binary.LittleEndian.PutUint16(buf[2:], t.Kind)
	return append(buf, t.Data...)
}

// ReadTPIStream parses a TPI or IPI stream from raw bytes.
func ReadTPIStream(data []byte) (*TPIStream, error) {
	r := bytes.NewReader(data)

	var header TPIHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, errors.Wrap(err, "failed to read TPI header")
	}

	if header.Version != TPIStreamVersionV80 && header.Version != TPIStreamVersionV70 {
		return nil, errors.Errorf("unsupported TPI version: %d", header.Version)
	}
	if header.HeaderSize > tpiHeaderSize {
		if _, err := r.Seek(int64(header.HeaderSize), io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "failed to skip TPI header")
		}
	}

	recordData := make([]byte, header.TypeRecordBytes)
	if _, err := io.ReadFull(r, recordData); err != nil {
		return nil, errors.Wrap(err, "failed to read type records")
	}

	tpi := &TPIStream{Header: header}

	offset := 0
	typeIndex := header.TypeIndexBegin
	for offset < len(recordData) && typeIndex < header.TypeIndexEnd {
		if offset+4 > len(recordData) {
			return nil, errors.Errorf("truncated type record 0x%x at offset %d", typeIndex, offset)
		}

		recLen := int(binary.LittleEndian.Uint16(recordData[offset:]))
		if recLen < 2 || offset+2+recLen > len(recordData) {
			return nil, errors.Errorf("invalid length %d for type record 0x%x", recLen, typeIndex)
		}

		record := TypeRecord{
			Index: typeIndex,
			Kind:  binary.LittleEndian.Uint16(recordData[offset+2:]),
			Data:  make([]byte, recLen-2),
		}
		copy(record.Data, recordData[offset+4:offset+2+recLen])
		tpi.TypeRecords = append(tpi.TypeRecords, record)

		offset += 2 + recLen
		typeIndex++
	}

	return tpi, nil
}

// GetType returns the type record for the given type index.
func (t *TPIStream) GetType(index uint32) *TypeRecord {
	i := int(index) - int(t.Header.TypeIndexBegin)
	if i < 0 || i >= len(t.TypeRecords) {
		return nil
	}
	return &t.TypeRecords[i]
}

// TypeCount returns the number of types (TypeIndexEnd - TypeIndexBegin).
func (t *TPIStream) TypeCount() uint32 {
	return t.Header.TypeIndexEnd - t.Header.TypeIndexBegin
}

// TypeIndexOffset is one entry of the index offset buffer: the first type
// index of a chunk and its byte offset in the record area.
type TypeIndexOffset struct {
	Index  uint32
	Offset uint32
}

// TPIBuilder accumulates the records of a TPI or IPI stream. Records keep
// the order in which they are added; the first one gets TypeIndexBegin.
type TPIBuilder struct {
	version      uint32
	records      [][]byte
	hashes       []uint32
	indexOffsets []TypeIndexOffset
	recordBytes  uint32
	chunkBytes   uint32
	committed    bool
}

// NewTPIBuilder returns an empty builder writing V80 headers.
func NewTPIBuilder() *TPIBuilder {
	return &TPIBuilder{version: TPIStreamVersionV80}
}

// SetVersionHeader overrides the stream version.
func (b *TPIBuilder) SetVersionHeader(version uint32) {
	b.version = version
}

// AddTypeRecord appends a complete record (length prefix included) and
// returns the type index it was assigned.
func (b *TPIBuilder) AddTypeRecord(record []byte) (uint32, error) {
	if b.committed {
		return 0, errs.NewStateError("AddTypeRecord", "type stream already committed")
	}
	if len(record) < 4 {
		return 0, errors.Errorf("type record too short: %d bytes", len(record))
	}
	if recLen := int(binary.LittleEndian.Uint16(record)); recLen+2 != len(record) {
		return 0, errors.Errorf("type record length %d does not match buffer of %d bytes", recLen, len(record))
	}

	index := TypeIndexBegin + uint32(len(b.records))
	size := uint32(len(record))
	if len(b.records) == 0 || b.chunkBytes+size > tpiIndexOffsetChunk {
		b.indexOffsets = append(b.indexOffsets, TypeIndexOffset{Index: index, Offset: b.recordBytes})
		b.chunkBytes = 0
	}
	b.chunkBytes += size
	b.recordBytes += size

	b.records = append(b.records, append([]byte(nil), record...))
	b.hashes = append(b.hashes, HashTypeRecord(record)%tpiNumHashBuckets)
	return index, nil
}

// NumRecords returns the number of records added so far.
func (b *TPIBuilder) NumRecords() int {
	return len(b.records)
}

// Commit writes the record stream to streamIndex and allocates and writes
// the hash stream that accompanies it.
func (b *TPIBuilder) Commit(m *msf.Builder, streamIndex uint32) error {
	if b.committed {
		return errs.NewStateError("Commit", "type stream already committed")
	}

	hashStream, err := m.AddStream(uint32(4*len(b.hashes) + 8*len(b.indexOffsets)))
	if err != nil {
		return err
	}

	hashBytes := uint32(4 * len(b.hashes))
	offsetBytes := uint32(8 * len(b.indexOffsets))
	header := TPIHeader{
		Version:                 b.version,
		HeaderSize:              tpiHeaderSize,
		TypeIndexBegin:          TypeIndexBegin,
		TypeIndexEnd:            TypeIndexBegin + uint32(len(b.records)),
		TypeRecordBytes:         b.recordBytes,
		HashStreamIndex:         uint16(hashStream),
		HashAuxStreamIndex:      noAuxStream,
		HashKeySize:             tpiHashKeySize,
		NumHashBuckets:          tpiNumHashBuckets,
		HashValueBufferOffset:   0,
		HashValueBufferLength:   hashBytes,
		IndexOffsetBufferOffset: int32(hashBytes),
		IndexOffsetBufferLength: offsetBytes,
		HashAdjBufferOffset:     int32(hashBytes + offsetBytes),
		HashAdjBufferLength:     0,
	}

	var buf bytes.Buffer
	buf.Grow(tpiHeaderSize + int(b.recordBytes))
	if err := binary.Write(&buf, binary.LittleEndian, &header); err != nil {
		return errors.Wrap(err, "failed to write TPI header")
	}
	for _, rec := range b.records {
		buf.Write(rec)
	}
	if err := m.SetStreamData(streamIndex, buf.Bytes()); err != nil {
		return err
	}

	var hashBuf bytes.Buffer
	if err := binary.Write(&hashBuf, binary.LittleEndian, b.hashes); err != nil {
		return errors.Wrap(err, "failed to write type hashes")
	}
	if err := binary.Write(&hashBuf, binary.LittleEndian, b.indexOffsets); err != nil {
		return errors.Wrap(err, "failed to write type index offsets")
	}
	if err := m.SetStreamData(hashStream, hashBuf.Bytes()); err != nil {
		return err
	}

	b.committed = true
	return nil
}

// LF_* type leaf constants
const (
	LF_MODIFIER  = 0x1001
	LF_POINTER   = 0x1002
	LF_PROCEDURE = 0x1008
	LF_MFUNCTION = 0x1009
	LF_VTSHAPE   = 0x000a
	LF_LABEL     = 0x000e

	LF_SKIP       = 0x1200
	LF_ARGLIST    = 0x1201
	LF_FIELDLIST  = 0x1203
	LF_DERIVED    = 0x1204
	LF_BITFIELD   = 0x1205
	LF_METHODLIST = 0x1206

	LF_BCLASS    = 0x1400
	LF_VBCLASS   = 0x1401
	LF_IVBCLASS  = 0x1402
	LF_INDEX     = 0x1404
	LF_VFUNCTAB  = 0x1409
	LF_ENUMERATE = 0x1502

	LF_ARRAY     = 0x1503
	LF_CLASS     = 0x1504
	LF_STRUCTURE = 0x1505
	LF_UNION     = 0x1506
	LF_ENUM      = 0x1507
	LF_MEMBER    = 0x150d
	LF_STMEMBER  = 0x150e
	LF_METHOD    = 0x150f
	LF_NESTTYPE  = 0x1510
	LF_ONEMETHOD = 0x1511
	LF_INTERFACE = 0x1519

	// Pre-VC7 string-prefixed forms.
	LF_ARRAY_ST     = 0x1003
	LF_CLASS_ST     = 0x1004
	LF_STRUCTURE_ST = 0x1005
	LF_UNION_ST     = 0x1006
	LF_ENUM_ST      = 0x1007

	// IPI leaves.
	LF_FUNC_ID          = 0x1601
	LF_MFUNC_ID         = 0x1602
	LF_BUILDINFO        = 0x1603
	LF_SUBSTR_LIST      = 0x1604
	LF_STRING_ID        = 0x1605
	LF_UDT_SRC_LINE     = 0x1606
	LF_UDT_MOD_SRC_LINE = 0x1607
)

// LeafKindName returns the name for a LF_* constant.
func LeafKindName(kind uint16) string {
	switch kind {
	case LF_MODIFIER:
		return "LF_MODIFIER"
	case LF_POINTER:
		return "LF_POINTER"
	case LF_ARRAY, LF_ARRAY_ST:
		return "LF_ARRAY"
	case LF_CLASS, LF_CLASS_ST:
		return "LF_CLASS"
	case LF_STRUCTURE, LF_STRUCTURE_ST:
		return "LF_STRUCTURE"
	case LF_UNION, LF_UNION_ST:
		return "LF_UNION"
	case LF_ENUM, LF_ENUM_ST:
		return "LF_ENUM"
	case LF_INTERFACE:
		return "LF_INTERFACE"
	case LF_PROCEDURE:
		return "LF_PROCEDURE"
	case LF_MFUNCTION:
		return "LF_MFUNCTION"
	case LF_ARGLIST:
		return "LF_ARGLIST"
	case LF_FIELDLIST:
		return "LF_FIELDLIST"
	case LF_BITFIELD:
		return "LF_BITFIELD"
	case LF_METHODLIST:
		return "LF_METHODLIST"
	case LF_VTSHAPE:
		return "LF_VTSHAPE"
	case LF_MEMBER:
		return "LF_MEMBER"
	case LF_ENUMERATE:
		return "LF_ENUMERATE"
	case LF_NESTTYPE:
		return "LF_NESTTYPE"
	case LF_METHOD:
		return "LF_METHOD"
	case LF_ONEMETHOD:
		return "LF_ONEMETHOD"
	case LF_FUNC_ID:
		return "LF_FUNC_ID"
	case LF_MFUNC_ID:
		return "LF_MFUNC_ID"
	case LF_BUILDINFO:
		return "LF_BUILDINFO"
	case LF_SUBSTR_LIST:
		return "LF_SUBSTR_LIST"
	case LF_STRING_ID:
		return "LF_STRING_ID"
	case LF_UDT_SRC_LINE:
		return "LF_UDT_SRC_LINE"
	case LF_UDT_MOD_SRC_LINE:
		return "LF_UDT_MOD_SRC_LINE"
	default:
		return fmt.Sprintf("LF_0x%04x", kind)
	}
}

// ParseNumeric parses a numeric leaf value from the data.
// Returns the value and the number of bytes consumed.
func ParseNumeric(data []byte) (uint64, int) {
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
	case 0x8001: // LF_SHORT
		if len(data) < 4 {
			return 0, 0
		}
		return uint64(int16(binary.LittleEndian.Uint16(data[2:]))), 4
	case 0x8002: // LF_USHORT
		if len(data) < 4 {
			return 0, 0
		}
		return uint64(binary.LittleEndian.Uint16(data[2:])), 4
	case 0x8003: // LF_LONG
		if len(data) < 6 {
			return 0, 0
		}
		return uint64(int32(binary.LittleEndian.Uint32(data[2:]))), 6
	case 0x8004: // LF_ULONG
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

// ParseString parses a null-terminated string from data.
// Returns the string and number of bytes consumed (including null).
func ParseString(data []byte) (string, int) {
	idx := bytes.IndexByte(data, 0)
	if idx == -1 {
		return string(data), len(data)
	}
	return string(data[:idx]), idx + 1
}
