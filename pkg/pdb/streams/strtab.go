package streams

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

const (
	StringTableSignature   = 0xEFFEEFFE
	StringTableHashVersion = 1
	stringTableHeaderSize  = 12
)

// stringsToBuckets maps a string count to the bucket count used for it.
var stringsToBuckets = [][2]uint32{
	{1, 2}, {2, 4}, {4, 7}, {6, 11}, {9, 17}, {13, 26}, {20, 40}, {31, 61},
	{46, 92}, {70, 139}, {105, 209}, {157, 314}, {236, 472}, {355, 709},
	{532, 1064}, {799, 1597}, {1198, 2396}, {1798, 3595}, {2697, 5393},
	{4045, 8090}, {6068, 12136}, {9103, 18205}, {13654, 27308},
}

func stringTableBucketCount(numStrings uint32) uint32 {
	i := sort.Search(len(stringsToBuckets), func(i int) bool {
		return stringsToBuckets[i][0] >= numStrings
	})
	if i < len(stringsToBuckets) {
		return stringsToBuckets[i][1]
	}
	return numStrings*2 + 1
}

// StringTableBuilder builds the /names stream and the Dbi EC substream,
// which share one format. Offset 0 is always the empty string.
type StringTableBuilder struct {
	buf     []byte
	offsets map[string]uint32
	order   []string
}

// NewStringTableBuilder returns a table holding only the empty string.
func NewStringTableBuilder() *StringTableBuilder {
	return &StringTableBuilder{
		buf:     []byte{0},
		offsets: make(map[string]uint32),
	}
}

// Insert adds s if needed and returns its offset in the string buffer.
func (b *StringTableBuilder) Insert(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := b.offsets[s]; ok {
		return off
	}
	off := uint32(len(b.buf))
	b.buf = append(b.buf, s...)
	b.buf = append(b.buf, 0)
	b.offsets[s] = off
	b.order = append(b.order, s)
	return off
}

// Len returns the number of non-empty strings.
func (b *StringTableBuilder) Len() int {
	return len(b.order)
}

// Bytes serializes the table.
func (b *StringTableBuilder) Bytes() []byte {
	numBuckets := stringTableBucketCount(uint32(len(b.order)))
	buckets := make([]uint32, numBuckets)
	for _, s := range b.order {
		i := HashStringV1(s) % numBuckets
		for buckets[i] != 0 {
			i = (i + 1) % numBuckets
		}
		buckets[i] = b.offsets[s]
	}

	var out bytes.Buffer
	out.Grow(stringTableHeaderSize + len(b.buf) + 8 + 4*len(buckets))
	writeUint32(&out, StringTableSignature)
	writeUint32(&out, StringTableHashVersion)
	writeUint32(&out, uint32(len(b.buf)))
	out.Write(b.buf)
	writeUint32(&out, numBuckets)
	for _, off := range buckets {
		writeUint32(&out, off)
	}
	writeUint32(&out, uint32(len(b.order)))
	return out.Bytes()
}

// StringTable is a parsed /names stream.
type StringTable struct {
	buf       []byte
	NameCount uint32
}

// ReadStringTable parses a serialized string table.
func ReadStringTable(data []byte) (*StringTable, error) {
	if len(data) < stringTableHeaderSize {
		return nil, errors.Errorf("string table too small: %d bytes", len(data))
	}
	if sig := binary.LittleEndian.Uint32(data); sig != StringTableSignature {
		return nil, errors.Errorf("invalid string table signature 0x%08x", sig)
	}
	size := binary.LittleEndian.Uint32(data[8:])
	end := stringTableHeaderSize + int(size)
	if end+4 > len(data) {
		return nil, errors.New("string table buffer exceeds stream")
	}
	t := &StringTable{buf: data[stringTableHeaderSize:end]}

	numBuckets := binary.LittleEndian.Uint32(data[end:])
	countAt := end + 4 + 4*int(numBuckets)
	if countAt+4 <= len(data) {
		t.NameCount = binary.LittleEndian.Uint32(data[countAt:])
	}
	return t, nil
}

// Get returns the string at offset.
func (t *StringTable) Get(offset uint32) (string, error) {
	if int(offset) >= len(t.buf) {
		return "", errors.Errorf("string offset %d out of range", offset)
	}
	return extractCString(t.buf[offset:]), nil
}
