package streams

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const namedStreamMapInitialCapacity = 8

// NamedStreamMap maps stream names such as "/names" to stream indices. It
// is stored as a string buffer followed by an open-addressing hash table
// keyed by offsets into that buffer.
type NamedStreamMap struct {
	strings  []byte
	offsets  map[string]uint32
	capacity uint32
	buckets  []namedStreamBucket
	size     uint32
}

type namedStreamBucket struct {
	present bool
	key     uint32 // offset into strings
	value   uint32 // stream index
}

// NewNamedStreamMap returns an empty map.
func NewNamedStreamMap() *NamedStreamMap {
	return &NamedStreamMap{
		offsets:  make(map[string]uint32),
		capacity: namedStreamMapInitialCapacity,
		buckets:  make([]namedStreamBucket, namedStreamMapInitialCapacity),
	}
}

// Set maps name to streamIndex, replacing any previous mapping.
func (m *NamedStreamMap) Set(name string, streamIndex uint32) {
	offset, ok := m.offsets[name]
	if !ok {
		offset = uint32(len(m.strings))
		m.strings = append(m.strings, name...)
		m.strings = append(m.strings, 0)
		m.offsets[name] = offset
	}

	if i, found := m.find(name); found {
		m.buckets[i].value = streamIndex
		return
	}

	if m.size+1 >= m.maxLoad() {
		m.grow()
	}
	m.insert(offset, streamIndex)
}

// Get returns the stream index mapped to name.
func (m *NamedStreamMap) Get(name string) (uint32, bool) {
	i, found := m.find(name)
	if !found {
		return 0, false
	}
	return m.buckets[i].value, true
}

// Len returns the number of mappings.
func (m *NamedStreamMap) Len() int {
	return int(m.size)
}

func (m *NamedStreamMap) maxLoad() uint32 {
	return m.capacity*2/3 + 1
}

func (m *NamedStreamMap) bucketFor(name string) uint32 {
	return uint32(uint16(HashStringV1(name))) % m.capacity
}

func (m *NamedStreamMap) keyName(offset uint32) string {
	return extractCString(m.strings[offset:])
}

func (m *NamedStreamMap) find(name string) (uint32, bool) {
	i := m.bucketFor(name)
	for n := uint32(0); n < m.capacity; n++ {
		b := m.buckets[i]
		if !b.present {
			return 0, false
		}
		if m.keyName(b.key) == name {
			return i, true
		}
		i = (i + 1) % m.capacity
	}
	return 0, false
}

func (m *NamedStreamMap) insert(offset, streamIndex uint32) {
	i := m.bucketFor(m.keyName(offset))
	for m.buckets[i].present {
		i = (i + 1) % m.capacity
	}
	m.buckets[i] = namedStreamBucket{present: true, key: offset, value: streamIndex}
	m.size++
}

func (m *NamedStreamMap) grow() {
	old := m.buckets
	m.capacity *= 2
	m.buckets = make([]namedStreamBucket, m.capacity)
	m.size = 0
	for _, b := range old {
		if b.present {
			m.insert(b.key, b.value)
		}
	}
}

func (m *NamedStreamMap) writeTo(buf *bytes.Buffer) {
	writeUint32(buf, uint32(len(m.strings)))
	buf.Write(m.strings)

	writeUint32(buf, m.size)
	writeUint32(buf, m.capacity)

	// Present bits, trimmed to the last set word. Nothing is ever deleted.
	var present []uint32
	for i, b := range m.buckets {
		if !b.present {
			continue
		}
		for len(present) <= i/32 {
			present = append(present, 0)
		}
		present[i/32] |= 1 << (uint(i) % 32)
	}
	writeUint32(buf, uint32(len(present)))
	for _, w := range present {
		writeUint32(buf, w)
	}
	writeUint32(buf, 0)

	for _, b := range m.buckets {
		if b.present {
			writeUint32(buf, b.key)
			writeUint32(buf, b.value)
		}
	}
}

// readNamedStreamMap parses the serialized form produced by writeTo.
func readNamedStreamMap(r io.Reader) (map[string]uint32, error) {
	var strBufSize uint32
	if err := binary.Read(r, binary.LittleEndian, &strBufSize); err != nil {
		return nil, errors.Wrap(err, "failed to read name buffer size")
	}
	strBuf := make([]byte, strBufSize)
	if _, err := io.ReadFull(r, strBuf); err != nil {
		return nil, errors.Wrap(err, "failed to read name buffer")
	}

	var hdr struct {
		Size     uint32
		Capacity uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "failed to read name table header")
	}

	present, err := readBitVector(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read present bits")
	}
	if _, err := readBitVector(r); err != nil {
		return nil, errors.Wrap(err, "failed to read deleted bits")
	}

	names := make(map[string]uint32, hdr.Size)
	for i := uint32(0); i < hdr.Capacity; i++ {
		if !isBitSet(present, i) {
			continue
		}
		var kv struct {
			Key   uint32
			Value uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &kv); err != nil {
			return nil, errors.Wrapf(err, "failed to read name table bucket %d", i)
		}
		if kv.Key < strBufSize {
			names[extractCString(strBuf[kv.Key:])] = kv.Value
		}
	}
	return names, nil
}

func readBitVector(r io.Reader) ([]uint32, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	words := make([]uint32, n)
	if err := binary.Read(r, binary.LittleEndian, words); err != nil {
		return nil, err
	}
	return words, nil
}
