package streams

import (
	"bytes"
	"encoding/binary"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/jtang613/pdbsynth/pkg/errs"
	"github.com/jtang613/pdbsynth/pkg/pdb/codeview"
	"github.com/jtang613/pdbsynth/pkg/pdb/msf"
)

const (
	gsiHashVersion      = 0xeffe0000 + 19990810
	gsiNumBuckets       = 4096
	gsiBitmapWords      = (gsiNumBuckets + 32) / 32
	gsiHashRecordSize   = 8
	gsiHROffsetCalcSize = 12
	publicsHeaderSize   = 28
)

// GSIHashHeader precedes the hash records of a globals or publics table.
type GSIHashHeader struct {
	VerSignature uint32
	VerHeader    uint32
	HrSize       uint32
	NumBuckets   uint32
}

// PublicsStreamHeader is the fixed header of the publics stream.
type PublicsStreamHeader struct {
	SymHash         uint32
	AddrMap         uint32
	NumThunks       uint32
	SizeOfThunk     uint32
	ISectThunkTable uint16
	Padding         uint16
	OffThunkTable   uint32
	NumSections     uint32
}

type gsiHashRecord struct {
	Off  int32 // symbol record offset + 1
	CRef int32
}

// gsiSymbol is one record in the symbol record stream.
type gsiSymbol struct {
	name   string
	record []byte
	offset uint32
}

// GSIBuilder builds the globals, publics and symbol record streams.
type GSIBuilder struct {
	publics      []gsiSymbol
	pubLocations []codeview.PublicSymbol
	publicsAdded bool
	globals      []gsiSymbol
	seen         map[string]struct{}
	committed    bool
}

// NewGSIBuilder returns an empty builder.
func NewGSIBuilder() *GSIBuilder {
	return &GSIBuilder{seen: make(map[string]struct{})}
}

// AddPublicSymbols sets the public symbols. It may be called only once.
func (b *GSIBuilder) AddPublicSymbols(pubs []codeview.PublicSymbol) error {
	if b.committed {
		return errs.NewStateError("AddPublicSymbols", "GSI streams already committed")
	}
	if b.publicsAdded {
		return errs.NewStateError("AddPublicSymbols", "public symbols already added")
	}

	sorted := append([]codeview.PublicSymbol(nil), pubs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	b.publics = make([]gsiSymbol, 0, len(sorted))
	for i := range sorted {
		rec, err := sorted[i].Bytes()
		if err != nil {
			return err
		}
		b.publics = append(b.publics, gsiSymbol{name: sorted[i].Name, record: rec})
	}
	b.pubLocations = sorted
	b.publicsAdded = true
	return nil
}

// AddGlobalSymbol appends a complete global symbol record. Identical S_UDT
// and S_CONSTANT records are kept once.
func (b *GSIBuilder) AddGlobalSymbol(record []byte) error {
	if b.committed {
		return errs.NewStateError("AddGlobalSymbol", "GSI streams already committed")
	}
	if len(record) < 4 {
		return errors.Errorf("global symbol record too short: %d bytes", len(record))
	}
	if recLen := int(binary.LittleEndian.Uint16(record)); recLen+2 != len(record) {
		return errors.Errorf("global symbol record length %d does not match buffer of %d bytes", recLen, len(record))
	}

	kind := binary.LittleEndian.Uint16(record[2:])
	name, err := codeview.SymbolName(kind, record[4:])
	if err != nil {
		return err
	}

	if kind == codeview.S_UDT || kind == codeview.S_CONSTANT {
		key := string(record)
		if _, dup := b.seen[key]; dup {
			return nil
		}
		b.seen[key] = struct{}{}
	}

	b.globals = append(b.globals, gsiSymbol{name: name, record: append([]byte(nil), record...)})
	return nil
}

// NumPublics returns the number of public symbols.
func (b *GSIBuilder) NumPublics() int { return len(b.publics) }

// NumGlobals returns the number of global symbols kept.
func (b *GSIBuilder) NumGlobals() int { return len(b.globals) }

// Commit allocates the globals, publics and symbol record streams, in that
// order, writes them and returns their indices.
func (b *GSIBuilder) Commit(m *msf.Builder) (globals, publics, symRecords uint32, err error) {
	if b.committed {
		return 0, 0, 0, errs.NewStateError("Commit", "GSI streams already committed")
	}

	// Publics first, then globals.
	var records bytes.Buffer
	for _, list := range [][]gsiSymbol{b.publics, b.globals} {
		for i := range list {
			list[i].offset = uint32(records.Len())
			records.Write(list[i].record)
		}
	}

	globalsHash := gsiHashBytes(b.globals)
	publicsHash := gsiHashBytes(b.publics)

	var pubStream bytes.Buffer
	hdr := PublicsStreamHeader{
		SymHash: uint32(len(publicsHash)),
		AddrMap: uint32(4 * len(b.publics)),
	}
	if err := binary.Write(&pubStream, binary.LittleEndian, &hdr); err != nil {
		return 0, 0, 0, errors.Wrap(err, "failed to write publics header")
	}
	pubStream.Write(publicsHash)
	for _, off := range b.addressMap() {
		writeUint32(&pubStream, off)
	}

	if globals, err = m.AddStream(uint32(len(globalsHash))); err != nil {
		return 0, 0, 0, err
	}
	if publics, err = m.AddStream(uint32(pubStream.Len())); err != nil {
		return 0, 0, 0, err
	}
	if symRecords, err = m.AddStream(uint32(records.Len())); err != nil {
		return 0, 0, 0, err
	}

	for _, s := range []struct {
		index uint32
		data  []byte
	}{
		{globals, globalsHash},
		{publics, pubStream.Bytes()},
		{symRecords, records.Bytes()},
	} {
		if err := m.SetStreamData(s.index, s.data); err != nil {
			return 0, 0, 0, err
		}
	}

	b.committed = true
	return globals, publics, symRecords, nil
}

// addressMap returns the symbol record offsets of the publics ordered by
// section, offset and name.
func (b *GSIBuilder) addressMap() []uint32 {
	order := make([]int, len(b.publics))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		l, r := b.pubLocations[order[i]], b.pubLocations[order[j]]
		if l.Section != r.Section {
			return l.Section < r.Section
		}
		if l.Offset != r.Offset {
			return l.Offset < r.Offset
		}
		return l.Name < r.Name
	})

	offsets := make([]uint32, len(order))
	for i, idx := range order {
		offsets[i] = b.publics[idx].offset
	}
	return offsets
}

// gsiHashBytes builds a GSI hash table over syms, whose offsets must
// already be assigned.
func gsiHashBytes(syms []gsiSymbol) []byte {
	buckets := make([][]int, gsiNumBuckets)
	for i, s := range syms {
		bucket := HashStringV1(s.name) % gsiNumBuckets
		buckets[bucket] = append(buckets[bucket], i)
	}

	hashRecords := make([]gsiHashRecord, 0, len(syms))
	bitmap := make([]uint32, gsiBitmapWords)
	var starts []uint32
	for i, bucket := range buckets {
		if len(bucket) == 0 {
			continue
		}
		sort.SliceStable(bucket, func(a, b int) bool {
			l, r := syms[bucket[a]], syms[bucket[b]]
			if c := gsiRecordCompare(l.name, r.name); c != 0 {
				return c < 0
			}
			return l.offset < r.offset
		})

		bitmap[i/32] |= 1 << (uint(i) % 32)
		starts = append(starts, uint32(len(hashRecords))*gsiHROffsetCalcSize)
		for _, idx := range bucket {
			hashRecords = append(hashRecords, gsiHashRecord{Off: int32(syms[idx].offset) + 1, CRef: 1})
		}
	}

	var buf bytes.Buffer
	hdr := GSIHashHeader{
		VerSignature: 0xFFFFFFFF,
		VerHeader:    gsiHashVersion,
		HrSize:       uint32(len(hashRecords) * gsiHashRecordSize),
		NumBuckets:   uint32(4*len(bitmap) + 4*len(starts)),
	}
	_ = binary.Write(&buf, binary.LittleEndian, &hdr)
	_ = binary.Write(&buf, binary.LittleEndian, hashRecords)
	_ = binary.Write(&buf, binary.LittleEndian, bitmap)
	_ = binary.Write(&buf, binary.LittleEndian, starts)
	return buf.Bytes()
}

// gsiRecordCompare orders names within a bucket: shorter names first, then
// case-insensitively for ASCII names and bytewise otherwise.
func gsiRecordCompare(l, r string) int {
	if len(l) != len(r) {
		if len(l) < len(r) {
			return -1
		}
		return 1
	}
	if !isASCII(l) || !isASCII(r) {
		return strings.Compare(l, r)
	}
	return strings.Compare(strings.ToLower(l), strings.ToLower(r))
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// GSIHash is a parsed GSI hash table.
type GSIHash struct {
	Header GSIHashHeader
	// Offsets holds the symbol record offset of every hash record, in
	// bucket order.
	Offsets []uint32
	// Buckets holds the non-empty bucket numbers in increasing order.
	Buckets []uint32
}

// ReadGSIHash parses a GSI hash table.
func ReadGSIHash(data []byte) (*GSIHash, error) {
	r := bytes.NewReader(data)
	h := &GSIHash{}
	if err := binary.Read(r, binary.LittleEndian, &h.Header); err != nil {
		return nil, errors.Wrap(err, "failed to read GSI hash header")
	}
	if h.Header.VerHeader != gsiHashVersion {
		return nil, errors.Errorf("unsupported GSI hash version 0x%x", h.Header.VerHeader)
	}

	records := make([]gsiHashRecord, h.Header.HrSize/gsiHashRecordSize)
	if err := binary.Read(r, binary.LittleEndian, records); err != nil {
		return nil, errors.Wrap(err, "failed to read GSI hash records")
	}
	for _, rec := range records {
		h.Offsets = append(h.Offsets, uint32(rec.Off-1))
	}

	bitmap := make([]uint32, gsiBitmapWords)
	if err := binary.Read(r, binary.LittleEndian, bitmap); err != nil {
		return nil, errors.Wrap(err, "failed to read GSI bucket bitmap")
	}
	for i := uint32(0); i < gsiNumBuckets; i++ {
		if isBitSet(bitmap, i) {
			h.Buckets = append(h.Buckets, i)
		}
	}
	return h, nil
}

// PublicsStream is a parsed publics stream.
type PublicsStream struct {
	Header  PublicsStreamHeader
	Hash    *GSIHash
	AddrMap []uint32
}

// ReadPublicsStream parses a publics stream.
func ReadPublicsStream(data []byte) (*PublicsStream, error) {
	if len(data) < publicsHeaderSize {
		return nil, errors.Errorf("publics stream too small: %d bytes", len(data))
	}
	p := &PublicsStream{}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &p.Header); err != nil {
		return nil, errors.Wrap(err, "failed to read publics header")
	}
	hashEnd := publicsHeaderSize + int(p.Header.SymHash)
	mapEnd := hashEnd + int(p.Header.AddrMap)
	if mapEnd > len(data) {
		return nil, errors.New("publics stream tables exceed stream")
	}

	var err error
	if p.Hash, err = ReadGSIHash(data[publicsHeaderSize:hashEnd]); err != nil {
		return nil, err
	}
	p.AddrMap = make([]uint32, p.Header.AddrMap/4)
	if err := binary.Read(bytes.NewReader(data[hashEnd:mapEnd]), binary.LittleEndian, p.AddrMap); err != nil {
		return nil, errors.Wrap(err, "failed to read address map")
	}
	return p, nil
}
