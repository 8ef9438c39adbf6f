package streams

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/pdbsynth/pkg/errs"
	"github.com/jtang613/pdbsynth/pkg/pdb/codeview"
	"github.com/jtang613/pdbsynth/pkg/pdb/msf"
)

// newMSF returns an initialized container with the five fixed streams.
func newMSF(t *testing.T) *msf.Builder {
	t.Helper()
	m := msf.NewBuilder()
	require.NoError(t, m.Initialize(msf.DefaultBlockSize))
	for i := 0; i < 5; i++ {
		_, err := m.AddStream(0)
		require.NoError(t, err)
	}
	return m
}

func reopen(t *testing.T, m *msf.Builder) *msf.Reader {
	t.Helper()
	var buf bytes.Buffer
	_, err := m.Commit(&buf)
	require.NoError(t, err)
	r, err := msf.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	return r
}

func readStream(t *testing.T, r *msf.Reader, index uint32) []byte {
	t.Helper()
	data, err := r.ReadStream(int(index))
	require.NoError(t, err)
	return data
}

func TestHashStringV1(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want uint32
	}{
		{"", 0x20240400},
		{"a", 0x20240441},
		{"/names", 0x6d6cfc21},
		{"/LinkInfo", 0x282209ed},
		{"ORIGINAL_2A", 0x2b2d6010},
	} {
		assert.Equal(t, tt.want, HashStringV1(tt.in), tt.in)
	}

	// Case bits are folded away.
	assert.Equal(t, HashStringV1("abcd"), HashStringV1("ABCD"))
}

func TestGUIDConversion(t *testing.T) {
	g, err := ParseGUID("{01234567-89AB-CDEF-0123-456789ABCDEF}")
	require.NoError(t, err)

	assert.Equal(t, GUID{
		0x67, 0x45, 0x23, 0x01, 0xAB, 0x89, 0xEF, 0xCD,
		0x01, 0x23, 0x45, 0x67, 0x89, 0xAB, 0xCD, 0xEF,
	}, g)
	assert.Equal(t, "{01234567-89AB-CDEF-0123-456789ABCDEF}", g.String())

	_, err = ParseGUID("not-a-guid")
	require.Error(t, err)
}

func TestHashToGUIDIsDeterministic(t *testing.T) {
	a := HashToGUID([]byte("one"), []byte("two"))
	b := HashToGUID([]byte("one"), []byte("two"))
	c := HashToGUID([]byte("one"), []byte("three"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestInfoStreamRoundTrip(t *testing.T) {
	b := NewInfoBuilder()
	b.SetSignature(0x5F000000)
	b.SetAge(7)
	b.SetGUID(GUID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16})
	b.AddFeature(FeatureVC140)
	b.AddFeature(FeatureVC140)
	b.NamedStreams().Set("/names", 5)
	b.NamedStreams().Set("/LinkInfo", 6)

	data, err := b.Bytes()
	require.NoError(t, err)

	info, err := ReadPDBInfo(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, uint32(PDBStreamVersionVC70), info.Version)
	assert.Equal(t, uint32(0x5F000000), info.Signature)
	assert.Equal(t, uint32(7), info.Age)
	assert.Equal(t, GUID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}, info.GUID)
	assert.Equal(t, map[string]uint32{"/names": 5, "/LinkInfo": 6}, info.NamedStreams)
	assert.Equal(t, []uint32{FeatureVC140}, info.Features)
	assert.True(t, info.HasFeature(FeatureVC140))
}

func TestInfoBuilderRequiresFeature(t *testing.T) {
	_, err := NewInfoBuilder().Bytes()
	require.Error(t, err)
}

func TestNamedStreamMapGrows(t *testing.T) {
	m := NewNamedStreamMap()
	names := []string{"/names", "/LinkInfo", "/src/headerblock", "/TMCache", "/UDTSRCLINEUNDONE", "a", "b", "c", "d", "e"}
	for i, n := range names {
		m.Set(n, uint32(100+i))
	}
	m.Set("/names", 42)

	require.Equal(t, len(names), m.Len())
	assert.Greater(t, m.capacity, uint32(namedStreamMapInitialCapacity))
	for i, n := range names {
		got, ok := m.Get(n)
		require.True(t, ok, n)
		if n == "/names" {
			assert.Equal(t, uint32(42), got)
			continue
		}
		assert.Equal(t, uint32(100+i), got, n)
	}

	var buf bytes.Buffer
	m.writeTo(&buf)
	parsed, err := readNamedStreamMap(&buf)
	require.NoError(t, err)
	assert.Len(t, parsed, len(names))
	assert.Equal(t, uint32(42), parsed["/names"])
}

func TestStringTable(t *testing.T) {
	b := NewStringTableBuilder()
	assert.Equal(t, uint32(0), b.Insert(""))
	assert.Equal(t, uint32(1), b.Insert("foo"))
	assert.Equal(t, uint32(5), b.Insert("bar"))
	assert.Equal(t, uint32(1), b.Insert("foo"))

	data := b.Bytes()
	assert.Equal(t, uint32(StringTableSignature), binary.LittleEndian.Uint32(data))
	assert.Equal(t, uint32(StringTableHashVersion), binary.LittleEndian.Uint32(data[4:]))

	table, err := ReadStringTable(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), table.NameCount)
	for off, want := range map[uint32]string{0: "", 1: "foo", 5: "bar"} {
		got, err := table.Get(off)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// Two strings use four buckets.
	bucketsAt := stringTableHeaderSize + 9
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(data[bucketsAt:]))
}

// structRecord builds an LF_STRUCTURE record with the given options.
func structRecord(opts uint16, name, unique string) []byte {
	payload := make([]byte, 18)
	binary.LittleEndian.PutUint16(payload[0:], 0)
	binary.LittleEndian.PutUint16(payload[2:], opts)
	binary.LittleEndian.PutUint16(payload[16:], 8) // size
	payload = append(payload, name...)
	payload = append(payload, 0)
	if unique != "" {
		payload = append(payload, unique...)
		payload = append(payload, 0)
	}
	for (len(payload)+4)%4 != 0 {
		payload = append(payload, 0xF1)
	}
	return rawRecord(LF_STRUCTURE, payload)
}

func rawRecord(kind uint16, payload []byte) []byte {
	rec := make([]byte, 4, 4+len(payload))
	binary.LittleEndian.PutUint16(rec, uint16(2+len(payload)))
	binary.LittleEndian.PutUint16(rec[2:], kind)
	return append(rec, payload...)
}

func TestHashTypeRecord(t *testing.T) {
	assert.Equal(t, HashStringV1("Foo"), HashTypeRecord(structRecord(0, "Foo", "")))
	assert.Equal(t, HashStringV1(".?AUFoo@@"), HashTypeRecord(structRecord(classOptScoped|classOptHasUniqueName, "Foo", ".?AUFoo@@")))

	fwd := structRecord(classOptForwardRef, "Foo", "")
	assert.Equal(t, jamCRC(fwd), HashTypeRecord(fwd))

	anon := structRecord(classOptHasUniqueName, "<unnamed-tag>", ".?AU<unnamed-tag>@@")
	assert.Equal(t, jamCRC(anon), HashTypeRecord(anon))

	ptr := rawRecord(LF_POINTER, []byte{0x74, 0, 0, 0, 0x0c, 0, 1, 0})
	assert.Equal(t, jamCRC(ptr), HashTypeRecord(ptr))
}

func TestTPIBuilderRoundTrip(t *testing.T) {
	m := newMSF(t)
	tpi := NewTPIBuilder()

	var records [][]byte
	// Enough records to need more than one index offset entry.
	for i := 0; i < 1200; i++ {
		rec := rawRecord(LF_POINTER, []byte{byte(i), byte(i >> 8), 0, 0, 0x0c, 0, 1, 0})
		records = append(records, rec)
		idx, err := tpi.AddTypeRecord(rec)
		require.NoError(t, err)
		require.Equal(t, uint32(TypeIndexBegin+i), idx)
	}
	_, err := tpi.AddTypeRecord([]byte{0xFF, 0x00, 0x02, 0x10})
	require.Error(t, err)

	require.NoError(t, tpi.Commit(m, 2))
	var stateErr *errs.StateError
	require.True(t, errors.As(tpi.Commit(m, 2), &stateErr))

	r := reopen(t, m)
	parsed, err := ReadTPIStream(readStream(t, r, 2))
	require.NoError(t, err)

	h := parsed.Header
	assert.Equal(t, uint32(TPIStreamVersionV80), h.Version)
	assert.Equal(t, uint32(TypeIndexBegin+1200), h.TypeIndexEnd)
	assert.Equal(t, uint32(1200*12), h.TypeRecordBytes)
	assert.Equal(t, uint16(noAuxStream), h.HashAuxStreamIndex)
	require.Len(t, parsed.TypeRecords, 1200)
	for i, rec := range parsed.TypeRecords {
		assert.Equal(t, records[i], rec.Bytes())
	}
	assert.Equal(t, uint16(LF_POINTER), parsed.GetType(TypeIndexBegin+5).Kind)
	assert.Nil(t, parsed.GetType(TypeIndexBegin+1200))

	hashes := readStream(t, r, uint32(h.HashStreamIndex))
	require.Equal(t, int(h.HashValueBufferLength+h.IndexOffsetBufferLength), len(hashes))
	assert.Equal(t, uint32(4*1200), h.HashValueBufferLength)
	// 1200 records of 12 bytes split at 8 KiB: 682 records per chunk.
	require.Equal(t, uint32(8*2), h.IndexOffsetBufferLength)
	off := hashes[h.IndexOffsetBufferOffset:]
	assert.Equal(t, uint32(TypeIndexBegin), binary.LittleEndian.Uint32(off[0:]))
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(off[4:]))
	assert.Equal(t, uint32(TypeIndexBegin+682), binary.LittleEndian.Uint32(off[8:]))
	assert.Equal(t, uint32(682*12), binary.LittleEndian.Uint32(off[12:]))

	for i := 0; i < 3; i++ {
		want := HashTypeRecord(records[i]) % tpiNumHashBuckets
		assert.Equal(t, want, binary.LittleEndian.Uint32(hashes[4*i:]))
	}
}

func TestEmptyTPIStream(t *testing.T) {
	m := newMSF(t)
	require.NoError(t, NewTPIBuilder().Commit(m, 4))

	r := reopen(t, m)
	parsed, err := ReadTPIStream(readStream(t, r, 4))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), parsed.TypeCount())
	assert.Equal(t, uint32(5), uint32(parsed.Header.HashStreamIndex))
}

func TestDBIBuilderRoundTrip(t *testing.T) {
	m := newMSF(t)
	dbi := NewDBIBuilder()
	dbi.SetAge(3)
	dbi.SetMachineType(MachineAMD64)
	dbi.SetFlags(DBIFlagHasCTypes)
	dbi.SetPdbDllVersion(1)
	dbi.SetPdbDllRbld(1)

	sections := []SectionHeader{
		{Name: [8]byte{'.', 't', 'e', 'x', 't'}, VirtualSize: 0x1234, VirtualAddress: 0x1000,
			Characteristics: ImageScnCntCode | ImageScnMemExecute | ImageScnMemRead},
		{Name: [8]byte{'.', 'd', 'a', 't', 'a'}, VirtualSize: 0x200, VirtualAddress: 0x3000,
			Characteristics: ImageScnMemRead | ImageScnMemWrite},
	}
	dbi.CreateSectionMap(sections)
	require.NoError(t, dbi.AddDbgStream(DbgHeaderSectionHdr, SectionHeadersBytes(sections)))

	empty, err := dbi.AddModule("* Linker *", "")
	require.NoError(t, err)
	withSyms, err := dbi.AddModule("foo.obj", "foo.lib")
	require.NoError(t, err)
	pub := codeview.PublicSymbol{Name: "x", Section: 1, Offset: 4}
	rec, err := pub.Bytes()
	require.NoError(t, err)
	require.NoError(t, withSyms.AddSymbol(rec))
	require.NoError(t, dbi.AddSectionContrib(SectionContrib{Section: 1, Size: 0x1234, ModuleIndex: empty.Index()}))

	require.NoError(t, dbi.FinalizeLayout(m))
	assert.Equal(t, uint16(InvalidStreamIndex), empty.StreamIndex())
	require.NotEqual(t, uint16(InvalidStreamIndex), withSyms.StreamIndex())
	dbi.SetGSIStreams(10, 11, 12)
	require.NoError(t, dbi.Commit(m, 3))

	r := reopen(t, m)
	parsed, err := ReadDBIStream(readStream(t, r, 3))
	require.NoError(t, err)

	h := parsed.Header
	assert.Equal(t, uint32(DBIStreamVersionV70), h.VersionHeader)
	assert.Equal(t, uint32(3), h.Age)
	assert.Equal(t, uint16(0x8E00), h.BuildNumber)
	assert.Equal(t, uint8(14), h.BuildMajor())
	assert.Equal(t, uint16(MachineAMD64), h.Machine)
	assert.Equal(t, uint16(DBIFlagHasCTypes), h.Flags)
	assert.Equal(t, uint16(10), h.GlobalStreamIndex)
	assert.Equal(t, uint16(11), h.PublicStreamIndex)
	assert.Equal(t, uint16(12), h.SymRecordStream)

	require.Len(t, parsed.Modules, 2)
	assert.Equal(t, "* Linker *", parsed.Modules[0].ModuleName)
	assert.False(t, parsed.Modules[0].HasSymbols())
	assert.Equal(t, uint16(1), parsed.Modules[0].SectionContrib.Section)
	assert.Equal(t, "foo.lib", parsed.Modules[1].ObjFileName)
	require.True(t, parsed.Modules[1].HasSymbols())
	assert.Equal(t, uint32(4+len(rec)), parsed.Modules[1].SymByteSize)

	assert.Equal(t, withSyms.StreamIndex(), parsed.Modules[1].ModuleSymStream)
	modStream := readStream(t, r, uint32(parsed.Modules[1].ModuleSymStream))
	syms, err := codeview.ParseSymbols(modStream[:parsed.Modules[1].SymByteSize])
	require.NoError(t, err)
	require.Len(t, syms, 1)
	assert.Equal(t, rec, syms[0].Bytes())

	require.Len(t, parsed.SectionContribs, 1)
	require.Len(t, parsed.SectionMap, 3)
	assert.Equal(t, uint16(SectionMapRead|SectionMapExecute|SectionMapAddressIs32Bit|SectionMapIsSelector), parsed.SectionMap[0].Flags)
	assert.Equal(t, uint16(SectionMapRead|SectionMapWrite|SectionMapAddressIs32Bit|SectionMapIsSelector), parsed.SectionMap[1].Flags)
	assert.Equal(t, uint32(0x1234), parsed.SectionMap[0].SecByteLength)
	assert.Equal(t, uint16(2), parsed.SectionMap[1].Frame)
	assert.Equal(t, uint16(SectionMapAddressIs32Bit|SectionMapIsAbsoluteAddress), parsed.SectionMap[2].Flags)
	assert.Equal(t, uint32(0xFFFFFFFF), parsed.SectionMap[2].SecByteLength)

	hdrStream := parsed.DbgStreams[DbgHeaderSectionHdr]
	require.NotEqual(t, uint16(InvalidStreamIndex), hdrStream)
	assert.Equal(t, uint16(InvalidStreamIndex), parsed.DbgStreams[DbgHeaderFPO])
	got, err := ReadSectionHeaders(readStream(t, r, uint32(hdrStream)))
	require.NoError(t, err)
	assert.Equal(t, sections, got)
	assert.Equal(t, ".text", got[0].NameString())
}

func TestDBIBuilderState(t *testing.T) {
	m := newMSF(t)
	dbi := NewDBIBuilder()
	var stateErr *errs.StateError

	require.True(t, errors.As(dbi.Commit(m, 3), &stateErr), "commit before layout")
	require.NoError(t, dbi.FinalizeLayout(m))
	require.NoError(t, dbi.Commit(m, 3))
	_, err := dbi.AddModule("late.obj", "")
	require.True(t, errors.As(err, &stateErr))
	require.Error(t, dbi.AddDbgStream(NumDbgHeaders, nil))
}

func TestGSIBuilder(t *testing.T) {
	m := newMSF(t)
	gsi := NewGSIBuilder()

	pubs := []codeview.PublicSymbol{
		{Name: "b", Section: 1, Offset: 0x10, Flags: codeview.PubSymFlagCode},
		{Name: "a", Section: 1, Offset: 0x20, Flags: codeview.PubSymFlagCode},
		{Name: "c", Section: 2, Offset: 0x0, Flags: codeview.PubSymFlagCode},
	}
	require.NoError(t, gsi.AddPublicSymbols(pubs))
	var stateErr *errs.StateError
	require.True(t, errors.As(gsi.AddPublicSymbols(pubs), &stateErr))

	udt := rawRecord(codeview.S_UDT, []byte{0x74, 0, 0, 0, 'T', 0, 0, 0})
	require.NoError(t, gsi.AddGlobalSymbol(udt))
	require.NoError(t, gsi.AddGlobalSymbol(udt))
	assert.Equal(t, 1, gsi.NumGlobals())
	require.Error(t, gsi.AddGlobalSymbol(rawRecord(codeview.S_GPROC32, make([]byte, 36))))

	globals, publics, symRecords, err := gsi.Commit(m)
	require.NoError(t, err)
	assert.Equal(t, []uint32{5, 6, 7}, []uint32{globals, publics, symRecords})
	_, _, _, err = gsi.Commit(m)
	require.True(t, errors.As(err, &stateErr))

	r := reopen(t, m)

	records, err := codeview.ParseSymbols(readStream(t, r, symRecords))
	require.NoError(t, err)
	require.Len(t, records, 4)
	for i, want := range []string{"a", "b", "c"} {
		require.Equal(t, uint16(codeview.S_PUB32), records[i].Kind)
		pub, err := codeview.ParsePubSym(records[i].Data)
		require.NoError(t, err)
		assert.Equal(t, want, pub.Name)
		assert.Equal(t, uint32(codeview.PubSymFlagCode), pub.Flags)
	}
	assert.Equal(t, uint16(codeview.S_UDT), records[3].Kind)

	ps, err := ReadPublicsStream(readStream(t, r, publics))
	require.NoError(t, err)
	// Each public is 16 bytes; address order is b, a, c.
	assert.Equal(t, []uint32{16, 0, 32}, ps.AddrMap)
	assert.Equal(t, uint32(3*gsiHashRecordSize), ps.Hash.Header.HrSize)
	assert.Equal(t, []uint32{1089, 1090, 1091}, ps.Hash.Buckets)
	assert.Equal(t, []uint32{0, 16, 32}, ps.Hash.Offsets)

	gh, err := ReadGSIHash(readStream(t, r, globals))
	require.NoError(t, err)
	assert.Equal(t, []uint32{48}, gh.Offsets)
	assert.Equal(t, []uint32{HashStringV1("T") % gsiNumBuckets}, gh.Buckets)
}

func TestGSIRecordCompare(t *testing.T) {
	assert.Equal(t, -1, gsiRecordCompare("b", "ab"))
	assert.Equal(t, 1, gsiRecordCompare("ab", "b"))
	assert.Equal(t, 0, gsiRecordCompare("abc", "ABC"))
	assert.Equal(t, -1, gsiRecordCompare("ABC", "abd"))
	assert.Equal(t, 1, gsiRecordCompare("\xe9a", "\xe8b"))
}
