package pdb

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/pdbsynth/pkg/errs"
	"github.com/jtang613/pdbsynth/pkg/pdb/codeview"
	"github.com/jtang613/pdbsynth/pkg/pdb/msf"
	"github.com/jtang613/pdbsynth/pkg/pdb/streams"
)

func udtRecord(name string, typeIndex uint32) []byte {
	var buf bytes.Buffer
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, typeIndex)
	body = append(body, name...)
	body = append(body, 0)
	for len(body)%4 != 0 {
		body = append(body, 0)
	}
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(body)+2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(codeview.S_UDT))
	buf.Write(body)
	return buf.Bytes()
}

func pointerRecord() []byte {
	// LF_POINTER to T_INT4, 64-bit.
	return []byte{0x0a, 0x00, 0x02, 0x10, 0x74, 0x00, 0x00, 0x00, 0x0c, 0x00, 0x01, 0x00}
}

func testSections() []streams.SectionHeader {
	text := streams.SectionHeader{
		VirtualSize:     0x2000,
		VirtualAddress:  0x1000,
		Characteristics: streams.ImageScnCntCode | streams.ImageScnMemExecute | streams.ImageScnMemRead,
	}
	copy(text.Name[:], ".text")
	data := streams.SectionHeader{
		VirtualSize:     0x800,
		VirtualAddress:  0x3000,
		Characteristics: streams.ImageScnMemRead | streams.ImageScnMemWrite,
	}
	copy(data.Name[:], ".data")
	return []streams.SectionHeader{text, data}
}

func newTestBuilder(t *testing.T) *FileBuilder {
	t.Helper()
	b := NewFileBuilder()
	require.NoError(t, b.Initialize(msf.DefaultBlockSize))

	guid, err := streams.ParseGUID("{11223344-5566-7788-99AA-BBCCDDEEFF00}")
	require.NoError(t, err)
	b.Info().SetGUID(guid)
	b.Info().SetAge(3)
	b.Info().SetSignature(0x5f000000)
	b.Info().AddFeature(streams.FeatureVC140)

	sections := testSections()
	b.Dbi().SetAge(3)
	b.Dbi().SetMachineType(streams.MachineAMD64)
	b.Dbi().CreateSectionMap(sections)
	require.NoError(t, b.Dbi().AddDbgStream(streams.DbgHeaderSectionHdr, streams.SectionHeadersBytes(sections)))

	mod, err := b.Dbi().AddModule("* Linker *", "")
	require.NoError(t, err)
	require.NoError(t, b.Dbi().AddSectionContrib(streams.SectionContrib{
		Section:         1,
		Size:            0x2000,
		Characteristics: sections[0].Characteristics,
		ModuleIndex:     mod.Index(),
	}))

	_, err = b.Tpi().AddTypeRecord(pointerRecord())
	require.NoError(t, err)

	require.NoError(t, b.Gsi().AddPublicSymbols([]codeview.PublicSymbol{
		{Name: "ORIGINAL_2A", Section: 1, Offset: 0x10, Flags: codeview.PubSymFlagCode},
		{Name: "ORIGINAL_1", Section: 1, Offset: 0x0, Flags: codeview.PubSymFlagCode},
	}))
	require.NoError(t, b.Gsi().AddGlobalSymbol(udtRecord("Widget", 0x1000)))
	return b
}

func TestFileBuilderRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/out", 0o755))

	b := newTestBuilder(t)
	guid, err := b.Commit(fs, "/out/app.pdb")
	require.NoError(t, err)
	assert.Equal(t, "{11223344-5566-7788-99AA-BBCCDDEEFF00}", guid.String())

	// Only the final file is left behind.
	entries, err := afero.ReadDir(fs, "/out")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "app.pdb", entries[0].Name())

	p, err := Open(fs, "/out/app.pdb")
	require.NoError(t, err)
	defer p.Close()

	info := p.Info()
	assert.Equal(t, guid.String(), info.GUID)
	assert.Equal(t, uint32(3), info.Age)
	assert.Equal(t, uint32(3), info.DbiAge)
	assert.Equal(t, uint32(0x5f000000), info.Signature)
	assert.Equal(t, "x64", info.Machine)
	assert.Equal(t, "14.0", info.Toolchain)
	assert.Contains(t, info.NamedStreams, NamedStreamNames)
	assert.Contains(t, info.NamedStreams, NamedStreamLinkInfo)
	assert.True(t, p.InfoStream().HasFeature(streams.FeatureVC140))

	require.Len(t, p.TypeRecords(), 1)
	assert.Equal(t, uint32(streams.TypeIndexBegin), p.TypeRecords()[0].Index)
	assert.Equal(t, pointerRecord(), p.TypeRecords()[0].Bytes())
	assert.Empty(t, p.IDRecords())
	assert.Equal(t, map[string]int{"LF_POINTER": 1}, p.TypeKinds())

	modules := p.Modules()
	require.Len(t, modules, 1)
	assert.Equal(t, "* Linker *", modules[0].Name)
	assert.Equal(t, uint16(streams.InvalidStreamIndex), modules[0].SymbolStream)

	sections, err := p.SectionInfos()
	require.NoError(t, err)
	require.Len(t, sections, 2)
	assert.Equal(t, SectionInfo{Index: 2, Name: ".data", Offset: 0x3000, Length: 0x800}, sections[1])

	publics, err := p.PublicSymbols()
	require.NoError(t, err)
	require.Len(t, publics, 2)
	assert.Equal(t, PublicSymbol{Name: "ORIGINAL_1", Offset: 0, Segment: 1, RVA: 0x1000, IsCode: true}, publics[0])
	assert.Equal(t, PublicSymbol{Name: "ORIGINAL_2A", Offset: 0x10, Segment: 1, RVA: 0x1010, IsCode: true}, publics[1])

	globals, err := p.GlobalSymbols()
	require.NoError(t, err)
	require.Len(t, globals, 1)
	assert.Equal(t, uint16(codeview.S_UDT), globals[0].Kind)
}

func TestFileBuilderStreamDirectory(t *testing.T) {
	b := newTestBuilder(t)
	assert.Equal(t, StreamIPI+1, b.Msf().NumStreams())
	off := b.Strings().Insert("app.c")

	data, _, err := b.Bytes()
	require.NoError(t, err)

	m, err := msf.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	p, err := New(m)
	require.NoError(t, err)

	hdr := p.DBI().Header
	for _, idx := range []uint16{hdr.GlobalStreamIndex, hdr.PublicStreamIndex, hdr.SymRecordStream} {
		require.Less(t, int(idx), m.NumStreams())
	}

	pubData, err := m.ReadStream(int(hdr.PublicStreamIndex))
	require.NoError(t, err)
	pubs, err := streams.ReadPublicsStream(pubData)
	require.NoError(t, err)
	// 28-byte header, hash table, address map.
	assert.Equal(t, uint32(len(pubData)), 28+pubs.Header.SymHash+pubs.Header.AddrMap)
	assert.Len(t, pubs.AddrMap, 2)

	names, ok := p.InfoStream().NamedStreams[NamedStreamNames]
	require.True(t, ok)
	namesData, err := m.ReadStream(int(names))
	require.NoError(t, err)
	strtab, err := streams.ReadStringTable(namesData)
	require.NoError(t, err)
	got, err := strtab.Get(off)
	require.NoError(t, err)
	assert.Equal(t, "app.c", got)
}

func TestFileBuilderIsDeterministic(t *testing.T) {
	a, guidA, err := newTestBuilder(t).Bytes()
	require.NoError(t, err)
	b, guidB, err := newTestBuilder(t).Bytes()
	require.NoError(t, err)

	assert.Equal(t, guidA, guidB)
	assert.True(t, bytes.Equal(a, b), "output differs between identical builds")
}

func TestFileBuilderHashesContentsToGUID(t *testing.T) {
	build := func(symbol string) ([]byte, streams.GUID) {
		b := newTestBuilder(t)
		b.Info().SetHashPDBContentsToGUID(true)
		require.NoError(t, b.Gsi().AddGlobalSymbol(udtRecord(symbol, 0x1000)))
		data, guid, err := b.Bytes()
		require.NoError(t, err)
		return data, guid
	}

	_, g1 := build("Gadget")
	_, g2 := build("Gadget")
	data, g3 := build("Sprocket")
	assert.Equal(t, g1, g2)
	assert.NotEqual(t, g1, g3)

	m, err := msf.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	p, err := New(m)
	require.NoError(t, err)
	assert.Equal(t, g3, p.InfoStream().GUID)
	assert.Equal(t, binary.LittleEndian.Uint32(g3[:4]), p.InfoStream().Signature)
}

func TestFileBuilderStateErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	var stateErr *errs.StateError

	_, err := NewFileBuilder().Commit(fs, "/app.pdb")
	require.True(t, errors.As(err, &stateErr), "commit before initialize: %v", err)

	b := newTestBuilder(t)
	_, err = b.Commit(fs, "/app.pdb")
	require.NoError(t, err)
	_, err = b.Commit(fs, "/app.pdb")
	require.True(t, errors.As(err, &stateErr), "second commit: %v", err)

	require.Error(t, NewFileBuilder().Initialize(1000))
}

func TestFileBuilderFailurePublishesNothing(t *testing.T) {
	fs := afero.NewMemMapFs()

	// An Info stream without feature signatures cannot be serialized.
	b := NewFileBuilder()
	require.NoError(t, b.Initialize(msf.DefaultBlockSize))
	_, err := b.Commit(fs, "/app.pdb")
	require.Error(t, err)

	exists, err := afero.Exists(fs, "/app.pdb")
	require.NoError(t, err)
	assert.False(t, exists)

	ro := afero.NewReadOnlyFs(afero.NewMemMapFs())
	_, err = newTestBuilder(t).Commit(ro, "/app.pdb")
	var ioErr *errs.IOError
	require.True(t, errors.As(err, &ioErr), "read-only target: %v", err)
	assert.Equal(t, "create", ioErr.Op)
}
