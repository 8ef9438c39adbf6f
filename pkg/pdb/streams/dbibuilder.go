package streams

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/jtang613/pdbsynth/pkg/errs"
	"github.com/jtang613/pdbsynth/pkg/pdb/msf"
)

// DBIBuilder builds the DBI stream together with the module symbol streams
// and optional debug streams it references.
type DBIBuilder struct {
	versionHeader uint32
	age           uint32
	buildNumber   uint16
	pdbDllVersion uint16
	pdbDllRbld    uint16
	flags         uint16
	machine       uint16

	globalsStream   uint16
	publicsStream   uint16
	symRecordStream uint16

	modules         []*ModuleBuilder
	sectionContribs []SectionContrib
	sectionMap      []SectionMapEntry
	dbgStreams      [NumDbgHeaders]*dbgStream
	ecNames         *StringTableBuilder

	finalized bool
	committed bool
}

type dbgStream struct {
	data  []byte
	index uint32
}

// NewDBIBuilder returns a V70 builder with age 1 and build 14.0.
func NewDBIBuilder() *DBIBuilder {
	b := &DBIBuilder{
		versionHeader:   DBIStreamVersionV70,
		age:             1,
		globalsStream:   InvalidStreamIndex,
		publicsStream:   InvalidStreamIndex,
		symRecordStream: InvalidStreamIndex,
		ecNames:         NewStringTableBuilder(),
	}
	b.SetBuildNumber(14, 0)
	return b
}

func (b *DBIBuilder) SetVersionHeader(v uint32)  { b.versionHeader = v }
func (b *DBIBuilder) SetAge(age uint32)          { b.age = age }
func (b *DBIBuilder) SetFlags(flags uint16)      { b.flags = flags }
func (b *DBIBuilder) SetMachineType(m uint16)    { b.machine = m }
func (b *DBIBuilder) SetPdbDllVersion(v uint16)  { b.pdbDllVersion = v }
func (b *DBIBuilder) SetPdbDllRbld(v uint16)     { b.pdbDllRbld = v }
func (b *DBIBuilder) SetRawBuildNumber(n uint16) { b.buildNumber = n }

// SetBuildNumber encodes a toolchain version in the new build number format.
func (b *DBIBuilder) SetBuildNumber(major, minor uint8) {
	b.buildNumber = dbiBuildNumberNewFmt | uint16(major&0x7F)<<8 | uint16(minor)
}

// SetGSIStreams records where the GSI builder placed its streams.
func (b *DBIBuilder) SetGSIStreams(globals, publics, symRecords uint32) {
	b.globalsStream = uint16(globals)
	b.publicsStream = uint16(publics)
	b.symRecordStream = uint16(symRecords)
}

// Age returns the age written to the header.
func (b *DBIBuilder) Age() uint32 { return b.age }

// CreateSectionMap builds one segment descriptor per section plus the
// trailing descriptor for absolute symbols.
func (b *DBIBuilder) CreateSectionMap(sections []SectionHeader) {
	b.sectionMap = lo.Map(sections, func(s SectionHeader, i int) SectionMapEntry {
		return SectionMapEntry{
			Flags:         sectionMapFlags(s.Characteristics),
			Frame:         uint16(i + 1),
			SectionName:   InvalidStreamIndex,
			ClassName:     InvalidStreamIndex,
			SecByteLength: s.VirtualSize,
		}
	})
	b.sectionMap = append(b.sectionMap, SectionMapEntry{
		Flags:         SectionMapAddressIs32Bit | SectionMapIsAbsoluteAddress,
		Frame:         uint16(len(sections) + 1),
		SectionName:   InvalidStreamIndex,
		ClassName:     InvalidStreamIndex,
		SecByteLength: 0xFFFFFFFF,
	})
}

func sectionMapFlags(characteristics uint32) uint16 {
	var flags uint16
	if characteristics&ImageScnMemRead != 0 {
		flags |= SectionMapRead
	}
	if characteristics&ImageScnMemWrite != 0 {
		flags |= SectionMapWrite
	}
	if characteristics&ImageScnMemExecute != 0 {
		flags |= SectionMapExecute
	}
	if characteristics&ImageScnMem16Bit == 0 {
		flags |= SectionMapAddressIs32Bit
	}
	return flags | SectionMapIsSelector
}

// AddDbgStream attaches data to one of the optional debug stream slots.
func (b *DBIBuilder) AddDbgStream(kind int, data []byte) error {
	if err := b.checkMutable("AddDbgStream"); err != nil {
		return err
	}
	if kind < 0 || kind >= NumDbgHeaders {
		return errors.Errorf("invalid debug stream kind %d", kind)
	}
	b.dbgStreams[kind] = &dbgStream{data: append([]byte(nil), data...)}
	return nil
}

// AddModule appends a module descriptor and returns its builder.
func (b *DBIBuilder) AddModule(name, objName string) (*ModuleBuilder, error) {
	if err := b.checkMutable("AddModule"); err != nil {
		return nil, err
	}
	m := &ModuleBuilder{
		index:       uint16(len(b.modules)),
		name:        name,
		objName:     objName,
		streamIndex: InvalidStreamIndex,
		contrib: SectionContrib{
			Section:     InvalidStreamIndex,
			Offset:      0,
			Size:        -1,
			ModuleIndex: InvalidStreamIndex,
		},
	}
	b.modules = append(b.modules, m)
	return m, nil
}

// Modules returns the module builders in descriptor order.
func (b *DBIBuilder) Modules() []*ModuleBuilder {
	return b.modules
}

// AddSectionContrib records a section contribution. The first contribution
// of a module is also stored in its descriptor.
func (b *DBIBuilder) AddSectionContrib(sc SectionContrib) error {
	if err := b.checkMutable("AddSectionContrib"); err != nil {
		return err
	}
	if int(sc.ModuleIndex) < len(b.modules) {
		m := b.modules[sc.ModuleIndex]
		if !m.hasContrib {
			m.contrib = sc
			m.hasContrib = true
		}
	}
	b.sectionContribs = append(b.sectionContribs, sc)
	return nil
}

// FinalizeLayout allocates the module symbol streams and debug streams.
// It runs before the GSI streams are allocated.
func (b *DBIBuilder) FinalizeLayout(m *msf.Builder) error {
	if err := b.checkMutable("FinalizeLayout"); err != nil {
		return err
	}
	for _, mod := range b.modules {
		if len(mod.symbols) == 0 {
			continue
		}
		idx, err := m.AddStream(mod.streamSize())
		if err != nil {
			return err
		}
		mod.streamIndex = uint16(idx)
	}
	for _, s := range b.dbgStreams {
		if s == nil {
			continue
		}
		idx, err := m.AddStream(uint32(len(s.data)))
		if err != nil {
			return err
		}
		s.index = idx
	}
	b.finalized = true
	return nil
}

// Commit writes the DBI stream to streamIndex along with the module and
// debug streams allocated by FinalizeLayout.
func (b *DBIBuilder) Commit(m *msf.Builder, streamIndex uint32) error {
	if err := b.checkMutable("Commit"); err != nil {
		return err
	}
	if !b.finalized {
		return errs.NewStateError("Commit", "DBI layout not finalized")
	}

	modInfo := b.moduleInfoBytes()
	secContribs := b.sectionContribBytes()
	secMap := b.sectionMapBytes()
	fileInfo := b.fileInfoBytes()
	ecNames := b.ecNames.Bytes()
	dbgHeader := b.dbgHeaderBytes()

	header := DBIHeader{
		VersionSignature:        -1,
		VersionHeader:           b.versionHeader,
		Age:                     b.age,
		GlobalStreamIndex:       b.globalsStream,
		BuildNumber:             b.buildNumber,
		PublicStreamIndex:       b.publicsStream,
		PdbDllVersion:           b.pdbDllVersion,
		SymRecordStream:         b.symRecordStream,
		PdbDllRbld:              b.pdbDllRbld,
		ModInfoSize:             int32(len(modInfo)),
		SectionContributionSize: int32(len(secContribs)),
		SectionMapSize:          int32(len(secMap)),
		SourceInfoSize:          int32(len(fileInfo)),
		TypeServerMapSize:       0,
		OptionalDbgHeaderSize:   int32(len(dbgHeader)),
		ECSubstreamSize:         int32(len(ecNames)),
		Flags:                   b.flags,
		Machine:                 b.machine,
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &header); err != nil {
		return errors.Wrap(err, "failed to write DBI header")
	}
	for _, sub := range [][]byte{modInfo, secContribs, secMap, fileInfo, ecNames, dbgHeader} {
		buf.Write(sub)
	}
	if err := m.SetStreamData(streamIndex, buf.Bytes()); err != nil {
		return err
	}

	for _, mod := range b.modules {
		if mod.streamIndex == InvalidStreamIndex {
			continue
		}
		if err := m.SetStreamData(uint32(mod.streamIndex), mod.streamBytes()); err != nil {
			return errors.Wrapf(err, "failed to write symbols of module %q", mod.name)
		}
	}
	for kind, s := range b.dbgStreams {
		if s == nil {
			continue
		}
		if err := m.SetStreamData(s.index, s.data); err != nil {
			return errors.Wrapf(err, "failed to write debug stream %d", kind)
		}
	}

	b.committed = true
	return nil
}

func (b *DBIBuilder) checkMutable(op string) error {
	if b.committed {
		return errs.NewStateError(op, "DBI stream already committed")
	}
	return nil
}

func (b *DBIBuilder) moduleInfoBytes() []byte {
	var buf bytes.Buffer
	for _, mod := range b.modules {
		hdr := moduleInfoHeader{
			SectionContrib:  mod.contrib,
			ModuleSymStream: mod.streamIndex,
		}
		if mod.streamIndex != InvalidStreamIndex {
			hdr.SymByteSize = mod.symbolBytes()
		}
		_ = binary.Write(&buf, binary.LittleEndian, &hdr)
		buf.WriteString(mod.name)
		buf.WriteByte(0)
		buf.WriteString(mod.objName)
		buf.WriteByte(0)
		pad4(&buf)
	}
	return buf.Bytes()
}

func (b *DBIBuilder) sectionContribBytes() []byte {
	var buf bytes.Buffer
	writeUint32(&buf, sectionContribVer60)
	_ = binary.Write(&buf, binary.LittleEndian, b.sectionContribs)
	return buf.Bytes()
}

func (b *DBIBuilder) sectionMapBytes() []byte {
	var buf bytes.Buffer
	writeUint16(&buf, uint16(len(b.sectionMap)))
	writeUint16(&buf, uint16(len(b.sectionMap)))
	_ = binary.Write(&buf, binary.LittleEndian, b.sectionMap)
	return buf.Bytes()
}

// fileInfoBytes writes the source file substream. Modules carry no source
// files, so every count is zero.
func (b *DBIBuilder) fileInfoBytes() []byte {
	var buf bytes.Buffer
	writeUint16(&buf, uint16(len(b.modules)))
	writeUint16(&buf, 0)
	for range b.modules {
		writeUint16(&buf, 0) // first file index
	}
	for range b.modules {
		writeUint16(&buf, 0) // file count
	}
	pad4(&buf)
	return buf.Bytes()
}

func (b *DBIBuilder) dbgHeaderBytes() []byte {
	var buf bytes.Buffer
	for _, s := range b.dbgStreams {
		if s == nil {
			writeUint16(&buf, InvalidStreamIndex)
			continue
		}
		writeUint16(&buf, uint16(s.index))
	}
	return buf.Bytes()
}

func pad4(buf *bytes.Buffer) {
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
}

// ModuleBuilder collects one module descriptor and its symbol records.
type ModuleBuilder struct {
	index       uint16
	name        string
	objName     string
	symbols     [][]byte
	streamIndex uint16
	contrib     SectionContrib
	hasContrib  bool
}

// Index returns the module's position in the descriptor list.
func (m *ModuleBuilder) Index() uint16 { return m.index }

// Name returns the module name.
func (m *ModuleBuilder) Name() string { return m.name }

// SetObjFileName replaces the object file name.
func (m *ModuleBuilder) SetObjFileName(name string) { m.objName = name }

// AddSymbol appends a complete symbol record (length prefix included).
func (m *ModuleBuilder) AddSymbol(record []byte) error {
	if len(record) < 4 {
		return errors.Errorf("symbol record too short: %d bytes", len(record))
	}
	if recLen := int(binary.LittleEndian.Uint16(record)); recLen+2 != len(record) {
		return errors.Errorf("symbol record length %d does not match buffer of %d bytes", recLen, len(record))
	}
	m.symbols = append(m.symbols, append([]byte(nil), record...))
	return nil
}

// NumSymbols returns the number of symbol records added.
func (m *ModuleBuilder) NumSymbols() int { return len(m.symbols) }

// StreamIndex returns the allocated symbol stream, or InvalidStreamIndex.
func (m *ModuleBuilder) StreamIndex() uint16 { return m.streamIndex }

// symbolBytes is the size of the signature plus the symbol records.
func (m *ModuleBuilder) symbolBytes() uint32 {
	n := uint32(4)
	for _, s := range m.symbols {
		n += uint32(len(s))
	}
	return n
}

func (m *ModuleBuilder) streamSize() uint32 {
	return m.symbolBytes() + 4
}

// streamBytes lays out signature, symbols, an empty C13 section and a zero
// global refs size.
func (m *ModuleBuilder) streamBytes() []byte {
	var buf bytes.Buffer
	buf.Grow(int(m.streamSize()))
	writeUint32(&buf, moduleSymbolSignature)
	for _, s := range m.symbols {
		buf.Write(s)
	}
	writeUint32(&buf, 0)
	return buf.Bytes()
}
