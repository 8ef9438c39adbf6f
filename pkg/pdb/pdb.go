package pdb

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/jtang613/pdbsynth/pkg/errs"
	"github.com/jtang613/pdbsynth/pkg/pdb/codeview"
	"github.com/jtang613/pdbsynth/pkg/pdb/msf"
	"github.com/jtang613/pdbsynth/pkg/pdb/streams"
)

// Stream indices
const (
	StreamOldDirectory = 0 // previous stream directory
	StreamPDB          = 1 // PDB info stream
	StreamTPI          = 2 // Type info stream
	StreamDBI          = 3 // Debug info stream
	StreamIPI          = 4 // ID info stream
)

// PDB represents an opened PDB file.
type PDB struct {
	msf     *msf.Reader
	pdbInfo *streams.PDBInfo
	tpi     *streams.TPIStream
	ipi     *streams.TPIStream
	dbi     *streams.DBIStream

	// Cached results
	symRecords []codeview.SymbolRecord
	sections   []streams.SectionHeader
}

// Open opens a PDB file on fs and parses its core streams.
func Open(fs afero.Fs, path string) (*PDB, error) {
	m, err := msf.Open(fs, path)
	if err != nil {
		return nil, errs.NewIOError("open", path, err)
	}

	p, err := New(m)
	if err != nil {
		m.Close()
		return nil, errors.Wrap(err, path)
	}
	return p, nil
}

// New parses the core streams of an already opened container. Info, DBI,
// TPI and IPI must all be present and well formed.
func New(m *msf.Reader) (*PDB, error) {
	if m.NumStreams() <= StreamIPI {
		return nil, errors.Errorf("PDB has %d streams, need at least %d", m.NumStreams(), StreamIPI+1)
	}
	p := &PDB{msf: m}

	reader, err := m.StreamReader(StreamPDB)
	if err != nil {
		return nil, err
	}
	if p.pdbInfo, err = streams.ReadPDBInfo(reader); err != nil {
		return nil, err
	}

	data, err := m.ReadStream(StreamDBI)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read DBI stream")
	}
	if p.dbi, err = streams.ReadDBIStream(data); err != nil {
		return nil, err
	}

	if p.tpi, err = readTypeStream(m, StreamTPI); err != nil {
		return nil, errors.Wrap(err, "TPI")
	}
	if p.ipi, err = readTypeStream(m, StreamIPI); err != nil {
		return nil, errors.Wrap(err, "IPI")
	}

	return p, nil
}

func readTypeStream(m *msf.Reader, index int) (*streams.TPIStream, error) {
	data, err := m.ReadStream(index)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return &streams.TPIStream{}, nil
	}
	return streams.ReadTPIStream(data)
}

// Close closes the PDB file.
func (p *PDB) Close() error {
	if p.msf != nil {
		return p.msf.Close()
	}
	return nil
}

// InfoStream returns the parsed PDB info stream.
func (p *PDB) InfoStream() *streams.PDBInfo {
	return p.pdbInfo
}

// DBI returns the parsed DBI stream.
func (p *PDB) DBI() *streams.DBIStream {
	return p.dbi
}

// TypeRecords returns the TPI records in type index order.
func (p *PDB) TypeRecords() []streams.TypeRecord {
	return p.tpi.TypeRecords
}

// IDRecords returns the IPI records in type index order.
func (p *PDB) IDRecords() []streams.TypeRecord {
	return p.ipi.TypeRecords
}

// ModuleSymbols returns the symbol records of mod, without the stream
// signature and without the line information that follows them.
func (p *PDB) ModuleSymbols(mod *streams.ModuleInfo) ([]codeview.SymbolRecord, error) {
	if !mod.HasSymbols() {
		return nil, nil
	}

	data, err := p.msf.ReadStream(int(mod.ModuleSymStream))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read symbols of module %q", mod.ModuleName)
	}

	// Only read SymByteSize bytes for symbols
	if uint32(len(data)) > mod.SymByteSize {
		data = data[:mod.SymByteSize]
	}
	syms, err := codeview.ParseSymbols(data)
	if err != nil {
		return nil, errors.Wrapf(err, "module %q", mod.ModuleName)
	}
	return syms, nil
}

func (p *PDB) symbolRecords() ([]codeview.SymbolRecord, error) {
	if p.symRecords != nil {
		return p.symRecords, nil
	}
	idx := p.dbi.Header.SymRecordStream
	if idx == streams.InvalidStreamIndex {
		return nil, nil
	}

	data, err := p.msf.ReadStream(int(idx))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read symbol record stream")
	}
	syms, err := codeview.ParseSymbols(data)
	if err != nil {
		return nil, errors.Wrap(err, "symbol record stream")
	}
	p.symRecords = syms
	return syms, nil
}

// GlobalSymbols returns the records of the symbol record stream that are
// not public symbols, in stream order.
func (p *PDB) GlobalSymbols() ([]codeview.SymbolRecord, error) {
	all, err := p.symbolRecords()
	if err != nil {
		return nil, err
	}
	var globals []codeview.SymbolRecord
	for _, sym := range all {
		if sym.Kind != codeview.S_PUB32 {
			globals = append(globals, sym)
		}
	}
	return globals, nil
}

// Sections returns the image section headers saved in the section header
// debug stream, if the file has one.
func (p *PDB) Sections() ([]streams.SectionHeader, error) {
	if p.sections != nil {
		return p.sections, nil
	}
	idx := p.dbi.DbgStreams[streams.DbgHeaderSectionHdr]
	if idx == streams.InvalidStreamIndex {
		return nil, nil
	}
	data, err := p.msf.ReadStream(int(idx))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read section header stream")
	}
	if p.sections, err = streams.ReadSectionHeaders(data); err != nil {
		return nil, err
	}
	return p.sections, nil
}

// Info returns basic PDB file information.
func (p *PDB) Info() *PDBInfo {
	info := &PDBInfo{
		GUID:         p.pdbInfo.GUID.String(),
		Signature:    p.pdbInfo.Signature,
		Age:          p.pdbInfo.Age,
		Version:      p.pdbInfo.Version,
		DbiAge:       p.dbi.Header.Age,
		Machine:      streams.MachineTypeName(p.dbi.Header.Machine),
		Streams:      p.msf.NumStreams(),
		BlockSize:    p.msf.BlockSize(),
		NamedStreams: p.pdbInfo.NamedStreams,
		TypeCount:    p.tpi.TypeCount(),
		IDCount:      p.ipi.TypeCount(),
		Toolchain:    fmt.Sprintf("%d.%d", p.dbi.Header.BuildMajor(), p.dbi.Header.BuildMinor()),
	}
	info.SymbolServerKey = p.pdbInfo.GUIDString()
	return info
}

// Modules returns information about all modules.
func (p *PDB) Modules() []ModuleInfo {
	modules := make([]ModuleInfo, 0, len(p.dbi.Modules))
	for _, mod := range p.dbi.Modules {
		modules = append(modules, ModuleInfo{
			Name:         mod.ModuleName,
			ObjectFile:   mod.ObjFileName,
			SymbolStream: mod.ModuleSymStream,
			SymbolSize:   mod.SymByteSize,
			SourceFiles:  mod.SourceFileCount,
		})
	}
	return modules
}

// SectionInfos returns the section layout recorded in the file.
func (p *PDB) SectionInfos() ([]SectionInfo, error) {
	headers, err := p.Sections()
	if err != nil {
		return nil, err
	}
	infos := make([]SectionInfo, 0, len(headers))
	for i := range headers {
		infos = append(infos, SectionInfo{
			Index:  uint16(i + 1),
			Name:   headers[i].NameString(),
			Offset: headers[i].VirtualAddress,
			Length: headers[i].VirtualSize,
		})
	}
	return infos, nil
}

// PublicSymbols returns all public symbols in symbol record order. RVA is
// filled in when the file records its section headers.
func (p *PDB) PublicSymbols() ([]PublicSymbol, error) {
	all, err := p.symbolRecords()
	if err != nil {
		return nil, err
	}
	sections, err := p.Sections()
	if err != nil {
		return nil, err
	}

	publics := make([]PublicSymbol, 0)
	for _, sym := range all {
		if sym.Kind != codeview.S_PUB32 {
			continue
		}
		pub, err := codeview.ParsePubSym(sym.Data)
		if err != nil {
			return nil, err
		}
		ps := PublicSymbol{
			Name:    pub.Name,
			Offset:  pub.Offset,
			Segment: pub.Segment,
			IsCode:  pub.Flags&codeview.PubSymFlagCode != 0,
		}
		if s := int(pub.Segment); s >= 1 && s <= len(sections) {
			ps.RVA = sections[s-1].VirtualAddress + pub.Offset
		}
		publics = append(publics, ps)
	}
	return publics, nil
}

// ModuleSymbolInfos lists the procedures and data symbols of every module.
func (p *PDB) ModuleSymbolInfos() ([]SymbolInfo, error) {
	var infos []SymbolInfo
	for i := range p.dbi.Modules {
		mod := &p.dbi.Modules[i]
		syms, err := p.ModuleSymbols(mod)
		if err != nil {
			return nil, err
		}
		for _, sym := range syms {
			info := SymbolInfo{Module: mod.ModuleName, Kind: codeview.SymbolKindName(sym.Kind)}
			switch {
			case codeview.IsProcSymbol(sym.Kind):
				proc, err := codeview.ParseProcSym(sym.Data)
				if err != nil {
					return nil, errors.Wrapf(err, "module %q", mod.ModuleName)
				}
				info.Name, info.Segment, info.Offset, info.Length = proc.Name, proc.Segment, proc.Offset, proc.Length
			case codeview.IsDataSymbol(sym.Kind):
				data, err := codeview.ParseDataSym(sym.Data)
				if err != nil {
					return nil, errors.Wrapf(err, "module %q", mod.ModuleName)
				}
				info.Name, info.Segment, info.Offset = data.Name, data.Segment, data.Offset
			default:
				continue
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// TypeKinds counts the TPI records by leaf kind.
func (p *PDB) TypeKinds() map[string]int {
	return lo.CountValuesBy(p.tpi.TypeRecords, func(t streams.TypeRecord) string {
		return streams.LeafKindName(t.Kind)
	})
}
