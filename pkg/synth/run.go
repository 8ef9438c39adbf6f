package synth

import (
	"encoding/binary"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/jtang613/pdbsynth/pkg/errs"
	"github.com/jtang613/pdbsynth/pkg/mapfile"
	"github.com/jtang613/pdbsynth/pkg/module"
	"github.com/jtang613/pdbsynth/pkg/pdb"
	"github.com/jtang613/pdbsynth/pkg/pdb/codeview"
	"github.com/jtang613/pdbsynth/pkg/pdb/msf"
	"github.com/jtang613/pdbsynth/pkg/pdb/streams"
)

// Config describes one synthesis run.
type Config struct {
	MapFile string // range map
	ObfPE   string // obfuscated image
	OrigPDB string // optional PDB whose types, modules and globals are copied
	OutPDB  string

	BlockSize uint32 // 0 selects msf.DefaultBlockSize
	Prefix    string // empty selects DefaultPrefix
	ImageBase uint64 // non-zero: map addresses at or above it are absolute
	Age       uint32 // used when the image has no RSDS record; 0 selects 1
	GUID      string // likewise; empty derives one from the inputs
	HashGUID  bool   // derive GUID and signature from the PDB contents
}

// linkerModuleName is the single module of a PDB built without a source PDB.
const linkerModuleName = "* Linker *"

// guidNamespace seeds the default GUID of images without an RSDS record.
var guidNamespace = uuid.MustParse("6c0c5b5e-1f9e-4c52-8d0f-2a1a7e3c9b41")

// Run builds the PDB described by cfg and returns the GUID written to it.
// Failures are wrapped with the name of the failing stage and leave no
// output file behind.
func Run(logger log.Logger, fs afero.Fs, cfg Config) (streams.GUID, error) {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = msf.DefaultBlockSize
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Age == 0 {
		cfg.Age = 1
	}

	entries, err := mapfile.ParseFile(fs, cfg.MapFile)
	if err != nil {
		return streams.GUID{}, errors.Wrap(err, "parse map file")
	}
	level.Debug(logger).Log("msg", "parsed map file", "path", cfg.MapFile, "entries", len(entries))

	defaults := module.Defaults{Age: cfg.Age}
	if cfg.GUID != "" {
		if defaults.GUID, err = streams.ParseGUID(cfg.GUID); err != nil {
			return streams.GUID{}, errors.Wrap(err, "read module info")
		}
	}
	info, err := module.Extract(fs, cfg.ObfPE, defaults)
	if err != nil {
		return streams.GUID{}, errors.Wrap(err, "read module info")
	}
	if !info.HasCodeView && cfg.GUID == "" {
		info.GUID = defaultGUID(info, entries)
	}
	level.Debug(logger).Log("msg", "read module info", "path", cfg.ObfPE,
		"sections", len(info.Sections), "machine", streams.MachineTypeName(info.Machine),
		"guid", info.GUID, "age", info.Age, "codeview", info.HasCodeView)

	var src *pdb.PDB
	if cfg.OrigPDB != "" {
		if src, err = pdb.Open(fs, cfg.OrigPDB); err != nil {
			return streams.GUID{}, errors.Wrap(err, "read source pdb")
		}
		defer src.Close()
		level.Debug(logger).Log("msg", "opened source pdb", "path", cfg.OrigPDB,
			"types", len(src.TypeRecords()), "ids", len(src.IDRecords()), "modules", len(src.DBI().Modules))
	}

	resolver := NewResolver(info.Sections, cfg.ImageBase)
	pubs, err := Synthesize(entries, resolver.Resolve, cfg.Prefix)
	if err != nil {
		var rangeErr *errs.AddressOutOfRangeError
		if errors.As(err, &rangeErr) {
			return streams.GUID{}, errors.Wrap(err, "resolve")
		}
		return streams.GUID{}, errors.Wrap(err, "synthesize symbols")
	}

	fb := pdb.NewFileBuilder()
	if err := build(logger, fb, cfg, info, src, pubs); err != nil {
		return streams.GUID{}, errors.Wrap(err, "build pdb")
	}

	guid, err := fb.Commit(fs, cfg.OutPDB)
	if err != nil {
		return streams.GUID{}, errors.Wrap(err, "commit pdb")
	}

	attrs := []interface{}{"msg", "wrote pdb", "path", cfg.OutPDB, "guid", guid, "age", info.Age, "publics", len(pubs)}
	if fi, err := fs.Stat(cfg.OutPDB); err == nil {
		attrs = append(attrs, "size", humanize.Bytes(uint64(fi.Size())))
	}
	level.Info(logger).Log(attrs...)
	return guid, nil
}

// defaultGUID derives a stable GUID from the image layout and the map, so
// that rebuilding from the same inputs reproduces the same file.
func defaultGUID(info *module.Info, entries []mapfile.Entry) streams.GUID {
	seed := make([]byte, 0, 64+40*len(info.Sections)+24*len(entries))
	seed = binary.LittleEndian.AppendUint32(seed, info.Signature)
	seed = binary.LittleEndian.AppendUint16(seed, info.Machine)
	seed = append(seed, streams.SectionHeadersBytes(info.Sections)...)
	for _, e := range entries {
		seed = binary.LittleEndian.AppendUint64(seed, e.RangeStart)
		seed = binary.LittleEndian.AppendUint64(seed, e.RangeEnd)
		seed = binary.LittleEndian.AppendUint64(seed, e.ID)
	}
	return streams.GUIDFromUUID(uuid.NewSHA1(guidNamespace, seed))
}

func build(logger log.Logger, fb *pdb.FileBuilder, cfg Config, info *module.Info, src *pdb.PDB, pubs []codeview.PublicSymbol) error {
	if err := fb.Initialize(cfg.BlockSize); err != nil {
		return err
	}

	buildInfo(fb.Info(), cfg, info, src)
	if err := buildDbi(fb.Dbi(), info, src); err != nil {
		return err
	}

	if src != nil {
		if err := copyModules(fb.Dbi(), src); err != nil {
			return err
		}
		if err := copyTypes(fb.Tpi(), src.TypeRecords()); err != nil {
			return errors.Wrap(err, "TPI")
		}
		if err := copyTypes(fb.Ipi(), src.IDRecords()); err != nil {
			return errors.Wrap(err, "IPI")
		}
		if err := copyGlobals(logger, fb.Gsi(), src); err != nil {
			return err
		}
	} else if err := addLinkerModule(fb.Dbi(), info.Sections); err != nil {
		return err
	}

	return fb.Gsi().AddPublicSymbols(pubs)
}

// buildInfo takes the identity from the image, which is what debuggers
// match, and the version and features from the source PDB when present.
func buildInfo(b *streams.InfoBuilder, cfg Config, info *module.Info, src *pdb.PDB) {
	b.SetSignature(info.Signature)
	b.SetAge(info.Age)
	b.SetGUID(info.GUID)
	b.SetHashPDBContentsToGUID(cfg.HashGUID)
	b.AddFeature(streams.FeatureVC140)
	if src != nil {
		b.SetVersion(src.InfoStream().Version)
		for _, f := range src.InfoStream().Features {
			b.AddFeature(f)
		}
	}
}

func buildDbi(b *streams.DBIBuilder, info *module.Info, src *pdb.PDB) error {
	b.SetVersionHeader(streams.DBIStreamVersionV70)
	b.SetAge(info.Age)
	b.SetPdbDllVersion(1)
	b.SetPdbDllRbld(1)
	if src != nil {
		hdr := src.DBI().Header
		b.SetRawBuildNumber(hdr.BuildNumber)
		b.SetFlags(hdr.Flags)
		b.SetMachineType(hdr.Machine)
	} else {
		b.SetMachineType(info.Machine)
	}

	b.CreateSectionMap(info.Sections)
	return b.AddDbgStream(streams.DbgHeaderSectionHdr, streams.SectionHeadersBytes(info.Sections))
}

// addLinkerModule adds one module that contributes every section whole.
func addLinkerModule(b *streams.DBIBuilder, sections []module.SectionHeader) error {
	mod, err := b.AddModule(linkerModuleName, "")
	if err != nil {
		return err
	}
	for i, s := range sections {
		err := b.AddSectionContrib(streams.SectionContrib{
			Section:         uint16(i + 1),
			Size:            int32(s.VirtualSize),
			Characteristics: s.Characteristics,
			ModuleIndex:     mod.Index(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func copyModules(b *streams.DBIBuilder, src *pdb.PDB) error {
	mods := src.DBI().Modules
	for i := range mods {
		mb, err := b.AddModule(mods[i].ModuleName, mods[i].ObjFileName)
		if err != nil {
			return err
		}
		syms, err := src.ModuleSymbols(&mods[i])
		if err != nil {
			return err
		}
		for _, rec := range lo.Map(syms, func(s codeview.SymbolRecord, _ int) []byte { return s.Bytes() }) {
			if err := mb.AddSymbol(rec); err != nil {
				return errors.Wrapf(err, "module %q", mods[i].ModuleName)
			}
		}
	}

	for _, sc := range src.DBI().SectionContribs {
		if int(sc.ModuleIndex) >= len(mods) {
			continue
		}
		if err := b.AddSectionContrib(sc); err != nil {
			return err
		}
	}
	return nil
}

// copyTypes appends records in index order. The builder must hand out the
// same indices, since copied symbols and records refer to them.
func copyTypes(b *streams.TPIBuilder, records []streams.TypeRecord) error {
	for i := range records {
		index, err := b.AddTypeRecord(records[i].Bytes())
		if err != nil {
			return err
		}
		if index != records[i].Index {
			return errors.Errorf("type record 0x%x was assigned index 0x%x", records[i].Index, index)
		}
	}
	return nil
}

// copyGlobals copies the global symbols the GSI can index. Kinds without a
// name field are skipped.
func copyGlobals(logger log.Logger, b *streams.GSIBuilder, src *pdb.PDB) error {
	globals, err := src.GlobalSymbols()
	if err != nil {
		return err
	}

	skipped := map[uint16]int{}
	for i := range globals {
		rec := &globals[i]
		if _, err := codeview.SymbolName(rec.Kind, rec.Data); err != nil {
			skipped[rec.Kind]++
			continue
		}
		if err := b.AddGlobalSymbol(rec.Bytes()); err != nil {
			return err
		}
	}

	if len(skipped) > 0 {
		kinds := lo.Keys(skipped)
		sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
		for _, k := range kinds {
			level.Warn(logger).Log("msg", "skipped global symbols", "kind", codeview.SymbolKindName(k), "count", skipped[k])
		}
	}
	level.Debug(logger).Log("msg", "copied global symbols", "kept", b.NumGlobals(), "skipped", lo.Sum(lo.Values(skipped)))
	return nil
}
