// Package module extracts the identity and section layout of a PE image,
// which a synthesized PDB has to match.
package module

import (
	"bytes"
	"debug/pe"
	"encoding/binary"

	"github.com/h2non/filetype"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/jtang613/pdbsynth/pkg/errs"
	"github.com/jtang613/pdbsynth/pkg/pdb/streams"
)

// SectionHeader is a verbatim IMAGE_SECTION_HEADER.
type SectionHeader = streams.SectionHeader

const (
	sectionHeaderSize    = 40
	debugDirectoryIndex  = 6
	debugEntrySize       = 28
	debugTypeCodeView    = 2
	rsdsSignature        = 0x53445352 // "RSDS"
	rsdsMinSize          = 24
	peSignatureOffsetPos = 0x3c
)

// Info is what a PDB needs to know about the image it describes.
type Info struct {
	Sections  []SectionHeader
	Signature uint32 // newest debug directory timestamp
	Age       uint32
	GUID      streams.GUID
	Machine   uint16
	ImageBase uint64

	// HasCodeView is set when an RSDS record supplied Age and GUID.
	HasCodeView bool
	PDBPath     string // path recorded in the RSDS record
}

// Defaults are used when the image carries no RSDS record.
type Defaults struct {
	Age  uint32
	GUID streams.GUID
}

// DebugEntry is an IMAGE_DEBUG_DIRECTORY entry.
type DebugEntry struct {
	Characteristics  uint32
	TimeDateStamp    uint32
	MajorVersion     uint16
	MinorVersion     uint16
	Type             uint32
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

// Extract reads the PE image at path.
func Extract(fs afero.Fs, path string, defaults Defaults) (*Info, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errs.NewIOError("read", path, err)
	}
	return Parse(path, data, defaults)
}

// Parse extracts module information from an in-memory PE image. name is
// only used in errors.
func Parse(name string, data []byte, defaults Defaults) (*Info, error) {
	kind, _ := filetype.Match(data)
	if kind.Extension != "exe" {
		return nil, errs.NewUnsupportedFormatError(name, errors.Errorf("detected %q", kind.MIME.Value))
	}

	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errs.NewUnsupportedFormatError(name, err)
	}
	defer f.Close()

	info := &Info{
		Machine:   f.FileHeader.Machine,
		Signature: f.FileHeader.TimeDateStamp,
		Age:       defaults.Age,
		GUID:      defaults.GUID,
	}

	var dir pe.DataDirectory
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		info.ImageBase = uint64(oh.ImageBase)
		if oh.NumberOfRvaAndSizes > debugDirectoryIndex {
			dir = oh.DataDirectory[debugDirectoryIndex]
		}
	case *pe.OptionalHeader64:
		info.ImageBase = oh.ImageBase
		if oh.NumberOfRvaAndSizes > debugDirectoryIndex {
			dir = oh.DataDirectory[debugDirectoryIndex]
		}
	default:
		return nil, errs.NewUnsupportedFormatError(name, errors.New("missing optional header"))
	}

	if info.Sections, err = readSectionTable(data, &f.FileHeader); err != nil {
		return nil, errs.NewUnsupportedFormatError(name, err)
	}

	entries, err := readDebugDirectory(data, info.Sections, dir)
	if err != nil {
		return nil, errs.NewUnsupportedFormatError(name, err)
	}
	applyDebugEntries(info, data, entries)
	return info, nil
}

// readSectionTable copies the raw section table so that names longer than
// eight bytes keep their "/n" string table form.
func readSectionTable(data []byte, fh *pe.FileHeader) ([]SectionHeader, error) {
	if len(data) < peSignatureOffsetPos+4 {
		return nil, errors.New("truncated DOS header")
	}
	start := int64(binary.LittleEndian.Uint32(data[peSignatureOffsetPos:])) +
		4 + int64(binary.Size(pe.FileHeader{})) + int64(fh.SizeOfOptionalHeader)
	end := start + int64(fh.NumberOfSections)*sectionHeaderSize
	if end > int64(len(data)) {
		return nil, errors.Errorf("section table [0x%x, 0x%x) exceeds file size 0x%x", start, end, len(data))
	}

	sections := make([]SectionHeader, fh.NumberOfSections)
	if err := binary.Read(bytes.NewReader(data[start:end]), binary.LittleEndian, sections); err != nil {
		return nil, errors.Wrap(err, "failed to read section table")
	}
	return sections, nil
}

// rvaToOffset maps an RVA to a file offset through the section table.
func rvaToOffset(sections []SectionHeader, rva uint32) (uint32, bool) {
	for i := range sections {
		s := &sections[i]
		size := s.VirtualSize
		if s.SizeOfRawData > size {
			size = s.SizeOfRawData
		}
		if rva >= s.VirtualAddress && rva-s.VirtualAddress < size {
			delta := rva - s.VirtualAddress
			if delta >= s.SizeOfRawData {
				return 0, false
			}
			return s.PointerToRawData + delta, true
		}
	}
	return 0, false
}

func readDebugDirectory(data []byte, sections []SectionHeader, dir pe.DataDirectory) ([]DebugEntry, error) {
	if dir.VirtualAddress == 0 || dir.Size < debugEntrySize {
		return nil, nil
	}
	off, ok := rvaToOffset(sections, dir.VirtualAddress)
	if !ok {
		return nil, errors.Errorf("debug directory RVA 0x%x is not backed by file data", dir.VirtualAddress)
	}
	end := uint64(off) + uint64(dir.Size)
	if end > uint64(len(data)) {
		return nil, errors.Errorf("debug directory exceeds file size")
	}

	entries := make([]DebugEntry, dir.Size/debugEntrySize)
	if err := binary.Read(bytes.NewReader(data[off:end]), binary.LittleEndian, entries); err != nil {
		return nil, errors.Wrap(err, "failed to read debug directory")
	}
	return entries, nil
}

// applyDebugEntries takes the newest timestamp as the signature and the
// first RSDS record as the PDB identity.
func applyDebugEntries(info *Info, data []byte, entries []DebugEntry) {
	for i, e := range entries {
		if i == 0 || e.TimeDateStamp > info.Signature {
			info.Signature = e.TimeDateStamp
		}
		if e.Type != debugTypeCodeView || info.HasCodeView {
			continue
		}
		guid, age, path, ok := parseRSDS(data, e)
		if !ok {
			continue
		}
		info.GUID = guid
		info.Age = age
		info.PDBPath = path
		info.HasCodeView = true
	}
}

func parseRSDS(data []byte, e DebugEntry) (streams.GUID, uint32, string, bool) {
	var guid streams.GUID
	start := uint64(e.PointerToRawData)
	end := start + uint64(e.SizeOfData)
	if e.SizeOfData < rsdsMinSize || end > uint64(len(data)) {
		return guid, 0, "", false
	}
	rec := data[start:end]
	if binary.LittleEndian.Uint32(rec) != rsdsSignature {
		return guid, 0, "", false
	}
	copy(guid[:], rec[4:20])
	age := binary.LittleEndian.Uint32(rec[20:])

	path := rec[rsdsMinSize:]
	if i := bytes.IndexByte(path, 0); i >= 0 {
		path = path[:i]
	}
	return guid, age, string(path), true
}
