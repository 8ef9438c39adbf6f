package streams

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// DBI Stream versions
const (
	DBIStreamVersionVC41 = 930803
	DBIStreamVersionV50  = 19960307
	DBIStreamVersionV60  = 19970606
	DBIStreamVersionV70  = 19990903
	DBIStreamVersionV110 = 20091201
)

// Machine types
const (
	MachineUnknown = 0x0000
	MachineI386    = 0x014c
	MachineIA64    = 0x0200
	MachineAMD64   = 0x8664
	MachineARM     = 0x01c0
	MachineARM64   = 0xAA64
)

// DBI header flags
const (
	DBIFlagIncrementalLink = 0x1
	DBIFlagStripped        = 0x2
	DBIFlagHasCTypes       = 0x4
)

const (
	dbiHeaderSize         = 64
	dbiBuildNumberNewFmt  = 0x8000
	sectionContribVer60   = 0xeffe0000 + 19970605
	sectionContribV2      = 0xeffe0000 + 20140516
	sectionContribSize    = 28
	moduleInfoHeaderSize  = 64
	InvalidStreamIndex    = 0xFFFF
	moduleSymbolSignature = 4 // CV_SIGNATURE_C13
)

// Optional debug stream slots, in header order.
const (
	DbgHeaderFPO = iota
	DbgHeaderException
	DbgHeaderFixup
	DbgHeaderOmapToSrc
	DbgHeaderOmapFromSrc
	DbgHeaderSectionHdr
	DbgHeaderTokenRidMap
	DbgHeaderXdata
	DbgHeaderPdata
	DbgHeaderNewFPO
	DbgHeaderSectionHdrOrig
	NumDbgHeaders
)

// DBIHeader is the fixed header of the DBI stream (64 bytes).
type DBIHeader struct {
	VersionSignature        int32  // Always -1
	VersionHeader           uint32 // DBI version
	Age                     uint32 // PDB age
	GlobalStreamIndex       uint16 // Global symbols stream index
	BuildNumber             uint16 // Toolchain version
	PublicStreamIndex       uint16 // Public symbols stream index
	PdbDllVersion           uint16
	SymRecordStream         uint16 // Symbol record stream index
	PdbDllRbld              uint16
	ModInfoSize             int32 // Size of module info substream
	SectionContributionSize int32 // Size of section contribution substream
	SectionMapSize          int32 // Size of section map substream
	SourceInfoSize          int32 // Size of source info substream
	TypeServerMapSize       int32 // Size of type server map substream
	MFCTypeServerIndex      uint32
	OptionalDbgHeaderSize   int32 // Size of optional debug header
	ECSubstreamSize         int32 // Size of EC substream
	Flags                   uint16
	Machine                 uint16 // CPU type
	Padding                 uint32
}

// BuildMajor returns the toolchain major version encoded in BuildNumber.
func (h *DBIHeader) BuildMajor() uint8 {
	return uint8(h.BuildNumber>>8) & 0x7F
}

// BuildMinor returns the toolchain minor version encoded in BuildNumber.
func (h *DBIHeader) BuildMinor() uint8 {
	return uint8(h.BuildNumber)
}

// DBIStream represents the parsed DBI stream.
type DBIStream struct {
	Header          DBIHeader
	Modules         []ModuleInfo
	SectionContribs []SectionContrib
	SectionMap      []SectionMapEntry
	DbgStreams      [NumDbgHeaders]uint16
}

// moduleInfoHeader is the fixed 64-byte prefix of a module descriptor.
type moduleInfoHeader struct {
	Unused1              uint32
	SectionContrib       SectionContrib
	Flags                uint16
	ModuleSymStream      uint16 // Stream containing module symbols (-1 if none)
	SymByteSize          uint32 // Size of symbol data in bytes
	C11ByteSize          uint32 // Size of C11 line info
	C13ByteSize          uint32 // Size of C13 line info
	SourceFileCount      uint16
	Padding              uint16
	Unused2              uint32
	SourceFileNameIndex  uint32
	PdbFilePathNameIndex uint32
}

// ModuleInfo contains information about a compiled module.
type ModuleInfo struct {
	moduleInfoHeader
	ModuleName  string // Object file name
	ObjFileName string // Archive or object file path
}

// SectionContrib describes a section contribution from a module.
type SectionContrib struct {
	Section         uint16
	Padding1        uint16
	Offset          int32
	Size            int32
	Characteristics uint32
	ModuleIndex     uint16
	Padding2        uint16
	DataCrc         uint32
	RelocCrc        uint32
}

// Section map flags
const (
	SectionMapRead              = 0x0001
	SectionMapWrite             = 0x0002
	SectionMapExecute           = 0x0004
	SectionMapAddressIs32Bit    = 0x0008
	SectionMapIsSelector        = 0x0100
	SectionMapIsAbsoluteAddress = 0x0200
	SectionMapIsGroup           = 0x0400
)

// SectionMapEntry is one segment descriptor of the section map substream.
type SectionMapEntry struct {
	Flags         uint16
	Ovl           uint16
	Group         uint16
	Frame         uint16
	SectionName   uint16
	ClassName     uint16
	Offset        uint32
	SecByteLength uint32
}

// IMAGE_SECTION_HEADER characteristics used by the section map.
const (
	ImageScnMem16Bit   = 0x00020000
	ImageScnMemExecute = 0x20000000
	ImageScnMemRead    = 0x40000000
	ImageScnMemWrite   = 0x80000000
	ImageScnCntCode    = 0x00000020
)

// SectionHeader is an IMAGE_SECTION_HEADER, stored verbatim in the
// section header debug stream.
type SectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

// NameString returns the section name without NUL padding.
func (s *SectionHeader) NameString() string {
	return extractCString(s.Name[:])
}

// SectionHeadersBytes serializes headers back to back, as the section
// header debug stream stores them.
func SectionHeadersBytes(headers []SectionHeader) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, headers)
	return buf.Bytes()
}

// ReadSectionHeaders parses a section header debug stream.
func ReadSectionHeaders(data []byte) ([]SectionHeader, error) {
	const size = 40
	if len(data)%size != 0 {
		return nil, errors.Errorf("section header stream size %d is not a multiple of %d", len(data), size)
	}
	headers := make([]SectionHeader, len(data)/size)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, headers); err != nil {
		return nil, errors.Wrap(err, "failed to read section headers")
	}
	return headers, nil
}

// ReadDBIStream parses the DBI stream.
func ReadDBIStream(data []byte) (*DBIStream, error) {
	if len(data) < dbiHeaderSize {
		return nil, errors.Errorf("DBI stream too small: %d bytes", len(data))
	}

	var header DBIHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, errors.Wrap(err, "failed to read DBI header")
	}

	if header.VersionSignature != -1 {
		return nil, errors.Errorf("invalid DBI version signature: %d", header.VersionSignature)
	}

	dbi := &DBIStream{Header: header}
	for i := range dbi.DbgStreams {
		dbi.DbgStreams[i] = InvalidStreamIndex
	}

	sizes := []int32{
		header.ModInfoSize,
		header.SectionContributionSize,
		header.SectionMapSize,
		header.SourceInfoSize,
		header.TypeServerMapSize,
		header.ECSubstreamSize,
		header.OptionalDbgHeaderSize,
	}
	substreams := make([][]byte, len(sizes))
	offset := dbiHeaderSize
	for i, size := range sizes {
		if size < 0 || offset+int(size) > len(data) {
			return nil, errors.Errorf("DBI substream %d (%d bytes at %d) exceeds stream of %d bytes", i, size, offset, len(data))
		}
		substreams[i] = data[offset : offset+int(size)]
		offset += int(size)
	}

	var err error
	if dbi.Modules, err = parseModuleInfo(substreams[0]); err != nil {
		return nil, errors.Wrap(err, "failed to parse module info")
	}
	if dbi.SectionContribs, err = parseSectionContribs(substreams[1]); err != nil {
		return nil, errors.Wrap(err, "failed to parse section contributions")
	}
	if dbi.SectionMap, err = parseSectionMap(substreams[2]); err != nil {
		return nil, errors.Wrap(err, "failed to parse section map")
	}

	dbg := substreams[6]
	for i := 0; i < NumDbgHeaders && 2*i+2 <= len(dbg); i++ {
		dbi.DbgStreams[i] = binary.LittleEndian.Uint16(dbg[2*i:])
	}

	return dbi, nil
}

// parseModuleInfo parses the module info substream.
func parseModuleInfo(data []byte) ([]ModuleInfo, error) {
	var modules []ModuleInfo
	offset := 0

	for offset < len(data) {
		if offset+moduleInfoHeaderSize > len(data) {
			return nil, errors.Errorf("truncated module descriptor at offset %d", offset)
		}

		var mod ModuleInfo
		if err := binary.Read(bytes.NewReader(data[offset:]), binary.LittleEndian, &mod.moduleInfoHeader); err != nil {
			return nil, err
		}
		offset += moduleInfoHeaderSize

		var n int
		mod.ModuleName, n = ParseString(data[offset:])
		offset += n
		mod.ObjFileName, n = ParseString(data[offset:])
		offset += n

		// Align to 4-byte boundary
		offset = (offset + 3) & ^3

		modules = append(modules, mod)
	}

	return modules, nil
}

// parseSectionContribs parses the section contribution substream.
func parseSectionContribs(data []byte) ([]SectionContrib, error) {
	if len(data) < 4 {
		return nil, nil
	}

	version := binary.LittleEndian.Uint32(data)
	entrySize := sectionContribSize
	if version == sectionContribV2 {
		entrySize += 4 // ISectCoff
	}

	entries := data[4:]
	contribs := make([]SectionContrib, 0, len(entries)/entrySize)
	for off := 0; off+entrySize <= len(entries); off += entrySize {
		var contrib SectionContrib
		if err := binary.Read(bytes.NewReader(entries[off:]), binary.LittleEndian, &contrib); err != nil {
			return nil, err
		}
		contribs = append(contribs, contrib)
	}

	return contribs, nil
}

func parseSectionMap(data []byte) ([]SectionMapEntry, error) {
	if len(data) < 4 {
		return nil, nil
	}
	count := int(binary.LittleEndian.Uint16(data))
	if 4+20*count > len(data) {
		return nil, errors.Errorf("section map declares %d entries in %d bytes", count, len(data))
	}
	entries := make([]SectionMapEntry, count)
	if err := binary.Read(bytes.NewReader(data[4:]), binary.LittleEndian, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// MachineTypeName returns the human-readable name for a machine type.
func MachineTypeName(machine uint16) string {
	switch machine {
	case MachineI386:
		return "x86"
	case MachineAMD64:
		return "x64"
	case MachineARM:
		return "ARM"
	case MachineARM64:
		return "ARM64"
	case MachineIA64:
		return "IA64"
	default:
		return fmt.Sprintf("0x%04x", machine)
	}
}

// HasSymbols returns true if the module has symbol information.
func (m *ModuleInfo) HasSymbols() bool {
	return m.ModuleSymStream != InvalidStreamIndex && m.SymByteSize > 0
}
