// Package pdb builds Microsoft PDB debug files and reads back the parts of
// them that synthesis and verification need.
package pdb

// PublicSymbol represents a public symbol from the public symbol stream.
type PublicSymbol struct {
	Name    string `json:"name"`
	Offset  uint32 `json:"offset"`
	Segment uint16 `json:"segment"`
	RVA     uint32 `json:"rva,omitempty"`
	IsCode  bool   `json:"is_code"`
}

// SymbolInfo represents a procedure or data symbol of a module.
type SymbolInfo struct {
	Module  string `json:"module"`
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Segment uint16 `json:"segment"`
	Offset  uint32 `json:"offset"`
	Length  uint32 `json:"length,omitempty"`
}

// SectionInfo represents a PE section.
type SectionInfo struct {
	Index  uint16 `json:"index"`          // 1-based section index
	Name   string `json:"name,omitempty"` // Section name (e.g., ".text", ".data")
	Offset uint32 `json:"offset"`         // Virtual address (RVA base)
	Length uint32 `json:"length"`         // Section length in bytes
}

// ModuleInfo represents information about a compiled module.
type ModuleInfo struct {
	Name         string `json:"name"`
	ObjectFile   string `json:"object_file"`
	SymbolStream uint16 `json:"symbol_stream"`
	SymbolSize   uint32 `json:"symbol_size"`
	SourceFiles  uint16 `json:"source_files"`
}

// PDBInfo contains basic PDB file information.
type PDBInfo struct {
	GUID            string            `json:"guid"`
	SymbolServerKey string            `json:"symbol_server_key"`
	Signature       uint32            `json:"signature"`
	Age             uint32            `json:"age"`
	DbiAge          uint32            `json:"dbi_age"`
	Version         uint32            `json:"version"`
	Machine         string            `json:"machine"`
	Toolchain       string            `json:"toolchain"`
	Streams         int               `json:"streams"`
	BlockSize       uint32            `json:"block_size"`
	TypeCount       uint32            `json:"type_count"`
	IDCount         uint32            `json:"id_count"`
	NamedStreams    map[string]uint32 `json:"named_streams,omitempty"`
}
