package main

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/jtang613/pdbsynth/pkg/pdb"
)

type dumpParams struct {
	path   string
	pretty bool
}

type dumpOutput struct {
	Info      *pdb.PDBInfo       `json:"info"`
	Modules   []pdb.ModuleInfo   `json:"modules"`
	Sections  []pdb.SectionInfo  `json:"sections"`
	Publics   []pdb.PublicSymbol `json:"publics"`
	Symbols   []pdb.SymbolInfo   `json:"symbols,omitempty"`
	TypeKinds map[string]int     `json:"type_kinds,omitempty"`
}

func addDumpParams(cmd *kingpin.CmdClause) *dumpParams {
	params := &dumpParams{}
	cmd.Flag("pretty", "Pretty-print JSON output.").Default("false").BoolVar(&params.pretty)
	cmd.Arg("pdb", "PDB file to dump.").Required().StringVar(&params.path)
	return params
}

func dump(fs afero.Fs, w io.Writer, params *dumpParams) error {
	p, err := pdb.Open(fs, params.path)
	if err != nil {
		return errors.Wrap(err, "read pdb")
	}
	defer p.Close()

	out := dumpOutput{
		Info:      p.Info(),
		Modules:   p.Modules(),
		TypeKinds: p.TypeKinds(),
	}
	if out.Sections, err = p.SectionInfos(); err != nil {
		return errors.Wrap(err, "read pdb")
	}
	if out.Publics, err = p.PublicSymbols(); err != nil {
		return errors.Wrap(err, "read pdb")
	}
	if out.Symbols, err = p.ModuleSymbolInfos(); err != nil {
		return errors.Wrap(err, "read pdb")
	}

	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false) // Don't escape &, <, > as \u0026, \u003c, \u003e
	if params.pretty {
		encoder.SetIndent("", "  ")
	}
	return errors.Wrap(encoder.Encode(&out), "encode output")
}
