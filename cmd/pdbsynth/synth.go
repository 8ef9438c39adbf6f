package main

import (
	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/jtang613/pdbsynth/pkg/synth"
)

func addSynthParams(cmd *kingpin.CmdClause) *synth.Config {
	params := &synth.Config{}

	cmd.Flag("map-file", "Range map with one 'start end id' line per obfuscated range.").Envar("PDBSYNTH_MAP_FILE").Required().StringVar(&params.MapFile)
	cmd.Flag("obf-pe", "Obfuscated PE image the PDB describes.").Envar("PDBSYNTH_OBF_PE").Required().StringVar(&params.ObfPE)
	cmd.Flag("orig-pdb", "PDB whose types, modules and global symbols are copied.").Envar("PDBSYNTH_ORIG_PDB").StringVar(&params.OrigPDB)
	cmd.Flag("out-pdb", "Path of the PDB to write.").Envar("PDBSYNTH_OUT_PDB").Required().StringVar(&params.OutPDB)
	cmd.Flag("block-size", "MSF block size in bytes.").Envar("PDBSYNTH_BLOCK_SIZE").Default("4096").Uint32Var(&params.BlockSize)
	cmd.Flag("prefix", "Prefix of synthesized symbol names.").Envar("PDBSYNTH_PREFIX").Default(synth.DefaultPrefix).StringVar(&params.Prefix)
	cmd.Flag("image-base", "Image base; map addresses at or above it are rebased. 0 means addresses are RVAs.").Envar("PDBSYNTH_IMAGE_BASE").Default("0").Uint64Var(&params.ImageBase)
	cmd.Flag("age", "PDB age used when the image has no CodeView record.").Envar("PDBSYNTH_AGE").Default("1").Uint32Var(&params.Age)
	cmd.Flag("guid", "PDB GUID used when the image has no CodeView record.").Envar("PDBSYNTH_GUID").StringVar(&params.GUID)
	cmd.Flag("hash-guid", "Derive the GUID and signature from the PDB contents.").Envar("PDBSYNTH_HASH_GUID").Default("false").BoolVar(&params.HashGUID)
	return params
}

func runSynth(fs afero.Fs, params *synth.Config) error {
	_, err := synth.Run(logger, fs, *params)
	return err
}
