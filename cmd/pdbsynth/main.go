// pdbsynth builds PDB files for obfuscated PE images from address range maps
// and dumps the result for inspection.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"
)

var cfg struct {
	verbose bool
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(log.NewSyncWriter(consoleOutput))
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Synthesizes PDB files for obfuscated PE images.").UsageWriter(os.Stdout)
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Envar("PDBSYNTH_VERBOSE").Default("false").BoolVar(&cfg.verbose)

	synthCmd := app.Command("synth", "Build a PDB with one public symbol per mapped range.")
	synthParams := addSynthParams(synthCmd)

	dumpCmd := app.Command("dump", "Print the info, modules, sections and publics of a PDB as JSON.")
	dumpParams := addDumpParams(dumpCmd)

	// parse command line arguments
	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	// enable verbose logging if requested
	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	fs := afero.NewOsFs()
	switch parsedCmd {
	case synthCmd.FullCommand():
		os.Exit(checkError(runSynth(fs, synthParams)))
	case dumpCmd.FullCommand():
		os.Exit(checkError(dump(fs, os.Stdout, dumpParams)))
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
		os.Exit(1)
	}
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}
