package synth

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/jtang613/pdbsynth/pkg/mapfile"
	"github.com/jtang613/pdbsynth/pkg/pdb/codeview"
)

// DefaultPrefix starts every synthesized symbol name.
const DefaultPrefix = "ORIGINAL_"

// ResolveFunc maps an address to its section and offset.
type ResolveFunc func(addr uint64) (SectionAndOffset, error)

// Synthesize creates one public code symbol per map entry, at the start of
// its range. Names are prefix followed by the identifier in uppercase hex;
// repeated names get _1, _2, ... appended so that every name is unique.
func Synthesize(entries []mapfile.Entry, resolve ResolveFunc, prefix string) ([]codeview.PublicSymbol, error) {
	names := newNameAllocator()
	pubs := make([]codeview.PublicSymbol, 0, len(entries))
	for _, e := range entries {
		loc, err := resolve(e.RangeStart)
		if err != nil {
			return nil, errors.Wrapf(err, "map line %d", e.Line)
		}
		pubs = append(pubs, codeview.PublicSymbol{
			Name:    names.next(fmt.Sprintf("%s%X", prefix, e.ID)),
			Section: loc.Section,
			Offset:  loc.Offset,
			Flags:   codeview.PubSymFlagCode,
		})
	}
	return pubs, nil
}

type nameAllocator struct {
	used     map[string]struct{}
	suffixes map[string]int // last suffix tried per base name
}

func newNameAllocator() *nameAllocator {
	return &nameAllocator{
		used:     make(map[string]struct{}),
		suffixes: make(map[string]int),
	}
}

func (a *nameAllocator) next(base string) string {
	name := base
	if _, taken := a.used[name]; taken {
		n := a.suffixes[base]
		for {
			n++
			name = fmt.Sprintf("%s_%d", base, n)
			if _, taken := a.used[name]; !taken {
				break
			}
		}
		a.suffixes[base] = n
	}
	a.used[name] = struct{}{}
	return name
}
