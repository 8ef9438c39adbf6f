// Package synth turns a range map into public symbols and drives the
// construction of the synthesized PDB.
package synth

import (
	"github.com/jtang613/pdbsynth/pkg/errs"
	"github.com/jtang613/pdbsynth/pkg/module"
)

// SectionAndOffset locates an address inside the image.
type SectionAndOffset struct {
	Section uint16 // 1-based
	Offset  uint32
}

// Resolve finds the first section, in table order, whose virtual range
// contains addr.
func Resolve(addr uint64, sections []module.SectionHeader) (SectionAndOffset, error) {
	for i := range sections {
		va := uint64(sections[i].VirtualAddress)
		if addr >= va && addr < va+uint64(sections[i].VirtualSize) {
			return SectionAndOffset{Section: uint16(i + 1), Offset: uint32(addr - va)}, nil
		}
	}
	return SectionAndOffset{}, errs.NewAddressOutOfRangeError(addr)
}

// Resolver resolves addresses against a fixed section table. With a non-zero
// ImageBase, addresses at or above it are absolute and rebased first.
type Resolver struct {
	Sections  []module.SectionHeader
	ImageBase uint64
}

// NewResolver returns a Resolver over sections.
func NewResolver(sections []module.SectionHeader, imageBase uint64) *Resolver {
	return &Resolver{Sections: sections, ImageBase: imageBase}
}

// Resolve maps addr to its section and offset. Errors report addr as given.
func (r *Resolver) Resolve(addr uint64) (SectionAndOffset, error) {
	rva := addr
	if r.ImageBase != 0 && addr >= r.ImageBase {
		rva = addr - r.ImageBase
	}
	loc, err := Resolve(rva, r.Sections)
	if err != nil {
		return SectionAndOffset{}, errs.NewAddressOutOfRangeError(addr)
	}
	return loc, nil
}
