package synth

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/pdbsynth/pkg/errs"
	"github.com/jtang613/pdbsynth/pkg/mapfile"
	"github.com/jtang613/pdbsynth/pkg/module"
	"github.com/jtang613/pdbsynth/pkg/pdb/codeview"
)

func sections() []module.SectionHeader {
	return []module.SectionHeader{
		{VirtualAddress: 0x1000, VirtualSize: 0x1800},
		{VirtualAddress: 0x3000, VirtualSize: 0x200},
		{VirtualAddress: 0x3100, VirtualSize: 0x200}, // overlaps the previous one
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		addr uint64
		want SectionAndOffset
	}{
		{0x1000, SectionAndOffset{Section: 1, Offset: 0}},
		{0x27ff, SectionAndOffset{Section: 1, Offset: 0x17ff}},
		{0x3000, SectionAndOffset{Section: 2, Offset: 0}},
		{0x3150, SectionAndOffset{Section: 2, Offset: 0x150}},
		{0x3250, SectionAndOffset{Section: 3, Offset: 0x150}},
	}
	for _, tt := range tests {
		got, err := Resolve(tt.addr, sections())
		require.NoError(t, err, "0x%x", tt.addr)
		assert.Equal(t, tt.want, got, "0x%x", tt.addr)
	}

	for _, addr := range []uint64{0, 0xfff, 0x2800, 0x3200 + 0x100, 1 << 40} {
		_, err := Resolve(addr, sections())
		var rangeErr *errs.AddressOutOfRangeError
		require.True(t, errors.As(err, &rangeErr), "0x%x: %v", addr, err)
		assert.Equal(t, addr, rangeErr.Address)
	}
}

func TestResolverImageBase(t *testing.T) {
	r := NewResolver(sections(), 0x140000000)

	got, err := r.Resolve(0x140001010)
	require.NoError(t, err)
	assert.Equal(t, SectionAndOffset{Section: 1, Offset: 0x10}, got)

	// RVAs below the image base still resolve.
	got, err = r.Resolve(0x3010)
	require.NoError(t, err)
	assert.Equal(t, SectionAndOffset{Section: 2, Offset: 0x10}, got)

	_, err = r.Resolve(0x140009000)
	var rangeErr *errs.AddressOutOfRangeError
	require.True(t, errors.As(err, &rangeErr))
	assert.Equal(t, uint64(0x140009000), rangeErr.Address)
}

func TestSynthesizeNames(t *testing.T) {
	entries := []mapfile.Entry{
		{Line: 1, RangeStart: 0x1000, RangeEnd: 0x1010, ID: 42},
		{Line: 2, RangeStart: 0x1020, RangeEnd: 0x1030, ID: 42},
		{Line: 3, RangeStart: 0x1040, RangeEnd: 0x1050, ID: 0xdead},
		{Line: 4, RangeStart: 0x1060, RangeEnd: 0x1070, ID: 42},
	}
	resolve := NewResolver(sections(), 0).Resolve

	pubs, err := Synthesize(entries, resolve, DefaultPrefix)
	require.NoError(t, err)
	assert.Equal(t, []codeview.PublicSymbol{
		{Name: "ORIGINAL_2A", Section: 1, Offset: 0x0, Flags: codeview.PubSymFlagCode},
		{Name: "ORIGINAL_2A_1", Section: 1, Offset: 0x20, Flags: codeview.PubSymFlagCode},
		{Name: "ORIGINAL_DEAD", Section: 1, Offset: 0x40, Flags: codeview.PubSymFlagCode},
		{Name: "ORIGINAL_2A_2", Section: 1, Offset: 0x60, Flags: codeview.PubSymFlagCode},
	}, pubs)
}

func TestNameAllocatorSkipsTakenNames(t *testing.T) {
	a := newNameAllocator()
	assert.Equal(t, "X", a.next("X"))
	assert.Equal(t, "X_2", a.next("X_2"))
	assert.Equal(t, "X_1", a.next("X"))
	assert.Equal(t, "X_3", a.next("X"), "X_2 is already taken")
	assert.Equal(t, "X_2_1", a.next("X_2"))
}

func TestSynthesizeUnresolvable(t *testing.T) {
	entries := []mapfile.Entry{
		{Line: 1, RangeStart: 0x1000, RangeEnd: 0x1010, ID: 1},
		{Line: 7, RangeStart: 0x9000, RangeEnd: 0x9010, ID: 2},
	}
	pubs, err := Synthesize(entries, NewResolver(sections(), 0).Resolve, DefaultPrefix)
	require.Error(t, err)
	assert.Nil(t, pubs)
	assert.Contains(t, err.Error(), "map line 7")

	var rangeErr *errs.AddressOutOfRangeError
	require.True(t, errors.As(err, &rangeErr))
	assert.Equal(t, uint64(0x9000), rangeErr.Address)
}
