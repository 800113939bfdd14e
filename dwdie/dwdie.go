// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package dwdie provides cursor-style access to the DWARF debugging
// information entries of a module: compilation unit discovery, pre-order
// traversal with an ancestor stack, ancestor reconstruction from a raw
// DIE offset, and PC-to-scope resolution.
package dwdie // import "github.com/coreinspect/dwarfcore/dwdie"

import (
	"debug/dwarf"
	"fmt"
	"iter"

	"github.com/coreinspect/dwarfcore/libdw"
)

// CompilationUnit carries the per-unit context a DIE is interpreted in.
// The fields mirror the unit header plus the unit root DIE attributes
// that scope attribute interpretation (base offsets, language, low PC).
type CompilationUnit struct {
	Module libdw.Module
	Data   *dwarf.Data
	// Entry is the unit root DIE (compile_unit, partial_unit or
	// type_unit).
	Entry *dwarf.Entry

	// Offset is the section offset of the unit header.
	Offset dwarf.Offset
	// End is the section offset one past the unit.
	End dwarf.Offset

	Version     int
	AddressSize int
	// OffsetSize is 4 for 32-bit DWARF and 8 for 64-bit DWARF.
	OffsetSize int

	Language int64

	LowPC    libdw.Address
	HasLowPC bool

	// Base offsets for indexed forms, from the unit root DIE.
	AddrBase       uint64
	LoclistsBase   uint64
	StrOffsetsBase uint64
}

// AddressMax returns the all-ones address of the unit's address size,
// used as the base-address selector in DWARF 4 location lists.
func (cu *CompilationUnit) AddressMax() uint64 {
	if cu.AddressSize >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * cu.AddressSize)) - 1
}

// DIE is a compilation-unit-scoped reference to one debugging
// information entry. It is valid while the owning module stays loaded.
type DIE struct {
	CU    *CompilationUnit
	Entry *dwarf.Entry
}

// Valid reports whether the DIE references an entry.
func (d DIE) Valid() bool {
	return d.Entry != nil
}

// Tag returns the DWARF tag of the entry.
func (d DIE) Tag() dwarf.Tag {
	return d.Entry.Tag
}

// Offset returns the section offset of the entry.
func (d DIE) Offset() dwarf.Offset {
	return d.Entry.Offset
}

// Ref identifies the DIE as a module-scoped raw reference.
func (d DIE) Ref() libdw.DIERef {
	return libdw.DIERef{Module: d.CU.Module, Offset: d.Entry.Offset}
}

// Val returns the raw attribute value, or nil if the attribute is absent.
func (d DIE) Val(attr dwarf.Attr) any {
	return d.Entry.Val(attr)
}

// HasAttr reports whether the entry carries the attribute.
func (d DIE) HasAttr(attr dwarf.Attr) bool {
	return d.Entry.Val(attr) != nil
}

// Name returns the DW_AT_name string, or "" if absent.
func (d DIE) Name() string {
	name, _ := d.Entry.Val(dwarf.AttrName).(string)
	return name
}

// Uint returns an unsigned constant attribute value. Signed encodings of
// non-negative values are accepted.
func (d DIE) Uint(attr dwarf.Attr) (uint64, bool) {
	switch v := d.Entry.Val(attr).(type) {
	case uint64:
		return v, true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case dwarf.Offset:
		return uint64(v), true
	}
	return 0, false
}

// Int returns a signed constant attribute value.
func (d DIE) Int(attr dwarf.Attr) (int64, bool) {
	switch v := d.Entry.Val(attr).(type) {
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	}
	return 0, false
}

// Flag returns a flag attribute value; absent flags read as false.
func (d DIE) Flag(attr dwarf.Attr) bool {
	v, _ := d.Entry.Val(attr).(bool)
	return v
}

// Block returns an exprloc or block attribute value.
func (d DIE) Block(attr dwarf.Attr) ([]byte, bool) {
	v, ok := d.Entry.Val(attr).([]byte)
	return v, ok
}

// Errorf formats a structural error anchored at the DIE's offset.
func (d DIE) Errorf(format string, args ...any) error {
	section := libdw.SectionDebugInfo.Name()
	return &libdw.DebugError{
		Module:  d.CU.Module.Name(),
		Section: section,
		Offset:  uint64(d.Entry.Offset),
		Msg:     fmt.Sprintf(format, args...),
	}
}

// Module walks debugging information per loaded module. It owns the unit
// list and the type-unit signature table.
type Module struct {
	module libdw.Module
	data   *dwarf.Data
	units  []*CompilationUnit
	// sigs maps a type-unit signature to the offset of the type DIE.
	sigs map[uint64]dwarf.Offset
}

// New builds the per-module DIE view: it parses the unit headers of
// .debug_info, walks the unit root DIEs and records type-unit
// signatures. Units in .debug_types are not parsed or walked.
func New(mod libdw.Module) (*Module, error) {
	data, err := mod.DwarfData()
	if err != nil {
		return nil, err
	}
	headers, sigs, err := parseUnitHeaders(mod)
	if err != nil {
		return nil, err
	}

	m := &Module{module: mod, data: data, sigs: sigs}
	r := data.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		switch entry.Tag {
		case dwarf.TagCompileUnit, dwarf.TagPartialUnit, dwarf.TagTypeUnit:
		default:
			r.SkipChildren()
			continue
		}
		hdr := findHeader(headers, entry.Offset)
		if hdr == nil {
			return nil, &libdw.DebugError{
				Module:  mod.Name(),
				Section: libdw.SectionDebugInfo.Name(),
				Offset:  uint64(entry.Offset),
				Msg:     "unit root DIE outside any unit header",
			}
		}
		cu := &CompilationUnit{
			Module:      mod,
			Data:        data,
			Entry:       entry,
			Offset:      hdr.offset,
			End:         hdr.end,
			Version:     hdr.version,
			AddressSize: hdr.addressSize,
			OffsetSize:  hdr.offsetSize,
		}
		die := DIE{CU: cu, Entry: entry}
		cu.Language, _ = die.Int(dwarf.AttrLanguage)
		if lowpc, ok := die.Uint(dwarf.AttrLowpc); ok {
			cu.LowPC = libdw.Address(lowpc)
			cu.HasLowPC = true
		}
		cu.AddrBase, _ = die.Uint(dwarf.AttrAddrBase)
		cu.LoclistsBase, _ = die.Uint(dwarf.AttrLoclistsBase)
		cu.StrOffsetsBase, _ = die.Uint(dwarf.AttrStrOffsetsBase)
		m.units = append(m.units, cu)
		r.SkipChildren()
	}
	return m, nil
}

// Units returns the compilation units of the module in section order.
func (m *Module) Units() []*CompilationUnit {
	return m.units
}

// UnitFor returns the compilation unit whose extent contains the offset.
func (m *Module) UnitFor(off dwarf.Offset) (*CompilationUnit, error) {
	for _, cu := range m.units {
		if off >= cu.Offset && off < cu.End {
			return cu, nil
		}
	}
	return nil, &libdw.DebugError{
		Module:  m.module.Name(),
		Section: libdw.SectionDebugInfo.Name(),
		Offset:  uint64(off),
		Msg:     "offset not contained in any unit",
	}
}

// DIEAt materializes the DIE at the given section offset.
func (m *Module) DIEAt(off dwarf.Offset) (DIE, error) {
	cu, err := m.UnitFor(off)
	if err != nil {
		return DIE{}, err
	}
	r := m.data.Reader()
	r.Seek(off)
	entry, err := r.Next()
	if err != nil {
		return DIE{}, err
	}
	if entry == nil || entry.Tag == 0 {
		return DIE{}, &libdw.DebugError{
			Module:  m.module.Name(),
			Section: libdw.SectionDebugInfo.Name(),
			Offset:  uint64(off),
			Msg:     "no DIE at offset",
		}
	}
	return DIE{CU: cu, Entry: entry}, nil
}

// ResolveSignature follows a DW_AT_signature value to the type DIE of
// the matching type unit.
func (m *Module) ResolveSignature(sig uint64) (DIE, error) {
	off, ok := m.sigs[sig]
	if !ok {
		return DIE{}, fmt.Errorf("type unit with signature %#x: %w", sig, libdw.ErrNotFound)
	}
	return m.DIEAt(off)
}

// Children iterates over the direct children of the DIE. Grandchildren
// are skipped. Iteration stops early on the first traversal error.
func (m *Module) Children(d DIE) iter.Seq2[DIE, error] {
	return func(yield func(DIE, error) bool) {
		if !d.Entry.Children {
			return
		}
		r := m.data.Reader()
		r.Seek(d.Entry.Offset)
		if _, err := r.Next(); err != nil {
			yield(DIE{}, err)
			return
		}
		for {
			entry, err := r.Next()
			if err != nil {
				yield(DIE{}, err)
				return
			}
			if entry == nil || entry.Tag == 0 {
				return
			}
			if !yield(DIE{CU: d.CU, Entry: entry}, nil) {
				return
			}
			if entry.Children {
				r.SkipChildren()
			}
		}
	}
}

// AttrDIE resolves a reference-class attribute to the referenced DIE.
// DW_AT_signature values redirect into the matching type unit.
func (m *Module) AttrDIE(d DIE, attr dwarf.Attr) (DIE, error) {
	switch v := d.Entry.Val(attr).(type) {
	case dwarf.Offset:
		return m.DIEAt(v)
	case uint64:
		if attr == dwarf.AttrSignature {
			return m.ResolveSignature(v)
		}
	case nil:
		return DIE{}, libdw.ErrNotFound
	}
	return DIE{}, d.Errorf("attribute %v has unexpected reference form", attr)
}
