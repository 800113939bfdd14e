// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package dwloc resolves location attributes to DWARF expression bytes.
// An attribute either carries the expression directly as a block, or
// refers to a location list in .debug_loc (DWARF 4) or .debug_loclists
// (DWARF 5) that is searched for the entry covering the current PC.
package dwloc // import "github.com/coreinspect/dwarfcore/dwloc"

import (
	"debug/dwarf"
	"errors"

	"github.com/coreinspect/dwarfcore/dwdie"
	"github.com/coreinspect/dwarfcore/libdw"
	"github.com/coreinspect/dwarfcore/libdw/dwbuf"
)

// Expr resolves the location-class attribute of die to expression bytes.
// pc is the unbiased program counter; havePC is false when no register
// state is available. A nil expression with nil error means the attribute
// is absent, the PC is unknown, or no list entry covers the PC; callers
// report the object as absent.
func Expr(die dwdie.DIE, attr dwarf.Attr, pc libdw.Address, havePC bool) ([]byte, error) {
	field := die.Entry.AttrField(attr)
	if field == nil {
		return nil, nil
	}
	switch field.Class {
	case dwarf.ClassExprLoc, dwarf.ClassBlock:
		expr, _ := field.Val.([]byte)
		return expr, nil
	case dwarf.ClassLocListPtr:
		off, ok := field.Val.(int64)
		if !ok {
			return nil, die.Errorf("attribute %v has unexpected loclistptr value", attr)
		}
		if !havePC {
			return nil, nil
		}
		if die.CU.Version >= 5 {
			return loclistsExpr(die.CU, uint64(off), pc)
		}
		return debugLocExpr(die.CU, uint64(off), pc)
	case dwarf.ClassLocList:
		index, ok := asUint(field.Val)
		if !ok {
			return nil, die.Errorf("attribute %v has unexpected loclistx value", attr)
		}
		if !havePC {
			return nil, nil
		}
		off, err := loclistxOffset(die.CU, index)
		if err != nil {
			return nil, err
		}
		return loclistsExpr(die.CU, off, pc)
	}
	return nil, die.Errorf("attribute %v is not a location", attr)
}

func asUint(v any) (uint64, bool) {
	switch v := v.(type) {
	case uint64:
		return v, true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	}
	return 0, false
}

func section(cu *dwdie.CompilationUnit, id libdw.SectionID) (*libdw.SectionData, error) {
	sec := cu.Module.Section(id)
	if sec == nil {
		return nil, &libdw.DebugError{
			Module:  cu.Module.Name(),
			Section: id.Name(),
			Msg:     "section missing",
		}
	}
	return sec, nil
}

// DebugAddr reads the address at the given index of the unit's
// .debug_addr table, anchored at DW_AT_addr_base.
func DebugAddr(cu *dwdie.CompilationUnit, index uint64) (uint64, error) {
	if cu == nil || cu.AddrBase == 0 {
		return 0, libdw.ErrNotFound
	}
	sec, err := section(cu, libdw.SectionDebugAddr)
	if err != nil {
		return 0, err
	}
	b := dwbuf.New(sec.Data, sec.Name, 0, cu.Module.Platform().LittleEndian)
	if err := b.Seek(cu.AddrBase + index*uint64(cu.AddressSize)); err != nil {
		return 0, wrapModule(cu, err)
	}
	v, err := b.Uint(cu.AddressSize)
	if err != nil {
		return 0, wrapModule(cu, err)
	}
	return v, nil
}

func wrapModule(cu *dwdie.CompilationUnit, err error) error {
	var de *libdw.DebugError
	if errors.As(err, &de) {
		return de.WithModule(cu.Module.Name())
	}
	return err
}
