// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

package dwloc // import "github.com/coreinspect/dwarfcore/dwloc"

import (
	"github.com/coreinspect/dwarfcore/dwdie"
	"github.com/coreinspect/dwarfcore/libdw"
	"github.com/coreinspect/dwarfcore/libdw/dwbuf"
)

// DWARF 5 location list entry kinds, §7.7.3.
const (
	lleEndOfList    = 0x00
	lleBaseAddressx = 0x01
	lleStartxEndx   = 0x02
	lleStartxLength = 0x03
	lleOffsetPair   = 0x04
	lleDefaultLoc   = 0x05
	lleBaseAddress  = 0x06
	lleStartEnd     = 0x07
	lleStartLength  = 0x08
)

// loclistxOffset resolves a DW_FORM_loclistx index through the offset
// table at the unit's DW_AT_loclists_base.
func loclistxOffset(cu *dwdie.CompilationUnit, index uint64) (uint64, error) {
	if cu.LoclistsBase == 0 {
		return 0, &libdw.DebugError{
			Module:  cu.Module.Name(),
			Section: libdw.SectionDebugLoclists.Name(),
			Msg:     "DW_FORM_loclistx without DW_AT_loclists_base",
		}
	}
	sec, err := section(cu, libdw.SectionDebugLoclists)
	if err != nil {
		return 0, err
	}
	b := dwbuf.New(sec.Data, sec.Name, 0, cu.Module.Platform().LittleEndian)
	if err := b.Seek(cu.LoclistsBase + index*uint64(cu.OffsetSize)); err != nil {
		return 0, wrapModule(cu, err)
	}
	rel, err := b.Uint(cu.OffsetSize)
	if err != nil {
		return 0, wrapModule(cu, err)
	}
	return cu.LoclistsBase + rel, nil
}

// loclistsExpr searches the DWARF 5 location list at the section offset
// for the entry covering pc. The base address starts at the unit's low PC
// and is updated by base_address entries. A default_location entry
// applies only when no ranged entry covers pc.
func loclistsExpr(cu *dwdie.CompilationUnit, off uint64, pc libdw.Address) ([]byte, error) {
	sec, err := section(cu, libdw.SectionDebugLoclists)
	if err != nil {
		return nil, err
	}
	b := dwbuf.New(sec.Data, sec.Name, 0, cu.Module.Platform().LittleEndian)
	if err := b.Seek(off); err != nil {
		return nil, wrapModule(cu, err)
	}

	base := uint64(cu.LowPC)
	var defaultExpr []byte
	for {
		kind, err := b.U8()
		if err != nil {
			return nil, wrapModule(cu, err)
		}
		var start, end uint64
		switch kind {
		case lleEndOfList:
			return defaultExpr, nil
		case lleBaseAddressx:
			index, err := b.ULEB128()
			if err != nil {
				return nil, wrapModule(cu, err)
			}
			if base, err = DebugAddr(cu, index); err != nil {
				return nil, err
			}
			continue
		case lleBaseAddress:
			if base, err = b.Uint(cu.AddressSize); err != nil {
				return nil, wrapModule(cu, err)
			}
			continue
		case lleStartxEndx:
			startx, err := b.ULEB128()
			if err != nil {
				return nil, wrapModule(cu, err)
			}
			endx, err := b.ULEB128()
			if err != nil {
				return nil, wrapModule(cu, err)
			}
			if start, err = DebugAddr(cu, startx); err != nil {
				return nil, err
			}
			if end, err = DebugAddr(cu, endx); err != nil {
				return nil, err
			}
		case lleStartxLength:
			startx, err := b.ULEB128()
			if err != nil {
				return nil, wrapModule(cu, err)
			}
			length, err := b.ULEB128()
			if err != nil {
				return nil, wrapModule(cu, err)
			}
			if start, err = DebugAddr(cu, startx); err != nil {
				return nil, err
			}
			end = start + length
		case lleOffsetPair:
			so, err := b.ULEB128()
			if err != nil {
				return nil, wrapModule(cu, err)
			}
			eo, err := b.ULEB128()
			if err != nil {
				return nil, wrapModule(cu, err)
			}
			start, end = base+so, base+eo
		case lleDefaultLoc:
			expr, err := counted(&b)
			if err != nil {
				return nil, wrapModule(cu, err)
			}
			defaultExpr = expr
			continue
		case lleStartEnd:
			if start, err = b.Uint(cu.AddressSize); err != nil {
				return nil, wrapModule(cu, err)
			}
			if end, err = b.Uint(cu.AddressSize); err != nil {
				return nil, wrapModule(cu, err)
			}
		case lleStartLength:
			if start, err = b.Uint(cu.AddressSize); err != nil {
				return nil, wrapModule(cu, err)
			}
			length, err := b.ULEB128()
			if err != nil {
				return nil, wrapModule(cu, err)
			}
			end = start + length
		default:
			return nil, wrapModule(cu, b.Errorf("unknown location list entry kind %#x", kind))
		}
		expr, err := counted(&b)
		if err != nil {
			return nil, wrapModule(cu, err)
		}
		if uint64(pc) >= start && uint64(pc) < end {
			return expr, nil
		}
	}
}

// counted reads a ULEB128-prefixed expression block.
func counted(b *dwbuf.Buffer) ([]byte, error) {
	length, err := b.ULEB128()
	if err != nil {
		return nil, err
	}
	return b.Block(int(length))
}

// debugLocExpr searches the DWARF 4 location list at the section offset
// for the pair covering pc. A pair whose start is the all-ones address
// selects a new base address; the base defaults to the unit's low PC.
// The list ends at a (0, 0) pair.
func debugLocExpr(cu *dwdie.CompilationUnit, off uint64, pc libdw.Address) ([]byte, error) {
	sec, err := section(cu, libdw.SectionDebugLoc)
	if err != nil {
		return nil, err
	}
	b := dwbuf.New(sec.Data, sec.Name, 0, cu.Module.Platform().LittleEndian)
	if err := b.Seek(off); err != nil {
		return nil, wrapModule(cu, err)
	}

	base := uint64(cu.LowPC)
	for {
		start, err := b.Uint(cu.AddressSize)
		if err != nil {
			return nil, wrapModule(cu, err)
		}
		end, err := b.Uint(cu.AddressSize)
		if err != nil {
			return nil, wrapModule(cu, err)
		}
		if start == 0 && end == 0 {
			return nil, nil
		}
		if start == cu.AddressMax() {
			base = end
			continue
		}
		length, err := b.U16()
		if err != nil {
			return nil, wrapModule(cu, err)
		}
		expr, err := b.Block(int(length))
		if err != nil {
			return nil, wrapModule(cu, err)
		}
		if uint64(pc) >= base+start && uint64(pc) < base+end {
			return expr, nil
		}
	}
}
