// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

package dwdie // import "github.com/coreinspect/dwarfcore/dwdie"

import (
	"debug/dwarf"
	"errors"

	"github.com/coreinspect/dwarfcore/libdw"
	"github.com/coreinspect/dwarfcore/libdw/dwbuf"
)

// DWARF 5 unit types, §7.5.1.
const (
	utCompile      = 0x01
	utType         = 0x02
	utPartial      = 0x03
	utSkeleton     = 0x04
	utSplitCompile = 0x05
	utSplitType    = 0x06
)

// unitHeader is the decoded header of one unit in .debug_info. The
// debug/dwarf reader hides unit boundaries and header fields, so they
// are re-read here from the raw section.
type unitHeader struct {
	offset dwarf.Offset
	end    dwarf.Offset
	// dieOffset is the offset of the unit root DIE.
	dieOffset   dwarf.Offset
	version     int
	unitType    int
	addressSize int
	offsetSize  int
	// signature and typeOffset are set for type units.
	signature  uint64
	typeOffset dwarf.Offset
}

// parseUnitHeaders walks the unit headers of .debug_info and collects
// the type-unit signature table. DWARF 4 split type units living in
// .debug_types cannot be traversed through debug/dwarf; encountering one
// during signature resolution is reported loudly rather than skipped.
func parseUnitHeaders(mod libdw.Module) ([]unitHeader, map[uint64]dwarf.Offset, error) {
	sec := mod.Section(libdw.SectionDebugInfo)
	if sec == nil {
		return nil, nil, &libdw.DebugError{
			Module:  mod.Name(),
			Section: libdw.SectionDebugInfo.Name(),
			Msg:     "section missing",
		}
	}
	little := mod.Platform().LittleEndian
	b := dwbuf.New(sec.Data, sec.Name, 0, little)

	var headers []unitHeader
	sigs := make(map[uint64]dwarf.Offset)
	for b.HasData() {
		hdr, err := parseOneUnitHeader(&b)
		if err != nil {
			var de *libdw.DebugError
			if errors.As(err, &de) {
				return nil, nil, de.WithModule(mod.Name())
			}
			return nil, nil, err
		}
		if hdr.unitType == utType {
			sigs[hdr.signature] = hdr.typeOffset
		}
		headers = append(headers, hdr)
	}
	return headers, sigs, nil
}

func parseOneUnitHeader(b *dwbuf.Buffer) (unitHeader, error) {
	hdr := unitHeader{offset: dwarf.Offset(b.Pos()), offsetSize: 4}
	length, err := b.U32()
	if err != nil {
		return hdr, err
	}
	ulen := uint64(length)
	if length == 0xffffffff {
		hdr.offsetSize = 8
		if ulen, err = b.U64(); err != nil {
			return hdr, err
		}
	} else if length >= 0xfffffff0 {
		return hdr, b.Errorf("unsupported unit initial length %#x", length)
	}
	unit, err := b.SubBuffer(int(ulen))
	if err != nil {
		return hdr, err
	}
	hdr.end = dwarf.Offset(unit.Pos() + ulen)

	version, err := unit.U16()
	if err != nil {
		return hdr, err
	}
	hdr.version = int(version)
	switch {
	case version >= 2 && version <= 4:
		hdr.unitType = utCompile
		if err = unit.Skip(hdr.offsetSize); err != nil { // abbrev offset
			return hdr, err
		}
		addrSize, err := unit.U8()
		if err != nil {
			return hdr, err
		}
		hdr.addressSize = int(addrSize)
	case version == 5:
		unitType, err := unit.U8()
		if err != nil {
			return hdr, err
		}
		hdr.unitType = int(unitType)
		addrSize, err := unit.U8()
		if err != nil {
			return hdr, err
		}
		hdr.addressSize = int(addrSize)
		if err := unit.Skip(hdr.offsetSize); err != nil { // abbrev offset
			return hdr, err
		}
		switch hdr.unitType {
		case utCompile, utPartial:
		case utSkeleton, utSplitCompile:
			if err := unit.Skip(8); err != nil { // dwo_id
				return hdr, err
			}
		case utType, utSplitType:
			if hdr.signature, err = unit.U64(); err != nil {
				return hdr, err
			}
			typeOff, err := unit.Uint(hdr.offsetSize)
			if err != nil {
				return hdr, err
			}
			hdr.typeOffset = hdr.offset + dwarf.Offset(typeOff)
		default:
			return hdr, unit.Errorf("unsupported unit type %#x", hdr.unitType)
		}
	default:
		return hdr, unit.Errorf("unsupported DWARF version %d", version)
	}
	hdr.dieOffset = dwarf.Offset(unit.Pos())
	return hdr, nil
}

func findHeader(headers []unitHeader, dieOff dwarf.Offset) *unitHeader {
	for i := range headers {
		if dieOff >= headers[i].offset && dieOff < headers[i].end {
			return &headers[i]
		}
	}
	return nil
}
