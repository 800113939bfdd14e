// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package dwarftest assembles synthetic DWARF sections for tests. It
// emits one abbreviation per DIE, which keeps the encoder trivial at the
// cost of section size; tests do not care.
package dwarftest // import "github.com/coreinspect/dwarfcore/internal/dwarftest"

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/coreinspect/dwarfcore/libdw"
)

// Form is a DWARF attribute form code.
type Form uint64

const (
	FormAddr        Form = 0x01
	FormData2       Form = 0x05
	FormData4       Form = 0x06
	FormData8       Form = 0x07
	FormString      Form = 0x08
	FormData1       Form = 0x0b
	FormSdata       Form = 0x0d
	FormUdata       Form = 0x0f
	FormRef4        Form = 0x13
	FormSecOffset   Form = 0x17
	FormExprloc     Form = 0x18
	FormFlagPresent Form = 0x19
)

// Attr is one attribute of a synthetic DIE.
type Attr struct {
	Attr dwarf.Attr
	Form Form
	Val  any
}

// DIE is one node of a synthetic DIE tree. Ref4 attribute values are
// *DIE pointers into the same tree.
type DIE struct {
	Tag      dwarf.Tag
	Attrs    []Attr
	Children []*DIE
}

// Uint attaches an unsigned constant attribute.
func (d *DIE) Uint(attr dwarf.Attr, v uint64) *DIE {
	d.Attrs = append(d.Attrs, Attr{attr, FormUdata, v})
	return d
}

// Int attaches a signed constant attribute.
func (d *DIE) Int(attr dwarf.Attr, v int64) *DIE {
	d.Attrs = append(d.Attrs, Attr{attr, FormSdata, v})
	return d
}

// Str attaches a string attribute.
func (d *DIE) Str(attr dwarf.Attr, v string) *DIE {
	d.Attrs = append(d.Attrs, Attr{attr, FormString, v})
	return d
}

// Flag attaches a flag_present attribute.
func (d *DIE) Flag(attr dwarf.Attr) *DIE {
	d.Attrs = append(d.Attrs, Attr{attr, FormFlagPresent, true})
	return d
}

// Addr attaches an address attribute.
func (d *DIE) Addr(attr dwarf.Attr, v uint64) *DIE {
	d.Attrs = append(d.Attrs, Attr{attr, FormAddr, v})
	return d
}

// Ref attaches a reference attribute to another DIE of the tree.
func (d *DIE) Ref(attr dwarf.Attr, target *DIE) *DIE {
	d.Attrs = append(d.Attrs, Attr{attr, FormRef4, target})
	return d
}

// Block attaches an exprloc attribute.
func (d *DIE) Block(attr dwarf.Attr, v []byte) *DIE {
	d.Attrs = append(d.Attrs, Attr{attr, FormExprloc, v})
	return d
}

// SecOffset attaches a section-offset attribute.
func (d *DIE) SecOffset(attr dwarf.Attr, v uint64) *DIE {
	d.Attrs = append(d.Attrs, Attr{attr, FormSecOffset, v})
	return d
}

// Child appends child DIEs and returns the parent.
func (d *DIE) Child(children ...*DIE) *DIE {
	d.Children = append(d.Children, children...)
	return d
}

// New returns a synthetic DIE with the given tag.
func New(tag dwarf.Tag) *DIE {
	return &DIE{Tag: tag}
}

// encoder assembles .debug_abbrev and .debug_info for one unit.
type encoder struct {
	abbrev  []byte
	info    []byte
	code    uint64
	offsets map[*DIE]uint32
	addrLen int
}

func uleb(out []byte, v uint64) []byte {
	return binary.AppendUvarint(out, v)
}

func sleb(out []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

const cuHeaderLen = 11 // length, version, abbrev offset, address size

// dieSize returns the encoded size of one DIE, excluding children.
func (e *encoder) dieSize(d *DIE) int {
	n := len(uleb(nil, e.code)) // abbrev codes grow monotonically
	for _, a := range d.Attrs {
		switch a.Form {
		case FormAddr:
			n += e.addrLen
		case FormData1:
			n++
		case FormData2:
			n += 2
		case FormData4, FormRef4, FormSecOffset:
			n += 4
		case FormData8:
			n += 8
		case FormString:
			n += len(a.Val.(string)) + 1
		case FormUdata:
			n += len(uleb(nil, a.Val.(uint64)))
		case FormSdata:
			n += len(sleb(nil, a.Val.(int64)))
		case FormExprloc:
			b := a.Val.([]byte)
			n += len(uleb(nil, uint64(len(b)))) + len(b)
		case FormFlagPresent:
		default:
			panic(fmt.Sprintf("unhandled form %#x", uint64(a.Form)))
		}
	}
	return n
}

func (e *encoder) assignOffsets(d *DIE, off uint32) uint32 {
	e.code++
	e.offsets[d] = off
	off += uint32(e.dieSize(d))
	if len(d.Children) > 0 {
		for _, child := range d.Children {
			off = e.assignOffsets(child, off)
		}
		off++ // null terminator
	}
	return off
}

func (e *encoder) emit(d *DIE) {
	e.code++
	e.abbrev = uleb(e.abbrev, e.code)
	e.abbrev = uleb(e.abbrev, uint64(d.Tag))
	if len(d.Children) > 0 {
		e.abbrev = append(e.abbrev, 1)
	} else {
		e.abbrev = append(e.abbrev, 0)
	}
	for _, a := range d.Attrs {
		e.abbrev = uleb(e.abbrev, uint64(a.Attr))
		e.abbrev = uleb(e.abbrev, uint64(a.Form))
	}
	e.abbrev = append(e.abbrev, 0, 0)

	e.info = uleb(e.info, e.code)
	for _, a := range d.Attrs {
		switch a.Form {
		case FormAddr:
			if e.addrLen == 8 {
				e.info = binary.LittleEndian.AppendUint64(e.info, a.Val.(uint64))
			} else {
				e.info = binary.LittleEndian.AppendUint32(e.info, uint32(a.Val.(uint64)))
			}
		case FormData1:
			e.info = append(e.info, byte(a.Val.(uint64)))
		case FormData2:
			e.info = binary.LittleEndian.AppendUint16(e.info, uint16(a.Val.(uint64)))
		case FormData4:
			e.info = binary.LittleEndian.AppendUint32(e.info, uint32(a.Val.(uint64)))
		case FormData8:
			e.info = binary.LittleEndian.AppendUint64(e.info, a.Val.(uint64))
		case FormString:
			e.info = append(e.info, a.Val.(string)...)
			e.info = append(e.info, 0)
		case FormUdata:
			e.info = uleb(e.info, a.Val.(uint64))
		case FormSdata:
			e.info = sleb(e.info, a.Val.(int64))
		case FormRef4:
			e.info = binary.LittleEndian.AppendUint32(e.info, e.offsets[a.Val.(*DIE)])
		case FormSecOffset:
			e.info = binary.LittleEndian.AppendUint32(e.info, uint32(a.Val.(uint64)))
		case FormExprloc:
			b := a.Val.([]byte)
			e.info = uleb(e.info, uint64(len(b)))
			e.info = append(e.info, b...)
		case FormFlagPresent:
		}
	}
	if len(d.Children) > 0 {
		for _, child := range d.Children {
			e.emit(child)
		}
		e.info = append(e.info, 0)
	}
}

// Encode assembles a single DWARF 4 unit with the given root DIE and
// returns the .debug_info and .debug_abbrev section contents.
func Encode(root *DIE, addressSize int) (info, abbrev []byte) {
	e := &encoder{offsets: make(map[*DIE]uint32), addrLen: addressSize}
	e.assignOffsets(root, cuHeaderLen)
	e.code = 0
	e.emit(root)
	e.abbrev = append(e.abbrev, 0)

	length := uint32(cuHeaderLen - 4 + len(e.info))
	var hdr []byte
	hdr = binary.LittleEndian.AppendUint32(hdr, length)
	hdr = binary.LittleEndian.AppendUint16(hdr, 4) // version
	hdr = binary.LittleEndian.AppendUint32(hdr, 0) // abbrev offset
	hdr = append(hdr, byte(addressSize))
	return append(hdr, e.info...), e.abbrev
}

// Module is a synthetic libdw.Module backed by assembled sections.
type Module struct {
	ModuleName string
	Sections   map[libdw.SectionID]*libdw.SectionData
	Plat       libdw.Platform
	LoadBias   libdw.Address
	Start, End libdw.Address

	data *dwarf.Data
}

// NewModule assembles a module around the DIE tree rooted at root.
func NewModule(root *DIE) *Module {
	m := &Module{
		ModuleName: "dwarftest.so",
		Sections:   make(map[libdw.SectionID]*libdw.SectionData),
		Plat: libdw.Platform{
			Machine:      elf.EM_X86_64,
			AddressSize:  8,
			LittleEndian: true,
		},
		End: ^libdw.Address(0),
	}
	info, abbrev := Encode(root, m.Plat.AddressSize)
	m.SetSection(libdw.SectionDebugInfo, info)
	m.SetSection(libdw.SectionDebugAbbrev, abbrev)
	return m
}

// SetSection installs raw section contents.
func (m *Module) SetSection(id libdw.SectionID, data []byte) {
	m.Sections[id] = &libdw.SectionData{Name: id.Name(), Data: data}
}

func (m *Module) Name() string { return m.ModuleName }

func (m *Module) Section(id libdw.SectionID) *libdw.SectionData {
	return m.Sections[id]
}

func (m *Module) DwarfData() (*dwarf.Data, error) {
	if m.data == nil {
		var info, abbrev, ranges []byte
		if sec := m.Sections[libdw.SectionDebugInfo]; sec != nil {
			info = sec.Data
		}
		if sec := m.Sections[libdw.SectionDebugAbbrev]; sec != nil {
			abbrev = sec.Data
		}
		data, err := dwarf.New(abbrev, nil, nil, info, nil, nil, ranges, nil)
		if err != nil {
			return nil, err
		}
		m.data = data
	}
	return m.data, nil
}

func (m *Module) Platform() *libdw.Platform { return &m.Plat }

func (m *Module) Bias() libdw.Address { return m.LoadBias }

func (m *Module) AddressRange() (libdw.Address, libdw.Address) {
	return m.Start, m.End
}
