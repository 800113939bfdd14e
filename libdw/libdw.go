// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package libdw holds the shared leaf types of the DWARF debugging
// information core: target addresses, section identifiers, the platform
// description, and the narrow interfaces through which the core consumes
// ELF sections, name indexes, target memory and register state.
package libdw // import "github.com/coreinspect/dwarfcore/libdw"

import (
	"debug/dwarf"
	"iter"
)

// Address represents an address in the target process.
type Address uint64

// SectionID identifies one well-known ELF section of a module.
type SectionID int

const (
	SectionDebugInfo SectionID = iota
	SectionDebugTypes
	SectionDebugAbbrev
	SectionDebugStr
	SectionDebugLine
	SectionDebugAddr
	SectionDebugLoc
	SectionDebugLoclists
	SectionDebugFrame
	SectionEhFrame
	SectionText
	SectionGot
	numSections
)

var sectionNames = [numSections]string{
	".debug_info", ".debug_types", ".debug_abbrev", ".debug_str",
	".debug_line", ".debug_addr", ".debug_loc", ".debug_loclists",
	".debug_frame", ".eh_frame", ".text", ".got",
}

// Name returns the conventional ELF section name for the identifier.
func (id SectionID) Name() string {
	if id < 0 || id >= numSections {
		return "<unknown section>"
	}
	return sectionNames[id]
}

// SectionData is the contents and virtual address of one loaded ELF section.
type SectionData struct {
	Name string
	Data []byte
	// Addr is the unbiased virtual address the section was linked at.
	Addr Address
}

// End returns the unbiased virtual address one past the section contents.
func (s *SectionData) End() Address {
	return s.Addr + Address(len(s.Data))
}

// SectionFor returns the loaded section containing the unbiased address,
// or the section whose end matches it (end-of-section pointers are legal
// in DWARF). A containing section wins over an end match. Returns nil
// when no loaded section covers the address.
func SectionFor(mod Module, addr Address) *SectionData {
	var atEnd *SectionData
	for id := SectionID(0); id < numSections; id++ {
		s := mod.Section(id)
		if s == nil || len(s.Data) == 0 {
			continue
		}
		if s.Addr <= addr && addr < s.End() {
			return s
		}
		if addr == s.End() {
			atEnd = s
		}
	}
	return atEnd
}

// Module is the per-ELF-object view the core needs. Loading and symbol
// table handling happen elsewhere; the core only consumes section bytes.
type Module interface {
	// Name returns a human readable identifier used in error messages.
	Name() string
	// Section returns the section data, or nil if the module does not
	// have the section. Absence is a valid state.
	Section(id SectionID) *SectionData
	// DwarfData returns the parsed DWARF handle for the module.
	DwarfData() (*dwarf.Data, error)
	// Platform describes the target word size, byte order and machine.
	Platform() *Platform
	// Bias is the load bias to add to unbiased DWARF addresses.
	Bias() Address
	// AddressRange returns the unbiased address range the module maps.
	AddressRange() (start, end Address)
}

// DIERef is a module-scoped raw reference to a debugging information entry.
type DIERef struct {
	Module Module
	Offset dwarf.Offset
}

// Index is the DWARF name index. It is built elsewhere; the core only
// queries it for candidate DIEs and declaration-to-definition mappings.
type Index interface {
	// IterMatches yields the DIEs with the given name whose tag is one
	// of tags, in index order.
	IterMatches(name string, tags []dwarf.Tag) iter.Seq[DIERef]
	// FindDefinition maps a declaration DIE to its defining DIE.
	FindDefinition(ref DIERef) (DIERef, bool)
}

// MemoryReader reads target memory. The physical flag selects physical
// address reads on targets that distinguish them (core dumps of kernels).
type MemoryReader interface {
	ReadMemory(p []byte, addr Address, physical bool) error
}

// Registers exposes a read-only snapshot of the register file for one
// frame. Register numbering is the DWARF numbering of the target machine.
type Registers interface {
	// HasRegister reports whether the snapshot has a value for regno.
	HasRegister(regno uint64) bool
	// Register returns the raw bytes of the register in target order.
	Register(regno uint64) []byte
	// PC returns the program counter, if known.
	PC() (Address, bool)
	// CFA returns the canonical frame address, if known.
	CFA() (Address, bool)
	// Interrupted reports whether the frame was interrupted (signal or
	// trap) rather than stopped at a call.
	Interrupted() bool
}
