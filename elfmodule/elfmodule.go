// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package elfmodule provides the libdw.Module implementation backed by an
// ELF file on disk. It loads the well-known debugging sections eagerly,
// transparently expanding compressed sections (SHF_COMPRESSED zlib and
// zstd, and legacy .zdebug_ zlib), and exposes the parsed DWARF handle
// lazily.
package elfmodule // import "github.com/coreinspect/dwarfcore/elfmodule"

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/coreinspect/dwarfcore/internal/log"
	"github.com/coreinspect/dwarfcore/libdw"
	"github.com/coreinspect/dwarfcore/libdw/xsync"
)

// maxSectionSize caps the decompressed size of a single debug section.
const maxSectionSize = 1 << 31

var sectionIDs = map[string]libdw.SectionID{
	libdw.SectionDebugInfo.Name():     libdw.SectionDebugInfo,
	libdw.SectionDebugTypes.Name():    libdw.SectionDebugTypes,
	libdw.SectionDebugAbbrev.Name():   libdw.SectionDebugAbbrev,
	libdw.SectionDebugStr.Name():      libdw.SectionDebugStr,
	libdw.SectionDebugLine.Name():     libdw.SectionDebugLine,
	libdw.SectionDebugAddr.Name():     libdw.SectionDebugAddr,
	libdw.SectionDebugLoc.Name():      libdw.SectionDebugLoc,
	libdw.SectionDebugLoclists.Name(): libdw.SectionDebugLoclists,
	libdw.SectionDebugFrame.Name():    libdw.SectionDebugFrame,
	libdw.SectionEhFrame.Name():       libdw.SectionEhFrame,
	libdw.SectionText.Name():          libdw.SectionText,
	libdw.SectionGot.Name():           libdw.SectionGot,
}

// debugSection is one loaded DWARF section, keyed by its name without
// the ".debug_" or ".zdebug_" prefix.
type debugSection struct {
	suffix string
	data   []byte
}

// Module implements libdw.Module for one ELF object. All section data is
// held in memory; the backing file is not kept open.
type Module struct {
	name     string
	platform *libdw.Platform
	bias     libdw.Address
	start    libdw.Address
	end      libdw.Address

	sections map[libdw.SectionID]*libdw.SectionData
	debug    []debugSection

	dwarfData xsync.Once[*dwarf.Data]
}

var _ libdw.Module = (*Module)(nil)

// Option adjusts how a Module is constructed.
type Option func(*Module)

// WithBias sets the load bias added to unbiased DWARF addresses. The
// default is zero, which is correct for ET_EXEC objects and core files
// analyzed at their linked address.
func WithBias(bias libdw.Address) Option {
	return func(m *Module) { m.bias = bias }
}

// WithName overrides the module name used in error messages.
func WithName(name string) Option {
	return func(m *Module) { m.name = name }
}

// WithRegisterLayout sets the register dump layout of the platform.
func WithRegisterLayout(layout []libdw.RegisterLayout) Option {
	return func(m *Module) { m.platform.Layout = layout }
}

// Open loads the ELF object at path. The file is fully consumed during
// Open and closed before it returns.
func Open(path string, opts ...Option) (*Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return New(f, path, opts...)
}

// New loads an ELF object from r. The name is used in error messages
// only. The reader is not retained.
func New(r io.ReaderAt, name string, opts ...Option) (*Module, error) {
	ef, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	m := &Module{
		name: name,
		platform: &libdw.Platform{
			Machine:      ef.Machine,
			AddressSize:  addressSize(ef.Class),
			LittleEndian: ef.Data == elf.ELFDATA2LSB,
		},
		sections: make(map[libdw.SectionID]*libdw.SectionData),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.loadSections(ef, r); err != nil {
		return nil, fmt.Errorf("%s: %w", m.name, err)
	}
	m.start, m.end = loadRange(ef)
	return m, nil
}

func addressSize(class elf.Class) int {
	if class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

// loadSections reads and expands every section the core consumes: the
// well-known sections of the libdw enum plus all remaining .debug_*
// sections needed to construct the DWARF handle.
func (m *Module) loadSections(ef *elf.File, r io.ReaderAt) error {
	for _, s := range ef.Sections {
		canonical, suffix := canonicalName(s.Name)
		_, known := sectionIDs[canonical]
		if !known && suffix == "" {
			continue
		}
		data, err := sectionBytes(ef, r, s)
		if err != nil {
			return fmt.Errorf("section %s: %w", s.Name, err)
		}
		if id, ok := sectionIDs[canonical]; ok {
			if _, dup := m.sections[id]; dup {
				log.Warnf("%s: duplicate section %s ignored", m.name, s.Name)
			} else {
				m.sections[id] = &libdw.SectionData{
					Name: canonical,
					Data: data,
					Addr: libdw.Address(s.Addr),
				}
			}
		}
		if suffix != "" {
			m.debug = append(m.debug, debugSection{suffix: suffix, data: data})
		}
	}
	return nil
}

// canonicalName maps a section name to its conventional uncompressed
// name and, for DWARF sections, the suffix after the debug prefix.
func canonicalName(name string) (canonical, suffix string) {
	switch {
	case strings.HasPrefix(name, ".debug_"):
		return name, name[len(".debug_"):]
	case strings.HasPrefix(name, ".zdebug_"):
		suffix = name[len(".zdebug_"):]
		return ".debug_" + suffix, suffix
	}
	return name, ""
}

func loadRange(ef *elf.File) (start, end libdw.Address) {
	first := true
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		lo := libdw.Address(p.Vaddr)
		hi := lo + libdw.Address(p.Memsz)
		if first || lo < start {
			start = lo
		}
		if first || hi > end {
			end = hi
		}
		first = false
	}
	return start, end
}

// Name implements libdw.Module.
func (m *Module) Name() string {
	return m.name
}

// Section implements libdw.Module.
func (m *Module) Section(id libdw.SectionID) *libdw.SectionData {
	return m.sections[id]
}

// Platform implements libdw.Module.
func (m *Module) Platform() *libdw.Platform {
	return m.platform
}

// Bias implements libdw.Module.
func (m *Module) Bias() libdw.Address {
	return m.bias
}

// AddressRange implements libdw.Module.
func (m *Module) AddressRange() (start, end libdw.Address) {
	return m.start, m.end
}

// DwarfData implements libdw.Module. The handle is constructed on first
// use and shared by all callers.
func (m *Module) DwarfData() (*dwarf.Data, error) {
	d, err := m.dwarfData.GetOrInit(m.buildDwarf)
	if err != nil {
		return nil, err
	}
	return *d, nil
}

// buildDwarf assembles the debug/dwarf handle from the loaded sections.
// The sections debug/dwarf did not start with are attached afterwards so
// DWARF 5 units resolve their indirections.
func (m *Module) buildDwarf() (*dwarf.Data, error) {
	base := map[string][]byte{
		"abbrev": nil, "aranges": nil, "frame": nil, "info": nil,
		"line": nil, "pubnames": nil, "ranges": nil, "str": nil,
	}
	var extra []debugSection
	for _, s := range m.debug {
		if _, ok := base[s.suffix]; ok {
			if base[s.suffix] == nil {
				base[s.suffix] = s.data
			}
			continue
		}
		extra = append(extra, s)
	}

	d, err := dwarf.New(base["abbrev"], base["aranges"], base["frame"],
		base["info"], base["line"], base["pubnames"], base["ranges"],
		base["str"])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.name, err)
	}
	for i, s := range extra {
		if s.suffix == "types" {
			err = d.AddTypes(fmt.Sprintf("types-%d", i), s.data)
		} else {
			err = d.AddSection(".debug_"+s.suffix, s.data)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: .debug_%s: %w", m.name, s.suffix, err)
		}
	}
	return d, nil
}
