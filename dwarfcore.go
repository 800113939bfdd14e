// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package dwarfcore answers questions about a target program from its
// DWARF debugging information: looking up types and objects by name,
// materializing the value of a data object against a register snapshot,
// and recovering call frame information for a program counter.
//
// A DebugInfo owns the type graph and per-module caches. Modules are
// registered with AddModule; all lookups then span every registered
// module in registration order.
package dwarfcore // import "github.com/coreinspect/dwarfcore"

import (
	"debug/dwarf"
	"fmt"
	"iter"
	"strings"

	"github.com/coreinspect/dwarfcore/dwcfi"
	"github.com/coreinspect/dwarfcore/dwdie"
	"github.com/coreinspect/dwarfcore/dwobject"
	"github.com/coreinspect/dwarfcore/dwtype"
	"github.com/coreinspect/dwarfcore/libdw"
)

// Program describes the target under inspection: the machine it runs on
// and a reader for its memory. Memory may return nil when no memory is
// available; object materialization then reports absent objects for
// memory-located values.
type Program interface {
	Platform() *libdw.Platform
	Memory() libdw.MemoryReader
}

// DebugInfo is the top-level handle. It owns the type constructor, the
// object materializer and the per-module DIE and CFI caches. A DebugInfo
// and everything reached through it is confined to one goroutine.
type DebugInfo struct {
	prog    Program
	types   *dwtype.Constructor
	objects *dwobject.Materializer
	modules []*Module
	index   multiIndex
	dies    map[libdw.Module]*dwdie.Module
}

// Module is one registered module of a DebugInfo.
type Module struct {
	di    *DebugInfo
	mod   libdw.Module
	index libdw.Index
	cfi   *dwcfi.Table
}

// New returns an empty DebugInfo for the program.
func New(prog Program) *DebugInfo {
	di := &DebugInfo{
		prog: prog,
		dies: make(map[libdw.Module]*dwdie.Module),
	}
	di.types = dwtype.NewConstructor(di.diesFor, &di.index)
	di.objects = &dwobject.Materializer{
		Types: di.types,
		Dies:  di.diesFor,
		Mem:   prog.Memory(),
	}
	return di
}

// AddModule registers a module and its name index. The index may be nil
// for modules that only serve CFI lookups.
func (di *DebugInfo) AddModule(m libdw.Module, index libdw.Index) *Module {
	mod := &Module{
		di:    di,
		mod:   m,
		index: index,
		cfi: dwcfi.NewTable(m,
			dwcfi.DefaultRowForMachine(m.Platform().Machine)),
	}
	di.modules = append(di.modules, mod)
	if index != nil {
		di.index.indexes = append(di.index.indexes, index)
	}
	return mod
}

// Types exposes the type constructor owning all type nodes returned by
// this DebugInfo.
func (di *DebugInfo) Types() *dwtype.Constructor {
	return di.types
}

// diesFor returns the cached DIE view of a module, building it on first
// use.
func (di *DebugInfo) diesFor(mod libdw.Module) (*dwdie.Module, error) {
	if dies, ok := di.dies[mod]; ok {
		return dies, nil
	}
	dies, err := dwdie.New(mod)
	if err != nil {
		return nil, err
	}
	di.dies[mod] = dies
	return dies, nil
}

var typeKindTags = map[dwtype.Kind][]dwarf.Tag{
	dwtype.KindInt:     {dwarf.TagBaseType},
	dwtype.KindBool:    {dwarf.TagBaseType},
	dwtype.KindFloat:   {dwarf.TagBaseType},
	dwtype.KindStruct:  {dwarf.TagStructType},
	dwtype.KindUnion:   {dwarf.TagUnionType},
	dwtype.KindClass:   {dwarf.TagClassType},
	dwtype.KindEnum:    {dwarf.TagEnumerationType},
	dwtype.KindTypedef: {dwarf.TagTypedef},
}

// FindType looks up a type by kind and name across all modules. The
// name may be qualified with "::" separators in languages that have
// namespaces; a leading "::" anchors it at the global namespace. A
// non-empty filename restricts matches to DIEs declared in a file whose
// path ends with it.
func (di *DebugInfo) FindType(kind dwtype.Kind, name, filename string) (
	dwtype.QualifiedType, error) {
	if kind == dwtype.KindVoid {
		return dwtype.QualifiedType{Type: di.types.VoidType(0)}, nil
	}
	tags, ok := typeKindTags[kind]
	if !ok {
		return dwtype.QualifiedType{},
			fmt.Errorf("cannot look up %v type by name", kind)
	}

	components, global := parseAnyName(name)
	base := components[len(components)-1]
	qualifier := components[:len(components)-1]

	for ref := range di.index.IterMatches(base, tags) {
		die, err := di.dieAt(ref)
		if err != nil {
			return dwtype.QualifiedType{}, err
		}
		ok, err := di.dieInNamespace(die, qualifier, global)
		if err != nil {
			return dwtype.QualifiedType{}, err
		}
		if !ok {
			continue
		}
		ok, err = di.dieMatchesFilename(die, filename)
		if err != nil {
			return dwtype.QualifiedType{}, err
		}
		if !ok {
			continue
		}
		qt, err := di.types.TypeFromDwarf(die)
		if err != nil {
			return dwtype.QualifiedType{}, err
		}
		if qt.Type.Kind != kind {
			// A base type of the right name but a different kind,
			// e.g. "float" searched as an int.
			continue
		}
		return qt, nil
	}
	return dwtype.QualifiedType{}, libdw.ErrNotFound
}

// FindObjectFlags selects the namespaces FindObject searches.
type FindObjectFlags uint8

const (
	FindObjectConstant FindObjectFlags = 1 << iota
	FindObjectFunction
	FindObjectVariable

	FindObjectAny = FindObjectConstant | FindObjectFunction | FindObjectVariable
)

// FindObject looks up a named constant, function or variable across all
// modules and materializes it. Constants resolve through enumerators of
// enumeration types. Name qualification works as in FindType.
func (di *DebugInfo) FindObject(name, filename string,
	flags FindObjectFlags) (*dwobject.Object, error) {
	if flags == 0 {
		flags = FindObjectAny
	}
	var tags []dwarf.Tag
	if flags&FindObjectConstant != 0 {
		tags = append(tags, dwarf.TagEnumerator)
	}
	if flags&FindObjectFunction != 0 {
		tags = append(tags, dwarf.TagSubprogram)
	}
	if flags&FindObjectVariable != 0 {
		tags = append(tags, dwarf.TagVariable)
	}

	components, global := parseAnyName(name)
	base := components[len(components)-1]
	qualifier := components[:len(components)-1]

	for ref := range di.index.IterMatches(base, tags) {
		die, err := di.dieAt(ref)
		if err != nil {
			return nil, err
		}
		ok, err := di.dieInNamespace(die, qualifier, global)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		ok, err = di.dieMatchesFilename(die, filename)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if die.Tag() == dwarf.TagEnumerator {
			return di.enumeratorObject(die, base)
		}
		return di.objects.FromDwarf(die, dwdie.DIE{}, dwdie.DIE{}, nil)
	}
	return nil, libdw.ErrNotFound
}

// enumeratorObject materializes an enumerator through its enclosing
// enumeration type.
func (di *DebugInfo) enumeratorObject(die dwdie.DIE, name string) (
	*dwobject.Object, error) {
	dies, err := di.diesFor(die.CU.Module)
	if err != nil {
		return nil, err
	}
	chain, err := dies.FindDIEAncestors(die)
	if err != nil {
		return nil, err
	}
	if len(chain) < 2 || chain[len(chain)-2].Tag() != dwarf.TagEnumerationType {
		return nil, die.Errorf("enumerator outside an enumeration type")
	}
	obj, err := di.objects.FromEnumerator(chain[len(chain)-2], name)
	if err != nil {
		return nil, err
	}
	// Constants of an anonymous enumeration have the compatible integer
	// type, as in C.
	if t := obj.Type.Type; t.Name == "" && t.CompatibleType != nil {
		obj.Type = dwtype.QualifiedType{Type: t.CompatibleType}
	}
	return obj, nil
}

// ObjectFromDwarf materializes the object described by die. When typeDie
// is non-nil it overrides the DW_AT_type of die; subprogram provides the
// frame base for DW_OP_fbreg; regs is the register state locations may
// depend on.
func (di *DebugInfo) ObjectFromDwarf(die dwdie.DIE, typeDie,
	subprogram *dwdie.DIE, regs libdw.Registers) (*dwobject.Object, error) {
	var typ, fn dwdie.DIE
	if typeDie != nil {
		typ = *typeDie
	}
	if subprogram != nil {
		fn = *subprogram
	}
	return di.objects.FromDwarf(die, typ, fn, regs)
}

// FindInScopes searches scope DIEs, innermost last as returned by
// FindScopes, for a named variable, formal parameter or enumerator of an
// unscoped enumeration. It returns the found DIE and the innermost
// function scope enclosing it, for use as the frame base provider.
func (di *DebugInfo) FindInScopes(scopes []dwdie.DIE, name string) (
	found, function dwdie.DIE, err error) {
	for i := len(scopes) - 1; i >= 0; i-- {
		scope := scopes[i]
		dies, err := di.diesFor(scope.CU.Module)
		if err != nil {
			return dwdie.DIE{}, dwdie.DIE{}, err
		}
		match, err := findInScope(dies, scope, name)
		if err != nil {
			return dwdie.DIE{}, dwdie.DIE{}, err
		}
		if !match.Valid() {
			continue
		}
		for j := i; j >= 0; j-- {
			switch scopes[j].Tag() {
			case dwarf.TagSubprogram, dwarf.TagInlinedSubroutine:
				return match, scopes[j], nil
			}
		}
		return match, dwdie.DIE{}, nil
	}
	return dwdie.DIE{}, dwdie.DIE{}, libdw.ErrNotFound
}

func findInScope(dies *dwdie.Module, scope dwdie.DIE, name string) (
	dwdie.DIE, error) {
	for child, err := range dies.Children(scope) {
		if err != nil {
			return dwdie.DIE{}, err
		}
		switch child.Tag() {
		case dwarf.TagVariable, dwarf.TagFormalParameter:
			if child.Name() == name {
				return child, nil
			}
		case dwarf.TagEnumerationType:
			for enum, err := range dies.Children(child) {
				if err != nil {
					return dwdie.DIE{}, err
				}
				if enum.Tag() == dwarf.TagEnumerator && enum.Name() == name {
					return enum, nil
				}
			}
		}
	}
	return dwdie.DIE{}, nil
}

// FindCFI returns the call frame information row covering the unbiased
// pc, whether the frame is a signal frame, and the DWARF number of the
// return address register.
func (m *Module) FindCFI(unbiasedPC libdw.Address) (*dwcfi.Row, bool,
	uint64, error) {
	return m.cfi.FindCFI(unbiasedPC)
}

// FindScopes returns the chain of DIEs whose ranges contain the unbiased
// pc, outermost first, along with the module load bias.
func (m *Module) FindScopes(pc libdw.Address) (libdw.Address, []dwdie.DIE,
	error) {
	dies, err := m.di.diesFor(m.mod)
	if err != nil {
		return 0, nil, err
	}
	return dies.FindScopes(pc)
}

// Dies returns the DIE view of the module.
func (m *Module) Dies() (*dwdie.Module, error) {
	return m.di.diesFor(m.mod)
}

// dieAt resolves an index reference to a DIE.
func (di *DebugInfo) dieAt(ref libdw.DIERef) (dwdie.DIE, error) {
	dies, err := di.diesFor(ref.Module)
	if err != nil {
		return dwdie.DIE{}, err
	}
	return dies.DIEAt(ref.Offset)
}

// parseAnyName parses a possibly qualified name without knowing the
// language of the defining unit yet. Names with "::" separators or a
// mangled prefix are treated with C++ rules; everything else is a
// single component.
func parseAnyName(name string) (components []string, global bool) {
	if strings.Contains(name, "::") || strings.HasPrefix(name, "_Z") {
		return languageCPP.ParseName(name)
	}
	return languageC.ParseName(name)
}

// dieInNamespace checks the container path of die against a parsed
// qualifier. An anchored name must match the full path; otherwise the
// qualifier must be a suffix of it. Enumeration containers are skipped
// so that unscoped enumerators resolve in their enclosing scope.
func (di *DebugInfo) dieInNamespace(die dwdie.DIE, qualifier []string,
	global bool) (bool, error) {
	if len(qualifier) == 0 && !global {
		return true, nil
	}
	dies, err := di.diesFor(die.CU.Module)
	if err != nil {
		return false, err
	}
	chain, err := dies.FindDIEAncestors(die)
	if err != nil {
		return false, err
	}
	var path []string
	for _, anc := range chain[:len(chain)-1] {
		switch anc.Tag() {
		case dwarf.TagNamespace, dwarf.TagClassType, dwarf.TagStructType,
			dwarf.TagUnionType:
			path = append(path, anc.Name())
		}
	}
	if global && len(path) != len(qualifier) {
		return false, nil
	}
	if len(path) < len(qualifier) {
		return false, nil
	}
	tail := path[len(path)-len(qualifier):]
	for i, want := range qualifier {
		if tail[i] != want {
			return false, nil
		}
	}
	return true, nil
}

// dieMatchesFilename checks the declaration file of the DIE against the
// filename, comparing trailing path components. DIEs without a usable
// declaration file fall back to the unit name.
func (di *DebugInfo) dieMatchesFilename(die dwdie.DIE, filename string) (
	bool, error) {
	if filename == "" {
		return true, nil
	}
	cu := die.CU
	if idx, ok := die.Uint(dwarf.AttrDeclFile); ok &&
		cu.Entry.Tag == dwarf.TagCompileUnit {
		lr, err := cu.Data.LineReader(cu.Entry)
		if err == nil && lr != nil {
			files := lr.Files()
			if idx < uint64(len(files)) && files[idx] != nil {
				return pathEndsWith(files[idx].Name, filename), nil
			}
		}
	}
	if name, ok := cu.Entry.Val(dwarf.AttrName).(string); ok {
		return pathEndsWith(name, filename), nil
	}
	return false, nil
}

// pathEndsWith reports whether the trailing path components of path
// equal the components of suffix.
func pathEndsWith(path, suffix string) bool {
	p := strings.Split(path, "/")
	s := strings.Split(suffix, "/")
	if len(s) > len(p) {
		return false
	}
	p = p[len(p)-len(s):]
	for i := range s {
		if p[i] != s[i] {
			return false
		}
	}
	return true
}

// multiIndex fans lookups out over the indexes of every registered
// module, in registration order.
type multiIndex struct {
	indexes []libdw.Index
}

var _ libdw.Index = (*multiIndex)(nil)

func (x *multiIndex) IterMatches(name string, tags []dwarf.Tag) iter.Seq[libdw.DIERef] {
	return func(yield func(libdw.DIERef) bool) {
		for _, ix := range x.indexes {
			for ref := range ix.IterMatches(name, tags) {
				if !yield(ref) {
					return
				}
			}
		}
	}
}

func (x *multiIndex) FindDefinition(ref libdw.DIERef) (libdw.DIERef, bool) {
	for _, ix := range x.indexes {
		if def, ok := ix.FindDefinition(ref); ok {
			return def, true
		}
	}
	return libdw.DIERef{}, false
}
