// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

package dwdie // import "github.com/coreinspect/dwarfcore/dwdie"

import (
	"debug/dwarf"

	"github.com/coreinspect/dwarfcore/libdw"
)

// FindDIEAncestors reconstructs the ancestor chain of a DIE whose raw
// offset is known, starting from the unit root. DW_AT_sibling links are
// used to skip subtrees that cannot contain the target; without them the
// subtree is scanned until its null terminator is crossed. The returned
// slice ends with the target DIE itself.
func (m *Module) FindDIEAncestors(die DIE) ([]DIE, error) {
	cu := die.CU
	target := die.Entry.Offset
	r := m.data.Reader()
	r.Seek(cu.Entry.Offset)

	var chain []DIE
	for {
		entry, err := r.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil || entry.Offset >= cu.End {
			return nil, m.ancestorErr(target, "DIE not reached in unit")
		}
		if entry.Tag == 0 {
			if len(chain) == 0 {
				return nil, m.ancestorErr(target, "DIE not reached in unit")
			}
			chain = chain[:len(chain)-1]
			continue
		}
		if entry.Offset == target {
			return append(chain, DIE{CU: cu, Entry: entry}), nil
		}
		if entry.Offset > target {
			return nil, m.ancestorErr(target, "DIE not found on ancestor path")
		}
		if !entry.Children {
			continue
		}
		if sib, ok := entry.Val(dwarf.AttrSibling).(dwarf.Offset); ok {
			if sib <= entry.Offset {
				return nil, m.ancestorErr(entry.Offset,
					"DW_AT_sibling is not monotonic")
			}
			if sib <= target {
				// Target lies past this subtree.
				r.Seek(sib)
				continue
			}
		}
		chain = append(chain, DIE{CU: cu, Entry: entry})
	}
}

func (m *Module) ancestorErr(off dwarf.Offset, msg string) error {
	return &libdw.DebugError{
		Module:  m.module.Name(),
		Section: libdw.SectionDebugInfo.Name(),
		Offset:  uint64(off),
		Msg:     msg,
	}
}

// ContainsPC reports whether the DIE's address ranges cover the unbiased
// pc. DIEs without range information do not match.
func (m *Module) ContainsPC(d DIE, pc libdw.Address) (bool, error) {
	ranges, err := m.data.Ranges(d.Entry)
	if err != nil {
		return false, err
	}
	for _, rng := range ranges {
		if uint64(pc) >= rng[0] && uint64(pc) < rng[1] {
			return true, nil
		}
	}
	return false, nil
}

// FindScopes returns the chain of DIEs whose ranges contain the unbiased
// pc: the compilation unit, the subprogram, and any inlined subroutines
// and lexical blocks, outermost first. The module load bias is returned
// so the caller can rebias addresses found in the scopes.
func (m *Module) FindScopes(pc libdw.Address) (libdw.Address, []DIE, error) {
	for _, cu := range m.units {
		cuDie := DIE{CU: cu, Entry: cu.Entry}
		ok, err := m.ContainsPC(cuDie, pc)
		if err != nil {
			return 0, nil, err
		}
		if !ok {
			continue
		}
		inner, err := m.findScopesIn(cuDie, pc)
		if err != nil {
			return 0, nil, err
		}
		return m.module.Bias(), append([]DIE{cuDie}, inner...), nil
	}
	return 0, nil, libdw.ErrNotFound
}

// findScopesIn scans the children of die for the scope containing pc.
// Namespaces and record types are transparent: subprograms nested in
// them are still found even though the container has no ranges.
func (m *Module) findScopesIn(die DIE, pc libdw.Address) ([]DIE, error) {
	for child, err := range m.Children(die) {
		if err != nil {
			return nil, err
		}
		switch child.Tag() {
		case dwarf.TagSubprogram, dwarf.TagInlinedSubroutine, dwarf.TagLexDwarfBlock:
			in, err := m.ContainsPC(child, pc)
			if err != nil {
				return nil, err
			}
			if !in {
				continue
			}
			inner, err := m.findScopesIn(child, pc)
			if err != nil {
				return nil, err
			}
			return append([]DIE{child}, inner...), nil
		case dwarf.TagNamespace, dwarf.TagClassType, dwarf.TagStructType,
			dwarf.TagUnionType:
			inner, err := m.findScopesIn(child, pc)
			if err != nil {
				return nil, err
			}
			if inner != nil {
				return inner, nil
			}
		}
	}
	return nil, nil
}
