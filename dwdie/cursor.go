// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

package dwdie // import "github.com/coreinspect/dwarfcore/dwdie"

import (
	"debug/dwarf"

	"github.com/coreinspect/dwarfcore/libdw"
)

// Cursor walks the DIEs of a module in pre-order across all compilation
// units, keeping the stack of ancestors of the current DIE. After each
// step the caller chooses whether to descend into the children of the
// current DIE or to stay at the current depth.
type Cursor struct {
	m      *Module
	reader *dwarf.Reader
	cu     *CompilationUnit
	// stack holds the ancestors of cur, outermost first.
	stack []DIE
	cur   DIE
}

// NewCursor returns a cursor positioned before the first unit of the
// module. Call Next to reach the first DIE.
func NewCursor(m *Module) *Cursor {
	return &Cursor{m: m, reader: m.data.Reader()}
}

// NewSubtreeCursor returns a cursor positioned at die, ready to traverse
// its subtree. The caller bounds traversal with Depth: once Next pops
// back to the starting depth the subtree is exhausted.
func NewSubtreeCursor(die DIE) *Cursor {
	c := &Cursor{m: nil, reader: die.CU.Data.Reader(), cu: die.CU, cur: die}
	c.reader.Seek(die.Entry.Offset)
	// Consume the entry itself so that Next(true) yields the first child.
	_, _ = c.reader.Next()
	return c
}

// Cur returns the current DIE. Invalid before the first Next call.
func (c *Cursor) Cur() DIE {
	return c.cur
}

// Depth returns the number of ancestors of the current DIE. The unit
// root DIE has depth zero.
func (c *Cursor) Depth() int {
	return len(c.stack)
}

// Ancestors returns the ancestor stack of the current DIE, outermost
// first. The returned slice is only valid until the next step.
func (c *Cursor) Ancestors() []DIE {
	return c.stack
}

// Next advances the cursor to the next DIE in pre-order. If descend is
// false, the children of the current DIE are skipped. It returns the new
// current DIE, or ok=false when the module is exhausted.
func (c *Cursor) Next(descend bool) (DIE, bool, error) {
	if c.cur.Valid() && c.cur.Entry.Children {
		if descend {
			c.stack = append(c.stack, c.cur)
		} else {
			c.reader.SkipChildren()
		}
	}
	for {
		entry, err := c.reader.Next()
		if err != nil {
			return DIE{}, false, err
		}
		if entry == nil {
			c.cur = DIE{}
			return DIE{}, false, nil
		}
		if entry.Tag == 0 {
			if len(c.stack) > 0 {
				c.stack = c.stack[:len(c.stack)-1]
			}
			continue
		}
		if len(c.stack) == 0 {
			cu, err := c.unitFor(entry.Offset)
			if err != nil {
				return DIE{}, false, err
			}
			c.cu = cu
		}
		c.cur = DIE{CU: c.cu, Entry: entry}
		return c.cur, true, nil
	}
}

func (c *Cursor) unitFor(off dwarf.Offset) (*CompilationUnit, error) {
	if c.cu != nil && off >= c.cu.Offset && off < c.cu.End {
		return c.cu, nil
	}
	if c.m == nil {
		return nil, libdw.ErrNotFound
	}
	return c.m.UnitFor(off)
}
