// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

package libdw // import "github.com/coreinspect/dwarfcore/libdw"

import (
	"errors"
	"fmt"
)

// ErrNotFound is the well-known sentinel used for control flow: an absent
// type, a register missing from the snapshot, or a PC outside all FDEs.
var ErrNotFound = errors.New("not found")

// ErrRecursion reports that type construction exceeded its depth cap.
var ErrRecursion = errors.New("maximum DWARF type recursion depth exceeded")

// ErrOverflow reports arithmetic overflow on CFI factors or ranges.
var ErrOverflow = errors.New("arithmetic overflow")

// DebugError is a structural DWARF data error anchored to a byte position
// inside a section of a module.
type DebugError struct {
	// Module is the name of the owning module, if known.
	Module string
	// Section is the name of the section the bad data lives in.
	Section string
	// Offset is the byte offset of the bad data from the section start.
	Offset uint64
	// Msg describes the problem.
	Msg string
}

func (e *DebugError) Error() string {
	if e.Module != "" {
		return fmt.Sprintf("%s: %s+%#x: %s", e.Module, e.Section, e.Offset, e.Msg)
	}
	return fmt.Sprintf("%s+%#x: %s", e.Section, e.Offset, e.Msg)
}

// WithModule returns a copy of the error carrying the module name. The
// buffer layer does not know the module; callers enrich errors on the way
// out.
func (e *DebugError) WithModule(name string) *DebugError {
	dup := *e
	dup.Module = name
	return &dup
}
