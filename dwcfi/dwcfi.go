// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package dwcfi parses DWARF Call Frame Information from .debug_frame
// and .eh_frame and executes it to answer unwind queries: given an
// unbiased program counter, produce the rule row describing where each
// register of the caller frame is stored.
package dwcfi // import "github.com/coreinspect/dwarfcore/dwcfi"

import (
	"debug/elf"
	"fmt"
	"sort"

	"github.com/coreinspect/dwarfcore/libdw"
	"github.com/coreinspect/dwarfcore/libdw/xsync"
)

// RuleKind discriminates how a register of the caller frame is recovered.
type RuleKind int

const (
	// RuleUndefined marks a register with no recovery rule.
	RuleUndefined RuleKind = iota
	// RuleSameValue marks a register that keeps its value across the call.
	RuleSameValue
	// RuleRegisterOffset recovers the value as reg + offset.
	RuleRegisterOffset
	// RuleAtCFAOffset recovers the value from memory at CFA + offset.
	RuleAtCFAOffset
	// RuleCFAOffset recovers the value as CFA + offset.
	RuleCFAOffset
	// RuleExpression recovers the value as the result of a DWARF
	// expression.
	RuleExpression
	// RuleAtExpression recovers the value from memory at the address a
	// DWARF expression computes.
	RuleAtExpression
)

var ruleKindNames = map[RuleKind]string{
	RuleUndefined:      "undefined",
	RuleSameValue:      "same_value",
	RuleRegisterOffset: "register+offset",
	RuleAtCFAOffset:    "at_cfa+offset",
	RuleCFAOffset:      "cfa+offset",
	RuleExpression:     "dwarf_expression",
	RuleAtExpression:   "at_dwarf_expression",
}

func (k RuleKind) String() string {
	if name, ok := ruleKindNames[k]; ok {
		return name
	}
	return "<invalid rule kind>"
}

// Rule describes how to recover one register, or the CFA. The populated
// fields depend on the kind.
type Rule struct {
	Kind RuleKind
	// Reg is the source register of a register+offset rule.
	Reg    uint64
	Offset int64
	// Expr holds the expression bytes of expression rules.
	Expr []byte
	// PushCFA requests the CFA be pushed on the expression stack before
	// evaluation.
	PushCFA bool
}

// Row is the unwind rule set in effect at one program counter. The zero
// value has an undefined CFA and every register undefined.
type Row struct {
	CFA   Rule
	rules map[uint64]Rule
}

// Register returns the rule for the register, RuleUndefined if none was
// established.
func (r *Row) Register(regno uint64) Rule {
	if rule, ok := r.rules[regno]; ok {
		return rule
	}
	return Rule{Kind: RuleUndefined}
}

// Registers returns the register numbers with an explicit rule.
func (r *Row) Registers() []uint64 {
	regs := make([]uint64, 0, len(r.rules))
	for regno := range r.rules {
		regs = append(regs, regno)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })
	return regs
}

func (r *Row) set(regno uint64, rule Rule) {
	if r.rules == nil {
		r.rules = make(map[uint64]Rule)
	}
	r.rules[regno] = rule
}

// clone returns a deep copy sharing only the immutable expression bytes.
func (r *Row) clone() *Row {
	dup := &Row{CFA: r.CFA}
	if len(r.rules) > 0 {
		dup.rules = make(map[uint64]Rule, len(r.rules))
		for regno, rule := range r.rules {
			dup.rules[regno] = rule
		}
	}
	return dup
}

// CIE is one parsed Common Information Entry.
type CIE struct {
	IsEH        bool
	AddressSize int
	// AddressEncoding is the EH-frame pointer encoding of FDE addresses.
	AddressEncoding Encoding
	HaveAugLength   bool
	SignalFrame     bool

	ReturnAddressRegister uint64
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64

	// InitialInstructions is the instruction stream establishing the
	// initial row.
	InitialInstructions []byte

	sec *libdw.SectionData
	// initialBase is the section offset of InitialInstructions, kept so
	// decode errors stay anchored to the section.
	initialBase uint64
}

// FDE is one parsed Frame Description Entry. CIEIndex points into the
// owning table's CIE list.
type FDE struct {
	CIEIndex int
	// InitialLocation is the unbiased address of the first covered
	// instruction.
	InitialLocation libdw.Address
	AddressRange    uint64
	Instructions    []byte

	instrBase uint64
}

// Table holds the lazily parsed CFI of one module. The first lookup
// parses and sorts both frame sections; the result is immutable
// afterwards, so a Table is safe for concurrent lookups.
type Table struct {
	mod libdw.Module
	// defaultRow seeds instruction execution; nil leaves every register
	// undefined.
	defaultRow *Row

	parsed xsync.Once[frameData]
}

type frameData struct {
	cies []*CIE
	fdes []FDE
}

// NewTable returns the CFI view of a module. defaultRow is the platform
// default rule row used as the starting state of every FDE; nil means
// all registers start undefined.
func NewTable(mod libdw.Module, defaultRow *Row) *Table {
	return &Table{mod: mod, defaultRow: defaultRow}
}

// DefaultRowForMachine returns the conventional default rule row of the
// machine: registers that the ABI does not require to be described keep
// their value.
func DefaultRowForMachine(machine elf.Machine) *Row {
	row := &Row{CFA: Rule{Kind: RuleUndefined}}
	var sameValue []uint64
	switch machine {
	case elf.EM_X86_64:
		// rbx, rbp, r12-r15 are callee-saved.
		sameValue = []uint64{3, 6, 12, 13, 14, 15}
	case elf.EM_AARCH64:
		// x19-x28, fp, lr.
		sameValue = []uint64{19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30}
	}
	for _, regno := range sameValue {
		row.set(regno, Rule{Kind: RuleSameValue})
	}
	return row
}

// FindCFI returns the rule row in effect at the unbiased PC, whether the
// covering FDE describes a signal frame, and the DWARF number of the
// return address register. A PC outside every FDE reports
// libdw.ErrNotFound.
func (t *Table) FindCFI(pc libdw.Address) (*Row, bool, uint64, error) {
	data, err := t.parsed.GetOrInit(t.parse)
	if err != nil {
		return nil, false, 0, err
	}
	i := sort.Search(len(data.fdes), func(i int) bool {
		return data.fdes[i].InitialLocation > pc
	})
	if i == 0 {
		return nil, false, 0, fmt.Errorf("CFI for pc %#x: %w", pc, libdw.ErrNotFound)
	}
	fde := &data.fdes[i-1]
	if pc >= fde.InitialLocation+libdw.Address(fde.AddressRange) {
		return nil, false, 0, fmt.Errorf("CFI for pc %#x: %w", pc, libdw.ErrNotFound)
	}
	cie := data.cies[fde.CIEIndex]
	row, err := t.executeCFI(cie, fde, pc)
	if err != nil {
		return nil, false, 0, err
	}
	return row, cie.SignalFrame, cie.ReturnAddressRegister, nil
}
