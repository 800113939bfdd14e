// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

package dwcfi // import "github.com/coreinspect/dwarfcore/dwcfi"

import (
	"errors"
	"math/bits"

	"github.com/coreinspect/dwarfcore/libdw"
	"github.com/coreinspect/dwarfcore/libdw/dwbuf"
)

// DWARF Call Frame Instructions
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.2
type cfaOpcode uint8

const (
	cfaNop              cfaOpcode = 0x00
	cfaSetLoc           cfaOpcode = 0x01
	cfaAdvanceLoc1      cfaOpcode = 0x02
	cfaAdvanceLoc2      cfaOpcode = 0x03
	cfaAdvanceLoc4      cfaOpcode = 0x04
	cfaOffsetExtended   cfaOpcode = 0x05
	cfaRestoreExtended  cfaOpcode = 0x06
	cfaUndefined        cfaOpcode = 0x07
	cfaSameValue        cfaOpcode = 0x08
	cfaRegister         cfaOpcode = 0x09
	cfaRememberState    cfaOpcode = 0x0a
	cfaRestoreState     cfaOpcode = 0x0b
	cfaDefCfa           cfaOpcode = 0x0c
	cfaDefCfaRegister   cfaOpcode = 0x0d
	cfaDefCfaOffset     cfaOpcode = 0x0e
	cfaDefCfaExpression cfaOpcode = 0x0f
	cfaExpression       cfaOpcode = 0x10
	cfaOffsetExtendedSf cfaOpcode = 0x11
	cfaDefCfaSf         cfaOpcode = 0x12
	cfaDefCfaOffsetSf   cfaOpcode = 0x13
	cfaValOffset        cfaOpcode = 0x14
	cfaValOffsetSf      cfaOpcode = 0x15
	cfaValExpression    cfaOpcode = 0x16
	cfaGNUArgsSize      cfaOpcode = 0x2e

	cfaAdvanceLoc          cfaOpcode = 0x40
	cfaOffset              cfaOpcode = 0x80
	cfaRestore             cfaOpcode = 0xc0
	cfaHighOpcodeMask      cfaOpcode = 0xc0
	cfaHighOpcodeValueMask cfaOpcode = 0x3f
)

// cfiMachine executes one CIE/FDE instruction stream pair against a rule
// row until the current location passes the target PC.
type cfiMachine struct {
	cie    *CIE
	target libdw.Address
	mask   uint64

	loc libdw.Address
	row *Row
	// initialRow is the restore reference: the row state after the CIE's
	// initial instructions. It is nil during the initial pass, where
	// restore and advance instructions are illegal.
	initialRow *Row
	remembered []*Row
}

// executeCFI produces the rule row in effect at pc, which must lie in
// the FDE.
func (t *Table) executeCFI(cie *CIE, fde *FDE, pc libdw.Address) (*Row, error) {
	row := &Row{CFA: Rule{Kind: RuleUndefined}}
	if t.defaultRow != nil {
		row = t.defaultRow.clone()
	}
	m := &cfiMachine{
		cie:    cie,
		target: pc,
		mask:   t.mod.Platform().AddressMask(),
		loc:    fde.InitialLocation,
		row:    row,
	}
	le := t.mod.Platform().LittleEndian

	b := dwbuf.New(cie.InitialInstructions, cie.sec.Name, cie.initialBase, le)
	if _, err := m.run(t, &b); err != nil {
		return nil, t.wrapModule(err)
	}
	m.initialRow = m.row.clone()

	b = dwbuf.New(fde.Instructions, cie.sec.Name, fde.instrBase, le)
	if _, err := m.run(t, &b); err != nil {
		return nil, t.wrapModule(err)
	}
	return m.row, nil
}

func (t *Table) wrapModule(err error) error {
	var de *libdw.DebugError
	if errors.As(err, &de) {
		return de.WithModule(t.mod.Name())
	}
	return err
}

// run executes instructions until the stream ends or an advance past the
// target PC stops execution; the row captured before that advance is the
// answer.
func (m *cfiMachine) run(t *Table, b *dwbuf.Buffer) (stopped bool, err error) {
	for b.HasData() {
		op8, err := b.U8()
		if err != nil {
			return false, err
		}
		op := cfaOpcode(op8)
		operand := uint64(op & cfaHighOpcodeValueMask)
		switch op & cfaHighOpcodeMask {
		case cfaAdvanceLoc:
			stop, err := m.advance(b, operand)
			if stop || err != nil {
				return stop, err
			}
			continue
		case cfaOffset:
			if err := m.factoredOffset(b, operand, RuleAtCFAOffset); err != nil {
				return false, err
			}
			continue
		case cfaRestore:
			if err := m.restore(b, operand); err != nil {
				return false, err
			}
			continue
		}

		switch op {
		case cfaNop:
		case cfaSetLoc:
			var addr uint64
			if m.cie.IsEH {
				addr, err = t.encodedPointer(b, m.cie.AddressEncoding,
					m.cie.sec, 0, false, m.cie.AddressSize)
			} else {
				addr, err = b.Uint(m.cie.AddressSize)
			}
			if err != nil {
				return false, err
			}
			stop, err := m.advanceTo(b, libdw.Address(addr&m.mask))
			if stop || err != nil {
				return stop, err
			}
		case cfaAdvanceLoc1:
			delta, err := b.U8()
			if err != nil {
				return false, err
			}
			stop, err := m.advance(b, uint64(delta))
			if stop || err != nil {
				return stop, err
			}
		case cfaAdvanceLoc2:
			delta, err := b.U16()
			if err != nil {
				return false, err
			}
			stop, err := m.advance(b, uint64(delta))
			if stop || err != nil {
				return stop, err
			}
		case cfaAdvanceLoc4:
			delta, err := b.U32()
			if err != nil {
				return false, err
			}
			stop, err := m.advance(b, uint64(delta))
			if stop || err != nil {
				return stop, err
			}

		case cfaDefCfa:
			reg, off, err := regOffsetOperands(b)
			if err != nil {
				return false, err
			}
			if off > uint64(1)<<63-1 {
				return false, libdw.ErrOverflow
			}
			m.row.CFA = Rule{Kind: RuleRegisterOffset, Reg: reg, Offset: int64(off)}
		case cfaDefCfaSf:
			reg, err := b.ULEB128()
			if err != nil {
				return false, err
			}
			off, err := m.factoredSigned(b)
			if err != nil {
				return false, err
			}
			m.row.CFA = Rule{Kind: RuleRegisterOffset, Reg: reg, Offset: off}
		case cfaDefCfaRegister:
			reg, err := b.ULEB128()
			if err != nil {
				return false, err
			}
			if m.row.CFA.Kind != RuleRegisterOffset {
				return false, b.Errorf("DW_CFA_def_cfa_register with non-register CFA rule")
			}
			m.row.CFA.Reg = reg
		case cfaDefCfaOffset:
			off, err := b.ULEB128()
			if err != nil {
				return false, err
			}
			if off > uint64(1)<<63-1 {
				return false, libdw.ErrOverflow
			}
			if m.row.CFA.Kind != RuleRegisterOffset {
				return false, b.Errorf("DW_CFA_def_cfa_offset with non-register CFA rule")
			}
			m.row.CFA.Offset = int64(off)
		case cfaDefCfaOffsetSf:
			off, err := m.factoredSigned(b)
			if err != nil {
				return false, err
			}
			if m.row.CFA.Kind != RuleRegisterOffset {
				return false, b.Errorf("DW_CFA_def_cfa_offset_sf with non-register CFA rule")
			}
			m.row.CFA.Offset = off
		case cfaDefCfaExpression:
			expr, err := exprOperand(b)
			if err != nil {
				return false, err
			}
			m.row.CFA = Rule{Kind: RuleExpression, Expr: expr}

		case cfaUndefined, cfaSameValue:
			reg, err := b.ULEB128()
			if err != nil {
				return false, err
			}
			kind := RuleUndefined
			if op == cfaSameValue {
				kind = RuleSameValue
			}
			m.row.set(reg, Rule{Kind: kind})
		case cfaOffsetExtended:
			reg, err := b.ULEB128()
			if err != nil {
				return false, err
			}
			if err := m.factoredOffset(b, reg, RuleAtCFAOffset); err != nil {
				return false, err
			}
		case cfaOffsetExtendedSf:
			if err := m.factoredOffsetSf(b, RuleAtCFAOffset); err != nil {
				return false, err
			}
		case cfaValOffset:
			reg, err := b.ULEB128()
			if err != nil {
				return false, err
			}
			if err := m.factoredOffset(b, reg, RuleCFAOffset); err != nil {
				return false, err
			}
		case cfaValOffsetSf:
			if err := m.factoredOffsetSf(b, RuleCFAOffset); err != nil {
				return false, err
			}
		case cfaRegister:
			reg, err := b.ULEB128()
			if err != nil {
				return false, err
			}
			src, err := b.ULEB128()
			if err != nil {
				return false, err
			}
			m.row.set(reg, Rule{Kind: RuleRegisterOffset, Reg: src})
		case cfaExpression, cfaValExpression:
			reg, err := b.ULEB128()
			if err != nil {
				return false, err
			}
			expr, err := exprOperand(b)
			if err != nil {
				return false, err
			}
			kind := RuleAtExpression
			if op == cfaValExpression {
				kind = RuleExpression
			}
			m.row.set(reg, Rule{Kind: kind, Expr: expr, PushCFA: true})
		case cfaRestoreExtended:
			reg, err := b.ULEB128()
			if err != nil {
				return false, err
			}
			if err := m.restore(b, reg); err != nil {
				return false, err
			}

		case cfaRememberState:
			m.remembered = append(m.remembered, m.row.clone())
		case cfaRestoreState:
			if len(m.remembered) == 0 {
				return false, b.Errorf("DW_CFA_restore_state with empty state stack")
			}
			m.row = m.remembered[len(m.remembered)-1]
			m.remembered = m.remembered[:len(m.remembered)-1]

		case cfaGNUArgsSize:
			// Callee-popped argument size; irrelevant to register rules.
			if err := b.SkipLEB128(); err != nil {
				return false, err
			}

		default:
			return false, b.Errorf("unknown CFI instruction %#02x", op8)
		}
	}
	return false, nil
}

// advance applies the code alignment factor to delta and moves the
// current location. Execution stops once the location passes the target.
func (m *cfiMachine) advance(b *dwbuf.Buffer, delta uint64) (bool, error) {
	hi, product := bits.Mul64(delta, m.cie.CodeAlignmentFactor)
	if hi != 0 {
		return false, libdw.ErrOverflow
	}
	return m.advanceTo(b, libdw.Address((uint64(m.loc)+product)&m.mask))
}

func (m *cfiMachine) advanceTo(b *dwbuf.Buffer, loc libdw.Address) (bool, error) {
	if m.initialRow == nil {
		return false, b.Errorf("location advance in CIE initial instructions")
	}
	if loc > m.target {
		return true, nil
	}
	m.loc = loc
	return false, nil
}

// factoredOffset reads a ULEB offset, applies the data alignment factor
// and installs the rule for reg.
func (m *cfiMachine) factoredOffset(b *dwbuf.Buffer, reg uint64, kind RuleKind) error {
	off, err := b.ULEB128()
	if err != nil {
		return err
	}
	if off > uint64(1)<<63-1 {
		return libdw.ErrOverflow
	}
	factored, err := mulOverflow(int64(off), m.cie.DataAlignmentFactor)
	if err != nil {
		return err
	}
	m.row.set(reg, Rule{Kind: kind, Offset: factored})
	return nil
}

func (m *cfiMachine) factoredOffsetSf(b *dwbuf.Buffer, kind RuleKind) error {
	reg, err := b.ULEB128()
	if err != nil {
		return err
	}
	off, err := m.factoredSigned(b)
	if err != nil {
		return err
	}
	m.row.set(reg, Rule{Kind: kind, Offset: off})
	return nil
}

func (m *cfiMachine) factoredSigned(b *dwbuf.Buffer) (int64, error) {
	off, err := b.SLEB128()
	if err != nil {
		return 0, err
	}
	return mulOverflow(off, m.cie.DataAlignmentFactor)
}

func (m *cfiMachine) restore(b *dwbuf.Buffer, reg uint64) error {
	if m.initialRow == nil {
		return b.Errorf("DW_CFA_restore in CIE initial instructions")
	}
	m.row.set(reg, m.initialRow.Register(reg))
	return nil
}

func regOffsetOperands(b *dwbuf.Buffer) (reg, off uint64, err error) {
	if reg, err = b.ULEB128(); err != nil {
		return 0, 0, err
	}
	off, err = b.ULEB128()
	return reg, off, err
}

func exprOperand(b *dwbuf.Buffer) ([]byte, error) {
	length, err := b.ULEB128()
	if err != nil {
		return nil, err
	}
	if length > uint64(b.Remaining()) {
		return nil, b.Errorf("expression length %d out of bounds", length)
	}
	return b.Block(int(length))
}

func mulOverflow(a, b int64) (int64, error) {
	product := a * b
	if a != 0 && product/a != b {
		return 0, libdw.ErrOverflow
	}
	return product, nil
}
