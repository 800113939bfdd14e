// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

package dwcfi // import "github.com/coreinspect/dwarfcore/dwcfi"

import (
	"encoding/binary"

	"github.com/coreinspect/dwarfcore/dwdie"
	"github.com/coreinspect/dwarfcore/dwexpr"
	"github.com/coreinspect/dwarfcore/libdw"
)

// EvalRule recovers the size bytes of a saved register described by
// rule, in target byte order. regs is the register state of the frame
// being unwound; CFA-relative rules require it to expose the CFA.
// Registers the rule depends on but the snapshot lacks report
// libdw.ErrNotFound.
func EvalRule(mod libdw.Module, dies *dwdie.Module, rule Rule,
	regs libdw.Registers, mem libdw.MemoryReader, size int) ([]byte, error) {
	plat := mod.Platform()
	switch rule.Kind {
	case RuleUndefined:
		return nil, libdw.ErrNotFound
	case RuleSameValue:
		return registerBytes(regs, rule.Reg, size)
	case RuleRegisterOffset:
		raw, err := registerBytes(regs, rule.Reg, size)
		if err != nil {
			return nil, err
		}
		if rule.Offset == 0 {
			return raw, nil
		}
		value := decodeValue(raw, plat) + uint64(rule.Offset)
		return encodeValue(value&plat.AddressMask(), size, plat), nil
	case RuleCFAOffset:
		cfa, err := requireCFA(regs)
		if err != nil {
			return nil, err
		}
		value := (uint64(cfa) + uint64(rule.Offset)) & plat.AddressMask()
		return encodeValue(value, size, plat), nil
	case RuleAtCFAOffset:
		cfa, err := requireCFA(regs)
		if err != nil {
			return nil, err
		}
		addr := (uint64(cfa) + uint64(rule.Offset)) & plat.AddressMask()
		return readValue(mem, libdw.Address(addr), size)
	case RuleExpression, RuleAtExpression:
		value, err := evalRuleExpression(mod, dies, rule, regs, mem)
		if err != nil {
			return nil, err
		}
		if rule.Kind == RuleAtExpression {
			return readValue(mem, libdw.Address(value), size)
		}
		return encodeValue(value, size, plat), nil
	}
	return nil, libdw.ErrNotFound
}

// EvalCFA computes the canonical frame address of the row against the
// register state of the frame being unwound.
func EvalCFA(mod libdw.Module, dies *dwdie.Module, row *Row,
	regs libdw.Registers, mem libdw.MemoryReader) (libdw.Address, error) {
	plat := mod.Platform()
	switch row.CFA.Kind {
	case RuleRegisterOffset:
		raw, err := registerBytes(regs, row.CFA.Reg, plat.AddressSize)
		if err != nil {
			return 0, err
		}
		value := decodeValue(raw, plat) + uint64(row.CFA.Offset)
		return libdw.Address(value & plat.AddressMask()), nil
	case RuleExpression:
		value, err := evalRuleExpression(mod, dies, row.CFA, regs, mem)
		if err != nil {
			return 0, err
		}
		return libdw.Address(value & plat.AddressMask()), nil
	}
	return 0, libdw.ErrNotFound
}

// evalRuleExpression runs an expression rule through the DWARF
// expression evaluator. Location-description opcodes are invalid in CFI
// expressions; the result is the top of the stack.
func evalRuleExpression(mod libdw.Module, dies *dwdie.Module, rule Rule,
	regs libdw.Registers, mem libdw.MemoryReader) (uint64, error) {
	ctx := &dwexpr.Context{Module: mod, Dies: dies, Regs: regs, Mem: mem}
	ev := dwexpr.New(ctx, rule.Expr, libdw.SectionEhFrame.Name())
	if rule.PushCFA {
		cfa, err := requireCFA(regs)
		if err != nil {
			return 0, err
		}
		ev.PushInitial(uint64(cfa))
	}
	return ev.EvalValue()
}

func requireCFA(regs libdw.Registers) (libdw.Address, error) {
	if regs == nil {
		return 0, libdw.ErrNotFound
	}
	cfa, ok := regs.CFA()
	if !ok {
		return 0, libdw.ErrNotFound
	}
	return cfa, nil
}

func registerBytes(regs libdw.Registers, regno uint64, size int) ([]byte, error) {
	if regs == nil || !regs.HasRegister(regno) {
		return nil, libdw.ErrNotFound
	}
	raw := regs.Register(regno)
	if len(raw) >= size {
		return raw[:size], nil
	}
	padded := make([]byte, size)
	copy(padded, raw)
	return padded, nil
}

func readValue(mem libdw.MemoryReader, addr libdw.Address, size int) ([]byte, error) {
	if mem == nil {
		return nil, libdw.ErrNotFound
	}
	out := make([]byte, size)
	if err := mem.ReadMemory(out, addr, false); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeValue(raw []byte, plat *libdw.Platform) uint64 {
	var b [8]byte
	if plat.LittleEndian {
		copy(b[:], raw)
		return binary.LittleEndian.Uint64(b[:])
	}
	copy(b[8-min(len(raw), 8):], raw[:min(len(raw), 8)])
	return binary.BigEndian.Uint64(b[:])
}

func encodeValue(value uint64, size int, plat *libdw.Platform) []byte {
	var b [8]byte
	if plat.LittleEndian {
		binary.LittleEndian.PutUint64(b[:], value)
		return append([]byte(nil), b[:size]...)
	}
	binary.BigEndian.PutUint64(b[:], value)
	return append([]byte(nil), b[8-size:]...)
}
