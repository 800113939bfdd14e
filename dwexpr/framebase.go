// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

package dwexpr // import "github.com/coreinspect/dwarfcore/dwexpr"

import (
	"debug/dwarf"

	"github.com/coreinspect/dwarfcore/dwdie"
	"github.com/coreinspect/dwarfcore/dwloc"
	"github.com/coreinspect/dwarfcore/libdw"
)

// evalFrameBase computes the frame base of the context's function from
// its DW_AT_frame_base attribute. A frame base expression consisting of a
// single register location yields the register value directly; any other
// expression yields its top-of-stack. The op budget is shared with the
// outer expression so that nesting cannot restart it.
func evalFrameBase(ctx *Context, ops *int) (uint64, error) {
	pc, havePC := libdw.Address(0), false
	if ctx.Regs != nil {
		if biased, ok := ctx.Regs.PC(); ok {
			pc, havePC = biased-ctx.Module.Bias(), true
		}
	}
	expr, err := dwloc.Expr(ctx.Function, dwarf.AttrFrameBase, pc, havePC)
	if err != nil {
		return 0, err
	}
	if len(expr) == 0 {
		return 0, libdw.ErrNotFound
	}

	// The frame base expression may not itself use the frame base.
	inner := *ctx
	inner.Function = dwdie.DIE{}
	ev := newShared(&inner, expr, libdw.SectionDebugInfo.Name(), ops)
	res, err := ev.Eval()
	if err != nil {
		return 0, err
	}
	if res.StoppedAt != 0 {
		return frameBaseRegister(ev, res.StoppedAt)
	}
	if len(res.Stack) == 0 {
		return 0, libdw.ErrNotFound
	}
	return res.Stack[len(res.Stack)-1], nil
}

// frameBaseRegister handles a frame base expression that ends in a
// register location description. The register opcode must be the final
// operation of the expression.
func frameBaseRegister(ev *Evaluator, op Opcode) (uint64, error) {
	if err := ev.buf.Skip(1); err != nil {
		return 0, err
	}
	var regno uint64
	switch {
	case op >= OpReg0 && op <= OpReg31:
		regno = uint64(op - OpReg0)
	case op == OpRegx:
		var err error
		if regno, err = ev.buf.ULEB128(); err != nil {
			return 0, err
		}
	default:
		return 0, ev.buf.Errorf("unsupported frame base location %#x", uint8(op))
	}
	if ev.buf.HasData() {
		return 0, ev.buf.Errorf("stray operations after frame base register")
	}
	return ev.readRegister(regno)
}
