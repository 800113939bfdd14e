// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package dwexpr evaluates DWARF expressions against a register state and
// target memory. Evaluation runs until the expression is exhausted or a
// location-description opcode is reached; the latter is left unconsumed
// for the caller to interpret.
package dwexpr // import "github.com/coreinspect/dwarfcore/dwexpr"

import (
	"encoding/binary"

	"github.com/coreinspect/dwarfcore/dwdie"
	"github.com/coreinspect/dwarfcore/dwloc"
	"github.com/coreinspect/dwarfcore/libdw"
	"github.com/coreinspect/dwarfcore/libdw/dwbuf"
)

// MaxOps bounds the number of instructions a single evaluation may
// execute, shared with nested frame-base evaluation.
const MaxOps = 10000

// Context carries everything an expression may reference: the module for
// section access, the unit for indexed forms, the enclosing function for
// DW_OP_fbreg, and the register/memory state of the program.
type Context struct {
	Module libdw.Module
	Dies   *dwdie.Module
	// CU is the unit the expression was found in. It may be invalid for
	// CFI expressions, in which case indexed forms fail.
	CU *dwdie.CompilationUnit
	// Function is the subprogram enclosing the expression, used to find
	// DW_AT_frame_base. Invalid when no frame base is available.
	Function dwdie.DIE
	Regs     libdw.Registers
	Mem      libdw.MemoryReader
}

// AddressMask returns the all-ones value of the context's address size.
func (ctx *Context) AddressMask() uint64 {
	return ctx.Module.Platform().AddressMask()
}

func (ctx *Context) addressBits() uint {
	return uint(ctx.Module.Platform().AddressSize) * 8
}

// Result is the outcome of an evaluation. When StoppedAt is nonzero the
// expression ended at a location-description opcode; Buf is positioned at
// that opcode and the caller consumes it.
type Result struct {
	Stack []uint64
	// StoppedAt is the unconsumed location-description opcode, or zero
	// when the expression ran to completion.
	StoppedAt Opcode
	Buf       *dwbuf.Buffer
}

// Evaluator executes one expression. The op budget may be shared across
// nested evaluations so that frame-base recursion cannot restart it.
type Evaluator struct {
	ctx   *Context
	buf   dwbuf.Buffer
	start uint64
	end   uint64
	stack []uint64
	ops   *int
}

// New returns an evaluator over the expression bytes with a fresh op
// budget. The section name anchors decode errors.
func New(ctx *Context, expr []byte, section string) *Evaluator {
	budget := MaxOps
	return newShared(ctx, expr, section, &budget)
}

func newShared(ctx *Context, expr []byte, section string, ops *int) *Evaluator {
	b := dwbuf.New(expr, section, 0, ctx.Module.Platform().LittleEndian)
	return &Evaluator{
		ctx:   ctx,
		buf:   b,
		start: b.Pos(),
		end:   b.Pos() + uint64(len(expr)),
		ops:   ops,
	}
}

func (ev *Evaluator) push(v uint64) {
	ev.stack = append(ev.stack, v)
}

func (ev *Evaluator) pushMask(v uint64) {
	ev.stack = append(ev.stack, v&ev.ctx.AddressMask())
}

func (ev *Evaluator) pop() (uint64, error) {
	if len(ev.stack) == 0 {
		return 0, ev.buf.Errorf("stack underflow")
	}
	v := ev.stack[len(ev.stack)-1]
	ev.stack = ev.stack[:len(ev.stack)-1]
	return v, nil
}

func (ev *Evaluator) pop2() (uint64, uint64, error) {
	if len(ev.stack) < 2 {
		return 0, 0, ev.buf.Errorf("stack underflow")
	}
	b := ev.stack[len(ev.stack)-1]
	a := ev.stack[len(ev.stack)-2]
	ev.stack = ev.stack[:len(ev.stack)-2]
	return a, b, nil
}

// signed reinterprets v as a signed value of the context's address size.
func (ev *Evaluator) signed(v uint64) int64 {
	bits := ev.ctx.addressBits()
	if bits >= 64 {
		return int64(v)
	}
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

func (ev *Evaluator) readRegister(regno uint64) (uint64, error) {
	regs := ev.ctx.Regs
	if regs == nil || !regs.HasRegister(regno) {
		return 0, libdw.ErrNotFound
	}
	raw := regs.Register(regno)
	if len(raw) > 8 {
		raw = raw[:8]
	}
	var b [8]byte
	if ev.ctx.Module.Platform().LittleEndian {
		copy(b[:], raw)
		return binary.LittleEndian.Uint64(b[:]), nil
	}
	copy(b[8-len(raw):], raw)
	return binary.BigEndian.Uint64(b[:]), nil
}

func (ev *Evaluator) deref(addr uint64, size int) (uint64, error) {
	if ev.ctx.Mem == nil {
		return 0, libdw.ErrNotFound
	}
	if size <= 0 || size > 8 {
		return 0, ev.buf.Errorf("invalid deref size %d", size)
	}
	p := make([]byte, size)
	if err := ev.ctx.Mem.ReadMemory(p, libdw.Address(addr), false); err != nil {
		return 0, err
	}
	var b [8]byte
	if ev.ctx.Module.Platform().LittleEndian {
		copy(b[:], p)
		return binary.LittleEndian.Uint64(b[:]), nil
	}
	copy(b[8-size:], p)
	return binary.BigEndian.Uint64(b[:]), nil
}

// branch applies a signed 16-bit displacement to the buffer position,
// bounds-checked against the expression.
func (ev *Evaluator) branch(disp int64) error {
	pos := int64(ev.buf.Pos()) + disp
	if pos < int64(ev.start) || pos > int64(ev.end) {
		return ev.buf.Errorf("branch target out of bounds")
	}
	return ev.buf.Seek(uint64(pos))
}

// PushInitial seeds the evaluation stack before Eval runs. CFI rule
// expressions use it to provide the CFA.
func (ev *Evaluator) PushInitial(v uint64) {
	ev.push(v)
}

// ResetStack clears the evaluation stack. Callers interpreting composite
// location descriptions reset between pieces and re-enter Eval.
func (ev *Evaluator) ResetStack() {
	ev.stack = ev.stack[:0]
}

// Eval executes the expression. It returns the final stack, and when the
// expression ends at a location-description opcode, that opcode with the
// buffer positioned on it.
func (ev *Evaluator) Eval() (Result, error) {
	for ev.buf.HasData() {
		*ev.ops--
		if *ev.ops < 0 {
			return Result{}, ev.buf.Errorf("expression executed too many operations")
		}
		op := Opcode(ev.buf.Data()[0])
		if op.IsLocationDescription() {
			return Result{Stack: ev.stack, StoppedAt: op, Buf: &ev.buf}, nil
		}
		if err := ev.buf.Skip(1); err != nil {
			return Result{}, err
		}
		if err := ev.step(op); err != nil {
			return Result{}, err
		}
	}
	return Result{Stack: ev.stack, Buf: &ev.buf}, nil
}

func (ev *Evaluator) step(op Opcode) error {
	switch {
	case op >= OpLit0 && op <= OpLit31:
		ev.push(uint64(op - OpLit0))
		return nil
	case op >= OpBReg0 && op <= OpBReg31:
		return ev.breg(uint64(op - OpBReg0))
	}

	switch op {
	case OpAddr:
		v, err := ev.buf.Uint(ev.ctx.Module.Platform().AddressSize)
		if err != nil {
			return err
		}
		ev.push(v)
	case OpAddrx, OpConstx:
		index, err := ev.buf.ULEB128()
		if err != nil {
			return err
		}
		v, err := dwloc.DebugAddr(ev.ctx.CU, index)
		if err != nil {
			return err
		}
		ev.push(v)
	case OpConst1u:
		v, err := ev.buf.U8()
		if err != nil {
			return err
		}
		ev.push(uint64(v))
	case OpConst1s:
		v, err := ev.buf.S8()
		if err != nil {
			return err
		}
		ev.pushMask(uint64(v))
	case OpConst2u:
		v, err := ev.buf.U16()
		if err != nil {
			return err
		}
		ev.pushMask(uint64(v))
	case OpConst2s:
		v, err := ev.buf.S16()
		if err != nil {
			return err
		}
		ev.pushMask(uint64(v))
	case OpConst4u:
		v, err := ev.buf.U32()
		if err != nil {
			return err
		}
		ev.pushMask(uint64(v))
	case OpConst4s:
		v, err := ev.buf.S32()
		if err != nil {
			return err
		}
		ev.pushMask(uint64(v))
	case OpConst8u:
		v, err := ev.buf.U64()
		if err != nil {
			return err
		}
		ev.pushMask(v)
	case OpConst8s:
		v, err := ev.buf.S64()
		if err != nil {
			return err
		}
		ev.pushMask(uint64(v))
	case OpConstU:
		v, err := ev.buf.ULEB128()
		if err != nil {
			return err
		}
		ev.pushMask(v)
	case OpConstS:
		v, err := ev.buf.SLEB128()
		if err != nil {
			return err
		}
		ev.pushMask(uint64(v))

	case OpDup:
		if len(ev.stack) == 0 {
			return ev.buf.Errorf("stack underflow")
		}
		ev.push(ev.stack[len(ev.stack)-1])
	case OpDrop:
		_, err := ev.pop()
		return err
	case OpOver:
		if len(ev.stack) < 2 {
			return ev.buf.Errorf("stack underflow")
		}
		ev.push(ev.stack[len(ev.stack)-2])
	case OpPick:
		index, err := ev.buf.U8()
		if err != nil {
			return err
		}
		if int(index) >= len(ev.stack) {
			return ev.buf.Errorf("stack underflow")
		}
		ev.push(ev.stack[len(ev.stack)-1-int(index)])
	case OpSwap:
		if len(ev.stack) < 2 {
			return ev.buf.Errorf("stack underflow")
		}
		n := len(ev.stack)
		ev.stack[n-1], ev.stack[n-2] = ev.stack[n-2], ev.stack[n-1]
	case OpRot:
		if len(ev.stack) < 3 {
			return ev.buf.Errorf("stack underflow")
		}
		n := len(ev.stack)
		ev.stack[n-1], ev.stack[n-2], ev.stack[n-3] =
			ev.stack[n-2], ev.stack[n-3], ev.stack[n-1]

	case OpDeref:
		return ev.derefOp(ev.ctx.Module.Platform().AddressSize)
	case OpDerefSize:
		size, err := ev.buf.U8()
		if err != nil {
			return err
		}
		return ev.derefOp(int(size))

	case OpAbs:
		v, err := ev.pop()
		if err != nil {
			return err
		}
		s := ev.signed(v)
		if s < 0 {
			s = -s
		}
		ev.pushMask(uint64(s))
	case OpAnd:
		a, b, err := ev.pop2()
		if err != nil {
			return err
		}
		ev.push(a & b)
	case OpDiv:
		a, b, err := ev.pop2()
		if err != nil {
			return err
		}
		divisor := ev.signed(b)
		if divisor == 0 {
			return ev.buf.Errorf("division by zero")
		}
		ev.pushMask(uint64(ev.signed(a) / divisor))
	case OpMinus:
		a, b, err := ev.pop2()
		if err != nil {
			return err
		}
		ev.pushMask(a - b)
	case OpMod:
		a, b, err := ev.pop2()
		if err != nil {
			return err
		}
		if b == 0 {
			return ev.buf.Errorf("modulo by zero")
		}
		ev.pushMask(a % b)
	case OpMul:
		a, b, err := ev.pop2()
		if err != nil {
			return err
		}
		ev.pushMask(a * b)
	case OpNeg:
		v, err := ev.pop()
		if err != nil {
			return err
		}
		ev.pushMask(uint64(-ev.signed(v)))
	case OpNot:
		v, err := ev.pop()
		if err != nil {
			return err
		}
		ev.pushMask(^v)
	case OpOr:
		a, b, err := ev.pop2()
		if err != nil {
			return err
		}
		ev.push(a | b)
	case OpPlus:
		a, b, err := ev.pop2()
		if err != nil {
			return err
		}
		ev.pushMask(a + b)
	case OpPlusUConst:
		v, err := ev.pop()
		if err != nil {
			return err
		}
		uconst, err := ev.buf.ULEB128()
		if err != nil {
			return err
		}
		ev.pushMask(v + uconst)
	case OpShl:
		a, b, err := ev.pop2()
		if err != nil {
			return err
		}
		if b >= uint64(ev.ctx.addressBits()) {
			ev.push(0)
		} else {
			ev.pushMask(a << b)
		}
	case OpShr:
		a, b, err := ev.pop2()
		if err != nil {
			return err
		}
		if b >= uint64(ev.ctx.addressBits()) {
			ev.push(0)
		} else {
			ev.push(a >> b)
		}
	case OpShra:
		a, b, err := ev.pop2()
		if err != nil {
			return err
		}
		s := ev.signed(a)
		if b >= uint64(ev.ctx.addressBits()) {
			if s < 0 {
				ev.push(ev.ctx.AddressMask())
			} else {
				ev.push(0)
			}
		} else {
			ev.pushMask(uint64(s >> b))
		}
	case OpXor:
		a, b, err := ev.pop2()
		if err != nil {
			return err
		}
		ev.push(a ^ b)

	case OpEq, OpGE, OpGT, OpLE, OpLT, OpNE:
		a, b, err := ev.pop2()
		if err != nil {
			return err
		}
		ev.push(boolToUint64(compare(op, ev.signed(a), ev.signed(b))))
	case OpSkip:
		disp, err := ev.buf.S16()
		if err != nil {
			return err
		}
		return ev.branch(int64(disp))
	case OpBra:
		disp, err := ev.buf.S16()
		if err != nil {
			return err
		}
		v, err := ev.pop()
		if err != nil {
			return err
		}
		if v != 0 {
			return ev.branch(int64(disp))
		}

	case OpRegx:
		// Unreachable: regx is a location description, handled by Eval.
		return ev.buf.Errorf("unexpected opcode %#x", uint8(op))
	case OpBRegx:
		regno, err := ev.buf.ULEB128()
		if err != nil {
			return err
		}
		return ev.breg(regno)
	case OpFbreg:
		offset, err := ev.buf.SLEB128()
		if err != nil {
			return err
		}
		base, err := ev.frameBase()
		if err != nil {
			return err
		}
		ev.pushMask(base + uint64(offset))
	case OpCallFrameCFA:
		if ev.ctx.Regs == nil {
			return libdw.ErrNotFound
		}
		cfa, ok := ev.ctx.Regs.CFA()
		if !ok {
			return libdw.ErrNotFound
		}
		ev.push(uint64(cfa))

	case OpNop:
	default:
		return ev.buf.Errorf("unsupported operation %#x", uint8(op))
	}
	return nil
}

func (ev *Evaluator) breg(regno uint64) error {
	offset, err := ev.buf.SLEB128()
	if err != nil {
		return err
	}
	v, err := ev.readRegister(regno)
	if err != nil {
		return err
	}
	ev.pushMask(v + uint64(offset))
	return nil
}

func (ev *Evaluator) derefOp(size int) error {
	addr, err := ev.pop()
	if err != nil {
		return err
	}
	v, err := ev.deref(addr, size)
	if err != nil {
		return err
	}
	ev.push(v)
	return nil
}

func (ev *Evaluator) frameBase() (uint64, error) {
	if !ev.ctx.Function.Valid() {
		return 0, libdw.ErrNotFound
	}
	return evalFrameBase(ev.ctx, ev.ops)
}

func compare(op Opcode, a, b int64) bool {
	switch op {
	case OpEq:
		return a == b
	case OpGE:
		return a >= b
	case OpGT:
		return a > b
	case OpLE:
		return a <= b
	case OpLT:
		return a < b
	default:
		return a != b
	}
}

func boolToUint64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// EvalValue runs the expression and requires a plain value result: the
// expression must run to completion with a non-empty stack.
func (ev *Evaluator) EvalValue() (uint64, error) {
	res, err := ev.Eval()
	if err != nil {
		return 0, err
	}
	if res.StoppedAt != 0 {
		return 0, ev.buf.Errorf("unexpected location description %#x", uint8(res.StoppedAt))
	}
	if len(res.Stack) == 0 {
		return 0, libdw.ErrNotFound
	}
	return res.Stack[len(res.Stack)-1], nil
}
