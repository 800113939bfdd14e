// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

package dwexpr // import "github.com/coreinspect/dwarfcore/dwexpr"

// DWARF expression opcodes
// http://dwarfstd.org/doc/DWARF5.pdf §2.5, §7.7.1
type Opcode uint8

const (
	OpAddr       Opcode = 0x03
	OpDeref      Opcode = 0x06
	OpConst1u    Opcode = 0x08
	OpConst1s    Opcode = 0x09
	OpConst2u    Opcode = 0x0a
	OpConst2s    Opcode = 0x0b
	OpConst4u    Opcode = 0x0c
	OpConst4s    Opcode = 0x0d
	OpConst8u    Opcode = 0x0e
	OpConst8s    Opcode = 0x0f
	OpConstU     Opcode = 0x10
	OpConstS     Opcode = 0x11
	OpDup        Opcode = 0x12
	OpDrop       Opcode = 0x13
	OpOver       Opcode = 0x14
	OpPick       Opcode = 0x15
	OpSwap       Opcode = 0x16
	OpRot        Opcode = 0x17
	OpXderef     Opcode = 0x18
	OpAbs        Opcode = 0x19
	OpAnd        Opcode = 0x1a
	OpDiv        Opcode = 0x1b
	OpMinus      Opcode = 0x1c
	OpMod        Opcode = 0x1d
	OpMul        Opcode = 0x1e
	OpNeg        Opcode = 0x1f
	OpNot        Opcode = 0x20
	OpOr         Opcode = 0x21
	OpPlus       Opcode = 0x22
	OpPlusUConst Opcode = 0x23
	OpShl        Opcode = 0x24
	OpShr        Opcode = 0x25
	OpShra       Opcode = 0x26
	OpXor        Opcode = 0x27
	OpBra        Opcode = 0x28
	OpEq         Opcode = 0x29
	OpGE         Opcode = 0x2a
	OpGT         Opcode = 0x2b
	OpLE         Opcode = 0x2c
	OpLT         Opcode = 0x2d
	OpNE         Opcode = 0x2e
	OpSkip       Opcode = 0x2f
	OpLit0       Opcode = 0x30
	OpLit31      Opcode = 0x4f
	OpReg0       Opcode = 0x50
	OpReg31      Opcode = 0x6f
	OpBReg0      Opcode = 0x70
	OpBReg31     Opcode = 0x8f
	OpRegx       Opcode = 0x90
	OpFbreg      Opcode = 0x91
	OpBRegx      Opcode = 0x92
	OpPiece      Opcode = 0x93
	OpDerefSize  Opcode = 0x94
	OpXderefSize Opcode = 0x95
	OpNop        Opcode = 0x96

	OpPushObjectAddress Opcode = 0x97
	OpCall2             Opcode = 0x98
	OpCall4             Opcode = 0x99
	OpCallRef           Opcode = 0x9a
	OpFormTLSAddress    Opcode = 0x9b
	OpCallFrameCFA      Opcode = 0x9c
	OpBitPiece          Opcode = 0x9d
	OpImplicitValue     Opcode = 0x9e
	OpStackValue        Opcode = 0x9f
	OpImplicitPointer   Opcode = 0xa0
	OpAddrx             Opcode = 0xa1
	OpConstx            Opcode = 0xa2
	OpEntryValue        Opcode = 0xa3
)

// IsLocationDescription reports whether the opcode terminates plain value
// evaluation and must be interpreted by the caller as a location
// description.
func (op Opcode) IsLocationDescription() bool {
	switch {
	case op >= OpReg0 && op <= OpReg31:
		return true
	case op == OpRegx, op == OpImplicitValue, op == OpStackValue,
		op == OpPiece, op == OpBitPiece:
		return true
	}
	return false
}
