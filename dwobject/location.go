// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

package dwobject // import "github.com/coreinspect/dwarfcore/dwobject"

import (
	"debug/dwarf"
	"errors"

	"github.com/coreinspect/dwarfcore/dwdie"
	"github.com/coreinspect/dwarfcore/dwexpr"
	"github.com/coreinspect/dwarfcore/dwtype"
	"github.com/coreinspect/dwarfcore/libdw"
)

// fromLocation interprets a location description: a sequence of simple
// locations, each optionally delimited by DW_OP_piece or DW_OP_bit_piece.
// A single memory piece yields a reference; contiguous memory pieces are
// merged. Any mix of memory and non-memory pieces materializes the whole
// object into a value buffer. Pieces that cannot be produced, and objects
// left partially unfilled, are absent.
func (mz *Materializer) fromLocation(die dwdie.DIE, qt dwtype.QualifiedType, expr []byte, function dwdie.DIE, regs libdw.Registers) (*Object, error) {
	mod := die.CU.Module
	plat := mod.Platform()
	le := plat.LittleEndian
	addressMask := plat.AddressMask()

	bitSize, err := objectBitSize(die, qt)
	if err != nil {
		return nil, err
	}

	dm, err := mz.Dies(mod)
	if err != nil {
		return nil, err
	}
	ctx := &dwexpr.Context{
		Module: mod, Dies: dm, CU: die.CU,
		Function: function, Regs: regs, Mem: mz.Mem,
	}
	ev := dwexpr.New(ctx, expr, libdw.SectionDebugInfo.Name())

	var valueBuf []byte
	address := uint64(0)
	bitOffset := -1 // -1 means no pending memory piece
	bitPos := uint64(0)

	absent := false
	for {
		ev.ResetStack()
		res, err := ev.Eval()
		if errors.Is(err, libdw.ErrNotFound) {
			absent = true
			break
		}
		if err != nil {
			return nil, err
		}

		var src []byte
		if res.StoppedAt != 0 {
			var srcAbsent bool
			src, srcAbsent, err = simpleLocation(res, regs, plat)
			if err != nil {
				return nil, err
			}
			if srcAbsent {
				absent = true
				break
			}
		}

		var pieceBitSize, pieceBitOffset uint64
		if res.Buf.HasData() {
			op, err := res.Buf.U8()
			if err != nil {
				return nil, err
			}
			switch dwexpr.Opcode(op) {
			case dwexpr.OpPiece:
				size, err := res.Buf.ULEB128()
				if err != nil {
					return nil, err
				}
				// A piece larger than the remaining object size is
				// probably bogus, but the DWARF 5 specification does not
				// say so. Clamp it.
				pieceBitSize = size * 8
				if size > (^uint64(0))/8 || pieceBitSize > bitSize-bitPos {
					pieceBitSize = bitSize - bitPos
				}
			case dwexpr.OpBitPiece:
				pieceBitSize, err = res.Buf.ULEB128()
				if err != nil {
					return nil, err
				}
				pieceBitOffset, err = res.Buf.ULEB128()
				if err != nil {
					return nil, err
				}
				if pieceBitSize > bitSize-bitPos {
					pieceBitSize = bitSize - bitPos
				}
			default:
				return nil, res.Buf.Errorf(
					"unknown DWARF expression opcode %#x after simple location description", op)
			}
		} else {
			pieceBitSize = bitSize - bitPos
		}

		switch {
		case src != nil && pieceBitSize == 0:
			// Empty value piece.
		case src != nil:
			if valueBuf == nil {
				valueBuf = make([]byte, (bitSize+7)/8)
			}
			if bitOffset >= 0 {
				// Fold the pending memory piece into the value.
				err := mz.readBits(valueBuf, 0, address, uint64(bitOffset), bitPos, le)
				if err != nil {
					return nil, err
				}
				bitOffset = -1
			}
			srcBitSize := 8 * uint64(len(src))
			if pieceBitOffset > srcBitSize {
				pieceBitOffset = srcBitSize
			}
			copyBitSize := min(pieceBitSize, srcBitSize-pieceBitOffset)
			copyBitOffset := bitPos
			if !le {
				copyBitOffset += pieceBitSize - copyBitSize
				pieceBitOffset = srcBitSize - copyBitSize - pieceBitOffset
			}
			copyBits(valueBuf, copyBitOffset, src, pieceBitOffset, copyBitSize, le)
		case len(res.Stack) > 0:
			pieceAddress := (res.Stack[len(res.Stack)-1] + pieceBitOffset/8) & addressMask
			pieceBitOffset %= 8
			if bitPos > 0 && bitOffset >= 0 {
				// There already is a pending memory piece. Merge when the
				// addresses are contiguous, otherwise fold it into a
				// value. bit_pos + bit_offset can overflow, so split the
				// byte and bit parts.
				endAddress := (address + bitPos/8 +
					(bitPos%8+uint64(bitOffset))/8) & addressMask
				endBitOffset := (uint64(bitOffset) + bitPos) % 8
				if pieceBitSize == 0 ||
					(pieceAddress == endAddress && pieceBitOffset == endBitOffset) {
					pieceAddress = address
					pieceBitOffset = uint64(bitOffset)
				} else {
					valueBuf = make([]byte, (bitSize+7)/8)
					err := mz.readBits(valueBuf, 0, address, uint64(bitOffset), bitPos, le)
					if err != nil {
						return nil, err
					}
					bitOffset = -1
				}
			}
			if valueBuf != nil {
				err := mz.readBits(valueBuf, bitPos, pieceAddress,
					pieceBitOffset, pieceBitSize, le)
				if err != nil {
					return nil, err
				}
			} else {
				address = pieceAddress
				bitOffset = int(pieceBitOffset)
			}
		case pieceBitSize > 0:
			absent = true
		}
		if absent {
			break
		}
		bitPos += pieceBitSize
		if !res.Buf.HasData() {
			break
		}
	}

	if absent || bitPos < bitSize || (bitOffset < 0 && valueBuf == nil) {
		if die.Tag() == dwarf.TagTemplateValueParameter {
			return nil, die.Errorf("DW_TAG_template_value_parameter is missing value")
		}
		return &Object{Type: qt, Kind: KindAbsent, BitSize: bitSize}, nil
	}
	if bitOffset >= 0 {
		start, end := mod.AddressRange()
		// An address outside the module's mapped range is probably an
		// offset in disguise, like a Linux per-CPU variable. Leave those
		// unbiased.
		if libdw.Address(address) >= start && libdw.Address(address) < end {
			address += uint64(mod.Bias())
		}
		return &Object{
			Type: qt, Kind: KindReference, BitSize: bitSize,
			Address: libdw.Address(address), BitOffset: uint8(bitOffset),
		}, nil
	}
	return &Object{Type: qt, Kind: KindValue, BitSize: bitSize, Bytes: valueBuf}, nil
}

// simpleLocation consumes a register, implicit-value or stack-value
// opcode and returns the source bytes of the piece. DW_OP_piece and
// DW_OP_bit_piece are left for the caller; the piece is then a memory
// piece with the address on the stack. A register missing from the
// snapshot, or a stack value with nothing on the stack, makes the object
// absent.
func simpleLocation(res dwexpr.Result, regs libdw.Registers, plat *libdw.Platform) (src []byte, absent bool, err error) {
	op := res.StoppedAt
	switch {
	case op >= dwexpr.OpReg0 && op <= dwexpr.OpReg31, op == dwexpr.OpRegx:
		if err := res.Buf.Skip(1); err != nil {
			return nil, false, err
		}
		regno := uint64(op - dwexpr.OpReg0)
		if op == dwexpr.OpRegx {
			if regno, err = res.Buf.ULEB128(); err != nil {
				return nil, false, err
			}
		}
		if regs == nil || !regs.HasRegister(regno) {
			return nil, true, nil
		}
		return regs.Register(regno), false, nil
	case op == dwexpr.OpImplicitValue:
		if err := res.Buf.Skip(1); err != nil {
			return nil, false, err
		}
		size, err := res.Buf.ULEB128()
		if err != nil {
			return nil, false, err
		}
		if size > uint64(res.Buf.Remaining()) {
			return nil, false, res.Buf.Errorf("DW_OP_implicit_value size is out of bounds")
		}
		src, err = res.Buf.Block(int(size))
		return src, false, err
	case op == dwexpr.OpStackValue:
		if err := res.Buf.Skip(1); err != nil {
			return nil, false, err
		}
		if len(res.Stack) == 0 {
			return nil, true, nil
		}
		b := make([]byte, 8)
		plat.ByteOrder().PutUint64(b, res.Stack[len(res.Stack)-1])
		return b, false, nil
	}
	return nil, false, nil
}
