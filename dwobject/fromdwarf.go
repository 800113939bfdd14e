// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

package dwobject // import "github.com/coreinspect/dwarfcore/dwobject"

import (
	"debug/dwarf"
	"encoding/binary"
	"fmt"

	"github.com/coreinspect/dwarfcore/dwdie"
	"github.com/coreinspect/dwarfcore/dwloc"
	"github.com/coreinspect/dwarfcore/dwtype"
	"github.com/coreinspect/dwarfcore/libdw"
)

// Materializer turns DWARF data object DIEs into Objects. It borrows the
// type constructor; objects reference type nodes owned by it.
type Materializer struct {
	Types *dwtype.Constructor
	// Dies resolves the DIE view of a module, shared with the type
	// constructor.
	Dies func(mod libdw.Module) (*dwdie.Module, error)
	Mem  libdw.MemoryReader
}

// FromDwarf materializes the object described by die, a variable, formal
// parameter, template value parameter, constant or subprogram DIE. When
// typeDIE is valid it overrides the DW_AT_type of die. The function DIE
// provides DW_AT_frame_base for DW_OP_fbreg; regs provides the register
// state the location may depend on.
func (mz *Materializer) FromDwarf(die, typeDIE, function dwdie.DIE, regs libdw.Registers) (*Object, error) {
	if die.Tag() == dwarf.TagSubprogram {
		return mz.fromSubprogram(die)
	}
	var qt dwtype.QualifiedType
	var err error
	if typeDIE.Valid() {
		qt, err = mz.Types.TypeFromDwarf(typeDIE)
	} else {
		qt, err = mz.Types.TypeFromAttr(die, dwarf.AttrType)
	}
	if err != nil {
		return nil, err
	}

	if die.HasAttr(dwarf.AttrLocation) {
		mod := die.CU.Module
		pc, havePC := libdw.Address(0), false
		if regs != nil {
			if biased, ok := regs.PC(); ok {
				pc, havePC = biased-mod.Bias(), true
			}
		}
		expr, err := dwloc.Expr(die, dwarf.AttrLocation, pc, havePC)
		if err != nil {
			return nil, err
		}
		return mz.fromLocation(die, qt, expr, function, regs)
	}
	if die.HasAttr(dwarf.AttrConstValue) {
		return fromConstant(die, qt)
	}
	return mz.fromLocation(die, qt, nil, function, regs)
}

// FromEnumerator materializes the named constant of an enumeration type
// DIE as an object of the enumeration type.
func (mz *Materializer) FromEnumerator(enumeration dwdie.DIE, name string) (*Object, error) {
	qt, err := mz.Types.TypeFromDwarf(enumeration)
	if err != nil {
		return nil, err
	}
	if qt.Type.Kind != dwtype.KindEnum {
		return nil, enumeration.Errorf("not an enumeration type")
	}
	for _, e := range qt.Type.Enumerators {
		if e.Name != name {
			continue
		}
		return valueObject(qt, qt.Type.Size*8, e.Value), nil
	}
	return nil, fmt.Errorf("enumerator %q: %w", name, libdw.ErrNotFound)
}

func (mz *Materializer) fromSubprogram(die dwdie.DIE) (*Object, error) {
	qt, err := mz.Types.TypeFromDwarf(die)
	if err != nil {
		return nil, err
	}
	lowpc, ok := die.Uint(dwarf.AttrLowpc)
	if !ok {
		return &Object{Type: qt, Kind: KindAbsent}, nil
	}
	return &Object{
		Type:    qt,
		Kind:    KindReference,
		Address: libdw.Address(lowpc) + die.CU.Module.Bias(),
	}, nil
}

func fromConstant(die dwdie.DIE, qt dwtype.QualifiedType) (*Object, error) {
	bitSize, err := objectBitSize(die, qt)
	if err != nil {
		return nil, err
	}
	if block, ok := die.Block(dwarf.AttrConstValue); ok {
		size := (bitSize + 7) / 8
		if uint64(len(block)) < size {
			return nil, die.Errorf("DW_AT_const_value block is too small")
		}
		bytes := make([]byte, size)
		copy(bytes, block)
		return &Object{Type: qt, Kind: KindValue, BitSize: bitSize, Bytes: bytes}, nil
	}
	if bitSize > 64 {
		return nil, die.Errorf("DW_AT_const_value is too large")
	}
	underlying := qt.Type
	for underlying.Kind == dwtype.KindTypedef {
		underlying = underlying.Ref.Type
	}
	switch underlying.Kind {
	case dwtype.KindInt, dwtype.KindBool, dwtype.KindEnum, dwtype.KindPointer:
	default:
		return nil, die.Errorf("unknown DW_AT_const_value form")
	}
	var value uint64
	switch v := die.Val(dwarf.AttrConstValue).(type) {
	case int64:
		value = uint64(v)
	case uint64:
		value = v
	default:
		return nil, die.Errorf("invalid DW_AT_const_value")
	}
	return valueObject(qt, bitSize, value), nil
}

// valueObject builds a value object holding an integer in the type's
// byte order.
func valueObject(qt dwtype.QualifiedType, bitSize, value uint64) *Object {
	size := (bitSize + 7) / 8
	var b [8]byte
	if qt.Type.LittleEndian {
		binary.LittleEndian.PutUint64(b[:], value)
		return &Object{
			Type: qt, Kind: KindValue, BitSize: bitSize,
			Bytes: append([]byte(nil), b[:size]...),
		}
	}
	binary.BigEndian.PutUint64(b[:], value<<(64-bitSize))
	return &Object{
		Type: qt, Kind: KindValue, BitSize: bitSize,
		Bytes: append([]byte(nil), b[:size]...),
	}
}

// objectBitSize is the width of an object of the type. Function and void
// objects are zero-sized references.
func objectBitSize(die dwdie.DIE, qt dwtype.QualifiedType) (uint64, error) {
	if size, ok := qt.Type.ByteSize(); ok {
		return size * 8, nil
	}
	switch qt.Type.Kind {
	case dwtype.KindFunction, dwtype.KindVoid:
		return 0, nil
	}
	return 0, die.Errorf("cannot create object with incomplete type")
}
