// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

package dwobject

import (
	"debug/dwarf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreinspect/dwarfcore/dwdie"
	"github.com/coreinspect/dwarfcore/dwexpr"
	"github.com/coreinspect/dwarfcore/dwtype"
	"github.com/coreinspect/dwarfcore/internal/dwarftest"
	"github.com/coreinspect/dwarfcore/libdw"
)

const (
	langC       = 0x0c // DW_LANG_C99
	encFloat    = 0x04 // DW_ATE_float
	encSigned   = 0x05 // DW_ATE_signed
	encUnsigned = 0x07 // DW_ATE_unsigned
)

func compileUnit() *dwarftest.DIE {
	return dwarftest.New(dwarf.TagCompileUnit).Int(dwarf.AttrLanguage, langC)
}

func intType() *dwarftest.DIE {
	return dwarftest.New(dwarf.TagBaseType).
		Str(dwarf.AttrName, "int").
		Uint(dwarf.AttrEncoding, encSigned).
		Uint(dwarf.AttrByteSize, 4)
}

func u64Type() *dwarftest.DIE {
	return dwarftest.New(dwarf.TagBaseType).
		Str(dwarf.AttrName, "unsigned long").
		Uint(dwarf.AttrEncoding, encUnsigned).
		Uint(dwarf.AttrByteSize, 8)
}

func variable(name string, typ *dwarftest.DIE, loc []byte) *dwarftest.DIE {
	d := dwarftest.New(dwarf.TagVariable).
		Str(dwarf.AttrName, name).
		Ref(dwarf.AttrType, typ)
	if loc != nil {
		d.Block(dwarf.AttrLocation, loc)
	}
	return d
}

func newMaterializer(t *testing.T, root *dwarftest.DIE) (*Materializer, *dwdie.Module, *dwarftest.Module) {
	t.Helper()
	mod := dwarftest.NewModule(root)
	dm, err := dwdie.New(mod)
	require.NoError(t, err)
	dies := func(libdw.Module) (*dwdie.Module, error) { return dm, nil }
	mz := &Materializer{Types: dwtype.NewConstructor(dies, nil), Dies: dies}
	return mz, dm, mod
}

func findDIE(t *testing.T, m *dwdie.Module, tag dwarf.Tag, name string) dwdie.DIE {
	t.Helper()
	cur := dwdie.NewCursor(m)
	for {
		die, ok, err := cur.Next(true)
		require.NoError(t, err)
		if !ok {
			break
		}
		if die.Tag() == tag && (name == "" || die.Name() == name) {
			return die
		}
	}
	t.Fatalf("no %v named %q in synthetic unit", tag, name)
	return dwdie.DIE{}
}

type testRegs struct {
	regs map[uint64]uint64
	pc   libdw.Address
}

func (r *testRegs) HasRegister(regno uint64) bool {
	_, ok := r.regs[regno]
	return ok
}

func (r *testRegs) Register(regno uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, r.regs[regno])
	return b
}

func (r *testRegs) PC() (libdw.Address, bool) { return r.pc, r.pc != 0 }

func (r *testRegs) CFA() (libdw.Address, bool) { return 0, false }

func (r *testRegs) Interrupted() bool { return false }

type testMem struct {
	base libdw.Address
	data []byte
}

func (m *testMem) ReadMemory(p []byte, addr libdw.Address, physical bool) error {
	off := int(addr - m.base)
	if off < 0 || off+len(p) > len(m.data) {
		return libdw.ErrNotFound
	}
	copy(p, m.data[off:off+len(p)])
	return nil
}

func uleb(v uint64) []byte {
	return binary.AppendUvarint(nil, v)
}

func expr(parts ...any) []byte {
	var out []byte
	for _, p := range parts {
		switch p := p.(type) {
		case dwexpr.Opcode:
			out = append(out, byte(p))
		case byte:
			out = append(out, p)
		case []byte:
			out = append(out, p...)
		default:
			panic("unsupported expression part")
		}
	}
	return out
}

func addr64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func TestFromStackValue(t *testing.T) {
	root := compileUnit()
	typ := intType()
	root.Child(typ, variable("v", typ, expr(dwexpr.OpLit0+7, dwexpr.OpStackValue)))
	mz, dm, _ := newMaterializer(t, root)

	obj, err := mz.FromDwarf(findDIE(t, dm, dwarf.TagVariable, "v"), dwdie.DIE{}, dwdie.DIE{}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindValue, obj.Kind)
	assert.Equal(t, uint64(32), obj.BitSize)
	v, err := obj.Unsigned()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v)
}

func TestFromRegister(t *testing.T) {
	root := compileUnit()
	typ := intType()
	root.Child(typ,
		variable("direct", typ, expr(dwexpr.OpReg0+6)),
		variable("extended", typ, expr(dwexpr.OpRegx, uleb(40))),
		variable("missing", typ, expr(dwexpr.OpReg0+13)),
	)
	mz, dm, _ := newMaterializer(t, root)
	regs := &testRegs{regs: map[uint64]uint64{6: 0x11223344, 40: 0x55667788}}

	t.Run("direct", func(t *testing.T) {
		obj, err := mz.FromDwarf(findDIE(t, dm, dwarf.TagVariable, "direct"), dwdie.DIE{}, dwdie.DIE{}, regs)
		require.NoError(t, err)
		require.Equal(t, KindValue, obj.Kind)
		v, err := obj.Unsigned()
		require.NoError(t, err)
		assert.Equal(t, uint64(0x11223344), v)
	})
	t.Run("extended", func(t *testing.T) {
		obj, err := mz.FromDwarf(findDIE(t, dm, dwarf.TagVariable, "extended"), dwdie.DIE{}, dwdie.DIE{}, regs)
		require.NoError(t, err)
		require.Equal(t, KindValue, obj.Kind)
		v, err := obj.Unsigned()
		require.NoError(t, err)
		assert.Equal(t, uint64(0x55667788), v)
	})
	t.Run("register not in snapshot", func(t *testing.T) {
		obj, err := mz.FromDwarf(findDIE(t, dm, dwarf.TagVariable, "missing"), dwdie.DIE{}, dwdie.DIE{}, regs)
		require.NoError(t, err)
		assert.Equal(t, KindAbsent, obj.Kind)
		assert.True(t, obj.Absent())
	})
	t.Run("no register state", func(t *testing.T) {
		obj, err := mz.FromDwarf(findDIE(t, dm, dwarf.TagVariable, "direct"), dwdie.DIE{}, dwdie.DIE{}, nil)
		require.NoError(t, err)
		assert.Equal(t, KindAbsent, obj.Kind)
	})
}

func TestFromImplicitValue(t *testing.T) {
	root := compileUnit()
	typ := intType()
	root.Child(typ, variable("v", typ, expr(
		dwexpr.OpImplicitValue, uleb(4), []byte{0xde, 0xad, 0xbe, 0xef},
	)))
	mz, dm, _ := newMaterializer(t, root)

	obj, err := mz.FromDwarf(findDIE(t, dm, dwarf.TagVariable, "v"), dwdie.DIE{}, dwdie.DIE{}, nil)
	require.NoError(t, err)
	require.Equal(t, KindValue, obj.Kind)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, obj.Bytes)
	v, err := obj.Unsigned()
	require.NoError(t, err)
	assert.Equal(t, uint64(0xefbeadde), v)
}

func TestFromMemory(t *testing.T) {
	root := compileUnit()
	typ := intType()
	root.Child(typ, variable("v", typ, expr(dwexpr.OpAddr, addr64(0x4000))))
	mz, dm, mod := newMaterializer(t, root)
	mod.LoadBias = 0x100

	t.Run("biased inside mapped range", func(t *testing.T) {
		obj, err := mz.FromDwarf(findDIE(t, dm, dwarf.TagVariable, "v"), dwdie.DIE{}, dwdie.DIE{}, nil)
		require.NoError(t, err)
		assert.Equal(t, KindReference, obj.Kind)
		assert.Equal(t, libdw.Address(0x4100), obj.Address)
		assert.Equal(t, uint8(0), obj.BitOffset)
		assert.Equal(t, uint64(32), obj.BitSize)
	})
	t.Run("unbiased outside mapped range", func(t *testing.T) {
		mod.Start, mod.End = 0x10000, 0x20000
		defer func() { mod.Start, mod.End = 0, ^libdw.Address(0) }()
		obj, err := mz.FromDwarf(findDIE(t, dm, dwarf.TagVariable, "v"), dwdie.DIE{}, dwdie.DIE{}, nil)
		require.NoError(t, err)
		assert.Equal(t, KindReference, obj.Kind)
		assert.Equal(t, libdw.Address(0x4000), obj.Address)
	})
}

func TestCompositeRegisters(t *testing.T) {
	root := compileUnit()
	typ := u64Type()
	root.Child(typ, variable("v", typ, expr(
		dwexpr.OpReg0+0, dwexpr.OpPiece, uleb(4),
		dwexpr.OpReg0+1, dwexpr.OpPiece, uleb(4),
	)))
	mz, dm, _ := newMaterializer(t, root)
	regs := &testRegs{regs: map[uint64]uint64{0: 0x11223344, 1: 0x55667788}}

	obj, err := mz.FromDwarf(findDIE(t, dm, dwarf.TagVariable, "v"), dwdie.DIE{}, dwdie.DIE{}, regs)
	require.NoError(t, err)
	require.Equal(t, KindValue, obj.Kind)
	assert.Equal(t, uint64(64), obj.BitSize)
	v, err := obj.Unsigned()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x55667788_11223344), v)
}

func TestCompositeMemoryMerge(t *testing.T) {
	root := compileUnit()
	typ := u64Type()
	root.Child(typ, variable("v", typ, expr(
		dwexpr.OpAddr, addr64(0x1000), dwexpr.OpPiece, uleb(4),
		dwexpr.OpAddr, addr64(0x1004), dwexpr.OpPiece, uleb(4),
	)))
	mz, dm, _ := newMaterializer(t, root)

	// Contiguous memory pieces collapse into a single reference.
	obj, err := mz.FromDwarf(findDIE(t, dm, dwarf.TagVariable, "v"), dwdie.DIE{}, dwdie.DIE{}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindReference, obj.Kind)
	assert.Equal(t, libdw.Address(0x1000), obj.Address)
	assert.Equal(t, uint64(64), obj.BitSize)
}

func TestCompositeMemoryAndRegister(t *testing.T) {
	root := compileUnit()
	typ := u64Type()
	root.Child(typ, variable("v", typ, expr(
		dwexpr.OpAddr, addr64(0x1000), dwexpr.OpPiece, uleb(4),
		dwexpr.OpReg0+6, dwexpr.OpPiece, uleb(4),
	)))
	mz, dm, _ := newMaterializer(t, root)
	mz.Mem = &testMem{base: 0x1000, data: []byte{0xaa, 0xbb, 0xcc, 0xdd}}
	regs := &testRegs{regs: map[uint64]uint64{6: 0x11223344}}

	// The pending memory piece is read back and folded into the value.
	obj, err := mz.FromDwarf(findDIE(t, dm, dwarf.TagVariable, "v"), dwdie.DIE{}, dwdie.DIE{}, regs)
	require.NoError(t, err)
	require.Equal(t, KindValue, obj.Kind)
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc, 0xdd, 0x44, 0x33, 0x22, 0x11}, obj.Bytes)
}

func TestNoLocation(t *testing.T) {
	root := compileUnit()
	typ := intType()
	root.Child(typ, variable("v", typ, nil))
	mz, dm, _ := newMaterializer(t, root)

	obj, err := mz.FromDwarf(findDIE(t, dm, dwarf.TagVariable, "v"), dwdie.DIE{}, dwdie.DIE{}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindAbsent, obj.Kind)
	assert.Equal(t, uint64(32), obj.BitSize)
}

func TestTemplateValueParameterMissingValue(t *testing.T) {
	root := compileUnit()
	typ := intType()
	root.Child(typ, dwarftest.New(dwarf.TagTemplateValueParameter).
		Str(dwarf.AttrName, "N").
		Ref(dwarf.AttrType, typ))
	mz, dm, _ := newMaterializer(t, root)

	_, err := mz.FromDwarf(findDIE(t, dm, dwarf.TagTemplateValueParameter, "N"),
		dwdie.DIE{}, dwdie.DIE{}, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "missing value")
}

func TestFromConstant(t *testing.T) {
	root := compileUnit()
	it := intType()
	double := dwarftest.New(dwarf.TagBaseType).
		Str(dwarf.AttrName, "double").
		Uint(dwarf.AttrEncoding, encFloat).
		Uint(dwarf.AttrByteSize, 8)
	root.Child(it, double,
		variable("negative", it, nil).Int(dwarf.AttrConstValue, -5),
		variable("positive", it, nil).Int(dwarf.AttrConstValue, 40),
		variable("block", it, nil).Block(dwarf.AttrConstValue, []byte{1, 2, 3, 4}),
		variable("short block", it, nil).Block(dwarf.AttrConstValue, []byte{1, 2}),
		variable("float const", double, nil).Int(dwarf.AttrConstValue, 3),
	)
	mz, dm, _ := newMaterializer(t, root)

	object := func(t *testing.T, name string) (*Object, error) {
		t.Helper()
		return mz.FromDwarf(findDIE(t, dm, dwarf.TagVariable, name), dwdie.DIE{}, dwdie.DIE{}, nil)
	}

	t.Run("negative", func(t *testing.T) {
		obj, err := object(t, "negative")
		require.NoError(t, err)
		require.Equal(t, KindValue, obj.Kind)
		v, err := obj.Signed()
		require.NoError(t, err)
		assert.Equal(t, int64(-5), v)
	})
	t.Run("positive", func(t *testing.T) {
		obj, err := object(t, "positive")
		require.NoError(t, err)
		v, err := obj.Unsigned()
		require.NoError(t, err)
		assert.Equal(t, uint64(40), v)
	})
	t.Run("block", func(t *testing.T) {
		obj, err := object(t, "block")
		require.NoError(t, err)
		require.Equal(t, KindValue, obj.Kind)
		v, err := obj.Unsigned()
		require.NoError(t, err)
		assert.Equal(t, uint64(0x04030201), v)
	})
	t.Run("block too small", func(t *testing.T) {
		_, err := object(t, "short block")
		require.Error(t, err)
		assert.ErrorContains(t, err, "too small")
	})
	t.Run("unsupported type", func(t *testing.T) {
		_, err := object(t, "float const")
		require.Error(t, err)
		assert.ErrorContains(t, err, "unknown DW_AT_const_value form")
	})
}

func TestFromSubprogram(t *testing.T) {
	root := compileUnit()
	typ := intType()
	root.Child(typ,
		dwarftest.New(dwarf.TagSubprogram).
			Str(dwarf.AttrName, "main").
			Ref(dwarf.AttrType, typ).
			Addr(dwarf.AttrLowpc, 0x1500),
		dwarftest.New(dwarf.TagSubprogram).
			Str(dwarf.AttrName, "inlined").
			Ref(dwarf.AttrType, typ),
	)
	mz, dm, mod := newMaterializer(t, root)
	mod.LoadBias = 0x100

	t.Run("entry address", func(t *testing.T) {
		obj, err := mz.FromDwarf(findDIE(t, dm, dwarf.TagSubprogram, "main"),
			dwdie.DIE{}, dwdie.DIE{}, nil)
		require.NoError(t, err)
		assert.Equal(t, KindReference, obj.Kind)
		assert.Equal(t, libdw.Address(0x1600), obj.Address)
		assert.Equal(t, dwtype.KindFunction, obj.Type.Type.Kind)
	})
	t.Run("no entry address", func(t *testing.T) {
		obj, err := mz.FromDwarf(findDIE(t, dm, dwarf.TagSubprogram, "inlined"),
			dwdie.DIE{}, dwdie.DIE{}, nil)
		require.NoError(t, err)
		assert.Equal(t, KindAbsent, obj.Kind)
	})
}

func TestFromEnumerator(t *testing.T) {
	root := compileUnit()
	typ := intType()
	enum := dwarftest.New(dwarf.TagEnumerationType).
		Str(dwarf.AttrName, "color").
		Uint(dwarf.AttrByteSize, 4).
		Child(
			dwarftest.New(dwarf.TagEnumerator).
				Str(dwarf.AttrName, "RED").Int(dwarf.AttrConstValue, 0),
			dwarftest.New(dwarf.TagEnumerator).
				Str(dwarf.AttrName, "GREEN").Int(dwarf.AttrConstValue, 1),
		)
	root.Child(typ, enum)
	mz, dm, _ := newMaterializer(t, root)

	t.Run("found", func(t *testing.T) {
		obj, err := mz.FromEnumerator(findDIE(t, dm, dwarf.TagEnumerationType, "color"), "GREEN")
		require.NoError(t, err)
		require.Equal(t, KindValue, obj.Kind)
		assert.Equal(t, dwtype.KindEnum, obj.Type.Type.Kind)
		assert.Equal(t, uint64(32), obj.BitSize)
		v, err := obj.Unsigned()
		require.NoError(t, err)
		assert.Equal(t, uint64(1), v)
	})
	t.Run("unknown name", func(t *testing.T) {
		_, err := mz.FromEnumerator(findDIE(t, dm, dwarf.TagEnumerationType, "color"), "MAUVE")
		require.ErrorIs(t, err, libdw.ErrNotFound)
	})
	t.Run("not an enumeration", func(t *testing.T) {
		_, err := mz.FromEnumerator(findDIE(t, dm, dwarf.TagBaseType, "int"), "GREEN")
		require.Error(t, err)
		assert.ErrorContains(t, err, "not an enumeration type")
	})
}

func TestTypeOverride(t *testing.T) {
	root := compileUnit()
	it := intType()
	uchar := dwarftest.New(dwarf.TagBaseType).
		Str(dwarf.AttrName, "unsigned char").
		Uint(dwarf.AttrEncoding, encUnsigned).
		Uint(dwarf.AttrByteSize, 1)
	root.Child(it, uchar, variable("v", it, nil).Int(dwarf.AttrConstValue, 5))
	mz, dm, _ := newMaterializer(t, root)

	obj, err := mz.FromDwarf(findDIE(t, dm, dwarf.TagVariable, "v"),
		findDIE(t, dm, dwarf.TagBaseType, "unsigned char"), dwdie.DIE{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "unsigned char", obj.Type.Type.Name)
	assert.Equal(t, uint64(8), obj.BitSize)
	v, err := obj.Unsigned()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)
}

func TestDecode(t *testing.T) {
	c := dwtype.NewConstructor(nil, nil)
	le := dwtype.QualifiedType{Type: c.IntType("int", 4, true, true, langC)}
	be := dwtype.QualifiedType{Type: c.IntType("int", 4, true, false, langC)}

	t.Run("sign extension", func(t *testing.T) {
		o := &Object{Type: le, Kind: KindValue, BitSize: 3, Bytes: []byte{0x07}}
		v, err := o.Signed()
		require.NoError(t, err)
		assert.Equal(t, int64(-1), v)
		u, err := o.Unsigned()
		require.NoError(t, err)
		assert.Equal(t, uint64(7), u)
	})
	t.Run("big endian", func(t *testing.T) {
		o := &Object{Type: be, Kind: KindValue, BitSize: 16, Bytes: []byte{0x12, 0x34}}
		v, err := o.Unsigned()
		require.NoError(t, err)
		assert.Equal(t, uint64(0x1234), v)
	})
	t.Run("big endian partial byte", func(t *testing.T) {
		o := &Object{Type: be, Kind: KindValue, BitSize: 12, Bytes: []byte{0x12, 0x34}}
		v, err := o.Unsigned()
		require.NoError(t, err)
		assert.Equal(t, uint64(0x123), v)
	})
	t.Run("not a value", func(t *testing.T) {
		o := &Object{Type: le, Kind: KindReference, BitSize: 32, Address: 0x1000}
		_, err := o.Unsigned()
		require.Error(t, err)
		assert.ErrorContains(t, err, "not a value")
	})
	t.Run("too wide", func(t *testing.T) {
		o := &Object{Type: le, Kind: KindValue, BitSize: 128, Bytes: make([]byte, 16)}
		_, err := o.Unsigned()
		require.Error(t, err)
		assert.ErrorContains(t, err, "too large")
	})
}
