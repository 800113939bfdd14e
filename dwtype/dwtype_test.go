// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

package dwtype

import (
	"debug/dwarf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreinspect/dwarfcore/dwdie"
	"github.com/coreinspect/dwarfcore/internal/dwarftest"
	"github.com/coreinspect/dwarfcore/libdw"
)

const langC = 0x0c // DW_LANG_C99

func compileUnit() *dwarftest.DIE {
	return dwarftest.New(dwarf.TagCompileUnit).Int(dwarf.AttrLanguage, langC)
}

func intBase(name string, size uint64) *dwarftest.DIE {
	return dwarftest.New(dwarf.TagBaseType).
		Str(dwarf.AttrName, name).
		Uint(dwarf.AttrEncoding, encSigned).
		Uint(dwarf.AttrByteSize, size)
}

func construct(t *testing.T, root *dwarftest.DIE) (*Constructor, *dwdie.Module) {
	t.Helper()
	mod := dwarftest.NewModule(root)
	dm, err := dwdie.New(mod)
	require.NoError(t, err)
	c := NewConstructor(func(libdw.Module) (*dwdie.Module, error) {
		return dm, nil
	}, nil)
	return c, dm
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

func TestBaseTypes(t *testing.T) {
	root := compileUnit().Child(
		intBase("int", 4),
		dwarftest.New(dwarf.TagBaseType).
			Str(dwarf.AttrName, "unsigned char").
			Uint(dwarf.AttrEncoding, encUnsignedChar).
			Uint(dwarf.AttrByteSize, 1),
		dwarftest.New(dwarf.TagBaseType).
			Str(dwarf.AttrName, "_Bool").
			Uint(dwarf.AttrEncoding, encBoolean).
			Uint(dwarf.AttrByteSize, 1),
		dwarftest.New(dwarf.TagBaseType).
			Str(dwarf.AttrName, "double").
			Uint(dwarf.AttrEncoding, encFloat).
			Uint(dwarf.AttrByteSize, 8),
		dwarftest.New(dwarf.TagBaseType).
			Str(dwarf.AttrName, "be32").
			Uint(dwarf.AttrEncoding, encUnsigned).
			Uint(dwarf.AttrByteSize, 4).
			Uint(dwarf.AttrEndianity, endBig),
	)
	c, dm := construct(t, root)

	tests := map[string]struct {
		kind   Kind
		size   uint64
		signed bool
		le     bool
	}{
		"int":           {KindInt, 4, true, true},
		"unsigned char": {KindInt, 1, false, true},
		"_Bool":         {KindBool, 1, false, true},
		"double":        {KindFloat, 8, false, true},
		"be32":          {KindInt, 4, false, false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			qt, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagBaseType, name))
			require.NoError(t, err)
			assert.Equal(t, tc.kind, qt.Type.Kind)
			assert.Equal(t, name, qt.Type.Name)
			assert.Equal(t, tc.size, qt.Type.Size)
			assert.Equal(t, tc.signed, qt.Type.Signed)
			assert.Equal(t, tc.le, qt.Type.LittleEndian)
			assert.Equal(t, int64(langC), qt.Type.Language)
			assert.True(t, qt.Type.IsComplete())
		})
	}

	t.Run("interned with direct construction", func(t *testing.T) {
		qt, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagBaseType, "int"))
		require.NoError(t, err)
		assert.Same(t, c.IntType("int", 4, true, true, langC), qt.Type)
	})
	t.Run("missing encoding", func(t *testing.T) {
		root := compileUnit().Child(
			dwarftest.New(dwarf.TagBaseType).
				Str(dwarf.AttrName, "broken").
				Uint(dwarf.AttrByteSize, 4),
		)
		c, dm := construct(t, root)
		_, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagBaseType, "broken"))
		assert.ErrorContains(t, err, "DW_AT_encoding")
	})
}

func TestPointerInterning(t *testing.T) {
	intDIE := intBase("int", 4)
	ptrA := dwarftest.New(dwarf.TagPointerType).Ref(dwarf.AttrType, intDIE)
	ptrB := dwarftest.New(dwarf.TagPointerType).Ref(dwarf.AttrType, intDIE)
	root := compileUnit().Child(intDIE, ptrA, ptrB)
	c, dm := construct(t, root)

	var got []*Type
	cur := dwdie.NewCursor(dm)
	for {
		die, ok, err := cur.Next(true)
		require.NoError(t, err)
		if !ok {
			break
		}
		if die.Tag() != dwarf.TagPointerType {
			continue
		}
		qt, err := c.TypeFromDwarf(die)
		require.NoError(t, err)
		got = append(got, qt.Type)
	}
	require.Len(t, got, 2)
	assert.Same(t, got[0], got[1])
	assert.Equal(t, KindPointer, got[0].Kind)
	assert.Equal(t, uint64(8), got[0].Size)
	assert.Equal(t, KindInt, got[0].Ref.Type.Kind)

	intType := c.IntType("int", 4, true, true, langC)
	assert.Same(t, got[0], c.PointerType(QualifiedType{Type: intType}, 8, langC))
}

func TestTypedef(t *testing.T) {
	intDIE := intBase("int", 4)
	root := compileUnit().Child(
		intDIE,
		dwarftest.New(dwarf.TagTypedef).
			Str(dwarf.AttrName, "myint").
			Ref(dwarf.AttrType, intDIE),
	)
	c, dm := construct(t, root)

	qt, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagTypedef, "myint"))
	require.NoError(t, err)
	assert.Equal(t, KindTypedef, qt.Type.Kind)
	assert.Equal(t, "myint", qt.Type.Name)
	assert.Equal(t, KindInt, qt.Type.Ref.Type.Kind)
	size, ok := qt.Type.ByteSize()
	require.True(t, ok)
	assert.Equal(t, uint64(4), size)

	t.Run("unnamed typedef", func(t *testing.T) {
		intDIE := intBase("int", 4)
		root := compileUnit().Child(
			intDIE,
			dwarftest.New(dwarf.TagTypedef).Ref(dwarf.AttrType, intDIE),
		)
		c, dm := construct(t, root)
		_, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagTypedef, ""))
		assert.ErrorContains(t, err, "DW_AT_name")
	})
}

func TestQualifiers(t *testing.T) {
	intDIE := intBase("int", 4)
	volatileDIE := dwarftest.New(dwarf.TagVolatileType).Ref(dwarf.AttrType, intDIE)
	constDIE := dwarftest.New(dwarf.TagConstType).Ref(dwarf.AttrType, volatileDIE)
	root := compileUnit().Child(intDIE, volatileDIE, constDIE)
	c, dm := construct(t, root)

	qt, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagConstType, ""))
	require.NoError(t, err)
	assert.Equal(t, QualifierConst|QualifierVolatile, qt.Qualifiers)
	assert.Same(t, c.IntType("int", 4, true, true, langC), qt.Type)

	t.Run("qualified void", func(t *testing.T) {
		root := compileUnit().Child(dwarftest.New(dwarf.TagConstType))
		c, dm := construct(t, root)
		qt, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagConstType, ""))
		require.NoError(t, err)
		assert.Equal(t, KindVoid, qt.Type.Kind)
		assert.Equal(t, QualifierConst, qt.Qualifiers)
	})
}

func TestStructMembers(t *testing.T) {
	intDIE := intBase("int", 4)
	root := compileUnit().Child(
		intDIE,
		dwarftest.New(dwarf.TagStructType).
			Str(dwarf.AttrName, "point").
			Uint(dwarf.AttrByteSize, 8).
			Child(
				dwarftest.New(dwarf.TagMember).
					Str(dwarf.AttrName, "x").
					Ref(dwarf.AttrType, intDIE).
					Uint(dwarf.AttrDataMemberLoc, 0),
				dwarftest.New(dwarf.TagMember).
					Str(dwarf.AttrName, "y").
					Ref(dwarf.AttrType, intDIE).
					Uint(dwarf.AttrDataMemberLoc, 4),
			),
	)
	c, dm := construct(t, root)

	qt, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagStructType, "point"))
	require.NoError(t, err)
	st := qt.Type
	assert.Equal(t, KindStruct, st.Kind)
	assert.Equal(t, "point", st.Name)
	assert.Equal(t, uint64(8), st.Size)
	assert.True(t, st.Complete)
	require.Len(t, st.Members, 2)

	assert.Equal(t, "x", st.Members[0].Name)
	assert.Equal(t, uint64(0), st.Members[0].BitOffset)
	assert.Equal(t, "y", st.Members[1].Name)
	assert.Equal(t, uint64(32), st.Members[1].BitOffset)
	for _, m := range st.Members {
		mt, err := m.Type.Get()
		require.NoError(t, err)
		assert.Equal(t, KindInt, mt.Type.Kind)
		assert.Zero(t, m.BitFieldSize)
	}
}

func TestStructMemberLocationExpr(t *testing.T) {
	intDIE := intBase("int", 4)
	member := func(block []byte) *dwarftest.DIE {
		return dwarftest.New(dwarf.TagStructType).
			Str(dwarf.AttrName, "s").
			Uint(dwarf.AttrByteSize, 16).
			Child(
				dwarftest.New(dwarf.TagMember).
					Str(dwarf.AttrName, "m").
					Ref(dwarf.AttrType, intDIE).
					Block(dwarf.AttrDataMemberLoc, block),
			)
	}

	t.Run("plus_uconst", func(t *testing.T) {
		// DW_OP_plus_uconst 12
		c, dm := construct(t, compileUnit().Child(intDIE, member([]byte{0x23, 12})))
		qt, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagStructType, "s"))
		require.NoError(t, err)
		require.Len(t, qt.Type.Members, 1)
		assert.Equal(t, uint64(96), qt.Type.Members[0].BitOffset)
	})
	t.Run("unsupported expression", func(t *testing.T) {
		// DW_OP_lit0
		c, dm := construct(t, compileUnit().Child(intDIE, member([]byte{0x30})))
		_, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagStructType, "s"))
		assert.ErrorContains(t, err, "DW_AT_data_member_location")
	})
}

func TestBitFields(t *testing.T) {
	intDIE := intBase("int", 4)
	root := compileUnit().Child(
		intDIE,
		dwarftest.New(dwarf.TagStructType).
			Str(dwarf.AttrName, "flags").
			Uint(dwarf.AttrByteSize, 1).
			Child(
				dwarftest.New(dwarf.TagMember).
					Str(dwarf.AttrName, "a").
					Ref(dwarf.AttrType, intDIE).
					Uint(dwarf.AttrDataMemberLoc, 0).
					Uint(dwarf.AttrByteSize, 1).
					Uint(dwarf.AttrBitSize, 3).
					Uint(dwarf.AttrBitOffset, 5),
				dwarftest.New(dwarf.TagMember).
					Str(dwarf.AttrName, "b").
					Ref(dwarf.AttrType, intDIE).
					Uint(dwarf.AttrDataMemberLoc, 0).
					Uint(dwarf.AttrByteSize, 1).
					Uint(dwarf.AttrBitSize, 3).
					Uint(dwarf.AttrBitOffset, 2),
				dwarftest.New(dwarf.TagMember).
					Str(dwarf.AttrName, "c").
					Ref(dwarf.AttrType, intDIE).
					Uint(dwarf.AttrDataBitOffset, 6).
					Uint(dwarf.AttrBitSize, 2),
			),
	)
	c, dm := construct(t, root)

	qt, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagStructType, "flags"))
	require.NoError(t, err)
	require.Len(t, qt.Type.Members, 3)

	// DW_AT_bit_offset counts from the most significant bit, so on a
	// little-endian target member a at MSB offset 5 occupies bits [0,3).
	a := qt.Type.Members[0]
	assert.Equal(t, uint64(0), a.BitOffset)
	assert.Equal(t, uint64(3), a.BitFieldSize)

	b := qt.Type.Members[1]
	assert.Equal(t, uint64(3), b.BitOffset)
	assert.Equal(t, uint64(3), b.BitFieldSize)

	c3 := qt.Type.Members[2]
	assert.Equal(t, uint64(6), c3.BitOffset)
	assert.Equal(t, uint64(2), c3.BitFieldSize)
}

func TestBitFieldSizeFromMemberType(t *testing.T) {
	// Without DW_AT_byte_size on the member, the flip uses the byte size
	// of the member's type.
	intDIE := intBase("int", 4)
	root := compileUnit().Child(
		intDIE,
		dwarftest.New(dwarf.TagStructType).
			Str(dwarf.AttrName, "s").
			Uint(dwarf.AttrByteSize, 4).
			Child(
				dwarftest.New(dwarf.TagMember).
					Str(dwarf.AttrName, "f").
					Ref(dwarf.AttrType, intDIE).
					Uint(dwarf.AttrDataMemberLoc, 0).
					Uint(dwarf.AttrBitSize, 5).
					Uint(dwarf.AttrBitOffset, 20),
			),
	)
	c, dm := construct(t, root)

	qt, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagStructType, "s"))
	require.NoError(t, err)
	require.Len(t, qt.Type.Members, 1)
	// 4*8 - 20 - 5 = 7
	assert.Equal(t, uint64(7), qt.Type.Members[0].BitOffset)
}

func TestIncompleteRecord(t *testing.T) {
	root := compileUnit().Child(
		dwarftest.New(dwarf.TagStructType).
			Str(dwarf.AttrName, "opaque").
			Flag(dwarf.AttrDeclaration),
	)
	c, dm := construct(t, root)

	qt, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagStructType, "opaque"))
	require.NoError(t, err)
	assert.Equal(t, KindStruct, qt.Type.Kind)
	assert.False(t, qt.Type.Complete)
	assert.False(t, qt.Type.IsComplete())
	_, ok := qt.Type.ByteSize()
	assert.False(t, ok)
}

func TestUnion(t *testing.T) {
	intDIE := intBase("int", 4)
	root := compileUnit().Child(
		intDIE,
		dwarftest.New(dwarf.TagUnionType).
			Str(dwarf.AttrName, "u").
			Uint(dwarf.AttrByteSize, 4).
			Child(
				dwarftest.New(dwarf.TagMember).
					Str(dwarf.AttrName, "i").
					Ref(dwarf.AttrType, intDIE),
				dwarftest.New(dwarf.TagMember).
					Str(dwarf.AttrName, "j").
					Ref(dwarf.AttrType, intDIE),
			),
	)
	c, dm := construct(t, root)

	qt, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagUnionType, "u"))
	require.NoError(t, err)
	assert.Equal(t, KindUnion, qt.Type.Kind)
	require.Len(t, qt.Type.Members, 2)
	assert.Equal(t, uint64(0), qt.Type.Members[0].BitOffset)
	assert.Equal(t, uint64(0), qt.Type.Members[1].BitOffset)
}

func TestEnum(t *testing.T) {
	t.Run("signed enumerators", func(t *testing.T) {
		root := compileUnit().Child(
			dwarftest.New(dwarf.TagEnumerationType).
				Str(dwarf.AttrName, "level").
				Uint(dwarf.AttrByteSize, 4).
				Child(
					dwarftest.New(dwarf.TagEnumerator).
						Str(dwarf.AttrName, "LOW").
						Int(dwarf.AttrConstValue, -1),
					dwarftest.New(dwarf.TagEnumerator).
						Str(dwarf.AttrName, "HIGH").
						Int(dwarf.AttrConstValue, 1),
				),
		)
		c, dm := construct(t, root)

		qt, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagEnumerationType, "level"))
		require.NoError(t, err)
		et := qt.Type
		assert.Equal(t, KindEnum, et.Kind)
		assert.Equal(t, uint64(4), et.Size)
		require.NotNil(t, et.CompatibleType)
		assert.Equal(t, "int", et.CompatibleType.Name)
		assert.True(t, et.CompatibleType.Signed)
		require.Len(t, et.Enumerators, 2)
		assert.Equal(t, Enumerator{Name: "LOW", Value: ^uint64(0), Signed: true}, et.Enumerators[0])
		assert.Equal(t, Enumerator{Name: "HIGH", Value: 1, Signed: true}, et.Enumerators[1])
	})

	t.Run("unsigned default size", func(t *testing.T) {
		root := compileUnit().Child(
			dwarftest.New(dwarf.TagEnumerationType).
				Str(dwarf.AttrName, "color").
				Child(
					dwarftest.New(dwarf.TagEnumerator).
						Str(dwarf.AttrName, "RED").
						Int(dwarf.AttrConstValue, 0),
				),
		)
		c, dm := construct(t, root)

		qt, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagEnumerationType, "color"))
		require.NoError(t, err)
		assert.Equal(t, "unsigned int", qt.Type.CompatibleType.Name)
		assert.False(t, qt.Type.CompatibleType.Signed)
		assert.Equal(t, uint64(4), qt.Type.Size)
	})

	t.Run("explicit compatible type", func(t *testing.T) {
		ucharDIE := dwarftest.New(dwarf.TagBaseType).
			Str(dwarf.AttrName, "unsigned char").
			Uint(dwarf.AttrEncoding, encUnsignedChar).
			Uint(dwarf.AttrByteSize, 1)
		root := compileUnit().Child(
			ucharDIE,
			dwarftest.New(dwarf.TagEnumerationType).
				Str(dwarf.AttrName, "tiny").
				Uint(dwarf.AttrByteSize, 1).
				Ref(dwarf.AttrType, ucharDIE).
				Child(
					dwarftest.New(dwarf.TagEnumerator).
						Str(dwarf.AttrName, "ONE").
						Int(dwarf.AttrConstValue, 1),
				),
		)
		c, dm := construct(t, root)

		qt, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagEnumerationType, "tiny"))
		require.NoError(t, err)
		assert.Same(t, c.IntType("unsigned char", 1, false, true, langC), qt.Type.CompatibleType)
		assert.Equal(t, uint64(1), qt.Type.Size)
	})

	t.Run("declaration", func(t *testing.T) {
		root := compileUnit().Child(
			dwarftest.New(dwarf.TagEnumerationType).
				Str(dwarf.AttrName, "fwd").
				Flag(dwarf.AttrDeclaration),
		)
		c, dm := construct(t, root)

		qt, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagEnumerationType, "fwd"))
		require.NoError(t, err)
		assert.False(t, qt.Type.Complete)
	})

	t.Run("unnamed enumerator", func(t *testing.T) {
		root := compileUnit().Child(
			dwarftest.New(dwarf.TagEnumerationType).
				Uint(dwarf.AttrByteSize, 4).
				Child(
					dwarftest.New(dwarf.TagEnumerator).
						Int(dwarf.AttrConstValue, 0),
				),
		)
		c, dm := construct(t, root)

		_, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagEnumerationType, ""))
		assert.ErrorContains(t, err, "DW_AT_name")
	})
}

func TestArrays(t *testing.T) {
	t.Run("count", func(t *testing.T) {
		intDIE := intBase("int", 4)
		root := compileUnit().Child(
			intDIE,
			dwarftest.New(dwarf.TagArrayType).
				Ref(dwarf.AttrType, intDIE).
				Child(
					dwarftest.New(dwarf.TagSubrangeType).Uint(dwarf.AttrCount, 3),
				),
		)
		c, dm := construct(t, root)

		qt, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagArrayType, ""))
		require.NoError(t, err)
		at := qt.Type
		assert.Equal(t, KindArray, at.Kind)
		assert.Equal(t, uint64(3), at.Length)
		assert.True(t, at.HasLength)
		size, ok := at.ByteSize()
		require.True(t, ok)
		assert.Equal(t, uint64(12), size)
	})

	t.Run("multidimensional", func(t *testing.T) {
		intDIE := intBase("int", 4)
		root := compileUnit().Child(
			intDIE,
			dwarftest.New(dwarf.TagArrayType).
				Ref(dwarf.AttrType, intDIE).
				Child(
					dwarftest.New(dwarf.TagSubrangeType).Int(dwarf.AttrUpperBound, 1),
					dwarftest.New(dwarf.TagSubrangeType).Int(dwarf.AttrUpperBound, 2),
				),
		)
		c, dm := construct(t, root)

		qt, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagArrayType, ""))
		require.NoError(t, err)
		outer := qt.Type
		assert.Equal(t, uint64(2), outer.Length)
		inner := outer.Ref.Type
		require.Equal(t, KindArray, inner.Kind)
		assert.Equal(t, uint64(3), inner.Length)
		assert.Equal(t, KindInt, inner.Ref.Type.Kind)
	})

	t.Run("incomplete", func(t *testing.T) {
		intDIE := intBase("int", 4)
		root := compileUnit().Child(
			intDIE,
			dwarftest.New(dwarf.TagArrayType).Ref(dwarf.AttrType, intDIE),
		)
		c, dm := construct(t, root)

		qt, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagArrayType, ""))
		require.NoError(t, err)
		assert.False(t, qt.Type.HasLength)
		assert.False(t, qt.Type.IsComplete())
	})

	t.Run("interned", func(t *testing.T) {
		intDIE := intBase("int", 4)
		mk := func() *dwarftest.DIE {
			return dwarftest.New(dwarf.TagArrayType).
				Ref(dwarf.AttrType, intDIE).
				Child(dwarftest.New(dwarf.TagSubrangeType).Uint(dwarf.AttrCount, 2))
		}
		root := compileUnit().Child(intDIE, mk(), mk())
		c, dm := construct(t, root)

		var got []*Type
		cur := dwdie.NewCursor(dm)
		for {
			die, ok, err := cur.Next(true)
			require.NoError(t, err)
			if !ok {
				break
			}
			if die.Tag() != dwarf.TagArrayType {
				continue
			}
			qt, err := c.TypeFromDwarf(die)
			require.NoError(t, err)
			got = append(got, qt.Type)
		}
		require.Len(t, got, 2)
		assert.Same(t, got[0], got[1])
	})
}

func TestFlexibleArrayMember(t *testing.T) {
	intDIE := intBase("int", 4)
	flexArray := func() *dwarftest.DIE {
		return dwarftest.New(dwarf.TagArrayType).Ref(dwarf.AttrType, intDIE)
	}
	arrA, arrB := flexArray(), flexArray()
	root := compileUnit().Child(
		intDIE, arrA, arrB,
		dwarftest.New(dwarf.TagStructType).
			Str(dwarf.AttrName, "msg").
			Uint(dwarf.AttrByteSize, 4).
			Child(
				dwarftest.New(dwarf.TagMember).
					Str(dwarf.AttrName, "head").
					Ref(dwarf.AttrType, arrA).
					Uint(dwarf.AttrDataMemberLoc, 0),
				dwarftest.New(dwarf.TagMember).
					Str(dwarf.AttrName, "data").
					Ref(dwarf.AttrType, arrB).
					Uint(dwarf.AttrDataMemberLoc, 4),
			),
	)
	c, dm := construct(t, root)

	qt, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagStructType, "msg"))
	require.NoError(t, err)
	require.Len(t, qt.Type.Members, 2)

	// A non-trailing member of unknown length decays to a zero-length
	// array; the trailing member stays incomplete.
	head, err := qt.Type.Members[0].Type.Get()
	require.NoError(t, err)
	assert.True(t, head.Type.HasLength)
	assert.Equal(t, uint64(0), head.Type.Length)

	data, err := qt.Type.Members[1].Type.Get()
	require.NoError(t, err)
	assert.False(t, data.Type.HasLength)
}

func TestFunctionType(t *testing.T) {
	intDIE := intBase("int", 4)
	ptrDIE := dwarftest.New(dwarf.TagPointerType).Ref(dwarf.AttrType, intDIE)
	root := compileUnit().Child(
		intDIE, ptrDIE,
		dwarftest.New(dwarf.TagSubroutineType).
			Ref(dwarf.AttrType, intDIE).
			Child(
				dwarftest.New(dwarf.TagFormalParameter).
					Str(dwarf.AttrName, "fmt").
					Ref(dwarf.AttrType, ptrDIE),
				dwarftest.New(dwarf.TagUnspecifiedParameters),
			),
	)
	c, dm := construct(t, root)

	qt, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagSubroutineType, ""))
	require.NoError(t, err)
	ft := qt.Type
	assert.Equal(t, KindFunction, ft.Kind)
	assert.Equal(t, KindInt, ft.Ref.Type.Kind)
	assert.True(t, ft.Variadic)
	require.Len(t, ft.Params, 1)
	assert.Equal(t, "fmt", ft.Params[0].Name)
	pt, err := ft.Params[0].Type.Get()
	require.NoError(t, err)
	assert.Equal(t, KindPointer, pt.Type.Kind)
	_, ok := ft.ByteSize()
	assert.False(t, ok)

	t.Run("parameter after unspecified", func(t *testing.T) {
		root := compileUnit().Child(
			intDIE,
			dwarftest.New(dwarf.TagSubroutineType).Child(
				dwarftest.New(dwarf.TagUnspecifiedParameters),
				dwarftest.New(dwarf.TagFormalParameter).Ref(dwarf.AttrType, intDIE),
			),
		)
		c, dm := construct(t, root)
		_, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagSubroutineType, ""))
		assert.ErrorContains(t, err, "DW_TAG_unspecified_parameters")
	})
}

func TestRecursiveStruct(t *testing.T) {
	node := dwarftest.New(dwarf.TagStructType).
		Str(dwarf.AttrName, "node").
		Uint(dwarf.AttrByteSize, 16)
	ptr := dwarftest.New(dwarf.TagPointerType).Ref(dwarf.AttrType, node)
	intDIE := intBase("int", 4)
	node.Child(
		dwarftest.New(dwarf.TagMember).
			Str(dwarf.AttrName, "value").
			Ref(dwarf.AttrType, intDIE).
			Uint(dwarf.AttrDataMemberLoc, 0),
		dwarftest.New(dwarf.TagMember).
			Str(dwarf.AttrName, "next").
			Ref(dwarf.AttrType, ptr).
			Uint(dwarf.AttrDataMemberLoc, 8),
	)
	root := compileUnit().Child(intDIE, node, ptr)
	c, dm := construct(t, root)

	qt, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagStructType, "node"))
	require.NoError(t, err)
	require.Len(t, qt.Type.Members, 2)

	next, err := qt.Type.Members[1].Type.Get()
	require.NoError(t, err)
	require.Equal(t, KindPointer, next.Type.Kind)
	assert.Same(t, qt.Type, next.Type.Ref.Type)
}

func TestMemoization(t *testing.T) {
	root := compileUnit().Child(
		dwarftest.New(dwarf.TagStructType).
			Str(dwarf.AttrName, "s").
			Uint(dwarf.AttrByteSize, 4),
	)
	c, dm := construct(t, root)
	die := findDIE(t, dm, dwarf.TagStructType, "s")

	first, err := c.TypeFromDwarf(die)
	require.NoError(t, err)
	second, err := c.TypeFromDwarf(die)
	require.NoError(t, err)
	assert.Same(t, first.Type, second.Type)
}

func TestRecursionLimit(t *testing.T) {
	intDIE := intBase("int", 4)
	children := []*dwarftest.DIE{intDIE}
	ref := intDIE
	for range maxDepth + 10 {
		wrapper := dwarftest.New(dwarf.TagConstType).Ref(dwarf.AttrType, ref)
		children = append(children, wrapper)
		ref = wrapper
	}
	root := compileUnit().Child(children...)
	c, dm := construct(t, root)

	outermost := findDIEAtLastConst(t, dm)
	_, err := c.TypeFromDwarf(outermost)
	require.ErrorIs(t, err, libdw.ErrRecursion)
}

// findDIEAtLastConst returns the last DW_TAG_const_type of the unit,
// which is the outermost wrapper of the chain built above.
func findDIEAtLastConst(t *testing.T, m *dwdie.Module) dwdie.DIE {
	t.Helper()
	var last dwdie.DIE
	cur := dwdie.NewCursor(m)
	for {
		die, ok, err := cur.Next(true)
		require.NoError(t, err)
		if !ok {
			break
		}
		if die.Tag() == dwarf.TagConstType {
			last = die
		}
	}
	require.True(t, last.Valid())
	return last
}

func TestTemplateParameters(t *testing.T) {
	intDIE := intBase("int", 4)
	root := compileUnit().Child(
		intDIE,
		dwarftest.New(dwarf.TagClassType).
			Str(dwarf.AttrName, "vec").
			Uint(dwarf.AttrByteSize, 24).
			Child(
				dwarftest.New(dwarf.TagTemplateTypeParameter).
					Str(dwarf.AttrName, "T").
					Ref(dwarf.AttrType, intDIE),
				dwarftest.New(dwarf.TagTemplateValueParameter).
					Str(dwarf.AttrName, "N").
					Ref(dwarf.AttrType, intDIE).
					Uint(dwarf.AttrConstValue, 8),
			),
	)
	c, dm := construct(t, root)

	qt, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagClassType, "vec"))
	require.NoError(t, err)
	assert.Equal(t, KindClass, qt.Type.Kind)
	require.Len(t, qt.Type.TemplateParams, 2)

	tp := qt.Type.TemplateParams[0]
	assert.Equal(t, "T", tp.Name)
	assert.False(t, tp.ValueDIE.Valid())
	tt, err := tp.Type.Get()
	require.NoError(t, err)
	assert.Equal(t, KindInt, tt.Type.Kind)

	vp := qt.Type.TemplateParams[1]
	assert.Equal(t, "N", vp.Name)
	require.True(t, vp.ValueDIE.Valid())
	v, ok := vp.ValueDIE.Uint(dwarf.AttrConstValue)
	require.True(t, ok)
	assert.Equal(t, uint64(8), v)
}

func TestUnknownTypeTag(t *testing.T) {
	root := compileUnit().Child(
		dwarftest.New(dwarf.TagVariable).Str(dwarf.AttrName, "x"),
	)
	c, dm := construct(t, root)

	_, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagVariable, "x"))
	assert.ErrorContains(t, err, "unknown DWARF type tag")
}

func TestTypeFromAttrAbsent(t *testing.T) {
	// A pointer without DW_AT_type points at void.
	root := compileUnit().Child(dwarftest.New(dwarf.TagPointerType))
	c, dm := construct(t, root)

	qt, err := c.TypeFromDwarf(findDIE(t, dm, dwarf.TagPointerType, ""))
	require.NoError(t, err)
	assert.Equal(t, KindVoid, qt.Type.Ref.Type.Kind)
	assert.Same(t, c.VoidType(langC), qt.Type.Ref.Type)
}
