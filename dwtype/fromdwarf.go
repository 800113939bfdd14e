// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

package dwtype // import "github.com/coreinspect/dwarfcore/dwtype"

import (
	"debug/dwarf"
	"errors"
	"fmt"

	"github.com/coreinspect/dwarfcore/dwdie"
	"github.com/coreinspect/dwarfcore/libdw"
)

// maxDepth bounds type construction recursion.
const maxDepth = 1000

// DWARF base type encodings, §7.8.
const (
	encBoolean      = 0x02
	encFloat        = 0x04
	encSigned       = 0x05
	encSignedChar   = 0x06
	encUnsigned     = 0x07
	encUnsignedChar = 0x08
	encUTF          = 0x10
)

// DW_AT_endianity values, §7.8.
const (
	endDefault = 0x00
	endBig     = 0x01
	endLittle  = 0x02
)

type dieKey struct {
	mod libdw.Module
	off dwarf.Offset
}

type memoEntry struct {
	typ               *Type
	qualifiers        Qualifiers
	isIncompleteArray bool
}

type primitiveKey struct {
	kind         Kind
	name         string
	size         uint64
	signed       bool
	littleEndian bool
	language     int64
}

type pointerKey struct {
	ref        *Type
	qualifiers Qualifiers
	size       uint64
}

type arrayKey struct {
	elem       *Type
	qualifiers Qualifiers
	length     uint64
	hasLength  bool
}

// Constructor builds and owns type nodes. It memoizes construction per
// DIE and interns primitive, pointer and array nodes so that equal
// constructions return the same node.
type Constructor struct {
	// Dies resolves the DIE view of a module, so that definitions found
	// through the index can live in other modules.
	Dies func(mod libdw.Module) (*dwdie.Module, error)
	// Index maps declarations to definitions. Optional.
	Index libdw.Index

	primitives map[primitiveKey]*Type
	pointers   map[pointerKey]*Type
	arrays     map[arrayKey]*Type
	types      map[dieKey]memoEntry
	// cantBeIncompleteArrayTypes specializes memoization for positions
	// where an incomplete array must decay to zero length.
	cantBeIncompleteArrayTypes map[dieKey]memoEntry
	depth                      int
}

// NewConstructor returns an empty type constructor.
func NewConstructor(dies func(libdw.Module) (*dwdie.Module, error), index libdw.Index) *Constructor {
	return &Constructor{
		Dies:                       dies,
		Index:                      index,
		primitives:                 make(map[primitiveKey]*Type),
		pointers:                   make(map[pointerKey]*Type),
		arrays:                     make(map[arrayKey]*Type),
		types:                      make(map[dieKey]memoEntry),
		cantBeIncompleteArrayTypes: make(map[dieKey]memoEntry),
	}
}

func (c *Constructor) primitive(key primitiveKey) *Type {
	if t, ok := c.primitives[key]; ok {
		return t
	}
	t := &Type{
		Kind:         key.kind,
		Name:         key.name,
		Size:         key.size,
		Signed:       key.signed,
		LittleEndian: key.littleEndian,
		Language:     key.language,
		Complete:     true,
	}
	c.primitives[key] = t
	return t
}

// VoidType returns the interned void type for the language.
func (c *Constructor) VoidType(language int64) *Type {
	return c.primitive(primitiveKey{kind: KindVoid, language: language})
}

// IntType returns the interned integer type.
func (c *Constructor) IntType(name string, size uint64, signed, littleEndian bool, language int64) *Type {
	return c.primitive(primitiveKey{
		kind: KindInt, name: name, size: size, signed: signed,
		littleEndian: littleEndian, language: language,
	})
}

// BoolType returns the interned boolean type.
func (c *Constructor) BoolType(name string, size uint64, littleEndian bool, language int64) *Type {
	return c.primitive(primitiveKey{
		kind: KindBool, name: name, size: size, littleEndian: littleEndian,
		language: language,
	})
}

// FloatType returns the interned floating-point type.
func (c *Constructor) FloatType(name string, size uint64, littleEndian bool, language int64) *Type {
	return c.primitive(primitiveKey{
		kind: KindFloat, name: name, size: size, littleEndian: littleEndian,
		language: language,
	})
}

// PointerType returns the interned pointer type to the referenced type.
// The qualifiers of the referenced use are part of the identity.
func (c *Constructor) PointerType(ref QualifiedType, size uint64, language int64) *Type {
	key := pointerKey{ref: ref.Type, qualifiers: ref.Qualifiers, size: size}
	if t, ok := c.pointers[key]; ok {
		return t
	}
	t := &Type{
		Kind: KindPointer, Size: size, Ref: ref, Complete: true,
		LittleEndian: ref.Type.LittleEndian, Language: language,
	}
	c.pointers[key] = t
	return t
}

// ArrayType returns the interned array type. hasLength false builds an
// incomplete array.
func (c *Constructor) ArrayType(elem QualifiedType, length uint64, hasLength bool, language int64) *Type {
	key := arrayKey{
		elem: elem.Type, qualifiers: elem.Qualifiers,
		length: length, hasLength: hasLength,
	}
	if t, ok := c.arrays[key]; ok {
		return t
	}
	t := &Type{
		Kind: KindArray, Ref: elem, Length: length, HasLength: hasLength,
		LittleEndian: elem.Type.LittleEndian, Language: language,
	}
	c.arrays[key] = t
	return t
}

// TypeFromDwarf builds the type described by a type DIE.
func (c *Constructor) TypeFromDwarf(die dwdie.DIE) (QualifiedType, error) {
	qt, _, err := c.typeFromDwarf(die, true)
	return qt, err
}

// TypeFromAttr builds the type referenced by a type-class attribute of
// die. An absent attribute yields void.
func (c *Constructor) TypeFromAttr(die dwdie.DIE, attr dwarf.Attr) (QualifiedType, error) {
	qt, _, err := c.typeFromAttr(die, attr, true)
	return qt, err
}

func (c *Constructor) typeFromAttr(die dwdie.DIE, attr dwarf.Attr, canBeIncompleteArray bool) (QualifiedType, bool, error) {
	m, err := c.Dies(die.CU.Module)
	if err != nil {
		return QualifiedType{}, false, err
	}
	ref, err := m.AttrDIE(die, attr)
	if errors.Is(err, libdw.ErrNotFound) {
		return QualifiedType{Type: c.VoidType(die.CU.Language)}, false, nil
	}
	if err != nil {
		return QualifiedType{}, false, err
	}
	return c.typeFromDwarf(ref, canBeIncompleteArray)
}

func (c *Constructor) typeFromDwarf(die dwdie.DIE, canBeIncompleteArray bool) (QualifiedType, bool, error) {
	if c.depth >= maxDepth {
		return QualifiedType{}, false, fmt.Errorf(
			"maximum type construction depth exceeded: %w", libdw.ErrRecursion)
	}

	m, err := c.Dies(die.CU.Module)
	if err != nil {
		return QualifiedType{}, false, err
	}
	if die.HasAttr(dwarf.AttrSignature) && die.Tag() != dwarf.TagTypeUnit {
		if die, err = m.AttrDIE(die, dwarf.AttrSignature); err != nil {
			return QualifiedType{}, false, err
		}
	}
	if die.Flag(dwarf.AttrDeclaration) && c.Index != nil {
		if def, ok := c.Index.FindDefinition(die.Ref()); ok {
			if m, err = c.Dies(def.Module); err != nil {
				return QualifiedType{}, false, err
			}
			if die, err = m.DIEAt(def.Offset); err != nil {
				return QualifiedType{}, false, err
			}
		}
	}

	key := dieKey{mod: die.CU.Module, off: die.Offset()}
	if entry, ok := c.types[key]; ok {
		if canBeIncompleteArray || !entry.isIncompleteArray {
			return QualifiedType{Type: entry.typ, Qualifiers: entry.qualifiers},
				entry.isIncompleteArray, nil
		}
	}
	if !canBeIncompleteArray {
		if entry, ok := c.cantBeIncompleteArrayTypes[key]; ok {
			return QualifiedType{Type: entry.typ, Qualifiers: entry.qualifiers}, false, nil
		}
	}

	c.depth++
	qt, isIncomplete, err := c.buildType(m, die, canBeIncompleteArray)
	c.depth--
	if err != nil {
		return QualifiedType{}, false, err
	}

	entry := memoEntry{
		typ: qt.Type, qualifiers: qt.Qualifiers,
		isIncompleteArray: isIncomplete,
	}
	if isIncomplete || canBeIncompleteArray {
		c.types[key] = entry
	} else {
		c.cantBeIncompleteArrayTypes[key] = entry
	}
	return qt, isIncomplete, nil
}

func (c *Constructor) buildType(m *dwdie.Module, die dwdie.DIE, canBeIncompleteArray bool) (QualifiedType, bool, error) {
	lang := die.CU.Language
	le := die.CU.Module.Platform().LittleEndian

	switch die.Tag() {
	case dwarf.TagConstType:
		return c.qualify(die, QualifierConst, canBeIncompleteArray)
	case dwarf.TagVolatileType:
		return c.qualify(die, QualifierVolatile, canBeIncompleteArray)
	case dwarf.TagRestrictType:
		return c.qualify(die, QualifierRestrict, canBeIncompleteArray)
	case dwarf.TagAtomicType:
		return c.qualify(die, QualifierAtomic, canBeIncompleteArray)
	case dwarf.TagBaseType:
		t, err := c.baseTypeFromDwarf(die, lang, le)
		return QualifiedType{Type: t}, false, err
	case dwarf.TagStructType:
		t, err := c.recordTypeFromDwarf(m, die, KindStruct, lang, le)
		return QualifiedType{Type: t}, false, err
	case dwarf.TagUnionType:
		t, err := c.recordTypeFromDwarf(m, die, KindUnion, lang, le)
		return QualifiedType{Type: t}, false, err
	case dwarf.TagClassType:
		t, err := c.recordTypeFromDwarf(m, die, KindClass, lang, le)
		return QualifiedType{Type: t}, false, err
	case dwarf.TagEnumerationType:
		t, err := c.enumTypeFromDwarf(m, die, lang, le)
		return QualifiedType{Type: t}, false, err
	case dwarf.TagTypedef:
		return c.typedefFromDwarf(die, lang, le, canBeIncompleteArray)
	case dwarf.TagPointerType:
		t, err := c.pointerTypeFromDwarf(die, lang)
		return QualifiedType{Type: t}, false, err
	case dwarf.TagArrayType:
		return c.arrayTypeFromDwarf(m, die, lang, canBeIncompleteArray)
	case dwarf.TagSubroutineType, dwarf.TagSubprogram:
		t, err := c.functionTypeFromDwarf(m, die, lang)
		return QualifiedType{Type: t}, false, err
	}
	return QualifiedType{}, false, die.Errorf("unknown DWARF type tag %v", die.Tag())
}

func (c *Constructor) qualify(die dwdie.DIE, q Qualifiers, canBeIncompleteArray bool) (QualifiedType, bool, error) {
	qt, isIncomplete, err := c.typeFromAttr(die, dwarf.AttrType, canBeIncompleteArray)
	if err != nil {
		return QualifiedType{}, false, err
	}
	qt.Qualifiers |= q
	return qt, isIncomplete, nil
}

func (c *Constructor) baseTypeFromDwarf(die dwdie.DIE, lang int64, le bool) (*Type, error) {
	name := die.Name()
	if name == "" {
		return nil, die.Errorf("DW_TAG_base_type has missing or invalid DW_AT_name")
	}
	enc, ok := die.Uint(dwarf.AttrEncoding)
	if !ok {
		return nil, die.Errorf("DW_TAG_base_type has missing or invalid DW_AT_encoding")
	}
	size, ok := die.Uint(dwarf.AttrByteSize)
	if !ok {
		return nil, die.Errorf("DW_TAG_base_type has missing or invalid DW_AT_byte_size")
	}
	le, err := typeByteOrder(die, le)
	if err != nil {
		return nil, err
	}

	switch enc {
	case encBoolean:
		return c.BoolType(name, size, le, lang), nil
	case encFloat:
		return c.FloatType(name, size, le, lang), nil
	case encSigned, encSignedChar:
		return c.IntType(name, size, true, le, lang), nil
	case encUnsigned, encUnsignedChar, encUTF:
		return c.IntType(name, size, false, le, lang), nil
	}
	return nil, die.Errorf("DW_TAG_base_type has unknown DW_AT_encoding %#x", enc)
}

// typeByteOrder applies a DW_AT_endianity override to the module default.
func typeByteOrder(die dwdie.DIE, le bool) (bool, error) {
	v, ok := die.Uint(dwarf.AttrEndianity)
	if !ok {
		return le, nil
	}
	switch v {
	case endDefault:
		return le, nil
	case endBig:
		return false, nil
	case endLittle:
		return true, nil
	}
	return false, die.Errorf("unknown DW_AT_endianity %#x", v)
}

func (c *Constructor) typedefFromDwarf(die dwdie.DIE, lang int64, le bool, canBeIncompleteArray bool) (QualifiedType, bool, error) {
	name := die.Name()
	if name == "" {
		return QualifiedType{}, false, die.Errorf("DW_TAG_typedef has missing or invalid DW_AT_name")
	}
	aliased, isIncomplete, err := c.typeFromAttr(die, dwarf.AttrType, canBeIncompleteArray)
	if err != nil {
		return QualifiedType{}, false, err
	}
	t := &Type{
		Kind: KindTypedef, Name: name, Ref: aliased,
		LittleEndian: le, Language: lang, Complete: true,
	}
	return QualifiedType{Type: t}, isIncomplete, nil
}

func (c *Constructor) pointerTypeFromDwarf(die dwdie.DIE, lang int64) (*Type, error) {
	size, ok := die.Uint(dwarf.AttrByteSize)
	if !ok {
		size = uint64(die.CU.Module.Platform().AddressSize)
	}
	ref, _, err := c.typeFromAttr(die, dwarf.AttrType, true)
	if err != nil {
		return nil, err
	}
	return c.PointerType(ref, size, lang), nil
}

type arrayDimension struct {
	length   uint64
	complete bool
}

func (c *Constructor) arrayTypeFromDwarf(m *dwdie.Module, die dwdie.DIE, lang int64, canBeIncompleteArray bool) (QualifiedType, bool, error) {
	var dims []arrayDimension
	for child, err := range m.Children(die) {
		if err != nil {
			return QualifiedType{}, false, err
		}
		if child.Tag() != dwarf.TagSubrangeType {
			continue
		}
		if count, ok := child.Uint(dwarf.AttrCount); ok {
			dims = append(dims, arrayDimension{length: count, complete: true})
		} else if upper, ok := child.Int(dwarf.AttrUpperBound); ok {
			dims = append(dims, arrayDimension{length: uint64(upper + 1), complete: true})
		} else {
			dims = append(dims, arrayDimension{})
		}
	}
	if len(dims) == 0 {
		dims = append(dims, arrayDimension{})
	}

	elem, _, err := c.typeFromAttr(die, dwarf.AttrType, false)
	if err != nil {
		return QualifiedType{}, false, err
	}
	for i := len(dims) - 1; i >= 0; i-- {
		var t *Type
		switch {
		case dims[i].complete:
			t = c.ArrayType(elem, dims[i].length, true, lang)
		case i == 0 && !canBeIncompleteArray:
			t = c.ArrayType(elem, 0, true, lang)
		default:
			t = c.ArrayType(elem, 0, false, lang)
		}
		elem = QualifiedType{Type: t}
	}
	isIncomplete := !dims[0].complete && canBeIncompleteArray
	return elem, isIncomplete, nil
}

func (c *Constructor) functionTypeFromDwarf(m *dwdie.Module, die dwdie.DIE, lang int64) (*Type, error) {
	ret, _, err := c.typeFromAttr(die, dwarf.AttrType, true)
	if err != nil {
		return nil, err
	}
	t := &Type{
		Kind: KindFunction, Name: die.Name(), Ref: ret,
		LittleEndian: die.CU.Module.Platform().LittleEndian,
		Language:     lang,
	}
	for child, err := range m.Children(die) {
		if err != nil {
			return nil, err
		}
		switch child.Tag() {
		case dwarf.TagFormalParameter:
			if t.Variadic {
				return nil, child.Errorf(
					"formal parameter follows DW_TAG_unspecified_parameters")
			}
			t.Params = append(t.Params, Parameter{
				Name: child.Name(),
				Type: c.lazyTypeAttr(child, dwarf.AttrType, true),
			})
		case dwarf.TagUnspecifiedParameters:
			t.Variadic = true
		case dwarf.TagTemplateTypeParameter, dwarf.TagTemplateValueParameter:
			t.TemplateParams = append(t.TemplateParams, c.templateParameter(child))
		}
	}
	return t, nil
}

// lazyTypeAttr defers resolution of a type-class attribute until first
// access, breaking cycles through compound types.
func (c *Constructor) lazyTypeAttr(die dwdie.DIE, attr dwarf.Attr, canBeIncompleteArray bool) *LazyType {
	return NewLazyType(func() (QualifiedType, error) {
		qt, _, err := c.typeFromAttr(die, attr, canBeIncompleteArray)
		return qt, err
	})
}

func (c *Constructor) templateParameter(die dwdie.DIE) TemplateParameter {
	p := TemplateParameter{
		Name:      die.Name(),
		IsDefault: die.Flag(dwarf.AttrDefaultValue),
		Type:      c.lazyTypeAttr(die, dwarf.AttrType, true),
	}
	if die.Tag() == dwarf.TagTemplateValueParameter {
		p.ValueDIE = die
	}
	return p
}
