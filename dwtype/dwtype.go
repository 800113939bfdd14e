// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package dwtype builds the type graph of a program from DWARF type DIEs.
// Nodes are interned per constructor: constructing the same primitive,
// pointer or array type twice yields the same node, so downstream type
// equality is pointer equality.
package dwtype // import "github.com/coreinspect/dwarfcore/dwtype"

import (
	"github.com/coreinspect/dwarfcore/dwdie"
	"github.com/coreinspect/dwarfcore/libdw/xsync"
)

// Kind discriminates the type node variants.
type Kind int

const (
	KindVoid Kind = iota
	KindInt
	KindBool
	KindFloat
	KindPointer
	KindArray
	KindStruct
	KindUnion
	KindClass
	KindEnum
	KindTypedef
	KindFunction
)

var kindNames = map[Kind]string{
	KindVoid:     "void",
	KindInt:      "int",
	KindBool:     "bool",
	KindFloat:    "float",
	KindPointer:  "pointer",
	KindArray:    "array",
	KindStruct:   "struct",
	KindUnion:    "union",
	KindClass:    "class",
	KindEnum:     "enum",
	KindTypedef:  "typedef",
	KindFunction: "function",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "<invalid kind>"
}

// Qualifiers is the bitset of C type qualifiers attached to a type use.
type Qualifiers uint8

const (
	QualifierConst Qualifiers = 1 << iota
	QualifierVolatile
	QualifierRestrict
	QualifierAtomic
)

// QualifiedType pairs a type node with the qualifiers of one use of it.
// Qualifiers are not part of node identity.
type QualifiedType struct {
	Type       *Type
	Qualifiers Qualifiers
}

// LazyType defers construction of a referenced type until first access.
// Members and parameters hold lazy types so that mutually recursive
// compound definitions terminate.
type LazyType struct {
	once xsync.Once[QualifiedType]
	fn   func() (QualifiedType, error)
}

// NewLazyType wraps fn; once a call of fn succeeds it is not called
// again, and a failed call is repeated on the next Get.
func NewLazyType(fn func() (QualifiedType, error)) *LazyType {
	return &LazyType{fn: fn}
}

// Get forces the lazy type.
func (l *LazyType) Get() (QualifiedType, error) {
	qt, err := l.once.GetOrInit(l.fn)
	if err != nil {
		return QualifiedType{}, err
	}
	return *qt, nil
}

// Member is one member of a struct, union or class type. BitOffset is
// relative to the start of the containing record. BitFieldSize is zero
// for plain members.
type Member struct {
	Name         string
	BitOffset    uint64
	BitFieldSize uint64
	Type         *LazyType
}

// TemplateParameter is one template parameter of a record or function
// type. Type parameters carry a lazy type; value parameters additionally
// reference the DIE holding the value, which callers materialize as an
// object.
type TemplateParameter struct {
	Name      string
	IsDefault bool
	Type      *LazyType
	// ValueDIE is valid for template value parameters.
	ValueDIE dwdie.DIE
}

// Enumerator is one named constant of an enum type. The value is stored
// raw; Signed selects its interpretation.
type Enumerator struct {
	Name   string
	Value  uint64
	Signed bool
}

// Parameter is one formal parameter of a function type.
type Parameter struct {
	Name string
	Type *LazyType
}

// Type is one node in the type graph. The populated fields depend on the
// kind. Nodes are immutable once returned from the constructor.
type Type struct {
	Kind Kind
	// Name is the type name for primitives and typedefs, and the tag
	// name for record and enum types. Anonymous types leave it empty.
	Name string
	// Size is the byte size of primitive, pointer, record and enum
	// types. It is zero for void, incomplete, function, array and typedef
	// types; ByteSize computes the size of arrays and typedefs.
	Size uint64
	// Signed is set for signed integer types.
	Signed bool
	// LittleEndian is the byte order of the type, which may differ from
	// the module default via DW_AT_endianity.
	LittleEndian bool
	// Language is the DW_LANG code of the unit the type was built from.
	Language int64

	// Ref is the referenced type: pointee, typedef target, array element
	// or function return type.
	Ref QualifiedType
	// Length is the array element count; HasLength is false for
	// incomplete arrays.
	Length    uint64
	HasLength bool

	// Complete is false for declared-but-not-defined record and enum
	// types.
	Complete       bool
	Members        []Member
	TemplateParams []TemplateParameter

	// CompatibleType is the integer type an enum is compatible with.
	CompatibleType *Type
	Enumerators    []Enumerator

	Params   []Parameter
	Variadic bool
}

// IsComplete reports whether the type has a known size or layout.
func (t *Type) IsComplete() bool {
	switch t.Kind {
	case KindStruct, KindUnion, KindClass, KindEnum:
		return t.Complete
	case KindArray:
		return t.HasLength
	case KindVoid, KindFunction:
		return false
	}
	return true
}

// ByteSize returns the byte size of the type, following typedefs.
func (t *Type) ByteSize() (uint64, bool) {
	for t.Kind == KindTypedef {
		if t.Ref.Type == nil {
			return 0, false
		}
		t = t.Ref.Type
	}
	switch t.Kind {
	case KindVoid, KindFunction:
		return 0, false
	case KindArray:
		if !t.HasLength {
			return 0, false
		}
		elem, ok := t.Ref.Type.ByteSize()
		if !ok {
			return 0, false
		}
		return t.Length * elem, true
	case KindEnum:
		if !t.Complete {
			return 0, false
		}
		return t.Size, true
	}
	if !t.IsComplete() {
		return 0, false
	}
	return t.Size, true
}
