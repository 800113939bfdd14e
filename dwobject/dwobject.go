// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package dwobject materializes program objects from DWARF descriptions:
// location expressions, constant values, enumerators and subprograms. An
// object is either absent, a reference into target memory, or a value
// buffer assembled from location pieces.
package dwobject // import "github.com/coreinspect/dwarfcore/dwobject"

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/coreinspect/dwarfcore/dwtype"
	"github.com/coreinspect/dwarfcore/libdw"
)

// Kind discriminates how an object's value is represented.
type Kind int

const (
	// KindAbsent marks an object that exists in the program but whose
	// value is not available, for example an optimized-out variable.
	KindAbsent Kind = iota
	// KindReference locates the object in target memory.
	KindReference
	// KindValue carries the object's bytes directly.
	KindValue
)

var kindNames = map[Kind]string{
	KindAbsent:    "absent",
	KindReference: "reference",
	KindValue:     "value",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "<invalid kind>"
}

// Object is a typed view of a program entity. BitSize is the object's
// width; for references BitOffset locates the first value bit within the
// byte at Address.
type Object struct {
	Type    dwtype.QualifiedType
	Kind    Kind
	BitSize uint64

	// Address is the biased target address of a reference.
	Address   libdw.Address
	BitOffset uint8

	// Bytes holds the value in target byte order.
	Bytes []byte
}

// Absent reports whether the object has no available value.
func (o *Object) Absent() bool {
	return o.Kind == KindAbsent
}

// Unsigned decodes a value object of at most 64 bits as an unsigned
// integer in the type's byte order.
func (o *Object) Unsigned() (uint64, error) {
	return o.decode()
}

// Signed decodes a value object of at most 64 bits as a signed integer,
// sign-extending from the object's bit size.
func (o *Object) Signed() (int64, error) {
	v, err := o.decode()
	if err != nil {
		return 0, err
	}
	if o.BitSize == 0 || o.BitSize >= 64 {
		return int64(v), nil
	}
	shift := 64 - o.BitSize
	return int64(v<<shift) >> shift, nil
}

func (o *Object) decode() (uint64, error) {
	if o.Kind != KindValue {
		return 0, errors.New("object is not a value")
	}
	if o.BitSize > 64 {
		return 0, fmt.Errorf("%d-bit object is too large for an integer", o.BitSize)
	}
	n := int((o.BitSize + 7) / 8)
	var b [8]byte
	if o.Type.Type.LittleEndian {
		copy(b[:], o.Bytes[:n])
		v := binary.LittleEndian.Uint64(b[:])
		if o.BitSize < 64 {
			v &= (uint64(1) << o.BitSize) - 1
		}
		return v, nil
	}
	copy(b[8-n:], o.Bytes[:n])
	v := binary.BigEndian.Uint64(b[:])
	// Big-endian values start at the most significant bit of the first
	// byte.
	v >>= uint64(8*n) - o.BitSize
	return v, nil
}
