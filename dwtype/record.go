// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

package dwtype // import "github.com/coreinspect/dwarfcore/dwtype"

import (
	"debug/dwarf"

	"github.com/coreinspect/dwarfcore/dwdie"
	"github.com/coreinspect/dwarfcore/libdw"
	"github.com/coreinspect/dwarfcore/libdw/dwbuf"
)

func (c *Constructor) recordTypeFromDwarf(m *dwdie.Module, die dwdie.DIE, kind Kind, lang int64, le bool) (*Type, error) {
	t := &Type{
		Kind: kind, Name: die.Name(),
		LittleEndian: le, Language: lang,
	}
	if die.Flag(dwarf.AttrDeclaration) {
		return t, nil
	}
	size, ok := die.Uint(dwarf.AttrByteSize)
	if !ok {
		return nil, die.Errorf("%v has missing or invalid DW_AT_byte_size", die.Tag())
	}
	t.Size = size
	t.Complete = true

	var memberDIEs []dwdie.DIE
	for child, err := range m.Children(die) {
		if err != nil {
			return nil, err
		}
		switch child.Tag() {
		case dwarf.TagMember:
			memberDIEs = append(memberDIEs, child)
		case dwarf.TagTemplateTypeParameter, dwarf.TagTemplateValueParameter:
			t.TemplateParams = append(t.TemplateParams, c.templateParameter(child))
		}
	}
	for i, mdie := range memberDIEs {
		// Only the trailing member of a struct or class may be a
		// flexible array.
		canBeIncompleteArray := kind != KindUnion && i == len(memberDIEs)-1
		member, err := c.parseMember(mdie, le, canBeIncompleteArray)
		if err != nil {
			return nil, err
		}
		t.Members = append(t.Members, member)
	}
	return t, nil
}

func (c *Constructor) parseMember(die dwdie.DIE, le bool, canBeIncompleteArray bool) (Member, error) {
	member := Member{
		Name: die.Name(),
		Type: c.lazyTypeAttr(die, dwarf.AttrType, canBeIncompleteArray),
	}
	member.BitFieldSize, _ = die.Uint(dwarf.AttrBitSize)

	if v, ok := die.Uint(dwarf.AttrDataBitOffset); ok {
		member.BitOffset = v
		return member, nil
	}
	loc, err := dataMemberLocation(die)
	if err != nil {
		return Member{}, err
	}
	member.BitOffset = loc * 8

	bitOffset, ok := die.Uint(dwarf.AttrBitOffset)
	if !ok {
		return member, nil
	}
	if !le {
		member.BitOffset += bitOffset
		return member, nil
	}
	// DW_AT_bit_offset counts from the most significant bit of the
	// storage unit; on little-endian targets it is flipped around the
	// realized byte size of the member.
	byteSize, ok := die.Uint(dwarf.AttrByteSize)
	if !ok {
		qt, err := member.Type.Get()
		if err != nil {
			return Member{}, err
		}
		if byteSize, ok = qt.Type.ByteSize(); !ok {
			return Member{}, die.Errorf("DW_TAG_member bit field has unknown byte size")
		}
	}
	offset := int64(byteSize*8) - int64(bitOffset) - int64(member.BitFieldSize)
	if offset < 0 {
		return Member{}, die.Errorf("DW_TAG_member has invalid DW_AT_bit_offset")
	}
	member.BitOffset += uint64(offset)
	return member, nil
}

// dataMemberLocation reads DW_AT_data_member_location as a byte offset.
// The attribute is either a constant or an expression block consisting of
// a single DW_OP_plus_uconst.
func dataMemberLocation(die dwdie.DIE) (uint64, error) {
	if v, ok := die.Uint(dwarf.AttrDataMemberLoc); ok {
		return v, nil
	}
	block, ok := die.Block(dwarf.AttrDataMemberLoc)
	if !ok {
		if die.HasAttr(dwarf.AttrDataMemberLoc) {
			return 0, die.Errorf("unsupported DW_AT_data_member_location form")
		}
		return 0, nil
	}
	b := dwbuf.New(block, libdw.SectionDebugInfo.Name(), uint64(die.Offset()),
		die.CU.Module.Platform().LittleEndian)
	op, err := b.U8()
	if err != nil {
		return 0, err
	}
	// DW_OP_plus_uconst
	if op != 0x23 {
		return 0, die.Errorf("unsupported DW_AT_data_member_location expression")
	}
	v, err := b.ULEB128()
	if err != nil {
		return 0, err
	}
	if b.HasData() {
		return 0, die.Errorf("unsupported DW_AT_data_member_location expression")
	}
	return v, nil
}

func (c *Constructor) enumTypeFromDwarf(m *dwdie.Module, die dwdie.DIE, lang int64, le bool) (*Type, error) {
	t := &Type{
		Kind: KindEnum, Name: die.Name(),
		LittleEndian: le, Language: lang,
	}
	if die.Flag(dwarf.AttrDeclaration) {
		return t, nil
	}
	t.Complete = true

	type rawEnumerator struct {
		name     string
		value    uint64
		negative bool
	}
	var raw []rawEnumerator
	for child, err := range m.Children(die) {
		if err != nil {
			return nil, err
		}
		if child.Tag() != dwarf.TagEnumerator {
			continue
		}
		name := child.Name()
		if name == "" {
			return nil, child.Errorf("DW_TAG_enumerator has missing or invalid DW_AT_name")
		}
		switch v := child.Val(dwarf.AttrConstValue).(type) {
		case int64:
			raw = append(raw, rawEnumerator{name: name, value: uint64(v), negative: v < 0})
		case uint64:
			raw = append(raw, rawEnumerator{name: name, value: v})
		default:
			return nil, child.Errorf(
				"DW_TAG_enumerator has missing or invalid DW_AT_const_value")
		}
	}

	signed := false
	for _, r := range raw {
		if r.negative {
			signed = true
			break
		}
	}
	compat, err := c.enumCompatibleType(die, signed, le, lang)
	if err != nil {
		return nil, err
	}
	t.CompatibleType = compat
	t.Size = compat.Size
	for _, r := range raw {
		t.Enumerators = append(t.Enumerators, Enumerator{
			Name: r.name, Value: r.value, Signed: compat.Signed,
		})
	}
	return t, nil
}

// enumCompatibleType resolves the integer type an enum is compatible
// with: DW_AT_type when present, otherwise an integer synthesized from
// the enum's byte size and the sign of its enumerators.
func (c *Constructor) enumCompatibleType(die dwdie.DIE, signed bool, le bool, lang int64) (*Type, error) {
	if die.HasAttr(dwarf.AttrType) {
		qt, _, err := c.typeFromAttr(die, dwarf.AttrType, true)
		if err != nil {
			return nil, err
		}
		underlying := qt.Type
		for underlying.Kind == KindTypedef {
			underlying = underlying.Ref.Type
		}
		if underlying.Kind != KindInt && underlying.Kind != KindBool {
			return nil, die.Errorf("DW_AT_type of DW_TAG_enumeration_type is not an integer type")
		}
		return underlying, nil
	}
	size, ok := die.Uint(dwarf.AttrByteSize)
	if !ok {
		size = 4
	}
	name := "unsigned int"
	if signed {
		name = "int"
	}
	return c.IntType(name, size, signed, le, lang), nil
}
