// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

package dwcfi // import "github.com/coreinspect/dwarfcore/dwcfi"

import (
	"encoding/binary"
	"errors"
	"sort"

	lru "github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"

	"github.com/coreinspect/dwarfcore/internal/log"
	"github.com/coreinspect/dwarfcore/libdw"
	"github.com/coreinspect/dwarfcore/libdw/dwbuf"
)

// Most modules have a single CIE shared by all FDEs, but multiple CIEs
// occur in mixed-compiler binaries.
const cieCacheSize = 256

// Encoding is a DWARF Exception Header pointer encoding byte.
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/dwarfext.html
type Encoding uint8

const (
	EncFormatNative  Encoding = 0x00
	EncFormatLeb128  Encoding = 0x01
	EncFormatData2   Encoding = 0x02
	EncFormatData4   Encoding = 0x03
	EncFormatData8   Encoding = 0x04
	EncFormatMask    Encoding = 0x07
	EncSignedMask    Encoding = 0x08
	EncAdjustAbs     Encoding = 0x00
	EncAdjustPcRel   Encoding = 0x10
	EncAdjustTextRel Encoding = 0x20
	EncAdjustDataRel Encoding = 0x30
	EncAdjustFuncRel Encoding = 0x40
	EncAdjustAligned Encoding = 0x50
	EncAdjustMask    Encoding = 0x70
	EncIndirect      Encoding = 0x80
	EncOmit          Encoding = 0xff
)

func hashUint64(u uint64) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], u)
	return uint32(xxh3.Hash(b[:]))
}

// sectionParser carries the per-section state of one frame section scan.
type sectionParser struct {
	table *Table
	sec   *libdw.SectionData
	isEH  bool
	buf   dwbuf.Buffer

	// cieIndex interns parsed CIEs by their section offset.
	cieIndex *lru.LRU[uint64, int]
}

func (t *Table) parse() (frameData, error) {
	var data frameData
	for _, sec := range []struct {
		id   libdw.SectionID
		isEH bool
	}{
		{libdw.SectionDebugFrame, false},
		{libdw.SectionEhFrame, true},
	} {
		s := t.mod.Section(sec.id)
		if s == nil {
			continue
		}
		if err := t.parseSection(&data, s, sec.isEH); err != nil {
			var de *libdw.DebugError
			if errors.As(err, &de) {
				return frameData{}, de.WithModule(t.mod.Name())
			}
			return frameData{}, err
		}
	}

	// .debug_frame sorts before .eh_frame so that deduplication keeps its
	// entries when both sections describe the same address.
	sort.SliceStable(data.fdes, func(i, j int) bool {
		a, b := &data.fdes[i], &data.fdes[j]
		if a.InitialLocation != b.InitialLocation {
			return a.InitialLocation < b.InitialLocation
		}
		return !data.cies[a.CIEIndex].IsEH && data.cies[b.CIEIndex].IsEH
	})
	deduped := data.fdes[:0]
	for i := range data.fdes {
		if len(deduped) > 0 &&
			deduped[len(deduped)-1].InitialLocation == data.fdes[i].InitialLocation {
			continue
		}
		deduped = append(deduped, data.fdes[i])
	}
	data.fdes = deduped
	return data, nil
}

func (t *Table) parseSection(data *frameData, sec *libdw.SectionData, isEH bool) error {
	cieIndex, err := lru.New[uint64, int](cieCacheSize, hashUint64)
	if err != nil {
		return err
	}
	p := &sectionParser{
		table:    t,
		sec:      sec,
		isEH:     isEH,
		buf:      dwbuf.New(sec.Data, sec.Name, 0, t.mod.Platform().LittleEndian),
		cieIndex: cieIndex,
	}
	for p.buf.HasData() {
		entry, ciePos, isCIE, err := p.entryHeader(&p.buf)
		if err != nil {
			return err
		}
		if entry == nil {
			// Zero-length terminator entry.
			break
		}
		if isCIE {
			continue
		}
		index, err := p.cieAt(data, ciePos)
		if err != nil {
			return err
		}
		fde, err := p.parseFDE(entry, data.cies[index], index)
		if err != nil {
			return err
		}
		data.fdes = append(data.fdes, fde)
	}
	return nil
}

// entryHeader decodes the initial length and CIE id of one entry and
// returns a buffer over the entry contents. The returned ciePos is the
// section offset of the entry's CIE for FDEs. A nil buffer marks the
// zero-length terminator.
func (p *sectionParser) entryHeader(b *dwbuf.Buffer) (*dwbuf.Buffer, uint64, bool, error) {
	length, err := b.U32()
	if err != nil {
		return nil, 0, false, err
	}
	if length == 0 {
		return nil, 0, false, nil
	}
	is64, size := false, uint64(length)
	if length >= 0xfffffff0 {
		if length != 0xffffffff {
			return nil, 0, false, b.Errorf("unsupported initial length %#x", length)
		}
		is64 = true
		if size, err = b.U64(); err != nil {
			return nil, 0, false, err
		}
	}

	idPos := b.Pos()
	var id, cieMarker uint64
	if is64 {
		if id, err = b.U64(); err != nil {
			return nil, 0, false, err
		}
		size -= 8
		cieMarker = ^uint64(0)
	} else {
		id32, err := b.U32()
		if err != nil {
			return nil, 0, false, err
		}
		id, size = uint64(id32), size-4
		cieMarker = 0xffffffff
	}
	if p.isEH {
		cieMarker = 0
	}

	if size > uint64(b.Remaining()) {
		return nil, 0, false, b.Errorf("CIE/FDE extends beyond section end")
	}
	entry, err := b.SubBuffer(int(size))
	if err != nil {
		return nil, 0, false, err
	}
	if id == cieMarker {
		return &entry, 0, true, nil
	}

	ciePos := id
	if p.isEH {
		// In .eh_frame the CIE pointer is relative to the pointer field.
		if id > idPos {
			return nil, 0, false, b.Errorf("CIE pointer %#x before section start", id)
		}
		ciePos = idPos - id
	}
	if ciePos >= uint64(len(p.sec.Data)) {
		return nil, 0, false, b.Errorf("CIE pointer %#x beyond section end", ciePos)
	}
	return &entry, ciePos, false, nil
}

// cieAt returns the index of the CIE at the section offset, parsing and
// interning it on first use.
func (p *sectionParser) cieAt(data *frameData, ciePos uint64) (int, error) {
	if index, ok := p.cieIndex.Get(ciePos); ok {
		return index, nil
	}
	b := dwbuf.New(p.sec.Data, p.sec.Name, 0, p.table.mod.Platform().LittleEndian)
	if err := b.Seek(ciePos); err != nil {
		return 0, err
	}
	entry, _, isCIE, err := p.entryHeader(&b)
	if err != nil {
		return 0, err
	}
	if entry == nil || !isCIE {
		return 0, b.Errorf("FDE points to %#x which is not a CIE", ciePos)
	}
	cie, err := p.parseCIE(entry)
	if err != nil {
		return 0, err
	}
	data.cies = append(data.cies, cie)
	index := len(data.cies) - 1
	p.cieIndex.Add(ciePos, index)
	return index, nil
}

// parseCIE reads one Common Information Entry.
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.1
func (p *sectionParser) parseCIE(b *dwbuf.Buffer) (*CIE, error) {
	version, err := b.U8()
	if err != nil {
		return nil, err
	}
	if version != 1 && version != 3 && version != 4 {
		return nil, b.Errorf("CIE version %d not supported", version)
	}

	cie := &CIE{
		IsEH:            p.isEH,
		AddressSize:     p.table.mod.Platform().AddressSize,
		AddressEncoding: EncFormatNative | EncAdjustAbs,
	}

	augmentation, err := b.CString()
	if err != nil {
		return nil, err
	}
	if version == 4 {
		addressSize, err := b.U8()
		if err != nil {
			return nil, err
		}
		if addressSize < 1 || addressSize > 8 {
			return nil, b.Errorf("unsupported address size %d", addressSize)
		}
		cie.AddressSize = int(addressSize)
		segmentSelectorSize, err := b.U8()
		if err != nil {
			return nil, err
		}
		if segmentSelectorSize != 0 {
			return nil, b.Errorf("unsupported segment selector size %d", segmentSelectorSize)
		}
	}

	if cie.CodeAlignmentFactor, err = b.ULEB128(); err != nil {
		return nil, err
	}
	if cie.DataAlignmentFactor, err = b.SLEB128(); err != nil {
		return nil, err
	}
	if version == 1 {
		ra, err := b.U8()
		if err != nil {
			return nil, err
		}
		cie.ReturnAddressRegister = uint64(ra)
	} else {
		if cie.ReturnAddressRegister, err = b.ULEB128(); err != nil {
			return nil, err
		}
	}

	// A zero length augmentation string means no augmentation data.
	if len(augmentation) > 0 {
		if augmentation[0] != 'z' {
			return nil, b.Errorf("unsupported augmentation string %q", augmentation)
		}
		cie.HaveAugLength = true
		if _, err := b.ULEB128(); err != nil {
			return nil, err
		}
		for _, ch := range string(augmentation[1:]) {
			switch ch {
			case 'L':
				// LSDA pointer encoding; the LSDA itself lives in the FDE
				// augmentation data, which is length-skipped.
				if err := b.Skip(1); err != nil {
					return nil, err
				}
			case 'P':
				enc, err := b.U8()
				if err != nil {
					return nil, err
				}
				// The personality routine is not used here; decode it only
				// to keep the remaining fields aligned.
				if _, err := p.table.encodedPointer(b, Encoding(enc)&^EncIndirect,
					p.sec, 0, false, cie.AddressSize); err != nil {
					return nil, err
				}
			case 'R':
				enc, err := b.U8()
				if err != nil {
					return nil, err
				}
				cie.AddressEncoding = Encoding(enc)
			case 'S':
				cie.SignalFrame = true
			default:
				return nil, b.Errorf("unsupported augmentation string %q", augmentation)
			}
		}
	}

	cie.sec = p.sec
	cie.initialBase = b.Pos()
	cie.InitialInstructions = b.Data()
	return cie, nil
}

// parseFDE reads one Frame Description Entry using its CIE's address
// encoding.
func (p *sectionParser) parseFDE(b *dwbuf.Buffer, cie *CIE, cieIndex int) (FDE, error) {
	var initialLocation, addressRange uint64
	var err error
	if p.isEH {
		initialLocation, err = p.table.encodedPointer(b, cie.AddressEncoding,
			p.sec, 0, false, cie.AddressSize)
		if err != nil {
			return FDE{}, err
		}
		// The address range is a plain size: only the format bits apply.
		addressRange, err = p.table.encodedPointer(b, cie.AddressEncoding&EncFormatMask,
			p.sec, 0, false, cie.AddressSize)
		if err != nil {
			return FDE{}, err
		}
	} else {
		if initialLocation, err = b.Uint(cie.AddressSize); err != nil {
			return FDE{}, err
		}
		if addressRange, err = b.Uint(cie.AddressSize); err != nil {
			return FDE{}, err
		}
	}
	if cie.HaveAugLength {
		length, err := b.ULEB128()
		if err != nil {
			return FDE{}, err
		}
		if length > uint64(b.Remaining()) {
			return FDE{}, b.Errorf("augmentation data length %d out of bounds", length)
		}
		if err := b.Skip(int(length)); err != nil {
			return FDE{}, err
		}
	}
	mask := p.table.mod.Platform().AddressMask()
	loc := libdw.Address(initialLocation & mask)
	// FDEs describe code; an initial location that no loaded section
	// covers, not even as an end-of-section pointer, usually means a
	// bad pointer encoding or a stripped section.
	if libdw.SectionFor(p.table.mod, loc) == nil {
		log.Debugf("%s: FDE initial location %#x outside any loaded section",
			p.table.mod.Name(), uint64(loc))
	}
	return FDE{
		CIEIndex:        cieIndex,
		InitialLocation: loc,
		AddressRange:    addressRange,
		Instructions:    b.Data(),
		instrBase:       b.Pos(),
	}, nil
}

// encodedPointer decodes one pointer with the given EH-frame encoding.
// The pcrel base is the virtual address of the pointer field itself;
// textrel and datarel resolve through the .text and .got sections;
// funcrel is relative to the FDE's initial location, passed as funcAddr.
func (t *Table) encodedPointer(b *dwbuf.Buffer, enc Encoding, sec *libdw.SectionData,
	funcAddr libdw.Address, haveFunc bool, addressSize int) (uint64, error) {
	if enc == EncOmit {
		return 0, nil
	}
	if enc&EncIndirect != 0 {
		return 0, b.Errorf("unsupported indirect pointer encoding %#02x", uint8(enc))
	}
	if enc&EncAdjustMask == EncAdjustAligned {
		pos := b.Pos()
		aligned := (pos + uint64(addressSize) - 1) &^ (uint64(addressSize) - 1)
		if err := b.Skip(int(aligned - pos)); err != nil {
			return 0, err
		}
	}

	pos := b.Pos()
	var val uint64
	var err error
	switch enc & (EncFormatMask | EncSignedMask) {
	case EncFormatNative:
		val, err = b.Uint(addressSize)
	case EncFormatNative | EncSignedMask:
		var sval int64
		sval, err = b.Sint(addressSize)
		val = uint64(sval)
	case EncFormatLeb128:
		val, err = b.ULEB128()
	case EncFormatLeb128 | EncSignedMask:
		var sval int64
		sval, err = b.SLEB128()
		val = uint64(sval)
	case EncFormatData2:
		var v uint16
		v, err = b.U16()
		val = uint64(v)
	case EncFormatData2 | EncSignedMask:
		var sval int64
		sval, err = b.S16()
		val = uint64(sval)
	case EncFormatData4:
		var v uint32
		v, err = b.U32()
		val = uint64(v)
	case EncFormatData4 | EncSignedMask:
		var sval int64
		sval, err = b.S32()
		val = uint64(sval)
	case EncFormatData8, EncFormatData8 | EncSignedMask:
		val, err = b.U64()
	default:
		return 0, b.Errorf("unsupported pointer format encoding %#02x", uint8(enc))
	}
	if err != nil {
		return 0, err
	}

	switch enc & EncAdjustMask {
	case EncAdjustAbs, EncAdjustAligned:
	case EncAdjustPcRel:
		val += uint64(sec.Addr) + pos
	case EncAdjustTextRel:
		text := t.mod.Section(libdw.SectionText)
		if text == nil {
			return 0, b.Errorf("textrel pointer encoding without .text section")
		}
		val += uint64(text.Addr)
	case EncAdjustDataRel:
		got := t.mod.Section(libdw.SectionGot)
		if got == nil {
			return 0, b.Errorf("datarel pointer encoding without .got section")
		}
		val += uint64(got.Addr)
	case EncAdjustFuncRel:
		if !haveFunc {
			return 0, b.Errorf("funcrel pointer encoding outside FDE")
		}
		val += uint64(funcAddr)
	default:
		return 0, b.Errorf("unsupported pointer adjust encoding %#02x", uint8(enc))
	}
	return val, nil
}
