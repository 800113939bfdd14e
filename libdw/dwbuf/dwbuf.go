// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package dwbuf implements a bounds-checked positional decoder for DWARF
// section data: fixed-width integers in either byte order, LEB128 and
// SLEB128 variable-length integers, blocks and zero-terminated strings.
//
// Every decode failure produces a *libdw.DebugError anchored at the byte
// position, relative to the owning section, where the offending item
// started.
package dwbuf // import "github.com/coreinspect/dwarfcore/libdw/dwbuf"

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/coreinspect/dwarfcore/libdw"
)

// Buffer decodes values from a byte slice. The position advances as items
// are decoded and can be repositioned with Seek; prev tracks the start of
// the last decoded item so that errors can be anchored to it.
// pos == len(data) is a legal state and signals end-of-stream.
type Buffer struct {
	data []byte
	pos  int
	prev int

	// base is the offset of data[0] from the start of the owning section.
	base uint64
	// section is the owning section name, used in error messages.
	section      string
	littleEndian bool
}

// New returns a Buffer decoding data, which starts at offset base within
// the named section.
func New(data []byte, section string, base uint64, littleEndian bool) Buffer {
	return Buffer{
		data:         data,
		base:         base,
		section:      section,
		littleEndian: littleEndian,
	}
}

// Pos returns the current position relative to the owning section start.
func (b *Buffer) Pos() uint64 {
	return b.base + uint64(b.pos)
}

// Prev returns the section-relative position of the last decoded item.
func (b *Buffer) Prev() uint64 {
	return b.base + uint64(b.prev)
}

// Remaining returns the number of bytes left to decode.
func (b *Buffer) Remaining() int {
	return len(b.data) - b.pos
}

// HasData reports whether at least one byte is left.
func (b *Buffer) HasData() bool {
	return b.pos < len(b.data)
}

// Data returns the undecoded remainder of the buffer.
func (b *Buffer) Data() []byte {
	return b.data[b.pos:]
}

// Errorf formats an error anchored at the start of the last decoded item.
func (b *Buffer) Errorf(format string, args ...any) *libdw.DebugError {
	return &libdw.DebugError{
		Section: b.section,
		Offset:  b.Prev(),
		Msg:     fmt.Sprintf(format, args...),
	}
}

// errShort is the common truncation error.
func (b *Buffer) errShort(what string, n int) *libdw.DebugError {
	b.prev = b.pos
	return b.Errorf("expected %d bytes for %s, have %d", n, what, b.Remaining())
}

func (b *Buffer) take(what string, n int) ([]byte, error) {
	if b.Remaining() < n {
		return nil, b.errShort(what, n)
	}
	b.prev = b.pos
	out := b.data[b.pos : b.pos+n]
	b.pos += n
	return out, nil
}

// Seek positions the buffer at the section-relative offset off, which
// must lie within the buffer or one past its end.
func (b *Buffer) Seek(off uint64) error {
	if off < b.base || off > b.base+uint64(len(b.data)) {
		b.prev = b.pos
		return b.Errorf("seek target %#x outside buffer", off)
	}
	b.prev = b.pos
	b.pos = int(off - b.base)
	return nil
}

// Skip advances the position by n bytes.
func (b *Buffer) Skip(n int) error {
	_, err := b.take("skip", n)
	return err
}

// Block returns the next n bytes as a slice without copying.
func (b *Buffer) Block(n int) ([]byte, error) {
	return b.take("block", n)
}

// SubBuffer returns a Buffer over the next n bytes, advancing past them.
func (b *Buffer) SubBuffer(n int) (Buffer, error) {
	pos := b.Pos()
	raw, err := b.take("block", n)
	if err != nil {
		return Buffer{}, err
	}
	return New(raw, b.section, pos, b.littleEndian), nil
}

// U8 decodes one unsigned byte.
func (b *Buffer) U8() (uint8, error) {
	raw, err := b.take("u8", 1)
	if err != nil {
		return 0, err
	}
	return raw[0], nil
}

// U16 decodes one unsigned 16-bit integer in the target byte order.
func (b *Buffer) U16() (uint16, error) {
	raw, err := b.take("u16", 2)
	if err != nil {
		return 0, err
	}
	if b.littleEndian {
		return binary.LittleEndian.Uint16(raw), nil
	}
	return binary.BigEndian.Uint16(raw), nil
}

// U32 decodes one unsigned 32-bit integer in the target byte order.
func (b *Buffer) U32() (uint32, error) {
	raw, err := b.take("u32", 4)
	if err != nil {
		return 0, err
	}
	if b.littleEndian {
		return binary.LittleEndian.Uint32(raw), nil
	}
	return binary.BigEndian.Uint32(raw), nil
}

// U64 decodes one unsigned 64-bit integer in the target byte order.
func (b *Buffer) U64() (uint64, error) {
	raw, err := b.take("u64", 8)
	if err != nil {
		return 0, err
	}
	if b.littleEndian {
		return binary.LittleEndian.Uint64(raw), nil
	}
	return binary.BigEndian.Uint64(raw), nil
}

// S8 decodes one signed byte, sign-extended to 64 bits.
func (b *Buffer) S8() (int64, error) {
	v, err := b.U8()
	return int64(int8(v)), err
}

// S16 decodes one signed 16-bit integer, sign-extended to 64 bits.
func (b *Buffer) S16() (int64, error) {
	v, err := b.U16()
	return int64(int16(v)), err
}

// S32 decodes one signed 32-bit integer, sign-extended to 64 bits.
func (b *Buffer) S32() (int64, error) {
	v, err := b.U32()
	return int64(int32(v)), err
}

// S64 decodes one signed 64-bit integer.
func (b *Buffer) S64() (int64, error) {
	v, err := b.U64()
	return int64(v), err
}

// Uint decodes an unsigned integer of n bytes, 1 to 8, in the target byte
// order.
func (b *Buffer) Uint(n int) (uint64, error) {
	if n < 1 || n > 8 {
		b.prev = b.pos
		return 0, b.Errorf("invalid integer width %d", n)
	}
	raw, err := b.take("uint", n)
	if err != nil {
		return 0, err
	}
	var val uint64
	if b.littleEndian {
		for i := n - 1; i >= 0; i-- {
			val = val<<8 | uint64(raw[i])
		}
	} else {
		for i := 0; i < n; i++ {
			val = val<<8 | uint64(raw[i])
		}
	}
	return val, nil
}

// Sint decodes a signed integer of n bytes, sign-extended to 64 bits.
func (b *Buffer) Sint(n int) (int64, error) {
	val, err := b.Uint(n)
	if err != nil {
		return 0, err
	}
	shift := uint(64 - 8*n)
	return int64(val<<shift) >> shift, nil
}

// ULEB128 decodes one unsigned LEB128 value. Values wider than 64 bits
// are rejected.
func (b *Buffer) ULEB128() (uint64, error) {
	b.prev = b.pos
	var val uint64
	for shift := uint(0); ; shift += 7 {
		if b.pos >= len(b.data) {
			return 0, b.Errorf("expected more bytes for ULEB128")
		}
		byt := b.data[b.pos]
		b.pos++
		if shift >= 64 || (shift == 63 && byt > 1) {
			return 0, b.Errorf("ULEB128 value overflows 64 bits")
		}
		val |= uint64(byt&0x7f) << shift
		if byt&0x80 == 0 {
			return val, nil
		}
	}
}

// SLEB128 decodes one signed LEB128 value.
func (b *Buffer) SLEB128() (int64, error) {
	b.prev = b.pos
	var val uint64
	var shift uint
	for {
		if b.pos >= len(b.data) {
			return 0, b.Errorf("expected more bytes for SLEB128")
		}
		byt := b.data[b.pos]
		b.pos++
		if shift >= 64 {
			return 0, b.Errorf("SLEB128 value overflows 64 bits")
		}
		val |= uint64(byt&0x7f) << shift
		shift += 7
		if byt&0x80 == 0 {
			if shift < 64 && byt&0x40 != 0 {
				val |= ^uint64(0) << shift
			}
			return int64(val), nil
		}
	}
}

// SkipLEB128 advances past one LEB128 encoded value without decoding it.
func (b *Buffer) SkipLEB128() error {
	b.prev = b.pos
	for b.pos < len(b.data) {
		byt := b.data[b.pos]
		b.pos++
		if byt&0x80 == 0 {
			return nil
		}
	}
	return b.Errorf("expected more bytes for LEB128")
}

// CString decodes one zero-terminated string and returns the bytes before
// the terminator without copying.
func (b *Buffer) CString() ([]byte, error) {
	b.prev = b.pos
	i := bytes.IndexByte(b.data[b.pos:], 0)
	if i < 0 {
		return nil, b.Errorf("expected string terminator")
	}
	out := b.data[b.pos : b.pos+i]
	b.pos += i + 1
	return out, nil
}
