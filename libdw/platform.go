// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

package libdw // import "github.com/coreinspect/dwarfcore/libdw"

import (
	"debug/elf"
	"encoding/binary"
	"math/bits"
)

// RegisterLayout describes where one register lives inside a raw register
// dump, keyed by its DWARF register number.
type RegisterLayout struct {
	RegNo  uint64
	Offset int
	Size   int
}

// Platform describes the target machine of a module or program.
type Platform struct {
	Machine      elf.Machine
	AddressSize  int
	LittleEndian bool
	// Layout is the register dump layout, in DWARF numbering.
	Layout []RegisterLayout
}

// AddressMask returns the mask selecting the valid address bits.
func (p *Platform) AddressMask() uint64 {
	if p.AddressSize >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * p.AddressSize)) - 1
}

// ByteOrder returns the binary byte order of the target.
func (p *Platform) ByteOrder() binary.ByteOrder {
	if p.LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// Bswap reports whether target byte order differs from the host.
func (p *Platform) Bswap() bool {
	hostLittleEndian := binary.NativeEndian.Uint16([]byte{1, 0}) == 1
	return p.LittleEndian != hostLittleEndian
}

// SwapBytes reverses b in place; it does not consult any byte order.
func SwapBytes(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// TruncateAddress masks value to the address size of the platform.
func (p *Platform) TruncateAddress(value uint64) uint64 {
	return value & p.AddressMask()
}

// AddressBits returns the number of valid address bits.
func (p *Platform) AddressBits() int {
	return bits.Len64(p.AddressMask())
}
