// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

package dwobject // import "github.com/coreinspect/dwarfcore/dwobject"

import (
	"github.com/coreinspect/dwarfcore/libdw"
)

// Bit numbering follows the target byte order: with lsb0, bit 0 is the
// least significant bit of byte 0; otherwise bit 0 is the most
// significant bit of byte 0.

func getBit(b []byte, i uint64, lsb0 bool) byte {
	if lsb0 {
		return (b[i/8] >> (i % 8)) & 1
	}
	return (b[i/8] >> (7 - i%8)) & 1
}

func setBit(b []byte, i uint64, v byte, lsb0 bool) {
	shift := 7 - i%8
	if lsb0 {
		shift = i % 8
	}
	if v != 0 {
		b[i/8] |= 1 << shift
	} else {
		b[i/8] &^= 1 << shift
	}
}

// copyBits copies bitSize bits from src starting at srcBitOffset into dst
// starting at dstBitOffset. Bits outside the destination range are
// preserved.
func copyBits(dst []byte, dstBitOffset uint64, src []byte, srcBitOffset, bitSize uint64, lsb0 bool) {
	for i := uint64(0); i < bitSize; i++ {
		setBit(dst, dstBitOffset+i, getBit(src, srcBitOffset+i, lsb0), lsb0)
	}
}

// readBits reads bitSize bits of target memory at src, starting at
// srcBitOffset within the first byte, into dst at dstBitOffset.
func (mz *Materializer) readBits(dst []byte, dstBitOffset, src, srcBitOffset, bitSize uint64, lsb0 bool) error {
	if bitSize == 0 {
		return nil
	}
	if mz.Mem == nil {
		return libdw.ErrNotFound
	}
	tmp := make([]byte, (srcBitOffset+bitSize+7)/8)
	if err := mz.Mem.ReadMemory(tmp, libdw.Address(src), false); err != nil {
		return err
	}
	copyBits(dst, dstBitOffset, tmp, srcBitOffset, bitSize, lsb0)
	return nil
}
