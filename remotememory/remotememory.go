// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package remotememory reads the memory space of a target process. The
// io.ReaderAt interface provides the basic access, and convenience
// functions decode specific data types in the target byte order. It
// implements the memory reader interface the DWARF expression evaluator
// and object materializer consume.
package remotememory // import "github.com/coreinspect/dwarfcore/remotememory"

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/coreinspect/dwarfcore/libdw"
)

// RemoteMemory implements a set of convenience functions to access the
// memory of a live process or core dump.
type RemoteMemory struct {
	io.ReaderAt
	// ByteOrder is the target byte order used by the typed readers.
	ByteOrder binary.ByteOrder
	// Bias is the adjustment for pointers (used to unrelocate pointers
	// in coredumps).
	Bias libdw.Address
}

// Valid determines if this RemoteMemory instance contains a valid
// reference to the target process.
func (rm RemoteMemory) Valid() bool {
	return rm.ReaderAt != nil
}

// ReadMemory fills p with data from remote memory at address addr. The
// physical flag is rejected: process and userspace core targets expose
// virtual addresses only.
func (rm RemoteMemory) ReadMemory(p []byte, addr libdw.Address, physical bool) error {
	if physical {
		return libdw.ErrNotFound
	}
	_, err := rm.ReadAt(p, int64(addr))
	return err
}

func (rm RemoteMemory) order() binary.ByteOrder {
	if rm.ByteOrder != nil {
		return rm.ByteOrder
	}
	return binary.LittleEndian
}

// Read fills slice p[] with data from remote memory at address addr.
func (rm RemoteMemory) Read(addr libdw.Address, p []byte) error {
	_, err := rm.ReadAt(p, int64(addr))
	return err
}

// Ptr reads a native pointer from remote memory.
func (rm RemoteMemory) Ptr(addr libdw.Address) libdw.Address {
	var buf [8]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return libdw.Address(rm.order().Uint64(buf[:])) - rm.Bias
}

// Uint8 reads an 8-bit unsigned integer from remote memory.
func (rm RemoteMemory) Uint8(addr libdw.Address) uint8 {
	var buf [1]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return buf[0]
}

// Uint16 reads a 16-bit unsigned integer from remote memory.
func (rm RemoteMemory) Uint16(addr libdw.Address) uint16 {
	var buf [2]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return rm.order().Uint16(buf[:])
}

// Uint32 reads a 32-bit unsigned integer from remote memory.
func (rm RemoteMemory) Uint32(addr libdw.Address) uint32 {
	var buf [4]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return rm.order().Uint32(buf[:])
}

// Uint32Checked reads a 32-bit unsigned integer from remote memory,
// reporting read failures.
func (rm RemoteMemory) Uint32Checked(addr libdw.Address) (uint32, error) {
	var buf [4]byte
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return rm.order().Uint32(buf[:]), nil
}

// Uint64 reads a 64-bit unsigned integer from remote memory.
func (rm RemoteMemory) Uint64(addr libdw.Address) uint64 {
	var buf [8]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return rm.order().Uint64(buf[:])
}

// String reads a zero terminated string from remote memory.
func (rm RemoteMemory) String(addr libdw.Address) string {
	buf := make([]byte, 1024)
	n, err := rm.ReadAt(buf, int64(addr))
	if n == 0 || (err != nil && err != io.EOF) {
		return ""
	}
	buf = buf[:n]
	zeroIdx := bytes.IndexByte(buf, 0)
	if zeroIdx >= 0 {
		return string(buf[:zeroIdx])
	}
	if n != cap(buf) {
		return ""
	}

	bigBuf := make([]byte, 4096)
	copy(bigBuf, buf)
	n, err = rm.ReadAt(bigBuf[len(buf):], int64(addr)+int64(len(buf)))
	if n == 0 || (err != nil && err != io.EOF) {
		return ""
	}
	bigBuf = bigBuf[:len(buf)+n]
	zeroIdx = bytes.IndexByte(bigBuf, 0)
	if zeroIdx >= 0 {
		return string(bigBuf[:zeroIdx])
	}

	// Not a zero terminated string
	return ""
}

// StringPtr reads a zero terminated string by first dereferencing a
// string pointer from target memory.
func (rm RemoteMemory) StringPtr(addr libdw.Address) string {
	addr = rm.Ptr(addr)
	if addr == 0 {
		return ""
	}
	return rm.String(addr)
}

// ProcessVirtualMemory implements RemoteMemory by using process_vm_readv
// syscalls to read the remote memory.
type ProcessVirtualMemory struct {
	pid int
}

// NewProcessVirtualMemory returns a ProcessVirtualMemory implementation
// of RemoteMemory for the given process.
func NewProcessVirtualMemory(pid int, byteOrder binary.ByteOrder) RemoteMemory {
	return RemoteMemory{ReaderAt: ProcessVirtualMemory{pid}, ByteOrder: byteOrder}
}
