// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package stringutil contains allocation-free string helpers used when
// splitting qualified type and object names.
package stringutil // import "github.com/coreinspect/dwarfcore/libdw/stringutil"

import (
	"strings"
	"unsafe"
)

// SplitN splits the string around each instance of sep, filling f with
// substrings of s. If s contains more fields than len(f), the last element
// of f is set to the unparsed remainder of s.
//
// Apart from the mentioned differences, SplitN is like an allocation-free
// strings.SplitN.
func SplitN(s, sep string, f []string) int {
	n := len(f)
	i := 0
	for ; i < n-1 && s != ""; i++ {
		fieldEnd := strings.Index(s, sep)
		if fieldEnd < 0 {
			f[i] = s
			return i + 1
		}
		f[i] = s[:fieldEnd]
		s = s[fieldEnd+len(sep):]
	}

	// Put the remainder of s as last element of f.
	f[i] = s
	return i + 1
}

// ByteSlice2String converts a byte slice to a string without a heap
// allocation. The byte slice must not be modified while the returned
// string is alive.
func ByteSlice2String(b []byte) string {
	return unsafe.String(unsafe.SliceData(b), len(b))
}
