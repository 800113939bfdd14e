// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

package stringutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitN(t *testing.T) {
	tests := map[string]struct {
		input     string
		expected  []string
		maxFields int
	}{
		"empty":          {"", []string{""}, 2},
		"only sep":       {"::", []string{"", ""}, 2},
		"1 field":        {"foo", []string{"foo"}, 2},
		"2 fields B":     {"::foo", []string{"", "foo"}, 2},
		"2 fields C":     {"foo::", []string{"foo", ""}, 2},
		"3 fields A":     {"::foo::", []string{"", "foo", ""}, 3},
		"3 fields B":     {"foo::bar", []string{"foo", "bar"}, 3},
		"deep cap 2":     {"std::chrono::duration", []string{"std", "chrono::duration"}, 2},
		"deep cap 3":     {"std::chrono::duration", []string{"std", "chrono", "duration"}, 3},
		"deep cap 3 cut": {"a::b::c::d", []string{"a", "b", "c::d"}, 3},
	}

	for name, testcase := range tests {
		t.Run(name, func(t *testing.T) {
			var fields [4]string
			n := SplitN(testcase.input, "::", fields[:testcase.maxFields])
			require.Equal(t, testcase.expected, fields[:n])
		})
	}
}

func TestByteSlice2String(t *testing.T) {
	var b [4]byte
	s := ByteSlice2String(b[:1]) // create s with length 1 and a 0 byte inside
	assert.Equal(t, "\x00", s)

	b[0] = 'a'
	assert.Equal(t, "a", s)
}
