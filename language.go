// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcore // import "github.com/coreinspect/dwarfcore"

import (
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// DW_LANG codes, §7.12.
const (
	langC89   = 0x0001
	langC     = 0x0002
	langCPP   = 0x0004
	langC99   = 0x000c
	langCPP03 = 0x0019
	langCPP11 = 0x001a
	langC11   = 0x001d
	langCPP14 = 0x0021
	langCPP17 = 0x002a
	langCPP20 = 0x002b
	langC17   = 0x002c
)

// Language captures the name-handling behavior that differs between the
// supported source languages.
type Language struct {
	Name string
	// HasNamespaces enables qualified-name parsing with "::"
	// separators and mangled-name normalization.
	HasNamespaces bool
}

var (
	languageC   = &Language{Name: "C"}
	languageCPP = &Language{Name: "C++", HasNamespaces: true}
)

// LanguageOf maps a DW_LANG code to its descriptor. Unknown languages
// behave like C.
func LanguageOf(code int64) *Language {
	switch code {
	case langCPP, langCPP03, langCPP11, langCPP14, langCPP17, langCPP20:
		return languageCPP
	case langC89, langC, langC99, langC11, langC17:
		return languageC
	}
	return languageC
}

// NormalizeName turns an Itanium-mangled name into its source form so
// it can be parsed as a qualified name. Unmangled names pass through.
func (l *Language) NormalizeName(name string) string {
	if !l.HasNamespaces || !strings.HasPrefix(name, "_Z") {
		return name
	}
	return demangle.Filter(name, demangle.NoParams,
		demangle.NoTemplateParams, demangle.NoClones)
}

// ParseName splits a possibly qualified name into its components. A
// leading "::" anchors the name at the global namespace. For languages
// without namespaces the whole name is a single component. Separators
// inside template argument lists do not split.
func (l *Language) ParseName(name string) (components []string, global bool) {
	if !l.HasNamespaces {
		return []string{name}, false
	}
	name = l.NormalizeName(name)
	if strings.HasPrefix(name, "::") {
		global = true
		name = name[2:]
	}
	depth := 0
	start := 0
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case '<', '(':
			depth++
		case '>', ')':
			depth--
		case ':':
			if depth == 0 && i+1 < len(name) && name[i+1] == ':' {
				components = append(components, name[start:i])
				i++
				start = i + 1
			}
		}
	}
	components = append(components, name[start:])
	return components, global
}
