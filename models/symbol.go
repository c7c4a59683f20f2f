// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package models provides the in-memory size model: symbols, symbol groups,
// size infos and their deltas.
package models

import (
	"fmt"
	"strings"
)

// Well-known section names.
const (
	SectionBss             = ".bss"
	SectionBssRelRo        = ".bss.rel.ro"
	SectionData            = ".data"
	SectionDataRelRo       = ".data.rel.ro"
	SectionDataRelRoLocal  = ".data.rel.ro.local"
	SectionOther           = ".other"
	SectionPartEnd         = ".part.end"
	SectionRoData          = ".rodata"
	SectionText            = ".text"
	SectionMultiple        = ".*"
	StringLiteralName      = "string literal"
	SwitchTablePrefix      = "Switch table for "
	switchTableSuffix      = " [Switch table]"
	overheadPrefix         = "Overhead: "
	syntheticSymbolsPrefix = "** "
)

// Path prefixes for synthetic source paths.
const (
	APKPrefixPath    = "$APK"
	NativePrefixPath = "$NATIVE"
	SystemPrefixPath = "$SYSTEM"
)

var sectionLetters = map[string]byte{
	SectionBss:            'b',
	SectionBssRelRo:       'b',
	SectionData:           'd',
	SectionDataRelRoLocal: 'R',
	SectionDataRelRo:      'R',
	SectionOther:          'o',
	SectionPartEnd:        'b',
	SectionRoData:         'r',
	SectionText:           't',
	SectionMultiple:       '*',
}

// SectionNamesByLetter maps one-letter section codes to section names.
var SectionNamesByLetter = map[byte]string{
	't': SectionText,
	'r': SectionRoData,
	'R': SectionDataRelRo,
	'd': SectionData,
	'b': SectionBss,
	'o': SectionOther,
}

// IsBssSection reports whether the section occupies no file space.
func IsBssSection(name string) bool {
	switch name {
	case SectionBss, SectionBssRelRo, SectionPartEnd:
		return true
	}
	return false
}

// IsNativeSection reports whether name is one of the sections symbols are
// attributed to.
func IsNativeSection(name string) bool {
	switch name {
	case SectionBss, SectionBssRelRo, SectionData, SectionDataRelRo,
		SectionDataRelRoLocal, SectionPartEnd, SectionRoData, SectionText:
		return true
	}
	return false
}

// SectionLetter returns the one-letter code of the section, or 'o' for
// unknown sections.
func SectionLetter(name string) byte {
	if c, ok := sectionLetters[name]; ok {
		return c
	}
	if strings.HasPrefix(name, SectionData) {
		return 'd'
	}
	return 'o'
}

// Flags is a bitset of symbol attributes.
type Flags uint32

const (
	// FlagAnonymous is set when one or more "(anonymous namespace)::"
	// were removed from the name.
	FlagAnonymous Flags = 1 << iota
	// FlagStartup is set for symbols in .text.startup.
	FlagStartup
	// FlagUnlikely is set for symbols in .text.unlikely.
	FlagUnlikely
	// FlagRel is set for symbols in .data.rel.
	FlagRel
	// FlagRelLocal is set for symbols in .data.rel.local.
	FlagRelLocal
	// FlagGeneratedSource is set for symbols whose source is generated.
	FlagGeneratedSource
	// FlagClone is set for [clone] and .N clone symbols.
	FlagClone
	// FlagHot is set for symbols in .text.hot.
	FlagHot
	// FlagCovered is set for symbols covered by code coverage.
	FlagCovered
	// FlagUncompressed is set for symbols stored uncompressed.
	FlagUncompressed
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagAnonymous, "anon"},
	{FlagStartup, "startup"},
	{FlagUnlikely, "unlikely"},
	{FlagRel, "rel"},
	{FlagRelLocal, "rel.loc"},
	{FlagGeneratedSource, "gen"},
	{FlagClone, "clone"},
	{FlagHot, "hot"},
	{FlagCovered, "covered"},
	{FlagUncompressed, "uncompressed"},
}

// String returns comma separated flag names, e.g. "{anon,clone}".
func (f Flags) String() string {
	if f == 0 {
		return "{}"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.f != 0 {
			parts = append(parts, fn.name)
		}
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// AliasGroup holds symbols that share the same address and size,
// e.g. identical-code-folded functions.
type AliasGroup struct {
	Symbols []*Symbol
}

// Symbol is a single symbol.
//
// The parser fills in the raw fields (section, address, size, full name,
// object path, flags); later stages derive the rest.
type Symbol struct {
	SectionName string
	Address     uint64
	// Size includes Padding.
	Size    int64
	Padding int64

	FullName     string
	TemplateName string
	Name         string

	ObjectPath string
	SourcePath string
	Component  string

	Flags   Flags
	Aliases *AliasGroup
}

// Key identifies a symbol within a SizeInfo.
type Key struct {
	SectionName string
	Address     uint64
	FullName    string
	ObjectPath  string
}

// Key returns the identity tuple of the symbol.
func (s *Symbol) Key() Key {
	return Key{
		SectionName: s.SectionName,
		Address:     s.Address,
		FullName:    s.FullName,
		ObjectPath:  s.ObjectPath,
	}
}

// NumAliases returns the number of symbols sharing the symbol's body.
func (s *Symbol) NumAliases() int {
	if s.Aliases == nil || len(s.Aliases.Symbols) == 0 {
		return 1
	}
	return len(s.Aliases.Symbols)
}

// PSS returns the size attributed to this symbol after splitting it
// among its aliases.
func (s *Symbol) PSS() float64 {
	return float64(s.Size) / float64(s.NumAliases())
}

// PaddingPSS returns the padding attributed to this symbol.
func (s *Symbol) PaddingPSS() float64 {
	return float64(s.Padding) / float64(s.NumAliases())
}

// SizeWithoutPadding returns Size - Padding.
func (s *Symbol) SizeWithoutPadding() int64 {
	return s.Size - s.Padding
}

// EndAddress returns the address just after the symbol.
func (s *Symbol) EndAddress() uint64 {
	return s.Address + uint64(s.SizeWithoutPadding())
}

// IsBss reports whether the symbol lives in a BSS section.
func (s *Symbol) IsBss() bool { return IsBssSection(s.SectionName) }

// IsGeneratedSource reports whether the symbol comes from generated source.
func (s *Symbol) IsGeneratedSource() bool { return s.Flags&FlagGeneratedSource != 0 }

// IsOverhead reports whether the symbol accounts for non-symbol overhead.
func (s *Symbol) IsOverhead() bool { return strings.HasPrefix(s.FullName, overheadPrefix) }

// IsSynthetic reports whether the symbol was created by the tool rather
// than found in the input, e.g. "** lld merge strings".
func (s *Symbol) IsSynthetic() bool { return strings.HasPrefix(s.FullName, syntheticSymbolsPrefix) }

// IsStringLiteral reports whether the symbol is a string literal.
func (s *Symbol) IsStringLiteral() bool {
	return s.FullName == StringLiteralName || strings.HasPrefix(s.FullName, `"`)
}

// IsSwitchTable reports whether the symbol is a compiler switch table.
func (s *Symbol) IsSwitchTable() bool { return strings.HasPrefix(s.FullName, SwitchTablePrefix) }

// IsTemplate reports whether the symbol is a template instantiation.
func (s *Symbol) IsTemplate() bool {
	// Check Name since it has templates and params removed.
	return s.Name != s.TemplateName
}

// SectionLetter returns the one-letter code of the symbol's section.
func (s *Symbol) SectionLetter() byte { return SectionLetter(s.SectionName) }

func (s *Symbol) String() string {
	return fmt.Sprintf("%s@%x(size_without_padding=%d,padding=%d,full_name=%s,object_path=%s,source_path=%s,flags=%s,num_aliases=%d,component=%s)",
		s.SectionName, s.Address, s.SizeWithoutPadding(), s.Padding, s.FullName,
		s.ObjectPath, s.SourcePath, s.Flags, s.NumAliases(), s.Component)
}

// NameAndSuffix splits "foo [vtable]" into ("foo", " [vtable]").
// Names with no bracketed suffix return an empty suffix.
func NameAndSuffix(name string) (string, string) {
	if !strings.HasSuffix(name, "]") {
		return name, ""
	}
	i := strings.LastIndex(name, " [")
	if i < 0 {
		return name, ""
	}
	return name[:i], name[i:]
}

// SwitchTableName returns the display name of the switch table for fn.
func SwitchTableName(fn string) string {
	return SwitchTablePrefix + fn + switchTableSuffix
}

// SwitchTableFunction returns the function name a switch table belongs to,
// and whether name is a switch table name.
func SwitchTableFunction(name string) (string, bool) {
	if !strings.HasPrefix(name, SwitchTablePrefix) {
		return "", false
	}
	return strings.TrimSuffix(name[len(SwitchTablePrefix):], switchTableSuffix), true
}

// MakeAliases links syms into a single alias group.
func MakeAliases(syms ...*Symbol) {
	g := &AliasGroup{Symbols: syms}
	for _, s := range syms {
		s.Aliases = g
	}
}
