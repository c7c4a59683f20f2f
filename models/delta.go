// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package models

import (
	"cmp"
	"math"
	"slices"
	"strings"
)

// DiffStatus tells how a symbol changed between two size infos.
type DiffStatus int

const (
	DiffUnchanged DiffStatus = iota
	DiffChanged
	DiffAdded
	DiffRemoved
)

var diffStatusNames = [...]string{"unchanged", "changed", "added", "removed"}

func (d DiffStatus) String() string { return diffStatusNames[d] }

// Prefix returns the one-character marker used in listings, e.g. "+ ".
func (d DiffStatus) Prefix() string {
	return [...]string{"= ", "~ ", "+ ", "- "}[d]
}

// DeltaSymbol pairs a symbol before and after a change.
// Either side may be nil for added or removed symbols.
type DeltaSymbol struct {
	Before *Symbol
	After  *Symbol
}

func (d *DeltaSymbol) sym() *Symbol {
	if d.After != nil {
		return d.After
	}
	return d.Before
}

// DiffStatus returns how the symbol changed.
func (d *DeltaSymbol) DiffStatus() DiffStatus {
	switch {
	case d.Before == nil:
		return DiffAdded
	case d.After == nil:
		return DiffRemoved
	case d.SizeDelta() != 0 || d.PSSDelta() != 0:
		return DiffChanged
	}
	return DiffUnchanged
}

// SizeDelta returns after.Size - before.Size, where a missing side counts
// as zero.
func (d *DeltaSymbol) SizeDelta() int64 {
	var n int64
	if d.After != nil {
		n += d.After.Size
	}
	if d.Before != nil {
		n -= d.Before.Size
	}
	return n
}

// PSSDelta returns the change in alias-split size.
func (d *DeltaSymbol) PSSDelta() float64 {
	var n float64
	if d.After != nil {
		n += d.After.PSS()
	}
	if d.Before != nil {
		n -= d.Before.PSS()
	}
	return n
}

// PaddingDelta returns the change in padding. Padding of matched symbols
// is tracked in aggregate, except for padding-only symbols.
func (d *DeltaSymbol) PaddingDelta() int64 {
	switch {
	case d.After == nil:
		return -d.Before.Padding
	case d.Before == nil:
		return d.After.Padding
	case d.Before.SizeWithoutPadding() == 0:
		return d.After.Padding - d.Before.Padding
	}
	return 0
}

// SectionName returns the section of the symbol.
func (d *DeltaSymbol) SectionName() string { return d.sym().SectionName }

// FullName returns the full name of the symbol.
func (d *DeltaSymbol) FullName() string { return d.sym().FullName }

// TemplateName returns the template name of the symbol.
func (d *DeltaSymbol) TemplateName() string { return d.sym().TemplateName }

// Name returns the short name of the symbol.
func (d *DeltaSymbol) Name() string { return d.sym().Name }

// ObjectPath returns the object path of the symbol.
func (d *DeltaSymbol) ObjectPath() string { return d.sym().ObjectPath }

// SourcePath returns the source path of the symbol.
func (d *DeltaSymbol) SourcePath() string { return d.sym().SourcePath }

// Component returns the component of the symbol.
func (d *DeltaSymbol) Component() string { return d.sym().Component }

// Address returns the address after the change, or 0 if removed.
func (d *DeltaSymbol) Address() uint64 {
	if d.After == nil {
		return 0
	}
	return d.After.Address
}

// Flags returns the union of the before and after flags.
func (d *DeltaSymbol) Flags() Flags {
	var f Flags
	if d.Before != nil {
		f |= d.Before.Flags
	}
	if d.After != nil {
		f |= d.After.Flags
	}
	return f
}

// DeltaSymbolGroup is an ordered sequence of delta symbols.
type DeltaSymbolGroup struct {
	Name    string
	Symbols []*DeltaSymbol
	Groups  []*DeltaSymbolGroup
}

// Len returns the number of delta symbols.
func (g *DeltaSymbolGroup) Len() int { return len(g.Symbols) }

// SizeDelta returns the total size change.
func (g *DeltaSymbolGroup) SizeDelta() int64 {
	var n int64
	for _, d := range g.Symbols {
		n += d.SizeDelta()
	}
	return n
}

// PSSDelta returns the total alias-split size change.
func (g *DeltaSymbolGroup) PSSDelta() float64 {
	var n float64
	for _, d := range g.Symbols {
		n += d.PSSDelta()
	}
	return n
}

// CountsByDiffStatus returns the number of symbols per diff status,
// indexed by DiffStatus.
func (g *DeltaSymbolGroup) CountsByDiffStatus() [4]int {
	var counts [4]int
	for _, d := range g.Symbols {
		counts[d.DiffStatus()]++
	}
	return counts
}

// Filter returns delta symbols for which pred is true.
func (g *DeltaSymbolGroup) Filter(pred func(*DeltaSymbol) bool) *DeltaSymbolGroup {
	ret := &DeltaSymbolGroup{Name: g.Name}
	for _, d := range g.Symbols {
		if pred(d) {
			ret.Symbols = append(ret.Symbols, d)
		}
	}
	return ret
}

// WhereDiffStatus keeps delta symbols with any of statuses.
func (g *DeltaSymbolGroup) WhereDiffStatus(statuses ...DiffStatus) *DeltaSymbolGroup {
	return g.Filter(func(d *DeltaSymbol) bool {
		return slices.Contains(statuses, d.DiffStatus())
	})
}

// WhereNotUnchanged drops unchanged symbols.
func (g *DeltaSymbolGroup) WhereNotUnchanged() *DeltaSymbolGroup {
	return g.WhereDiffStatus(DiffChanged, DiffAdded, DiffRemoved)
}

// WhereInSection keeps delta symbols in any of the named sections.
func (g *DeltaSymbolGroup) WhereInSection(sections ...string) *DeltaSymbolGroup {
	return g.Filter(func(d *DeltaSymbol) bool {
		return slices.Contains(sections, d.SectionName())
	})
}

// GroupBy partitions delta symbols into named child groups in order of
// first appearance.
func (g *DeltaSymbolGroup) GroupBy(keyFn func(*DeltaSymbol) string) *DeltaSymbolGroup {
	var order []string
	members := make(map[string][]*DeltaSymbol)
	for _, d := range g.Symbols {
		k := keyFn(d)
		if _, ok := members[k]; !ok {
			order = append(order, k)
		}
		members[k] = append(members[k], d)
	}
	ret := &DeltaSymbolGroup{Name: g.Name, Symbols: g.Symbols, Groups: []*DeltaSymbolGroup{}}
	for _, k := range order {
		ret.Groups = append(ret.Groups, &DeltaSymbolGroup{Name: k, Symbols: members[k]})
	}
	return ret
}

// GroupedByComponent groups delta symbols by component.
func (g *DeltaSymbolGroup) GroupedByComponent() *DeltaSymbolGroup {
	return g.GroupBy(func(d *DeltaSymbol) string {
		if d.Component() == "" {
			return "(No component)"
		}
		return d.Component()
	})
}

// GroupedBySectionName groups delta symbols by section.
func (g *DeltaSymbolGroup) GroupedBySectionName() *DeltaSymbolGroup {
	return g.GroupBy((*DeltaSymbol).SectionName)
}

// Sorted orders by descending absolute PSS change, then full name.
// Child groups are ordered by descending absolute PSS change.
func (g *DeltaSymbolGroup) Sorted() *DeltaSymbolGroup {
	syms := slices.Clone(g.Symbols)
	slices.SortStableFunc(syms, func(a, b *DeltaSymbol) int {
		if c := cmp.Compare(math.Abs(b.PSSDelta()), math.Abs(a.PSSDelta())); c != 0 {
			return c
		}
		return cmp.Or(
			strings.Compare(a.FullName(), b.FullName()),
			strings.Compare(a.ObjectPath(), b.ObjectPath()),
			strings.Compare(a.SectionName(), b.SectionName()))
	})
	ret := &DeltaSymbolGroup{Name: g.Name, Symbols: syms}
	if g.Groups != nil {
		ret.Groups = slices.Clone(g.Groups)
		slices.SortStableFunc(ret.Groups, func(a, b *DeltaSymbolGroup) int {
			if c := cmp.Compare(math.Abs(b.PSSDelta()), math.Abs(a.PSSDelta())); c != 0 {
				return c
			}
			return strings.Compare(a.Name, b.Name)
		})
	}
	return ret
}

// DeltaSizeInfo is the result of diffing two size infos.
type DeltaSizeInfo struct {
	Before  *SizeInfo
	After   *SizeInfo
	Symbols *DeltaSymbolGroup
}

// SectionSizeDeltas returns after - before section sizes for every section
// present on either side.
func (d *DeltaSizeInfo) SectionSizeDeltas() map[string]int64 {
	m := make(map[string]int64)
	for name, r := range d.After.SectionSizes {
		m[name] += r.Size
	}
	for name, r := range d.Before.SectionSizes {
		m[name] -= r.Size
	}
	return m
}

// MetadataDeltas returns metadata keys whose value differs, mapped to
// their [before, after] values.
func (d *DeltaSizeInfo) MetadataDeltas() map[string][2]string {
	m := make(map[string][2]string)
	for _, k := range d.After.Metadata.Keys() {
		if b, a := d.Before.Metadata.Get(k), d.After.Metadata.Get(k); a != b {
			m[k] = [2]string{b, a}
		}
	}
	for _, k := range d.Before.Metadata.Keys() {
		if b, a := d.Before.Metadata.Get(k), d.After.Metadata.Get(k); a != b {
			m[k] = [2]string{b, a}
		}
	}
	return m
}
