// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package models

import (
	"cmp"
	"math"
	"regexp"
	"slices"
	"strings"
)

// SymbolGroup is an ordered sequence of symbols, the single container
// for queries. A group-by result has named child groups in Groups.
//
// SymbolGroups are values derived from an immutable symbol list: every
// operation returns a new group and never reorders or mutates the
// receiver.
type SymbolGroup struct {
	Name    string
	Symbols []*Symbol
	// Groups holds child groups of a grouped view; nil otherwise.
	Groups []*SymbolGroup

	// symbols excluded by the Filter that produced this group.
	filtered []*Symbol
}

// NewSymbolGroup returns a group of syms.
func NewSymbolGroup(syms []*Symbol) *SymbolGroup {
	return &SymbolGroup{Symbols: syms}
}

// Len returns the number of symbols in the group.
func (g *SymbolGroup) Len() int { return len(g.Symbols) }

// IsGrouped reports whether the group has child groups.
func (g *SymbolGroup) IsGrouped() bool { return g.Groups != nil }

// Size returns the total size of the group, counting each alias group
// once in full.
func (g *SymbolGroup) Size() int64 {
	var total int64
	seen := make(map[*AliasGroup]bool)
	for _, s := range g.Symbols {
		if s.Aliases != nil {
			if seen[s.Aliases] {
				continue
			}
			seen[s.Aliases] = true
		}
		total += s.Size
	}
	return total
}

// SumSize returns the total size of the group where each aliased symbol
// is credited size / alias_count.
func (g *SymbolGroup) SumSize() float64 {
	var total float64
	for _, s := range g.Symbols {
		total += s.PSS()
	}
	return total
}

// PaddingSize returns the total padding of the group.
func (g *SymbolGroup) PaddingSize() float64 {
	var total float64
	for _, s := range g.Symbols {
		total += s.PaddingPSS()
	}
	return total
}

// CountUniqueSymbols returns the number of symbols, counting each alias
// group once.
func (g *SymbolGroup) CountUniqueSymbols() int {
	n := 0
	seen := make(map[*AliasGroup]bool)
	for _, s := range g.Symbols {
		if s.Aliases != nil {
			if seen[s.Aliases] {
				continue
			}
			seen[s.Aliases] = true
		}
		n++
	}
	return n
}

// Filter returns the sub-group of symbols for which pred is true.
// Order is preserved.
func (g *SymbolGroup) Filter(pred func(*Symbol) bool) *SymbolGroup {
	var kept, filtered []*Symbol
	for _, s := range g.Symbols {
		if pred(s) {
			kept = append(kept, s)
			continue
		}
		filtered = append(filtered, s)
	}
	return &SymbolGroup{Name: g.Name, Symbols: kept, filtered: filtered}
}

// Inverted returns the symbols removed by the Filter that produced g.
func (g *SymbolGroup) Inverted() *SymbolGroup {
	return &SymbolGroup{Name: g.Name, Symbols: g.filtered, filtered: g.Symbols}
}

// WhereInSection keeps symbols in any of the given sections. A section may
// be given by name (".text") or one-letter code ("t").
func (g *SymbolGroup) WhereInSection(sections ...string) *SymbolGroup {
	names := make(map[string]bool)
	for _, sec := range sections {
		if len(sec) == 1 {
			if name, ok := SectionNamesByLetter[sec[0]]; ok {
				names[name] = true
				if sec[0] == 'b' {
					names[SectionBssRelRo] = true
					names[SectionPartEnd] = true
				}
				if sec[0] == 'R' {
					names[SectionDataRelRoLocal] = true
				}
				continue
			}
		}
		names[sec] = true
	}
	return g.Filter(func(s *Symbol) bool { return names[s.SectionName] })
}

// WhereSizeBiggerThan keeps symbols whose size is at least minSize.
func (g *SymbolGroup) WhereSizeBiggerThan(minSize int64) *SymbolGroup {
	return g.Filter(func(s *Symbol) bool { return s.Size >= minSize })
}

// WhereHasFlag keeps symbols with any of flags set.
func (g *SymbolGroup) WhereHasFlag(flags Flags) *SymbolGroup {
	return g.Filter(func(s *Symbol) bool { return s.Flags&flags != 0 })
}

// WhereIsGenerated keeps symbols from generated sources.
func (g *SymbolGroup) WhereIsGenerated() *SymbolGroup {
	return g.Filter((*Symbol).IsGeneratedSource)
}

// WhereIsTemplate keeps template instantiations.
func (g *SymbolGroup) WhereIsTemplate() *SymbolGroup {
	return g.Filter((*Symbol).IsTemplate)
}

// WhereNameMatches keeps symbols whose template name matches re.
func (g *SymbolGroup) WhereNameMatches(re *regexp.Regexp) *SymbolGroup {
	return g.Filter(func(s *Symbol) bool { return re.MatchString(s.TemplateName) })
}

// WhereFullNameMatches keeps symbols whose full name matches re.
func (g *SymbolGroup) WhereFullNameMatches(re *regexp.Regexp) *SymbolGroup {
	return g.Filter(func(s *Symbol) bool { return re.MatchString(s.FullName) })
}

// WherePathMatches keeps symbols whose object or source path matches re.
func (g *SymbolGroup) WherePathMatches(re *regexp.Regexp) *SymbolGroup {
	return g.Filter(func(s *Symbol) bool {
		return re.MatchString(s.ObjectPath) || re.MatchString(s.SourcePath)
	})
}

// WhereSourcePathMatches keeps symbols whose source path matches re.
func (g *SymbolGroup) WhereSourcePathMatches(re *regexp.Regexp) *SymbolGroup {
	return g.Filter(func(s *Symbol) bool { return re.MatchString(s.SourcePath) })
}

// WhereComponentMatches keeps symbols whose component matches re.
func (g *SymbolGroup) WhereComponentMatches(re *regexp.Regexp) *SymbolGroup {
	return g.Filter(func(s *Symbol) bool { return re.MatchString(s.Component) })
}

// GroupBy partitions the group into named child groups, in order of
// first appearance of each key.
//
// If fewer than minCount symbols share a key, they are not put in a
// group: each becomes a single-symbol group named by its full name. With
// a negative minCount, such symbols are dropped from the result.
func (g *SymbolGroup) GroupBy(keyFn func(*Symbol) string, minCount int) *SymbolGroup {
	var order []string
	members := make(map[string][]*Symbol)
	for _, s := range g.Symbols {
		k := keyFn(s)
		if _, ok := members[k]; !ok {
			order = append(order, k)
		}
		members[k] = append(members[k], s)
	}
	absMin := minCount
	if absMin < 0 {
		absMin = -absMin
	}
	ret := &SymbolGroup{Name: g.Name, Groups: []*SymbolGroup{}}
	for _, k := range order {
		syms := members[k]
		if len(syms) >= absMin {
			ret.Groups = append(ret.Groups, &SymbolGroup{Name: k, Symbols: syms})
			ret.Symbols = append(ret.Symbols, syms...)
			continue
		}
		if minCount < 0 {
			continue
		}
		for _, s := range syms {
			ret.Groups = append(ret.Groups, &SymbolGroup{Name: s.FullName, Symbols: []*Symbol{s}})
			ret.Symbols = append(ret.Symbols, s)
		}
	}
	return ret
}

// GroupedByName groups by the first depth "::"-separated components of
// the symbol name. depth 0 groups by the whole name.
func (g *SymbolGroup) GroupedByName(depth, minCount int) *SymbolGroup {
	return g.GroupBy(func(s *Symbol) string {
		name, _ := NameAndSuffix(s.Name)
		return prefixBeforeSeparator(name, "::", depth)
	}, minCount)
}

// GroupedByFullName groups by full name, e.g. to find duplicated symbols.
func (g *SymbolGroup) GroupedByFullName(minCount int) *SymbolGroup {
	return g.GroupBy(func(s *Symbol) string { return s.FullName }, minCount)
}

// GroupedByPath groups by the first depth components of the source path,
// falling back to the object path. depth 0 groups by the whole path.
func (g *SymbolGroup) GroupedByPath(depth int) *SymbolGroup {
	return g.GroupBy(func(s *Symbol) string {
		p := s.SourcePath
		if p == "" {
			p = s.ObjectPath
		}
		if p == "" {
			return "{no path}"
		}
		return prefixBeforeSeparator(p, "/", depth)
	}, 0)
}

// GroupedByComponent groups by component.
func (g *SymbolGroup) GroupedByComponent() *SymbolGroup {
	return g.GroupBy(func(s *Symbol) string {
		if s.Component == "" {
			return "(No component)"
		}
		return s.Component
	}, 0)
}

// GroupedBySectionName groups by section name.
func (g *SymbolGroup) GroupedBySectionName() *SymbolGroup {
	return g.GroupBy(func(s *Symbol) string { return s.SectionName }, 0)
}

func prefixBeforeSeparator(s, sep string, count int) string {
	end := -1
	idx := -len(sep)
	for i := 0; i < count; i++ {
		j := strings.Index(s[idx+len(sep):], sep)
		if j < 0 {
			break
		}
		idx = idx + len(sep) + j
		end = idx
	}
	if end < 0 {
		return s
	}
	return s[:end]
}

// Sorted returns the group sorted by descending absolute PSS, then by
// full name, object path and section. Child groups are sorted by
// descending absolute size.
func (g *SymbolGroup) Sorted() *SymbolGroup {
	syms := slices.Clone(g.Symbols)
	slices.SortStableFunc(syms, func(a, b *Symbol) int {
		if c := cmp.Compare(math.Abs(b.PSS()), math.Abs(a.PSS())); c != 0 {
			return c
		}
		return cmp.Or(
			strings.Compare(a.FullName, b.FullName),
			strings.Compare(a.ObjectPath, b.ObjectPath),
			strings.Compare(a.SectionName, b.SectionName))
	})
	ret := &SymbolGroup{Name: g.Name, Symbols: syms, filtered: g.filtered}
	if g.Groups != nil {
		ret.Groups = slices.Clone(g.Groups)
		slices.SortStableFunc(ret.Groups, func(a, b *SymbolGroup) int {
			if c := cmp.Compare(math.Abs(b.SumSize()), math.Abs(a.SumSize())); c != 0 {
				return c
			}
			return strings.Compare(a.Name, b.Name)
		})
	}
	return ret
}

// SortedByName returns the group sorted by name.
func (g *SymbolGroup) SortedByName() *SymbolGroup {
	syms := slices.Clone(g.Symbols)
	slices.SortStableFunc(syms, func(a, b *Symbol) int {
		return cmp.Or(strings.Compare(a.Name, b.Name), strings.Compare(a.FullName, b.FullName))
	})
	ret := &SymbolGroup{Name: g.Name, Symbols: syms, filtered: g.filtered}
	if g.Groups != nil {
		ret.Groups = slices.Clone(g.Groups)
		slices.SortStableFunc(ret.Groups, func(a, b *SymbolGroup) int {
			return strings.Compare(a.Name, b.Name)
		})
	}
	return ret
}

// SortedByCount returns a grouped view with child groups sorted by
// descending number of symbols.
func (g *SymbolGroup) SortedByCount() *SymbolGroup {
	ret := &SymbolGroup{Name: g.Name, Symbols: g.Symbols, filtered: g.filtered}
	if g.Groups != nil {
		ret.Groups = slices.Clone(g.Groups)
		slices.SortStableFunc(ret.Groups, func(a, b *SymbolGroup) int {
			return cmp.Or(cmp.Compare(b.Len(), a.Len()), strings.Compare(a.Name, b.Name))
		})
	}
	return ret
}

// TopN returns the n symbols with the largest key. Ties are broken by
// (section name, address, full name) so the result is deterministic.
// A nil key orders by PSS.
func (g *SymbolGroup) TopN(n int, key func(*Symbol) float64) []*Symbol {
	if key == nil {
		key = (*Symbol).PSS
	}
	syms := slices.Clone(g.Symbols)
	slices.SortStableFunc(syms, func(a, b *Symbol) int {
		if c := cmp.Compare(key(b), key(a)); c != 0 {
			return c
		}
		return cmp.Or(
			strings.Compare(a.SectionName, b.SectionName),
			cmp.Compare(a.Address, b.Address),
			strings.Compare(a.FullName, b.FullName))
	})
	if n >= 0 && n < len(syms) {
		syms = syms[:n]
	}
	return syms
}

// TopNGroups returns the n child groups with the largest absolute size.
func (g *SymbolGroup) TopNGroups(n int) []*SymbolGroup {
	groups := g.Sorted().Groups
	if n >= 0 && n < len(groups) {
		groups = groups[:n]
	}
	return groups
}

// Diff aligns g (before) with after.
func (g *SymbolGroup) Diff(after *SymbolGroup) *DeltaSymbolGroup {
	return DiffSymbols(g, after)
}
