// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package archive

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"go.chromium.org/infra/tools/supersize/models"
	"go.chromium.org/infra/tools/supersize/pathutil"
	"go.chromium.org/infra/tools/supersize/toolsupport/arutil"
	"go.chromium.org/infra/tools/supersize/toolsupport/ninjautil"
)

// DefaultMaxSameNameAliasCount is the alias count above which path
// aliases are merged into one shared-path symbol.
const DefaultMaxSameNameAliasCount = 40

var numSuffixRe = regexp.MustCompile(`\s+\(\.\d+\)$`)

// splitArchivePath splits "foo/bar.a(baz.o)" into ("foo/bar.a", "baz.o").
func splitArchivePath(p string) (string, string, bool) {
	if !strings.HasSuffix(p, ")") {
		return "", "", false
	}
	i := strings.LastIndexByte(p, '(')
	if i < 0 {
		return "", "", false
	}
	return p[:i], p[i+1 : len(p)-1], true
}

// resolveThinArchivePaths rewrites "foo.a(bar.o)" object paths of thin
// archive members into the paths of the member object files.
func resolveThinArchivePaths(syms []*models.Symbol, thinArchives map[string]bool) int {
	var n int
	for _, s := range syms {
		archive, member, ok := splitArchivePath(s.ObjectPath)
		if !ok || !thinArchives[archive] {
			continue
		}
		s.ObjectPath = arutil.CreateThinObjectPath(archive, member)
		n++
	}
	return n
}

// discoverMissedObjectPaths returns object paths (or archives) of syms
// that are not among the known linker inputs. They come from archives
// added by -l flags, which are not explicit ninja inputs.
func discoverMissedObjectPaths(syms []*models.Symbol, known map[string]bool) []string {
	missed := make(map[string]bool)
	for _, s := range syms {
		p := s.ObjectPath
		if archive, _, ok := splitArchivePath(p); ok {
			p = archive
		}
		if p != "" && !known[p] {
			missed[p] = true
		}
	}
	ret := make([]string, 0, len(missed))
	for p := range missed {
		ret = append(ret, p)
	}
	sort.Strings(ret)
	return ret
}

// objectPathsByName maps full names to the sorted object paths of the
// symbols with that name.
func objectPathsByName(syms []*models.Symbol) map[string][]string {
	sets := make(map[string]map[string]bool)
	for _, s := range syms {
		if s.ObjectPath == "" || s.FullName == "" {
			continue
		}
		m := sets[s.FullName]
		if m == nil {
			m = make(map[string]bool)
			sets[s.FullName] = m
		}
		m[s.ObjectPath] = true
	}
	ret := make(map[string][]string, len(sets))
	for name, m := range sets {
		paths := make([]string, 0, len(m))
		for p := range m {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		ret[name] = paths
	}
	return ret
}

type switchTableStats struct {
	tables      int
	deduced     int
	arbitrated  int
	unassigned  int
	mismatching int
}

// deduceObjectPathForSwitchTables gives pathless switch tables the object
// path of the function they belong to. When the function is found in
// several objects, the first path wins.
func deduceObjectPathForSwitchTables(syms []*models.Symbol, byName map[string][]string) switchTableStats {
	var st switchTableStats
	for _, s := range syms {
		fn, ok := models.SwitchTableFunction(s.FullName)
		if !ok {
			continue
		}
		st.tables++
		fn = numSuffixRe.ReplaceAllString(fn, "")
		paths := byName[fn]
		if s.ObjectPath != "" {
			if !containsString(paths, s.ObjectPath) {
				st.mismatching++
			}
			continue
		}
		if len(paths) == 0 {
			st.unassigned++
			continue
		}
		st.deduced++
		s.ObjectPath = paths[0]
		if len(paths) > 1 {
			st.arbitrated++
		}
	}
	if st.tables > 0 {
		log.Infof("found %d switch tables: deduced %d object paths with %d arbitrations. %d remain unassigned", st.tables, st.deduced, st.arbitrated, st.unassigned)
	}
	return st
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// addUnattributedSectionSymbols adds a "** <section> (unattributed)"
// symbol for the gap between the last symbol of each non-BSS section and
// the section end, and a "** ELF Section: <name>" symbol for each
// allocated section without symbols. Sections that are neither BSS nor
// well-known are accounted to .other, whose range is extended.
func addUnattributedSectionSymbols(syms []*models.Symbol, sections map[string]models.SectionRange) []*models.Symbol {
	log.Info("searching for symbol gaps")
	ends := make(map[string]uint64)
	var order []string
	for _, s := range syms {
		end, ok := ends[s.SectionName]
		if !ok {
			order = append(order, s.SectionName)
		}
		if e := s.EndAddress(); e > end {
			end = e
		}
		ends[s.SectionName] = end
	}

	ret := syms
	for _, name := range order {
		r, ok := sections[name]
		if !ok || models.IsBssSection(name) {
			continue
		}
		end := ends[name]
		overhead := int64(r.End()) - int64(end)
		switch {
		case overhead < 0:
			log.Warnf("last symbol in %s ends %d bytes after section end %x", name, -overhead, r.End())
		case overhead > 0:
			log.Infof("last symbol in %s does not reach end of section, gap=%d", name, overhead)
			ret = append(ret, &models.Symbol{
				SectionName: name,
				Address:     end,
				Size:        overhead,
				FullName:    fmt.Sprintf("** %s (unattributed)", name),
			})
		}
	}

	names := make([]string, 0, len(sections))
	for name := range sections {
		if _, ok := ends[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	var other []*models.Symbol
	for _, name := range names {
		r := sections[name]
		switch {
		case name == models.SectionOther:
			continue
		case models.IsBssSection(name) || strings.Contains(name, "("):
			// Unsummed: occupies no file space.
			continue
		case r.Address == 0:
			// Not allocated at runtime (e.g. .comment, .debug_*).
			log.Debugf("skipping non-allocated section %s", name)
			continue
		case models.IsNativeSection(name):
			ret = append(ret, &models.Symbol{
				SectionName: name,
				Address:     r.Address,
				Size:        r.Size,
				FullName:    "** ELF Section: " + name,
			})
		default:
			other = append(other, &models.Symbol{
				SectionName: models.SectionOther,
				Address:     r.Address,
				Size:        r.Size,
				FullName:    "** ELF Section: " + name,
			})
		}
	}
	for _, s := range other {
		models.ExtendSectionRange(sections, models.SectionOther, 0, s.Size)
	}
	return append(ret, other...)
}

// addSourcePaths looks up source paths of syms with sm. Absolute object
// paths and paths outside the output directory are prebuilts and have no
// source info.
func addSourcePaths(sm *ninjautil.SourceMapper, syms []*models.Symbol) {
	log.Info("looking up source paths from ninja files")
	for _, s := range syms {
		p := s.ObjectPath
		if p == "" || strings.HasPrefix(p, "/") || strings.HasPrefix(p, "..") {
			continue
		}
		s.SourcePath = sm.FindSourceForPath(p)
	}
}

// connectAliases puts symbols at the same non-zero address into one alias
// group. syms must be sorted. Padding-only symbols (size 0) start no
// group.
func connectAliases(syms []*models.Symbol) int {
	var n int
	for i := 1; i < len(syms); i++ {
		prev, s := syms[i-1], syms[i]
		if s.Address == 0 || prev.Address != s.Address || prev.SectionName != s.SectionName {
			continue
		}
		if prev.Size <= 0 {
			continue
		}
		if prev.Aliases != nil && prev.Aliases == s.Aliases {
			continue
		}
		if prev.Aliases == nil {
			prev.Aliases = &models.AliasGroup{Symbols: []*models.Symbol{prev}}
		}
		prev.Aliases.Symbols = append(prev.Aliases.Symbols, s)
		s.Aliases = prev.Aliases
		n++
	}
	return n
}

// compactLargeAliases replaces alias groups larger than maxCount whose
// members differ only by path with their first member, whose paths become
// the common ancestor of all member paths ("dir/{shared}/<count>").
// syms must be sorted so that alias groups are contiguous.
func compactLargeAliases(syms []*models.Symbol, maxCount int) []*models.Symbol {
	ret := syms[:0]
	var shared, removed int
	for i := 0; i < len(syms); {
		s := syms[i]
		ret = append(ret, s)
		g := s.Aliases
		if g == nil || len(g.Symbols) <= maxCount || g.Symbols[0] != s || !sameName(g.Symbols) {
			i++
			continue
		}
		var sources, objects []string
		generated := true
		for _, a := range g.Symbols {
			if a.SourcePath != "" {
				sources = append(sources, a.SourcePath)
			}
			if a.ObjectPath != "" {
				objects = append(objects, a.ObjectPath)
			}
			generated = generated && a.IsGeneratedSource()
		}
		s.SourcePath = pathutil.ComputeAncestorPath(sources, len(g.Symbols))
		s.ObjectPath = pathutil.ComputeAncestorPath(objects, len(g.Symbols))
		if generated {
			s.Flags |= models.FlagGeneratedSource
		} else {
			s.Flags &^= models.FlagGeneratedSource
		}
		s.Aliases = nil
		shared++
		removed += len(g.Symbols) - 1
		i += len(g.Symbols)
	}
	if shared > 0 {
		log.Debugf("converted %d aliases into %d shared-path symbols", removed, shared)
	}
	return ret
}

func sameName(syms []*models.Symbol) bool {
	for _, s := range syms[1:] {
		if s.FullName != syms[0].FullName {
			return false
		}
	}
	return true
}

func sectionSortOrder(name string) int {
	switch {
	case name == models.SectionOther:
		return 2
	case models.IsBssSection(name):
		return 1
	}
	return 0
}

func symbolLess(a, b *models.Symbol) bool {
	if oa, ob := sectionSortOrder(a.SectionName), sectionSortOrder(b.SectionName); oa != ob {
		return oa < ob
	}
	if a.IsOverhead() != b.IsOverhead() {
		return !a.IsOverhead()
	}
	if a.Address != b.Address {
		return a.Address < b.Address
	}
	// Padding-only symbols come first at an address.
	ha := a.Address != 0 && a.SizeWithoutPadding() > 0
	hb := b.Address != 0 && b.SizeWithoutPadding() > 0
	if ha != hb {
		return !ha
	}
	if a.IsSynthetic() != b.IsSynthetic() {
		return !a.IsSynthetic()
	}
	if a.FullName != b.FullName {
		return a.FullName < b.FullName
	}
	if a.ObjectPath != b.ObjectPath {
		return a.ObjectPath < b.ObjectPath
	}
	return a.SectionName < b.SectionName
}

// SortSymbols sorts syms in the order they are archived in: by section
// class (native, BSS, .other), then address. Ties are broken by name and
// path so that the order is total. Members of alias groups are sorted the
// same way.
func SortSymbols(syms []*models.Symbol) {
	log.Debugf("sorting %d symbols", len(syms))
	sort.SliceStable(syms, func(i, j int) bool { return symbolLess(syms[i], syms[j]) })
	seen := make(map[*models.AliasGroup]bool)
	for _, s := range syms {
		if s.Aliases == nil || seen[s.Aliases] {
			continue
		}
		seen[s.Aliases] = true
		sort.SliceStable(s.Aliases.Symbols, func(i, j int) bool {
			return symbolLess(s.Aliases.Symbols[i], s.Aliases.Symbols[j])
		})
	}
}

// CountUnsortedSymbols returns the number of adjacent pairs of syms that
// are out of order, logging the first few when there are many.
func CountUnsortedSymbols(syms []*models.Symbol) int {
	var count int
	for i := 1; i < len(syms); i++ {
		if symbolLess(syms[i], syms[i-1]) {
			count++
		}
	}
	log.Infof("out of %d symbols, %d were out-of-order", len(syms), count)
	if len(syms) > 1000 && float64(count)/float64(len(syms)) > 0.01 {
		const numToLog = 10
		var reported int
		for i := 1; i < len(syms) && reported < numToLog; i++ {
			if symbolLess(syms[i], syms[i-1]) {
				log.Warnf("out-of-order symbols:\n%d) %s\n%d) %s", i-1, syms[i-1], i, syms[i])
				reported++
			}
		}
	}
	return count
}
