// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package models

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// matcher computes the key used by one diff pass. Symbols with equal keys
// on both sides are paired in order.
type matcher func(*Symbol) string

var (
	numberSuffixRe = regexp.MustCompile(`(\.\d+|\s+\(\.\d+\))$`)
	lambdaNumberRe = regexp.MustCompile(`\$lambda#\d+`)
	mergeCountRe   = regexp.MustCompile(`\s+\d+( \(.*\))?$`)
)

func stripNumbers(name string) string {
	name = numberSuffixRe.ReplaceAllString(name, "")
	name = lambdaNumberRe.ReplaceAllString(name, "$$lambda#")
	if strings.HasPrefix(name, syntheticSymbolsPrefix) {
		name = mergeCountRe.ReplaceAllString(name, "s")
	}
	return name
}

var diffPasses = []matcher{
	// Exact match, including size.
	func(s *Symbol) string {
		return fmt.Sprintf("%s\x00%s\x00%s\x00%d", s.SectionName, s.FullName, s.ObjectPath, s.Size)
	},
	// Same function in the same object, address and size may differ.
	func(s *Symbol) string {
		return s.SectionName + "\x00" + s.TemplateName + "\x00" + s.ObjectPath
	},
	// Same, ignoring numbered suffixes (clones, lambdas, merge counts).
	func(s *Symbol) string {
		return s.SectionName + "\x00" + stripNumbers(s.TemplateName) + "\x00" + s.ObjectPath
	},
	// Moved between objects of the same source file.
	func(s *Symbol) string {
		if s.SourcePath == "" {
			return ""
		}
		return s.SectionName + "\x00" + s.FullName + "\x00" + s.SourcePath
	},
}

// aliasGroupKey returns a key that is equal for alias groups that contain
// the same functions. Returns "" if s is not aliased or not every alias is
// present in members.
func aliasGroupKey(s *Symbol, members map[*Symbol]bool) string {
	if s.Aliases == nil || len(s.Aliases.Symbols) < 2 {
		return ""
	}
	keys := make([]string, 0, len(s.Aliases.Symbols))
	for _, a := range s.Aliases.Symbols {
		if !members[a] {
			return ""
		}
		keys = append(keys, a.TemplateName+"\x00"+a.ObjectPath)
	}
	slices.Sort(keys)
	return s.SectionName + "\x01" + strings.Join(keys, "\x01")
}

func sortedAliases(g *AliasGroup) []*Symbol {
	syms := slices.Clone(g.Symbols)
	slices.SortStableFunc(syms, func(a, b *Symbol) int {
		if c := strings.Compare(a.TemplateName, b.TemplateName); c != 0 {
			return c
		}
		if c := strings.Compare(a.ObjectPath, b.ObjectPath); c != 0 {
			return c
		}
		return strings.Compare(a.FullName, b.FullName)
	})
	return syms
}

// DiffSymbols aligns before and after symbols.
//
// Identical alias groups are matched as a unit first. The remaining
// symbols are matched by a sequence of passes from strict to loose; each
// pass only considers symbols left unmatched by earlier passes. Symbols
// still unmatched are reported as removed (before) or added (after).
//
// The result lists after symbols in order (matched or added), followed by
// removed symbols in before order.
func DiffSymbols(before, after *SymbolGroup) *DeltaSymbolGroup {
	matchedBefore := make(map[*Symbol]*Symbol) // after -> before
	usedBefore := make(map[*Symbol]bool)

	beforeSet := make(map[*Symbol]bool, before.Len())
	for _, s := range before.Symbols {
		beforeSet[s] = true
	}
	afterSet := make(map[*Symbol]bool, after.Len())
	for _, s := range after.Symbols {
		afterSet[s] = true
	}

	// Pass 0: alias groups.
	beforeGroups := make(map[string][]*AliasGroup)
	seen := make(map[*AliasGroup]bool)
	for _, s := range before.Symbols {
		k := aliasGroupKey(s, beforeSet)
		if k == "" || seen[s.Aliases] {
			continue
		}
		seen[s.Aliases] = true
		beforeGroups[k] = append(beforeGroups[k], s.Aliases)
	}
	seenAfter := make(map[*AliasGroup]bool)
	for _, s := range after.Symbols {
		k := aliasGroupKey(s, afterSet)
		if k == "" || seenAfter[s.Aliases] {
			continue
		}
		seenAfter[s.Aliases] = true
		q := beforeGroups[k]
		if len(q) == 0 {
			continue
		}
		bg := q[0]
		beforeGroups[k] = q[1:]
		bs, as := sortedAliases(bg), sortedAliases(s.Aliases)
		for i := range as {
			matchedBefore[as[i]] = bs[i]
			usedBefore[bs[i]] = true
		}
	}

	for _, keyFn := range diffPasses {
		queue := make(map[string][]*Symbol)
		for _, s := range before.Symbols {
			if usedBefore[s] {
				continue
			}
			k := keyFn(s)
			if k == "" {
				continue
			}
			queue[k] = append(queue[k], s)
		}
		if len(queue) == 0 {
			break
		}
		for _, s := range after.Symbols {
			if _, ok := matchedBefore[s]; ok {
				continue
			}
			k := keyFn(s)
			q := queue[k]
			if k == "" || len(q) == 0 {
				continue
			}
			matchedBefore[s] = q[0]
			usedBefore[q[0]] = true
			queue[k] = q[1:]
		}
	}

	ret := &DeltaSymbolGroup{Symbols: make([]*DeltaSymbol, 0, after.Len())}
	for _, s := range after.Symbols {
		ret.Symbols = append(ret.Symbols, &DeltaSymbol{Before: matchedBefore[s], After: s})
	}
	for _, s := range before.Symbols {
		if !usedBefore[s] {
			ret.Symbols = append(ret.Symbols, &DeltaSymbol{Before: s})
		}
	}
	return ret
}

// Diff returns the delta between two size infos.
func Diff(before, after *SizeInfo) *DeltaSizeInfo {
	return &DeltaSizeInfo{
		Before:  before,
		After:   after,
		Symbols: DiffSymbols(before.Symbols, after.Symbols),
	}
}
