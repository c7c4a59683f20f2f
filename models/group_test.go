// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package models

import (
	"regexp"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func names(syms []*Symbol) []string {
	var ret []string
	for _, s := range syms {
		ret = append(ret, s.FullName)
	}
	return ret
}

func groupNames(g *SymbolGroup) []string {
	var ret []string
	for _, c := range g.Groups {
		ret = append(ret, c.Name)
	}
	return ret
}

func testSymbols() []*Symbol {
	return []*Symbol{
		{SectionName: SectionText, Address: 0x1000, Size: 32, FullName: "foo()", TemplateName: "foo", Name: "foo", ObjectPath: "a/x.o", SourcePath: "a/x.cc", Component: "UI>Foo"},
		{SectionName: SectionText, Address: 0x1020, Size: 16, FullName: "bar()", TemplateName: "bar", Name: "bar", ObjectPath: "a/y.o", SourcePath: "a/y.cc", Component: "UI>Bar"},
		{SectionName: SectionRoData, Address: 0x2000, Size: 8, FullName: "kTable", TemplateName: "kTable", Name: "kTable", ObjectPath: "b/z.o", SourcePath: "b/z.cc", Component: "UI>Foo"},
		{SectionName: SectionBss, Address: 0x3000, Size: 64, FullName: "g_state", TemplateName: "g_state", Name: "g_state", ObjectPath: "b/z.o", SourcePath: "b/z.cc"},
	}
}

func TestSymbolGroupFilter(t *testing.T) {
	g := NewSymbolGroup(testSymbols())
	text := g.WhereInSection("t")
	if diff := cmp.Diff([]string{"foo()", "bar()"}, names(text.Symbols)); diff != "" {
		t.Errorf("WhereInSection(t) -want +got:\n%s", diff)
	}
	if diff := cmp.Diff([]string{"kTable", "g_state"}, names(text.Inverted().Symbols)); diff != "" {
		t.Errorf("WhereInSection(t).Inverted() -want +got:\n%s", diff)
	}
	comp := g.WhereComponentMatches(regexp.MustCompile(`^UI>Foo$`))
	if diff := cmp.Diff([]string{"foo()", "kTable"}, names(comp.Symbols)); diff != "" {
		t.Errorf("WhereComponentMatches -want +got:\n%s", diff)
	}
	big := g.WhereSizeBiggerThan(32)
	if diff := cmp.Diff([]string{"foo()", "g_state"}, names(big.Symbols)); diff != "" {
		t.Errorf("WhereSizeBiggerThan(32) -want +got:\n%s", diff)
	}
}

func TestSymbolGroupGroupBy(t *testing.T) {
	g := NewSymbolGroup(testSymbols())
	for _, tc := range []struct {
		name string
		got  *SymbolGroup
		want []string
	}{
		{
			name: "component",
			got:  g.GroupedByComponent(),
			want: []string{"UI>Foo", "UI>Bar", "(No component)"},
		},
		{
			name: "path depth 1",
			got:  g.GroupedByPath(1),
			want: []string{"a", "b"},
		},
		{
			name: "path depth 0",
			got:  g.GroupedByPath(0),
			want: []string{"a/x.cc", "a/y.cc", "b/z.cc"},
		},
		{
			name: "section",
			got:  g.GroupedBySectionName(),
			want: []string{SectionText, SectionRoData, SectionBss},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, groupNames(tc.got)); diff != "" {
				t.Errorf("groups -want +got:\n%s", diff)
			}
			if got, want := tc.got.Len(), g.Len(); got != want {
				t.Errorf("Len()=%d; want=%d", got, want)
			}
		})
	}
}

func TestSymbolGroupGroupByMinCount(t *testing.T) {
	g := NewSymbolGroup(testSymbols())
	keyFn := func(s *Symbol) string { return s.ObjectPath }

	got := g.GroupBy(keyFn, 2)
	if diff := cmp.Diff([]string{"foo()", "bar()", "b/z.o"}, groupNames(got)); diff != "" {
		t.Errorf("GroupBy(min=2) -want +got:\n%s", diff)
	}
	got = g.GroupBy(keyFn, -2)
	if diff := cmp.Diff([]string{"b/z.o"}, groupNames(got)); diff != "" {
		t.Errorf("GroupBy(min=-2) -want +got:\n%s", diff)
	}
	if got.Len() != 2 {
		t.Errorf("GroupBy(min=-2).Len()=%d; want=2", got.Len())
	}
}

func TestSymbolGroupSizeWithAliases(t *testing.T) {
	syms := testSymbols()
	syms[0].Size = 30
	a := &Symbol{SectionName: SectionText, Address: 0x1000, Size: 30, FullName: "foo2()", ObjectPath: "a/w.o"}
	b := &Symbol{SectionName: SectionText, Address: 0x1000, Size: 30, FullName: "foo3()", ObjectPath: "a/v.o"}
	MakeAliases(syms[0], a, b)
	syms = append(syms, a, b)
	g := NewSymbolGroup(syms)

	// 30 (alias group, counted once) + 16 + 8 + 64.
	if got, want := g.Size(), int64(118); got != want {
		t.Errorf("Size()=%d; want=%d", got, want)
	}
	if got, want := g.SumSize(), 118.0; got != want {
		t.Errorf("SumSize()=%v; want=%v", got, want)
	}
	if got, want := g.CountUniqueSymbols(), 4; got != want {
		t.Errorf("CountUniqueSymbols()=%d; want=%d", got, want)
	}

	// A partial view credits each alias size/alias_count.
	partial := NewSymbolGroup([]*Symbol{syms[0], a})
	if got, want := partial.SumSize(), 20.0; got != want {
		t.Errorf("partial SumSize()=%v; want=%v", got, want)
	}
	if got, want := partial.Size(), int64(30); got != want {
		t.Errorf("partial Size()=%d; want=%d", got, want)
	}
}

func TestSymbolGroupTopN(t *testing.T) {
	syms := []*Symbol{
		{SectionName: SectionText, Address: 0x30, Size: 10, FullName: "c"},
		{SectionName: SectionText, Address: 0x10, Size: 10, FullName: "a"},
		{SectionName: SectionRoData, Address: 0x50, Size: 10, FullName: "d"},
		{SectionName: SectionText, Address: 0x20, Size: 40, FullName: "b"},
		{SectionName: SectionText, Address: 0x10, Size: 10, FullName: "0"},
	}
	g := NewSymbolGroup(syms)
	got := names(g.TopN(4, nil))
	want := []string{"b", "d", "0", "a"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("TopN(4) -want +got:\n%s", diff)
	}
	// The receiver is not reordered.
	if diff := cmp.Diff([]string{"c", "a", "d", "b", "0"}, names(g.Symbols)); diff != "" {
		t.Errorf("receiver changed -want +got:\n%s", diff)
	}
}

func TestSymbolGroupSorted(t *testing.T) {
	g := NewSymbolGroup(testSymbols())
	got := names(g.Sorted().Symbols)
	want := []string{"g_state", "foo()", "bar()", "kTable"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Sorted() -want +got:\n%s", diff)
	}
}

func TestPrefixBeforeSeparator(t *testing.T) {
	for _, tc := range []struct {
		in    string
		count int
		want  string
	}{
		{"a/b/c.cc", 0, "a/b/c.cc"},
		{"a/b/c.cc", 1, "a"},
		{"a/b/c.cc", 2, "a/b"},
		{"a/b/c.cc", 5, "a/b"},
		{"c.cc", 1, "c.cc"},
	} {
		got := prefixBeforeSeparator(tc.in, "/", tc.count)
		if got != tc.want {
			t.Errorf("prefixBeforeSeparator(%q, %d)=%q; want=%q", tc.in, tc.count, got, tc.want)
		}
	}
}

func TestExtendSectionRange(t *testing.T) {
	ranges := make(map[string]SectionRange)
	ExtendSectionRange(ranges, SectionText, 0x2000, 0x10)
	ExtendSectionRange(ranges, SectionText, 0x1000, 0x20)
	ExtendSectionRange(ranges, SectionOther, 0, 4)
	ExtendSectionRange(ranges, SectionOther, 0, 6)
	want := map[string]SectionRange{
		SectionText:  {Address: 0x1000, Size: 0x30},
		SectionOther: {Address: 0, Size: 10},
	}
	if diff := cmp.Diff(want, ranges); diff != "" {
		t.Errorf("ExtendSectionRange -want +got:\n%s", diff)
	}
}

func TestFlagsString(t *testing.T) {
	for _, tc := range []struct {
		f    Flags
		want string
	}{
		{0, "{}"},
		{FlagClone, "{clone}"},
		{FlagAnonymous | FlagStartup | FlagGeneratedSource, "{anon,startup,gen}"},
	} {
		if got := tc.f.String(); got != tc.want {
			t.Errorf("Flags(%d).String()=%q; want=%q", uint32(tc.f), got, tc.want)
		}
	}
}
