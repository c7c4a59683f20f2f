// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package canned

import (
	"bytes"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/infra/tools/supersize/metadata"
	"go.chromium.org/infra/tools/supersize/models"
)

var templateArgsRe = regexp.MustCompile(`<[^<>]*>`)

func newSym(section string, size int64, full, tmpl, src, comp string) *models.Symbol {
	s := &models.Symbol{
		SectionName:  section,
		Size:         size,
		FullName:     full,
		TemplateName: tmpl,
		Name:         templateArgsRe.ReplaceAllString(tmpl, "<>"),
		SourcePath:   src,
		Component:    comp,
	}
	if src != "" {
		s.ObjectPath = "obj/" + strings.TrimSuffix(src, ".cc") + ".o"
	}
	return s
}

func groupNames(g *models.SymbolGroup) []string {
	var names []string
	for _, sub := range g.Groups {
		names = append(names, sub.Name)
	}
	return names
}

func testSymbols() *models.SymbolGroup {
	gen := newSym(".rodata", 400, "mojom::kTable", "mojom::kTable", "gen/services/foo.mojom.cc", "Internals>Mojo")
	gen.Flags = models.FlagGeneratedSource
	pb := newSym(".data.rel.ro", 50, "pb::Msg [vtable]", "pb::Msg [vtable]", "gen/foo.pb.cc", "")
	pb.ObjectPath = "obj/foo.pb.o"
	pb.Flags = models.FlagGeneratedSource
	return models.NewSymbolGroup([]*models.Symbol{
		newSym(".text", 100, "startup", "startup", "base/init.cc", "Internals>Base"),
		newSym(".text", 30, "_GLOBAL__sub_I_x.cc", "_GLOBAL__sub_I_x.cc", "base/x.cc", "Internals>Base"),
		newSym(".text", 300, "std::vector<int>::push_back(int)", "std::vector<int>::push_back", "base/values.cc", "Internals>Base"),
		newSym(".text", 200, "std::vector<char>::push_back(char)", "std::vector<char>::push_back", "net/socket.cc", "Internals>Network"),
		newSym(".text", 70, "Blink::Foo()", "Blink::Foo", "third_party/blink/renderer/foo.cc", "Blink>DOM"),
		newSym(".rodata", 60, "** lld merge strings", "** lld merge strings", "", ""),
		newSym(".text", 20, "x::y()", "x::y", "chrome/x.cc", ""),
		gen,
		pb,
		newSym(".other", 1000, "Overhead: ELF file", "Overhead: ELF file", "", ""),
	})
}

func TestStaticInitializers(t *testing.T) {
	got := StaticInitializers(testSymbols())
	var names []string
	for _, s := range got.Symbols {
		names = append(names, s.FullName)
	}
	if diff := cmp.Diff([]string{"startup", "_GLOBAL__sub_I_x.cc"}, names); diff != "" {
		t.Errorf("StaticInitializers -want +got:\n%s", diff)
	}
}

func TestTemplatesByName(t *testing.T) {
	got := TemplatesByName(testSymbols(), 1)
	if diff := cmp.Diff([]string{"std"}, groupNames(got)); diff != "" {
		t.Errorf("TemplatesByName(depth=1) -want +got:\n%s", diff)
	}
	if got.Groups[0].Len() != 2 {
		t.Errorf("std group has %d symbols; want 2", got.Groups[0].Len())
	}

	got = TemplatesByName(testSymbols(), 0)
	if diff := cmp.Diff([]string{"std::vector<>::push_back"}, groupNames(got)); diff != "" {
		t.Errorf("TemplatesByName(depth=0) -want +got:\n%s", diff)
	}
}

func TestLargeFiles(t *testing.T) {
	got := LargeFiles(testSymbols(), 200)
	if diff := cmp.Diff([]string{"{no path}", "gen/services/foo.mojom.cc", "base/values.cc", "net/socket.cc"}, groupNames(got)); diff != "" {
		t.Errorf("LargeFiles -want +got:\n%s", diff)
	}
}

func TestComponentSizes(t *testing.T) {
	got := ComponentSizes(testSymbols())
	want := []string{"(No component)", "Internals>Base", "Internals>Mojo", "Internals>Network", "Blink>DOM"}
	if diff := cmp.Diff(want, groupNames(got)); diff != "" {
		t.Errorf("ComponentSizes -want +got:\n%s", diff)
	}
}

func TestCategorizeByChromeComponent(t *testing.T) {
	got := CategorizeByChromeComponent(testSymbols())
	want := []string{
		"base",
		"net",
		"Blink (non-generated)",
		"** Merged Symbols",
		"Other //{no path}",
		"Other //gen",
		"Other //chrome",
	}
	if diff := cmp.Diff(want, groupNames(got)); diff != "" {
		t.Errorf("CategorizeByChromeComponent -want +got:\n%s", diff)
	}
	if got.Len() != testSymbols().Len() {
		t.Errorf("CategorizeByChromeComponent has %d symbols; want %d", got.Len(), testSymbols().Len())
	}
}

func TestCategorizeGenerated(t *testing.T) {
	got := CategorizeGenerated(testSymbols())
	want := []string{"Mojo", "C++ Protocol Buffers"}
	if diff := cmp.Diff(want, groupNames(got)); diff != "" {
		t.Errorf("CategorizeGenerated -want +got:\n%s", diff)
	}
}

func TestComponentTotals(t *testing.T) {
	root := componentTotals(testSymbols())
	type node struct {
		Name  string
		Size  float64
		Count int
	}
	var got []node
	var walk func(n *componentNode, prefix string)
	walk = func(n *componentNode, prefix string) {
		got = append(got, node{prefix + n.name, n.size, n.count})
		for _, c := range n.sortedChildren() {
			walk(c, prefix+n.name+">")
		}
	}
	walk(root, "")
	want := []node{
		{"All components", 2230, 10},
		{"All components>(No component)", 1130, 4},
		{"All components>Internals", 1030, 5},
		{"All components>Internals>Base", 430, 3},
		{"All components>Internals>Mojo", 400, 1},
		{"All components>Internals>Network", 200, 1},
		{"All components>Blink", 70, 1},
		{"All components>Blink>DOM", 70, 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("componentTotals -want +got:\n%s", diff)
	}

	tree := ComponentTree(testSymbols())
	for _, s := range []string{"All components (2.2 KiB, 10 symbols)", "Internals", "Network", "430 bytes"} {
		if !strings.Contains(tree, s) {
			t.Errorf("ComponentTree() missing %q:\n%s", s, tree)
		}
	}
}

func TestFormatting(t *testing.T) {
	for _, tc := range []struct {
		size int64
		want string
	}{
		{0, "0 bytes"},
		{1999, "1999 bytes"},
		{-1999, "-1999 bytes"},
		{4096, "4.0 KiB"},
		{-4096, "-4.0 KiB"},
	} {
		if got := PrettySize(tc.size); got != tc.want {
			t.Errorf("PrettySize(%d)=%q; want %q", tc.size, got, tc.want)
		}
	}
	for _, tc := range []struct {
		pss       float64
		forceSign bool
		want      string
	}{
		{123.7, false, "123"},
		{123, true, "+123"},
		{4, false, "4"},
		{4, true, "+4"},
		{2.5, false, "2.5"},
		{-2.5, true, "-2.5"},
		{0.5, false, "0.5"},
		{0.01, false, "~0"},
		{0, false, "0"},
	} {
		if got := FormatPSS(tc.pss, tc.forceSign); got != tc.want {
			t.Errorf("FormatPSS(%v, %t)=%q; want %q", tc.pss, tc.forceSign, got, tc.want)
		}
	}
}

func testSizeInfo(t *testing.T, syms *models.SymbolGroup) *models.SizeInfo {
	t.Helper()
	md := metadata.New()
	if err := md.Set(metadata.ElfArch, "arm64"); err != nil {
		t.Fatal(err)
	}
	return &models.SizeInfo{
		Metadata:    md,
		BuildConfig: models.BuildConfig{GitRevision: "abc", GNArgs: []string{"is_debug=false"}},
		SectionSizes: map[string]models.SectionRange{
			".text":        {Address: 0x1000, Size: 720},
			".rodata":      {Address: 0x2000, Size: 460},
			".data.rel.ro": {Address: 0x3000, Size: 50},
			".other":       {Size: 1000},
			".comment":     {Size: 30},
		},
		Symbols: syms,
	}
}

func TestDescribeSizeInfo(t *testing.T) {
	si := testSizeInfo(t, testSymbols())
	var buf bytes.Buffer
	if err := DescribeSizeInfo(&buf, si, Options{TopN: 3}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, s := range []string{
		"Metadata:\n    elf_arch=arm64\n",
		"Build config:\n    git_revision=abc\n    gn_args=is_debug=false\n",
		"Section Sizes (Total=2.2 KiB (2230 bytes)):",
		"not included in totals",
		"Showing 3 of 10 symbols (10 unique) with total pss: 2,230 bytes",
		"Overhead: ELF file",
		"std::vector<int>::push_back(int)",
	} {
		if !strings.Contains(out, s) {
			t.Errorf("DescribeSizeInfo() missing %q:\n%s", s, out)
		}
	}
	if strings.Contains(out, "Blink::Foo()") {
		t.Errorf("DescribeSizeInfo(TopN=3) lists Blink::Foo():\n%s", out)
	}
}

func TestDescribeGroups(t *testing.T) {
	var buf bytes.Buffer
	if err := DescribeGroups(&buf, ComponentSizes(testSymbols()), 2); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, s := range []string{"Showing 2 of 5 groups with total pss: 2,230 bytes", "(No component)", "Internals>Base"} {
		if !strings.Contains(out, s) {
			t.Errorf("DescribeGroups() missing %q:\n%s", s, out)
		}
	}
}

func TestDescribeDelta(t *testing.T) {
	before := testSizeInfo(t, testSymbols())
	afterSyms := testSymbols()
	afterSyms.Symbols[2].Size = 340
	afterSyms.Symbols = append(afterSyms.Symbols[:6:6], afterSyms.Symbols[7:]...)
	after := testSizeInfo(t, afterSyms)
	if err := after.Metadata.Set(metadata.ElfArch, "x64"); err != nil {
		t.Fatal(err)
	}
	after.SectionSizes[".text"] = models.SectionRange{Address: 0x1000, Size: 740}
	d := models.Diff(before, after)

	wantSummary := []string{
		"0 symbols added (+), 1 changed (~), 1 removed (-), 8 unchanged (not shown)",
		"Added/Removed by section: .text: -1",
		"Of changed symbols, 1 grew, 1 shrank",
		"Number of unique symbols 10 -> 9 (-1)",
	}
	if diff := cmp.Diff(wantSummary, DeltaSummary(d)); diff != "" {
		t.Errorf("DeltaSummary -want +got:\n%s", diff)
	}

	var buf bytes.Buffer
	if err := DescribeDelta(&buf, d, Options{TopN: -1}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, s := range []string{
		"Old Metadata:\n    elf_arch=arm64\n",
		"New Metadata:\n    elf_arch=x64\n",
		"Section Sizes (Total=20 bytes (+20 bytes)):",
		"Showing 2 of 2 changed symbols with total pss delta: +20 bytes",
		"std::vector<int>::push_back(int)",
		"x::y()",
	} {
		if !strings.Contains(out, s) {
			t.Errorf("DescribeDelta() missing %q:\n%s", s, out)
		}
	}
}

func TestDescribeSymbols(t *testing.T) {
	var buf bytes.Buffer
	if err := DescribeSymbols(&buf, StaticInitializers(testSymbols()), -1); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, s := range []string{"Showing 2 of 2 symbols (2 unique) with total pss: 130 bytes", "startup", "base/x.cc"} {
		if !strings.Contains(out, s) {
			t.Errorf("DescribeSymbols() missing %q:\n%s", s, out)
		}
	}
}

func TestLookupQuery(t *testing.T) {
	q, err := LookupQuery("static_initializers")
	if err != nil {
		t.Fatalf("LookupQuery(static_initializers)=%v; want nil error", err)
	}
	if got := q.Run(testSymbols()).Len(); got != 2 {
		t.Errorf("static_initializers has %d symbols; want 2", got)
	}
	if _, err := LookupQuery("nope"); !errors.Is(err, ErrUnknownQuery) {
		t.Errorf("LookupQuery(nope)=%v; want %v", err, ErrUnknownQuery)
	}
}

func TestParseSections(t *testing.T) {
	for _, tc := range []struct {
		filter  string
		want    []string
		wantErr bool
	}{
		{filter: ""},
		{filter: "tr", want: []string{".text", ".rodata"}},
		{filter: "t,R", want: []string{".text", ".data.rel.ro"}},
		{filter: ".text,.data", want: []string{".text", ".data"}},
		{filter: "tx", wantErr: true},
	} {
		got, err := ParseSections(tc.filter)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseSections(%q)=_, %v; want err=%t", tc.filter, err, tc.wantErr)
			continue
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("ParseSections(%q) -want +got:\n%s", tc.filter, diff)
		}
	}
}
