// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package fileformat

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"

	"go.chromium.org/infra/tools/supersize/metadata"
	"go.chromium.org/infra/tools/supersize/models"
)

type row struct {
	Section                   string
	Address                   uint64
	Size, Padding             int64
	Full, Template, Name      string
	Object, Source, Component string
	Flags                     models.Flags
	Aliases                   []int
}

func flatten(syms []*models.Symbol) []row {
	idx := make(map[*models.Symbol]int)
	for i, s := range syms {
		idx[s] = i
	}
	var rows []row
	for _, s := range syms {
		r := row{
			Section:   s.SectionName,
			Address:   s.Address,
			Size:      s.Size,
			Padding:   s.Padding,
			Full:      s.FullName,
			Template:  s.TemplateName,
			Name:      s.Name,
			Object:    s.ObjectPath,
			Source:    s.SourcePath,
			Component: s.Component,
			Flags:     s.Flags,
		}
		if s.Aliases != nil {
			for _, a := range s.Aliases.Symbols {
				r.Aliases = append(r.Aliases, idx[a])
			}
		}
		rows = append(rows, r)
	}
	return rows
}

func sym(section string, addr uint64, size int64, full, tmpl, name, obj, src, comp string) *models.Symbol {
	return &models.Symbol{
		SectionName:  section,
		Address:      addr,
		Size:         size,
		FullName:     full,
		TemplateName: tmpl,
		Name:         name,
		ObjectPath:   obj,
		SourcePath:   src,
		Component:    comp,
	}
}

func testSizeInfo(t *testing.T) *models.SizeInfo {
	t.Helper()
	md := metadata.New()
	for k, v := range map[string]string{
		metadata.MapFileName:  "chrome.so.map.gz",
		metadata.ElfArch:      "arm64",
		metadata.LinkerName:   "lld-lto_v1",
		metadata.ElfAlgorithm: "linker_map",
	} {
		if err := md.Set(k, v); err != nil {
			t.Fatal(err)
		}
	}
	foo := sym(".text", 0x1000, 16, "foo(int)", "foo", "foo", "obj/a.o", "a.cc", "A")
	foo.Flags = models.FlagStartup | models.FlagClone
	run := sym(".text", 0x1018, 24, "ns::Bar<int>::Run()", "ns::Bar<int>::Run", "ns::Bar<>::Run", "obj/b.o", "b.cc", "B")
	run.Padding = 8
	baz := sym(".text", 0x1018, 24, "ns::Baz()", "ns::Baz", "ns::Baz", "obj/b.o", "b.cc", "B")
	baz.Padding = 8
	models.MakeAliases(run, baz)
	syms := []*models.Symbol{
		foo,
		run,
		baz,
		sym(".rodata", 0x2000, 32, "string literal", "string literal", "string literal", "obj/a.o", "a.cc", "A"),
		sym(".rodata", 0x2020, 8, "weird\rname", "weird\rname", "weird\rname", "obj/a.o", "", ""),
		sym(".bss", 0x3000, 8, "g_x", "g_x", "g_x", "obj/c.o", "", ""),
		sym(".other", 0, 100, "Overhead: ELF file", "Overhead: ELF file", "Overhead: ELF file", "", "", ""),
	}
	syms[len(syms)-1].Padding = 100
	return &models.SizeInfo{
		Metadata: md,
		BuildConfig: models.BuildConfig{
			GitRevision:  "abc123",
			GNArgs:       []string{"is_debug=false", `target_cpu="arm64"`},
			OutDirectory: "out/Release",
		},
		SectionSizes: map[string]models.SectionRange{
			".text":   {Address: 0x1000, Size: 0x30},
			".rodata": {Address: 0x2000, Size: 0x28},
			".bss":    {Address: 0x3000, Size: 8},
			".other":  {Size: 100},
		},
		Symbols: models.NewSymbolGroup(syms),
	}
}

func checkSizeInfo(t *testing.T, want, got *models.SizeInfo) {
	t.Helper()
	if !want.Metadata.Equal(got.Metadata) {
		t.Errorf("metadata=%v; want %v", got.Metadata.SortedKeys(), want.Metadata.SortedKeys())
	}
	if diff := cmp.Diff(want.BuildConfig, got.BuildConfig); diff != "" {
		t.Errorf("build config -want +got:\n%s", diff)
	}
	if diff := cmp.Diff(want.SectionSizes, got.SectionSizes); diff != "" {
		t.Errorf("section sizes -want +got:\n%s", diff)
	}
	if diff := cmp.Diff(flatten(want.Symbols.Symbols), flatten(got.Symbols.Symbols)); diff != "" {
		t.Errorf("symbols -want +got:\n%s", diff)
	}
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	si := testSizeInfo(t)
	if err := SaveFile(ctx, fsys, "out.size", si); err != nil {
		t.Fatalf("SaveFile=%v", err)
	}
	got, err := LoadFile(ctx, fsys, "out.size")
	if err != nil {
		t.Fatalf("LoadFile=%v", err)
	}
	checkSizeInfo(t, si, got)

	// Saving again produces the same bytes.
	var b1, b2 bytes.Buffer
	if err := Save(&b1, si, SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := Save(&b2, got, SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b1.Bytes(), b2.Bytes()) {
		t.Errorf("Save(Load(Save(si))) differs from Save(si)")
	}
}

func TestSaveSparse(t *testing.T) {
	si := testSizeInfo(t)
	syms := si.Symbols.Symbols
	var buf bytes.Buffer
	// Saving one alias saves the whole group.
	if err := Save(&buf, si, SaveOptions{Symbols: []*models.Symbol{syms[2], syms[5]}}); err != nil {
		t.Fatal(err)
	}
	got, err := Load(&buf)
	if err != nil {
		t.Fatal(err)
	}
	want := flatten([]*models.Symbol{syms[1], syms[2], syms[5]})
	if diff := cmp.Diff(want, flatten(got.Symbols.Symbols)); diff != "" {
		t.Errorf("sparse symbols -want +got:\n%s", diff)
	}
}

func TestSaveEmpty(t *testing.T) {
	si := &models.SizeInfo{
		Metadata: metadata.New(),
		Symbols:  models.NewSymbolGroup(nil),
	}
	var buf bytes.Buffer
	if err := Save(&buf, si, SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	got, err := Load(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Symbols.Len() != 0 || len(got.SectionSizes) != 0 {
		t.Errorf("Load(empty)=%d symbols, %d sections; want 0, 0", got.Symbols.Len(), len(got.SectionSizes))
	}
}

func TestSaveUnencodable(t *testing.T) {
	si := testSizeInfo(t)
	si.Symbols.Symbols[0].FullName = "foo\tbar"
	err := Save(io.Discard, si, SaveOptions{})
	if !errors.Is(err, ErrUnencodable) {
		t.Errorf("Save(name with tab)=%v; want %v", err, ErrUnencodable)
	}
}

func gzipText(t *testing.T, text string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := io.WriteString(w, text); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func handWrittenFile(version string, dropLast bool) string {
	hdr := `{"columns":["addresses","sizes","path_indices","future"],"metadata":{"k":"v"},"section_sizes":{".text":{"address":16,"size":16}},"symbol_count":2,"unknown":[1,2]}`
	lines := []string{
		"# Created by //tools/binary_size",
		"Size File Format v" + version,
		strconv.Itoa(len(hdr)),
		hdr,
		"1",
		"a.o\ta.cc",
		"0",
		".text",
		"2",
		"16 8",
		"4 4",
		"0 0",
		"1 2",
		"foo\t\t\t\t\textra",
		"bar()\tbar\t\t\t4",
	}
	if dropLast {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n") + "\n"
}

func TestLoadCompat(t *testing.T) {
	got, err := Load(bytes.NewReader(gzipText(t, handWrittenFile("1.7.0", false))))
	if err != nil {
		t.Fatalf("Load(newer minor version)=%v", err)
	}
	want := []row{
		{Section: ".text", Address: 16, Size: 4, Full: "foo", Template: "foo", Name: "foo", Object: "a.o", Source: "a.cc"},
		{Section: ".text", Address: 24, Size: 8, Padding: 4, Full: "bar()", Template: "bar", Name: "bar", Object: "a.o", Source: "a.cc", Flags: models.FlagUnlikely},
	}
	if diff := cmp.Diff(want, flatten(got.Symbols.Symbols)); diff != "" {
		t.Errorf("symbols -want +got:\n%s", diff)
	}
	if v := got.Metadata.Get("k"); v != "v" {
		t.Errorf(`Metadata.Get("k")=%q; want "v"`, v)
	}

	for _, tc := range []struct {
		name    string
		text    string
		wantErr error
	}{
		{
			name: "older minor version",
			text: handWrittenFile("1", false),
		},
		{
			name:    "newer major version",
			text:    handWrittenFile("2.0.0", false),
			wantErr: ErrVersionMismatch,
		},
		{
			name:    "bad version",
			text:    handWrittenFile("one", false),
			wantErr: ErrMalformed,
		},
		{
			name:    "truncated",
			text:    handWrittenFile("1.1.0", true),
			wantErr: ErrMalformed,
		},
		{
			name:    "not a size file",
			text:    "hello\n",
			wantErr: ErrMalformed,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(bytes.NewReader(gzipText(t, tc.text)))
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Load()=%v; want %v", err, tc.wantErr)
			}
		})
	}

	if _, err := Load(strings.NewReader("not gzip")); !errors.Is(err, ErrMalformed) {
		t.Errorf("Load(not gzip)=%v; want %v", err, ErrMalformed)
	}
}

func TestSaveLoadDelta(t *testing.T) {
	ctx := context.Background()
	before := testSizeInfo(t)
	after := testSizeInfo(t)
	// Grow foo and add a new symbol to .bss.
	after.Symbols.Symbols[0].Size = 20
	after.Symbols.Symbols = append(after.Symbols.Symbols[:6:6],
		sym(".bss", 0x3008, 4, "g_y", "g_y", "g_y", "obj/c.o", "", ""),
		after.Symbols.Symbols[6])

	d := models.Diff(before, after)
	fsys := afero.NewMemMapFs()
	if err := SaveDeltaFile(ctx, fsys, "out.sizediff", d); err != nil {
		t.Fatalf("SaveDeltaFile=%v", err)
	}
	got, err := LoadDeltaFile(ctx, fsys, "out.sizediff")
	if err != nil {
		t.Fatalf("LoadDeltaFile=%v", err)
	}
	want := [4]int{models.DiffChanged: 1, models.DiffAdded: 1}
	if diff := cmp.Diff(want, got.Symbols.CountsByDiffStatus()); diff != "" {
		t.Errorf("CountsByDiffStatus -want +got:\n%s", diff)
	}
	if got, want := got.Symbols.SizeDelta(), int64(8); got != want {
		t.Errorf("SizeDelta()=%d; want %d", got, want)
	}
	if !got.After.Metadata.Equal(after.Metadata) {
		t.Errorf("after metadata=%v; want %v", got.After.Metadata.SortedKeys(), after.Metadata.SortedKeys())
	}

	b, err := afero.ReadFile(fsys, "out.sizediff")
	if err != nil {
		t.Fatal(err)
	}
	bad := bytes.Replace(b, []byte(`"version": 1`), []byte(`"version": 9`), 1)
	if _, err := LoadDelta(ctx, bytes.NewReader(bad)); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("LoadDelta(version 9)=%v; want %v", err, ErrVersionMismatch)
	}
	if _, err := LoadDelta(ctx, bytes.NewReader(b[:40])); !errors.Is(err, ErrMalformed) {
		t.Errorf("LoadDelta(truncated)=%v; want %v", err, ErrMalformed)
	}
}
