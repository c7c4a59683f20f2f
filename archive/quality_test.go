// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package archive

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"go.chromium.org/infra/tools/supersize/metadata"
	"go.chromium.org/infra/tools/supersize/models"
)

func newSizeInfo(t *testing.T, sections map[string]models.SectionRange, syms []*models.Symbol) *models.SizeInfo {
	t.Helper()
	si, err := models.NewSizeInfo(metadata.New(), models.BuildConfig{}, sections, syms, models.SizeInfoOptions{Strict: true})
	if err != nil {
		t.Fatal(err)
	}
	return si
}

func textSymbols(n int, size int64) []*models.Symbol {
	var syms []*models.Symbol
	for i := 0; i < n; i++ {
		syms = append(syms, &models.Symbol{
			SectionName: ".text",
			Address:     0x1000 + uint64(i)*uint64(size),
			Size:        size,
			FullName:    fmt.Sprintf("f%d()", i),
			ObjectPath:  "a/a.o",
			SourcePath:  "a/a.cc",
			Component:   "A",
		})
	}
	return syms
}

func containsLine(lines []string, substr string) bool {
	for _, l := range lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func TestCheckDataQuality(t *testing.T) {
	si := newSizeInfo(t, map[string]models.SectionRange{
		".text": {Address: 0x1000, Size: 32},
	}, textSymbols(2, 16))
	if err := CheckDataQuality(si, true); err != nil {
		t.Errorf("CheckDataQuality(small section)=%v; want nil", err)
	}

	for _, tc := range []struct {
		name     string
		sections map[string]models.SectionRange
		syms     []*models.Symbol
		want     string
	}{
		{
			name:     "size mismatch",
			sections: map[string]models.SectionRange{".text": {Address: 0x1000, Size: 48}},
			syms:     textSymbols(2, 16),
			want:     "sum of symbol sizes does not match section size: sum=32",
		},
		{
			name:     "no section size",
			sections: map[string]models.SectionRange{},
			syms:     textSymbols(1, 16),
			want:     "no section size",
		},
		{
			name:     "abs path",
			sections: map[string]models.SectionRange{".text": {Address: 0x1000, Size: 16}},
			syms: []*models.Symbol{
				{SectionName: ".text", Address: 0x1000, Size: 16, FullName: "f", SourcePath: "/usr/include/f.h"},
			},
			want: "abs path found in source_path",
		},
		{
			name:     "nothing special in large section",
			sections: map[string]models.SectionRange{".text": {Address: 0x1000, Size: 160}},
			syms:     textSymbols(10, 16),
			want:     "expected at least 1 static initializers to exist",
		},
		{
			name:     "too much padding",
			sections: map[string]models.SectionRange{".text": {Address: 0x1000, Size: 32}},
			syms: []*models.Symbol{
				{SectionName: ".text", Address: 0x1000, Size: 16, FullName: "f"},
				{SectionName: ".text", Address: 0x1010, Size: 16, Padding: 8, FullName: "g"},
			},
			want: "abnormally high number of bytes attributed to padding: 8 (25%, limit was 1%)",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			si := newSizeInfo(t, tc.sections, tc.syms)
			errs := dataQualityErrors(si, true)
			if !containsLine(errs, tc.want) {
				t.Errorf("dataQualityErrors()=%q; want a line containing %q", errs, tc.want)
			}
			if err := CheckDataQuality(si, true); !errors.Is(err, ErrDataQuality) {
				t.Errorf("CheckDataQuality()=%v; want %v", err, ErrDataQuality)
			}
		})
	}
}

func TestDescribeCoverage(t *testing.T) {
	syms := textSymbols(2, 16)
	syms[1].Padding = 4
	syms[1].Flags = models.FlagStartup
	syms = append(syms, &models.Symbol{SectionName: ".rodata", Address: 0x2000, Size: 8, FullName: "string literal"})
	si := newSizeInfo(t, map[string]models.SectionRange{
		".text":   {Address: 0x1000, Size: 40},
		".rodata": {Address: 0x2000, Size: 8},
	}, syms)
	lines := DescribeCoverage(si)
	for _, want := range []string{
		"Section .text: has 80.0% of 32 bytes accounted for from 2 symbols. 8 bytes are unaccounted for.",
		"* Padding accounts for 4 bytes (12.5%)",
		"* 2 have source paths. Accounts for 32 bytes (100.0%).",
		`* 1 symbols are marked as "startup". Accounts for 16 bytes (50.0%).`,
		"* 1 string literals exist. Accounts for 8 bytes (100.0%).",
		"Section .bss: 0 bytes from 0 symbols.",
	} {
		if !containsLine(lines, want) {
			t.Errorf("DescribeCoverage() has no line %q; got:\n%s", want, strings.Join(lines, "\n"))
		}
	}
}
