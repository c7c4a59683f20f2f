// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package archive

import (
	"errors"
	"fmt"
	"math"
	"path"
	"strings"

	"github.com/charmbracelet/log"

	"go.chromium.org/infra/tools/supersize/models"
)

// ErrDataQuality is returned by CheckDataQuality when symbols do not
// account for their sections as expected.
var ErrDataQuality = errors.New("data quality check failed")

const maxQualityErrors = 40

func divide(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

type sectionStats struct {
	size, padding, placeholder, noName, noSource, noAttribution float64
	noComponent, stringLiteral                                  float64
	aliases, generated, unlikely, startup                       int
}

func collectSectionStats(syms []*models.Symbol) (sectionStats, []string) {
	var st sectionStats
	var errs []string
	for _, s := range syms {
		pss := s.PSS()
		st.size += pss
		st.padding += s.PaddingPSS()
		if strings.HasPrefix(s.FullName, "**") {
			st.placeholder += pss
		}
		if s.FullName == "" {
			st.noName += pss
		}
		if s.SourcePath == "" {
			st.noSource += pss
		}
		if s.FullName == "" && s.SourcePath == "" && s.ObjectPath == "" {
			st.noAttribution += pss
		}
		if s.Component == "" {
			st.noComponent += pss
		}
		if s.IsStringLiteral() {
			st.stringLiteral += pss
		}
		if s.Aliases != nil && s.Aliases.Symbols[0] == s {
			st.aliases++
		}
		if s.Flags&models.FlagGeneratedSource != 0 {
			st.generated++
		}
		if s.Flags&models.FlagUnlikely != 0 {
			st.unlikely++
		}
		if s.Flags&models.FlagStartup != 0 {
			st.startup++
		}
		if path.IsAbs(s.SourcePath) {
			errs = append(errs, fmt.Sprintf("abs path found in source_path: %s", s))
		}
		if path.IsAbs(s.ObjectPath) {
			errs = append(errs, fmt.Sprintf("abs path found in object_path: %s", s))
		}
	}
	return st, errs
}

// dataQualityErrors returns messages describing how symbols of si fail
// to account for their sections.
func dataQualityErrors(si *models.SizeInfo, trackStringLiterals bool) []string {
	grouped := si.Symbols.GroupedBySectionName()
	var errs []string
	for _, g := range grouped.Groups {
		name := g.Name
		st, pathErrs := collectSectionStats(g.Symbols)
		errs = append(errs, pathErrs...)

		r, ok := si.SectionSizes[name]
		segmentSize := float64(r.Size)
		var reported bool
		report := func(format string, args ...any) {
			if !reported {
				reported = true
				errs = append(errs, fmt.Sprintf("error(s) found in section %q, which has %d symbols totalling %d bytes:", name, g.Len(), r.Size))
			}
			errs = append(errs, "    "+fmt.Sprintf(format, args...))
		}
		checkSize := func(kind string, size, limit float64) {
			if size > limit*segmentSize {
				report("abnormally high number of bytes attributed to %s: %.0f (%.0f%%, limit was %.0f%%)", kind, size, 100*divide(size, segmentSize), 100*limit)
			}
		}
		checkSomeExist := func(kind string, count int) {
			if count < 1 {
				report("expected at least 1 %s to exist; found only %d out of %d symbols", kind, count, g.Len())
			}
		}

		switch {
		case !ok:
			report("no section size")
			continue
		case r.Size < 1:
			report("section size less than one")
			continue
		case int64(math.Round(st.size)) != r.Size:
			report("sum of symbol sizes does not match section size: sum=%.0f", math.Round(st.size))
			continue
		}
		paddingLimit := 0.01
		if name == models.SectionOther {
			paddingLimit = 0.05
		}
		checkSize("padding", st.padding, paddingLimit)

		// One bad symbol can mess up small sections.
		if g.Len() < 10 {
			continue
		}
		checkSize("placeholders", st.placeholder, 0.01)
		checkSize("symbols without names", st.noName, 0.01)
		checkSize("symbols without source paths", st.noSource, 0.1)
		checkSize("symbols without name or path", st.noAttribution, 0.01)
		checkSize("symbols without component", st.noComponent, 0.2)
		if trackStringLiterals && name == models.SectionRoData {
			if f := divide(st.stringLiteral, segmentSize); f < 0.05 {
				report("expected more size from string literals; found only %.0f (%.1f%%)", st.stringLiteral, 100*f)
			}
		}
		if models.IsNativeSection(name) {
			checkSomeExist("symbol aliases", st.aliases)
			checkSomeExist("generated symbols", st.generated)
		}
		if name == models.SectionText {
			checkSomeExist("symbols annotated by AFDO profile", st.unlikely)
			checkSomeExist("static initializers", st.startup)
		}
	}
	return errs
}

// CheckDataQuality checks that the symbols of si account for their
// sections: sizes add up, padding is small and most bytes have names,
// paths and components. Failures are logged and ErrDataQuality is
// returned.
func CheckDataQuality(si *models.SizeInfo, trackStringLiterals bool) error {
	errs := dataQualityErrors(si, trackStringLiterals)
	if len(errs) == 0 {
		return nil
	}
	log.Errorf("data quality check found %d errors:", len(errs))
	for i, msg := range errs {
		if i == maxQualityErrors {
			log.Errorf("... and %d more.", len(errs)-maxQualityErrors)
			break
		}
		log.Errorf("failed: %s", msg)
	}
	return fmt.Errorf("%w: %d errors", ErrDataQuality, len(errs))
}

// DescribeCoverage returns lines describing how much of each section of
// si is accounted for, and by what kind of symbols.
func DescribeCoverage(si *models.SizeInfo) []string {
	var lines []string
	add := func(format string, args ...any) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}
	for _, letter := range []byte("trRdbo") {
		name := models.SectionNamesByLetter[letter]
		in := si.Symbols.WhereInSection(string(letter))
		actual := in.Size()
		if r, ok := si.SectionSizes[name]; ok {
			add("Section %s: has %.1f%% of %d bytes accounted for from %d symbols. %d bytes are unaccounted for.",
				name, 100*divide(float64(actual), float64(r.Size)), actual, in.Len(), r.Size-actual)
		} else {
			add("Section %s: %d bytes from %d symbols.", name, actual, in.Len())
		}
		padding := in.PaddingSize()
		add("* Padding accounts for %.0f bytes (%.1f%%)", padding, 100*divide(padding, float64(actual)))

		sizeMsg := func(g *models.SymbolGroup) string {
			size := g.Size()
			return fmt.Sprintf("Accounts for %d bytes (%.1f%%).", size, 100*divide(float64(size), float64(actual)))
		}
		g := in.Filter(func(s *models.Symbol) bool { return s.SourcePath != "" })
		add("* %d have source paths. %s", g.Len(), sizeMsg(g))
		g = in.Filter(func(s *models.Symbol) bool { return s.Component != "" })
		add("* %d have a component assigned. %s", g.Len(), sizeMsg(g))
		g = in.Filter(func(s *models.Symbol) bool { return strings.HasPrefix(s.FullName, "**") })
		if g.Len() > 0 {
			add("* %d placeholders exist (symbols that start with **). %s", g.Len(), sizeMsg(g))
		}
		g = in.Filter(func(s *models.Symbol) bool { return s.FullName == "" && s.SourcePath == "" && s.ObjectPath == "" })
		if g.Len() > 0 {
			add("* %d symbols have no name or path. %s", g.Len(), sizeMsg(g))
		}
		if letter == 'r' {
			g = in.Filter((*models.Symbol).IsStringLiteral)
			add("* %d string literals exist. %s", g.Len(), sizeMsg(g))
		}
		g = in.Filter(func(s *models.Symbol) bool { return s.Aliases != nil })
		if g.Len() > 0 {
			var saved int64
			seen := make(map[*models.AliasGroup]bool)
			for _, s := range g.Symbols {
				if seen[s.Aliases] {
					continue
				}
				seen[s.Aliases] = true
				saved += s.SizeWithoutPadding() * int64(s.NumAliases()-1)
			}
			add("* %d aliases exist, mapped to %d unique addresses (%d bytes saved)", g.Len(), len(seen), saved)
		}
		g = in.Filter(func(s *models.Symbol) bool { return strings.Contains(s.ObjectPath, "{shared}") })
		if g.Len() > 0 {
			add("* %d symbols have shared ownership. %s", g.Len(), sizeMsg(g))
		} else {
			add("* 0 symbols have shared ownership.")
		}
		for _, f := range []struct {
			flag models.Flags
			desc string
		}{
			{models.FlagHot, `marked as "hot"`},
			{models.FlagUnlikely, `marked as "unlikely"`},
			{models.FlagStartup, `marked as "startup"`},
			{models.FlagClone, "clones"},
			{models.FlagGeneratedSource, "from generated sources"},
		} {
			g = in.WhereHasFlag(f.flag)
			if g.Len() > 0 {
				add("* %d symbols are %s. %s", g.Len(), f.desc, sizeMsg(g))
			}
		}
		lines = append(lines, largePaddingLines(in.Symbols)...)
	}
	return lines
}

// largePaddingLines reports up to 5 pairs of symbols separated by more
// padding than is normal for their section.
func largePaddingLines(syms []*models.Symbol) []string {
	var lines []string
	var spam int
	for i := 1; i < len(syms); i += syms[i].NumAliases() {
		prev, s := syms[i-1], syms[i]
		if strings.HasPrefix(s.FullName, "*") ||
			strings.HasSuffix(prev.SourcePath, ".S") || strings.HasSuffix(s.SourcePath, ".S") ||
			prev.IsStringLiteral() || s.IsStringLiteral() {
			continue
		}
		var limit int64
		switch s.SectionLetter() {
		case 'r', 'd':
			limit = 256
		case 't':
			limit = 64
		default:
			continue
		}
		if s.Padding < limit {
			continue
		}
		spam++
		if spam > 5 {
			break
		}
		lines = append(lines,
			fmt.Sprintf("Large padding of %d between:", s.Padding),
			"  A) "+prev.String(),
			"  B) "+s.String())
	}
	return lines
}
