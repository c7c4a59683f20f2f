// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package linkermap parses LLD linker map files into raw symbols.
package linkermap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"

	"go.chromium.org/infra/tools/supersize/demangle"
	"go.chromium.org/infra/tools/supersize/models"
)

var (
	// ErrMapFormat is returned for map files that cannot be parsed.
	ErrMapFormat = errors.New("map format error")
	// ErrUnsupportedLinker is returned for map files of unknown linkers.
	ErrUnsupportedLinker = errors.New("unsupported linker")
	// ErrIO is returned when the map file cannot be read.
	ErrIO = errors.New("io failure")
)

// Linker names, as recorded in metadata.
const (
	LinkerLLDv0    = "lld_v0"
	LinkerLLDLTOv0 = "lld-lto_v0"
	LinkerLLDv1    = "lld_v1"
	LinkerLLDLTOv1 = "lld-lto_v1"
	LinkerGold     = "gold"
)

// SectionTolerance is the number of alignment bytes per symbol by which
// the sum of symbol sizes in a section may fall short of the section
// size. The gaps become padding later.
const SectionTolerance = 16

// DefaultMaxBadLineFraction is the fraction of non-blank lines that may
// fail to parse before the map is rejected.
const DefaultMaxBadLineFraction = 0.01

// Lines buffered for linker detection.
const detectLines = 1000

const (
	mergeStringsName = "** lld merge strings"
	jumpTableName    = "** CFI jump table"
)

// Stats counts parser events.
type Stats struct {
	Lines            int
	BadLines         int
	PromotedNames    int
	JumpTables       int
	JumpTableEntries int
	OutOfRange       int
}

// Result is a parsed linker map.
type Result struct {
	Linker       string
	SectionSizes map[string]models.SectionRange
	Symbols      []*models.Symbol
	// ThinMap maps addresses of ThinLTO input sections to the basename
	// of their thinlto-cache file.
	ThinMap map[uint64]string
	Stats   Stats
}

// Parser parses linker maps. The zero value is ready to use.
type Parser struct {
	// MaxBadLineFraction overrides DefaultMaxBadLineFraction when
	// positive.
	MaxBadLineFraction float64
}

// Parse parses a linker map with the default Parser.
func Parse(ctx context.Context, r io.Reader) (*Result, error) {
	return Parser{}.Parse(ctx, r)
}

// ParseFile parses the linker map fname in fsys with the default Parser.
func ParseFile(ctx context.Context, fsys afero.Fs, fname string) (*Result, error) {
	return Parser{}.ParseFile(ctx, fsys, fname)
}

// ParseFile parses the linker map fname in fsys. Names ending in ".gz"
// are decompressed.
func (p Parser) ParseFile(ctx context.Context, fsys afero.Fs, fname string) (*Result, error) {
	rc, err := OpenMaybeGz(fsys, fname)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer rc.Close()
	res, err := p.Parse(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fname, err)
	}
	return res, nil
}

type gzipFile struct {
	*gzip.Reader
	f afero.File
}

func (g gzipFile) Close() error {
	err := g.Reader.Close()
	if cerr := g.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// OpenMaybeGz opens fname in fsys, decompressing names ending in ".gz".
func OpenMaybeGz(fsys afero.Fs, fname string) (io.ReadCloser, error) {
	f, err := fsys.Open(fname)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(fname, ".gz") {
		return f, nil
	}
	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", fname, err)
	}
	return gzipFile{Reader: zr, f: f}, nil
}

// lineReader yields buffered lines first, then the rest of the scanner.
type lineReader struct {
	buffered []string
	s        *bufio.Scanner
}

func (lr *lineReader) next() (string, bool) {
	if len(lr.buffered) > 0 {
		line := lr.buffered[0]
		lr.buffered = lr.buffered[1:]
		return line, true
	}
	if !lr.s.Scan() {
		return "", false
	}
	return strings.TrimSuffix(lr.s.Text(), "\r"), true
}

// Parse parses a linker map read from r.
func (p Parser) Parse(ctx context.Context, r io.Reader) (*Result, error) {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var header []string
	for len(header) < detectLines && s.Scan() {
		header = append(header, strings.TrimSuffix(s.Text(), "\r"))
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	linker, err := DetectLinker(header)
	if err != nil {
		return nil, err
	}
	log.Infof("detected map file of type %s", linker)

	lp := newLLDParser(linker)
	lr := &lineReader{buffered: header[1:], s: s}
	nonBlank := 0
	emit := func(tok Token) error {
		lp.handle(tok)
		return nil
	}
	for {
		line, ok := lr.next()
		if !ok {
			break
		}
		lp.stats.Lines++
		if strings.TrimSpace(line) != "" {
			nonBlank++
		}
		if lp.stats.Lines%(1<<16) == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if err := lp.tok.feed(line, emit); err != nil {
			return nil, err
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := lp.tok.flush(emit); err != nil {
		return nil, err
	}
	lp.stats.BadLines = lp.tok.badLines

	maxBad := p.MaxBadLineFraction
	if maxBad <= 0 {
		maxBad = DefaultMaxBadLineFraction
	}
	if float64(lp.stats.BadLines) > maxBad*float64(nonBlank) {
		return nil, fmt.Errorf("%w: %d of %d lines could not be parsed", ErrMapFormat, lp.stats.BadLines, nonBlank)
	}
	if lp.stats.BadLines > 0 {
		log.Warnf("skipped %d unparsable lines in map file", lp.stats.BadLines)
	}
	if lp.stats.PromotedNames > 0 {
		log.Infof("found %d promoted global names", lp.stats.PromotedNames)
	}
	if lp.stats.JumpTables > 0 {
		log.Infof("found %d CFI jump tables with %d total entries", lp.stats.JumpTables, lp.stats.JumpTableEntries)
	}

	for _, sym := range lp.syms {
		if sym.ObjectPath != "" && !strings.HasSuffix(sym.ObjectPath, ")") {
			// foo.a(bar.o) is resolved with the thin archive.
			sym.ObjectPath = path.Clean(sym.ObjectPath)
		}
	}
	lp.checkRanges()
	return &Result{
		Linker:       linker,
		SectionSizes: lp.sections,
		Symbols:      lp.syms,
		ThinMap:      lp.thinMap,
		Stats:        lp.stats,
	}, nil
}

// DetectLinker returns the linker name for a map file from its first
// lines.
func DetectLinker(lines []string) (string, error) {
	if len(lines) == 0 {
		return "", fmt.Errorf("%w: empty map file", ErrUnsupportedLinker)
	}
	first := lines[0]
	switch {
	case strings.HasPrefix(first, "Address"):
		if detectLTO(lines[1:]) {
			return LinkerLLDLTOv0, nil
		}
		return LinkerLLDv0, nil
	case strings.HasPrefix(strings.TrimLeft(first, " \t"), "VMA"):
		if detectLTO(lines[1:]) {
			return LinkerLLDLTOv1, nil
		}
		return LinkerLLDv1, nil
	case strings.HasPrefix(first, "Archive member"):
		return "", fmt.Errorf("%w: %s", ErrUnsupportedLinker, LinkerGold)
	}
	return "", fmt.Errorf("%w: unknown map file header %q", ErrUnsupportedLinker, first)
}

// detectLTO looks for thinlto-cache inputs in the first .rodata or
// .ARM.exidx section.
func detectLTO(lines []string) bool {
	found := false
	start := -1
	for _, line := range lines {
		if start < 0 {
			// The first line starts a section, e.g.
			//     194      194       13     1 .interp
			start = strings.IndexByte(line, '.')
			if start < 0 {
				return false
			}
		}
		if len(line) < start {
			continue
		}
		line = line[start:]
		tok := strings.TrimLeft(line, " \t")
		switch len(line) - len(tok) {
		case 0:
			if found {
				return false
			}
			switch strings.TrimSpace(tok) {
			case models.SectionRoData, ".ARM.exidx":
				found = true
			}
		case 8:
			if found && strings.HasPrefix(tok, "thinlto-cache") {
				return true
			}
		}
	}
	return false
}

func flagsFromMangledName(name string) models.Flags {
	switch {
	case strings.HasPrefix(name, "startup.") || name == "startup":
		return models.FlagStartup
	case strings.HasPrefix(name, "unlikely."):
		return models.FlagUnlikely
	case strings.HasPrefix(name, "rel.local."):
		return models.FlagRelLocal
	case strings.HasPrefix(name, "rel."):
		return models.FlagRel
	case strings.HasPrefix(name, "hot."):
		return models.FlagHot
	}
	return 0
}

func normalizeName(name string) string {
	if strings.HasPrefix(name, ".L.str") {
		return models.StringLiteralName
	}
	return strings.TrimSuffix(name, " (.cfi)")
}

func isUsefulSection(name string) bool {
	return models.IsBssSection(name) ||
		name == models.SectionRoData ||
		name == models.SectionText ||
		strings.HasPrefix(name, models.SectionData)
}

type lldParser struct {
	tok      *tokenizer
	sections map[string]models.SectionRange
	syms     []*models.Symbol
	thinMap  map[uint64]string
	stats    Stats

	section      string
	useful       bool
	inPartitions bool
	mangledStart int
	curObj       string
	curFlags     models.Flags
	inJumpTable  bool
	isPartial    bool
	nextUsable   uint64
}

func newLLDParser(linker string) *lldParser {
	version := 0
	if strings.HasSuffix(linker, "_v1") {
		version = 1
	}
	return &lldParser{
		tok:      newTokenizer(version),
		sections: make(map[string]models.SectionRange),
		thinMap:  make(map[uint64]string),
	}
}

func (p *lldParser) handle(t Token) {
	switch {
	case t.Level == 1:
		p.handleSection(t)
	case !p.useful:
	case t.Level == 2:
		p.handleInput(t)
	case t.Level == 3:
		p.handleSymbol(t)
	default:
		log.Errorf("problem line: %q", t.Line)
		p.tok.badLines++
	}
}

// handleSection handles output sections ("Out" column).
func (p *lldParser) handleSection(t Token) {
	switch {
	case strings.HasSuffix(t.Text, "_partition"):
		// Feature partitions are ignored until .part.end.
		p.inPartitions = true
	case t.Text == models.SectionPartEnd:
		p.inPartitions = false
	}
	if p.inPartitions {
		p.section = ""
		p.useful = false
		return
	}
	if !strings.HasPrefix(t.Text, "PROVIDE_HIDDEN") {
		models.ExtendSectionRange(p.sections, t.Text, t.Address, int64(t.Size))
	}
	p.section = t.Text
	// "(.text._name)" => "_name"
	p.mangledStart = len(p.section) + 2
	p.useful = isUsefulSection(p.section)
}

// handleInput handles input sections ("In" column), e.g.
// "obj/foo.o:(.text._ZN3foo3barEv)" or "<internal>:(.rodata)".
func (p *lldParser) handleInput(t Token) {
	i := strings.Index(t.Text, ":(")
	if i < 0 {
		log.Debugf("problem line: %q", t.Line)
		p.tok.badLines++
		return
	}
	obj, paren := t.Text[:i], t.Text[i+1:]
	var name string
	p.inJumpTable = strings.Contains(paren, ".L.cfi.jumptable")
	if p.inJumpTable {
		// Only the table is kept; its entries are counted.
		p.stats.JumpTables++
		obj = ""
		name = jumpTableName
		p.curFlags = 0
	} else {
		if p.mangledStart < len(paren)-1 {
			name = paren[p.mangledStart : len(paren)-1]
		}
		p.curFlags = flagsFromMangledName(name)
		p.isPartial = true
		switch {
		case obj == "<internal>":
			if p.section == models.SectionRoData && name == "" {
				// Unnamed .rodata is merged string literals and
				// constants; they cannot be told apart.
				name = mergeStringsName
			} else {
				name = "** " + name
			}
			p.isPartial = false
			obj = ""
		case obj == "lto.tmp" || strings.Contains(obj, "thinlto-cache"):
			p.thinMap[t.Address] = path.Base(obj)
			obj = ""
		}
	}
	p.curObj = obj
	// Created now since there may be no level 3 lines. Those that follow
	// may complete it.
	p.syms = append(p.syms, &models.Symbol{
		SectionName: p.section,
		Address:     t.Address,
		Size:        int64(t.Size),
		FullName:    name,
		ObjectPath:  obj,
		Flags:       p.curFlags,
	})
	p.nextUsable = t.Address
}

// handleSymbol handles symbol names ("Symbol" column).
func (p *lldParser) handleSymbol(t Token) {
	name := t.Text
	if p.inJumpTable {
		if !strings.HasPrefix(name, "__typeid_") {
			p.stats.JumpTableEntries++
		}
		return
	}
	if strings.HasPrefix(name, ".L_MergedGlobals") || len(p.syms) == 0 {
		return
	}
	// Lines at the same address have span 0 except for the last, which
	// dedups them. Span also covers assembly functions of size 0.
	if t.Span <= 0 {
		return
	}
	if stripped := demangle.StripLlvmPromotedGlobalNames(name); stripped != name {
		p.stats.PromotedNames++
		name = stripped
	}
	name = normalizeName(name)

	last := p.syms[len(p.syms)-1]
	if p.isPartial && last.Address < t.Address {
		// The partial symbol has bytes before its first symbol. Those
		// stay nameless and this line forms a new symbol.
		last.Size = int64(t.Address - last.Address)
		p.nextUsable = t.Address
		p.isPartial = false
	}
	if p.isPartial {
		last.FullName = name
		if t.Size > 0 {
			last.Size = int64(t.Size)
		} else {
			last.Size = min(last.Size, t.Span)
		}
		p.nextUsable = t.Address + uint64(last.Size)
		p.isPartial = false
		return
	}
	if t.Address < p.nextUsable {
		// Assembly labels within an earlier symbol.
		return
	}
	size := t.Span
	if strings.HasPrefix(name, "__typeid_") {
		if !strings.HasSuffix(name, "_byte_array") {
			// _global_addr and _unique_member should have been
			// suppressed by a preceding symbol.
			log.Warnf("unrecognized __typeid_ symbol at %08X", t.Address)
			return
		}
		// CFI byte array table: size is inaccurate.
	} else if t.Size > 0 {
		size = int64(t.Size)
	}
	p.syms = append(p.syms, &models.Symbol{
		SectionName: p.section,
		Address:     t.Address,
		Size:        size,
		FullName:    name,
		ObjectPath:  p.curObj,
		Flags:       p.curFlags,
	})
	p.nextUsable = t.Address + uint64(size)
}

// checkRanges logs symbols that lie outside of their section. They are
// kept.
func (p *lldParser) checkRanges() {
	for _, s := range p.syms {
		r, ok := p.sections[s.SectionName]
		if !ok || s.Address == 0 {
			continue
		}
		if s.Address < r.Address || s.EndAddress() > r.End() {
			if p.stats.OutOfRange == 0 {
				log.Warnf("symbol outside of section %s %v: %s", s.SectionName, r, s)
			}
			p.stats.OutOfRange++
		}
	}
	if p.stats.OutOfRange > 1 {
		log.Warnf("%d symbols outside of their section", p.stats.OutOfRange)
	}
}
