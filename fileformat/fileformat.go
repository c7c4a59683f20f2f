// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package fileformat reads and writes .size and .sizediff files.
//
// A .size file is a gzipped text file:
//
//	# Created by //tools/binary_size
//	Size File Format v1.1.0
//	<length of JSON header>
//	<JSON header: metadata, build_config, section_sizes, columns, symbol_count>
//	<number of paths>
//	<object_path>\t<source_path>          (one line per path pair)
//	<number of components>
//	<component>                          (one line per component)
//	<section name>\t<section name>...    (one per segment)
//	<count>\t<count>...                  (symbols per segment)
//	<space separated numbers>            (one line per column per segment)
//	<full>\t<template>\t<name>\t<alias group>\t<flags>  (one line per symbol)
//
// A segment is a run of consecutive symbols in the same section. Addresses,
// path indices and component indices are delta encoded within a segment.
// Template and name are empty when equal to the preceding field. Alias group
// and flags are hex, empty when zero. Readers ignore unknown JSON keys,
// unknown columns and unknown trailing fields on symbol lines.
package fileformat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"

	"go.chromium.org/infra/tools/supersize/metadata"
	"go.chromium.org/infra/tools/supersize/models"
)

const (
	commonHeader     = "# Created by //tools/binary_size"
	sizeHeaderPrefix = "Size File Format v"
)

// Version is the .size format version written by Save.
var Version = semver.MustParse("1.1.0")

var (
	// ErrVersionMismatch is returned when reading a file written by a
	// newer, incompatible version of the format.
	ErrVersionMismatch = errors.New("size file version mismatch")

	// ErrMalformed is returned when a file is not a valid .size or
	// .sizediff file.
	ErrMalformed = errors.New("malformed size file")

	// ErrUnencodable is returned by Save for strings that would break the
	// line-oriented format.
	ErrUnencodable = errors.New("value cannot be encoded")
)

// Column names of the numeric tables.
const (
	colAddresses        = "addresses"
	colSizes            = "sizes"
	colPaddings         = "paddings"
	colPathIndices      = "path_indices"
	colComponentIndices = "component_indices"
)

var columns = []string{colAddresses, colSizes, colPaddings, colPathIndices, colComponentIndices}

type sizeHeader struct {
	BuildConfig  models.BuildConfig             `json:"build_config"`
	Columns      []string                       `json:"columns"`
	Metadata     metadata.Metadata              `json:"metadata"`
	SectionSizes map[string]models.SectionRange `json:"section_sizes"`
	SymbolCount  int                            `json:"symbol_count"`
}

// SaveOptions controls Save.
type SaveOptions struct {
	// Symbols, if non-nil, restricts the saved symbols to this subset.
	// Aliases of included symbols are always saved along with them.
	Symbols []*models.Symbol
}

type segment struct {
	section string
	syms    []*models.Symbol
}

func segments(syms []*models.Symbol) []segment {
	var segs []segment
	for _, s := range syms {
		if n := len(segs); n > 0 && segs[n-1].section == s.SectionName {
			segs[n-1].syms = append(segs[n-1].syms, s)
			continue
		}
		segs = append(segs, segment{section: s.SectionName, syms: []*models.Symbol{s}})
	}
	return segs
}

// expandSparseSymbols adds all aliases of symbols in syms, keeping each
// alias group together at the position of its first member.
func expandSparseSymbols(syms []*models.Symbol) []*models.Symbol {
	seen := make(map[*models.AliasGroup]bool)
	var ret []*models.Symbol
	for _, s := range syms {
		if s.Aliases == nil {
			ret = append(ret, s)
			continue
		}
		if seen[s.Aliases] {
			continue
		}
		seen[s.Aliases] = true
		ret = append(ret, s.Aliases.Symbols...)
	}
	return ret
}

func checkEncodable(kind, s string) error {
	if strings.ContainsAny(s, "\t\n") {
		return fmt.Errorf("%w: %s %q", ErrUnencodable, kind, s)
	}
	return nil
}

type lineWriter struct {
	w   *bufio.Writer
	buf []byte
}

func (w *lineWriter) line(s string) {
	w.w.WriteString(s)
	w.w.WriteByte('\n')
}

func (w *lineWriter) numbers(vals []int64) {
	w.buf = w.buf[:0]
	for i, v := range vals {
		if i > 0 {
			w.buf = append(w.buf, ' ')
		}
		w.buf = strconv.AppendInt(w.buf, v, 10)
	}
	w.buf = append(w.buf, '\n')
	w.w.Write(w.buf)
}

// Save writes si to w in the .size format.
func Save(w io.Writer, si *models.SizeInfo, opts SaveOptions) error {
	syms := si.Symbols.Symbols
	if opts.Symbols != nil {
		syms = expandSparseSymbols(opts.Symbols)
	}

	paths := make(map[[2]string]int)
	components := make(map[string]int)
	for _, s := range syms {
		for _, f := range []struct{ kind, val string }{
			{"section", s.SectionName},
			{"full name", s.FullName},
			{"template name", s.TemplateName},
			{"name", s.Name},
			{"object path", s.ObjectPath},
			{"source path", s.SourcePath},
			{"component", s.Component},
		} {
			if err := checkEncodable(f.kind, f.val); err != nil {
				return err
			}
		}
		paths[[2]string{s.ObjectPath, s.SourcePath}] = 0
		components[s.Component] = 0
	}
	pathList := make([][2]string, 0, len(paths))
	for p := range paths {
		pathList = append(pathList, p)
	}
	sort.Slice(pathList, func(i, j int) bool {
		if pathList[i][0] != pathList[j][0] {
			return pathList[i][0] < pathList[j][0]
		}
		return pathList[i][1] < pathList[j][1]
	})
	for i, p := range pathList {
		paths[p] = i
	}
	componentList := make([]string, 0, len(components))
	for c := range components {
		componentList = append(componentList, c)
	}
	sort.Strings(componentList)
	for i, c := range componentList {
		components[c] = i
	}

	hdr := sizeHeader{
		BuildConfig:  si.BuildConfig,
		Columns:      columns,
		Metadata:     si.Metadata,
		SectionSizes: si.SectionSizes,
		SymbolCount:  len(syms),
	}
	buf, err := json.MarshalIndent(hdr, "", "  ")
	if err != nil {
		return err
	}

	zw, err := gzip.NewWriterLevel(w, gzip.BestCompression)
	if err != nil {
		return err
	}
	lw := &lineWriter{w: bufio.NewWriter(zw)}
	lw.line(commonHeader)
	lw.line(sizeHeaderPrefix + Version.String())
	lw.line(strconv.Itoa(len(buf)))
	lw.line(string(buf))

	lw.line(strconv.Itoa(len(pathList)))
	for _, p := range pathList {
		lw.line(p[0] + "\t" + p[1])
	}
	lw.line(strconv.Itoa(len(componentList)))
	for _, c := range componentList {
		lw.line(c)
	}

	segs := segments(syms)
	names := make([]string, len(segs))
	counts := make([]string, len(segs))
	for i, seg := range segs {
		names[i] = seg.section
		counts[i] = strconv.Itoa(len(seg.syms))
	}
	lw.line(strings.Join(names, "\t"))
	lw.line(strings.Join(counts, "\t"))

	for _, col := range columns {
		for _, seg := range segs {
			vals := make([]int64, len(seg.syms))
			var prev int64
			for i, s := range seg.syms {
				var v int64
				switch col {
				case colAddresses:
					v = int64(s.Address)
				case colSizes:
					v = s.Size
				case colPaddings:
					v = s.Padding
				case colPathIndices:
					v = int64(paths[[2]string{s.ObjectPath, s.SourcePath}])
				case colComponentIndices:
					v = int64(components[s.Component])
				}
				if col == colAddresses || col == colPathIndices || col == colComponentIndices {
					v, prev = v-prev, v
				}
				vals[i] = v
			}
			lw.numbers(vals)
		}
	}

	groupIDs := make(map[*models.AliasGroup]int)
	for _, seg := range segs {
		for _, s := range seg.syms {
			template, name := s.TemplateName, s.Name
			if name == template {
				name = ""
			}
			if template == s.FullName {
				template = ""
			}
			var alias, flags string
			if s.Aliases != nil {
				id, ok := groupIDs[s.Aliases]
				if !ok {
					id = len(groupIDs) + 1
					groupIDs[s.Aliases] = id
				}
				alias = strconv.FormatInt(int64(id), 16)
			}
			if s.Flags != 0 {
				flags = strconv.FormatUint(uint64(s.Flags), 16)
			}
			lw.line(strings.Join([]string{s.FullName, template, name, alias, flags}, "\t"))
		}
	}
	if err := lw.w.Flush(); err != nil {
		return err
	}
	return zw.Close()
}

type lineReader struct {
	r    *bufio.Reader
	line int
}

func (r *lineReader) next() (string, error) {
	s, err := r.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("%w: unexpected end of file after line %d", ErrMalformed, r.line)
		}
		return "", err
	}
	r.line++
	return strings.TrimSuffix(s, "\n"), nil
}

func (r *lineReader) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: line %d: %s", ErrMalformed, r.line, fmt.Sprintf(format, args...))
}

func (r *lineReader) int() (int, error) {
	s, err := r.next()
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, r.errorf("want count, got %q", s)
	}
	return n, nil
}

func (r *lineReader) numbers(want int, delta bool) ([]int64, error) {
	s, err := r.next()
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(s)
	if len(fields) != want {
		return nil, r.errorf("want %d values, got %d", want, len(fields))
	}
	vals := make([]int64, want)
	var prev int64
	for i, f := range fields {
		v, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, r.errorf("bad number %q", f)
		}
		if delta {
			v += prev
			prev = v
		}
		vals[i] = v
	}
	return vals, nil
}

func checkVersion(line string) error {
	vs, ok := strings.CutPrefix(line, sizeHeaderPrefix)
	if !ok {
		return fmt.Errorf("%w: unknown header %q", ErrMalformed, line)
	}
	v, err := semver.ParseTolerant(vs)
	if err != nil {
		return fmt.Errorf("%w: bad version %q: %v", ErrMalformed, vs, err)
	}
	switch {
	case v.Major != Version.Major:
		return fmt.Errorf("%w: file has format v%s but this tool reads v%d.x; use a supersize version that matches the one that created the file", ErrVersionMismatch, v, Version.Major)
	case v.GT(Version):
		log.Warnf("size file format v%s is newer than v%s; unknown fields are ignored", v, Version)
	}
	return nil
}

// Load reads a .size file written by Save.
func Load(r io.Reader) (*models.SizeInfo, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer zr.Close()
	lr := &lineReader{r: bufio.NewReader(zr)}

	line, err := lr.next()
	if err != nil {
		return nil, err
	}
	if line != commonHeader {
		return nil, lr.errorf("not a size file: %q", line)
	}
	line, err = lr.next()
	if err != nil {
		return nil, err
	}
	if err := checkVersion(line); err != nil {
		return nil, err
	}

	n, err := lr.int()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(lr.r, buf); err != nil {
		return nil, lr.errorf("short JSON header: %v", err)
	}
	if line, err := lr.next(); err != nil || line != "" {
		return nil, lr.errorf("JSON header longer than %d bytes", n)
	}
	var hdr sizeHeader
	if err := json.Unmarshal(buf, &hdr); err != nil {
		return nil, lr.errorf("JSON header: %v", err)
	}
	if hdr.Metadata.Size() == 0 {
		hdr.Metadata = metadata.New()
	}
	if hdr.SectionSizes == nil {
		hdr.SectionSizes = make(map[string]models.SectionRange)
	}

	n, err = lr.int()
	if err != nil {
		return nil, err
	}
	pathList := make([][2]string, n)
	for i := range pathList {
		line, err := lr.next()
		if err != nil {
			return nil, err
		}
		obj, src, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, lr.errorf("want path pair, got %q", line)
		}
		pathList[i] = [2]string{obj, src}
	}
	n, err = lr.int()
	if err != nil {
		return nil, err
	}
	componentList := make([]string, n)
	for i := range componentList {
		componentList[i], err = lr.next()
		if err != nil {
			return nil, err
		}
	}

	line, err = lr.next()
	if err != nil {
		return nil, err
	}
	var sections []string
	if line != "" {
		sections = strings.Split(line, "\t")
	}
	line, err = lr.next()
	if err != nil {
		return nil, err
	}
	counts := strings.Fields(line)
	if len(counts) != len(sections) {
		return nil, lr.errorf("%d segment counts for %d segments", len(counts), len(sections))
	}
	segCounts := make([]int, len(counts))
	var total int
	for i, c := range counts {
		segCounts[i], err = strconv.Atoi(c)
		if err != nil || segCounts[i] < 1 {
			return nil, lr.errorf("bad segment count %q", c)
		}
		total += segCounts[i]
	}
	if total != hdr.SymbolCount {
		return nil, lr.errorf("segments hold %d symbols, header says %d", total, hdr.SymbolCount)
	}

	cols := make(map[string][][]int64)
	for _, col := range hdr.Columns {
		delta := col == colAddresses || col == colPathIndices || col == colComponentIndices
		var table [][]int64
		for _, c := range segCounts {
			vals, err := lr.numbers(c, delta)
			if err != nil {
				return nil, err
			}
			table = append(table, vals)
		}
		cols[col] = table
	}
	for _, col := range []string{colAddresses, colSizes, colPathIndices} {
		if _, ok := cols[col]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrMalformed, col)
		}
	}

	syms := make([]*models.Symbol, 0, total)
	groups := make(map[int64]*models.AliasGroup)
	for si, section := range sections {
		for i := 0; i < segCounts[si]; i++ {
			line, err := lr.next()
			if err != nil {
				return nil, err
			}
			parts := strings.Split(line, "\t")
			for len(parts) < 5 {
				parts = append(parts, "")
			}
			s := &models.Symbol{
				SectionName:  section,
				Address:      uint64(cols[colAddresses][si][i]),
				Size:         cols[colSizes][si][i],
				FullName:     parts[0],
				TemplateName: parts[1],
				Name:         parts[2],
			}
			if s.TemplateName == "" {
				s.TemplateName = s.FullName
			}
			if s.Name == "" {
				s.Name = s.TemplateName
			}
			if p, ok := cols[colPaddings]; ok {
				s.Padding = p[si][i]
			}
			pi := cols[colPathIndices][si][i]
			if pi < 0 || pi >= int64(len(pathList)) {
				return nil, lr.errorf("path index %d out of range", pi)
			}
			s.ObjectPath, s.SourcePath = pathList[pi][0], pathList[pi][1]
			if c, ok := cols[colComponentIndices]; ok {
				ci := c[si][i]
				if ci < 0 || ci >= int64(len(componentList)) {
					return nil, lr.errorf("component index %d out of range", ci)
				}
				s.Component = componentList[ci]
			}
			if parts[3] != "" {
				id, err := strconv.ParseInt(parts[3], 16, 64)
				if err != nil {
					return nil, lr.errorf("bad alias group %q", parts[3])
				}
				g, ok := groups[id]
				if !ok {
					g = &models.AliasGroup{}
					groups[id] = g
				}
				g.Symbols = append(g.Symbols, s)
				s.Aliases = g
			}
			if parts[4] != "" {
				f, err := strconv.ParseUint(parts[4], 16, 32)
				if err != nil {
					return nil, lr.errorf("bad flags %q", parts[4])
				}
				s.Flags = models.Flags(f)
			}
			syms = append(syms, s)
		}
	}
	for _, g := range groups {
		if len(g.Symbols) == 1 {
			g.Symbols[0].Aliases = nil
		}
	}
	if _, ok := cols[colPaddings]; !ok {
		if err := models.CalculatePadding(syms); err != nil {
			return nil, err
		}
	}
	return &models.SizeInfo{
		Metadata:     hdr.Metadata,
		BuildConfig:  hdr.BuildConfig,
		SectionSizes: hdr.SectionSizes,
		Symbols:      models.NewSymbolGroup(syms),
	}, nil
}

// SaveFile writes si to fname.
func SaveFile(ctx context.Context, fsys afero.Fs, fname string, si *models.SizeInfo) error {
	var buf bytes.Buffer
	if err := Save(&buf, si, SaveOptions{}); err != nil {
		return fmt.Errorf("save %s: %w", fname, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return afero.WriteFile(fsys, fname, buf.Bytes(), 0644)
}

// LoadFile reads a .size file.
func LoadFile(ctx context.Context, fsys afero.Fs, fname string) (*models.SizeInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := fsys.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	si, err := Load(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", fname, err)
	}
	return si, nil
}
