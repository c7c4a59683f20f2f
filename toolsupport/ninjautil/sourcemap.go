// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package ninjautil maps build outputs to their sources using ninja files.
package ninjautil

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// RootFile is the top level ninja file in an output directory.
const RootFile = "build.ninja"

// SourceMapper maps object files and archive members to source files.
// It is safe for concurrent use.
type SourceMapper struct {
	// objects maps .o outputs to their first explicit input.
	objects map[string]string
	// archives maps .a outputs to their members by basename.
	archives map[string]map[string]string
	files    []string

	mu        sync.Mutex
	unmatched map[string]bool
}

// ParsedFiles returns the ninja files that were parsed.
func (sm *SourceMapper) ParsedFiles() []string { return sm.files }

// UnmatchedPathsCount returns the number of distinct paths
// FindSourceForPath failed to resolve.
func (sm *SourceMapper) UnmatchedPathsCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.unmatched)
}

func (sm *SourceMapper) findSource(p string) string {
	if !strings.HasSuffix(p, ")") {
		if strings.HasPrefix(p, "..") {
			return p
		}
		return sm.objects[p]
	}
	// foo/bar.a(baz.o)
	i := strings.LastIndexByte(p, '(')
	if i < 0 {
		return ""
	}
	lib, obj := p[:i], p[i+1:len(p)-1]
	members, ok := sm.archives[lib]
	if !ok {
		return ""
	}
	objPath, ok := members[obj]
	if !ok {
		log.Warnf("no member %s in %s", obj, lib)
		return ""
	}
	return sm.objects[objPath]
}

// FindSourceForPath returns the source of the object path p, which may be
// "foo/bar.o" or "foo/bar.a(baz.o)". It returns "" if not found.
func (sm *SourceMapper) FindSourceForPath(p string) string {
	src := sm.findSource(p)
	if src != "" {
		return src
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !sm.unmatched[p] {
		if len(sm.unmatched) < 10 {
			log.Warnf("could not find source path for %s", p)
		}
		sm.unmatched[p] = true
	}
	return ""
}

// AllPaths returns all object and archive outputs, sorted.
func (sm *SourceMapper) AllPaths() []string {
	ret := make([]string, 0, len(sm.objects)+len(sm.archives))
	for p := range sm.objects {
		ret = append(ret, p)
	}
	for p := range sm.archives {
		ret = append(ret, p)
	}
	sort.Strings(ret)
	return ret
}

// buildStmt is a parsed "build" statement.
type buildStmt struct {
	outputs []string
	rule    string
	inputs  []string
}

// fileResult holds what one ninja file contributes.
type fileResult struct {
	stmts     []buildStmt
	subninjas []string
}

// Parse parses build.ninja in outDir on fsys and all files it includes.
// If elfPath is not empty, it also returns the explicit inputs of the
// statement that builds elfPath.
func Parse(ctx context.Context, fsys afero.Fs, outDir, elfPath string) (*SourceMapper, []string, error) {
	sm := &SourceMapper{
		objects:   make(map[string]string),
		archives:  make(map[string]map[string]string),
		unmatched: make(map[string]bool),
	}
	seen := map[string]bool{RootFile: true}
	frontier := []string{RootFile}
	var elfInputs []string
	for len(frontier) > 0 {
		results := make([]fileResult, len(frontier))
		eg, gctx := errgroup.WithContext(ctx)
		eg.SetLimit(8)
		for i, fname := range frontier {
			eg.Go(func() error {
				buf, err := afero.ReadFile(fsys, path.Join(outDir, fname))
				if err != nil {
					return err
				}
				if err := gctx.Err(); err != nil {
					return err
				}
				results[i] = parseFile(buf)
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, nil, err
		}
		sm.files = append(sm.files, frontier...)

		var next []string
		for i, res := range results {
			for _, st := range res.stmts {
				inputs, err := sm.add(st, elfPath)
				if err != nil {
					return nil, nil, fmt.Errorf("%s: %w", frontier[i], err)
				}
				if inputs == nil {
					continue
				}
				if elfInputs != nil {
					return nil, nil, fmt.Errorf("%s: found multiple link commands for %s", frontier[i], elfPath)
				}
				elfInputs = inputs
			}
			for _, sub := range res.subninjas {
				if seen[sub] {
					return nil, nil, fmt.Errorf("%s: double include of %s", frontier[i], sub)
				}
				seen[sub] = true
				next = append(next, sub)
			}
		}
		frontier = next
	}
	log.Debugf("parsed %d ninja files; linker inputs=%d", len(sm.files), len(elfInputs))
	return sm, elfInputs, nil
}

// add records st. It returns the inputs of st if it builds elfPath.
func (sm *SourceMapper) add(st buildStmt, elfPath string) ([]string, error) {
	if len(st.outputs) == 1 {
		out := st.outputs[0]
		switch {
		case strings.HasSuffix(out, ".o"):
			if _, ok := sm.objects[out]; ok {
				return nil, fmt.Errorf("duplicate output %s", out)
			}
			if len(st.inputs) > 0 {
				sm.objects[out] = st.inputs[0]
			}
			return nil, nil
		case strings.HasSuffix(out, ".a"):
			if _, ok := sm.archives[out]; ok {
				return nil, fmt.Errorf("duplicate output %s", out)
			}
			members := make(map[string]string, len(st.inputs))
			for _, in := range st.inputs {
				members[path.Base(in)] = in
			}
			sm.archives[out] = members
			return nil, nil
		}
	}
	if elfPath == "" {
		return nil, nil
	}
	elfPath = path.Clean(elfPath)
	for _, out := range st.outputs {
		if path.Clean(out) == elfPath {
			return append([]string{}, st.inputs...), nil
		}
	}
	return nil, nil
}

// parseFile extracts build statements and subninja/include files.
// Only the parts needed for source mapping are parsed: variables,
// rules and pools are skipped.
func parseFile(buf []byte) fileResult {
	var res fileResult
	for s := 0; s < len(buf); {
		e := findNextLine(buf, s)
		line := joinLine(buf[s:e])
		s = e
		switch {
		case strings.HasPrefix(line, "build "):
			if st, ok := parseBuild(line[len("build "):]); ok {
				res.stmts = append(res.stmts, st)
			}
		case strings.HasPrefix(line, "subninja "):
			res.subninjas = append(res.subninjas, strings.TrimSpace(line[len("subninja "):]))
		case strings.HasPrefix(line, "include "):
			res.subninjas = append(res.subninjas, strings.TrimSpace(line[len("include "):]))
		}
	}
	return res
}

// findNextLine returns the offset of the logical line after the one
// starting at buf[s:], or len(buf). Lines ending in "$" continue on the
// next line unless the "$" is escaped.
func findNextLine(buf []byte, s int) int {
	for {
		i := bytes.IndexByte(buf[s:], '\n')
		if i < 0 {
			return len(buf)
		}
		end := s + i
		if end > s && buf[end-1] == '\r' {
			end--
		}
		n := 0
		for end-n > s && buf[end-n-1] == '$' {
			n++
		}
		// "$$" is an escaped '$'.
		if n%2 == 1 {
			s += i + 1
			continue
		}
		return s + i + 1
	}
}

// joinLine removes "$\n" line continuations and the indentation that
// follows them, and the trailing newline.
func joinLine(b []byte) string {
	line := strings.TrimRight(string(b), "\r\n")
	if !strings.Contains(line, "$\n") && !strings.Contains(line, "$\r\n") {
		return line
	}
	var sb strings.Builder
	for _, part := range strings.Split(line, "\n") {
		part = strings.TrimSuffix(part, "\r")
		if sb.Len() > 0 {
			part = strings.TrimLeft(part, " ")
		}
		sb.WriteString(strings.TrimSuffix(part, "$"))
	}
	return sb.String()
}

// parseBuild parses "outs: rule ins | implicit || order_only".
func parseBuild(s string) (buildStmt, bool) {
	var st buildStmt
	toks, colon := splitEscaped(s)
	if colon < 0 || colon >= len(toks) {
		return st, false
	}
	for _, t := range toks[:colon] {
		if t == "|" {
			// Implicit outputs.
			break
		}
		st.outputs = append(st.outputs, t)
	}
	st.rule = toks[colon]
	for _, t := range toks[colon+1:] {
		if strings.HasPrefix(t, "|") {
			break
		}
		st.inputs = append(st.inputs, t)
	}
	return st, len(st.outputs) > 0
}

// splitEscaped splits s at unescaped spaces and resolves "$ ", "$:" and
// "$$". It returns the tokens and the index of the first token after the
// first unescaped ':' (-1 if there is none).
func splitEscaped(s string) ([]string, int) {
	var toks []string
	colon := -1
	var sb strings.Builder
	flush := func() {
		if sb.Len() > 0 {
			toks = append(toks, sb.String())
			sb.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '$' && i+1 < len(s):
			i++
			sb.WriteByte(s[i])
		case c == ' ':
			flush()
		case c == ':' && colon < 0:
			flush()
			colon = len(toks)
		default:
			sb.WriteByte(c)
		}
	}
	flush()
	return toks, colon
}
