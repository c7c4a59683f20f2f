// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package pathutil canonicalizes object and source paths of symbols.
package pathutil

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"go.chromium.org/infra/tools/supersize/models"
)

const (
	objPrefix    = "obj/"
	genPrefix    = "gen/"
	parentPrefix = "../../"
)

// NormalizeObjectPath returns the canonical form of an object path
// relative to the output directory.
//
//	obj/foo/bar.o        -> foo/bar.o
//	../../third_party/x.o -> third_party/x.o
//	/usr/lib/x.o         -> $SYSTEM/x.o
//	foo/bar.a(baz.o)     -> foo/bar.a/baz.o
func NormalizeObjectPath(p string) string {
	for {
		q := normalizeObjectPathOnce(p)
		if q == p {
			return p
		}
		p = q
	}
}

func normalizeObjectPathOnce(p string) string {
	for {
		switch {
		case strings.HasPrefix(p, objPrefix):
			p = p[len(objPrefix):]
			continue
		case strings.HasPrefix(p, parentPrefix):
			p = p[len(parentPrefix):]
			continue
		}
		break
	}
	if strings.HasPrefix(p, "/") {
		p = models.SystemPrefixPath + "/" + path.Base(p)
	}
	if strings.HasSuffix(p, ")") {
		if i := strings.IndexByte(p, '('); i >= 0 {
			p = p[:i] + "/" + p[i+1:len(p)-1]
		}
	}
	return p
}

// NormalizeSourcePath returns the canonical form of a source path and
// whether it refers to a generated file.
//
// genDirRe, if non-nil, matches a custom generated-output prefix which is
// stripped from the path.
func NormalizeSourcePath(p string, genDirRe *regexp.Regexp) (string, bool) {
	generated := false
	for {
		q, gen := normalizeSourcePathOnce(p, genDirRe)
		if q == p {
			return p, generated
		}
		p = q
		generated = generated || gen
	}
}

func normalizeSourcePathOnce(p string, genDirRe *regexp.Regexp) (string, bool) {
	if strings.HasPrefix(p, "$") {
		return p, false
	}
	if genDirRe != nil {
		if loc := genDirRe.FindStringIndex(p); loc != nil && loc[0] == 0 && loc[1] > 0 {
			return p[loc[1]:], true
		}
	}
	switch {
	case strings.HasPrefix(p, genPrefix):
		return p[len(genPrefix):], true
	case strings.HasPrefix(p, parentPrefix):
		return p[len(parentPrefix):], false
	case strings.HasPrefix(p, "/"):
		return models.SystemPrefixPath + "/" + path.Base(p), true
	}
	return p, false
}

// Normalizer normalizes paths of symbols, caching results by input path.
// It is not safe for concurrent use.
type Normalizer struct {
	genDirRe *regexp.Regexp
	objects  map[string]string
	sources  map[string]sourceResult
}

type sourceResult struct {
	path      string
	generated bool
}

// NewNormalizer returns a Normalizer. genDirRe may be nil.
func NewNormalizer(genDirRe *regexp.Regexp) *Normalizer {
	return &Normalizer{
		genDirRe: genDirRe,
		objects:  make(map[string]string),
		sources:  make(map[string]sourceResult),
	}
}

// ObjectPath returns the normalized object path.
func (n *Normalizer) ObjectPath(p string) string {
	if r, ok := n.objects[p]; ok {
		return r
	}
	r := NormalizeObjectPath(p)
	n.objects[p] = r
	return r
}

// SourcePath returns the normalized source path and whether it is
// generated.
func (n *Normalizer) SourcePath(p string) (string, bool) {
	if r, ok := n.sources[p]; ok {
		return r.path, r.generated
	}
	r, gen := NormalizeSourcePath(p, n.genDirRe)
	n.sources[p] = sourceResult{path: r, generated: gen}
	return r, gen
}

// Normalize rewrites the object and source paths of syms in place and
// sets FlagGeneratedSource on symbols with generated sources.
func (n *Normalizer) Normalize(syms []*models.Symbol) {
	for _, s := range syms {
		if s.ObjectPath != "" {
			s.ObjectPath = n.ObjectPath(s.ObjectPath)
		}
		if s.SourcePath == "" {
			continue
		}
		var gen bool
		s.SourcePath, gen = n.SourcePath(s.SourcePath)
		if gen {
			s.Flags |= models.FlagGeneratedSource
		}
	}
}

// ComputeAncestorPath returns the common ancestor of paths, used as the
// path of a symbol that stands for many aliases.
//
// When paths differ, the result is "<common dir>/{shared}/<bucket>", where
// bucket is a range of symbolCount (e.g. "20-49"), so that grouping by
// path shows "{shared}" as a node with symbol-count leaves.
func ComputeAncestorPath(paths []string, symbolCount int) string {
	if len(paths) == 0 {
		return ""
	}
	prefix := paths[0]
	for _, p := range paths[1:] {
		prefix = commonPrefix(prefix, p)
	}
	if prefix == paths[0] {
		return prefix
	}
	var bucket string
	switch {
	case symbolCount >= 100:
		bucket = "100+"
	case symbolCount >= 50:
		bucket = "50-99"
	case symbolCount >= 20:
		bucket = "20-49"
	case symbolCount >= 10:
		bucket = "10-19"
	default:
		bucket = fmt.Sprint(symbolCount)
	}
	i := strings.LastIndexByte(prefix, '/')
	if i < 0 {
		return path.Join("{shared}", bucket)
	}
	return path.Join(prefix[:i], "{shared}", bucket)
}

func commonPrefix(a, b string) string {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[:i]
		}
	}
	return a[:n]
}
