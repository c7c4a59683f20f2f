// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package dirmetadata attributes source paths to components using
// DIR_METADATA files.
package dirmetadata

import (
	"bufio"
	"bytes"
	"errors"
	"path"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"

	"go.chromium.org/infra/tools/supersize/metadata"
	"go.chromium.org/infra/tools/supersize/models"
)

// ErrLookupCycle is reported when DIR_METADATA mixins form a cycle.
var ErrLookupCycle = errors.New("component lookup cycle")

// FileName is the name of metadata files.
const FileName = "DIR_METADATA"

var (
	componentRe = regexp.MustCompile(`^\s*component:\s*"(.*?)"`)
	mixinsRe    = regexp.MustCompile(`^\s*mixins:\s*"//(.*?)"`)
)

// DefaultOverrides are components for directories without DIR_METADATA.
var DefaultOverrides = map[string]string{
	"third_party/webrtc":           "Blink>WebRTC",
	"third_party/webrtc_overrides": "Blink>WebRTC",
}

// Options configures a LookupContext.
type Options struct {
	// DefaultComponent is used when no component is found.
	DefaultComponent string
	// Overrides maps source directories to components. Nil means
	// DefaultOverrides.
	Overrides map[string]string
}

// LookupContext resolves components for source paths relative to the
// root of a filesystem. Results are cached per directory and per metadata
// file. It is not safe for concurrent use.
type LookupContext struct {
	fs        afero.Fs
	opts      Options
	byDir     map[string]string
	byFile    map[string]string
	visiting  map[string]bool
	numCycles int
}

// NewLookupContext returns a LookupContext reading DIR_METADATA files
// from fsys. fsys is only read.
func NewLookupContext(fsys afero.Fs, opts Options) *LookupContext {
	if opts.Overrides == nil {
		opts.Overrides = DefaultOverrides
	}
	return &LookupContext{
		fs:       afero.NewReadOnlyFs(fsys),
		opts:     opts,
		byDir:    make(map[string]string),
		byFile:   make(map[string]string),
		visiting: make(map[string]bool),
	}
}

// NumCycles returns the number of mixin cycles found so far.
func (lc *LookupContext) NumCycles() int { return lc.numCycles }

// ComponentForPath returns the component of the file at p, or the default
// component.
func (lc *LookupContext) ComponentForPath(p string) string {
	if c := lc.componentForDir(path.Dir(path.Clean(p))); c != "" {
		return c
	}
	return lc.opts.DefaultComponent
}

func (lc *LookupContext) componentForDir(dir string) string {
	if c, ok := lc.byDir[dir]; ok {
		return c
	}
	c, ok := lc.opts.Overrides[dir]
	if !ok {
		c = lc.componentForFile(path.Join(dir, FileName))
		if c == "" && dir != "." && dir != "/" {
			c = lc.componentForDir(path.Dir(dir))
		}
	}
	lc.byDir[dir] = c
	return c
}

func (lc *LookupContext) componentForFile(fname string) string {
	if c, ok := lc.byFile[fname]; ok {
		return c
	}
	if lc.visiting[fname] {
		lc.numCycles++
		log.Warnf("%v: %s", ErrLookupCycle, fname)
		return ""
	}
	lc.visiting[fname] = true
	defer delete(lc.visiting, fname)

	// Missing or unreadable files have no content.
	buf, err := afero.ReadFile(lc.fs, fname)
	if err != nil {
		log.Debugf("read %s: %v", fname, err)
	}
	var c string
	var mixins []string
	s := bufio.NewScanner(bytes.NewReader(buf))
	for s.Scan() {
		line := s.Text()
		if m := componentRe.FindStringSubmatch(line); m != nil {
			c = m[1]
			break
		}
		if m := mixinsRe.FindStringSubmatch(line); m != nil {
			mixins = append(mixins, m[1])
		}
	}
	for _, m := range mixins {
		if c != "" {
			break
		}
		c = lc.componentForFile(path.Clean(m))
	}
	lc.byFile[fname] = c
	return c
}

// Populate sets Component of every symbol that has a source path.
// Symbols under synthetic roots ($APK, $SYSTEM, ...) and symbols
// without a source path get the default component.
// Mixin cycles are counted in issues, if not nil.
func (lc *LookupContext) Populate(syms []*models.Symbol, issues *metadata.Issues) {
	before := lc.numCycles
	for _, s := range syms {
		if s.SourcePath == "" || strings.HasPrefix(s.SourcePath, "$") {
			s.Component = lc.opts.DefaultComponent
			continue
		}
		s.Component = lc.ComponentForPath(s.SourcePath)
	}
	if issues != nil {
		issues.Add("component_lookup_cycle", lc.numCycles-before)
	}
	if n := lc.numCycles - before; n > 0 {
		log.Warnf("%v: %d found", ErrLookupCycle, n)
	}
}
