// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package canned provides pre-written size queries and text reports.
package canned

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"

	"github.com/charmbracelet/log"

	"go.chromium.org/infra/tools/supersize/models"
)

// DefaultLargeFileSize is the LargeFiles threshold used by the CLI.
const DefaultLargeFileSize = 50 * 1024

// GCC emits "_GLOBAL__" symbols, clang emits "startup".
var staticInitializerRe = regexp.MustCompile(`^startup$|^_GLOBAL__`)

func nativeSymbols(g *models.SymbolGroup) *models.SymbolGroup {
	return g.Filter(func(s *models.Symbol) bool { return models.IsNativeSection(s.SectionName) })
}

// StaticInitializers returns the static initializer functions in g.
func StaticInitializers(g *models.SymbolGroup) *models.SymbolGroup {
	return nativeSymbols(g).WhereNameMatches(staticInitializerRe)
}

// TemplatesByName returns native template instantiations grouped by name
// truncated to depth "::" components (0 for the whole name), largest
// first.
func TemplatesByName(g *models.SymbolGroup, depth int) *models.SymbolGroup {
	return nativeSymbols(g).WhereIsTemplate().Sorted().GroupedByName(depth, 0).Sorted()
}

// LargeFiles returns symbols grouped by source path, keeping only files
// that account for at least minSize bytes.
func LargeFiles(g *models.SymbolGroup, minSize float64) *models.SymbolGroup {
	byPath := g.GroupedByPath(0)
	ret := &models.SymbolGroup{Name: g.Name, Groups: []*models.SymbolGroup{}}
	for _, sub := range byPath.Groups {
		if sub.SumSize() < minSize {
			continue
		}
		ret.Groups = append(ret.Groups, sub)
		ret.Symbols = append(ret.Symbols, sub.Symbols...)
	}
	return ret.Sorted()
}

// ComponentSizes returns symbols grouped by component, largest first.
func ComponentSizes(g *models.SymbolGroup) *models.SymbolGroup {
	return g.GroupedByComponent().Sorted()
}

// grouper collects named groups, each taking symbols not claimed by
// earlier groups.
type grouper struct {
	groups []*models.SymbolGroup
}

type rule struct {
	name string
	keep func(*models.Symbol) bool
}

func (gr *grouper) add(name string, sub *models.SymbolGroup) *models.SymbolGroup {
	log.Debugf("computed %s (%d syms)", name, sub.Len())
	if sub.Len() > 0 {
		sorted := sub.Sorted()
		sorted.Name = name
		gr.groups = append(gr.groups, sorted)
	}
	return sub.Inverted()
}

func (gr *grouper) apply(syms *models.SymbolGroup, rules []rule) *models.SymbolGroup {
	for _, r := range rules {
		syms = gr.add(r.name, syms.Filter(r.keep))
	}
	return syms
}

// finalize orders the groups by size with "Other" groups last, then adds
// the remaining symbols: placeholders in one group, the rest by top-level
// directory.
func (gr *grouper) finalize(name string, remaining *models.SymbolGroup) *models.SymbolGroup {
	slices.SortStableFunc(gr.groups, func(a, b *models.SymbolGroup) int {
		ao, bo := strings.HasPrefix(a.Name, "Other"), strings.HasPrefix(b.Name, "Other")
		if ao != bo {
			if ao {
				return 1
			}
			return -1
		}
		as, bs := math.Abs(a.SumSize()), math.Abs(b.SumSize())
		switch {
		case as > bs:
			return -1
		case as < bs:
			return 1
		}
		return 0
	})
	if remaining.Len() > 0 {
		stars := remaining.Filter(func(s *models.Symbol) bool { return strings.HasPrefix(s.FullName, "*") })
		if stars.Len() > 0 {
			remaining = stars.Inverted()
			merged := stars.Sorted()
			merged.Name = "** Merged Symbols"
			gr.groups = append(gr.groups, merged)
		}
		for _, sub := range remaining.GroupedByPath(1).Sorted().Groups {
			sub.Name = "Other //" + sub.Name
			gr.groups = append(gr.groups, sub)
		}
	}
	ret := &models.SymbolGroup{Name: name, Groups: gr.groups}
	for _, sub := range gr.groups {
		ret.Symbols = append(ret.Symbols, sub.Symbols...)
	}
	return ret
}

func anyMatches(expr string) func(*models.Symbol) bool {
	re := regexp.MustCompile(expr)
	return func(s *models.Symbol) bool {
		return re.MatchString(s.FullName) || re.MatchString(s.ObjectPath) || re.MatchString(s.SourcePath)
	}
}

func sourceMatches(expr string) func(*models.Symbol) bool {
	re := regexp.MustCompile(expr)
	return func(s *models.Symbol) bool { return re.MatchString(s.SourcePath) }
}

func pathMatches(expr string) func(*models.Symbol) bool {
	re := regexp.MustCompile(expr)
	return func(s *models.Symbol) bool { return re.MatchString(s.ObjectPath) || re.MatchString(s.SourcePath) }
}

func sourcePrefix(p string) func(*models.Symbol) bool {
	return func(s *models.Symbol) bool { return strings.HasPrefix(s.SourcePath, p) }
}

func sourceContains(sub string) func(*models.Symbol) bool {
	return func(s *models.Symbol) bool { return strings.Contains(s.SourcePath, sub) }
}

func objectContains(subs ...string) func(*models.Symbol) bool {
	return func(s *models.Symbol) bool {
		for _, sub := range subs {
			if strings.Contains(s.ObjectPath, sub) {
				return true
			}
		}
		return false
	}
}

// Matchers that split off many symbols come first.
var componentRules = []rule{
	{"WebRTC", anyMatches(`(?i)webrtc`)},
	{"v8", sourcePrefix("v8/")},
	{"Skia", sourceContains("skia/")},
	{"net", sourcePrefix("net/")},
	{"media", sourcePrefix("media/")},
	{"gpu", sourcePrefix("gpu/")},
	{"cc", sourcePrefix("cc/")},
	{"base", sourcePrefix("base/")},
	{"viz", sourcePrefix("components/viz")},
	{"ui/gfx", sourcePrefix("ui/gfx/")},
	{"ICU", sourceContains("/icu/")},
	{"Prefetch", sourceContains("resource_prefetch")},
	{"Password Manager", sourceContains("password_manager")},
	{"Internals Pages", sourceContains("_internals")},
	{"Autofill", sourceMatches(`(?i)autofill`)},
	{"WebGL", anyMatches(`(?i)webgl`)},
	{"WebBluetooth", anyMatches(`(?i)bluetooth`)},
	{"WebUSB", anyMatches(`(?i)webusb|(\b|_)usb(\b|_)`)},
	{"WebVR", anyMatches(`{{_gvr_}}|{{_cwebvr_}}|{{_vr_}}`)},
	{"FileSystem", sourceMatches(`content/.*/fileapi|WebKit/.*/filesystem`)},
	{"WebCrypto", anyMatches(`(?i)webcrypto`)},
	{"Printing", anyMatches(`printing`)},
	{"Cast", sourceMatches(`(?i)(\b|_)cast(\b|_)`)},
	{"Media Source", anyMatches(`(?i)mediasource|blink::.*TrackDefault|blink::.*SourceBuffer`)},
	// XSLT must come before libxml.
	{"XSLT", anyMatches(`(?i)xslt`)},
	{"libxml", sourceContains("libxml")},
}

var thirdPartyRules = []rule{
	{"Codecs", sourceMatches(`^third_party/(libweb[mp]|libpng|libjpeg_turbo|opus|ffmpeg|libvpx)/`)},
	{"Other Third-Party", sourceContains("third_party")},
}

var blinkRe = regexp.MustCompile(`\b(blink|WebKit)\b`)

// CategorizeByChromeComponent groups symbols into well-known areas of
// the Chrome code base using path and name heuristics.
func CategorizeByChromeComponent(g *models.SymbolGroup) *models.SymbolGroup {
	var gr grouper
	syms := gr.apply(g, componentRules)

	// Overlaps with the rules above, so it has to come after them.
	blink := syms.WhereSourcePathMatches(blinkRe)
	syms = blink.Inverted()
	generated := blink.WhereIsGenerated()
	gr.add("Blink (generated)", generated)
	gr.add("Blink (non-generated)", generated.Inverted())

	syms = gr.apply(syms, thirdPartyRules)
	return gr.finalize("Chrome components", syms)
}

var mojoRe = regexp.MustCompile(`\bmojom?\b`)

var generatedRules = []rule{
	{"Java Protocol Buffers", sourceContains("__protoc_java.srcjar")},
	{"C++ Protocol Buffers", func(s *models.Symbol) bool {
		return strings.Contains(s.ObjectPath, "/protobuf/") ||
			strings.HasSuffix(s.ObjectPath, ".pbzero.o") ||
			strings.HasSuffix(s.ObjectPath, ".pb.o")
	}},
	{"Mojo", func(s *models.Symbol) bool {
		return strings.HasPrefix(s.FullName, "mojo::") || mojoRe.MatchString(s.SourcePath)
	}},
	{"DevTools", sourceMatches(`\b(?:protocol|devtools)\b`)},
	{"Blink (bindings)", pathMatches(`(?:blink|WebKit)/.*bindings`)},
	{"Blink (other)", objectContains("WebKit", "blink/")},
	{"V8 Builtins", func(s *models.Symbol) bool { return strings.HasSuffix(s.SourcePath, "embedded.S") }},
	{"prepopulated_engines.cc", objectContains("prepopulated_engines")},
	{"Metrics-related code", objectContains("/metrics/")},
	{"gpu_driver_bug_list_autogen.cc", objectContains("gpu_driver_bug_list")},
	{"components/policy", objectContains("components/policy")},
}

var registerJNIRe = regexp.MustCompile(`Register.*JNIEnv\*\)|RegisteredMethods$`)

// CategorizeGenerated groups symbols from generated sources by the kind
// of generator that produced them.
func CategorizeGenerated(g *models.SymbolGroup) *models.SymbolGroup {
	var gr grouper
	syms := g.Filter(func(s *models.Symbol) bool {
		return s.SectionName != models.SectionOther && !strings.HasSuffix(s.SourcePath, ".class")
	})
	// JNI registration is generated into headers, so these are not marked
	// as generated.
	syms = gr.add("RegisterJNI", syms.WhereFullNameMatches(registerJNIRe))
	syms = gr.add("gl_bindings_autogen", syms.Filter(pathMatches(`gl_bindings_autogen`)))

	syms = gr.apply(syms.WhereIsGenerated(), generatedRules)
	return gr.finalize("Generated", syms)
}

// Query is a named canned query.
type Query struct {
	Name string
	Desc string
	Run  func(*models.SymbolGroup) *models.SymbolGroup
}

// Queries lists the canned queries available by name.
var Queries = []Query{
	{"top", "all symbols, largest first", func(g *models.SymbolGroup) *models.SymbolGroup { return g.Sorted() }},
	{"static_initializers", "static initializer functions", StaticInitializers},
	{"templates", "template instantiations grouped by name", func(g *models.SymbolGroup) *models.SymbolGroup { return TemplatesByName(g, 0) }},
	{"large_files", "source files accounting for at least 50 KiB", func(g *models.SymbolGroup) *models.SymbolGroup { return LargeFiles(g, DefaultLargeFileSize) }},
	{"generated", "symbols from generated sources by generator", CategorizeGenerated},
	{"components", "symbols grouped by component", ComponentSizes},
	{"chrome_components", "symbols grouped by area of the Chrome code base", CategorizeByChromeComponent},
}

// LookupQuery returns the canned query called name.
func LookupQuery(name string) (Query, error) {
	for _, q := range Queries {
		if q.Name == name {
			return q, nil
		}
	}
	return Query{}, fmt.Errorf("%w: %q", ErrUnknownQuery, name)
}

// ErrUnknownQuery is returned by LookupQuery for names not in Queries.
var ErrUnknownQuery = errors.New("unknown query")

// ParseSections converts a section filter to section names. The filter is
// either one-letter section codes ("tr" for .text and .rodata) or a
// comma separated list of section names.
func ParseSections(filter string) ([]string, error) {
	if filter == "" {
		return nil, nil
	}
	if strings.Contains(filter, ".") {
		return strings.Split(filter, ","), nil
	}
	var ret []string
	for _, c := range []byte(strings.ReplaceAll(filter, ",", "")) {
		name, ok := models.SectionNamesByLetter[c]
		if !ok {
			return nil, fmt.Errorf("unknown section code %q in %q", c, filter)
		}
		ret = append(ret, name)
	}
	return ret, nil
}
