// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package demangle converts mangled C++ symbol names into readable ones.
package demangle

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/log"
	godemangle "github.com/ianlancetaylor/demangle"
	"go.chromium.org/luci/common/data/stringset"

	"go.chromium.org/infra/tools/supersize/models"
)

// ErrUnavailable is returned when the demangler tool cannot be run.
var ErrUnavailable = errors.New("demangler unavailable")

const switchTablePrefix = ".Lswitch.table."

var (
	// ThinLTO/CFI discriminator, e.g. "$4b6e3eac5a8ba5bb4e9f10fd4f36b88b.cfi".
	hashSuffixRe = regexp.MustCompile(`\$[0-9a-f]{32}(\.cfi)?$`)

	promotedDemangledRe = regexp.MustCompile(` \((\.\d+)?\.llvm\.\d+\)$`)
	promotedRawRe       = regexp.MustCompile(`(\.\d+)?\.llvm\.\d+$`)
)

// Demangler demangles a batch of names.
// The result has the same length as names; names that cannot be
// demangled are returned unchanged.
type Demangler interface {
	Demangle(ctx context.Context, names []string) ([]string, error)
}

// Identity is a Demangler that returns names unchanged.
type Identity struct{}

// Demangle returns a copy of names.
func (Identity) Demangle(ctx context.Context, names []string) ([]string, error) {
	return slices.Clone(names), nil
}

// InProcess demangles with github.com/ianlancetaylor/demangle.
type InProcess struct {
	Options []godemangle.Option
}

// Demangle demangles names in process.
func (d InProcess) Demangle(ctx context.Context, names []string) ([]string, error) {
	ret := make([]string, len(names))
	for i, name := range names {
		ret[i] = godemangle.Filter(name, d.Options...)
	}
	return ret, nil
}

// CanDemangle reports whether name is a mangled C++ name or a switch
// table for one.
func CanDemangle(name string) bool {
	return strings.HasPrefix(name, "_Z") || strings.HasPrefix(name, switchTablePrefix+"_Z")
}

// StripLlvmPromotedGlobalNames removes LLVM promotion suffixes, in
// demangled ("foo() (.llvm.1234)") or raw ("foo.1.llvm.1234") form.
func StripLlvmPromotedGlobalNames(name string) string {
	if strings.HasSuffix(name, ")") {
		return promotedDemangledRe.ReplaceAllString(name, "")
	}
	return promotedRawRe.ReplaceAllString(name, "")
}

// demanglablePart returns the part of name passed to the tool.
func demanglablePart(name string) string {
	name = hashSuffixRe.ReplaceAllString(name, "")
	if strings.HasPrefix(name, switchTablePrefix) {
		name = strings.TrimSuffix(name[len(switchTablePrefix):], ".cfi")
	}
	return promotedRawRe.ReplaceAllString(name, "")
}

func postProcess(orig, demangled string) string {
	demangled = StripLlvmPromotedGlobalNames(demangled)
	if strings.HasPrefix(orig, switchTablePrefix) {
		return models.SwitchTableName(demangled)
	}
	return demangled
}

// Stats counts demangling outcomes.
type Stats struct {
	// Calls is the number of batches sent to the demangler.
	Calls atomic.Int64
	// Names is the number of names sent to the demangler.
	Names atomic.Int64
	// Failures is the number of names returned unchanged.
	Failures atomic.Int64
}

// Batcher collects demanglable names and sends them to a Demangler in a
// single call.
type Batcher struct {
	d     Demangler
	Stats Stats
}

// NewBatcher returns a Batcher using d. A nil d demangles nothing.
func NewBatcher(d Demangler) *Batcher {
	if d == nil {
		d = Identity{}
	}
	return &Batcher{d: d}
}

// DemangleList returns names with every demanglable name demangled.
//
// If the demangler is unavailable, names are returned unchanged and a
// warning is logged.
func (b *Batcher) DemangleList(ctx context.Context, names []string) ([]string, error) {
	ret := slices.Clone(names)
	var idx []int
	var parts []string
	for i, name := range names {
		if !CanDemangle(name) {
			continue
		}
		idx = append(idx, i)
		parts = append(parts, demanglablePart(name))
	}
	if len(parts) == 0 {
		return ret, nil
	}
	b.Stats.Calls.Add(1)
	b.Stats.Names.Add(int64(len(parts)))
	out, err := b.d.Demangle(ctx, parts)
	if errors.Is(err, ErrUnavailable) {
		log.Warnf("%v; names left mangled", err)
		return ret, nil
	}
	if err != nil {
		return nil, err
	}
	if len(out) != len(parts) {
		return nil, errors.New("demangler returned wrong number of names")
	}
	for j, i := range idx {
		if out[j] == parts[j] {
			b.Stats.Failures.Add(1)
		}
		ret[i] = postProcess(names[i], out[j])
	}
	return ret, nil
}

// DemangleSetValues demangles the values of m in place. Values of a set
// that demangle to the same name are merged.
func (b *Batcher) DemangleSetValues(ctx context.Context, m map[string]stringset.Set) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var names []string
	for _, k := range keys {
		names = append(names, m[k].ToSortedSlice()...)
	}
	demangled, err := b.DemangleList(ctx, names)
	if err != nil {
		return err
	}
	i := 0
	for _, k := range keys {
		n := m[k].Len()
		m[k] = stringset.NewFromSlice(demangled[i : i+n]...)
		i += n
	}
	return nil
}

// DemangleListKeys demangles the keys of m. Value lists of keys that
// demangle to the same name are concatenated.
func (b *Batcher) DemangleListKeys(ctx context.Context, m map[string][]string) (map[string][]string, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	demangled, err := b.DemangleList(ctx, keys)
	if err != nil {
		return nil, err
	}
	ret := make(map[string][]string, len(m))
	for i, k := range keys {
		ret[demangled[i]] = append(ret[demangled[i]], m[k]...)
	}
	return ret, nil
}

// DemangleSymbols demangles FullName of syms in place.
func (b *Batcher) DemangleSymbols(ctx context.Context, syms []*models.Symbol) error {
	names := make([]string, len(syms))
	for i, s := range syms {
		names[i] = s.FullName
	}
	demangled, err := b.DemangleList(ctx, names)
	if err != nil {
		return err
	}
	for i, s := range syms {
		s.FullName = demangled[i]
	}
	return nil
}
