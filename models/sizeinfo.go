// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package models

import (
	"errors"
	"fmt"
	"sort"

	"github.com/charmbracelet/log"

	"go.chromium.org/infra/tools/supersize/metadata"
)

// ErrIdentityCollision is returned when two symbols share the same
// (section, address, full name, object path).
var ErrIdentityCollision = errors.New("identity collision")

// SectionRange is the address and size of a section.
type SectionRange struct {
	Address uint64 `json:"address"`
	Size    int64  `json:"size"`
}

// End returns the address just after the section.
func (r SectionRange) End() uint64 { return r.Address + uint64(r.Size) }

// ExtendSectionRange adds size to the named section. A section seen for
// the first time starts at address; otherwise the lower address is kept.
func ExtendSectionRange(ranges map[string]SectionRange, name string, address uint64, size int64) {
	r, ok := ranges[name]
	if !ok {
		ranges[name] = SectionRange{Address: address, Size: size}
		return
	}
	r.Size += size
	if address != 0 && (r.Address == 0 || address < r.Address) {
		r.Address = address
	}
	ranges[name] = r
}

// BuildConfig describes the build that produced a size info.
type BuildConfig struct {
	GitRevision  string   `json:"git_revision,omitempty"`
	GNArgs       []string `json:"gn_args,omitempty"`
	OutDirectory string   `json:"out_directory,omitempty"`
	Title        string   `json:"title,omitempty"`
	URL          string   `json:"url,omitempty"`
}

// SizeInfo is the result of analyzing one build artifact.
// It must not be modified after construction.
type SizeInfo struct {
	Metadata     metadata.Metadata
	BuildConfig  BuildConfig
	SectionSizes map[string]SectionRange
	Symbols      *SymbolGroup
}

// SizeInfoOptions controls NewSizeInfo.
type SizeInfoOptions struct {
	// Strict makes identity collisions an error.
	Strict bool
	// Issues, if set, counts identity collisions in non-strict mode.
	Issues *metadata.Issues
}

// NewSizeInfo checks symbol identities and returns a SizeInfo.
//
// In strict mode, two symbols with the same identity are an error.
// Otherwise a warning is logged and the later symbol replaces the earlier
// one at the earlier one's position.
func NewSizeInfo(md metadata.Metadata, bc BuildConfig, sections map[string]SectionRange, syms []*Symbol, opts SizeInfoOptions) (*SizeInfo, error) {
	index := make(map[Key]int, len(syms))
	out := make([]*Symbol, 0, len(syms))
	for _, s := range syms {
		k := s.Key()
		i, ok := index[k]
		if !ok {
			index[k] = len(out)
			out = append(out, s)
			continue
		}
		if opts.Strict {
			return nil, fmt.Errorf("%w: %s and %s", ErrIdentityCollision, out[i], s)
		}
		log.Warnf("identity collision, keeping last: %s", s)
		if opts.Issues != nil {
			opts.Issues.Add("identity_collision", 1)
		}
		dropAlias(out[i])
		out[i] = s
	}
	if sections == nil {
		sections = make(map[string]SectionRange)
	}
	return &SizeInfo{
		Metadata:     md,
		BuildConfig:  bc,
		SectionSizes: sections,
		Symbols:      NewSymbolGroup(out),
	}, nil
}

func dropAlias(s *Symbol) {
	if s.Aliases == nil {
		return
	}
	g := s.Aliases
	s.Aliases = nil
	for i, a := range g.Symbols {
		if a == s {
			g.Symbols = append(g.Symbols[:i:i], g.Symbols[i+1:]...)
			break
		}
	}
	if len(g.Symbols) == 1 {
		g.Symbols[0].Aliases = nil
	}
}

// SortedSectionNames returns section names ordered by address, then name.
func (si *SizeInfo) SortedSectionNames() []string {
	names := make([]string, 0, len(si.SectionSizes))
	for name := range si.SectionSizes {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := si.SectionSizes[names[i]], si.SectionSizes[names[j]]
		if a.Address != b.Address {
			return a.Address < b.Address
		}
		return names[i] < names[j]
	})
	return names
}

// CalculatePadding sets Padding for symbols based on the gap from the
// previous symbol in the same section, and grows Size accordingly.
// syms must be ordered by section, then address.
func CalculatePadding(syms []*Symbol) error {
	seen := make(map[string]bool)
	for i := 1; i < len(syms); i++ {
		s, prev := syms[i], syms[i-1]
		if s.IsOverhead() {
			s.Padding = s.Size
		}
		if prev.SectionName != s.SectionName {
			if seen[s.SectionName] {
				return fmt.Errorf("symbols must be sorted by section then address: found %s again at %s", s.SectionName, s)
			}
			seen[prev.SectionName] = true
			continue
		}
		if s.Address == 0 || prev.Address == 0 {
			continue
		}
		if s.Address == prev.Address {
			if s.Aliases != nil && s.Aliases == prev.Aliases {
				s.Padding = prev.Padding
				s.Size = prev.Size
				continue
			}
			if prev.SizeWithoutPadding() != 0 {
				log.Warnf("found overlapping symbols:\n%s\n%s", prev, s)
				continue
			}
		}
		if s.Address < prev.EndAddress() {
			// Overlapping symbols are kept as they are.
			continue
		}
		padding := int64(s.Address - prev.EndAddress())
		s.Padding += padding
		s.Size += padding
	}
	return nil
}
