// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package metadata provides a data structure to hold size file metadata.
package metadata

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Well-known keys.
const (
	MapFileName  = "map_file_name" // Path relative to output directory.
	ElfFileName  = "elf_file_name" // Path relative to output directory.
	ElfSize      = "elf_size"      // File size of the elf in bytes.
	ElfArch      = "elf_arch"      // "arm", "arm64", "x86" or "x64".
	LinkerName   = "linker_name"   // e.g. "lld-lto_v1".
	ElfAlgorithm = "elf_algorithm" // always "linker_map".
	ToolVersion  = "tool_version"  // version of the tool that wrote the file.
	ElfMtime     = "elf_mtime"     // int timestamp in utc.

	issuePrefix = "issues."
)

// Metadata contains structured metadata for a size info.
// It can hold arbitrary key-value pairs, but some keys are well-known (see
// constants above). Keys with the "issues." prefix are reserved for Issues.
type Metadata struct {
	entries map[string]string
}

// New returns an initialized Metadata struct.
func New() Metadata {
	return Metadata{
		entries: make(map[string]string),
	}
}

// Keys returns a list of all available keys in the metadata.
func (md Metadata) Keys() []string {
	keys := make([]string, 0, len(md.entries))
	for k := range md.entries {
		keys = append(keys, k)
	}
	return keys
}

// SortedKeys returns a sorted list of all available keys in the metadata.
func (md Metadata) SortedKeys() []string {
	keys := md.Keys()
	sort.Strings(keys)
	return keys
}

// Set sets a key-value pair in the metadata.
func (md Metadata) Set(key, value string) error {
	if strings.HasPrefix(key, issuePrefix) {
		return fmt.Errorf("cannot set reserved key %q in metadata", key)
	}
	md.entries[key] = value
	return nil
}

// SetInt sets a key to a decimal integer value.
func (md Metadata) SetInt(key string, value int64) error {
	return md.Set(key, strconv.FormatInt(value, 10))
}

// Get returns the value for the given key. If the key is not set, it returns
// the empty string.
func (md Metadata) Get(key string) string {
	return md.entries[key]
}

// Size returns the number of key-value pairs in the metadata.
func (md Metadata) Size() int {
	return len(md.entries)
}

// Clone returns a deep copy of md.
func (md Metadata) Clone() Metadata {
	c := New()
	for k, v := range md.entries {
		c.entries[k] = v
	}
	return c
}

// Equal reports whether md and other hold the same entries.
func (md Metadata) Equal(other Metadata) bool {
	if len(md.entries) != len(other.entries) {
		return false
	}
	for k, v := range md.entries {
		ov, ok := other.entries[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// MarshalJSON encodes metadata as a JSON object.
func (md Metadata) MarshalJSON() ([]byte, error) {
	if md.entries == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(md.entries)
}

// UnmarshalJSON decodes a JSON object of strings.
func (md *Metadata) UnmarshalJSON(buf []byte) error {
	entries := make(map[string]string)
	err := json.Unmarshal(buf, &entries)
	if err != nil {
		return err
	}
	md.entries = entries
	return nil
}

// Issues counts recoverable problems found while building a size info,
// keyed by kind (e.g. "malformed_archive").
type Issues struct {
	counts map[string]int
}

// Add increments the counter for kind by n.
func (is *Issues) Add(kind string, n int) {
	if n == 0 {
		return
	}
	if is.counts == nil {
		is.counts = make(map[string]int)
	}
	is.counts[kind] += n
}

// Count returns the counter for kind.
func (is *Issues) Count(kind string) int {
	return is.counts[kind]
}

// Total returns the sum of all counters.
func (is *Issues) Total() int {
	var n int
	for _, c := range is.counts {
		n += c
	}
	return n
}

// Record writes counters into md as "issues.<kind>" keys.
func (is *Issues) Record(md Metadata) {
	for k, c := range is.counts {
		md.entries[issuePrefix+k] = strconv.Itoa(c)
	}
}

// IssueCounts returns the "issues.<kind>" counters stored in md.
func (md Metadata) IssueCounts() map[string]int {
	m := make(map[string]int)
	for k, v := range md.entries {
		if !strings.HasPrefix(k, issuePrefix) {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		m[strings.TrimPrefix(k, issuePrefix)] = n
	}
	return m
}
