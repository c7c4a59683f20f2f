// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package linkermap

import (
	"github.com/charmbracelet/log"

	"go.chromium.org/infra/tools/supersize/models"
)

// ThinMapStats counts pathless symbols by the number of object paths
// found for their ThinLTO cache file.
type ThinMapStats struct {
	NoMatch   int
	Assigned  int
	Ambiguous int
}

// DeduceObjectPathsFromThinMap assigns object paths to pathless symbols
// (e.g. ".L.ref.tmp") whose ThinLTO cache file maps to a single object
// path among the other symbols.
func DeduceObjectPathsFromThinMap(syms []*models.Symbol, thinMap map[uint64]string) ThinMapStats {
	var st ThinMapStats
	if len(thinMap) == 0 {
		log.Info("no thin-object-path found: skipping object path deduction")
		return st
	}
	objectPaths := make(map[string]map[string]bool)
	for _, s := range syms {
		if s.ObjectPath == "" {
			continue
		}
		thinObj, ok := thinMap[s.Address]
		if !ok {
			continue
		}
		m := objectPaths[thinObj]
		if m == nil {
			m = make(map[string]bool)
			objectPaths[thinObj] = m
		}
		m[s.ObjectPath] = true
	}

	var pss [3]float64
	for _, s := range syms {
		if s.ObjectPath != "" {
			continue
		}
		thinObj, ok := thinMap[s.Address]
		if !ok {
			continue
		}
		paths := objectPaths[thinObj]
		switch len(paths) {
		case 0:
			st.NoMatch++
			pss[0] += s.PSS()
		case 1:
			for p := range paths {
				s.ObjectPath = p
			}
			st.Assigned++
			pss[1] += s.PSS()
		default:
			// Path aliases would not necessarily be right: another symbol
			// of the same object file may be the one that is aliased.
			st.Ambiguous++
			pss[2] += s.PSS()
		}
	}
	log.Infof("object path deduction for pathless symbols:")
	log.Infof("  no match: %d symbols with total PSS = %.0f", st.NoMatch, pss[0])
	log.Infof("  assigned (1 object path): %d symbols with total PSS = %.0f", st.Assigned, pss[1])
	log.Infof("  ambiguous (2+ object paths): %d symbols with total PSS = %.0f", st.Ambiguous, pss[2])
	return st
}
