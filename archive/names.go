// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package archive

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"go.chromium.org/infra/tools/supersize/funcsig"
	"go.chromium.org/infra/tools/supersize/models"
)

const anonymousNamespace = "(anonymous namespace)::"

// NormalizeNames derives TemplateName and Name from FullName for all
// syms, rewriting FullName into a display form:
//   - "[clone ...]" and C clone ".123" suffixes are removed (FlagClone);
//   - "vtable for X" becomes "X [vtable]", "virtual thunk to X" becomes
//     "X [virtual thunk]";
//   - return types are removed;
//   - "(anonymous namespace)::" is removed (FlagAnonymous).
func NormalizeNames(syms []*models.Symbol) {
	prefixes := make(map[string]bool)
	for _, s := range syms {
		normalizeName(s, prefixes)
	}
	if len(prefixes) > 0 {
		found := make([]string, 0, len(prefixes))
		for p := range prefixes {
			found = append(found, p)
		}
		sort.Strings(found)
		log.Debugf("found name prefixes of: %q", found)
	}
}

func normalizeName(s *models.Symbol, prefixes map[string]bool) {
	full := s.FullName
	switch {
	case strings.HasPrefix(full, "**") || s.IsOverhead() || s.SectionName == models.SectionOther,
		s.IsStringLiteral(),
		!models.IsNativeSection(s.SectionName):
		s.TemplateName = full
		s.Name = full
		return
	case s.IsSwitchTable():
		fn, _ := models.SwitchTableFunction(full)
		_, tmpl, name := funcsig.Parse(fn)
		s.TemplateName = models.SwitchTableName(strings.ReplaceAll(tmpl, anonymousNamespace, ""))
		s.Name = models.SwitchTableName(strings.ReplaceAll(name, anonymousNamespace, ""))
		return
	}

	// Multiple [clone]s can exist, e.g. "[clone .part.322] [clone .11064]".
	if i := strings.Index(full, " [clone "); i >= 0 {
		full = full[:i]
		s.Flags |= models.FlagClone
	}
	// Clones of C symbols: "foo.123", "foo.part.123".
	if s.SectionLetter() == 't' {
		if i := strings.LastIndexByte(full, '.'); i >= 0 && isDigits(full[i+1:]) {
			// Generated symbols that end with .123 but are not clones.
			if n := full[:i]; n != "__tcf_0" && n != "startup" {
				full = n
				s.Flags |= models.FlagClone
				if j := strings.LastIndexByte(full, '.'); j >= 0 {
					full = full[:j]
				}
			}
		}
	}
	full = moveQualifier(full, " for ", prefixes)
	full = moveQualifier(full, " to ", prefixes)

	full, tmpl, name := funcsig.Parse(full)
	s.FullName = strings.ReplaceAll(full, anonymousNamespace, "")
	s.TemplateName = strings.ReplaceAll(tmpl, anonymousNamespace, "")
	s.Name = strings.ReplaceAll(name, anonymousNamespace, "")
	if s.Name != name {
		s.Flags |= models.FlagAnonymous
	}
}

// moveQualifier turns "vtable for X" into "X [vtable]" when sep appears
// within the first 30 bytes.
func moveQualifier(name, sep string, prefixes map[string]bool) string {
	head := name
	if len(head) > 30 {
		head = head[:30]
	}
	i := strings.Index(head, sep)
	if i < 0 {
		return name
	}
	prefixes[name[:i+len(sep)-1]] = true
	return fmt.Sprintf("%s [%s]", name[i+len(sep):], name[:i])
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
