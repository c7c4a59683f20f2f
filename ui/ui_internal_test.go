// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ui

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestElideMiddle(t *testing.T) {
	for _, tc := range []struct {
		msg   string
		width int
		want  string
	}{
		{"short", 20, "short"},
		{"0123456789abcdefghij", 11, "012...hij"},
		{"\033[1m0123456789abcdefghij\033[0m", 11, "012...hij"},
		{"\033[1mshort\033[0m", 20, "\033[1mshort\033[0m"},
		{"0123456789", 3, "0123456789"},
	} {
		if got := elideMiddle(tc.msg, tc.width); got != tc.want {
			t.Errorf("elideMiddle(%q, %d)=%q; want %q", tc.msg, tc.width, got, tc.want)
		}
	}
}

func TestTermSpinner(t *testing.T) {
	var buf bytes.Buffer
	u := &TermUI{w: &buf, width: func() int { return 0 }}
	s := &termSpinner{ui: u, tick: time.Hour}
	s.Start("loading %s", "a.size")
	s.Stop(nil)
	got := buf.String()
	if !strings.HasPrefix(got, "\r\033[K") || !strings.HasSuffix(got, "loading a.size\n") {
		t.Errorf("spinner output=%q; want redraws ending with %q", got, "loading a.size\n")
	}

	buf.Reset()
	s = &termSpinner{ui: u, tick: time.Hour}
	s.Start("diffing")
	s.Stop(errors.New("boom"))
	if got := buf.String(); !strings.HasSuffix(got, "diffing\n") {
		t.Errorf("spinner output=%q; want suffix %q", got, "diffing\n")
	}

	buf.Reset()
	s = &termSpinner{ui: u, tick: time.Hour}
	s.Start("saving")
	s.Done("saved %d symbols", 3)
	if got := buf.String(); !strings.HasSuffix(got, "saved 3 symbols\n") {
		t.Errorf("spinner output=%q; want suffix %q", got, "saved 3 symbols\n")
	}
}
