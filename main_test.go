// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"testing"
)

func TestSupersizeMainExitCodes(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
		want int
	}{
		{"version", []string{"version"}, 0},
		{"help", []string{"help"}, 0},
		{"bad log level", []string{"-log_level", "loud", "version"}, 2},
		{"unknown command", []string{"nosuchcmd"}, 2},
		{"archive without output", []string{"archive", "-map_file", "x.map"}, 2},
		{"console without file", []string{"console"}, 2},
		{"console missing file", []string{"console", "does/not/exist.size"}, 1},
		{"diff with one file", []string{"diff", "a.size"}, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := supersizeMain(tc.args); got != tc.want {
				t.Errorf("supersizeMain(%q)=%d; want %d", tc.args, got, tc.want)
			}
		})
	}
}

func TestCommandNames(t *testing.T) {
	app := getApplication(context.Background(), flag.NewFlagSet("supersize", flag.ContinueOnError))
	got := map[string]bool{}
	for _, c := range app.GetCommands() {
		got[c.Name()] = true
	}
	for _, name := range []string{"archive", "console", "diff", "save_diff", "query", "help", "version"} {
		if !got[name] {
			t.Errorf("command %q not registered", name)
		}
	}
}
