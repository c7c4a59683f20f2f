// Copyright 2023 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Supersize analyzes the size of native binaries from their linker maps.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/maruel/subcommands"
	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/system/signals"

	"go.chromium.org/infra/tools/supersize/demangle"
	"go.chromium.org/infra/tools/supersize/subcmd/archive"
	"go.chromium.org/infra/tools/supersize/subcmd/console"
	"go.chromium.org/infra/tools/supersize/subcmd/diff"
	"go.chromium.org/infra/tools/supersize/subcmd/help"
	"go.chromium.org/infra/tools/supersize/subcmd/query"
	"go.chromium.org/infra/tools/supersize/subcmd/version"
	"go.chromium.org/infra/tools/supersize/ui"
)

const supersizeVersion = "v1.1.0"

func getApplication(ctx context.Context, globalFlags *flag.FlagSet) *cli.Application {
	return &cli.Application{
		Name:  "supersize",
		Title: "binary size analysis tool",
		Context: func(context.Context) context.Context {
			return ctx
		},
		EnvVars: map[string]subcommands.EnvVarDefinition{
			demangle.CxxFiltEnv: {
				ShortDesc: "path of the c++filt compatible demangler used by archive -demangler=cxxfilt",
			},
		},
		Commands: []*subcommands.Command{
			archive.Cmd(supersizeVersion),
			console.Cmd(),
			diff.Cmd(),
			diff.SaveCmd(),
			query.Cmd(),

			help.Cmd(globalFlags),
			version.Cmd(supersizeVersion),
		},
	}
}

func main() {
	os.Exit(supersizeMain(os.Args[1:]))
}

func supersizeMain(args []string) int {
	fs := flag.NewFlagSet("supersize", flag.ContinueOnError)
	var logLevel string
	fs.StringVar(&logLevel, "log_level", "info", `log level: "debug", "info", "warn", "error" or "fatal"`)
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(out, "global flags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: bad -log_level: %v\n", err)
		fs.Usage()
		return 2
	}
	log.SetOutput(os.Stderr)
	log.SetLevel(level)

	ui.Init()
	defer ui.Restore()

	ctx, cancel := context.WithCancel(context.Background())
	defer signals.HandleInterrupt(cancel)()

	// Print a stack trace when a panic occurs.
	defer func() {
		if r := recover(); r != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			log.Fatalf("panic: %v\n%s", r, buf)
		}
	}()

	logBuildInfo()
	return subcommands.Run(getApplication(ctx, fs), fs.Args())
}

func logBuildInfo() {
	buildinfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	log.Debugf("main module: %s %s", moduleInfo(&buildinfo.Main), vcsInfo(buildinfo))
	for _, m := range buildinfo.Deps {
		log.Debugf("deps module: %s", moduleInfo(m))
	}
}

func moduleInfo(m *debug.Module) string {
	if m == nil {
		return "<nil>"
	}
	return fmt.Sprintf("path:%s version:%s sum:%s replace:%s", m.Path, m.Version, m.Sum, moduleInfo(m.Replace))
}

func vcsInfo(buildinfo *debug.BuildInfo) string {
	m := make(map[string]string)
	for _, bs := range buildinfo.Settings {
		if strings.HasPrefix(bs.Key, "vcs.") {
			m[bs.Key] = bs.Value
		}
	}
	return fmt.Sprintf("vcs[revision=%s time=%s modified=%s]", m["vcs.revision"], m["vcs.time"], m["vcs.modified"])
}
