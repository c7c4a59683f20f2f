// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package diff provides diff and save_diff subcommands.
package diff

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/maruel/subcommands"
	"github.com/spf13/afero"
	"go.chromium.org/luci/common/cli"
	"golang.org/x/sync/errgroup"

	"go.chromium.org/infra/tools/supersize/canned"
	"go.chromium.org/infra/tools/supersize/fileformat"
	"go.chromium.org/infra/tools/supersize/models"
	"go.chromium.org/infra/tools/supersize/ui"
)

const diffUsage = `show the difference between two .size files.

 $ supersize diff -n 20 before.size after.size
`

const saveUsage = `write the difference between two .size files as a .sizediff file.

 $ supersize save_diff -o chrome.sizediff before.size after.size
`

// Cmd returns the Command for the `diff` subcommand provided by this package.
func Cmd() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "diff [-n <N>] [-section <filter>] <before.size> <after.size>",
		ShortDesc: "show the difference between two .size files",
		LongDesc:  diffUsage,
		CommandRun: func() subcommands.CommandRun {
			r := &diffRun{}
			r.Flags.IntVar(&r.topN, "n", 50, "number of changed symbols to show. -1 shows all")
			r.Flags.StringVar(&r.sections, "section", "", `sections to include: letters ("tr") or names (".text,.rodata")`)
			r.Flags.BoolVar(&r.allSections, "all_sections", false, "list every section in the section table")
			return r
		},
	}
}

// SaveCmd returns the Command for the `save_diff` subcommand provided by this package.
func SaveCmd() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "save_diff -o <out.sizediff> <before.size> <after.size>",
		ShortDesc: "write a .sizediff file",
		LongDesc:  saveUsage,
		CommandRun: func() subcommands.CommandRun {
			r := &saveRun{}
			r.Flags.StringVar(&r.output, "o", "", "path of the .sizediff file to write")
			return r
		},
	}
}

type diffRun struct {
	subcommands.CommandRunBase
	topN        int
	sections    string
	allSections bool
}

type saveRun struct {
	subcommands.CommandRunBase
	output string
}

func exitCode(a subcommands.Application, flags *flag.FlagSet, usage string, err error) int {
	if errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(a.GetErr(), "%v\n%s\n", err, usage)
		flags.PrintDefaults()
		return 2
	}
	if err != nil {
		fmt.Fprintf(a.GetErr(), "Error: %v\n", err)
		return 1
	}
	return 0
}

func (c *diffRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, c, env)
	return exitCode(a, &c.Flags, diffUsage, c.run(ctx, a.GetOut(), args))
}

func (c *saveRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, c, env)
	return exitCode(a, &c.Flags, saveUsage, c.run(ctx, args))
}

// load reads the before and after .size files concurrently and diffs them.
func load(ctx context.Context, fsys afero.Fs, args []string) (*models.DeltaSizeInfo, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("want two .size files, got %d: %w", len(args), flag.ErrHelp)
	}
	var before, after *models.SizeInfo
	err := ui.Run(fmt.Sprintf("loading %s and %s", args[0], args[1]), func() error {
		eg, ctx := errgroup.WithContext(ctx)
		eg.Go(func() error {
			var err error
			before, err = fileformat.LoadFile(ctx, fsys, args[0])
			return err
		})
		eg.Go(func() error {
			var err error
			after, err = fileformat.LoadFile(ctx, fsys, args[1])
			return err
		})
		return eg.Wait()
	})
	if err != nil {
		return nil, err
	}
	var d *models.DeltaSizeInfo
	err = ui.Run("diffing", func() error {
		d = models.Diff(before, after)
		return nil
	})
	return d, err
}

func (c *diffRun) run(ctx context.Context, w io.Writer, args []string) error {
	sections, err := canned.ParseSections(c.sections)
	if err != nil {
		return fmt.Errorf("%v: %w", err, flag.ErrHelp)
	}
	d, err := load(ctx, afero.NewOsFs(), args)
	if err != nil {
		return err
	}
	if len(sections) > 0 {
		d.Symbols = d.Symbols.WhereInSection(sections...)
	}
	return canned.DescribeDelta(w, d, canned.Options{TopN: c.topN, AllSections: c.allSections})
}

func (c *saveRun) run(ctx context.Context, args []string) error {
	if c.output == "" {
		return fmt.Errorf("-o is required: %w", flag.ErrHelp)
	}
	fsys := afero.NewOsFs()
	d, err := load(ctx, fsys, args)
	if err != nil {
		return err
	}
	err = ui.Run(fmt.Sprintf("saving %s", c.output), func() error {
		return fileformat.SaveDeltaFile(ctx, fsys, c.output, d)
	})
	if err != nil {
		return err
	}
	for _, line := range canned.DeltaSummary(d) {
		log.Info(line)
	}
	return nil
}
