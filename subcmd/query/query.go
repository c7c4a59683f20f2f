// Copyright 2024 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package query is query subcommand to run canned queries on .size files.
package query

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/maruel/subcommands"
	"github.com/spf13/afero"
	"go.chromium.org/luci/common/cli"

	"go.chromium.org/infra/tools/supersize/canned"
	"go.chromium.org/infra/tools/supersize/fileformat"
	"go.chromium.org/infra/tools/supersize/models"
	"go.chromium.org/infra/tools/supersize/ui"
)

func Cmd() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "query <query> [-n <N>] [-section <filter>] <file.size>",
		ShortDesc: "run a canned query on a .size file",
		LongDesc:  "Run a canned query on a .size file.",
		CommandRun: func() subcommands.CommandRun {
			cmds := make([]*subcommands.Command, 0, len(canned.Queries)+1)
			for _, q := range canned.Queries {
				cmds = append(cmds, cmdQuery(q))
			}
			cmds = append(cmds, subcommands.CmdHelp)
			c := &run{
				app: &subcommands.DefaultApplication{
					Name:     "supersize query",
					Title:    "canned queries on .size files",
					Commands: cmds,
				},
			}
			c.Flags.Usage = func() {
				subcommands.Usage(os.Stderr, c.app, true)
			}
			return c
		},
	}
}

type run struct {
	subcommands.CommandRunBase
	app *subcommands.DefaultApplication
}

func (c *run) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	return subcommands.Run(c.app, args)
}

func cmdQuery(q canned.Query) *subcommands.Command {
	return &subcommands.Command{
		UsageLine: q.Name + " [-n <N>] [-section <filter>] <file.size>",
		ShortDesc: q.Desc,
		LongDesc:  fmt.Sprintf("Show %s.", q.Desc),
		CommandRun: func() subcommands.CommandRun {
			r := &queryRun{query: q}
			r.Flags.IntVar(&r.topN, "n", 50, "number of symbols or groups to show. -1 shows all")
			r.Flags.StringVar(&r.sections, "section", "", `sections to include: letters ("tr") or names (".text,.rodata")`)
			return r
		},
	}
}

type queryRun struct {
	subcommands.CommandRunBase
	query    canned.Query
	topN     int
	sections string
}

func (c *queryRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, c, env)
	err := c.run(ctx, afero.NewOsFs(), a.GetOut(), args)
	if errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(a.GetErr(), "%v\n", err)
		c.Flags.PrintDefaults()
		return 2
	}
	if err != nil {
		fmt.Fprintf(a.GetErr(), "Error: %v\n", err)
		return 1
	}
	return 0
}

func (c *queryRun) run(ctx context.Context, fsys afero.Fs, w io.Writer, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("want one .size file, got %d: %w", len(args), flag.ErrHelp)
	}
	sections, err := canned.ParseSections(c.sections)
	if err != nil {
		return fmt.Errorf("%v: %w", err, flag.ErrHelp)
	}
	var si *models.SizeInfo
	err = ui.Run(fmt.Sprintf("loading %s", args[0]), func() error {
		var err error
		si, err = fileformat.LoadFile(ctx, fsys, args[0])
		return err
	})
	if err != nil {
		return err
	}
	syms := si.Symbols
	if len(sections) > 0 {
		syms = syms.WhereInSection(sections...)
	}
	return canned.DescribeResult(w, c.query.Run(syms), c.topN)
}
