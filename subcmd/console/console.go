// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package console provides console subcommand.
package console

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/maruel/subcommands"
	"github.com/spf13/afero"
	"go.chromium.org/luci/common/cli"

	"go.chromium.org/infra/tools/supersize/canned"
	"go.chromium.org/infra/tools/supersize/fileformat"
	"go.chromium.org/infra/tools/supersize/models"
	"go.chromium.org/infra/tools/supersize/ui"
)

const usage = `describe a .size or .sizediff file.

 $ supersize console chrome.size
 $ supersize console -query templates -n 20 -section t chrome.size
 $ supersize console -tree chrome.size
`

// Cmd returns the Command for the `console` subcommand provided by this package.
func Cmd() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "console [-query <name>] [-n <N>] [-section <filter>] <file>",
		ShortDesc: "describe a .size or .sizediff file",
		LongDesc:  usage,
		CommandRun: func() subcommands.CommandRun {
			r := &run{}
			r.init()
			return r
		},
	}
}

type run struct {
	subcommands.CommandRunBase
	query       string
	topN        int
	sections    string
	allSections bool
	tree        bool
}

func (c *run) init() {
	var names []string
	for _, q := range canned.Queries {
		names = append(names, q.Name)
	}
	c.Flags.StringVar(&c.query, "query", "", "canned query to run: "+strings.Join(names, ", "))
	c.Flags.IntVar(&c.topN, "n", 50, "number of symbols or groups to show. -1 shows all")
	c.Flags.StringVar(&c.sections, "section", "", `sections to include: letters ("tr") or names (".text,.rodata")`)
	c.Flags.BoolVar(&c.allSections, "all_sections", false, "list every section in the section table")
	c.Flags.BoolVar(&c.tree, "tree", false, "show component totals as a tree")
}

func (c *run) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, c, env)
	err := c.run(ctx, a.GetOut(), args)
	if errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(a.GetErr(), "%v\n%s\n", err, usage)
		c.Flags.PrintDefaults()
		return 2
	}
	if err != nil {
		fmt.Fprintf(a.GetErr(), "Error: %v\n", err)
		return 1
	}
	return 0
}

func (c *run) run(ctx context.Context, w io.Writer, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("want one file, got %d: %w", len(args), flag.ErrHelp)
	}
	sections, err := canned.ParseSections(c.sections)
	if err != nil {
		return fmt.Errorf("%v: %w", err, flag.ErrHelp)
	}
	var query canned.Query
	if c.query != "" {
		query, err = canned.LookupQuery(c.query)
		if err != nil {
			return fmt.Errorf("%v: %w", err, flag.ErrHelp)
		}
	}
	fsys := afero.NewOsFs()
	fname := args[0]
	opts := canned.Options{TopN: c.topN, AllSections: c.allSections}

	if strings.HasSuffix(fname, ".sizediff") {
		var d *models.DeltaSizeInfo
		err := ui.Run(fmt.Sprintf("loading %s", fname), func() error {
			var err error
			d, err = fileformat.LoadDeltaFile(ctx, fsys, fname)
			return err
		})
		if err != nil {
			return err
		}
		if len(sections) > 0 {
			d.Symbols = d.Symbols.WhereInSection(sections...)
		}
		return canned.DescribeDelta(w, d, opts)
	}

	var si *models.SizeInfo
	err = ui.Run(fmt.Sprintf("loading %s", fname), func() error {
		var err error
		si, err = fileformat.LoadFile(ctx, fsys, fname)
		return err
	})
	if err != nil {
		return err
	}
	syms := si.Symbols
	if len(sections) > 0 {
		syms = syms.WhereInSection(sections...)
	}
	switch {
	case c.tree:
		_, err := fmt.Fprintln(w, canned.ComponentTree(syms))
		return err
	case c.query != "":
		return canned.DescribeResult(w, query.Run(syms), c.topN)
	}
	si.Symbols = syms
	return canned.DescribeSizeInfo(w, si, opts)
}
