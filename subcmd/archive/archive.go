// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package archive provides archive subcommand.
package archive

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"regexp"

	"github.com/charmbracelet/log"
	"github.com/maruel/subcommands"
	"github.com/spf13/afero"
	"go.chromium.org/luci/common/cli"

	"go.chromium.org/infra/tools/supersize/archive"
	"go.chromium.org/infra/tools/supersize/demangle"
	"go.chromium.org/infra/tools/supersize/fileformat"
	"go.chromium.org/infra/tools/supersize/models"
	"go.chromium.org/infra/tools/supersize/ui"
)

const usage = `create a .size file from a linker map.

 $ supersize archive -map_file out/Release/libchrome.so.map.gz \
     -output_directory out/Release -source_directory . -o chrome.size

With -elf_file, the map file defaults to <elf_file>.map.gz and only the
ninja targets linked into the ELF file are used to find source paths.
`

// Cmd returns the Command for the `archive` subcommand provided by this package.
func Cmd(version string) *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "archive -o <out.size> [-map_file <map>|-elf_file <elf>] ...",
		ShortDesc: "create a .size file from a linker map",
		LongDesc:  usage,
		CommandRun: func() subcommands.CommandRun {
			r := &run{version: version}
			r.init()
			return r
		},
	}
}

type run struct {
	subcommands.CommandRunBase

	version          string
	output           string
	mapFile          string
	elfFile          string
	outputDir        string
	sourceDir        string
	noSourcePaths    bool
	strict           bool
	demangler        string
	genDirRegex      string
	defaultComponent string
	maxBadLines      float64
	checkQuality     bool
}

func (c *run) init() {
	c.Flags.StringVar(&c.output, "o", "", "path of the .size file to write")
	c.Flags.StringVar(&c.mapFile, "map_file", "", "linker map (.map or .map.gz). default: <elf_file>.map.gz")
	c.Flags.StringVar(&c.elfFile, "elf_file", "", "linked ELF file")
	c.Flags.StringVar(&c.outputDir, "output_directory", "", "build output directory. enables source paths and gn args")
	c.Flags.StringVar(&c.sourceDir, "source_directory", "", "checkout root. enables component lookup and git revision")
	c.Flags.BoolVar(&c.noSourcePaths, "no_source_paths", false, "do not read ninja files for source paths")
	c.Flags.BoolVar(&c.strict, "strict", false, "fail on identity collisions, unmatched source paths and data quality issues")
	c.Flags.StringVar(&c.demangler, "demangler", "cxxfilt", `demangler to use: "cxxfilt", "go" (in process) or "none". $`+demangle.CxxFiltEnv+` sets the c++filt binary`)
	c.Flags.StringVar(&c.genDirRegex, "gen_dir_regex", "", "regexp of additional generated source paths")
	c.Flags.StringVar(&c.defaultComponent, "default_component", "", "component of symbols without DIR_METADATA")
	c.Flags.Float64Var(&c.maxBadLines, "max_bad_line_fraction", 0, "fraction of unparsable map lines to tolerate. 0 uses the parser default")
	c.Flags.BoolVar(&c.checkQuality, "check_data_quality", true, "check section coverage of the result")
}

func (c *run) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, c, env)
	err := c.run(ctx, args)
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

func newDemangler(name string) (demangle.Demangler, func(), error) {
	switch name {
	case "cxxfilt":
		d := demangle.NewCxxFilt("")
		return d, func() {
			if err := d.Close(); err != nil {
				log.Warnf("close demangler: %v", err)
			}
		}, nil
	case "go":
		return demangle.InProcess{}, func() {}, nil
	case "none":
		return demangle.Identity{}, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown demangler %q: %w", name, flag.ErrHelp)
}

func (c *run) run(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("position arguments not expected: %w", flag.ErrHelp)
	}
	if c.output == "" {
		return fmt.Errorf("-o is required: %w", flag.ErrHelp)
	}
	if c.mapFile == "" && c.elfFile == "" {
		return fmt.Errorf("-map_file or -elf_file is required: %w", flag.ErrHelp)
	}
	var genDirRe *regexp.Regexp
	if c.genDirRegex != "" {
		var err error
		genDirRe, err = regexp.Compile(c.genDirRegex)
		if err != nil {
			return fmt.Errorf("bad -gen_dir_regex: %v: %w", err, flag.ErrHelp)
		}
	}
	d, closeDemangler, err := newDemangler(c.demangler)
	if err != nil {
		return err
	}
	defer closeDemangler()

	opts := archive.Options{
		Fs:              afero.NewOsFs(),
		MapFile:         c.mapFile,
		ElfFile:         c.elfFile,
		OutputDirectory: c.outputDir,
		SourceDirectory: c.sourceDir,
		NoSourcePaths:   c.noSourcePaths,
		Strict:          c.strict,
		Demangler:       d,
		GenDirRegex:     genDirRe,
		ToolVersion:     c.version,
	}
	opts.Components.DefaultComponent = c.defaultComponent
	opts.Linker.MaxBadLineFraction = c.maxBadLines

	var si *models.SizeInfo
	err = ui.Run(fmt.Sprintf("archiving %s", cmp.Or(c.mapFile, c.elfFile)), func() error {
		var err error
		si, err = archive.CreateSizeInfo(ctx, opts)
		return err
	})
	if err != nil {
		return err
	}
	for _, line := range archive.DescribeCoverage(si) {
		log.Debug(line)
	}
	if c.checkQuality {
		if err := archive.CheckDataQuality(si, true); err != nil {
			if c.strict {
				return err
			}
			log.Warnf("%v", err)
		}
	}
	err = ui.Run(fmt.Sprintf("saving %s", c.output), func() error {
		return fileformat.SaveFile(ctx, opts.Fs, c.output, si)
	})
	if err != nil {
		return err
	}
	log.Infof("wrote %s: %d symbols", c.output, si.Symbols.Len())
	return nil
}
