// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package help provides help subcommand.
package help

import (
	"flag"
	"fmt"

	"github.com/maruel/subcommands"
)

// Cmd returns the Command for the `help` subcommand provided by this package.
// globalFlags are printed after the command list.
func Cmd(globalFlags *flag.FlagSet) *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "help [<command>|-advanced]",
		ShortDesc: "prints help about a command",
		LongDesc:  "Prints commands and global flags, or help about a specific command.\nUse -advanced to display all commands.",
		CommandRun: func() subcommands.CommandRun {
			ret := &helpRun{globalFlags: globalFlags}
			ret.Flags.BoolVar(&ret.advanced, "advanced", false, "show advanced commands")
			return ret
		},
	}
}

type helpRun struct {
	subcommands.CommandRunBase
	advanced    bool
	globalFlags *flag.FlagSet
}

func (h *helpRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	if len(args) > 0 {
		return subcommands.CmdHelp.CommandRun().Run(a, args, env)
	}
	subcommands.Usage(a.GetOut(), a, h.advanced)
	fmt.Fprintln(a.GetOut(), "Global flags:")
	h.globalFlags.SetOutput(a.GetOut())
	h.globalFlags.PrintDefaults()
	return 0
}
