// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.arvados.org/gangrun.git/lib/agent"
	"git.arvados.org/gangrun.git/lib/cmd"
	"git.arvados.org/gangrun.git/lib/config"
	_ "git.arvados.org/gangrun.git/lib/demo"
	"git.arvados.org/gangrun.git/lib/dispatch"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"run":   dispatch.Command,
		"agent": agent.Command,
		"config": cmd.Multi(map[string]cmd.Handler{
			"dump":     config.DumpCommand,
			"check":    config.CheckCommand,
			"defaults": config.DumpDefaultsCommand,
		}),
	})
)

func main() {
	os.Exit(cmd.WithLateSubcommand(handler, []string{"config"}, []string{"version"}).RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
