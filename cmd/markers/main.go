// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Command markers is a local debugging and benchmarking harness for the
// markers library, in the spirit of the teacher's single cmd.Multi binary
// (cmd.go) with several RunCommand subcommands. It is not part of the
// library's external surface.
package main

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var dispatch = multi{
	"version":       versionHandler{version: "dev"},
	"discover":      &discoverCmd{},
	"cluster":       &clusterCmd{},
	"export-matrix": &exportMatrixCmd{},
}

func main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(dispatch.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
