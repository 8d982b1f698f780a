// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"fmt"
	"io"
)

// handler is the RunCommand contract every subcommand implements, in the
// shape of the teacher's cmd.Handler (git.arvados.org/arvados.git/lib/cmd),
// hand-rolled here since that module is not carried (see DESIGN.md).
type handler interface {
	RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int
}

// multi dispatches prog's first argument to a registered subcommand
// handler, in the teacher's cmd.Multi idiom.
type multi map[string]handler

func (m multi) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintf(stderr, "usage: %s command [args]\navailable commands:\n", prog)
		for name := range m {
			fmt.Fprintf(stderr, "  %s\n", name)
		}
		return 2
	}
	sub, ok := m[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "%s: unrecognized command %q\n", prog, args[0])
		return 2
	}
	return sub.RunCommand(prog+" "+args[0], args[1:], stdin, stdout, stderr)
}

// versionHandler prints a static version string, in the teacher's
// cmd.Version idiom.
type versionHandler struct{ version string }

func (v versionHandler) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fmt.Fprintf(stdout, "%s %s\n", prog, v.version)
	return 0
}
