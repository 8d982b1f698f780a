// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/kshedden/gonpy"

	"github.com/theislab/cellucid-markers"
)

type exportMatrixCmd struct{}

// nopCloser lets gonpy's NewWriter take ownership of closing a Writer that
// should not actually be closed here, mirroring exportnumpy.go's nopCloser.
type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func (c *exportMatrixCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	nGenes := flags.Int("genes", 200, "number of synthetic genes")
	nGroups := flags.Int("groups", 4, "number of synthetic groups")
	cellsPerGroup := flags.Int("cells-per-group", 50, "cells per group")
	out := flags.String("o", "matrix.npy", "output .npy path")
	if err := flags.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}

	source, groups := syntheticSource(*nGenes, *nGroups, *cellsPerGroup, 99)
	builder := &markers.MatrixBuilder{Source: source}
	genes, err := source.ListGenes(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "export-matrix: %s\n", err)
		return 1
	}
	matrix, err := builder.Build(context.Background(), genes, groups, markers.MatrixConfig{})
	if err != nil {
		fmt.Fprintf(stderr, "export-matrix: %s\n", err)
		return 1
	}

	data := make([]float64, 0, matrix.NRows*matrix.NCols)
	for r := 0; r < matrix.NRows; r++ {
		for col := 0; col < matrix.NCols; col++ {
			data = append(data, matrix.At(r, col))
		}
	}

	f, err := os.OpenFile(*out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		fmt.Fprintf(stderr, "export-matrix: %s\n", err)
		return 1
	}
	defer f.Close()

	npw, err := gonpy.NewWriter(nopCloser{f})
	if err != nil {
		fmt.Fprintf(stderr, "export-matrix: %s\n", err)
		return 1
	}
	npw.Shape = []int{matrix.NRows, matrix.NCols}
	if err := npw.WriteFloat64(data); err != nil {
		fmt.Fprintf(stderr, "export-matrix: %s\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s (%d x %d)\n", *out, matrix.NRows, matrix.NCols)
	return 0
}
