// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/theislab/cellucid-markers"
)

type clusterCmd struct{}

func (c *clusterCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	nGenes := flags.Int("genes", 200, "number of synthetic genes")
	nGroups := flags.Int("groups", 6, "number of synthetic groups")
	cellsPerGroup := flags.Int("cells-per-group", 50, "cells per group")
	linkage := flags.String("linkage", "average", "single|complete|average")
	if err := flags.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}

	source, groups := syntheticSource(*nGenes, *nGroups, *cellsPerGroup, 7)
	builder := &markers.MatrixBuilder{Source: source}

	genes, err := source.ListGenes(context.Background())
	if err != nil {
		fmt.Fprintf(stderr, "cluster: %s\n", err)
		return 1
	}

	matrix, err := builder.Build(context.Background(), genes, groups, markers.MatrixConfig{Transform: markers.TransformLog1p})
	if err != nil {
		fmt.Fprintf(stderr, "cluster: %s\n", err)
		return 1
	}

	var lk markers.Linkage
	switch *linkage {
	case "single":
		lk = markers.LinkageSingle
	case "complete":
		lk = markers.LinkageComplete
	default:
		lk = markers.LinkageAverage
	}

	engine := &markers.ClusteringEngine{}
	res, err := engine.Cluster(context.Background(), matrix, markers.DistanceEuclidean, markers.ClusterConfig{Linkage: lk})
	if err != nil {
		fmt.Fprintf(stderr, "cluster: %s\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "leaf order: ")
	for _, leaf := range res.Order {
		fmt.Fprintf(stdout, "%s ", groups[leaf].GroupID)
	}
	fmt.Fprintln(stdout)
	for _, n := range res.Dendrogram.Nodes {
		if !n.IsLeaf {
			fmt.Fprintf(stdout, "merge %d: %d + %d at height %.4f\n", n.ID, n.Left, n.Right, n.Height)
		}
	}
	return 0
}
