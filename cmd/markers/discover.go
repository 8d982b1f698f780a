// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/theislab/cellucid-markers"
)

type discoverCmd struct{}

func (c *discoverCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	nGenes := flags.Int("genes", 500, "number of synthetic genes")
	nGroups := flags.Int("groups", 4, "number of synthetic groups")
	cellsPerGroup := flags.Int("cells-per-group", 100, "cells per group")
	topN := flags.Int("top-n", 25, "markers kept per group")
	method := flags.String("method", "wilcoxon", "test method: wilcoxon|ttest")
	if err := flags.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}

	source, groups := syntheticSource(*nGenes, *nGroups, *cellsPerGroup, 42)
	engine := markers.NewLocalEngine(source, 4)

	cfg := markers.DefaultDiscoveryConfig()
	cfg.TopN = *topN
	switch *method {
	case "ttest":
		cfg.Method = markers.MethodTTest
	default:
		cfg.Method = markers.MethodWilcoxon
	}

	progress := func(p markers.Progress) {
		log.Debugf("%s: %.1f%% (%d/%d)", p.Phase, p.Percent, p.Loaded, p.Total)
	}

	result, err := engine.Discover(context.Background(), groups, cfg, progress, nil)
	if err != nil {
		fmt.Fprintf(stderr, "discover: %s\n", err)
		return 1
	}

	for _, g := range groups {
		gm := result.PerGroup[g.GroupID]
		fmt.Fprintf(stdout, "%s: %d markers\n", g.GroupID, len(gm.Markers))
		for i, m := range gm.Markers {
			if i >= 5 {
				break
			}
			fmt.Fprintf(stdout, "  %-12s p=%.3g adjP=%.3g log2fc=%.2f\n", m.GeneKey, m.PValue, m.AdjPValue, m.Log2FC)
		}
	}
	return 0
}
