// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"math/rand"
	"strconv"

	"github.com/theislab/cellucid-markers"
)

// syntheticSource builds a deterministic, seeded SliceGeneSource with
// nGenes genes over nGroups equally sized groups, each group's genes drawn
// from a distinct mean so discovery and clustering have non-trivial
// structure to find.
func syntheticSource(nGenes, nGroups, cellsPerGroup int, seed int64) (*markers.SliceGeneSource, []markers.GroupSpec) {
	rng := rand.New(rand.NewSource(seed))
	nCells := nGroups * cellsPerGroup

	groups := make([]markers.GroupSpec, nGroups)
	for g := 0; g < nGroups; g++ {
		indices := make([]int, cellsPerGroup)
		for i := range indices {
			indices[i] = g*cellsPerGroup + i
		}
		groups[g] = markers.GroupSpec{
			GroupID:     groupName(g),
			DisplayName: groupName(g),
			GroupCode:   g,
			CellIndices: indices,
		}
	}

	genes := make([]string, nGenes)
	values := make(map[string][]float32, nGenes)
	for i := 0; i < nGenes; i++ {
		key := geneName(i)
		genes[i] = key
		markerGroup := i % nGroups
		row := make([]float32, nCells)
		for c := 0; c < nCells; c++ {
			base := rng.NormFloat64()*0.5 + 1
			if c/cellsPerGroup == markerGroup {
				base += 3
			}
			if base < 0 {
				base = 0
			}
			row[c] = float32(base)
		}
		values[key] = row
	}

	return &markers.SliceGeneSource{Genes: genes, Values: values, NCells: nCells}, groups
}

func groupName(i int) string {
	return "group-" + strconv.Itoa(i)
}

func geneName(i int) string {
	return "gene-" + strconv.Itoa(i)
}
