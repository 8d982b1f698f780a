// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package bh implements NaN-aware Benjamini-Hochberg false discovery rate
// correction, shared by every group's finalization step in the Discovery
// Engine.
package bh

import (
	"math"
	"sort"
)

// Adjust returns the Benjamini-Hochberg adjusted p-values for pvalues,
// preserving NaN entries in place. Only finite entries participate in the
// correction; m is the count of finite entries.
//
// adj[i] = min(p[i] * m / rank[i], 1), then the running minimum is
// propagated from the largest finite p-value down to the smallest so the
// result is monotone non-decreasing in sorted order (spec.md section 4.1).
func Adjust(pvalues []float64) []float64 {
	n := len(pvalues)
	adj := make([]float64, n)
	for i := range adj {
		adj[i] = math.NaN()
	}

	finiteIdx := make([]int, 0, n)
	for i, p := range pvalues {
		if !math.IsNaN(p) {
			finiteIdx = append(finiteIdx, i)
		}
	}
	m := len(finiteIdx)
	if m == 0 {
		return adj
	}
	sort.Slice(finiteIdx, func(a, b int) bool { return pvalues[finiteIdx[a]] < pvalues[finiteIdx[b]] })

	raw := make([]float64, m)
	for rank, idx := range finiteIdx {
		p := pvalues[idx]
		raw[rank] = p * float64(m) / float64(rank+1)
	}
	running := math.Inf(1)
	for rank := m - 1; rank >= 0; rank-- {
		if raw[rank] < running {
			running = raw[rank]
		}
		if running > 1 {
			running = 1
		}
		adj[finiteIdx[rank]] = running
	}
	return adj
}
