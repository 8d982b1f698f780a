// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package markers

import (
	"context"
	"math"

	markerheap "github.com/theislab/cellucid-markers/heap"
)

// ClusteringEngine performs heap-based agglomerative hierarchical
// clustering over the columns (groups) of an ExpressionMatrix, using
// Lance-Williams linkage updates so merge distances never need to be
// recomputed from the raw matrix after the first pairwise pass.
type ClusteringEngine struct {
	Progress ProgressSink
}

type clusterPair struct {
	a, b int // cluster ids, a < b always, lowest id first for determinism
	dist float64
}

// Cluster runs agglomerative clustering over m's columns using the given
// distance metric and linkage rule. n = m.NCols must not exceed
// cfg.maxDim(), per the MAX_CLUSTER_DIM resolution of the Open Question in
// spec.md section 9.
func (e *ClusteringEngine) Cluster(ctx context.Context, m *ExpressionMatrix, metric DistanceMetric, cfg ClusterConfig) (*ClusteringResult, error) {
	n := m.NCols
	if n < 2 {
		return nil, newError(ErrTooFewGroups, "clustering requires at least two groups, got {n}", map[string]any{"n": n})
	}
	if n > cfg.maxDim() {
		return nil, newError(ErrInvalidInput, "clustering problem size {n} exceeds the configured maximum {max}", map[string]any{"n": n, "max": cfg.maxDim()})
	}

	dist := pairwiseDistance(m, metric)
	sizes := make([]int, 2*n-1)
	for i := 0; i < n; i++ {
		sizes[i] = 1
	}
	active := make(map[int]bool, n)
	for i := 0; i < n; i++ {
		active[i] = true
	}

	nodes := make([]DendrogramNode, n, 2*n-1)
	for i := 0; i < n; i++ {
		nodes[i] = DendrogramNode{ID: i, IsLeaf: true, Left: -1, Right: -1}
	}

	// d[i][j] for i<j, indexed by cluster id; grows as internal nodes are
	// created via Lance-Williams updates rather than recomputation.
	d := make(map[[2]int]float64, n*n/2)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d[[2]int{i, j}] = dist[i][j]
		}
	}

	// Each pair carries both of its cluster ids as invalidation keys, so
	// merging either side discards it lazily on the next Pop rather than
	// requiring the queue to scan for and splice out stale entries. Ties in
	// distance break on the (a, b) id pair so merge order is deterministic.
	// less reports whether a should pop before b: ascending distance.
	pairLess := func(a, b clusterPair) bool {
		if a.dist != b.dist {
			return a.dist < b.dist
		}
		if a.a != b.a {
			return a.a < b.a
		}
		return a.b < b.b
	}
	queue := markerheap.NewLazyQueue[clusterPair](pairKeys, pairLess)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			queue.Push(clusterPair{a: i, b: j, dist: d[[2]int{i, j}]})
		}
	}

	nextID := n
	merges := 0
	total := n - 1
	for len(active) > 1 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		pair, ok := queue.Pop()
		if !ok {
			return nil, newError(ErrComputeFailed, "clustering queue exhausted before all clusters merged", nil)
		}
		if !active[pair.a] || !active[pair.b] {
			continue
		}

		newNode := DendrogramNode{ID: nextID, IsLeaf: false, Height: pair.dist, Left: int32(pair.a), Right: int32(pair.b)}
		nodes = append(nodes, newNode)
		sizes[nextID] = sizes[pair.a] + sizes[pair.b]

		delete(active, pair.a)
		delete(active, pair.b)
		invalidatePair(queue, pair.a)
		invalidatePair(queue, pair.b)

		for k := range active {
			dik := lookupDist(d, pair.a, k)
			djk := lookupDist(d, pair.b, k)
			dij := pair.dist
			nd := lanceWilliams(cfg.Linkage, dik, djk, dij, sizes[pair.a], sizes[pair.b], sizes[k])
			setDist(d, nextID, k, nd)
			queue.Push(clusterPair{a: minInt(nextID, k), b: maxInt(nextID, k), dist: nd})
		}
		active[nextID] = true
		nextID++
		merges++

		if e.Progress != nil && merges%cfg.progressEvery() == 0 {
			e.Progress(Progress{Phase: "clustering", Percent: 100 * float64(merges) / float64(total), Loaded: merges, Total: total})
		}
	}
	if e.Progress != nil {
		e.Progress(Progress{Phase: "clustering", Percent: 100, Loaded: total, Total: total})
	}

	dendro := &Dendrogram{Nodes: nodes, Root: nextID - 1}
	order := dendro.Leaves()
	return &ClusteringResult{Order: order, Dendrogram: dendro, Distance: metric, Linkage: cfg.Linkage}, nil
}

// pairKeys returns p's two invalidation keys: one per cluster id it pairs.
// Merging either cluster bumps that id's version, which lazily discards
// every still-queued pair that named it.
func pairKeys(p clusterPair) []any {
	return []any{clusterIDKey(p.a), clusterIDKey(p.b)}
}

type clusterIDKey int

func invalidatePair(q *markerheap.LazyQueue[clusterPair], clusterID int) {
	q.Invalidate(clusterIDKey(clusterID))
}

func lookupDist(d map[[2]int]float64, a, b int) float64 {
	if a == b {
		return 0
	}
	if a > b {
		a, b = b, a
	}
	return d[[2]int{a, b}]
}

func setDist(d map[[2]int]float64, a, b int, v float64) {
	if a > b {
		a, b = b, a
	}
	d[[2]int{a, b}] = v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// lanceWilliams computes the new distance between the just-merged cluster
// (ij) and an untouched cluster k, from d(i,k), d(j,k) and d(i,j), without
// re-scanning the raw matrix (spec.md section 4.4).
func lanceWilliams(linkage Linkage, dik, djk, dij float64, ni, nj, nk int) float64 {
	switch linkage {
	case LinkageSingle:
		return math.Min(dik, djk)
	case LinkageComplete:
		return math.Max(dik, djk)
	case LinkageAverage:
		// infinity propagates as missing: if only one side is infinite, the
		// merged distance is the other (finite) side; if both are infinite,
		// the result is infinite too.
		iInf, jInf := math.IsInf(dik, 1), math.IsInf(djk, 1)
		switch {
		case iInf && jInf:
			return math.Inf(1)
		case iInf:
			return djk
		case jInf:
			return dik
		}
		fi := float64(ni) / float64(ni+nj)
		fj := float64(nj) / float64(ni+nj)
		return fi*dik + fj*djk
	default:
		return math.Min(dik, djk)
	}
}

// pairwiseDistance computes the full n x n distance matrix for m's columns
// under the given metric. NaN entries are skipped pairwise; infinite inputs,
// or no coincident finite pair at all, yield an infinite distance rather than
// a panic, per the clustering edge cases in spec.md section 8.
func pairwiseDistance(m *ExpressionMatrix, metric DistanceMetric) [][]float64 {
	n := m.NCols
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
	}
	cols := make([][]float64, n)
	for c := 0; c < n; c++ {
		col := make([]float64, m.NRows)
		for r := 0; r < m.NRows; r++ {
			col[r] = m.At(r, c)
		}
		cols[c] = col
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := columnDistance(cols[i], cols[j], metric)
			out[i][j] = v
			out[j][i] = v
		}
	}
	return out
}

func columnDistance(a, b []float64, metric DistanceMetric) float64 {
	switch metric {
	case DistanceCosine:
		var dot, na, nb float64
		for i := range a {
			if math.IsNaN(a[i]) || math.IsNaN(b[i]) {
				continue
			}
			dot += a[i] * b[i]
			na += a[i] * a[i]
			nb += b[i] * b[i]
		}
		if na == 0 || nb == 0 {
			return math.Inf(1)
		}
		sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
		if sim > 1 {
			sim = 1
		}
		if sim < -1 {
			sim = -1
		}
		return 1 - sim
	case DistanceCorrelation:
		n := 0
		var sa, sb float64
		for i := range a {
			if math.IsNaN(a[i]) || math.IsNaN(b[i]) {
				continue
			}
			n++
			sa += a[i]
			sb += b[i]
		}
		if n < 2 {
			return math.Inf(1)
		}
		ma, mb := sa/float64(n), sb/float64(n)
		var cov, va, vb float64
		for i := range a {
			if math.IsNaN(a[i]) || math.IsNaN(b[i]) {
				continue
			}
			da, db := a[i]-ma, b[i]-mb
			cov += da * db
			va += da * da
			vb += db * db
		}
		if va == 0 || vb == 0 {
			return math.Inf(1)
		}
		corr := cov / math.Sqrt(va*vb)
		if corr > 1 {
			corr = 1
		}
		if corr < -1 {
			corr = -1
		}
		return 1 - corr
	default: // DistanceEuclidean
		n := 0
		var sum float64
		for i := range a {
			if math.IsNaN(a[i]) || math.IsNaN(b[i]) {
				continue
			}
			n++
			diff := a[i] - b[i]
			sum += diff * diff
		}
		if n == 0 {
			return math.Inf(1)
		}
		return math.Sqrt(sum)
	}
}
