// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package markers

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/theislab/cellucid-markers/bh"
	markerheap "github.com/theislab/cellucid-markers/heap"
	"github.com/theislab/cellucid-markers/workerpool"
)

// RunState is the Discovery Engine's observable lifecycle state, per
// spec.md section 5.
type RunState int

const (
	StateNotStarted RunState = iota
	StateBroadcasting
	StateStreaming
	StateDraining
	StateFinalizing
	StateDone
	StateFailed
	StateCancelled
)

// DiscoveryEngine runs the one-vs-rest differential expression pipeline: it
// streams genes from a GeneSource, farms each gene's per-group statistics
// out to a WorkerPool under a bounded in-flight task set, keeps a bounded
// Top-N heap per group, and finalizes with Benjamini-Hochberg correction.
type DiscoveryEngine struct {
	Source GeneSource
	Pool   workerpool.Pool
	Logger *logrus.Logger // nil uses logrus.StandardLogger()

	mu    sync.Mutex
	state RunState
}

// State returns the engine's current lifecycle state (safe for concurrent
// use by a status-polling caller).
func (e *DiscoveryEngine) State() RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *DiscoveryEngine) setState(s RunState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *DiscoveryEngine) logger() *logrus.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logrus.StandardLogger()
}

// geneTaskKind is the one WorkerPool message kind the Discovery Engine
// uses: compute the per-gene, per-group result for one gene.
const geneTaskKind workerpool.MessageKind = "markers.compute_gene"

type geneTaskPayload struct {
	values     []float32
	groupIndex []int
	groupCount int
	method     Method
	minCells   int
	normalCDF  NormalCDF
}

// geneTaskHandler is the handler registered for geneTaskKind, computing
// computePerGeneResult. It ignores per-worker state: the stats core is pure.
func geneTaskHandler(_ *workerpool.WorkerState, payload any) (any, error) {
	p := payload.(geneTaskPayload)
	return computePerGeneResult(p.values, p.groupIndex, p.groupCount, p.method, p.minCells, p.normalCDF)
}

// NewLocalEngine builds a DiscoveryEngine with a reference in-process
// WorkerPool sized to parallelism, for tests and the cmd/markers CLI.
func NewLocalEngine(source GeneSource, parallelism int) *DiscoveryEngine {
	pool := workerpool.NewLocalPool(parallelism, map[workerpool.MessageKind]workerpool.Handler{
		geneTaskKind: geneTaskHandler,
	})
	return &DiscoveryEngine{Source: source, Pool: pool}
}

// geneBytes estimates the per-gene in-flight memory footprint: one float32
// sample per cell, the unit the Concurrency & Resource Model budgets
// against (spec.md section 5).
func geneBytes(nCells int) int64 {
	const float32Size = 4
	return int64(nCells) * float32Size
}

// maxInFlight bounds concurrently-dispatched gene tasks to
// min(parallelism, floor(memoryBudget/geneBytes)), per spec.md section
// 4.1's concurrency & streaming model. A budget of 0 disables the memory
// cap (parallelism alone governs).
func maxInFlight(cfg DiscoveryConfig, nCells int) int {
	n := cfg.Parallelism
	if n < 1 {
		n = 1
	}
	if cfg.MemoryBudgetBytes > 0 {
		if gb := geneBytes(nCells); gb > 0 {
			byBudget := int(cfg.MemoryBudgetBytes / gb)
			if byBudget < 1 {
				byBudget = 1
			}
			if byBudget < n {
				n = byBudget
			}
		}
	}
	return n
}

// geneTaskResult is one completed (or failed/timed-out) gene task, handed
// back from a dispatch goroutine to the collecting loop in Discover.
type geneTaskResult struct {
	geneIndex int
	geneKey   string
	pgr       *PerGeneResult
	err       error
}

// Discover runs the full pipeline to completion (or cancellation/failure),
// emitting progress and partial-result callbacks as it goes. groups must
// contain at least two groups (spec.md section 4.1: k >= 2) and cfg.TopN
// must be >= 1; every group must also have at least cfg.MinCells cells,
// checked synchronously before any computation runs, so a precondition
// failure never leaves partial state behind.
func (e *DiscoveryEngine) Discover(ctx context.Context, groups []GroupSpec, cfg DiscoveryConfig, progress ProgressSink, partials PartialResultSink) (*DiscoveryResult, error) {
	if len(groups) < 2 {
		e.setState(StateFailed)
		return nil, newError(ErrTooFewGroups, "discovery requires at least 2 groups, got {n}", map[string]any{"n": len(groups)})
	}
	if cfg.TopN < 1 {
		e.setState(StateFailed)
		return nil, newError(ErrInvalidInput, "TopN must be >= 1, got {n}", map[string]any{"n": cfg.TopN})
	}
	for _, g := range groups {
		if len(g.CellIndices) < cfg.MinCells {
			e.setState(StateFailed)
			return nil, newError(ErrTooFewCells, "group {group} has {n} cells, fewer than the required minimum {min}",
				map[string]any{"group": g.GroupID, "n": len(g.CellIndices), "min": cfg.MinCells})
		}
	}

	e.setState(StateBroadcasting)
	e.logger().WithField("groups", len(groups)).Info("discovery: broadcasting worker context")
	nCells, err := e.Source.CellCount(ctx)
	if err != nil {
		e.setState(StateFailed)
		return nil, err
	}
	groupIndex := make([]int, nCells)
	for i := range groupIndex {
		groupIndex[i] = MissingGroupCode
	}
	for gi, g := range groups {
		for _, ci := range g.CellIndices {
			groupIndex[ci] = gi
		}
	}

	if err := e.Pool.Init(ctx); err != nil {
		e.setState(StateFailed)
		return nil, err
	}
	if err := e.Pool.Broadcast(ctx, geneTaskKind, func(workerIndex int) any { return nil }); err != nil {
		e.logger().WithError(err).Error("discovery: broadcasting worker context failed")
		e.setState(StateFailed)
		return nil, newError(ErrComputeFailed, "broadcasting worker context failed: {err}", map[string]any{"err": err})
	}

	genes, err := e.Source.ListGenes(ctx)
	if err != nil {
		e.setState(StateFailed)
		return nil, err
	}
	if len(genes) == 0 {
		e.setState(StateFailed)
		return nil, newError(ErrNoGenes, "no genes available for discovery", nil)
	}

	normalCDF := DefaultNormalCDF

	heaps := make(map[string]*markerheap.TopN[MarkerCandidate], len(groups))
	for _, g := range groups {
		heaps[g.GroupID] = markerheap.NewTopN[MarkerCandidate](cfg.TopN, candidateWorse)
	}
	stats := DiscoveryStats{
		Genes:      genes,
		GroupIDs:   make([]string, len(groups)),
		PValues:    make([][]float64, len(groups)),
		AdjPValues: make([][]float64, len(groups)),
		Log2FC:     make([][]float64, len(groups)),
	}
	for gi, g := range groups {
		stats.GroupIDs[gi] = g.GroupID
		stats.PValues[gi] = fillNaN(len(genes))
		stats.AdjPValues[gi] = fillNaN(len(genes))
		stats.Log2FC[gi] = fillNaN(len(genes))
	}

	inFlight := maxInFlight(cfg, nCells)
	e.logger().WithFields(logrus.Fields{"maxInFlight": inFlight, "genes": len(genes)}).Info("discovery: streaming genes")
	e.setState(StateStreaming)
	items, errc := e.Source.StreamGenes(ctx, genes)

	taskOpts := workerpool.ExecOptions{Timeout: cfg.TaskTimeout, RestartWorkerOnAbort: true}
	results := make(chan geneTaskResult)
	sem := make(chan struct{}, inFlight)
	var wg sync.WaitGroup

	cancelled := false
	go func() {
	dispatchLoop:
		for item := range items {
			select {
			case <-ctx.Done():
				cancelled = true
				break dispatchLoop
			default:
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				cancelled = true
				break dispatchLoop
			}
			wg.Add(1)
			go func(item GeneStreamItem) {
				defer wg.Done()
				defer func() { <-sem }()
				payload := geneTaskPayload{
					values:     item.Values,
					groupIndex: groupIndex,
					groupCount: len(groups),
					method:     cfg.Method,
					minCells:   cfg.MinCells,
					normalCDF:  normalCDF,
				}
				res, err := e.Pool.Execute(ctx, geneTaskKind, payload, taskOpts)
				if err != nil {
					results <- geneTaskResult{geneIndex: item.GeneIndex, geneKey: item.GeneKey, err: err}
					return
				}
				results <- geneTaskResult{geneIndex: item.GeneIndex, geneKey: item.GeneKey, pgr: res.(*PerGeneResult)}
			}(item)
		}
		wg.Wait()
		close(results)
	}()

	processed := 0
	failedGenes := 0
	for r := range results {
		if r.err != nil {
			if workerpool.IsTimeout(r.err) {
				e.logger().WithFields(logrus.Fields{"gene": r.geneKey}).Warn("discovery: gene task timed out, abandoning")
			} else {
				e.logger().WithFields(logrus.Fields{"gene": r.geneKey}).WithError(r.err).Warn("discovery: gene task failed, abandoning")
			}
			// the specific gene is abandoned (its row stays NaN); the run
			// continues unless too many genes fail overall (checked below),
			// per spec.md section 5 and section 7.
			failedGenes++
			processed++
		} else {
			pgr := r.pgr
			for gi, g := range groups {
				stats.PValues[gi][r.geneIndex] = pgr.PValues[gi]
				stats.Log2FC[gi][r.geneIndex] = pgr.Log2FC[gi]
				if math.IsNaN(pgr.PValues[gi]) {
					continue
				}
				if math.Abs(pgr.Log2FC[gi]) < cfg.Log2FCThreshold {
					continue
				}
				heaps[g.GroupID].Offer(MarkerCandidate{
					GeneKey: r.geneKey, GeneIndex: r.geneIndex, GroupID: g.GroupID,
					PValue: pgr.PValues[gi], AdjPValue: math.NaN(), Log2FC: pgr.Log2FC[gi],
					MeanIn: pgr.MeanIn[gi], MeanOut: pgr.MeanOut[gi],
					PctIn: pgr.PctIn[gi], PctOut: pgr.PctOut[gi],
					NIn: pgr.NIn[gi], NOut: pgr.NOut[gi],
				})
			}
			processed++
		}

		if progress != nil {
			progress(Progress{Phase: "discovery", Percent: 100 * float64(processed) / float64(len(genes)), Loaded: processed, Total: len(genes)})
		}
		if partials != nil && cfg.PartialEvery > 0 && processed%cfg.PartialEvery == 0 {
			partials(snapshotGroups(groups, heaps, nil), processed)
		}
	}
	if err := <-errc; err != nil {
		e.setState(StateFailed)
		return nil, err
	}
	if cancelled {
		e.setState(StateCancelled)
		return nil, newError(ErrCancelled, "discovery cancelled after {n} genes", map[string]any{"n": processed})
	}

	// a run-level failure fires only if more than half the genes failed
	// (timed out or errored); a minority of abandoned genes is tolerated
	// and simply leaves NaN rows (spec.md section 7).
	if failedGenes*2 > len(genes) {
		e.logger().WithFields(logrus.Fields{"failed": failedGenes, "total": len(genes)}).Error("discovery: majority of genes failed")
		e.setState(StateFailed)
		return nil, newError(ErrComputeFailed, "{failed} of {total} genes failed, exceeding the half-failure threshold",
			map[string]any{"failed": failedGenes, "total": len(genes)})
	}

	e.setState(StateDraining)
	e.setState(StateFinalizing)
	e.logger().Info("discovery: finalizing")

	adjByGroup := make(map[string][]float64, len(groups))
	for gi, g := range groups {
		pvals := stats.PValues[gi]
		adj := bh.Adjust(pvals)
		stats.AdjPValues[gi] = adj
		adjByGroup[g.GroupID] = adj
	}

	result := snapshotGroups(groups, heaps, adjByGroup)
	for gi, g := range groups {
		gm := result[g.GroupID]
		filtered := gm.Markers[:0]
		for _, c := range gm.Markers {
			if cfg.UseAdjustedP && c.AdjPValue > cfg.PValueThreshold {
				continue
			}
			if !cfg.UseAdjustedP && c.PValue > cfg.PValueThreshold {
				continue
			}
			filtered = append(filtered, c)
		}
		gm.Markers = filtered
		sortMarkers(gm.Markers)
		for i := range gm.Markers {
			gm.Markers[i].Rank = i + 1
		}
		gm.CellCount = len(groups[gi].CellIndices)
		gm.Color = groups[gi].Color
	}

	e.setState(StateDone)
	e.logger().WithField("processed", processed).Info("discovery: done")
	return &DiscoveryResult{PerGroup: result, Stats: stats}, nil
}

// candidateWorse reports whether a is a worse marker candidate than b: the
// Top-N heap keeps the cfg.TopN best candidates, evicting the worst on
// overflow. Smaller p-value is better; ties break by larger |log2FC|, then
// by gene index ascending for determinism (spec.md section 4.1).
func candidateWorse(a, b MarkerCandidate) bool {
	if a.PValue != b.PValue {
		return a.PValue > b.PValue
	}
	if math.Abs(a.Log2FC) != math.Abs(b.Log2FC) {
		return math.Abs(a.Log2FC) < math.Abs(b.Log2FC)
	}
	return a.GeneIndex > b.GeneIndex
}

func sortMarkers(m []MarkerCandidate) {
	sort.Slice(m, func(i, j int) bool { return candidateWorse(m[j], m[i]) })
}

func snapshotGroups(groups []GroupSpec, heaps map[string]*markerheap.TopN[MarkerCandidate], adjByGroup map[string][]float64) map[string]*GroupMarkers {
	out := make(map[string]*GroupMarkers, len(groups))
	for _, g := range groups {
		items := heaps[g.GroupID].Items()
		if adjByGroup != nil {
			adj := adjByGroup[g.GroupID]
			for i := range items {
				items[i].AdjPValue = adj[items[i].GeneIndex]
			}
		}
		sortMarkers(items)
		for i := range items {
			items[i].Rank = i + 1
		}
		out[g.GroupID] = &GroupMarkers{CellCount: len(g.CellIndices), Color: g.Color, Markers: items}
	}
	return out
}

func fillNaN(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}
