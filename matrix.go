// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package markers

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"
)

// MatrixBuilder reduces a GeneSource's per-cell values to a dense gene x
// group matrix, one column per group, by averaging each gene's values over
// the cells belonging to that group (optionally weighted), then applies an
// optional row-wise transform.
type MatrixBuilder struct {
	Source GeneSource
}

// Build computes the ExpressionMatrix for genes x groups. groups must be
// disjoint and sorted per GroupSpec's contract; a cell index outside every
// group is simply never summed.
func (b *MatrixBuilder) Build(ctx context.Context, genes []string, groups []GroupSpec, cfg MatrixConfig) (*ExpressionMatrix, error) {
	if len(genes) == 0 {
		return nil, newError(ErrNoGenes, "no genes requested for matrix build", nil)
	}
	if len(groups) == 0 {
		return nil, newError(ErrTooFewGroups, "matrix build requires at least one group", nil)
	}

	cellWeight := cfg.Weights
	groupOfCell := make(map[int]int)
	for gi, g := range groups {
		for _, ci := range g.CellIndices {
			groupOfCell[ci] = gi
		}
	}

	nRows, nCols := len(genes), len(groups)
	values := mat.NewDense(nRows, nCols, nil)

	items, errc := b.Source.StreamGenes(ctx, genes)
	row := 0
	for item := range items {
		sums := make([]float64, nCols)
		weights := make([]float64, nCols)
		for ci, v := range item.Values {
			gi, ok := groupOfCell[ci]
			if !ok {
				continue
			}
			if math.IsNaN(float64(v)) {
				continue
			}
			w := 1.0
			if cellWeight != nil && ci < len(cellWeight) {
				w = cellWeight[ci]
			}
			sums[gi] += float64(v) * w
			weights[gi] += w
		}
		for gi := 0; gi < nCols; gi++ {
			if weights[gi] > 0 {
				values.Set(row, gi, sums[gi]/weights[gi])
			} else {
				values.Set(row, gi, math.NaN())
			}
		}
		row++
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	m := &ExpressionMatrix{
		Values:    values,
		NRows:     nRows,
		NCols:     nCols,
		Genes:     genes,
		Transform: cfg.Transform,
	}
	for _, g := range groups {
		m.GroupIDs = append(m.GroupIDs, g.GroupID)
		m.GroupNames = append(m.GroupNames, g.DisplayName)
		m.GroupColors = append(m.GroupColors, g.Color)
	}

	if cfg.Transform != TransformNone {
		m.RawValues = mat.DenseCopyOf(values)
		applyTransform(values, cfg.Transform)
	}
	return m, nil
}

func applyTransform(values *mat.Dense, t Transform) {
	rows, cols := values.Dims()
	switch t {
	case TransformLog1p:
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				v := values.At(r, c)
				if math.IsNaN(v) {
					continue
				}
				values.Set(r, c, math.Log1p(math.Max(v, 0)))
			}
		}
	case TransformZScore:
		for r := 0; r < rows; r++ {
			n := 0
			sum, sumSq := 0.0, 0.0
			for c := 0; c < cols; c++ {
				v := values.At(r, c)
				if math.IsNaN(v) {
					continue
				}
				n++
				sum += v
				sumSq += v * v
			}
			if n < 2 {
				continue
			}
			mean := sum / float64(n)
			variance := sumSq/float64(n) - mean*mean
			if variance <= 0 {
				for c := 0; c < cols; c++ {
					if !math.IsNaN(values.At(r, c)) {
						values.Set(r, c, 0)
					}
				}
				continue
			}
			sd := math.Sqrt(variance)
			for c := 0; c < cols; c++ {
				v := values.At(r, c)
				if math.IsNaN(v) {
					continue
				}
				values.Set(r, c, (v-mean)/sd)
			}
		}
	}
}
