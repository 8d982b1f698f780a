// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package markers

import (
	"context"
	"math"

	"gopkg.in/check.v1"
)

type matrixSuite struct{}

var _ = check.Suite(&matrixSuite{})

func testGroups() []GroupSpec {
	return []GroupSpec{
		{GroupID: "A", CellIndices: []int{0, 1}},
		{GroupID: "B", CellIndices: []int{2, 3}},
	}
}

func (s *matrixSuite) TestReducerCorrectness(c *check.C) {
	source := &SliceGeneSource{
		Genes:  []string{"g1"},
		Values: map[string][]float32{"g1": {1, 3, 10, 20}},
		NCells: 4,
	}
	b := &MatrixBuilder{Source: source}
	m, err := b.Build(context.Background(), []string{"g1"}, testGroups(), MatrixConfig{})
	c.Assert(err, check.IsNil)
	c.Check(m.At(0, 0), closeTo(2, 1e-9))
	c.Check(m.At(0, 1), closeTo(15, 1e-9))
}

func (s *matrixSuite) TestLog1pLaw(c *check.C) {
	source := &SliceGeneSource{
		Genes:  []string{"g1"},
		Values: map[string][]float32{"g1": {1, 3, 10, 20}},
		NCells: 4,
	}
	b := &MatrixBuilder{Source: source}
	m, err := b.Build(context.Background(), []string{"g1"}, testGroups(), MatrixConfig{Transform: TransformLog1p})
	c.Assert(err, check.IsNil)
	c.Check(m.At(0, 0), closeTo(math.Log1p(2), 1e-9))
	c.Check(m.RawValues.At(0, 0), closeTo(2, 1e-9))
}

// TestLog1pClampsNegatives exercises the y = log(1 + max(x, 0)) law: a
// reduced value below zero must clamp to zero before the log, not feed
// math.Log1p a negative argument directly.
func (s *matrixSuite) TestLog1pClampsNegatives(c *check.C) {
	source := &SliceGeneSource{
		Genes:  []string{"g1"},
		Values: map[string][]float32{"g1": {-5, -5, 10, 20}},
		NCells: 4,
	}
	b := &MatrixBuilder{Source: source}
	m, err := b.Build(context.Background(), []string{"g1"}, testGroups(), MatrixConfig{Transform: TransformLog1p})
	c.Assert(err, check.IsNil)
	c.Check(m.RawValues.At(0, 0), closeTo(-5, 1e-9))
	c.Check(m.At(0, 0), closeTo(0, 1e-9))
}

func (s *matrixSuite) TestZScoreLaw(c *check.C) {
	source := &SliceGeneSource{
		Genes: []string{"g1"},
		Values: map[string][]float32{
			"g1": {1, 1, 2, 2, 10, 10, 20, 20},
		},
		NCells: 8,
	}
	groups := []GroupSpec{
		{GroupID: "A", CellIndices: []int{0, 1}},
		{GroupID: "B", CellIndices: []int{2, 3}},
		{GroupID: "C", CellIndices: []int{4, 5}},
		{GroupID: "D", CellIndices: []int{6, 7}},
	}
	b := &MatrixBuilder{Source: source}
	m, err := b.Build(context.Background(), []string{"g1"}, groups, MatrixConfig{Transform: TransformZScore})
	c.Assert(err, check.IsNil)

	var sum, sumSq float64
	for col := 0; col < m.NCols; col++ {
		v := m.At(0, col)
		sum += v
		sumSq += v * v
	}
	mean := sum / float64(m.NCols)
	variance := sumSq/float64(m.NCols) - mean*mean
	c.Check(math.Abs(mean) < 1e-5, check.Equals, true)
	c.Check(math.Abs(variance-1) < 1e-4, check.Equals, true)
}
