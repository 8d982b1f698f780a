// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package markers

import (
	"context"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/check.v1"
)

type clusterSuite struct{}

var _ = check.Suite(&clusterSuite{})

// TestAverageLinkageFourPoints reproduces the scenario in spec.md section 8
// (n=4, average linkage) exactly: columns 0 and 1 sit 1 apart along one
// axis, columns 2 and 3 sit 1 apart along a second, orthogonal axis, and a
// third axis separates the two pairs far enough that all four cross
// distances come out to exactly 10 (by the orthogonality of the two
// within-pair axes, the cross terms vanish and every cross distance reduces
// to the same sum of squares).
func (s *clusterSuite) TestAverageLinkageFourPoints(c *check.C) {
	farAxis := math.Sqrt(99.5) // so 0.25 + 0.25 + farAxis^2 == 100
	values := mat.NewDense(3, 4, []float64{
		-0.5, 0.5, 0, 0,
		0, 0, 0.5, -0.5,
		0, 0, farAxis, farAxis,
	})
	m := &ExpressionMatrix{Values: values, NRows: 3, NCols: 4}

	engine := &ClusteringEngine{}
	res, err := engine.Cluster(context.Background(), m, DistanceEuclidean, ClusterConfig{Linkage: LinkageAverage})
	c.Assert(err, check.IsNil)

	order := append([]int{}, res.Order...)
	sort.Ints(order)
	c.Check(order, check.DeepEquals, []int{0, 1, 2, 3})

	root := res.Dendrogram.Nodes[res.Dendrogram.Root]
	c.Check(root.Height, closeTo(10, 1e-9))

	var firstMergeHeights []float64
	for _, n := range res.Dendrogram.Nodes {
		if !n.IsLeaf && n.ID != res.Dendrogram.Root {
			firstMergeHeights = append(firstMergeHeights, n.Height)
		}
	}
	for _, h := range firstMergeHeights {
		c.Check(h, closeTo(1, 1e-9))
	}
}

func (s *clusterSuite) TestSingleLinkageInfinity(c *check.C) {
	// Column 3 carries a genuine +Inf coordinate (not a NaN, which would be
	// skipped pairwise per spec.md section 4.3), so every distance touching
	// column 3 is truly infinite regardless of the metric's other,
	// coincident finite terms. Per the "single linkage with infinity"
	// scenario in spec.md section 8, the cluster containing column 3 must
	// still be merged (last) and the infinite height represented
	// explicitly, with the traversal still returning a full permutation.
	values := mat.NewDense(2, 4, []float64{
		0, 1, 11, 12,
		0, 0, 0, math.Inf(1),
	})
	m := &ExpressionMatrix{Values: values, NRows: 2, NCols: 4}

	engine := &ClusteringEngine{}
	res, err := engine.Cluster(context.Background(), m, DistanceEuclidean, ClusterConfig{Linkage: LinkageSingle})
	c.Assert(err, check.IsNil)

	order := append([]int{}, res.Order...)
	sort.Ints(order)
	c.Check(order, check.DeepEquals, []int{0, 1, 2, 3})

	root := res.Dendrogram.Nodes[res.Dendrogram.Root]
	c.Check(math.IsInf(root.Height, 1), check.Equals, true)
}

// TestEuclideanSkipsNaNPairwise covers spec.md section 4.3's NaN rule
// directly: a NaN coordinate is skipped pairwise, and the distance is only
// infinite if no coincident finite pair remains between the two columns.
func (s *clusterSuite) TestEuclideanSkipsNaNPairwise(c *check.C) {
	a := []float64{1, math.NaN()}
	b := []float64{4, math.NaN()}
	c.Check(columnDistance(a, b, DistanceEuclidean), closeTo(3, 1e-9))

	allNaN := []float64{math.NaN(), math.NaN()}
	c.Check(math.IsInf(columnDistance(a, allNaN, DistanceEuclidean), 1), check.Equals, true)
}

// TestAverageLinkageInfinityPropagation covers spec.md section 4.3's rule
// for average linkage: infinity propagates as missing data, not as a
// poisoning value — a single infinite side yields the other, finite side;
// only both infinite sides yield infinity.
func (s *clusterSuite) TestAverageLinkageInfinityPropagation(c *check.C) {
	c.Check(lanceWilliams(LinkageAverage, math.Inf(1), 7, 0, 1, 1, 1), closeTo(7, 1e-9))
	c.Check(lanceWilliams(LinkageAverage, 7, math.Inf(1), 0, 1, 1, 1), closeTo(7, 1e-9))
	c.Check(math.IsInf(lanceWilliams(LinkageAverage, math.Inf(1), math.Inf(1), 0, 1, 1, 1), 1), check.Equals, true)
}
