// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package markers

import (
	"math"

	"gopkg.in/check.v1"
)

type statsSuite struct{}

var _ = check.Suite(&statsSuite{})

// TestTwoGroupTTest exercises the scenario in spec.md section 8 ("Synthetic
// two-group t-test"): N=200 cells, group A = 0..99, group B = 100..199.
// Gene X is constant 1.0 in A and 0.0 in B; gene Y is constant 5.0
// everywhere; gene Z is NaN everywhere.
func (s *statsSuite) TestTwoGroupTTest(c *check.C) {
	n := 200
	groupIndex := make([]int, n)
	for i := 0; i < n; i++ {
		if i < 100 {
			groupIndex[i] = 0
		} else {
			groupIndex[i] = 1
		}
	}

	x := make([]float32, n)
	for i := 0; i < 100; i++ {
		x[i] = 1.0
	}
	res, err := computePerGeneResult(x, groupIndex, 2, MethodTTest, 10, DefaultNormalCDF)
	c.Assert(err, check.IsNil)
	c.Check(res.Log2FC[0], closeTo(math.Log2(1.01/0.01), 1e-6))
	c.Check(res.Log2FC[1], closeTo(math.Log2(0.01/1.01), 1e-6))
	c.Check(res.PValues[0] < 0.05, check.Equals, true)

	y := make([]float32, n)
	for i := range y {
		y[i] = 5.0
	}
	res, err = computePerGeneResult(y, groupIndex, 2, MethodTTest, 10, DefaultNormalCDF)
	c.Assert(err, check.IsNil)
	c.Check(res.Log2FC[0], closeTo(0, 1e-9))

	z := make([]float32, n)
	for i := range z {
		z[i] = float32(math.NaN())
	}
	res, err = computePerGeneResult(z, groupIndex, 2, MethodTTest, 10, DefaultNormalCDF)
	c.Assert(err, check.IsNil)
	c.Check(math.IsNaN(res.PValues[0]), check.Equals, true)
	c.Check(math.IsNaN(res.Log2FC[0]), check.Equals, true)
}

// TestWilcoxonTieCorrection exercises the scenario in spec.md section 8
// ("Wilcoxon tie correction"): two groups of 50 cells each, gene values
// equal to the group index (all ties within a group), which must reject at
// the 0.05 level since the groups are perfectly separated.
func (s *statsSuite) TestWilcoxonTieCorrection(c *check.C) {
	n := 100
	groupIndex := make([]int, n)
	values := make([]float32, n)
	for i := 0; i < n; i++ {
		g := 0
		if i >= 50 {
			g = 1
		}
		groupIndex[i] = g
		values[i] = float32(g)
	}
	res, err := computePerGeneResult(values, groupIndex, 2, MethodWilcoxon, 10, DefaultNormalCDF)
	c.Assert(err, check.IsNil)
	c.Check(res.PValues[0] < 0.05, check.Equals, true)
	c.Check(res.PValues[1] < 0.05, check.Equals, true)
}

func (s *statsSuite) TestWilcoxonMethodUnavailable(c *check.C) {
	n := 20
	groupIndex := make([]int, n)
	values := make([]float32, n)
	for i := 0; i < n; i++ {
		if i >= 10 {
			groupIndex[i] = 1
		}
		values[i] = float32(i)
	}
	_, err := computePerGeneResult(values, groupIndex, 2, MethodWilcoxon, 5, nil)
	c.Assert(err, check.NotNil)
	domainErr, ok := err.(*Error)
	c.Assert(ok, check.Equals, true)
	c.Check(domainErr.Kind, check.Equals, ErrMethodUnavailable)
}

func (s *statsSuite) TestMidranksTieAveraging(c *check.C) {
	ranks, tieSizes := midranks([]float64{1, 2, 2, 3})
	c.Check(ranks, check.DeepEquals, []float64{1, 2.5, 2.5, 4})
	c.Check(tieSizes, check.DeepEquals, []int{1, 2, 1})
}

func closeTo(want, tol float64) check.Checker {
	return &floatCloseChecker{want, tol}
}

type floatCloseChecker struct{ want, tol float64 }

func (f *floatCloseChecker) Info() *check.CheckerInfo {
	return &check.CheckerInfo{Name: "closeTo", Params: []string{"obtained"}}
}

func (f *floatCloseChecker) Check(params []interface{}, names []string) (bool, string) {
	got, ok := params[0].(float64)
	if !ok {
		return false, "obtained value is not a float64"
	}
	return math.Abs(got-f.want) <= f.tol, ""
}
