// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package markers

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// log2FCEpsilon is the pseudocount added to both means before taking the
// log2 ratio, per spec.
const log2FCEpsilon = 0.01

// NormalCDF abstracts the standard normal CDF used by the Wilcoxon
// continuity-corrected normal approximation. The default implementation
// wraps gonum's distuv.Normal; a nil provider passed to wilcoxonPValue models
// a host environment that cannot compute it, surfacing method_unavailable
// rather than silently returning NaN p-values, per the hard-error resolution
// of the degraded-mode Open Question in spec.md section 9.
type NormalCDF interface {
	CDF(z float64) float64
}

type gonumNormalCDF struct{}

func (gonumNormalCDF) CDF(z float64) float64 {
	return distuv.Normal{Mu: 0, Sigma: 1}.CDF(z)
}

// DefaultNormalCDF is the provider DiscoveryEngine.Discover passes to every
// gene task; DiscoveryConfig has no field to replace it.
var DefaultNormalCDF NormalCDF = gonumNormalCDF{}

// geneAccumulator holds the single-pass running sums computed once per gene,
// shared by every group's one-vs-rest test (spec.md section 4.1).
type geneAccumulator struct {
	nTotal     int
	sumTotal   float64
	sumSqTotal float64
	exprTotal  int

	nIn     []int
	sumIn   []float64
	sumSqIn []float64
	exprIn  []int
}

func newGeneAccumulator(groupCount int) *geneAccumulator {
	return &geneAccumulator{
		nIn:     make([]int, groupCount),
		sumIn:   make([]float64, groupCount),
		sumSqIn: make([]float64, groupCount),
		exprIn:  make([]int, groupCount),
	}
}

// accumulate performs the single pass over a gene's values, also collecting
// the finite, non-excluded indices and values needed by the Wilcoxon rank
// computation (shared across every group for this gene).
func (a *geneAccumulator) accumulate(values []float32, groupIndex []int) (finiteValues []float64, finiteGroup []int) {
	finiteValues = make([]float64, 0, len(values))
	finiteGroup = make([]int, 0, len(values))
	for i, v32 := range values {
		g := groupIndex[i]
		if g < 0 {
			continue
		}
		v := float64(v32)
		if math.IsNaN(v) {
			continue
		}
		a.nTotal++
		a.sumTotal += v
		a.sumSqTotal += v * v
		if v > 0 {
			a.exprTotal++
		}
		a.nIn[g]++
		a.sumIn[g] += v
		a.sumSqIn[g] += v * v
		if v > 0 {
			a.exprIn[g]++
		}
		finiteValues = append(finiteValues, v)
		finiteGroup = append(finiteGroup, g)
	}
	return finiteValues, finiteGroup
}

// midranks assigns 1-based ranks to values, averaging ranks across tied
// runs (the standard Wilcoxon tie-breaking rule), and returns the rank of
// each input element alongside the list of tied-run sizes (needed for the
// tie-correction term).
func midranks(values []float64) (ranks []float64, tieSizes []int) {
	n := len(values)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return values[order[i]] < values[order[j]] })

	ranks = make([]float64, n)
	i := 0
	for i < n {
		j := i
		for j+1 < n && values[order[j+1]] == values[order[i]] {
			j++
		}
		// positions i..j (0-based) are tied; their rank is the mean of
		// the 1-based ranks i+1..j+1
		avgRank := float64(i+j+2) / 2
		for k := i; k <= j; k++ {
			ranks[order[k]] = avgRank
		}
		tieSizes = append(tieSizes, j-i+1)
		i = j + 1
	}
	return ranks, tieSizes
}

// computePerGeneResult runs the one-vs-rest test for every eligible group
// and returns the dense per-group result vectors for this gene. Groups that
// do not meet minCells on either side are left as NaN/zero.
func computePerGeneResult(values []float32, groupIndex []int, groupCount int, method Method, minCells int, normalCDF NormalCDF) (*PerGeneResult, error) {
	acc := newGeneAccumulator(groupCount)
	finiteValues, finiteGroup := acc.accumulate(values, groupIndex)

	res := &PerGeneResult{
		PValues: make([]float64, groupCount),
		Log2FC:  make([]float64, groupCount),
		MeanIn:  make([]float64, groupCount),
		MeanOut: make([]float64, groupCount),
		PctIn:   make([]float64, groupCount),
		PctOut:  make([]float64, groupCount),
		NIn:     make([]int, groupCount),
		NOut:    make([]int, groupCount),
	}
	for g := 0; g < groupCount; g++ {
		res.PValues[g] = math.NaN()
		res.Log2FC[g] = math.NaN()
	}
	if acc.nTotal == 0 {
		return res, nil
	}

	var ranks []float64
	var tieSizes []int
	if method == MethodWilcoxon {
		ranks, tieSizes = midranks(finiteValues)
	}
	rankSumByGroup := make([]float64, groupCount)
	if method == MethodWilcoxon {
		for i, g := range finiteGroup {
			rankSumByGroup[g] += ranks[i]
		}
	}

	threshold := minCells
	if threshold < 2 {
		threshold = 2
	}

	for g := 0; g < groupCount; g++ {
		nIn := acc.nIn[g]
		nOut := acc.nTotal - nIn
		if nIn < threshold || nOut < threshold {
			continue
		}
		meanIn := acc.sumIn[g] / float64(nIn)
		meanOut := (acc.sumTotal - acc.sumIn[g]) / float64(nOut)
		res.MeanIn[g] = meanIn
		res.MeanOut[g] = meanOut
		res.NIn[g] = nIn
		res.NOut[g] = nOut
		res.PctIn[g] = 100 * float64(acc.exprIn[g]) / float64(nIn)
		res.PctOut[g] = 100 * float64(acc.exprTotal-acc.exprIn[g]) / float64(nOut)
		res.Log2FC[g] = math.Log2((meanIn + log2FCEpsilon) / (meanOut + log2FCEpsilon))

		switch method {
		case MethodTTest:
			p, err := welchTTest(acc.sumIn[g], acc.sumSqIn[g], nIn, acc.sumTotal-acc.sumIn[g], acc.sumSqTotal-acc.sumSqIn[g], nOut)
			if err != nil {
				return nil, err
			}
			res.PValues[g] = p
		case MethodWilcoxon:
			p, err := wilcoxonPValue(rankSumByGroup[g], nIn, nOut, acc.nTotal, tieSizes, normalCDF)
			if err != nil {
				return nil, err
			}
			res.PValues[g] = p
		}
	}
	return res, nil
}

// welchTTest computes the two-sided Welch t-test p-value from running sums,
// using gonum's distuv.StudentsT for the CDF and Welch-Satterthwaite degrees
// of freedom.
func welchTTest(sumIn, sumSqIn float64, nIn int, sumOut, sumSqOut float64, nOut int) (float64, error) {
	meanIn := sumIn / float64(nIn)
	meanOut := sumOut / float64(nOut)
	varIn := sampleVariance(sumSqIn, sumIn, nIn)
	varOut := sampleVariance(sumSqOut, sumOut, nOut)

	seIn := varIn / float64(nIn)
	seOut := varOut / float64(nOut)
	se := seIn + seOut
	if se <= 0 {
		// Zero pooled variance: the groups either differ with certainty
		// (t diverges to infinity) or are identical (no evidence of a
		// difference at all).
		if meanIn == meanOut {
			return 1, nil
		}
		return 0, nil
	}
	t := (meanIn - meanOut) / math.Sqrt(se)

	var df float64
	if nIn < 2 || nOut < 2 {
		df = float64(nIn + nOut - 2)
	} else {
		num := se * se
		den := (seIn*seIn)/float64(nIn-1) + (seOut*seOut)/float64(nOut-1)
		if den <= 0 {
			df = float64(nIn + nOut - 2)
		} else {
			df = num / den
		}
	}
	if df <= 0 || math.IsNaN(df) {
		return math.NaN(), nil
	}

	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p := 2 * dist.Survival(math.Abs(t))
	if p > 1 {
		p = 1
	}
	return p, nil
}

func sampleVariance(sumSq, sum float64, n int) float64 {
	if n < 2 {
		return 0
	}
	mean := sum / float64(n)
	v := (sumSq - float64(n)*mean*mean) / float64(n-1)
	if v < 0 {
		v = 0
	}
	return v
}

// wilcoxonPValue computes the tie-corrected, continuity-corrected normal
// approximation to the two-sided Wilcoxon rank-sum p-value.
func wilcoxonPValue(rankSum float64, nIn, nOut, nTotal int, tieSizes []int, normalCDF NormalCDF) (float64, error) {
	if normalCDF == nil {
		return 0, newError(ErrMethodUnavailable, "no normal CDF provider available to compute the Wilcoxon rank-sum p-value", nil)
	}
	u := rankSum - float64(nIn*(nIn+1))/2

	tieTerm := 0.0
	for _, t := range tieSizes {
		tf := float64(t)
		tieTerm += tf*tf*tf - tf
	}
	variance := float64(nIn*nOut) * (float64(nTotal+1) - tieTerm/float64(nTotal*(nTotal-1))) / 12
	if variance <= 0 {
		return math.NaN(), nil
	}
	sigma := math.Sqrt(variance)

	mu := float64(nIn*nOut) / 2
	diff := u - mu
	var z float64
	switch {
	case diff > 0:
		z = (diff - 0.5) / sigma
	case diff < 0:
		z = (diff + 0.5) / sigma
	default:
		z = 0
	}
	p := 2 * (1 - normalCDF.CDF(math.Abs(z)))
	if p > 1 {
		p = 1
	}
	if p < 0 {
		p = 0
	}
	return p, nil
}
