// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package markers

import (
	"context"
	"strconv"

	"gopkg.in/check.v1"
)

type discoverySuite struct{}

var _ = check.Suite(&discoverySuite{})

func (s *discoverySuite) TestDiscoverEndToEnd(c *check.C) {
	n := 60
	groupIndex := make([]int, n)
	for i := range groupIndex {
		if i >= 30 {
			groupIndex[i] = 1
		}
	}
	groups := []GroupSpec{
		{GroupID: "A", CellIndices: indicesWhere(groupIndex, 0)},
		{GroupID: "B", CellIndices: indicesWhere(groupIndex, 1)},
	}

	values := map[string][]float32{}
	genes := []string{}
	for g := 0; g < 2; g++ {
		key := "marker" + string(rune('A'+g))
		genes = append(genes, key)
		row := make([]float32, n)
		for i := range row {
			if groupIndex[i] == g {
				row[i] = 10
			} else {
				row[i] = 0.1
			}
		}
		values[key] = row
	}
	genes = append(genes, "flat")
	flat := make([]float32, n)
	for i := range flat {
		flat[i] = 5
	}
	values["flat"] = flat

	source := &SliceGeneSource{Genes: genes, Values: values, NCells: n}
	engine := NewLocalEngine(source, 2)

	cfg := DefaultDiscoveryConfig()
	cfg.Method = MethodTTest
	cfg.MinCells = 5
	cfg.TopN = 5

	result, err := engine.Discover(context.Background(), groups, cfg, nil, nil)
	c.Assert(err, check.IsNil)
	c.Check(engine.State(), check.Equals, StateDone)

	gmA := result.PerGroup["A"]
	c.Assert(len(gmA.Markers) >= 1, check.Equals, true)
	c.Check(gmA.Markers[0].GeneKey, check.Equals, "markerA")
	c.Check(gmA.Markers[0].Rank, check.Equals, 1)

	for _, m := range gmA.Markers {
		c.Check(m.GeneKey != "flat", check.Equals, true)
	}
}

func (s *discoverySuite) TestDiscoverRejectsEmptyGroups(c *check.C) {
	source := &SliceGeneSource{Genes: []string{}, Values: map[string][]float32{}, NCells: 0}
	engine := NewLocalEngine(source, 1)
	_, err := engine.Discover(context.Background(), nil, DefaultDiscoveryConfig(), nil, nil)
	c.Assert(err, check.NotNil)
	domainErr := err.(*Error)
	c.Check(domainErr.Kind, check.Equals, ErrTooFewGroups)
}

func (s *discoverySuite) TestDiscoverPartialCallback(c *check.C) {
	n := 20
	groups := []GroupSpec{
		{GroupID: "A", CellIndices: []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{GroupID: "B", CellIndices: []int{10, 11, 12, 13, 14, 15, 16, 17, 18, 19}},
	}
	genes := make([]string, 10)
	values := map[string][]float32{}
	for i := 0; i < 10; i++ {
		key := "g" + strconv.Itoa(i)
		genes[i] = key
		row := make([]float32, n)
		for c := 0; c < n; c++ {
			row[c] = float32(c)
		}
		values[key] = row
	}
	source := &SliceGeneSource{Genes: genes, Values: values, NCells: n}
	engine := NewLocalEngine(source, 2)

	cfg := DefaultDiscoveryConfig()
	cfg.PartialEvery = 3
	cfg.MinCells = 5

	var partialCalls int
	partials := func(partial map[string]*GroupMarkers, processed int) {
		partialCalls++
	}
	_, err := engine.Discover(context.Background(), groups, cfg, nil, partials)
	c.Assert(err, check.IsNil)
	c.Check(partialCalls > 0, check.Equals, true)
}

func indicesWhere(groupIndex []int, g int) []int {
	var out []int
	for i, v := range groupIndex {
		if v == g {
			out = append(out, i)
		}
	}
	return out
}
