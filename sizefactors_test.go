// Copyright (C) The RNAdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnadiff

import (
	"errors"
	"math"

	"gopkg.in/check.v1"
)

type sizeFactorsSuite struct{}

var _ = check.Suite(&sizeFactorsSuite{})

func near(c *check.C, got, want, tol float64) {
	if math.IsNaN(want) {
		c.Check(math.IsNaN(got), check.Equals, true)
		return
	}
	if !(math.Abs(got-want) <= tol) {
		c.Errorf("got %v, want %v (tolerance %v)", got, want, tol)
	}
}

func mustMatrix(c *check.C, genes, samples []string, counts [][]int) *CountMatrix {
	m, err := NewCountMatrix(genes, samples, counts)
	c.Assert(err, check.IsNil)
	return m
}

func (s *sizeFactorsSuite) TestFactorsPositiveAndRatioPreserving(c *check.C) {
	m := mustMatrix(c,
		[]string{"g1", "g2", "g3"},
		[]string{"s1", "s2"},
		[][]int{
			{10, 20},
			{100, 200},
			{7, 14},
		})
	factors, err := estimateSizeFactors(m)
	c.Assert(err, check.IsNil)
	for _, f := range factors {
		c.Check(f > 0, check.Equals, true)
	}
	// Sample 2 is exactly double depth.
	near(c, factors[1]/factors[0], 2, 1e-12)

	norm := normalizedCounts(m, factors)
	for i := 0; i < m.NGenes(); i++ {
		for j := 0; j < m.NSamples(); j++ {
			near(c, norm[i][j], float64(m.at(i, j))/factors[j], 1e-12)
		}
	}
	// Depth correction leaves each gene flat across samples.
	for i := 0; i < m.NGenes(); i++ {
		near(c, norm[i][0], norm[i][1], 1e-9)
	}
}

func (s *sizeFactorsSuite) TestScaleInvariance(c *check.C) {
	counts := [][]int{
		{10, 15, 30},
		{100, 90, 80},
		{5, 5, 5},
	}
	genes := []string{"g1", "g2", "g3"}
	samples := []string{"s1", "s2", "s3"}
	m := mustMatrix(c, genes, samples, counts)
	scaled := make([][]int, len(counts))
	for i, row := range counts {
		srow := make([]int, len(row))
		for j, v := range row {
			srow[j] = v * 7
		}
		scaled[i] = srow
	}
	m7 := mustMatrix(c, genes, samples, scaled)

	f1, err := estimateSizeFactors(m)
	c.Assert(err, check.IsNil)
	f7, err := estimateSizeFactors(m7)
	c.Assert(err, check.IsNil)
	n1 := normalizedCounts(m, f1)
	n7 := normalizedCounts(m7, f7)
	// The pseudo-reference scales with the matrix, so a uniform
	// rescaling leaves the factors unchanged and carries through to
	// the normalized counts.
	for j := range f1 {
		near(c, f7[j], f1[j], 1e-9)
	}
	for i := range n1 {
		for j := range n1[i] {
			near(c, n7[i][j], 7*n1[i][j], 1e-9)
		}
	}
	// Relative depths are unaffected either way.
	for j := 1; j < len(f1); j++ {
		near(c, f7[j]/f7[0], f1[j]/f1[0], 1e-9)
	}
}

func (s *sizeFactorsSuite) TestDegenerateSample(c *check.C) {
	m := mustMatrix(c,
		[]string{"g1", "g2"},
		[]string{"good", "empty"},
		[][]int{
			{10, 0},
			{20, 0},
		})
	_, err := estimateSizeFactors(m)
	c.Assert(err, check.NotNil)
	var degenerate *DegenerateSampleError
	c.Assert(errors.As(err, &degenerate), check.Equals, true)
	c.Check(degenerate.Sample, check.Equals, "empty")
}

func (s *sizeFactorsSuite) TestNoReferenceGenes(c *check.C) {
	// Every sample has counts, but no gene is zero-free, so there is
	// nothing to build the pseudo-reference from. No sample is to
	// blame here.
	m := mustMatrix(c,
		[]string{"g1", "g2"},
		[]string{"s1", "s2"},
		[][]int{
			{1, 0},
			{0, 1},
		})
	_, err := estimateSizeFactors(m)
	c.Assert(err, check.NotNil)
	c.Check(errors.Is(err, ErrNoReferenceGenes), check.Equals, true)
	var degenerate *DegenerateSampleError
	c.Check(errors.As(err, &degenerate), check.Equals, false)
}

func (s *sizeFactorsSuite) TestAllZeroGeneSkipped(c *check.C) {
	m := mustMatrix(c,
		[]string{"g1", "dead", "g3"},
		[]string{"s1", "s2"},
		[][]int{
			{10, 20},
			{0, 0},
			{30, 60},
		})
	factors, err := estimateSizeFactors(m)
	c.Assert(err, check.IsNil)
	near(c, factors[1]/factors[0], 2, 1e-12)
}

func (s *sizeFactorsSuite) TestLogNormalizedPseudocount(c *check.C) {
	m := mustMatrix(c,
		[]string{"g1", "g2"},
		[]string{"s1", "s2"},
		[][]int{
			{0, 3},
			{8, 8},
		})
	factors := []float64{1, 1}
	logs := logNormalizedCounts(m, factors)
	near(c, logs[0][0], 0, 1e-12) // log2(0+1)
	near(c, logs[1][0], math.Log2(9), 1e-12)
}
