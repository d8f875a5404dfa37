// Copyright (C) The RNAdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnadiff

import (
	"math"

	"gopkg.in/check.v1"
)

type dispersionSuite struct{}

var _ = check.Suite(&dispersionSuite{})

func (s *dispersionSuite) TestTrendFitRecoversParameters(c *check.C) {
	a0, a1 := 0.05, 2.0
	var means, raw []float64
	for mu := 5.0; mu <= 500; mu += 5 {
		means = append(means, mu)
		raw = append(raw, a0+a1/mu)
	}
	fa0, fa1, err := fitDispersionTrend(means, raw)
	c.Assert(err, check.IsNil)
	near(c, fa0, a0, 1e-6)
	near(c, fa1, a1, 1e-4)
}

func (s *dispersionSuite) TestTrendFitIgnoresUnusableGenes(c *check.C) {
	means := []float64{10, 0, 20, 40}
	raw := []float64{0.25, 0.9, 0.15, math.NaN()}
	// Only means[0] and means[2] contribute: 0.05 + 2/mu passes
	// through both points.
	fa0, fa1, err := fitDispersionTrend(means, raw)
	c.Assert(err, check.IsNil)
	near(c, fa0+fa1/10, 0.25, 1e-6)
	near(c, fa0+fa1/20, 0.15, 1e-6)

	_, _, err = fitDispersionTrend([]float64{10}, []float64{0.1})
	c.Check(err, check.NotNil)
}

func (s *dispersionSuite) TestTrigamma(c *check.C) {
	near(c, trigamma(1), math.Pi*math.Pi/6, 1e-10)
	near(c, trigamma(2), math.Pi*math.Pi/6-1, 1e-10)
	near(c, trigamma(10), 0.10516633568168575, 1e-10)
	near(c, trigamma(0.5), math.Pi*math.Pi/2, 1e-10)
	c.Check(math.IsNaN(trigamma(0)), check.Equals, true)
}

func (s *dispersionSuite) TestShrinkagePriorSigmaFloor(c *check.C) {
	// With no observed spread, the prior variance floors at 0.25.
	near(c, shrinkagePriorSigma(0, 6, 2), 0.5, 1e-12)
	// Large observed spread dominates the sampling correction.
	sd := shrinkagePriorSigma(3, 6, 2)
	c.Check(sd > 2.5, check.Equals, true)
	c.Check(sd < 3, check.Equals, true)
}

func (s *dispersionSuite) TestOutlierRule(c *check.C) {
	c.Check(dispersionOutlier(0.1, 0.1, 0.5), check.Equals, false)
	// e^2 sigma above the trend with sigma=0.5 is the boundary.
	c.Check(dispersionOutlier(0.1*math.Exp(0.9), 0.1, 0.5), check.Equals, false)
	c.Check(dispersionOutlier(0.1*math.Exp(1.1), 0.1, 0.5), check.Equals, true)
}

func (s *dispersionSuite) TestPosteriorShrinksTowardTrend(c *check.C) {
	// Few replicates, mildly spread counts: raw ML dispersion is
	// noisy, the posterior lands between it and the trend.
	y := []float64{80, 120, 90, 110}
	mu := []float64{100, 100, 100, 100}
	raw := mleDispersion(y, mu)
	trend := 0.2
	sigma := 0.5
	post := posteriorDispersion(y, mu, trend, sigma)
	c.Check(post > raw, check.Equals, true)
	c.Check(post < trend, check.Equals, true)
	// A tight prior pins the posterior to the trend.
	tight := posteriorDispersion(y, mu, trend, 0.01)
	near(c, tight, trend, 0.01)
}

func (s *dispersionSuite) TestLogResidualSD(c *check.C) {
	means := []float64{10, 20, 40, 80}
	a0, a1 := 0.05, 1.0
	raw := make([]float64, len(means))
	for i, mu := range means {
		raw[i] = a0 + a1/mu
	}
	// Exactly on the trend: no spread.
	near(c, logResidualSD(means, raw, a0, a1), 0, 1e-12)
}
