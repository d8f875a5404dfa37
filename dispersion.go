// Copyright (C) The RNAdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnadiff

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// DispersionFit holds per-gene dispersion estimates and the fitted
// mean-dispersion trend. Raw entries are NaN for genes that were not
// fitted (all-zero counts or failed GLM fits); such genes do not
// contribute to the trend. The struct is read-only after fitting:
// both the variance stabilizer and the Wald stage consume it as-is.
type DispersionFit struct {
	Raw   []float64
	Trend []float64
	Final []float64

	// Parametric trend: dispersion ~ A0 + A1/mean.
	A0, A1 float64

	// Log-normal shrinkage prior standard deviation, and the raw
	// spread of log residuals used for outlier calls.
	PriorSigma float64
	residSD    float64

	// Outlier marks genes whose raw dispersion sits far above the
	// trend; they keep their raw estimate unshrunk.
	Outlier []bool
}

func (df *DispersionFit) trendAt(mean float64) float64 {
	return df.A0 + df.A1/mean
}

// Trend-fit iteration: genes whose raw/trend ratio leaves this band
// are treated as outliers for the next least-squares pass.
const (
	trendRatioMin = 1e-4
	trendRatioMax = 15
)

// fitDispersionTrend fits dispersion ~ a0 + a1/mean by iterated least
// squares over genes with usable raw estimates, excluding genes whose
// ratio to the current trend falls outside [trendRatioMin,
// trendRatioMax], until the coefficients stabilize.
func fitDispersionTrend(means, raw []float64) (a0, a1 float64, err error) {
	var x, y []float64
	for i, r := range raw {
		if math.IsNaN(r) || means[i] <= 0 {
			continue
		}
		x = append(x, means[i])
		y = append(y, r)
	}
	if len(x) < 2 {
		return 0, 0, fmt.Errorf("dispersion trend: %d usable genes, need at least 2", len(x))
	}
	use := make([]bool, len(x))
	for i := range use {
		use[i] = true
	}
	a0, a1 = math.NaN(), math.NaN()
	for iter := 0; iter < 10; iter++ {
		var rows int
		for _, u := range use {
			if u {
				rows++
			}
		}
		if rows < 2 {
			break
		}
		xm := mat.NewDense(rows, 2, nil)
		ym := mat.NewVecDense(rows, nil)
		r := 0
		for i, u := range use {
			if !u {
				continue
			}
			xm.Set(r, 0, 1)
			xm.Set(r, 1, 1/x[i])
			ym.SetVec(r, y[i])
			r++
		}
		var coef mat.VecDense
		if err := coef.SolveVec(xm, ym); err != nil {
			return 0, 0, fmt.Errorf("dispersion trend: %w", err)
		}
		na0, na1 := coef.AtVec(0), coef.AtVec(1)
		if na0 < minDispersion {
			na0 = minDispersion
		}
		if na1 < 0 {
			na1 = 0
		}
		changed := false
		for i := range use {
			tr := na0 + na1/x[i]
			ratio := y[i] / tr
			keep := ratio > trendRatioMin && ratio < trendRatioMax
			if keep != use[i] {
				changed = true
				use[i] = keep
			}
		}
		converged := !math.IsNaN(a0) &&
			math.Abs(na0-a0) <= 1e-6*math.Abs(a0)+1e-12 &&
			math.Abs(na1-a1) <= 1e-6*math.Abs(a1)+1e-12
		a0, a1 = na0, na1
		if converged || !changed {
			break
		}
	}
	return a0, a1, nil
}

// logResidualSD is a robust (MAD-based) standard deviation of
// log(raw) - log(trend) over usable genes.
func logResidualSD(means, raw []float64, a0, a1 float64) float64 {
	var res []float64
	for i, r := range raw {
		if math.IsNaN(r) || means[i] <= 0 {
			continue
		}
		res = append(res, math.Log(r)-math.Log(a0+a1/means[i]))
	}
	if len(res) == 0 {
		return 0
	}
	sort.Float64s(res)
	med := median(res)
	for i, v := range res {
		res[i] = math.Abs(v - med)
	}
	sort.Float64s(res)
	return median(res) * 1.4826
}

// shrinkagePriorSigma removes the expected sampling spread of a
// per-gene log dispersion estimate (trigamma of half the residual
// degrees of freedom) from the observed spread, flooring the prior
// variance at 0.25 so a handful of genes cannot collapse the prior.
func shrinkagePriorSigma(residSD float64, m, p int) float64 {
	df := float64(m-p) / 2
	if df <= 0 {
		df = 0.5
	}
	v := residSD*residSD - trigamma(df)
	if v < 0.25 {
		v = 0.25
	}
	return math.Sqrt(v)
}

// posteriorDispersion maximizes the NB likelihood (fixed means) plus
// a log-normal prior centered on the trend value.
func posteriorDispersion(y, mu []float64, trend, sigma float64) float64 {
	logTrend := math.Log(trend)
	f := func(logAlpha float64) float64 {
		d := logAlpha - logTrend
		return -nbLogLik(y, mu, math.Exp(logAlpha)) + d*d/(2*sigma*sigma)
	}
	return clampDispersion(math.Exp(minimizeGolden(f, math.Log(minDispersion), math.Log(maxDispersion), 64)))
}

// dispersionOutlier reports whether a raw estimate is too far above
// the trend to be shrunk: such genes keep their raw dispersion so
// genuinely over-dispersed genes are not under-corrected.
func dispersionOutlier(raw, trend, residSD float64) bool {
	return math.Log(raw) > math.Log(trend)+2*residSD
}

// trigamma computes the trigamma function by the ascending recurrence
// into the asymptotic region.
func trigamma(x float64) float64 {
	if x <= 0 {
		return math.NaN()
	}
	v := 0.0
	for x < 8 {
		v += 1 / (x * x)
		x++
	}
	y := 1 / (x * x)
	// Asymptotic expansion of trigamma.
	return v + 1/x + y/2 + y/x*(1.0/6-y*(1.0/30-y*(1.0/42-y/30)))
}
