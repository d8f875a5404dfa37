// Copyright (C) The RNAdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnadiff

import (
	"fmt"
	"io"
	"log"
	"math"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
)

// Dispersion search bounds and fallbacks. The ML search runs over
// log dispersion inside [minDispersion, maxDispersion].
const (
	minDispersion = 1e-8
	maxDispersion = 10
)

// nbFit is the outcome of fitting one gene's Negative-Binomial GLM:
// coefficients on the log2 scale come later; here everything is
// natural-log scale as fitted.
type nbFit struct {
	coef      []float64 // per design coefficient
	stderr    []float64
	mu        []float64 // fitted means, per sample
	converged bool
}

// fitNBGLM fits one gene's counts against the design with a log-link
// Negative-Binomial GLM at a fixed dispersion, using the log size
// factors as offsets. It is a pure function of its arguments and safe
// to call from concurrent workers. Optimizer failures (typically
// singular weight matrices on degenerate count patterns) surface as
// errors, not panics.
func fitNBGLM(counts []float64, dm *designMatrix, offsets []float64, dispersion float64) (fit nbFit, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("glm fit: %v", r)
		}
	}()
	m := len(counts)
	p := dm.ncoef()
	data := make([][]statmodel.Dtype, 0, p+2)
	names := make([]string, 0, p+2)
	data = append(data, append([]statmodel.Dtype(nil), counts...))
	names = append(names, "y")
	for j := 0; j < p; j++ {
		col := make([]statmodel.Dtype, m)
		for i := 0; i < m; i++ {
			col[i] = dm.x.At(i, j)
		}
		data = append(data, col)
		names = append(names, dm.names[j])
	}
	data = append(data, append([]statmodel.Dtype(nil), offsets...))
	names = append(names, "off")

	dataset := statmodel.NewDataset(data, names)
	// Gradient optimization, not IRLS: statmodel's IRLS can settle
	// on a non-maximum for the NegBinom family with treatment-coded
	// indicator columns, inflating the indicator coefficient.
	config := &glm.Config{
		Family:    glm.NewNegBinomFamily(dispersion, glm.NewLink(glm.LogLink)),
		FitMethod: "Gradient",
		OffsetVar: "off",
		Log:       log.New(io.Discard, "", 0),
	}
	model, err := glm.NewGLM(dataset, "y", names[1:len(names)-1], config)
	if err != nil {
		return nbFit{}, err
	}
	result := model.Fit()
	fit.coef = append([]float64(nil), result.Params()...)
	fit.stderr = append([]float64(nil), result.StdErr()...)
	fit.mu = make([]float64, m)
	for i := 0; i < m; i++ {
		eta := offsets[i]
		for j := 0; j < p; j++ {
			eta += dm.x.At(i, j) * fit.coef[j]
		}
		fit.mu[i] = math.Exp(eta)
	}
	fit.converged = true
	for _, v := range fit.coef {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			fit.converged = false
		}
	}
	for _, v := range fit.stderr {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			fit.converged = false
		}
	}
	if !fit.converged {
		return fit, fmt.Errorf("glm fit: non-finite estimates")
	}
	return fit, nil
}

// nbLogLik is the Negative-Binomial log likelihood of counts y with
// fixed means mu and dispersion alpha (variance mu + alpha*mu^2).
func nbLogLik(y, mu []float64, alpha float64) float64 {
	inv := 1 / alpha
	ll := 0.0
	for i, yi := range y {
		am := alpha * mu[i]
		lg1, _ := math.Lgamma(yi + inv)
		lg2, _ := math.Lgamma(inv)
		lg3, _ := math.Lgamma(yi + 1)
		ll += lg1 - lg2 - lg3 + yi*math.Log(am/(1+am)) - inv*math.Log(1+am)
	}
	return ll
}

// momentsDispersion is the method-of-moments dispersion estimate from
// squared residuals around fitted means, with p model degrees of
// freedom removed. Used to seed the likelihood search.
func momentsDispersion(y, mu []float64, p int) float64 {
	df := float64(len(y) - p)
	if df <= 0 {
		return minDispersion
	}
	sum := 0.0
	for i, yi := range y {
		if mu[i] <= 0 {
			continue
		}
		d := yi - mu[i]
		sum += (d*d - mu[i]) / (mu[i] * mu[i])
	}
	return clampDispersion(sum / df)
}

// mleDispersion maximizes the fixed-mean NB likelihood over log
// dispersion by golden-section search.
func mleDispersion(y, mu []float64) float64 {
	f := func(logAlpha float64) float64 {
		return -nbLogLik(y, mu, math.Exp(logAlpha))
	}
	return clampDispersion(math.Exp(minimizeGolden(f, math.Log(minDispersion), math.Log(maxDispersion), 64)))
}

func clampDispersion(a float64) float64 {
	if math.IsNaN(a) || a < minDispersion {
		return minDispersion
	}
	if a > maxDispersion {
		return maxDispersion
	}
	return a
}

// minimizeGolden is a bracketed 1-D golden-section minimizer. The
// objective need not be smooth; iters=64 resolves the bracket to
// ~1e-13 of its width.
func minimizeGolden(f func(float64) float64, lo, hi float64, iters int) float64 {
	const phi = 0.6180339887498949
	a, b := lo, hi
	c := b - phi*(b-a)
	d := a + phi*(b-a)
	fc, fd := f(c), f(d)
	for i := 0; i < iters; i++ {
		if fc < fd {
			b, d, fd = d, c, fc
			c = b - phi*(b-a)
			fc = f(c)
		} else {
			a, c, fc = c, d, fd
			d = a + phi*(b-a)
			fd = f(d)
		}
	}
	return (a + b) / 2
}
