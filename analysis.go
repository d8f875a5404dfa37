// Copyright (C) The RNAdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnadiff

import (
	"fmt"
	"math"
	"runtime"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// fitStage orders the differential-testing pipeline. Each stage
// requires the previous one; rewinding an earlier stage discards all
// downstream state rather than patching it.
type fitStage int

const (
	stageUnfit fitStage = iota
	stageSizeFactors
	stageDispersions
	stageDispersionsShrunk
	stageCoefficients
	stageResults
)

func (s fitStage) String() string {
	switch s {
	case stageUnfit:
		return "Unfit"
	case stageSizeFactors:
		return "SizeFactorsEstimated"
	case stageDispersions:
		return "DispersionsEstimated"
	case stageDispersionsShrunk:
		return "DispersionsShrunk"
	case stageCoefficients:
		return "CoefficientsFit"
	case stageResults:
		return "ResultsExtracted"
	}
	return fmt.Sprintf("fitStage(%d)", int(s))
}

// geneState accumulates the per-gene intermediates across stages.
type geneState struct {
	allZero bool
	err     error     // first fatal per-gene failure; result row becomes NA
	mu      []float64 // fitted means from the dispersion stage
	fit     nbFit     // coefficients refit with the final dispersion
	cooks   float64   // max Cook's distance, NaN when not evaluated
	outlier bool      // count outlier: excluded from BH, padj is NA
}

// Analysis is a differential-expression analysis of one count matrix
// against one covariate design. The covariate table is aligned to the
// matrix's sample order at construction, so downstream math never
// depends on input ordering.
type Analysis struct {
	counts  *CountMatrix
	colData *ColData
	design  Design
	dm      *designMatrix

	stage       fitStage
	sizeFactors []float64
	offsets     []float64 // log size factors
	baseMean    []float64
	disp        *DispersionFit
	genes       []geneState

	// MaxThreads limits per-gene fit workers; 0 means GOMAXPROCS.
	MaxThreads int
}

// NewAnalysis validates the inputs (sample identity between matrix
// and covariate table, design estimability) and returns an analysis
// in the Unfit stage.
func NewAnalysis(counts *CountMatrix, colData *ColData, design Design) (*Analysis, error) {
	aligned, err := colData.alignTo(counts)
	if err != nil {
		return nil, err
	}
	dm, err := design.resolve(aligned)
	if err != nil {
		return nil, err
	}
	return &Analysis{
		counts:  counts,
		colData: aligned,
		design:  design,
		dm:      dm,
	}, nil
}

func (a *Analysis) Stage() fitStage { return a.stage }

// SizeFactors returns the per-sample factors, in matrix column order.
func (a *Analysis) SizeFactors() ([]float64, error) {
	if a.stage < stageSizeFactors {
		return nil, a.stageError(stageSizeFactors)
	}
	return append([]float64(nil), a.sizeFactors...), nil
}

// Dispersions returns the dispersion fit once shrinkage has run.
func (a *Analysis) Dispersions() (*DispersionFit, error) {
	if a.stage < stageDispersionsShrunk {
		return nil, a.stageError(stageDispersionsShrunk)
	}
	return a.disp, nil
}

func (a *Analysis) stageError(need fitStage) error {
	return fmt.Errorf("analysis is %v: run the %v stage first", a.stage, need)
}

// rewind discards all state beyond the given stage.
func (a *Analysis) rewind(to fitStage) {
	if a.stage > to {
		a.stage = to
	}
	if a.stage < stageSizeFactors {
		a.sizeFactors, a.offsets = nil, nil
	}
	if a.stage < stageDispersions {
		a.baseMean, a.disp, a.genes = nil, nil, nil
	}
	if a.stage < stageCoefficients {
		for i := range a.genes {
			a.genes[i].fit = nbFit{}
			a.genes[i].cooks = math.NaN()
			a.genes[i].outlier = false
		}
	}
}

// SetDesign replaces the covariate design. Dispersions depend on
// residuals under the design, so everything after size-factor
// estimation is invalidated.
func (a *Analysis) SetDesign(design Design) error {
	dm, err := design.resolve(a.colData)
	if err != nil {
		return err
	}
	a.design, a.dm = design, dm
	a.rewind(stageSizeFactors)
	return nil
}

// SetSizeFactors supplies externally computed factors instead of
// estimating them.
func (a *Analysis) SetSizeFactors(factors []float64) error {
	if len(factors) != a.counts.NSamples() {
		return fmt.Errorf("%d size factors for %d samples", len(factors), a.counts.NSamples())
	}
	for j, f := range factors {
		if !(f > 0) {
			return fmt.Errorf("size factor %g for sample %q: must be positive", f, a.counts.samples[j])
		}
	}
	a.rewind(stageUnfit)
	a.sizeFactors = append([]float64(nil), factors...)
	a.setOffsets()
	a.stage = stageSizeFactors
	return nil
}

// EstimateSizeFactors runs the median-of-ratios normalizer (stage 1).
func (a *Analysis) EstimateSizeFactors() error {
	a.rewind(stageUnfit)
	factors, err := estimateSizeFactors(a.counts)
	if err != nil {
		return err
	}
	a.sizeFactors = factors
	a.setOffsets()
	a.stage = stageSizeFactors
	return nil
}

func (a *Analysis) setOffsets() {
	a.offsets = make([]float64, len(a.sizeFactors))
	for j, f := range a.sizeFactors {
		a.offsets[j] = math.Log(f)
	}
}

func (a *Analysis) maxThreads() int {
	if a.MaxThreads > 0 {
		return a.MaxThreads
	}
	return runtime.GOMAXPROCS(0)
}

// EstimateDispersions fits each gene's NB GLM and estimates its raw
// dispersion (moments seed, then fixed-mean maximum likelihood), then
// fits the parametric mean-dispersion trend (stage 2).
func (a *Analysis) EstimateDispersions() error {
	if a.stage < stageSizeFactors {
		return a.stageError(stageSizeFactors)
	}
	a.rewind(stageSizeFactors)
	ngenes := a.counts.NGenes()
	a.baseMean = baseMeans(a.counts, a.sizeFactors)
	a.genes = make([]geneState, ngenes)
	raw := make([]float64, ngenes)
	p := a.dm.ncoef()

	throttle := throttle{Max: a.maxThreads()}
	for g := 0; g < ngenes; g++ {
		g := g
		raw[g] = math.NaN()
		a.genes[g].cooks = math.NaN()
		if a.counts.allZeroRow(g) {
			a.genes[g].allZero = true
			continue
		}
		throttle.Acquire()
		go func() {
			defer throttle.Release()
			y := a.counts.floatRow(g)
			fit, err := fitNBGLM(y, a.dm, a.offsets, a.initialDispersion(g))
			if err != nil {
				a.genes[g].err = err
				return
			}
			// One method-of-moments refinement pass before the
			// likelihood search: the refit nudges the means, and
			// the seed matters for very low counts.
			if refit, err := fitNBGLM(y, a.dm, a.offsets, momentsDispersion(y, fit.mu, p)); err == nil {
				fit = refit
			}
			a.genes[g].mu = fit.mu
			raw[g] = mleDispersion(y, fit.mu)
		}()
	}
	if err := throttle.Wait(); err != nil {
		return err
	}

	a0, a1, err := fitDispersionTrend(a.baseMean, raw)
	if err != nil {
		return err
	}
	trend := make([]float64, ngenes)
	for g := range trend {
		if a.baseMean[g] > 0 {
			trend[g] = a0 + a1/a.baseMean[g]
		} else {
			trend[g] = math.NaN()
		}
	}
	a.disp = &DispersionFit{
		Raw:     raw,
		Trend:   trend,
		Final:   make([]float64, ngenes),
		A0:      a0,
		A1:      a1,
		Outlier: make([]bool, ngenes),
	}
	for g := range a.disp.Final {
		a.disp.Final[g] = math.NaN()
	}
	a.stage = stageDispersions
	return nil
}

// initialDispersion seeds a gene's first GLM fit with a moments
// estimate from its normalized counts, ignoring the design.
func (a *Analysis) initialDispersion(g int) float64 {
	n := float64(a.counts.NSamples())
	mean := 0.0
	norm := make([]float64, a.counts.NSamples())
	for j := range norm {
		norm[j] = float64(a.counts.at(g, j)) / a.sizeFactors[j]
		mean += norm[j]
	}
	mean /= n
	if mean <= 0 {
		return 0.1
	}
	variance := 0.0
	for _, v := range norm {
		variance += (v - mean) * (v - mean)
	}
	variance /= n - 1
	return clampDispersion((variance - mean) / (mean * mean))
}

// ShrinkDispersions pulls each raw dispersion toward the trend via
// the log-normal empirical-Bayes posterior mode (stage 3). Genes far
// above the trend keep their raw estimate.
func (a *Analysis) ShrinkDispersions() error {
	if a.stage < stageDispersions {
		return a.stageError(stageDispersions)
	}
	a.rewind(stageDispersions)
	a.disp.residSD = logResidualSD(a.baseMean, a.disp.Raw, a.disp.A0, a.disp.A1)
	a.disp.PriorSigma = shrinkagePriorSigma(a.disp.residSD, a.counts.NSamples(), a.dm.ncoef())

	throttle := throttle{Max: a.maxThreads()}
	for g := range a.genes {
		g := g
		if math.IsNaN(a.disp.Raw[g]) {
			continue
		}
		throttle.Acquire()
		go func() {
			defer throttle.Release()
			trend := a.disp.Trend[g]
			if dispersionOutlier(a.disp.Raw[g], trend, a.disp.residSD) {
				a.disp.Outlier[g] = true
				a.disp.Final[g] = a.disp.Raw[g]
				return
			}
			y := a.counts.floatRow(g)
			a.disp.Final[g] = posteriorDispersion(y, a.genes[g].mu, trend, a.disp.PriorSigma)
		}()
	}
	if err := throttle.Wait(); err != nil {
		return err
	}
	a.stage = stageDispersionsShrunk
	return nil
}

// FitModel refits each gene's coefficients with its final dispersion
// and flags count outliers by Cook's distance (stage 4).
func (a *Analysis) FitModel() error {
	if a.stage < stageDispersionsShrunk {
		return a.stageError(stageDispersionsShrunk)
	}
	a.rewind(stageDispersionsShrunk)
	cooksThreshold := a.cooksThreshold()
	checkCooks := a.minReplicates() >= 3

	throttle := throttle{Max: a.maxThreads()}
	for g := range a.genes {
		g := g
		if a.genes[g].allZero || a.genes[g].err != nil || math.IsNaN(a.disp.Final[g]) {
			continue
		}
		throttle.Acquire()
		go func() {
			defer throttle.Release()
			y := a.counts.floatRow(g)
			fit, err := fitNBGLM(y, a.dm, a.offsets, a.disp.Final[g])
			if err != nil {
				a.genes[g].err = err
				return
			}
			a.genes[g].fit = fit
			if checkCooks {
				a.genes[g].cooks = maxCooks(y, fit.mu, a.dm, a.disp.Final[g])
				a.genes[g].outlier = a.genes[g].cooks > cooksThreshold
			}
		}()
	}
	if err := throttle.Wait(); err != nil {
		return err
	}
	a.stage = stageCoefficients
	return nil
}

// cooksThreshold is the 0.99 quantile of F(p, m-p), the conventional
// cutoff for calling a single sample's influence an outlier.
func (a *Analysis) cooksThreshold() float64 {
	m, p := a.counts.NSamples(), a.dm.ncoef()
	if m <= p {
		return math.Inf(1)
	}
	f := distuv.F{D1: float64(p), D2: float64(m - p)}
	return f.Quantile(0.99)
}

// minReplicates is the smallest number of samples sharing one design
// row. Outlier flagging is unreliable below 3 replicates and is
// skipped.
func (a *Analysis) minReplicates() int {
	groups := map[string]int{}
	m, p := a.counts.NSamples(), a.dm.ncoef()
	for i := 0; i < m; i++ {
		key := ""
		for j := 0; j < p; j++ {
			key += fmt.Sprintf("%g,", a.dm.x.At(i, j))
		}
		groups[key]++
	}
	min := m
	for _, n := range groups {
		if n < min {
			min = n
		}
	}
	return min
}

// maxCooks computes the largest per-sample Cook's distance for one
// gene under the fitted NB GLM, using the working weights w = mu/(1 +
// alpha*mu) and the hat values they induce.
func maxCooks(y, mu []float64, dm *designMatrix, alpha float64) float64 {
	m, p := len(y), dm.ncoef()
	w := make([]float64, m)
	for i, mui := range mu {
		w[i] = mui / (1 + alpha*mui)
	}
	xtwx := mat.NewDense(p, p, nil)
	for r := 0; r < p; r++ {
		for c := 0; c < p; c++ {
			sum := 0.0
			for i := 0; i < m; i++ {
				sum += dm.x.At(i, r) * w[i] * dm.x.At(i, c)
			}
			xtwx.Set(r, c, sum)
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(xtwx); err != nil {
		return math.NaN()
	}
	max := 0.0
	xi := make([]float64, p)
	for i := 0; i < m; i++ {
		for j := 0; j < p; j++ {
			xi[j] = dm.x.At(i, j)
		}
		h := 0.0
		for r := 0; r < p; r++ {
			for c := 0; c < p; c++ {
				h += xi[r] * inv.At(r, c) * xi[c]
			}
		}
		h *= w[i]
		if h >= 1 {
			return math.Inf(1)
		}
		v := mu[i] + alpha*mu[i]*mu[i]
		if v <= 0 {
			continue
		}
		r := (y[i] - mu[i]) / math.Sqrt(v)
		cook := r * r * h / (float64(p) * (1 - h) * (1 - h))
		if cook > max {
			max = cook
		}
	}
	return max
}
