// Copyright (C) The RNAdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnadiff

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"
)

// Contrast names the comparison to report: a factor level against a
// reference level, or (with Level and Reference empty) the slope of a
// numeric covariate.
type Contrast struct {
	Covariate string
	Level     string
	Reference string
}

func (c Contrast) String() string {
	if c.Level == "" {
		return c.Covariate
	}
	return fmt.Sprintf("%s %s vs %s", c.Covariate, c.Level, c.Reference)
}

// ParseContrast parses "covariate" or "covariate,level,reference".
func ParseContrast(s string) (Contrast, error) {
	parts := strings.Split(s, ",")
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return Contrast{}, fmt.Errorf("contrast: empty")
		}
		return Contrast{Covariate: parts[0]}, nil
	case 3:
		return Contrast{Covariate: parts[0], Level: parts[1], Reference: parts[2]}, nil
	}
	return Contrast{}, fmt.Errorf("contrast %q: want \"covariate\" or \"covariate,level,reference\"", s)
}

// Result is one gene's row of the results table. NaN marks values
// that are not available: unfitted genes have everything but the base
// mean missing, and outlier genes have a missing adjusted p-value.
type Result struct {
	Gene           string
	BaseMean       float64
	Log2FoldChange float64
	LfcSE          float64
	Stat           float64
	PValue         float64
	PAdj           float64
}

// Results is the immutable per-contrast output table, one row per
// gene in count-matrix row order.
type Results struct {
	Contrast Contrast
	Rows     []Result
}

// WriteTSV writes the table with NA for missing values.
func (r *Results) WriteTSV(w io.Writer) error {
	bufw := bufio.NewWriter(w)
	fmt.Fprintln(bufw, "gene\tbaseMean\tlog2FoldChange\tlfcSE\tstat\tpvalue\tpadj")
	for _, row := range r.Rows {
		fmt.Fprintf(bufw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", row.Gene,
			tsvFloat(row.BaseMean), tsvFloat(row.Log2FoldChange), tsvFloat(row.LfcSE),
			tsvFloat(row.Stat), tsvFloat(row.PValue), tsvFloat(row.PAdj))
	}
	return bufw.Flush()
}

func tsvFloat(v float64) string {
	if math.IsNaN(v) {
		return "NA"
	}
	return fmt.Sprintf("%.6g", v)
}

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// Results extracts the Wald test for one contrast. When the contrast
// asks for a non-default reference level, only the coefficient fits
// are redone under the releveled design; dispersions are kept.
func (a *Analysis) Results(contrast Contrast) (*Results, error) {
	return a.results(contrast, false)
}

// ResultsShrunkLFC is Results with the reported fold changes (and
// their standard errors) replaced by posterior estimates under a
// zero-centered normal prior, stabilizing low-information genes. Test
// statistics and p-values stay those of the unshrunk Wald test.
func (a *Analysis) ResultsShrunkLFC(contrast Contrast) (*Results, error) {
	return a.results(contrast, true)
}

func (a *Analysis) results(contrast Contrast, shrinkLFC bool) (*Results, error) {
	if a.stage < stageCoefficients {
		return nil, a.stageError(stageCoefficients)
	}
	dm := a.dm
	fits := make([]*nbFit, len(a.genes))
	for g := range a.genes {
		if a.genes[g].fit.converged {
			fits[g] = &a.genes[g].fit
		}
	}

	coefName, relevel, err := a.resolveContrast(contrast)
	if err != nil {
		return nil, err
	}
	if relevel != nil {
		// Alternate reference level: refit coefficients under the
		// releveled design with the already-shrunk dispersions.
		dm, err = relevel.resolve(a.colData)
		if err != nil {
			return nil, err
		}
		fits, err = a.refitCoefficients(dm)
		if err != nil {
			return nil, err
		}
	}
	idx, ok := dm.coefIndex(coefName)
	if !ok {
		return nil, fmt.Errorf("contrast %v: no coefficient %q in design (have %v)", contrast, coefName, dm.names)
	}

	const ln2 = math.Ln2
	res := &Results{Contrast: contrast, Rows: make([]Result, len(a.genes))}
	pvals := make([]float64, len(a.genes))
	inBH := make([]bool, len(a.genes))
	for g := range a.genes {
		row := Result{
			Gene:           a.counts.genes[g],
			BaseMean:       a.baseMean[g],
			Log2FoldChange: math.NaN(),
			LfcSE:          math.NaN(),
			Stat:           math.NaN(),
			PValue:         math.NaN(),
			PAdj:           math.NaN(),
		}
		pvals[g] = math.NaN()
		if fits[g] != nil {
			fit := fits[g]
			coef, se := fit.coef[idx], fit.stderr[idx]
			row.Log2FoldChange = coef / ln2
			row.LfcSE = se / ln2
			row.Stat = coef / se
			row.PValue = 2 * stdNormal.Survival(math.Abs(row.Stat))
			if shrinkLFC {
				b, bse := a.shrinkCoefficient(g, dm, fits[g], idx)
				row.Log2FoldChange = b / ln2
				row.LfcSE = bse / ln2
			}
			if a.genes[g].outlier || a.disp.Outlier[g] {
				// Count and dispersion outliers are reported, but
				// not part of the multiple-testing family; padj
				// stays NA.
				pvals[g] = math.NaN()
			} else {
				pvals[g] = row.PValue
				inBH[g] = true
			}
		}
		res.Rows[g] = row
	}
	padj := bhAdjust(pvals, inBH)
	for g := range res.Rows {
		if inBH[g] {
			res.Rows[g].PAdj = padj[g]
		}
	}
	a.stage = stageResults
	return res, nil
}

// resolveContrast maps a contrast to a design coefficient name, plus
// a releveled design when the requested reference is not the design's.
func (a *Analysis) resolveContrast(contrast Contrast) (string, *Design, error) {
	if _, ok := a.colData.numerics[contrast.Covariate]; ok {
		if contrast.Level != "" || contrast.Reference != "" {
			return "", nil, fmt.Errorf("contrast %v: covariate %q is numeric, levels do not apply", contrast, contrast.Covariate)
		}
		return contrast.Covariate, nil, nil
	}
	levels, err := a.colData.Levels(contrast.Covariate)
	if err != nil {
		return "", nil, err
	}
	if contrast.Level == "" {
		return "", nil, fmt.Errorf("contrast %v: factor covariate needs level and reference", contrast)
	}
	has := func(l string) bool {
		for _, v := range levels {
			if v == l {
				return true
			}
		}
		return false
	}
	if !has(contrast.Level) || !has(contrast.Reference) {
		return "", nil, fmt.Errorf("contrast %v: levels of %q are %v", contrast, contrast.Covariate, levels)
	}
	current := levels[0]
	if r, ok := a.design.Reference[contrast.Covariate]; ok {
		current = r
	}
	name := fmt.Sprintf("%s_%s_vs_%s", contrast.Covariate, contrast.Level, contrast.Reference)
	if contrast.Reference == current {
		return name, nil, nil
	}
	d := a.design.Relevel(contrast.Covariate, contrast.Reference)
	return name, &d, nil
}

// refitCoefficients fits every usable gene under an alternate design
// matrix reusing the final dispersions.
func (a *Analysis) refitCoefficients(dm *designMatrix) ([]*nbFit, error) {
	fits := make([]*nbFit, len(a.genes))
	throttle := throttle{Max: a.maxThreads()}
	for g := range a.genes {
		g := g
		if a.genes[g].allZero || a.genes[g].err != nil || math.IsNaN(a.disp.Final[g]) {
			continue
		}
		throttle.Acquire()
		go func() {
			defer throttle.Release()
			fit, err := fitNBGLM(a.counts.floatRow(g), dm, a.offsets, a.disp.Final[g])
			if err == nil {
				fits[g] = &fit
			}
		}()
	}
	if err := throttle.Wait(); err != nil {
		return nil, err
	}
	return fits, nil
}

// lfcPriorSigma is the standard deviation (natural-log scale) of the
// zero-centered normal prior used for fold-change shrinkage; 1.0
// corresponds to a prior SD of ~1.44 on the log2 scale.
const lfcPriorSigma = 1.0

// shrinkCoefficient computes the posterior mode of one coefficient
// with the others held at their MLE, plus a curvature-based standard
// error.
func (a *Analysis) shrinkCoefficient(g int, dm *designMatrix, fit *nbFit, idx int) (b, se float64) {
	y := a.counts.floatRow(g)
	alpha := a.disp.Final[g]
	m := len(y)
	// Linear predictor with the shrunk coefficient removed.
	etaFixed := make([]float64, m)
	xcol := make([]float64, m)
	for i := 0; i < m; i++ {
		eta := a.offsets[i]
		for j := range fit.coef {
			if j != idx {
				eta += dm.x.At(i, j) * fit.coef[j]
			}
		}
		etaFixed[i] = eta
		xcol[i] = dm.x.At(i, idx)
	}
	mu := make([]float64, m)
	obj := func(b float64) float64 {
		for i := 0; i < m; i++ {
			mu[i] = math.Exp(etaFixed[i] + xcol[i]*b)
		}
		return -nbLogLik(y, mu, alpha) + b*b/(2*lfcPriorSigma*lfcPriorSigma)
	}
	span := 4 * (math.Abs(fit.coef[idx]) + 1)
	b = minimizeGolden(obj, -span, span, 64)
	// Posterior curvature by central difference.
	h := 1e-4 * (math.Abs(b) + 1)
	d2 := (obj(b+h) - 2*obj(b) + obj(b-h)) / (h * h)
	if d2 > 0 {
		se = 1 / math.Sqrt(d2)
	} else {
		se = fit.stderr[idx]
	}
	return b, se
}

// bhAdjust applies the Benjamini-Hochberg step-up adjustment over the
// included entries; excluded entries get NaN. Adjusted values are
// non-decreasing in raw p-value rank.
func bhAdjust(pvals []float64, include []bool) []float64 {
	type entry struct {
		idx int
		p   float64
	}
	var ents []entry
	for i, p := range pvals {
		if include[i] && !math.IsNaN(p) {
			ents = append(ents, entry{i, p})
		}
	}
	out := make([]float64, len(pvals))
	for i := range out {
		out[i] = math.NaN()
	}
	n := len(ents)
	if n == 0 {
		return out
	}
	sort.Slice(ents, func(i, j int) bool { return ents[i].p < ents[j].p })
	running := math.Inf(1)
	for i := n - 1; i >= 0; i-- {
		v := ents[i].p * float64(n) / float64(i+1)
		if v < running {
			running = v
		}
		if running > 1 {
			out[ents[i].idx] = 1
		} else {
			out[ents[i].idx] = running
		}
	}
	return out
}
