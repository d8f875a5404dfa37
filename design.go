// Copyright (C) The RNAdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnadiff

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Term is one design term: a main effect (B empty) or a two-way
// interaction between covariates A and B.
type Term struct {
	A, B string
}

// Design enumerates the covariates explaining count variation. It is
// resolved against a ColData to a numeric model matrix at fit time;
// factor covariates are treatment-coded against a reference level
// (the lexicographically first, unless overridden in Reference).
type Design struct {
	Terms     []Term
	Reference map[string]string
}

// ParseDesign parses a design expression like
// "condition + cellline + condition:cellline" into terms.
func ParseDesign(s string) (Design, error) {
	var d Design
	for _, part := range strings.Split(s, "+") {
		part = strings.TrimSpace(part)
		if part == "" {
			return Design{}, fmt.Errorf("design: empty term in %q", s)
		}
		if part == "1" {
			// Explicit intercept-only term.
			continue
		}
		factors := strings.Split(part, ":")
		switch len(factors) {
		case 1:
			d.Terms = append(d.Terms, Term{A: strings.TrimSpace(factors[0])})
		case 2:
			d.Terms = append(d.Terms, Term{A: strings.TrimSpace(factors[0]), B: strings.TrimSpace(factors[1])})
		default:
			return Design{}, fmt.Errorf("design: only two-way interactions are supported: %q", part)
		}
	}
	return d, nil
}

// Relevel returns a copy of the design using ref as the reference
// level for the given factor covariate.
func (d Design) Relevel(covariate, ref string) Design {
	out := Design{Terms: append([]Term(nil), d.Terms...), Reference: map[string]string{}}
	for k, v := range d.Reference {
		out.Reference[k] = v
	}
	out.Reference[covariate] = ref
	return out
}

// designMatrix is a resolved design: numeric model matrix plus
// coefficient names, full rank by construction (resolve fails
// otherwise).
type designMatrix struct {
	x     *mat.Dense
	names []string
}

func (dm *designMatrix) ncoef() int { return len(dm.names) }

func (dm *designMatrix) coefIndex(name string) (int, bool) {
	for i, n := range dm.names {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// termColumns expands one main-effect covariate into its numeric
// columns: one column per non-reference level for a factor, the
// values themselves for a numeric covariate.
func termColumns(cd *ColData, cov string, ref map[string]string) ([][]float64, []string, error) {
	if vals, ok := cd.numerics[cov]; ok {
		return [][]float64{append([]float64(nil), vals...)}, []string{cov}, nil
	}
	vals, ok := cd.factors[cov]
	if !ok {
		return nil, nil, fmt.Errorf("design: covariate %q not in sample table", cov)
	}
	levels, _ := cd.Levels(cov)
	reflevel := levels[0]
	if r, ok := ref[cov]; ok {
		found := false
		for _, l := range levels {
			if l == r {
				found = true
			}
		}
		if !found {
			return nil, nil, fmt.Errorf("design: reference level %q not a level of %q", r, cov)
		}
		reflevel = r
	}
	var cols [][]float64
	var names []string
	for _, level := range levels {
		if level == reflevel {
			continue
		}
		col := make([]float64, len(vals))
		for i, v := range vals {
			if v == level {
				col[i] = 1
			}
		}
		cols = append(cols, col)
		names = append(names, fmt.Sprintf("%s_%s_vs_%s", cov, level, reflevel))
	}
	if len(cols) == 0 {
		return nil, nil, fmt.Errorf("design: covariate %q has a single level", cov)
	}
	return cols, names, nil
}

// resolve builds the numeric model matrix for the design against a
// sample table. The matrix always carries an intercept column. A
// rank-deficient result is a fatal configuration error.
func (d Design) resolve(cd *ColData) (*designMatrix, error) {
	m := len(cd.samples)
	intercept := make([]float64, m)
	for i := range intercept {
		intercept[i] = 1
	}
	cols := [][]float64{intercept}
	names := []string{"Intercept"}
	for _, t := range d.Terms {
		acols, anames, err := termColumns(cd, t.A, d.Reference)
		if err != nil {
			return nil, err
		}
		if t.B == "" {
			cols = append(cols, acols...)
			names = append(names, anames...)
			continue
		}
		bcols, bnames, err := termColumns(cd, t.B, d.Reference)
		if err != nil {
			return nil, err
		}
		for ai, acol := range acols {
			for bi, bcol := range bcols {
				col := make([]float64, m)
				for i := range col {
					col[i] = acol[i] * bcol[i]
				}
				cols = append(cols, col)
				names = append(names, anames[ai]+"."+bnames[bi])
			}
		}
	}
	x := mat.NewDense(m, len(cols), nil)
	for j, col := range cols {
		for i, v := range col {
			x.Set(i, j, v)
		}
	}
	if m < len(cols) {
		return nil, &RankDeficientDesignError{Rank: m, Cols: len(cols)}
	}
	var svd mat.SVD
	if !svd.Factorize(x, mat.SVDNone) {
		return nil, fmt.Errorf("design: SVD failed")
	}
	sv := svd.Values(nil)
	tol := float64(m) * 1e-12 * sv[0]
	rank := 0
	for _, v := range sv {
		if v > tol {
			rank++
		}
	}
	if rank < len(cols) {
		return nil, &RankDeficientDesignError{Rank: rank, Cols: len(cols)}
	}
	return &designMatrix{x: x, names: names}, nil
}
