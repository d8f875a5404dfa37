// Copyright (C) The RNAdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnadiff

import (
	"fmt"
	"io"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
)

// ColData is the sample covariate table: one row per sample, with
// categorical (factor) and continuous (numeric) covariates. The row
// set must match the count matrix's column set; alignment is by
// sample identifier, never by position.
type ColData struct {
	samples   []string
	sampleIdx map[string]int
	factors   map[string][]string
	numerics  map[string][]float64
	colOrder  []string
}

func NewColData(samples []string) (*ColData, error) {
	cd := &ColData{
		samples:   append([]string(nil), samples...),
		sampleIdx: make(map[string]int, len(samples)),
		factors:   map[string][]string{},
		numerics:  map[string][]float64{},
	}
	for i, s := range cd.samples {
		if _, dup := cd.sampleIdx[s]; dup {
			return nil, fmt.Errorf("coldata: duplicate sample %q", s)
		}
		cd.sampleIdx[s] = i
	}
	return cd, nil
}

func (cd *ColData) Samples() []string { return append([]string(nil), cd.samples...) }

func (cd *ColData) checkNew(name string, n int) error {
	if _, dup := cd.factors[name]; dup {
		return fmt.Errorf("coldata: duplicate covariate %q", name)
	}
	if _, dup := cd.numerics[name]; dup {
		return fmt.Errorf("coldata: duplicate covariate %q", name)
	}
	if n != len(cd.samples) {
		return fmt.Errorf("coldata: covariate %q has %d values for %d samples", name, n, len(cd.samples))
	}
	return nil
}

// AddFactor adds a categorical covariate, one level per sample.
func (cd *ColData) AddFactor(name string, values []string) error {
	if err := cd.checkNew(name, len(values)); err != nil {
		return err
	}
	cd.factors[name] = append([]string(nil), values...)
	cd.colOrder = append(cd.colOrder, name)
	return nil
}

// AddNumeric adds a continuous covariate, one value per sample.
func (cd *ColData) AddNumeric(name string, values []float64) error {
	if err := cd.checkNew(name, len(values)); err != nil {
		return err
	}
	cd.numerics[name] = append([]float64(nil), values...)
	cd.colOrder = append(cd.colOrder, name)
	return nil
}

// Levels returns the sorted distinct values of a factor covariate.
// The first level is the reference level for design coding.
func (cd *ColData) Levels(name string) ([]string, error) {
	vals, ok := cd.factors[name]
	if !ok {
		return nil, fmt.Errorf("coldata: no factor covariate %q", name)
	}
	seen := map[string]bool{}
	for _, v := range vals {
		seen[v] = true
	}
	return sortedKeys(seen), nil
}

// Reorder returns a ColData with rows arranged in the given sample
// order, which must be a permutation of the table's samples.
func (cd *ColData) Reorder(order []string) (*ColData, error) {
	perm := make([]int, len(order))
	seen := make(map[string]bool, len(order))
	for i, s := range order {
		idx, ok := cd.sampleIdx[s]
		if !ok {
			return nil, fmt.Errorf("coldata: no sample %q", s)
		}
		if seen[s] {
			return nil, fmt.Errorf("coldata: duplicate sample %q in reorder", s)
		}
		seen[s] = true
		perm[i] = idx
	}
	if len(order) != len(cd.samples) {
		return nil, fmt.Errorf("coldata: reorder with %d of %d samples", len(order), len(cd.samples))
	}
	out, err := NewColData(order)
	if err != nil {
		return nil, err
	}
	for _, name := range cd.colOrder {
		if vals, ok := cd.factors[name]; ok {
			nv := make([]string, len(order))
			for i, idx := range perm {
				nv[i] = vals[idx]
			}
			out.AddFactor(name, nv)
		} else {
			vals := cd.numerics[name]
			nv := make([]float64, len(order))
			for i, idx := range perm {
				nv[i] = vals[idx]
			}
			out.AddNumeric(name, nv)
		}
	}
	return out, nil
}

// alignTo reorders the table to the matrix's sample order, failing
// fast when the two disagree about which samples exist.
func (cd *ColData) alignTo(m *CountMatrix) (*ColData, error) {
	if len(cd.samples) != m.NSamples() {
		return nil, fmt.Errorf("coldata: %d samples in covariate table, %d in count matrix", len(cd.samples), m.NSamples())
	}
	return cd.Reorder(m.Samples())
}

// ReadSampleSheet reads a delimited covariate table. The first column
// holds sample identifiers; numeric columns become continuous
// covariates and all others categorical.
func ReadSampleSheet(r io.Reader, comma rune) (*ColData, error) {
	df := dataframe.ReadCSV(r, dataframe.WithDelimiter(comma), dataframe.HasHeader(true))
	if df.Err != nil {
		return nil, fmt.Errorf("sample sheet: %w", df.Err)
	}
	names := df.Names()
	if len(names) < 2 {
		return nil, fmt.Errorf("sample sheet: need a sample column and at least one covariate")
	}
	samples := df.Col(names[0]).Records()
	cd, err := NewColData(samples)
	if err != nil {
		return nil, err
	}
	for _, name := range names[1:] {
		col := df.Col(name)
		switch col.Type() {
		case series.Int, series.Float:
			vals := col.Float()
			if err := cd.AddNumeric(name, vals); err != nil {
				return nil, err
			}
		default:
			if err := cd.AddFactor(name, col.Records()); err != nil {
				return nil, err
			}
		}
	}
	return cd, nil
}
