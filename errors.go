// Copyright (C) The RNAdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnadiff

import (
	"errors"
	"fmt"
)

// ErrNoReferenceGenes indicates a count matrix in which every gene has
// a zero count in at least one sample, leaving no genes to build the
// pseudo-reference from.
var ErrNoReferenceGenes = errors.New("no gene has nonzero counts in every sample: size factors undefined")

// DegenerateSampleError indicates a sample for which depth
// normalization is undefined (an all-zero column).
type DegenerateSampleError struct {
	Sample string
}

func (e *DegenerateSampleError) Error() string {
	return fmt.Sprintf("sample %q has no usable counts: size factor undefined", e.Sample)
}

// RankDeficientDesignError indicates a covariate design whose columns
// are not linearly independent, so coefficients are not estimable.
type RankDeficientDesignError struct {
	Rank, Cols int
}

func (e *RankDeficientDesignError) Error() string {
	return fmt.Sprintf("design matrix is rank deficient (rank %d, %d columns): remove aliased covariates", e.Rank, e.Cols)
}
