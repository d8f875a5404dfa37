// Copyright (C) The RNAdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnadiff

import (
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"

	log "github.com/sirupsen/logrus"
)

// vstValue maps one normalized count through the closed-form
// variance-stabilizing transform for the parametric dispersion trend
// a0 + a1/mean. For large counts it approaches log2 of the normalized
// count; for small counts it flattens toward the trend instead of
// following the noisy raw log value. With a vanishing asymptotic
// dispersion the NB model degenerates toward Poisson and the
// transform falls back to log2(q+1).
func vstValue(q, a0, a1 float64) float64 {
	if a0 <= minDispersion {
		return math.Log2(q + 1)
	}
	return math.Log2((1 + a1 + 2*a0*q + 2*math.Sqrt(a0*q*(1+a1+a0*q))) / (4 * a0))
}

// applyVST transforms a whole normalized matrix in place.
func applyVST(rows [][]float64, a0, a1 float64) {
	for _, row := range rows {
		for j, q := range row {
			row[j] = vstValue(q, a0, a1)
		}
	}
}

type vstCmd struct {
	designExpr string
	sheetComma string
}

func (cmd *vstCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "input count matrix `file`")
	outputFilename := flags.String("o", "-", "output transformed matrix `file`")
	sheetFilename := flags.String("samples", "", "sample covariate table `file` (CSV/TSV)")
	flags.StringVar(&cmd.designExpr, "design", "1", "covariate `design` for dispersion estimation, e.g. \"condition\"")
	flags.StringVar(&cmd.sheetComma, "sheet-delimiter", "\t", "sample sheet field `delimiter`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	input, err := openMatrixFile(*inputFilename, stdin)
	if err != nil {
		return 1
	}
	defer input.Close()
	m, err := ReadCountMatrixTSV(input)
	if err != nil {
		return 1
	}
	input.Close()

	colData, design, err := loadDesign(m, *sheetFilename, cmd.designExpr, cmd.sheetComma)
	if err != nil {
		return 1
	}
	a, err := NewAnalysis(m, colData, design)
	if err != nil {
		return 1
	}
	if err = a.EstimateSizeFactors(); err != nil {
		return 1
	}
	if err = a.EstimateDispersions(); err != nil {
		return 1
	}
	log.WithFields(log.Fields{"a0": a.disp.A0, "a1": a.disp.A1}).Info("dispersion trend")

	rows := normalizedCounts(a.counts, a.sizeFactors)
	applyVST(rows, a.disp.A0, a.disp.A1)
	output, err := createMatrixFile(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	err = writeFloatMatrixTSV(output, a.counts.Genes(), a.counts.Samples(), rows)
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

// loadDesign reads the optional sample sheet and design expression,
// defaulting to an intercept-only design over the matrix's samples.
func loadDesign(m *CountMatrix, sheetFilename, designExpr, comma string) (*ColData, Design, error) {
	design, err := ParseDesign(designExpr)
	if err != nil {
		return nil, Design{}, err
	}
	if sheetFilename == "" {
		if len(design.Terms) > 0 {
			return nil, Design{}, fmt.Errorf("design %q needs a sample table (-samples)", designExpr)
		}
		colData, err := NewColData(m.Samples())
		return colData, design, err
	}
	if len(comma) != 1 {
		return nil, Design{}, fmt.Errorf("sheet delimiter must be a single character, got %q", comma)
	}
	f, err := os.Open(sheetFilename)
	if err != nil {
		return nil, Design{}, err
	}
	defer f.Close()
	colData, err := ReadSampleSheet(f, rune(comma[0]))
	if err != nil {
		return nil, Design{}, err
	}
	return colData, design, nil
}
