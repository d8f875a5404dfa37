// Copyright (C) The RNAdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnadiff

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// estimateSizeFactors computes one depth-correction factor per sample
// by the median-of-ratios method: each gene's log geometric mean
// across samples is a pseudo-reference, and a sample's factor is the
// exponentiated median of its per-gene log ratios to that reference.
// Genes with a zero count in any sample contribute no ratio. A sample
// with all-zero counts is a DegenerateSampleError naming the sample;
// a matrix where every gene has a zero somewhere leaves no usable
// ratios at all and is its own error.
func estimateSizeFactors(m *CountMatrix) ([]float64, error) {
	ngenes, nsamples := m.NGenes(), m.NSamples()
	for j := 0; j < nsamples; j++ {
		empty := true
		for i := 0; i < ngenes && empty; i++ {
			empty = m.at(i, j) == 0
		}
		if empty {
			return nil, &DegenerateSampleError{Sample: m.samples[j]}
		}
	}
	logref := make([]float64, ngenes)
	usable := make([]bool, ngenes)
	for i := 0; i < ngenes; i++ {
		sum := 0.0
		ok := true
		for j := 0; j < nsamples; j++ {
			c := m.at(i, j)
			if c == 0 {
				ok = false
				break
			}
			sum += math.Log(float64(c))
		}
		if ok {
			logref[i] = sum / float64(nsamples)
			usable[i] = true
		}
	}
	nusable := 0
	for i := range usable {
		if usable[i] {
			nusable++
		}
	}
	if nusable == 0 {
		return nil, ErrNoReferenceGenes
	}
	factors := make([]float64, nsamples)
	ratios := make([]float64, 0, nusable)
	for j := 0; j < nsamples; j++ {
		ratios = ratios[:0]
		for i := 0; i < ngenes; i++ {
			if !usable[i] {
				continue
			}
			ratios = append(ratios, math.Log(float64(m.at(i, j)))-logref[i])
		}
		sort.Float64s(ratios)
		factors[j] = math.Exp(median(ratios))
	}
	return factors, nil
}

// median of a sorted slice.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// normalizedCounts divides each column by its size factor.
func normalizedCounts(m *CountMatrix, factors []float64) [][]float64 {
	out := make([][]float64, m.NGenes())
	for i := range out {
		row := make([]float64, m.NSamples())
		for j := range row {
			row[j] = float64(m.at(i, j)) / factors[j]
		}
		out[i] = row
	}
	return out
}

// logNormalizedCounts is log2(normalized + 1); the pseudocount keeps
// zero counts finite.
func logNormalizedCounts(m *CountMatrix, factors []float64) [][]float64 {
	out := normalizedCounts(m, factors)
	for _, row := range out {
		for j, v := range row {
			row[j] = math.Log2(v + 1)
		}
	}
	return out
}

// baseMeans returns each gene's mean normalized count.
func baseMeans(m *CountMatrix, factors []float64) []float64 {
	out := make([]float64, m.NGenes())
	for i := 0; i < m.NGenes(); i++ {
		sum := 0.0
		for j := 0; j < m.NSamples(); j++ {
			sum += float64(m.at(i, j)) / factors[j]
		}
		out[i] = sum / float64(m.NSamples())
	}
	return out
}

func writeFloatMatrixTSV(w io.Writer, genes, samples []string, rows [][]float64) error {
	bufw := bufio.NewWriter(w)
	fmt.Fprintf(bufw, "gene\t%s\n", strings.Join(samples, "\t"))
	for i, g := range genes {
		bufw.WriteString(g)
		for _, v := range rows[i] {
			fmt.Fprintf(bufw, "\t%.6g", v)
		}
		bufw.WriteByte('\n')
	}
	return bufw.Flush()
}

type sizeFactorsCmd struct {
	log2 bool
}

func (cmd *sizeFactorsCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputFilename := flags.String("o", "-", "output normalized matrix `file`")
	factorsFilename := flags.String("factors", "", "also write size factors to `file`")
	flags.BoolVar(&cmd.log2, "log2", false, "write log2(normalized+1) instead of normalized counts")
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
	err = input.Close()
	if err != nil {
		return 1
	}
	log.Infof("read %d genes x %d samples", m.NGenes(), m.NSamples())

	factors, err := estimateSizeFactors(m)
	if err != nil {
		return 1
	}
	for j, s := range m.Samples() {
		log.WithFields(log.Fields{"sample": s, "sizeFactor": factors[j]}).Debug("size factor")
	}

	if *factorsFilename != "" {
		out, err2 := createMatrixFile(*factorsFilename, stdout)
		if err2 != nil {
			err = err2
			return 1
		}
		bufw := bufio.NewWriter(out)
		fmt.Fprintf(bufw, "sample\tsizeFactor\n")
		for j, s := range m.Samples() {
			fmt.Fprintf(bufw, "%s\t%.6g\n", s, factors[j])
		}
		if err = bufw.Flush(); err != nil {
			return 1
		}
		if err = out.Close(); err != nil {
			return 1
		}
	}

	var rows [][]float64
	if cmd.log2 {
		rows = logNormalizedCounts(m, factors)
	} else {
		rows = normalizedCounts(m, factors)
	}
	output, err := createMatrixFile(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	err = writeFloatMatrixTSV(output, m.Genes(), m.Samples(), rows)
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}
