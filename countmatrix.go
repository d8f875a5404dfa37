// Copyright (C) The RNAdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnadiff

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
)

// CountMatrix is a gene-by-sample matrix of read counts. Row and
// column labels are fixed at construction time; lookups go through
// the label indexes so that two matrices with the same labels in
// different order describe the same data.
type CountMatrix struct {
	genes     []string
	samples   []string
	geneIdx   map[string]int
	sampleIdx map[string]int
	counts    [][]int // counts[gene][sample]
}

// NewCountMatrix builds a matrix from per-gene count rows. Labels
// must be unique and counts non-negative, with one row per gene and
// one entry per sample.
func NewCountMatrix(genes, samples []string, counts [][]int) (*CountMatrix, error) {
	if len(counts) != len(genes) {
		return nil, fmt.Errorf("count matrix: %d rows for %d genes", len(counts), len(genes))
	}
	m := &CountMatrix{
		genes:     append([]string(nil), genes...),
		samples:   append([]string(nil), samples...),
		geneIdx:   make(map[string]int, len(genes)),
		sampleIdx: make(map[string]int, len(samples)),
		counts:    make([][]int, len(genes)),
	}
	for i, g := range m.genes {
		if _, dup := m.geneIdx[g]; dup {
			return nil, fmt.Errorf("count matrix: duplicate gene %q", g)
		}
		m.geneIdx[g] = i
	}
	for j, s := range m.samples {
		if _, dup := m.sampleIdx[s]; dup {
			return nil, fmt.Errorf("count matrix: duplicate sample %q", s)
		}
		m.sampleIdx[s] = j
	}
	for i, row := range counts {
		if len(row) != len(samples) {
			return nil, fmt.Errorf("count matrix: gene %q has %d counts for %d samples", genes[i], len(row), len(samples))
		}
		for j, c := range row {
			if c < 0 {
				return nil, fmt.Errorf("count matrix: negative count at gene %q sample %q", genes[i], samples[j])
			}
		}
		m.counts[i] = append([]int(nil), row...)
	}
	return m, nil
}

func (m *CountMatrix) NGenes() int   { return len(m.genes) }
func (m *CountMatrix) NSamples() int { return len(m.samples) }

// Genes returns the gene labels in row order.
func (m *CountMatrix) Genes() []string { return append([]string(nil), m.genes...) }

// Samples returns the sample labels in column order.
func (m *CountMatrix) Samples() []string { return append([]string(nil), m.samples...) }

func (m *CountMatrix) at(gene, sample int) int { return m.counts[gene][sample] }

// Row returns the counts for one gene, in column order.
func (m *CountMatrix) Row(gene string) ([]int, error) {
	i, ok := m.geneIdx[gene]
	if !ok {
		return nil, fmt.Errorf("count matrix: no gene %q", gene)
	}
	return append([]int(nil), m.counts[i]...), nil
}

// ReorderSamples returns a matrix with columns arranged in the given
// order. The order must be a permutation of the matrix's samples.
func (m *CountMatrix) ReorderSamples(order []string) (*CountMatrix, error) {
	if len(order) != len(m.samples) {
		return nil, fmt.Errorf("count matrix: reorder with %d of %d samples", len(order), len(m.samples))
	}
	perm := make([]int, len(order))
	seen := make(map[string]bool, len(order))
	for j, s := range order {
		idx, ok := m.sampleIdx[s]
		if !ok {
			return nil, fmt.Errorf("count matrix: no sample %q", s)
		}
		if seen[s] {
			return nil, fmt.Errorf("count matrix: duplicate sample %q in reorder", s)
		}
		seen[s] = true
		perm[j] = idx
	}
	counts := make([][]int, len(m.genes))
	for i, row := range m.counts {
		newrow := make([]int, len(order))
		for j, idx := range perm {
			newrow[j] = row[idx]
		}
		counts[i] = newrow
	}
	return NewCountMatrix(m.genes, order, counts)
}

// floatRow returns one gene's counts as float64, for the fitting code.
func (m *CountMatrix) floatRow(gene int) []float64 {
	row := make([]float64, len(m.samples))
	for j, c := range m.counts[gene] {
		row[j] = float64(c)
	}
	return row
}

// allZeroRow reports whether a gene has zero counts in every sample.
func (m *CountMatrix) allZeroRow(gene int) bool {
	for _, c := range m.counts[gene] {
		if c != 0 {
			return false
		}
	}
	return true
}

// WriteTSV writes the matrix with a "gene" label column followed by
// one column per sample.
func (m *CountMatrix) WriteTSV(w io.Writer) error {
	bufw := bufio.NewWriter(w)
	fmt.Fprintf(bufw, "gene\t%s\n", strings.Join(m.samples, "\t"))
	for i, g := range m.genes {
		bufw.WriteString(g)
		for _, c := range m.counts[i] {
			bufw.WriteByte('\t')
			bufw.WriteString(strconv.Itoa(c))
		}
		bufw.WriteByte('\n')
	}
	return bufw.Flush()
}

// ReadCountMatrixTSV reads a matrix in the format written by
// WriteTSV: header line with sample names, one line per gene.
func ReadCountMatrixTSV(r io.Reader) (*CountMatrix, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<26)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("count matrix: empty input")
	}
	header := strings.Split(scanner.Text(), "\t")
	if len(header) < 2 {
		return nil, fmt.Errorf("count matrix: header has no sample columns")
	}
	samples := header[1:]
	var genes []string
	var counts [][]int
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != len(header) {
			return nil, fmt.Errorf("count matrix: line %d has %d fields, want %d", len(genes)+2, len(fields), len(header))
		}
		row := make([]int, len(samples))
		for j, f := range fields[1:] {
			c, err := strconv.Atoi(f)
			if err != nil {
				return nil, fmt.Errorf("count matrix: gene %q sample %q: %w", fields[0], samples[j], err)
			}
			row[j] = c
		}
		genes = append(genes, fields[0])
		counts = append(counts, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return NewCountMatrix(genes, samples, counts)
}

// openMatrixFile opens a matrix file for reading, transparently
// decompressing *.gz.
func openMatrixFile(filename string, stdin io.Reader) (io.ReadCloser, error) {
	var in io.ReadCloser
	if filename == "-" {
		in = io.NopCloser(stdin)
	} else {
		f, err := os.Open(filename)
		if err != nil {
			return nil, err
		}
		in = f
	}
	if strings.HasSuffix(filename, ".gz") {
		gz, err := pgzip.NewReader(in)
		if err != nil {
			in.Close()
			return nil, err
		}
		return gzReadCloser{gz, in}, nil
	}
	return in, nil
}

// createMatrixFile opens a matrix file for writing, compressing when
// the name ends in .gz.
func createMatrixFile(filename string, stdout io.Writer) (io.WriteCloser, error) {
	var out io.WriteCloser
	if filename == "-" {
		out = nopCloser{stdout}
	} else {
		f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return nil, err
		}
		out = f
	}
	if strings.HasSuffix(filename, ".gz") {
		return gzWriteCloser{pgzip.NewWriter(out), out}, nil
	}
	return out, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

type gzReadCloser struct {
	*pgzip.Reader
	raw io.Closer
}

func (g gzReadCloser) Close() error {
	err := g.Reader.Close()
	if err2 := g.raw.Close(); err == nil {
		err = err2
	}
	return err
}

type gzWriteCloser struct {
	*pgzip.Writer
	raw io.Closer
}

func (g gzWriteCloser) Close() error {
	err := g.Writer.Close()
	if err2 := g.raw.Close(); err == nil {
		err = err2
	}
	return err
}

// sortedKeys returns map keys in sorted order.
func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
