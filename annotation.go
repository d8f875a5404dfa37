// Copyright (C) The RNAdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnadiff

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/biogo/store/interval"
	"github.com/klauspost/pgzip"
)

// GeneModel maps gene identifiers to their exon intervals and
// indexes the exons per chromosome for overlap queries. Exons of one
// gene may overlap each other; a read hits the gene if it overlaps
// any of them.
type GeneModel struct {
	genes   []string
	geneIdx map[string]int
	strand  []byte // per gene: '+', '-' or '.'
	trees   map[string]*interval.IntTree
	nexons  int
}

type exonInterval struct {
	start, end int // 0-based, half-open
	gene       int
	id         uintptr
}

func (e exonInterval) Overlap(b interval.IntRange) bool {
	return e.start < b.End && e.end > b.Start
}
func (e exonInterval) ID() uintptr              { return e.id }
func (e exonInterval) Range() interval.IntRange { return interval.IntRange{Start: e.start, End: e.end} }
func (e exonInterval) String() string           { return fmt.Sprintf("[%d,%d)#%d", e.start, e.end, e.gene) }

func NewGeneModel() *GeneModel {
	return &GeneModel{
		geneIdx: map[string]int{},
		trees:   map[string]*interval.IntTree{},
	}
}

func (gm *GeneModel) NGenes() int { return len(gm.genes) }

// Genes returns the gene identifiers in insertion order.
func (gm *GeneModel) Genes() []string { return append([]string(nil), gm.genes...) }

// AddExon registers one exon interval (0-based, half-open) for a
// gene, creating the gene on first sight. A gene's exons must share
// one strand; chromosome is free per exon (rare, but GTFs contain
// such genes and the overlap index is per chromosome anyway).
func (gm *GeneModel) AddExon(gene, chrom string, start, end int, strand byte) error {
	if start < 0 || end <= start {
		return fmt.Errorf("annotation: gene %q: bad exon interval [%d,%d)", gene, start, end)
	}
	gi, ok := gm.geneIdx[gene]
	if !ok {
		gi = len(gm.genes)
		gm.geneIdx[gene] = gi
		gm.genes = append(gm.genes, gene)
		gm.strand = append(gm.strand, strand)
	} else if gm.strand[gi] != strand {
		return fmt.Errorf("annotation: gene %q: exons on both strands", gene)
	}
	tree, ok := gm.trees[chrom]
	if !ok {
		tree = &interval.IntTree{}
		gm.trees[chrom] = tree
	}
	gm.nexons++
	return tree.Insert(exonInterval{start: start, end: end, gene: gi, id: uintptr(gm.nexons)}, false)
}

// overlappingGenes returns the distinct gene indexes whose exons
// overlap [start,end) on chrom. With strand '+' or '-', only genes on
// that strand match; '.' matches both.
func (gm *GeneModel) overlappingGenes(chrom string, start, end int, strand byte, hits map[int]bool) {
	tree, ok := gm.trees[chrom]
	if !ok {
		return
	}
	tree.DoMatching(func(iv interval.IntInterface) (done bool) {
		e := iv.(exonInterval)
		if strand == '.' || gm.strand[e.gene] == '.' || gm.strand[e.gene] == strand {
			hits[e.gene] = true
		}
		return
	}, exonInterval{start: start, end: end})
}

// ReadGTF loads exon records from GTF. Lines whose feature column is
// not "exon" are skipped, as are comment lines. Coordinates are
// converted from GTF's 1-based closed intervals.
func ReadGTF(r io.Reader) (*GeneModel, error) {
	gm := NewGeneModel()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<26)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 9 {
			return nil, fmt.Errorf("annotation: line %d: %d fields, want 9", lineno, len(fields))
		}
		if fields[2] != "exon" {
			continue
		}
		start, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("annotation: line %d: start: %w", lineno, err)
		}
		end, err := strconv.Atoi(fields[4])
		if err != nil {
			return nil, fmt.Errorf("annotation: line %d: end: %w", lineno, err)
		}
		strand := byte('.')
		if fields[6] == "+" || fields[6] == "-" {
			strand = fields[6][0]
		}
		gene := gtfAttribute(fields[8], "gene_id")
		if gene == "" {
			return nil, fmt.Errorf("annotation: line %d: no gene_id attribute", lineno)
		}
		if err := gm.AddExon(gene, fields[0], start-1, end, strand); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return gm, nil
}

// gtfAttribute extracts one key from a GTF attribute column, e.g.
// `gene_id "ENSG0"; gene_name "X";` -> ENSG0.
func gtfAttribute(attrs, key string) string {
	for _, field := range strings.Split(attrs, ";") {
		field = strings.TrimSpace(field)
		if !strings.HasPrefix(field, key+" ") && !strings.HasPrefix(field, key+"=") {
			continue
		}
		val := strings.TrimSpace(field[len(key)+1:])
		return strings.Trim(val, `"`)
	}
	return ""
}

// LoadGTF reads a gene model from a plain or gzip-compressed GTF file.
func LoadGTF(filename string) (*GeneModel, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(filename, ".gz") {
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		defer gz.Close()
		r = gz
	}
	gm, err := ReadGTF(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return gm, nil
}
