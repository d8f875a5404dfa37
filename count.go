// Copyright (C) The RNAdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnadiff

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/biogo/hts/bam"
	"github.com/biogo/hts/sam"
	log "github.com/sirupsen/logrus"
)

type overlapMode int

const (
	// unionStrict counts a fragment for a gene when the union of
	// exon-overlapping genes across the fragment is exactly that
	// one gene; fragments hitting several genes are discarded as
	// ambiguous.
	unionStrict overlapMode = iota
	// unionPermissive counts a fragment once for every gene it
	// overlaps. Column totals are not comparable with unionStrict.
	unionPermissive
)

func parseOverlapMode(s string) (overlapMode, error) {
	switch s {
	case "union-strict":
		return unionStrict, nil
	case "union-permissive":
		return unionPermissive, nil
	}
	return 0, fmt.Errorf("unknown overlap mode %q (union-strict or union-permissive)", s)
}

// fragmentCounter assigns alignment records from one sample to genes.
// Paired mates are buffered by read name so a fragment counts at most
// once even when both mates align.
type fragmentCounter struct {
	model           *GeneModel
	mode            overlapMode
	minMapQ         byte
	stranded        string // "no", "forward", "reverse"
	countSingletons bool
	countDiscordant bool

	counts  []int
	pending map[string]*sam.Record

	// assignment tally, for logging
	assigned, ambiguous, noFeature, discordant, singletons, filtered int
}

func newFragmentCounter(model *GeneModel, mode overlapMode, minMapQ byte, stranded string, countSingletons, countDiscordant bool) *fragmentCounter {
	return &fragmentCounter{
		model:           model,
		mode:            mode,
		minMapQ:         minMapQ,
		stranded:        stranded,
		countSingletons: countSingletons,
		countDiscordant: countDiscordant,
		counts:          make([]int, model.NGenes()),
		pending:         map[string]*sam.Record{},
	}
}

const excludeFlags = sam.Unmapped | sam.Secondary | sam.Supplementary | sam.Duplicate | sam.QCFail

// Add feeds one alignment record to the counter.
func (fc *fragmentCounter) Add(rec *sam.Record) {
	if rec.Flags&excludeFlags != 0 || rec.Ref == nil || rec.MapQ < fc.minMapQ {
		fc.filtered++
		return
	}
	if rec.Flags&sam.Paired != 0 && rec.Flags&sam.MateUnmapped == 0 {
		mate, ok := fc.pending[rec.Name]
		if !ok {
			fc.pending[rec.Name] = rec
			return
		}
		delete(fc.pending, rec.Name)
		fc.resolvePair(rec, mate)
		return
	}
	// Single-end read, or pair whose mate is unmapped.
	if rec.Flags&sam.Paired != 0 {
		fc.singletons++
		if !fc.countSingletons {
			return
		}
	}
	fc.resolve(fc.genesFor(rec))
}

// Flush resolves fragments whose mate never arrived (mate filtered
// out, or truncated input), following the singleton policy.
func (fc *fragmentCounter) Flush() {
	for _, rec := range fc.pending {
		fc.singletons++
		if fc.countSingletons {
			fc.resolve(fc.genesFor(rec))
		}
	}
	fc.pending = map[string]*sam.Record{}
}

func (fc *fragmentCounter) genesFor(rec *sam.Record) map[int]bool {
	hits := map[int]bool{}
	fc.model.overlappingGenes(rec.Ref.Name(), rec.Pos, rec.End(), fc.readStrand(rec), hits)
	return hits
}

// readStrand maps a record to the annotation strand it should be
// compared against, honoring the library strandedness.
func (fc *fragmentCounter) readStrand(rec *sam.Record) byte {
	if fc.stranded == "no" {
		return '.'
	}
	fwd := rec.Flags&sam.Reverse == 0
	// Mate 2 reads the opposite strand of the fragment.
	if rec.Flags&sam.Paired != 0 && rec.Flags&sam.Read2 != 0 {
		fwd = !fwd
	}
	if fc.stranded == "reverse" {
		fwd = !fwd
	}
	if fwd {
		return '+'
	}
	return '-'
}

func (fc *fragmentCounter) resolvePair(a, b *sam.Record) {
	ga, gb := fc.genesFor(a), fc.genesFor(b)
	if len(ga) == 0 && len(gb) == 0 {
		fc.noFeature++
		return
	}
	// Both mates in annotated territory: the fragment belongs to
	// the genes both mates agree on. Mates with disjoint gene sets
	// are discordant.
	var genes map[int]bool
	if len(ga) == 0 {
		genes = gb
	} else if len(gb) == 0 {
		genes = ga
	} else {
		genes = map[int]bool{}
		for g := range ga {
			if gb[g] {
				genes[g] = true
			}
		}
		if len(genes) == 0 {
			fc.discordant++
			if !fc.countDiscordant {
				return
			}
			for g := range ga {
				genes[g] = true
			}
			for g := range gb {
				genes[g] = true
			}
		}
	}
	fc.resolve(genes)
}

func (fc *fragmentCounter) resolve(genes map[int]bool) {
	switch len(genes) {
	case 0:
		fc.noFeature++
	case 1:
		for g := range genes {
			fc.counts[g]++
		}
		fc.assigned++
	default:
		if fc.mode == unionPermissive {
			for g := range genes {
				fc.counts[g]++
			}
			fc.assigned++
			return
		}
		fc.ambiguous++
	}
}

// CountBAM counts one sample's fragments from a BAM stream.
func CountBAM(r io.Reader, model *GeneModel, mode overlapMode, minMapQ byte, stranded string, countSingletons, countDiscordant bool) ([]int, error) {
	br, err := bam.NewReader(r, 0)
	if err != nil {
		return nil, err
	}
	defer br.Close()
	fc := newFragmentCounter(model, mode, minMapQ, stranded, countSingletons, countDiscordant)
	for {
		rec, err := br.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		fc.Add(rec)
	}
	fc.Flush()
	log.WithFields(log.Fields{
		"assigned":   fc.assigned,
		"ambiguous":  fc.ambiguous,
		"noFeature":  fc.noFeature,
		"discordant": fc.discordant,
		"singletons": fc.singletons,
		"filtered":   fc.filtered,
	}).Info("fragment assignment")
	return fc.counts, nil
}

type countCmd struct {
	mode            string
	stranded        string
	minMapQ         int
	countSingletons bool
	countDiscordant bool
}

func (cmd *countCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	gtfFilename := flags.String("gtf", "", "gene annotation `file` (GTF, .gz ok)")
	outputFilename := flags.String("o", "-", "output count matrix `file`")
	flags.StringVar(&cmd.mode, "mode", "union-strict", "overlap `mode`: union-strict or union-permissive")
	flags.StringVar(&cmd.stranded, "stranded", "no", "library strandedness: no, forward, or reverse")
	flags.IntVar(&cmd.minMapQ, "min-mapq", 10, "skip alignments with MAPQ below `q`")
	flags.BoolVar(&cmd.countSingletons, "singletons", false, "count fragments with only one usable mate")
	flags.BoolVar(&cmd.countDiscordant, "discordant", false, "count fragments whose mates hit disjoint gene sets")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if *gtfFilename == "" {
		err = fmt.Errorf("-gtf is required")
		return 2
	}
	if flags.NArg() == 0 {
		err = fmt.Errorf("no BAM files given")
		return 2
	}
	mode, err := parseOverlapMode(cmd.mode)
	if err != nil {
		return 2
	}
	switch cmd.stranded {
	case "no", "forward", "reverse":
	default:
		err = fmt.Errorf("unknown -stranded value %q", cmd.stranded)
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	log.Infof("loading annotation from %s", *gtfFilename)
	model, err := LoadGTF(*gtfFilename)
	if err != nil {
		return 1
	}
	log.Infof("annotation: %d genes", model.NGenes())

	samples := make([]string, flags.NArg())
	columns := make([][]int, flags.NArg())
	throttle := throttle{Max: runtime.GOMAXPROCS(0)}
	for i, bamFilename := range flags.Args() {
		samples[i] = strings.TrimSuffix(filepath.Base(bamFilename), ".bam")
		throttle.Acquire()
		go func(i int, bamFilename string) {
			defer throttle.Release()
			log.Infof("counting %s", bamFilename)
			f, err := os.Open(bamFilename)
			if err != nil {
				throttle.Report(err)
				return
			}
			defer f.Close()
			columns[i], err = CountBAM(f, model, mode, byte(cmd.minMapQ), cmd.stranded, cmd.countSingletons, cmd.countDiscordant)
			if err != nil {
				throttle.Report(fmt.Errorf("%s: %w", bamFilename, err))
			}
		}(i, bamFilename)
	}
	err = throttle.Wait()
	if err != nil {
		return 1
	}

	// Transpose per-sample columns into gene rows.
	counts := make([][]int, model.NGenes())
	for g := range counts {
		row := make([]int, len(samples))
		for j := range samples {
			row[j] = columns[j][g]
		}
		counts[g] = row
	}
	m, err := NewCountMatrix(model.Genes(), samples, counts)
	if err != nil {
		return 1
	}
	output, err := createMatrixFile(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	err = m.WriteTSV(output)
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}
