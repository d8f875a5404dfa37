// Copyright (C) The RNAdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnadiff

import (
	"bytes"

	"github.com/biogo/hts/bam"
	"github.com/biogo/hts/sam"
	"gopkg.in/check.v1"
)

type countSuite struct{}

var _ = check.Suite(&countSuite{})

// twoGeneModel: geneA exons [100,200)+[300,400) on chr1/+, geneB exon
// [380,500) on chr1/+ (overlapping geneA's second exon), geneC exon
// [100,200) on chr2/-.
func twoGeneModel(c *check.C) *GeneModel {
	gm := NewGeneModel()
	c.Assert(gm.AddExon("geneA", "chr1", 100, 200, '+'), check.IsNil)
	c.Assert(gm.AddExon("geneA", "chr1", 300, 400, '+'), check.IsNil)
	c.Assert(gm.AddExon("geneB", "chr1", 380, 500, '+'), check.IsNil)
	c.Assert(gm.AddExon("geneC", "chr2", 100, 200, '-'), check.IsNil)
	return gm
}

func alignedRecord(c *check.C, ref *sam.Reference, name string, pos, length int, flags sam.Flags, mapq byte) *sam.Record {
	rec := &sam.Record{
		Name:  name,
		Ref:   ref,
		Pos:   pos,
		MapQ:  mapq,
		Cigar: sam.Cigar{sam.NewCigarOp(sam.CigarMatch, length)},
		Flags: flags,
	}
	c.Assert(rec.End(), check.Equals, pos+length)
	return rec
}

func testRefs(c *check.C) (chr1, chr2 *sam.Reference) {
	var err error
	chr1, err = sam.NewReference("chr1", "", "", 10000, nil, nil)
	c.Assert(err, check.IsNil)
	chr2, err = sam.NewReference("chr2", "", "", 10000, nil, nil)
	c.Assert(err, check.IsNil)
	return chr1, chr2
}

func (s *countSuite) TestUnionSingleGene(c *check.C) {
	gm := twoGeneModel(c)
	chr1, chr2 := testRefs(c)
	fc := newFragmentCounter(gm, unionStrict, 10, "no", false, false)

	fc.Add(alignedRecord(c, chr1, "r1", 120, 50, 0, 60))  // geneA exon 1
	fc.Add(alignedRecord(c, chr1, "r2", 150, 200, 0, 60)) // spans intron, still geneA only
	fc.Add(alignedRecord(c, chr2, "r3", 150, 30, 0, 60))  // geneC
	fc.Add(alignedRecord(c, chr1, "r4", 600, 30, 0, 60))  // intergenic
	fc.Flush()

	c.Check(fc.counts, check.DeepEquals, []int{2, 0, 1})
	c.Check(fc.assigned, check.Equals, 3)
	c.Check(fc.noFeature, check.Equals, 1)
}

func (s *countSuite) TestReadCountedOncePerGene(c *check.C) {
	// A read overlapping two exons of the same gene counts once.
	gm := NewGeneModel()
	c.Assert(gm.AddExon("g", "chr1", 100, 150, '+'), check.IsNil)
	c.Assert(gm.AddExon("g", "chr1", 160, 220, '+'), check.IsNil)
	chr1, _ := testRefs(c)
	fc := newFragmentCounter(gm, unionStrict, 0, "no", false, false)
	fc.Add(alignedRecord(c, chr1, "r", 120, 100, 0, 60))
	c.Check(fc.counts, check.DeepEquals, []int{1})
}

func (s *countSuite) TestAmbiguousModes(c *check.C) {
	gm := twoGeneModel(c)
	chr1, _ := testRefs(c)
	// Overlaps geneA exon 2 and geneB.
	rec := func() *sam.Record { return alignedRecord(c, chr1, "amb", 370, 40, 0, 60) }

	strict := newFragmentCounter(gm, unionStrict, 10, "no", false, false)
	strict.Add(rec())
	c.Check(strict.counts, check.DeepEquals, []int{0, 0, 0})
	c.Check(strict.ambiguous, check.Equals, 1)

	permissive := newFragmentCounter(gm, unionPermissive, 10, "no", false, false)
	permissive.Add(rec())
	c.Check(permissive.counts, check.DeepEquals, []int{1, 1, 0})
}

func (s *countSuite) TestPairCountsOnce(c *check.C) {
	gm := twoGeneModel(c)
	chr1, _ := testRefs(c)
	fc := newFragmentCounter(gm, unionStrict, 10, "no", false, false)
	fc.Add(alignedRecord(c, chr1, "frag", 110, 50, sam.Paired|sam.Read1, 60))
	fc.Add(alignedRecord(c, chr1, "frag", 320, 50, sam.Paired|sam.Read2, 60))
	fc.Flush()
	c.Check(fc.counts, check.DeepEquals, []int{1, 0, 0})
	c.Check(fc.assigned, check.Equals, 1)
}

func (s *countSuite) TestDiscordantPairPolicy(c *check.C) {
	gm := twoGeneModel(c)
	chr1, chr2 := testRefs(c)
	pair := func(fc *fragmentCounter) {
		// Mate 1 hits geneA only, mate 2 hits geneC only.
		fc.Add(alignedRecord(c, chr1, "d", 110, 50, sam.Paired|sam.Read1, 60))
		fc.Add(alignedRecord(c, chr2, "d", 120, 50, sam.Paired|sam.Read2, 60))
		fc.Flush()
	}
	drop := newFragmentCounter(gm, unionStrict, 10, "no", false, false)
	pair(drop)
	c.Check(drop.counts, check.DeepEquals, []int{0, 0, 0})
	c.Check(drop.discordant, check.Equals, 1)

	keep := newFragmentCounter(gm, unionPermissive, 10, "no", false, true)
	pair(keep)
	c.Check(keep.counts, check.DeepEquals, []int{1, 0, 1})
}

func (s *countSuite) TestSingletonPolicy(c *check.C) {
	gm := twoGeneModel(c)
	chr1, _ := testRefs(c)
	single := func(fc *fragmentCounter) {
		fc.Add(alignedRecord(c, chr1, "s", 110, 50, sam.Paired|sam.Read1|sam.MateUnmapped, 60))
		fc.Flush()
	}
	drop := newFragmentCounter(gm, unionStrict, 10, "no", false, false)
	single(drop)
	c.Check(drop.counts, check.DeepEquals, []int{0, 0, 0})
	c.Check(drop.singletons, check.Equals, 1)

	keep := newFragmentCounter(gm, unionStrict, 10, "no", true, false)
	single(keep)
	c.Check(keep.counts, check.DeepEquals, []int{1, 0, 0})
}

func (s *countSuite) TestOrphanedMateHandledAtFlush(c *check.C) {
	gm := twoGeneModel(c)
	chr1, _ := testRefs(c)
	fc := newFragmentCounter(gm, unionStrict, 10, "no", true, false)
	// Mate never arrives (filtered upstream).
	fc.Add(alignedRecord(c, chr1, "orphan", 110, 50, sam.Paired|sam.Read1, 60))
	c.Check(fc.counts, check.DeepEquals, []int{0, 0, 0})
	fc.Flush()
	c.Check(fc.counts, check.DeepEquals, []int{1, 0, 0})
}

func (s *countSuite) TestFilters(c *check.C) {
	gm := twoGeneModel(c)
	chr1, _ := testRefs(c)
	fc := newFragmentCounter(gm, unionStrict, 30, "no", false, false)
	fc.Add(alignedRecord(c, chr1, "lowq", 110, 50, 0, 5))
	fc.Add(alignedRecord(c, chr1, "dup", 110, 50, sam.Duplicate, 60))
	fc.Add(alignedRecord(c, chr1, "sec", 110, 50, sam.Secondary, 60))
	c.Check(fc.counts, check.DeepEquals, []int{0, 0, 0})
	c.Check(fc.filtered, check.Equals, 3)
}

func (s *countSuite) TestStrandedCounting(c *check.C) {
	gm := twoGeneModel(c) // geneC is on chr2 '-'
	_, chr2 := testRefs(c)
	fwd := newFragmentCounter(gm, unionStrict, 10, "forward", false, false)
	fwd.Add(alignedRecord(c, chr2, "r+", 120, 30, 0, 60))
	c.Check(fwd.counts[2], check.Equals, 0) // forward read vs '-' gene

	fwd.Add(alignedRecord(c, chr2, "r-", 120, 30, sam.Reverse, 60))
	c.Check(fwd.counts[2], check.Equals, 1)

	rev := newFragmentCounter(gm, unionStrict, 10, "reverse", false, false)
	rev.Add(alignedRecord(c, chr2, "r+", 120, 30, 0, 60))
	c.Check(rev.counts[2], check.Equals, 1)
}

func (s *countSuite) TestEmptyAnnotation(c *check.C) {
	gm := NewGeneModel()
	chr1, _ := testRefs(c)
	fc := newFragmentCounter(gm, unionStrict, 10, "no", false, false)
	fc.Add(alignedRecord(c, chr1, "r", 110, 50, 0, 60))
	fc.Flush()
	c.Check(len(fc.counts), check.Equals, 0)
	c.Check(fc.noFeature, check.Equals, 1)
}

func (s *countSuite) TestCountBAMRoundTrip(c *check.C) {
	gm := twoGeneModel(c)
	chr1, chr2 := testRefs(c)
	header, err := sam.NewHeader(nil, []*sam.Reference{chr1, chr2})
	c.Assert(err, check.IsNil)

	var buf bytes.Buffer
	w, err := bam.NewWriter(&buf, header, 1)
	c.Assert(err, check.IsNil)
	for _, spec := range []struct {
		name string
		ref  *sam.Reference
		pos  int
	}{
		{"r1", chr1, 120},
		{"r2", chr1, 310},
		{"r3", chr2, 150},
	} {
		c.Assert(w.Write(alignedRecord(c, spec.ref, spec.name, spec.pos, 40, 0, 60)), check.IsNil)
	}
	c.Assert(w.Close(), check.IsNil)

	counts, err := CountBAM(&buf, gm, unionStrict, 10, "no", false, false)
	c.Assert(err, check.IsNil)
	c.Check(counts, check.DeepEquals, []int{2, 0, 1})
}
