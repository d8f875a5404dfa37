// Copyright (C) The RNAdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnadiff

import (
	"bytes"
	"strings"

	"gopkg.in/check.v1"
)

type countMatrixSuite struct{}

var _ = check.Suite(&countMatrixSuite{})

func (s *countMatrixSuite) TestValidation(c *check.C) {
	_, err := NewCountMatrix([]string{"g1", "g1"}, []string{"s"}, [][]int{{1}, {2}})
	c.Check(err, check.NotNil)
	_, err = NewCountMatrix([]string{"g"}, []string{"s", "s"}, [][]int{{1, 2}})
	c.Check(err, check.NotNil)
	_, err = NewCountMatrix([]string{"g"}, []string{"s"}, [][]int{{-1}})
	c.Check(err, check.NotNil)
	_, err = NewCountMatrix([]string{"g"}, []string{"s1", "s2"}, [][]int{{1}})
	c.Check(err, check.NotNil)
	_, err = NewCountMatrix([]string{"g1", "g2"}, []string{"s"}, [][]int{{1}})
	c.Check(err, check.NotNil)
}

func (s *countMatrixSuite) TestTSVRoundTrip(c *check.C) {
	m := mustMatrix(c,
		[]string{"g1", "g2"},
		[]string{"s1", "s2", "s3"},
		[][]int{{0, 5, 10}, {7, 0, 2}})
	var buf bytes.Buffer
	c.Assert(m.WriteTSV(&buf), check.IsNil)
	c.Check(strings.Split(buf.String(), "\n")[0], check.Equals, "gene\ts1\ts2\ts3")

	m2, err := ReadCountMatrixTSV(&buf)
	c.Assert(err, check.IsNil)
	c.Check(m2.Genes(), check.DeepEquals, m.Genes())
	c.Check(m2.Samples(), check.DeepEquals, m.Samples())
	row, err := m2.Row("g2")
	c.Assert(err, check.IsNil)
	c.Check(row, check.DeepEquals, []int{7, 0, 2})
}

func (s *countMatrixSuite) TestReadErrors(c *check.C) {
	_, err := ReadCountMatrixTSV(strings.NewReader(""))
	c.Check(err, check.NotNil)
	_, err = ReadCountMatrixTSV(strings.NewReader("gene\ts1\ng1\t1\t2\n"))
	c.Check(err, check.NotNil)
	_, err = ReadCountMatrixTSV(strings.NewReader("gene\ts1\ng1\tx\n"))
	c.Check(err, check.NotNil)
}

func (s *countMatrixSuite) TestReorderSamples(c *check.C) {
	m := mustMatrix(c,
		[]string{"g1", "g2"},
		[]string{"s1", "s2", "s3"},
		[][]int{{1, 2, 3}, {4, 5, 6}})
	r, err := m.ReorderSamples([]string{"s3", "s1", "s2"})
	c.Assert(err, check.IsNil)
	row, err := r.Row("g1")
	c.Assert(err, check.IsNil)
	c.Check(row, check.DeepEquals, []int{3, 1, 2})

	_, err = m.ReorderSamples([]string{"s3", "s1"})
	c.Check(err, check.NotNil)
	_, err = m.ReorderSamples([]string{"s3", "s1", "s1"})
	c.Check(err, check.NotNil)
	_, err = m.ReorderSamples([]string{"s3", "s1", "sX"})
	c.Check(err, check.NotNil)
}

func (s *countMatrixSuite) TestColDataReorderAndSheet(c *check.C) {
	sheet := "sample\tcondition\tdose\ns1\tA\t0.5\ns2\tB\t1\n"
	cd, err := ReadSampleSheet(strings.NewReader(sheet), '\t')
	c.Assert(err, check.IsNil)
	c.Check(cd.Samples(), check.DeepEquals, []string{"s1", "s2"})
	levels, err := cd.Levels("condition")
	c.Assert(err, check.IsNil)
	c.Check(levels, check.DeepEquals, []string{"A", "B"})
	c.Check(cd.numerics["dose"], check.DeepEquals, []float64{0.5, 1})

	r, err := cd.Reorder([]string{"s2", "s1"})
	c.Assert(err, check.IsNil)
	c.Check(r.factors["condition"], check.DeepEquals, []string{"B", "A"})
	c.Check(r.numerics["dose"], check.DeepEquals, []float64{1, 0.5})
}
