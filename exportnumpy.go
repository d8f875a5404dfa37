// Copyright (C) The RNAdiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package rnadiff

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

// exportNumpy converts a counts / normalized / vst matrix TSV into a
// .npy array (genes x samples) for downstream plotting tools.
type exportNumpy struct{}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "input matrix `file`")
	outputFilename := flags.String("o", "-", "output .npy `file`")
	geneLabels := flags.String("gene-labels", "", "write gene labels to `file`, one per output row")
	sampleLabels := flags.String("sample-labels", "", "write sample labels to `file`, one per output column")
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
	fm, err := readFloatMatrixTSV(input)
	if err != nil {
		return 1
	}
	input.Close()

	writeLabels := func(filename string, labels []string) error {
		f, err := createMatrixFile(filename, stdout)
		if err != nil {
			return err
		}
		bufw := bufio.NewWriter(f)
		for _, l := range labels {
			fmt.Fprintln(bufw, l)
		}
		if err := bufw.Flush(); err != nil {
			return err
		}
		return f.Close()
	}
	if *geneLabels != "" {
		if err = writeLabels(*geneLabels, fm.genes); err != nil {
			return 1
		}
	}
	if *sampleLabels != "" {
		if err = writeLabels(*sampleLabels, fm.samples); err != nil {
			return 1
		}
	}

	rows, cols := len(fm.genes), len(fm.samples)
	out := make([]float64, 0, rows*cols)
	for _, row := range fm.rows {
		out = append(out, row...)
	}
	output, err := createMatrixFile(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return 1
	}
	npw.Shape = []int{rows, cols}
	log.Printf("writing numpy: %d rows, %d cols", rows, cols)
	err = npw.WriteFloat64(out)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}
