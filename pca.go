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
	"strconv"
	"strings"

	"github.com/james-bowman/nlp"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// floatMatrix is a labeled gene-by-sample matrix of transformed
// values, as produced by the size-factors and vst subcommands.
type floatMatrix struct {
	genes   []string
	samples []string
	rows    [][]float64
}

func readFloatMatrixTSV(r io.Reader) (*floatMatrix, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<26)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("matrix: empty input")
	}
	header := strings.Split(scanner.Text(), "\t")
	if len(header) < 2 {
		return nil, fmt.Errorf("matrix: header has no sample columns")
	}
	fm := &floatMatrix{samples: header[1:]}
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != len(header) {
			return nil, fmt.Errorf("matrix: line %d has %d fields, want %d", len(fm.genes)+2, len(fields), len(header))
		}
		row := make([]float64, len(fm.samples))
		for j, f := range fields[1:] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("matrix: gene %q sample %q: %w", fields[0], fm.samples[j], err)
			}
			row[j] = v
		}
		fm.genes = append(fm.genes, fields[0])
		fm.rows = append(fm.rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return fm, nil
}

func (fm *floatMatrix) dense() *mat.Dense {
	data := make([]float64, len(fm.genes)*len(fm.samples))
	for i, row := range fm.rows {
		copy(data[i*len(fm.samples):], row)
	}
	return mat.NewDense(len(fm.genes), len(fm.samples), data)
}

// pcaCmd projects samples of a variance-stabilized (or otherwise
// log-scale) matrix onto their principal components, for
// sample-relationship inspection.
type pcaCmd struct{}

func (cmd *pcaCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	inputFilename := flags.String("i", "-", "input transformed matrix `file`")
	outputFilename := flags.String("o", "-", "output `file` (.npy, samples x components)")
	labelsFilename := flags.String("labels", "", "also write sample labels to `file`, one per row of the output")
	components := flags.Int("components", 4, "number of components")
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
	log.Infof("read %d genes x %d samples", len(fm.genes), len(fm.samples))

	// nlp treats matrix columns as the data points, which matches
	// genes-as-rows, samples-as-columns.
	mtx := mat.Matrix(fm.dense())
	log.Print("fitting")
	transformer := nlp.NewPCA(*components)
	transformer.Fit(mtx)
	log.Print("transforming")
	mtx, err = transformer.Transform(mtx)
	if err != nil {
		return 1
	}
	mtx = mtx.T()

	rows, cols := mtx.Dims()
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = mtx.At(i, j)
		}
	}

	if *labelsFilename != "" {
		lf, err2 := createMatrixFile(*labelsFilename, stdout)
		if err2 != nil {
			err = err2
			return 1
		}
		bufw := bufio.NewWriter(lf)
		for _, s := range fm.samples {
			fmt.Fprintln(bufw, s)
		}
		if err = bufw.Flush(); err != nil {
			return 1
		}
		if err = lf.Close(); err != nil {
			return 1
		}
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
