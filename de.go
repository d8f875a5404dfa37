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

	log "github.com/sirupsen/logrus"
)

type deCmd struct {
	designExpr   string
	contrastExpr string
	sheetComma   string
	shrinkLFC    bool
	threads      int
}

func (cmd *deCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputFilename := flags.String("o", "-", "output results `file`")
	sheetFilename := flags.String("samples", "", "sample covariate table `file` (CSV/TSV)")
	flags.StringVar(&cmd.designExpr, "design", "", "covariate `design`, e.g. \"condition\" or \"condition+cellline\"")
	flags.StringVar(&cmd.contrastExpr, "contrast", "", "`contrast` to report: \"covariate\" or \"covariate,level,reference\"")
	flags.StringVar(&cmd.sheetComma, "sheet-delimiter", "\t", "sample sheet field `delimiter`")
	flags.BoolVar(&cmd.shrinkLFC, "shrink-lfc", false, "report moderated fold changes (normal prior posterior)")
	flags.IntVar(&cmd.threads, "threads", 0, "max concurrent per-gene fits (0 = GOMAXPROCS)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if *sheetFilename == "" || cmd.designExpr == "" || cmd.contrastExpr == "" {
		err = fmt.Errorf("-samples, -design and -contrast are required")
		return 2
	}
	contrast, err := ParseContrast(cmd.contrastExpr)
	if err != nil {
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
	log.Infof("read %d genes x %d samples", m.NGenes(), m.NSamples())

	colData, design, err := loadDesign(m, *sheetFilename, cmd.designExpr, cmd.sheetComma)
	if err != nil {
		return 1
	}
	a, err := NewAnalysis(m, colData, design)
	if err != nil {
		return 1
	}
	a.MaxThreads = cmd.threads

	log.Info("estimating size factors")
	if err = a.EstimateSizeFactors(); err != nil {
		return 1
	}
	log.Info("estimating dispersions")
	if err = a.EstimateDispersions(); err != nil {
		return 1
	}
	log.WithFields(log.Fields{"a0": a.disp.A0, "a1": a.disp.A1}).Info("dispersion trend")
	log.Info("shrinking dispersions")
	if err = a.ShrinkDispersions(); err != nil {
		return 1
	}
	log.Info("fitting model")
	if err = a.FitModel(); err != nil {
		return 1
	}
	log.Infof("extracting results for %v", contrast)
	var res *Results
	if cmd.shrinkLFC {
		res, err = a.ResultsShrunkLFC(contrast)
	} else {
		res, err = a.Results(contrast)
	}
	if err != nil {
		return 1
	}

	output, err := createMatrixFile(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	err = res.WriteTSV(output)
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}
