// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// superslomo_checkpoints inspects the checkpoints saved by superslomo.
//
// Each argument is a checkpoint directory (its latest checkpoint is used) or a checkpoint-*.json file.
// With more than one argument, the summary and hyperparameters are shown side by side.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/superslomo/pkg/slomo"
	"github.com/gomlx/superslomo/pkg/trainer"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagScope = flag.String("scope", "", "Restricts the variables reported to the given scope, e.g. \"/"+slomo.FlowScope+"\". "+
		"If empty, all variables are reported.")
	flagSummary  = flag.Bool("summary", false, "Display a summary: epoch, global step, learning rate and the sizes of the networks.")
	flagParams   = flag.Bool("params", false, "Lists the hyperparameters.")
	flagVars     = flag.Bool("vars", false, "Lists the variables under -scope, with statistics of their values.")
	flagHistory  = flag.Bool("history", false, "Lists the training and validation metrics of every progress point.")
	flagPlot     = flag.String("plot", "", "Saves a plot of the training history to the given file (e.g. \"history.png\").")
	flagGlossary = flag.Bool("glossary", true, "Whether to list the glossary of the statistics in -vars.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	paths := flag.Args()
	if len(paths) == 0 {
		klog.Errorf("Missing checkpoint directory to read from. See 'superslomo_checkpoints -help'")
		os.Exit(1)
	}
	if !*flagSummary && !*flagParams && !*flagVars && !*flagHistory && *flagPlot == "" {
		*flagSummary = true
	}

	ctxs := make([]*context.Context, len(paths))
	for ii, path := range paths {
		ctxs[ii] = context.New()
		must.M(trainer.LoadCheckpoint(ctxs[ii], path))
	}
	names := MinimalUniquePaths(paths...)

	if *flagSummary {
		Summary(ctxs, names)
	}
	if *flagParams {
		Params(ctxs, names)
	}
	for ii, ctx := range ctxs {
		if *flagVars {
			scopedCtx := ctx
			if *flagScope != "" {
				scopedCtx = ctx.InAbsPath(*flagScope)
			}
			ListVariables(scopedCtx, names[ii])
		}
		if *flagHistory {
			ListHistory(ctx, names[ii])
		}
	}
	if *flagPlot != "" {
		must.M(PlotHistory(ctxs[0], *flagPlot))
		if len(ctxs) > 1 {
			klog.Warningf("Only the history of %q was plotted", paths[0])
		}
		fmt.Printf("History plotted to %s\n", *flagPlot)
	}
}
