// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/superslomo/pkg/logsink"
	"github.com/gomlx/superslomo/pkg/trainer"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// ListHistory prints the metrics of every progress point saved in the checkpoint.
func ListHistory(ctx *context.Context, name string) {
	history := must.M1(trainer.LoadHistory(ctx))
	fmt.Println(titleStyle.Render(fmt.Sprintf("History of %s", name)))
	if history.Len() == 0 {
		fmt.Println("  No progress points recorded.")
		return
	}
	table := newTable(lipgloss.Right)
	table.Headers("#", "Epoch", "Train Loss", "Validation Loss", "Validation PSNR")
	bestPSNR := 0
	for ii := range history.Len() {
		if history.ValPSNR[ii] > history.ValPSNR[bestPSNR] {
			bestPSNR = ii
		}
	}
	for ii := range history.Len() {
		table.AddRow(ii == bestPSNR,
			fmt.Sprintf("%d", ii), fmt.Sprintf("%d", history.Epoch[ii]),
			fmt.Sprintf("%0.6f", history.TrainLoss[ii]),
			fmt.Sprintf("%0.6f", history.ValLoss[ii]),
			fmt.Sprintf("%0.4f", history.ValPSNR[ii]))
	}
	fmt.Println(table.Render())
}

// historySeries converts the history to plot series, indexed by progress point.
func historySeries(history *trainer.History) (losses, psnr map[string][]logsink.Point) {
	losses = map[string][]logsink.Point{"trainLoss": nil, "validationLoss": nil}
	psnr = map[string][]logsink.Point{"PSNR": nil}
	for ii := range history.Len() {
		losses["trainLoss"] = append(losses["trainLoss"], logsink.Point{Step: ii, Value: history.TrainLoss[ii]})
		losses["validationLoss"] = append(losses["validationLoss"], logsink.Point{Step: ii, Value: history.ValLoss[ii]})
		psnr["PSNR"] = append(psnr["PSNR"], logsink.Point{Step: ii, Value: history.ValPSNR[ii]})
	}
	return
}

// psnrPlotPath returns the path of the PSNR plot that accompanies the losses plot in filePath.
func psnrPlotPath(filePath string) string {
	ext := filepath.Ext(filePath)
	return strings.TrimSuffix(filePath, ext) + "_psnr" + ext
}

// PlotHistory saves the plot of the losses to filePath, and the plot of the validation PSNR next to it.
func PlotHistory(ctx *context.Context, filePath string) error {
	history, err := trainer.LoadHistory(ctx)
	if err != nil {
		return err
	}
	if history.Len() == 0 {
		return errors.New("no progress points recorded in the checkpoint")
	}
	losses, psnr := historySeries(history)
	if err = logsink.RenderPlot(filePath, "Loss", losses); err != nil {
		return err
	}
	return logsink.RenderPlot(psnrPlotPath(filePath), "PSNR", psnr)
}
