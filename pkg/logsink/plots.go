// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package logsink

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// RenderPlot saves to filePath (the format is taken from its extension, e.g. ".png") a line plot
// with one line per series, sorted by name.
func RenderPlot(filePath, title string, series map[string][]Point) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "step"
	p.Y.Label.Text = title
	p.Add(plotter.NewGrid())

	names := make([]string, 0, len(series))
	for name := range series {
		names = append(names, name)
	}
	sort.Strings(names)
	for ii, name := range names {
		// Non-finite values (a diverged loss, or the PSNR of a perfect prediction) can't be plotted.
		xys := make(plotter.XYs, 0, len(series[name]))
		for _, point := range series[name] {
			if math.IsNaN(point.Value) || math.IsInf(point.Value, 0) {
				continue
			}
			xys = append(xys, plotter.XY{X: float64(point.Step), Y: point.Value})
		}
		if len(xys) == 0 {
			continue
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "invalid values for series %q", name)
		}
		line.Color = plotutil.Color(ii)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	p.Legend.Top = true
	if err := p.Save(8*vg.Inch, 4*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot %q", filePath)
	}
	return nil
}
