// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
)

// variableStats returns the mean absolute value, root-mean-square and max absolute value of x.
func variableStats(x *Node) (mav, rms, maxAV *Node) {
	x = ConvertDType(x, dtypes.Float64)
	mav = ReduceAllMean(Abs(x))
	rms = Sqrt(ReduceAllMean(Square(x)))
	maxAV = ReduceAllMax(Abs(x))
	return
}

// ListVariables lists the variables under the scope of ctx, with their shapes and statistics of their values.
func ListVariables(ctx *context.Context, name string) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Variables of %s in scope %q", name, ctx.Scope())))
	backend := must.M1(backends.New())
	defer backend.Finalize()
	statsExec := must.M1(NewExec(backend, variableStats)).SetMaxCache(-1)
	defer statsExec.Finalize()

	table := newTable()
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	var rows [][]string
	for v := range ctx.IterVariablesInScope() {
		shape := v.Shape()
		value := must.M1(v.Value())
		var mav, rms, maxAV string
		switch {
		case shape.Size() == 1:
			mav = fmt.Sprintf("%8v", value.Value())
		case shape.DType.IsFloat():
			stats := must.M1(statsExec.Exec(value))
			mav = fmt.Sprintf("%.3g", stats[0].Value().(float64))
			rms = fmt.Sprintf("%.3g", stats[1].Value().(float64))
			maxAV = fmt.Sprintf("%.3g", stats[2].Value().(float64))
		}
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
			mav, rms, maxAV,
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		return cmp.Or(cmp.Compare(a[0], b[0]), cmp.Compare(a[1], b[1]))
	})
	for _, row := range rows {
		table.AddRow(false, row...)
	}
	fmt.Println(table.Render())
	if *flagGlossary {
		fmt.Printf("  %s:\n", sectionStyle.Render("Glossary"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("Scalar/MAV"), italicStyle.Render("If variable is a scalar then the value itself, else the Mean Absolute Value"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("RMS"), italicStyle.Render("Root Mean Square"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("MaxAV"), italicStyle.Render("Max Absolute Value"))
	}
}
