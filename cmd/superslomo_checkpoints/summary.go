// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/superslomo/pkg/slomo"
	"github.com/gomlx/superslomo/pkg/trainer"
	"github.com/janpfeifer/must"
)

// scalarVariable returns the value of a scalar variable formatted with format, or "" if it doesn't exist.
func scalarVariable(ctx *context.Context, scope, name, format string) string {
	v := ctx.GetVariableByScopeAndName(scope, name)
	if v == nil {
		return ""
	}
	return fmt.Sprintf(format, must.M1(v.Value()).Value())
}

// scopeSizes returns the number of variables, the number of values and the memory used by the variables in scope.
func scopeSizes(ctx *context.Context, scope string) (numVars, numValues int, memory uintptr) {
	for v := range ctx.InAbsPath(scope).IterVariablesInScope() {
		numVars++
		numValues += v.Shape().Size()
		memory += v.Shape().Memory()
	}
	return
}

// Summary prints one column per checkpoint with the training progress and the sizes of the networks.
func Summary(ctxs []*context.Context, names []string) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newTable(lipgloss.Right, lipgloss.Left)
	table.Headers(append([]string{"checkpoint"}, names...)...)

	addRow := func(title string, valueFn func(ctx *context.Context) string) {
		row := make([]string, 0, len(ctxs)+1)
		row = append(row, title)
		for _, ctx := range ctxs {
			row = append(row, valueFn(ctx))
		}
		table.AddRow(len(ctxs) > 1 && !allEqual(row[1:]), row...)
	}
	addRow(trainer.ParamEpoch, func(ctx *context.Context) string {
		return fmt.Sprintf("%d", context.GetParamOr(ctx, trainer.ParamEpoch, -1))
	})
	addRow(trainer.ParamTimestamp, func(ctx *context.Context) string {
		return context.GetParamOr(ctx, trainer.ParamTimestamp, "")
	})
	addRow(optimizers.GlobalStepVariableName, func(ctx *context.Context) string {
		v := ctx.GetVariableByScopeAndName(context.RootScope, optimizers.GlobalStepVariableName)
		if v == nil {
			return ""
		}
		return humanize.Comma(tensors.ToScalar[int64](must.M1(v.Value())))
	})
	addRow("learning rate", func(ctx *context.Context) string {
		return scalarVariable(ctx, context.RootScope+optimizers.Scope, optimizers.ParamLearningRate, "%.3g")
	})
	addRow("progress points", func(ctx *context.Context) string {
		return fmt.Sprintf("%d", len(context.GetParamOr(ctx, trainer.ParamHistoryEpoch, []int(nil))))
	})
	for _, scope := range []string{slomo.FlowScope, slomo.InterpScope, optimizers.AdamDefaultScope} {
		scope = context.RootScope + scope
		addRow(scope+" # variables", func(ctx *context.Context) string {
			numVars, _, _ := scopeSizes(ctx, scope)
			return humanize.Comma(int64(numVars))
		})
		addRow(scope+" # parameters", func(ctx *context.Context) string {
			_, numValues, _ := scopeSizes(ctx, scope)
			return humanize.Comma(int64(numValues))
		})
	}
	addRow("total bytes", func(ctx *context.Context) string {
		_, _, memory := scopeSizes(ctx, context.RootScope)
		return humanize.Bytes(uint64(memory))
	})
	fmt.Println(table.Render())
}
