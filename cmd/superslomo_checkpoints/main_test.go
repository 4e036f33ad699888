// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/superslomo/pkg/trainer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinimalUniquePaths(t *testing.T) {
	assert.Equal(t, []string{"checkpoints"}, MinimalUniquePaths("/runs/a/checkpoints"))
	assert.Equal(t, []string{"a", "b"}, MinimalUniquePaths("/runs/a/checkpoints", "/runs/b/checkpoints"))
	assert.Equal(t, []string{"a...x", "b...y"},
		MinimalUniquePaths("/runs/a/checkpoints/x", "/runs/b/checkpoints/y"))
}

func TestAllEqual(t *testing.T) {
	assert.True(t, allEqual([]string{}))
	assert.True(t, allEqual([]string{"a"}))
	assert.True(t, allEqual([]string{"a", "a", "a"}))
	assert.False(t, allEqual([]string{"a", "a", "b"}))
}

func TestPlotHistory(t *testing.T) {
	ctx := context.New()
	history := &trainer.History{}
	history.Append(0, 0.5, 0.6, 20.0)
	history.Append(0, 0.4, 0.5, 21.5)
	history.Append(1, 0.3, 0.45, 22.0)
	history.Save(ctx)

	losses, psnr := historySeries(history)
	require.Len(t, losses["validationLoss"], 3)
	assert.Equal(t, 2, losses["validationLoss"][2].Step)
	assert.Equal(t, 0.45, losses["validationLoss"][2].Value)
	assert.Equal(t, 21.5, psnr["PSNR"][1].Value)

	filePath := filepath.Join(t.TempDir(), "history.png")
	require.NoError(t, PlotHistory(ctx, filePath))
	for _, name := range []string{filePath, psnrPlotPath(filePath)} {
		info, err := os.Stat(name)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}
	assert.Equal(t, "/tmp/history_psnr.png", psnrPlotPath("/tmp/history.png"))

	require.Error(t, PlotHistory(context.New(), filePath))
}
