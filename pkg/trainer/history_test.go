// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory(t *testing.T) {
	ctx := context.New()
	h, err := LoadHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, h.Len())

	h.Append(0, 0.5, 0.6, 20.0)
	h.Append(0, 0.4, 0.5, 21.5)
	h.Append(1, 0.3, 0.45, 22.0)
	h.Save(ctx)

	loaded, err := LoadHistory(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, loaded.Len())
	assert.Equal(t, []int{0, 0, 1}, loaded.Epoch)
	assert.Equal(t, []float64{0.5, 0.4, 0.3}, loaded.TrainLoss)
	assert.Equal(t, []float64{0.6, 0.5, 0.45}, loaded.ValLoss)
	assert.Equal(t, []float64{20.0, 21.5, 22.0}, loaded.ValPSNR)

	ctx.SetParam(ParamHistoryValPSNR, []float64{1})
	_, err = LoadHistory(ctx)
	require.Error(t, err)
}
