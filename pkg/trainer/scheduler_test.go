// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlateauStep(t *testing.T) {
	p := &Plateau{Factor: 0.5, MinLearningRate: 0.3, Patience: 2, Cooldown: 1, Best: math.Inf(1)}
	lr := 1.0
	type want struct {
		lr      float64
		reduced bool
	}
	// Constant losses: the first is an improvement, then the patience runs out every 3 bad steps,
	// except that the step after a reduction is spent in cooldown.
	wants := []want{
		{1.0, false}, {1.0, false}, {1.0, false}, {0.5, true},
		{0.5, false}, {0.5, false}, {0.5, false}, {0.3, true},
		{0.3, false}, {0.3, false}, {0.3, false}, {0.3, false},
	}
	for ii, w := range wants {
		var reduced bool
		lr, reduced = p.Step(1.0, lr)
		assert.InDeltaf(t, w.lr, lr, 1e-12, "step #%d", ii)
		assert.Equalf(t, w.reduced, reduced, "step #%d", ii)
	}
	assert.Equal(t, len(wants), p.LastStep)
	assert.Equal(t, 1.0, p.Best)

	// An improvement resets the count of bad steps.
	p = &Plateau{Factor: 0.1, Threshold: 1e-4, Patience: 1, Best: math.Inf(1)}
	lr = 1.0
	for _, loss := range []float64{10, 10, 9, 9, 8} {
		var reduced bool
		lr, reduced = p.Step(loss, lr)
		require.False(t, reduced)
	}
	assert.Equal(t, 8.0, p.Best)
	lr, _ = p.Step(8, lr)
	lr, reduced := p.Step(8, lr)
	assert.True(t, reduced)
	assert.InDelta(t, 0.1, lr, 1e-12)

	// Changes within the threshold are not improvements.
	p = &Plateau{Factor: 0.1, Threshold: 0.1, Patience: 0, Best: 1.0}
	_, reduced = p.Step(0.95, 1.0)
	assert.True(t, reduced)
	assert.Equal(t, 1.0, p.Best)
}

func TestPlateauState(t *testing.T) {
	ctx := CreateDefaultContext()
	p := NewPlateau(ctx, 10)
	assert.Equal(t, 30, p.Patience)
	assert.Equal(t, 20, p.Cooldown)
	assert.Equal(t, 0.1, p.Factor)
	assert.Equal(t, 1e-8, p.MinLearningRate)
	assert.True(t, math.IsInf(p.Best, 1))

	// Before any observation the best loss is not stored.
	p.SaveState(ctx)
	_, found := ctx.GetParam(ParamPlateauBest)
	assert.False(t, found)

	p.Step(2.0, 1e-4)
	p.Step(3.0, 1e-4)
	p.SaveState(ctx)
	ctx.SetParam(ParamPlateauPatienceEpochs, 1)
	restored := NewPlateau(ctx, 5)
	assert.Equal(t, 2.0, restored.Best)
	assert.Equal(t, 1, restored.NumBadSteps)
	assert.Equal(t, 2, restored.LastStep)
	assert.Equal(t, 5, restored.Patience)

	fresh := NewPlateau(context.New(), 1)
	assert.Equal(t, 3, fresh.Patience)
	assert.Equal(t, 1e-4, fresh.Threshold)
	assert.Equal(t, 1e-8, fresh.MinLearningRate)
}
