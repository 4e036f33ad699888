// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slomo

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemporalPosition(t *testing.T) {
	assert.InDelta(t, 0.125, TemporalPosition(0), 1e-12)
	assert.InDelta(t, 0.5, TemporalPosition(3), 1e-12)
	assert.InDelta(t, 0.875, TemporalPosition(6), 1e-12)
	require.Panics(t, func() { TemporalPosition(-1) })
	require.Panics(t, func() { TemporalPosition(NumIntermediateFrames) })
}

func TestFlowCoefficientsBoundaries(t *testing.T) {
	// F_t_0 = C00*F_0_1 + C01*F_1_0, F_t_1 = C10*F_0_1 + C11*F_1_0
	apply := func(c [4]float64, f01, f10 float64) (ft0, ft1 float64) {
		return c[0]*f01 + c[1]*f10, c[2]*f01 + c[3]*f10
	}
	const f01, f10 = 3.0, -5.0
	for _, eps := range []float64{1e-3, 1e-6} {
		ft0, ft1 := apply(FlowCoefficientsAt(eps), f01, f10)
		assert.InDelta(t, 0, ft0, 10*eps)
		assert.InDelta(t, f01, ft1, 10*eps)

		ft0, ft1 = apply(FlowCoefficientsAt(1-eps), f01, f10)
		assert.InDelta(t, f10, ft0, 10*eps)
		assert.InDelta(t, 0, ft1, 10*eps)
	}

	// Middle point is symmetric.
	c := FlowCoefficients(3)
	assert.InDeltaSlice(t, []float64{-0.25, 0.25, 0.25, -0.25}, c[:], 1e-12)
	w := WarpCoefficients(3)
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, w[:], 1e-12)
	for i := range NumIntermediateFrames {
		w := WarpCoefficients(i)
		assert.InDelta(t, 1.0, w[0]+w[1], 1e-12)
	}
}

func TestFlowCoefficientsGraph(t *testing.T) {
	indices := []int32{0, 3, 6}
	var wantC00, wantC01, wantC10, wantC11, wantW0 [][][][]float32
	for _, i := range indices {
		c := FlowCoefficients(int(i))
		w := WarpCoefficients(int(i))
		wrap := func(v float64) [][][]float32 { return [][][]float32{{{float32(v)}}} }
		wantC00 = append(wantC00, wrap(c[0]))
		wantC01 = append(wantC01, wrap(c[1]))
		wantC10 = append(wantC10, wrap(c[2]))
		wantC11 = append(wantC11, wrap(c[3]))
		wantW0 = append(wantW0, wrap(w[0]))
	}
	graphtest.RunTestGraphFn(t, "FlowCoefficientsGraph", func(g *Graph) (inputs, outputs []*Node) {
		frameIndex := Const(g, indices)
		tPos := TemporalPositionGraph(frameIndex, dtypes.Float32)
		c00, c01, c10, c11 := FlowCoefficientsGraph(tPos)
		w0, _ := WarpCoefficientsGraph(tPos)
		inputs = []*Node{frameIndex}
		outputs = []*Node{c00, c01, c10, c11, w0}
		return
	}, []any{wantC00, wantC01, wantC10, wantC11, wantW0}, 1e-6)
}
