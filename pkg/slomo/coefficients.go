// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package slomo implements the Super SloMo frame interpolation model: the flow and interpolation U-Nets,
// the backward warping operator, the temporal coefficients and the composite training loss.
//
// All images are channels-last: [batch, height, width, channels].
package slomo

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// NumIntermediateFrames is the number of intermediate positions between two keyframes.
// Frame position indices go from 0 to NumIntermediateFrames-1.
const NumIntermediateFrames = 7

// TemporalPosition returns t in (0, 1) for the given frame position index: linspace(0.125, 0.875, 7)[frameIndex].
func TemporalPosition(frameIndex int) float64 {
	if frameIndex < 0 || frameIndex >= NumIntermediateFrames {
		exceptions.Panicf("frame position index must be in [0, %d), got %d", NumIntermediateFrames, frameIndex)
	}
	return float64(frameIndex+1) / float64(NumIntermediateFrames+1)
}

// FlowCoefficientsAt returns (C00, C01, C10, C11) for time t, used to approximate the intermediate flows:
//
//	F_t_0 = C00*F_0_1 + C01*F_1_0
//	F_t_1 = C10*F_0_1 + C11*F_1_0
func FlowCoefficientsAt(t float64) [4]float64 {
	return [4]float64{-(1 - t) * t, t * t, (1 - t) * (1 - t), -t * (1 - t)}
}

// WarpCoefficientsAt returns the blending weights (1-t, t) of the frames warped from I0 and I1.
func WarpCoefficientsAt(t float64) [2]float64 {
	return [2]float64{1 - t, t}
}

// FlowCoefficients returns FlowCoefficientsAt for the given frame position index.
func FlowCoefficients(frameIndex int) [4]float64 {
	return FlowCoefficientsAt(TemporalPosition(frameIndex))
}

// WarpCoefficients returns WarpCoefficientsAt for the given frame position index.
func WarpCoefficients(frameIndex int) [2]float64 {
	return WarpCoefficientsAt(TemporalPosition(frameIndex))
}

// TemporalPositionGraph converts a batch of frame position indices (shape [batch], any integer dtype)
// to t values shaped [batch, 1, 1, 1] of the given dtype, ready to broadcast over images.
func TemporalPositionGraph(frameIndex *Node, dtype dtypes.DType) *Node {
	if frameIndex.Rank() != 1 {
		exceptions.Panicf("frameIndex must be shaped [batch], got %s", frameIndex.Shape())
	}
	t := ConvertDType(frameIndex, dtype)
	t = DivScalar(AddScalar(t, 1), float64(NumIntermediateFrames+1))
	return Reshape(t, frameIndex.Shape().Dimensions[0], 1, 1, 1)
}

// FlowCoefficientsGraph is the graph version of FlowCoefficients, taking the temporal position t
// (see TemporalPositionGraph) and returning each coefficient with the same shape as t.
func FlowCoefficientsGraph(t *Node) (c00, c01, c10, c11 *Node) {
	oneMinusT := OneMinus(t)
	c00 = Neg(Mul(oneMinusT, t))
	c01 = Square(t)
	c10 = Square(oneMinusT)
	c11 = Neg(Mul(t, oneMinusT))
	return
}

// WarpCoefficientsGraph is the graph version of WarpCoefficients.
func WarpCoefficientsGraph(t *Node) (w0, w1 *Node) {
	return OneMinus(t), t
}

// IntermediateFlows approximates the flows from time t to the keyframes, given the bidirectional flows.
func IntermediateFlows(t, flow01, flow10 *Node) (flowT0, flowT1 *Node) {
	c00, c01, c10, c11 := FlowCoefficientsGraph(t)
	flowT0 = Add(Mul(c00, flow01), Mul(c01, flow10))
	flowT1 = Add(Mul(c10, flow01), Mul(c11, flow10))
	return
}
