// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slomo

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

const (
	// FlowScope is the context scope holding the flow estimation U-Net variables.
	FlowScope = "flow"

	// InterpScope is the context scope holding the arbitrary-time flow interpolation U-Net variables.
	InterpScope = "interp"

	// NormalizationMean is subtracted from the [0, 1] pixel values before they are fed to the model.
	NormalizationMean = 0.5
)

// Prediction holds the output of Forward and the intermediate values needed by the loss.
// All images are normalized (see Normalize).
type Prediction struct {
	// I0, I1 are the normalized keyframes.
	I0, I1 *Node

	// T is the temporal position, shaped [batch, 1, 1, 1].
	T *Node

	// Flow01 and Flow10 are the bidirectional flows estimated by the flow U-Net.
	Flow01, Flow10 *Node

	// FlowT0 and FlowT1 are the approximated intermediate flows, before refinement.
	FlowT0, FlowT1 *Node

	// WarpedI0T and WarpedI1T are I0 and I1 warped to time t with FlowT0 and FlowT1.
	WarpedI0T, WarpedI1T *Node

	// VisibilityT0 is the probability of each pixel at time t being visible in I0.
	VisibilityT0 *Node

	// Frame is the predicted intermediate frame.
	Frame *Node
}

// Normalize maps pixel values from [0, 1] to the model range [-0.5, 0.5].
func Normalize(image *Node) *Node {
	return AddScalar(image, -NormalizationMean)
}

// Denormalize is the reverse of Normalize.
func Denormalize(image *Node) *Node {
	return AddScalar(image, NormalizationMean)
}

// Forward predicts the frame between i0 and i1 at the positions given by frameIndex.
//
// i0 and i1 are shaped [batch, height, width, 3] with values in [0, 1], and frameIndex is shaped [batch]
// with values in [0, NumIntermediateFrames). Height and width must be divisible by 32.
func Forward(ctx *context.Context, i0, i1, frameIndex *Node) *Prediction {
	if !i0.Shape().Equal(i1.Shape()) {
		exceptions.Panicf("keyframes must have the same shape, got %s and %s", i0.Shape(), i1.Shape())
	}
	if i0.Rank() != 4 || i0.Shape().Dimensions[3] != 3 {
		exceptions.Panicf("keyframes must be shaped [batch, height, width, 3], got %s", i0.Shape())
	}
	p := &Prediction{I0: Normalize(i0), I1: Normalize(i1)}
	p.T = TemporalPositionGraph(frameIndex, i0.DType())

	flow := UNet(ctx.In(FlowScope), Concatenate([]*Node{p.I0, p.I1}, -1), 4).Done()
	p.Flow01 = sliceChannels(flow, 0, 2)
	p.Flow10 = sliceChannels(flow, 2, 4)

	p.FlowT0, p.FlowT1 = IntermediateFlows(p.T, p.Flow01, p.Flow10)
	p.WarpedI0T = BackWarp(p.I0, p.FlowT0)
	p.WarpedI1T = BackWarp(p.I1, p.FlowT1)

	interpInput := Concatenate([]*Node{
		p.I0, p.I1, p.Flow01, p.Flow10, p.FlowT1, p.FlowT0, p.WarpedI1T, p.WarpedI0T,
	}, -1)
	out := UNet(ctx.In(InterpScope), interpInput, 5).Done()
	refinedT0 := Add(sliceChannels(out, 0, 2), p.FlowT0)
	refinedT1 := Add(sliceChannels(out, 2, 4), p.FlowT1)
	p.VisibilityT0 = Sigmoid(sliceChannels(out, 4, 5))
	visibilityT1 := OneMinus(p.VisibilityT0)

	w0, w1 := WarpCoefficientsGraph(p.T)
	weighted0 := Mul(w0, p.VisibilityT0)
	weighted1 := Mul(w1, visibilityT1)
	numerator := Add(
		Mul(weighted0, BackWarp(p.I0, refinedT0)),
		Mul(weighted1, BackWarp(p.I1, refinedT1)))
	p.Frame = Div(numerator, Add(weighted0, weighted1))
	return p
}

func sliceChannels(x *Node, from, to int) *Node {
	return Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(from, to))
}
