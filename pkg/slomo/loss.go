// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slomo

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Loss term weights, calibrated for pixel values in [0, 1].
const (
	ReconstructionWeight = 204.0
	WarpWeight           = 102.0
	PerceptualWeight     = 0.005
)

// FeatureExtractor maps normalized images to the feature maps used by the perceptual loss.
// Its variables must not be trainable.
type FeatureExtractor func(ctx *context.Context, images *Node) *Node

// LossTerms holds the unweighted components of the training loss, and their weighted total.
type LossTerms struct {
	Reconstruction, Perceptual, Warp, Smoothness *Node
	Total                                        *Node
}

// L1 is the mean absolute difference over all elements.
func L1(a, b *Node) *Node {
	return ReduceAllMean(Abs(Sub(a, b)))
}

// MSE is the mean squared difference over all elements.
func MSE(a, b *Node) *Node {
	return ReduceAllMean(Square(Sub(a, b)))
}

// Smoothness returns the mean absolute difference between horizontally and vertically adjacent flow vectors.
func Smoothness(flow *Node) *Node {
	dx := Sub(Slice(flow, AxisRange(), AxisRange(), AxisRange(1)), Slice(flow, AxisRange(), AxisRange(), AxisRange(0, -1)))
	dy := Sub(Slice(flow, AxisRange(), AxisRange(1)), Slice(flow, AxisRange(), AxisRange(0, -1)))
	return Add(ReduceAllMean(Abs(dx)), ReduceAllMean(Abs(dy)))
}

// ComputeLoss returns the training loss of the prediction p against the ground-truth frame target
// (values in [0, 1]), using features for the perceptual term.
func ComputeLoss(ctx *context.Context, p *Prediction, target *Node, features FeatureExtractor) *LossTerms {
	target = Normalize(target)
	terms := &LossTerms{}
	terms.Reconstruction = L1(p.Frame, target)
	terms.Perceptual = MSE(features(ctx, p.Frame), features(ctx, target))
	terms.Warp = sumTerms(
		L1(p.WarpedI0T, target),
		L1(p.WarpedI1T, target),
		L1(BackWarp(p.I0, p.Flow10), p.I1),
		L1(BackWarp(p.I1, p.Flow01), p.I0))
	terms.Smoothness = Add(Smoothness(p.Flow10), Smoothness(p.Flow01))
	terms.Total = sumTerms(
		MulScalar(terms.Reconstruction, ReconstructionWeight),
		MulScalar(terms.Warp, WarpWeight),
		MulScalar(terms.Perceptual, PerceptualWeight),
		terms.Smoothness)
	return terms
}

func sumTerms(nodes ...*Node) *Node {
	sum := nodes[0]
	for _, n := range nodes[1:] {
		sum = Add(sum, n)
	}
	return sum
}

// PSNR returns the peak signal-to-noise ratio between prediction and target, in dB, for a signal range of 1.
// It is computed over the whole batch, as a scalar.
func PSNR(prediction, target *Node) *Node {
	mse := MSE(prediction, target)
	// 10*log10(1/mse) = -10/ln(10) * ln(mse)
	return MulScalar(Log(mse), -10.0/math.Ln10)
}
