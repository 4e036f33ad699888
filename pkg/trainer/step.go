// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"image"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/superslomo/pkg/perceptual"
	"github.com/gomlx/superslomo/pkg/slomo"
	"github.com/pkg/errors"
)

// Metrics of one batch.
type Metrics struct {
	Loss                                         float64
	Reconstruction, Perceptual, Warp, Smoothness float64
	PSNR                                         float64
}

const numMetrics = 6

func metricsNodes(terms *slomo.LossTerms, psnr *Node) []*Node {
	return []*Node{terms.Total, terms.Reconstruction, terms.Perceptual, terms.Warp, terms.Smoothness, psnr}
}

func metricsFromTensors(outputs []*tensors.Tensor) Metrics {
	values := make([]float64, numMetrics)
	for ii := range values {
		values[ii] = float64(tensors.ToScalar[float32](outputs[ii]))
	}
	return Metrics{
		Loss:           values[0],
		Reconstruction: values[1], Perceptual: values[2], Warp: values[3], Smoothness: values[4],
		PSNR: values[5],
	}
}

// Steps holds the compiled training and evaluation steps.
//
// Both take the inputs yielded by clips.Dataset: [I0, It, I1, frameIndex].
// The train step runs the forward pass, the loss, its gradients and the Adam update in one graph.
type Steps struct {
	ctx       *context.Context
	optimizer optimizers.Interface
	trainExec *context.Exec
	evalExec  *context.Exec
}

// NewSteps creates the training and evaluation steps. The perceptual network variables should already exist
// in ctx (see perceptual.Setup), and are not trained.
//
// Adam is configured from the hyperparameters in ctx: optimizers.ParamLearningRate,
// optimizers.ParamAdamWeightDecay and optimizers.ParamAdamEpsilon.
func NewSteps(backend backends.Backend, ctx *context.Context) (*Steps, error) {
	s := &Steps{
		ctx:       ctx.Checked(false),
		optimizer: optimizers.Adam().FromContext(ctx).Done(),
	}
	var err error
	s.trainExec, err = context.NewExec(backend, s.ctx, s.trainGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create train step")
	}
	s.evalExec, err = context.NewExec(backend, s.ctx, s.evalGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create evaluation step")
	}
	return s, nil
}

func splitInputs(inputs []*Node) (i0, it, i1, frameIndex *Node) {
	if len(inputs) != 4 {
		exceptions.Panicf("expected 4 inputs (I0, It, I1, frameIndex), got %d", len(inputs))
	}
	return inputs[0], inputs[1], inputs[2], inputs[3]
}

func (s *Steps) trainGraph(ctx *context.Context, inputs []*Node) []*Node {
	i0, it, i1, frameIndex := splitInputs(inputs)
	g := i0.Graph()
	ctx.SetTraining(g, true)
	p := slomo.Forward(ctx, i0, i1, frameIndex)
	terms := slomo.ComputeLoss(ctx, p, it, perceptual.Features)
	s.optimizer.UpdateGraph(ctx, g, terms.Total)
	return metricsNodes(terms, slomo.PSNR(p.Frame, slomo.Normalize(it)))
}

// evalGraph also returns the first example of the batch as images [I0, It, Ft_p, I1], with values in [0, 1].
func (s *Steps) evalGraph(ctx *context.Context, inputs []*Node) []*Node {
	i0, it, i1, frameIndex := splitInputs(inputs)
	g := i0.Graph()
	ctx.SetTraining(g, false)
	p := slomo.Forward(ctx, i0, i1, frameIndex)
	terms := slomo.ComputeLoss(ctx, p, it, perceptual.Features)
	predicted := ClipScalar(slomo.Denormalize(p.Frame), 0, 1)
	first := func(x *Node) *Node { return Slice(x, AxisRange(0, 1)) }
	examples := Concatenate([]*Node{first(i0), first(it), first(predicted), first(i1)}, 0)
	return append(metricsNodes(terms, slomo.PSNR(p.Frame, slomo.Normalize(it))), examples)
}

// TrainStep runs one training step on the batch, updating the model and optimizer variables.
func (s *Steps) TrainStep(inputs []*tensors.Tensor) (Metrics, error) {
	outputs, err := s.trainExec.Exec(tensorsToAny(inputs)...)
	if err != nil {
		return Metrics{}, errors.WithMessage(err, "train step failed")
	}
	return metricsFromTensors(outputs), nil
}

// EvalStep evaluates the model on the batch, and returns the first example as the images [I0, It, Ft_p, I1].
func (s *Steps) EvalStep(inputs []*tensors.Tensor) (Metrics, []image.Image, error) {
	outputs, err := s.evalExec.Exec(tensorsToAny(inputs)...)
	if err != nil {
		return Metrics{}, nil, errors.WithMessage(err, "evaluation step failed")
	}
	return metricsFromTensors(outputs), timages.ToImage().MaxValue(1.0).Batch(outputs[numMetrics]), nil
}

func tensorsToAny(inputs []*tensors.Tensor) []any {
	args := make([]any, len(inputs))
	for ii, t := range inputs {
		args[ii] = t
	}
	return args
}

// LearningRate returns the current value of the optimizer's learning rate variable.
func LearningRate(ctx *context.Context) float64 {
	initial := context.GetParamOr(ctx, optimizers.ParamLearningRate, optimizers.AdamDefaultLearningRate)
	v := optimizers.LearningRateVar(ctx, dtypes.Float32, initial)
	return float64(tensors.ToScalar[float32](v.MustValue()))
}

// SetLearningRate changes the optimizer's learning rate. Compiled steps read it at every execution.
func SetLearningRate(ctx *context.Context, learningRate float64) error {
	v := optimizers.LearningRateVar(ctx, dtypes.Float32, learningRate)
	return errors.WithMessage(v.SetValue(tensors.FromScalar(float32(learningRate))), "failed to set learning rate")
}

// Finalize releases the compiled steps.
func (s *Steps) Finalize() {
	s.trainExec.Finalize()
	s.evalExec.Finalize()
}
