// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"math"

	"github.com/gomlx/gomlx/pkg/ml/context"
)

// plateauEpsilon is the minimum change of learning rate for a reduction to be applied.
const plateauEpsilon = 1e-8

// Plateau reduces the learning rate when a monitored loss stops improving, in "min" mode with a relative
// threshold: a loss is an improvement if it is below Best*(1-Threshold).
//
// It is stepped with losses (one call to Step per observation), and Patience and Cooldown are counted in steps.
type Plateau struct {
	Factor, MinLearningRate, Threshold float64
	Patience, Cooldown                 int

	// State, saved in checkpoints.
	Best                         float64
	NumBadSteps, CooldownCounter int
	LastStep                     int
}

// NewPlateau creates a Plateau configured by the ParamPlateau* hyperparameters, and with its state restored
// from ctx (which may have been loaded from a checkpoint).
// Patience and cooldown hyperparameters are given in epochs, and converted to steps with batchesPerEpoch.
func NewPlateau(ctx *context.Context, batchesPerEpoch int) *Plateau {
	p := &Plateau{
		Factor:          context.GetParamOr(ctx, ParamPlateauFactor, 0.1),
		MinLearningRate: context.GetParamOr(ctx, ParamPlateauMinLearningRate, 1e-8),
		Threshold:       context.GetParamOr(ctx, ParamPlateauThreshold, 1e-4),
		Patience:        context.GetParamOr(ctx, ParamPlateauPatienceEpochs, 3) * batchesPerEpoch,
		Cooldown:        context.GetParamOr(ctx, ParamPlateauCooldownEpochs, 2) * batchesPerEpoch,

		Best:            context.GetParamOr(ctx, ParamPlateauBest, math.Inf(1)),
		NumBadSteps:     context.GetParamOr(ctx, ParamPlateauNumBadSteps, 0),
		CooldownCounter: context.GetParamOr(ctx, ParamPlateauCooldownCounter, 0),
		LastStep:        context.GetParamOr(ctx, ParamPlateauLastStep, 0),
	}
	return p
}

// SaveState stores the state of the scheduler as ctx hyperparameters.
func (p *Plateau) SaveState(ctx *context.Context) {
	if !math.IsInf(p.Best, 1) {
		// JSON can't represent infinity: a missing best means no loss was observed yet.
		ctx.SetParam(ParamPlateauBest, p.Best)
	}
	ctx.SetParam(ParamPlateauNumBadSteps, p.NumBadSteps)
	ctx.SetParam(ParamPlateauCooldownCounter, p.CooldownCounter)
	ctx.SetParam(ParamPlateauLastStep, p.LastStep)
}

func (p *Plateau) isBetter(loss float64) bool {
	return loss < p.Best*(1-p.Threshold)
}

// Step observes a new loss, given the current learning rate. It returns the learning rate to use from now on,
// and whether it was reduced.
func (p *Plateau) Step(loss, learningRate float64) (newLearningRate float64, reduced bool) {
	p.LastStep++
	if p.isBetter(loss) {
		p.Best = loss
		p.NumBadSteps = 0
	} else {
		p.NumBadSteps++
	}
	if p.CooldownCounter > 0 {
		p.CooldownCounter--
		p.NumBadSteps = 0
	}
	newLearningRate = learningRate
	if p.NumBadSteps > p.Patience {
		p.CooldownCounter = p.Cooldown
		p.NumBadSteps = 0
		candidate := max(learningRate*p.Factor, p.MinLearningRate)
		if learningRate-candidate > plateauEpsilon {
			newLearningRate = candidate
			reduced = true
		}
	}
	return
}
