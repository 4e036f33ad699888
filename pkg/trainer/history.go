// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// History holds one entry per progress point: the mean training loss since the previous progress point,
// and the validation loss and PSNR.
type History struct {
	Epoch     []int
	TrainLoss []float64
	ValLoss   []float64
	ValPSNR   []float64
}

// LoadHistory reads the history from the ParamHistory* hyperparameters of ctx.
func LoadHistory(ctx *context.Context) (*History, error) {
	h := &History{
		Epoch:     context.GetParamOr(ctx, ParamHistoryEpoch, []int(nil)),
		TrainLoss: context.GetParamOr(ctx, ParamHistoryTrainLoss, []float64(nil)),
		ValLoss:   context.GetParamOr(ctx, ParamHistoryValLoss, []float64(nil)),
		ValPSNR:   context.GetParamOr(ctx, ParamHistoryValPSNR, []float64(nil)),
	}
	n := len(h.Epoch)
	if len(h.TrainLoss) != n || len(h.ValLoss) != n || len(h.ValPSNR) != n {
		return nil, errors.Errorf("inconsistent history lengths: %s=%d, %s=%d, %s=%d, %s=%d",
			ParamHistoryEpoch, n, ParamHistoryTrainLoss, len(h.TrainLoss),
			ParamHistoryValLoss, len(h.ValLoss), ParamHistoryValPSNR, len(h.ValPSNR))
	}
	return h, nil
}

// Len returns the number of progress points recorded.
func (h *History) Len() int { return len(h.Epoch) }

// Append records a progress point.
func (h *History) Append(epoch int, trainLoss, valLoss, valPSNR float64) {
	h.Epoch = append(h.Epoch, epoch)
	h.TrainLoss = append(h.TrainLoss, trainLoss)
	h.ValLoss = append(h.ValLoss, valLoss)
	h.ValPSNR = append(h.ValPSNR, valPSNR)
}

// Save stores the history as hyperparameters of ctx.
func (h *History) Save(ctx *context.Context) {
	ctx.SetParam(ParamHistoryEpoch, h.Epoch)
	ctx.SetParam(ParamHistoryTrainLoss, h.TrainLoss)
	ctx.SetParam(ParamHistoryValLoss, h.ValLoss)
	ctx.SetParam(ParamHistoryValPSNR, h.ValPSNR)
}
