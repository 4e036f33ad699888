// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer implements the training loop of the Super SloMo frame interpolation model: the compiled
// train and evaluation steps, periodic validation, the learning rate schedule and checkpointing.
//
// All hyperparameters are context parameters, see CreateDefaultContext.
package trainer

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/superslomo/pkg/perceptual"
	"github.com/gomlx/superslomo/pkg/slomo"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// Hyperparameters of the training.
const (
	ParamEpochs              = "epochs"
	ParamTrainBatchSize      = "train_batch_size"
	ParamValidationBatchSize = "validation_batch_size"

	// ParamProgressIter is the number of training batches between progress reports, each with a full
	// validation pass.
	ParamProgressIter = "progress_iter"

	// ParamCheckpointEpoch is the number of epochs between checkpoints.
	ParamCheckpointEpoch = "checkpoint_epoch"

	// ParamTrainCrop, ParamValidationCrop and ParamResize are sizes given as [width, height].
	ParamTrainCrop      = "train_crop"
	ParamValidationCrop = "validation_crop"
	ParamResize         = "resize"

	// ParamDataWorkers is the number of goroutines preparing training batches in parallel.
	ParamDataWorkers = "data_workers"

	ParamPlateauFactor          = "plateau_factor"
	ParamPlateauPatienceEpochs  = "plateau_patience_epochs"
	ParamPlateauCooldownEpochs  = "plateau_cooldown_epochs"
	ParamPlateauMinLearningRate = "plateau_min_lr"
	ParamPlateauThreshold       = "plateau_threshold"
)

// Training state, stored as context parameters so they are saved along the checkpoints.
const (
	ParamDetail    = "detail"
	ParamEpoch     = "epoch"
	ParamTimestamp = "timestamp"

	ParamHistoryEpoch     = "history_epoch"
	ParamHistoryTrainLoss = "history_train_loss"
	ParamHistoryValLoss   = "history_val_loss"
	ParamHistoryValPSNR   = "history_val_psnr"

	ParamPlateauBest            = "plateau_best"
	ParamPlateauNumBadSteps     = "plateau_num_bad_steps"
	ParamPlateauCooldownCounter = "plateau_cooldown_counter"
	ParamPlateauLastStep        = "plateau_last_step"
)

// Detail is the description saved in every checkpoint.
const Detail = "End to end Super SloMo."

// ParamsExcludedFromLoading are hyperparameters that a loaded checkpoint doesn't overwrite:
// they describe the current run, not the model.
var ParamsExcludedFromLoading = []string{
	ParamEpochs, ParamTrainBatchSize, ParamValidationBatchSize,
	ParamProgressIter, ParamCheckpointEpoch,
	ParamTrainCrop, ParamValidationCrop, ParamResize,
	ParamDataWorkers,
	perceptual.ParamWeights, perceptual.ParamRepo,
}

// CreateDefaultContext creates a context with the default hyperparameters set.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamEpochs:              200,
		ParamTrainBatchSize:      3,
		ParamValidationBatchSize: 6,
		ParamProgressIter:        200,
		ParamCheckpointEpoch:     5,

		// Sizes are [width, height]: frames are resized before cropping.
		ParamTrainCrop:      []int{352, 352},
		ParamValidationCrop: []int{704, 352},
		ParamResize:         []int{640, 360},
		ParamDataWorkers:    2,

		optimizers.ParamLearningRate:    1e-4,
		optimizers.ParamAdamWeightDecay: 0.01,
		optimizers.ParamAdamEpsilon:     1e-8,

		slomo.ParamUNetChannels: slices.Clone(slomo.DefaultUNetChannels),

		perceptual.ParamWeights: perceptual.WeightsHub,
		perceptual.ParamRepo:    perceptual.DefaultRepo,

		ParamPlateauFactor:          0.1,
		ParamPlateauPatienceEpochs:  3,
		ParamPlateauCooldownEpochs:  2,
		ParamPlateauMinLearningRate: 1e-8,
		ParamPlateauThreshold:       1e-4,

		ParamDetail: Detail,
		ParamEpoch:  -1,
	})
	return ctx
}

// GetSize reads a [width, height] hyperparameter.
func GetSize(ctx *context.Context, key string) (width, height int, err error) {
	size := context.GetParamOr(ctx, key, []int(nil))
	if len(size) != 2 || size[0] <= 0 || size[1] <= 0 {
		return 0, 0, errors.Errorf("hyperparameter %q must be [width, height] with positive values, got %v", key, size)
	}
	return size[0], size[1], nil
}

// LoadConfigFile reads hyperparameters from a TOML file and sets them in ctx.
//
// Every key must be a hyperparameter already set in ctx (see CreateDefaultContext): its current value
// defines the type the TOML value is converted to. Tables are mapped to scopes, so
// `[flow] unet_channels = [...]` sets "unet_channels" in the scope "/flow".
//
// It returns the list of parameters set, in the same form as commandline.ParseContextSettings.
func LoadConfigFile(ctx *context.Context, filePath string) (paramsSet []string, err error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %q", filePath)
	}
	var contents map[string]any
	if err = toml.Unmarshal(data, &contents); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %q", filePath)
	}
	paramsSet, err = setConfigTable(ctx, nil, contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "config file %q", filePath)
	}
	return paramsSet, nil
}

func setConfigTable(ctx *context.Context, scopes []string, table map[string]any) (paramsSet []string, err error) {
	keys := make([]string, 0, len(table))
	for key := range table {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := table[key]
		if subTable, ok := value.(map[string]any); ok {
			subParams, err := setConfigTable(ctx, append(scopes, key), subTable)
			if err != nil {
				return nil, err
			}
			paramsSet = append(paramsSet, subParams...)
			continue
		}
		// The default value, and hence the type, comes from the root scope.
		defaultValue, found := ctx.GetParam(key)
		if !found {
			return nil, errors.Errorf("unknown hyperparameter %q", key)
		}
		converted, err := convertConfigValue(defaultValue, value)
		if err != nil {
			return nil, errors.WithMessagef(err, "hyperparameter %q", key)
		}
		scopedCtx := ctx
		paramPath := key
		if len(scopes) > 0 {
			scopePath := context.ScopeSeparator + strings.Join(scopes, context.ScopeSeparator)
			scopedCtx = ctx.InAbsPath(scopePath)
			paramPath = context.JoinScope(scopePath, key)
		}
		scopedCtx.SetParam(key, converted)
		paramsSet = append(paramsSet, paramPath)
	}
	return paramsSet, nil
}

// convertConfigValue converts a value decoded from TOML (int64, float64, string, bool or []any)
// to the type of defaultValue.
func convertConfigValue(defaultValue, value any) (any, error) {
	switch defaultValue.(type) {
	case int:
		if v, ok := value.(int64); ok {
			return int(v), nil
		}
	case float64:
		if v, ok := asFloat(value); ok {
			return v, nil
		}
	case string:
		if v, ok := value.(string); ok {
			return v, nil
		}
	case bool:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	case []int:
		if list, ok := value.([]any); ok {
			result := make([]int, len(list))
			for ii, elem := range list {
				v, ok := elem.(int64)
				if !ok {
					return nil, errors.Errorf("element #%d (%v) is not an integer", ii, elem)
				}
				result[ii] = int(v)
			}
			return result, nil
		}
	case []float64:
		if list, ok := value.([]any); ok {
			result := make([]float64, len(list))
			for ii, elem := range list {
				v, ok := asFloat(elem)
				if !ok {
					return nil, errors.Errorf("element #%d (%v) is not a number", ii, elem)
				}
				result[ii] = v
			}
			return result, nil
		}
	}
	return nil, errors.Errorf("cannot use value %s for a hyperparameter of type %T", describe(value), defaultValue)
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func describe(value any) string { return fmt.Sprintf("%v (%T)", value, value) }
