// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/superslomo/pkg/perceptual"
	"github.com/gomlx/superslomo/pkg/slomo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDefaultContext(t *testing.T) {
	ctx := CreateDefaultContext()
	assert.Equal(t, 200, context.GetParamOr(ctx, ParamEpochs, 0))
	assert.Equal(t, 3, context.GetParamOr(ctx, ParamTrainBatchSize, 0))
	assert.Equal(t, 6, context.GetParamOr(ctx, ParamValidationBatchSize, 0))
	assert.Equal(t, 1e-4, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
	assert.Equal(t, -1, context.GetParamOr(ctx, ParamEpoch, 0))
	assert.Equal(t, perceptual.WeightsHub, context.GetParamOr(ctx, perceptual.ParamWeights, ""))

	// The default channels are copied, not shared.
	channels := context.GetParamOr(ctx, slomo.ParamUNetChannels, []int(nil))
	channels[0] = 1
	assert.Equal(t, 32, slomo.DefaultUNetChannels[0])

	width, height, err := GetSize(ctx, ParamValidationCrop)
	require.NoError(t, err)
	assert.Equal(t, 704, width)
	assert.Equal(t, 352, height)

	ctx.SetParam(ParamTrainCrop, []int{32})
	_, _, err = GetSize(ctx, ParamTrainCrop)
	require.Error(t, err)
	ctx.SetParam(ParamTrainCrop, []int{32, 0})
	_, _, err = GetSize(ctx, ParamTrainCrop)
	require.Error(t, err)
}

func writeConfig(t *testing.T, contents string) string {
	filePath := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(filePath, []byte(contents), 0o644))
	return filePath
}

func TestLoadConfigFile(t *testing.T) {
	ctx := CreateDefaultContext()
	paramsSet, err := LoadConfigFile(ctx, writeConfig(t, `
epochs = 3
learning_rate = 1
plateau_factor = 0.5
train_crop = [64, 32]
perceptual_weights = "random"

[interp]
unet_channels = [8, 8, 8, 8, 8, 8]
`))
	require.NoError(t, err)
	assert.Equal(t, []string{
		ParamEpochs, "/interp/" + slomo.ParamUNetChannels,
		optimizers.ParamLearningRate, perceptual.ParamWeights, ParamPlateauFactor, ParamTrainCrop,
	}, paramsSet)

	assert.Equal(t, 3, context.GetParamOr(ctx, ParamEpochs, 0))
	assert.Equal(t, 1.0, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
	assert.Equal(t, 0.5, context.GetParamOr(ctx, ParamPlateauFactor, 0.0))
	assert.Equal(t, []int{64, 32}, context.GetParamOr(ctx, ParamTrainCrop, []int(nil)))
	assert.Equal(t, perceptual.WeightsRandom, context.GetParamOr(ctx, perceptual.ParamWeights, ""))

	// Tables set the parameter only in their scope.
	assert.Equal(t, []int{8, 8, 8, 8, 8, 8},
		context.GetParamOr(ctx.InAbsPath("/interp"), slomo.ParamUNetChannels, []int(nil)))
	assert.Equal(t, slomo.DefaultUNetChannels, context.GetParamOr(ctx, slomo.ParamUNetChannels, []int(nil)))
}

func TestLoadConfigFileErrors(t *testing.T) {
	for name, contents := range map[string]string{
		"unknown":          `no_such_param = 1`,
		"wrong type":       `epochs = "many"`,
		"float for int":    `epochs = 2.5`,
		"wrong element":    `train_crop = [64, "x"]`,
		"not a list":       `train_crop = 64`,
		"invalid syntax":   `epochs = `,
		"unknown in scope": "[flow]\nno_such_param = 1",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfigFile(CreateDefaultContext(), writeConfig(t, contents))
			require.Error(t, err)
		})
	}
	_, err := LoadConfigFile(CreateDefaultContext(), filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
