// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package perceptual

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

type fakeTensor struct {
	dtype string
	shape []int
	data  []byte
}

// buildSafetensors serializes the given tensors in the safetensors format.
func buildSafetensors(t *testing.T, entries map[string]fakeTensor) []byte {
	header := map[string]any{"__metadata__": map[string]string{"format": "pt"}}
	var payload []byte
	for name, e := range entries {
		start := len(payload)
		payload = append(payload, e.data...)
		header[name] = map[string]any{
			"dtype":        e.dtype,
			"shape":        e.shape,
			"data_offsets": []int{start, len(payload)},
		}
	}
	headerBytes, err := json.Marshal(header)
	require.NoError(t, err)
	out := binary.LittleEndian.AppendUint64(nil, uint64(len(headerBytes)))
	out = append(out, headerBytes...)
	return append(out, payload...)
}

func f32Bytes(values ...float32) []byte {
	var b []byte
	for _, v := range values {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return b
}

func TestParseSafetensors(t *testing.T) {
	var f16Data, bf16Data []byte
	for _, v := range []float32{0.5, -2} {
		f16Data = binary.LittleEndian.AppendUint16(f16Data, float16.Fromfloat32(v).Bits())
		bf16Data = binary.LittleEndian.AppendUint16(bf16Data, bfloat16.FromFloat32(v).Bits())
	}
	data := buildSafetensors(t, map[string]fakeTensor{
		"features.0.weight": {"F32", []int{2, 2}, f32Bytes(1, 2, 3, 4)},
		"features.0.bias":   {"F16", []int{2}, f16Data},
		"features.2.bias":   {"BF16", []int{2}, bf16Data},
		"head.fc.weight":    {"F32", []int{1}, f32Bytes(7)},
	})

	all, err := ParseSafetensors(data, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	features, err := ParseSafetensors(data, "features.")
	require.NoError(t, err)
	require.Len(t, features, 3)
	assert.Equal(t, []float32{1, 2, 3, 4}, tensors.MustCopyFlatData[float32](features["features.0.weight"]))
	assert.Equal(t, []int{2, 2}, features["features.0.weight"].Shape().Dimensions)
	assert.Equal(t, []float32{0.5, -2}, tensors.MustCopyFlatData[float32](features["features.0.bias"]))
	assert.Equal(t, []float32{0.5, -2}, tensors.MustCopyFlatData[float32](features["features.2.bias"]))

	// Through a file.
	filePath := filepath.Join(t.TempDir(), WeightsFile)
	require.NoError(t, os.WriteFile(filePath, data, 0o644))
	fromFile, err := ReadSafetensors(filePath, "head.")
	require.NoError(t, err)
	assert.Len(t, fromFile, 1)

	// Corrupted inputs.
	_, err = ParseSafetensors(data[:4], "")
	require.Error(t, err)
	_, err = ParseSafetensors(data[:len(data)-4], "")
	require.Error(t, err)
	bad := buildSafetensors(t, map[string]fakeTensor{"x": {"I8", []int{1}, []byte{1}}})
	_, err = ParseSafetensors(bad, "")
	require.Error(t, err)
}

func TestTorchToChannelsLastKernel(t *testing.T) {
	// [out=2, in=1, kh=1, kw=2]
	w := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 1, 1, 2)
	got := torchToChannelsLastKernel(w)
	assert.Equal(t, []int{1, 2, 1, 2}, got.Shape().Dimensions)
	// [kh, kw, in, out]: kernel position x=0 holds (1, 3), x=1 holds (2, 4).
	assert.Equal(t, []float32{1, 3, 2, 4}, tensors.MustCopyFlatData[float32](got))
}

func syntheticWeights() map[string]*tensors.Tensor {
	weights := make(map[string]*tensors.Tensor)
	for _, c := range vggConvs {
		w := make([]float32, c.outputChannels*c.inputChannels*vggKernelSize*vggKernelSize)
		for i := range w {
			w[i] = float32(i%7-3) * 1e-3
		}
		weights[fmt.Sprintf("features.%d.weight", c.index)] = tensors.FromFlatDataAndDimensions(
			w, c.outputChannels, c.inputChannels, vggKernelSize, vggKernelSize)
		weights[fmt.Sprintf("features.%d.bias", c.index)] = tensors.FromScalarAndDimensions(float32(0.01), c.outputChannels)
	}
	return weights
}

func TestInit(t *testing.T) {
	ctx := context.New()
	vars, err := Init(ctx, syntheticWeights())
	require.NoError(t, err)
	require.Len(t, vars, 2*len(vggConvs))
	for _, v := range vars {
		assert.False(t, v.Trainable, "variable %s should be frozen", v.ParameterName())
	}
	kernel := ctx.GetVariableByScopeAndName("/perceptual/features_0/conv", "weights")
	require.NotNil(t, kernel)
	require.NoError(t, kernel.Shape().Check(dtypes.Float32, 3, 3, 3, 64))

	missing := syntheticWeights()
	delete(missing, "features.21.bias")
	_, err = Init(context.New(), missing)
	require.Error(t, err)
}

func TestFeatures(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParam(ParamWeights, WeightsRandom)
	vars, err := Setup(ctx)
	require.NoError(t, err)
	require.Len(t, vars, 2*len(vggConvs))

	input := tensors.FromScalarAndDimensions(float32(0.25), 2, 32, 64, 3)
	output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return Features(ctx, x)
	}, input)
	require.NoError(t, output.Shape().Check(dtypes.Float32, 2, 4, 8, 512))

	// No new network variables were created by Features, and all are frozen.
	// The random initialization also creates the context's RNG state, outside of Scope.
	var count int
	for v := range ctx.InAbsPath(context.RootScope + Scope).IterVariablesInScope() {
		count++
		assert.False(t, v.Trainable)
	}
	assert.Equal(t, len(vars), count)

	badCtx := context.New()
	badCtx.SetParam(ParamWeights, "imagenet")
	_, err = Setup(badCtx)
	require.Error(t, err)
}
