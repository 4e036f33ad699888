// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package perceptual implements the frozen VGG16 feature extractor used by the perceptual loss.
//
// The features are the output of conv4_3 (before its ReLU), that is torchvision's VGG16 `features[:22]`.
// Weights are loaded from a HuggingFace safetensors file, or left randomly initialized for tests.
package perceptual

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// Scope is the context scope holding the VGG16 variables.
	Scope = "perceptual"

	// ParamWeights selects where the weights come from: WeightsHub or WeightsRandom.
	ParamWeights = "perceptual_weights"

	// ParamRepo is the HuggingFace repository with the VGG16 weights in safetensors format.
	ParamRepo = "perceptual_repo"

	WeightsHub    = "hub"
	WeightsRandom = "random"

	DefaultRepo = "timm/vgg16.tv_in1k"
)

// vggConv describes one of the convolutions of VGG16 features[:22], indexed by its position in the
// torchvision `features` sequence.
type vggConv struct {
	index, inputChannels, outputChannels int
	relu, poolAfter                      bool
}

var vggConvs = []vggConv{
	{0, 3, 64, true, false},
	{2, 64, 64, true, true},
	{5, 64, 128, true, false},
	{7, 128, 128, true, true},
	{10, 128, 256, true, false},
	{12, 256, 256, true, false},
	{14, 256, 256, true, true},
	{17, 256, 512, true, false},
	{19, 512, 512, true, false},
	{21, 512, 512, false, false},
}

const vggKernelSize = 3

func convScope(ctx *context.Context, c vggConv) *context.Context {
	return ctx.InAbsPath("/" + Scope).In(fmt.Sprintf("features_%d", c.index)).Checked(false)
}

// Init creates the VGG16 variables in ctx, frozen (not trainable), and returns them.
//
// If weights is nil, variables are created by shape and initialized by the context initializer.
// Otherwise, weights must hold the torchvision tensors "features.{i}.weight" (shaped [out, in, 3, 3])
// and "features.{i}.bias".
func Init(ctx *context.Context, weights map[string]*tensors.Tensor) ([]*context.Variable, error) {
	var vars []*context.Variable
	for _, c := range vggConvs {
		convCtx := convScope(ctx, c).In("conv")
		var kernel, bias *context.Variable
		if weights == nil {
			kernel = convCtx.VariableWithShape("weights",
				shapes.Make(dtypes.Float32, vggKernelSize, vggKernelSize, c.inputChannels, c.outputChannels))
			bias = convCtx.VariableWithShape("biases", shapes.Make(dtypes.Float32, c.outputChannels))
		} else {
			wName, bName := fmt.Sprintf("features.%d.weight", c.index), fmt.Sprintf("features.%d.bias", c.index)
			w, found := weights[wName]
			if !found {
				return nil, errors.Errorf("VGG16 weights missing %q", wName)
			}
			b, found := weights[bName]
			if !found {
				return nil, errors.Errorf("VGG16 weights missing %q", bName)
			}
			if err := w.Shape().Check(dtypes.Float32, c.outputChannels, c.inputChannels, vggKernelSize, vggKernelSize); err != nil {
				return nil, errors.WithMessagef(err, "VGG16 %q", wName)
			}
			if err := b.Shape().Check(dtypes.Float32, c.outputChannels); err != nil {
				return nil, errors.WithMessagef(err, "VGG16 %q", bName)
			}
			kernel = convCtx.VariableWithValue("weights", torchToChannelsLastKernel(w))
			bias = convCtx.VariableWithValue("biases", b)
		}
		vars = append(vars, kernel.SetTrainable(false), bias.SetTrainable(false))
	}
	return vars, nil
}

// torchToChannelsLastKernel transposes a convolution kernel from [out, in, kh, kw] to [kh, kw, in, out].
func torchToChannelsLastKernel(w *tensors.Tensor) *tensors.Tensor {
	dims := w.Shape().Dimensions
	out, in, kh, kw := dims[0], dims[1], dims[2], dims[3]
	src := tensors.MustCopyFlatData[float32](w)
	dst := make([]float32, len(src))
	for o := range out {
		for i := range in {
			for y := range kh {
				for x := range kw {
					dst[((y*kw+x)*in+i)*out+o] = src[((o*in+i)*kh+y)*kw+x]
				}
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(dst, kh, kw, in, out)
}

// Setup reads the ParamWeights and ParamRepo hyperparameters and initializes the VGG16 variables accordingly.
// It returns the created variables, so they can be excluded from checkpoints.
func Setup(ctx *context.Context) ([]*context.Variable, error) {
	mode := context.GetParamOr(ctx, ParamWeights, WeightsHub)
	switch mode {
	case WeightsHub:
		repoID := context.GetParamOr(ctx, ParamRepo, DefaultRepo)
		weights, err := DownloadWeights(repoID)
		if err != nil {
			return nil, err
		}
		return Init(ctx, weights)
	case WeightsRandom:
		klog.Warningf("Perceptual loss using randomly initialized VGG16 weights (%s=%q): "+
			"the perceptual term won't be meaningful", ParamWeights, mode)
		return Init(ctx, nil)
	default:
		return nil, errors.Errorf("invalid %s=%q, valid values are %q or %q", ParamWeights, mode, WeightsHub, WeightsRandom)
	}
}

// Features returns the VGG16 conv4_3 features (before ReLU) of the images ([batch, height, width, 3]),
// shaped [batch, height/8, width/8, 512].
//
// It has the signature of slomo.FeatureExtractor. Variables are created (frozen) if Init wasn't called.
func Features(ctx *context.Context, x *Node) *Node {
	for _, c := range vggConvs {
		scopeCtx := convScope(ctx, c)
		x = layers.Convolution(scopeCtx, x).
			Filters(c.outputChannels).
			KernelSize(vggKernelSize).
			PadSame().
			ChannelsAxis(images.ChannelsLast).
			Done()
		if c.relu {
			x = activations.Relu(x)
		}
		if c.poolAfter {
			x = MaxPool(x).ChannelsAxis(images.ChannelsLast).Window(2).Strides(2).NoPadding().Done()
		}
	}
	for v := range ctx.InAbsPath("/" + Scope).IterVariablesInScope() {
		v.SetTrainable(false)
	}
	return x
}
