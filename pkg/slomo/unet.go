// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slomo

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

const (
	// ParamUNetChannels is the context hyperparameter with the list of 6 channel sizes used by the U-Nets:
	// one for the stem, and one per down-sampling level. Default is DefaultUNetChannels.
	ParamUNetChannels = "unet_channels"

	// LeakyReluAlpha is the negative slope of the activation used after every convolution.
	LeakyReluAlpha = 0.1
)

// DefaultUNetChannels are the channel sizes of the U-Net levels, from the stem to the innermost level.
var DefaultUNetChannels = []int{32, 64, 128, 256, 512, 512}

// UNetBuilder configures the encoder-decoder network used both for flow estimation and for the
// arbitrary-time flow interpolation. Create it with UNet, and call Done to build it.
type UNetBuilder struct {
	ctx         *context.Context
	x           *Node
	outChannels int
	channels    []int
}

// UNet prepares a U-Net that maps x ([batch, height, width, inChannels]) to [batch, height, width, outChannels].
// Height and width must be divisible by 32 (2^5, the number of down-sampling levels).
//
// The channel sizes default to the ParamUNetChannels hyperparameter.
func UNet(ctx *context.Context, x *Node, outChannels int) *UNetBuilder {
	return &UNetBuilder{
		ctx:         ctx,
		x:           x,
		outChannels: outChannels,
		channels:    context.GetParamOr(ctx, ParamUNetChannels, DefaultUNetChannels),
	}
}

// Channels overrides the channel sizes: it must have 6 values, for the stem and the 5 down-sampling levels.
func (u *UNetBuilder) Channels(channels ...int) *UNetBuilder {
	u.channels = channels
	return u
}

// Done builds the U-Net and returns its output.
func (u *UNetBuilder) Done() *Node {
	if len(u.channels) != 6 {
		exceptions.Panicf("UNet requires 6 channel sizes (stem + 5 levels), got %v", u.channels)
	}
	if u.x.Rank() != 4 {
		exceptions.Panicf("UNet requires input shaped [batch, height, width, channels], got %s", u.x.Shape())
	}
	height, width := u.x.Shape().Dimensions[1], u.x.Shape().Dimensions[2]
	if height%32 != 0 || width%32 != 0 {
		exceptions.Panicf("UNet requires height and width divisible by 32, got %dx%d", height, width)
	}
	ctx := u.ctx
	c := u.channels

	x := convLeaky(ctx.In("stem").In("conv1"), u.x, c[0], 7)
	x = convLeaky(ctx.In("stem").In("conv2"), x, c[0], 7)
	skips := []*Node{x}
	downKernels := []int{5, 3, 3, 3, 3}
	for level := 1; level <= 5; level++ {
		x = downBlock(ctx.In(fmt.Sprintf("down%d", level)), x, c[level], downKernels[level-1])
		if level < 5 {
			skips = append(skips, x)
		}
	}
	for level := 1; level <= 5; level++ {
		skip := skips[len(skips)-level]
		x = upBlock(ctx.In(fmt.Sprintf("up%d", level)), x, skip, c[5-level])
	}
	return convLeaky(ctx.In("head"), x, u.outChannels, 3)
}

func convLeaky(ctx *context.Context, x *Node, filters, kernelSize int) *Node {
	x = layers.Convolution(ctx, x).
		Filters(filters).
		KernelSize(kernelSize).
		PadSame().
		ChannelsAxis(images.ChannelsLast).
		Done()
	return activations.LeakyReluWith(x, LeakyReluAlpha)
}

// downBlock halves the spatial dimensions with an average pool, followed by two convolutions.
func downBlock(ctx *context.Context, x *Node, filters, kernelSize int) *Node {
	x = MeanPool(x).ChannelsAxis(images.ChannelsLast).Window(2).Strides(2).NoPadding().Done()
	x = convLeaky(ctx.In("conv1"), x, filters, kernelSize)
	return convLeaky(ctx.In("conv2"), x, filters, kernelSize)
}

// upBlock doubles the spatial dimensions with bilinear interpolation, and merges the skip connection.
func upBlock(ctx *context.Context, x, skip *Node, filters int) *Node {
	x = Interpolate(x, images.GetUpSampledSizes(x, images.ChannelsLast, 2)...).
		Bilinear().HalfPixelCenters(true).AlignCorner(false).Done()
	x = convLeaky(ctx.In("conv1"), x, filters, 3)
	x = Concatenate([]*Node{x, skip}, -1)
	return convLeaky(ctx.In("conv2"), x, filters, 3)
}
