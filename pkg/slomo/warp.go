// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package slomo

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// BackWarp resamples image ([batch, height, width, channels]) at the positions displaced by flow
// ([batch, height, width, 2], with dx, dy in pixels):
//
//	output[b, y, x] = image[b, y + flow[b, y, x, 1], x + flow[b, y, x, 0]]
//
// Sampling is bilinear, and positions falling outside the image are clamped to its border.
// It is differentiable with respect to both image and flow.
func BackWarp(image, flow *Node) *Node {
	if image.Rank() != 4 || flow.Rank() != 4 {
		exceptions.Panicf("BackWarp requires image and flow of rank 4, got image.shape=%s, flow.shape=%s",
			image.Shape(), flow.Shape())
	}
	imgDims, flowDims := image.Shape().Dimensions, flow.Shape().Dimensions
	if flowDims[3] != 2 || flowDims[1] != imgDims[1] || flowDims[2] != imgDims[2] {
		exceptions.Panicf("BackWarp flow must be shaped [batch, %d, %d, 2], got %s",
			imgDims[1], imgDims[2], flow.Shape())
	}
	height, width := imgDims[1], imgDims[2]
	gridX, gridY := IdentityGrid(image.Graph(), flow.DType(), height, width)
	x := Add(gridX, Slice(flow, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, 1)))
	y := Add(gridY, Slice(flow, AxisRange(), AxisRange(), AxisRange(), AxisRange(1, 2)))
	normX, normY := NormalizeGrid(x, y, width, height)
	return GridSample(image, Concatenate([]*Node{normX, normY}, -1))
}

// IdentityGrid returns the pixel coordinates x and y, each shaped [1, height, width, 1].
func IdentityGrid(g *Graph, dtype dtypes.DType, height, width int) (gridX, gridY *Node) {
	gridShape := shapes.Make(dtype, 1, height, width, 1)
	gridX = Iota(g, gridShape, 2)
	gridY = Iota(g, gridShape, 1)
	return
}

// NormalizeGrid maps pixel coordinates to [-1, 1], where -1 and 1 are the centers of the first and last pixels.
func NormalizeGrid(x, y *Node, width, height int) (normX, normY *Node) {
	return normalizeAxis(x, width), normalizeAxis(y, height)
}

func normalizeAxis(coord *Node, size int) *Node {
	if size <= 1 {
		return ZerosLike(coord)
	}
	return AddScalar(MulScalar(coord, 2.0/float64(size-1)), -1)
}

func unnormalizeAxis(coord *Node, size int) *Node {
	return MulScalar(AddScalar(coord, 1), float64(size-1)/2.0)
}

// GridSample bilinearly samples image ([batch, height, width, channels]) at the normalized positions in
// grid ([batch, outHeight, outWidth, 2], with x, y in [-1, 1], see NormalizeGrid).
// Positions outside of [-1, 1] are clamped to the border.
//
// It returns the sampled values shaped [batch, outHeight, outWidth, channels].
func GridSample(image, grid *Node) *Node {
	g := image.Graph()
	imgDims, gridDims := image.Shape().Dimensions, grid.Shape().Dimensions
	if grid.Rank() != 4 || gridDims[3] != 2 || gridDims[0] != imgDims[0] {
		exceptions.Panicf("GridSample grid must be shaped [%d, outHeight, outWidth, 2], got %s",
			imgDims[0], grid.Shape())
	}
	height, width := imgDims[1], imgDims[2]
	dtype := image.DType()
	grid = ConvertDType(grid, dtype)

	x := unnormalizeAxis(Slice(grid, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, 1)), width)
	y := unnormalizeAxis(Slice(grid, AxisRange(), AxisRange(), AxisRange(), AxisRange(1, 2)), height)
	x = ClipScalar(x, 0, float64(width-1))
	y = ClipScalar(y, 0, float64(height-1))

	// Corner positions carry no gradient: it flows through the interpolation weights only.
	x0 := StopGradient(Floor(x))
	y0 := StopGradient(Floor(y))
	x1 := ClipScalar(AddScalar(x0, 1), 0, float64(width-1))
	y1 := ClipScalar(AddScalar(y0, 1), 0, float64(height-1))
	wx := Sub(x, x0)
	wy := Sub(y, y0)

	batchIdx := Iota(g, shapes.Make(dtypes.Int32, gridDims[0], gridDims[1], gridDims[2], 1), 0)
	toIdx := func(n *Node) *Node { return ConvertDType(n, dtypes.Int32) }
	gatherAt := func(yy, xx *Node) *Node {
		indices := Concatenate([]*Node{batchIdx, toIdx(yy), toIdx(xx)}, -1)
		return Gather(image, indices)
	}
	v00 := gatherAt(y0, x0)
	v01 := gatherAt(y0, x1)
	v10 := gatherAt(y1, x0)
	v11 := gatherAt(y1, x1)

	oneMinusWx, oneMinusWy := OneMinus(wx), OneMinus(wy)
	top := Add(Mul(oneMinusWx, v00), Mul(wx, v01))
	bottom := Add(Mul(oneMinusWx, v10), Mul(wx, v11))
	return Add(Mul(oneMinusWy, top), Mul(wy, bottom))
}
