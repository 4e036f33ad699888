// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"image"
	"image/color"
	"io"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// GridPadding is the number of black pixels around each image of a ComparisonGrid.
const GridPadding = 10

// ValidationResult holds the metrics averaged over the batches of the validation set, and the comparison
// grid of its first example.
type ValidationResult struct {
	Loss, PSNR float64
	NumBatches int
	Grid       image.Image
}

// Validate runs the evaluation step over the whole validation dataset, which is reset first.
func (s *Steps) Validate(ds train.Dataset) (*ValidationResult, error) {
	ds.Reset()
	result := &ValidationResult{}
	for {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "failed reading validation batch #%d", result.NumBatches)
		}
		if len(inputs) == 0 {
			return nil, errors.Errorf("validation dataset yielded an empty batch #%d", result.NumBatches)
		}
		metrics, examples, err := s.EvalStep(inputs)
		finalizeTensors(inputs)
		if err != nil {
			return nil, err
		}
		if result.NumBatches == 0 {
			result.Grid = ComparisonGrid(examples)
		}
		result.Loss += metrics.Loss
		result.PSNR += metrics.PSNR
		result.NumBatches++
	}
	if result.NumBatches == 0 {
		return nil, errors.Errorf("validation dataset %q is empty", ds.Name())
	}
	result.Loss /= float64(result.NumBatches)
	result.PSNR /= float64(result.NumBatches)
	return result, nil
}

// ComparisonGrid lays out the images in one row, with GridPadding black pixels around and between them.
// The images are expected to have the same size.
func ComparisonGrid(images []image.Image) image.Image {
	if len(images) == 0 {
		return nil
	}
	bounds := images[0].Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	grid := imaging.New(len(images)*(width+GridPadding)+GridPadding, height+2*GridPadding, color.Black)
	for ii, img := range images {
		grid = imaging.Paste(grid, img, image.Pt(GridPadding+ii*(width+GridPadding), GridPadding))
	}
	return grid
}

func finalizeTensors(values []*tensors.Tensor) {
	for _, t := range values {
		t.FinalizeAll()
	}
}
