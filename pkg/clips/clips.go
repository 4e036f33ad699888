// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package clips implements the video clip datasets used to train and validate the frame interpolation model.
//
// A dataset root holds one sub-directory per split (SplitTrain and SplitValidation), and each split holds one
// directory per clip with its frames as image files. Frames are sorted by file name, which must match their
// temporal order.
package clips

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	// Extra decoders, on top of the ones registered by imaging.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Split of the dataset, also the name of its sub-directory under the dataset root.
type Split string

const (
	SplitTrain      Split = "train"
	SplitValidation Split = "validation"
)

const (
	// FramesPerSample is the span of a sample in frames: the two keyframes are 8 frames apart,
	// with NumIntermediateFrames frames between them.
	FramesPerSample = 9

	// MaxFirstFrame is the largest random first keyframe of a training sample.
	// With 12 frames per clip, samples fit any starting point from 0 to 3.
	MaxFirstFrame = 3
)

// ImageExtensions are the file extensions (lower case) considered frames.
var ImageExtensions = []string{".png", ".jpg", ".jpeg", ".bmp", ".webp"}

// Clip is a sequence of frames.
type Clip struct {
	Name   string
	Frames []string
}

// ListClips returns the clips under dir, sorted by name. Each clip must have at least FramesPerSample frames.
func ListClips(dir string) ([]Clip, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list clips in %q", dir)
	}
	var clips []Clip
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		clipDir := filepath.Join(dir, entry.Name())
		frames, err := listFrames(clipDir)
		if err != nil {
			return nil, err
		}
		if len(frames) < FramesPerSample {
			return nil, errors.Errorf("clip %q has %d frames, at least %d are required", clipDir, len(frames), FramesPerSample)
		}
		clips = append(clips, Clip{Name: entry.Name(), Frames: frames})
	}
	if len(clips) == 0 {
		return nil, errors.Errorf("no clips found in %q", dir)
	}
	return clips, nil
}

func listFrames(clipDir string) ([]string, error) {
	entries, err := os.ReadDir(clipDir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list frames in %q", clipDir)
	}
	var frames []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if slices.Contains(ImageExtensions, strings.ToLower(filepath.Ext(entry.Name()))) {
			frames = append(frames, filepath.Join(clipDir, entry.Name()))
		}
	}
	slices.Sort(frames)
	return frames, nil
}

// LoadFrame reads the image in path, resizes it to width x height, and takes the crop rectangle out of it.
// Regions of the crop outside the resized frame are black.
// If flip is true, the result is flipped horizontally.
func LoadFrame(path string, width, height int, crop image.Rectangle, flip bool) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read frame %q", path)
	}
	img = imaging.Resize(img, width, height, imaging.Lanczos)
	var out image.Image = cropPadded(img, crop)
	if flip {
		out = imaging.FlipH(out)
	}
	return out, nil
}

func cropPadded(img image.Image, crop image.Rectangle) *image.NRGBA {
	canvas := imaging.New(crop.Dx(), crop.Dy(), color.Black)
	return imaging.Paste(canvas, imaging.Crop(img, crop), image.Point{})
}
