// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package clips

import (
	"fmt"
	"image"
	"io"
	"math/rand"
	"path/filepath"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Config of a Dataset.
type Config struct {
	// Root of the dataset, holding the split sub-directories.
	Root  string
	Split Split

	BatchSize int

	// ResizeWidth, ResizeHeight is the size frames are resized to, before cropping.
	ResizeWidth, ResizeHeight int

	// CropWidth, CropHeight is the size of the yielded frames.
	CropWidth, CropHeight int

	// Seed for the random sampling of training examples.
	Seed int64
}

// Sample describes one training example: which frames of a clip to use and how to augment them.
type Sample struct {
	Clip int

	// Frames are the indices of the I0, It and I1 frames within the clip.
	Frames [3]int

	// FrameIndex is the position of It between I0 and I1, from 0 to 6.
	FrameIndex int32

	Crop image.Rectangle
	Flip bool
}

// Dataset implements train.Dataset, yielding batches of frame triplets. It is safe for concurrent use.
//
// Each Yield returns inputs [I0, It, I1, frameIndex] and labels [It]: images are float32 shaped
// [batch, cropHeight, cropWidth, 3] with values in [0, 1], and frameIndex is int32 shaped [batch].
// The last batch of an epoch may be smaller.
type Dataset struct {
	config   Config
	clips    []Clip
	toTensor *timages.ToTensorConfig

	mu    sync.Mutex
	rng   *rand.Rand
	order []int
	next  int
}

var _ train.Dataset = (*Dataset)(nil)

// New creates a Dataset from the clips under config.Root/config.Split.
func New(config Config) (*Dataset, error) {
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", config.BatchSize)
	}
	if config.CropWidth <= 0 || config.CropHeight <= 0 || config.ResizeWidth <= 0 || config.ResizeHeight <= 0 {
		return nil, errors.Errorf("invalid frame sizes: resize=%dx%d, crop=%dx%d",
			config.ResizeWidth, config.ResizeHeight, config.CropWidth, config.CropHeight)
	}
	clips, err := ListClips(filepath.Join(config.Root, string(config.Split)))
	if err != nil {
		return nil, err
	}
	ds := &Dataset{
		config:   config,
		clips:    clips,
		toTensor: timages.ToTensor(dtypes.Float32).MaxValue(1.0),
		rng:      rand.New(rand.NewSource(config.Seed)),
	}
	ds.Reset()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return fmt.Sprintf("%s (%d clips)", ds.config.Split, len(ds.clips)) }

// NumExamples is the number of clips, each clip yields one example per epoch.
func (ds *Dataset) NumExamples() int { return len(ds.clips) }

// NumBatches is the number of batches in one epoch.
func (ds *Dataset) NumBatches() int {
	return (len(ds.clips) + ds.config.BatchSize - 1) / ds.config.BatchSize
}

// Reset implements train.Dataset. Training datasets are reshuffled.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
	ds.order = make([]int, len(ds.clips))
	for i := range ds.order {
		ds.order[i] = i
	}
	if ds.config.Split == SplitTrain {
		ds.rng.Shuffle(len(ds.order), func(i, j int) { ds.order[i], ds.order[j] = ds.order[j], ds.order[i] })
	}
}

// nextSamples selects the samples of the next batch, or returns io.EOF at the end of the epoch.
func (ds *Dataset) nextSamples() ([]Sample, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.next >= len(ds.order) {
		return nil, io.EOF
	}
	end := min(ds.next+ds.config.BatchSize, len(ds.order))
	samples := make([]Sample, 0, end-ds.next)
	for _, clipIdx := range ds.order[ds.next:end] {
		if ds.config.Split == SplitTrain {
			samples = append(samples, ds.trainSample(clipIdx))
		} else {
			samples = append(samples, ds.validationSample(clipIdx))
		}
	}
	ds.next = end
	return samples, nil
}

// trainSample draws a random sample of the clip. It must be called with ds.mu locked.
//
// The first keyframe is limited to MaxFirstFrame, or less for clips shorter than MaxFirstFrame+FramesPerSample.
func (ds *Dataset) trainSample(clipIdx int) Sample {
	cfg := &ds.config
	lastFirst := min(MaxFirstFrame, len(ds.clips[clipIdx].Frames)-FramesPerSample)
	first := ds.rng.Intn(lastFirst + 1)
	middle := 1 + ds.rng.Intn(FramesPerSample-2)
	s := Sample{Clip: clipIdx}
	if ds.rng.Intn(2) == 1 {
		s.Frames = [3]int{first, first + middle, first + FramesPerSample - 1}
		s.FrameIndex = int32(middle - 1)
	} else {
		s.Frames = [3]int{first + FramesPerSample - 1, first + middle, first}
		s.FrameIndex = int32(FramesPerSample - 2 - middle)
	}
	x := ds.rng.Intn(max(cfg.ResizeWidth-cfg.CropWidth, 0) + 1)
	y := ds.rng.Intn(max(cfg.ResizeHeight-cfg.CropHeight, 0) + 1)
	s.Crop = image.Rect(x, y, x+cfg.CropWidth, y+cfg.CropHeight)
	s.Flip = ds.rng.Intn(2) == 1
	return s
}

// validationSample is deterministic: the middle frame rotates over the 7 positions with the clip index.
func (ds *Dataset) validationSample(clipIdx int) Sample {
	middle := clipIdx%(FramesPerSample-2) + 1
	return Sample{
		Clip:       clipIdx,
		Frames:     [3]int{0, middle, FramesPerSample - 1},
		FrameIndex: int32(middle - 1),
		Crop:       image.Rect(0, 0, ds.config.CropWidth, ds.config.CropHeight),
	}
}

// YieldImages returns the frames of the next batch: frames[i] holds I0, It and I1 of the i-th sample.
func (ds *Dataset) YieldImages() (frames [][3]image.Image, samples []Sample, err error) {
	samples, err = ds.nextSamples()
	if err != nil {
		return
	}
	frames = make([][3]image.Image, len(samples))
	var eg errgroup.Group
	cfg := &ds.config
	for ii, s := range samples {
		clip := ds.clips[s.Clip]
		for jj, frameIdx := range s.Frames {
			eg.Go(func() error {
				img, err := LoadFrame(clip.Frames[frameIdx], cfg.ResizeWidth, cfg.ResizeHeight, s.Crop, s.Flip)
				if err != nil {
					return errors.WithMessagef(err, "clip %q", clip.Name)
				}
				frames[ii][jj] = img
				return nil
			})
		}
	}
	if err = eg.Wait(); err != nil {
		return nil, nil, err
	}
	return
}

// Yield implements train.Dataset.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	var frames [][3]image.Image
	var samples []Sample
	frames, samples, err = ds.YieldImages()
	if err != nil {
		return
	}
	var batches [3][]image.Image
	frameIndices := make([]int32, len(samples))
	for ii, triplet := range frames {
		for jj, img := range triplet {
			batches[jj] = append(batches[jj], img)
		}
		frameIndices[ii] = samples[ii].FrameIndex
	}
	i0 := ds.toTensor.Batch(batches[0])
	it := ds.toTensor.Batch(batches[1])
	i1 := ds.toTensor.Batch(batches[2])
	inputs = []*tensors.Tensor{i0, it, i1, tensors.FromValue(frameIndices)}
	labels = []*tensors.Tensor{it}
	return
}
