// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package clips

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createClips writes numClips clips with numFrames frames each under root/split.
// Frame f of every clip is filled with gray level 10*f+5.
func createClips(t *testing.T, root string, split Split, numClips, numFrames, width, height int) {
	for c := range numClips {
		clipDir := filepath.Join(root, string(split), fmt.Sprintf("clip_%03d", c))
		require.NoError(t, os.MkdirAll(clipDir, 0o755))
		for f := range numFrames {
			level := uint8(10*f + 5)
			img := imaging.New(width, height, color.NRGBA{R: level, G: level, B: level, A: 255})
			require.NoError(t, imaging.Save(img, filepath.Join(clipDir, fmt.Sprintf("%05d.png", f))))
		}
		// Non-image files are ignored.
		require.NoError(t, os.WriteFile(filepath.Join(clipDir, "notes.txt"), []byte("x"), 0o644))
	}
}

// frameFromLevel recovers the frame number from the gray level of a pixel value in [0, 1].
func frameFromLevel(v float32) int {
	return int(math.Round((float64(v)*255 - 5) / 10))
}

func TestListClips(t *testing.T) {
	root := t.TempDir()
	createClips(t, root, SplitTrain, 3, 12, 16, 8)
	clips, err := ListClips(filepath.Join(root, string(SplitTrain)))
	require.NoError(t, err)
	require.Len(t, clips, 3)
	assert.Equal(t, "clip_000", clips[0].Name)
	require.Len(t, clips[0].Frames, 12)
	assert.Equal(t, "00000.png", filepath.Base(clips[0].Frames[0]))
	assert.Equal(t, "00011.png", filepath.Base(clips[0].Frames[11]))

	short := t.TempDir()
	createClips(t, short, SplitTrain, 1, FramesPerSample-1, 16, 8)
	_, err = ListClips(filepath.Join(short, string(SplitTrain)))
	require.Error(t, err)

	_, err = ListClips(filepath.Join(root, "missing"))
	require.Error(t, err)
}

func TestTrainSamples(t *testing.T) {
	root := t.TempDir()
	createClips(t, root, SplitTrain, 5, 12, 40, 24)
	ds, err := New(Config{
		Root: root, Split: SplitTrain, BatchSize: 2,
		ResizeWidth: 40, ResizeHeight: 24, CropWidth: 32, CropHeight: 16,
		Seed: 42,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, ds.NumBatches())

	for range 50 {
		ds.mu.Lock()
		s := ds.trainSample(0)
		ds.mu.Unlock()
		i0, it, i1 := s.Frames[0], s.Frames[1], s.Frames[2]
		require.Equal(t, FramesPerSample-1, max(i0, i1)-min(i0, i1))
		require.True(t, min(i0, i1) >= 0 && min(i0, i1) <= MaxFirstFrame)
		require.True(t, it > min(i0, i1) && it < max(i0, i1))
		// FrameIndex is the position of It counting from I0.
		if i0 < i1 {
			require.Equal(t, int32(it-i0-1), s.FrameIndex)
		} else {
			require.Equal(t, int32(i0-it-1), s.FrameIndex)
		}
		require.Equal(t, 32, s.Crop.Dx())
		require.Equal(t, 16, s.Crop.Dy())
		require.True(t, s.Crop.In(image.Rect(0, 0, 40, 24)))
	}

	// One epoch: 5 clips in batches of 2.
	var batchSizes []int
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, inputs, 4)
		require.Len(t, labels, 1)
		batch := inputs[0].Shape().Dimensions[0]
		batchSizes = append(batchSizes, batch)
		for ii := range 3 {
			require.NoError(t, inputs[ii].Shape().Check(dtypes.Float32, batch, 16, 32, 3))
		}
		require.NoError(t, inputs[3].Shape().Check(dtypes.Int32, batch))

		// The middle frame matches the frame index: It = I0 + (frameIndex+1) * direction.
		i0 := tensors.MustCopyFlatData[float32](inputs[0])
		it := tensors.MustCopyFlatData[float32](inputs[1])
		frameIndices := tensors.MustCopyFlatData[int32](inputs[3])
		imageSize := 16 * 32 * 3
		for b := range batch {
			f0, ft := frameFromLevel(i0[b*imageSize]), frameFromLevel(it[b*imageSize])
			diff := ft - f0
			if diff < 0 {
				diff = -diff
			}
			assert.Equal(t, int(frameIndices[b])+1, diff)
		}
	}
	assert.Equal(t, []int{2, 2, 1}, batchSizes)

	ds.Reset()
	_, _, _, err = ds.Yield()
	require.NoError(t, err)
}

func TestTrainSamplesShortClips(t *testing.T) {
	root := t.TempDir()
	// Clips 0 to 3 have the minimum number of frames, clip 4 has one more.
	createClips(t, root, SplitTrain, 4, FramesPerSample, 16, 16)
	longDir := filepath.Join(root, string(SplitTrain), "clip_long")
	require.NoError(t, os.MkdirAll(longDir, 0o755))
	for f := range FramesPerSample + 1 {
		level := uint8(10*f + 5)
		img := imaging.New(16, 16, color.NRGBA{R: level, G: level, B: level, A: 255})
		require.NoError(t, imaging.Save(img, filepath.Join(longDir, fmt.Sprintf("%05d.png", f))))
	}
	ds, err := New(Config{
		Root: root, Split: SplitTrain, BatchSize: 2,
		ResizeWidth: 16, ResizeHeight: 16, CropWidth: 16, CropHeight: 16,
		Seed: 7,
	})
	require.NoError(t, err)
	require.Len(t, ds.clips, 5)

	firstFrames := make(map[int]bool)
	for range 200 {
		for clipIdx := range ds.clips {
			ds.mu.Lock()
			s := ds.trainSample(clipIdx)
			ds.mu.Unlock()
			numFrames := len(ds.clips[clipIdx].Frames)
			for _, f := range s.Frames {
				require.Truef(t, f >= 0 && f < numFrames, "clip %d with %d frames sampled frame %d", clipIdx, numFrames, f)
			}
			if numFrames == FramesPerSample {
				require.Equal(t, 0, min(s.Frames[0], s.Frames[2]))
			} else {
				firstFrames[min(s.Frames[0], s.Frames[2])] = true
			}
		}
	}
	assert.Equal(t, map[int]bool{0: true, 1: true}, firstFrames)

	for epoch := range 10 {
		var count int
		for {
			_, inputs, _, err := ds.Yield()
			if err == io.EOF {
				break
			}
			require.NoErrorf(t, err, "epoch %d", epoch)
			count += inputs[0].Shape().Dimensions[0]
		}
		require.Equal(t, 5, count)
		ds.Reset()
	}
}

func TestValidationSamples(t *testing.T) {
	root := t.TempDir()
	createClips(t, root, SplitValidation, 8, 12, 24, 16)
	ds, err := New(Config{
		Root: root, Split: SplitValidation, BatchSize: 8,
		ResizeWidth: 24, ResizeHeight: 16, CropWidth: 32, CropHeight: 16,
	})
	require.NoError(t, err)
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 5, 6, 0}, tensors.MustCopyFlatData[int32](inputs[3]))

	// The crop is wider than the frames: the right side is black.
	i1 := tensors.MustCopyFlatData[float32](inputs[2])
	assert.Equal(t, 8, frameFromLevel(i1[0]), "left pixel is from frame 8")
	assert.Equal(t, float32(0), i1[31*3], "right pixel is padding")

	_, _, _, err = ds.Yield()
	require.Equal(t, io.EOF, err)
}

func TestParallelYield(t *testing.T) {
	root := t.TempDir()
	createClips(t, root, SplitTrain, 6, 12, 32, 32)
	ds, err := New(Config{
		Root: root, Split: SplitTrain, BatchSize: 1,
		ResizeWidth: 32, ResizeHeight: 32, CropWidth: 32, CropHeight: 32,
		Seed: 1,
	})
	require.NoError(t, err)
	parallel := datasets.CustomParallel(ds).Parallelism(2).Buffer(2).Start()
	defer parallel.Done()
	for epoch := range 2 {
		var count int
		for {
			_, inputs, _, err := parallel.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			require.NotNil(t, inputs)
			count++
		}
		assert.Equalf(t, 6, count, "epoch %d", epoch)
		parallel.Reset()
	}
}
