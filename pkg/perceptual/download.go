// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package perceptual

import (
	"os"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WeightsFile is the safetensors file downloaded from the HuggingFace repository.
const WeightsFile = "model.safetensors"

// DownloadWeights downloads (or reuses the cached copy of) the VGG16 weights from the HuggingFace repository
// repoID, and returns the tensors of its "features." section.
//
// The environment variable HF_TOKEN is used for authentication, if set.
func DownloadWeights(repoID string) (map[string]*tensors.Tensor, error) {
	repo := hub.New(repoID).WithAuth(os.Getenv("HF_TOKEN")).WithProgressBar(true)
	if err := repo.DownloadInfo(false); err != nil {
		return nil, errors.WithMessagef(err, "failed to get info for HuggingFace repo %q", repoID)
	}
	localPath, err := repo.DownloadFile(WeightsFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download %q from %q", WeightsFile, repoID)
	}
	klog.V(1).Infof("VGG16 weights from %q: %s", repoID, localPath)
	return ReadSafetensors(localPath, "features.")
}
