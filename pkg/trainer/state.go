// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LockFile is created in the checkpoint directory, and locked while training.
const LockFile = ".lock"

// ResumeConfig tells OpenCheckpoints where to save checkpoints and what to resume from.
type ResumeConfig struct {
	// Dir where checkpoints are saved.
	Dir string

	// Continue training from a previous checkpoint: Checkpoint if given, otherwise the latest in Dir.
	Continue bool

	// Checkpoint to resume from: either a checkpoint directory or one of its checkpoint-*.json files.
	Checkpoint string

	// ParamsSet are hyperparameters explicitly set by the user, which a loaded checkpoint doesn't overwrite.
	ParamsSet []string
}

// Checkpointer saves the training state (variables and hyperparameters) to the checkpoint directory.
// It holds a lock on the directory until Close is called.
type Checkpointer struct {
	dir     string
	handler *checkpoints.Handler
	lock    *flock.Flock
	resumed bool
}

// OpenCheckpoints locks the checkpoint directory and, if config.Continue is set, loads the state to resume from
// into ctx.
//
// Without config.Continue, a directory that already holds checkpoints is an error.
func OpenCheckpoints(ctx *context.Context, config ResumeConfig) (c *Checkpointer, err error) {
	if config.Dir == "" {
		return nil, errors.New("checkpoint directory not given")
	}
	dir := fsutil.MustReplaceTildeInDir(config.Dir)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoint directory %q", dir)
	}
	lock := flock.New(filepath.Join(dir, LockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to lock checkpoint directory %q", dir)
	}
	if !locked {
		return nil, errors.Errorf("checkpoint directory %q is in use by another training process", dir)
	}
	defer func() {
		if err != nil {
			_ = lock.Unlock()
		}
	}()

	existing, err := listCheckpoints(dir)
	if err != nil {
		return nil, err
	}
	if !config.Continue && len(existing) > 0 {
		return nil, errors.Errorf("checkpoint directory %q already has %d checkpoints: "+
			"resume training from them or use a different directory", dir, len(existing))
	}

	excluded := slices.Concat(ParamsExcludedFromLoading, config.ParamsSet)
	c = &Checkpointer{dir: dir, lock: lock}
	c.handler, err = checkpoints.Build(ctx).Dir(dir).Keep(-1).ExcludeParams(excluded...).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to open checkpoints in %q", dir)
	}
	if !config.Continue {
		return c, nil
	}

	source := config.Checkpoint
	if source != "" {
		source = fsutil.MustReplaceTildeInDir(source)
	}
	if source == "" || sameDir(source, dir) {
		if len(existing) == 0 {
			return nil, errors.Errorf("asked to continue training, but there are no checkpoints in %q", dir)
		}
		klog.Infof("Resuming from %s", filepath.Join(dir, existing[len(existing)-1]))
	} else {
		// The explicitly given checkpoint takes precedence over the ones in dir.
		if err = overrideFromCheckpoint(ctx, source, excluded); err != nil {
			return nil, err
		}
		klog.Infof("Resuming from %s", source)
	}
	c.resumed = true
	return c, nil
}

// listCheckpoints returns the checkpoint base names in dir, oldest first.
func listCheckpoints(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "checkpoint-*"+checkpoints.JsonNameSuffix))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list checkpoints in %q", dir)
	}
	names := make([]string, 0, len(matches))
	for _, match := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(match), checkpoints.JsonNameSuffix))
	}
	slices.Sort(names)
	return names, nil
}

func sameDir(a, b string) bool {
	infoA, errA := os.Stat(a)
	infoB, errB := os.Stat(b)
	return errA == nil && errB == nil && os.SameFile(infoA, infoB)
}

// LoadCheckpoint loads into ctx the variables and hyperparameters of a checkpoint. The source can be a checkpoint
// directory, in which case its latest checkpoint is used, or one of its checkpoint-*.json files.
func LoadCheckpoint(ctx *context.Context, source string) error {
	source = fsutil.MustReplaceTildeInDir(source)
	info, err := os.Stat(source)
	if err != nil {
		return errors.Wrapf(err, "checkpoint %q", source)
	}
	config := checkpoints.Build(ctx).Immediate()
	if info.IsDir() {
		config = config.Dir(source)
	} else {
		baseName := strings.TrimSuffix(source, checkpoints.JsonNameSuffix)
		jsonData, err := os.ReadFile(baseName + checkpoints.JsonNameSuffix)
		if err != nil {
			return errors.Wrapf(err, "failed to read checkpoint %q", source)
		}
		binData, err := os.ReadFile(baseName + checkpoints.BinDataSuffix)
		if err != nil {
			return errors.Wrapf(err, "failed to read checkpoint %q", source)
		}
		config = config.FromEmbed(string(jsonData), binData)
	}
	if _, err = config.Done(); err != nil {
		return errors.WithMessagef(err, "failed to load checkpoint %q", source)
	}
	if ctx.NumVariables() == 0 {
		return errors.Errorf("no checkpoint found in %q", source)
	}
	return nil
}

// overrideFromCheckpoint loads the checkpoint in source into a scratch context, and copies its variables
// and non-excluded hyperparameters into ctx.
func overrideFromCheckpoint(ctx *context.Context, source string, excluded []string) error {
	scratch := context.New()
	if err := LoadCheckpoint(scratch, source); err != nil {
		return err
	}
	scratch.EnumerateParams(func(scope, key string, value any) {
		if slices.Contains(excluded, key) || slices.Contains(excluded, context.JoinScope(scope, key)) {
			return
		}
		ctx.InAbsPath(scope).SetParam(key, value)
	})
	for v := range scratch.IterVariables() {
		value, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "checkpoint %q variable %s", source, v.ScopeAndName())
		}
		target := ctx.InAbsPath(v.Scope()).Checked(false).VariableWithValue(v.Name(), value)
		if err = target.SetValue(value); err != nil {
			return errors.WithMessagef(err, "checkpoint %q variable %s", source, v.ScopeAndName())
		}
	}
	return nil
}

// ApplyLearningRateOverride sets the optimizer's learning rate to the optimizers.ParamLearningRate
// hyperparameter, if training was resumed and the hyperparameter is in paramsSet.
// Otherwise, the learning rate restored from the checkpoint is kept.
func (c *Checkpointer) ApplyLearningRateOverride(ctx *context.Context, paramsSet []string) error {
	if !c.Resumed() || !slices.Contains(paramsSet, optimizers.ParamLearningRate) {
		return nil
	}
	learningRate := context.GetParamOr(ctx, optimizers.ParamLearningRate, optimizers.AdamDefaultLearningRate)
	klog.Infof("Learning rate set to %g, replacing the one in the checkpoint", learningRate)
	return SetLearningRate(ctx, learningRate)
}

// Dir returns the checkpoint directory.
func (c *Checkpointer) Dir() string { return c.dir }

// Resumed returns whether a previous training state was loaded.
func (c *Checkpointer) Resumed() bool { return c.resumed }

// ExcludeVars excludes the variables from being saved. Used for the frozen perceptual network.
func (c *Checkpointer) ExcludeVars(vars ...*context.Variable) {
	c.handler.ExcludeVarsFromSaving(vars...)
}

// Save records the epoch and the current learning rate as hyperparameters, and saves a new checkpoint
// with all the training state in ctx.
func (c *Checkpointer) Save(ctx *context.Context, epoch int, learningRate float64) error {
	ctx.SetParam(ParamDetail, Detail)
	ctx.SetParam(ParamEpoch, epoch)
	ctx.SetParam(ParamTimestamp, time.Now().Format(time.RFC3339))
	ctx.SetParam(optimizers.ParamLearningRate, learningRate)
	if err := c.handler.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint for epoch %d", epoch)
	}
	return nil
}

// Close releases the lock on the checkpoint directory.
func (c *Checkpointer) Close() error {
	return errors.Wrapf(c.lock.Unlock(), "failed to unlock checkpoint directory %q", c.dir)
}
