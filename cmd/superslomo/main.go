// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// superslomo trains the Super SloMo video frame interpolation model.
//
// The dataset root must hold "train" and "validation" directories, with one sub-directory of frames per clip.
// Metrics are written to -log_dir, and checkpoints to -checkpoint_dir.
//
// The backend is selected with the GOMLX_BACKEND environment variable.
package main

import (
	stdcontext "context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/superslomo/pkg/logsink"
	"github.com/gomlx/superslomo/pkg/trainer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDatasetRoot   = flag.String("dataset_root", "", "Path to the dataset folder, containing the train and validation folders. Required.")
	flagCheckpointDir = flag.String("checkpoint_dir", "", "Path to the folder for saving checkpoints. Required.")
	flagCheckpoint    = flag.String("checkpoint", "", "Path of the checkpoint to resume training from: "+
		"a checkpoint directory or one of its checkpoint-*.json files. Used with -train_continue. "+
		"If empty, the latest checkpoint in -checkpoint_dir is used.")
	flagTrainContinue = flag.Bool("train_continue", false, "Resume training from a checkpoint.")

	flagEpochs              = flag.Int("epochs", 200, "Number of epochs to train.")
	flagTrainBatchSize      = flag.Int("train_batch_size", 3, "Batch size for training.")
	flagValidationBatchSize = flag.Int("validation_batch_size", 6, "Batch size for validation.")
	flagInitLearningRate    = flag.Float64("init_learning_rate", 1e-4, "Initial learning rate.")
	flagProgressIter        = flag.Int("progress_iter", 200, "Number of iterations between progress reports, each with a validation pass.")
	flagCheckpointEpoch     = flag.Int("checkpoint_epoch", 5, "Number of epochs between checkpoints.")

	flagLogDir    = flag.String("log_dir", "log", "Directory where training metrics and validation images are logged.")
	flagConfig    = flag.String("config", "", "Optional TOML file with hyperparameters. Applied before -set.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

// flagParams maps the flags to the hyperparameters they set.
var flagParams = map[string]string{
	"epochs":                trainer.ParamEpochs,
	"train_batch_size":      trainer.ParamTrainBatchSize,
	"validation_batch_size": trainer.ParamValidationBatchSize,
	"init_learning_rate":    optimizers.ParamLearningRate,
	"progress_iter":         trainer.ParamProgressIter,
	"checkpoint_epoch":      trainer.ParamCheckpointEpoch,
}

func main() {
	ctx := trainer.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "set")
	klog.InitFlags(nil)
	flag.Parse()
	if *flagDatasetRoot == "" || *flagCheckpointDir == "" {
		fmt.Fprintln(os.Stderr, "Both -dataset_root and -checkpoint_dir must be given.")
		flag.Usage()
		os.Exit(2)
	}
	err := run(ctx, *settings)
	if err != nil && !errors.Is(err, trainer.ErrInterrupted) {
		klog.Errorf("Training failed: %+v", err)
	}
	klog.Flush()
	if err != nil {
		os.Exit(1)
	}
}

// configure sets the hyperparameters from the config file, the flags and the -set settings, in this order.
// It returns the parameters explicitly set.
func configure(ctx *context.Context, settings string) (paramsSet []string, err error) {
	if *flagConfig != "" {
		paramsSet, err = trainer.LoadConfigFile(ctx, fsutil.MustReplaceTildeInDir(*flagConfig))
		if err != nil {
			return nil, err
		}
	}
	values := map[string]any{
		"epochs":                *flagEpochs,
		"train_batch_size":      *flagTrainBatchSize,
		"validation_batch_size": *flagValidationBatchSize,
		"init_learning_rate":    *flagInitLearningRate,
		"progress_iter":         *flagProgressIter,
		"checkpoint_epoch":      *flagCheckpointEpoch,
	}
	// Only flags given explicitly override the config file.
	flag.Visit(func(f *flag.Flag) {
		param, found := flagParams[f.Name]
		if !found {
			return
		}
		ctx.SetParam(param, values[f.Name])
		paramsSet = append(paramsSet, param)
	})
	setParams, err := commandline.ParseContextSettings(ctx, settings)
	if err != nil {
		return nil, err
	}
	return slices.Concat(paramsSet, setParams), nil
}

func run(ctx *context.Context, settings string) (err error) {
	paramsSet, err := configure(ctx, settings)
	if err != nil {
		return err
	}
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	} else if *flagVerbosity >= 1 && len(paramsSet) > 0 {
		fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	runCtx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := logsink.Open(fsutil.MustReplaceTildeInDir(*flagLogDir))
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := sink.Close(); err == nil {
			err = closeErr
		}
	}()

	config := trainer.Config{
		DatasetRoot: fsutil.MustReplaceTildeInDir(*flagDatasetRoot),
		Checkpoints: trainer.ResumeConfig{
			Dir:        *flagCheckpointDir,
			Continue:   *flagTrainContinue,
			Checkpoint: *flagCheckpoint,
			ParamsSet:  paramsSet,
		},
		Sink:        sink,
		Seed:        int64(os.Getpid()),
		ProgressBar: *flagVerbosity >= 1,
	}
	var trainErr error
	err = exceptions.TryCatch[error](func() {
		backend, err := backends.New()
		if err != nil {
			panic(err)
		}
		klog.Infof("Backend: %s", backend.Description())
		defer backend.Finalize()
		trainErr = trainer.TrainModel(runCtx, backend, ctx, config)
	})
	if err == nil {
		err = trainErr
	}
	if errors.Is(err, trainer.ErrInterrupted) {
		klog.Warningf("Training interrupted, metrics logged to %s", sink.Dir())
	}
	return err
}
