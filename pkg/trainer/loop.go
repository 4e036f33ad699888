// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	stdcontext "context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/superslomo/pkg/clips"
	"github.com/gomlx/superslomo/pkg/logsink"
	"github.com/gomlx/superslomo/pkg/perceptual"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Config of a training run. Hyperparameters are taken from the context.
type Config struct {
	// DatasetRoot holds the "train" and "validation" clip directories.
	DatasetRoot string

	Checkpoints ResumeConfig

	// Sink receives the metrics and validation images. Optional.
	Sink *logsink.Sink

	// Seed for the sampling of training examples.
	Seed int64

	// ProgressBar shows the progress of each epoch in the terminal.
	ProgressBar bool
}

// ErrInterrupted is returned by TrainModel when the run context is cancelled.
var ErrInterrupted = errors.New("training interrupted")

// TrainModel trains the model in ctx from scratch, or resumes training from a checkpoint.
//
// It stops at the next batch boundary if runCtx is cancelled, and returns ErrInterrupted.
func TrainModel(runCtx stdcontext.Context, backend backends.Backend, ctx *context.Context, config Config) (err error) {
	checkpointer, err := OpenCheckpoints(ctx, config.Checkpoints)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := checkpointer.Close(); err == nil {
			err = closeErr
		}
	}()
	if err = checkpointer.ApplyLearningRateOverride(ctx, config.Checkpoints.ParamsSet); err != nil {
		return err
	}

	perceptualVars, err := perceptual.Setup(ctx)
	if err != nil {
		return err
	}
	checkpointer.ExcludeVars(perceptualVars...)

	trainDS, valDS, err := createDatasets(ctx, config)
	if err != nil {
		return err
	}
	numBatches := trainDS.NumBatches()
	parallelDS := datasets.CustomParallel(trainDS).
		Parallelism(max(context.GetParamOr(ctx, ParamDataWorkers, 2), 1)).
		Buffer(context.GetParamOr(ctx, ParamDataWorkers, 2)).
		Start()
	defer parallelDS.Done()

	steps, err := NewSteps(backend, ctx)
	if err != nil {
		return err
	}
	defer steps.Finalize()

	l := &loop{
		ctx:          ctx,
		config:       config,
		steps:        steps,
		valDS:        valDS,
		checkpointer: checkpointer,
		numBatches:   numBatches,
		progressIter: context.GetParamOr(ctx, ParamProgressIter, 200),
		plateau:      NewPlateau(ctx, numBatches),
	}
	if l.progressIter <= 0 {
		return errors.Errorf("%q must be positive, got %d", ParamProgressIter, l.progressIter)
	}
	l.checkpointEpoch = context.GetParamOr(ctx, ParamCheckpointEpoch, 5)
	if l.checkpointEpoch <= 0 {
		return errors.Errorf("%q must be positive, got %d", ParamCheckpointEpoch, l.checkpointEpoch)
	}
	if l.history, err = LoadHistory(ctx); err != nil {
		return err
	}

	startEpoch := context.GetParamOr(ctx, ParamEpoch, -1) + 1
	numEpochs := context.GetParamOr(ctx, ParamEpochs, 200)
	klog.Infof("Training %s: %d batches per epoch, epochs %d to %d, learning rate %.1e",
		trainDS.Name(), numBatches, startEpoch, numEpochs-1, LearningRate(ctx))
	for epoch := startEpoch; epoch < numEpochs; epoch++ {
		if err = l.trainEpoch(runCtx, parallelDS, epoch); err != nil {
			return err
		}
		if epoch%l.checkpointEpoch == l.checkpointEpoch-1 {
			if err = l.saveCheckpoint(epoch); err != nil {
				return err
			}
		}
	}
	return nil
}

func createDatasets(ctx *context.Context, config Config) (trainDS, valDS *clips.Dataset, err error) {
	resizeWidth, resizeHeight, err := GetSize(ctx, ParamResize)
	if err != nil {
		return nil, nil, err
	}
	trainWidth, trainHeight, err := GetSize(ctx, ParamTrainCrop)
	if err != nil {
		return nil, nil, err
	}
	valWidth, valHeight, err := GetSize(ctx, ParamValidationCrop)
	if err != nil {
		return nil, nil, err
	}
	trainDS, err = clips.New(clips.Config{
		Root:         config.DatasetRoot,
		Split:        clips.SplitTrain,
		BatchSize:    context.GetParamOr(ctx, ParamTrainBatchSize, 3),
		ResizeWidth:  resizeWidth,
		ResizeHeight: resizeHeight,
		CropWidth:    trainWidth,
		CropHeight:   trainHeight,
		Seed:         config.Seed,
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "training dataset")
	}
	valDS, err = clips.New(clips.Config{
		Root:         config.DatasetRoot,
		Split:        clips.SplitValidation,
		BatchSize:    context.GetParamOr(ctx, ParamValidationBatchSize, 6),
		ResizeWidth:  resizeWidth,
		ResizeHeight: resizeHeight,
		CropWidth:    valWidth,
		CropHeight:   valHeight,
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "validation dataset")
	}
	if trainDS.NumExamples() == 0 || valDS.NumExamples() == 0 {
		return nil, nil, errors.Errorf("no clips found in %q: got %d training and %d validation clips",
			config.DatasetRoot, trainDS.NumExamples(), valDS.NumExamples())
	}
	return trainDS, valDS, nil
}

// loop holds the state of a training run across epochs.
type loop struct {
	ctx          *context.Context
	config       Config
	steps        *Steps
	valDS        *clips.Dataset
	checkpointer *Checkpointer
	plateau      *Plateau
	history      *History

	numBatches, progressIter, checkpointEpoch int
}

func (l *loop) trainEpoch(runCtx stdcontext.Context, ds *datasets.ParallelDataset, epoch int) error {
	epochStart := time.Now()
	ds.Reset()
	var bar *progressbar.ProgressBar
	if l.config.ProgressBar {
		bar = progressbar.NewOptions(l.numBatches,
			progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d", epoch)),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("batches"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}

	var epochLoss, progressLoss float64
	var lastValidation *ValidationResult
	progressStart := time.Now()
	trainIndex := 0
	for ; ; trainIndex++ {
		select {
		case <-runCtx.Done():
			return ErrInterrupted
		default:
		}
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithMessagef(err, "failed reading training batch #%d of epoch %d", trainIndex, epoch)
		}
		if len(inputs) == 0 {
			// A parallel dataset stopped by a failed worker may yield nothing without an error.
			return errors.Errorf("training dataset yielded an empty batch #%d in epoch %d", trainIndex, epoch)
		}
		metrics, err := l.steps.TrainStep(inputs)
		finalizeTensors(inputs)
		if err != nil {
			return errors.WithMessagef(err, "epoch %d, batch #%d", epoch, trainIndex)
		}
		if err = l.stepScheduler(metrics.Loss); err != nil {
			return err
		}
		epochLoss += metrics.Loss
		progressLoss += metrics.Loss
		if bar != nil {
			_ = bar.Add(1)
		}

		if trainIndex%l.progressIter == l.progressIter-1 {
			trainExecTime := time.Since(progressStart)
			trainLoss := progressLoss / float64(l.progressIter)
			if err = l.stepScheduler(trainLoss); err != nil {
				return err
			}
			lastValidation, err = l.progress(epoch, trainIndex, trainLoss, trainExecTime)
			if err != nil {
				return err
			}
			progressLoss = 0
			progressStart = time.Now()
		}
	}
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	if trainIndex == 0 {
		return errors.Errorf("training dataset yielded no batches in epoch %d", epoch)
	}
	printEpochSummary(l.ctx, epoch, trainIndex, epochLoss/float64(trainIndex), lastValidation, time.Since(epochStart))
	return nil
}

// stepScheduler observes the loss, and updates the learning rate if the scheduler reduces it.
func (l *loop) stepScheduler(loss float64) error {
	learningRate := LearningRate(l.ctx)
	newLearningRate, reduced := l.plateau.Step(loss, learningRate)
	if !reduced {
		return nil
	}
	klog.V(1).Infof("Reducing learning rate from %.1e to %.1e", learningRate, newLearningRate)
	return SetLearningRate(l.ctx, newLearningRate)
}

// progress runs the validation, and reports the metrics to the log, the sink and the history.
func (l *loop) progress(epoch, trainIndex int, trainLoss float64, trainExecTime time.Duration) (*ValidationResult, error) {
	validationStart := time.Now()
	val, err := l.steps.Validate(l.valDS)
	if err != nil {
		return nil, errors.WithMessagef(err, "validation at epoch %d, batch #%d", epoch, trainIndex)
	}
	valEvalTime := time.Since(validationStart)
	itr := trainIndex + epoch*l.numBatches

	klog.Infof("Loss: %0.6f  Iterations: %4d/%4d  TrainExecTime: %0.1f  ValLoss:%0.6f  ValPSNR: %0.4f  ValEvalTime: %0.2f LearningRate: %.1e",
		trainLoss, trainIndex, l.numBatches, trainExecTime.Seconds(),
		val.Loss, val.PSNR, valEvalTime.Seconds(), LearningRate(l.ctx))

	if sink := l.config.Sink; sink != nil {
		err = sink.AddScalars("Loss", map[string]float64{"trainLoss": trainLoss, "validationLoss": val.Loss}, itr)
		if err == nil {
			err = sink.AddScalar("PSNR", val.PSNR, itr)
		}
		if err == nil && val.Grid != nil {
			err = sink.AddImage("Validation", val.Grid, itr)
		}
		if err != nil {
			return nil, err
		}
	}
	l.history.Append(epoch, trainLoss, val.Loss, val.PSNR)
	return val, nil
}

func (l *loop) saveCheckpoint(epoch int) error {
	l.history.Save(l.ctx)
	l.plateau.SaveState(l.ctx)
	if err := l.checkpointer.Save(l.ctx, epoch, LearningRate(l.ctx)); err != nil {
		return err
	}
	klog.Infof("Saved checkpoint for epoch %d in %s", epoch, l.checkpointer.Dir())
	return nil
}

var (
	summaryStyle     = lipgloss.NewStyle().Padding(0, 1)
	summaryKeyStyle  = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1).Bold(true)
	summaryBorderHex = "#705090"
)

func printEpochSummary(ctx *context.Context, epoch, numBatches int, meanLoss float64, val *ValidationResult,
	elapsed time.Duration) {
	if !klog.V(1).Enabled() && !isTerminal() {
		klog.Infof("Epoch %d: mean loss %0.6f in %s", epoch, meanLoss, elapsed.Round(time.Second))
		return
	}
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(summaryBorderHex))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return summaryKeyStyle
			}
			return summaryStyle
		})
	table.Row("Epoch", fmt.Sprintf("%d", epoch))
	table.Row("Batches", humanize.Comma(int64(numBatches)))
	table.Row("Global step", humanize.Comma(optimizers.GetGlobalStep(ctx)))
	table.Row("Mean train loss", fmt.Sprintf("%0.6f", meanLoss))
	if val != nil {
		table.Row("Validation loss", fmt.Sprintf("%0.6f", val.Loss))
		table.Row("Validation PSNR", fmt.Sprintf("%0.4f", val.PSNR))
	}
	table.Row("Learning rate", fmt.Sprintf("%.1e", LearningRate(ctx)))
	table.Row("Duration", elapsed.Round(time.Millisecond).String())
	fmt.Println(table.Render())
}

func isTerminal() bool {
	info, err := os.Stdout.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
