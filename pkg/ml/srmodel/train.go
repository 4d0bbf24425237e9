// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package srmodel

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/superres/pkg/ml/datasets/srdata"
	"github.com/gomlx/superres/ui/plots"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TrainOptions are the settings of TrainModel that are not hyperparameters.
type TrainOptions struct {
	// CheckpointDir where to save (and load, if it exists) the model. If empty the model is not saved.
	CheckpointDir string

	// EvaluateOnEnd prints an evaluation of the model on the training and validation datasets at the end.
	EvaluateOnEnd bool

	// Verbosity level: -1 means quiet (no progress bar), 0 shows the progress bar, 1 and 2 print more information.
	Verbosity int

	// ParamsSet are the hyperparameters set in the command line, they are not overwritten by the values
	// saved in the checkpoint.
	ParamsSet []string
}

// Datasets used for training and evaluation.
type Datasets struct {
	// Train is an infinite, shuffled and augmented dataset.
	Train train.Dataset

	// TrainEval goes once over the training images, with the center crops.
	TrainEval train.Dataset

	// Validation goes once over the validation images. Nil if no validation directory was configured.
	Validation train.Dataset
}

// Eval returns the datasets used for evaluation.
func (d *Datasets) Eval() []train.Dataset {
	evalDS := []train.Dataset{d.TrainEval}
	if d.Validation != nil {
		evalDS = append(evalDS, d.Validation)
	}
	return evalDS
}

// CreateDatasets loads the images from the directories configured in ctx (ParamDataDir and ParamEvalDataDir)
// and creates the datasets of patches.
func CreateDatasets(ctx *context.Context, verbose bool) (*Datasets, error) {
	cfg, err := BaseConfigFromContext(ctx)
	if err != nil {
		return nil, err
	}
	patchSize := context.GetParamOr(ctx, ParamPatchSize, 96)
	batchSize := context.GetParamOr(ctx, "batch_size", 0)
	if batchSize <= 0 {
		return nil, errors.Errorf("hyperparameter \"batch_size\" must be > 0, got %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}

	dataDir := context.GetParamOr(ctx, ParamDataDir, "")
	if dataDir == "" {
		return nil, errors.Errorf("hyperparameter %q with the directory of the training images is not set", ParamDataDir)
	}
	trainImages, err := srdata.LoadImages(dataDir, verbose)
	if err != nil {
		return nil, err
	}
	d := &Datasets{}
	trainDS, err := srdata.NewPatchDataset("Training", trainImages, cfg.Channels, cfg.ScaleFactor, patchSize, batchSize)
	if err != nil {
		return nil, err
	}
	trainDS.Infinite(true).
		Shuffle(rand.New(rand.NewSource(time.Now().UnixNano()))).
		Augment(context.GetParamOr(ctx, ParamAugment, true))
	d.Train = datasets.Parallel(trainDS)
	if d.TrainEval, err = srdata.NewPatchDataset("Training", trainImages, cfg.Channels, cfg.ScaleFactor, patchSize, evalBatchSize); err != nil {
		return nil, err
	}

	if evalDir := context.GetParamOr(ctx, ParamEvalDataDir, ""); evalDir != "" {
		evalImages, err := srdata.LoadImages(evalDir, verbose)
		if err != nil {
			return nil, err
		}
		if d.Validation, err = srdata.NewPatchDataset("Validation", evalImages, cfg.Channels, cfg.ScaleFactor, patchSize, evalBatchSize); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// TrainModelFn returns the train.ModelFn of the model, including the learning rate cosine schedule, if configured.
func TrainModelFn(model Model) train.ModelFn {
	modelFn := ModelFn(model)
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		cosineschedule.New(ctx, inputs[0].Graph(), inputs[0].DType()).FromContext().Done()
		return modelFn(ctx, spec, inputs)
	}
}

// Metrics used during training and evaluation.
func Metrics() (trainMetrics, evalMetrics []metrics.Interface) {
	trainMetrics = []metrics.Interface{NewMovingAveragePSNR("Moving Average PSNR", "~psnr", 0.01)}
	evalMetrics = []metrics.Interface{NewMeanPSNR("Mean PSNR", "#psnr")}
	return
}

// TrainModel trains the model selected and configured by the hyperparameters in ctx, see CreateDefaultContext.
//
// If a checkpoint exists in opts.CheckpointDir, training continues from it, up to "train_steps" global steps.
func TrainModel(ctx *context.Context, backend backends.Backend, opts TrainOptions) error {
	verbose := opts.Verbosity >= 1
	if verbose {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	// Checkpoint: it is loaded first, since it restores the hyperparameters of the model.
	var checkpoint *checkpoints.Handler
	if opts.CheckpointDir != "" {
		var err error
		checkpoint, err = checkpoints.Build(ctx).
			Dir(opts.CheckpointDir).
			Keep(context.GetParamOr(ctx, "num_checkpoints", 3)).
			ExcludeParams(append(opts.ParamsSet, ParamsExcludedFromLoading...)...).
			Done()
		if err != nil {
			return errors.WithMessagef(err, "failed to create checkpoint in %q", opts.CheckpointDir)
		}
		if verbose {
			fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
		}
	}
	runID := context.GetParamOr(ctx, ParamRunID, "")
	if runID == "" {
		runID = uuid.NewString()
		ctx.SetParam(ParamRunID, runID)
	}
	klog.V(1).Infof("Training run %s", runID)
	if context.GetParamOr(ctx, ParamRNGReset, true) {
		if err := ctx.ResetRNGState(); err != nil {
			return errors.WithMessage(err, "failed to reset the random number generator state")
		}
	}
	if opts.Verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	ds, err := CreateDatasets(ctx, verbose)
	if err != nil {
		return err
	}
	if pds, ok := ds.Train.(*datasets.ParallelDataset); ok {
		defer pds.Done()
	}
	model, err := New(ctx)
	if err != nil {
		return err
	}
	lossFn, err := losses.LossFromContext(ctx)
	if err != nil {
		return err
	}

	// Trainer: it orchestrates running the model, the optimizer and the metrics.
	ctx = ctx.In(ModelScope)
	trainMetrics, evalMetrics := Metrics()
	trainer := train.NewTrainer(backend, ctx, TrainModelFn(model), lossFn,
		optimizers.FromContext(ctx), trainMetrics, evalMetrics)
	loop := train.NewLoop(trainer)
	if opts.Verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	if checkpoint != nil {
		period, err := time.ParseDuration(context.GetParamOr(ctx, "checkpoint_period", "3m"))
		if err != nil {
			return errors.Wrapf(err, "invalid hyperparameter \"checkpoint_period\"")
		}
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Training curves: points at exponentially growing steps, saved along the checkpoint.
	if context.GetParamOr(ctx, ParamPlots, true) {
		collector, err := plots.New().
			WithDatasets(ds.Eval()...).
			WithBatchNormalizationAveragesUpdate(ds.TrainEval).
			WithCheckpoint(checkpoint)
		if err != nil {
			return err
		}
		collector.ScheduleExponential(loop, 100, 1.2)
	}

	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		if _, err = loop.RunSteps(ds.Train, numTrainSteps-globalStep); err != nil {
			return errors.WithMessage(err, "training failed")
		}
		if verbose {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}

		// Update batch normalization averages, if they are used.
		updated, err := batchnorm.UpdateAverages(trainer, ds.TrainEval)
		if err != nil {
			return err
		}
		if updated {
			if verbose {
				fmt.Println("\tUpdated batch normalization mean/variances averages.")
			}
			if checkpoint != nil {
				if err = checkpoint.Save(); err != nil {
					return err
				}
			}
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	if opts.EvaluateOnEnd {
		if verbose {
			fmt.Println()
		}
		return commandline.ReportEval(trainer, ds.Eval()...)
	}
	return nil
}
