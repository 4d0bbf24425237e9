// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package srmodel

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/superres/pkg/ml/layers/srblocks"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// Hyperparameters shared by all super-resolution models.
const (
	// ParamModel selects the registered model to use. Default is DefaultModel.
	ParamModel = "model"

	// ParamChannels is the number of channels of the images: 3 for RGB, 1 for grayscale.
	ParamChannels = "channels"

	// ParamScaleFactor is the upscaling factor: output images are scale_factor times larger in each spatial dimension.
	ParamScaleFactor = "scale_factor"

	// ParamPatchSize is the side of the square high-resolution patches used for training and evaluation.
	// It must be a multiple of ParamScaleFactor.
	ParamPatchSize = "patch_size"

	// ParamAugment enables random flips and 90 degree rotations of the training patches.
	ParamAugment = "augment"

	// ParamDataDir is the directory with the high-resolution training images.
	ParamDataDir = "data_dir"

	// ParamEvalDataDir is the directory with the high-resolution validation images. Optional.
	ParamEvalDataDir = "eval_data_dir"

	// ParamRunID identifies the training run that created the model. Set on the first training session.
	ParamRunID = "run_id"

	// ParamRNGReset resets the random number generator state with a new random value when training starts.
	ParamRNGReset = "rng_reset"

	// ParamPlots enables collecting the training curves, saved along the checkpoint.
	ParamPlots = "plots"
)

// DefaultModel is the model used if ParamModel is not set.
const DefaultModel = "srresnet"

var (
	// ParamsExcludedFromLoading is the list of parameters (see CreateDefaultContext) that shouldn't be loaded
	// from models checkpoints.
	//
	// These are appended to the list of settings given in the command line in the flag -set.
	ParamsExcludedFromLoading = []string{
		ParamDataDir, ParamEvalDataDir, "train_steps", "num_checkpoints", "checkpoint_period", ParamPlots, ParamRNGReset,
		srblocks.ParamBatchNormImpl,
	}
)

// CreateDefaultContext sets the context with default hyperparameters to use with TrainModel, including
// the ones of every registered model.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	must.M(ctx.ResetRNGState())
	ctx.SetParams(map[string]any{
		ParamModel:        DefaultModel,
		ParamChannels:     3,
		ParamScaleFactor:  4,
		ParamPatchSize:    96,
		ParamAugment:      true,
		ParamDataDir:      "",
		ParamEvalDataDir:  "",
		ParamRunID:        "",
		ParamRNGReset:     true,
		"train_steps":     10_000,
		"batch_size":      16,
		"eval_batch_size": 16,

		// num_checkpoints is the number of checkpoints to keep.
		"num_checkpoints": 3,

		// checkpoint_period is how often to save checkpoints. See time.ParseDuration.
		"checkpoint_period": "3m",

		// "mse" (Mean-Squared-Error), "mae" (Mean-Absolute-Error) or "huber".
		losses.ParamLoss:                    "mse",
		optimizers.ParamOptimizer:           "adam",
		optimizers.ParamLearningRate:        1e-4,
		optimizers.ParamAdamEpsilon:         1e-8,
		cosineschedule.ParamPeriodSteps:     0, // Enabled if > 0, typically the same value as "train_steps".
		cosineschedule.ParamMinLearningRate: 1e-6,

		// plots enables collecting the training curves. They are saved along the checkpoint, as a JSON
		// file with the points and a PNG image.
		ParamPlots: true,

		// batchnorm_impl depends on the backend, so it is not restored from checkpoints.
		srblocks.ParamBatchNormImpl: "auto",
	})
	for _, r := range Registered() {
		if r.AddParams != nil {
			r.AddParams(ctx)
		}
	}
	return ctx
}

// BaseConfig holds the hyperparameters shared by all models.
type BaseConfig struct {
	Channels, ScaleFactor int
}

// BaseConfigFromContext reads the shared hyperparameters from ctx and validates them.
func BaseConfigFromContext(ctx *context.Context) (BaseConfig, error) {
	cfg := BaseConfig{
		Channels:    context.GetParamOr(ctx, ParamChannels, 3),
		ScaleFactor: context.GetParamOr(ctx, ParamScaleFactor, 4),
	}
	if cfg.Channels <= 0 {
		return cfg, errors.Errorf("hyperparameter %q must be > 0, got %d", ParamChannels, cfg.Channels)
	}
	if cfg.ScaleFactor <= 0 {
		return cfg, errors.Errorf("hyperparameter %q must be > 0, got %d", ParamScaleFactor, cfg.ScaleFactor)
	}
	return cfg, nil
}
