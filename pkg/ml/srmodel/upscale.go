// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package srmodel

import (
	"image"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/superres/pkg/ml/datasets/srdata"
	"github.com/pkg/errors"
)

// Upscaler runs a trained model on images.
//
// A new computation graph is compiled for each distinct image size, and cached.
type Upscaler struct {
	ctx   *context.Context
	model Model
	cfg   BaseConfig
	exec  *context.Exec
}

// LoadForInference loads the model saved in checkpointDir and returns an Upscaler.
//
// The hyperparameters (including the model selection) are restored from the checkpoint, except
// ParamsExcludedFromLoading. The variables are loaded immediately, so the model is built with a context in
// Reuse mode.
func LoadForInference(backend backends.Backend, checkpointDir string) (*Upscaler, error) {
	ctx := CreateDefaultContext()
	_, err := checkpoints.Load(ctx).Dir(checkpointDir).ExcludeParams(ParamsExcludedFromLoading...).Immediate().Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load model from %q", checkpointDir)
	}
	return NewUpscaler(backend, ctx.Reuse())
}

// NewUpscaler creates an Upscaler for the model configured in ctx, using the variables under ModelScope.
// If the variables don't exist yet, they are initialized randomly.
func NewUpscaler(backend backends.Backend, ctx *context.Context) (*Upscaler, error) {
	model, err := New(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := BaseConfigFromContext(ctx)
	if err != nil {
		return nil, err
	}
	u := &Upscaler{ctx: ctx, model: model, cfg: cfg}
	u.exec, err = context.NewExec(backend, ctx.In(ModelScope), func(ctx *context.Context, lowRes *Node) *Node {
		return ClipScalar(model.Forward(ctx, lowRes), 0, 1)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create the inference executor")
	}
	return u, nil
}

// Context holding the model variables and hyperparameters.
func (u *Upscaler) Context() *context.Context { return u.ctx }

// Model used by the upscaler.
func (u *Upscaler) Model() Model { return u.model }

// ScaleFactor of the model.
func (u *Upscaler) ScaleFactor() int { return u.cfg.ScaleFactor }

// Channels of the images processed by the model.
func (u *Upscaler) Channels() int { return u.cfg.Channels }

// UpscaleImage returns the image upscaled by the model. If the model works on 1 channel, the output is
// a grayscale image of the luminance of img.
func (u *Upscaler) UpscaleImage(img image.Image) (image.Image, error) {
	size := img.Bounds().Size()
	if size.X == 0 || size.Y == 0 {
		return nil, errors.Errorf("cannot upscale empty image of size %v", size)
	}
	data, err := srdata.ImageToCHW[float32](img, u.cfg.Channels)
	if err != nil {
		return nil, err
	}
	lowRes := tensors.FromFlatDataAndDimensions(data, 1, u.cfg.Channels, size.Y, size.X)
	superRes, err := u.exec.Exec1(lowRes)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to upscale image of size %v", size)
	}
	defer func() { _ = superRes.FinalizeAll() }()
	s := u.cfg.ScaleFactor
	return srdata.CHWToImage(tensors.MustCopyFlatData[float32](superRes), u.cfg.Channels, size.Y*s, size.X*s)
}

// Finalize frees the compiled graphs. The Upscaler can't be used afterward.
func (u *Upscaler) Finalize() {
	u.exec.Finalize()
}
