// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package srmodel holds what is common to all single-image super-resolution models: the Model interface,
// a registry of available models, the default hyperparameters, the training loop, the PSNR metric,
// inference (Upscaler) and evaluation reports.
//
// Models are registered by their packages (usually in an `init()` function), and selected with
// the hyperparameter "model" (ParamModel). Each model may add its own hyperparameters to the context,
// see Registration.
//
// All models take low-resolution images shaped `[batch, channels, height, width]` with values in [0, 1]
// and return images shaped `[batch, channels, height*scale_factor, width*scale_factor]`.
package srmodel

import (
	"flag"
	"maps"
	"slices"
	"strings"
	"sync"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Model is a super-resolution network.
type Model interface {
	// Name of the model, as registered.
	Name() string

	// Forward builds the graph that upscales the batch of low-resolution images lowRes.
	// Variables are created (or reused) under ctx.
	Forward(ctx *context.Context, lowRes *Node) *Node
}

// Registration describes a model to the registry.
type Registration struct {
	// Name used in the "model" hyperparameter.
	Name string

	// New creates the model from the hyperparameters in ctx.
	New func(ctx *context.Context) (Model, error)

	// AddParams adds the model specific hyperparameters (with their default values) to ctx.
	// Optional.
	AddParams func(ctx *context.Context)

	// AddFlags registers command-line flags for the model specific hyperparameters.
	// Optional.
	AddFlags func(fs *flag.FlagSet, ctx *context.Context)
}

var (
	muRegistry sync.Mutex
	registry   = make(map[string]Registration)
)

// Register a model. It panics if a model with the same name was already registered.
func Register(r Registration) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if r.Name == "" || r.New == nil {
		panic(errors.Errorf("srmodel.Register: model registration requires a Name and a New function, got %+v", r))
	}
	if _, found := registry[r.Name]; found {
		panic(errors.Errorf("srmodel.Register: model %q registered twice", r.Name))
	}
	registry[r.Name] = r
}

// Names of the registered models, sorted.
func Names() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	return slices.Sorted(maps.Keys(registry))
}

// Registered returns the registrations of all models, sorted by name.
func Registered() []Registration {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	return slices.SortedFunc(maps.Values(registry), func(a, b Registration) int {
		return strings.Compare(a.Name, b.Name)
	})
}

// New creates the model selected by the hyperparameter "model" (ParamModel) in ctx.
func New(ctx *context.Context) (Model, error) {
	modelName := context.GetParamOr(ctx, ParamModel, DefaultModel)
	muRegistry.Lock()
	r, found := registry[modelName]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("hyperparameter %q must take one value from %v, got %q", ParamModel, Names(), modelName)
	}
	model, err := r.New(ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create model %q", modelName)
	}
	return model, nil
}

// ModelScope is the scope under which the model variables are created.
const ModelScope = "model"

// ModelFn adapts a Model to a train.ModelFn: inputs[0] is the batch of low-resolution images, and the only
// prediction is the upscaled batch.
func ModelFn(model Model) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		_ = spec // Not used.
		return []*Node{model.Forward(ctx, inputs[0])}
	}
}
