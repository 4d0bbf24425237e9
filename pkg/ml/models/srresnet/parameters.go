// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package srresnet

import (
	"flag"
	"strconv"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/superres/pkg/ml/srmodel"
	"github.com/pkg/errors"
)

const (
	// ParamNResBlocks is the number of residual blocks in the body of the network.
	ParamNResBlocks = "n_resblocks"

	// ParamNFeats is the number of feature maps used throughout the network.
	ParamNFeats = "n_feats"
)

// Default values of the model hyperparameters.
const (
	DefaultNResBlocks = 16
	DefaultNFeats     = 64
)

func init() {
	srmodel.Register(srmodel.Registration{
		Name: Name,
		New: func(ctx *context.Context) (srmodel.Model, error) {
			return NewFromContext(ctx)
		},
		AddParams: AddModelSpecificParams,
		AddFlags:  AddModelSpecificFlags,
	})
}

// AddModelSpecificParams sets the default values of the SRResNet hyperparameters in ctx.
// Values already set are not changed.
func AddModelSpecificParams(ctx *context.Context) {
	for key, value := range map[string]int{
		ParamNResBlocks: DefaultNResBlocks,
		ParamNFeats:     DefaultNFeats,
	} {
		if _, found := ctx.GetParam(key); !found {
			ctx.SetParam(key, value)
		}
	}
}

// intParamFlag is a flag.Value that writes integer values to a context hyperparameter.
type intParamFlag struct {
	ctx *context.Context
	key string
}

var _ flag.Value = (*intParamFlag)(nil)

func (f *intParamFlag) String() string {
	if f.ctx == nil {
		// flag.isZeroValue calls String on a zero value.
		return ""
	}
	if _, found := f.ctx.GetParam(f.key); !found {
		return ""
	}
	return strconv.Itoa(context.GetParamOr(f.ctx, f.key, 0))
}

func (f *intParamFlag) Set(s string) error {
	value, err := strconv.Atoi(s)
	if err != nil {
		return errors.Errorf("%q requires an integer value, got %q", f.key, s)
	}
	f.ctx.SetParam(f.key, value)
	return nil
}

// AddModelSpecificFlags registers the flags -n_resblocks and -n_feats in fs. They take only integer values,
// and set the corresponding hyperparameters in ctx.
//
// The defaults shown in the help are the current values in ctx, see AddModelSpecificParams.
func AddModelSpecificFlags(fs *flag.FlagSet, ctx *context.Context) {
	AddModelSpecificParams(ctx)
	fs.Var(&intParamFlag{ctx: ctx, key: ParamNResBlocks}, ParamNResBlocks, "number of residual blocks")
	fs.Var(&intParamFlag{ctx: ctx, key: ParamNFeats}, ParamNFeats, "number of feature maps")
}
