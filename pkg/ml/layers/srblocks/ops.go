// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package srblocks

import (
	"fmt"

	"github.com/gomlx/compute"
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

// PixelShuffle rearranges the channels of x into spatial blocks, the "sub-pixel convolution" upscaling from
// "Real-Time Single Image and Video Super-Resolution Using an Efficient Sub-Pixel Convolutional Neural Network",
// https://arxiv.org/abs/1609.05158.
//
// x must be shaped `[batch, channels * r * r, height, width]`, and the result is shaped
// `[batch, channels, height * r, width * r]`, with
// `output[n, c, h*r + i, w*r + j] = x[n, c*r*r + i*r + j, h, w]`.
func PixelShuffle(x *Node, r int) *Node {
	if r < 1 {
		Panicf("PixelShuffle requires factor r >= 1, got %d", r)
	}
	if x.Rank() != 4 {
		Panicf("PixelShuffle expects x shaped [batch, channels, height, width], got x.shape=%s", x.Shape())
	}
	if r == 1 {
		return x
	}
	dims := x.Shape().Dimensions
	batchSize, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	if channels%(r*r) != 0 {
		Panicf("PixelShuffle(r=%d) requires the number of channels to be divisible by r*r=%d, got x.shape=%s",
			r, r*r, x.Shape())
	}
	outChannels := channels / (r * r)
	x = Reshape(x, batchSize, outChannels, r, r, height, width)
	x = TransposeAllAxes(x, 0, 1, 4, 2, 5, 3) // -> [batch, outChannels, height, r, width, r]
	return Reshape(x, batchSize, outChannels, height*r, width*r)
}

// PReLUInitialSlope is the initial value of the learned slope of PReLU.
const PReLUInitialSlope = 0.25

// PReLU is the parametric ReLU activation: `x if x >= 0 else alpha*x`, with one learned scalar alpha shared
// by all channels, initialized to PReLUInitialSlope.
//
// See "Delving Deep into Rectifiers", https://arxiv.org/abs/1502.01852.
type PReLU struct{}

var _ Layer = PReLU{}

// Name implements Layer.
func (PReLU) Name() string { return "prelu" }

// String implements Layer.
func (PReLU) String() string { return "PReLU" }

// Apply implements Layer.
func (PReLU) Apply(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	alpha := ctx.VariableWithValue("alpha", float32(PReLUInitialSlope)).ValueGraph(g)
	if alpha.DType() != x.DType() {
		alpha = ConvertDType(alpha, x.DType())
	}
	return Where(
		GreaterOrEqual(x, ScalarZero(g, x.DType())),
		x,
		Mul(x, alpha))
}

// ParamBatchNormImpl selects how BatchNorm is computed: "backend" uses the backend's fused batch normalization
// ops, "graph" builds it from simpler ops. The default, "auto", uses "backend" only if the backend implements
// the fused ops (the pure Go backend doesn't).
const ParamBatchNormImpl = "batchnorm_impl"

// BatchNorm normalizes the channels (axis 1) of its input. Momentum and epsilon default to 0.9 and 1e-5.
//
// See ParamBatchNormImpl for how it is computed.
type BatchNorm struct {
	Momentum, Epsilon float64
}

var _ Layer = BatchNorm{}

// Name implements Layer.
func (BatchNorm) Name() string { return "batch_norm" }

// String implements Layer.
func (BatchNorm) String() string { return "BatchNorm" }

// Apply implements Layer.
func (bn BatchNorm) Apply(ctx *context.Context, x *Node) *Node {
	momentum, epsilon := bn.Momentum, bn.Epsilon
	if momentum == 0 {
		momentum = 0.9
	}
	if epsilon == 0 {
		epsilon = 1e-5
	}
	return batchnorm.New(ctx, x, ChannelsAxis).
		Momentum(momentum).
		Epsilon(epsilon).
		UseBackendInference(useBackendBatchNorm(ctx, x.Graph().Backend())).
		CurrentScope().
		Done()
}

// useBackendBatchNorm returns whether to use the backend's fused batch normalization, see ParamBatchNormImpl.
func useBackendBatchNorm(ctx *context.Context, backend compute.Backend) bool {
	switch impl := context.GetParamOr(ctx, ParamBatchNormImpl, "auto"); impl {
	case "auto":
		ops := backend.Capabilities().Operations
		return ops[compute.OpTypeBatchNormForInference] && ops[compute.OpTypeBatchNormForTraining]
	case "backend":
		return true
	case "graph":
		return false
	default:
		Panicf("invalid %s=%q, valid values are \"auto\", \"backend\" or \"graph\"", ParamBatchNormImpl, impl)
		return false
	}
}

// Describe returns a multi-line description of the layers, one per line prefixed by its scope name.
func Describe(s Sequential) string {
	var out string
	for idx, layer := range s {
		out += fmt.Sprintf("%s: %s\n", s.LayerScope(idx), layer)
	}
	return out
}
