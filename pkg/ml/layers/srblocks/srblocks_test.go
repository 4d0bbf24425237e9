package srblocks

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/gomlx/compute"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPixelShuffle(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	got := MustExecOnce(backend, func(g *Graph) *Node {
		x := IotaFull(g, shapes.Make(dtypes.Float32, 1, 4, 2, 2))
		return PixelShuffle(x, 2)
	})
	require.NoError(t, got.Shape().Check(dtypes.Float32, 1, 1, 4, 4))
	want := [][][][]float32{{{
		{0, 4, 1, 5},
		{8, 12, 9, 13},
		{2, 6, 3, 7},
		{10, 14, 11, 15},
	}}}
	assert.Equal(t, want, got.Value())

	require.Panics(t, func() {
		_ = MustExecOnce(backend, func(g *Graph) *Node {
			return PixelShuffle(Ones(g, shapes.Make(dtypes.Float32, 1, 3, 2, 2)), 2)
		})
	}, "3 channels are not divisible by 2*2")
}

func TestPReLU(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := Const(g, []float32{-2, -1, 0, 1, 2})
		return PReLU{}.Apply(ctx.In("prelu"), x)
	})
	assert.InDeltaSlice(t, []float32{-0.5, -0.25, 0, 1, 2}, got.Value(), 1e-6)

	alphaVar := ctx.GetVariableByScopeAndName("/prelu", "alpha")
	require.NotNil(t, alphaVar)
	assert.True(t, alphaVar.Shape().IsScalar())
}

func TestBasicBlock(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	block := &BasicBlock{In: 3, Out: 5, KernelSize: 3, Norm: BatchNorm{}, Act: PReLU{}}
	got := context.MustExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
		return block.Apply(ctx.In(block.Name()), Ones(g, shapes.Make(dtypes.Float32, 2, 3, 8, 8)))
	})
	require.NoError(t, got.Shape().Check(dtypes.Float32, 2, 5, 8, 8))
	assert.Equal(t, "BasicBlock(3→5, kernel=3, norm=BatchNorm, act=PReLU)", block.String())

	// Input with the wrong number of channels.
	require.Panics(t, func() {
		_ = context.MustExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
			return block.Apply(ctx, Ones(g, shapes.Make(dtypes.Float32, 2, 4, 8, 8)))
		})
	})
}

func TestResBlock(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	block := &ResBlock{NFeats: 4, KernelSize: 3, NConvLayers: 2, Norm: BatchNorm{}, Act: PReLU{}}
	got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return block.Apply(ctx.In(block.Name()), Ones(g, shapes.Make(dtypes.Float32, 1, 4, 6, 7)))
	})
	require.NoError(t, got.Shape().Check(dtypes.Float32, 1, 4, 6, 7))

	// Only the first convolution is followed by an activation.
	assert.NotNil(t, ctx.GetVariableByScopeAndName("/res_block/000_basic_block/prelu", "alpha"))
	assert.Nil(t, ctx.GetVariableByScopeAndName("/res_block/001_basic_block/prelu", "alpha"))
}

func TestUpscaleBlock(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, scale := range []int{1, 2, 3, 4, 8} {
		t.Run(fmt.Sprintf("x%d", scale), func(t *testing.T) {
			block := &UpscaleBlock{ScaleFactor: scale, NFeats: 4, Act: PReLU{}}
			got := context.MustExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
				return block.Apply(ctx, Ones(g, shapes.Make(dtypes.Float32, 2, 4, 5, 3)))
			})
			require.NoError(t, got.Shape().Check(dtypes.Float32, 2, 4, 5*scale, 3*scale))
		})
	}
	assert.Equal(t, []int{2, 2}, (&UpscaleBlock{ScaleFactor: 4}).Stages())
	assert.Equal(t, []int{3}, (&UpscaleBlock{ScaleFactor: 3}).Stages())
	assert.Empty(t, (&UpscaleBlock{ScaleFactor: 1}).Stages())
	require.Panics(t, func() { (&UpscaleBlock{ScaleFactor: 0}).Stages() })
}

func TestSequential(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	seq := Sequential{
		&DefaultConv2d{In: 3, Out: 3, KernelSize: 3},
		&DefaultConv2d{In: 3, Out: 2, KernelSize: 1},
	}
	require.Equal(t, 2, seq.Len())
	got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return seq.Apply(ctx, Ones(g, shapes.Make(dtypes.Float32, 1, 3, 4, 4)))
	})
	require.NoError(t, got.Shape().Check(dtypes.Float32, 1, 2, 4, 4))

	// Each layer has its own weights and biases.
	numLayerVars := make(map[string]int)
	for v := range ctx.IterVariables() {
		for idx := range seq {
			if strings.HasPrefix(v.Scope(), "/"+seq.LayerScope(idx)) {
				numLayerVars[seq.LayerScope(idx)]++
			}
		}
	}
	assert.Equal(t, map[string]int{"000_conv2d": 2, "001_conv2d": 2}, numLayerVars)
	assert.Contains(t, seq.String(), "Conv2d(3→2, kernel=1)")
	assert.Equal(t, "000_conv2d: Conv2d(3→3, kernel=3)\n001_conv2d: Conv2d(3→2, kernel=1)\n", Describe(seq))
}

func TestBatchNormInference(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ops := backend.Capabilities().Operations
	fused := ops[compute.OpTypeBatchNormForInference] && ops[compute.OpTypeBatchNormForTraining]
	assert.Equal(t, fused, useBackendBatchNorm(context.New(), backend))

	impls := []string{"auto", "graph"}
	if fused {
		impls = append(impls, "backend")
	}
	for _, impl := range impls {
		t.Run(impl, func(t *testing.T) {
			ctx := context.New()
			ctx.SetParam(ParamBatchNormImpl, impl)
			// Fresh averages: mean=0 and variance=1.
			got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				return BatchNorm{}.Apply(ctx, Const(g, [][][][]float32{{{{2}}, {{-4}}}}))
			})
			values := got.Value().([][][][]float32)
			assert.InDelta(t, 2/math.Sqrt(1+1e-5), values[0][0][0][0], 1e-4)
			assert.InDelta(t, -4/math.Sqrt(1+1e-5), values[0][1][0][0], 1e-4)
		})
	}

	ctx := context.New()
	ctx.SetParam(ParamBatchNormImpl, "backend")
	assert.True(t, useBackendBatchNorm(ctx, backend))
	ctx.SetParam(ParamBatchNormImpl, "fused")
	require.Panics(t, func() { useBackendBatchNorm(ctx, backend) })
}
