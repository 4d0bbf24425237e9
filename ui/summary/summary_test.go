package summary

import (
	"strings"
	"testing"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/superres/pkg/ml/layers/srblocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelTable(t *testing.T) {
	parts := []srblocks.Part{
		{Scope: "head", Layers: srblocks.Sequential{&srblocks.BasicBlock{In: 3, Out: 8, KernelSize: 9, Act: srblocks.PReLU{}}}},
		{Scope: "body", Layers: srblocks.Sequential{
			&srblocks.ResBlock{NFeats: 8, KernelSize: 3, NConvLayers: 2},
			&srblocks.BasicBlock{In: 8, Out: 8, KernelSize: 3},
		}},
		{Scope: "tail", Layers: srblocks.Sequential{&srblocks.DefaultConv2d{In: 8, Out: 3, KernelSize: 9}}},
	}
	got := ModelTable(parts)
	for _, want := range []string{"Part", "head", "body", "tail", "res_block", "conv2d", "ResBlock(8, kernel=3"} {
		assert.Contains(t, got, want)
	}
}

func TestVariablesAndStats(t *testing.T) {
	ctx := context.New()
	optimizers.GetGlobalStepVar(ctx).MustSetValue(tensors.FromValue(int64(1234)))
	modelCtx := ctx.In("model")
	modelCtx.In("conv").VariableWithValue("weights", [][]float32{{1, 2, 3}, {4, 5, 6}})
	modelCtx.In("conv").VariableWithValue("biases", []float32{0, 0})
	modelCtx.In("bn").VariableWithValue("mean", []float32{0, 0}).SetTrainable(false)

	stats := ModelStats(ctx, modelCtx)
	assert.Equal(t, Stats{GlobalStep: 1234, NumVariables: 2, NumParams: 8, NumBytes: 32}, stats)

	got := StatsTable("SRResNet", stats)
	assert.Contains(t, got, "1,234")
	assert.Contains(t, got, "# parameters")

	got = VariablesTable(modelCtx)
	for _, want := range []string{"/model/conv", "weights", "biases", "mean", "3 variables"} {
		assert.Contains(t, got, want)
	}
	assert.NotContains(t, got, optimizers.GlobalStepVariableName)
}

func TestParamsTable(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{"n_feats": 64, "learning_rate": 1e-4})
	got := ParamsTable(ctx, []string{"n_feats"})
	assert.Contains(t, got, "n_feats")
	assert.Contains(t, got, "float64")
	assert.Less(t, strings.Index(got, "learning_rate"), strings.Index(got, "n_feats"), "sorted by name")
}

func TestEvalTable(t *testing.T) {
	df := dataframe.New(
		series.New([]string{"a.png", "b.png"}, series.String, "image"),
		series.New([]float64{30.5, 25}, series.Float, "psnr"),
		series.New([]float64{1.5, -0.5}, series.Float, "gain"),
	)
	require.NoError(t, df.Err)
	got := EvalTable(df, "gain")
	for _, want := range []string{"image", "a.png", "b.png", "30.5", "-0.5"} {
		assert.Contains(t, got, want)
	}
	assert.NotContains(t, EvalTable(df, "missing"), "missing")
}
