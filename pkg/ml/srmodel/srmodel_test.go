package srmodel_test

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/superres/pkg/ml/layers/srblocks"
	"github.com/gomlx/superres/pkg/ml/srmodel"
	"github.com/gomlx/superres/ui/plots"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tinyModel is a minimal super-resolution network used to test the orchestration.
type tinyModel struct {
	layers srblocks.Sequential
}

func (m *tinyModel) Name() string { return "tiny" }

func (m *tinyModel) Forward(ctx *context.Context, x *Node) *Node {
	return m.layers.Apply(ctx, x)
}

func init() {
	srmodel.Register(srmodel.Registration{
		Name: "tiny",
		New: func(ctx *context.Context) (srmodel.Model, error) {
			cfg, err := srmodel.BaseConfigFromContext(ctx)
			if err != nil {
				return nil, err
			}
			return &tinyModel{layers: srblocks.Sequential{
				&srblocks.BasicBlock{In: cfg.Channels, Out: 2, KernelSize: 3, Norm: srblocks.BatchNorm{}, Act: srblocks.PReLU{}},
				&srblocks.UpscaleBlock{ScaleFactor: cfg.ScaleFactor, NFeats: 2},
				&srblocks.DefaultConv2d{In: 2, Out: cfg.Channels, KernelSize: 3},
			}}, nil
		},
		AddParams: func(ctx *context.Context) { ctx.SetParam("tiny_param", 7) },
	})
}

func TestRegistry(t *testing.T) {
	assert.Contains(t, srmodel.Names(), "tiny")
	ctx := srmodel.CreateDefaultContext()
	assert.Equal(t, 7, context.GetParamOr(ctx, "tiny_param", 0))
	assert.Equal(t, srmodel.DefaultModel, context.GetParamOr(ctx, srmodel.ParamModel, ""))

	ctx.SetParam(srmodel.ParamModel, "tiny")
	model, err := srmodel.New(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tiny", model.Name())

	ctx.SetParam(srmodel.ParamModel, "unknown")
	_, err = srmodel.New(ctx)
	require.ErrorContains(t, err, "unknown")

	ctx.SetParams(map[string]any{srmodel.ParamModel: "tiny", srmodel.ParamScaleFactor: 0})
	_, err = srmodel.New(ctx)
	require.ErrorContains(t, err, srmodel.ParamScaleFactor)

	require.Panics(t, func() {
		srmodel.Register(srmodel.Registration{Name: "tiny", New: func(*context.Context) (srmodel.Model, error) { return nil, nil }})
	})
	require.Panics(t, func() { srmodel.Register(srmodel.Registration{Name: "no_constructor"}) })
}

func TestPSNRGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	psnrFn := func(labels, predictions [][][][]float32) float32 {
		got := MustExecOnce(backend, func(g *Graph) *Node {
			return srmodel.PSNRGraph(nil, []*Node{Const(g, labels)}, []*Node{Const(g, predictions)})
		})
		return tensors.ToScalar[float32](got)
	}

	labels := [][][][]float32{{{{0.2, 0.4}, {0.6, 0.8}}}, {{{0.1, 0.1}, {0.1, 0.1}}}}
	assert.InDelta(t, 100.0, psnrFn(labels, labels), 1e-3, "identical images")

	shifted := [][][][]float32{{{{0.3, 0.5}, {0.7, 0.9}}}, {{{0.2, 0.2}, {0.2, 0.2}}}}
	assert.InDelta(t, 20.0, psnrFn(labels, shifted), 1e-3, "MSE=0.01 for every image")

	// Predictions are clipped to [0, 1]: a value of 1.5 counts as 1.0.
	clipped := [][][][]float32{{{{0.2, 0.4}, {0.6, 1.5}}}, {{{0.1, 0.1}, {0.1, 0.1}}}}
	ones := [][][][]float32{{{{0.2, 0.4}, {0.6, 1.0}}}, {{{0.1, 0.1}, {0.1, 0.1}}}}
	assert.InDelta(t, 100.0, psnrFn(ones, clipped), 1e-3)

	require.Panics(t, func() { psnrFn(labels, [][][][]float32{{{{0.2, 0.4}}}}) })
}

func writeTestImages(t *testing.T, dir string, n, width, height int) {
	require.NoError(t, os.MkdirAll(dir, 0755))
	for ii := range n {
		img := image.NewNRGBA(image.Rect(0, 0, width, height))
		for y := range height {
			for x := range width {
				img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 16), G: uint8(y * 16), B: uint8(ii * 64), A: 255})
			}
		}
		require.NoError(t, imaging.Save(img, filepath.Join(dir, fmt.Sprintf("%02d.png", ii))))
	}
}

func TestTrainModel(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	baseDir := t.TempDir()
	trainDir, validDir := filepath.Join(baseDir, "train"), filepath.Join(baseDir, "valid")
	writeTestImages(t, trainDir, 3, 12, 10)
	writeTestImages(t, validDir, 2, 9, 9)
	checkpointDir := filepath.Join(baseDir, "checkpoint")

	ctx := srmodel.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		srmodel.ParamModel:          "tiny",
		srmodel.ParamScaleFactor:    2,
		srmodel.ParamPatchSize:      8,
		srmodel.ParamDataDir:        trainDir,
		srmodel.ParamEvalDataDir:    validDir,
		"batch_size":                2,
		"eval_batch_size":           2,
		"train_steps":               3,
		"checkpoint_period":         "1h",
		srblocks.ParamBatchNormImpl: "graph",
	})
	opts := srmodel.TrainOptions{CheckpointDir: checkpointDir, Verbosity: -1}
	require.NoError(t, srmodel.TrainModel(ctx, backend, opts))

	points, err := plots.LoadPointsFromCheckpoint(checkpointDir)
	require.NoError(t, err)
	require.NotEmpty(t, points)
	assert.Contains(t, plots.NewPoints(points).MetricTypes(), srmodel.PSNRMetricType)
	_, err = os.Stat(filepath.Join(checkpointDir, plots.TrainingPlotImagePrefix+srmodel.PSNRMetricType+".png"))
	require.NoError(t, err)

	// Continue training from the checkpoint.
	ctx = srmodel.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		srmodel.ParamDataDir: trainDir,
		"train_steps":        5,
	})
	require.NoError(t, srmodel.TrainModel(ctx, backend,
		srmodel.TrainOptions{CheckpointDir: checkpointDir, Verbosity: -1, ParamsSet: []string{"train_steps"}}))
	assert.Equal(t, "tiny", context.GetParamOr(ctx, srmodel.ParamModel, ""), "restored from checkpoint")
	assert.NotEmpty(t, context.GetParamOr(ctx, srmodel.ParamRunID, ""))

	// Inference.
	upscaler, err := srmodel.LoadForInference(backend, checkpointDir)
	require.NoError(t, err)
	defer upscaler.Finalize()
	assert.Equal(t, 2, upscaler.ScaleFactor())
	assert.Equal(t, 3, upscaler.Channels())
	assert.Equal(t, "auto", context.GetParamOr(upscaler.Context(), srblocks.ParamBatchNormImpl, ""),
		"backend dependent settings are not restored")
	superRes, err := upscaler.UpscaleImage(image.NewNRGBA(image.Rect(0, 0, 5, 4)))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(10, 8), superRes.Bounds().Size())
	superRes, err = upscaler.UpscaleImage(image.NewNRGBA(image.Rect(0, 0, 3, 7)))
	require.NoError(t, err, "a new image size compiles a new graph with the loaded variables")
	assert.Equal(t, image.Pt(6, 14), superRes.Bounds().Size())

	// Evaluation report.
	df, err := srmodel.EvaluateDir(upscaler, validDir, false)
	require.NoError(t, err)
	assert.Equal(t, 2, df.Nrow())
	assert.Equal(t, []int{8, 8}, must.M1(df.Col(srmodel.ColWidth).Int()))
	modelPSNR, bicubicPSNR := srmodel.MeanPSNR(df)
	assert.Positive(t, modelPSNR)
	assert.Positive(t, bicubicPSNR)

	csvPath := filepath.Join(baseDir, "report.csv")
	require.NoError(t, srmodel.WriteReportCSV(df, csvPath))
	contents, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "image,width,height,psnr,bicubic_psnr,gain")
}

func TestTrainModelErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := srmodel.CreateDefaultContext()
	ctx.SetParam(srmodel.ParamModel, "tiny")
	err := srmodel.TrainModel(ctx, backend, srmodel.TrainOptions{Verbosity: -1})
	require.ErrorContains(t, err, srmodel.ParamDataDir)

	ctx.SetParams(map[string]any{srmodel.ParamDataDir: t.TempDir(), "batch_size": 0})
	err = srmodel.TrainModel(ctx, backend, srmodel.TrainOptions{Verbosity: -1})
	require.ErrorContains(t, err, "batch_size")
}
