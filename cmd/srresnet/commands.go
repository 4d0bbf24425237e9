package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/superres/pkg/ml/layers/srblocks"
	"github.com/gomlx/superres/pkg/ml/srmodel"
	"github.com/gomlx/superres/ui/plots"
	"github.com/gomlx/superres/ui/summary"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func runTrain(args []string) error {
	ctx := srmodel.CreateDefaultContext()
	fs := newFlagSet("train", "")
	flagData := fs.String("data", "", "Directory with the high-resolution training images. Required.")
	flagEvalData := fs.String("eval_data", "", "Directory with the high-resolution validation images.")
	flagCheckpoint := checkpointFlag(fs, true)
	flagEval := fs.Bool("eval", true, "Whether to evaluate the model on the datasets at the end of training.")
	flagVerbosity := fs.Int("verbosity", 1, "Level of verbosity, the higher the more verbose. Use -1 for no output.")
	settings := settingsFlag(fs, ctx)
	addModelFlags(fs, ctx)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return errors.Errorf("unexpected arguments %q", fs.Args())
	}

	paramsSet, err := commandline.ParseContextSettings(ctx, *settings)
	if err != nil {
		return err
	}
	paramsSet = append(paramsSet, paramsSetByFlags(fs, ctx)...)
	dataDir, err := requiredPath("data", *flagData)
	if err != nil {
		return err
	}
	ctx.SetParam(srmodel.ParamDataDir, dataDir)
	if *flagEvalData != "" {
		evalDataDir, err := fsutil.ReplaceTildeInDir(*flagEvalData)
		if err != nil {
			return err
		}
		ctx.SetParam(srmodel.ParamEvalDataDir, evalDataDir)
	}
	checkpointDir, err := requiredPath("checkpoint", *flagCheckpoint)
	if err != nil {
		return err
	}

	err = srmodel.TrainModel(ctx, newBackend(), srmodel.TrainOptions{
		CheckpointDir: checkpointDir,
		EvaluateOnEnd: *flagEval,
		Verbosity:     *flagVerbosity,
		ParamsSet:     paramsSet,
	})
	if err != nil {
		return err
	}
	klog.Infof("Training run %s: model saved in %q", context.GetParamOr(ctx, srmodel.ParamRunID, ""), checkpointDir)
	return nil
}

// loadUpscaler loads the trained model from the checkpoint.
func loadUpscaler(checkpoint string) (*srmodel.Upscaler, error) {
	checkpointDir, err := requiredPath("checkpoint", checkpoint)
	if err != nil {
		return nil, err
	}
	upscaler, err := srmodel.LoadForInference(newBackend(), checkpointDir)
	if err != nil {
		return nil, err
	}
	klog.Infof("Loaded model %q (x%d) from training run %s", upscaler.Model().Name(), upscaler.ScaleFactor(),
		context.GetParamOr(upscaler.Context(), srmodel.ParamRunID, "<unknown>"))
	return upscaler, nil
}

func runUpscale(args []string) error {
	fs := newFlagSet("upscale", "<images...>")
	flagCheckpoint := checkpointFlag(fs, true)
	flagOut := fs.String("out", "", "Directory where to save the upscaled images, as PNG. Required.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("no images given to upscale")
	}
	outDir, err := requiredPath("out", *flagOut)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(outDir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create output directory %q", outDir)
	}
	upscaler, err := loadUpscaler(*flagCheckpoint)
	if err != nil {
		return err
	}
	defer upscaler.Finalize()

	for _, imgPath := range fs.Args() {
		img, err := imaging.Open(imgPath, imaging.AutoOrientation(true))
		if err != nil {
			return errors.Wrapf(err, "failed to read image %q", imgPath)
		}
		superRes, err := upscaler.UpscaleImage(img)
		if err != nil {
			return errors.WithMessagef(err, "failed to upscale %q", imgPath)
		}
		baseName := strings.TrimSuffix(filepath.Base(imgPath), filepath.Ext(imgPath))
		outPath := filepath.Join(outDir, baseName+".png")
		if err = imaging.Save(superRes, outPath); err != nil {
			return errors.Wrapf(err, "failed to save %q", outPath)
		}
		fmt.Printf("%s (%v) -> %s (%v)\n", imgPath, img.Bounds().Size(), outPath, superRes.Bounds().Size())
	}
	return nil
}

func runEval(args []string) error {
	fs := newFlagSet("eval", "")
	flagCheckpoint := checkpointFlag(fs, true)
	flagData := fs.String("data", "", "Directory with the high-resolution images to evaluate on. Required.")
	flagCSV := fs.String("csv", "", "If set, the per-image report is also saved to this file as CSV.")
	flagVerbosity := fs.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dataDir, err := requiredPath("data", *flagData)
	if err != nil {
		return err
	}
	upscaler, err := loadUpscaler(*flagCheckpoint)
	if err != nil {
		return err
	}
	defer upscaler.Finalize()

	df, err := srmodel.EvaluateDir(upscaler, dataDir, *flagVerbosity >= 1)
	if err != nil {
		return err
	}
	fmt.Println(summary.EvalTable(df, srmodel.ColGain))
	modelPSNR, bicubicPSNR := srmodel.MeanPSNR(df)
	fmt.Printf("Mean PSNR over %d images: %.2f dB (bicubic: %.2f dB, gain: %+.2f dB)\n",
		df.Nrow(), modelPSNR, bicubicPSNR, modelPSNR-bicubicPSNR)
	if *flagCSV != "" {
		csvPath, err := fsutil.ReplaceTildeInDir(*flagCSV)
		if err != nil {
			return err
		}
		if err = srmodel.WriteReportCSV(df, csvPath); err != nil {
			return err
		}
		fmt.Printf("Report saved to %q\n", csvPath)
	}
	return nil
}

func runSummary(args []string) error {
	ctx := srmodel.CreateDefaultContext()
	fs := newFlagSet("summary", "")
	flagCheckpoint := checkpointFlag(fs, false)
	settings := settingsFlag(fs, ctx)
	addModelFlags(fs, ctx)
	if err := fs.Parse(args); err != nil {
		return err
	}
	paramsSet, err := commandline.ParseContextSettings(ctx, *settings)
	if err != nil {
		return err
	}
	paramsSet = append(paramsSet, paramsSetByFlags(fs, ctx)...)

	var checkpointDir string
	if *flagCheckpoint != "" {
		if checkpointDir, err = fsutil.ReplaceTildeInDir(*flagCheckpoint); err != nil {
			return err
		}
		_, err = checkpoints.Load(ctx).Dir(checkpointDir).ExcludeParams(paramsSet...).Immediate().Done()
		if err != nil {
			return errors.WithMessagef(err, "failed to load checkpoint %q", checkpointDir)
		}
	}

	model, err := srmodel.New(ctx)
	if err != nil {
		return err
	}
	fmt.Println(summary.Title(fmt.Sprintf("Model %q", model.Name())))
	if m, ok := model.(interface{ Parts() []srblocks.Part }); ok {
		fmt.Println(summary.ModelTable(m.Parts()))
	} else {
		fmt.Println(model)
	}
	fmt.Println(summary.Title("Hyperparameters"))
	fmt.Println(summary.ParamsTable(ctx, paramsSet))
	if checkpointDir == "" {
		return nil
	}

	modelCtx := ctx.In(srmodel.ModelScope)
	fmt.Println(summary.Title("Summary"))
	fmt.Println(summary.StatsTable(model.Name(), summary.ModelStats(ctx, modelCtx)))
	fmt.Println(summary.Title("Variables"))
	fmt.Println(summary.VariablesTable(modelCtx))

	points, err := plots.LoadPointsFromCheckpoint(checkpointDir)
	if err != nil {
		return err
	}
	if len(points) > 0 {
		fmt.Println(summary.Title("Training curves"))
		fmt.Println(plots.NewPoints(points).TableForMetrics())
	}
	return nil
}
