// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package srmodel

import (
	"image"
	"os"

	"github.com/disintegration/imaging"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/superres/pkg/ml/datasets/srdata"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Columns of the evaluation report returned by Evaluate.
const (
	ColImage       = "image"
	ColWidth       = "width"
	ColHeight      = "height"
	ColPSNR        = "psnr"
	ColBicubicPSNR = "bicubic_psnr"
	ColGain        = "gain"
)

// imagePSNR returns the PSNR between two images of the same size, over the given number of channels.
func imagePSNR(a, b image.Image, channels int) (float64, error) {
	aData, err := srdata.ImageToCHW[float32](a, channels)
	if err != nil {
		return 0, err
	}
	bData, err := srdata.ImageToCHW[float32](b, channels)
	if err != nil {
		return 0, err
	}
	return srdata.PSNR(aData, bData)
}

// Evaluate measures the model on the high-resolution images: each image is downscaled (bicubic) by the
// scale factor, upscaled back by the model and by bicubic interpolation, and both compared with the
// original with the PSNR.
//
// It returns one row per image, with the columns ColImage, ColWidth, ColHeight (of the high-resolution image
// used, cropped to a multiple of the scale factor), ColPSNR, ColBicubicPSNR and ColGain (the difference).
// Images smaller than the scale factor are skipped.
func Evaluate(upscaler *Upscaler, images []*srdata.Image) (dataframe.DataFrame, error) {
	s, channels := upscaler.ScaleFactor(), upscaler.Channels()
	var (
		names                 []string
		widths, heights       []int
		psnrs, bicubic, gains []float64
	)
	for _, img := range images {
		size := img.Bounds().Size()
		width, height := (size.X/s)*s, (size.Y/s)*s
		if width == 0 || height == 0 {
			klog.Warningf("skipping image %q of size %v, smaller than the scale factor %d", img.Path, size, s)
			continue
		}
		highRes := imaging.CropAnchor(img, width, height, imaging.TopLeft)
		lowRes := srdata.Downscale(highRes, s)
		superRes, err := upscaler.UpscaleImage(lowRes)
		if err != nil {
			return dataframe.DataFrame{}, errors.WithMessagef(err, "image %q", img.Path)
		}
		modelPSNR, err := imagePSNR(highRes, superRes, channels)
		if err != nil {
			return dataframe.DataFrame{}, errors.WithMessagef(err, "image %q", img.Path)
		}
		bicubicPSNR, err := imagePSNR(highRes, srdata.BicubicUpscale(lowRes, s), channels)
		if err != nil {
			return dataframe.DataFrame{}, errors.WithMessagef(err, "image %q", img.Path)
		}
		names = append(names, img.Name())
		widths = append(widths, width)
		heights = append(heights, height)
		psnrs = append(psnrs, modelPSNR)
		bicubic = append(bicubic, bicubicPSNR)
		gains = append(gains, modelPSNR-bicubicPSNR)
	}
	if len(names) == 0 {
		return dataframe.DataFrame{}, errors.New("no images to evaluate")
	}
	df := dataframe.New(
		series.New(names, series.String, ColImage),
		series.New(widths, series.Int, ColWidth),
		series.New(heights, series.Int, ColHeight),
		series.New(psnrs, series.Float, ColPSNR),
		series.New(bicubic, series.Float, ColBicubicPSNR),
		series.New(gains, series.Float, ColGain),
	)
	return df, df.Err
}

// EvaluateDir is like Evaluate, but loads the images from dir first.
func EvaluateDir(upscaler *Upscaler, dir string, verbose bool) (dataframe.DataFrame, error) {
	images, err := srdata.LoadImages(dir, verbose)
	if err != nil {
		return dataframe.DataFrame{}, err
	}
	return Evaluate(upscaler, images)
}

// WriteReportCSV writes the evaluation report to filePath as CSV.
func WriteReportCSV(df dataframe.DataFrame, filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create report file %q", filePath)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write report to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close report file %q", filePath)
}

// MeanPSNR returns the mean PSNR of the model and of the bicubic baseline in an evaluation report.
func MeanPSNR(df dataframe.DataFrame) (model, bicubic float64) {
	return df.Col(ColPSNR).Mean(), df.Col(ColBicubicPSNR).Mean()
}
