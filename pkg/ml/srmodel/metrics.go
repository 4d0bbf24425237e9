// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package srmodel

import (
	"fmt"
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
)

// PSNRMetricType is the metric type of the peak signal-to-noise ratio metrics.
const PSNRMetricType = "psnr"

// MinMSE bounds the mean squared error used by the PSNR, so identical images have a finite PSNR of 100dB.
const MinMSE = 1e-10

// PSNRGraph returns the mean over the batch of the peak signal-to-noise ratio (in dB), with peak value 1.0,
// between the high-resolution images labels[0] and the predictions[0].
//
// Predictions are clipped to [0, 1] first, as they would be when converted to images.
func PSNRGraph(_ *context.Context, labels, predictions []*Node) *Node {
	highRes := labels[0]
	superRes := ClipScalar(predictions[0], 0, 1)
	if !highRes.Shape().Equal(superRes.Shape()) {
		Panicf("PSNR requires labels and predictions of the same shape, got %s and %s",
			highRes.Shape(), superRes.Shape())
	}
	reduceAxes := make([]int, 0, highRes.Rank()-1)
	for axis := 1; axis < highRes.Rank(); axis++ {
		reduceAxes = append(reduceAxes, axis)
	}
	mse := ReduceMean(Square(Sub(superRes, highRes)), reduceAxes...)
	mse = MaxScalar(mse, MinMSE)
	psnr := MulScalar(Log(mse), -10/math.Ln10) // 10 * log10(1/mse)
	return ReduceAllMean(psnr)
}

func psnrPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.2f dB", value.Value())
}

// NewMeanPSNR returns a metric with the mean PSNR over all examples.
func NewMeanPSNR(name, shortName string) *metrics.MeanMetric {
	return metrics.NewMeanMetric(name, shortName, PSNRMetricType, PSNRGraph, psnrPPrint)
}

// NewMovingAveragePSNR returns an exponential moving average of the PSNR, usually used during training.
func NewMovingAveragePSNR(name, shortName string, newExampleWeight float64) metrics.Interface {
	return metrics.NewExponentialMovingAverageMetric(name, shortName, PSNRMetricType, PSNRGraph, psnrPPrint, newExampleWeight)
}
