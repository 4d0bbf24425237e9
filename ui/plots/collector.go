// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CollectorName is the name used to register the Collector callbacks in the training loop.
const CollectorName = "plots.Collector"

// Collector gathers training and evaluation metrics during a training loop, and at the end of the
// training it renders them as PNG images (see Points.SavePNG).
//
// Create it with New, configure it and then schedule it with ScheduleExponential or ScheduleEveryNSteps.
type Collector struct {
	points              Points
	evalDatasets        []train.Dataset
	batchNormAveragesDS train.Dataset

	// outputDir where points and images are saved. If empty, nothing is saved.
	outputDir string

	lastStepCollected int
	onEndAttached     bool
}

// New creates a new Collector with no points.
func New() *Collector {
	return &Collector{
		points:            make(Points),
		lastStepCollected: -1,
	}
}

// WithDatasets configures the datasets evaluated at each collection.
func (c *Collector) WithDatasets(datasets ...train.Dataset) *Collector {
	c.evalDatasets = datasets
	return c
}

// WithBatchNormalizationAveragesUpdate configures a 1-epoch dataset used to update the batch normalization
// averages before each evaluation. If nil, averages are not updated.
func (c *Collector) WithBatchNormalizationAveragesUpdate(oneEpochDS train.Dataset) *Collector {
	c.batchNormAveragesDS = oneEpochDS
	return c
}

// WithCheckpoint loads the points previously saved in the checkpoint, and saves new points there.
// If checkpoint is nil, it's a no-op.
func (c *Collector) WithCheckpoint(checkpoint *checkpoints.Handler) (*Collector, error) {
	if checkpoint == nil {
		return c, nil
	}
	return c.WithOutputDir(checkpoint.Dir())
}

// WithOutputDir is like WithCheckpoint, but takes the directory directly.
func (c *Collector) WithOutputDir(dir string) (*Collector, error) {
	rawPoints, err := LoadPointsFromCheckpoint(dir)
	if err != nil {
		return c, err
	}
	for _, p := range rawPoints {
		c.AddPoint(p)
	}
	c.outputDir = dir
	return c, nil
}

// Points collected so far.
func (c *Collector) Points() Points { return c.points }

// AddPoint adds a point to the collection. It doesn't save it.
func (c *Collector) AddPoint(p Point) {
	c.points[p.Step] = append(c.points[p.Step], p)
}

// ScheduleExponential collection of points, starting at startStep and with an increasing step factor
// of stepFactor. Points are also collected at the end of the loop.
func (c *Collector) ScheduleExponential(loop *train.Loop, startStep int, stepFactor float64) *Collector {
	train.ExponentialCallback(loop, startStep, stepFactor, true, CollectorName, 0, c.collect)
	c.attachOnEnd(loop)
	return c
}

// ScheduleEveryNSteps collection of points.
func (c *Collector) ScheduleEveryNSteps(loop *train.Loop, n int) *Collector {
	train.EveryNSteps(loop, n, CollectorName, 0, c.collect)
	c.attachOnEnd(loop)
	return c
}

// attachOnEnd renders the images when the loop finishes.
func (c *Collector) attachOnEnd(loop *train.Loop) {
	if c.onEndAttached {
		return
	}
	c.onEndAttached = true
	loop.OnEnd(CollectorName, 120, func(_ *train.Loop, _ []*tensors.Tensor) error {
		if c.outputDir == "" || len(c.points) == 0 {
			return nil
		}
		paths, err := c.points.SavePNG(c.outputDir)
		if err != nil {
			return err
		}
		klog.V(1).Infof("Training curves saved to %v", paths)
		return nil
	})
}

func (c *Collector) collect(loop *train.Loop, metrics []*tensors.Tensor) error {
	// Collect at most once per step, if scheduled more than one way.
	if c.lastStepCollected >= loop.LoopStep {
		return nil
	}
	c.lastStepCollected = loop.LoopStep
	newPoints, err := TrainAndEvalPoints(loop, metrics, c.evalDatasets, c.batchNormAveragesDS)
	if err != nil {
		return err
	}
	for _, p := range newPoints {
		c.AddPoint(p)
	}
	if c.outputDir != "" && len(newPoints) > 0 {
		return AppendPoints(filepath.Join(c.outputDir, TrainingPlotFileName), newPoints...)
	}
	return nil
}

// TrainAndEvalPoints returns the points of the training metrics (already computed and given) and the
// evaluation metrics of each of the evalDatasets, at the current global step of the loop.
//
// If batchNormAveragesDS is given, it is used to update the batch normalization averages before evaluation.
// Metrics with NaN or infinite values are skipped, as is the very noisy "Batch Loss".
func TrainAndEvalPoints(loop *train.Loop, trainMetrics []*tensors.Tensor,
	evalDatasets []train.Dataset, batchNormAveragesDS train.Dataset) ([]Point, error) {
	if batchNormAveragesDS != nil {
		if _, err := batchnorm.UpdateAverages(loop.Trainer, batchNormAveragesDS); err != nil {
			return nil, errors.WithMessage(err, "updating batch normalization averages before evaluation")
		}
	}
	step := float64(loop.Trainer.GlobalStep())
	var points []Point
	for ii, desc := range loop.Trainer.TrainMetrics() {
		if desc.Name() == "Batch Loss" || ii >= len(trainMetrics) {
			continue
		}
		value := scalarToFloat64(trainMetrics[ii])
		if math.IsNaN(value) || math.IsInf(value, 0) {
			continue
		}
		points = append(points, Point{
			MetricName: "Train: " + desc.Name(),
			Short:      "T/" + desc.ShortName(),
			MetricType: desc.MetricType(),
			Step:       step,
			Value:      value,
		})
	}

	for _, ds := range evalDatasets {
		evalMetrics, err := loop.Trainer.Eval(ds)
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluating on %q", ds.Name())
		}
		dsShort := ds.Name()
		if sn, ok := ds.(train.HasShortName); ok {
			dsShort = sn.ShortName()
		}
		for ii, desc := range loop.Trainer.EvalMetrics() {
			value := scalarToFloat64(evalMetrics[ii])
			if math.IsNaN(value) || math.IsInf(value, 0) {
				continue
			}
			points = append(points, Point{
				MetricName: fmt.Sprintf("%s on %s", desc.Name(), ds.Name()),
				Short:      fmt.Sprintf("%s(%s)", desc.ShortName(), dsShort),
				MetricType: desc.MetricType(),
				Step:       step,
				Value:      value,
			})
		}
	}
	return points, nil
}
