// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots collects the training curves (metrics over the training steps) of a model, saves them
// along the checkpoint and renders them as PNG images and terminal tables.
package plots

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

const (
	// TrainingPlotFileName is the file name within a checkpoint directory where the points collected
	// during training are stored, one JSON object per line.
	TrainingPlotFileName = "training_curves.json"

	// TrainingPlotImagePrefix is the prefix of the PNG files (one per metric type) with the training curves.
	TrainingPlotImagePrefix = "training_curves_"
)

// Point is one measurement of a metric during training.
type Point struct {
	// MetricName of this point, including the dataset it was measured on.
	MetricName string

	// Short name of the metric, used in narrow displays.
	Short string

	// MetricType, e.g.: "loss" or "psnr". Metrics of the same type are drawn together.
	MetricType string

	// Step is the global step where the metric was measured.
	Step float64

	// Value of the metric.
	Value float64
}

// LoadPoints reads the points saved in filePath. A missing file returns no points and no error.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read training curves file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode training curves file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// LoadPointsFromCheckpoint reads the points saved in the checkpoint directory, see TrainingPlotFileName.
func LoadPointsFromCheckpoint(checkpointDir string) ([]Point, error) {
	return LoadPoints(filepath.Join(checkpointDir, TrainingPlotFileName))
}

// AppendPoints appends the points to filePath, creating it if needed.
func AppendPoints(filePath string, points ...Point) error {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return errors.Wrapf(err, "failed to open training curves file %q for append", filePath)
	}
	enc := json.NewEncoder(f)
	for _, point := range points {
		if err = enc.Encode(point); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to encode point %+v to %q", point, filePath)
		}
	}
	return errors.Wrapf(f.Close(), "failed to close training curves file %q", filePath)
}

// scalarToFloat64 converts a scalar metric tensor to float64. It returns NaN for unsupported dtypes.
func scalarToFloat64(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	}
	return math.NaN()
}

// Points is a collection of Point organized by their Step.
type Points map[float64][]Point

// NewPoints creates a Points from individual points.
func NewPoints(rawPoints []Point) Points {
	points := make(Points)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Steps returns the steps with points, sorted.
func (points Points) Steps() []float64 {
	steps := make([]float64, 0, len(points))
	for step := range points {
		steps = append(steps, step)
	}
	slices.Sort(steps)
	return steps
}

// Extract returns the individual points, sorted by step.
func (points Points) Extract() []Point {
	var rawPoints []Point
	for _, step := range points.Steps() {
		rawPoints = append(rawPoints, points[step]...)
	}
	return rawPoints
}

// MetricsNames returns the names of the metrics in the collection, sorted by their type and then by name.
func (points Points) MetricsNames() []string {
	nameToType := make(map[string]string)
	for _, stepPoints := range points {
		for _, p := range stepPoints {
			nameToType[p.MetricName] = p.MetricType
		}
	}
	names := make([]string, 0, len(nameToType))
	for name := range nameToType {
		names = append(names, name)
	}
	slices.Sort(names)
	sort.SliceStable(names, func(i, j int) bool {
		return nameToType[names[i]] < nameToType[names[j]]
	})
	return names
}

// MetricTypes returns the metric types in the collection, sorted.
func (points Points) MetricTypes() []string {
	var types []string
	for _, stepPoints := range points {
		for _, p := range stepPoints {
			if !slices.Contains(types, p.MetricType) {
				types = append(types, p.MetricType)
			}
		}
	}
	slices.Sort(types)
	return types
}

// TableForMetrics returns a table with the step in the first column followed by one column per metric.
// If metrics is empty, all metrics are included.
func (points Points) TableForMetrics(metrics ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 {
				return headerStyle
			}
			return cellStyle
		})
	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	table.Headers(append([]string{"Step"}, metrics...)...)
	for _, step := range points.Steps() {
		row := make([]string, 1+len(metrics))
		row[0] = fmt.Sprintf("%.0f", step)
		for _, pt := range points[step] {
			if idx := slices.Index(metrics, pt.MetricName); idx != -1 {
				row[idx+1] = fmt.Sprintf("%.4f", pt.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

// String implements fmt.Stringer.
func (points Points) String() string {
	return points.TableForMetrics()
}
