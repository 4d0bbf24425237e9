// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

var (
	// PNGWidth and PNGHeight are the dimensions of the images generated by SavePNG.
	PNGWidth, PNGHeight = 8 * vg.Inch, 5 * vg.Inch
)

// PlotForMetricType creates a gonum plot with one line per metric of the given type.
// It returns an error if there are no points for the metric type.
func (points Points) PlotForMetricType(metricType string) (*plot.Plot, error) {
	steps := points.Steps()
	lines := make(map[string]plotter.XYs)
	var names []string
	allPositive := true
	for _, step := range steps {
		for _, pt := range points[step] {
			if pt.MetricType != metricType {
				continue
			}
			if _, found := lines[pt.MetricName]; !found {
				names = append(names, pt.MetricName)
			}
			lines[pt.MetricName] = append(lines[pt.MetricName], plotter.XY{X: pt.Step, Y: pt.Value})
			allPositive = allPositive && pt.Step > 0
		}
	}
	if len(names) == 0 {
		return nil, errors.Errorf("no points for metric type %q", metricType)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Training curves: %s", metricType)
	p.X.Label.Text = "Global step"
	p.Y.Label.Text = metricType
	if allPositive {
		// Points are collected at exponentially increasing steps.
		p.X.Scale = plot.LogScale{}
		p.X.Tick.Marker = plot.LogTicks{Prec: -1}
	}
	p.Legend.Top = true
	p.Add(plotter.NewGrid())
	for ii, name := range names {
		line, err := plotter.NewLine(lines[name])
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create line for metric %q", name)
		}
		line.Color = plotutil.Color(ii)
		line.Dashes = plotutil.Dashes(ii)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	return p, nil
}

// SavePNG renders one image per metric type into dir, named TrainingPlotImagePrefix + metricType + ".png".
// It returns the paths of the files written.
func (points Points) SavePNG(dir string) ([]string, error) {
	var paths []string
	for _, metricType := range points.MetricTypes() {
		p, err := points.PlotForMetricType(metricType)
		if err != nil {
			return paths, err
		}
		filePath := filepath.Join(dir, TrainingPlotImagePrefix+metricType+".png")
		if err = p.Save(PNGWidth, PNGHeight, filePath); err != nil {
			return paths, errors.Wrapf(err, "failed to save training curves to %q", filePath)
		}
		paths = append(paths, filePath)
	}
	return paths, nil
}
