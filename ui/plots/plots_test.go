package plots

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPoints() []Point {
	var points []Point
	for _, step := range []float64{10, 20, 40} {
		points = append(points,
			Point{MetricName: "Train: Moving Average PSNR", Short: "T/~PSNR", MetricType: "psnr", Step: step, Value: 20 + step/10},
			Point{MetricName: "Train: Moving Average Loss", Short: "T/~Loss", MetricType: "loss", Step: step, Value: 1 / step},
		)
	}
	points = append(points, Point{MetricName: "Mean PSNR on Valid", Short: "PSNR(Valid)", MetricType: "psnr", Step: 40, Value: 23.5})
	return points
}

func TestPointsFile(t *testing.T) {
	dir := t.TempDir()
	loaded, err := LoadPointsFromCheckpoint(dir)
	require.NoError(t, err, "missing file is not an error")
	require.Empty(t, loaded)

	filePath := filepath.Join(dir, TrainingPlotFileName)
	points := testPoints()
	require.NoError(t, AppendPoints(filePath, points[:3]...))
	require.NoError(t, AppendPoints(filePath, points[3:]...))
	loaded, err = LoadPointsFromCheckpoint(dir)
	require.NoError(t, err)
	assert.Equal(t, points, loaded)

	require.NoError(t, os.WriteFile(filePath, []byte("{not json"), 0644))
	_, err = LoadPoints(filePath)
	require.Error(t, err)
}

func TestPoints(t *testing.T) {
	points := NewPoints(testPoints())
	assert.Equal(t, []float64{10, 20, 40}, points.Steps())
	assert.Equal(t, []string{"loss", "psnr"}, points.MetricTypes())
	assert.Equal(t, []string{"Train: Moving Average Loss", "Mean PSNR on Valid", "Train: Moving Average PSNR"},
		points.MetricsNames())
	assert.Len(t, points.Extract(), 7)
	assert.Equal(t, 10.0, points.Extract()[0].Step)

	table := points.TableForMetrics("Mean PSNR on Valid")
	assert.Contains(t, table, "23.5000")
	assert.NotContains(t, table, "Moving Average")
	full := points.String()
	for _, name := range points.MetricsNames() {
		assert.True(t, strings.Contains(full, name), "missing column %q", name)
	}
}

func TestSavePNG(t *testing.T) {
	dir := t.TempDir()
	points := NewPoints(testPoints())
	paths, err := points.SavePNG(dir)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, TrainingPlotImagePrefix+"loss.png"),
		filepath.Join(dir, TrainingPlotImagePrefix+"psnr.png"),
	}, paths)
	for _, p := range paths {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}

	_, err = points.PlotForMetricType("accuracy")
	require.Error(t, err)
}

func TestCollectorOutputDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, AppendPoints(filepath.Join(dir, TrainingPlotFileName), testPoints()...))
	c, err := New().WithOutputDir(dir)
	require.NoError(t, err)
	assert.Len(t, c.Points().Extract(), 7)
	c.AddPoint(Point{MetricName: "x", MetricType: "loss", Step: 80, Value: 0.1})
	assert.Len(t, c.Points().Steps(), 4)

	c, err = New().WithCheckpoint(nil)
	require.NoError(t, err)
	assert.Empty(t, c.Points())
}
