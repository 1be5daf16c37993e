// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	dir := t.TempDir()
	recorder, err := NewRecorder(dir)
	require.NoError(t, err)
	require.NoError(t, recorder.Report("losses_x", 5.5, 1.0))
	require.NoError(t, recorder.Report("losses_un", 0.5, 1.0))
	require.NoError(t, recorder.Report("losses_x", 4.5, 1.5))
	require.NoError(t, recorder.Report("val_acc_top1", 12.5, 1))
	require.NoError(t, recorder.Report("custom_accuracy", 0.5, 1))
	assert.Len(t, recorder.Points(), 5)
	require.NoError(t, recorder.Close())
	require.NoError(t, recorder.Close())
	require.Error(t, recorder.Report("losses_x", 1, 2))

	loaded, err := LoadPointsFromDir(dir)
	require.NoError(t, err)
	require.Len(t, loaded, 5)
	assert.Equal(t, Point{MetricName: "losses_x", Short: "Lx", MetricType: MetricTypeLoss, Step: 1, Value: 5.5}, loaded[0])
	assert.Equal(t, MetricTypeAccuracy, loaded[4].MetricType)

	points := NewPoints(loaded)
	assert.Equal(t, []string{"custom_accuracy", "val_acc_top1", "losses_un", "losses_x"}, points.MetricsNames())
	assert.Len(t, points.Extract(), 5)
	table := points.TableForMetrics("losses_x")
	assert.Contains(t, table, "4.5000")
	assert.Contains(t, table, "1.50")

	points.Filter(func(p Point) bool { return p.MetricType == MetricTypeLoss })
	assert.Len(t, points.Extract(), 3)
	assert.Len(t, points.ByMetricType(), 1)
}

func TestRender(t *testing.T) {
	points := NewPoints([]Point{
		NewPoint("losses_x", 5, 1), NewPoint("losses_x", 4, 2), NewPoint("losses_un", 1, 1),
		NewPoint("losses_un", 1, 2), NewPoint("val_acc_top1", 10, 1), NewPoint("val_acc_top1", 20, 2),
	})
	var buf bytes.Buffer
	require.NoError(t, points.RenderSVG(&buf, MetricTypeLoss, DefaultWidth, DefaultHeight))
	assert.Contains(t, buf.String(), "<svg")
	require.Error(t, points.RenderSVG(&buf, MetricTypeConfidence, DefaultWidth, DefaultHeight))

	files, err := points.RenderAll(t.TempDir())
	require.NoError(t, err)
	require.Len(t, files, 4)
	for _, file := range files {
		info, err := os.Stat(file)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}
}

func TestPointsStepOrder(t *testing.T) {
	points := NewPoints([]Point{
		NewPoint("losses_x", 3, 3), NewPoint("losses_x", 1, 0.5), NewPoint("losses_x", 2, 2),
		NewPoint("losses_un", 0, 1.25),
	})
	var steps []float64
	points.Map(func(p *Point) { steps = append(steps, p.Step) })
	assert.Equal(t, []float64{0.5, 1.25, 2, 3}, steps)

	points.Filter(func(p Point) bool { return p.Step >= 1 })
	assert.Len(t, points.Extract(), 3)
	table := points.TableForMetrics("losses_x", "losses_un")
	assert.Less(t, strings.Index(table, "1.25"), strings.Index(table, "2.00"))
	assert.Less(t, strings.Index(table, "2.00"), strings.Index(table, "3.00"))
}
