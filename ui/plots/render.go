// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"fmt"
	"image/color"
	"io"
	"os"
	"path"

	mg "github.com/erkkah/margaid"
	"github.com/komfkore/AdThMix/internal/xslices"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Default plot dimensions.
const (
	DefaultWidth  = 1024
	DefaultHeight = 400
)

// series splits the points of one metric type by metric name, sorted by step.
func (points Points) series() (names []string, xs, ys map[string][]float64) {
	xs, ys = make(map[string][]float64), make(map[string][]float64)
	points.Map(func(p *Point) {
		xs[p.MetricName] = append(xs[p.MetricName], p.Step)
		ys[p.MetricName] = append(ys[p.MetricName], p.Value)
	})
	names = xslices.SortedKeys(xs)
	return
}

// RenderSVG renders one SVG diagram with all the points of the given metric type to w, using margaid.
func (points Points) RenderSVG(w io.Writer, metricType string, width, height int) error {
	typed := points.ByMetricType()[metricType]
	if len(typed) == 0 {
		return errors.Errorf("RenderSVG(%q): no points of this metric type", metricType)
	}
	names, xs, ys := typed.series()
	allPoints := mg.NewSeries()
	allSeries := make([]*mg.Series, 0, len(names))
	for _, name := range names {
		s := mg.NewSeries(mg.Titled(name))
		for ii, x := range xs[name] {
			value := mg.MakeValue(x, ys[name][ii])
			s.Add(value)
			allPoints.Add(value)
		}
		allSeries = append(allSeries, s)
	}
	diagram := mg.New(width, height,
		mg.WithAutorange(mg.XAxis, allSeries...),
		mg.WithProjection(mg.XAxis, mg.Lin),
		mg.WithAutorange(mg.YAxis, allSeries...),
		mg.WithProjection(mg.YAxis, mg.Lin),
		mg.WithInset(70),
		mg.WithPadding(2),
		mg.WithColorScheme(90),
		mg.WithBackgroundColor("#f8f8f8"),
	)
	for _, s := range allSeries {
		diagram.Line(s, mg.UsingAxes(mg.XAxis, mg.YAxis), mg.UsingMarker("square"), mg.UsingStrokeWidth(2))
	}
	diagram.Axis(allPoints, mg.XAxis, diagram.ValueTicker('f', 1, 10), false, "Epoch")
	diagram.Axis(allPoints, mg.YAxis, diagram.ValueTicker('f', 3, 10), true, metricType)
	diagram.Frame()
	diagram.Title(fmt.Sprintf("%s metrics", metricType))
	diagram.Legend(mg.BottomLeft)
	return errors.Wrapf(diagram.Render(w), "failed to render plot for %q", metricType)
}

// SavePNG renders one PNG image with all the points of the given metric type to filePath, using gonum/plot.
func (points Points) SavePNG(filePath, metricType string, width, height vg.Length) error {
	typed := points.ByMetricType()[metricType]
	if len(typed) == 0 {
		return errors.Errorf("SavePNG(%q): no points of this metric type", metricType)
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s metrics", metricType)
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = metricType
	p.Add(plotter.NewGrid())
	p.Legend.Top = true

	names, xs, ys := typed.series()
	for ii, name := range names {
		xys := make(plotter.XYs, len(xs[name]))
		for jj := range xys {
			xys[jj].X, xys[jj].Y = xs[name][jj], ys[name][jj]
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "SavePNG(%q): metric %q", metricType, name)
		}
		line.Color = plotutil.Color(ii)
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	yMin, yMax := xslices.MinMax(allValues(ys))
	if yMin == yMax {
		yMin, yMax = yMin-1, yMax+1
	}
	p.Y.Min, p.Y.Max = yMin, yMax
	p.BackgroundColor = color.RGBA{R: 0xf8, G: 0xf8, B: 0xf8, A: 0xff}
	return errors.Wrapf(p.Save(width, height, filePath), "SavePNG(%q): saving to %q", metricType, filePath)
}

func allValues(ys map[string][]float64) []float64 {
	var values []float64
	for _, name := range xslices.SortedKeys(ys) {
		values = append(values, ys[name]...)
	}
	return values
}

// RenderAll writes one SVG and one PNG per metric type into dir, named "<metric_type>.svg" and "<metric_type>.png".
// It returns the paths of the files written.
func (points Points) RenderAll(dir string) ([]string, error) {
	var files []string
	for _, metricType := range xslices.SortedKeys(points.ByMetricType()) {
		svgPath := path.Join(dir, metricType+".svg")
		f, err := os.Create(svgPath)
		if err != nil {
			return files, errors.Wrapf(err, "creating %q", svgPath)
		}
		err = points.RenderSVG(f, metricType, DefaultWidth, DefaultHeight)
		closeErr := f.Close()
		if err != nil {
			return files, err
		}
		if closeErr != nil {
			return files, errors.Wrapf(closeErr, "closing %q", svgPath)
		}
		files = append(files, svgPath)

		pngPath := path.Join(dir, metricType+".png")
		if err = points.SavePNG(pngPath, metricType, 12*vg.Inch, 5*vg.Inch); err != nil {
			return files, err
		}
		files = append(files, pngPath)
	}
	return files, nil
}
