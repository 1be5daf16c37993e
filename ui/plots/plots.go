// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots records the metrics reported during training as plot points, and renders them.
//
// A Recorder is a train.Reporter that appends every reported metric to a JSON-lines file, asynchronously.
// The points can later be loaded with LoadPoints and rendered with RenderSVG (margaid) or SavePNG (gonum/plot).
package plots

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/komfkore/AdThMix/internal/fsutil"
	"github.com/komfkore/AdThMix/internal/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TrainingPlotFileName is the default file name within a checkpoint directory to store
// plot points collected during training.
const TrainingPlotFileName = "training_plot_points.json"

// Metric types, used to group metrics in the same plot.
const (
	MetricTypeLoss       = "loss"
	MetricTypeAccuracy   = "accuracy"
	MetricTypeConfidence = "confidence"
	MetricTypeFraction   = "fraction"
)

// Point represents a training plot point. It is used to save/load plots.
type Point struct {
	// MetricName of this point.
	MetricName string

	// Short name
	Short string

	// MetricType is one of MetricTypeLoss, MetricTypeAccuracy, MetricTypeConfidence or MetricTypeFraction.
	// It's used in plotting to aggregate similar metric types in the same plot.
	MetricType string

	// Step is the fractional epoch this metric was measured at.
	Step float64

	// Value is the metric captured.
	Value float64
}

// metricDescriptions of the metrics reported by the training loop: short name and type.
var metricDescriptions = map[string][2]string{
	"losses_x":             {"Lx", MetricTypeLoss},
	"losses_un":            {"Lu", MetricTypeLoss},
	"train_loss":           {"L", MetricTypeLoss},
	"train_acc_top1":       {"T/top1", MetricTypeAccuracy},
	"train_acc_top5":       {"T/top5", MetricTypeAccuracy},
	"val_acc_top1":         {"V/top1", MetricTypeAccuracy},
	"val_acc_top5":         {"V/top5", MetricTypeAccuracy},
	"train_confidence_avg": {"T/conf", MetricTypeConfidence},
	"train_confidence_min": {"T/cmin", MetricTypeConfidence},
	"valid_confidence_avg": {"V/conf", MetricTypeConfidence},
	"valid_confidence_min": {"V/cmin", MetricTypeConfidence},
	"good_unlabeled":       {"good", MetricTypeFraction},
}

// NewPoint creates a point for a reported metric, filling its short name and type.
// Unknown metrics use their own name as short name and the type is guessed from the name.
func NewPoint(name string, value, step float64) Point {
	p := Point{MetricName: name, Short: name, Step: step, Value: value}
	if desc, found := metricDescriptions[name]; found {
		p.Short, p.MetricType = desc[0], desc[1]
		return p
	}
	switch {
	case strings.Contains(name, "loss"):
		p.MetricType = MetricTypeLoss
	case strings.Contains(name, "acc"):
		p.MetricType = MetricTypeAccuracy
	case strings.Contains(name, "confidence"):
		p.MetricType = MetricTypeConfidence
	default:
		p.MetricType = MetricTypeFraction
	}
	return p
}

// LoadPointsFromDir loads all plot points saved during training in file TrainingPlotFileName of dir.
func LoadPointsFromDir(dir string) ([]Point, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	return LoadPoints(path.Join(dir, TrainingPlotFileName))
}

// LoadPoints parses all plot points saved in the given file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read Plots file %q", filePath)
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
			return nil, errors.Wrapf(err, "error while decoding plots file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// CreatePointsWriter creates a channel to write Point to the given file.
// It creates an errReport channel to report an error (or nil) back at the very end.
// If any error occurs, it stops writing, and will report the error back once pointWriter is closed.
func CreatePointsWriter(filePath string) (pointWriter chan<- Point, errReport <-chan error) {
	pointChan := make(chan Point, 100)
	pointWriter = pointChan
	errChan := make(chan error, 1)
	errReport = errChan
	go func() {
		// Create/append file with upcoming metrics.
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
		if err != nil {
			err = errors.Wrapf(err, "failed to open Plots file %q for append", filePath)
			klog.Errorf("Error: %v", err)
		}
		enc := json.NewEncoder(f)
		for point := range pointChan {
			if err == nil {
				err = enc.Encode(point)
				if err != nil {
					err = errors.Wrapf(err, "failed to encode point %v", point)
					klog.Errorf("Error: %v", err)
				}
			}
		}
		if f != nil {
			if err == nil {
				err = f.Close()
			} else {
				_ = f.Close()
			}
		}
		errChan <- err
	}()
	return
}

// Recorder implements train.Reporter by writing each reported metric as a Point to a file, asynchronously.
// It also keeps the points in memory. Call Close when training is over.
type Recorder struct {
	filePath string

	mu        sync.Mutex
	points    []Point
	writer    chan<- Point
	errReport <-chan error
	closed    bool
}

// NewRecorder creates a Recorder appending points to TrainingPlotFileName in dir.
// The directory must exist.
func NewRecorder(dir string) (*Recorder, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	exists, err := fsutil.FileExists(dir)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Errorf("plots.NewRecorder(%q): directory doesn't exist", dir)
	}
	r := &Recorder{filePath: path.Join(dir, TrainingPlotFileName)}
	r.writer, r.errReport = CreatePointsWriter(r.filePath)
	return r, nil
}

// FilePath where the points are written.
func (r *Recorder) FilePath() string { return r.filePath }

// Report implements train.Reporter.
func (r *Recorder) Report(name string, value, step float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.Errorf("plots.Recorder.Report(%q): recorder already closed", name)
	}
	point := NewPoint(name, value, step)
	r.points = append(r.points, point)
	r.writer <- point
	return nil
}

// Points returns a copy of the points recorded so far.
func (r *Recorder) Points() []Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.points)
}

// Close flushes the pending points and closes the file. It returns any error that happened while writing.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.writer)
	r.mu.Unlock()
	return <-r.errReport
}

// Points is a collection of Point objects organized by their Step value.
// It's a `map[float64][]Point` with several utility methods.
type Points map[float64][]Point

// NewPoints create a Points object from a collection of individual `Point`.
func NewPoints(rawPoints []Point) (points Points) {
	points = make(map[float64][]Point)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Map executes the given function on all individual points, in `Step` order.
func (points Points) Map(fn func(p *Point)) {
	for _, step := range xslices.SortedKeys(points) {
		stepPoints := points[step]
		for ii := range stepPoints {
			fn(&stepPoints[ii])
		}
	}
}

// Filter only keeps those points for which `fn` returns true, removing the other ones.
func (points Points) Filter(fn func(p Point) bool) {
	for _, step := range xslices.SortedKeys(points) {
		stepPoints := points[step]
		newStepPoints := make([]Point, 0, len(stepPoints))
		for _, pt := range stepPoints {
			if fn(pt) {
				newStepPoints = append(newStepPoints, pt)
			}
		}
		if len(newStepPoints) == 0 {
			delete(points, step)
		} else {
			points[step] = newStepPoints
		}
	}
}

// Extract converts the Points structure back to a list of individual points, sorted by Point.Step.
func (points Points) Extract() (rawPoints []Point) {
	points.Map(func(p *Point) {
		rawPoints = append(rawPoints, *p)
	})
	return
}

// ByMetricType splits the points by their metric type.
func (points Points) ByMetricType() map[string]Points {
	byType := make(map[string]Points)
	points.Map(func(p *Point) {
		typed, found := byType[p.MetricType]
		if !found {
			typed = make(Points)
			byType[p.MetricType] = typed
		}
		typed[p.Step] = append(typed[p.Step], *p)
	})
	return byType
}

// MetricsNames return the list of metrics names in the whole collection, sorted alphabetically by their type and
// then by their name.
func (points Points) MetricsNames() []string {
	nameToType := make(map[string]string)
	points.Map(func(p *Point) {
		nameToType[p.MetricName] = p.MetricType
	})
	names := xslices.SortedKeys(nameToType)
	sort.SliceStable(names, func(i, j int) bool {
		return nameToType[names[i]] < nameToType[names[j]]
	})
	return names
}

// TableForMetrics returns a table with the first column being the `Step` followed
// by the columns given by the `metrics` names.
// If `metrics` is empty, it will include all metrics in the table.
func (points Points) TableForMetrics(metrics ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	headers := []string{"Epoch"}
	headers = append(headers, metrics...)
	table.Headers(headers...)

	for _, step := range xslices.SortedKeys(points) {
		row := make([]string, 1+len(metrics))
		row[0] = fmt.Sprintf("%.2f", step)
		for _, pt := range points[step] {
			idx := slices.Index(metrics, pt.MetricName)
			if idx != -1 {
				row[idx+1] = fmt.Sprintf("%.4f", pt.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}
