// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// fixed_threshold_checkpoints inspects a checkpoint directory created by fixed_threshold.
//
// Usage:
//
//	fixed_threshold_checkpoints -summary -settings -vars -metrics ~/runs/fixed_threshold
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/komfkore/AdThMix/internal/xslices"
	"github.com/komfkore/AdThMix/pkg/ml/checkpoints"
	"github.com/komfkore/AdThMix/ui/plots"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

var (
	flagCheckpoint = flag.String("name", "",
		"Name of the checkpoint to inspect with -settings and -vars. Defaults to the \"_best\" one, if present.")
	flagSummary  = flag.Bool("summary", true, "Display a summary of every checkpoint in the directory.")
	flagSettings = flag.Bool("settings", false, "Lists the settings (hyperparameters) of the checkpoint.")
	flagVars     = flag.Bool("vars", false, "Lists the variables of the checkpoint with their statistics.")
	flagMetrics  = flag.Bool("metrics", false,
		fmt.Sprintf("Lists the metrics collected for plotting in file %q", plots.TrainingPlotFileName))
	flagMetricsNames = flag.String("metrics_names", "", "Comma-separate list of metric names to include in metrics report.")
	flagMetricsTypes = flag.String("metrics_types", "", "Comma-separate list of metric types to include in metrics report.")
	flagRender       = flag.Bool("render", false, "Render the collected metrics as SVG and PNG files in the directory.")
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one checkpoint directory to read from, got %d. See 'fixed_threshold_checkpoints -help'",
			len(args))
		os.Exit(1)
	}
	report(args[0])
}

func report(dir string) {
	handler := must.M1(checkpoints.Build(dir).MustExist().Done())
	names := must.M1(handler.List())

	if *flagSummary {
		fmt.Println(titleStyle.Render("Checkpoints"))
		table := newPlainTable(lipgloss.Left, lipgloss.Right)
		table.Headers("Name", "Epoch", "Saved", "# variables", "# parameters", "# bytes", "Format", "Run")
		for _, name := range names {
			metadata := must.M1(handler.ReadMetadata(name))
			var numParams, numBytes int
			for _, v := range metadata.Variables {
				numParams += v.Size()
				numBytes += v.Length
			}
			table.Row(name, fmt.Sprintf("%d", metadata.Epoch), humanize.Time(metadata.Time),
				humanize.Comma(int64(len(metadata.Variables))), humanize.Comma(int64(numParams)),
				humanize.Bytes(uint64(numBytes)), metadata.BinFormat, shortRunID(metadata.RunID))
		}
		fmt.Println(table.Render())
	}

	if *flagSettings || *flagVars {
		name := selectCheckpoint(names)
		checkpoint := must.M1(handler.Read(name))
		if *flagSettings {
			fmt.Println(titleStyle.Render(fmt.Sprintf("Settings of %q", name)))
			table := newPlainTable(lipgloss.Right, lipgloss.Left)
			table.Headers("Name", "Type", "Value")
			for _, setting := range checkpoint.Settings {
				table.Row(setting.Key, setting.ValueType, fmt.Sprintf("%v", setting.Value))
			}
			fmt.Println(table.Render())
		}
		if *flagVars {
			fmt.Println(titleStyle.Render(fmt.Sprintf("Variables of %q", name)))
			table := newPlainTable(lipgloss.Left, lipgloss.Right)
			table.Headers("Name", "Shape", "DType", "Size", "Bytes", "Mean", "StdDev", "Min", "Max")
			for _, v := range checkpoint.Variables {
				values := checkpoint.Values[v.Name].RawMatrix().Data
				mean, stddev := stat.MeanStdDev(values, nil)
				minValue, maxValue := xslices.MinMax(values)
				shape := strings.Join(xslices.Map(v.Dimensions, func(dim int) string { return fmt.Sprintf("%d", dim) }), "x")
				table.Row(v.Name, shape, v.DType, humanize.Comma(int64(v.Size())), humanize.Bytes(uint64(v.Length)),
					fmt.Sprintf("%.4g", mean), fmt.Sprintf("%.4g", stddev),
					fmt.Sprintf("%.4g", minValue), fmt.Sprintf("%.4g", maxValue))
			}
			fmt.Println(table.Render())
		}
	}

	if *flagMetrics || *flagRender {
		points := plots.NewPoints(must.M1(plots.LoadPointsFromDir(handler.Dir())))
		if *flagMetricsTypes != "" {
			types := strings.Split(*flagMetricsTypes, ",")
			points.Filter(func(p plots.Point) bool { return slices.Contains(types, p.MetricType) })
		}
		var metricsNames []string
		if *flagMetricsNames != "" {
			metricsNames = strings.Split(*flagMetricsNames, ",")
			points.Filter(func(p plots.Point) bool { return slices.Contains(metricsNames, p.MetricName) })
		}
		if *flagMetrics {
			fmt.Println(titleStyle.Render("Metrics"))
			fmt.Println(points.TableForMetrics(metricsNames...))
		}
		if *flagRender {
			for _, file := range must.M1(points.RenderAll(handler.Dir())) {
				fmt.Printf("Rendered %s\n", file)
			}
		}
	}
}

// selectCheckpoint returns the checkpoint selected with -name, or the best one, or the last one listed.
func selectCheckpoint(names []string) string {
	if len(names) == 0 {
		klog.Fatalf("No checkpoints found")
	}
	if *flagCheckpoint != "" {
		if !slices.Contains(names, *flagCheckpoint) {
			klog.Fatalf("Checkpoint %q not found, available checkpoints: %q", *flagCheckpoint, names)
		}
		return *flagCheckpoint
	}
	for _, name := range names {
		if strings.HasSuffix(name, "_best") {
			return name
		}
	}
	return names[len(names)-1]
}

func shortRunID(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}
