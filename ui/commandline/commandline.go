// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/komfkore/AdThMix/pkg/ml/train"
)

// ReportValidation writes a table with the results of a validation pass to w.
func ReportValidation(w io.Writer, name string, result *train.ValidationResult) error {
	if result == nil {
		_, err := fmt.Fprintf(w, "Results on %s: no validation was run\n", name)
		return err
	}
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		}).
		Headers("Metric", "Value").
		Row("Examples", humanize.Comma(int64(result.NumExamples))).
		Row("Batches", humanize.Comma(int64(result.NumBatches))).
		Row("Top-1 accuracy", fmt.Sprintf("%.2f%%", result.Top1)).
		Row("Top-5 accuracy", fmt.Sprintf("%.2f%%", result.Top5)).
		Row("Correct (top-1)", humanize.Comma(int64(result.NumCorrect))).
		Row("Confidence avg", fmt.Sprintf("%.4f", result.ConfidenceAvg)).
		Row("Confidence min", fmt.Sprintf("%.4f", result.ConfidenceMin)).
		Row("Confidence median", fmt.Sprintf("%.4f", result.ConfidenceMedian))
	_, err := fmt.Fprintf(w, "Results on %s:\n%s\n", name, table.String())
	return err
}

var reDuration = regexp.MustCompile(`^(\d+\.?\d*)([µa-z]+)$`)

// FormatDuration pretty prints duration without a long list of decimal points.
func FormatDuration(d time.Duration) string {
	s := d.String()
	matches := reDuration.FindStringSubmatch(s)
	if len(matches) != 3 {
		return s
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", num, matches[2])
}
