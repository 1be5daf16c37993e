// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds the running accumulators and the accuracy scorers used during training and validation.
//
// Accumulators are plain Go values updated once per processed batch: they keep the last value seen, the weighted
// sum, the total weight and the weighted average of everything since the last Reset.
//
// Scorers work on a batch of labels and a [batchSize, numClasses] matrix of probabilities (or logits), and
// return fractions in [0, 1]. Pretty printing converts accuracies to percentages.
package metrics

import (
	"fmt"
	"math"
)

// Metric types used by the accumulators. They are used to group metrics in plots and reports.
const (
	LossMetricType     = "loss"
	AccuracyMetricType = "accuracy"
	FractionMetricType = "fraction"
	WeightMetricType   = "weight"
)

// Interface of the metrics tracked by the training loop.
type Interface interface {
	// Name of the metric.
	Name() string

	// ShortName is a shortened version of the name (preferably a few letters) to display in progress bars or
	// similar UIs.
	ShortName() string

	// MetricType is used to aggregate metrics of the same type in plots. Eg: "accuracy" or "loss".
	MetricType() string

	// Reset the metric to its initial state.
	Reset()

	// PrettyPrint the current aggregated value of the metric.
	PrettyPrint() string
}

// Accumulator keeps a running weighted average of a metric.
//
// Average is undefined (it reads 0) before the first Update.
type Accumulator struct {
	name, shortName, metricType string

	// Value is the last value given to Update.
	Value float64

	// Sum is the sum of value*weight of all updates since the last Reset.
	Sum float64

	// Count is the sum of weights of all updates since the last Reset.
	Count float64

	// Average is Sum/Count.
	Average float64
}

var _ Interface = (*Accumulator)(nil)

// NewAccumulator creates a zeroed Accumulator.
func NewAccumulator(name, shortName, metricType string) *Accumulator {
	return &Accumulator{name: name, shortName: shortName, metricType: metricType}
}

// NewLossAccumulator creates an Accumulator for a loss.
func NewLossAccumulator(name, shortName string) *Accumulator {
	return NewAccumulator(name, shortName, LossMetricType)
}

// NewAccuracyAccumulator creates an Accumulator for an accuracy, given as a fraction.
func NewAccuracyAccumulator(name, shortName string) *Accumulator {
	return NewAccumulator(name, shortName, AccuracyMetricType)
}

// Name implements Interface.
func (a *Accumulator) Name() string { return a.name }

// ShortName implements Interface.
func (a *Accumulator) ShortName() string { return a.shortName }

// MetricType implements Interface.
func (a *Accumulator) MetricType() string { return a.metricType }

// Reset implements Interface, and zeroes all statistics.
func (a *Accumulator) Reset() {
	a.Value, a.Sum, a.Count, a.Average = 0, 0, 0, 0
}

// Update records value with the given weight (typically the number of examples it represents).
func (a *Accumulator) Update(value, weight float64) {
	a.Value = value
	a.Sum += value * weight
	a.Count += weight
	if a.Count != 0 {
		a.Average = a.Sum / a.Count
	}
}

// Add is Update with weight 1.
func (a *Accumulator) Add(value float64) {
	a.Update(value, 1)
}

// PrettyPrint implements Interface. Accuracies and fractions are printed as percentages.
func (a *Accumulator) PrettyPrint() string {
	return PrettyPrint(a.metricType, a.Average)
}

// String shows the last value and the running average.
func (a *Accumulator) String() string {
	return fmt.Sprintf("%s=%s(%s)", a.shortName, PrettyPrint(a.metricType, a.Value), a.PrettyPrint())
}

// PrettyPrint formats value according to the metric type.
func PrettyPrint(metricType string, value float64) string {
	switch metricType {
	case AccuracyMetricType, FractionMetricType:
		return accuracyPPrint(value)
	case LossMetricType:
		if math.Abs(value) >= 1e4 {
			return fmt.Sprintf("%.3g", value)
		}
		return fmt.Sprintf("%.4f", value)
	default:
		return fmt.Sprintf("%.3g", value)
	}
}

func accuracyPPrint(value float64) string {
	return fmt.Sprintf("%.2f%%", value*100.0)
}
