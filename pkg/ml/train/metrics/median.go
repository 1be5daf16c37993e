// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math/rand/v2"
	"slices"
)

// StreamingMedian keeps an approximate median of a stream of values, using reservoir sampling once more than
// maxNumSamples values have been seen.
type StreamingMedian struct {
	name, shortName, metricType string
	maxNumSamples, samplesSeen  int
	samples                     []float64
	rng                         *rand.Rand
}

var _ Interface = (*StreamingMedian)(nil)

// NewStreamingMedian creates a streaming median with a default reservoir of 10,001 samples.
//
// rng is used to choose which samples to keep once the reservoir is full. If nil, a randomly seeded one is used.
func NewStreamingMedian(name, shortName, metricType string, rng *rand.Rand) *StreamingMedian {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &StreamingMedian{
		name:          name,
		shortName:     shortName,
		metricType:    metricType,
		maxNumSamples: 10_001,
		rng:           rng,
	}
}

// WithSampleSize configures the number of samples to keep to estimate the median.
func (m *StreamingMedian) WithSampleSize(n int) *StreamingMedian {
	m.maxNumSamples = n
	return m
}

// Name implements Interface.
func (m *StreamingMedian) Name() string { return m.name }

// ShortName implements Interface.
func (m *StreamingMedian) ShortName() string { return m.shortName }

// MetricType implements Interface.
func (m *StreamingMedian) MetricType() string { return m.metricType }

// Reset implements Interface.
func (m *StreamingMedian) Reset() {
	m.samples = m.samples[:0]
	m.samplesSeen = 0
}

// Update consumes the given values.
func (m *StreamingMedian) Update(values ...float64) {
	for _, x := range values {
		m.samplesSeen++
		if len(m.samples) < m.maxNumSamples {
			m.samples = append(m.samples, x)
			continue
		}
		if m.rng.Float64() >= float64(m.maxNumSamples)/float64(m.samplesSeen) {
			continue
		}
		m.samples[m.rng.IntN(m.maxNumSamples)] = x
	}
}

// Len returns the number of values seen since the last Reset.
func (m *StreamingMedian) Len() int { return m.samplesSeen }

// Median returns the current estimate of the median, or 0 if no value was seen.
func (m *StreamingMedian) Median() float64 {
	if len(m.samples) == 0 {
		return 0
	}
	sorted := slices.Clone(m.samples)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

// PrettyPrint implements Interface.
func (m *StreamingMedian) PrettyPrint() string {
	return PrettyPrint(m.metricType, m.Median())
}
