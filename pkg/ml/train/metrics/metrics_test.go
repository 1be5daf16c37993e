// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math/rand/v2"
	"testing"

	"github.com/komfkore/AdThMix/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulator(t *testing.T) {
	acc := NewLossAccumulator("Loss", "~loss")
	for _, v := range []float64{2, 4, 6} {
		acc.Add(v)
	}
	assert.InDelta(t, 4.0, acc.Average, 1e-12)
	assert.Equal(t, 6.0, acc.Value)
	assert.Equal(t, 3.0, acc.Count)

	acc.Reset()
	assert.Zero(t, acc.Sum)
	assert.Zero(t, acc.Count)
	for ii, v := range []float64{2, 4, 6} {
		acc.Update(v, float64(ii+1))
	}
	// (2*1 + 4*2 + 6*3) / 6
	assert.InDelta(t, 28.0/6.0, acc.Average, 1e-12)
	assert.Equal(t, "4.6667", acc.PrettyPrint())

	accuracy := NewAccuracyAccumulator("Accuracy", "acc")
	accuracy.Update(0.5, 10)
	assert.Equal(t, "50.00%", accuracy.PrettyPrint())
	assert.Equal(t, "acc=50.00%(50.00%)", accuracy.String())
}

func TestTopNAccuracy(t *testing.T) {
	const numClasses = 265
	rng := rand.New(rand.NewPCG(42, 0))
	labels := make([]int, 7)
	rows := make([][]float64, len(labels))
	for ii := range rows {
		labels[ii] = rng.IntN(numClasses)
		rows[ii] = make([]float64, numClasses)
		for jj := range rows[ii] {
			rows[ii][jj] = rng.Float64()
		}
	}
	probs := tensors.FromRows(rows)
	assert.Equal(t, 1.0, TopNAccuracy(labels, probs, numClasses))
	assert.Equal(t, len(labels), TopNCorrect(labels, probs, numClasses))

	small := tensors.FromRows([][]float64{
		{0.1, 0.2, 0.3, 0.4},
		{0.4, 0.3, 0.2, 0.1},
	})
	assert.Equal(t, 0.5, TopNAccuracy([]int{3, 3}, small, 1))
	assert.Equal(t, 0.5, TopNAccuracy([]int{2, 3}, small, 2))
	assert.Equal(t, 1.0, TopNAccuracy([]int{2, 1}, small, 2))
	assert.Zero(t, TopNAccuracy(nil, nil, 5))
	require.Panics(t, func() { TopNAccuracy([]int{1}, small, 1) })
}

func TestTop1AccuracyWithConfidence(t *testing.T) {
	c := Top1AccuracyWithConfidenceProbs([]int{2}, tensors.FromRows([][]float64{{0.1, 0.1, 0.5, 0.3}}))
	assert.Equal(t, 1, c.NumCorrect)
	assert.Equal(t, 1.0, c.Accuracy)
	assert.InDelta(t, 0.5, c.Average, 1e-12)
	assert.InDelta(t, 0.5, c.Min, 1e-12)

	probs := tensors.FromRows([][]float64{
		{0.9, 0.1},
		{0.3, 0.7},
		{0.6, 0.4},
		{0.2, 0.8},
	})
	c = Top1AccuracyWithConfidenceProbs([]int{0, 1, 0, 0}, probs)
	assert.Equal(t, 3, c.NumCorrect)
	assert.InDelta(t, 0.75, c.Accuracy, 1e-12)
	assert.InDelta(t, (0.9+0.7+0.6)/3, c.Average, 1e-12)
	assert.InDelta(t, 0.6, c.Min, 1e-12)
	assert.Len(t, c.Values, 3)

	// No correct predictions: confidence statistics are 0.
	c = Top1AccuracyWithConfidenceProbs([]int{1, 0}, tensors.GatherRows(probs, []int{0, 1}))
	assert.Zero(t, c.NumCorrect)
	assert.Zero(t, c.Accuracy)
	assert.Zero(t, c.Average)
	assert.Zero(t, c.Min)

	// Logits are normalized first: uniform logits give 1/numClasses confidence.
	c = Top1AccuracyWithConfidence([]int{0}, tensors.FromRows([][]float64{{3, 3, 3, 3}}))
	assert.Equal(t, 1, c.NumCorrect)
	assert.InDelta(t, 0.25, c.Average, 1e-12)
}

func TestStreamingMedian(t *testing.T) {
	m := NewStreamingMedian("Confidence median", "conf~", FractionMetricType, rand.New(rand.NewPCG(1, 2)))
	assert.Zero(t, m.Median())
	m.Update(0.9, 0.1, 0.5, 0.3, 0.7)
	assert.Equal(t, 0.5, m.Median())
	assert.Equal(t, "50.00%", m.PrettyPrint())

	m.Reset()
	m.WithSampleSize(101)
	for ii := range 10_000 {
		m.Update(float64(ii % 1000))
	}
	assert.Equal(t, 10_000, m.Len())
	assert.InDelta(t, 500, m.Median(), 200)
}
