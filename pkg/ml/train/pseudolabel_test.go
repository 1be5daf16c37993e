// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math/rand/v2"
	"testing"

	"github.com/komfkore/AdThMix/pkg/core/tensors"
	"github.com/komfkore/AdThMix/pkg/ml/datasets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func randomDense(rng *rand.Rand, rows, cols int) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	for ii := range rows {
		for jj := range cols {
			m.Set(ii, jj, rng.NormFloat64())
		}
	}
	return m
}

func TestGuessFromLogits(t *testing.T) {
	logits1 := tensors.FromRows([][]float64{{4, 0, 0}, {0, 0, 0}, {0, 3, 0}})
	logits2 := tensors.FromRows([][]float64{{4, 0, 0}, {0, 0, 0}, {0, 0, 3}})

	p := GuessFromLogits(logits1, logits2, 0.5, 0.5)
	assert.Equal(t, []bool{true, false, false}, p.Mask)
	assert.Equal(t, []int{0}, p.Admitted)
	assert.InDelta(t, 1.0/3.0, p.Confidence[1], 1e-12)
	assert.InDelta(t, 1.0/3.0, p.AdmittedFraction(), 1e-12)
	require.NotNil(t, p.AdmittedTargets)
	assert.Equal(t, 1, tensors.NumRows(p.AdmittedTargets))

	// Sharpening makes the admitted target more confident than the averaged probabilities.
	assert.Greater(t, p.AdmittedTargets.At(0, 0), p.Probs.At(0, 0))
	for row := range 3 {
		assert.InDelta(t, 1.0, floats.Sum(p.Targets.RawRowView(row)), 1e-12)
		assert.InDelta(t, 1.0, floats.Sum(p.Probs.RawRowView(row)), 1e-12)
	}
	// The third row disagrees between views: the average splits the mass between classes 1 and 2.
	assert.InDelta(t, p.Probs.At(2, 1), p.Probs.At(2, 2), 1e-12)
}

func TestGuessFromLogitsThresholds(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	logits1, logits2 := randomDense(rng, 8, 265), randomDense(rng, 8, 265)

	all := GuessFromLogits(logits1, logits2, 0, 0.5)
	assert.Len(t, all.Admitted, 8)
	assert.True(t, all.HasAdmitted())
	assert.Equal(t, 1.0, all.AdmittedFraction())

	none := GuessFromLogits(logits1, logits2, 1.01, 0.5)
	assert.False(t, none.HasAdmitted())
	assert.Equal(t, 0, none.NumAdmitted())
	assert.Nil(t, none.AdmittedTargets)
	assert.Len(t, none.Mask, 8)

	assert.Panics(t, func() { GuessFromLogits(logits1, randomDense(rng, 7, 265), 0.5, 0.5) })
}

func TestGuessLabels(t *testing.T) {
	model := newUniformClassifier(265)
	rng := rand.New(rand.NewPCG(1, 1))
	batch := datasets.UnlabeledBatch{View1: randomDense(rng, 8, 3), View2: randomDense(rng, 8, 3)}

	// Uniform predictions have confidence 1/265.
	p := GuessLabels(model, batch, 0.9, 0.5)
	assert.False(t, p.HasAdmitted())
	assert.Nil(t, p.View1)
	assert.Nil(t, p.View2)
	assert.InDelta(t, 1.0/265, p.Confidence[0], 1e-12)

	p = GuessLabels(model, batch, 0, 0.5)
	assert.Equal(t, 8, p.NumAdmitted())
	assert.True(t, mat.Equal(batch.View1, p.View1))
	assert.True(t, mat.Equal(batch.View2, p.View2))

	// Pseudo-labels are guessed without training passes.
	assert.Equal(t, 0, model.trainingCalls)
	assert.Equal(t, 4, model.inferenceCalls)
}
