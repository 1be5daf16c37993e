// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package losses

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/komfkore/AdThMix/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
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

// checkGradient compares the analytic gradient of lossFn with respect to logits with central finite differences.
func checkGradient(t *testing.T, lossFn func(logits *mat.Dense) (float64, *mat.Dense), logits *mat.Dense) {
	_, grad := lossFn(logits)
	rows, cols := logits.Dims()
	x := mat.DenseCopyOf(logits).RawMatrix().Data
	numeric := fd.Gradient(nil, func(x []float64) float64 {
		loss, _ := lossFn(mat.NewDense(rows, cols, x))
		return loss
	}, x, &fd.Settings{Formula: fd.Central})
	require.Len(t, numeric, rows*cols)
	assert.InDeltaSlice(t, numeric, mat.DenseCopyOf(grad).RawMatrix().Data, 1e-6)
}

func TestCategoricalCrossEntropyLogits(t *testing.T) {
	// Uniform logits over 265 classes give ln(265) for any one-hot target.
	logits := mat.NewDense(4, 265, nil)
	loss, _ := CategoricalCrossEntropyLogits(tensors.OneHot([]int{0, 1, 2, 3}, 265), logits)
	assert.InDelta(t, math.Log(265), loss, 1e-9)

	rng := rand.New(rand.NewPCG(7, 7))
	targets := tensors.Softmax(randomDense(rng, 3, 5))
	checkGradient(t, func(logits *mat.Dense) (float64, *mat.Dense) {
		return CategoricalCrossEntropyLogits(targets, logits)
	}, randomDense(rng, 3, 5))

	loss, grad := CategoricalCrossEntropyLogits(nil, nil)
	assert.Zero(t, loss)
	assert.Nil(t, grad)
	require.Panics(t, func() { CategoricalCrossEntropyLogits(targets, randomDense(rng, 2, 5)) })
	require.Panics(t, func() { CategoricalCrossEntropyLogits(targets, randomDense(rng, 3, 4)) })
}

func TestMeanSquaredErrorOfProbabilities(t *testing.T) {
	// Perfect match has zero loss.
	logits := tensors.FromRows([][]float64{{0, 0}})
	loss, _ := MeanSquaredErrorOfProbabilities(tensors.FromRows([][]float64{{0.5, 0.5}}), logits)
	assert.InDelta(t, 0.0, loss, 1e-12)

	// probs = [0.5, 0.5], targets = [1, 0]: ((0.5)^2 + (0.5)^2) / 2.
	loss, _ = MeanSquaredErrorOfProbabilities(tensors.FromRows([][]float64{{1, 0}}), logits)
	assert.InDelta(t, 0.25, loss, 1e-12)

	rng := rand.New(rand.NewPCG(3, 11))
	targets := tensors.Softmax(randomDense(rng, 4, 6))
	checkGradient(t, func(logits *mat.Dense) (float64, *mat.Dense) {
		return MeanSquaredErrorOfProbabilities(targets, logits)
	}, randomDense(rng, 4, 6))
}

func TestSemiLoss(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 1))
	logitsX, logitsU := randomDense(rng, 2, 4), randomDense(rng, 3, 4)
	targetsX, targetsU := tensors.OneHot([]int{1, 3}, 4), tensors.Softmax(randomDense(rng, 3, 4))
	semi := SemiLoss{LambdaU: 150}

	r := semi.Compute(logitsX, targetsX, logitsU, targetsU)
	lx, _ := CategoricalCrossEntropyLogits(targetsX, logitsX)
	lu, gradU := MeanSquaredErrorOfProbabilities(targetsU, logitsU)
	assert.InDelta(t, lx, r.Supervised, 1e-12)
	assert.InDelta(t, lu, r.Unsupervised, 1e-12)
	assert.Equal(t, 150.0, r.Weight)
	assert.InDelta(t, lx+150*lu, r.Total, 1e-9)
	gradU.Scale(150, gradU)
	assert.True(t, mat.EqualApprox(gradU, r.GradUnlabeled, 1e-12))

	// Supervised only.
	r = semi.Compute(logitsX, targetsX, nil, nil)
	assert.InDelta(t, lx, r.Total, 1e-12)
	assert.Zero(t, r.Weight)
	assert.Nil(t, r.GradUnlabeled)
}
