// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses implements the losses used by the semi-supervised trainer, along with their gradients with
// respect to the logits.
//
// Labels (targets) are [batchSize, numClasses] probability distributions (one-hot or soft), and predictions are
// given as logits of the same shape. Every loss is reduced to a scalar mean.
package losses

import (
	"github.com/gomlx/exceptions"
	"github.com/komfkore/AdThMix/pkg/core/tensors"
	"gonum.org/v1/gonum/mat"
)

// CategoricalCrossEntropyLogits returns the mean over the batch of -sum_c targets[c]*log_softmax(logits)[c],
// and its gradient with respect to logits.
//
// Targets can be soft (e.g. MixUp'ed) distributions: the gradient is (softmax(logits)*sum(targets) - targets)/batchSize.
func CategoricalCrossEntropyLogits(targets, logits *mat.Dense) (loss float64, grad *mat.Dense) {
	checkShapes("CategoricalCrossEntropyLogits", targets, logits)
	if logits == nil {
		return 0, nil
	}
	rows, cols := logits.Dims()
	logProbs := tensors.LogSoftmax(logits)
	probs := tensors.Softmax(logits)
	grad = mat.NewDense(rows, cols, nil)
	scale := 1 / float64(rows)
	for row := range rows {
		t, lp, p, g := targets.RawRowView(row), logProbs.RawRowView(row), probs.RawRowView(row), grad.RawRowView(row)
		var targetsSum float64
		for col := range cols {
			loss -= t[col] * lp[col]
			targetsSum += t[col]
		}
		for col := range cols {
			g[col] = (p[col]*targetsSum - t[col]) * scale
		}
	}
	loss *= scale
	return
}

// MeanSquaredErrorOfProbabilities returns mean((softmax(logits) - targets)^2) over all elements, and its gradient
// with respect to logits.
func MeanSquaredErrorOfProbabilities(targets, logits *mat.Dense) (loss float64, grad *mat.Dense) {
	checkShapes("MeanSquaredErrorOfProbabilities", targets, logits)
	if logits == nil {
		return 0, nil
	}
	rows, cols := logits.Dims()
	probs := tensors.Softmax(logits)
	grad = mat.NewDense(rows, cols, nil)
	scale := 1 / float64(rows*cols)
	gradProbs := make([]float64, cols)
	for row := range rows {
		t, p, g := targets.RawRowView(row), probs.RawRowView(row), grad.RawRowView(row)
		// dLoss/dProbs, then through the softmax Jacobian: p_j * (gp_j - sum_k gp_k*p_k).
		var dot float64
		for col := range cols {
			diff := p[col] - t[col]
			loss += diff * diff
			gradProbs[col] = 2 * diff * scale
			dot += gradProbs[col] * p[col]
		}
		for col := range cols {
			g[col] = p[col] * (gradProbs[col] - dot)
		}
	}
	loss *= scale
	return
}

func checkShapes(fnName string, targets, logits *mat.Dense) {
	if tensors.NumRows(targets) != tensors.NumRows(logits) {
		exceptions.Panicf("losses.%s: targets has %d rows, logits has %d rows",
			fnName, tensors.NumRows(targets), tensors.NumRows(logits))
	}
	if logits == nil {
		return
	}
	_, tCols := targets.Dims()
	_, lCols := logits.Dims()
	if tCols != lCols {
		exceptions.Panicf("losses.%s: targets has %d classes, logits has %d classes", fnName, tCols, lCols)
	}
}
