// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/komfkore/AdThMix/pkg/core/tensors"
	"gonum.org/v1/gonum/mat"
)

// TopNCorrect returns the number of rows whose label is among the n columns with the highest scores.
//
// scores can be probabilities or logits, the ranking is the same.
func TopNCorrect(labels []int, scores *mat.Dense, n int) int {
	checkBatch("TopNCorrect", labels, scores)
	var correct int
	for row, label := range labels {
		if slices.Contains(tensors.TopN(scores.RawRowView(row), n), label) {
			correct++
		}
	}
	return correct
}

// TopNAccuracy returns the fraction of rows whose label is among the n columns with the highest scores.
// It returns 0 for an empty batch.
func TopNAccuracy(labels []int, scores *mat.Dense, n int) float64 {
	if len(labels) == 0 {
		return 0
	}
	return float64(TopNCorrect(labels, scores, n)) / float64(len(labels))
}

// Confidence is the top-1 accuracy of a batch along with statistics of the probability the model assigned to its
// prediction, taken over the correctly predicted examples only.
type Confidence struct {
	// NumExamples in the batch.
	NumExamples int

	// NumCorrect is the number of examples whose top-1 prediction matches the label.
	NumCorrect int

	// Accuracy is NumCorrect/NumExamples.
	Accuracy float64

	// Sum, Average and Min of the predicted class probability over the correct examples.
	// They are 0 if there are no correct examples.
	Sum, Average, Min float64

	// Values holds the predicted class probability of each correct example.
	Values []float64
}

// Top1AccuracyWithConfidence normalizes logits with a softmax and calls Top1AccuracyWithConfidenceProbs.
func Top1AccuracyWithConfidence(labels []int, logits *mat.Dense) Confidence {
	return Top1AccuracyWithConfidenceProbs(labels, tensors.Softmax(logits))
}

// Top1AccuracyWithConfidenceProbs scores the top-1 prediction of each row of probs against labels.
func Top1AccuracyWithConfidenceProbs(labels []int, probs *mat.Dense) Confidence {
	checkBatch("Top1AccuracyWithConfidence", labels, probs)
	c := Confidence{NumExamples: len(labels)}
	if len(labels) == 0 {
		return c
	}
	values, predictions := tensors.RowMax(probs)
	for row, label := range labels {
		if predictions[row] != label {
			continue
		}
		c.NumCorrect++
		c.Values = append(c.Values, values[row])
		c.Sum += values[row]
		if c.NumCorrect == 1 || values[row] < c.Min {
			c.Min = values[row]
		}
	}
	c.Accuracy = float64(c.NumCorrect) / float64(c.NumExamples)
	if c.NumCorrect > 0 {
		c.Average = c.Sum / float64(c.NumCorrect)
	}
	return c
}

func checkBatch(fnName string, labels []int, scores *mat.Dense) {
	if rows := tensors.NumRows(scores); rows != len(labels) {
		exceptions.Panicf("metrics.%s: %d labels given for %d rows of scores", fnName, len(labels), rows)
	}
}
