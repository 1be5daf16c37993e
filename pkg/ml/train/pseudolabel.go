// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/gomlx/exceptions"
	"github.com/komfkore/AdThMix/pkg/core/tensors"
	"github.com/komfkore/AdThMix/pkg/ml/datasets"
	"github.com/komfkore/AdThMix/pkg/ml/models"
	"gonum.org/v1/gonum/mat"
)

// PseudoLabels are the labels guessed for one unlabeled batch.
type PseudoLabels struct {
	// Probs is the average of the softmax of both views, shaped [batchSize, numClasses].
	Probs *mat.Dense

	// Confidence is the maximum of each row of Probs.
	Confidence []float64

	// Targets are the sharpened Probs, one distribution per row. They are plain values: no gradient flows
	// back through them.
	Targets *mat.Dense

	// Mask marks the rows whose Confidence reached the threshold, and Admitted lists their indices.
	Mask     []bool
	Admitted []int

	// View1, View2 and AdmittedTargets hold only the admitted rows. They are nil if no row was admitted.
	View1, View2, AdmittedTargets *mat.Dense
}

// HasAdmitted returns whether any unlabeled row was admitted.
func (p *PseudoLabels) HasAdmitted() bool { return len(p.Admitted) > 0 }

// NumAdmitted returns the number of admitted rows.
func (p *PseudoLabels) NumAdmitted() int { return len(p.Admitted) }

// AdmittedFraction returns the fraction of the unlabeled batch that was admitted.
func (p *PseudoLabels) AdmittedFraction() float64 {
	if len(p.Mask) == 0 {
		return 0
	}
	return float64(len(p.Admitted)) / float64(len(p.Mask))
}

// GuessFromLogits builds the pseudo-labels given the logits of both views of an unlabeled batch.
//
// A row is admitted if the maximum of its averaged probabilities is >= threshold. Targets are computed for
// every row, but only the admitted ones are kept in AdmittedTargets.
func GuessFromLogits(logits1, logits2 *mat.Dense, threshold, temperature float64) *PseudoLabels {
	r1, c1 := logits1.Dims()
	if r2, c2 := logits2.Dims(); r1 != r2 || c1 != c2 {
		exceptions.Panicf("GuessFromLogits: logits of both views must have the same shape, got [%d, %d] and [%d, %d]",
			r1, c1, r2, c2)
	}
	p := &PseudoLabels{
		Probs: tensors.MeanOfRows(tensors.Softmax(logits1), tensors.Softmax(logits2)),
	}
	p.Confidence, _ = tensors.RowMax(p.Probs)
	p.Targets = tensors.Sharpen(p.Probs, temperature)
	p.Mask = make([]bool, r1)
	for row, c := range p.Confidence {
		if c >= threshold {
			p.Mask[row] = true
			p.Admitted = append(p.Admitted, row)
		}
	}
	p.AdmittedTargets = tensors.GatherRows(p.Targets, p.Admitted)
	return p
}

// GuessLabels runs the model in inference mode on both views of the batch and guesses its pseudo-labels.
// The admitted rows of both views are stored in the returned PseudoLabels.
func GuessLabels(model models.Classifier, batch datasets.UnlabeledBatch, threshold, temperature float64) *PseudoLabels {
	logits1 := model.Call(batch.View1, models.Inference).Logits
	logits2 := model.Call(batch.View2, models.Inference).Logits
	p := GuessFromLogits(logits1, logits2, threshold, temperature)
	p.View1 = tensors.GatherRows(batch.View1, p.Admitted)
	p.View2 = tensors.GatherRows(batch.View2, p.Admitted)
	return p
}
