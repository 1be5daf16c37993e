// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package losses

import (
	"gonum.org/v1/gonum/mat"
)

// SemiLoss combines a supervised cross-entropy on the labeled part of a batch with a consistency (mean squared
// error of probabilities) loss on the unlabeled part: Total = Supervised + Weight*Unsupervised.
//
// The consistency weight is the constant LambdaU: no ramp-up schedule is applied.
type SemiLoss struct {
	LambdaU float64
}

// SemiLossResult holds the terms of the composite loss and the gradients of Total with respect to each set of logits.
type SemiLossResult struct {
	Supervised, Unsupervised, Weight, Total float64

	// GradLabeled and GradUnlabeled are dTotal/dLogits for the labeled and unlabeled logits respectively.
	// GradUnlabeled is nil if there were no unlabeled logits.
	GradLabeled, GradUnlabeled *mat.Dense
}

// Compute the composite loss. logitsU and targetsU may be nil, in which case only the supervised term is used
// (with Weight set to 0).
func (l SemiLoss) Compute(logitsX, targetsX, logitsU, targetsU *mat.Dense) SemiLossResult {
	var r SemiLossResult
	r.Supervised, r.GradLabeled = CategoricalCrossEntropyLogits(targetsX, logitsX)
	r.Total = r.Supervised
	if logitsU == nil {
		return r
	}
	r.Weight = l.LambdaU
	r.Unsupervised, r.GradUnlabeled = MeanSquaredErrorOfProbabilities(targetsU, logitsU)
	r.GradUnlabeled.Scale(r.Weight, r.GradUnlabeled)
	r.Total += r.Weight * r.Unsupervised
	return r
}
