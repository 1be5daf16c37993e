// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/komfkore/AdThMix/pkg/core/tensors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// MixUp combines every example of a batch with a randomly permuted example of the same batch:
//
//	mixed = λ·x + (1-λ)·x[perm]
//
// with λ ~ Beta(α, α), folded to max(λ, 1-λ) so the original example always dominates its mix.
type MixUp struct {
	alpha float64
	rng   *rand.Rand
	beta  distuv.Beta
}

// NewMixUp creates a MixUp combiner drawing λ from Beta(alpha, alpha) with the given random number generator.
//
// If alpha <= 0 no mixing happens: λ is always 1.
func NewMixUp(alpha float64, rng *rand.Rand) *MixUp {
	m := &MixUp{alpha: alpha, rng: rng}
	if alpha > 0 {
		m.beta = distuv.Beta{Alpha: alpha, Beta: alpha, Src: rng}
	}
	return m
}

// Alpha returns the parameter of the Beta distribution.
func (m *MixUp) Alpha() float64 { return m.alpha }

// SampleLambda draws a mixing coefficient in [0.5, 1].
func (m *MixUp) SampleLambda() float64 {
	if m.alpha <= 0 {
		return 1
	}
	lambda := m.beta.Rand()
	return max(lambda, 1-lambda)
}

// Mixed is the result of MixUp.Mix.
type Mixed struct {
	// Inputs and Targets are the mixed values split back to the sizes of the groups given to Mix.
	// Empty groups are nil.
	Inputs, Targets []*mat.Dense

	// AllInputs and AllTargets are the mixed values of all groups concatenated.
	AllInputs, AllTargets *mat.Dense

	// Sizes of each group.
	Sizes []int

	// Lambda used to mix and the Permutation of the concatenated batch.
	Lambda      float64
	Permutation []int
}

// Mix concatenates the groups of inputs (and their targets), mixes them with a freshly sampled λ and a random
// permutation of the whole concatenated batch, and splits the result back into the original groups.
//
// inputs and targets must have the same number of groups, each pair with the same number of rows. nil groups are
// allowed (e.g. no admitted unlabeled examples).
func (m *MixUp) Mix(inputs, targets []*mat.Dense) *Mixed {
	total := 0
	for _, x := range inputs {
		total += tensors.NumRows(x)
	}
	return m.MixWith(inputs, targets, m.SampleLambda(), m.rng.Perm(total))
}

// MixWith is like Mix, but with a given λ and permutation.
func (m *MixUp) MixWith(inputs, targets []*mat.Dense, lambda float64, perm []int) *Mixed {
	if len(inputs) != len(targets) {
		exceptions.Panicf("MixUp: %d groups of inputs given, but %d groups of targets", len(inputs), len(targets))
	}
	sizes := make([]int, len(inputs))
	total := 0
	for ii, x := range inputs {
		sizes[ii] = tensors.NumRows(x)
		if rows := tensors.NumRows(targets[ii]); rows != sizes[ii] {
			exceptions.Panicf("MixUp: group #%d has %d inputs but %d targets", ii, sizes[ii], rows)
		}
		total += sizes[ii]
	}
	if len(perm) != total {
		exceptions.Panicf("MixUp: permutation of length %d given for a batch of %d examples", len(perm), total)
	}
	allInputs := tensors.ConcatRows(inputs...)
	allTargets := tensors.ConcatRows(targets...)
	mixed := &Mixed{
		Sizes:       sizes,
		Lambda:      lambda,
		Permutation: perm,
		AllInputs:   tensors.Lerp(allInputs, tensors.GatherRows(allInputs, perm), lambda),
		AllTargets:  tensors.Lerp(allTargets, tensors.GatherRows(allTargets, perm), lambda),
	}
	if total > 0 {
		mixed.Inputs = tensors.SplitRows(mixed.AllInputs, sizes)
		mixed.Targets = tensors.SplitRows(mixed.AllTargets, sizes)
	} else {
		mixed.Inputs = make([]*mat.Dense, len(sizes))
		mixed.Targets = make([]*mat.Dense, len(sizes))
	}
	return mixed
}
