// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"math/rand/v2"

	"github.com/komfkore/AdThMix/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// sampler iterates over the indices of numExamples examples in batches, optionally shuffled at every Reset.
type sampler struct {
	numExamples, batchSize int
	dropIncompleteBatch    bool
	rng                    *rand.Rand
	order                  []int
	next                   int
}

func newSampler(numExamples, batchSize int) (*sampler, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0, got %d", batchSize)
	}
	s := &sampler{numExamples: numExamples, batchSize: batchSize, order: make([]int, numExamples)}
	for ii := range s.order {
		s.order[ii] = ii
	}
	return s, nil
}

func (s *sampler) numBatches() int {
	if s.dropIncompleteBatch {
		return s.numExamples / s.batchSize
	}
	return (s.numExamples + s.batchSize - 1) / s.batchSize
}

func (s *sampler) reset() {
	s.next = 0
	if s.rng != nil {
		s.rng.Shuffle(len(s.order), func(i, j int) { s.order[i], s.order[j] = s.order[j], s.order[i] })
	}
}

// take returns the indices of the next batch, or nil if the epoch is over.
func (s *sampler) take() []int {
	remaining := s.numExamples - s.next
	if remaining <= 0 || (s.dropIncompleteBatch && remaining < s.batchSize) {
		return nil
	}
	n := min(remaining, s.batchSize)
	indices := s.order[s.next : s.next+n]
	s.next += n
	return indices
}

// InMemory is a Loader of LabeledBatch over images and labels held in memory.
//
// By default, it yields the examples in order and the last batch may be smaller. See Shuffle and
// DropIncompleteBatch.
type InMemory struct {
	name    string
	images  *mat.Dense
	labels  []int
	sampler *sampler
}

var _ Loader[LabeledBatch] = (*InMemory)(nil)

// NewInMemory creates a labeled loader with the given batch size. images has one flattened image per row.
func NewInMemory(name string, images *mat.Dense, labels []int, batchSize int) (*InMemory, error) {
	if tensors.NumRows(images) != len(labels) {
		return nil, errors.Errorf("dataset %q: %d images but %d labels", name, tensors.NumRows(images), len(labels))
	}
	s, err := newSampler(len(labels), batchSize)
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", name)
	}
	return &InMemory{name: name, images: images, labels: labels, sampler: s}, nil
}

// Shuffle the examples at every Reset (including now) using rng. It returns itself to allow chaining.
func (ds *InMemory) Shuffle(rng *rand.Rand) *InMemory {
	ds.sampler.rng = rng
	ds.sampler.reset()
	return ds
}

// DropIncompleteBatch makes the loader skip the last batch of an epoch if it is smaller than the batch size.
// It returns itself to allow chaining.
func (ds *InMemory) DropIncompleteBatch() *InMemory {
	ds.sampler.dropIncompleteBatch = true
	return ds
}

// Name implements Loader.
func (ds *InMemory) Name() string { return ds.name }

// NumExamples returns the number of examples held.
func (ds *InMemory) NumExamples() int { return len(ds.labels) }

// NumBatches implements Loader.
func (ds *InMemory) NumBatches() int { return ds.sampler.numBatches() }

// Reset implements Loader.
func (ds *InMemory) Reset() { ds.sampler.reset() }

// Next implements Loader.
func (ds *InMemory) Next() (batch LabeledBatch, ok bool) {
	indices := ds.sampler.take()
	if indices == nil {
		return
	}
	batch.Images = tensors.GatherRows(ds.images, indices)
	batch.Labels = make([]int, len(indices))
	for ii, idx := range indices {
		batch.Labels[ii] = ds.labels[idx]
	}
	return batch, true
}

// ViewFn creates an augmented view of a batch of images. It must not modify images.
type ViewFn func(images *mat.Dense, rng *rand.Rand) *mat.Dense

// IdentityView returns the images unchanged.
func IdentityView(images *mat.Dense, _ *rand.Rand) *mat.Dense {
	return tensors.Clone(images)
}

// GaussianNoiseView returns a ViewFn that adds independent normal noise with the given standard deviation to
// every feature.
func GaussianNoiseView(stddev float64) ViewFn {
	return func(images *mat.Dense, rng *rand.Rand) *mat.Dense {
		noise := distuv.Normal{Mu: 0, Sigma: stddev, Src: rng}
		var view mat.Dense
		view.Apply(func(_, _ int, v float64) float64 { return v + noise.Rand() }, images)
		return &view
	}
}

// Unlabeled is a Loader of UnlabeledBatch over images held in memory: each batch holds two views of the same
// images, created independently by the ViewFn.
type Unlabeled struct {
	name    string
	images  *mat.Dense
	viewFn  ViewFn
	rng     *rand.Rand
	sampler *sampler
}

var _ Loader[UnlabeledBatch] = (*Unlabeled)(nil)

// NewUnlabeled creates an unlabeled loader. rng is used by viewFn, and for shuffling if Shuffle is called.
func NewUnlabeled(name string, images *mat.Dense, batchSize int, viewFn ViewFn, rng *rand.Rand) (*Unlabeled, error) {
	if viewFn == nil {
		viewFn = IdentityView
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	s, err := newSampler(tensors.NumRows(images), batchSize)
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", name)
	}
	return &Unlabeled{name: name, images: images, viewFn: viewFn, rng: rng, sampler: s}, nil
}

// Shuffle the examples at every Reset (including now). It returns itself to allow chaining.
func (ds *Unlabeled) Shuffle() *Unlabeled {
	ds.sampler.rng = ds.rng
	ds.sampler.reset()
	return ds
}

// DropIncompleteBatch makes the loader skip the last batch of an epoch if it is smaller than the batch size.
// It returns itself to allow chaining.
func (ds *Unlabeled) DropIncompleteBatch() *Unlabeled {
	ds.sampler.dropIncompleteBatch = true
	return ds
}

// Name implements Loader.
func (ds *Unlabeled) Name() string { return ds.name }

// NumExamples returns the number of examples held.
func (ds *Unlabeled) NumExamples() int { return ds.sampler.numExamples }

// NumBatches implements Loader.
func (ds *Unlabeled) NumBatches() int { return ds.sampler.numBatches() }

// Reset implements Loader.
func (ds *Unlabeled) Reset() { ds.sampler.reset() }

// Next implements Loader.
func (ds *Unlabeled) Next() (batch UnlabeledBatch, ok bool) {
	indices := ds.sampler.take()
	if indices == nil {
		return
	}
	images := tensors.GatherRows(ds.images, indices)
	batch.View1 = ds.viewFn(images, ds.rng)
	batch.View2 = ds.viewFn(images, ds.rng)
	return batch, true
}
