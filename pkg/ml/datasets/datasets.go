// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets provides the batch types consumed by the trainer, restartable loaders over in-memory data,
// the id splitting of a label file into labeled/validation/unlabeled sets, and a synthetic data source.
package datasets

import (
	"fmt"

	"github.com/komfkore/AdThMix/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// LabeledBatch is a batch of flattened images with their class labels.
type LabeledBatch struct {
	// Images shaped [batchSize, C*H*W].
	Images *mat.Dense

	// Labels in [0, numClasses).
	Labels []int
}

// Size returns the number of examples in the batch.
func (b LabeledBatch) Size() int { return len(b.Labels) }

// UnlabeledBatch holds two independently augmented views of the same unlabeled images.
type UnlabeledBatch struct {
	View1, View2 *mat.Dense
}

// Size returns the number of examples in the batch.
func (b UnlabeledBatch) Size() int { return tensors.NumRows(b.View1) }

// ImageShape is the shape of one image before flattening.
type ImageShape struct {
	Channels, Height, Width int
}

// Size returns the number of features of a flattened image.
func (s ImageShape) Size() int { return s.Channels * s.Height * s.Width }

// String implements fmt.Stringer.
func (s ImageShape) String() string { return fmt.Sprintf("[%d, %d, %d]", s.Channels, s.Height, s.Width) }

// Loader yields batches of type B for one epoch. After the last batch Next returns ok=false, and Reset makes it
// iterable again.
type Loader[B any] interface {
	// Name of the loader, for logging and error messages.
	Name() string

	// NumBatches returns the number of batches yielded in one epoch.
	NumBatches() int

	// Reset restarts the loader. It may reshuffle the data.
	Reset()

	// Next yields the next batch, or ok=false when the epoch is exhausted.
	Next() (batch B, ok bool)
}

// Cycle wraps a Loader and restarts it whenever it is exhausted.
type Cycle[B any] struct {
	loader   Loader[B]
	restarts int
}

// NewCycle creates a Cycle over loader.
func NewCycle[B any](loader Loader[B]) *Cycle[B] {
	return &Cycle[B]{loader: loader}
}

// Loader returns the wrapped loader.
func (c *Cycle[B]) Loader() Loader[B] { return c.loader }

// Restarts returns how many times the loader was restarted.
func (c *Cycle[B]) Restarts() int { return c.restarts }

// Next returns the next batch. If the loader was exhausted, it is reset and restarted=true is returned along with
// the first batch of the new pass. It is an error if the loader yields nothing even after a reset.
func (c *Cycle[B]) Next() (batch B, restarted bool, err error) {
	var ok bool
	batch, ok = c.loader.Next()
	if ok {
		return
	}
	c.loader.Reset()
	c.restarts++
	restarted = true
	klog.V(2).Infof("loader %q exhausted, restarted (%d restarts)", c.loader.Name(), c.restarts)
	batch, ok = c.loader.Next()
	if !ok {
		err = errors.Errorf("loader %q yielded no batch right after a reset", c.loader.Name())
	}
	return
}

// takeLoader yields at most n batches of the wrapped loader.
type takeLoader[B any] struct {
	loader      Loader[B]
	count, take int
}

// Take returns a wrapper to loader that only yields n batches per epoch.
func Take[B any](loader Loader[B], n int) Loader[B] {
	return &takeLoader[B]{loader: loader, take: n}
}

// Name implements Loader.
func (l *takeLoader[B]) Name() string {
	return fmt.Sprintf("%s [Take %d]", l.loader.Name(), l.take)
}

// NumBatches implements Loader.
func (l *takeLoader[B]) NumBatches() int {
	return min(l.take, l.loader.NumBatches())
}

// Reset implements Loader.
func (l *takeLoader[B]) Reset() {
	l.loader.Reset()
	l.count = 0
}

// Next implements Loader.
func (l *takeLoader[B]) Next() (batch B, ok bool) {
	if l.count >= l.take {
		return
	}
	batch, ok = l.loader.Next()
	if ok {
		l.count++
	}
	return
}
