// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models defines the Classifier contract used by the trainer, and a few reference classifiers.
//
// A Classifier maps a batch of flattened images ([batchSize, featureDim]) to an embedding and to logits
// ([batchSize, numClasses]). A forward pass in Training mode keeps what it needs to back-propagate: calling
// Pass.Backward with the gradient of the loss with respect to the logits accumulates the gradients of every
// trainable parameter (see Param.Grad). Gradients accumulate across passes until they are zeroed by the optimizer.
package models

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Mode of a forward pass.
type Mode int

const (
	// Inference passes use running statistics (e.g. batch normalization averages) and can't be back-propagated.
	Inference Mode = iota

	// Training passes use batch statistics, update running averages and can be back-propagated.
	Training
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Inference:
		return "inference"
	case Training:
		return "training"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Param is a named model parameter. Non-trainable parameters (e.g. moving averages) have a nil Grad.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// NewParam creates a parameter holding value. If trainable, a zero gradient of the same shape is allocated.
func NewParam(name string, value *mat.Dense, trainable bool) *Param {
	p := &Param{Name: name, Value: value}
	if trainable {
		rows, cols := value.Dims()
		p.Grad = mat.NewDense(rows, cols, nil)
	}
	return p
}

// Trainable returns whether the parameter is updated by the optimizer.
func (p *Param) Trainable() bool { return p.Grad != nil }

// ZeroGrad resets the accumulated gradient, if any.
func (p *Param) ZeroGrad() {
	if p.Grad != nil {
		p.Grad.Zero()
	}
}

// Size returns the number of values of the parameter.
func (p *Param) Size() int {
	rows, cols := p.Value.Dims()
	return rows * cols
}

// Pass is the result of a forward pass.
type Pass struct {
	Mode      Mode
	Embedding *mat.Dense
	Logits    *mat.Dense

	backward func(gradLogits *mat.Dense) error
}

// NewPass creates the result of a forward pass. backward is only used in Training mode, where it must accumulate
// the gradients of the parameters given the gradient of the loss with respect to logits. It may be nil for
// models without trainable parameters.
func NewPass(mode Mode, embedding, logits *mat.Dense, backward func(gradLogits *mat.Dense) error) *Pass {
	p := &Pass{Mode: mode, Embedding: embedding, Logits: logits}
	if mode == Training {
		p.backward = backward
		if p.backward == nil {
			p.backward = func(*mat.Dense) error { return nil }
		}
	}
	return p
}

// Backward accumulates in the parameters' gradients the back-propagation of gradLogits, the gradient of the loss
// with respect to Logits.
func (p *Pass) Backward(gradLogits *mat.Dense) error {
	if p.backward == nil {
		return errors.Errorf("Pass.Backward(): forward pass was run in %s mode, it can't be back-propagated", p.Mode)
	}
	rows, cols := p.Logits.Dims()
	if gRows, gCols := gradLogits.Dims(); gRows != rows || gCols != cols {
		return errors.Errorf("Pass.Backward(): gradient shape [%d, %d] doesn't match logits shape [%d, %d]",
			gRows, gCols, rows, cols)
	}
	return p.backward(gradLogits)
}

// Classifier is the model trained by the semi-supervised trainer.
type Classifier interface {
	// Name of the model.
	Name() string

	// NumClasses is the width of the logits.
	NumClasses() int

	// Params returns all the parameters, trainable or not, in a stable order.
	Params() []*Param

	// Call runs a forward pass on the images, given as [batchSize, featureDim].
	Call(images *mat.Dense, mode Mode) *Pass
}

// NumParams returns the total number of values in the trainable parameters.
func NumParams(params []*Param) int {
	var total int
	for _, p := range params {
		if p.Trainable() {
			total += p.Size()
		}
	}
	return total
}
