// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers updates model parameters from their accumulated gradients.
package optimizers

import (
	"math"

	"github.com/komfkore/AdThMix/pkg/ml/models"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Interface implemented by the optimizers.
type Interface interface {
	// ZeroGradients clears the accumulated gradients of all parameters.
	ZeroGradients()

	// Step applies one update to the parameters using their accumulated gradients.
	Step() error

	// LearningRate currently in use.
	LearningRate() float64

	// SetLearningRate for the next steps.
	SetLearningRate(lr float64)
}

// Default hyperparameters of SGD.
const (
	SGDDefaultLearningRate = 5e-4
	SGDDefaultMomentum     = 0.9
	SGDDefaultWeightDecay  = 4e-4
)

// SGDConfig configures a stochastic gradient descent optimizer with momentum and weight decay.
// Create it with StochasticGradientDescent, and call Done.
type SGDConfig struct {
	learningRate, momentum, weightDecay float64
}

// StochasticGradientDescent creates an optimizer configuration with the default learning rate, momentum
// and weight decay.
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{
		learningRate: SGDDefaultLearningRate,
		momentum:     SGDDefaultMomentum,
		weightDecay:  SGDDefaultWeightDecay,
	}
}

// WithLearningRate sets the initial learning rate. It returns itself to allow chaining.
func (c *SGDConfig) WithLearningRate(lr float64) *SGDConfig {
	c.learningRate = lr
	return c
}

// WithMomentum sets the momentum factor, 0 disables momentum. It returns itself to allow chaining.
func (c *SGDConfig) WithMomentum(momentum float64) *SGDConfig {
	c.momentum = momentum
	return c
}

// WithWeightDecay sets the L2 penalty added to the gradients. It returns itself to allow chaining.
func (c *SGDConfig) WithWeightDecay(weightDecay float64) *SGDConfig {
	c.weightDecay = weightDecay
	return c
}

// Done creates the optimizer for the trainable parameters in params.
func (c *SGDConfig) Done(params []*models.Param) (*SGD, error) {
	if c.learningRate <= 0 || c.momentum < 0 || c.weightDecay < 0 {
		return nil, errors.Errorf("invalid SGD configuration: learning rate %g, momentum %g, weight decay %g",
			c.learningRate, c.momentum, c.weightDecay)
	}
	sgd := &SGD{SGDConfig: *c}
	for _, p := range params {
		if !p.Trainable() {
			continue
		}
		rows, cols := p.Value.Dims()
		sgd.params = append(sgd.params, p)
		sgd.velocities = append(sgd.velocities, mat.NewDense(rows, cols, nil))
	}
	return sgd, nil
}

// SGD implements Interface. For each trainable parameter w with gradient g:
//
//	g = g + weightDecay * w
//	v = momentum * v + g
//	w = w - learningRate * v
type SGD struct {
	SGDConfig
	params     []*models.Param
	velocities []*mat.Dense
}

var _ Interface = (*SGD)(nil)

// ZeroGradients implements Interface.
func (sgd *SGD) ZeroGradients() {
	for _, p := range sgd.params {
		p.ZeroGrad()
	}
}

// Step implements Interface.
//
// Parameters are only updated if all gradients are finite.
func (sgd *SGD) Step() error {
	for _, p := range sgd.params {
		for _, g := range p.Grad.RawMatrix().Data {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				return errors.Errorf("SGD.Step(): parameter %q has non-finite gradient %g", p.Name, g)
			}
		}
	}
	for ii, p := range sgd.params {
		grad, value, velocity := p.Grad.RawMatrix().Data, p.Value.RawMatrix().Data, sgd.velocities[ii].RawMatrix().Data
		for jj, g := range grad {
			g += sgd.weightDecay * value[jj]
			velocity[jj] = sgd.momentum*velocity[jj] + g
			value[jj] -= sgd.learningRate * velocity[jj]
		}
	}
	return nil
}

// LearningRate implements Interface.
func (sgd *SGD) LearningRate() float64 { return sgd.learningRate }

// SetLearningRate implements Interface.
func (sgd *SGD) SetLearningRate(lr float64) { sgd.learningRate = lr }

// Momentum returns the momentum factor.
func (sgd *SGD) Momentum() float64 { return sgd.momentum }

// WeightDecay returns the L2 penalty factor.
func (sgd *SGD) WeightDecay() float64 { return sgd.weightDecay }
