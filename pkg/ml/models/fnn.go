// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"math/rand/v2"

	"github.com/komfkore/AdThMix/pkg/ml/initializer"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// FNNConfig configures a feed-forward classifier. Create it with NewFNN, set the desired parameters and
// call Done.
type FNNConfig struct {
	name                            string
	inputDim, numClasses            int
	numHiddenLayers, numHiddenNodes int
	activation, normalization       string
	rng                             *rand.Rand
}

// NewFNN creates the configuration of a feed-forward classifier from inputDim features to numClasses logits.
//
// By default, it has no hidden layers (a linear model), "relu" activation and no normalization.
// Weights are initialized with He initialization drawn from rng.
func NewFNN(inputDim, numClasses int, rng *rand.Rand) *FNNConfig {
	return &FNNConfig{
		name:           "fnn",
		inputDim:       inputDim,
		numClasses:     numClasses,
		numHiddenNodes: 10,
		activation:     ActivationRelu,
		normalization:  NormalizationNone,
		rng:            rng,
	}
}

// Name sets the name of the model.
func (c *FNNConfig) Name(name string) *FNNConfig {
	c.name = name
	return c
}

// NumHiddenLayers sets the number of hidden layers and the number of nodes of each.
// The embedding returned by a forward pass is the output of the last hidden layer.
func (c *FNNConfig) NumHiddenLayers(numLayers, numHiddenNodes int) *FNNConfig {
	c.numHiddenLayers = numLayers
	c.numHiddenNodes = numHiddenNodes
	return c
}

// Activation sets the activation applied in between layers. See ValidActivations.
func (c *FNNConfig) Activation(activation string) *FNNConfig {
	c.activation = activation
	return c
}

// Normalization sets the normalization applied in between layers, after the activation:
// NormalizationNone or NormalizationBatch.
func (c *FNNConfig) Normalization(normalization string) *FNNConfig {
	c.normalization = normalization
	return c
}

// Done validates the configuration and creates the model.
func (c *FNNConfig) Done() (*FNN, error) {
	if c.inputDim <= 0 || c.numClasses <= 0 {
		return nil, errors.Errorf("FNN requires inputDim > 0 and numClasses > 0, got %d and %d", c.inputDim, c.numClasses)
	}
	if c.numHiddenLayers < 0 || (c.numHiddenLayers > 0 && c.numHiddenNodes <= 0) {
		return nil, errors.Errorf("FNN invalid hidden layers configuration: %d layers of %d nodes",
			c.numHiddenLayers, c.numHiddenNodes)
	}
	act, err := activationFromName(c.activation)
	if err != nil {
		return nil, err
	}
	if err := checkNormalization(c.normalization); err != nil {
		return nil, err
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	init := initializer.He(c.rng)
	m := &FNN{name: c.name, numClasses: c.numClasses, activation: act}
	inputDim := c.inputDim
	for ii := range c.numHiddenLayers + 1 {
		outputDim := c.numHiddenNodes
		scope := layerScope("fnn_hidden_layer_%d", ii)
		if ii == c.numHiddenLayers {
			outputDim = c.numClasses
			scope = "fnn_output_layer"
		}
		var norm *batchNorm
		if ii > 0 && c.normalization == NormalizationBatch {
			norm = newBatchNorm(scope+"/batch_normalization", inputDim)
			m.params = append(m.params, norm.params()...)
		}
		linear := newDense(scope, inputDim, outputDim, init)
		m.params = append(m.params, linear.params()...)
		m.layers = append(m.layers, &fnnLayer{norm: norm, linear: linear})
		inputDim = outputDim
	}
	return m, nil
}

// FNN is a feed-forward classifier: a sequence of dense layers with an activation (and optionally a normalization)
// in between.
type FNN struct {
	name       string
	numClasses int
	activation *activation
	layers     []*fnnLayer
	params     []*Param
}

var _ Classifier = (*FNN)(nil)

type fnnLayer struct {
	norm   *batchNorm
	linear *dense
}

// Name implements Classifier.
func (m *FNN) Name() string { return m.name }

// NumClasses implements Classifier.
func (m *FNN) NumClasses() int { return m.numClasses }

// Params implements Classifier.
func (m *FNN) Params() []*Param { return m.params }

// fnnLayerCache holds the intermediary values of one layer needed for back-propagation.
type fnnLayerCache struct {
	preActivation, postActivation *mat.Dense
	norm                          *batchNormCache
	linearInput                   *mat.Dense
}

// Call implements Classifier.
func (m *FNN) Call(images *mat.Dense, mode Mode) *Pass {
	x := images
	caches := make([]fnnLayerCache, len(m.layers))
	var embedding *mat.Dense
	for ii, layer := range m.layers {
		c := &caches[ii]
		if ii > 0 {
			c.preActivation = x
			x = m.activation.apply(x)
			c.postActivation = x
			if layer.norm != nil {
				x, c.norm = layer.norm.forward(x, mode)
			}
		}
		c.linearInput = x
		if ii == len(m.layers)-1 {
			embedding = x
		}
		x = layer.linear.forward(x)
	}

	var backward func(grad *mat.Dense) error
	if mode == Training {
		backward = func(grad *mat.Dense) error {
			for ii := len(m.layers) - 1; ii >= 0; ii-- {
				layer, c := m.layers[ii], &caches[ii]
				grad = layer.linear.backward(c.linearInput, grad, ii > 0)
				if ii == 0 {
					break
				}
				if layer.norm != nil {
					grad = layer.norm.backward(c.norm, grad)
				}
				grad = m.activation.backward(c.preActivation, c.postActivation, grad)
			}
			return nil
		}
	}
	return NewPass(mode, embedding, x, backward)
}
