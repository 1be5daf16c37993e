// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"math/rand/v2"

	"github.com/pkg/errors"
)

// ValidModels lists the model names accepted by New.
var ValidModels = []string{"linear", "fnn"}

// Config holds the hyperparameters of the reference classifiers.
type Config struct {
	InputDim, NumClasses            int
	NumHiddenLayers, NumHiddenNodes int
	Activation, Normalization       string
	Seed                            uint64
}

// New creates the classifier with the given name: one of ValidModels.
//
// "linear" ignores the hidden layers configuration.
func New(name string, config Config) (Classifier, error) {
	rng := rand.New(rand.NewPCG(config.Seed, config.Seed^0x9e3779b97f4a7c15))
	fnn := NewFNN(config.InputDim, config.NumClasses, rng).Name(name)
	switch name {
	case "linear":
	case "fnn":
		fnn.NumHiddenLayers(config.NumHiddenLayers, config.NumHiddenNodes).
			Activation(config.Activation).
			Normalization(config.Normalization)
	default:
		return nil, errors.Errorf("unknown model %q, valid models are %q", name, ValidModels)
	}
	model, err := fnn.Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "creating model %q", name)
	}
	return model, nil
}
