// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"
)

// StepDecay is a learning rate schedule that multiplies the base learning rate by Factor every Period epochs:
//
//	lr(epoch) = BaseLearningRate * Factor^(epoch / Period)
type StepDecay struct {
	BaseLearningRate float64
	Factor           float64
	Period           int
}

// NewStepDecay returns the default schedule: decay by 10 every 30 epochs.
func NewStepDecay(baseLearningRate float64) StepDecay {
	return StepDecay{BaseLearningRate: baseLearningRate, Factor: 0.1, Period: 30}
}

// LearningRate for the given epoch. A non-positive Period disables the decay.
func (s StepDecay) LearningRate(epoch int) float64 {
	if s.Period <= 0 || epoch < 0 {
		return s.BaseLearningRate
	}
	return s.BaseLearningRate * math.Pow(s.Factor, float64(epoch/s.Period))
}

// Apply sets the optimizer learning rate for the given epoch, and returns it.
func (s StepDecay) Apply(opt Interface, epoch int) float64 {
	lr := s.LearningRate(epoch)
	opt.SetLearningRate(lr)
	return lr
}
