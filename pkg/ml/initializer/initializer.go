// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializer creates the initial values of model parameters.
//
// Weights are [fanIn, fanOut] matrices, biases and normalization parameters are [1, n] rows.
package initializer

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Initializer returns a new [rows, cols] matrix with initial values.
type Initializer func(rows, cols int) *mat.Dense

var (
	// Zero initializes parameters with zero.
	Zero Initializer = func(rows, cols int) *mat.Dense {
		return mat.NewDense(rows, cols, nil)
	}

	// One initializes parameters with one.
	One Initializer = func(rows, cols int) *mat.Dense {
		return fill(rows, cols, func() float64 { return 1 })
	}
)

func fill(rows, cols int, fn func() float64) *mat.Dense {
	data := make([]float64, rows*cols)
	for ii := range data {
		data[ii] = fn()
	}
	return mat.NewDense(rows, cols, data)
}

// Normal returns an initializer that generates random normal values with the given standard deviation
// and mean set to 0.
func Normal(rng *rand.Rand, stddev float64) Initializer {
	dist := distuv.Normal{Mu: 0, Sigma: stddev, Src: rng}
	return func(rows, cols int) *mat.Dense {
		return fill(rows, cols, dist.Rand)
	}
}

// Uniform returns an initializer that generates random uniform values from [min, max).
func Uniform(rng *rand.Rand, minValue, maxValue float64) Initializer {
	dist := distuv.Uniform{Min: minValue, Max: maxValue, Src: rng}
	return func(rows, cols int) *mat.Dense {
		return fill(rows, cols, dist.Rand)
	}
}

// GlorotUniform returns a Glorot uniform initializer, also called Xavier uniform initializer.
//
// It draws samples from a uniform distribution within `[-limit, limit]`, where
// `limit = sqrt(3 / ((fan_in + fan_out)/2))`.
//
// It initializes biases (a single row) to zeros.
func GlorotUniform(rng *rand.Rand) Initializer {
	return func(rows, cols int) *mat.Dense {
		if rows <= 1 {
			return Zero(rows, cols)
		}
		scale := max(1.0, float64(rows+cols)/2.0)
		limit := math.Sqrt(3.0 / scale)
		return Uniform(rng, -limit, limit)(rows, cols)
	}
}

// He returns the initializer that tries to preserve the variance of 1, calculated for the Relu activation functions.
//
// It initializes biases (a single row) to zeros.
//
// [1] https://arxiv.org/pdf/1502.01852
func He(rng *rand.Rand) Initializer {
	return func(rows, cols int) *mat.Dense {
		if rows <= 1 {
			return Zero(rows, cols)
		}
		return Normal(rng, math.Sqrt(2.0/max(1.0, float64(rows))))(rows, cols)
	}
}
