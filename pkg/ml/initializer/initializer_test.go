// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package initializer

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

func TestInitializers(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	assert.Zero(t, mat.Sum(Zero(3, 4)))
	assert.Equal(t, 12.0, mat.Sum(One(3, 4)))

	values := He(rng)(400, 50).RawMatrix().Data
	mean, std := stat.MeanStdDev(values, nil)
	assert.InDelta(t, 0, mean, 0.01)
	assert.InDelta(t, math.Sqrt(2.0/400), std, 0.005)

	limit := math.Sqrt(3.0 / 225)
	for _, v := range GlorotUniform(rng)(400, 50).RawMatrix().Data {
		assert.LessOrEqual(t, math.Abs(v), limit)
	}

	// Biases are zero.
	assert.Zero(t, mat.Sum(He(rng)(1, 10)))
	assert.Zero(t, mat.Sum(GlorotUniform(rng)(1, 10)))
}
