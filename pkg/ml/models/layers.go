// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"fmt"
	"math"
	"slices"

	"github.com/komfkore/AdThMix/pkg/ml/initializer"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Activation names accepted by FNN.
const (
	ActivationNone      = "none"
	ActivationRelu      = "relu"
	ActivationLeakyRelu = "leaky_relu"
	ActivationTanh      = "tanh"
	ActivationSigmoid   = "sigmoid"
)

// ValidActivations lists the activation names accepted by FNN.
var ValidActivations = []string{ActivationNone, ActivationRelu, ActivationLeakyRelu, ActivationTanh, ActivationSigmoid}

const leakyReluSlope = 0.01

// activation applies an element-wise function, and its derivative given the pre-activation values.
type activation struct {
	name string
	fn   func(x float64) float64
	// derivative given the input x and the output y = fn(x).
	derivative func(x, y float64) float64
}

func activationFromName(name string) (*activation, error) {
	switch name {
	case ActivationNone, "":
		return &activation{name: ActivationNone, fn: func(x float64) float64 { return x },
			derivative: func(_, _ float64) float64 { return 1 }}, nil
	case ActivationRelu:
		return &activation{name: name, fn: func(x float64) float64 { return max(x, 0) },
			derivative: func(x, _ float64) float64 {
				if x > 0 {
					return 1
				}
				return 0
			}}, nil
	case ActivationLeakyRelu:
		return &activation{name: name,
			fn: func(x float64) float64 {
				if x > 0 {
					return x
				}
				return leakyReluSlope * x
			},
			derivative: func(x, _ float64) float64 {
				if x > 0 {
					return 1
				}
				return leakyReluSlope
			}}, nil
	case ActivationTanh:
		return &activation{name: name, fn: math.Tanh,
			derivative: func(_, y float64) float64 { return 1 - y*y }}, nil
	case ActivationSigmoid:
		return &activation{name: name, fn: func(x float64) float64 { return 1 / (1 + math.Exp(-x)) },
			derivative: func(_, y float64) float64 { return y * (1 - y) }}, nil
	}
	return nil, errors.Errorf("unknown activation %q, valid values are %v", name, ValidActivations)
}

func (a *activation) apply(x *mat.Dense) *mat.Dense {
	var y mat.Dense
	y.Apply(func(_, _ int, v float64) float64 { return a.fn(v) }, x)
	return &y
}

// backward returns gradY * fn'(x).
func (a *activation) backward(x, y, gradY *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	gradX := mat.NewDense(rows, cols, nil)
	for row := range rows {
		xs, ys, gys, gxs := x.RawRowView(row), y.RawRowView(row), gradY.RawRowView(row), gradX.RawRowView(row)
		for col := range cols {
			gxs[col] = gys[col] * a.derivative(xs[col], ys[col])
		}
	}
	return gradX
}

// dense is a linear layer: y = x.W + b.
type dense struct {
	weights, biases *Param
}

func newDense(scope string, inputDim, outputDim int, init initializer.Initializer) *dense {
	return &dense{
		weights: NewParam(scope+"/weights", init(inputDim, outputDim), true),
		biases:  NewParam(scope+"/biases", initializer.Zero(1, outputDim), true),
	}
}

func (l *dense) params() []*Param { return []*Param{l.weights, l.biases} }

func (l *dense) forward(x *mat.Dense) *mat.Dense {
	var y mat.Dense
	y.Mul(x, l.weights.Value)
	bias := l.biases.Value.RawRowView(0)
	rows, _ := y.Dims()
	for row := range rows {
		values := y.RawRowView(row)
		for col, b := range bias {
			values[col] += b
		}
	}
	return &y
}

// backward accumulates the parameters gradients and, if needInput, returns the gradient with respect to x.
func (l *dense) backward(x, gradY *mat.Dense, needInput bool) *mat.Dense {
	var gradW mat.Dense
	gradW.Mul(x.T(), gradY)
	l.weights.Grad.Add(l.weights.Grad, &gradW)
	gradB := l.biases.Grad.RawRowView(0)
	rows, _ := gradY.Dims()
	for row := range rows {
		for col, g := range gradY.RawRowView(row) {
			gradB[col] += g
		}
	}
	if !needInput {
		return nil
	}
	var gradX mat.Dense
	gradX.Mul(gradY, l.weights.Value.T())
	return &gradX
}

// Batch normalization defaults.
const (
	BatchNormMomentum = 0.99
	BatchNormEpsilon  = 1e-3
)

// batchNorm normalizes each feature over the batch, and keeps moving averages of the mean and variance for
// inference.
//
// Based on "Batch Normalization: Accelerating Deep Network Training by Reducing Internal Covariate Shift"
// (Sergey Ioffe, Christian Szegedy), https://arxiv.org/abs/1502.03167.
type batchNorm struct {
	scale, offset            *Param
	mean, variance, avgCount *Param
	momentum, epsilon        float64
}

func newBatchNorm(scope string, dim int) *batchNorm {
	return &batchNorm{
		scale:    NewParam(scope+"/scale", initializer.One(1, dim), true),
		offset:   NewParam(scope+"/offset", initializer.Zero(1, dim), true),
		mean:     NewParam(scope+"/mean", initializer.Zero(1, dim), false),
		variance: NewParam(scope+"/variance", initializer.One(1, dim), false),
		avgCount: NewParam(scope+"/avg_weight", initializer.Zero(1, 1), false),
		momentum: BatchNormMomentum,
		epsilon:  BatchNormEpsilon,
	}
}

func (l *batchNorm) params() []*Param {
	return []*Param{l.scale, l.offset, l.mean, l.variance, l.avgCount}
}

// batchNormCache holds what is needed to back-propagate a training pass.
type batchNormCache struct {
	normalized *mat.Dense
	invStd     []float64
}

func (l *batchNorm) forward(x *mat.Dense, mode Mode) (*mat.Dense, *batchNormCache) {
	rows, cols := x.Dims()
	scale, offset := l.scale.Value.RawRowView(0), l.offset.Value.RawRowView(0)
	mean, variance := l.mean.Value.RawRowView(0), l.variance.Value.RawRowView(0)
	if mode == Training {
		mean, variance = make([]float64, cols), make([]float64, cols)
		for row := range rows {
			for col, v := range x.RawRowView(row) {
				mean[col] += v
			}
		}
		for col := range mean {
			mean[col] /= float64(rows)
		}
		for row := range rows {
			for col, v := range x.RawRowView(row) {
				d := v - mean[col]
				variance[col] += d * d
			}
		}
		for col := range variance {
			variance[col] /= float64(rows)
		}
		l.updateAverages(mean, variance)
	}

	cache := &batchNormCache{normalized: mat.NewDense(rows, cols, nil), invStd: make([]float64, cols)}
	for col := range cols {
		cache.invStd[col] = 1 / math.Sqrt(variance[col]+l.epsilon)
	}
	y := mat.NewDense(rows, cols, nil)
	for row := range rows {
		xs, ns, ys := x.RawRowView(row), cache.normalized.RawRowView(row), y.RawRowView(row)
		for col := range cols {
			ns[col] = (xs[col] - mean[col]) * cache.invStd[col]
			ys[col] = ns[col]*scale[col] + offset[col]
		}
	}
	if mode != Training {
		return y, nil
	}
	return y, cache
}

// updateAverages uses a debiased momentum: while few batches were seen, the average is closer to a plain mean.
func (l *batchNorm) updateAverages(batchMean, batchVariance []float64) {
	count := l.avgCount.Value.At(0, 0) + 1
	l.avgCount.Value.Set(0, 0, count)
	momentum := min(l.momentum, 1-1/count)
	mean, variance := l.mean.Value.RawRowView(0), l.variance.Value.RawRowView(0)
	for col := range mean {
		mean[col] = momentum*mean[col] + (1-momentum)*batchMean[col]
		variance[col] = momentum*variance[col] + (1-momentum)*batchVariance[col]
	}
}

func (l *batchNorm) backward(cache *batchNormCache, gradY *mat.Dense) *mat.Dense {
	rows, cols := gradY.Dims()
	n := float64(rows)
	scale := l.scale.Value.RawRowView(0)
	gradScale, gradOffset := l.scale.Grad.RawRowView(0), l.offset.Grad.RawRowView(0)
	sumGrad, sumGradNormalized := make([]float64, cols), make([]float64, cols)
	for row := range rows {
		gys, ns := gradY.RawRowView(row), cache.normalized.RawRowView(row)
		for col := range cols {
			gradScale[col] += gys[col] * ns[col]
			gradOffset[col] += gys[col]
			gn := gys[col] * scale[col]
			sumGrad[col] += gn
			sumGradNormalized[col] += gn * ns[col]
		}
	}
	gradX := mat.NewDense(rows, cols, nil)
	for row := range rows {
		gys, ns, gxs := gradY.RawRowView(row), cache.normalized.RawRowView(row), gradX.RawRowView(row)
		for col := range cols {
			gn := gys[col] * scale[col]
			gxs[col] = cache.invStd[col] / n * (n*gn - sumGrad[col] - ns[col]*sumGradNormalized[col])
		}
	}
	return gradX
}

// Normalization names accepted by FNN.
const (
	NormalizationNone  = "none"
	NormalizationBatch = "batch"
)

func checkNormalization(name string) error {
	if slices.Contains([]string{"", NormalizationNone, NormalizationBatch}, name) {
		return nil
	}
	return errors.Errorf("unknown normalization %q, valid values are %q or %q",
		name, NormalizationNone, NormalizationBatch)
}

func layerScope(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}
