// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors holds the row-major batch helpers used across training.
//
// A batch is a *mat.Dense with one row per example: images of shape [B, C, H, W] are flattened to [B, C*H*W],
// logits and probabilities are [B, NumClasses].
//
// gonum cannot represent a matrix with zero rows, so an empty batch is represented by nil: every function here
// accepts nil as "zero rows" and returns nil when the result would be empty.
package tensors

import (
	"math"

	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// NumRows returns the number of rows of m, 0 if m is nil.
func NumRows(m mat.Matrix) int {
	if m == nil {
		return 0
	}
	if d, ok := m.(*mat.Dense); ok && d == nil {
		return 0
	}
	rows, _ := m.Dims()
	return rows
}

// FromRows creates a dense matrix from the given rows. All rows must have the same length.
// It returns nil if rows is empty.
func FromRows(rows [][]float64) *mat.Dense {
	if len(rows) == 0 {
		return nil
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for ii, row := range rows {
		if len(row) != cols {
			exceptions.Panicf("tensors.FromRows: row #%d has length %d, but row #0 has length %d", ii, len(row), cols)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), cols, data)
}

// Clone returns a deep copy of m, or nil if m is nil.
func Clone(m *mat.Dense) *mat.Dense {
	if m == nil {
		return nil
	}
	return mat.DenseCopyOf(m)
}

// Softmax returns exp(x)/sum(exp(x)) applied to each row of logits.
func Softmax(logits *mat.Dense) *mat.Dense {
	if logits == nil {
		return nil
	}
	rows, cols := logits.Dims()
	out := mat.NewDense(rows, cols, nil)
	for row := range rows {
		softmaxRow(out.RawRowView(row), logits.RawRowView(row))
	}
	return out
}

func softmaxRow(dst, src []float64) {
	maxValue := floats.Max(src)
	for ii, v := range src {
		dst[ii] = math.Exp(v - maxValue)
	}
	floats.Scale(1/floats.Sum(dst), dst)
}

// LogSoftmax returns x - logsumexp(x) applied to each row of logits.
func LogSoftmax(logits *mat.Dense) *mat.Dense {
	if logits == nil {
		return nil
	}
	rows, cols := logits.Dims()
	out := mat.NewDense(rows, cols, nil)
	for row := range rows {
		src, dst := logits.RawRowView(row), out.RawRowView(row)
		logSum := floats.LogSumExp(src)
		for ii, v := range src {
			dst[ii] = v - logSum
		}
	}
	return out
}

// OneHot encodes labels as a [len(labels), numClasses] matrix.
// It panics if a label is out of range.
func OneHot(labels []int, numClasses int) *mat.Dense {
	if len(labels) == 0 {
		return nil
	}
	out := mat.NewDense(len(labels), numClasses, nil)
	for row, label := range labels {
		if label < 0 || label >= numClasses {
			exceptions.Panicf("tensors.OneHot: label %d at row %d is out of range [0, %d)", label, row, numClasses)
		}
		out.Set(row, label, 1)
	}
	return out
}

// RowMax returns the maximum value of each row and its column index.
// For ties the lowest index is returned.
func RowMax(m *mat.Dense) (values []float64, indices []int) {
	rows := NumRows(m)
	values = make([]float64, rows)
	indices = make([]int, rows)
	for row := range rows {
		rowValues := m.RawRowView(row)
		indices[row] = floats.MaxIdx(rowValues)
		values[row] = rowValues[indices[row]]
	}
	return
}

// Argmax returns the column index of the maximum value of each row.
func Argmax(m *mat.Dense) []int {
	_, indices := RowMax(m)
	return indices
}

// Sharpen raises each probability to 1/temperature and renormalizes each row to sum to 1.
//
// A row that underflows to all zeros becomes a one-hot vector of its original argmax.
func Sharpen(probs *mat.Dense, temperature float64) *mat.Dense {
	if probs == nil {
		return nil
	}
	if temperature <= 0 {
		exceptions.Panicf("tensors.Sharpen: temperature must be > 0, got %g", temperature)
	}
	rows, cols := probs.Dims()
	out := mat.NewDense(rows, cols, nil)
	power := 1 / temperature
	for row := range rows {
		src, dst := probs.RawRowView(row), out.RawRowView(row)
		for ii, p := range src {
			dst[ii] = math.Pow(p, power)
		}
		sum := floats.Sum(dst)
		if sum <= 0 || math.IsNaN(sum) {
			clear(dst)
			dst[floats.MaxIdx(src)] = 1
			continue
		}
		floats.Scale(1/sum, dst)
	}
	return out
}

// MeanOfRows returns the element-wise average of matrices of equal shape.
func MeanOfRows(ms ...*mat.Dense) *mat.Dense {
	if len(ms) == 0 || ms[0] == nil {
		return nil
	}
	rows, cols := ms[0].Dims()
	out := mat.NewDense(rows, cols, nil)
	for ii, m := range ms {
		r, c := m.Dims()
		if r != rows || c != cols {
			exceptions.Panicf("tensors.MeanOfRows: matrix #%d has shape [%d, %d], wanted [%d, %d]", ii, r, c, rows, cols)
		}
		out.Add(out, m)
	}
	out.Scale(1/float64(len(ms)), out)
	return out
}

// Lerp returns lambda*a + (1-lambda)*b.
func Lerp(a, b *mat.Dense, lambda float64) *mat.Dense {
	if a == nil && b == nil {
		return nil
	}
	var out, scaledB mat.Dense
	out.Scale(lambda, a)
	scaledB.Scale(1-lambda, b)
	out.Add(&out, &scaledB)
	return &out
}

// Sum returns the sum of all elements of m.
func Sum(m *mat.Dense) float64 {
	if m == nil {
		return 0
	}
	return mat.Sum(m)
}
