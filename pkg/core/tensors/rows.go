// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"cmp"
	"slices"

	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/mat"
)

// GatherRows returns a new matrix with the rows of m at the given indices, in that order.
// It returns nil if indices is empty.
func GatherRows(m *mat.Dense, indices []int) *mat.Dense {
	if len(indices) == 0 || m == nil {
		return nil
	}
	rows, cols := m.Dims()
	out := mat.NewDense(len(indices), cols, nil)
	for ii, idx := range indices {
		if idx < 0 || idx >= rows {
			exceptions.Panicf("tensors.GatherRows: index %d out of range for matrix with %d rows", idx, rows)
		}
		copy(out.RawRowView(ii), m.RawRowView(idx))
	}
	return out
}

// ConcatRows stacks the given matrices vertically. nil matrices are skipped.
// It returns nil if all matrices are nil.
func ConcatRows(ms ...*mat.Dense) *mat.Dense {
	total, cols := 0, -1
	for ii, m := range ms {
		if m == nil {
			continue
		}
		r, c := m.Dims()
		if cols == -1 {
			cols = c
		} else if c != cols {
			exceptions.Panicf("tensors.ConcatRows: matrix #%d has %d columns, previous ones have %d", ii, c, cols)
		}
		total += r
	}
	if total == 0 {
		return nil
	}
	out := mat.NewDense(total, cols, nil)
	row := 0
	for _, m := range ms {
		if m == nil {
			continue
		}
		r, _ := m.Dims()
		out.Slice(row, row+r, 0, cols).(*mat.Dense).Copy(m)
		row += r
	}
	return out
}

// SplitRows splits m into consecutive row blocks of the given sizes, which must add up to the number of rows.
// Blocks of size 0 are returned as nil. The blocks are copies, not views.
func SplitRows(m *mat.Dense, sizes []int) []*mat.Dense {
	total := 0
	for _, size := range sizes {
		if size < 0 {
			exceptions.Panicf("tensors.SplitRows: negative size in %v", sizes)
		}
		total += size
	}
	if total != NumRows(m) {
		exceptions.Panicf("tensors.SplitRows: sizes %v add up to %d, but matrix has %d rows", sizes, total, NumRows(m))
	}
	parts := make([]*mat.Dense, len(sizes))
	row := 0
	for ii, size := range sizes {
		if size == 0 {
			continue
		}
		_, cols := m.Dims()
		parts[ii] = mat.DenseCopyOf(m.Slice(row, row+size, 0, cols))
		row += size
	}
	return parts
}

// ChunkSizes splits total into consecutive chunks of at most chunk elements.
func ChunkSizes(total, chunk int) []int {
	if chunk <= 0 {
		exceptions.Panicf("tensors.ChunkSizes: chunk must be > 0, got %d", chunk)
	}
	var sizes []int
	for total > 0 {
		size := min(total, chunk)
		sizes = append(sizes, size)
		total -= size
	}
	return sizes
}

// TopN returns the column indices of the n largest values of row, in decreasing order of value.
// Equal values are ordered by increasing index. n is clipped to len(row).
func TopN(row []float64, n int) []int {
	n = max(0, min(n, len(row)))
	indices := make([]int, len(row))
	for ii := range indices {
		indices[ii] = ii
	}
	slices.SortStableFunc(indices, func(a, b int) int {
		return cmp.Compare(row[b], row[a])
	})
	return indices[:n]
}
