// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/gomlx/exceptions"
	"github.com/komfkore/AdThMix/pkg/core/tensors"
	"gonum.org/v1/gonum/mat"
)

// InterleaveOffsets splits batch rows into nu+1 groups of batch/(nu+1) rows, with the remainder distributed one
// row each to the last groups. It returns the nu+2 group boundaries, starting with 0 and ending with batch.
func InterleaveOffsets(batch, nu int) []int {
	if batch < 0 || nu < 0 {
		exceptions.Panicf("InterleaveOffsets(batch=%d, nu=%d): arguments must be non-negative", batch, nu)
	}
	groups := make([]int, nu+1)
	for ii := range groups {
		groups[ii] = batch / (nu + 1)
	}
	for x := range batch - (nu+1)*(batch/(nu+1)) {
		groups[len(groups)-1-x]++
	}
	offsets := make([]int, 0, nu+2)
	offsets = append(offsets, 0)
	for _, g := range groups {
		offsets = append(offsets, offsets[len(offsets)-1]+g)
	}
	if last := offsets[len(offsets)-1]; last != batch {
		exceptions.Panicf("InterleaveOffsets(batch=%d, nu=%d): groups add up to %d", batch, nu, last)
	}
	return offsets
}

// Interleave swaps group i of xy[0] with group i of xy[i], for i in 1..len(xy)-1, where groups are given by
// InterleaveOffsets(batch, len(xy)-1). It returns new matrices, the inputs are not modified.
//
// Every matrix must have exactly batch rows. Interleave is its own inverse: it is used to mix labeled rows into
// every forward pass (so batch statistics are computed over a mix of labeled and unlabeled rows), and then again
// on the outputs to restore the original order.
func Interleave(xy []*mat.Dense, batch int) []*mat.Dense {
	for ii, m := range xy {
		if rows := tensors.NumRows(m); rows != batch {
			exceptions.Panicf("Interleave: matrix #%d has %d rows, all matrices must have batch=%d rows", ii, rows, batch)
		}
	}
	nu := len(xy) - 1
	if nu < 0 {
		return nil
	}
	offsets := InterleaveOffsets(batch, nu)
	sizes := make([]int, nu+1)
	for ii := range sizes {
		sizes[ii] = offsets[ii+1] - offsets[ii]
	}
	groups := make([][]*mat.Dense, len(xy))
	for ii, m := range xy {
		groups[ii] = tensors.SplitRows(m, sizes)
	}
	for ii := 1; ii <= nu; ii++ {
		groups[0][ii], groups[ii][ii] = groups[ii][ii], groups[0][ii]
	}
	out := make([]*mat.Dense, len(xy))
	for ii, g := range groups {
		out[ii] = tensors.ConcatRows(g...)
	}
	return out
}
