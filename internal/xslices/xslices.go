// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provides generic slice and map helpers missing from the standard library.
package xslices

import (
	"slices"

	"golang.org/x/exp/constraints"
	"golang.org/x/exp/maps"
)

// SortedKeys returns the sorted keys of a map.
func SortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// MinMax returns the minimum and maximum values of the slice. It returns zeros for an empty slice.
func MinMax[T constraints.Integer | constraints.Float](slice []T) (minValue, maxValue T) {
	if len(slice) == 0 {
		return
	}
	minValue, maxValue = slice[0], slice[0]
	for _, v := range slice[1:] {
		minValue = min(minValue, v)
		maxValue = max(maxValue, v)
	}
	return
}
