// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/komfkore/AdThMix/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func sequentialImages(n, dim int) *mat.Dense {
	images := mat.NewDense(n, dim, nil)
	for ii := range n {
		for jj := range dim {
			images.Set(ii, jj, float64(ii))
		}
	}
	return images
}

func TestInMemory(t *testing.T) {
	labels := []int{0, 1, 2, 3, 4, 5, 6}
	ds, err := NewInMemory("seq", sequentialImages(7, 2), labels, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, ds.NumBatches())

	var sizes []int
	var seen []int
	for {
		batch, ok := ds.Next()
		if !ok {
			break
		}
		sizes = append(sizes, batch.Size())
		for row, label := range batch.Labels {
			// Images and labels stay aligned.
			assert.Equal(t, float64(label), batch.Images.At(row, 0))
		}
		seen = append(seen, batch.Labels...)
	}
	assert.Equal(t, []int{3, 3, 1}, sizes)
	assert.Equal(t, labels, seen)

	ds.DropIncompleteBatch().Shuffle(rand.New(rand.NewPCG(1, 2)))
	assert.Equal(t, 2, ds.NumBatches())
	seen = seen[:0]
	for {
		batch, ok := ds.Next()
		if !ok {
			break
		}
		seen = append(seen, batch.Labels...)
	}
	assert.Len(t, seen, 6)

	_, err = NewInMemory("bad", sequentialImages(3, 2), []int{0}, 3)
	require.Error(t, err)
	_, err = NewInMemory("bad", sequentialImages(3, 2), []int{0, 1, 2}, 0)
	require.Error(t, err)
}

func TestUnlabeledViews(t *testing.T) {
	images := sequentialImages(5, 4)
	ds, err := NewUnlabeled("unlabeled", images, 2, GaussianNoiseView(0.1), rand.New(rand.NewPCG(3, 4)))
	require.NoError(t, err)
	ds.DropIncompleteBatch()
	assert.Equal(t, 2, ds.NumBatches())

	batch, ok := ds.Next()
	require.True(t, ok)
	assert.Equal(t, 2, batch.Size())
	assert.False(t, mat.Equal(batch.View1, batch.View2))
	assert.True(t, mat.EqualApprox(batch.View1, batch.View2, 1.0))
	// Original images are untouched.
	assert.Equal(t, 0.0, images.At(0, 0))

	identity, err := NewUnlabeled("identity", images, 5, nil, nil)
	require.NoError(t, err)
	batch, ok = identity.Next()
	require.True(t, ok)
	assert.True(t, mat.Equal(images, batch.View1))
	assert.True(t, mat.Equal(images, batch.View2))
}

func TestCycle(t *testing.T) {
	ds, err := NewInMemory("seq", sequentialImages(4, 1), []int{0, 1, 2, 3}, 2)
	require.NoError(t, err)
	cycle := NewCycle[LabeledBatch](ds)
	var restarts []bool
	var firstLabels []int
	for range 5 {
		batch, restarted, err := cycle.Next()
		require.NoError(t, err)
		restarts = append(restarts, restarted)
		firstLabels = append(firstLabels, batch.Labels[0])
	}
	assert.Equal(t, []bool{false, false, true, false, true}, restarts)
	assert.Equal(t, []int{0, 2, 0, 2, 0}, firstLabels)
	assert.Equal(t, 2, cycle.Restarts())

	// A loader that yields nothing after a reset is an error.
	empty := Take[LabeledBatch](ds, 0)
	_, _, err = NewCycle(empty).Next()
	require.Error(t, err)
}

func TestTake(t *testing.T) {
	ds, err := NewInMemory("seq", sequentialImages(10, 1), make([]int, 10), 2)
	require.NoError(t, err)
	take := Take[LabeledBatch](ds, 3)
	assert.Equal(t, 3, take.NumBatches())
	assert.Contains(t, take.Name(), "Take 3")
	count := 0
	for {
		if _, ok := take.Next(); !ok {
			break
		}
		count++
	}
	assert.Equal(t, 3, count)
	take.Reset()
	_, ok := take.Next()
	assert.True(t, ok)
}

func writeLabelFile(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "train_label")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestSplitIDs(t *testing.T) {
	path := writeLabelFile(t, "id\tlabel\n"+
		"10\t0\n11\t1\n12\t-1\n13\t0\n14\t1\n\n15\t-1\n16\t0\n17\t1\n18\t0\n19\t1\n")
	ids, labels, err := ReadLabelFile(path)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 11, 12, 13, 14, 15, 16, 17, 18, 19}, ids)
	assert.Equal(t, -1, labels[2])

	split, err := SplitIDs(path, 0.25, 2, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	assert.Equal(t, []int{12, 15}, split.Unlabeled)
	assert.Len(t, split.Validation, 2) // int(0.25 * 8)
	assert.Len(t, split.Train, 6)
	all := slices.Concat(split.Train, split.Validation)
	slices.Sort(all)
	assert.Equal(t, []int{10, 11, 13, 14, 16, 17, 18, 19}, all)
	assert.Equal(t, []int{0, 1}, split.LabelsOf([]int{10, 11}))

	perClass, err := SplitIDsPerClass(path, 0.5, 2, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	validationLabels := perClass.LabelsOf(perClass.Validation)
	slices.Sort(validationLabels)
	assert.Equal(t, []int{0, 0, 1, 1}, validationLabels)

	_, err = SplitIDsPerClass(path, 0.5, 1, rand.New(rand.NewPCG(1, 1)))
	require.Error(t, err)
	_, err = SplitIDs(filepath.Join(t.TempDir(), "missing"), 0.2, 2, rand.New(rand.NewPCG(1, 1)))
	require.Error(t, err)
}

func TestSplitLabelOutOfRange(t *testing.T) {
	path := writeLabelFile(t, "id\tlabel\n1\t0\n2\t300\n3\t-1\n")
	_, err := SplitIDs(path, 0.5, 265, rand.New(rand.NewPCG(1, 1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "label 300")
	_, err = SplitIDsPerClass(path, 0.5, 265, rand.New(rand.NewPCG(1, 1)))
	require.Error(t, err)

	_, err = NewSplit([]int{1, 2}, []int{0, 2}, 0.5, 2, rand.New(rand.NewPCG(1, 1)))
	require.Error(t, err)
	_, err = NewSplit([]int{1, 2}, []int{0}, 0.5, 2, rand.New(rand.NewPCG(1, 1)))
	require.Error(t, err)
	split, err := NewSplit([]int{1, 2, 3}, []int{0, 1, -1}, 0.5, 2, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	assert.Equal(t, []int{3}, split.Unlabeled)
}

func TestSynthetic(t *testing.T) {
	config := DefaultSyntheticConfig()
	config.NumClasses = 5
	s, err := NewSynthetic(config)
	require.NoError(t, err)

	ids := []int{0, 5, 1, 7}
	images := s.Images(ids)
	rows, cols := images.Dims()
	assert.Equal(t, []int{4, 48}, []int{rows, cols})
	// Deterministic per id.
	assert.True(t, mat.Equal(tensors.GatherRows(images, []int{1}), s.Images([]int{5})))
	assert.Nil(t, s.Images(nil))
	assert.Equal(t, 2, s.ClassOf(7))

	// Explicit classes: negative classes fall back to ClassOf.
	withClasses := s.ImagesWithClasses([]int{0, 5}, []int{-1, 3})
	assert.True(t, mat.Equal(tensors.GatherRows(images, []int{0}), tensors.GatherRows(withClasses, []int{0})))
	assert.False(t, mat.Equal(tensors.GatherRows(images, []int{1}), tensors.GatherRows(withClasses, []int{1})))
	assert.Panics(t, func() { s.ImagesWithClasses([]int{0, 5}, []int{1}) })

	ids, labels := s.LabelTable(100, 0.5, rand.New(rand.NewPCG(9, 9)))
	assert.Len(t, ids, 100)
	var unlabeled int
	for ii, label := range labels {
		if label < 0 {
			unlabeled++
			continue
		}
		assert.Equal(t, s.ClassOf(ids[ii]), label)
	}
	assert.Greater(t, unlabeled, 20)
	assert.Less(t, unlabeled, 80)

	config.Separation = 0
	_, err = NewSynthetic(config)
	require.Error(t, err)
}
