// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"math/rand/v2"
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Split of the example ids of a label file.
type Split struct {
	// Train and Validation are labeled ids.
	Train, Validation []int

	// Unlabeled ids.
	Unlabeled []int

	// Labels maps each labeled id to its class.
	Labels map[int]int
}

// LabelsOf returns the labels of the given ids.
func (s *Split) LabelsOf(ids []int) []int {
	labels := make([]int, len(ids))
	for ii, id := range ids {
		labels[ii] = s.Labels[id]
	}
	return labels
}

// ReadLabelFile reads a tab-separated file with a header line, whose first column is the example id and whose
// second column is its label. A negative label marks an unlabeled example.
func ReadLabelFile(path string) (ids, labels []int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open label file %q", path)
	}
	defer func() { _ = f.Close() }()

	df := dataframe.ReadCSV(f,
		dataframe.WithDelimiter('\t'),
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.Int),
	)
	if df.Err != nil {
		return nil, nil, errors.Wrapf(df.Err, "failed to parse label file %q", path)
	}
	names := df.Names()
	if len(names) < 2 {
		return nil, nil, errors.Errorf("label file %q has %d columns, wanted at least 2 (id and label)", path, len(names))
	}
	ids, err = df.Col(names[0]).Int()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "label file %q: invalid id column %q", path, names[0])
	}
	labels, err = df.Col(names[1]).Int()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "label file %q: invalid label column %q", path, names[1])
	}
	return ids, labels, nil
}

// SplitIDs reads the label file at path and randomly moves a ratio of the labeled ids to validation.
// Ids with a negative label are unlabeled, and labels must be smaller than numClasses.
func SplitIDs(path string, ratio float64, numClasses int, rng *rand.Rand) (*Split, error) {
	ids, labels, err := ReadLabelFile(path)
	if err != nil {
		return nil, err
	}
	split, err := NewSplit(ids, labels, ratio, numClasses, rng)
	if err != nil {
		return nil, errors.WithMessagef(err, "label file %q", path)
	}
	klog.V(1).Infof("label file %q: %d train, %d validation and %d unlabeled ids",
		path, len(split.Train), len(split.Validation), len(split.Unlabeled))
	return split, nil
}

// NewSplit randomly moves a ratio of the labeled ids to validation. Ids with a negative label are unlabeled.
// It returns an error if a label is not smaller than numClasses.
func NewSplit(ids, labels []int, ratio float64, numClasses int, rng *rand.Rand) (*Split, error) {
	if len(ids) != len(labels) {
		return nil, errors.Errorf("NewSplit(): %d ids but %d labels", len(ids), len(labels))
	}
	split := &Split{Labels: make(map[int]int)}
	var labeled []int
	for ii, id := range ids {
		label := labels[ii]
		if label < 0 {
			split.Unlabeled = append(split.Unlabeled, id)
			continue
		}
		if label >= numClasses {
			return nil, errors.Errorf("id %d has label %d, but there are only %d classes", id, label, numClasses)
		}
		labeled = append(labeled, id)
		split.Labels[id] = label
	}
	split.Train, split.Validation = cutPermutation(labeled, ratio, rng)
	return split, nil
}

// SplitIDsPerClass is like SplitIDs, but the validation ratio is applied per class, so train and validation
// have the same class distribution.
func SplitIDsPerClass(path string, ratio float64, numClasses int, rng *rand.Rand) (*Split, error) {
	ids, labels, err := ReadLabelFile(path)
	if err != nil {
		return nil, err
	}
	split := &Split{Labels: make(map[int]int)}
	perClass := make([][]int, numClasses)
	for ii, id := range ids {
		label := labels[ii]
		if label < 0 {
			split.Unlabeled = append(split.Unlabeled, id)
			continue
		}
		if label >= numClasses {
			return nil, errors.Errorf("label file %q: id %d has label %d, but there are only %d classes",
				path, id, label, numClasses)
		}
		perClass[label] = append(perClass[label], id)
		split.Labels[id] = label
	}
	for _, classIDs := range perClass {
		train, validation := cutPermutation(classIDs, ratio, rng)
		split.Train = append(split.Train, train...)
		split.Validation = append(split.Validation, validation...)
	}
	return split, nil
}

// cutPermutation shuffles a copy of ids and returns the last part as train and the first int(ratio*len(ids)) as
// validation.
func cutPermutation(ids []int, ratio float64, rng *rand.Rand) (train, validation []int) {
	perm := rng.Perm(len(ids))
	shuffled := make([]int, len(ids))
	for ii, p := range perm {
		shuffled[ii] = ids[p]
	}
	cut := int(ratio * float64(len(ids)))
	return shuffled[cut:], shuffled[:cut]
}
