// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/komfkore/AdThMix/internal/workerspool"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// NumFashionClasses is the number of product categories of the fashion dataset.
const NumFashionClasses = 265

// SyntheticConfig configures a Synthetic source.
type SyntheticConfig struct {
	NumClasses int
	Shape      ImageShape

	// Separation is the standard deviation of the class prototypes, Noise the standard deviation of the examples
	// around their prototype.
	Separation, Noise float64

	Seed uint64
}

// DefaultSyntheticConfig has NumFashionClasses classes of tiny 3x4x4 "images".
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		NumClasses: NumFashionClasses,
		Shape:      ImageShape{Channels: 3, Height: 4, Width: 4},
		Separation: 1.0,
		Noise:      0.5,
		Seed:       123,
	}
}

// Synthetic generates flattened images as Gaussian clusters around one random prototype per class.
//
// The image of an id is deterministic: it only depends on the configuration, the id and its class.
type Synthetic struct {
	config     SyntheticConfig
	prototypes *mat.Dense
	pool       *workerspool.Pool
}

// NewSynthetic creates the class prototypes.
func NewSynthetic(config SyntheticConfig) (*Synthetic, error) {
	if config.NumClasses <= 0 || config.Shape.Size() <= 0 {
		return nil, errors.Errorf("invalid synthetic dataset configuration: %d classes of images shaped %s",
			config.NumClasses, config.Shape)
	}
	if config.Separation <= 0 || config.Noise < 0 {
		return nil, errors.Errorf("invalid synthetic dataset configuration: separation=%g, noise=%g",
			config.Separation, config.Noise)
	}
	rng := rand.New(rand.NewPCG(config.Seed, 0))
	dist := distuv.Normal{Mu: 0, Sigma: config.Separation, Src: rng}
	dim := config.Shape.Size()
	prototypes := mat.NewDense(config.NumClasses, dim, nil)
	for ii := range config.NumClasses {
		row := prototypes.RawRowView(ii)
		for jj := range row {
			row[jj] = dist.Rand()
		}
	}
	return &Synthetic{config: config, prototypes: prototypes, pool: workerspool.New()}, nil
}

// Config returns the configuration used to create the source.
func (s *Synthetic) Config() SyntheticConfig { return s.config }

// ClassOf returns the class an id belongs to.
func (s *Synthetic) ClassOf(id int) int {
	return ((id % s.config.NumClasses) + s.config.NumClasses) % s.config.NumClasses
}

// Images returns the images of the given ids, one per row, in parallel.
func (s *Synthetic) Images(ids []int) *mat.Dense {
	return s.ImagesWithClasses(ids, nil)
}

// ImagesWithClasses returns the images of the given ids drawn around the prototypes of the given classes, one per
// row, in parallel. It is used when the labels come from a label file instead of ClassOf.
// If classes is nil, or a class is negative (unlabeled), ClassOf(id) is used.
func (s *Synthetic) ImagesWithClasses(ids, classes []int) *mat.Dense {
	if len(ids) == 0 {
		return nil
	}
	if classes != nil && len(classes) != len(ids) {
		exceptions.Panicf("Synthetic.ImagesWithClasses(): %d ids but %d classes", len(ids), len(classes))
	}
	dim := s.config.Shape.Size()
	images := mat.NewDense(len(ids), dim, nil)
	s.pool.Map(len(ids), func(ii int) {
		id := ids[ii]
		class := s.ClassOf(id)
		if classes != nil && classes[ii] >= 0 {
			class = classes[ii] % s.config.NumClasses
		}
		rng := rand.New(rand.NewPCG(s.config.Seed, uint64(id)+1))
		noise := distuv.Normal{Mu: 0, Sigma: s.config.Noise, Src: rng}
		row, prototype := images.RawRowView(ii), s.prototypes.RawRowView(class)
		for jj := range row {
			row[jj] = prototype[jj]
			if s.config.Noise > 0 {
				row[jj] += noise.Rand()
			}
		}
	})
	return images
}

// LabelTable returns ids [0, n) with their classes, where a fraction unlabeledRatio of them, chosen with rng, have
// their label hidden (set to -1). It has the same contents as a label file read by ReadLabelFile.
func (s *Synthetic) LabelTable(n int, unlabeledRatio float64, rng *rand.Rand) (ids, labels []int) {
	ids = make([]int, n)
	labels = make([]int, n)
	for ii := range n {
		ids[ii] = ii
		labels[ii] = s.ClassOf(ii)
		if rng.Float64() < unlabeledRatio {
			labels[ii] = -1
		}
	}
	return
}
