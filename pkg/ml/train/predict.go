// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/komfkore/AdThMix/pkg/core/tensors"
	"github.com/komfkore/AdThMix/pkg/ml/models"
	"gonum.org/v1/gonum/mat"
)

// Predict returns the most likely class of each image (one per row), running the model in inference mode.
func Predict(model models.Classifier, images *mat.Dense) []int {
	if tensors.NumRows(images) == 0 {
		return nil
	}
	return tensors.Argmax(model.Call(images, models.Inference).Logits)
}

// PredictTopN returns the n most likely classes of each image, in decreasing order of probability.
func PredictTopN(model models.Classifier, images *mat.Dense, n int) [][]int {
	if tensors.NumRows(images) == 0 {
		return nil
	}
	logits := model.Call(images, models.Inference).Logits
	rows, _ := logits.Dims()
	predictions := make([][]int, rows)
	for row := range rows {
		predictions[row] = tensors.TopN(logits.RawRowView(row), n)
	}
	return predictions
}
