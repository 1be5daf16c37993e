// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"math/rand/v2"

	"github.com/komfkore/AdThMix/pkg/ml/datasets"
	"github.com/komfkore/AdThMix/pkg/ml/models"
	"github.com/komfkore/AdThMix/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Evaluator runs the validation pass: a forward pass in inference mode over every batch of the validation loader,
// with no parameter update.
type Evaluator struct {
	config Config
	model  models.Classifier
	loader datasets.Loader[datasets.LabeledBatch]
	median *metrics.StreamingMedian
}

// ValidationResult holds the results of one validation pass.
type ValidationResult struct {
	// Top1 and Top5 are the averages of the per-batch accuracies, in percent.
	Top1, Top5 float64

	// ConfidenceAvg, ConfidenceMin and ConfidenceMedian summarize the probability of the predicted class over all
	// correctly predicted examples of the pass. They are 0 if no example was predicted correctly.
	ConfidenceAvg, ConfidenceMin, ConfidenceMedian float64

	NumBatches, NumExamples, NumCorrect int
}

// NewEvaluator creates an Evaluator of the model over the validation loader, for the run configured by config.
func NewEvaluator(config Config, model models.Classifier, loader datasets.Loader[datasets.LabeledBatch]) (*Evaluator, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WithMessage(err, "NewEvaluator()")
	}
	switch {
	case model == nil || loader == nil:
		return nil, errors.New("NewEvaluator(): model and loader must be given")
	case model.NumClasses() != config.NumClasses:
		return nil, errors.Errorf("NewEvaluator(): model %q has %d classes, configuration has %s=%d",
			model.Name(), model.NumClasses(), ParamNumClasses, config.NumClasses)
	}
	return &Evaluator{
		config: config,
		model:  model,
		loader: loader,
		median: metrics.NewStreamingMedian("Validation confidence median", "conf~", metrics.FractionMetricType,
			rand.New(rand.NewPCG(config.Seed, 1))),
	}, nil
}

// Config returns the configuration of the evaluator.
func (e *Evaluator) Config() Config { return e.config }

// Loader returns the validation loader.
func (e *Evaluator) Loader() datasets.Loader[datasets.LabeledBatch] { return e.loader }

// Evaluate runs one full validation pass. The loader is reset before starting.
func (e *Evaluator) Evaluate(ctx context.Context) (*ValidationResult, error) {
	e.loader.Reset()
	e.median.Reset()
	result := &ValidationResult{}
	var confidenceSum float64
	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "validation over %q interrupted", e.loader.Name())
		}
		batch, ok := e.loader.Next()
		if !ok {
			break
		}
		if batch.Size() == 0 {
			continue
		}
		logits := e.model.Call(batch.Images, models.Inference).Logits
		confidence := metrics.Top1AccuracyWithConfidence(batch.Labels, logits)
		result.Top1 += 100 * confidence.Accuracy
		result.Top5 += 100 * metrics.TopNAccuracy(batch.Labels, logits, 5)
		result.NumBatches++
		result.NumExamples += confidence.NumExamples
		if confidence.NumCorrect > 0 {
			if result.NumCorrect == 0 || confidence.Min < result.ConfidenceMin {
				result.ConfidenceMin = confidence.Min
			}
			result.NumCorrect += confidence.NumCorrect
			confidenceSum += confidence.Sum
			e.median.Update(confidence.Values...)
		}
	}
	if result.NumBatches == 0 {
		klog.Warningf("validation loader %q yielded no examples", e.loader.Name())
		return result, nil
	}
	result.Top1 /= float64(result.NumBatches)
	result.Top5 /= float64(result.NumBatches)
	if result.NumCorrect > 0 {
		result.ConfidenceAvg = confidenceSum / float64(result.NumCorrect)
		result.ConfidenceMedian = e.median.Median()
	}
	return result, nil
}
