// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/komfkore/AdThMix/pkg/core/tensors"
	"github.com/komfkore/AdThMix/pkg/ml/datasets"
	"github.com/komfkore/AdThMix/pkg/ml/models"
	"github.com/komfkore/AdThMix/pkg/ml/train/losses"
	"github.com/komfkore/AdThMix/pkg/ml/train/metrics"
	"github.com/komfkore/AdThMix/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// Optimizer updates the model parameters from their accumulated gradients.
type Optimizer = optimizers.Interface

// StepState is a state of a training step.
type StepState int

const (
	StateFetchBatches StepState = iota
	StateGuessLabels
	StateFilterAndMix
	StateForwardBackward
	StateMetricUpdate
	StateEpochEnd
)

// String implements fmt.Stringer.
func (s StepState) String() string {
	switch s {
	case StateFetchBatches:
		return "FetchBatches"
	case StateGuessLabels:
		return "GuessLabels"
	case StateFilterAndMix:
		return "FilterAndMix"
	case StateForwardBackward:
		return "ForwardBackward"
	case StateMetricUpdate:
		return "MetricUpdate"
	case StateEpochEnd:
		return "EpochEnd"
	default:
		return fmt.Sprintf("StepState(%d)", int(s))
	}
}

// Trainer runs the semi-supervised training steps: it guesses the labels of the unlabeled batch, keeps only the
// confident ones, mixes them with the labeled batch, and trains the model on the mix with a composite loss.
//
// A Trainer is not safe for concurrent use.
type Trainer struct {
	config    Config
	model     models.Classifier
	optimizer Optimizer
	labeled   *datasets.Cycle[datasets.LabeledBatch]
	unlabeled *datasets.Cycle[datasets.UnlabeledBatch]
	mixUp     *MixUp
	semiLoss  losses.SemiLoss
	reporter  Reporter

	// Running metrics of the current epoch, weighted by the labeled batch size.
	losses, lossesX, lossesU, goodUnlabeled, weightScale, top1, top5 *metrics.Accumulator

	globalStep int
}

// StepResult holds the values of one training step.
type StepResult struct {
	// Epoch and BatchIdx (within the epoch) of the step. GlobalStep counts steps since the trainer was created.
	Epoch, BatchIdx, GlobalStep int

	// BatchSize of the labeled batch, UnlabeledBatchSize of the unlabeled batch.
	BatchSize, UnlabeledBatchSize int

	// Loss is the composite loss: Supervised + Weight*Unsupervised.
	Loss, Supervised, Unsupervised, Weight float64

	// NumAdmitted unlabeled examples and the AdmittedFraction of the unlabeled batch.
	NumAdmitted      int
	AdmittedFraction float64

	// Mixed is whether MixUp was applied, in which case Lambda holds its coefficient.
	Mixed  bool
	Lambda float64

	// Top1 and Top5 accuracies (fractions) of the model on the labeled batch, after the update.
	Top1, Top5 float64

	// Confidence of the correct top-1 predictions on the labeled batch.
	Confidence metrics.Confidence

	// LabeledRestarted and UnlabeledRestarted report whether the loaders were restarted to fetch the batches.
	LabeledRestarted, UnlabeledRestarted bool

	// Duration of the step.
	Duration time.Duration
}

// EpochResult holds the per-step averages of one epoch.
type EpochResult struct {
	Epoch, Steps int

	// Loss is the average composite loss, and Top1 and Top5 the average accuracies on the labeled batches,
	// in percent.
	Loss, Top1, Top5 float64

	// AdmittedFraction is the average fraction of admitted unlabeled examples.
	AdmittedFraction float64
}

// NewTrainer creates a Trainer for the model, with the given optimizer and loaders. rng is used by MixUp.
func NewTrainer(config Config, model models.Classifier, optimizer Optimizer,
	labeled datasets.Loader[datasets.LabeledBatch], unlabeled datasets.Loader[datasets.UnlabeledBatch],
	rng *rand.Rand) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WithMessage(err, "NewTrainer()")
	}
	switch {
	case model == nil:
		return nil, errors.New("NewTrainer(): model is nil")
	case optimizer == nil:
		return nil, errors.New("NewTrainer(): optimizer is nil")
	case labeled == nil || unlabeled == nil:
		return nil, errors.New("NewTrainer(): both labeled and unlabeled loaders must be given")
	case labeled.NumBatches() == 0:
		return nil, errors.Errorf("NewTrainer(): labeled loader %q has no batches", labeled.Name())
	case model.NumClasses() != config.NumClasses:
		return nil, errors.Errorf("NewTrainer(): model %q has %d classes, configuration has %s=%d",
			model.Name(), model.NumClasses(), ParamNumClasses, config.NumClasses)
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(config.Seed, 0))
	}
	return &Trainer{
		config:        config,
		model:         model,
		optimizer:     optimizer,
		labeled:       datasets.NewCycle(labeled),
		unlabeled:     datasets.NewCycle(unlabeled),
		mixUp:         NewMixUp(config.Alpha, rng),
		semiLoss:      losses.SemiLoss{LambdaU: config.LambdaU},
		losses:        metrics.NewLossAccumulator("Loss", "loss"),
		lossesX:       metrics.NewLossAccumulator("Supervised loss", "loss_x"),
		lossesU:       metrics.NewLossAccumulator("Unsupervised loss", "loss_u"),
		goodUnlabeled: metrics.NewAccumulator("Admitted unlabeled", "good", metrics.FractionMetricType),
		weightScale:   metrics.NewAccumulator("Consistency weight", "w", metrics.WeightMetricType),
		top1:          metrics.NewAccuracyAccumulator("Top-1 accuracy", "top1"),
		top5:          metrics.NewAccuracyAccumulator("Top-5 accuracy", "top5"),
	}, nil
}

// WithReporter sets where metrics are reported. It returns the Trainer itself.
func (t *Trainer) WithReporter(reporter Reporter) *Trainer {
	t.reporter = reporter
	return t
}

// Config returns the configuration of the trainer.
func (t *Trainer) Config() Config { return t.config }

// Model being trained.
func (t *Trainer) Model() models.Classifier { return t.model }

// Optimizer used to update the model.
func (t *Trainer) Optimizer() Optimizer { return t.optimizer }

// NumBatches is the number of steps in one epoch: the number of labeled batches.
func (t *Trainer) NumBatches() int { return t.labeled.Loader().NumBatches() }

// GlobalStep returns the number of steps executed so far.
func (t *Trainer) GlobalStep() int { return t.globalStep }

// Metrics returns the running metrics of the current epoch.
func (t *Trainer) Metrics() []*metrics.Accumulator {
	return []*metrics.Accumulator{t.losses, t.lossesX, t.lossesU, t.goodUnlabeled, t.weightScale, t.top1, t.top5}
}

// ResetMetrics resets the running metrics. It is called at the start of each epoch.
func (t *Trainer) ResetMetrics() {
	for _, m := range t.Metrics() {
		m.Reset()
	}
}

// stepState carries the values flowing between the states of one step.
type stepState struct {
	labeled   datasets.LabeledBatch
	unlabeled datasets.UnlabeledBatch
	targetsX  *mat.Dense
	pseudo    *PseudoLabels
	mixed     *Mixed
	loss      losses.SemiLossResult
}

// TrainStep runs one training step: it fetches one labeled and one unlabeled batch (restarting exhausted
// loaders), guesses the labels of the unlabeled batch, mixes, runs the forward and backward passes, applies one
// optimizer step and updates the running metrics.
func (t *Trainer) TrainStep() (*StepResult, error) {
	startTime := time.Now()
	var s stepState
	result := &StepResult{GlobalStep: t.globalStep}
	state := StateFetchBatches
	for state != StateEpochEnd {
		if klog.V(3).Enabled() {
			klog.Infof("step %d: %s", t.globalStep, state)
		}
		var err error
		switch state {
		case StateFetchBatches:
			s.labeled, result.LabeledRestarted, err = t.labeled.Next()
			if err != nil {
				return nil, errors.WithMessage(err, "fetching labeled batch")
			}
			s.unlabeled, result.UnlabeledRestarted, err = t.unlabeled.Next()
			if err != nil {
				return nil, errors.WithMessage(err, "fetching unlabeled batch")
			}
			result.BatchSize = s.labeled.Size()
			result.UnlabeledBatchSize = s.unlabeled.Size()
			if result.BatchSize == 0 {
				return nil, errors.Errorf("labeled loader %q yielded an empty batch", t.labeled.Loader().Name())
			}
			state = StateGuessLabels

		case StateGuessLabels:
			s.pseudo = GuessLabels(t.model, s.unlabeled, t.config.Threshold, t.config.Temperature)
			result.NumAdmitted = s.pseudo.NumAdmitted()
			result.AdmittedFraction = s.pseudo.AdmittedFraction()
			state = StateFilterAndMix

		case StateFilterAndMix:
			s.targetsX = tensors.OneHot(s.labeled.Labels, t.config.NumClasses)
			if s.pseudo.HasAdmitted() {
				s.mixed = t.mixUp.Mix(
					[]*mat.Dense{s.labeled.Images, s.pseudo.View1, s.pseudo.View2},
					[]*mat.Dense{s.targetsX, s.pseudo.AdmittedTargets, s.pseudo.AdmittedTargets})
				result.Mixed = true
				result.Lambda = s.mixed.Lambda
			}
			state = StateForwardBackward

		case StateForwardBackward:
			if s.mixed != nil {
				s.loss, err = t.mixedForwardBackward(s.mixed, result.BatchSize)
			} else {
				s.loss, err = t.supervisedForwardBackward(s.labeled.Images, s.targetsX)
			}
			if err != nil {
				return nil, err
			}
			result.Loss, result.Supervised = s.loss.Total, s.loss.Supervised
			result.Unsupervised, result.Weight = s.loss.Unsupervised, s.loss.Weight
			if math.IsNaN(result.Loss) || math.IsInf(result.Loss, 0) {
				return nil, errors.Errorf("batch loss is %g at step %d, training interrupted", result.Loss, t.globalStep)
			}
			if err = t.optimizer.Step(); err != nil {
				return nil, errors.WithMessagef(err, "optimizer step %d", t.globalStep)
			}
			state = StateMetricUpdate

		case StateMetricUpdate:
			logits := t.model.Call(s.labeled.Images, models.Inference).Logits
			result.Confidence = metrics.Top1AccuracyWithConfidence(s.labeled.Labels, logits)
			result.Top1 = result.Confidence.Accuracy
			result.Top5 = metrics.TopNAccuracy(s.labeled.Labels, logits, 5)
			weight := float64(result.BatchSize)
			t.losses.Update(result.Loss, weight)
			t.lossesX.Update(result.Supervised, weight)
			t.lossesU.Update(result.Unsupervised, weight)
			t.weightScale.Update(result.Weight, weight)
			t.goodUnlabeled.Add(result.AdmittedFraction)
			t.top1.Update(result.Top1, weight)
			t.top5.Update(result.Top5, weight)
			state = StateEpochEnd
		}
	}
	t.globalStep++
	result.Duration = time.Since(startTime)
	return result, nil
}

// supervisedForwardBackward is used when no unlabeled example was admitted: the loss is the cross-entropy of the
// original labeled images against their one-hot labels.
func (t *Trainer) supervisedForwardBackward(images, targets *mat.Dense) (losses.SemiLossResult, error) {
	t.optimizer.ZeroGradients()
	pass := t.model.Call(images, models.Training)
	result := t.semiLoss.Compute(pass.Logits, targets, nil, nil)
	if err := pass.Backward(result.GradLabeled); err != nil {
		return result, errors.WithMessage(err, "back-propagating supervised loss")
	}
	return result, nil
}

// mixedForwardBackward splits the mixed batch into chunks of batchSize rows, the first one holding the labeled
// examples. Full chunks are interleaved, so every forward pass sees a mix of labeled and unlabeled examples, and
// the logits are de-interleaved before computing the loss. Gradients go back the same way.
func (t *Trainer) mixedForwardBackward(mixed *Mixed, batchSize int) (losses.SemiLossResult, error) {
	total := tensors.NumRows(mixed.AllInputs)
	chunkSizes := tensors.ChunkSizes(total, batchSize)
	numFull := total / batchSize
	inputs := tensors.SplitRows(mixed.AllInputs, chunkSizes)
	if numFull > 1 {
		copy(inputs, Interleave(inputs[:numFull], batchSize))
	}

	t.optimizer.ZeroGradients()
	passes := make([]*models.Pass, len(inputs))
	logits := make([]*mat.Dense, len(inputs))
	for ii, x := range inputs {
		passes[ii] = t.model.Call(x, models.Training)
		logits[ii] = passes[ii].Logits
	}
	if numFull > 1 {
		copy(logits, Interleave(logits[:numFull], batchSize))
	}
	allLogits := tensors.ConcatRows(logits...)
	numLabeled := mixed.Sizes[0]
	split := []int{numLabeled, total - numLabeled}
	logitsParts := tensors.SplitRows(allLogits, split)
	targetsParts := tensors.SplitRows(mixed.AllTargets, split)
	result := t.semiLoss.Compute(logitsParts[0], targetsParts[0], logitsParts[1], targetsParts[1])

	grads := tensors.SplitRows(tensors.ConcatRows(result.GradLabeled, result.GradUnlabeled), chunkSizes)
	if numFull > 1 {
		copy(grads, Interleave(grads[:numFull], batchSize))
	}
	for ii, pass := range passes {
		if err := pass.Backward(grads[ii]); err != nil {
			return result, errors.WithMessagef(err, "back-propagating mixed loss of pass #%d", ii)
		}
	}
	return result, nil
}

// TrainEpoch runs one epoch: exactly one step per labeled batch, however many times the unlabeled loader needs
// to be restarted. Both loaders are reset at the start of the epoch.
//
// onStep, if not nil, is called after every step. It returns the per-step averages of the epoch.
func (t *Trainer) TrainEpoch(ctx context.Context, epoch int, onStep func(*StepResult) error) (*EpochResult, error) {
	t.labeled.Loader().Reset()
	t.unlabeled.Loader().Reset()
	t.ResetMetrics()
	numBatches := t.NumBatches()
	numExamples := numBatches * t.config.BatchSize
	if sized, ok := t.labeled.Loader().(interface{ NumExamples() int }); ok {
		numExamples = sized.NumExamples()
	}

	result := &EpochResult{Epoch: epoch}
	for batchIdx := range numBatches {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "epoch %d interrupted at batch %d", epoch, batchIdx)
		}
		step, err := t.TrainStep()
		if err != nil {
			return nil, errors.WithMessagef(err, "epoch %d, batch %d", epoch, batchIdx)
		}
		step.Epoch, step.BatchIdx = epoch, batchIdx
		result.Steps++
		result.Loss += step.Loss
		result.Top1 += 100 * step.Top1
		result.Top5 += 100 * step.Top5
		result.AdmittedFraction += step.AdmittedFraction

		reportStep := float64(epoch) + float64(batchIdx)/float64(numBatches)
		if batchIdx%t.config.LogInterval == 0 {
			klog.Infof("Train Epoch:%d [%d/%d] Loss:%.4f(%.4f) Top-1:%.2f%%(%.2f%%) Top-5:%.2f%%(%.2f%%)",
				epoch, batchIdx*step.BatchSize, numExamples,
				t.losses.Value, t.losses.Average,
				100*t.top1.Value, 100*t.top1.Average, 100*t.top5.Value, 100*t.top5.Average)
			if batchIdx != 0 {
				report(t.reporter, "good_unlabeled", t.goodUnlabeled.Average, reportStep)
			}
		}
		if step.Confidence.Average != 0 {
			report(t.reporter, "train_confidence_avg", step.Confidence.Average, reportStep)
			report(t.reporter, "train_confidence_min", step.Confidence.Min, reportStep)
		}
		report(t.reporter, "losses_x", t.lossesX.Average, reportStep)
		report(t.reporter, "losses_un", t.lossesU.Average*t.config.LambdaU, reportStep)

		if onStep != nil {
			if err = onStep(step); err != nil {
				return nil, errors.WithMessagef(err, "epoch %d, batch %d", epoch, batchIdx)
			}
		}
	}

	n := float64(result.Steps)
	result.Loss /= n
	result.Top1 /= n
	result.Top5 /= n
	result.AdmittedFraction /= n
	report(t.reporter, "train_acc_top1", result.Top1, float64(epoch))
	report(t.reporter, "train_acc_top5", result.Top5, float64(epoch))
	klog.V(1).Infof("epoch %d: %d steps, loss=%.4f, top-1=%.2f%%, top-5=%.2f%%, admitted=%.1f%%, unlabeled restarts=%d",
		epoch, result.Steps, result.Loss, result.Top1, result.Top5, 100*result.AdmittedFraction, t.unlabeled.Restarts())
	return result, nil
}
