// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/komfkore/AdThMix/pkg/core/tensors"
	"github.com/komfkore/AdThMix/pkg/ml/datasets"
	"github.com/komfkore/AdThMix/pkg/ml/models"
	"github.com/komfkore/AdThMix/pkg/ml/train/losses"
	"github.com/komfkore/AdThMix/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// uniformClassifier always predicts the uniform distribution (all logits 0), and records its calls.
type uniformClassifier struct {
	numClasses                    int
	trainingCalls, inferenceCalls int
	backwardRows                  []int
}

var _ models.Classifier = (*uniformClassifier)(nil)

func newUniformClassifier(numClasses int) *uniformClassifier {
	return &uniformClassifier{numClasses: numClasses}
}

func (c *uniformClassifier) Name() string { return "uniform" }
func (c *uniformClassifier) NumClasses() int { return c.numClasses }
func (c *uniformClassifier) Params() []*models.Param { return nil }

func (c *uniformClassifier) Call(images *mat.Dense, mode models.Mode) *models.Pass {
	if mode == models.Training {
		c.trainingCalls++
	} else {
		c.inferenceCalls++
	}
	logits := mat.NewDense(tensors.NumRows(images), c.numClasses, nil)
	return models.NewPass(mode, images, logits, func(grad *mat.Dense) error {
		rows, _ := grad.Dims()
		c.backwardRows = append(c.backwardRows, rows)
		return nil
	})
}

// countingOptimizer records the calls it receives.
type countingOptimizer struct {
	zeroCalls, stepCalls int
	learningRates        []float64
	lr                   float64
}

func (o *countingOptimizer) ZeroGradients() { o.zeroCalls++ }
func (o *countingOptimizer) Step() error { o.stepCalls++; return nil }
func (o *countingOptimizer) LearningRate() float64 { return o.lr }
func (o *countingOptimizer) SetLearningRate(lr float64) {
	o.lr = lr
	o.learningRates = append(o.learningRates, lr)
}

// testConfig has 265 classes, labeled batches of 4 and unlabeled batches of 8.
func testConfig() Config {
	config := DefaultConfig()
	config.Name = "Test"
	config.BatchSize = 4
	config.UnlabeledBatchSize = 8
	config.EvalBatchSize = 4
	config.LogInterval = 1
	return config
}

// testLoaders returns numLabeled labeled examples with labels 0, 1, 2, 3, 0, 1, ... and 8 unlabeled examples.
func testLoaders(t *testing.T, config Config, numLabeled int) (*datasets.InMemory, *datasets.Unlabeled) {
	rng := rand.New(rand.NewPCG(5, 5))
	labels := make([]int, numLabeled)
	for ii := range labels {
		labels[ii] = ii % 4
	}
	labeled, err := datasets.NewInMemory("labeled", randomDense(rng, numLabeled, 3), labels, config.BatchSize)
	require.NoError(t, err)
	unlabeled, err := datasets.NewUnlabeled("unlabeled", randomDense(rng, 8, 3), config.UnlabeledBatchSize,
		datasets.GaussianNoiseView(0.1), rng)
	require.NoError(t, err)
	return labeled, unlabeled
}

func TestTrainStepNothingAdmitted(t *testing.T) {
	config := testConfig()
	config.Threshold = 0.9
	model, opt := newUniformClassifier(265), &countingOptimizer{}
	labeled, unlabeled := testLoaders(t, config, 4)
	trainer, err := NewTrainer(config, model, opt, labeled, unlabeled, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)

	step, err := trainer.TrainStep()
	require.NoError(t, err)
	assert.Equal(t, 0, step.NumAdmitted)
	assert.False(t, step.Mixed)
	// Supervised-only: the cross-entropy of a uniform prediction.
	assert.InDelta(t, math.Log(265), step.Loss, 1e-9)
	assert.InDelta(t, math.Log(265), step.Supervised, 1e-9)
	assert.Equal(t, 0.0, step.Unsupervised)
	assert.Equal(t, 0.0, step.Weight)

	// One training pass over the labeled batch, then one step of the optimizer.
	assert.Equal(t, 1, model.trainingCalls)
	assert.Equal(t, []int{4}, model.backwardRows)
	assert.Equal(t, 1, opt.zeroCalls)
	assert.Equal(t, 1, opt.stepCalls)

	// Uniform logits predict class 0 (first maximum), and classes 0..4 as top-5.
	assert.Equal(t, 0.25, step.Top1)
	assert.Equal(t, 1.0, step.Top5)
	assert.Equal(t, 1, step.Confidence.NumCorrect)
	assert.InDelta(t, 1.0/265, step.Confidence.Average, 1e-12)
}

func TestTrainStepAllAdmitted(t *testing.T) {
	config := testConfig()
	config.Threshold = 0
	model, opt := newUniformClassifier(265), &countingOptimizer{}
	labeled, unlabeled := testLoaders(t, config, 4)
	trainer, err := NewTrainer(config, model, opt, labeled, unlabeled, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)

	step, err := trainer.TrainStep()
	require.NoError(t, err)
	assert.Equal(t, 8, step.NumAdmitted)
	assert.Equal(t, 1.0, step.AdmittedFraction)
	assert.True(t, step.Mixed)
	assert.GreaterOrEqual(t, step.Lambda, 0.5)
	assert.Equal(t, config.LambdaU, step.Weight)
	assert.InDelta(t, step.Supervised+step.Weight*step.Unsupervised, step.Loss, 1e-12)
	// Mixed targets are distributions, so the cross-entropy of a uniform prediction is still log(265).
	assert.InDelta(t, math.Log(265), step.Supervised, 1e-9)

	// 4 labeled + 2*8 unlabeled rows are forwarded in 5 passes of 4.
	assert.Equal(t, 5, model.trainingCalls)
	assert.Equal(t, []int{4, 4, 4, 4, 4}, model.backwardRows)
	assert.Equal(t, 1, opt.stepCalls)
}

// TestMixedForwardBackward checks the gradients going through the interleaved passes against finite differences
// of the composite loss computed on the whole (non-interleaved) mixed batch.
func TestMixedForwardBackward(t *testing.T) {
	const numClasses = 5
	for _, numLabeled := range []int{2, 3} {
		rng := rand.New(rand.NewPCG(11, uint64(numLabeled)))
		model, err := models.New("linear", models.Config{InputDim: 3, NumClasses: numClasses, Seed: 3})
		require.NoError(t, err)
		opt, err := optimizers.StochasticGradientDescent().Done(model.Params())
		require.NoError(t, err)
		config := testConfig()
		config.NumClasses = numClasses
		config.BatchSize = numLabeled
		config.LambdaU = 3
		labels := make([]int, numLabeled)
		labeled, err := datasets.NewInMemory("labeled", randomDense(rng, numLabeled, 3), labels, numLabeled)
		require.NoError(t, err)
		unlabeled, err := datasets.NewUnlabeled("unlabeled", randomDense(rng, 2, 3), 2, nil, nil)
		require.NoError(t, err)
		trainer, err := NewTrainer(config, model, opt, labeled, unlabeled, rng)
		require.NoError(t, err)

		targetsU := tensors.Softmax(randomDense(rng, 2, numClasses))
		mixed := trainer.mixUp.Mix(
			[]*mat.Dense{randomDense(rng, numLabeled, 3), randomDense(rng, 2, 3), randomDense(rng, 2, 3)},
			[]*mat.Dense{tensors.OneHot([]int{0, 1, 4}[:numLabeled], numClasses), targetsU, targetsU})
		lossFn := func() float64 {
			logits := model.Call(mixed.AllInputs, models.Inference).Logits
			split := []int{numLabeled, 4}
			l := tensors.SplitRows(logits, split)
			tt := tensors.SplitRows(mixed.AllTargets, split)
			return losses.SemiLoss{LambdaU: 3}.Compute(l[0], tt[0], l[1], tt[1]).Total
		}

		result, err := trainer.mixedForwardBackward(mixed, numLabeled)
		require.NoError(t, err)
		assert.InDelta(t, lossFn(), result.Total, 1e-9)
		for _, p := range model.Params() {
			values := p.Value.RawMatrix().Data
			original := slices.Clone(values)
			numeric := fd.Gradient(nil, func(x []float64) float64 {
				copy(values, x)
				return lossFn()
			}, original, &fd.Settings{Formula: fd.Central})
			copy(values, original)
			assert.InDeltaSlicef(t, numeric, p.Grad.RawMatrix().Data, 1e-5,
				"gradient of %q with %d labeled examples", p.Name, numLabeled)
		}
	}
}

func TestTrainEpoch(t *testing.T) {
	config := testConfig()
	config.Threshold = 0.9
	model, opt := newUniformClassifier(265), &countingOptimizer{}
	labeled, unlabeled := testLoaders(t, config, 12)
	var reported []string
	reporter := ReporterFunc(func(name string, value, step float64) error {
		reported = append(reported, name)
		return nil
	})
	trainer, err := NewTrainer(config, model, opt, labeled, unlabeled, nil)
	require.NoError(t, err)
	trainer.WithReporter(reporter)

	var steps []*StepResult
	result, err := trainer.TrainEpoch(context.Background(), 3, func(step *StepResult) error {
		steps = append(steps, step)
		return nil
	})
	require.NoError(t, err)
	// One step per labeled batch, the unlabeled loader (1 batch) is restarted for each extra step.
	require.Len(t, steps, 3)
	assert.Equal(t, 3, result.Steps)
	assert.Equal(t, []bool{false, true, true}, []bool{
		steps[0].UnlabeledRestarted, steps[1].UnlabeledRestarted, steps[2].UnlabeledRestarted})
	assert.Equal(t, 2, steps[2].BatchIdx)
	assert.Equal(t, 3, steps[2].Epoch)
	assert.InDelta(t, math.Log(265), result.Loss, 1e-9)
	assert.InDelta(t, 25.0, result.Top1, 1e-9)
	assert.InDelta(t, 100.0, result.Top5, 1e-9)
	assert.Equal(t, 0.0, result.AdmittedFraction)

	assert.Contains(t, reported, "good_unlabeled")
	assert.Contains(t, reported, "train_confidence_avg")
	assert.Contains(t, reported, "losses_un")
	assert.Contains(t, reported, "train_acc_top5")

	// Cancellation stops in between steps.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = trainer.TrainEpoch(ctx, 4, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestTrainEpochReporterFailure(t *testing.T) {
	config := testConfig()
	labeled, unlabeled := testLoaders(t, config, 8)
	trainer, err := NewTrainer(config, newUniformClassifier(265), &countingOptimizer{}, labeled, unlabeled, nil)
	require.NoError(t, err)
	trainer.WithReporter(ReporterFunc(func(string, float64, float64) error {
		return assert.AnError
	}))
	result, err := trainer.TrainEpoch(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Steps)
}

func TestNewTrainerErrors(t *testing.T) {
	config := testConfig()
	labeled, unlabeled := testLoaders(t, config, 4)
	_, err := NewTrainer(config, newUniformClassifier(10), &countingOptimizer{}, labeled, unlabeled, nil)
	require.Error(t, err)
	_, err = NewTrainer(config, newUniformClassifier(265), nil, labeled, unlabeled, nil)
	require.Error(t, err)
	config.Temperature = 0
	_, err = NewTrainer(config, newUniformClassifier(265), &countingOptimizer{}, labeled, unlabeled, nil)
	require.Error(t, err)
}

func TestEvaluator(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 2))
	// Labels 0..3 and 5..8: uniform predictions only get class 0 right.
	validation, err := datasets.NewInMemory("validation", randomDense(rng, 8, 3),
		[]int{0, 1, 2, 3, 5, 6, 7, 8}, 4)
	require.NoError(t, err)
	evaluator, err := NewEvaluator(testConfig(), newUniformClassifier(265), validation)
	require.NoError(t, err)
	result, err := evaluator.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.NumBatches)
	assert.Equal(t, 8, result.NumExamples)
	assert.Equal(t, 1, result.NumCorrect)
	assert.InDelta(t, 12.5, result.Top1, 1e-9) // (25% + 0%) / 2
	assert.InDelta(t, 50.0, result.Top5, 1e-9) // (100% + 0%) / 2
	assert.InDelta(t, 1.0/265, result.ConfidenceAvg, 1e-12)
	assert.InDelta(t, 1.0/265, result.ConfidenceMin, 1e-12)
	assert.InDelta(t, 1.0/265, result.ConfidenceMedian, 1e-12)

	// No correct prediction: confidence statistics are 0.
	wrong, err := datasets.NewInMemory("wrong", randomDense(rng, 3, 3), []int{7, 8, 9}, 2)
	require.NoError(t, err)
	evaluator, err = NewEvaluator(testConfig(), newUniformClassifier(265), wrong)
	require.NoError(t, err)
	result, err = evaluator.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.Top1)
	assert.Equal(t, 0.0, result.ConfidenceAvg)
	assert.Equal(t, 0.0, result.ConfidenceMin)

	// The configuration is validated and must match the model.
	_, err = NewEvaluator(testConfig(), newUniformClassifier(10), wrong)
	require.Error(t, err)
	invalid := testConfig()
	invalid.EvalBatchSize = 0
	_, err = NewEvaluator(invalid, newUniformClassifier(265), wrong)
	require.Error(t, err)
	_, err = NewEvaluator(testConfig(), nil, wrong)
	require.Error(t, err)
}

func TestPredict(t *testing.T) {
	model, err := models.New("linear", models.Config{InputDim: 2, NumClasses: 3, Seed: 1})
	require.NoError(t, err)
	images := tensors.FromRows([][]float64{{1, 0}, {0, 1}})
	predictions := Predict(model, images)
	require.Len(t, predictions, 2)
	top := PredictTopN(model, images, 2)
	require.Len(t, top, 2)
	assert.Equal(t, predictions[0], top[0][0])
	assert.Equal(t, predictions[1], top[1][0])
	assert.Nil(t, Predict(model, nil))
}
