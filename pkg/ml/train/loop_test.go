// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/komfkore/AdThMix/pkg/ml/datasets"
	"github.com/komfkore/AdThMix/pkg/ml/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestLoop creates a loop over 2 labeled batches per epoch, for epochs 1 to 4, saving every 2 epochs.
func newTestLoop(t *testing.T) (*Loop, *countingOptimizer, *[]string) {
	config := testConfig()
	config.StartEpoch, config.Epochs = 1, 4
	config.SaveEpoch = 2
	config.LearningRate = 1
	config.LearningRateDecayEpochs = 2
	model, opt := newUniformClassifier(265), &countingOptimizer{}
	labeled, unlabeled := testLoaders(t, config, 8)
	trainer, err := NewTrainer(config, model, opt, labeled, unlabeled, nil)
	require.NoError(t, err)
	validation, err := datasets.NewInMemory("validation", randomDense(rand.New(rand.NewPCG(1, 1)), 4, 3),
		[]int{0, 1, 2, 3}, 4)
	require.NoError(t, err)
	evaluator, err := NewEvaluator(config, model, validation)
	require.NoError(t, err)

	var saved []string
	loop := NewLoop(config, trainer, evaluator).WithCheckpointer(
		CheckpointerFunc(func(name string, epoch int, params []*models.Param) error {
			saved = append(saved, fmt.Sprintf("%s@%d", name, epoch))
			return nil
		}))
	return loop, opt, &saved
}

func TestLoop(t *testing.T) {
	loop, opt, saved := newTestLoop(t)
	var reported []string
	loop.WithReporter(ReporterFunc(func(name string, value, step float64) error {
		reported = append(reported, name)
		// Failing reports never interrupt training.
		return errors.New("reporting service unavailable")
	}))

	var order []string
	var numSteps, numEpochs int
	loop.OnStart("start", 0, func(loop *Loop) error {
		order = append(order, "start")
		return nil
	})
	loop.OnStep("second", 1, func(loop *Loop, step *StepResult) error {
		order = append(order, "second")
		return nil
	})
	loop.OnStep("first", -1, func(loop *Loop, step *StepResult) error {
		order = append(order, "first")
		numSteps++
		return nil
	})
	loop.OnEpoch("epoch", 0, func(loop *Loop, train *EpochResult, validation *ValidationResult) error {
		numEpochs++
		assert.Equal(t, 2, train.Steps)
		require.NotNil(t, validation)
		assert.InDelta(t, 25.0, validation.Top1, 1e-9)
		return nil
	})
	loop.OnEnd("end", 0, func(loop *Loop) error {
		order = append(order, "end")
		return nil
	})

	require.NoError(t, loop.RunEpochs(context.Background()))
	assert.Equal(t, 8, numSteps)
	assert.Equal(t, 4, numEpochs)
	assert.Equal(t, []string{"start", "first", "second"}, order[:3])
	assert.Equal(t, "end", order[len(order)-1])
	assert.Equal(t, 8, loop.LoopStep)
	assert.Equal(t, 0, loop.StartStep)
	assert.Equal(t, 8, loop.EndStep)
	assert.Len(t, loop.TrainStepDurations, 8)
	assert.Greater(t, loop.MedianTrainStepDuration(), time.Duration(0))

	// Validation accuracy never improves after the first epoch.
	assert.Equal(t, 1, loop.BestEpoch)
	assert.Equal(t, []string{"Test_best@1", "Test_e1@1", "Test_e3@3"}, *saved)

	// Learning rate decays by 10 every 2 epochs.
	assert.InDeltaSlice(t, []float64{1, 0.1, 0.1, 0.01}, opt.learningRates, 1e-12)

	assert.Contains(t, reported, "val_acc_top1")
	assert.Contains(t, reported, "valid_confidence_min")
	assert.Contains(t, reported, "train_loss")
}

func TestLoopHookError(t *testing.T) {
	loop, _, saved := newTestLoop(t)
	loop.OnStep("failing", 0, func(loop *Loop, step *StepResult) error {
		if loop.LoopStep == 2 {
			return errors.New("stop here")
		}
		return nil
	})
	err := loop.RunEpochs(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OnStep(hook \"failing\")")
	assert.Equal(t, []string{"Test_best@1", "Test_e1@1"}, *saved)
}

func TestLoopCallbacks(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	var everyTwo, nTimes, exponential, periodic []int
	EveryNSteps(loop, 2, "every two", 0, func(loop *Loop, step *StepResult) error {
		everyTwo = append(everyTwo, loop.LoopStep)
		return nil
	})
	NTimesDuringLoop(loop, 3, "three times", 0, func(loop *Loop, step *StepResult) error {
		nTimes = append(nTimes, loop.LoopStep)
		return nil
	})
	ExponentialCallback(loop, 1, 2, false, "exponential", 0, func(loop *Loop, step *StepResult) error {
		exponential = append(exponential, loop.LoopStep)
		return nil
	})
	PeriodicCallback(loop, time.Hour, true, "periodic", 0, func(loop *Loop, step *StepResult) error {
		require.NotNil(t, step)
		periodic = append(periodic, step.GlobalStep)
		return nil
	})
	require.NoError(t, loop.RunEpochs(context.Background()))
	assert.Equal(t, []int{1, 3, 5, 7}, everyTwo)
	assert.LessOrEqual(t, len(nTimes), 4)
	assert.Equal(t, 7, nTimes[len(nTimes)-1])
	assert.Equal(t, []int{1, 3, 7}, exponential)
	assert.Equal(t, []int{7}, periodic) // Only at the end.

	assert.Panics(t, func() { EveryNSteps(loop, 0, "invalid", 0, nil) })
	assert.Panics(t, func() { ExponentialCallback(loop, 1, 1, false, "invalid", 0, nil) })
}

func TestNewLoopConfig(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	config := loop.Config
	assert.Equal(t, loop.Trainer.Config(), config)
	assert.Equal(t, loop.Evaluator.Config(), config)
	assert.NotPanics(t, func() { NewLoop(config, loop.Trainer, nil) })

	other := config
	other.Epochs++
	assert.Panics(t, func() { NewLoop(other, loop.Trainer, loop.Evaluator) })
	evaluator, err := NewEvaluator(other, loop.Trainer.Model(), loop.Evaluator.Loader())
	require.NoError(t, err)
	assert.Panics(t, func() { NewLoop(config, loop.Trainer, evaluator) })
}
