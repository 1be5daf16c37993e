// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"context"
	"math/rand/v2"
	"os"
	"path"
	"testing"
	"time"

	"github.com/komfkore/AdThMix/pkg/ml/datasets"
	"github.com/komfkore/AdThMix/pkg/ml/models"
	"github.com/komfkore/AdThMix/pkg/ml/train"
	"github.com/komfkore/AdThMix/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestParseSettings(t *testing.T) {
	config := train.DefaultConfig()
	params := config.Params()

	paramsSet, err := ParseSettings(params, "threshold=0.95;batch_size=32;seed=1_000;name=run;model=linear;")
	require.NoError(t, err)
	assert.Equal(t, []string{"threshold", "batch_size", "seed", "name", "model"}, paramsSet)
	assert.Equal(t, 0.95, config.Threshold)
	assert.Equal(t, 32, config.BatchSize)
	assert.Equal(t, uint64(1000), config.Seed)
	assert.Equal(t, "run", config.Name)
	assert.Equal(t, "linear", config.Model)

	// Unknown parameter.
	_, err = ParseSettings(params, "q=3")
	require.Error(t, err)

	// Wrong type of value: the value is not changed.
	_, err = ParseSettings(params, "batch_size=3.14")
	require.Error(t, err)
	assert.Equal(t, 32, config.BatchSize)

	// Malformed setting.
	_, err = ParseSettings(params, "epochs")
	require.Error(t, err)

	// Settings from a file.
	filePath := path.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("# Comment\nepochs=5\n\nlambda_u=75;alpha=1\n"), 0o600))
	paramsSet, err = ParseSettings(params, "file:"+filePath+";log_interval=2")
	require.NoError(t, err)
	assert.Equal(t, []string{"epochs", "lambda_u", "alpha", "log_interval"}, paramsSet)
	assert.Equal(t, 5, config.Epochs)
	assert.Equal(t, 75.0, config.LambdaU)
	assert.Equal(t, 1.0, config.Alpha)
	assert.Equal(t, 2, config.LogInterval)

	modified := SprintModifiedSettings(params, []string{"epochs", "alpha", "epochs"})
	assert.Equal(t, "\t\"alpha\": (float64) 1\n\t\"epochs\": (int) 5", modified)
	assert.Contains(t, SprintSettings(params), "\"threshold\": (float64) 0.95")

	values := SettingsValues(params)
	assert.Equal(t, 5, values["epochs"])
	assert.Equal(t, "run", values["name"])
}

func TestReportValidation(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ReportValidation(&buf, "validation", &train.ValidationResult{
		Top1: 42.5, Top5: 80, NumExamples: 1200, NumBatches: 24}))
	assert.Contains(t, buf.String(), "Results on validation:")
	assert.Contains(t, buf.String(), "42.50%")
	assert.Contains(t, buf.String(), "1,200")

	buf.Reset()
	require.NoError(t, ReportValidation(&buf, "validation", nil))
	assert.Contains(t, buf.String(), "no validation")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23ms", FormatDuration(1234567*time.Nanosecond))
	assert.Equal(t, "2.50s", FormatDuration(2500*time.Millisecond))
	assert.Equal(t, "1m30s", FormatDuration(90*time.Second))
}

// newTinyLoop creates a loop of 2 epochs of 4 steps each, over random images of 3 features and 5 classes.
func newTinyLoop(t *testing.T) *train.Loop {
	config := train.DefaultConfig()
	config.NumClasses = 5
	config.BatchSize, config.UnlabeledBatchSize, config.EvalBatchSize = 4, 4, 4
	config.StartEpoch, config.Epochs = 1, 2
	rng := rand.New(rand.NewPCG(1, 1))
	images := func(n int) *mat.Dense {
		m := mat.NewDense(n, 3, nil)
		for ii := range n {
			for jj := range 3 {
				m.Set(ii, jj, rng.NormFloat64())
			}
		}
		return m
	}
	labels := []int{0, 1, 2, 3, 4, 0, 1, 2, 3, 4, 0, 1, 2, 3, 4, 0}

	labeled, err := datasets.NewInMemory("labeled", images(16), labels, config.BatchSize)
	require.NoError(t, err)
	unlabeled, err := datasets.NewUnlabeled("unlabeled", images(8), config.UnlabeledBatchSize, datasets.IdentityView, rng)
	require.NoError(t, err)
	validation, err := datasets.NewInMemory("validation", images(4), labels[:4], config.EvalBatchSize)
	require.NoError(t, err)
	model, err := models.New("linear", models.Config{InputDim: 3, NumClasses: config.NumClasses, Seed: 1})
	require.NoError(t, err)
	optimizer, err := optimizers.StochasticGradientDescent().Done(model.Params())
	require.NoError(t, err)
	trainer, err := train.NewTrainer(config, model, optimizer, labeled, unlabeled, rng)
	require.NoError(t, err)
	evaluator, err := train.NewEvaluator(config, model, validation)
	require.NoError(t, err)
	return train.NewLoop(config, trainer, evaluator)
}

func TestProgressBar(t *testing.T) {
	loop := newTinyLoop(t)
	finish := AttachProgressBar(loop)
	require.NoError(t, loop.RunEpochs(context.Background()))
	finish() // Already finished by the OnEnd hook.

	// A failing loop skips the OnEnd hooks: finish must still stop the display.
	loop = newTinyLoop(t)
	finish = AttachProgressBar(loop)
	loop.OnStep("failing", 10, func(loop *train.Loop, _ *train.StepResult) error {
		if loop.LoopStep == 2 {
			return errors.New("interrupted")
		}
		return nil
	})
	require.Error(t, loop.RunEpochs(context.Background()))
	done := make(chan struct{})
	go func() {
		finish()
		finish()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Minute):
		t.Fatal("progress bar display did not stop")
	}
}
