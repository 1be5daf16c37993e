// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/pkg/errors"
)

// Names of the hyperparameters, as used in the settings of the command line (see Config.Params).
const (
	ParamName                    = "name"
	ParamNumClasses              = "num_classes"
	ParamBatchSize               = "batch_size"
	ParamUnlabeledBatchSize      = "unlabeled_batch_size"
	ParamEvalBatchSize           = "eval_batch_size"
	ParamThreshold               = "threshold"
	ParamAlpha                   = "alpha"
	ParamTemperature             = "temperature"
	ParamLambdaU                 = "lambda_u"
	ParamLearningRate            = "learning_rate"
	ParamLearningRateDecay       = "lr_decay"
	ParamLearningRateDecayEpochs = "lr_decay_epochs"
	ParamMomentum                = "momentum"
	ParamWeightDecay             = "weight_decay"
	ParamStartEpoch              = "start_epoch"
	ParamEpochs                  = "epochs"
	ParamLogInterval             = "log_interval"
	ParamSaveEpoch               = "save_epoch"
	ParamSeed                    = "seed"
	ParamModel                   = "model"
	ParamNumHiddenLayers         = "fnn_num_hidden_layers"
	ParamNumHiddenNodes          = "fnn_num_hidden_nodes"
	ParamActivation              = "activation"
	ParamNormalization           = "fnn_normalization"
	ParamValidationRatio         = "validation_ratio"
)

// Config holds every hyperparameter of a training run. It is passed explicitly to NewTrainer, NewEvaluator and
// NewLoop.
type Config struct {
	// Name of the run, used to name checkpoints: Name+"_best" and Name+"_e<epoch>".
	Name string

	NumClasses int

	// BatchSize of labeled batches, UnlabeledBatchSize of unlabeled batches and EvalBatchSize of validation batches.
	BatchSize, UnlabeledBatchSize, EvalBatchSize int

	// Threshold is the minimum averaged confidence for an unlabeled example to be admitted into the batch.
	Threshold float64

	// Alpha is the parameter of the Beta(Alpha, Alpha) distribution MixUp coefficients are drawn from.
	Alpha float64

	// Temperature used to sharpen the guessed labels: p^(1/Temperature), normalized.
	Temperature float64

	// LambdaU is the constant weight of the unsupervised (consistency) loss.
	LambdaU float64

	// LearningRate is the initial learning rate, multiplied by LearningRateDecay every LearningRateDecayEpochs.
	LearningRate, LearningRateDecay float64
	LearningRateDecayEpochs         int

	Momentum, WeightDecay float64

	// StartEpoch and Epochs (inclusive) define the range of epochs to train.
	StartEpoch, Epochs int

	// LogInterval is the number of steps in between training logs.
	LogInterval int

	// SaveEpoch is the interval of epochs in between periodic checkpoints.
	SaveEpoch int

	// ValidationRatio is the fraction of labeled examples held out for validation.
	ValidationRatio float64

	Seed uint64

	// Model is the name of the classifier to train, and the remaining fields configure it.
	Model                           string
	NumHiddenLayers, NumHiddenNodes int
	Activation, Normalization       string
}

// DefaultConfig returns the default hyperparameters.
func DefaultConfig() Config {
	return Config{
		Name:                    "Fixed_threshold",
		NumClasses:              265,
		BatchSize:               20,
		UnlabeledBatchSize:      50,
		EvalBatchSize:           50,
		Threshold:               0.5,
		Alpha:                   0.75,
		Temperature:             0.5,
		LambdaU:                 150,
		LearningRate:            5e-4,
		LearningRateDecay:       0.1,
		LearningRateDecayEpochs: 30,
		Momentum:                0.9,
		WeightDecay:             4e-4,
		StartEpoch:              1,
		Epochs:                  300,
		LogInterval:             10,
		SaveEpoch:               50,
		ValidationRatio:         0.2,
		Seed:                    123,
		Model:                   "fnn",
		NumHiddenLayers:         2,
		NumHiddenNodes:          256,
		Activation:              "relu",
		Normalization:           "batch",
	}
}

// Params returns a pointer to each field of the configuration, indexed by its hyperparameter name.
// It is used to set the configuration from the command line.
func (c *Config) Params() map[string]any {
	return map[string]any{
		ParamName:                    &c.Name,
		ParamNumClasses:              &c.NumClasses,
		ParamBatchSize:               &c.BatchSize,
		ParamUnlabeledBatchSize:      &c.UnlabeledBatchSize,
		ParamEvalBatchSize:           &c.EvalBatchSize,
		ParamThreshold:               &c.Threshold,
		ParamAlpha:                   &c.Alpha,
		ParamTemperature:             &c.Temperature,
		ParamLambdaU:                 &c.LambdaU,
		ParamLearningRate:            &c.LearningRate,
		ParamLearningRateDecay:       &c.LearningRateDecay,
		ParamLearningRateDecayEpochs: &c.LearningRateDecayEpochs,
		ParamMomentum:                &c.Momentum,
		ParamWeightDecay:             &c.WeightDecay,
		ParamStartEpoch:              &c.StartEpoch,
		ParamEpochs:                  &c.Epochs,
		ParamLogInterval:             &c.LogInterval,
		ParamSaveEpoch:               &c.SaveEpoch,
		ParamValidationRatio:         &c.ValidationRatio,
		ParamSeed:                    &c.Seed,
		ParamModel:                   &c.Model,
		ParamNumHiddenLayers:         &c.NumHiddenLayers,
		ParamNumHiddenNodes:          &c.NumHiddenNodes,
		ParamActivation:              &c.Activation,
		ParamNormalization:           &c.Normalization,
	}
}

// Validate returns an error if any of the hyperparameters is out of its valid range.
func (c *Config) Validate() error {
	switch {
	case c.Name == "":
		return errors.New("config: name must be set")
	case c.NumClasses <= 0:
		return errors.Errorf("config: %s must be > 0, got %d", ParamNumClasses, c.NumClasses)
	case c.BatchSize <= 0 || c.UnlabeledBatchSize <= 0 || c.EvalBatchSize <= 0:
		return errors.Errorf("config: batch sizes must be > 0, got %s=%d, %s=%d, %s=%d",
			ParamBatchSize, c.BatchSize, ParamUnlabeledBatchSize, c.UnlabeledBatchSize,
			ParamEvalBatchSize, c.EvalBatchSize)
	case c.Alpha <= 0:
		return errors.Errorf("config: %s must be > 0, got %g", ParamAlpha, c.Alpha)
	case c.Temperature <= 0:
		return errors.Errorf("config: %s must be > 0, got %g", ParamTemperature, c.Temperature)
	case c.LambdaU < 0:
		return errors.Errorf("config: %s must be >= 0, got %g", ParamLambdaU, c.LambdaU)
	case c.LearningRate <= 0:
		return errors.Errorf("config: %s must be > 0, got %g", ParamLearningRate, c.LearningRate)
	case c.StartEpoch < 0 || c.Epochs < c.StartEpoch:
		return errors.Errorf("config: invalid epochs range [%s=%d, %s=%d]",
			ParamStartEpoch, c.StartEpoch, ParamEpochs, c.Epochs)
	case c.LogInterval <= 0 || c.SaveEpoch <= 0:
		return errors.Errorf("config: %s and %s must be > 0, got %d and %d",
			ParamLogInterval, ParamSaveEpoch, c.LogInterval, c.SaveEpoch)
	case c.ValidationRatio < 0 || c.ValidationRatio >= 1:
		return errors.Errorf("config: %s must be in [0, 1), got %g", ParamValidationRatio, c.ValidationRatio)
	}
	return nil
}
