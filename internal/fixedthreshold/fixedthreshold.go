// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fixedthreshold wires the datasets, model, optimizer, trainer, checkpoints and UI together to run a
// fixed-threshold semi-supervised training, as done by the cmd/fixed_threshold binary.
package fixedthreshold

import (
	"context"
	"math/rand/v2"
	"os"
	"slices"

	"github.com/komfkore/AdThMix/pkg/ml/checkpoints"
	"github.com/komfkore/AdThMix/pkg/ml/datasets"
	"github.com/komfkore/AdThMix/pkg/ml/models"
	"github.com/komfkore/AdThMix/pkg/ml/train"
	"github.com/komfkore/AdThMix/pkg/ml/train/optimizers"
	"github.com/komfkore/AdThMix/ui/commandline"
	"github.com/komfkore/AdThMix/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options of a run that are not training hyperparameters.
type Options struct {
	// LabelFile is a tab-separated file with a header and columns id and label (negative for unlabeled).
	// If empty, a synthetic label table of NumExamples ids is used, with UnlabeledRatio of them unlabeled.
	LabelFile string

	// StratifiedSplit splits train and validation per class. Only used with LabelFile.
	StratifiedSplit bool

	NumExamples    int
	UnlabeledRatio float64

	// Synthetic configures the source of the image features. Its NumClasses and Seed are taken from the
	// training configuration.
	Synthetic datasets.SyntheticConfig

	// ViewNoise is the standard deviation of the Gaussian noise used to create the two views of unlabeled images.
	ViewNoise float64

	// CheckpointDir where checkpoints and plot points are saved. If empty, nothing is saved.
	CheckpointDir string

	// Resume is the name of a checkpoint in CheckpointDir to start from.
	// Its settings are used, except those explicitly set, and training restarts after its epoch.
	Resume string

	HalfPrecision bool
	Compression   checkpoints.BinFormat

	// KeepPeriodic is the number of periodic checkpoints kept. Negative keeps all of them.
	KeepPeriodic int

	// Plots records the reported metrics in CheckpointDir and renders them at the end of training.
	Plots bool

	// ProgressBar displays a progress bar with the running metrics.
	ProgressBar bool
}

// DefaultOptions returns the options used by the command line.
func DefaultOptions() Options {
	return Options{
		NumExamples:    20_000,
		UnlabeledRatio: 0.8,
		Synthetic:      datasets.DefaultSyntheticConfig(),
		ViewNoise:      0.1,
		KeepPeriodic:   -1,
		Plots:          true,
		ProgressBar:    true,
	}
}

// Data holds the loaders of a run.
type Data struct {
	Shape      datasets.ImageShape
	Split      *datasets.Split
	Labeled    *datasets.InMemory
	Unlabeled  *datasets.Unlabeled
	Validation *datasets.InMemory
}

// CreateData creates the id split and the loaders of a run.
func CreateData(config train.Config, opts Options, rng *rand.Rand) (*Data, error) {
	synthConfig := opts.Synthetic
	synthConfig.NumClasses = config.NumClasses
	synthConfig.Seed = config.Seed
	source, err := datasets.NewSynthetic(synthConfig)
	if err != nil {
		return nil, err
	}

	var split *datasets.Split
	switch {
	case opts.LabelFile != "" && opts.StratifiedSplit:
		split, err = datasets.SplitIDsPerClass(opts.LabelFile, config.ValidationRatio, config.NumClasses, rng)
	case opts.LabelFile != "":
		split, err = datasets.SplitIDs(opts.LabelFile, config.ValidationRatio, config.NumClasses, rng)
	default:
		ids, labels := source.LabelTable(opts.NumExamples, opts.UnlabeledRatio, rng)
		split, err = datasets.NewSplit(ids, labels, config.ValidationRatio, config.NumClasses, rng)
	}
	if err != nil {
		return nil, err
	}
	klog.Infof("%d train, %d validation and %d unlabeled examples of shape %s",
		len(split.Train), len(split.Validation), len(split.Unlabeled), synthConfig.Shape)

	data := &Data{Shape: synthConfig.Shape, Split: split}
	trainLabels := split.LabelsOf(split.Train)
	data.Labeled, err = datasets.NewInMemory("train", source.ImagesWithClasses(split.Train, trainLabels),
		trainLabels, config.BatchSize)
	if err != nil {
		return nil, err
	}
	data.Labeled.Shuffle(rng).DropIncompleteBatch()

	data.Unlabeled, err = datasets.NewUnlabeled("unlabeled", source.Images(split.Unlabeled), config.UnlabeledBatchSize,
		datasets.GaussianNoiseView(opts.ViewNoise), rng)
	if err != nil {
		return nil, err
	}
	data.Unlabeled.Shuffle().DropIncompleteBatch()

	validationLabels := split.LabelsOf(split.Validation)
	data.Validation, err = datasets.NewInMemory("validation",
		source.ImagesWithClasses(split.Validation, validationLabels), validationLabels, config.EvalBatchSize)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// applySettings sets the parameters stored in a checkpoint, except those in paramsSet.
func applySettings(params, settings map[string]any, paramsSet []string) error {
	for name, value := range settings {
		if slices.Contains(paramsSet, name) {
			continue
		}
		ptr, found := params[name]
		if !found {
			klog.Warningf("checkpoint setting %q is unknown, ignoring", name)
			continue
		}
		var ok bool
		switch p := ptr.(type) {
		case *int:
			var v int
			if v, ok = value.(int); ok {
				*p = v
			}
		case *uint64:
			var v uint64
			if v, ok = value.(uint64); ok {
				*p = v
			}
		case *float64:
			var v float64
			if v, ok = value.(float64); ok {
				*p = v
			}
		case *bool:
			var v bool
			if v, ok = value.(bool); ok {
				*p = v
			}
		case *string:
			var v string
			if v, ok = value.(string); ok {
				*p = v
			}
		}
		if !ok {
			return errors.Errorf("checkpoint setting %q has value %v of type %T, incompatible with %T",
				name, value, value, ptr)
		}
	}
	return nil
}

// TrainModel runs the training described by config and opts. paramsSet lists the settings explicitly set by the
// user, which take precedence over those of a resumed checkpoint.
//
// It returns the Loop after it finished, holding the last results.
func TrainModel(ctx context.Context, config train.Config, paramsSet []string, opts Options) (*train.Loop, error) {
	var handler *checkpoints.Handler
	var resumed *checkpoints.Metadata
	if opts.CheckpointDir != "" {
		var err error
		handler, err = checkpoints.Build(opts.CheckpointDir).
			WithCompression(opts.Compression).
			HalfPrecision(opts.HalfPrecision).
			KeepPeriodic(opts.KeepPeriodic).
			Done()
		if err != nil {
			return nil, err
		}
		if opts.Resume != "" {
			resumed, err = handler.ReadMetadata(opts.Resume)
			if err != nil {
				return nil, errors.WithMessagef(err, "resuming from %q", opts.Resume)
			}
			if err = applySettings(config.Params(), resumed.SettingsMap(), paramsSet); err != nil {
				return nil, err
			}
			if !slices.Contains(paramsSet, train.ParamStartEpoch) {
				config.StartEpoch = resumed.Epoch + 1
			}
		}
	} else if opts.Resume != "" || opts.Plots {
		klog.Warningf("no checkpoint directory given: resuming and plots are disabled")
		opts.Resume, opts.Plots = "", false
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(config.Seed, 1))
	data, err := CreateData(config, opts, rng)
	if err != nil {
		return nil, err
	}
	model, err := models.New(config.Model, models.Config{
		InputDim:        data.Shape.Size(),
		NumClasses:      config.NumClasses,
		NumHiddenLayers: config.NumHiddenLayers,
		NumHiddenNodes:  config.NumHiddenNodes,
		Activation:      config.Activation,
		Normalization:   config.Normalization,
		Seed:            config.Seed,
	})
	if err != nil {
		return nil, err
	}
	klog.Infof("model %q: %d trainable parameters", model.Name(), models.NumParams(model.Params()))
	if resumed != nil {
		if _, err = handler.Load(opts.Resume, model.Params()); err != nil {
			return nil, err
		}
		klog.Infof("resumed from checkpoint %q (epoch %d), starting at epoch %d", opts.Resume, resumed.Epoch,
			config.StartEpoch)
	}

	optimizer, err := optimizers.StochasticGradientDescent().
		WithLearningRate(config.LearningRate).
		WithMomentum(config.Momentum).
		WithWeightDecay(config.WeightDecay).
		Done(model.Params())
	if err != nil {
		return nil, err
	}
	trainer, err := train.NewTrainer(config, model, optimizer, data.Labeled, data.Unlabeled, rng)
	if err != nil {
		return nil, err
	}
	evaluator, err := train.NewEvaluator(config, model, data.Validation)
	if err != nil {
		return nil, err
	}
	loop := train.NewLoop(config, trainer, evaluator)
	if handler != nil {
		// Settings saved with the checkpoints are the final ones, after resuming.
		handler.SetSettings(commandline.SettingsValues(config.Params()))
		loop.WithCheckpointer(handler)
	}

	var recorder *plots.Recorder
	if opts.Plots {
		recorder, err = plots.NewRecorder(handler.Dir())
		if err != nil {
			return nil, err
		}
		loop.WithReporter(recorder)
	}
	if opts.ProgressBar {
		finishProgressBar := commandline.AttachProgressBar(loop)
		defer finishProgressBar()
	}

	err = loop.RunEpochs(ctx)
	if recorder != nil {
		if closeErr := recorder.Close(); closeErr != nil {
			klog.Warningf("failed to write plot points to %q: %+v", recorder.FilePath(), closeErr)
		}
		if err == nil {
			files, renderErr := plots.NewPoints(recorder.Points()).RenderAll(handler.Dir())
			if renderErr != nil {
				klog.Warningf("failed to render plots: %+v", renderErr)
			}
			for _, file := range files {
				klog.V(1).Infof("plot saved to %q", file)
			}
		}
	}
	if err != nil {
		return loop, err
	}
	if err = commandline.ReportValidation(os.Stdout, data.Validation.Name(), loop.LastValidation); err != nil {
		return loop, errors.Wrap(err, "reporting validation results")
	}
	return loop, nil
}
