// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// fixed_threshold trains a classifier with fixed-threshold pseudo-labeling and MixUp.
//
// Without -labels it trains on a synthetic dataset. With -labels it reads the ids and labels from a tab-separated
// file (negative labels are unlabeled examples); the image features are still synthetic.
//
// Hyperparameters are set with -set, e.g.: -set="threshold=0.9;lambda_u=75;epochs=50".
// See -help for the list of parameters and their defaults.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/komfkore/AdThMix/internal/fixedthreshold"
	"github.com/komfkore/AdThMix/pkg/ml/checkpoints"
	"github.com/komfkore/AdThMix/pkg/ml/train"
	"github.com/komfkore/AdThMix/ui/commandline"
	"k8s.io/klog/v2"
)

var (
	flagLabels = flag.String("labels", "",
		"Tab-separated label file with a header and the columns id and label. "+
			"If empty a synthetic label table is generated.")
	flagStratified  = flag.Bool("stratified", false, "Split train and validation per class. Only used with -labels.")
	flagNumExamples = flag.Int("num_examples", 20_000, "Number of synthetic examples, when -labels is not given.")
	flagUnlabeled   = flag.Float64("unlabeled_ratio", 0.8,
		"Fraction of the synthetic examples without label, when -labels is not given.")
	flagViewNoise  = flag.Float64("view_noise", 0.1, "Standard deviation of the noise creating the two views of unlabeled images.")
	flagCheckpoint = flag.String("checkpoint", "",
		"Directory to save checkpoints and plots to. If left empty, no checkpoints are created.")
	flagResume = flag.String("resume", "",
		"Name of a checkpoint in -checkpoint to resume from, e.g. \"Fixed_threshold_e49\".")
	flagHalfPrecision = flag.Bool("half_precision", false, "Save checkpoints values as float16.")
	flagUncompressed  = flag.Bool("uncompressed", false, "Save checkpoints values without gzip compression.")
	flagKeep          = flag.Int("keep", -1, "Number of periodic checkpoints to keep. Negative keeps all.")
	flagPlots         = flag.Bool("plots", true, "Record reported metrics and render them as SVG and PNG in -checkpoint.")
	flagProgressBar   = flag.Bool("progress", true, "Display a progress bar.")
)

func main() {
	config := train.DefaultConfig()
	settings := commandline.CreateSettingsFlag(config.Params(), "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseSettings(config.Params(), *settings))
	if len(paramsSet) > 0 {
		fmt.Printf("Modified settings:\n%s\n", commandline.SprintModifiedSettings(config.Params(), paramsSet))
	}

	opts := fixedthreshold.DefaultOptions()
	opts.LabelFile = *flagLabels
	opts.StratifiedSplit = *flagStratified
	opts.NumExamples = *flagNumExamples
	opts.UnlabeledRatio = *flagUnlabeled
	opts.ViewNoise = *flagViewNoise
	opts.CheckpointDir = *flagCheckpoint
	opts.Resume = *flagResume
	opts.HalfPrecision = *flagHalfPrecision
	if *flagUncompressed {
		opts.Compression = checkpoints.BinUncompressed
	}
	opts.KeepPeriodic = *flagKeep
	opts.Plots = *flagPlots
	opts.ProgressBar = *flagProgressBar

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	err := exceptions.TryCatch[error](func() {
		_ = must.M1(fixedthreshold.TrainModel(ctx, config, paramsSet, opts))
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
