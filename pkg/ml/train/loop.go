// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/komfkore/AdThMix/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks.
type OnStepFn func(loop *Loop, step *StepResult) error

// OnEpochFn is the type of OnEpoch hooks. validation is nil if the loop has no Evaluator.
type OnEpochFn func(loop *Loop, train *EpochResult, validation *ValidationResult) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop) error

// Loop runs the epochs of training: for each epoch it sets the learning rate, runs Trainer.TrainEpoch, then the
// validation pass, reports the epoch metrics and saves checkpoints. Progress bars, plots and other tools attach
// to it with hooks.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop struct {
	Trainer   *Trainer
	Evaluator *Evaluator

	// Config of the run, the same given to the Trainer.
	Config Config

	// Checkpointer, if set, saves Config.Name+"_best" whenever the validation top-1 accuracy improves, and
	// Config.Name+"_e<epoch>" every Config.SaveEpoch epochs.
	Checkpointer Checkpointer

	// Reporter, if set, receives the epoch metrics. It is also set on the Trainer.
	Reporter Reporter

	// Schedule of the learning rate, applied at the start of every epoch.
	Schedule optimizers.StepDecay

	// Epoch currently being executed.
	Epoch int

	// LoopStep currently being executed, counted from the start of the first run.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run, and EndStep is one-past the last step
	// to be executed.
	StartStep, EndStep int

	// BestTop1 is the best validation top-1 accuracy seen so far (in percent), at BestEpoch. It starts at -1.
	BestTop1  float64
	BestEpoch int

	// LastTrain and LastValidation hold the results of the last finished epoch.
	LastTrain      *EpochResult
	LastValidation *ValidationResult

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEpoch *priorityHooks[*hookWithName[OnEpochFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop over the trainer, for the run configured by config. evaluator may be nil, in
// which case no validation is run and no "_best" checkpoint is saved.
//
// The trainer and the evaluator must have been created with the same config, otherwise it panics.
func NewLoop(config Config, trainer *Trainer, evaluator *Evaluator) *Loop {
	if trainer.Config() != config {
		exceptions.Panicf("NewLoop(): the trainer was created with a different configuration (run %q) than the loop's (run %q)",
			trainer.Config().Name, config.Name)
	}
	if evaluator != nil && evaluator.Config() != config {
		exceptions.Panicf("NewLoop(): the evaluator was created with a different configuration (run %q) than the loop's (run %q)",
			evaluator.Config().Name, config.Name)
	}
	return &Loop{
		Trainer:   trainer,
		Evaluator: evaluator,
		Config:    config,
		Schedule: optimizers.StepDecay{
			BaseLearningRate: config.LearningRate,
			Factor:           config.LearningRateDecay,
			Period:           config.LearningRateDecayEpochs,
		},
		LoopStep:   trainer.GlobalStep(),
		BestTop1:   -1,
		BestEpoch:  -1,
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpoch:    newPriorityHooks[*hookWithName[OnEpochFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// WithCheckpointer sets the Checkpointer. It returns the loop itself, so calls can be cascaded.
func (loop *Loop) WithCheckpointer(checkpointer Checkpointer) *Loop {
	loop.Checkpointer = checkpointer
	return loop
}

// WithReporter sets the Reporter of the loop and of its Trainer. It returns the loop itself, so calls can be
// cascaded.
func (loop *Loop) WithReporter(reporter Reporter) *Loop {
	loop.Reporter = reporter
	loop.Trainer.WithReporter(reporter)
	return loop
}

// NumEpochs returns the number of epochs a run executes: from Config.StartEpoch to Config.Epochs, inclusive.
func (loop *Loop) NumEpochs() int {
	return max(0, loop.Config.Epochs-loop.Config.StartEpoch+1)
}

// start of loop: it calls the appropriate hooks.
func (loop *Loop) start() (err error) {
	loop.onStart.Enumerate(func(hook *hookWithName[OnStartFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop)
		if err != nil {
			err = errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	})
	return
}

// step is called by the Trainer after each training step: it calls the appropriate hooks.
func (loop *Loop) step(step *StepResult) (err error) {
	loop.TrainStepDurations = append(loop.TrainStepDurations, step.Duration)
	loop.onStep.Enumerate(func(hook *hookWithName[OnStepFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop, step)
		if err != nil {
			err = errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	})
	loop.LoopStep++
	return
}

// epochEnd is called after the training and validation of each epoch: it calls the appropriate hooks.
func (loop *Loop) epochEnd(train *EpochResult, validation *ValidationResult) (err error) {
	loop.onEpoch.Enumerate(func(hook *hookWithName[OnEpochFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop, train, validation)
		if err != nil {
			err = errors.WithMessagef(err, "OnEpoch(hook %q)", hook.name)
		}
	})
	return
}

// end of loop: it calls the appropriate hooks.
func (loop *Loop) end() (err error) {
	loop.onEnd.Enumerate(func(hook *hookWithName[OnEndFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop)
		if err != nil {
			err = errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	})
	return
}

// RunEpochs runs the epochs from Config.StartEpoch to Config.Epochs (inclusive).
//
// It stops between steps if ctx is cancelled, returning the context error.
func (loop *Loop) RunEpochs(ctx context.Context) error {
	numBatches := loop.Trainer.NumBatches()
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.LoopStep + numBatches*loop.NumEpochs()
	loop.TrainStepDurations = make([]time.Duration, 0, loop.EndStep-loop.StartStep)
	if err := loop.start(); err != nil {
		return err
	}
	for loop.Epoch = loop.Config.StartEpoch; loop.Epoch <= loop.Config.Epochs; loop.Epoch++ {
		if err := loop.runEpoch(ctx); err != nil {
			return errors.WithMessagef(err, "Loop.RunEpochs(): failed epoch %d (LoopStep=%d)", loop.Epoch, loop.LoopStep)
		}
	}
	if err := loop.end(); err != nil {
		return errors.WithMessagef(err, "Loop.RunEpochs(): failed end (LoopStep=%d)", loop.LoopStep)
	}
	return nil
}

// runEpoch trains and validates one epoch, reports its metrics and saves the checkpoints due.
func (loop *Loop) runEpoch(ctx context.Context) error {
	epoch := loop.Epoch
	lr := loop.Schedule.Apply(loop.Trainer.Optimizer(), epoch)
	klog.V(1).Infof("start training epoch %d, learning rate %g", epoch, lr)
	train, err := loop.Trainer.TrainEpoch(ctx, epoch, loop.step)
	if err != nil {
		return err
	}
	loop.LastTrain = train

	var validation *ValidationResult
	if loop.Evaluator != nil {
		klog.V(1).Infof("start validation epoch %d", epoch)
		validation, err = loop.Evaluator.Evaluate(ctx)
		if err != nil {
			return err
		}
		loop.LastValidation = validation
		klog.Infof("Test Epoch:%d Top1_acc_val:%.2f%% Top5_acc_val:%.2f%%", epoch, validation.Top1, validation.Top5)
		step := float64(epoch)
		report(loop.Reporter, "valid_confidence_avg", validation.ConfidenceAvg, step)
		report(loop.Reporter, "valid_confidence_min", validation.ConfidenceMin, step)
		report(loop.Reporter, "train_loss", train.Loss, step)
		report(loop.Reporter, "val_acc_top1", validation.Top1, step)
		report(loop.Reporter, "val_acc_top5", validation.Top5, step)

		if validation.Top1 > loop.BestTop1 {
			loop.BestTop1, loop.BestEpoch = validation.Top1, epoch
			klog.Infof("saving best checkpoint (top-1 %.2f%%)...", validation.Top1)
			if err = loop.save(loop.Config.Name+"_best", epoch); err != nil {
				return err
			}
		}
	} else {
		report(loop.Reporter, "train_loss", train.Loss, float64(epoch))
	}
	if (epoch+1)%loop.Config.SaveEpoch == 0 {
		if err = loop.save(fmt.Sprintf("%s_e%d", loop.Config.Name, epoch), epoch); err != nil {
			return err
		}
	}
	return loop.epochEnd(train, validation)
}

func (loop *Loop) save(name string, epoch int) error {
	if loop.Checkpointer == nil {
		return nil
	}
	if err := loop.Checkpointer.Save(name, epoch, loop.Trainer.Model().Params()); err != nil {
		return errors.WithMessagef(err, "saving checkpoint %q", name)
	}
	return nil
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		// Return something different from 0 to avoid division by 0.
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{
		name: name,
		fn:   fn,
	})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each `Trainer.TrainStep`.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{
		name: name,
		fn:   fn,
	})
}

// OnEpoch adds a hook with given priority and name (for error reporting) to the end of each epoch, after the
// validation pass and the checkpoints.
func (loop *Loop) OnEpoch(name string, priority Priority, fn OnEpochFn) {
	loop.onEpoch.Add(priority, &hookWithName[OnEpochFn]{
		name: name,
		fn:   fn,
	})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last epoch. End hooks are not called if the loop fails.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{
		name: name,
		fn:   fn,
	})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Enumerate will call fn for all registered hooks in priority order.
func (h *priorityHooks[H]) Enumerate(fn func(hook H)) {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i] < keys[j]
	})
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			fn(hook)
		}
	}
}
