// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/komfkore/AdThMix/pkg/ml/models"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Reporter receives scalar metrics for external tracking. step is fractional within an epoch:
// epoch + batchIdx/numBatches.
type Reporter interface {
	Report(name string, value, step float64) error
}

// ReporterFunc adapts a function to a Reporter.
type ReporterFunc func(name string, value, step float64) error

// Report implements Reporter.
func (fn ReporterFunc) Report(name string, value, step float64) error { return fn(name, value, step) }

// MultiReporter reports to all of its reporters. It returns the first error, after trying all of them.
type MultiReporter []Reporter

// Report implements Reporter.
func (m MultiReporter) Report(name string, value, step float64) error {
	var firstErr error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Report(name, value, step); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// report sends the metric to the reporter, if any. Failures are logged and otherwise ignored: they never
// interrupt training.
func report(r Reporter, name string, value, step float64) {
	if r == nil {
		return
	}
	if err := r.Report(name, value, step); err != nil {
		klog.Warningf("failed to report %q=%g at step %.3f, ignoring: %+v", name, value, step, err)
	}
}

// Checkpointer saves the model parameters under a name. It is only called at epoch boundaries.
type Checkpointer interface {
	Save(name string, epoch int, params []*models.Param) error
}

// CheckpointerFunc adapts a function to a Checkpointer.
type CheckpointerFunc func(name string, epoch int, params []*models.Param) error

// Save implements Checkpointer.
func (fn CheckpointerFunc) Save(name string, epoch int, params []*models.Param) error {
	if fn == nil {
		return errors.New("nil CheckpointerFunc")
	}
	return fn(name, epoch, params)
}
