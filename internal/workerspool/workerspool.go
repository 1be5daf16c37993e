// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs independent tasks with a bounded number of goroutines.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool limits the number of tasks running in parallel.
type Pool struct {
	// maxParallelism is the limit of tasks running at the same time.
	maxParallelism int
}

// New return a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	return &Pool{maxParallelism: runtime.NumCPU()}
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0)
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// MaxParallelism is the limit of tasks running in parallel.
// If set to 0 parallelism is disabled, and tasks are run inline.
// If set to -1 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism. It returns itself to allow chaining.
//
// You should only change the parallelism while no tasks are running.
func (w *Pool) SetMaxParallelism(maxParallelism int) *Pool {
	w.maxParallelism = maxParallelism
	return w
}

// Map calls task(i) for i in [0, n), and returns when all calls finished.
//
// Tasks must be independent of each other: the order of execution is not defined.
func (w *Pool) Map(n int, task func(i int)) {
	if n <= 0 {
		return
	}
	if w.maxParallelism == 0 || n == 1 {
		for ii := range n {
			task(ii)
		}
		return
	}
	numWorkers := n
	if w.maxParallelism > 0 {
		numWorkers = min(n, w.maxParallelism)
	}
	next := make(chan int)
	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ii := range next {
				task(ii)
			}
		}()
	}
	for ii := range n {
		next <- ii
	}
	close(next)
	wg.Wait()
}
