// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_Map(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, -1} {
		pool := New().SetMaxParallelism(parallelism)
		const n = 100
		var running, maxRunning atomic.Int32
		results := make([]int, n)
		pool.Map(n, func(i int) {
			current := running.Add(1)
			for {
				seen := maxRunning.Load()
				if current <= seen || maxRunning.CompareAndSwap(seen, current) {
					break
				}
			}
			runtime.Gosched()
			results[i] = i * i
			running.Add(-1)
		})
		for ii, r := range results {
			assert.Equal(t, ii*ii, r)
		}
		if parallelism > 0 {
			assert.LessOrEqual(t, int(maxRunning.Load()), parallelism)
		}
		if parallelism == 0 {
			assert.Equal(t, int32(1), maxRunning.Load())
		}
	}

	// No tasks.
	New().Map(0, func(int) { t.Fatal("no task should run") })
	assert.True(t, New().IsEnabled())
	assert.False(t, New().SetMaxParallelism(0).IsEnabled())
}
