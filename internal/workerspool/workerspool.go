// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs independent reduction tasks with bounded parallelism.
package workerspool

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// Pool bounds the number of tasks running in parallel.
type Pool struct {
	// maxParallelism is the limit of tasks running at the same time.
	// If 0 tasks run inline, if < 0 parallelism is unlimited.
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

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism returns the limit of tasks running in parallel.
// If set to 0 parallelism is disabled.
// If set to -1 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism. It returns the Pool itself, so calls can be cascaded.
//
// It should only be changed while no tasks are running.
func (w *Pool) SetMaxParallelism(maxParallelism int) *Pool {
	w.maxParallelism = maxParallelism
	return w
}

// Run executes task(ii) for ii in [0, numTasks) and waits for all of them to finish.
//
// It returns the error of the lowest indexed task that failed, so results are deterministic regardless of
// scheduling. All tasks are run even if some fail.
func (w *Pool) Run(numTasks int, task func(ii int) error) error {
	errs := make([]error, numTasks)
	if !w.IsEnabled() || numTasks <= 1 {
		for ii := range numTasks {
			errs[ii] = task(ii)
		}
		return firstError(errs)
	}

	var sem chan struct{}
	if !w.IsUnlimited() {
		sem = make(chan struct{}, w.maxParallelism)
	}
	var wg sync.WaitGroup
	for ii := range numTasks {
		if sem != nil {
			sem <- struct{}{}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sem != nil {
				defer func() { <-sem }()
			}
			errs[ii] = task(ii)
		}()
	}
	wg.Wait()
	return firstError(errs)
}

func firstError(errs []error) error {
	for ii, err := range errs {
		if err != nil {
			return errors.WithMessagef(err, "task #%d", ii)
		}
	}
	return nil
}
