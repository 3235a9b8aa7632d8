// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stepsync

import "sync/atomic"

// StepMarker is notified at the end of every synchronized step, e.g. to flush the pending device computation
// of the step or to advance a step counter.
type StepMarker interface {
	MarkStep()
}

// MarkerFunc adapts a function to a StepMarker.
type MarkerFunc func()

// MarkStep implements StepMarker.
func (fn MarkerFunc) MarkStep() { fn() }

// CountingMarker is a StepMarker that counts the steps marked. The zero value is ready to use.
type CountingMarker struct {
	count atomic.Int64
}

// MarkStep implements StepMarker.
func (m *CountingMarker) MarkStep() { m.count.Add(1) }

// Count of steps marked so far.
func (m *CountingMarker) Count() int64 { return m.count.Load() }
