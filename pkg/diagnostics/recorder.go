// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package diagnostics

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"

	"github.com/gomlx/replicastep/pkg/core/buffers"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Recorder is an in-memory Exporter. For each label it records a series with the L2 norm of the exported
// buffers, and keeps a copy of the values of the last export.
//
// Before use, select how often to record points with one of EveryNSteps, KeepNPoints or CollectAll.
//
// Example: plot the norm of the parameters and gradients of every step.
//
//	recorder := diagnostics.NewRecorder().KeepNPoints(100)
//	synchronizer := stepsync.New(reducer).WithExporter(recorder).Done()
//	...
//	norms := recorder.SeriesValues(diagnostics.StepLabel)
type Recorder struct {
	tag string

	mu   sync.Mutex
	data map[string]seriesData
	last map[string][][]float64

	// How often to record data points. One of them need to be set.
	everyNSteps int
	keepNPoints int
	collectAll  bool
}

type seriesData struct {
	slice           []float64
	idx             int // Index of the next value recorded, which may or may not be stored.
	keepNPointsSkip int
}

var _ Exporter = (*Recorder)(nil)

// NewRecorder returns a new Recorder. Configure it with one of EveryNSteps, KeepNPoints or CollectAll.
func NewRecorder() *Recorder {
	return &Recorder{
		tag:  fmt.Sprintf("<Recorder id=%s>", uuid.NewString()),
		data: make(map[string]seriesData),
		last: make(map[string][][]float64),
	}
}

// String implements fmt.Stringer.
func (r *Recorder) String() string { return r.tag }

// EveryNSteps configures the Recorder to record a point only every N exports of a label.
//
// One and only one of CollectAll, KeepNPoints or EveryNSteps must be set.
//
// It returns itself, so methods calling can be cascaded.
func (r *Recorder) EveryNSteps(n int) *Recorder {
	r.everyNSteps = n
	return r
}

// KeepNPoints configures the Recorder to keep at most N points per label. It starts recording every point and
// whenever the buffer is full, it halves the frequency of recording. In the end it will have recorded anywhere
// between N/2 and (N-1) points.
//
// One and only one of CollectAll, KeepNPoints or EveryNSteps must be set.
//
// It returns itself, so methods calling can be cascaded.
func (r *Recorder) KeepNPoints(n int) *Recorder {
	r.keepNPoints = n
	return r
}

// CollectAll sets the Recorder to record every point. Memory consumption grows unbounded.
//
// One and only one of CollectAll, KeepNPoints or EveryNSteps must be set.
//
// It returns itself, so methods calling can be cascaded.
func (r *Recorder) CollectAll() *Recorder {
	r.collectAll = true
	return r
}

// check whether Recorder was correctly configured.
func (r *Recorder) check() error {
	configured := 0
	if r.collectAll {
		configured++
	}
	if r.keepNPoints > 0 {
		configured++
	}
	if r.everyNSteps > 0 {
		configured++
	}
	if configured != 1 {
		return errors.Errorf("%s requires that exactly one of CollectAll, KeepNPoints or EveryNSteps is configured, "+
			"%d were configured", r, configured)
	}
	return nil
}

// Export implements Exporter.
func (r *Recorder) Export(label string, bufs []buffers.Buffer) error {
	if err := r.check(); err != nil {
		return err
	}
	values := make([][]float64, len(bufs))
	var sumSquares float64
	for ii, b := range bufs {
		if b == nil {
			return errors.Errorf("%s: buffer #%d of export %q is nil", r, ii, label)
		}
		values[ii] = b.Float64s()
		for _, v := range values[ii] {
			sumSquares += v * v
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last[label] = values
	r.storeValue(label, math.Sqrt(sumSquares))
	return nil
}

// storeValue manages the storage of the values recorded. It must be called with r.mu locked.
func (r *Recorder) storeValue(series string, value float64) {
	data := r.data[series]
	if r.collectAll {
		data.slice = append(data.slice, value)

	} else if r.keepNPoints > 0 {
		// Store a limited number of elements, halving the frequency of storage when the limit is reached.
		if len(data.slice) == 0 {
			data.slice = make([]float64, 0, r.keepNPoints)
			data.keepNPointsSkip = 1
		}
		if data.idx%data.keepNPointsSkip == 0 {
			data.slice = append(data.slice, value)
			if len(data.slice) == r.keepNPoints {
				for ii := 2; ii < r.keepNPoints; ii += 2 {
					data.slice[ii/2] = data.slice[ii]
				}
				data.slice = data.slice[:r.keepNPoints/2]
				data.keepNPointsSkip *= 2
			}
		}

	} else if data.idx%r.everyNSteps == 0 {
		data.slice = append(data.slice, value)
	}
	data.idx++
	r.data[series] = data
}

// SeriesNames returns the labels exported so far, sorted.
func (r *Recorder) SeriesNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.data))
}

// SeriesValues returns the L2 norms recorded for the label.
func (r *Recorder) SeriesValues(label string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.data[label].slice)
}

// Count returns how many times the label was exported, including the exports not kept in the series.
func (r *Recorder) Count(label string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data[label].idx
}

// Last returns the values of each buffer of the last export of the label, or nil if it was never exported.
func (r *Recorder) Last(label string) [][]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last[label]
}
