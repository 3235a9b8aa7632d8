// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stepsync wraps a local optimizer step with a cross-replica reduction of the gradients, so every
// replica applies the same (averaged) update.
//
// Each replica creates its own Synchronizer, with the Reducer connecting it to the other replicas, and calls
// Step instead of calling the optimizer directly:
//
//	synchronizer, err := stepsync.New(reducer).WithMarker(marker).Done()
//	…
//	for step := range numSteps {
//		computeGradients(params)
//		loss, err := synchronizer.Step(ctx, opt, closure)
//		…
//	}
//
// All replicas must call Step the same number of times, with optimizers whose state has the same structure:
// Step blocks in the reduction until every replica of the group arrives.
package stepsync

import (
	"context"
	"fmt"
	"time"

	"github.com/gomlx/replicastep/pkg/collective"
	"github.com/gomlx/replicastep/pkg/core/buffers"
	"github.com/gomlx/replicastep/pkg/diagnostics"
	"github.com/gomlx/replicastep/pkg/optimizer"
	"github.com/gomlx/replicastep/pkg/stepmetrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Synchronizer runs synchronized optimizer steps for one replica. Create it with New.
type Synchronizer struct {
	reducer      collective.Reducer
	replicaID    int
	replicaCount int
	groups       [][]int
	marker       StepMarker
	exporter     diagnostics.Exporter
	metrics      *stepmetrics.Replica
	numSteps     int
}

// Config is a builder for a Synchronizer. Create it with New, configure it and call Done.
type Config struct {
	reducer      collective.Reducer
	replicaCount int
	groups       [][]int
	marker       StepMarker
	exporter     diagnostics.Exporter
	exporterSet  bool
	metrics      *stepmetrics.Metrics
}

// New returns the configuration of a Synchronizer that reduces gradients with reducer.
//
// reducer may be nil only if the replica count is 1, in which case Step calls the optimizer directly.
func New(reducer collective.Reducer) *Config {
	return &Config{reducer: reducer}
}

// WithReplicaCount sets the number of replicas used to normalize the sum of the gradients (scale is
// 1/replicaCount). If the count is 1 no reduction happens. The default is reducer.ReplicaCount(), or 1 if the
// reducer is nil.
func (c *Config) WithReplicaCount(replicaCount int) *Config {
	c.replicaCount = replicaCount
	return c
}

// WithGroups sets the replica groups reduced independently. Default (nil) is one group with all replicas.
//
// The gradients are still scaled by 1/replicaCount, regardless of the size of the groups.
func (c *Config) WithGroups(groups [][]int) *Config {
	c.groups = groups
	return c
}

// WithMarker sets the StepMarker notified at the end of every step.
func (c *Config) WithMarker(marker StepMarker) *Config {
	c.marker = marker
	return c
}

// WithExporter sets where the gradients and parameters of every step are exported, for debugging.
// Use nil to disable exporting.
//
// The default is diagnostics.FromEnv(): if SAVE_GRAPH_DIR is set, each step is exported there, with file
// names prefixed by the replica id.
func (c *Config) WithExporter(exporter diagnostics.Exporter) *Config {
	c.exporter = exporter
	c.exporterSet = true
	return c
}

// WithMetrics sets the Prometheus metrics where the steps of this replica are recorded.
func (c *Config) WithMetrics(metrics *stepmetrics.Metrics) *Config {
	c.metrics = metrics
	return c
}

// Done validates the configuration and returns the Synchronizer.
func (c *Config) Done() (*Synchronizer, error) {
	s := &Synchronizer{
		reducer:      c.reducer,
		replicaCount: c.replicaCount,
		groups:       c.groups,
		marker:       c.marker,
		exporter:     c.exporter,
	}
	if c.reducer != nil {
		s.replicaID = c.reducer.ReplicaID()
		if s.replicaCount == 0 {
			s.replicaCount = c.reducer.ReplicaCount()
		}
	} else if s.replicaCount == 0 {
		s.replicaCount = 1
	}
	if s.replicaCount < 1 {
		return nil, errors.Errorf("stepsync: invalid replica count %d", s.replicaCount)
	}
	if s.replicaCount > 1 {
		if c.reducer == nil {
			return nil, errors.Errorf("stepsync: a Reducer is required for %d replicas", s.replicaCount)
		}
		if err := collective.ValidateGroups(s.groups, c.reducer.ReplicaCount()); err != nil {
			return nil, errors.WithMessagef(err, "stepsync")
		}
	}
	if !c.exporterSet {
		if e := diagnostics.FromEnv(); e != nil {
			s.exporter = e.WithPrefix(fmt.Sprintf("replica_%d-", s.replicaID))
		}
	}
	s.metrics = c.metrics.ForReplica(s.replicaID)
	return s, nil
}

// String implements fmt.Stringer.
func (s *Synchronizer) String() string {
	return fmt.Sprintf("stepsync.Synchronizer(replica %d of %d)", s.replicaID, s.replicaCount)
}

// ReplicaCount used to normalize the gradients.
func (s *Synchronizer) ReplicaCount() int { return s.replicaCount }

// NumSteps returns the number of steps completed successfully.
func (s *Synchronizer) NumSteps() int { return s.numSteps }

// Step runs one synchronized step of opt:
//
//  1. It collects the gradients (and parameters) from the optimizer state.
//  2. If there is more than one replica, it replaces the gradients with their cross-replica sum scaled by
//     1/replicaCount. This blocks until all replicas arrive.
//  3. It calls opt.Step(closure).
//  4. It exports gradients and parameters, if an exporter is configured. Export errors are logged and ignored.
//  5. It marks the step.
//
// It returns the loss returned by opt.Step, which is nil if closure is nil.
func (s *Synchronizer) Step(ctx context.Context, opt optimizer.Interface, closure optimizer.Closure) (
	loss *float64, err error) {
	defer func() { s.metrics.ObserveStep(loss, err) }()

	state, err := optimizer.CollectState(opt)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: failed to collect optimizer state", s)
	}
	if s.replicaCount > 1 {
		start := time.Now()
		err = s.reducer.CrossReplicaSum(ctx, state.Grads, 1.0/float64(s.replicaCount), s.groups)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: step #%d: cross-replica sum of %d gradients failed",
				s, s.numSteps, len(state.Grads))
		}
		elapsed := time.Since(start)
		s.metrics.ObserveReduce(len(state.Grads), elapsed)
		klog.V(2).Infof("%s: step #%d reduced %d gradients in %s", s, s.numSteps, len(state.Grads), elapsed)
	}

	loss, err = opt.Step(closure)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: step #%d: optimizer step failed", s, s.numSteps)
	}

	if s.exporter != nil {
		exported := make([]buffers.Buffer, 0, len(state.Grads)+len(state.Params))
		exported = append(exported, state.Grads...)
		exported = append(exported, state.Params...)
		if !diagnostics.SafeExport(s.exporter, diagnostics.StepLabel, exported) {
			s.metrics.ObserveExportFailure()
		}
	}
	if s.marker != nil {
		s.marker.MarkStep()
	}
	s.numSteps++
	return loss, nil
}
