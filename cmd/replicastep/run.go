// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gomlx/replicastep/internal/config"
	"github.com/gomlx/replicastep/pkg/diagnostics"
	"github.com/gomlx/replicastep/pkg/optimizer"
	_ "github.com/gomlx/replicastep/pkg/optimizer/sgd"
	"github.com/gomlx/replicastep/pkg/stepmetrics"
	"github.com/gomlx/replicastep/pkg/stepsync"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// replicaResult is the final state of one replica.
type replicaResult struct {
	ID            int
	Device        string
	Slope, Offset float64
	FirstLoss     float64
	LastLoss      float64
	Steps         int
}

// runResult of a whole run.
type runResult struct {
	Replicas    []replicaResult
	Groups      [][]int
	Rounds      uint64
	StepsMarked int64
	Elapsed     time.Duration
}

// run trains one linear model per replica for cfg.Steps synchronized steps.
func run(ctx context.Context, cfg *config.Config, metrics *stepmetrics.Metrics) (*runResult, error) {
	mesh, err := cfg.DeviceMesh()
	if err != nil {
		return nil, err
	}
	groups, err := cfg.ReplicaGroups()
	if err != nil {
		return nil, err
	}
	numReplicas := mesh.NumDevices()
	klog.V(1).Infof("running %d replicas on mesh %s, groups=%v, transport=%s", numReplicas, mesh, groups,
		cfg.Transport)

	shards, err := placeShards(ctx, generateShards(numReplicas, cfg.Seed), mesh.DeviceTags("xla:%d"))
	if err != nil {
		return nil, err
	}
	t, err := newTransport(ctx, cfg, numReplicas)
	if err != nil {
		return nil, err
	}
	defer t.close()

	type replica struct {
		model        *linearModel
		opt          optimizer.Interface
		synchronizer *stepsync.Synchronizer
	}
	marker := &stepsync.CountingMarker{}
	replicas := make([]replica, numReplicas)
	for replicaID, reducer := range t.reducers {
		r := &replicas[replicaID]
		if r.model, err = newLinearModel(shards.Sequence()[replicaID]); err != nil {
			return nil, err
		}
		r.opt, err = optimizer.New(cfg.Optimizer, r.model.Params(), optimizer.Config{
			LearningRate: cfg.LearningRate,
			Momentum:     cfg.Momentum,
		})
		if err != nil {
			return nil, err
		}
		syncConfig := stepsync.New(reducer).WithGroups(groups).WithMarker(marker).WithMetrics(metrics)
		if cfg.DumpDir != "" {
			exporter, err := diagnostics.NewNpzExporter(cfg.DumpDir)
			if err != nil {
				return nil, err
			}
			syncConfig.WithExporter(exporter.WithPrefix(fmt.Sprintf("replica_%d-", replicaID)))
		}
		if r.synchronizer, err = syncConfig.Done(); err != nil {
			return nil, err
		}
	}

	var pBar *progressBar
	if cfg.Progress && cfg.Steps > 0 {
		pBar = newProgressBar(cfg.Steps, numReplicas)
	}
	results := make([]replicaResult, numReplicas)
	start := time.Now()
	eg, ctx := errgroup.WithContext(ctx)
	for replicaID, r := range replicas {
		eg.Go(func() error {
			result := &results[replicaID]
			result.ID = replicaID
			result.Device = r.model.device
			for step := range cfg.Steps {
				if err := r.model.ComputeGradients(); err != nil {
					return errors.WithMessagef(err, "replica %d, step %d", replicaID, step)
				}
				loss, err := r.synchronizer.Step(ctx, r.opt, r.model.Loss)
				if err != nil {
					return err
				}
				if step == 0 {
					result.FirstLoss = *loss
				}
				result.LastLoss = *loss
				if replicaID == 0 && pBar != nil {
					pBar.Update(step, *loss, marker.Count())
				}
			}
			result.Slope, result.Offset = r.model.current()
			result.Steps = r.synchronizer.NumSteps()
			return nil
		})
	}
	err = eg.Wait()
	if pBar != nil {
		pBar.Done()
	}
	if err != nil {
		return nil, err
	}
	return &runResult{
		Replicas:    results,
		Groups:      groups,
		Rounds:      t.rounds(),
		StepsMarked: marker.Count(),
		Elapsed:     time.Since(start),
	}, nil
}
