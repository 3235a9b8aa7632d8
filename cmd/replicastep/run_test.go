// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/replicastep/internal/config"
	"github.com/gomlx/replicastep/pkg/core/buffers"
	"github.com/gomlx/replicastep/pkg/diagnostics"
	"github.com/gomlx/replicastep/pkg/stepmetrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(mesh, transport string, groupAxes ...string) *config.Config {
	return &config.Config{
		Mesh:         mesh,
		GroupAxes:    groupAxes,
		Steps:        60,
		Optimizer:    "momentum",
		LearningRate: 0.05,
		Momentum:     0.9,
		Seed:         7,
		Transport:    transport,
		Listen:       "127.0.0.1:0",
		DialTimeout:  5 * time.Second,
		Parallelism:  -1,
	}
}

func TestPlaceShards(t *testing.T) {
	shards := generateShards(3, 1)
	placed, err := placeShards(context.Background(), shards, []string{"xla:0", "xla:1", "xla:2"})
	require.NoError(t, err)
	for ii, shard := range placed.Sequence() {
		x := shard.Mapping()["x"].Leaf()
		assert.Equal(t, buffers.Device, x.Kind())
		assert.Equal(t, []string{"xla:0", "xla:1", "xla:2"}[ii], x.DeviceTag())
		assert.Equal(t, shards.Sequence()[ii].Mapping()["y"].Leaf().Float64s(), shard.Mapping()["y"].Leaf().Float64s())
		assert.Equal(t, int64(1), shard.Mapping()["seed"].Opaque())
	}

	_, err = placeShards(context.Background(), shards, []string{"xla:0"})
	require.Error(t, err)
}

func TestRun(t *testing.T) {
	for _, transport := range []string{config.TransportLocal, config.TransportWebsocket} {
		t.Run(transport, func(t *testing.T) {
			cfg := testConfig("4", transport)
			metrics := stepmetrics.New("")
			result, err := run(context.Background(), cfg, metrics)
			require.NoError(t, err)
			require.Len(t, result.Replicas, 4)
			assert.Equal(t, uint64(cfg.Steps), result.Rounds)
			assert.Equal(t, int64(4*cfg.Steps), result.StepsMarked)
			first := result.Replicas[0]
			for _, r := range result.Replicas {
				// Every replica applied the same averaged gradients.
				assert.Equal(t, first.Slope, r.Slope)
				assert.Equal(t, first.Offset, r.Offset)
				assert.Equal(t, cfg.Steps, r.Steps)
				assert.Less(t, r.LastLoss, r.FirstLoss)
			}
		})
	}
}

func TestRunWithGroups(t *testing.T) {
	cfg := testConfig("batch=2,data=2", config.TransportLocal, "data")
	cfg.DumpDir = t.TempDir()
	cfg.Steps = 3
	result, err := run(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1}, {2, 3}}, result.Groups)
	assert.Equal(t, result.Replicas[0].Slope, result.Replicas[1].Slope)
	assert.Equal(t, result.Replicas[2].Slope, result.Replicas[3].Slope)
	assert.NotEqual(t, result.Replicas[0].Slope, result.Replicas[2].Slope)

	manifest, err := diagnostics.ReadManifest(filepath.Join(cfg.DumpDir, "replica_3-optimizer_step-000002.yaml"))
	require.NoError(t, err)
	// 2 gradients, 2 parameters and 2 momentum buffers.
	assert.Len(t, manifest.Buffers, 6)
}
