// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package local

import (
	"context"
	"testing"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/replicastep/pkg/core/buffers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// runReplicas runs fn concurrently for every replica of the group and waits for all of them.
func runReplicas(t *testing.T, g *Group, fn func(r *Replica) error) {
	t.Helper()
	var eg errgroup.Group
	for _, r := range g.Replicas() {
		eg.Go(func() error { return fn(r) })
	}
	require.NoError(t, eg.Wait())
}

func TestCrossReplicaSum(t *testing.T) {
	const n = 4
	g := NewGroup(n)
	grads := make([]*buffers.Local, n)
	for ii := range grads {
		grads[ii] = buffers.FromScalar(float32(ii + 1))
	}
	runReplicas(t, g, func(r *Replica) error {
		return r.CrossReplicaSum(context.Background(), []buffers.Buffer{grads[r.ReplicaID()]}, 1.0/n, nil)
	})
	for _, grad := range grads {
		assert.Equal(t, []float64{2.5}, grad.Float64s())
	}
	assert.Equal(t, uint64(1), g.Rounds())
}

func TestCrossReplicaSumGroups(t *testing.T) {
	const n = 4
	for _, parallelism := range []int{0, 2, -1} {
		g := NewGroup(n).WithParallelism(parallelism)
		grads := make([][]buffers.Buffer, n)
		for ii := range grads {
			grads[ii] = []buffers.Buffer{
				buffers.FromScalar(float32(ii + 1)),
				buffers.FromFlat([]float64{float64(ii), 10 * float64(ii)}),
			}
		}
		groups := [][]int{{0, 2}, {1, 3}}
		for range 3 {
			runReplicas(t, g, func(r *Replica) error {
				return r.CrossReplicaSum(context.Background(), grads[r.ReplicaID()], 1.0/n, groups)
			})
		}
		assert.Equal(t, uint64(3), g.Rounds())

		// Round 1: group {0,2}: (1+3)/4=1, group {1,3}: (2+4)/4=1.5. Later rounds halve the values each time.
		assert.Equal(t, []float64{0.25}, grads[0][0].Float64s())
		assert.Equal(t, []float64{0.25}, grads[2][0].Float64s())
		assert.Equal(t, []float64{0.375}, grads[1][0].Float64s())
		assert.Equal(t, []float64{0.125, 1.25}, grads[2][1].Float64s())
	}
}

func TestCrossReplicaSumMismatch(t *testing.T) {
	g := NewGroup(2)
	errs := make(chan error, 2)
	for _, r := range g.Replicas() {
		go func() {
			bufs := []buffers.Buffer{buffers.FromScalar(1.0)}
			if r.ReplicaID() == 1 {
				bufs = append(bufs, buffers.FromScalar(2.0))
			}
			errs <- r.CrossReplicaSum(context.Background(), bufs, 1, nil)
		}()
	}
	for range 2 {
		require.ErrorContains(t, <-errs, "contributed")
	}
}

func TestCrossReplicaSumSizeMismatchKeepsBuffers(t *testing.T) {
	g := NewGroup(2)
	grads := [][]buffers.Buffer{
		{buffers.FromScalar(1.0), buffers.FromFlat([]float64{1, 2})},
		{buffers.FromScalar(3.0), buffers.FromFlat([]float64{1, 2, 3})},
	}
	errs := make(chan error, 2)
	for _, r := range g.Replicas() {
		go func() {
			errs <- r.CrossReplicaSum(context.Background(), grads[r.ReplicaID()], 1, nil)
		}()
	}
	for range 2 {
		require.ErrorContains(t, <-errs, "reducing buffer #1")
	}
	assert.Equal(t, []float64{1}, grads[0][0].Float64s())
	assert.Equal(t, []float64{3}, grads[1][0].Float64s())
	assert.Equal(t, []float64{1, 2, 3}, grads[1][1].Float64s())
}

func TestCrossReplicaSumCancel(t *testing.T) {
	g := NewGroup(2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Replica(0).CrossReplicaSum(ctx, []buffers.Buffer{buffers.FromScalar(1.0)}, 1, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Error(t, NewGroup(2).Replica(0).CrossReplicaSum(context.Background(), nil, 1, [][]int{{0}}))
	err = exceptions.TryCatch[error](func() { g.Replica(2) })
	require.ErrorContains(t, err, "valid ids are 0 to 1")
}

func TestCrossReplicaSumFailingGroupKeepsOtherGroups(t *testing.T) {
	g := NewGroup(4)
	grads := make([][]buffers.Buffer, 4)
	for ii := range grads {
		grads[ii] = []buffers.Buffer{buffers.FromScalar(float64(ii + 1))}
	}
	grads[3] = []buffers.Buffer{buffers.FromFlat([]float64{4, 4})}
	groups := [][]int{{0, 2}, {1, 3}}
	errs := make(chan error, 4)
	for _, r := range g.Replicas() {
		go func() {
			errs <- r.CrossReplicaSum(context.Background(), grads[r.ReplicaID()], 1, groups)
		}()
	}
	for range 4 {
		require.ErrorContains(t, <-errs, "replica group [1 3]")
	}
	for ii := range 3 {
		assert.Equal(t, []float64{float64(ii + 1)}, grads[ii][0].Float64s())
	}
}
