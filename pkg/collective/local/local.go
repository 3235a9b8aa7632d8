// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package local implements collective.Reducer for replicas running as goroutines of the same process.
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/replicastep/internal/workerspool"
	"github.com/gomlx/replicastep/pkg/collective"
	"github.com/gomlx/replicastep/pkg/core/buffers"
	"github.com/gomlx/replicastep/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Group of in-process replicas reducing together. Create one Group and give each replica (goroutine) its own
// Reducer with Group.Replica.
//
// Each reduction is a barrier: the last replica to arrive reduces every replica group (in parallel) and writes
// the results in place into the buffers of each member.
type Group struct {
	numReplicas int
	barrier     *xsync.Barrier
	pool        *workerspool.Pool

	mu      sync.Mutex
	pending []contribution
}

type contribution struct {
	bufs   []buffers.Buffer
	scale  float64
	groups [][]int
}

// NewGroup creates a Group of numReplicas in-process replicas. It panics if numReplicas < 1.
func NewGroup(numReplicas int) *Group {
	return &Group{
		numReplicas: numReplicas,
		barrier:     xsync.NewBarrier(numReplicas),
		pool:        workerspool.New(),
		pending:     make([]contribution, numReplicas),
	}
}

// WithParallelism sets the maximum number of replica groups reduced in parallel. 0 reduces them sequentially.
// It returns the Group, so calls can be cascaded.
func (g *Group) WithParallelism(maxParallelism int) *Group {
	g.pool.SetMaxParallelism(maxParallelism)
	return g
}

// NumReplicas in the group.
func (g *Group) NumReplicas() int { return g.numReplicas }

// Rounds returns the number of reductions completed.
func (g *Group) Rounds() uint64 { return g.barrier.Generation() }

// Replica returns the Reducer for the given replica id. It panics if id is out of range.
func (g *Group) Replica(id int) *Replica {
	if id < 0 || id >= g.numReplicas {
		exceptions.Panicf("local.Group.Replica(%d): valid ids are 0 to %d", id, g.numReplicas-1)
	}
	return &Replica{group: g, id: id}
}

// Replicas returns the Reducers for all replicas, indexed by replica id.
func (g *Group) Replicas() []*Replica {
	replicas := make([]*Replica, g.numReplicas)
	for ii := range replicas {
		replicas[ii] = g.Replica(ii)
	}
	return replicas
}

// reduce is run by the last replica to arrive at the barrier, while all others are blocked.
func (g *Group) reduce() error {
	g.mu.Lock()
	pending := g.pending
	g.pending = make([]contribution, g.numReplicas)
	g.mu.Unlock()

	first := pending[0]
	for replica, c := range pending {
		if c.scale != first.scale {
			return errors.Errorf("replica %d reduces with scale %g, replica 0 with scale %g", replica, c.scale, first.scale)
		}
		if !collective.SameGroups(c.groups, first.groups, g.numReplicas) {
			return errors.Errorf("replica %d reduces with groups %v, replica 0 with groups %v",
				replica, c.groups, first.groups)
		}
	}
	groups := collective.NormalizeGroups(first.groups, g.numReplicas)
	// Every group is reduced before any buffer is written, so a failing group leaves all buffers untouched.
	contributions := make([][][]buffers.Buffer, len(groups))
	sums := make([][][]float64, len(groups))
	err := g.pool.Run(len(groups), func(groupIdx int) error {
		members := groups[groupIdx]
		contributions[groupIdx] = make([][]buffers.Buffer, len(members))
		for ii, replica := range members {
			contributions[groupIdx][ii] = pending[replica].bufs
		}
		var err error
		sums[groupIdx], err = collective.ReduceSums(contributions[groupIdx], first.scale)
		if err != nil {
			return errors.WithMessagef(err, "replica group %v", members)
		}
		return nil
	})
	if err != nil {
		return err
	}
	err = g.pool.Run(len(groups), func(groupIdx int) error {
		return collective.WriteSums(contributions[groupIdx], sums[groupIdx])
	})
	if err != nil {
		return err
	}
	klog.V(2).Infof("local.Group: reduced %d buffers in %d replica groups", len(first.bufs), len(groups))
	return nil
}

// Replica is the collective.Reducer of one replica of a Group.
type Replica struct {
	group *Group
	id    int
}

var _ collective.Reducer = (*Replica)(nil)

// ReplicaCount implements collective.Reducer.
func (r *Replica) ReplicaCount() int { return r.group.numReplicas }

// ReplicaID implements collective.Reducer.
func (r *Replica) ReplicaID() int { return r.id }

// String implements fmt.Stringer.
func (r *Replica) String() string {
	return fmt.Sprintf("local.Replica(%d/%d)", r.id, r.group.numReplicas)
}

// CrossReplicaSum implements collective.Reducer. It blocks until all replicas of the Group have called it.
func (r *Replica) CrossReplicaSum(ctx context.Context, bufs []buffers.Buffer, scale float64, groups [][]int) error {
	if err := collective.ValidateGroups(groups, r.group.numReplicas); err != nil {
		return errors.WithMessagef(err, "%s", r)
	}
	r.group.mu.Lock()
	r.group.pending[r.id] = contribution{bufs: bufs, scale: scale, groups: groups}
	r.group.mu.Unlock()
	if err := r.group.barrier.Await(ctx, r.group.reduce); err != nil {
		return errors.WithMessagef(err, "%s: CrossReplicaSum", r)
	}
	return nil
}
