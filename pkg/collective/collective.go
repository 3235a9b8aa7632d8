// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collective defines the cross-replica reduction used to synchronize gradients, and the replica
// group helpers shared by its implementations:
//
//   - local.Group: replicas as goroutines of the same process.
//   - wsreduce: replicas as separate processes, reducing through a websocket hub.
//
// A reduction is a barrier: CrossReplicaSum only returns after every replica of the group has contributed.
// All replicas must call it with the same number of buffers, in the same order and with the same shapes.
// There is no timeout: the context can be used by an orchestration layer to abandon a reduction.
package collective

import (
	"context"
	"slices"

	"github.com/gomlx/replicastep/pkg/core/buffers"
	"github.com/gomlx/replicastep/pkg/support/sets"
	"github.com/pkg/errors"
)

// Reducer performs cross-replica reductions on behalf of one replica.
type Reducer interface {
	// ReplicaCount is the total number of replicas taking part in the reductions.
	ReplicaCount() int

	// ReplicaID of the replica this Reducer is acting for, in [0, ReplicaCount()).
	ReplicaID() int

	// CrossReplicaSum replaces in place each buffer bufs[i] by the sum of the bufs[i] of every replica in this
	// replica's group, multiplied by scale.
	//
	// groups lists disjoint groups of replica ids covering all replicas; if empty, all replicas form one group.
	// It blocks until all replicas have contributed.
	CrossReplicaSum(ctx context.Context, bufs []buffers.Buffer, scale float64, groups [][]int) error
}

// ValidateGroups checks that groups is a partition of the replicas [0, numReplicas). Empty groups is valid
// and means all replicas.
func ValidateGroups(groups [][]int, numReplicas int) error {
	if len(groups) == 0 {
		return nil
	}
	seen := sets.Make[int](numReplicas)
	for groupIdx, group := range groups {
		if len(group) == 0 {
			return errors.Errorf("replica group #%d is empty", groupIdx)
		}
		for _, replica := range group {
			if replica < 0 || replica >= numReplicas {
				return errors.Errorf("replica group #%d has replica %d, valid ids are 0 to %d",
					groupIdx, replica, numReplicas-1)
			}
			if !seen.InsertNew(replica) {
				return errors.Errorf("replica %d appears in more than one replica group (%v)", replica, groups)
			}
		}
	}
	if missing := sets.Missing(seen, numReplicas); len(missing) > 0 {
		return errors.Errorf("replicas %v are not in any replica group (%v)", missing, groups)
	}
	return nil
}

// NormalizeGroups returns groups, or a single group with all replicas if groups is empty.
func NormalizeGroups(groups [][]int, numReplicas int) [][]int {
	if len(groups) > 0 {
		return groups
	}
	all := make([]int, numReplicas)
	for ii := range all {
		all[ii] = ii
	}
	return [][]int{all}
}

// GroupOf returns the group replica belongs to. If groups is empty, it returns all replicas.
// It returns nil if replica is not in any group.
func GroupOf(groups [][]int, replica, numReplicas int) []int {
	for _, group := range NormalizeGroups(groups, numReplicas) {
		if slices.Contains(group, replica) {
			return group
		}
	}
	return nil
}

// SameGroups reports whether two replica group configurations are equal, treating empty as "all replicas".
func SameGroups(a, b [][]int, numReplicas int) bool {
	return slices.EqualFunc(NormalizeGroups(a, numReplicas), NormalizeGroups(b, numReplicas), slices.Equal[[]int])
}
