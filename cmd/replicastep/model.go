// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"math/rand/v2"

	"github.com/gomlx/replicastep/pkg/core/arena"
	"github.com/gomlx/replicastep/pkg/core/buffers"
	"github.com/gomlx/replicastep/pkg/core/nest"
	"github.com/gomlx/replicastep/pkg/optimizer"
	"github.com/pkg/errors"
)

// Parameters of the line the replicas fit: y = trueSlope * x + trueIntercept.
const (
	trueSlope      = 2.0
	trueIntercept  = 0.5
	examplesPerRep = 64
)

// generateShards creates the data shard of each replica on the host: a Sequence, indexed by replica, of
// mappings {"x", "y", "seed"}.
func generateShards(numReplicas int, seed int64) *nest.Nest[buffers.Buffer] {
	shards := make([]*nest.Nest[buffers.Buffer], numReplicas)
	for replicaID := range shards {
		rng := rand.New(rand.NewPCG(uint64(seed), uint64(replicaID)))
		xs := make([]float32, examplesPerRep)
		ys := make([]float32, examplesPerRep)
		for ii := range xs {
			x := 2*rng.Float64() - 1
			xs[ii] = float32(x)
			ys[ii] = float32(trueSlope*x + trueIntercept + 0.01*rng.NormFloat64())
		}
		shards[replicaID] = nest.Mapping(map[string]*nest.Nest[buffers.Buffer]{
			"x":    nest.Leaf[buffers.Buffer](buffers.FromFlat(xs)),
			"y":    nest.Leaf[buffers.Buffer](buffers.FromFlat(ys)),
			"seed": nest.Passthrough[buffers.Buffer](seed),
		})
	}
	return nest.Sequence(shards...)
}

// placeShards moves every replica's shard to its device, in one batch.
func placeShards(ctx context.Context, shards *nest.Nest[buffers.Buffer], deviceTags []string) (
	*nest.Nest[buffers.Buffer], error) {
	placed, err := arena.Transfer(ctx, buffers.Host, shards, buffers.ToDevice, arena.WithDevices(deviceTags))
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to place data shards on devices %v", deviceTags)
	}
	return placed, nil
}

// linearModel of one replica: its data shard and its copy of the parameters.
type linearModel struct {
	x, y          []float64
	device        string
	slope, offset *optimizer.Parameter
}

func newLinearModel(shard *nest.Nest[buffers.Buffer]) (*linearModel, error) {
	if !shard.IsMapping() {
		return nil, errors.Errorf("invalid data shard %s", shard)
	}
	x, y := shard.Mapping()["x"].Leaf(), shard.Mapping()["y"].Leaf()
	if x.Size() != y.Size() {
		return nil, errors.Errorf("data shard has %d inputs and %d labels", x.Size(), y.Size())
	}
	return &linearModel{
		x:      x.Float64s(),
		y:      y.Float64s(),
		device: x.DeviceTag(),
		slope:  &optimizer.Parameter{Name: "slope", Value: buffers.FromScalar(0.0), Grad: buffers.FromScalar(0.0)},
		offset: &optimizer.Parameter{Name: "offset", Value: buffers.FromScalar(0.0), Grad: buffers.FromScalar(0.0)},
	}, nil
}

// Params returns the trainable parameters.
func (m *linearModel) Params() []*optimizer.Parameter {
	return []*optimizer.Parameter{m.slope, m.offset}
}

func (m *linearModel) current() (slope, offset float64) {
	return m.slope.Value.Float64s()[0], m.offset.Value.Float64s()[0]
}

// Loss is the mean squared error over the replica's shard.
func (m *linearModel) Loss() (float64, error) {
	slope, offset := m.current()
	var sum float64
	for ii, x := range m.x {
		diff := slope*x + offset - m.y[ii]
		sum += diff * diff
	}
	return sum / float64(len(m.x)), nil
}

// ComputeGradients of the loss with respect to the parameters, over the replica's shard only.
func (m *linearModel) ComputeGradients() error {
	slope, offset := m.current()
	var gradSlope, gradOffset float64
	for ii, x := range m.x {
		diff := slope*x + offset - m.y[ii]
		gradSlope += 2 * diff * x
		gradOffset += 2 * diff
	}
	n := float64(len(m.x))
	if err := m.slope.Grad.SetFloat64s([]float64{gradSlope / n}); err != nil {
		return err
	}
	return m.offset.Grad.SetFloat64s([]float64{gradOffset / n})
}
