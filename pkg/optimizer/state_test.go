// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizer_test

import (
	"testing"

	"github.com/gomlx/replicastep/pkg/core/buffers"
	"github.com/gomlx/replicastep/pkg/core/nest"
	"github.com/gomlx/replicastep/pkg/optimizer"
	"github.com/gomlx/replicastep/pkg/optimizer/sgd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newParam(name string, value, grad float32) *optimizer.Parameter {
	return &optimizer.Parameter{
		Name:  name,
		Value: buffers.FromScalar(value),
		Grad:  buffers.FromScalar(grad),
	}
}

func TestCollectStateOrdering(t *testing.T) {
	p0, p1 := newParam("p0", 1, 0.1), newParam("p1", 2, 0.2)
	opt := sgd.New([]*optimizer.Parameter{p0, p1}).LearningRate(0.1).Momentum(0.9).Done()

	// Before the first step there is no momentum state.
	state, err := optimizer.CollectState(opt)
	require.NoError(t, err)
	assert.Equal(t, []buffers.Buffer{p0.Grad, p1.Grad}, state.Grads)
	assert.Equal(t, []buffers.Buffer{p0.Value, p1.Value}, state.Params)

	_, err = opt.Step(nil)
	require.NoError(t, err)
	state, err = optimizer.CollectState(opt)
	require.NoError(t, err)
	assert.Equal(t, []buffers.Buffer{p0.Grad, p1.Grad}, state.Grads)
	require.Len(t, state.Params, 4)
	assert.Same(t, p0.Value, state.Params[0])
	assert.Same(t, p1.Value, state.Params[2])
	// Momentum buffers follow their parameter.
	assert.InDelta(t, 0.1, state.Params[1].Float64s()[0], 1e-6)
	assert.InDelta(t, 0.2, state.Params[3].Float64s()[0], 1e-6)

	// Replicas with snapshots of the same shape get the same order.
	q0, q1 := newParam("p0", 1, 7), newParam("p1", 2, 8)
	other := sgd.New([]*optimizer.Parameter{q0, q1}).Done()
	otherState, err := optimizer.CollectState(other)
	require.NoError(t, err)
	assert.Equal(t, []float64{7}, otherState.Grads[0].Float64s())
	assert.Equal(t, []float64{8}, otherState.Grads[1].Float64s())
}

// fakeOptimizer exposes an arbitrary snapshot and auxiliary state.
type fakeOptimizer struct {
	snapshot *nest.Nest[any]
	aux      map[*optimizer.Parameter]*nest.Nest[any]
}

func (f *fakeOptimizer) StateSnapshot() *nest.Nest[any] { return f.snapshot }

func (f *fakeOptimizer) AuxState(p *optimizer.Parameter) *nest.Nest[any] { return f.aux[p] }

func TestCollectStateNested(t *testing.T) {
	p0, p1, p2 := newParam("w", 1, 10), newParam("b", 2, 20), newParam("frozen", 3, 0)
	p2.Grad = nil
	step := buffers.FromScalar(float32(5))
	ema := buffers.FromScalar(float32(0.5))
	f := &fakeOptimizer{
		snapshot: nest.FromGo[any](map[string]any{
			"groups": []any{
				map[string]any{"params": []any{p0, p1}, "lr": 0.1},
				map[string]any{"params": []any{p2, p0}, "lr": 0.0},
			},
			"global_step": buffers.Buffer(step),
			"extra":       nest.Sequence(nest.Leaf[any](buffers.Buffer(ema))),
			"name":        "fake",
		}, func(v any) (any, bool) {
			switch v.(type) {
			case *optimizer.Parameter, buffers.Buffer:
				return v, true
			}
			return nil, false
		}),
		aux: map[*optimizer.Parameter]*nest.Nest[any]{
			p1: nest.Sequence(nest.Leaf[any](buffers.Buffer(ema)), nest.Passthrough[any](3)),
		},
	}
	state, err := optimizer.CollectState(f)
	require.NoError(t, err)

	// Keys sorted: "extra", "global_step", "groups", "name". p0 appears twice but is collected once, and ema is
	// reachable both from "extra" and from p1's auxiliary state.
	assert.Equal(t, []buffers.Buffer{p0.Grad, p1.Grad}, state.Grads)
	assert.Equal(t, []buffers.Buffer{ema, step, p0.Value, p1.Value, p2.Value}, state.Params)
}

func TestKnownOptimizers(t *testing.T) {
	assert.Contains(t, optimizer.Names(), "sgd")
	assert.Contains(t, optimizer.Names(), "momentum")
	p := newParam("x", 1, 1)
	opt, err := optimizer.New("momentum", []*optimizer.Parameter{p}, optimizer.Config{LearningRate: 0.5})
	require.NoError(t, err)
	_, err = opt.Step(nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5}, p.Value.Float64s())
	assert.NotNil(t, opt.AuxState(p))

	_, err = optimizer.New("adam", nil, optimizer.Config{})
	require.ErrorContains(t, err, "unknown optimizer")
}
