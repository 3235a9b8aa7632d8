// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizer

import (
	"github.com/gomlx/replicastep/pkg/core/buffers"
	"github.com/gomlx/replicastep/pkg/core/nest"
	"github.com/gomlx/replicastep/pkg/support/sets"
	"github.com/pkg/errors"
)

// State holds the buffers collected from an optimizer, in deterministic order.
type State struct {
	// Params holds the parameter values and the buffers of the auxiliary state. They are used for diagnostics.
	Params []buffers.Buffer

	// Grads holds the gradients of the parameters, the buffers that take part in the cross-replica reduction.
	Grads []buffers.Buffer
}

// CollectState walks the optimizer's state snapshot and collects the buffers it holds.
//
// For every *Parameter found, its value is appended to Params, its gradient (if any) to Grads, and then the
// optimizer's auxiliary state for the parameter is walked as well. Buffers found directly in the state are
// appended to Params.
//
// The order follows the snapshot: sequences in order and mappings in sorted key order. So replicas with
// snapshots of the same shape get their gradients in the same order. A parameter (or buffer) reachable more
// than once is collected only the first time.
//
// The optimizer state is not modified.
func CollectState(opt Stateful) (*State, error) {
	c := &stateCollector{
		opt:        opt,
		state:      &State{},
		seenParams: sets.Make[*Parameter](),
		seenBufs:   sets.Make[buffers.Buffer](),
	}
	if err := c.collect(opt.StateSnapshot()); err != nil {
		return nil, err
	}
	return c.state, nil
}

type stateCollector struct {
	opt        Stateful
	state      *State
	seenParams sets.Set[*Parameter]
	seenBufs   sets.Set[buffers.Buffer]
}

func (c *stateCollector) collect(n *nest.Nest[any]) error {
	if n == nil {
		return nil
	}
	return n.Walk(func(path nest.Path, value any) error {
		switch v := value.(type) {
		case *Parameter:
			if v == nil || !c.seenParams.InsertNew(v) {
				return nil
			}
			if v.Value != nil {
				c.addParam(v.Value)
			}
			if v.Grad != nil {
				c.state.Grads = append(c.state.Grads, v.Grad)
			}
			if aux := c.opt.AuxState(v); aux != nil {
				if err := c.collect(aux); err != nil {
					return errors.WithMessagef(err, "auxiliary state of %s", v)
				}
			}
		case buffers.Buffer:
			if v != nil {
				c.addParam(v)
			}
		case *nest.Nest[any]:
			if err := c.collect(v); err != nil {
				return errors.WithMessagef(err, "nested state at %s", path)
			}
		}
		return nil
	})
}

func (c *stateCollector) addParam(b buffers.Buffer) {
	if c.seenBufs.InsertNew(b) {
		c.state.Params = append(c.state.Params, b)
	}
}
