// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sgd implements stochastic gradient descent, with optional momentum, as an optimizer.Interface.
//
// It registers itself in optimizer.KnownOptimizers as "sgd" (momentum from the config is ignored) and
// "momentum".
package sgd

import (
	"fmt"

	"github.com/gomlx/replicastep/pkg/core/buffers"
	"github.com/gomlx/replicastep/pkg/core/nest"
	"github.com/gomlx/replicastep/pkg/optimizer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultLearningRate used if none is configured.
const DefaultLearningRate = 0.01

func init() {
	optimizer.Register("sgd", func(params []*optimizer.Parameter, config optimizer.Config) optimizer.Interface {
		return New(params).LearningRate(config.LearningRate).Done()
	})
	optimizer.Register("momentum", func(params []*optimizer.Parameter, config optimizer.Config) optimizer.Interface {
		momentum := config.Momentum
		if momentum == 0 {
			momentum = 0.9
		}
		return New(params).LearningRate(config.LearningRate).Momentum(momentum).Done()
	})
}

// Optimizer updates each parameter with `value -= learningRate * update`, where update is the gradient, or with
// momentum the velocity `v = momentum * v + grad`.
//
// The velocity buffers are the auxiliary state of each parameter, created on the first step.
type Optimizer struct {
	params       []*optimizer.Parameter
	learningRate float64
	momentum     float64
	velocity     map[*optimizer.Parameter]*buffers.Local
	numSteps     int
}

var _ optimizer.Interface = (*Optimizer)(nil)

// Config is a builder for an Optimizer. Create it with New, configure it and call Done.
type Config struct {
	opt *Optimizer
}

// New returns a configuration for an SGD optimizer over params. Call Done to create it.
func New(params []*optimizer.Parameter) *Config {
	return &Config{opt: &Optimizer{
		params:       params,
		learningRate: DefaultLearningRate,
		velocity:     make(map[*optimizer.Parameter]*buffers.Local),
	}}
}

// LearningRate sets the learning rate. If 0, DefaultLearningRate is used.
func (c *Config) LearningRate(learningRate float64) *Config {
	if learningRate != 0 {
		c.opt.learningRate = learningRate
	}
	return c
}

// Momentum sets the momentum. 0 disables it.
func (c *Config) Momentum(momentum float64) *Config {
	c.opt.momentum = momentum
	return c
}

// Done returns the configured Optimizer.
func (c *Config) Done() *Optimizer {
	return c.opt
}

// String implements fmt.Stringer.
func (o *Optimizer) String() string {
	return fmt.Sprintf("sgd(lr=%g, momentum=%g, %d params)", o.learningRate, o.momentum, len(o.params))
}

// NumSteps returns the number of steps applied so far.
func (o *Optimizer) NumSteps() int { return o.numSteps }

// StateSnapshot implements optimizer.Stateful.
func (o *Optimizer) StateSnapshot() *nest.Nest[any] {
	params := make([]*nest.Nest[any], len(o.params))
	for ii, p := range o.params {
		params[ii] = nest.Leaf[any](p)
	}
	return nest.Mapping(map[string]*nest.Nest[any]{
		"params": nest.Sequence(params...),
		"hyperparameters": nest.Mapping(map[string]*nest.Nest[any]{
			"learning_rate": nest.Passthrough[any](o.learningRate),
			"momentum":      nest.Passthrough[any](o.momentum),
		}),
		"num_steps": nest.Passthrough[any](o.numSteps),
	})
}

// AuxState implements optimizer.Stateful: it is the velocity buffer of the parameter, once created.
func (o *Optimizer) AuxState(p *optimizer.Parameter) *nest.Nest[any] {
	v, found := o.velocity[p]
	if !found {
		return nil
	}
	return nest.Mapping(map[string]*nest.Nest[any]{
		"momentum_buffer": nest.Leaf[any](buffers.Buffer(v)),
	})
}

// Step implements optimizer.Interface. Parameters without gradients are not changed.
func (o *Optimizer) Step(closure optimizer.Closure) (*float64, error) {
	var loss *float64
	if closure != nil {
		l, err := closure()
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: closure failed", o)
		}
		loss = &l
	}
	for _, p := range o.params {
		if p.Grad == nil {
			continue
		}
		update := p.Grad.Float64s()
		if o.momentum != 0 {
			v, found := o.velocity[p]
			if !found {
				v = buffers.ZerosLike(p.Value)
				o.velocity[p] = v
			}
			velocity := v.Float64s()
			if len(velocity) != len(update) {
				return nil, errors.Errorf("%s: gradient of %s has %d values, velocity has %d",
					o, p, len(update), len(velocity))
			}
			for ii := range velocity {
				velocity[ii] = o.momentum*velocity[ii] + update[ii]
			}
			if err := v.SetFloat64s(velocity); err != nil {
				return nil, errors.WithMessagef(err, "%s: updating velocity of %s", o, p)
			}
			update = velocity
		}
		values := p.Value.Float64s()
		if len(values) != len(update) {
			return nil, errors.Errorf("%s: gradient of %s has %d values", o, p, len(update))
		}
		for ii := range values {
			values[ii] -= o.learningRate * update[ii]
		}
		if err := p.Value.SetFloat64s(values); err != nil {
			return nil, errors.WithMessagef(err, "%s: updating %s", o, p)
		}
	}
	o.numSteps++
	klog.V(2).Infof("%s: step %d applied", o, o.numSteps)
	return loss, nil
}
