// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizer defines the capability a local optimizer must expose to take part in a synchronized step,
// and collects from it the buffers that participate in the cross-replica reduction.
//
// The actual update math is up to each implementation (see subpackage sgd): the synchronization only needs to
// find the parameters, their gradients and any auxiliary per-parameter state.
package optimizer

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/gomlx/replicastep/pkg/core/buffers"
	"github.com/gomlx/replicastep/pkg/core/nest"
	"github.com/pkg/errors"
)

// Parameter is a trainable value and its (optional) gradient.
type Parameter struct {
	Name string

	// Value of the parameter, updated by the optimizer's Step.
	Value buffers.Buffer

	// Grad is the gradient of the loss with respect to Value, or nil if there is none.
	Grad buffers.Buffer
}

// String implements fmt.Stringer.
func (p *Parameter) String() string {
	grad := "no grad"
	if p.Grad != nil {
		grad = "grad=" + buffers.Describe(p.Grad)
	}
	return fmt.Sprintf("Parameter(%q, %s, %s)", p.Name, buffers.Describe(p.Value), grad)
}

// Stateful is implemented by optimizers whose internal state can be inspected.
type Stateful interface {
	// StateSnapshot returns the optimizer's state as a nested structure. Leaves can be *Parameter,
	// buffers.Buffer (e.g. state not tied to a parameter) or *nest.Nest[any] (nested state), anything else is
	// ignored.
	//
	// The structure must be the same, in shape and order, in every replica.
	StateSnapshot() *nest.Nest[any]

	// AuxState returns the auxiliary state (e.g. momentum buffers) the optimizer keeps for p, or nil if none.
	AuxState(p *Parameter) *nest.Nest[any]
}

// Closure re-evaluates the model and returns the loss. It may be nil.
type Closure func() (float64, error)

// Interface implemented by optimizers that can be synchronized across replicas.
type Interface interface {
	Stateful

	// Step applies one local update using the current gradients. If closure is not nil, it is called to
	// (re-)evaluate the loss, which is returned. Otherwise, the returned loss is nil.
	Step(closure Closure) (*float64, error)
}

// Config holds the hyperparameters used by the constructors in KnownOptimizers.
type Config struct {
	LearningRate float64
	Momentum     float64
}

// Constructor of an optimizer for the given parameters.
type Constructor func(params []*Parameter, config Config) Interface

var (
	muKnown sync.Mutex

	// KnownOptimizers maps optimizer names to their constructors. Implementations register themselves with
	// Register, usually in their init() function.
	KnownOptimizers = make(map[string]Constructor)
)

// Register an optimizer constructor under the given name.
func Register(name string, constructor Constructor) {
	muKnown.Lock()
	defer muKnown.Unlock()
	KnownOptimizers[name] = constructor
}

// New creates the optimizer registered under name.
func New(name string, params []*Parameter, config Config) (Interface, error) {
	muKnown.Lock()
	constructor, found := KnownOptimizers[name]
	muKnown.Unlock()
	if !found {
		return nil, errors.Errorf("unknown optimizer %q, known optimizers: %v", name, Names())
	}
	return constructor(params, config), nil
}

// Names of the registered optimizers, sorted.
func Names() []string {
	muKnown.Lock()
	defer muKnown.Unlock()
	return slices.Sorted(maps.Keys(KnownOptimizers))
}
