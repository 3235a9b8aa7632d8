// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"context"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Barrier is a reusable (cyclic) barrier for a fixed number of parties.
//
// Each call to Await blocks until all parties of the current generation have arrived. The last party to
// arrive runs the optional action before releasing the others, and the action's error is returned to every
// party of that generation.
//
// There is no timeout: if one party never arrives, the others block until their context is cancelled.
// A barrier whose generation was abandoned by a cancelled party must not be reused.
type Barrier struct {
	parties int

	mu         sync.Mutex
	arrived    int
	generation uint64
	current    *LatchWithValue[error]
}

// NewBarrier creates a barrier for the given number of parties. It panics if parties < 1.
func NewBarrier(parties int) *Barrier {
	if parties < 1 {
		exceptions.Panicf("xsync.NewBarrier: parties must be >= 1, got %d", parties)
	}
	return &Barrier{
		parties: parties,
		current: NewLatchWithValue[error](),
	}
}

// Parties returns the number of parties required to trip the barrier.
func (b *Barrier) Parties() int { return b.parties }

// Generation returns how many times the barrier has tripped.
func (b *Barrier) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// Await blocks until all parties arrive. The last one to arrive runs lastFn (if not nil) and its error is
// returned to all parties. If ctx is done before the barrier trips, it returns the context error.
func (b *Barrier) Await(ctx context.Context, lastFn func() error) error {
	b.mu.Lock()
	round := b.current
	b.arrived++
	if b.arrived < b.parties {
		generation := b.generation
		b.mu.Unlock()
		select {
		case <-round.WaitChan():
			return round.Value()
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "barrier generation %d abandoned", generation)
		}
	}

	// Last to arrive: start a new generation, and release the current one once lastFn is done.
	b.arrived = 0
	b.generation++
	b.current = NewLatchWithValue[error]()
	b.mu.Unlock()
	var err error
	if lastFn != nil {
		err = lastFn()
	}
	round.Trigger(err)
	return err
}
