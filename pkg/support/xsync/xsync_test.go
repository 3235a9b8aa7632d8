// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Test())
	go l.Trigger()
	select {
	case <-l.WaitChan():
	case <-time.After(time.Second):
		t.Fatal("latch never triggered")
	}
	l.Trigger()
	assert.True(t, l.Test())

	lv := NewLatchWithValue[int]()
	lv.Trigger(3)
	lv.Trigger(5)
	assert.Equal(t, 3, lv.Wait())
}

func TestBarrier(t *testing.T) {
	const parties = 4
	const generations = 3
	b := NewBarrier(parties)
	var lastCalls atomic.Int32
	var arrivedBeforeLast atomic.Int32

	var wg sync.WaitGroup
	for range parties {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range generations {
				arrivedBeforeLast.Add(1)
				err := b.Await(context.Background(), func() error {
					lastCalls.Add(1)
					// Every party of this generation has arrived.
					if n := arrivedBeforeLast.Swap(0); n != parties {
						return errors.Errorf("only %d parties arrived", n)
					}
					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(generations), lastCalls.Load())
	assert.Equal(t, uint64(generations), b.Generation())
}

func TestBarrierError(t *testing.T) {
	b := NewBarrier(2)
	errs := make(chan error, 2)
	for range 2 {
		go func() {
			errs <- b.Await(context.Background(), func() error { return errors.New("reduce failed") })
		}()
	}
	for range 2 {
		require.ErrorContains(t, <-errs, "reduce failed")
	}
}

func TestBarrierCancel(t *testing.T) {
	b := NewBarrier(2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := b.Await(ctx, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	err = exceptions.TryCatch[error](func() { NewBarrier(0) })
	require.ErrorContains(t, err, "parties must be >= 1")
}
