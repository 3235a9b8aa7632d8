// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package arena flattens nested structures of buffers into an ordered list, converts them in a single batch and
// rebuilds the nested structures with the converted buffers.
//
// An Arena is a single collect-then-convert session:
//
//	a := arena.New(buffers.ToDevice)
//	mirrored, err := arena.Collect(a, buffers.Host, structure, arena.WithDevices(devices))
//	…
//	err = a.Convert(ctx)
//	…
//	converted, err := arena.Rehydrate(a, mirrored)
//
// Or in one call with Transfer.
//
// The order in which buffers are collected is deterministic, and handles are positions in that order. This is
// what makes it safe to use the flattened list in collective operations across replicas.
//
// An Arena is not safe for concurrent use: it is meant to be created, used and discarded within one step of
// one replica.
package arena

import (
	"context"
	"fmt"

	"github.com/gomlx/replicastep/pkg/core/buffers"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrStructural is returned (wrapped) when the structure given by the caller is inconsistent:
	// device list shorter than the outer container, buffers of different kinds in one session, or a conversion
	// function returning the wrong number of buffers.
	ErrStructural = errors.New("structural error")

	// ErrSequencing is returned (wrapped) when the session state machine is misused: adding after conversion,
	// converting twice, reading converted buffers before conversion or using a handle from another session.
	ErrSequencing = errors.New("sequencing error")

	// ErrBounds is returned (wrapped) when a handle points beyond the converted list.
	ErrBounds = errors.New("handle out of bounds")
)

// ConvertFn converts an ordered list of buffers in one batch. tags is parallel to bufs and holds the device tag
// of each buffer ("" for none). It must return a slice of the same length and order as bufs.
type ConvertFn func(ctx context.Context, bufs []buffers.Buffer, tags []string) ([]buffers.Buffer, error)

// State of an Arena session.
type State int

const (
	Empty State = iota
	Collecting
	Converted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Empty:
		return "Empty"
	case Collecting:
		return "Collecting"
	case Converted:
		return "Converted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Handle is a position in an Arena's ordered buffer list, bound to the session that issued it.
// It holds no ownership of the buffer.
type Handle struct {
	session uuid.UUID
	index   int
}

// Index returns the position of the handle in its session.
func (h Handle) Index() int { return h.index }

// String implements fmt.Stringer.
func (h Handle) String() string { return fmt.Sprintf("#%d", h.index) }

// Arena owns the ordered list of collected buffers (and their device tags) and, after Convert, the ordered
// list of converted buffers.
type Arena struct {
	id        uuid.UUID
	convertFn ConvertFn
	state     State

	kind      buffers.Kind
	bufs      []buffers.Buffer
	tags      []string
	converted []buffers.Buffer
}

// New creates a new Arena session that will use convertFn in Convert.
func New(convertFn ConvertFn) *Arena {
	return &Arena{
		id:        uuid.New(),
		convertFn: convertFn,
	}
}

// ID of the session.
func (a *Arena) ID() uuid.UUID { return a.id }

// State of the session.
func (a *Arena) State() State { return a.state }

// Len returns the number of buffers collected so far.
func (a *Arena) Len() int { return len(a.bufs) }

// Kind returns the buffers.Kind of the buffers in the session, or buffers.InvalidKind if it is empty.
func (a *Arena) Kind() buffers.Kind { return a.kind }

// Buffers returns the collected buffers, in collection order. The slice is owned by the Arena.
func (a *Arena) Buffers() []buffers.Buffer { return a.bufs }

// Tags returns the device tags parallel to Buffers. Buffers added without a tag have an empty tag.
func (a *Arena) Tags() []string { return a.tags }

// String implements fmt.Stringer.
func (a *Arena) String() string {
	return fmt.Sprintf("Arena(%s, state=%s, %d buffers)", a.id, a.state, len(a.bufs))
}

// Add a buffer to the session, optionally tagged with a device, and returns its handle.
//
// All buffers in a session must be of the same buffers.Kind: adding one of a different kind returns an
// ErrStructural. Adding after Convert returns an ErrSequencing.
func (a *Arena) Add(buffer buffers.Buffer, deviceTag ...string) (Handle, error) {
	if a.state == Converted {
		return Handle{}, errors.Wrapf(ErrSequencing, "%s: Add() called after Convert()", a)
	}
	if buffer == nil {
		return Handle{}, errors.Wrapf(ErrStructural, "%s: Add() called with a nil buffer", a)
	}
	if len(deviceTag) > 1 {
		return Handle{}, errors.Wrapf(ErrStructural, "%s: Add() takes at most one device tag, got %v", a, deviceTag)
	}
	if len(a.bufs) > 0 && buffer.Kind() != a.kind {
		return Handle{}, errors.Wrapf(ErrStructural, "%s: cannot add buffer %s, session holds %s buffers",
			a, buffers.Describe(buffer), a.kind)
	}
	if len(a.bufs) == 0 {
		a.kind = buffer.Kind()
	}
	tag := ""
	if len(deviceTag) == 1 {
		tag = deviceTag[0]
	}
	a.bufs = append(a.bufs, buffer)
	a.tags = append(a.tags, tag)
	a.state = Collecting
	return Handle{session: a.id, index: len(a.bufs) - 1}, nil
}

// Convert all collected buffers with one call to the session's ConvertFn. It can only be called once.
//
// If no buffers were collected, it is a no-op: the ConvertFn is not called and the converted list stays
// empty.
func (a *Arena) Convert(ctx context.Context) error {
	if a.state == Converted {
		return errors.Wrapf(ErrSequencing, "%s: Convert() called twice", a)
	}
	a.state = Converted
	if len(a.bufs) == 0 {
		return nil
	}
	if a.convertFn == nil {
		return errors.Errorf("%s: no conversion function configured", a)
	}
	converted, err := a.convertFn(ctx, a.bufs, a.tags)
	if err != nil {
		return errors.WithMessagef(err, "%s: conversion failed", a)
	}
	if len(converted) != len(a.bufs) {
		return errors.Wrapf(ErrStructural, "%s: conversion returned %d buffers, expected %d",
			a, len(converted), len(a.bufs))
	}
	a.converted = converted
	klog.V(2).Infof("%s: converted %d buffers", a, len(converted))
	return nil
}

// Converted returns the converted buffer for the given handle. It is only valid after Convert.
func (a *Arena) Converted(h Handle) (buffers.Buffer, error) {
	if a.state != Converted {
		return nil, errors.Wrapf(ErrSequencing, "%s: Converted(%s) called before Convert()", a, h)
	}
	if h.session != a.id {
		return nil, errors.Wrapf(ErrSequencing, "%s: handle %s belongs to session %s", a, h, h.session)
	}
	if h.index < 0 || h.index >= len(a.converted) {
		return nil, errors.Wrapf(ErrBounds, "%s: handle %s, only %d converted buffers", a, h, len(a.converted))
	}
	return a.converted[h.index], nil
}

// ConvertedBuffers returns the converted list, in collection order. It is nil before Convert or if the
// session was empty. The slice is owned by the Arena.
func (a *Arena) ConvertedBuffers() []buffers.Buffer { return a.converted }
