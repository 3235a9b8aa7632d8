// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package arena

import (
	"context"

	"github.com/gomlx/replicastep/pkg/core/buffers"
	"github.com/gomlx/replicastep/pkg/core/nest"
	"github.com/pkg/errors"
)

// CollectOption configures Collect and Transfer.
type CollectOption func(*collectConfig)

type collectConfig struct {
	devices   []string
	deviceTag string
}

// WithDevices declares the outermost container of the structure as the replica dimension: every buffer nested
// under its i-th element is tagged with devices[i]. For an outermost Mapping, i is the position of the key in
// sorted order.
//
// The devices list must have at least as many entries as the outermost container.
func WithDevices(devices []string) CollectOption {
	return func(c *collectConfig) {
		c.devices = devices
	}
}

// WithDeviceTag sets the device tag used for every collected buffer, when WithDevices is not given.
func WithDeviceTag(tag string) CollectOption {
	return func(c *collectConfig) {
		c.deviceTag = tag
	}
}

// Collect walks the structure and adds every Leaf buffer of the given kind to the arena, in deterministic
// order. It returns a new structure of the same shape with those leaves replaced by their handles.
//
// Leaves of other kinds (and nil buffers) are not collected: they are carried as opaque values in the returned
// structure, and Rehydrate restores them unchanged.
//
// It returns an ErrStructural if WithDevices was given with fewer devices than the outermost container has
// elements; in that case nothing is added to the arena.
func Collect(a *Arena, leafKind buffers.Kind, structure *nest.Nest[buffers.Buffer], options ...CollectOption) (
	*nest.Nest[Handle], error) {
	var cfg collectConfig
	for _, option := range options {
		option(&cfg)
	}
	if cfg.devices != nil && structure.IsContainer() && len(cfg.devices) < structure.Len() {
		return nil, errors.Wrapf(ErrStructural, "Collect: %d devices given for an outer %s of %d elements",
			len(cfg.devices), structure.Kind(), structure.Len())
	}
	return collectRecursive(a, leafKind, structure, cfg.devices, cfg.deviceTag, nil)
}

func collectRecursive(a *Arena, leafKind buffers.Kind, n *nest.Nest[buffers.Buffer], devices []string, tag string,
	path nest.Path) (*nest.Nest[Handle], error) {
	switch n.Kind() {
	case nest.LeafKind:
		b := n.Leaf()
		if b == nil || b.Kind() != leafKind {
			return nest.Passthrough[Handle](uncollected{b}), nil
		}
		h, err := a.Add(b, tag)
		if err != nil {
			return nil, errors.WithMessagef(err, "Collect: at %s", path)
		}
		return nest.Leaf(h), nil

	case nest.SequenceKind:
		elements := n.Sequence()
		mirrored := make([]*nest.Nest[Handle], len(elements))
		for ii, e := range elements {
			elementTag := tag
			if devices != nil {
				elementTag = devices[ii]
			}
			var err error
			mirrored[ii], err = collectRecursive(a, leafKind, e, nil, elementTag, childPath(path, ii))
			if err != nil {
				return nil, err
			}
		}
		return nest.Sequence(mirrored...), nil

	case nest.MappingKind:
		mapping := n.Mapping()
		mirrored := make(map[string]*nest.Nest[Handle], len(mapping))
		for ii, key := range n.Keys() {
			elementTag := tag
			if devices != nil {
				elementTag = devices[ii]
			}
			e, err := collectRecursive(a, leafKind, mapping[key], nil, elementTag, childPath(path, key))
			if err != nil {
				return nil, err
			}
			mirrored[key] = e
		}
		return nest.Mapping(mirrored), nil

	case nest.PassthroughKind:
		return nest.Passthrough[Handle](n.Opaque()), nil
	}
	return nil, errors.Wrapf(ErrStructural, "Collect: invalid structure at %s", path)
}

func childPath(path nest.Path, element any) nest.Path {
	child := make(nest.Path, len(path), len(path)+1)
	copy(child, path)
	return append(child, element)
}

// uncollected marks, in the mirrored structure, a leaf that was not collected, so Rehydrate can restore it
// as a leaf.
type uncollected struct {
	buffer buffers.Buffer
}

// Rehydrate returns a new structure of the same shape as mirrored (as returned by Collect), with each handle
// replaced by its converted buffer. Leaves that were not collected are restored unchanged, and Passthrough
// values are carried over.
//
// It must be called after a.Convert().
func Rehydrate(a *Arena, mirrored *nest.Nest[Handle]) (*nest.Nest[buffers.Buffer], error) {
	return rehydrateRecursive(a, mirrored, nil)
}

func rehydrateRecursive(a *Arena, n *nest.Nest[Handle], path nest.Path) (*nest.Nest[buffers.Buffer], error) {
	switch n.Kind() {
	case nest.LeafKind:
		b, err := a.Converted(n.Leaf())
		if err != nil {
			return nil, errors.WithMessagef(err, "Rehydrate: at %s", path)
		}
		return nest.Leaf(b), nil

	case nest.SequenceKind:
		elements := n.Sequence()
		rehydrated := make([]*nest.Nest[buffers.Buffer], len(elements))
		for ii, e := range elements {
			var err error
			rehydrated[ii], err = rehydrateRecursive(a, e, childPath(path, ii))
			if err != nil {
				return nil, err
			}
		}
		return nest.Sequence(rehydrated...), nil

	case nest.MappingKind:
		mapping := n.Mapping()
		rehydrated := make(map[string]*nest.Nest[buffers.Buffer], len(mapping))
		for _, key := range n.Keys() {
			e, err := rehydrateRecursive(a, mapping[key], childPath(path, key))
			if err != nil {
				return nil, err
			}
			rehydrated[key] = e
		}
		return nest.Mapping(rehydrated), nil

	case nest.PassthroughKind:
		if u, ok := n.Opaque().(uncollected); ok {
			return nest.Leaf(u.buffer), nil
		}
		return nest.Passthrough[buffers.Buffer](n.Opaque()), nil
	}
	return nil, errors.Wrapf(ErrStructural, "Rehydrate: invalid structure at %s", path)
}

// Transfer collects the buffers of the given kind in structure, converts them in one batch with convertFn and
// returns the structure rebuilt with the converted buffers. It uses a fresh Arena session.
//
// Typical use is moving a nested structure of host buffers to the replicas' devices:
//
//	onDevices, err := arena.Transfer(ctx, buffers.Host, perReplicaInputs, buffers.ToDevice,
//		arena.WithDevices([]string{"xla:0", "xla:1"}))
func Transfer(ctx context.Context, leafKind buffers.Kind, structure *nest.Nest[buffers.Buffer], convertFn ConvertFn,
	options ...CollectOption) (*nest.Nest[buffers.Buffer], error) {
	a := New(convertFn)
	mirrored, err := Collect(a, leafKind, structure, options...)
	if err != nil {
		return nil, err
	}
	if err = a.Convert(ctx); err != nil {
		return nil, err
	}
	return Rehydrate(a, mirrored)
}
