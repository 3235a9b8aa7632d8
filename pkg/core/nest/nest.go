// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nest implements Nest, a recursive generic container used to describe arbitrarily nested
// structures of values (typically buffers) in replicastep.
//
// A Nest[T] is a "sum type" (a closed union) of:
//
//   - Leaf: a value of type T.
//   - Sequence: an ordered list of Nest[T].
//   - Mapping: a map of string keys to Nest[T], always traversed in sorted key order.
//   - Passthrough: an opaque value of any type, carried along untouched by transformations.
//
// Accessing the wrong variant panics. All traversals are deterministic: the same structure always yields its
// leaves in the same order, which is what allows positional (as opposed to named) cross-replica reductions.
package nest

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Kind of Nest variant.
type Kind uint8

const (
	InvalidKind Kind = iota
	LeafKind
	SequenceKind
	MappingKind
	PassthroughKind
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case InvalidKind:
		return "Invalid"
	case LeafKind:
		return "Leaf"
	case SequenceKind:
		return "Sequence"
	case MappingKind:
		return "Mapping"
	case PassthroughKind:
		return "Passthrough"
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Nest is a recursive container, see package documentation.
type Nest[T any] struct {
	kind     Kind
	leaf     T
	sequence []*Nest[T]
	mapping  map[string]*Nest[T]
	opaque   any
}

// Leaf creates a Nest holding the given value.
func Leaf[T any](value T) *Nest[T] {
	return &Nest[T]{kind: LeafKind, leaf: value}
}

// Sequence creates a Nest holding an ordered list of elements. The slice is copied, the elements are not.
// nil elements are replaced by Passthrough(nil).
func Sequence[T any](elements ...*Nest[T]) *Nest[T] {
	sequence := make([]*Nest[T], len(elements))
	for ii, e := range elements {
		if e == nil {
			e = Passthrough[T](nil)
		}
		sequence[ii] = e
	}
	return &Nest[T]{kind: SequenceKind, sequence: sequence}
}

// Mapping creates a Nest holding the given map. The map is copied, the elements are not.
// nil elements are replaced by Passthrough(nil).
func Mapping[T any](mapping map[string]*Nest[T]) *Nest[T] {
	copied := make(map[string]*Nest[T], len(mapping))
	for key, e := range mapping {
		if e == nil {
			e = Passthrough[T](nil)
		}
		copied[key] = e
	}
	return &Nest[T]{kind: MappingKind, mapping: copied}
}

// Passthrough creates a Nest holding an opaque value, which transformations carry over unchanged.
func Passthrough[T any](value any) *Nest[T] {
	return &Nest[T]{kind: PassthroughKind, opaque: value}
}

// Kind returns the variant of the Nest.
func (n *Nest[T]) Kind() Kind {
	if n == nil {
		return InvalidKind
	}
	return n.kind
}

// IsLeaf returns whether the Nest holds a single value.
func (n *Nest[T]) IsLeaf() bool { return n.Kind() == LeafKind }

// IsSequence returns whether the Nest holds a Sequence.
func (n *Nest[T]) IsSequence() bool { return n.Kind() == SequenceKind }

// IsMapping returns whether the Nest holds a Mapping.
func (n *Nest[T]) IsMapping() bool { return n.Kind() == MappingKind }

// IsPassthrough returns whether the Nest holds an opaque value.
func (n *Nest[T]) IsPassthrough() bool { return n.Kind() == PassthroughKind }

// IsContainer returns whether the Nest is a Sequence or a Mapping.
func (n *Nest[T]) IsContainer() bool { return n.IsSequence() || n.IsMapping() }

// Leaf returns the value stored in the Nest. It panics if the Nest is not a Leaf.
func (n *Nest[T]) Leaf() T {
	if n.Kind() != LeafKind {
		log.Panicf("Nest[T=%T].Leaf() called, but the Nest is of kind %s", n.zero(), n.Kind())
	}
	return n.leaf
}

// Sequence returns the elements of the Nest. It panics if the Nest is not a Sequence.
func (n *Nest[T]) Sequence() []*Nest[T] {
	if n.Kind() != SequenceKind {
		log.Panicf("Nest[T=%T].Sequence() called, but the Nest is of kind %s", n.zero(), n.Kind())
	}
	return n.sequence
}

// Mapping returns a reference to the underlying map. It panics if the Nest is not a Mapping.
func (n *Nest[T]) Mapping() map[string]*Nest[T] {
	if n.Kind() != MappingKind {
		log.Panicf("Nest[T=%T].Mapping() called, but the Nest is of kind %s", n.zero(), n.Kind())
	}
	return n.mapping
}

// Opaque returns the value of a Passthrough Nest. It panics if the Nest is not a Passthrough.
func (n *Nest[T]) Opaque() any {
	if n.Kind() != PassthroughKind {
		log.Panicf("Nest[T=%T].Opaque() called, but the Nest is of kind %s", n.zero(), n.Kind())
	}
	return n.opaque
}

func (n *Nest[T]) zero() (t T) { return }

// Keys returns the sorted keys of a Mapping. It panics if the Nest is not a Mapping.
func (n *Nest[T]) Keys() []string {
	return sortedKeys(n.Mapping())
}

// Len returns the number of direct children of a container, 1 for a Leaf and 0 otherwise.
func (n *Nest[T]) Len() int {
	switch n.Kind() {
	case LeafKind:
		return 1
	case SequenceKind:
		return len(n.sequence)
	case MappingKind:
		return len(n.mapping)
	}
	return 0
}

// Children returns the direct children of a container in traversal order: sequence order, or sorted key
// order for a Mapping. It returns nil for other kinds.
func (n *Nest[T]) Children() []*Nest[T] {
	switch n.Kind() {
	case SequenceKind:
		return n.sequence
	case MappingKind:
		children := make([]*Nest[T], 0, len(n.mapping))
		for _, key := range sortedKeys(n.mapping) {
			children = append(children, n.mapping[key])
		}
		return children
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Path to an element in a Nest, made of sequence indices (int) and mapping keys (string).
type Path []any

// String implements fmt.Stringer. E.g.: `[0]>weights[2]`; the root is "/".
func (p Path) String() string {
	if len(p) == 0 {
		return "/"
	}
	var sb strings.Builder
	for _, e := range p {
		switch v := e.(type) {
		case int:
			_, _ = fmt.Fprintf(&sb, "[%d]", v)
		case string:
			_, _ = fmt.Fprintf(&sb, ">%s", v)
		}
	}
	return sb.String()
}

func (p Path) append(e any) Path {
	newPath := make(Path, len(p), len(p)+1)
	copy(newPath, p)
	return append(newPath, e)
}

// Walk calls fn for every Leaf in the Nest, in deterministic order, with the path to the leaf.
// If fn returns an error, Walk exits immediately and returns it.
func (n *Nest[T]) Walk(fn func(path Path, value T) error) error {
	return n.walk(nil, fn)
}

func (n *Nest[T]) walk(path Path, fn func(path Path, value T) error) error {
	switch n.Kind() {
	case InvalidKind:
		return errors.Errorf("Nest[%T].Walk() of invalid Nest at %s", n.zero(), path)
	case LeafKind:
		return fn(path, n.leaf)
	case SequenceKind:
		for ii, e := range n.sequence {
			if err := e.walk(path.append(ii), fn); err != nil {
				return err
			}
		}
	case MappingKind:
		for _, key := range sortedKeys(n.mapping) {
			if err := n.mapping[key].walk(path.append(key), fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flatten returns all the leaves of the Nest in deterministic order.
func (n *Nest[T]) Flatten() []T {
	var flat []T
	_ = n.Walk(func(_ Path, value T) error {
		flat = append(flat, value)
		return nil
	})
	return flat
}

// Map creates a new Nest of the same structure where each leaf is replaced by the result of fn.
// Passthrough values are carried over. If fn returns an error, Map returns it immediately.
func Map[T1, T2 any](n *Nest[T1], fn func(path Path, value T1) (T2, error)) (*Nest[T2], error) {
	return mapPath(n, nil, fn)
}

func mapPath[T1, T2 any](n *Nest[T1], path Path, fn func(path Path, value T1) (T2, error)) (*Nest[T2], error) {
	switch n.Kind() {
	case LeafKind:
		v, err := fn(path, n.leaf)
		if err != nil {
			return nil, err
		}
		return Leaf(v), nil
	case SequenceKind:
		elements := make([]*Nest[T2], len(n.sequence))
		for ii, e := range n.sequence {
			var err error
			elements[ii], err = mapPath(e, path.append(ii), fn)
			if err != nil {
				return nil, err
			}
		}
		return Sequence(elements...), nil
	case MappingKind:
		mapping := make(map[string]*Nest[T2], len(n.mapping))
		for _, key := range sortedKeys(n.mapping) {
			e, err := mapPath(n.mapping[key], path.append(key), fn)
			if err != nil {
				return nil, err
			}
			mapping[key] = e
		}
		return Mapping(mapping), nil
	case PassthroughKind:
		return Passthrough[T2](n.opaque), nil
	}
	return nil, errors.Errorf("nest.Map() of invalid Nest at %s", path)
}

// Unflatten creates a Nest[T2] with the structure of shape and the leaves taken in order from flat.
// It returns an error if the number of values doesn't match the number of leaves in shape.
func Unflatten[T1, T2 any](shape *Nest[T1], flat []T2) (*Nest[T2], error) {
	idx := 0
	n, err := Map(shape, func(path Path, _ T1) (v T2, err error) {
		if idx >= len(flat) {
			err = errors.Errorf("nest.Unflatten: not enough values (%d) for structure, missing value at %s", len(flat), path)
			return
		}
		v = flat[idx]
		idx++
		return
	})
	if err != nil {
		return nil, err
	}
	if idx != len(flat) {
		return nil, errors.Errorf("nest.Unflatten: structure has %d leaves, but %d values were given", idx, len(flat))
	}
	return n, nil
}

// String implements fmt.Stringer, printing the structure in a compact form.
func (n *Nest[T]) String() string {
	var sb strings.Builder
	n.writeTo(&sb)
	return sb.String()
}

func (n *Nest[T]) writeTo(sb *strings.Builder) {
	switch n.Kind() {
	case InvalidKind:
		sb.WriteString("<invalid>")
	case LeafKind:
		_, _ = fmt.Fprintf(sb, "%v", n.leaf)
	case PassthroughKind:
		_, _ = fmt.Fprintf(sb, "~%v", n.opaque)
	case SequenceKind:
		sb.WriteString("(")
		for ii, e := range n.sequence {
			if ii > 0 {
				sb.WriteString(", ")
			}
			e.writeTo(sb)
		}
		sb.WriteString(")")
	case MappingKind:
		sb.WriteString("{")
		for ii, key := range sortedKeys(n.mapping) {
			if ii > 0 {
				sb.WriteString(", ")
			}
			_, _ = fmt.Fprintf(sb, "%s: ", key)
			n.mapping[key].writeTo(sb)
		}
		sb.WriteString("}")
	}
}
