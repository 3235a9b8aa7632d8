// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nest

import (
	"reflect"
)

// FromGo converts a native Go value into a Nest. It is the only place where the structure is inferred from
// runtime types; everything downstream pattern-matches on the Nest variant.
//
//   - A *Nest[T] is returned as is.
//   - If isLeaf reports true, the value becomes a Leaf.
//   - Slices and arrays become a Sequence, and maps with string keys become a Mapping, recursively.
//   - Anything else (including nil) becomes a Passthrough.
func FromGo[T any](value any, isLeaf func(value any) (T, bool)) *Nest[T] {
	if n, ok := value.(*Nest[T]); ok && n != nil {
		return n
	}
	if value == nil {
		return Passthrough[T](nil)
	}
	if leaf, ok := isLeaf(value); ok {
		return Leaf(leaf)
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return Passthrough[T](value)
		}
		elements := make([]*Nest[T], v.Len())
		for ii := range elements {
			elements[ii] = FromGo(v.Index(ii).Interface(), isLeaf)
		}
		return Sequence(elements...)
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return Passthrough[T](value)
		}
		mapping := make(map[string]*Nest[T], v.Len())
		iter := v.MapRange()
		for iter.Next() {
			mapping[iter.Key().String()] = FromGo(iter.Value().Interface(), isLeaf)
		}
		return Mapping(mapping)
	}
	return Passthrough[T](value)
}

// ToGo converts the Nest back to native Go values: a Leaf becomes its T value, a Sequence a []any, a Mapping
// a map[string]any and a Passthrough its opaque value.
func (n *Nest[T]) ToGo() any {
	switch n.Kind() {
	case LeafKind:
		return n.leaf
	case SequenceKind:
		values := make([]any, len(n.sequence))
		for ii, e := range n.sequence {
			values[ii] = e.ToGo()
		}
		return values
	case MappingKind:
		values := make(map[string]any, len(n.mapping))
		for key, e := range n.mapping {
			values[key] = e.ToGo()
		}
		return values
	case PassthroughKind:
		return n.opaque
	}
	return nil
}
