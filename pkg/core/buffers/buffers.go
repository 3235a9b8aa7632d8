// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package buffers defines the numeric buffers that replicastep collects, moves and reduces.
//
// The synchronization core never looks inside a Buffer's data: it only uses its identity, its Kind and its
// position in an ordered list. The flat data accessors (Float64s and SetFloat64s) are there for the collective
// reducers and the diagnostics exporters.
//
// There are two concrete implementations:
//
//   - Local: a host (CPU) buffer over a flat Go slice of one of the Supported types.
//   - OnDevice: a buffer "resident" on a named device (e.g. "xla:0"). It is produced by ToDevice, a ready-made
//     conversion function for arena sessions.
package buffers

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
)

// Kind is the category of a Buffer. All buffers collected in one arena session must share the same Kind.
type Kind int

const (
	InvalidKind Kind = iota

	// Host buffers live in the local (CPU) memory of the replica.
	Host

	// Device buffers live on an accelerator device, identified by their DeviceTag.
	Device
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case InvalidKind:
		return "InvalidKind"
	case Host:
		return "Host"
	case Device:
		return "Device"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Buffer is an opaque handle to numeric data.
type Buffer interface {
	// Kind of the buffer.
	Kind() Kind

	// DType of the underlying elements.
	DType() dtypes.DType

	// Dims returns a copy of the dimensions of the buffer. A scalar has no dimensions.
	Dims() []int

	// Size is the number of elements.
	Size() int

	// DeviceTag is the device the buffer is assigned to, or "" if none.
	DeviceTag() string

	// Float64s returns a copy of the values converted to float64.
	Float64s() []float64

	// SetFloat64s overwrites the values, converting from float64 to the buffer's DType.
	// It returns an error if len(values) != Size().
	SetFloat64s(values []float64) error
}

// Describe returns a short human-readable description of the buffer, used in logs and error messages.
func Describe(b Buffer) string {
	if b == nil {
		return "<nil buffer>"
	}
	if tag := b.DeviceTag(); tag != "" {
		return fmt.Sprintf("%s(%s%v@%s)", b.Kind(), b.DType(), b.Dims(), tag)
	}
	return fmt.Sprintf("%s(%s%v)", b.Kind(), b.DType(), b.Dims())
}
