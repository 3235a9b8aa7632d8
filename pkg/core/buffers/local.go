// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Supported lists the Go types that can back a Local buffer.
type Supported interface {
	float32 | float64 | float16.Float16 | bfloat16.BFloat16
}

// Local is a host buffer backed by a flat Go slice.
//
// It is safe to read and write from different goroutines: the data is protected by a mutex.
type Local struct {
	dtype dtypes.DType
	dims  []int

	mu   sync.Mutex
	flat any // []T, for one of the Supported T.
}

var _ Buffer = (*Local)(nil)

// FromFlat creates a Local buffer that uses the given flat slice (it is not copied) with the given dimensions.
// If no dimensions are given, it is a 1D buffer of len(flat) elements.
//
// It panics if the dimensions don't match the length of flat.
func FromFlat[T Supported](flat []T, dims ...int) *Local {
	if len(dims) == 0 {
		dims = []int{len(flat)}
	}
	if size := sizeOf(dims); size != len(flat) {
		exceptions.Panicf("buffers.FromFlat: dimensions %v require %d elements, got %d", dims, size, len(flat))
	}
	return &Local{
		dtype: dtypeOf(flat),
		dims:  slices.Clone(dims),
		flat:  flat,
	}
}

// FromScalar creates a scalar (rank 0) Local buffer.
func FromScalar[T Supported](value T) *Local {
	return &Local{
		dtype: dtypeOf([]T{value}),
		flat:  []T{value},
	}
}

// Zeros returns a Local buffer of the given dtype and dimensions filled with zeros.
func Zeros(dtype dtypes.DType, dims ...int) (*Local, error) {
	size := sizeOf(dims)
	var flat any
	switch dtype {
	case dtypes.Float32:
		flat = make([]float32, size)
	case dtypes.Float64:
		flat = make([]float64, size)
	case dtypes.Float16:
		flat = make([]float16.Float16, size)
	case dtypes.BFloat16:
		flat = make([]bfloat16.BFloat16, size)
	default:
		return nil, errors.Errorf("buffers.Zeros: dtype %s not supported", dtype)
	}
	return &Local{dtype: dtype, dims: slices.Clone(dims), flat: flat}, nil
}

// ZerosLike returns a Local buffer with the same dtype and dimensions as b, filled with zeros.
func ZerosLike(b Buffer) *Local {
	l, err := Zeros(b.DType(), b.Dims()...)
	if err != nil {
		exceptions.Panicf("ZerosLike(%s): %v", Describe(b), err)
	}
	return l
}

// Clone returns a copy of the buffer's data as a new Local.
func Clone(b Buffer) *Local {
	l := ZerosLike(b)
	if err := l.SetFloat64s(b.Float64s()); err != nil {
		exceptions.Panicf("Clone(%s): %v", Describe(b), err)
	}
	return l
}

func dtypeOf(flat any) dtypes.DType {
	switch flat.(type) {
	case []float32:
		return dtypes.Float32
	case []float64:
		return dtypes.Float64
	case []float16.Float16:
		return dtypes.Float16
	case []bfloat16.BFloat16:
		return dtypes.BFloat16
	}
	return dtypes.InvalidDType
}

func sizeOf(dims []int) int {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	return size
}

// Kind implements Buffer. Local buffers are always Host.
func (l *Local) Kind() Kind { return Host }

// DType implements Buffer.
func (l *Local) DType() dtypes.DType { return l.dtype }

// Dims implements Buffer.
func (l *Local) Dims() []int { return slices.Clone(l.dims) }

// Size implements Buffer.
func (l *Local) Size() int { return sizeOf(l.dims) }

// DeviceTag implements Buffer. Local buffers have no device.
func (l *Local) DeviceTag() string { return "" }

// Flat returns the underlying flat slice, a []T for one of the Supported types.
// The caller should not modify it concurrently with other users of the buffer.
func (l *Local) Flat() any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flat
}

// Float64s implements Buffer.
func (l *Local) Float64s() []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch flat := l.flat.(type) {
	case []float32:
		return floatsToFloat64(flat)
	case []float64:
		return slices.Clone(flat)
	case []float16.Float16:
		values := make([]float64, len(flat))
		for ii, v := range flat {
			values[ii] = float64(v.Float32())
		}
		return values
	case []bfloat16.BFloat16:
		values := make([]float64, len(flat))
		for ii, v := range flat {
			values[ii] = float64(v.Float32())
		}
		return values
	}
	return nil
}

// SetFloat64s implements Buffer.
func (l *Local) SetFloat64s(values []float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if size := sizeOf(l.dims); len(values) != size {
		return errors.Errorf("SetFloat64s: buffer %s%v has %d elements, got %d values", l.dtype, l.dims, size, len(values))
	}
	switch flat := l.flat.(type) {
	case []float32:
		float64ToFloats(values, flat)
	case []float64:
		copy(flat, values)
	case []float16.Float16:
		for ii, v := range values {
			flat[ii] = float16.Fromfloat32(float32(v))
		}
	case []bfloat16.BFloat16:
		for ii, v := range values {
			flat[ii] = bfloat16.FromFloat32(float32(v))
		}
	default:
		return errors.Errorf("SetFloat64s: buffer has unsupported flat type %T", l.flat)
	}
	return nil
}

func floatsToFloat64[T constraints.Float](flat []T) []float64 {
	values := make([]float64, len(flat))
	for ii, v := range flat {
		values[ii] = float64(v)
	}
	return values
}

func float64ToFloats[T constraints.Float](values []float64, flat []T) {
	for ii, v := range values {
		flat[ii] = T(v)
	}
}

// AddScaled sets dst to `scale * sum(srcs)`. All buffers must have the same number of elements.
// dst may be one of the srcs.
func AddScaled(dst Buffer, scale float64, srcs ...Buffer) error {
	acc := make([]float64, dst.Size())
	for _, src := range srcs {
		if src.Size() != len(acc) {
			return errors.Errorf("AddScaled: mismatched sizes, dst %s has %d elements, src %s has %d",
				Describe(dst), len(acc), Describe(src), src.Size())
		}
		for ii, v := range src.Float64s() {
			acc[ii] += v
		}
	}
	for ii := range acc {
		acc[ii] *= scale
	}
	return dst.SetFloat64s(acc)
}
