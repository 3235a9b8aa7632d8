// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"context"
	"fmt"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestLocal(t *testing.T) {
	b := FromFlat([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	assert.Equal(t, Host, b.Kind())
	assert.Equal(t, dtypes.Float32, b.DType())
	assert.Equal(t, []int{2, 3}, b.Dims())
	assert.Equal(t, 6, b.Size())
	assert.Equal(t, "", b.DeviceTag())
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, b.Float64s())

	require.NoError(t, b.SetFloat64s([]float64{6, 5, 4, 3, 2, 1}))
	assert.Equal(t, []float32{6, 5, 4, 3, 2, 1}, b.Flat())
	require.Error(t, b.SetFloat64s([]float64{1}))

	err := exceptions.TryCatch[error](func() { FromFlat([]float64{1, 2, 3}, 2, 2) })
	require.ErrorContains(t, err, "require 4 elements, got 3")

	s := FromScalar(3.5)
	assert.Empty(t, s.Dims())
	assert.Equal(t, 1, s.Size())
	assert.Equal(t, dtypes.Float64, s.DType())
}

func TestLocalHalfPrecision(t *testing.T) {
	h := FromFlat([]float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(-2)})
	assert.Equal(t, dtypes.Float16, h.DType())
	assert.Equal(t, []float64{1.5, -2}, h.Float64s())

	bf := FromFlat([]bfloat16.BFloat16{bfloat16.FromFloat32(0.5), bfloat16.FromFloat32(4)})
	assert.Equal(t, dtypes.BFloat16, bf.DType())
	require.NoError(t, bf.SetFloat64s([]float64{8, 0.25}))
	assert.Equal(t, []float64{8, 0.25}, bf.Float64s())
}

func TestZeros(t *testing.T) {
	z, err := Zeros(dtypes.Float64, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0}, z.Float64s())

	_, err = Zeros(dtypes.Int32, 3)
	require.Error(t, err)

	zl := ZerosLike(FromFlat([]float16.Float16{float16.Fromfloat32(1)}))
	assert.Equal(t, dtypes.Float16, zl.DType())
}

func TestAddScaled(t *testing.T) {
	a := FromFlat([]float32{1, 2})
	b := FromFlat([]float64{3, 4})
	require.NoError(t, AddScaled(a, 0.5, a, b))
	assert.Equal(t, []float64{2, 3}, a.Float64s())

	require.Error(t, AddScaled(a, 1, FromFlat([]float32{1, 2, 3})))
}

func TestToDevice(t *testing.T) {
	ctx := context.Background()
	host := []Buffer{FromFlat([]float32{1}), FromFlat([]float32{2, 3})}
	onDevice, err := ToDevice(ctx, host, []string{"xla:1", ""})
	require.NoError(t, err)
	require.Len(t, onDevice, 2)
	assert.Equal(t, Device, onDevice[0].Kind())
	assert.Equal(t, "xla:1", onDevice[0].DeviceTag())
	assert.Equal(t, DefaultDevice, onDevice[1].DeviceTag())
	assert.Equal(t, []float64{2, 3}, onDevice[1].Float64s())

	// Transfers are copies.
	require.NoError(t, host[0].SetFloat64s([]float64{7}))
	assert.Equal(t, []float64{1}, onDevice[0].Float64s())

	back, err := ToHost(ctx, onDevice, nil)
	require.NoError(t, err)
	assert.Equal(t, Host, back[1].Kind())
	assert.Equal(t, []float64{2, 3}, back[1].Float64s())

	_, err = ToDevice(ctx, host, []string{"xla:0"})
	require.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = ToDevice(cancelled, host, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "<nil buffer>", Describe(nil))
	assert.Equal(t, fmt.Sprintf("Host(%s[2])", dtypes.Float32), Describe(FromFlat([]float32{1, 2})))
	assert.Equal(t, fmt.Sprintf("Device(%s[1]@xla:3)", dtypes.Float32),
		Describe(NewOnDevice(FromFlat([]float32{1}), "xla:3")))
}
