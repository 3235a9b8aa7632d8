// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"testing"

	"github.com/gomlx/replicastep/pkg/core/buffers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateGroups(t *testing.T) {
	require.NoError(t, ValidateGroups(nil, 4))
	require.NoError(t, ValidateGroups([][]int{{0, 2}, {1, 3}}, 4))
	require.ErrorContains(t, ValidateGroups([][]int{{0, 1}, {1, 2, 3}}, 4), "more than one")
	require.ErrorContains(t, ValidateGroups([][]int{{0, 1}, {2}}, 4), "[3]")
	require.ErrorContains(t, ValidateGroups([][]int{{0, 1}, {2, 4}}, 4), "valid ids")
	require.ErrorContains(t, ValidateGroups([][]int{{0, 1, 2, 3}, {}}, 4), "empty")
}

func TestGroupOf(t *testing.T) {
	assert.Equal(t, []int{0, 1, 2}, GroupOf(nil, 1, 3))
	assert.Equal(t, []int{1, 3}, GroupOf([][]int{{0, 2}, {1, 3}}, 3, 4))
	assert.Nil(t, GroupOf([][]int{{0, 2}}, 1, 4))
	assert.True(t, SameGroups(nil, [][]int{{0, 1}}, 2))
	assert.False(t, SameGroups([][]int{{0}, {1}}, [][]int{{0, 1}}, 2))
}

func TestReduceInPlace(t *testing.T) {
	contributions := [][]buffers.Buffer{
		{buffers.FromFlat([]float32{1, 2}), buffers.FromScalar(10.0)},
		{buffers.FromFlat([]float32{3, 4}), buffers.FromScalar(20.0)},
	}
	require.NoError(t, ReduceInPlace(contributions, 0.5))
	for _, bufs := range contributions {
		assert.Equal(t, []float64{2, 3}, bufs[0].Float64s())
		assert.Equal(t, []float64{15}, bufs[1].Float64s())
	}

	mismatched := [][]buffers.Buffer{
		{buffers.FromFlat([]float32{1, 2})},
		{buffers.FromFlat([]float32{1, 2, 3})},
	}
	require.Error(t, ReduceInPlace(mismatched, 1))
	require.Error(t, ReduceInPlace([][]buffers.Buffer{{buffers.FromScalar(1.0)}, {}}, 1))

	// A size mismatch in a later buffer leaves the earlier buffers untouched.
	partial := [][]buffers.Buffer{
		{buffers.FromScalar(1.0), buffers.FromFlat([]float32{1, 2})},
		{buffers.FromScalar(3.0), buffers.FromFlat([]float32{1, 2, 3})},
	}
	require.ErrorContains(t, ReduceInPlace(partial, 1), "reducing buffer #1")
	assert.Equal(t, []float64{1}, partial[0][0].Float64s())
	assert.Equal(t, []float64{3}, partial[1][0].Float64s())
}

func TestFlattenAndScatter(t *testing.T) {
	bufs := []buffers.Buffer{buffers.FromFlat([]float64{1, 2}), buffers.FromScalar(float32(3))}
	values := Flatten(bufs)
	assert.Equal(t, [][]float64{{1, 2}, {3}}, values)
	require.NoError(t, Scatter(bufs, [][]float64{{5, 6}, {7}}))
	assert.Equal(t, []float64{7}, bufs[1].Float64s())
	require.Error(t, Scatter(bufs, [][]float64{{1}}))

	err := Scatter(bufs, [][]float64{{8, 9}, {10, 11}})
	require.ErrorContains(t, err, "buffer #1 has 1 elements")
	assert.Equal(t, []float64{5, 6}, bufs[0].Float64s())
	assert.Equal(t, []float64{7}, bufs[1].Float64s())
}
