// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed_test

import (
	"testing"

	"github.com/gomlx/replicastep/pkg/core/distributed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceMesh(t *testing.T) {
	t.Run("NewDeviceMesh_Valid", func(t *testing.T) {
		tests := []struct {
			name      string
			shape     []int
			axisNames []string
			wantRank  int
			wantNum   int
		}{
			{"1D mesh", []int{8}, []string{"replica"}, 1, 8},
			{"2D mesh", []int{2, 4}, []string{"x", "y"}, 2, 8},
			{"3D mesh", []int{2, 2, 2}, []string{"x", "y", "z"}, 3, 8},
			{"single device", []int{1}, []string{"replica"}, 1, 1},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mesh, err := distributed.NewDeviceMesh(tt.shape, tt.axisNames)
				require.NoError(t, err)
				assert.Equal(t, tt.wantRank, mesh.Rank())
				assert.Equal(t, tt.wantNum, mesh.NumDevices())
			})
		}
	})

	t.Run("NewDeviceMesh_Errors", func(t *testing.T) {
		tests := []struct {
			name      string
			shape     []int
			axisNames []string
		}{
			{"mismatched lengths", []int{2, 2}, []string{"x"}},
			{"empty", nil, nil},
			{"invalid name", []int{2}, []string{"1x"}},
			{"duplicate name", []int{2, 2}, []string{"x", "x"}},
			{"zero size", []int{0}, []string{"x"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := distributed.NewDeviceMesh(tt.shape, tt.axisNames)
				require.Error(t, err)
			})
		}
	})

	t.Run("ParseDeviceMesh", func(t *testing.T) {
		mesh, err := distributed.ParseDeviceMesh("batch=2, data=3")
		require.NoError(t, err)
		assert.Equal(t, []string{"batch", "data"}, mesh.AxesNames())
		assert.Equal(t, []int{2, 3}, mesh.AxesSizes())
		size, err := mesh.AxisSize("data")
		require.NoError(t, err)
		assert.Equal(t, 3, size)
		_, err = mesh.AxisSize("model")
		require.Error(t, err)
		assert.Equal(t, "DeviceMesh(axesSizes={batch: 2, data: 3})", mesh.String())

		mesh, err = distributed.ParseDeviceMesh("4")
		require.NoError(t, err)
		assert.Equal(t, []string{"replica"}, mesh.AxesNames())
		assert.Equal(t, []string{"xla:0", "xla:1", "xla:2", "xla:3"}, mesh.DeviceTags("xla:%d"))

		_, err = distributed.ParseDeviceMesh("batch:2")
		require.Error(t, err)
		_, err = distributed.ParseDeviceMesh("batch=two")
		require.Error(t, err)
	})

	t.Run("SetLogicalDeviceAssignment", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh([]int{2, 2}, []string{"batch", "data"})
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2, 3}, mesh.LogicalDeviceAssignment())
		require.NoError(t, mesh.SetLogicalDeviceAssignment(3, 2, 1, 0))
		assert.Equal(t, []int{3, 2, 1, 0}, mesh.LogicalDeviceAssignment())

		require.Error(t, mesh.SetLogicalDeviceAssignment(0, 1, 2))
		require.Error(t, mesh.SetLogicalDeviceAssignment(0, 1, 1, 2))
		require.Error(t, mesh.SetLogicalDeviceAssignment(0, 1, 2, 4))
		require.NoError(t, mesh.SetLogicalDeviceAssignment())
		assert.Equal(t, []int{0, 1, 2, 3}, mesh.LogicalDeviceAssignment())
	})

	t.Run("ComputeReplicaGroups", func(t *testing.T) {
		tests := []struct {
			name  string
			shape []int
			names []string
			axes  []string
			want  [][]int
		}{
			{"2D mesh batch groups", []int{2, 2}, []string{"batch", "data"}, []string{"batch"},
				[][]int{{0, 2}, {1, 3}}},
			{"2D mesh data groups", []int{2, 2}, []string{"batch", "data"}, []string{"data"},
				[][]int{{0, 1}, {2, 3}}},
			{"2D mesh global groups", []int{2, 2}, []string{"batch", "data"}, []string{"batch", "data"},
				[][]int{{0, 1, 2, 3}}},
			{"1D mesh", []int{4}, []string{"replica"}, []string{"replica"}, [][]int{{0, 1, 2, 3}}},
			{"3D mesh single axis", []int{2, 2, 2}, []string{"x", "y", "z"}, []string{"x"},
				[][]int{{0, 4}, {1, 5}, {2, 6}, {3, 7}}},
			{"3D mesh two axes", []int{2, 2, 2}, []string{"x", "y", "z"}, []string{"x", "y"},
				[][]int{{0, 2, 4, 6}, {1, 3, 5, 7}}},
			{"empty axes list", []int{2, 2}, []string{"batch", "data"}, []string{},
				[][]int{{0}, {1}, {2}, {3}}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mesh, err := distributed.NewDeviceMesh(tt.shape, tt.names)
				require.NoError(t, err)
				groups, err := mesh.ComputeReplicaGroups(tt.axes)
				require.NoError(t, err)
				assert.Equal(t, tt.want, groups)
			})
		}

		mesh, err := distributed.NewDeviceMesh([]int{2, 2}, []string{"batch", "data"})
		require.NoError(t, err)
		_, err = mesh.ComputeReplicaGroups([]string{"nonexistent"})
		require.Error(t, err)
		_, err = mesh.ComputeReplicaGroups([]string{"data", "data"})
		require.Error(t, err)

		// Groups hold replica ids, mapped through the assignment.
		require.NoError(t, mesh.SetLogicalDeviceAssignment(3, 2, 1, 0))
		groups, err := mesh.ComputeReplicaGroups([]string{"data"})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{3, 2}, {1, 0}}, groups)
	})
}
