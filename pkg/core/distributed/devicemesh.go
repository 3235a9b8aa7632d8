// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed describes the logical topology of the replicas taking part in a synchronized step, and
// derives from it the replica groups used by partial-mesh reductions and the device tag of each replica.
package distributed

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/replicastep/pkg/support/sets"
	"github.com/pkg/errors"
)

// DeviceMesh defines the logical topology of a set of replicas, one per device.
type DeviceMesh struct {
	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of replicas along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numDevices is the total number of replicas in the mesh.
	numDevices int

	// logicalDeviceAssignment is the replica id of each position of the mesh, in mesh (row-major) order.
	// If nil, position i holds replica i.
	logicalDeviceAssignment []int
}

// IsNameValid checks whether a name is a valid identifier for an axis name.
func IsNameValid(name string) bool {
	if name == "" {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewDeviceMesh creates a new logical topology of replicas.
//
//   - axesSizes: defines the number of replicas along each mesh axis, one value per axis.
//   - axesNames: the names of the mesh axes. One value per axis.
//
// For plain data parallelism use a 1D mesh, e.g., NewDeviceMesh([]int{8}, []string{"replica"}).
func NewDeviceMesh(axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh axesSizes cannot be empty")
	}

	numDevices := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if !IsNameValid(name) {
			return nil, errors.Errorf(
				"DeviceMesh axis name %q at index %d is not a valid identifier, it must start with a ASCII letter "+
					"and be followed only by letters, numbers or underscore", name, i)
		}
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", name)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("DeviceMesh axis %q must have a positive size, got %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numDevices *= axesSizes[i]
	}

	return &DeviceMesh{
		axesNames:  slices.Clone(axesNames),
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numDevices: numDevices,
	}, nil
}

// ParseDeviceMesh parses a mesh description like "batch=2,data=4" (axes in major-to-minor order).
// A bare number "8" is a 1D mesh with the axis named "replica".
func ParseDeviceMesh(description string) (*DeviceMesh, error) {
	description = strings.TrimSpace(description)
	if n, err := strconv.Atoi(description); err == nil {
		return NewDeviceMesh([]int{n}, []string{"replica"})
	}
	var sizes []int
	var names []string
	for _, part := range strings.Split(description, ",") {
		name, sizeStr, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return nil, errors.Errorf("invalid mesh axis %q in %q, expected <name>=<size>", part, description)
		}
		size, err := strconv.Atoi(strings.TrimSpace(sizeStr))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid size for mesh axis %q in %q", name, description)
		}
		names = append(names, strings.TrimSpace(name))
		sizes = append(sizes, size)
	}
	return NewDeviceMesh(sizes, names)
}

// NumDevices returns the total number of replicas in the mesh.
func (m *DeviceMesh) NumDevices() int {
	return m.numDevices
}

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axesSizes.
func (m *DeviceMesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// AxisSize returns the number of replicas along the given mesh axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	var sb strings.Builder
	sb.WriteString("DeviceMesh(axesSizes={")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// SetLogicalDeviceAssignment sets which replica occupies each position of the mesh.
//
// The length of devices must be equal to NumDevices(), and it must be a permutation of 0 to NumDevices()-1.
// Calling it with no arguments resets to the sequential assignment.
func (m *DeviceMesh) SetLogicalDeviceAssignment(devices ...int) error {
	if len(devices) == 0 {
		m.logicalDeviceAssignment = nil
		return nil
	}
	if len(devices) != m.numDevices {
		return errors.Errorf("devices must have %d elements, got %d", m.numDevices, len(devices))
	}
	seen := sets.Make[int](m.numDevices)
	for _, device := range devices {
		if device < 0 || device >= m.numDevices {
			return errors.Errorf("devices must be between 0 and %d (NumDevices()-1), got device %d",
				m.numDevices-1, device)
		}
		if !seen.InsertNew(device) {
			return errors.Errorf("replica #%d is duplicated in mapping", device)
		}
	}
	m.logicalDeviceAssignment = slices.Clone(devices)
	return nil
}

// LogicalDeviceAssignment returns the replica at each position of the mesh, in mesh order.
func (m *DeviceMesh) LogicalDeviceAssignment() []int {
	if m.logicalDeviceAssignment == nil {
		assignment := make([]int, m.numDevices)
		for ii := range assignment {
			assignment[ii] = ii
		}
		return assignment
	}
	return slices.Clone(m.logicalDeviceAssignment)
}

// DeviceTags returns the device tag of each replica, indexed by replica id, formatting the replica id with
// format (e.g. "xla:%d"). It is meant to be used as the device list of the replica dimension.
func (m *DeviceMesh) DeviceTags(format string) []string {
	tags := make([]string, m.numDevices)
	for ii := range tags {
		tags[ii] = fmt.Sprintf(format, ii)
	}
	return tags
}

// ComputeReplicaGroups returns the replica groups participating in a collective operation performed along the
// given axes.
//
// Each replica group (a []int) includes the replica ids (mapped through the LogicalDeviceAssignment) that
// differ only in the given axes. The other axes will be split into different replica groups.
//
// Example:
//
//	m := NewDeviceMesh([]int{2, 2}, []string{"batch", "data"})
//	batchGroups, _ := m.ComputeReplicaGroups([]string{"batch"})  // -> [][]int{{0, 2}, {1, 3}}
//	dataGroups, _ := m.ComputeReplicaGroups([]string{"data"})    // -> [][]int{{0, 1}, {2, 3}}
//	globalGroups, _ := m.ComputeReplicaGroups([]string{"batch", "data"})  // -> [][]int{{0, 1, 2, 3}}
func (m *DeviceMesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	axisIndices := make([]int, 0, len(axes))
	axisSet := sets.Make[int](len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh", axis)
		}
		if !axisSet.InsertNew(idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisIndices = append(axisIndices, idx)
	}

	nonAxisIndices := make([]int, 0, len(m.axesSizes)-len(axisIndices))
	for i := range m.axesSizes {
		if !axisSet.Has(i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	numGroups := m.numDevices / groupSize
	groups := make([][]int, numGroups)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	assignment := m.LogicalDeviceAssignment()
	indices := make([]int, len(m.axesSizes))
	for flatIdx := range m.numDevices {
		// Flat (row-major) position to per-axis indices.
		remaining := flatIdx
		for i := len(m.axesSizes) - 1; i >= 0; i-- {
			indices[i] = remaining % m.axesSizes[i]
			remaining /= m.axesSizes[i]
		}

		groupIdx, multiplier := 0, 1
		for i := len(nonAxisIndices) - 1; i >= 0; i-- {
			axisIdx := nonAxisIndices[i]
			groupIdx += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		posInGroup := 0
		multiplier = 1
		for i := len(axisIndices) - 1; i >= 0; i-- {
			axisIdx := axisIndices[i]
			posInGroup += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		groups[groupIdx][posInGroup] = assignment[flatIdx]
	}
	return groups, nil
}
