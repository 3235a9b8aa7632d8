// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"github.com/gomlx/replicastep/pkg/core/buffers"
	"github.com/pkg/errors"
)

// SumScaled returns the element-wise sum of vectors multiplied by scale. All vectors must have the same length.
func SumScaled(vectors [][]float64, scale float64) ([]float64, error) {
	if len(vectors) == 0 {
		return nil, nil
	}
	sum := make([]float64, len(vectors[0]))
	for ii, v := range vectors {
		if len(v) != len(sum) {
			return nil, errors.Errorf("contribution #%d has %d values, contribution #0 has %d", ii, len(v), len(sum))
		}
		for jj, x := range v {
			sum[jj] += x
		}
	}
	for jj := range sum {
		sum[jj] *= scale
	}
	return sum, nil
}

// ReduceInPlace reduces the contributions of the members of one group: contributions[m] is the list of buffers
// of member m. For each position i, it sums contributions[m][i] over all members, multiplies by scale and writes
// the result to every member's buffer at position i.
//
// All members must contribute the same number of buffers, with matching sizes. On error no buffer is modified.
func ReduceInPlace(contributions [][]buffers.Buffer, scale float64) error {
	sums, err := ReduceSums(contributions, scale)
	if err != nil {
		return err
	}
	return WriteSums(contributions, sums)
}

// ReduceSums computes the scaled sums ReduceInPlace would write, one per buffer position, without modifying
// any buffer.
func ReduceSums(contributions [][]buffers.Buffer, scale float64) ([][]float64, error) {
	if len(contributions) == 0 {
		return nil, nil
	}
	numBuffers := len(contributions[0])
	for m, bufs := range contributions {
		if len(bufs) != numBuffers {
			return nil, errors.Errorf("member #%d contributed %d buffers, member #0 contributed %d", m, len(bufs), numBuffers)
		}
	}
	sums := make([][]float64, numBuffers)
	vectors := make([][]float64, len(contributions))
	for ii := range numBuffers {
		for m, bufs := range contributions {
			vectors[m] = bufs[ii].Float64s()
		}
		sum, err := SumScaled(vectors, scale)
		if err != nil {
			return nil, errors.WithMessagef(err, "reducing buffer #%d", ii)
		}
		sums[ii] = sum
	}
	return sums, nil
}

// WriteSums writes sums[i] to every member's buffer at position i. The sums must come from ReduceSums over
// the same contributions.
func WriteSums(contributions [][]buffers.Buffer, sums [][]float64) error {
	for ii, sum := range sums {
		for m, bufs := range contributions {
			if err := bufs[ii].SetFloat64s(sum); err != nil {
				return errors.WithMessagef(err, "writing reduced buffer #%d of member #%d", ii, m)
			}
		}
	}
	return nil
}

// Flatten returns the values of each buffer, the wire representation of a contribution.
func Flatten(bufs []buffers.Buffer) [][]float64 {
	vectors := make([][]float64, len(bufs))
	for ii, b := range bufs {
		vectors[ii] = b.Float64s()
	}
	return vectors
}

// Scatter writes values[i] into bufs[i], the inverse of Flatten.
func Scatter(bufs []buffers.Buffer, values [][]float64) error {
	if len(values) != len(bufs) {
		return errors.Errorf("got %d reduced values for %d buffers", len(values), len(bufs))
	}
	for ii, b := range bufs {
		if len(values[ii]) != b.Size() {
			return errors.Errorf("buffer #%d has %d elements, got %d reduced values", ii, b.Size(), len(values[ii]))
		}
	}
	for ii, b := range bufs {
		if err := b.SetFloat64s(values[ii]); err != nil {
			return errors.WithMessagef(err, "buffer #%d", ii)
		}
	}
	return nil
}
