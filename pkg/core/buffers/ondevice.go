// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"context"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultDevice is the device used by ToDevice for buffers without a device tag.
var DefaultDevice = "xla:0"

// OnDevice is a buffer assigned to an accelerator device.
//
// In this package the storage is simulated by a host copy of the data: what matters to the synchronization
// core is that it is a distinct Kind (Device) with its own identity and device tag.
type OnDevice struct {
	device string
	data   *Local
}

var _ Buffer = (*OnDevice)(nil)

// NewOnDevice copies the contents of b to a new buffer on the given device.
func NewOnDevice(b Buffer, device string) *OnDevice {
	return &OnDevice{device: device, data: Clone(b)}
}

// Kind implements Buffer. OnDevice buffers are always Device.
func (d *OnDevice) Kind() Kind { return Device }

// DType implements Buffer.
func (d *OnDevice) DType() dtypes.DType { return d.data.DType() }

// Dims implements Buffer.
func (d *OnDevice) Dims() []int { return d.data.Dims() }

// Size implements Buffer.
func (d *OnDevice) Size() int { return d.data.Size() }

// DeviceTag implements Buffer.
func (d *OnDevice) DeviceTag() string { return d.device }

// Float64s implements Buffer.
func (d *OnDevice) Float64s() []float64 { return d.data.Float64s() }

// SetFloat64s implements Buffer.
func (d *OnDevice) SetFloat64s(values []float64) error { return d.data.SetFloat64s(values) }

// ToDevice transfers all buffers in one batch, each to the device in the parallel tags slice.
// Buffers with an empty tag (or if tags is empty) go to DefaultDevice.
//
// Its signature matches arena.ConvertFn, and the returned slice matches bufs in length and order.
func ToDevice(ctx context.Context, bufs []Buffer, tags []string) ([]Buffer, error) {
	if len(tags) != 0 && len(tags) != len(bufs) {
		return nil, errors.Errorf("ToDevice: got %d buffers but %d device tags", len(bufs), len(tags))
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "ToDevice")
	}
	converted := make([]Buffer, len(bufs))
	for ii, b := range bufs {
		if b == nil {
			return nil, errors.Errorf("ToDevice: buffer #%d is nil", ii)
		}
		device := DefaultDevice
		if len(tags) > 0 && tags[ii] != "" {
			device = tags[ii]
		}
		converted[ii] = NewOnDevice(b, device)
	}
	klog.V(2).Infof("ToDevice: transferred %d buffers", len(bufs))
	return converted, nil
}

// ToHost is the inverse of ToDevice: it copies every buffer to a new Local buffer. Tags are ignored.
func ToHost(ctx context.Context, bufs []Buffer, _ []string) ([]Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "ToHost")
	}
	converted := make([]Buffer, len(bufs))
	for ii, b := range bufs {
		if b == nil {
			return nil, errors.Errorf("ToHost: buffer #%d is nil", ii)
		}
		converted[ii] = Clone(b)
	}
	return converted, nil
}
