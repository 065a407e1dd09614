// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package wgpu

import (
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
)

// Option configures a wgpu backend.
//
// Example:
//
//	b := wgpu.New(wgpu.WithPollInterval(50 * time.Millisecond))
type Option func(*options)

type options struct {
	provider     gpucontext.DeviceProvider
	adapterType  gputypes.DeviceType
	preferType   bool
	pollInterval time.Duration
	spirv        bool
	searchRange  int
}

func defaultOptions() options {
	return options{
		pollInterval: 100 * time.Millisecond,
		searchRange:  16,
	}
}

// WithDeviceProvider runs the kernels on a device owned by the host
// application. The provider must also expose HalDevice() and HalQueue().
// The backend never destroys a shared device.
func WithDeviceProvider(p gpucontext.DeviceProvider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithAdapterPreference selects the first adapter of type t when the
// backend opens its own device. Without it a discrete or integrated GPU is
// preferred over the rest.
func WithAdapterPreference(t gputypes.DeviceType) Option {
	return func(o *options) {
		o.adapterType = t
		o.preferType = true
	}
}

// WithPollInterval sets how long SyncRead waits on a fence before logging
// that the device is slow and waiting again.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithSPIRV compiles the kernels to SPIR-V with naga instead of handing WGSL
// to the HAL. Use it with HAL backends that only accept SPIR-V.
func WithSPIRV() Option {
	return func(o *options) {
		o.spirv = true
	}
}

// WithSearchRange sets the full-pixel search range used when a frame does
// not specify one.
func WithSearchRange(pixels int) Option {
	return func(o *options) {
		if pixels > 0 {
			o.searchRange = pixels
		}
	}
}
