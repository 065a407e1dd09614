// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package wgpu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/egpu/backend"
	"github.com/gogpu/egpu/gpucore"
	"github.com/gogpu/egpu/grid"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	_ "github.com/gogpu/wgpu/hal/vulkan" // register the Vulkan HAL backend
)

func init() {
	backend.Register(backend.BackendWGPU, func() gpucore.Backend {
		return New()
	})
}

var _ gpucore.Backend = (*Backend)(nil)

// ErrUnsupportedGrid is returned by AllocBuffers for grids whose
// superblocks are not 64x64 pixels, which the kernels are written for.
var ErrUnsupportedGrid = errors.New("wgpu: superblock size not supported by the kernels")

// Backend runs the motion-estimation kernels on a GPU.
type Backend struct {
	opts options
	log  atomic.Pointer[slog.Logger]

	mu         sync.Mutex
	started    bool
	removed    bool
	instance   hal.Instance
	device     hal.Device
	queue      hal.Queue
	ownsDevice bool
	pipes      *pipelines

	g         grid.Grid
	allocated bool
	bufs      *deviceBuffers
	input     []gpucore.InputRecord
	rd        gpucore.RDParameters
	me        []gpucore.OutputRecord
	proME     [2][]gpucore.ProMEOutput

	job      *frameJob
	subs     [gpucore.StageCount][grid.NumSubFrames]*submission
	observed [gpucore.StageCount][grid.NumSubFrames]bool
}

// frameJob is the frame whose dispatches are in flight.
type frameJob struct {
	number uint64
	slot   int
}

// New returns an uninitialized wgpu backend.
func New(opts ...Option) *Backend {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	b := &Backend{opts: o}
	b.log.Store(slog.New(slog.DiscardHandler))
	return b
}

// Name returns "wgpu".
func (b *Backend) Name() string { return backend.BackendWGPU }

// SetLogger sets the logger for the backend. Nil disables logging.
func (b *Backend) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	b.log.Store(l)
}

func (b *Backend) logger() *slog.Logger { return b.log.Load() }

// Init opens the device and compiles the kernels.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.removed {
		return gpucore.ErrRemoved
	}
	if b.started {
		return nil
	}

	if err := b.openDevice(); err != nil {
		return fmt.Errorf("wgpu: %w", err)
	}
	pipes, err := newPipelines(b.device, b.opts.spirv)
	if err != nil {
		b.closeDevice()
		return fmt.Errorf("wgpu: %w", err)
	}
	b.pipes = pipes
	b.started = true

	b.logger().Debug("wgpu: pipelines created", "kernels", int(kernelCount), "spirv", b.opts.spirv)
	return nil
}

// openDevice takes the provider's device or opens a standalone one.
// The caller holds b.mu.
func (b *Backend) openDevice() error {
	if b.opts.provider != nil {
		type halProvider interface {
			HalDevice() any
			HalQueue() any
		}
		hp, ok := b.opts.provider.(halProvider)
		if !ok {
			return fmt.Errorf("device provider does not expose HAL types")
		}
		device, ok := hp.HalDevice().(hal.Device)
		if !ok || device == nil {
			return fmt.Errorf("provider HalDevice is not hal.Device")
		}
		queue, ok := hp.HalQueue().(hal.Queue)
		if !ok || queue == nil {
			return fmt.Errorf("provider HalQueue is not hal.Queue")
		}
		b.device, b.queue = device, queue
		b.ownsDevice = false
		b.logger().Info("wgpu: using shared device")
		return nil
	}

	halBackend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return fmt.Errorf("vulkan backend not available")
	}
	instance, err := halBackend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return fmt.Errorf("no GPU adapters found")
	}
	selected := selectAdapter(adapters, b.opts)

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return fmt.Errorf("open device: %w", err)
	}
	b.instance = instance
	b.device, b.queue = openDev.Device, openDev.Queue
	b.ownsDevice = true
	b.logger().Info("wgpu: device opened", "adapter", selected.Info.Name)
	return nil
}

// selectAdapter returns the preferred adapter type if set, otherwise the
// first discrete or integrated GPU, otherwise the first adapter.
func selectAdapter(adapters []hal.ExposedAdapter, o options) *hal.ExposedAdapter {
	if o.preferType {
		for i := range adapters {
			if adapters[i].Info.DeviceType == o.adapterType {
				return &adapters[i]
			}
		}
	}
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			return &adapters[i]
		}
	}
	return &adapters[0]
}

// closeDevice releases a device the backend opened itself. The caller
// holds b.mu.
func (b *Backend) closeDevice() {
	if b.ownsDevice && b.device != nil {
		b.device.Destroy()
	}
	if b.instance != nil {
		b.instance.Destroy()
	}
	b.device, b.queue, b.instance = nil, nil, nil
	b.ownsDevice = false
}

// usable reports why the backend cannot take a call. The caller holds b.mu.
func (b *Backend) usable(needBuffers bool) error {
	switch {
	case b.removed:
		return gpucore.ErrRemoved
	case !b.started:
		return gpucore.ErrNotInitialized
	case needBuffers && !b.allocated:
		return gpucore.ErrNoBuffers
	}
	return nil
}

// AllocBuffers sizes every device buffer and host mirror for g, waiting for
// in-flight work first.
func (b *Backend) AllocBuffers(g grid.Grid) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usable(false); err != nil {
		return err
	}
	if g.Empty() {
		return fmt.Errorf("wgpu: cannot allocate buffers for empty grid %dx%d", g.MiCols, g.MiRows)
	}
	if g.SBSizeLog2() != grid.DefaultSBLog2 {
		return fmt.Errorf("%w: %d grid units", ErrUnsupportedGrid, g.SBSize())
	}
	if err := b.freeLocked(); err != nil {
		return err
	}

	bufs, err := newDeviceBuffers(b.device, b.pipes, g)
	if err != nil {
		return fmt.Errorf("wgpu: %w", err)
	}
	b.bufs = bufs
	b.g = g
	b.input = make([]gpucore.InputRecord, g.BufferLen())
	b.me = make([]gpucore.OutputRecord, g.BufferLen())
	for slot := range b.proME {
		b.proME[slot] = make([]gpucore.ProMEOutput, g.ProMELen())
	}
	b.rd = gpucore.RDParameters{}
	b.allocated = true

	b.logger().Debug("wgpu: buffers allocated",
		"mi_rows", g.MiRows, "mi_cols", g.MiCols,
		"cells", g.BufferLen(), "superblocks", g.ProMELen())
	return nil
}

// FreeBuffers releases the buffers once in-flight work has completed.
func (b *Backend) FreeBuffers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.freeLocked(); err != nil {
		b.logger().Warn("wgpu: free buffers", "error", err)
	}
}

// freeLocked waits for the device and releases the buffers. Buffers are
// released even when the wait fails. The caller holds b.mu.
func (b *Backend) freeLocked() error {
	err := b.waitIdle()
	b.resetFrame()
	if b.bufs != nil {
		b.bufs.destroy()
		b.bufs = nil
	}
	b.input, b.me = nil, nil
	b.proME = [2][]gpucore.ProMEOutput{}
	b.allocated = false
	return err
}

// AcquireInputBuffer returns the host input records once the previous
// frame's dispatches have released the device copy.
func (b *Backend) AcquireInputBuffer() ([]gpucore.InputRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usable(true); err != nil {
		return nil, err
	}
	if err := b.waitIdle(); err != nil {
		return nil, err
	}
	return b.input, nil
}

// AcquireRDParamBuffer returns the host parameter block once the previous
// frame's dispatches have released the device copy.
func (b *Backend) AcquireRDParamBuffer() (*gpucore.RDParameters, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usable(true); err != nil {
		return nil, err
	}
	if err := b.waitIdle(); err != nil {
		return nil, err
	}
	return &b.rd, nil
}

// AcquireOutputMEBuffer returns the read-back motion-estimation records
// from the first cell of subframe to the end of the buffer.
func (b *Backend) AcquireOutputMEBuffer(subframe int) ([]gpucore.OutputRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usable(true); err != nil {
		return nil, err
	}
	if subframe < 0 || subframe >= grid.NumSubFrames {
		return nil, gpucore.ErrInvalidSubframe
	}
	if !b.observed[gpucore.StageME][subframe] {
		return nil, fmt.Errorf("wgpu: me output of subframe %d: %w", subframe, gpucore.ErrBufferBusy)
	}
	off, _ := meSpan(b.g, b.g.Subframe(subframe))
	return b.me[off:], nil
}

// AcquireOutputProMEBuffer returns the read-back pre-motion-estimation
// records of slot from the first superblock row of subframe on. The slot of
// the frame in flight is available per subframe once its fence has been
// observed.
func (b *Backend) AcquireOutputProMEBuffer(slot, subframe int) ([]gpucore.ProMEOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usable(true); err != nil {
		return nil, err
	}
	if slot < 0 || slot >= len(b.proME) {
		return nil, fmt.Errorf("wgpu: ping-pong slot %d out of range", slot)
	}
	if subframe < 0 || subframe >= grid.NumSubFrames {
		return nil, gpucore.ErrInvalidSubframe
	}
	if b.job != nil && slot == b.job.slot && !b.observed[gpucore.StageProME][subframe] {
		return nil, fmt.Errorf("wgpu: pro-me output of subframe %d: %w", subframe, gpucore.ErrBufferBusy)
	}
	off := b.g.ProMEOffset(b.g.Subframe(subframe).MiRowStart)
	return b.proME[slot][off:], nil
}

// Remove waits for the device, releases every resource and closes a
// device the backend opened itself. It is idempotent.
func (b *Backend) Remove() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.removed {
		return
	}
	if b.started {
		if err := b.freeLocked(); err != nil {
			b.logger().Warn("wgpu: remove", "error", err)
		}
		b.pipes.destroy()
		b.pipes = nil
		b.closeDevice()
	}
	b.removed = true
	b.logger().Debug("wgpu: backend removed")
}
