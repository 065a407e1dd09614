// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package wgpu

import (
	"errors"
	"testing"

	"github.com/gogpu/egpu/backend"
	"github.com/gogpu/egpu/gpucore"
	"github.com/gogpu/egpu/grid"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

type mockDevice struct{}

func (m *mockDevice) Poll(wait bool) {}
func (m *mockDevice) Destroy()       {}

type mockQueue struct{}

type mockAdapter struct{}

// noopProvider shares a noop HAL device the way a host application shares
// its GPU device.
type noopProvider struct {
	device hal.Device
	queue  hal.Queue
}

func (p *noopProvider) Device() gpucontext.Device             { return &mockDevice{} }
func (p *noopProvider) Queue() gpucontext.Queue               { return &mockQueue{} }
func (p *noopProvider) Adapter() gpucontext.Adapter           { return &mockAdapter{} }
func (p *noopProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatBGRA8Unorm }
func (p *noopProvider) HalDevice() any                        { return p.device }
func (p *noopProvider) HalQueue() any                         { return p.queue }

// plainProvider does not expose HAL types.
type plainProvider struct{ noopProvider }

func (p *plainProvider) HalDevice() {}

func newNoopProvider(t *testing.T) *noopProvider {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		openDev.Device.Destroy()
		instance.Destroy()
	})
	return &noopProvider{device: openDev.Device, queue: openDev.Queue}
}

func testPlane(w, h int) *gpucore.Plane {
	p := &gpucore.Plane{Pix: make([]uint8, w*h), Stride: w, Width: w, Height: h}
	for y := range h {
		for x := range w {
			p.Pix[y*w+x] = uint8((x*3 + y*5) & 0xff)
		}
	}
	return p
}

// newReady returns a backend on a noop device with buffers for a 128x128
// frame.
func newReady(t *testing.T) (*Backend, grid.Grid) {
	t.Helper()
	b := New(WithDeviceProvider(newNoopProvider(t)))
	if err := b.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(b.Remove)

	g := grid.New(128, 128)
	if err := b.AllocBuffers(g); err != nil {
		t.Fatalf("AllocBuffers() error = %v", err)
	}
	return b, g
}

func runFrame(t *testing.T, b *Backend, g grid.Grid, frame uint64) {
	t.Helper()
	p := testPlane(128, 128)
	ctx := &gpucore.FrameContext{Grid: g, FrameNumber: frame, Source: p, Reference: p, SearchRange: 4}
	if err := b.ExecutePrologue(ctx); err != nil {
		t.Fatalf("ExecutePrologue() error = %v", err)
	}
	for s := range grid.NumSubFrames {
		if err := b.Execute(s); err != nil {
			t.Fatalf("Execute(%d) error = %v", s, err)
		}
	}
}

func TestBackendName(t *testing.T) {
	if got := New().Name(); got != "wgpu" {
		t.Errorf("Name() = %q, want %q", got, "wgpu")
	}
}

func TestBackendRegistered(t *testing.T) {
	if !backend.IsRegistered(backend.BackendWGPU) {
		t.Fatal("wgpu backend should register itself")
	}
	if got := backend.Available()[0]; got != backend.BackendWGPU {
		t.Errorf("Available()[0] = %q, want wgpu first", got)
	}
}

func TestInitWithoutHALTypes(t *testing.T) {
	b := New(WithDeviceProvider(&plainProvider{}))
	defer b.Remove()
	if err := b.Init(); err == nil {
		t.Fatal("Init() should fail for a provider without HAL types")
	}
}

func TestInitTwice(t *testing.T) {
	b, _ := newReady(t)
	if err := b.Init(); err != nil {
		t.Errorf("second Init() error = %v", err)
	}
}

func TestBeforeInit(t *testing.T) {
	b := New()
	if err := b.AllocBuffers(grid.New(64, 64)); !errors.Is(err, gpucore.ErrNotInitialized) {
		t.Errorf("AllocBuffers() error = %v, want ErrNotInitialized", err)
	}
	if _, err := b.AcquireInputBuffer(); !errors.Is(err, gpucore.ErrNotInitialized) {
		t.Errorf("AcquireInputBuffer() error = %v, want ErrNotInitialized", err)
	}
	b.Remove()
}

func TestAllocBuffers(t *testing.T) {
	b, g := newReady(t)

	in, err := b.AcquireInputBuffer()
	if err != nil {
		t.Fatalf("AcquireInputBuffer() error = %v", err)
	}
	if len(in) != g.BufferLen() {
		t.Errorf("len(input) = %d, want %d", len(in), g.BufferLen())
	}
	if _, err := b.AcquireRDParamBuffer(); err != nil {
		t.Errorf("AcquireRDParamBuffer() error = %v", err)
	}

	for _, tt := range []struct {
		name string
		g    grid.Grid
	}{
		{"empty", grid.Grid{}},
		{"32px superblocks", grid.Grid{MiRows: 16, MiCols: 16, SBLog2: 2}},
	} {
		if err := b.AllocBuffers(tt.g); err == nil {
			t.Errorf("AllocBuffers(%s) should fail", tt.name)
		}
	}
	if err := b.AllocBuffers(grid.Grid{MiRows: 16, MiCols: 16, SBLog2: 2}); !errors.Is(err, ErrUnsupportedGrid) {
		t.Errorf("AllocBuffers() error = %v, want ErrUnsupportedGrid", err)
	}
}

func TestFreeBuffers(t *testing.T) {
	b, _ := newReady(t)
	b.FreeBuffers()
	if _, err := b.AcquireInputBuffer(); !errors.Is(err, gpucore.ErrNoBuffers) {
		t.Errorf("AcquireInputBuffer() after free error = %v, want ErrNoBuffers", err)
	}
}

func TestExecuteBeforePrologue(t *testing.T) {
	b, _ := newReady(t)
	if err := b.Execute(0); !errors.Is(err, gpucore.ErrNotDispatched) {
		t.Errorf("Execute() error = %v, want ErrNotDispatched", err)
	}
	if err := b.SyncRead(0, gpucore.StageME); !errors.Is(err, gpucore.ErrNotDispatched) {
		t.Errorf("SyncRead() error = %v, want ErrNotDispatched", err)
	}
}

func TestPrologueValidation(t *testing.T) {
	b, g := newReady(t)
	p := testPlane(128, 128)

	tests := []struct {
		name string
		ctx  *gpucore.FrameContext
	}{
		{"nil", nil},
		{"no reference", &gpucore.FrameContext{Grid: g, Source: p}},
		{"grid mismatch", &gpucore.FrameContext{Grid: grid.New(64, 64), Source: p, Reference: p}},
		{"plane mismatch", &gpucore.FrameContext{Grid: g, Source: p, Reference: testPlane(64, 64)}},
		{"plane too large", &gpucore.FrameContext{Grid: g, Source: testPlane(256, 256), Reference: testPlane(256, 256)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := b.ExecutePrologue(tt.ctx); err == nil {
				t.Error("ExecutePrologue() should fail")
			}
		})
	}
}

func TestFrameOnNoopDevice(t *testing.T) {
	b, g := newReady(t)
	runFrame(t, b, g, 0)

	if _, err := b.AcquireOutputMEBuffer(0); !errors.Is(err, gpucore.ErrBufferBusy) {
		t.Errorf("AcquireOutputMEBuffer() before sync error = %v, want ErrBufferBusy", err)
	}
	if _, err := b.AcquireOutputProMEBuffer(0, 0); !errors.Is(err, gpucore.ErrBufferBusy) {
		t.Errorf("AcquireOutputProMEBuffer() before sync error = %v, want ErrBufferBusy", err)
	}
	// The other slot holds the previous frame's output.
	if _, err := b.AcquireOutputProMEBuffer(1, 0); err != nil {
		t.Errorf("AcquireOutputProMEBuffer(other slot) error = %v", err)
	}
	if err := b.Execute(0); err == nil {
		t.Error("Execute() of a dispatched subframe should fail")
	}

	for s := range grid.NumSubFrames {
		for _, stage := range []gpucore.Stage{gpucore.StageProME, gpucore.StageME} {
			if err := b.SyncRead(s, stage); err != nil {
				t.Fatalf("SyncRead(%d, %v) error = %v", s, stage, err)
			}
			// A completed dispatch returns immediately.
			if err := b.SyncRead(s, stage); err != nil {
				t.Fatalf("second SyncRead(%d, %v) error = %v", s, stage, err)
			}
		}
	}

	base, err := b.AcquireOutputMEBuffer(0)
	if err != nil {
		t.Fatalf("AcquireOutputMEBuffer(0) error = %v", err)
	}
	if len(base) != g.BufferLen() {
		t.Errorf("len(me) = %d, want %d", len(base), g.BufferLen())
	}
	for s := range grid.NumSubFrames {
		sub, err := b.AcquireOutputMEBuffer(s)
		if err != nil {
			t.Fatalf("AcquireOutputMEBuffer(%d) error = %v", s, err)
		}
		want := g.BufferIndex(g.Subframe(s).MiRowStart, 0)
		if off := len(base) - len(sub); off != want {
			t.Errorf("me subframe %d offset = %d, want %d", s, off, want)
		}
	}

	proME, err := b.AcquireOutputProMEBuffer(0, 0)
	if err != nil {
		t.Fatalf("AcquireOutputProMEBuffer(0, 0) error = %v", err)
	}
	if len(proME) != g.ProMELen() {
		t.Errorf("len(proME) = %d, want %d", len(proME), g.ProMELen())
	}

	// The next frame uses the other slot and frees the previous submissions.
	runFrame(t, b, g, 1)
	if _, err := b.AcquireOutputProMEBuffer(0, 3); err != nil {
		t.Errorf("previous slot should stay readable: %v", err)
	}
	if _, err := b.AcquireOutputProMEBuffer(1, 3); !errors.Is(err, gpucore.ErrBufferBusy) {
		t.Errorf("AcquireOutputProMEBuffer(in flight) error = %v, want ErrBufferBusy", err)
	}
}

func TestInvalidArguments(t *testing.T) {
	b, g := newReady(t)
	runFrame(t, b, g, 0)

	if err := b.Execute(grid.NumSubFrames); !errors.Is(err, gpucore.ErrInvalidSubframe) {
		t.Errorf("Execute() error = %v, want ErrInvalidSubframe", err)
	}
	if err := b.SyncRead(-1, gpucore.StageME); !errors.Is(err, gpucore.ErrInvalidSubframe) {
		t.Errorf("SyncRead() error = %v, want ErrInvalidSubframe", err)
	}
	if err := b.SyncRead(0, gpucore.StageCount); err == nil {
		t.Error("SyncRead() with unknown stage should fail")
	}
	if _, err := b.AcquireOutputProMEBuffer(2, 0); err == nil {
		t.Error("AcquireOutputProMEBuffer() with slot 2 should fail")
	}
}

func TestRemoveIdempotent(t *testing.T) {
	b, g := newReady(t)
	runFrame(t, b, g, 0)

	b.Remove()
	b.Remove()
	if err := b.Init(); !errors.Is(err, gpucore.ErrRemoved) {
		t.Errorf("Init() after Remove error = %v, want ErrRemoved", err)
	}
	if err := b.SyncRead(0, gpucore.StageME); !errors.Is(err, gpucore.ErrRemoved) {
		t.Errorf("SyncRead() after Remove error = %v, want ErrRemoved", err)
	}
}
