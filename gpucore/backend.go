// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucore

import (
	"errors"

	"github.com/gogpu/egpu/grid"
)

// Common backend errors.
var (
	// ErrNotInitialized is returned when a backend is used before Init.
	ErrNotInitialized = errors.New("gpucore: backend not initialized")

	// ErrNoBuffers is returned when buffers are used before AllocBuffers.
	ErrNoBuffers = errors.New("gpucore: buffers not allocated")

	// ErrBufferBusy is returned when an output buffer is acquired before
	// its completion signal has been observed.
	ErrBufferBusy = errors.New("gpucore: buffer is owned by the device")

	// ErrNotDispatched is returned by SyncRead when no work was dispatched
	// for the subframe and stage.
	ErrNotDispatched = errors.New("gpucore: no dispatch to wait for")

	// ErrInvalidSubframe is returned for a subframe index outside [0, NumSubFrames).
	ErrInvalidSubframe = errors.New("gpucore: subframe index out of range")

	// ErrRemoved is returned by every call after Remove.
	ErrRemoved = errors.New("gpucore: backend removed")
)

// Backend is the capability set a compute backend provides to the offload
// orchestrator. A backend is chosen once per encoder run; callers never
// re-dispatch on backend type.
//
// All methods are called from the encoder's pipeline thread. Completion
// signals fire on the backend's own execution context.
type Backend interface {
	// Name returns the backend identifier (e.g. "wgpu", "cpu").
	Name() string

	// Init acquires the device and compiles kernels. Failure is fatal for
	// the device path.
	Init() error

	// AllocBuffers sizes every device buffer for the grid. It must be
	// called again after a frame-size change.
	AllocBuffers(g grid.Grid) error

	// FreeBuffers releases every buffer allocated by AllocBuffers.
	FreeBuffers()

	// AcquireInputBuffer returns the host view of the per-cell input records,
	// waiting for the device to release it if the previous frame still
	// holds it.
	AcquireInputBuffer() ([]InputRecord, error)

	// AcquireRDParamBuffer returns the host view of the parameter block.
	AcquireRDParamBuffer() (*RDParameters, error)

	// AcquireOutputMEBuffer returns the motion-estimation output starting at
	// the first cell of subframe. It fails with ErrBufferBusy until the
	// StageME signal of the subframe has been observed by SyncRead.
	AcquireOutputMEBuffer(subframe int) ([]OutputRecord, error)

	// AcquireOutputProMEBuffer returns the pre-motion-estimation output of
	// ping-pong slot starting at the first superblock row of subframe. It
	// fails with ErrBufferBusy until the StageProME signal has been observed.
	AcquireOutputProMEBuffer(slot, subframe int) ([]ProMEOutput, error)

	// ExecutePrologue uploads input, parameters and frames and enqueues
	// the subframe-independent preprocessing kernels. It does not block.
	ExecutePrologue(f *FrameContext) error

	// Execute enqueues the motion-estimation kernel chain of subframe.
	// It does not block.
	Execute(subframe int) error

	// SyncRead blocks until the stage's completion signal for subframe has
	// fired. It returns immediately when the work is already complete.
	SyncRead(subframe int, stage Stage) error

	// Remove releases every resource held by the backend. It is idempotent.
	Remove()
}
