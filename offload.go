package egpu

import (
	"fmt"
	"sync"

	"github.com/gogpu/egpu/backend"
	_ "github.com/gogpu/egpu/backend/cpu" // always-available fallback
	"github.com/gogpu/egpu/gpucore"
	"github.com/gogpu/egpu/grid"
)

// Offload drives motion estimation of an encoder run on one backend.
//
// RunMotionEstimation and SyncBeforeRow are called from the encoder's
// pipeline thread. Close may be called from any goroutine; it waits for a
// SyncBeforeRow in progress, including its wait on the device, and every
// later call returns ErrClosed.
type Offload struct {
	b gpucore.Backend

	mu        sync.Mutex
	closed    bool
	g         grid.Grid
	allocated bool

	// Per-frame view of the output buffers, pinned while rows are encoded.
	slot      int
	meBase    []gpucore.OutputRecord
	proMEBase []gpucore.ProMEOutput
}

// Init selects and initializes a backend. Without options the highest
// priority registered backend that initializes is used, so a machine
// without a usable GPU runs on the CPU backend.
func Init(opts ...Option) (*Offload, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var (
		b   gpucore.Backend
		err error
	)
	switch {
	case o.backend != nil:
		b = o.backend
		if err = b.Init(); err != nil {
			b.Remove()
			return nil, fmt.Errorf("egpu: init %s backend: %w", b.Name(), err)
		}
	case o.backendName != "":
		b, err = backend.InitByName(o.backendName)
	default:
		b, err = backend.InitDefault()
	}
	if err != nil {
		return nil, fmt.Errorf("egpu: %w", err)
	}

	track(b)
	Logger().Info("egpu: backend selected", "backend", b.Name())
	return &Offload{b: b}, nil
}

// Backend returns the backend the offload runs on.
func (o *Offload) Backend() gpucore.Backend { return o.b }

// Close releases the backend and every buffer. It is idempotent.
func (o *Offload) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	o.allocated = false
	o.meBase, o.proMEBase = nil, nil
	untrack(o.b)
	o.b.Remove()
}

// AllocateInterfaceBuffers sizes the device buffers for g. It must be called
// before the first frame and again whenever the frame size changes.
func (o *Offload) AllocateInterfaceBuffers(g grid.Grid) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrClosed
	}
	if err := o.b.AllocBuffers(g); err != nil {
		return fmt.Errorf("egpu: allocate interface buffers: %w", err)
	}
	o.g = g
	o.allocated = true
	o.meBase, o.proMEBase = nil, nil
	Logger().Debug("egpu: interface buffers allocated",
		"mi_rows", g.MiRows, "mi_cols", g.MiCols, "cells", g.BufferLen())
	return nil
}

// FreeInterfaceBuffers releases the device buffers.
func (o *Offload) FreeInterfaceBuffers() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || !o.allocated {
		return
	}
	o.b.FreeBuffers()
	o.allocated = false
	o.meBase, o.proMEBase = nil, nil
}

func (o *Offload) ready(fs *FrameState) error {
	switch {
	case o.closed:
		return ErrClosed
	case !o.allocated:
		return ErrNotAllocated
	case fs.Grid != o.g:
		return fmt.Errorf("%w: frame %dx%d, buffers %dx%d",
			ErrGridMismatch, fs.Grid.MiCols, fs.Grid.MiRows, o.g.MiCols, o.g.MiRows)
	}
	return nil
}

// RunMotionEstimation fills the device inputs of a frame, queues the
// prologue and the kernel chain of every subframe, and returns without
// waiting for them. It does nothing for frames that are not offloaded.
func (o *Offload) RunMotionEstimation(fs *FrameState) error {
	if !fs.Offloaded() {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.ready(fs); err != nil {
		return err
	}
	if err := fs.validate(); err != nil {
		return err
	}

	in, err := o.b.AcquireInputBuffer()
	if err != nil {
		return fmt.Errorf("egpu: acquire input buffer: %w", err)
	}
	fillSegIDs(fs, in)
	fillInputs(fs, in)

	rd, err := o.b.AcquireRDParamBuffer()
	if err != nil {
		return fmt.Errorf("egpu: acquire rd parameter buffer: %w", err)
	}
	fillRDParameters(fs, rd)

	ctx := &gpucore.FrameContext{
		Grid:        fs.Grid,
		FrameNumber: fs.FrameNumber,
		Source:      fs.Source,
		Reference:   fs.Reference,
		SearchRange: fs.SearchRange,
	}
	if err := o.b.ExecutePrologue(ctx); err != nil {
		return fmt.Errorf("egpu: frame %d prologue: %w", fs.FrameNumber, err)
	}
	for s := range grid.NumSubFrames {
		if err := o.b.Execute(s); err != nil {
			return fmt.Errorf("egpu: frame %d subframe %d: %w", fs.FrameNumber, s, err)
		}
	}

	o.slot = ctx.Slot()
	o.meBase, o.proMEBase = nil, nil

	if fs.Pinner != nil {
		for _, p := range []*gpucore.Plane{fs.Source, fs.LastSource, fs.Reference} {
			if p != nil {
				fs.Pinner.Pin(p)
			}
		}
	}
	Logger().Debug("egpu: motion estimation queued", "frame", fs.FrameNumber, "slot", o.slot)
	return nil
}

// syncThrough waits for stage of every subframe up to and including s, so
// the output from the frame's first cell up to subframe s may be read.
func (o *Offload) syncThrough(s int, stage gpucore.Stage) error {
	for i := 0; i <= s; i++ {
		if err := o.b.SyncRead(i, stage); err != nil {
			return fmt.Errorf("egpu: sync %v of subframe %d: %w", stage, i, err)
		}
	}
	return nil
}

// SyncBeforeRow makes the device output needed to encode the superblock row
// at miRow available to ts. On the first row of a subframe it waits for the
// subframe's partition output, hands it to fs.Reader, then waits for its
// motion-estimation output.
//
// An output buffer that is not contiguous with the frame's first subframe,
// or a row outside the frame, is an invariant violation and panics.
func (o *Offload) SyncBeforeRow(fs *FrameState, ts *ThreadState, miRow int) error {
	if !fs.Offloaded() {
		return nil
	}
	g := fs.Grid
	s := g.SubframeOfRow(miRow)
	sf := g.Subframe(s)

	ts.UseGPU = fs.UseGPU
	if ts.DataParallelProcessing || !ts.UseGPU {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.ready(fs); err != nil {
		return err
	}

	if err := o.syncThrough(s, gpucore.StageProME); err != nil {
		return err
	}
	base, err := o.b.AcquireOutputProMEBuffer(o.slot, 0)
	if err != nil {
		return fmt.Errorf("egpu: acquire partition output: %w", err)
	}
	o.proMEBase = base
	if miRow == sf.MiRowStart {
		sub, err := o.b.AcquireOutputProMEBuffer(o.slot, s)
		if err != nil {
			return fmt.Errorf("egpu: acquire partition output of subframe %d: %w", s, err)
		}
		checkContiguous("partition", s, base, sub, g.ProMEOffset(miRow))
	}
	ts.ProME = o.proMEBase

	if fs.Reader != nil {
		tile := TileInfo{MiRowStart: miRow, MiRowEnd: miRow, MiColStart: 0, MiColEnd: g.MiCols}
		ts.DataParallelProcessing = true
		for miCol := 0; miCol < g.MiCols; miCol += g.SBSize() {
			fs.Reader.ReadPartitioning(ts, tile, miRow, miCol, base)
		}
		ts.DataParallelProcessing = false
	}

	if err := o.syncThrough(s, gpucore.StageME); err != nil {
		return err
	}
	if miRow == sf.MiRowStart || o.meBase == nil {
		if o.meBase == nil {
			if o.meBase, err = o.b.AcquireOutputMEBuffer(0); err != nil {
				return fmt.Errorf("egpu: acquire motion output: %w", err)
			}
		}
		sub, err := o.b.AcquireOutputMEBuffer(s)
		if err != nil {
			return fmt.Errorf("egpu: acquire motion output of subframe %d: %w", s, err)
		}
		checkContiguous("motion", s, o.meBase, sub, g.BufferIndex(sf.MiRowStart, 0))
	}
	ts.ME = o.meBase
	return nil
}

// checkContiguous panics unless sub is base re-sliced at want.
func checkContiguous[T any](what string, s int, base, sub []T, want int) {
	got := len(base) - len(sub)
	if got != want || (len(sub) > 0 && &base[got] != &sub[0]) {
		panic(fmt.Sprintf("egpu: %s output of subframe %d is at offset %d, want %d",
			what, s, got, want))
	}
}

// OutputAt returns the motion-estimation record of the cell holding
// (miRow, miCol). It returns nil until SyncBeforeRow has pinned the frame's
// output; a record is valid once its subframe has been synchronized.
func (o *Offload) OutputAt(miRow, miCol int) *gpucore.OutputRecord {
	o.mu.Lock()
	defer o.mu.Unlock()

	idx := o.g.BufferIndex(miRow, miCol)
	if o.meBase == nil || idx >= len(o.meBase) {
		return nil
	}
	return &o.meBase[idx]
}
