package egpu

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gogpu/egpu/backend"
	"github.com/gogpu/egpu/backend/cpu"
	"github.com/gogpu/egpu/gpucore"
	"github.com/gogpu/egpu/grid"
)

type readCall struct {
	miRow, miCol int
	proMELen     int
}

type recordingReader struct {
	calls []readCall
}

func (r *recordingReader) ReadPartitioning(ts *ThreadState, _ TileInfo, miRow, miCol int, proME []gpucore.ProMEOutput) {
	if !ts.DataParallelProcessing {
		panic("ReadPartitioning outside the data-parallel window")
	}
	r.calls = append(r.calls, readCall{miRow, miCol, len(proME)})
}

type countingPinner struct {
	pinned []*gpucore.Plane
}

func (p *countingPinner) Pin(pl *gpucore.Plane) { p.pinned = append(p.pinned, pl) }

func newOffload(t *testing.T, g grid.Grid) *Offload {
	t.Helper()
	o, err := Init(WithBackendInstance(cpu.New(cpu.WithWorkers(2))))
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(o.Close)
	if err := o.AllocateInterfaceBuffers(g); err != nil {
		t.Fatalf("AllocateInterfaceBuffers() error = %v", err)
	}
	return o
}

// encodeFrame runs one frame through the offload the way an encoder's row
// loop does.
func encodeFrame(t *testing.T, o *Offload, fs *FrameState, ts *ThreadState) {
	t.Helper()
	if err := o.RunMotionEstimation(fs); err != nil {
		t.Fatalf("RunMotionEstimation() error = %v", err)
	}
	for miRow := 0; miRow < fs.Grid.MiRows; miRow += fs.Grid.SBSize() {
		if err := o.SyncBeforeRow(fs, ts, miRow); err != nil {
			t.Fatalf("SyncBeforeRow(%d) error = %v", miRow, err)
		}
	}
}

func TestInitByName(t *testing.T) {
	o, err := Init(WithBackend(backend.BackendCPU))
	if err != nil {
		t.Fatalf("Init(cpu) error = %v", err)
	}
	defer o.Close()
	if got := o.Backend().Name(); got != backend.BackendCPU {
		t.Errorf("Backend().Name() = %q, want %q", got, backend.BackendCPU)
	}
}

func TestInitUnknownBackend(t *testing.T) {
	_, err := Init(WithBackend("no-such-backend"))
	if !errors.Is(err, backend.ErrBackendNotAvailable) {
		t.Errorf("Init(unknown) error = %v, want ErrBackendNotAvailable", err)
	}
}

func TestInitRemovedInstance(t *testing.T) {
	b := cpu.New()
	b.Remove()
	if _, err := Init(WithBackendInstance(b)); !errors.Is(err, gpucore.ErrRemoved) {
		t.Errorf("Init(removed) error = %v, want ErrRemoved", err)
	}
}

func TestOffloadEndToEnd(t *testing.T) {
	fs := newFrameState(72, 72)
	g := fs.Grid
	reader := &recordingReader{}
	pinner := &countingPinner{}
	fs.Reader, fs.Pinner = reader, pinner

	o := newOffload(t, g)
	if rec := o.OutputAt(0, 0); rec != nil {
		t.Errorf("OutputAt before sync = %+v, want nil", rec)
	}

	ts := &ThreadState{}
	encodeFrame(t, o, fs, ts)

	if len(pinner.pinned) != 3 {
		t.Errorf("pinned %d planes, want 3", len(pinner.pinned))
	}
	wantReads := []readCall{{0, 0, 2}, {0, 8, 2}, {8, 0, 2}, {8, 8, 2}}
	if diff := cmp.Diff(wantReads, reader.calls, cmp.AllowUnexported(readCall{})); diff != "" {
		t.Errorf("partition reads mismatch (-want +got):\n%s", diff)
	}
	if ts.DataParallelProcessing {
		t.Error("DataParallelProcessing left set after SyncBeforeRow")
	}
	if !ts.UseGPU {
		t.Error("ts.UseGPU = false, want true")
	}
	if len(ts.ME) != g.BufferLen() {
		t.Fatalf("len(ts.ME) = %d, want %d", len(ts.ME), g.BufferLen())
	}
	if len(ts.ProME) != g.ProMELen() {
		t.Errorf("len(ts.ProME) = %d, want %d", len(ts.ProME), g.ProMELen())
	}

	perRow := g.BlocksPerRow()
	origins := map[int]bool{0: true, 2: true, 8: true, 10: true}
	for idx, rec := range ts.ME {
		if !origins[idx] {
			if rec != (gpucore.OutputRecord{}) {
				t.Errorf("cell (%d,%d) = %+v, want zero", idx/perRow, idx%perRow, rec)
			}
			continue
		}
		if rec.ZeroRate != 10 || rec.ZeroDist != 0 || rec.NewMVBest {
			t.Errorf("block at cell (%d,%d) = %+v, want zero-mv rate 10 and no distortion",
				idx/perRow, idx%perRow, rec)
		}
	}

	if got := o.OutputAt(8, 8); got == nil || *got != ts.ME[10] {
		t.Errorf("OutputAt(8, 8) = %v, want %+v", got, ts.ME[10])
	}
	if got := o.OutputAt(100, 100); got != nil {
		t.Errorf("OutputAt outside the buffer = %+v, want nil", got)
	}
}

func TestOffloadPingPong(t *testing.T) {
	fs := newFrameState(128, 128)
	o := newOffload(t, fs.Grid)

	var bases [2]*gpucore.ProMEOutput
	for frame := range uint64(2) {
		fs.FrameNumber = frame
		ts := &ThreadState{}
		encodeFrame(t, o, fs, ts)
		if len(ts.ProME) == 0 {
			t.Fatalf("frame %d: no partition output", frame)
		}
		bases[frame] = &ts.ProME[0]
		if o.slot != grid.BufferSlot(frame) {
			t.Errorf("frame %d slot = %d, want %d", frame, o.slot, grid.BufferSlot(frame))
		}
	}
	if bases[0] == bases[1] {
		t.Error("consecutive frames share a partition output buffer")
	}
}

func TestOffloadNotOffloaded(t *testing.T) {
	o, err := Init(WithBackend(backend.BackendCPU))
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close()

	fs := newFrameState(64, 64)
	fs.IntraOnly = true
	// No buffers are allocated: a frame that is not offloaded never
	// touches the backend.
	if err := o.RunMotionEstimation(fs); err != nil {
		t.Errorf("RunMotionEstimation(intra) = %v, want nil", err)
	}
	ts := &ThreadState{}
	if err := o.SyncBeforeRow(fs, ts, 0); err != nil {
		t.Errorf("SyncBeforeRow(intra) = %v, want nil", err)
	}
	if ts.ME != nil {
		t.Error("SyncBeforeRow published output for a frame that is not offloaded")
	}
}

func TestSyncBeforeRowDataParallel(t *testing.T) {
	fs := newFrameState(64, 64)
	o := newOffload(t, fs.Grid)
	if err := o.RunMotionEstimation(fs); err != nil {
		t.Fatal(err)
	}
	ts := &ThreadState{DataParallelProcessing: true}
	if err := o.SyncBeforeRow(fs, ts, 0); err != nil {
		t.Fatal(err)
	}
	if ts.ME != nil || ts.ProME != nil {
		t.Error("SyncBeforeRow published output inside the data-parallel window")
	}
}

func TestSyncBeforeRowOutsideFramePanics(t *testing.T) {
	fs := newFrameState(64, 64)
	o := newOffload(t, fs.Grid)
	if err := o.RunMotionEstimation(fs); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Error("SyncBeforeRow past the last row should panic")
		}
	}()
	_ = o.SyncBeforeRow(fs, &ThreadState{}, fs.Grid.MiRows)
}

func TestOffloadErrors(t *testing.T) {
	o, err := Init(WithBackend(backend.BackendCPU))
	if err != nil {
		t.Fatal(err)
	}

	fs := newFrameState(72, 72)
	if err := o.RunMotionEstimation(fs); !errors.Is(err, ErrNotAllocated) {
		t.Errorf("before allocation: err = %v, want ErrNotAllocated", err)
	}

	if err := o.AllocateInterfaceBuffers(grid.New(64, 64)); err != nil {
		t.Fatal(err)
	}
	if err := o.RunMotionEstimation(fs); !errors.Is(err, ErrGridMismatch) {
		t.Errorf("grid mismatch: err = %v, want ErrGridMismatch", err)
	}

	small := newFrameState(64, 64)
	small.TxModeSelect = false
	if err := o.RunMotionEstimation(small); !errors.Is(err, ErrTxModeNotSelect) {
		t.Errorf("tx mode: err = %v, want ErrTxModeNotSelect", err)
	}

	o.FreeInterfaceBuffers()
	o.FreeInterfaceBuffers()
	small.TxModeSelect = true
	if err := o.RunMotionEstimation(small); !errors.Is(err, ErrNotAllocated) {
		t.Errorf("after free: err = %v, want ErrNotAllocated", err)
	}

	o.Close()
	o.Close()
	if err := o.AllocateInterfaceBuffers(grid.New(64, 64)); !errors.Is(err, ErrClosed) {
		t.Errorf("allocate after Close: err = %v, want ErrClosed", err)
	}
	if err := o.RunMotionEstimation(small); !errors.Is(err, ErrClosed) {
		t.Errorf("run after Close: err = %v, want ErrClosed", err)
	}
}

func TestOffloadReallocate(t *testing.T) {
	o := newOffload(t, grid.New(64, 64))
	fs := newFrameState(64, 64)
	encodeFrame(t, o, fs, &ThreadState{})

	big := newFrameState(128, 128)
	if err := o.AllocateInterfaceBuffers(big.Grid); err != nil {
		t.Fatal(err)
	}
	ts := &ThreadState{}
	encodeFrame(t, o, big, ts)
	if len(ts.ME) != big.Grid.BufferLen() {
		t.Errorf("len(ts.ME) = %d, want %d", len(ts.ME), big.Grid.BufferLen())
	}
}

// sb32Chooser codes every superblock as one 32x32 block.
type sb32Chooser struct{}

func (sb32Chooser) ChoosePartitioning(fs *FrameState, _ TileInfo, miRow, miCol int) {
	fs.ModeInfo.Set(miRow, miCol, grid.Block32x32)
}

type syncCall struct {
	subframe int
	stage    gpucore.Stage
}

// syncRecorder records the waits the offload issues.
type syncRecorder struct {
	*cpu.Backend
	calls []syncCall
}

func (b *syncRecorder) SyncRead(subframe int, stage gpucore.Stage) error {
	b.calls = append(b.calls, syncCall{subframe, stage})
	return b.Backend.SyncRead(subframe, stage)
}

func TestOffloadSmallSuperblocks(t *testing.T) {
	g := grid.Grid{MiRows: 16, MiCols: 16, SBLog2: 2}
	fs := newFrameState(128, 128)
	fs.Grid = g
	fs.ModeInfo = NewModeInfoGrid(g)
	fs.PredMVs = make([]gpucore.MV, g.SBRows()*g.SBCols())
	fs.Chooser = sb32Chooser{}

	wantSubframes := []grid.Subframe{
		{MiRowStart: 0, MiRowEnd: 4},
		{MiRowStart: 4, MiRowEnd: 8},
		{MiRowStart: 8, MiRowEnd: 12},
		{MiRowStart: 12, MiRowEnd: 16},
	}
	if diff := cmp.Diff(wantSubframes, g.Subframes()); diff != "" {
		t.Fatalf("subframes mismatch (-want +got):\n%s", diff)
	}

	b := &syncRecorder{Backend: cpu.New(cpu.WithWorkers(2))}
	o, err := Init(WithBackendInstance(b))
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer o.Close()
	if err := o.AllocateInterfaceBuffers(g); err != nil {
		t.Fatalf("AllocateInterfaceBuffers() error = %v", err)
	}
	if err := o.RunMotionEstimation(fs); err != nil {
		t.Fatalf("RunMotionEstimation() error = %v", err)
	}

	through := func(last int) []syncCall {
		var calls []syncCall
		for _, stage := range []gpucore.Stage{gpucore.StageProME, gpucore.StageME} {
			for s := 0; s <= last; s++ {
				calls = append(calls, syncCall{s, stage})
			}
		}
		return calls
	}

	ts := &ThreadState{}
	tests := []struct {
		miRow, subframe int
	}{
		{4, 1}, {5, 1}, {12, 3}, {15, 3},
	}
	var first *gpucore.OutputRecord
	for _, tt := range tests {
		if got := g.SubframeOfRow(tt.miRow); got != tt.subframe {
			t.Errorf("SubframeOfRow(%d) = %d, want %d", tt.miRow, got, tt.subframe)
		}
		b.calls = nil
		if err := o.SyncBeforeRow(fs, ts, tt.miRow); err != nil {
			t.Fatalf("SyncBeforeRow(%d) error = %v", tt.miRow, err)
		}
		if diff := cmp.Diff(through(tt.subframe), b.calls, cmp.AllowUnexported(syncCall{})); diff != "" {
			t.Errorf("row %d waits mismatch (-want +got):\n%s", tt.miRow, diff)
		}

		if len(ts.ME) != g.BufferLen() {
			t.Fatalf("len(ts.ME) = %d, want %d", len(ts.ME), g.BufferLen())
		}
		if len(ts.ProME) != g.ProMELen() {
			t.Fatalf("len(ts.ProME) = %d, want %d", len(ts.ProME), g.ProMELen())
		}
		if first == nil {
			first = &ts.ME[0]
		} else if &ts.ME[0] != first {
			t.Errorf("row %d: motion output moved within the frame", tt.miRow)
		}
	}

	for i, rec := range ts.ProME {
		if rec.Partition != grid.Block32x32 {
			t.Errorf("ProME[%d].Partition = %v, want 32x32", i, rec.Partition)
		}
	}
	if ts.ME[0].ZeroRate == 0 {
		t.Errorf("ME[0] = %+v, want a computed block", ts.ME[0])
	}
}

func TestCloseDuringSync(t *testing.T) {
	fs := newFrameState(128, 128)
	o := newOffload(t, fs.Grid)
	if err := o.RunMotionEstimation(fs); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- o.SyncBeforeRow(fs, &ThreadState{}, fs.Grid.MiRows-1)
	}()
	o.Close()

	// The sync either finished before Close or observed it.
	if err := <-done; err != nil && !errors.Is(err, ErrClosed) {
		t.Errorf("SyncBeforeRow during Close = %v", err)
	}
	if err := o.SyncBeforeRow(fs, &ThreadState{}, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("SyncBeforeRow after Close = %v, want ErrClosed", err)
	}
}
