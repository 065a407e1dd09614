// Package cpu is the no-device motion-estimation backend.
//
// Buffers live in host memory. Dispatches are queued on a command stream
// served by a single goroutine, so they complete in submission order exactly
// like a device queue, and each dispatch closes its own completion channel.
// The blocks of one dispatch are spread over a worker pool.
package cpu

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/gogpu/egpu/backend"
	"github.com/gogpu/egpu/gpucore"
	"github.com/gogpu/egpu/grid"
	"github.com/gogpu/egpu/internal/mesearch"
	"github.com/gogpu/egpu/internal/parallel"
)

func init() {
	backend.Register(backend.BackendCPU, func() gpucore.Backend {
		return New()
	})
}

var _ gpucore.Backend = (*Backend)(nil)

// command is one dispatch on the command stream.
type command struct {
	label string
	run   func()
	done  chan struct{}
}

// frameJob is what the dispatches of one frame read. It is fixed when the
// prologue is dispatched.
type frameJob struct {
	number   uint64
	slot     int
	src, ref *gpucore.Plane
	rd       *gpucore.RDParameters
	rng      int
}

// Backend runs the motion-estimation kernels on the CPU.
type Backend struct {
	opts options
	log  atomic.Pointer[slog.Logger]

	mu       sync.Mutex
	started  bool
	removed  bool
	pool     *parallel.WorkerPool
	cmds     chan command
	loopDone chan struct{}

	g         grid.Grid
	allocated bool
	input     []gpucore.InputRecord
	rd        gpucore.RDParameters
	me        []gpucore.OutputRecord
	proME     [2][]gpucore.ProMEOutput

	job      *frameJob
	fences   [gpucore.StageCount][grid.NumSubFrames]chan struct{}
	observed [gpucore.StageCount][grid.NumSubFrames]bool
}

// New returns an uninitialized CPU backend.
func New(opts ...Option) *Backend {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	b := &Backend{opts: o}
	b.log.Store(slog.New(slog.DiscardHandler))
	return b
}

// Name returns "cpu".
func (b *Backend) Name() string { return backend.BackendCPU }

// SetLogger sets the logger for the backend. Nil disables logging.
func (b *Backend) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	b.log.Store(l)
}

func (b *Backend) logger() *slog.Logger { return b.log.Load() }

// Init starts the worker pool and the command stream.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.removed {
		return gpucore.ErrRemoved
	}
	if b.started {
		return nil
	}
	b.pool = parallel.NewWorkerPool(b.opts.workers)
	b.cmds = make(chan command, b.opts.queueDepth)
	b.loopDone = make(chan struct{})
	b.started = true
	go b.loop()

	b.logger().Debug("cpu: backend started", "workers", b.pool.Workers())
	return nil
}

func (b *Backend) loop() {
	defer close(b.loopDone)
	for cmd := range b.cmds {
		cmd.run()
		close(cmd.done)
		b.logger().Debug("cpu: dispatch complete", "label", cmd.label)
	}
}

// enqueue appends a dispatch to the command stream. The caller holds b.mu.
func (b *Backend) enqueue(label string, run func()) chan struct{} {
	done := make(chan struct{})
	b.cmds <- command{label: label, run: run, done: done}
	return done
}

// waitIdle blocks until every dispatch of the current frame has completed.
// The caller holds b.mu.
func (b *Backend) waitIdle() {
	for stage := range b.fences {
		for _, f := range b.fences[stage] {
			if f != nil {
				<-f
			}
		}
	}
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

// AllocBuffers sizes every buffer for g, waiting for in-flight work first.
func (b *Backend) AllocBuffers(g grid.Grid) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usable(false); err != nil {
		return err
	}
	if g.Empty() {
		return fmt.Errorf("cpu: cannot allocate buffers for empty grid %dx%d", g.MiCols, g.MiRows)
	}
	b.waitIdle()

	b.g = g
	b.input = make([]gpucore.InputRecord, g.BufferLen())
	b.me = make([]gpucore.OutputRecord, g.BufferLen())
	for slot := range b.proME {
		b.proME[slot] = make([]gpucore.ProMEOutput, g.ProMELen())
	}
	b.rd = gpucore.RDParameters{}
	b.resetFrame()
	b.allocated = true

	b.logger().Debug("cpu: buffers allocated",
		"mi_rows", g.MiRows, "mi_cols", g.MiCols,
		"cells", g.BufferLen(), "superblocks", g.ProMELen())
	return nil
}

// FreeBuffers releases the buffers once in-flight work has completed.
func (b *Backend) FreeBuffers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.freeLocked()
}

func (b *Backend) freeLocked() {
	b.waitIdle()
	b.input, b.me = nil, nil
	b.proME = [2][]gpucore.ProMEOutput{}
	b.resetFrame()
	b.allocated = false
}

func (b *Backend) resetFrame() {
	b.job = nil
	b.fences = [gpucore.StageCount][grid.NumSubFrames]chan struct{}{}
	b.observed = [gpucore.StageCount][grid.NumSubFrames]bool{}
}

// AcquireInputBuffer returns the input records once the previous frame's
// dispatches have released them.
func (b *Backend) AcquireInputBuffer() ([]gpucore.InputRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usable(true); err != nil {
		return nil, err
	}
	b.waitIdle()
	return b.input, nil
}

// AcquireRDParamBuffer returns the parameter block once the previous frame's
// dispatches have released it.
func (b *Backend) AcquireRDParamBuffer() (*gpucore.RDParameters, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usable(true); err != nil {
		return nil, err
	}
	b.waitIdle()
	return &b.rd, nil
}

// AcquireOutputMEBuffer returns the motion-estimation records from the first
// cell of subframe to the end of the buffer.
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
		return nil, fmt.Errorf("cpu: me output of subframe %d: %w", subframe, gpucore.ErrBufferBusy)
	}
	off := b.g.BufferIndex(b.g.Subframe(subframe).MiRowStart, 0)
	return b.me[off:], nil
}

// AcquireOutputProMEBuffer returns the pre-motion-estimation records of slot
// from the first superblock row of subframe to the end of the buffer. The
// slot of the frame in flight is available per subframe once its signal has
// been observed; the other slot holds the previous frame's completed output.
func (b *Backend) AcquireOutputProMEBuffer(slot, subframe int) ([]gpucore.ProMEOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usable(true); err != nil {
		return nil, err
	}
	if slot < 0 || slot >= len(b.proME) {
		return nil, fmt.Errorf("cpu: ping-pong slot %d out of range", slot)
	}
	if subframe < 0 || subframe >= grid.NumSubFrames {
		return nil, gpucore.ErrInvalidSubframe
	}
	if b.job != nil && slot == b.job.slot && !b.observed[gpucore.StageProME][subframe] {
		return nil, fmt.Errorf("cpu: pro-me output of subframe %d: %w", subframe, gpucore.ErrBufferBusy)
	}
	off := b.g.ProMEOffset(b.g.Subframe(subframe).MiRowStart)
	return b.proME[slot][off:], nil
}

// ExecutePrologue queues the pre-motion-estimation pass of every subframe.
// The pass picks a partition for each superblock inside the aligned region
// and writes the input records of its cells.
func (b *Backend) ExecutePrologue(f *gpucore.FrameContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usable(true); err != nil {
		return err
	}
	if f == nil || f.Source == nil || f.Reference == nil {
		return fmt.Errorf("cpu: prologue needs a source and a reference plane")
	}
	if f.Grid != b.g {
		return fmt.Errorf("cpu: frame grid %dx%d does not match allocated %dx%d",
			f.Grid.MiCols, f.Grid.MiRows, b.g.MiCols, b.g.MiRows)
	}
	b.waitIdle()
	b.resetFrame()

	rd := b.rd
	job := &frameJob{
		number: f.FrameNumber,
		slot:   f.Slot(),
		src:    f.Source,
		ref:    f.Reference,
		rd:     &rd,
		rng:    f.SearchRange,
	}
	if job.rng <= 0 {
		job.rng = b.opts.searchRange
	}
	b.job = job

	for s := range grid.NumSubFrames {
		run := b.proMEPass(job, b.g, b.g.Subframe(s), b.input, b.proME[job.slot])
		b.fences[gpucore.StageProME][s] = b.enqueue(fmt.Sprintf("pro_me[%d]", s), run)
	}
	b.logger().Debug("cpu: prologue queued", "frame", f.FrameNumber, "slot", job.slot)
	return nil
}

// Execute queues the motion-estimation pass of subframe.
func (b *Backend) Execute(subframe int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usable(true); err != nil {
		return err
	}
	if subframe < 0 || subframe >= grid.NumSubFrames {
		return gpucore.ErrInvalidSubframe
	}
	if b.job == nil {
		return fmt.Errorf("cpu: execute subframe %d before prologue: %w", subframe, gpucore.ErrNotDispatched)
	}
	if b.fences[gpucore.StageME][subframe] != nil {
		return fmt.Errorf("cpu: subframe %d already dispatched for frame %d", subframe, b.job.number)
	}
	run := b.mePass(b.job, b.g, b.g.Subframe(subframe), b.input, b.me)
	b.fences[gpucore.StageME][subframe] = b.enqueue(fmt.Sprintf("me[%d]", subframe), run)
	return nil
}

// SyncRead blocks until the stage's dispatch of subframe has completed.
func (b *Backend) SyncRead(subframe int, stage gpucore.Stage) error {
	b.mu.Lock()
	if err := b.usable(true); err != nil {
		b.mu.Unlock()
		return err
	}
	if subframe < 0 || subframe >= grid.NumSubFrames {
		b.mu.Unlock()
		return gpucore.ErrInvalidSubframe
	}
	if stage < 0 || stage >= gpucore.StageCount {
		b.mu.Unlock()
		return fmt.Errorf("cpu: unknown stage %v", stage)
	}
	done := b.fences[stage][subframe]
	b.mu.Unlock()

	if done == nil {
		return fmt.Errorf("cpu: sync %v of subframe %d: %w", stage, subframe, gpucore.ErrNotDispatched)
	}
	select {
	case <-done:
	default:
		b.logger().Debug("cpu: waiting for dispatch", "stage", stage, "subframe", subframe)
		<-done
	}

	b.mu.Lock()
	if b.fences[stage][subframe] == done {
		b.observed[stage][subframe] = true
	}
	b.mu.Unlock()
	return nil
}

// Remove drains the command stream, stops the workers and frees the buffers.
func (b *Backend) Remove() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.removed {
		return
	}
	if b.started {
		b.freeLocked()
		close(b.cmds)
		<-b.loopDone
		b.pool.Close()
	}
	b.removed = true
	b.logger().Debug("cpu: backend removed")
}

// cellShift returns log2 of the cell edge in grid units.
func cellShift(g grid.Grid) int { return bits.TrailingZeros(uint(g.CellSize())) }

// proMEPass returns the pre-motion-estimation dispatch for the superblock
// rows of sf that lie inside the aligned region.
func (b *Backend) proMEPass(job *frameJob, g grid.Grid, sf grid.Subframe, input []gpucore.InputRecord, out []gpucore.ProMEOutput) func() {
	return func() {
		sbStep := g.SBSize()
		rowEnd := min(sf.MiRowEnd, g.AlignedMiRows())
		cols := g.ProMECols()
		cell := g.CellSize()
		sbPixels := sbStep << grid.MiSizeLog2

		var rows []int
		for miRow := sf.MiRowStart; miRow < rowEnd; miRow += sbStep {
			rows = append(rows, miRow)
		}
		b.pool.ForEach(len(rows)*cols, func(i int) {
			miRow := rows[i/cols]
			miCol := (i % cols) * sbStep

			costs := mesearch.NewCosts(job.rd, input[g.BufferIndex(miRow, miCol)].SegID)
			res := mesearch.ChoosePartition(job.src, job.ref,
				miCol<<grid.MiSizeLog2, miRow<<grid.MiSizeLog2, sbPixels, job.rng, costs)
			out[g.ProMEOffset(miRow)+i%cols] = res

			tag := grid.GPUBlockSizeOf(res.Partition)
			for dr := 0; dr < sbStep; dr += cell {
				for dc := 0; dc < sbStep; dc += cell {
					rec := &input[g.BufferIndex(miRow+dr, miCol+dc)]
					rec.DoCompute = tag
					rec.PredMV = res.PredMV
				}
			}
		})
	}
}

// mePass returns the motion-estimation dispatch for the cells of sf. Each
// device block is searched once and its record written at its top-left cell.
func (b *Backend) mePass(job *frameJob, g grid.Grid, sf grid.Subframe, input []gpucore.InputRecord, out []gpucore.OutputRecord) func() {
	return func() {
		shift := cellShift(g)
		cell := g.CellSize()
		perRow := g.BlocksPerRow()
		first := (sf.MiRowStart >> shift) * perRow
		last := ((sf.MiRowEnd + cell - 1) >> shift) * perRow
		last = min(last, len(out))

		var blocks []int
		for idx := first; idx < last; idx++ {
			out[idx] = gpucore.OutputRecord{}
			rec := input[idx]
			if !rec.DoCompute.Valid() {
				continue
			}
			miRow, miCol := (idx/perRow)<<shift, (idx%perRow)<<shift
			span := grid.ActualBlockSize(rec.DoCompute).MiWidth()
			if miRow%span != 0 || miCol%span != 0 || miRow >= g.MiRows || miCol >= g.MiCols {
				continue
			}
			blocks = append(blocks, idx)
		}

		b.pool.ForEach(len(blocks), func(i int) {
			idx := blocks[i]
			rec := input[idx]
			blk := mesearch.Block{
				X:    (idx % perRow) << shift << grid.MiSizeLog2,
				Y:    (idx / perRow) << shift << grid.MiSizeLog2,
				Size: grid.ActualBlockSize(rec.DoCompute).Width(),
			}
			out[idx] = mesearch.MotionSearch(job.src, job.ref, blk, rec, job.rng, job.rd)
		})
	}
}
