package main

import (
	"math"

	"github.com/gogpu/egpu"
	"github.com/gogpu/egpu/gpucore"
	"github.com/gogpu/egpu/grid"
)

// encoder is the smallest encoder loop that drives the offload: it keeps
// the rate tables, splits partial superblocks into 32x32 blocks and
// walks the superblock rows the way a row-based encoder does.
type encoder struct {
	g     grid.Grid
	rd    egpu.RDTables
	quant egpu.SegmentQuant
	rng   int

	mi     *egpu.ModeInfoGrid
	predMV []gpucore.MV

	// field is the motion-estimation output of the last encoded frame.
	field []gpucore.OutputRecord
}

// frameStats summarizes one frame's motion-estimation output.
type frameStats struct {
	blocks      int
	newMV       int
	mvSum       float64
	sse         uint64
	satd        int64
	superblocks int
	whole       int
}

func (s frameStats) newMVPercent() float64 {
	if s.blocks == 0 {
		return 0
	}
	return 100 * float64(s.newMV) / float64(s.blocks)
}

func (s frameStats) meanMV() float64 {
	if s.blocks == 0 {
		return 0
	}
	return s.mvSum / float64(s.blocks)
}

func newEncoder(g grid.Grid, searchRange int) *encoder {
	e := &encoder{
		g:      g,
		rng:    searchRange,
		mi:     egpu.NewModeInfoGrid(g),
		predMV: make([]gpucore.MV, g.SBRows()*g.SBCols()),
		quant: egpu.SegmentQuant{
			QIndex:    80,
			RDMult:    320,
			DCDequant: 60,
			ACDequant: 72,
			SADPerBit: 8,
		},
	}
	for comp := range e.rd.NMVSADCost {
		t := make([]int32, gpucore.MVVals)
		for i := range t {
			t[i] = mvComponentCost(i - gpucore.MVMax)
		}
		e.rd.NMVSADCost[comp] = t
	}
	e.rd.InterModeCost = [2]int32{120, 560}
	e.rd.NMVJointCost = [gpucore.MVJoints]int32{80, 400, 400, 720}
	e.rd.RDDiv = 7
	e.rd.SwitchableInterpCosts = [gpucore.SwitchableFilters]int32{60, 300, 300}
	e.rd.VBPThresholds = [4]int64{4000, 1500, 800, 400}
	e.rd.VBPThresholdSAD = 2048
	e.rd.VBPThresholdMinMax = 15
	return e
}

// mvComponentCost approximates the rate of a vector component: a sign and
// a class whose width grows with the magnitude.
func mvComponentCost(v int) int32 {
	if v == 0 {
		return 0
	}
	return int32(256 + 128*math.Ilogb(math.Abs(float64(v))))
}

// ChoosePartitioning codes a partial superblock as 32x32 blocks.
func (e *encoder) ChoosePartitioning(fs *egpu.FrameState, _ egpu.TileInfo, miRow, miCol int) {
	sb := e.g.SBSize()
	for r := miRow; r < min(miRow+sb, e.g.MiRows); r++ {
		for c := miCol; c < min(miCol+sb, e.g.MiCols); c++ {
			fs.ModeInfo.Set(r, c, grid.Block32x32)
		}
	}
	fs.PredMVs[e.g.SBIndex(miRow, miCol)] = gpucore.MV{}
}

// encode runs motion estimation of one inter frame and walks its rows.
func (e *encoder) encode(o *egpu.Offload, frame uint64, src, ref *gpucore.Plane) (frameStats, error) {
	fs := &egpu.FrameState{
		Grid:            e.g,
		FrameNumber:     frame,
		UseGPU:          true,
		NonRDPickMode:   true,
		PartitionSearch: egpu.VarBasedPartition,
		TxModeSelect:    true,
		RD:              e.rd,
		ModeInfo:        e.mi,
		PredMVs:         e.predMV,
		Source:          src,
		LastSource:      ref,
		Reference:       ref,
		SearchRange:     e.rng,
		Chooser:         e,
	}
	fs.Segments[egpu.SegmentBase] = e.quant

	if err := o.RunMotionEstimation(fs); err != nil {
		return frameStats{}, err
	}

	var (
		st frameStats
		ts egpu.ThreadState
	)
	for miRow := 0; miRow < e.g.MiRows; miRow += e.g.SBSize() {
		if err := o.SyncBeforeRow(fs, &ts, miRow); err != nil {
			return frameStats{}, err
		}
		st.countPartitions(e.g, ts.ProME, miRow)
	}

	e.field = ts.ME
	perRow := e.g.BlocksPerRow()
	cell := e.g.CellSize() * 8
	for i := range ts.ME {
		rec := &ts.ME[i]
		if rec.SSE == 0 && rec.ZeroDist == 0 && rec.ZeroRate == 0 {
			continue
		}
		st.blocks++
		if rec.NewMVBest {
			st.newMV++
		}
		st.mvSum += math.Hypot(float64(rec.MV.Row), float64(rec.MV.Col)) / 8
		st.sse += uint64(rec.SSE)
		st.satd += cellSATD(src, ref, (i%perRow)*cell, (i/perRow)*cell, cell, rec.MV)
	}
	return st, nil
}

// countPartitions tallies the whole superblocks of the row at miRow.
func (s *frameStats) countPartitions(g grid.Grid, proME []gpucore.ProMEOutput, miRow int) {
	if miRow >= g.AlignedMiRows() {
		return
	}
	off := g.ProMEOffset(miRow)
	for _, rec := range proME[off : off+g.ProMECols()] {
		s.superblocks++
		if rec.Partition == grid.Block64x64 {
			s.whole++
		}
	}
}
