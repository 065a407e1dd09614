package egpu

import (
	"fmt"

	"github.com/gogpu/egpu/gpucore"
	"github.com/gogpu/egpu/grid"
)

// PartitionSearch is the encoder's partition search method.
type PartitionSearch int

// Partition search methods. Only VarBasedPartition can be offloaded.
const (
	SearchPartition PartitionSearch = iota
	FixedPartition
	ReferencePartition
	VarBasedPartition
	SourceVarBasedPartition
)

// AQMode is the adaptive quantization mode.
type AQMode int

// Adaptive quantization modes.
const (
	NoAQ AQMode = iota
	VarianceAQ
	ComplexityAQ
	CyclicRefreshAQ
)

// Segment ids of cyclic refresh.
const (
	SegmentBase    = 0
	SegmentBoosted = 1
)

// TileInfo is the grid-unit extent of a tile.
type TileInfo struct {
	MiRowStart, MiRowEnd int
	MiColStart, MiColEnd int
}

// Segmentation is the active segmentation state of a frame. Maps hold one
// segment id per grid unit, row-major with stride MiCols.
type Segmentation struct {
	Enabled   bool
	UpdateMap bool
	Map       []uint8
	LastMap   []uint8
}

// activeMap returns the map segment ids are read from.
func (s *Segmentation) activeMap() []uint8 {
	if s.UpdateMap {
		return s.Map
	}
	return s.LastMap
}

// SegmentQuant holds what the quantizer decided for one segment.
type SegmentQuant struct {
	QIndex    int
	RDMult    int32
	DCDequant int32
	ACDequant int32
	SADPerBit int32

	// Boosted marks a cyclic-refresh boosted segment, whose partition
	// thresholds were recomputed for its own quantizer.
	Boosted           bool
	BoostedThresholds [4]int64
}

// RDTables is an immutable snapshot of the encoder's rate tables for one
// frame.
type RDTables struct {
	// NMVSADCost are the row and column SAD cost tables, MVVals entries each
	// centred on MVMax.
	NMVSADCost [2][]int32

	// InterModeCost holds the ZEROMV and NEWMV costs.
	InterModeCost [2]int32

	NMVJointCost          [gpucore.MVJoints]int32
	RDDiv                 int32
	SwitchableInterpCosts [gpucore.SwitchableFilters]int32

	// VBPThresholds are the variance partition thresholds indexed 64x64,
	// 32x32, 16x16, 8x8.
	VBPThresholds      [4]int64
	VBPThresholdSAD    int64
	VBPThresholdMinMax int64
}

// PartitionChooser runs the encoder's variance-based partitioning for the
// superblock at (miRow, miCol). It records the chosen block sizes in
// fs.ModeInfo and the superblock's predicted vector in fs.PredMVs.
type PartitionChooser interface {
	ChoosePartitioning(fs *FrameState, tile TileInfo, miRow, miCol int)
}

// PartitionReader consumes the device's partition decision for the
// superblock at (miRow, miCol). proME starts at the frame's first superblock
// row; the record of a superblock is at Grid.ProMEOffset(miRow)+miCol>>SBLog2.
type PartitionReader interface {
	ReadPartitioning(ts *ThreadState, tile TileInfo, miRow, miCol int, proME []gpucore.ProMEOutput)
}

// FramePinner re-acquires frame buffers for CPU use once device work is queued.
type FramePinner interface {
	Pin(p *gpucore.Plane)
}

// FrameState is the encoder state the offload reads for one frame.
type FrameState struct {
	Grid        grid.Grid
	FrameNumber uint64

	IntraOnly     bool
	UseGPU        bool
	NonRDPickMode bool

	PartitionSearch PartitionSearch
	TxModeSelect    bool
	Log2TileCols    int

	AQMode   AQMode
	Seg      Segmentation
	RD       RDTables
	Segments [gpucore.MaxSegments]SegmentQuant

	ModeInfo *ModeInfoGrid
	// PredMVs holds one predicted vector per superblock in raster order.
	PredMVs []gpucore.MV

	Source     *gpucore.Plane
	LastSource *gpucore.Plane
	Reference  *gpucore.Plane

	// SearchRange bounds the full-pixel search in pixels; zero uses the
	// backend default.
	SearchRange int

	Chooser PartitionChooser
	Reader  PartitionReader
	Pinner  FramePinner
}

// Offloaded reports whether motion estimation of the frame runs on the
// backend: the GPU is enabled, the encoder uses non-RD mode picking and the
// frame is inter coded.
func (fs *FrameState) Offloaded() bool {
	return fs.UseGPU && fs.NonRDPickMode && !fs.IntraOnly
}

// segmented reports whether segment ids come from the segmentation map.
func (fs *FrameState) segmented() bool {
	return fs.AQMode == CyclicRefreshAQ && fs.Seg.Enabled
}

// validate checks what RunMotionEstimation relies on.
func (fs *FrameState) validate() error {
	if fs.PartitionSearch != VarBasedPartition {
		return ErrUnsupportedPartitionSearch
	}
	if !fs.TxModeSelect {
		return ErrTxModeNotSelect
	}
	g := fs.Grid
	for i, t := range fs.RD.NMVSADCost {
		if len(t) != gpucore.MVVals {
			return fmt.Errorf("%w: mv sad cost table %d has %d entries, want %d",
				ErrEncoderState, i, len(t), gpucore.MVVals)
		}
	}
	if fs.segmented() && len(fs.Seg.activeMap()) < g.MiRows*g.MiCols {
		return fmt.Errorf("%w: segmentation map has %d entries, want %d",
			ErrEncoderState, len(fs.Seg.activeMap()), g.MiRows*g.MiCols)
	}
	if fs.ModeInfo == nil || fs.ModeInfo.Rows != g.MiRows || fs.ModeInfo.Cols != g.MiCols {
		return fmt.Errorf("%w: mode info grid does not cover %dx%d", ErrEncoderState, g.MiCols, g.MiRows)
	}
	if len(fs.PredMVs) < g.SBRows()*g.SBCols() {
		return fmt.Errorf("%w: %d predicted vectors, want %d",
			ErrEncoderState, len(fs.PredMVs), g.SBRows()*g.SBCols())
	}
	if fs.Chooser == nil {
		return fmt.Errorf("%w: no partition chooser", ErrEncoderState)
	}
	if fs.Source == nil || fs.Reference == nil {
		return fmt.Errorf("%w: source and reference planes are required", ErrEncoderState)
	}
	return nil
}

// ThreadState is the per-thread encoder state touched by SyncBeforeRow.
type ThreadState struct {
	// DataParallelProcessing is set while partition decisions are read back
	// from the device; SyncBeforeRow does nothing in that window.
	DataParallelProcessing bool
	UseGPU                 bool

	// ME is the frame's motion-estimation output from the first cell on,
	// valid for the subframes synchronized so far.
	ME []gpucore.OutputRecord
	// ProME is the frame's partition output from the first superblock on.
	ProME []gpucore.ProMEOutput
}

// ModeInfoGrid holds the block size chosen at every grid unit.
type ModeInfoGrid struct {
	Rows, Cols int
	sizes      []grid.BlockSize
}

// NewModeInfoGrid returns a grid of 8x8 blocks covering g.
func NewModeInfoGrid(g grid.Grid) *ModeInfoGrid {
	return &ModeInfoGrid{Rows: g.MiRows, Cols: g.MiCols, sizes: make([]grid.BlockSize, g.MiRows*g.MiCols)}
}

// At returns the block size at (miRow, miCol).
func (m *ModeInfoGrid) At(miRow, miCol int) grid.BlockSize {
	return m.sizes[miRow*m.Cols+miCol]
}

// Set records bs at the single unit (miRow, miCol).
func (m *ModeInfoGrid) Set(miRow, miCol int, bs grid.BlockSize) {
	m.sizes[miRow*m.Cols+miCol] = bs
}

// Duplicate copies bs to every unit of the block at (miRow, miCol) that lies
// inside the grid.
func (m *ModeInfoGrid) Duplicate(miRow, miCol int, bs grid.BlockSize) {
	rowEnd := min(miRow+bs.MiHeight(), m.Rows)
	colEnd := min(miCol+bs.MiWidth(), m.Cols)
	for r := miRow; r < rowEnd; r++ {
		for c := miCol; c < colEnd; c++ {
			m.sizes[r*m.Cols+c] = bs
		}
	}
}
