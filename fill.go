package egpu

import (
	"fmt"

	"github.com/gogpu/egpu/gpucore"
	"github.com/gogpu/egpu/grid"
)

// segmentID returns the smallest segment id over the units of a bs block at
// (miRow, miCol), clipped to the grid.
func segmentID(g grid.Grid, segMap []uint8, bs grid.BlockSize, miRow, miCol int) uint8 {
	rowEnd := min(miRow+bs.MiHeight(), g.MiRows)
	colEnd := min(miCol+bs.MiWidth(), g.MiCols)
	id := uint8(0xff)
	for r := miRow; r < rowEnd; r++ {
		for c := miCol; c < colEnd; c++ {
			id = min(id, segMap[r*g.MiCols+c])
		}
	}
	return id
}

// fillSegIDs writes the segment id of every device cell. Without
// cyclic-refresh segmentation every cell uses the base segment.
//
// The device supports two segments; a larger id is an invariant violation
// and panics.
func fillSegIDs(fs *FrameState, in []gpucore.InputRecord) {
	g := fs.Grid
	bs := grid.ActualBlockSize(0)
	step := g.CellSize()
	segMap := fs.Seg.activeMap()

	for miRow := 0; miRow < g.MiRows; miRow += step {
		for miCol := 0; miCol < g.MiCols; miCol += step {
			rec := &in[g.BufferIndex(miRow, miCol)]
			if !fs.segmented() {
				rec.SegID = SegmentBase
				continue
			}
			id := segmentID(g, segMap, bs, miRow, miCol)
			if int(id) >= gpucore.MaxSegments {
				panic(fmt.Sprintf("egpu: segment id %d at (%d,%d), the device supports %d segments",
					id, miRow, miCol, gpucore.MaxSegments))
			}
			rec.SegID = id
		}
	}
}

// fillInputs writes the input records of every superblock the prologue does
// not cover: the partial superblock row at the bottom of the frame and, in
// the other rows, the partial superblock column of the rightmost tile.
func fillInputs(fs *FrameState, in []gpucore.InputRecord) {
	g := fs.Grid
	alignedRows := g.AlignedMiRows()
	alignedCols := g.AlignedMiCols()
	tileCols := 1 << fs.Log2TileCols

	for miRow := 0; miRow < g.MiRows; miRow += g.SBSize() {
		for col := range tileCols {
			start, end := g.TileColBounds(fs.Log2TileCols, col)
			if miRow != alignedRows && end <= alignedCols {
				continue
			}
			if miRow != alignedRows {
				start = max(start, alignedCols)
			}
			tile := TileInfo{MiRowStart: miRow, MiRowEnd: min(miRow+g.SBSize(), g.MiRows), MiColStart: start, MiColEnd: end}
			writeInputBuffers(fs, in, tile, miRow)
		}
	}
}

func writeInputBuffers(fs *FrameState, in []gpucore.InputRecord, tile TileInfo, miRow int) {
	switch fs.PartitionSearch {
	case VarBasedPartition:
		writePartitionInfo(fs, in, tile, miRow)
	default:
		panic(fmt.Sprintf("egpu: no input fill for partition search %d", fs.PartitionSearch))
	}
}

// writePartitionInfo runs the encoder's partitioning over the superblocks of
// a tile row and tags each cell with the device block size covering it.
// Cells outside the frame are left to the CPU. A superblock-sized decision
// is duplicated over the mode info of every unit it covers, so every cell
// of the block reads the same size.
func writePartitionInfo(fs *FrameState, in []gpucore.InputRecord, tile TileInfo, miRow int) {
	g := fs.Grid
	sb := g.SBSize()
	step := g.CellSize()

	for miCol := tile.MiColStart; miCol < tile.MiColEnd; miCol += sb {
		fs.Chooser.ChoosePartitioning(fs, tile, miRow, miCol)

		for i := 0; i < sb; i += step {
			for j := 0; j < sb; j += step {
				r, c := miRow+i, miCol+j
				rec := &in[g.BufferIndex(r, c)]
				if r >= g.MiRows || c >= g.MiCols {
					rec.DoCompute = grid.GPUBlockInvalid
					continue
				}

				bs := fs.ModeInfo.At(r, c)
				rec.DoCompute = grid.GPUBlockSizeOf(bs)
				if rec.DoCompute.Valid() {
					rec.PredMV = fs.PredMVs[g.SBIndex(r, c)]
				}

				if (bs == grid.Block64x32 && j == 0) ||
					(bs == grid.Block32x64 && i == 0) ||
					(bs == grid.Block64x64 && i == 0 && j == 0) {
					fs.ModeInfo.Duplicate(r, c, bs)
				}
			}
		}
	}
}

// segmentRDParameters returns the device parameters of segment id. The raw
// partition thresholds are indexed 64x64, 32x32, 16x16; the device reads
// them smallest block first.
func segmentRDParameters(fs *FrameState, id int) gpucore.SegmentRDParameters {
	q := fs.Segments[id]
	th := fs.RD.VBPThresholds
	if q.Boosted {
		th = q.BoostedThresholds
	}
	return gpucore.SegmentRDParameters{
		RDMult:        q.RDMult,
		DCDequant:     q.DCDequant,
		ACDequant:     q.ACDequant,
		SADPerBit:     q.SADPerBit,
		VBPThresholds: [3]int64{th[2], th[1], th[0]},
	}
}

// fillRDParameters copies the frame's rate tables into the parameter block.
// The boosted segment is only filled under cyclic-refresh segmentation.
func fillRDParameters(fs *FrameState, rd *gpucore.RDParameters) {
	copy(rd.NMVSADCost[0][:], fs.RD.NMVSADCost[0])
	copy(rd.NMVSADCost[1][:], fs.RD.NMVSADCost[1])
	rd.InterModeCost = fs.RD.InterModeCost
	rd.NMVJointCost = fs.RD.NMVJointCost
	rd.RDDiv = fs.RD.RDDiv
	rd.SwitchableInterpCosts = fs.RD.SwitchableInterpCosts
	rd.VBPThresholdSAD = fs.RD.VBPThresholdSAD
	rd.VBPThresholdMinMax = fs.RD.VBPThresholdMinMax

	rd.Segments[SegmentBase] = segmentRDParameters(fs, SegmentBase)
	rd.Segments[SegmentBoosted] = gpucore.SegmentRDParameters{}
	if fs.segmented() {
		rd.Segments[SegmentBoosted] = segmentRDParameters(fs, SegmentBoosted)
	}
}
