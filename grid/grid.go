// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package grid maps a frame's block grid onto device buffers.
//
// A frame is addressed in grid units ("mi"), each covering 8x8 pixels.
// Grid units group into superblocks, and the device computes blocks of
// one of the sizes in [GPUBlockSize]. All device buffers are laid out at
// the granularity of the smallest device block size, so a single affine
// map ([Grid.BufferIndex]) locates every cell's record.
//
// The package also owns the subframe scheduler: the frame's superblock
// rows are split into [NumSubFrames] contiguous bands which are the unit
// of overlap between device execution and CPU consumption.
package grid

// MiSizeLog2 is log2 of the grid unit size in pixels.
const MiSizeLog2 = 3

// DefaultSBLog2 is log2 of the superblock size in grid units (64x64 pixels).
const DefaultSBLog2 = 3

// Grid describes the block grid of one frame. It is recomputed whenever
// the frame size changes.
type Grid struct {
	// MiRows and MiCols are the frame dimensions in grid units.
	MiRows, MiCols int

	// SBLog2 is log2 of the superblock size in grid units.
	// Zero selects DefaultSBLog2.
	SBLog2 int
}

// New returns the grid for a frame of the given pixel dimensions.
func New(width, height int) Grid {
	return Grid{
		MiRows: (height + (1 << MiSizeLog2) - 1) >> MiSizeLog2,
		MiCols: (width + (1 << MiSizeLog2) - 1) >> MiSizeLog2,
	}
}

// SBSizeLog2 returns log2 of the superblock size in grid units.
func (g Grid) SBSizeLog2() int {
	if g.SBLog2 <= 0 {
		return DefaultSBLog2
	}
	return g.SBLog2
}

// SBSize returns the superblock size in grid units.
func (g Grid) SBSize() int { return 1 << g.SBSizeLog2() }

// SBRows returns the number of superblock rows, counting a partial row.
func (g Grid) SBRows() int { return (g.MiRows + g.SBSize() - 1) >> g.SBSizeLog2() }

// SBCols returns the number of superblock columns, counting a partial column.
func (g Grid) SBCols() int { return (g.MiCols + g.SBSize() - 1) >> g.SBSizeLog2() }

// AlignedMiRows returns MiRows rounded down to whole superblocks. Rows below
// it are not covered by device preprocessing.
func (g Grid) AlignedMiRows() int { return (g.MiRows >> g.SBSizeLog2()) << g.SBSizeLog2() }

// AlignedMiCols returns MiCols rounded down to whole superblocks.
func (g Grid) AlignedMiCols() int { return (g.MiCols >> g.SBSizeLog2()) << g.SBSizeLog2() }

// Empty reports whether the grid has no cells.
func (g Grid) Empty() bool { return g.MiRows <= 0 || g.MiCols <= 0 }

// blockShift is log2 of the smallest device block width in grid units.
func (g Grid) blockShift() int {
	return ActualBlockSize(0).MiWidthLog2()
}

// CellSize returns the width of one device cell in grid units.
func (g Grid) CellSize() int { return 1 << g.blockShift() }

// BlocksPerSB returns the number of device cells along one superblock edge.
func (g Grid) BlocksPerSB() int {
	d := g.SBSizeLog2() - g.blockShift()
	if d < 0 {
		return 1
	}
	return 1 << d
}

// BlocksPerRow returns the number of device cells in one buffer row.
func (g Grid) BlocksPerRow() int { return g.SBCols() * g.BlocksPerSB() }

// BlocksPerCol returns the number of device cell rows in a buffer.
func (g Grid) BlocksPerCol() int { return g.SBRows() * g.BlocksPerSB() }

// BufferLen returns the number of device cells in a frame-sized buffer.
func (g Grid) BufferLen() int { return g.BlocksPerRow() * g.BlocksPerCol() }

// BufferIndex returns the device buffer index of the cell holding grid
// unit (miRow, miCol). Coordinates must lie inside the superblock-aligned
// extent of the grid; the caller checks bounds.
func (g Grid) BufferIndex(miRow, miCol int) int {
	shift := g.blockShift()
	return (miRow>>shift)*g.BlocksPerRow() + (miCol >> shift)
}

// SBIndex returns the raster index of the superblock containing (miRow, miCol).
func (g Grid) SBIndex(miRow, miCol int) int {
	l := g.SBSizeLog2()
	return (miRow>>l)*g.SBCols() + (miCol >> l)
}

// ProMECols returns the number of superblocks per row in the
// pre-motion-estimation output, which only covers whole superblocks.
func (g Grid) ProMECols() int { return g.MiCols >> g.SBSizeLog2() }

// ProMELen returns the number of records in a pre-motion-estimation buffer.
func (g Grid) ProMELen() int { return g.ProMECols() * g.SBRows() }

// ProMEOffset returns the pre-motion-estimation record offset of the
// superblock row holding miRow.
func (g Grid) ProMEOffset(miRow int) int {
	return g.ProMECols() * (miRow >> g.SBSizeLog2())
}

// TileColBounds returns the grid-unit column range [start, end) of tile
// column col when the frame is split into 1<<log2TileCols tile columns.
func (g Grid) TileColBounds(log2TileCols, col int) (start, end int) {
	return g.tileOffset(col, log2TileCols), g.tileOffset(col+1, log2TileCols)
}

func (g Grid) tileOffset(idx, log2 int) int {
	off := ((idx * g.SBCols()) >> log2) << g.SBSizeLog2()
	return min(off, g.MiCols)
}

// BufferSlot returns the ping-pong slot used by frame number frame.
func BufferSlot(frame uint64) int { return int(frame % 2) }
