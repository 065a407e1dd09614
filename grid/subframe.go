// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package grid

import "fmt"

// NumSubFrames is the number of row bands a frame is split into. It bounds
// the number of completion signals per pipeline stage and frame.
const NumSubFrames = 4

// Subframe is a half-open range of grid rows [MiRowStart, MiRowEnd).
type Subframe struct {
	MiRowStart int
	MiRowEnd   int
}

// Rows returns the number of grid rows in the subframe.
func (s Subframe) Rows() int { return s.MiRowEnd - s.MiRowStart }

// Empty reports whether the subframe covers no rows. Small frames with
// fewer superblock rows than subframes produce empty bands.
func (s Subframe) Empty() bool { return s.MiRowEnd <= s.MiRowStart }

// Contains reports whether miRow falls inside the subframe.
func (s Subframe) Contains(miRow int) bool {
	return miRow >= s.MiRowStart && miRow < s.MiRowEnd
}

func (s Subframe) String() string {
	return fmt.Sprintf("[%d,%d)", s.MiRowStart, s.MiRowEnd)
}

// subframeOffset returns the first grid row of subframe idx. Offsets land
// on superblock rows; the last one is clamped to MiRows.
func (g Grid) subframeOffset(idx int) int {
	off := ((idx * g.SBRows()) / NumSubFrames) << g.SBSizeLog2()
	return min(off, g.MiRows)
}

// Subframe returns the bounds of subframe idx.
func (g Grid) Subframe(idx int) Subframe {
	return Subframe{
		MiRowStart: g.subframeOffset(idx),
		MiRowEnd:   g.subframeOffset(idx + 1),
	}
}

// Subframes returns the bounds of all subframes in index order.
func (g Grid) Subframes() []Subframe {
	out := make([]Subframe, NumSubFrames)
	for i := range out {
		out[i] = g.Subframe(i)
	}
	return out
}

// SubframeOfRow returns the index of the subframe containing miRow.
// A row outside the frame is an invariant violation and panics.
func (g Grid) SubframeOfRow(miRow int) int {
	if miRow >= 0 {
		for idx := 0; idx < NumSubFrames; idx++ {
			if miRow < g.subframeOffset(idx+1) {
				return idx
			}
		}
	}
	panic(fmt.Sprintf("grid: row %d is outside every subframe (mi_rows=%d)", miRow, g.MiRows))
}
