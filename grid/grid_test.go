// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package grid

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

var testGrids = []struct {
	name string
	g    Grid
}{
	{"128x128", New(128, 128)},
	{"176x144", New(176, 144)},
	{"352x288", New(352, 288)},
	{"1280x720", New(1280, 720)},
	{"1920x1080", New(1920, 1080)},
	{"8x8", New(8, 8)},
	{"72x200", New(72, 200)},
	{"128x128/sb32", Grid{MiRows: 16, MiCols: 16, SBLog2: 2}},
}

func TestNew(t *testing.T) {
	g := New(1920, 1080)
	if g.MiRows != 135 || g.MiCols != 240 {
		t.Errorf("New(1920,1080) = %dx%d mi, want 135x240", g.MiRows, g.MiCols)
	}
	if g.SBRows() != 17 || g.SBCols() != 30 {
		t.Errorf("sb grid = %dx%d, want 17x30", g.SBRows(), g.SBCols())
	}
	if g.AlignedMiRows() != 128 || g.AlignedMiCols() != 240 {
		t.Errorf("aligned = %dx%d, want 128x240", g.AlignedMiRows(), g.AlignedMiCols())
	}
}

func TestBlockSizeLookup(t *testing.T) {
	for b := BlockSize(0); b < BlockSizes; b++ {
		gb := GPUBlockSizeOf(b)
		switch b {
		case Block32x32:
			if gb != GPUBlock32x32 {
				t.Errorf("GPUBlockSizeOf(%v) = %v", b, gb)
			}
		case Block64x64:
			if gb != GPUBlock64x64 {
				t.Errorf("GPUBlockSizeOf(%v) = %v", b, gb)
			}
		default:
			if gb != GPUBlockInvalid {
				t.Errorf("GPUBlockSizeOf(%v) = %v, want invalid", b, gb)
			}
		}
		if gb.Valid() && ActualBlockSize(gb) != b {
			t.Errorf("ActualBlockSize(GPUBlockSizeOf(%v)) = %v", b, ActualBlockSize(gb))
		}
	}
}

func TestActualBlockSizeAscending(t *testing.T) {
	prev := 0
	for gb := GPUBlockSize(0); gb < GPUBlockSizes; gb++ {
		b := ActualBlockSize(gb)
		area := b.Width() * b.Height()
		if area <= prev {
			t.Errorf("ActualBlockSize(%d) area %d not above %d", gb, area, prev)
		}
		prev = area
	}
}

func TestActualBlockSizeInvalidPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for GPUBlockInvalid")
		}
	}()
	_ = ActualBlockSize(GPUBlockInvalid)
}

func TestBufferIndexDeviceBlocks(t *testing.T) {
	for _, tt := range testGrids {
		t.Run(tt.name, func(t *testing.T) {
			g := tt.g
			cell := g.CellSize()
			owner := make(map[int][2]int)
			for r := 0; r < g.SBRows()*g.SBSize(); r++ {
				for c := 0; c < g.SBCols()*g.SBSize(); c++ {
					idx := g.BufferIndex(r, c)
					if idx < 0 || idx >= g.BufferLen() {
						t.Fatalf("BufferIndex(%d,%d) = %d out of [0,%d)", r, c, idx, g.BufferLen())
					}
					blk := [2]int{r / cell, c / cell}
					if prev, ok := owner[idx]; ok && prev != blk {
						t.Fatalf("index %d shared by blocks %v and %v", idx, prev, blk)
					}
					owner[idx] = blk
				}
			}
			if len(owner) != g.BufferLen() {
				t.Errorf("%d distinct indices, want %d", len(owner), g.BufferLen())
			}
		})
	}
}

func TestSubframeCoverage(t *testing.T) {
	for _, tt := range testGrids {
		t.Run(tt.name, func(t *testing.T) {
			g := tt.g
			sfs := g.Subframes()
			if sfs[0].MiRowStart != 0 {
				t.Errorf("subframe 0 starts at %d", sfs[0].MiRowStart)
			}
			if last := sfs[NumSubFrames-1]; last.MiRowEnd != g.MiRows {
				t.Errorf("last subframe ends at %d, want %d", last.MiRowEnd, g.MiRows)
			}
			for i, sf := range sfs {
				if sf.MiRowEnd < sf.MiRowStart {
					t.Errorf("subframe %d decreasing: %v", i, sf)
				}
				if i > 0 && sf.MiRowStart != sfs[i-1].MiRowEnd {
					t.Errorf("gap or overlap between %v and %v", sfs[i-1], sf)
				}
				if sf.MiRowStart != g.MiRows && sf.MiRowStart%g.SBSize() != 0 {
					t.Errorf("subframe %d start %d not on a superblock row", i, sf.MiRowStart)
				}
			}
			for r := 0; r < g.MiRows; r++ {
				sf := g.Subframe(g.SubframeOfRow(r))
				if !sf.Contains(r) {
					t.Errorf("row %d mapped to %v", r, sf)
				}
			}
		})
	}
}

func TestSubframeScenario(t *testing.T) {
	g := Grid{MiRows: 16, MiCols: 16, SBLog2: 2}
	want := []Subframe{{0, 4}, {4, 8}, {8, 12}, {12, 16}}
	if diff := cmp.Diff(want, g.Subframes()); diff != "" {
		t.Errorf("Subframes() mismatch (-want +got):\n%s", diff)
	}
	for _, tc := range []struct{ row, idx int }{{0, 0}, {5, 1}, {15, 3}} {
		if got := g.SubframeOfRow(tc.row); got != tc.idx {
			t.Errorf("SubframeOfRow(%d) = %d, want %d", tc.row, got, tc.idx)
		}
	}
}

func TestSubframeOfRowPanics(t *testing.T) {
	g := New(128, 128)
	for _, row := range []int{-1, g.MiRows, g.MiRows + 8} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("SubframeOfRow(%d) did not panic", row)
				}
			}()
			g.SubframeOfRow(row)
		}()
	}
}

func TestBufferSlot(t *testing.T) {
	for f := uint64(0); f < 10; f++ {
		if got := BufferSlot(f); got != int(f%2) {
			t.Errorf("BufferSlot(%d) = %d", f, got)
		}
	}
}

func TestTileColBounds(t *testing.T) {
	g := New(1920, 1080)
	end := 0
	for col := 0; col < 4; col++ {
		s, e := g.TileColBounds(2, col)
		if s != end {
			t.Errorf("tile %d starts at %d, want %d", col, s, end)
		}
		if s%g.SBSize() != 0 {
			t.Errorf("tile %d start %d not superblock aligned", col, s)
		}
		end = e
	}
	if end != g.MiCols {
		t.Errorf("last tile ends at %d, want %d", end, g.MiCols)
	}
}

func TestProMEOffset(t *testing.T) {
	g := New(1280, 720)
	if got, want := g.ProMEOffset(16), 2*g.ProMECols(); got != want {
		t.Errorf("ProMEOffset(16) = %d, want %d", got, want)
	}
	if g.ProMELen() < g.ProMEOffset(g.MiRows-1) {
		t.Errorf("ProMELen %d too small", g.ProMELen())
	}
}
