// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucore

import (
	"fmt"

	"github.com/gogpu/egpu/grid"
)

// MV is a motion vector in 1/8-pel units.
type MV struct {
	Row, Col int16
}

// FullPel returns the vector rounded toward negative infinity to whole pixels.
func (m MV) FullPel() (row, col int) { return int(m.Row) >> 3, int(m.Col) >> 3 }

// IsZero reports whether the vector is zero.
func (m MV) IsZero() bool { return m.Row == 0 && m.Col == 0 }

func (m MV) String() string { return fmt.Sprintf("(%d,%d)", m.Row, m.Col) }

// Motion vector range. Cost tables hold MVVals entries centred on MVMax.
const (
	MVInUseBits = 14
	MVMax       = (1 << MVInUseBits) - 1
	MVVals      = 2*MVMax + 1
)

// MV joint classes, indexing the joint cost table.
const (
	MVJointZero   = iota // row and col zero
	MVJointHNZVZ         // col nonzero, row zero
	MVJointHZVNZ         // row nonzero, col zero
	MVJointHNZVNZ        // both nonzero
	MVJoints
)

// Joint returns the joint class of m.
func (m MV) Joint() int {
	switch {
	case m.Row == 0 && m.Col == 0:
		return MVJointZero
	case m.Row == 0:
		return MVJointHNZVZ
	case m.Col == 0:
		return MVJointHZVNZ
	default:
		return MVJointHNZVNZ
	}
}

// SwitchableFilters is the number of switchable interpolation filters.
const SwitchableFilters = 3

// MaxSegments is the number of segments the device supports.
const MaxSegments = 2

// InputRecord is written by the CPU (or a prologue kernel) for every device
// cell before dispatch and is read-only for the device.
type InputRecord struct {
	// DoCompute is the device block size covering the cell, or
	// grid.GPUBlockInvalid when the CPU computes it.
	DoCompute grid.GPUBlockSize

	// PredMV seeds the motion search.
	PredMV MV

	// SegID is the adaptive-quantization segment, 0 or 1.
	SegID uint8
}

// OutputRecord is the motion-estimation result for a device block. It is
// written at the cell holding the block's top-left corner.
type OutputRecord struct {
	MV        MV
	Sum       int32
	SSE       uint32
	ZeroRate  int32
	ZeroDist  uint32
	NewRate   int32
	NewDist   uint32
	NewMVBest bool
}

// ProMEOutput is the pre-motion-estimation result for one superblock: a
// projected motion vector and a coarse partition choice.
type ProMEOutput struct {
	PredMV    MV
	Partition grid.BlockSize
	Variance  uint32
}

// SegmentRDParameters holds the quantizer-derived constants of one segment.
type SegmentRDParameters struct {
	RDMult    int32
	DCDequant int32
	ACDequant int32
	SADPerBit int32

	// VBPThresholds are the variance partition thresholds in device order:
	// 16x16, 32x32, 64x64.
	VBPThresholds [3]int64
}

// RDParameters is the per-frame rate-distortion parameter block. It is
// immutable once the prologue has been dispatched.
type RDParameters struct {
	// NMVSADCost are the row and column SAD cost tables, index v+MVMax.
	NMVSADCost [2][MVVals]int32

	// InterModeCost holds the ZEROMV and NEWMV mode costs.
	InterModeCost [2]int32

	NMVJointCost          [MVJoints]int32
	RDDiv                 int32
	SwitchableInterpCosts [SwitchableFilters]int32
	VBPThresholdSAD       int64
	VBPThresholdMinMax    int64

	Segments [MaxSegments]SegmentRDParameters
}

// Stage selects which completion signal of a subframe SyncRead waits on.
type Stage int

const (
	// StageProME signals that pre-motion-estimation (partition) output of
	// a subframe is ready.
	StageProME Stage = iota

	// StageME signals that motion-estimation output of a subframe is ready.
	StageME

	// StageCount is the number of stages.
	StageCount
)

func (s Stage) String() string {
	switch s {
	case StageProME:
		return "pro_me"
	case StageME:
		return "me"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Plane is an 8-bit luma plane.
type Plane struct {
	Pix           []uint8
	Stride        int
	Width, Height int
}

// At returns the pixel at (x, y) with coordinates clamped to the plane,
// extending the border the way reference frames are padded.
func (p *Plane) At(x, y int) int32 {
	x = min(max(x, 0), p.Width-1)
	y = min(max(y, 0), p.Height-1)
	return int32(p.Pix[y*p.Stride+x])
}

// FrameContext carries what a prologue dispatch needs besides the input and
// parameter buffers.
type FrameContext struct {
	Grid        grid.Grid
	FrameNumber uint64

	// Source is the frame being encoded, Reference the last reconstructed
	// frame it is predicted from.
	Source    *Plane
	Reference *Plane

	// SearchRange bounds the full-pixel search in pixels.
	SearchRange int
}

// Slot returns the ping-pong slot of the frame.
func (f *FrameContext) Slot() int { return grid.BufferSlot(f.FrameNumber) }
