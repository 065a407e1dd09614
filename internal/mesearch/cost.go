// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package mesearch holds the reference motion-estimation kernels run by the
// CPU backend. They follow the WGSL kernels of the wgpu backend step for
// step: projection match, partition choice, zero-MV RD, full-pixel search,
// half- and quarter-pel refinement, prediction SSE and new-MV RD.
package mesearch

import (
	"fmt"

	"github.com/gogpu/egpu/gpucore"
)

// probCostShift is the fixed-point shift of rate costs.
const probCostShift = 9

// maxFullPel bounds full-pixel vector components.
const maxFullPel = gpucore.MVMax >> 3

// Costs bundles the parameter block with the segment a block belongs to.
type Costs struct {
	RD  *gpucore.RDParameters
	Seg *gpucore.SegmentRDParameters
}

// NewCosts returns the costs of segment seg. The parameter block carries
// gpucore.MaxSegments segments; a larger id is an invariant violation and
// panics.
func NewCosts(rd *gpucore.RDParameters, seg uint8) Costs {
	if int(seg) >= gpucore.MaxSegments {
		panic(fmt.Sprintf("mesearch: segment id %d exceeds %d segments", seg, gpucore.MaxSegments))
	}
	return Costs{RD: rd, Seg: &rd.Segments[seg]}
}

func clampComp(v int) int { return min(max(v, -gpucore.MVMax), gpucore.MVMax) }

// mvRate returns the joint and component rate of diff.
func (c Costs) mvRate(dRow, dCol int) int32 {
	dRow, dCol = clampComp(dRow), clampComp(dCol)
	joint := gpucore.MV{Row: int16(dRow), Col: int16(dCol)}.Joint()
	return c.RD.NMVJointCost[joint] +
		c.RD.NMVSADCost[0][dRow+gpucore.MVMax] +
		c.RD.NMVSADCost[1][dCol+gpucore.MVMax]
}

// sadCost weighs the rate of diff (in full pixels) by the segment's SAD per bit.
func (c Costs) sadCost(dRow, dCol int) uint32 {
	r := int64(c.mvRate(dRow, dCol)) * int64(c.Seg.SADPerBit)
	return uint32((r + 1<<(probCostShift-1)) >> probCostShift)
}

// RDCost combines rate and distortion the way the encoder's RD loop does.
func (c Costs) RDCost(rate int32, dist uint32) int64 {
	r := (int64(rate)*int64(c.Seg.RDMult) + 1<<(probCostShift-1)) >> probCostShift
	return r + int64(dist)<<uint(c.RD.RDDiv)
}
