// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package mesearch

import "github.com/gogpu/egpu/gpucore"

// neighbours are the eight compass offsets checked at every search step.
var neighbours = [8][2]int{
	{-1, -1}, {-1, 0}, {-1, 1},
	{0, -1}, {0, 1},
	{1, -1}, {1, 0}, {1, 1},
}

// ZeroMVRD returns the rate and distortion of coding blk with a zero vector.
func ZeroMVRD(src, ref *gpucore.Plane, blk Block, c Costs) (rate int32, dist uint32) {
	_, sse := PredictionSSE(src, ref, blk, gpucore.MV{})
	return c.RD.InterModeCost[0], sse
}

// FullPixelSearch runs a shrinking-step search of ±searchRange pixels around
// the full-pixel position of pred. Candidates are ranked by SAD plus the
// rate of their difference to pred.
func FullPixelSearch(src, ref *gpucore.Plane, blk Block, pred gpucore.MV, searchRange int, c Costs) gpucore.MV {
	predRow, predCol := pred.FullPel()
	cost := func(row, col int) uint32 {
		mv := gpucore.MV{Row: int16(row * 8), Col: int16(col * 8)}
		return SAD(src, ref, blk, mv) + c.sadCost(row-predRow, col-predCol)
	}

	lo, hi := -maxFullPel, maxFullPel
	bestRow := min(max(predRow, lo), hi)
	bestCol := min(max(predCol, lo), hi)
	best := cost(bestRow, bestCol)

	for step := max(searchRange/2, 1); ; step /= 2 {
		centreRow, centreCol := bestRow, bestCol
		for _, n := range neighbours {
			row, col := centreRow+n[0]*step, centreCol+n[1]*step
			if row < predRow-searchRange || row > predRow+searchRange ||
				col < predCol-searchRange || col > predCol+searchRange ||
				row < lo || row > hi || col < lo || col > hi {
				continue
			}
			if v := cost(row, col); v < best {
				best, bestRow, bestCol = v, row, col
			}
		}
		if step == 1 {
			break
		}
	}
	return gpucore.MV{Row: int16(bestRow * 8), Col: int16(bestCol * 8)}
}

// SubpelRefine checks the eight neighbours of best at step (1/8 pel units)
// and returns the cheapest. Candidates are ranked by SAD plus the
// fractional rate of their difference to pred.
func SubpelRefine(src, ref *gpucore.Plane, blk Block, best, pred gpucore.MV, step int, c Costs) gpucore.MV {
	cost := func(mv gpucore.MV) int64 {
		r := int64(c.mvRate(int(mv.Row)-int(pred.Row), int(mv.Col)-int(pred.Col))) * int64(c.Seg.SADPerBit)
		return int64(SAD(src, ref, blk, mv)) + (r+1<<(probCostShift-1))>>probCostShift
	}

	bestCost := cost(best)
	centre := best
	for _, n := range neighbours {
		row := int(centre.Row) + n[0]*step
		col := int(centre.Col) + n[1]*step
		if row < -gpucore.MVMax || row > gpucore.MVMax || col < -gpucore.MVMax || col > gpucore.MVMax {
			continue
		}
		mv := gpucore.MV{Row: int16(row), Col: int16(col)}
		if v := cost(mv); v < bestCost {
			best, bestCost = mv, v
		}
	}
	return best
}

// NewMVRD returns the rate of coding mv as NEWMV against pred. A fractional
// vector also pays for the interpolation filter.
func NewMVRD(mv, pred gpucore.MV, c Costs) int32 {
	rate := c.RD.InterModeCost[1] + c.mvRate(int(mv.Row)-int(pred.Row), int(mv.Col)-int(pred.Col))
	if mv.Row&7 != 0 || mv.Col&7 != 0 {
		rate += c.RD.SwitchableInterpCosts[0]
	}
	return rate
}

// MotionSearch runs the whole kernel chain for one device block and returns
// its output record.
func MotionSearch(src, ref *gpucore.Plane, blk Block, in gpucore.InputRecord, searchRange int, rd *gpucore.RDParameters) gpucore.OutputRecord {
	c := NewCosts(rd, in.SegID)

	var out gpucore.OutputRecord
	out.ZeroRate, out.ZeroDist = ZeroMVRD(src, ref, blk, c)

	mv := FullPixelSearch(src, ref, blk, in.PredMV, searchRange, c)
	mv = SubpelRefine(src, ref, blk, mv, in.PredMV, 4, c)
	mv = SubpelRefine(src, ref, blk, mv, in.PredMV, 2, c)
	out.MV = mv

	out.Sum, out.SSE = PredictionSSE(src, ref, blk, mv)
	out.NewRate = NewMVRD(mv, in.PredMV, c)
	out.NewDist = out.SSE
	out.NewMVBest = c.RDCost(out.NewRate, out.NewDist) < c.RDCost(out.ZeroRate, out.ZeroDist)
	return out
}
