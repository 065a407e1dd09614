// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package mesearch

import (
	"math/bits"

	"github.com/gogpu/egpu/gpucore"
	"github.com/gogpu/egpu/grid"
)

// colProjection returns the mean of each of w columns of the h rows below
// (x, y).
func colProjection(p *gpucore.Plane, x, y, w, h int) []int32 {
	out := make([]int32, w)
	shift := bits.Len(uint(h)) - 1
	for i := range w {
		var s int32
		for r := range h {
			s += p.At(x+i, y+r)
		}
		out[i] = s >> shift
	}
	return out
}

// rowProjection returns the mean of each of h rows of the w columns right of
// (x, y).
func rowProjection(p *gpucore.Plane, x, y, w, h int) []int32 {
	out := make([]int32, h)
	shift := bits.Len(uint(w)) - 1
	for r := range h {
		var s int32
		for i := range w {
			s += p.At(x+i, y+r)
		}
		out[r] = s >> shift
	}
	return out
}

// vectorMatch returns the offset in [-rng, rng] that best aligns src with
// the reference projection, which covers rng extra entries on each side.
// Ties keep the offset closest to zero.
func vectorMatch(ref, src []int32, rng int) int {
	best, bestSAD := 0, int64(-1)
	for _, off := range matchOrder(rng) {
		var sad int64
		for i, v := range src {
			d := int64(ref[off+rng+i] - v)
			if d < 0 {
				d = -d
			}
			sad += d
		}
		if bestSAD < 0 || sad < bestSAD {
			best, bestSAD = off, sad
		}
	}
	return best
}

// matchOrder lists offsets by growing magnitude: 0, -1, 1, -2, 2, ...
func matchOrder(rng int) []int {
	out := make([]int, 0, 2*rng+1)
	out = append(out, 0)
	for d := 1; d <= rng; d++ {
		out = append(out, -d, d)
	}
	return out
}

// ProjectionMV estimates the motion of the superblock at (x, y) by matching
// its row and column projections against the reference, searching ±rng
// pixels. The result is in 1/8 pel.
func ProjectionMV(src, ref *gpucore.Plane, x, y, size, rng int) gpucore.MV {
	refCols := colProjection(ref, x-rng, y, size+2*rng, size)
	srcCols := colProjection(src, x, y, size, size)
	refRows := rowProjection(ref, x, y-rng, size, size+2*rng)
	srcRows := rowProjection(src, x, y, size, size)

	col := vectorMatch(refCols, srcCols, rng)
	row := vectorMatch(refRows, srcRows, rng)
	return gpucore.MV{Row: int16(row * 8), Col: int16(col * 8)}
}

// blockVariance returns the variance of the residual of the size×size block
// at (x, y) predicted at mv, computed over 8×8 averages and scaled by 256.
func blockVariance(src, ref *gpucore.Plane, x, y, size int, mv gpucore.MV) uint32 {
	n := size / 8
	var sum, sse int64
	for by := range n {
		for bx := range n {
			blk := Block{X: x + bx*8, Y: y + by*8, Size: 8}
			s, _ := PredictionSSE(src, ref, blk, mv)
			avg := int64(s) >> 6
			sum += avg
			sse += avg * avg
		}
	}
	log2 := uint(bits.Len(uint(n*n)) - 1)
	v := (256 * (sse - (sum*sum)>>log2)) >> log2
	return uint32(max(v, 0))
}

// ChoosePartition runs the pre-motion-estimation of one superblock: it
// projects a motion vector and splits the superblock into 32×32 blocks
// unless its residual is flat enough for a single 64×64 block.
func ChoosePartition(src, ref *gpucore.Plane, x, y, size, rng int, c Costs) gpucore.ProMEOutput {
	mv := ProjectionMV(src, ref, x, y, size, rng)
	out := gpucore.ProMEOutput{PredMV: mv, Partition: grid.Block32x32}
	if size < grid.Block64x64.Width() {
		out.Partition = grid.BlockSize(0)
		for bs := range grid.BlockSizes {
			if bs.Width() == size && bs.Height() == size {
				out.Partition = bs
			}
		}
		return out
	}

	if int64(SAD(src, ref, Block{X: x, Y: y, Size: size}, mv)) < c.RD.VBPThresholdSAD {
		out.Partition = grid.Block64x64
		return out
	}
	out.Variance = blockVariance(src, ref, x, y, size, mv)
	if int64(out.Variance) < c.Seg.VBPThresholds[2] {
		out.Partition = grid.Block64x64
	}
	return out
}
