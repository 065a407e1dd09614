// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package mesearch

import "github.com/gogpu/egpu/gpucore"

// Block is a square block of the source frame at pixel (X, Y).
type Block struct {
	X, Y, Size int
}

// predAt returns the bilinear prediction of source pixel (x, y) displaced by
// mv (1/8 pel) in ref.
func predAt(ref *gpucore.Plane, x, y int, mv gpucore.MV) int32 {
	px := x*8 + int(mv.Col)
	py := y*8 + int(mv.Row)
	ix, fx := px>>3, int32(px&7)
	iy, fy := py>>3, int32(py&7)
	if fx == 0 && fy == 0 {
		return ref.At(ix, iy)
	}
	a := ref.At(ix, iy)
	b := ref.At(ix+1, iy)
	c := ref.At(ix, iy+1)
	d := ref.At(ix+1, iy+1)
	v := a*(8-fx)*(8-fy) + b*fx*(8-fy) + c*(8-fx)*fy + d*fx*fy
	return (v + 32) >> 6
}

// SAD returns the sum of absolute differences between blk and its
// prediction at mv.
func SAD(src, ref *gpucore.Plane, blk Block, mv gpucore.MV) uint32 {
	var sad uint32
	for y := blk.Y; y < blk.Y+blk.Size; y++ {
		for x := blk.X; x < blk.X+blk.Size; x++ {
			d := src.At(x, y) - predAt(ref, x, y, mv)
			if d < 0 {
				d = -d
			}
			sad += uint32(d)
		}
	}
	return sad
}

// PredictionSSE returns the signed sum and the sum of squares of the
// residual of blk predicted at mv.
func PredictionSSE(src, ref *gpucore.Plane, blk Block, mv gpucore.MV) (sum int32, sse uint32) {
	for y := blk.Y; y < blk.Y+blk.Size; y++ {
		for x := blk.X; x < blk.X+blk.Size; x++ {
			d := src.At(x, y) - predAt(ref, x, y, mv)
			sum += d
			sse += uint32(d * d)
		}
	}
	return sum, sse
}
