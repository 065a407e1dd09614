package main

import (
	"github.com/octu0/wht"

	"github.com/gogpu/egpu/gpucore"
)

// satd8 returns the sum of absolute Hadamard-transformed differences of
// the 8x8 block at (x, y) in src and (x+dx, y+dy) in ref. Reference
// samples outside the plane repeat the edge.
func satd8(src, ref *gpucore.Plane, x, y, dx, dy int) int64 {
	var rows [8][8]int32
	for r := range 8 {
		var d [8]int32
		for c := range 8 {
			d[c] = src.At(x+c, y+r) - ref.At(x+c+dx, y+r+dy)
		}
		rows[r] = wht.Transform8(d)
	}

	var sum int64
	for c := range 8 {
		var col [8]int32
		for r := range 8 {
			col[r] = rows[r][c]
		}
		for _, v := range wht.Transform8(col) {
			sum += int64(max(v, -v))
		}
	}
	return sum
}

// cellSATD sums satd8 over the 8x8 blocks of a size x size cell at (x, y)
// that lie inside src, using the full-pixel part of mv.
func cellSATD(src, ref *gpucore.Plane, x, y, size int, mv gpucore.MV) int64 {
	dy, dx := mv.FullPel()
	var sum int64
	for by := y; by+8 <= min(y+size, src.Height); by += 8 {
		for bx := x; bx+8 <= min(x+size, src.Width); bx += 8 {
			sum += satd8(src, ref, bx, by, dx, dy)
		}
	}
	return sum
}
