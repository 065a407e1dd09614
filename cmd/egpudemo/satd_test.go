package main

import (
	"testing"

	"github.com/gogpu/egpu/gpucore"
)

func flatPlane(w, h int, v uint8) *gpucore.Plane {
	p := &gpucore.Plane{Pix: make([]uint8, w*h), Stride: w, Width: w, Height: h}
	for i := range p.Pix {
		p.Pix[i] = v
	}
	return p
}

func TestSATD8(t *testing.T) {
	a := flatPlane(16, 16, 100)
	if got := satd8(a, a, 0, 0, 0, 0); got != 0 {
		t.Errorf("identical blocks: satd = %d, want 0", got)
	}

	// A constant difference lands entirely in the DC coefficient.
	b := flatPlane(16, 16, 98)
	if got, want := satd8(a, b, 0, 0, 0, 0), int64(2*64); got != want {
		t.Errorf("constant difference: satd = %d, want %d", got, want)
	}
}

func TestCellSATDFollowsMotion(t *testing.T) {
	const w, h = 64, 64
	ref := flatPlane(w, h, 0)
	src := flatPlane(w, h, 0)
	for y := range h {
		for x := range w {
			ref.Pix[y*w+x] = uint8(x*7 + y*3)
			src.Pix[y*w+x] = ref.Pix[y*w+min(x+2, w-1)]
		}
	}

	still := cellSATD(src, ref, 16, 16, 32, gpucore.MV{})
	moved := cellSATD(src, ref, 16, 16, 32, gpucore.MV{Col: 2 * 8})
	if moved != 0 {
		t.Errorf("satd at the true motion = %d, want 0", moved)
	}
	if still == 0 {
		t.Error("satd at zero motion should be non-zero")
	}
}

func TestCellSATDClipsToPlane(t *testing.T) {
	src := flatPlane(20, 12, 10)
	ref := flatPlane(20, 12, 9)
	// Only the 8x8 blocks at (0,0) and (8,0) fit inside a 20x12 plane.
	if got, want := cellSATD(src, ref, 0, 0, 32, gpucore.MV{}), int64(2*2*64); got != want {
		t.Errorf("satd = %d, want %d", got, want)
	}
}
