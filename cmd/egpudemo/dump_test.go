package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/deepteams/webp"

	"github.com/gogpu/egpu/gpucore"
	"github.com/gogpu/egpu/grid"
)

func TestMvChannel(t *testing.T) {
	tests := []struct {
		v    int16
		want uint8
	}{
		{0, 128}, {8, 136}, {-8, 120}, {200, 255}, {-200, 0},
	}
	for _, tt := range tests {
		if got := mvChannel(tt.v); got != tt.want {
			t.Errorf("mvChannel(%d) = %d, want %d", tt.v, got, tt.want)
		}
	}
}

func TestMotionImage(t *testing.T) {
	g := grid.New(72, 40)
	me := make([]gpucore.OutputRecord, g.BufferLen())
	me[1] = gpucore.OutputRecord{MV: gpucore.MV{Row: -8, Col: 16}, NewMVBest: true}

	img := motionImage(g, 72, 40, me)
	if b := img.Bounds(); b.Dx() != 72 || b.Dy() != 40 {
		t.Fatalf("bounds = %v", b)
	}
	if c := img.NRGBAAt(40, 10); c.R != 144 || c.G != 120 || c.B != 0xff {
		t.Errorf("cell 1 colour = %+v", c)
	}
	if c := img.NRGBAAt(5, 5); c.R != 128 || c.G != 128 || c.B != 0 {
		t.Errorf("still cell colour = %+v", c)
	}
}

func TestDumpMotionRoundTrip(t *testing.T) {
	g := grid.New(64, 64)
	me := make([]gpucore.OutputRecord, g.BufferLen())
	me[0].MV = gpucore.MV{Row: 4, Col: -4}
	dir := t.TempDir()
	if err := dumpMotion(dir, 3, motionImage(g, 64, 64, me)); err != nil {
		t.Fatalf("dumpMotion: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "motion0003.webp"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	cfg, err := webp.DecodeConfig(f)
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if cfg.Width != 64 || cfg.Height != 64 {
		t.Errorf("decoded size %dx%d, want 64x64", cfg.Width, cfg.Height)
	}
}
