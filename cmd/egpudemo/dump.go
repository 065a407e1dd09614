package main

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/deepteams/webp"

	"github.com/gogpu/egpu/gpucore"
	"github.com/gogpu/egpu/grid"
)

// motionImage paints one w x h image of the motion field: red and green
// carry the column and row of each cell's vector around mid-grey, blue
// marks cells where the new vector won.
func motionImage(g grid.Grid, w, h int, me []gpucore.OutputRecord) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	perRow := g.BlocksPerRow()
	cell := g.CellSize() * 8
	for i, rec := range me {
		x0, y0 := (i%perRow)*cell, (i/perRow)*cell
		if x0 >= w || y0 >= h {
			continue
		}
		c := color.NRGBA{R: mvChannel(rec.MV.Col), G: mvChannel(rec.MV.Row), A: 0xff}
		if rec.NewMVBest {
			c.B = 0xff
		}
		for y := y0; y < min(y0+cell, h); y++ {
			for x := x0; x < min(x0+cell, w); x++ {
				img.SetNRGBA(x, y, c)
			}
		}
	}
	return img
}

// mvChannel maps a vector component in 1/8 pixels to a byte, saturating
// at 16 pixels either way.
func mvChannel(v int16) uint8 {
	return uint8(min(max(128+int(v), 0), 255))
}

// dumpMotion writes the motion field of frame as a lossless WebP file in
// dir.
func dumpMotion(dir string, frame int, img image.Image) error {
	path := filepath.Join(dir, fmt.Sprintf("motion%04d.webp", frame))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	opts := webp.DefaultOptions()
	opts.Lossless = true
	if err := webp.Encode(f, img, opts); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}
