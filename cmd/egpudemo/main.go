// Command egpudemo runs block motion estimation over a sequence of frames
// and reports what the backend found.
//
// Frames are read from image files (PNG, JPEG, GIF, BMP, TIFF, WebP) given
// as arguments, converted to luma and scaled to the size of the first one.
// Without arguments a synthetic panning sequence is generated.
//
//	egpudemo -backend cpu frame1.png frame2.png frame3.png
//
// With -dump each frame's motion field is written as a lossless WebP image.
package main

import (
	"flag"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"log/slog"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/egpu"
	_ "github.com/gogpu/egpu/backend/wgpu"
	"github.com/gogpu/egpu/gpucore"
	"github.com/gogpu/egpu/grid"
)

func main() {
	var (
		backendName = flag.String("backend", "", "backend to use (wgpu, cpu); empty picks the best available")
		width       = flag.Int("width", 320, "synthetic frame width")
		height      = flag.Int("height", 192, "synthetic frame height")
		frames      = flag.Int("frames", 8, "number of synthetic frames")
		searchRange = flag.Int("range", 16, "full-pixel search range")
		verbose     = flag.Bool("v", false, "log backend diagnostics")
		dumpDir     = flag.String("dump", "", "directory to write per-frame motion fields to as WebP")
	)
	flag.Parse()

	if *verbose {
		egpu.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	var (
		seq []*image.Gray
		err error
	)
	if flag.NArg() > 0 {
		seq, err = loadFrames(flag.Args())
		if err != nil {
			log.Fatalf("Failed to load frames: %v", err)
		}
	} else {
		seq = syntheticFrames(*width, *height, *frames)
	}
	if len(seq) < 2 {
		log.Fatal("Need at least two frames")
	}

	var opts []egpu.Option
	if *backendName != "" {
		opts = append(opts, egpu.WithBackend(*backendName))
	}
	o, err := egpu.Init(opts...)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer o.Close()

	b := seq[0].Bounds()
	g := grid.New(b.Dx(), b.Dy())
	if err := o.AllocateInterfaceBuffers(g); err != nil {
		log.Fatalf("Failed to allocate buffers: %v", err)
	}
	defer o.FreeInterfaceBuffers()

	p := message.NewPrinter(language.English)
	p.Printf("%s backend, %dx%d, %d frames\n", o.Backend().Name(), b.Dx(), b.Dy(), len(seq))

	enc := newEncoder(g, *searchRange)
	for i := 1; i < len(seq); i++ {
		st, err := enc.encode(o, uint64(i), plane(seq[i]), plane(seq[i-1]))
		if err != nil {
			log.Fatalf("Frame %d: %v", i, err)
		}
		p.Printf("frame %3d: %d blocks, %d new-mv (%.1f%%), mean |mv| %.2f px, sse %d, satd %d, %d/%d superblocks whole\n",
			i, st.blocks, st.newMV, st.newMVPercent(), st.meanMV(), st.sse, st.satd, st.whole, st.superblocks)
		if *dumpDir != "" {
			if err := dumpMotion(*dumpDir, i, motionImage(g, b.Dx(), b.Dy(), enc.field)); err != nil {
				log.Fatalf("Frame %d: %v", i, err)
			}
		}
	}
}

// loadFrames decodes every file and scales it to the first frame's size.
func loadFrames(paths []string) ([]*image.Gray, error) {
	var out []*image.Gray
	var size image.Rectangle
	for _, path := range paths {
		img, err := decode(path)
		if err != nil {
			return nil, err
		}
		if size.Empty() {
			size = image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy())
		}
		gray := image.NewGray(size)
		draw.ApproxBiLinear.Scale(gray, size, img, img.Bounds(), draw.Src, nil)
		out = append(out, gray)
	}
	return out, nil
}

func decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// syntheticFrames renders a textured scene panning two pixels right and
// one down per frame.
func syntheticFrames(w, h, n int) []*image.Gray {
	out := make([]*image.Gray, n)
	for f := range n {
		img := image.NewGray(image.Rect(0, 0, w, h))
		for y := range h {
			for x := range w {
				sx, sy := x-2*f, y-f
				v := (sx*sx/7 + sy*sy/5 + sx*sy/3) & 0xff
				if (sx/16+sy/16)%2 == 0 {
					v = 255 - v
				}
				img.Pix[y*img.Stride+x] = uint8(v)
			}
		}
		out[f] = img
	}
	return out
}

func plane(img *image.Gray) *gpucore.Plane {
	b := img.Bounds()
	return &gpucore.Plane{Pix: img.Pix, Stride: img.Stride, Width: b.Dx(), Height: b.Dy()}
}
