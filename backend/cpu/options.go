package cpu

import "github.com/gogpu/egpu/grid"

// Option configures a CPU backend.
//
// Example:
//
//	b := cpu.New(cpu.WithWorkers(4))
type Option func(*options)

type options struct {
	workers     int
	queueDepth  int
	searchRange int
}

func defaultOptions() options {
	return options{
		workers:     0, // GOMAXPROCS
		queueDepth:  2 * grid.NumSubFrames,
		searchRange: 16,
	}
}

// WithWorkers sets the number of goroutines a dispatch is spread over.
// Zero or a negative value uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithQueueDepth sets how many dispatches may be queued on the command
// stream before Execute blocks. The default holds one frame: a prologue
// pass and a motion-estimation pass per subframe.
func WithQueueDepth(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueDepth = n
		}
	}
}

// WithSearchRange sets the full-pixel search range used when a frame does
// not specify one.
func WithSearchRange(pixels int) Option {
	return func(o *options) {
		if pixels > 0 {
			o.searchRange = pixels
		}
	}
}
