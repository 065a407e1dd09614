package egpu

import "github.com/gogpu/egpu/gpucore"

// Option configures an Offload during Init.
// Use functional options to pick the backend.
//
// Example:
//
//	// Best registered backend that initializes
//	o, err := egpu.Init()
//
//	// Force the CPU reference backend
//	o, err := egpu.Init(egpu.WithBackend("cpu"))
type Option func(*options)

// options holds optional configuration for Init.
type options struct {
	backendName string
	backend     gpucore.Backend
}

// WithBackend selects a registered backend by name instead of the highest
// priority one. Init fails if that backend does not come up; there is no
// fallback.
func WithBackend(name string) Option {
	return func(o *options) {
		o.backendName = name
	}
}

// WithBackendInstance injects an already constructed backend. Init calls its
// Init method and the Offload owns it from then on.
//
// Example:
//
//	b := cpu.New(cpu.WithWorkers(2))
//	o, err := egpu.Init(egpu.WithBackendInstance(b))
func WithBackendInstance(b gpucore.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}
