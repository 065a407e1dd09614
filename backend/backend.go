package backend

import (
	"errors"

	"github.com/gogpu/egpu/gpucore"
)

// Backend names.
const (
	BackendWGPU = "wgpu"
	BackendCPU  = "cpu"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")
)

// Factory creates a new, uninitialized backend instance.
type Factory func() gpucore.Backend
