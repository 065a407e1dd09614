// Package backend selects the compute backend motion estimation runs on.
//
// Backends implement [gpucore.Backend] and register a factory from an init
// function, so importing a backend package is enough to make it available:
//
//	import (
//		_ "github.com/gogpu/egpu/backend/cpu"
//		_ "github.com/gogpu/egpu/backend/wgpu"
//	)
//
// # Backend Selection
//
// Use Default() for the best registered backend, Get() for a specific one,
// or InitDefault() to initialize the best backend that actually comes up:
//
//	b, err := backend.InitDefault()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer b.Remove()
//
// The selection is made once per encoder run. A backend that fails Init is
// skipped in favour of the next one in priority order.
//
// # Available Backends
//
//   - "wgpu": compute kernels on a GPU through gogpu/wgpu (Vulkan, Metal, DX12)
//   - "cpu": reference kernels on a goroutine worker pool (always available)
package backend
