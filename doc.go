// Package egpu offloads block motion estimation of a VP9-style encoder to a
// compute backend while the encoder keeps working on the CPU.
//
// # Overview
//
// Each frame is cut into four row bands, the subframes. The device
// preprocesses every superblock (a projected motion vector and a coarse
// 32x32 or 64x64 partition), then runs the motion search of each subframe in
// order. The encoder's row loop waits only for the subframe it is about to
// encode, so it starts consuming results while the device still works on
// the rest of the frame.
//
// # Quick Start
//
//	o, err := egpu.Init()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer o.Close()
//
//	g := grid.New(width, height)
//	if err := o.AllocateInterfaceBuffers(g); err != nil {
//		log.Fatal(err)
//	}
//
//	for each frame {
//		if err := o.RunMotionEstimation(fs); err != nil {
//			log.Fatal(err)
//		}
//		for miRow := 0; miRow < g.MiRows; miRow += g.SBSize() {
//			if err := o.SyncBeforeRow(fs, ts, miRow); err != nil {
//				log.Fatal(err)
//			}
//			// encode the row using ts.ME
//		}
//	}
//
// # Backends
//
// The backend is chosen once per run from the [backend] registry: "wgpu"
// when a GPU adapter opens, "cpu" otherwise. Import
// github.com/gogpu/egpu/backend/wgpu to make the GPU backend available.
//
// # Architecture
//
// The module is organized into:
//   - grid: block-grid addressing and the subframe scheduler
//   - gpucore: the backend capability set, device records and layouts
//   - egpu: input marshalling and the CPU/device synchronization
//   - backend/cpu, backend/wgpu: the backends
//
// # Logging
//
// egpu is silent by default. Use [SetLogger] to route its diagnostics and
// those of the active backend to a [log/slog] logger.
package egpu
