// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

// Package wgpu runs the motion-estimation kernels on a GPU through the
// gogpu/wgpu HAL.
//
// The backend registers itself as "wgpu" and takes priority over the CPU
// backend. Init opens a Vulkan adapter, preferring discrete and integrated
// GPUs, unless a host application shares its device:
//
//	egpu.Init(egpu.WithBackendInstance(wgpu.New(wgpu.WithDeviceProvider(provider))))
//
// # Kernels
//
// Five WGSL kernels share one bind group layout:
//
//	pro_me       projection vector and partition per superblock
//	me_zero_mv   zero-vector distortion, output reset
//	me_full_pel  shrinking-step full-pixel search
//	me_sub_pel   half- then quarter-pel refinement
//	me_new_mv_rd prediction SSE and the NEWMV decision
//
// A constant header generated from the gpucore layouts is prepended to
// every kernel, so record layouts are declared once on the host.
//
// # Synchronization
//
// The prologue submits one command buffer per subframe and Execute one per
// subframe, each with its own fence. Results are copied to staging buffers
// inside the same submission and read back by SyncRead once the fence has
// signalled.
//
// Build with -tags nogpu to leave the package out.
package wgpu
