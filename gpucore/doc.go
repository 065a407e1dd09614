// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gpucore defines what the motion-estimation offload exchanges with
// a compute backend.
//
// It holds the [Backend] capability set, the per-cell records crossing the
// host/device boundary ([InputRecord], [OutputRecord], [ProMEOutput]), the
// per-frame [RDParameters] block, and their device byte layouts.
//
// # Ownership
//
// Every buffer is owned by exactly one side at a time:
//
//	CPU fill ──ExecutePrologue/Execute──▶ device ──SyncRead──▶ CPU read
//
// Input and parameter buffers belong to the CPU until the prologue is
// dispatched. Output buffers belong to the device until SyncRead observes
// the completion signal for that subframe and stage. Backends reject output
// acquisition before that point with [ErrBufferBusy].
//
// # Ping-pong buffers
//
// Pre-motion-estimation output alternates between two physical buffers
// selected by frame parity, so the device can preprocess frame N+1 while
// the CPU still reads frame N.
package gpucore
