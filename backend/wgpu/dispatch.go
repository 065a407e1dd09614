// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package wgpu

import (
	"fmt"
	"time"

	"github.com/gogpu/egpu/gpucore"
	"github.com/gogpu/egpu/grid"
	"github.com/gogpu/wgpu/hal"
)

// submission is one command buffer in flight with the fence it signals and
// the staging range it fills.
type submission struct {
	label    string
	cmdBuf   hal.CommandBuffer
	fence    hal.Fence
	complete bool
	read     span
	staging  hal.Buffer
}

// pass is one compute dispatch of a submission.
type pass struct {
	k    kernel
	x, y uint32
}

// submit records passes and a copy of readback from src into the staging
// buffer dst, then submits them with a fresh fence. The caller holds b.mu.
func (b *Backend) submit(label string, bg hal.BindGroup, passes []pass, src, dst hal.Buffer, readback span) (*submission, error) {
	encoder, err := b.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(label); err != nil {
		return nil, fmt.Errorf("begin encoding: %w", err)
	}

	for _, p := range passes {
		if p.x == 0 || p.y == 0 {
			continue
		}
		cp := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: p.k.String()})
		cp.SetPipeline(b.pipes.compute[p.k])
		cp.SetBindGroup(0, bg, nil)
		cp.Dispatch(p.x, p.y, 1)
		cp.End()
	}
	if readback.size > 0 {
		encoder.CopyBufferToBuffer(src, dst, []hal.BufferCopy{{
			SrcOffset: readback.offset,
			DstOffset: readback.offset,
			Size:      readback.size,
		}})
	}

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("end encoding: %w", err)
	}
	fence, err := b.device.CreateFence()
	if err != nil {
		b.device.FreeCommandBuffer(cmdBuf)
		return nil, fmt.Errorf("create fence: %w", err)
	}
	if err := b.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		b.device.DestroyFence(fence)
		b.device.FreeCommandBuffer(cmdBuf)
		return nil, fmt.Errorf("submit: %w", err)
	}
	return &submission{label: label, cmdBuf: cmdBuf, fence: fence, read: readback, staging: dst}, nil
}

// wait blocks until sub's fence has signalled. A slow device is logged
// after every poll interval and waited on again.
func (b *Backend) wait(sub *submission) error {
	if sub.complete {
		return nil
	}
	start := time.Now()
	for {
		ok, err := b.device.Wait(sub.fence, 1, b.opts.pollInterval)
		if err != nil {
			return fmt.Errorf("wgpu: wait for %s: %w", sub.label, err)
		}
		if ok {
			break
		}
		b.logger().Warn("wgpu: dispatch still running",
			"dispatch", sub.label, "waited", time.Since(start))
	}
	sub.complete = true
	return nil
}

// waitIdle blocks until every submission of the current frame has
// completed. The caller holds b.mu.
func (b *Backend) waitIdle() error {
	for stage := range b.subs {
		for _, sub := range b.subs[stage] {
			if sub == nil {
				continue
			}
			if err := b.wait(sub); err != nil {
				return err
			}
		}
	}
	return nil
}

// resetFrame frees the submissions of the current frame, which must have
// completed. The caller holds b.mu.
func (b *Backend) resetFrame() {
	for stage := range b.subs {
		for s, sub := range b.subs[stage] {
			if sub == nil {
				continue
			}
			b.device.DestroyFence(sub.fence)
			b.device.FreeCommandBuffer(sub.cmdBuf)
			b.subs[stage][s] = nil
		}
	}
	b.job = nil
	b.observed = [gpucore.StageCount][grid.NumSubFrames]bool{}
}

// ExecutePrologue uploads the input records, parameter block and planes,
// then submits the pre-motion-estimation pass of every subframe.
func (b *Backend) ExecutePrologue(f *gpucore.FrameContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usable(true); err != nil {
		return err
	}
	if f == nil || f.Source == nil || f.Reference == nil {
		return fmt.Errorf("wgpu: prologue needs a source and a reference plane")
	}
	if f.Grid != b.g {
		return fmt.Errorf("wgpu: frame grid %dx%d does not match allocated %dx%d",
			f.Grid.MiCols, f.Grid.MiRows, b.g.MiCols, b.g.MiRows)
	}
	w, h := f.Source.Width, f.Source.Height
	if f.Reference.Width != w || f.Reference.Height != h {
		return fmt.Errorf("wgpu: reference plane %dx%d does not match source %dx%d",
			f.Reference.Width, f.Reference.Height, w, h)
	}
	if uint64(w)*uint64(h)*4 > planeBytes(b.g) {
		return fmt.Errorf("wgpu: plane %dx%d exceeds the allocated grid", w, h)
	}
	if err := b.waitIdle(); err != nil {
		return err
	}
	b.resetFrame()

	rng := f.SearchRange
	if rng <= 0 {
		rng = b.opts.searchRange
	}

	in := make([]byte, len(b.input)*gpucore.InputRecordWords*4)
	if err := gpucore.EncodeInputRecords(in, b.input); err != nil {
		return fmt.Errorf("wgpu: %w", err)
	}
	b.queue.WriteBuffer(b.bufs.input, 0, in)
	b.queue.WriteBuffer(b.bufs.rd, 0, gpucore.EncodeRDParameters(&b.rd))
	b.queue.WriteBuffer(b.bufs.src, 0, gpucore.EncodePlane(f.Source))
	b.queue.WriteBuffer(b.bufs.ref, 0, gpucore.EncodePlane(f.Reference))
	for s := range grid.NumSubFrames {
		p := subframeParams(b.g, b.g.Subframe(s), w, h, rng)
		b.queue.WriteBuffer(b.bufs.params[s], 0, p.toBytes())
	}

	job := &frameJob{number: f.FrameNumber, slot: f.Slot()}
	b.job = job

	for s := range grid.NumSubFrames {
		sf := b.g.Subframe(s)
		first, last := proMESpan(b.g, sf)
		sbRows := (max(0, min(sf.MiRowEnd, b.g.AlignedMiRows())-sf.MiRowStart) + b.g.SBSize() - 1) / b.g.SBSize()
		passes := []pass{{k: kernelProME, x: groups(b.g.ProMECols()), y: groups(sbRows)}}

		sub, err := b.submit(fmt.Sprintf("pro_me[%d]", s), b.bufs.groups[job.slot][s], passes,
			b.bufs.proME[job.slot], b.bufs.stagingProME[job.slot],
			recordSpan(first, last, gpucore.ProMEOutputWords))
		if err != nil {
			return fmt.Errorf("wgpu: frame %d prologue of subframe %d: %w", f.FrameNumber, s, err)
		}
		b.subs[gpucore.StageProME][s] = sub
	}
	b.logger().Debug("wgpu: prologue submitted", "frame", f.FrameNumber, "slot", job.slot, "search_range", rng)
	return nil
}

// Execute submits the motion-estimation chain of subframe.
func (b *Backend) Execute(subframe int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usable(true); err != nil {
		return err
	}
	if subframe < 0 || subframe >= grid.NumSubFrames {
		return gpucore.ErrInvalidSubframe
	}
	if b.job == nil {
		return fmt.Errorf("wgpu: execute subframe %d before prologue: %w", subframe, gpucore.ErrNotDispatched)
	}
	if b.subs[gpucore.StageME][subframe] != nil {
		return fmt.Errorf("wgpu: subframe %d already dispatched for frame %d", subframe, b.job.number)
	}

	first, last := meSpan(b.g, b.g.Subframe(subframe))
	perRow := b.g.BlocksPerRow()
	x, y := groups(perRow), groups((last-first)/perRow)
	passes := make([]pass, 0, len(meKernels))
	for _, k := range meKernels {
		passes = append(passes, pass{k: k, x: x, y: y})
	}

	sub, err := b.submit(fmt.Sprintf("me[%d]", subframe), b.bufs.groups[b.job.slot][subframe], passes,
		b.bufs.me, b.bufs.stagingME, recordSpan(first, last, gpucore.OutputRecordWords))
	if err != nil {
		return fmt.Errorf("wgpu: frame %d subframe %d: %w", b.job.number, subframe, err)
	}
	b.subs[gpucore.StageME][subframe] = sub
	return nil
}

// SyncRead blocks until the stage's submission of subframe has completed
// and copies its staging range into the host records. The backend is held
// for the duration of the wait.
func (b *Backend) SyncRead(subframe int, stage gpucore.Stage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.usable(true); err != nil {
		return err
	}
	if subframe < 0 || subframe >= grid.NumSubFrames {
		return gpucore.ErrInvalidSubframe
	}
	if stage < 0 || stage >= gpucore.StageCount {
		return fmt.Errorf("wgpu: unknown stage %v", stage)
	}
	sub := b.subs[stage][subframe]
	if sub == nil {
		return fmt.Errorf("wgpu: sync %v of subframe %d: %w", stage, subframe, gpucore.ErrNotDispatched)
	}
	if b.observed[stage][subframe] {
		return nil
	}
	if err := b.wait(sub); err != nil {
		return err
	}
	if err := b.readBack(stage, sub); err != nil {
		return err
	}
	b.observed[stage][subframe] = true
	return nil
}

// readBack decodes the staging range of sub into the host records.
func (b *Backend) readBack(stage gpucore.Stage, sub *submission) error {
	if sub.read.size == 0 {
		return nil
	}
	data := make([]byte, sub.read.size)
	if err := b.queue.ReadBuffer(sub.staging, sub.read.offset, data); err != nil {
		return fmt.Errorf("wgpu: read back %s: %w", sub.label, err)
	}

	switch stage {
	case gpucore.StageProME:
		first := int(sub.read.offset) / (gpucore.ProMEOutputWords * 4)
		n := int(sub.read.size) / (gpucore.ProMEOutputWords * 4)
		return gpucore.DecodeProMEOutputs(b.proME[b.job.slot][first:first+n], data)
	default:
		first := int(sub.read.offset) / (gpucore.OutputRecordWords * 4)
		n := int(sub.read.size) / (gpucore.OutputRecordWords * 4)
		return gpucore.DecodeOutputRecords(b.me[first:first+n], data)
	}
}
