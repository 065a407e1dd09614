// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package wgpu

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/egpu/gpucore"
	"github.com/gogpu/egpu/grid"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// frameParams matches the Params uniform of common.wgsl: 12 consecutive
// 32-bit fields. One block is written per subframe.
type frameParams struct {
	Width        uint32
	Height       uint32
	MiRows       uint32
	MiCols       uint32
	BlocksPerRow uint32
	ProMECols    uint32
	RowStart     uint32
	RowEnd       uint32
	SearchRange  int32
	SBMi         uint32
	ProMERowEnd  uint32
	CellMi       uint32
}

const frameParamsSize = 12 * 4

func (p frameParams) toBytes() []byte {
	buf := make([]byte, frameParamsSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], p.Width)
	le.PutUint32(buf[4:8], p.Height)
	le.PutUint32(buf[8:12], p.MiRows)
	le.PutUint32(buf[12:16], p.MiCols)
	le.PutUint32(buf[16:20], p.BlocksPerRow)
	le.PutUint32(buf[20:24], p.ProMECols)
	le.PutUint32(buf[24:28], p.RowStart)
	le.PutUint32(buf[28:32], p.RowEnd)
	le.PutUint32(buf[32:36], uint32(p.SearchRange))
	le.PutUint32(buf[36:40], p.SBMi)
	le.PutUint32(buf[40:44], p.ProMERowEnd)
	le.PutUint32(buf[44:48], p.CellMi)
	return buf
}

// subframeParams returns the parameter block of subframe sf.
func subframeParams(g grid.Grid, sf grid.Subframe, width, height, searchRange int) frameParams {
	return frameParams{
		Width:        uint32(width),
		Height:       uint32(height),
		MiRows:       uint32(g.MiRows),
		MiCols:       uint32(g.MiCols),
		BlocksPerRow: uint32(g.BlocksPerRow()),
		ProMECols:    uint32(g.ProMECols()),
		RowStart:     uint32(sf.MiRowStart),
		RowEnd:       uint32(sf.MiRowEnd),
		SearchRange:  int32(searchRange),
		SBMi:         uint32(g.SBSize()),
		ProMERowEnd:  uint32(min(sf.MiRowEnd, g.AlignedMiRows())),
		CellMi:       uint32(g.CellSize()),
	}
}

// span is a byte range of a device buffer.
type span struct {
	offset, size uint64
}

// meSpan returns the output records written by the chain of sf.
func meSpan(g grid.Grid, sf grid.Subframe) (first, last int) {
	cell := g.CellSize()
	perRow := g.BlocksPerRow()
	first = (sf.MiRowStart / cell) * perRow
	last = min(((sf.MiRowEnd+cell-1)/cell)*perRow, g.BufferLen())
	return first, max(first, last)
}

// proMESpan returns the pre-motion-estimation records written for sf.
func proMESpan(g grid.Grid, sf grid.Subframe) (first, last int) {
	first = g.ProMEOffset(sf.MiRowStart)
	last = g.ProMEOffset(min(sf.MiRowEnd, g.AlignedMiRows()))
	return first, max(first, last)
}

func recordSpan(first, last, words int) span {
	return span{offset: uint64(first * words * 4), size: uint64((last - first) * words * 4)}
}

// deviceBuffers holds every buffer sized for one grid.
type deviceBuffers struct {
	device hal.Device
	g      grid.Grid

	params [grid.NumSubFrames]hal.Buffer
	src    hal.Buffer
	ref    hal.Buffer
	rd     hal.Buffer
	input  hal.Buffer
	me     hal.Buffer
	proME  [2]hal.Buffer
	// scratch holds the refined vector of each cell between kernels.
	scratch hal.Buffer

	stagingME    hal.Buffer
	stagingProME [2]hal.Buffer

	groups [2][grid.NumSubFrames]hal.BindGroup
}

// createBuffer creates a buffer of at least one word.
func createBuffer(device hal.Device, label string, size uint64, usage gputypes.BufferUsage) (hal.Buffer, error) {
	const minBufSize = 4
	if size < minBufSize {
		size = minBufSize
	}
	return device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: usage,
	})
}

// planeBytes is the size of a plane buffer covering the whole grid.
func planeBytes(g grid.Grid) uint64 {
	return uint64(g.MiCols<<grid.MiSizeLog2) * uint64(g.MiRows<<grid.MiSizeLog2) * 4
}

// newDeviceBuffers allocates the buffers and bind groups for g. Partially
// created resources are released on failure.
func newDeviceBuffers(device hal.Device, p *pipelines, g grid.Grid) (*deviceBuffers, error) {
	d := &deviceBuffers{device: device, g: g}

	uniform := gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst
	storageIn := gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst
	storageOut := gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc
	staging := gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst

	meBytes := uint64(g.BufferLen() * gpucore.OutputRecordWords * 4)
	proMEBytes := uint64(g.ProMELen() * gpucore.ProMEOutputWords * 4)

	type bufSpec struct {
		target *hal.Buffer
		label  string
		size   uint64
		usage  gputypes.BufferUsage
	}
	specs := []bufSpec{
		{&d.src, "egpu_src_plane", planeBytes(g), storageIn},
		{&d.ref, "egpu_ref_plane", planeBytes(g), storageIn},
		{&d.rd, "egpu_rd_params", gpucore.RDParametersWords * 4, storageIn},
		{&d.input, "egpu_input", uint64(g.BufferLen() * gpucore.InputRecordWords * 4), storageIn},
		{&d.me, "egpu_me_output", meBytes, storageOut},
		{&d.scratch, "egpu_scratch", uint64(g.BufferLen() * 2 * 4), storageIn},
		{&d.stagingME, "egpu_me_staging", meBytes, staging},
	}
	for s := range d.params {
		specs = append(specs, bufSpec{&d.params[s], fmt.Sprintf("egpu_params_%d", s), frameParamsSize, uniform})
	}
	for slot := range d.proME {
		specs = append(specs,
			bufSpec{&d.proME[slot], fmt.Sprintf("egpu_pro_me_output_%d", slot), proMEBytes, storageOut},
			bufSpec{&d.stagingProME[slot], fmt.Sprintf("egpu_pro_me_staging_%d", slot), proMEBytes, staging})
	}

	for _, s := range specs {
		buf, err := createBuffer(device, s.label, s.size, s.usage)
		if err != nil {
			d.destroy()
			return nil, fmt.Errorf("create %s buffer: %w", s.label, err)
		}
		*s.target = buf
	}

	entry := func(binding uint32, buf hal.Buffer) gputypes.BindGroupEntry {
		return gputypes.BindGroupEntry{
			Binding: binding,
			Resource: gputypes.BufferBinding{
				Buffer: buf.NativeHandle(),
				Offset: 0,
				Size:   0,
			},
		}
	}
	for slot := range d.groups {
		for s := range d.groups[slot] {
			bg, err := device.CreateBindGroup(&hal.BindGroupDescriptor{
				Label:  fmt.Sprintf("egpu_me_bg_%d_%d", slot, s),
				Layout: p.bgLayout,
				Entries: []gputypes.BindGroupEntry{
					entry(0, d.params[s]),
					entry(1, d.src),
					entry(2, d.ref),
					entry(3, d.rd),
					entry(4, d.input),
					entry(5, d.me),
					entry(6, d.proME[slot]),
					entry(7, d.scratch),
				},
			})
			if err != nil {
				d.destroy()
				return nil, fmt.Errorf("create bind group for slot %d subframe %d: %w", slot, s, err)
			}
			d.groups[slot][s] = bg
		}
	}
	return d, nil
}

func (d *deviceBuffers) destroy() {
	for slot := range d.groups {
		for s, bg := range d.groups[slot] {
			if bg != nil {
				d.device.DestroyBindGroup(bg)
				d.groups[slot][s] = nil
			}
		}
	}
	bufs := []*hal.Buffer{&d.src, &d.ref, &d.rd, &d.input, &d.me, &d.scratch, &d.stagingME}
	for s := range d.params {
		bufs = append(bufs, &d.params[s])
	}
	for slot := range d.proME {
		bufs = append(bufs, &d.proME[slot], &d.stagingProME[slot])
	}
	for _, b := range bufs {
		if *b != nil {
			d.device.DestroyBuffer(*b)
			*b = nil
		}
	}
}
