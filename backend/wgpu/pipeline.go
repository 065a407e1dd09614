// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package wgpu

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/gogpu/egpu/gpucore"
	"github.com/gogpu/egpu/grid"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
)

//go:embed shaders/common.wgsl
var shaderCommon string

//go:embed shaders/pro_me.wgsl
var shaderProME string

//go:embed shaders/me_zero_mv.wgsl
var shaderZeroMV string

//go:embed shaders/me_full_pel.wgsl
var shaderFullPel string

//go:embed shaders/me_sub_pel.wgsl
var shaderSubPel string

//go:embed shaders/me_new_mv_rd.wgsl
var shaderNewMVRD string

const (
	// workgroupSize is the edge of the 8x8 workgroups every kernel declares.
	workgroupSize = 8

	// maxProjectionRange bounds the projection match, which keeps its
	// reference projection in a fixed-size array.
	maxProjectionRange = 32

	// numBindings is the number of bindings in the shared layout.
	numBindings = 8
)

// kernel identifies one compute pipeline.
type kernel int

const (
	kernelProME kernel = iota
	kernelZeroMV
	kernelFullPel
	kernelSubPel
	kernelNewMVRD

	kernelCount
)

// meKernels is the per-subframe motion-estimation chain in dispatch order.
var meKernels = [...]kernel{kernelZeroMV, kernelFullPel, kernelSubPel, kernelNewMVRD}

func (k kernel) String() string {
	switch k {
	case kernelProME:
		return "pro_me"
	case kernelZeroMV:
		return "me_zero_mv"
	case kernelFullPel:
		return "me_full_pel"
	case kernelSubPel:
		return "me_sub_pel"
	case kernelNewMVRD:
		return "me_new_mv_rd"
	default:
		return fmt.Sprintf("kernel(%d)", int(k))
	}
}

func (k kernel) body() string {
	switch k {
	case kernelProME:
		return shaderProME
	case kernelZeroMV:
		return shaderZeroMV
	case kernelFullPel:
		return shaderFullPel
	case kernelSubPel:
		return shaderSubPel
	case kernelNewMVRD:
		return shaderNewMVRD
	default:
		return ""
	}
}

// shaderHeader declares the host layout constants the kernels index with.
func shaderHeader() string {
	var sb strings.Builder
	u := func(name string, v int) { fmt.Fprintf(&sb, "const %s: u32 = %du;\n", name, v) }
	i := func(name string, v int) { fmt.Fprintf(&sb, "const %s: i32 = %d;\n", name, v) }

	i("MV_MAX", gpucore.MVMax)
	u("MV_VALS", gpucore.MVVals)
	u("MAX_SEGMENTS", gpucore.MaxSegments)
	u("PROB_COST_SHIFT", 9)
	i("PROJ_RANGE_MAX", maxProjectionRange)

	u("INPUT_RECORD_WORDS", gpucore.InputRecordWords)
	u("OUTPUT_RECORD_WORDS", gpucore.OutputRecordWords)
	u("PRO_ME_OUTPUT_WORDS", gpucore.ProMEOutputWords)
	u("SEGMENT_RD_WORDS", gpucore.SegmentRDWords)

	u("RD_OFFSET_SAD_COST", gpucore.RDOffsetSADCost)
	u("RD_OFFSET_INTER_MODE_COST", gpucore.RDOffsetInterModeCost)
	u("RD_OFFSET_JOINT_COST", gpucore.RDOffsetJointCost)
	u("RD_OFFSET_RDDIV", gpucore.RDOffsetRDDiv)
	u("RD_OFFSET_INTERP_COST", gpucore.RDOffsetInterpCost)
	u("RD_OFFSET_VBP_SAD", gpucore.RDOffsetVBPSAD)
	u("RD_OFFSET_SEGMENTS", gpucore.RDOffsetSegments)

	u("MI_SIZE_LOG2", grid.MiSizeLog2)
	u("BLOCK_32X32", int(grid.Block32x32))
	u("BLOCK_64X64", int(grid.Block64x64))
	u("BLOCK_MI_32X32", grid.Block32x32.MiWidth())
	u("BLOCK_MI_64X64", grid.Block64x64.MiWidth())
	u("GPU_BLOCK_32X32", int(grid.GPUBlock32x32))
	u("GPU_BLOCK_64X64", int(grid.GPUBlock64x64))
	u("GPU_BLOCK_SIZES", int(grid.GPUBlockSizes))
	return sb.String()
}

// kernelSource returns the complete WGSL module of k.
func kernelSource(k kernel) string {
	return shaderHeader() + "\n" + shaderCommon + "\n" + k.body()
}

// compileSPIRV compiles WGSL to little-endian SPIR-V words.
func compileSPIRV(src string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("compile shader: %w", err)
	}
	code := make([]uint32, len(spirvBytes)/4)
	for i := range code {
		code[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return code, nil
}

// layoutEntries matches the @group(0) bindings of common.wgsl.
func layoutEntries() []gputypes.BindGroupLayoutEntry {
	entry := func(binding uint32, t gputypes.BufferBindingType) gputypes.BindGroupLayoutEntry {
		return gputypes.BindGroupLayoutEntry{
			Binding:    binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: t},
		}
	}
	return []gputypes.BindGroupLayoutEntry{
		entry(0, gputypes.BufferBindingTypeUniform),         // params
		entry(1, gputypes.BufferBindingTypeReadOnlyStorage), // src_plane
		entry(2, gputypes.BufferBindingTypeReadOnlyStorage), // ref_plane
		entry(3, gputypes.BufferBindingTypeReadOnlyStorage), // rd
		entry(4, gputypes.BufferBindingTypeStorage),         // cell_in
		entry(5, gputypes.BufferBindingTypeStorage),         // me_out
		entry(6, gputypes.BufferBindingTypeStorage),         // pro_me_out
		entry(7, gputypes.BufferBindingTypeStorage),         // scratch
	}
}

// pipelines holds the compiled kernels and their shared layout.
type pipelines struct {
	device hal.Device

	bgLayout hal.BindGroupLayout
	layout   hal.PipelineLayout
	modules  [kernelCount]hal.ShaderModule
	compute  [kernelCount]hal.ComputePipeline
}

// newPipelines compiles every kernel. Partially created resources are
// released on failure.
func newPipelines(device hal.Device, spirv bool) (*pipelines, error) {
	p := &pipelines{device: device}

	bgLayout, err := device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   "egpu_me_bgl",
		Entries: layoutEntries(),
	})
	if err != nil {
		return nil, fmt.Errorf("create bind group layout: %w", err)
	}
	p.bgLayout = bgLayout

	layout, err := device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "egpu_me_pl",
		BindGroupLayouts: []hal.BindGroupLayout{bgLayout},
	})
	if err != nil {
		p.destroy()
		return nil, fmt.Errorf("create pipeline layout: %w", err)
	}
	p.layout = layout

	for k := range kernelCount {
		src := hal.ShaderSource{WGSL: kernelSource(k)}
		if spirv {
			code, err := compileSPIRV(src.WGSL)
			if err != nil {
				p.destroy()
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			src = hal.ShaderSource{SPIRV: code}
		}

		module, err := device.CreateShaderModule(&hal.ShaderModuleDescriptor{
			Label:  k.String(),
			Source: src,
		})
		if err != nil {
			p.destroy()
			return nil, fmt.Errorf("create shader module for %s: %w", k, err)
		}
		p.modules[k] = module

		pipeline, err := device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
			Label:  k.String(),
			Layout: layout,
			Compute: hal.ComputeState{
				Module:     module,
				EntryPoint: "main",
			},
		})
		if err != nil {
			p.destroy()
			return nil, fmt.Errorf("create compute pipeline for %s: %w", k, err)
		}
		p.compute[k] = pipeline
	}
	return p, nil
}

func (p *pipelines) destroy() {
	for k := range kernelCount {
		if p.compute[k] != nil {
			p.device.DestroyComputePipeline(p.compute[k])
			p.compute[k] = nil
		}
		if p.modules[k] != nil {
			p.device.DestroyShaderModule(p.modules[k])
			p.modules[k] = nil
		}
	}
	if p.layout != nil {
		p.device.DestroyPipelineLayout(p.layout)
		p.layout = nil
	}
	if p.bgLayout != nil {
		p.device.DestroyBindGroupLayout(p.bgLayout)
		p.bgLayout = nil
	}
}

// groups returns the workgroup count covering n invocations along one axis.
func groups(n int) uint32 {
	if n <= 0 {
		return 0
	}
	return uint32((n + workgroupSize - 1) / workgroupSize)
}
