// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucore

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/egpu/grid"
)

// Device layouts are little-endian arrays of 32-bit words. The word counts
// below must match the structs declared in the WGSL kernels.
const (
	InputRecordWords  = 4 // do_compute, mv_row, mv_col, seg_id
	OutputRecordWords = 9 // mv_row, mv_col, sum, sse, zero_rate, zero_dist, new_rate, new_dist, new_best
	ProMEOutputWords  = 4 // mv_row, mv_col, partition, variance

	SegmentRDWords = 7 // rd_mult, dc_dequant, ac_dequant, sad_per_bit, vbp_thresholds[3]
)

// Word offsets inside the RDParameters device layout.
const (
	RDOffsetSADCost       = 0
	RDOffsetInterModeCost = RDOffsetSADCost + 2*MVVals
	RDOffsetJointCost     = RDOffsetInterModeCost + 2
	RDOffsetRDDiv         = RDOffsetJointCost + MVJoints
	RDOffsetInterpCost    = RDOffsetRDDiv + 1
	RDOffsetVBPSAD        = RDOffsetInterpCost + SwitchableFilters
	RDOffsetVBPMinMax     = RDOffsetVBPSAD + 1
	RDOffsetSegments      = RDOffsetVBPMinMax + 1
	RDParametersWords     = RDOffsetSegments + MaxSegments*SegmentRDWords
)

var le = binary.LittleEndian

// sat32 narrows a host threshold to the device's 32-bit word.
func sat32(v int64) uint32 {
	switch {
	case v > math.MaxInt32:
		return uint32(math.MaxInt32)
	case v < math.MinInt32:
		return uint32(1 << 31)
	default:
		return uint32(int32(v))
	}
}

// EncodeInputRecords serializes records into dst, which must hold
// len(recs)*InputRecordWords words.
func EncodeInputRecords(dst []byte, recs []InputRecord) error {
	if len(dst) < len(recs)*InputRecordWords*4 {
		return fmt.Errorf("gpucore: input layout needs %d bytes, have %d", len(recs)*InputRecordWords*4, len(dst))
	}
	for i, r := range recs {
		b := dst[i*InputRecordWords*4:]
		le.PutUint32(b[0:4], uint32(r.DoCompute))
		le.PutUint32(b[4:8], uint32(int32(r.PredMV.Row)))
		le.PutUint32(b[8:12], uint32(int32(r.PredMV.Col)))
		le.PutUint32(b[12:16], uint32(r.SegID))
	}
	return nil
}

// EncodeRDParameters serializes p into its RDParametersWords device layout.
func EncodeRDParameters(p *RDParameters) []byte {
	buf := make([]byte, RDParametersWords*4)
	put := func(word int, v uint32) { le.PutUint32(buf[word*4:], v) }

	for comp := range 2 {
		base := RDOffsetSADCost + comp*MVVals
		for i, c := range p.NMVSADCost[comp] {
			put(base+i, uint32(c))
		}
	}
	put(RDOffsetInterModeCost, uint32(p.InterModeCost[0]))
	put(RDOffsetInterModeCost+1, uint32(p.InterModeCost[1]))
	for i, c := range p.NMVJointCost {
		put(RDOffsetJointCost+i, uint32(c))
	}
	put(RDOffsetRDDiv, uint32(p.RDDiv))
	for i, c := range p.SwitchableInterpCosts {
		put(RDOffsetInterpCost+i, uint32(c))
	}
	put(RDOffsetVBPSAD, sat32(p.VBPThresholdSAD))
	put(RDOffsetVBPMinMax, sat32(p.VBPThresholdMinMax))
	for s, seg := range p.Segments {
		base := RDOffsetSegments + s*SegmentRDWords
		put(base, uint32(seg.RDMult))
		put(base+1, uint32(seg.DCDequant))
		put(base+2, uint32(seg.ACDequant))
		put(base+3, uint32(seg.SADPerBit))
		for i, th := range seg.VBPThresholds {
			put(base+4+i, sat32(th))
		}
	}
	return buf
}

// DecodeOutputRecords fills dst from a device output layout.
func DecodeOutputRecords(dst []OutputRecord, src []byte) error {
	if len(src) < len(dst)*OutputRecordWords*4 {
		return fmt.Errorf("gpucore: output layout has %d bytes, need %d", len(src), len(dst)*OutputRecordWords*4)
	}
	for i := range dst {
		b := src[i*OutputRecordWords*4:]
		w := func(n int) uint32 { return le.Uint32(b[n*4:]) }
		dst[i] = OutputRecord{
			MV:        MV{Row: int16(int32(w(0))), Col: int16(int32(w(1)))},
			Sum:       int32(w(2)),
			SSE:       w(3),
			ZeroRate:  int32(w(4)),
			ZeroDist:  w(5),
			NewRate:   int32(w(6)),
			NewDist:   w(7),
			NewMVBest: w(8) != 0,
		}
	}
	return nil
}

// DecodeProMEOutputs fills dst from a device pre-motion-estimation layout.
func DecodeProMEOutputs(dst []ProMEOutput, src []byte) error {
	if len(src) < len(dst)*ProMEOutputWords*4 {
		return fmt.Errorf("gpucore: pro-me layout has %d bytes, need %d", len(src), len(dst)*ProMEOutputWords*4)
	}
	for i := range dst {
		b := src[i*ProMEOutputWords*4:]
		dst[i] = ProMEOutput{
			PredMV:    MV{Row: int16(int32(le.Uint32(b[0:]))), Col: int16(int32(le.Uint32(b[4:])))},
			Partition: grid.BlockSize(le.Uint32(b[8:])),
			Variance:  le.Uint32(b[12:]),
		}
	}
	return nil
}

// EncodePlane widens an 8-bit plane to one word per pixel, tightly packed
// (stride = width), which is what the kernels index.
func EncodePlane(p *Plane) []byte {
	if p == nil || p.Width <= 0 || p.Height <= 0 {
		return nil
	}
	buf := make([]byte, p.Width*p.Height*4)
	for y := 0; y < p.Height; y++ {
		row := p.Pix[y*p.Stride : y*p.Stride+p.Width]
		off := y * p.Width * 4
		for x, v := range row {
			le.PutUint32(buf[off+x*4:], uint32(v))
		}
	}
	return buf
}
