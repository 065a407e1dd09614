// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package grid

import "fmt"

// BlockSize enumerates the CPU-side partition sizes, smallest first.
type BlockSize uint8

// Block sizes in ascending order. The numbering matches the encoder's
// partition enumeration so mode-info grids can be shared without remapping.
const (
	Block4x4 BlockSize = iota
	Block4x8
	Block8x4
	Block8x8
	Block8x16
	Block16x8
	Block16x16
	Block16x32
	Block32x16
	Block32x32
	Block32x64
	Block64x32
	Block64x64

	// BlockSizes is the number of CPU block sizes.
	BlockSizes
)

// blockDims holds the width and height of every BlockSize in pixels.
var blockDims = [BlockSizes][2]int{
	Block4x4:   {4, 4},
	Block4x8:   {4, 8},
	Block8x4:   {8, 4},
	Block8x8:   {8, 8},
	Block8x16:  {8, 16},
	Block16x8:  {16, 8},
	Block16x16: {16, 16},
	Block16x32: {16, 32},
	Block32x16: {32, 16},
	Block32x32: {32, 32},
	Block32x64: {32, 64},
	Block64x32: {64, 32},
	Block64x64: {64, 64},
}

// miWidthLog2 and miHeightLog2 give the block extent in grid units (log2).
// Sub-8x8 blocks occupy a single grid unit.
var (
	miWidthLog2  = [BlockSizes]int{0, 0, 0, 0, 0, 1, 1, 1, 2, 2, 2, 3, 3}
	miHeightLog2 = [BlockSizes]int{0, 0, 0, 0, 1, 0, 1, 2, 1, 2, 3, 2, 3}
)

// Width returns the block width in pixels.
func (b BlockSize) Width() int { return blockDims[b][0] }

// Height returns the block height in pixels.
func (b BlockSize) Height() int { return blockDims[b][1] }

// MiWidth returns the block width in grid units (at least 1).
func (b BlockSize) MiWidth() int { return 1 << miWidthLog2[b] }

// MiHeight returns the block height in grid units (at least 1).
func (b BlockSize) MiHeight() int { return 1 << miHeightLog2[b] }

// MiWidthLog2 returns log2 of the block width in grid units.
func (b BlockSize) MiWidthLog2() int { return miWidthLog2[b] }

// MiHeightLog2 returns log2 of the block height in grid units.
func (b BlockSize) MiHeightLog2() int { return miHeightLog2[b] }

// String returns the block size as "WxH".
func (b BlockSize) String() string {
	if b >= BlockSizes {
		return fmt.Sprintf("BlockSize(%d)", int(b))
	}
	return fmt.Sprintf("%dx%d", b.Width(), b.Height())
}

// GPUBlockSize enumerates the block sizes the device computes.
type GPUBlockSize uint8

const (
	GPUBlock32x32 GPUBlockSize = iota
	GPUBlock64x64

	// GPUBlockSizes is the number of device block sizes.
	GPUBlockSizes

	// GPUBlockInvalid marks a cell the device does not compute; the CPU
	// handles it itself.
	GPUBlockInvalid GPUBlockSize = 0xff
)

// actualBlockSize is ascending by area. Every offset computation is done
// on entry 0.
var actualBlockSize = [GPUBlockSizes]BlockSize{
	Block32x32,
	Block64x64,
}

var gpuBlockSize = [BlockSizes]GPUBlockSize{
	GPUBlockInvalid, // 4x4
	GPUBlockInvalid, // 4x8
	GPUBlockInvalid, // 8x4
	GPUBlockInvalid, // 8x8
	GPUBlockInvalid, // 8x16
	GPUBlockInvalid, // 16x8
	GPUBlockInvalid, // 16x16
	GPUBlockInvalid, // 16x32
	GPUBlockInvalid, // 32x16
	GPUBlock32x32,   // 32x32
	GPUBlockInvalid, // 32x64
	GPUBlockInvalid, // 64x32
	GPUBlock64x64,   // 64x64
}

// ActualBlockSize returns the concrete block size of a device block size.
// It panics on GPUBlockInvalid.
func ActualBlockSize(b GPUBlockSize) BlockSize {
	if b >= GPUBlockSizes {
		panic(fmt.Sprintf("grid: no actual block size for %v", b))
	}
	return actualBlockSize[b]
}

// GPUBlockSizeOf returns the device block size for a CPU block size, or
// GPUBlockInvalid when the device does not support it.
func GPUBlockSizeOf(b BlockSize) GPUBlockSize {
	if b >= BlockSizes {
		return GPUBlockInvalid
	}
	return gpuBlockSize[b]
}

// Valid reports whether the device computes blocks of this size.
func (b GPUBlockSize) Valid() bool { return b < GPUBlockSizes }

func (b GPUBlockSize) String() string {
	if !b.Valid() {
		return "invalid"
	}
	return actualBlockSize[b].String()
}
