package egpu

import "errors"

// Errors returned by the offload.
var (
	// ErrUnsupportedPartitionSearch is returned when the encoder uses a
	// partition search the device path has no input fill for.
	ErrUnsupportedPartitionSearch = errors.New("egpu: only variance-based partition search can be offloaded")

	// ErrTxModeNotSelect is returned when the frame does not use
	// TX_MODE_SELECT, which the device RD evaluation assumes.
	ErrTxModeNotSelect = errors.New("egpu: transform mode must be TX_MODE_SELECT")

	// ErrGridMismatch is returned when a frame's grid differs from the one
	// the interface buffers were allocated for.
	ErrGridMismatch = errors.New("egpu: frame grid does not match allocated buffers")

	// ErrNotAllocated is returned when a frame is run before
	// AllocateInterfaceBuffers.
	ErrNotAllocated = errors.New("egpu: interface buffers not allocated")

	// ErrEncoderState is returned when encoder tables or maps are missing or
	// sized for a different grid.
	ErrEncoderState = errors.New("egpu: inconsistent encoder state")

	// ErrClosed is returned by every call after Close.
	ErrClosed = errors.New("egpu: offload closed")
)
