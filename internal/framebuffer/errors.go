package framebuffer

import "errors"

var (
	// ErrInvalidGeometry is returned before any side effect for a request
	// the firmware cannot honour.
	ErrInvalidGeometry = errors.New("framebuffer: invalid geometry")

	// ErrAllocation means the transaction buffer could not be allocated.
	// Nothing has been sent to the firmware.
	ErrAllocation = errors.New("framebuffer: transaction buffer allocation failed")

	// ErrNegotiation means the transport rejected the request or timed
	// out. The firmware may have committed part of the allocation.
	ErrNegotiation = errors.New("framebuffer: negotiation failed")

	// ErrMapping means the allocated range could not be mapped. The
	// firmware-side allocation is leaked.
	ErrMapping = errors.New("framebuffer: mapping failed")
)
