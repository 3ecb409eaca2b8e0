// Package platform describes the physical memory services a driver needs
// from its host: contiguous DMA allocations, physical mappings and explicit
// cache maintenance.
package platform

import (
	"errors"
	"fmt"
)

// CacheOp selects a data cache maintenance operation.
type CacheOp int

const (
	// CacheClean writes dirty lines back to memory.
	CacheClean CacheOp = iota
	// CacheInvalidate discards cached lines so the next read comes from memory.
	CacheInvalidate
	// CacheCleanInvalidate writes back and then discards.
	CacheCleanInvalidate
)

func (op CacheOp) String() string {
	switch op {
	case CacheClean:
		return "clean"
	case CacheInvalidate:
		return "invalidate"
	case CacheCleanInvalidate:
		return "clean+invalidate"
	default:
		return fmt.Sprintf("CacheOp(%d)", int(op))
	}
}

// CachePolicy is the caching attribute of a physical mapping.
type CachePolicy int

const (
	CacheCached CachePolicy = iota
	CacheUncached
	CacheWriteCombining
)

func (p CachePolicy) String() string {
	switch p {
	case CacheCached:
		return "cached"
	case CacheUncached:
		return "uncached"
	case CacheWriteCombining:
		return "write-combining"
	default:
		return fmt.Sprintf("CachePolicy(%d)", int(p))
	}
}

// ErrOutOfRange is returned by cache operations that fall outside a region.
var ErrOutOfRange = errors.New("platform: range outside region")

// Buffer is a physically contiguous allocation owned by the caller.
type Buffer interface {
	// Bytes returns the CPU view of the buffer.
	Bytes() []byte
	// PhysAddr is the physical address of Bytes()[0].
	PhysAddr() uint64
	// CacheOp performs cache maintenance over [offset, offset+length).
	CacheOp(op CacheOp, offset, length int) error
	// Release returns the memory to the allocator. The buffer must not
	// be used afterwards.
	Release() error
}

// Mapping is a physical range mapped into the address space.
type Mapping interface {
	Bytes() []byte
	PhysAddr() uint64
	CacheOp(op CacheOp, offset, length int) error
	Unmap() error
}

// Allocator hands out physically contiguous memory.
type Allocator interface {
	AllocContiguous(size int) (Buffer, error)
}

// Mapper maps arbitrary physical ranges, typically device memory.
type Mapper interface {
	MapPhysical(phys uint64, size int, policy CachePolicy) (Mapping, error)
}

// Platform bundles the services consumed by the framebuffer negotiator.
type Platform interface {
	Allocator
	Mapper
}

// CheckRange validates a cache maintenance range against a region size.
func CheckRange(size, offset, length int) error {
	if offset < 0 || length < 0 || offset > size || length > size-offset {
		return fmt.Errorf("%w: [%d, %d) in region of %d bytes", ErrOutOfRange, offset, offset+length, size)
	}
	return nil
}
