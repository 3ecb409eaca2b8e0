package physmem

import (
	"fmt"
	"sort"
	"sync"
)

// Region is an allocated physical range.
type Region struct {
	Name string
	Base uint64
	Size uint64
}

// End returns the first address after the region.
func (r Region) End() uint64 { return r.Base + r.Size }

// Request describes an allocation.
type Request struct {
	Name      string
	Size      uint64
	Alignment uint64
}

// Regions allocates aligned ranges from [base, base+size) first-fit.
type Regions struct {
	mu sync.Mutex

	base uint64
	size uint64

	// allocations is kept sorted by Base.
	allocations []Region
}

// NewRegions creates an allocator managing [base, base+size).
func NewRegions(base, size uint64) *Regions {
	return &Regions{base: base, size: size}
}

// Allocate reserves a range satisfying req. The default alignment is 8
// bytes, the natural alignment of a general purpose allocator.
func (r *Regions) Allocate(req Request) (Region, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if req.Size == 0 {
		return Region{}, fmt.Errorf("physmem: cannot allocate zero-size region for %s", req.Name)
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = 8
	}
	if alignment&(alignment-1) != 0 {
		return Region{}, fmt.Errorf("physmem: alignment 0x%x is not a power of 2 for %s", alignment, req.Name)
	}

	limit := r.base + r.size
	cursor := r.base
	for i := 0; i <= len(r.allocations); i++ {
		gapEnd := limit
		if i < len(r.allocations) {
			gapEnd = r.allocations[i].Base
		}
		start := alignUp(cursor, alignment)
		if start >= cursor && start+req.Size >= start && start+req.Size <= gapEnd {
			region := Region{Name: req.Name, Base: start, Size: req.Size}
			r.allocations = append(r.allocations, Region{})
			copy(r.allocations[i+1:], r.allocations[i:])
			r.allocations[i] = region
			return region, nil
		}
		if i < len(r.allocations) {
			cursor = r.allocations[i].End()
		}
	}

	return Region{}, fmt.Errorf("physmem: no contiguous range of 0x%x bytes (align 0x%x) for %s",
		req.Size, alignment, req.Name)
}

// Free returns a previously allocated region.
func (r *Regions) Free(base uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := sort.Search(len(r.allocations), func(i int) bool { return r.allocations[i].Base >= base })
	if i == len(r.allocations) || r.allocations[i].Base != base {
		return fmt.Errorf("physmem: no allocation at 0x%x", base)
	}
	r.allocations = append(r.allocations[:i], r.allocations[i+1:]...)
	return nil
}

// Allocations returns a copy of the live allocations in address order.
func (r *Regions) Allocations() []Region {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]Region, len(r.allocations))
	copy(result, r.allocations)
	return result
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
