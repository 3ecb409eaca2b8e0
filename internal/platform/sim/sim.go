// Package sim provides a platform backed by simulated physical memory.
//
// Cached buffers and mappings are modelled with a CPU-side shadow copy:
// stores land in the shadow and only reach physical memory on a clean,
// and physical memory only becomes visible to the CPU again after an
// invalidate. This makes missing or misordered cache maintenance show up
// as stale data, the same way it does on real hardware.
package sim

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vcfb/internal/physmem"
	"github.com/tinyrange/vcfb/internal/platform"
)

// CacheRecord is a cache maintenance operation observed by the platform.
type CacheRecord struct {
	Phys   uint64
	Op     platform.CacheOp
	Offset int
	Length int
}

// Platform implements platform.Platform over physmem.Memory.
type Platform struct {
	mem  *physmem.Memory
	heap *physmem.Regions
	log  *slog.Logger

	failAlloc error
	failMap   error

	mu       sync.Mutex
	ops      []CacheRecord
	allocs   int
	releases int
	maps     int
}

// Option configures a Platform.
type Option func(*Platform)

// WithHeap restricts contiguous allocations to [base, base+size).
func WithHeap(base, size uint64) Option {
	return func(p *Platform) { p.heap = physmem.NewRegions(base, size) }
}

// WithFailAlloc makes every AllocContiguous call fail with err.
func WithFailAlloc(err error) Option {
	return func(p *Platform) { p.failAlloc = err }
}

// WithFailMap makes every MapPhysical call fail with err.
func WithFailMap(err error) Option {
	return func(p *Platform) { p.failMap = err }
}

// WithLogger sets the logger used for debug records.
func WithLogger(l *slog.Logger) Option {
	return func(p *Platform) { p.log = l }
}

// New creates a platform over mem. Without WithHeap the whole of mem is
// available to AllocContiguous.
func New(mem *physmem.Memory, opts ...Option) *Platform {
	p := &Platform{
		mem: mem,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.heap == nil {
		p.heap = physmem.NewRegions(mem.Base(), mem.Size())
	}
	return p
}

// Memory returns the physical memory behind the platform.
func (p *Platform) Memory() *physmem.Memory { return p.mem }

// AllocContiguous implements platform.Allocator. Allocations carry only
// the allocator's natural 8 byte alignment.
func (p *Platform) AllocContiguous(size int) (platform.Buffer, error) {
	if p.failAlloc != nil {
		return nil, p.failAlloc
	}
	if size <= 0 {
		return nil, fmt.Errorf("sim: invalid allocation size %d", size)
	}
	region, err := p.heap.Allocate(physmem.Request{Name: "dma", Size: uint64(size)})
	if err != nil {
		return nil, err
	}

	b := &cachedRegion{p: p, phys: region.Base, shadow: make([]byte, size)}
	if err := b.fill(); err != nil {
		_ = p.heap.Free(region.Base)
		return nil, err
	}

	p.mu.Lock()
	p.allocs++
	p.mu.Unlock()

	p.log.Debug("sim alloc", "phys", fmt.Sprintf("0x%x", region.Base), "size", size)
	return &buffer{cachedRegion: b}, nil
}

// MapPhysical implements platform.Mapper.
func (p *Platform) MapPhysical(phys uint64, size int, policy platform.CachePolicy) (platform.Mapping, error) {
	if p.failMap != nil {
		return nil, p.failMap
	}
	if size < 0 || !p.mem.Contains(phys, uint64(size)) {
		return nil, fmt.Errorf("sim: cannot map [0x%x, +0x%x): outside physical memory", phys, size)
	}

	p.mu.Lock()
	p.maps++
	p.mu.Unlock()

	p.log.Debug("sim map", "phys", fmt.Sprintf("0x%x", phys), "size", size, "policy", policy)

	if policy != platform.CacheCached {
		view, err := p.mem.Slice(phys, size)
		if err != nil {
			return nil, err
		}
		return &uncachedMapping{p: p, phys: phys, view: view}, nil
	}

	m := &cachedRegion{p: p, phys: phys, shadow: make([]byte, size)}
	if err := m.fill(); err != nil {
		return nil, err
	}
	return &mapping{cachedRegion: m}, nil
}

// Ops returns the cache operations performed so far.
func (p *Platform) Ops() []CacheRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CacheRecord, len(p.ops))
	copy(out, p.ops)
	return out
}

// Stats reports how many allocations, releases and mappings were made.
func (p *Platform) Stats() (allocs, releases, maps int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocs, p.releases, p.maps
}

func (p *Platform) record(rec CacheRecord) {
	p.mu.Lock()
	p.ops = append(p.ops, rec)
	p.mu.Unlock()
}

// cachedRegion is a shadow copy of a physical range.
type cachedRegion struct {
	p      *Platform
	phys   uint64
	shadow []byte
}

func (c *cachedRegion) Bytes() []byte    { return c.shadow }
func (c *cachedRegion) PhysAddr() uint64 { return c.phys }

func (c *cachedRegion) fill() error {
	if len(c.shadow) == 0 {
		return nil
	}
	_, err := c.p.mem.ReadAt(c.shadow, int64(c.phys))
	return err
}

func (c *cachedRegion) CacheOp(op platform.CacheOp, offset, length int) error {
	if err := platform.CheckRange(len(c.shadow), offset, length); err != nil {
		return err
	}
	c.p.record(CacheRecord{Phys: c.phys, Op: op, Offset: offset, Length: length})
	if length == 0 {
		return nil
	}

	addr := int64(c.phys) + int64(offset)
	window := c.shadow[offset : offset+length]
	switch op {
	case platform.CacheClean:
		_, err := c.p.mem.WriteAt(window, addr)
		return err
	case platform.CacheInvalidate:
		_, err := c.p.mem.ReadAt(window, addr)
		return err
	case platform.CacheCleanInvalidate:
		if _, err := c.p.mem.WriteAt(window, addr); err != nil {
			return err
		}
		_, err := c.p.mem.ReadAt(window, addr)
		return err
	default:
		return fmt.Errorf("sim: unknown cache op %v", op)
	}
}

type buffer struct {
	*cachedRegion
	released bool
}

func (b *buffer) Release() error {
	if b.released {
		return fmt.Errorf("sim: buffer at 0x%x released twice", b.phys)
	}
	b.released = true
	if err := b.p.heap.Free(b.phys); err != nil {
		return err
	}
	b.p.mu.Lock()
	b.p.releases++
	b.p.mu.Unlock()
	return nil
}

type mapping struct {
	*cachedRegion
}

func (m *mapping) Unmap() error {
	m.shadow = nil
	return nil
}

type uncachedMapping struct {
	p    *Platform
	phys uint64
	view []byte
}

func (m *uncachedMapping) Bytes() []byte    { return m.view }
func (m *uncachedMapping) PhysAddr() uint64 { return m.phys }

func (m *uncachedMapping) CacheOp(op platform.CacheOp, offset, length int) error {
	if err := platform.CheckRange(len(m.view), offset, length); err != nil {
		return err
	}
	m.p.record(CacheRecord{Phys: m.phys, Op: op, Offset: offset, Length: length})
	return nil
}

func (m *uncachedMapping) Unmap() error {
	m.view = nil
	return nil
}

var (
	_ platform.Platform = (*Platform)(nil)
	_ platform.Buffer   = (*buffer)(nil)
	_ platform.Mapping  = (*mapping)(nil)
	_ platform.Mapping  = (*uncachedMapping)(nil)
)
