// Package physmem models a flat region of physical RAM and a simple
// allocator for carving aligned ranges out of it.
package physmem

import (
	"fmt"
	"io"
	"sync"
)

// Memory is a block of physical RAM starting at Base.
//
// It is the backing store shared by the simulated CPU and the emulated
// co-processor: both sides address it by physical address.
type Memory struct {
	mu   sync.RWMutex
	base uint64
	data []byte
}

// New allocates size bytes of zeroed RAM at the given physical base.
func New(base, size uint64) *Memory {
	return &Memory{
		base: base,
		data: make([]byte, size),
	}
}

// Base returns the first physical address backed by this memory.
func (m *Memory) Base() uint64 { return m.base }

// Size returns the amount of RAM in bytes.
func (m *Memory) Size() uint64 { return uint64(len(m.data)) }

// End returns the first physical address after RAM.
func (m *Memory) End() uint64 { return m.base + uint64(len(m.data)) }

// Contains reports whether [phys, phys+n) lies within RAM.
func (m *Memory) Contains(phys, n uint64) bool {
	if phys < m.base {
		return false
	}
	end := phys + n
	if end < phys {
		return false
	}
	return end <= m.End()
}

func (m *Memory) offset(phys uint64, n int) (uint64, error) {
	if n < 0 || !m.Contains(phys, uint64(n)) {
		return 0, fmt.Errorf("physmem: access [0x%x, 0x%x) outside RAM [0x%x, 0x%x)",
			phys, phys+uint64(n), m.base, m.End())
	}
	return phys - m.base, nil
}

// ReadAt implements io.ReaderAt with off interpreted as a physical address.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("physmem: negative address %d", off)
	}
	o, err := m.offset(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copy(p, m.data[o:]), nil
}

// WriteAt implements io.WriterAt with off interpreted as a physical address.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("physmem: negative address %d", off)
	}
	o, err := m.offset(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return copy(m.data[o:], p), nil
}

// Slice returns a view of [phys, phys+n) that aliases RAM directly.
// Accesses through the slice bypass the memory lock; it models an
// uncached mapping.
func (m *Memory) Slice(phys uint64, n int) ([]byte, error) {
	o, err := m.offset(phys, n)
	if err != nil {
		return nil, err
	}
	return m.data[o : o+uint64(n) : o+uint64(n)], nil
}

var (
	_ io.ReaderAt = (*Memory)(nil)
	_ io.WriterAt = (*Memory)(nil)
)
