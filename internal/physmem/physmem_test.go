package physmem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryReadWriteAt(t *testing.T) {
	mem := New(0x1000, 0x100)

	n, err := mem.WriteAt([]byte{1, 2, 3, 4}, 0x1010)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	buf := make([]byte, 4)
	_, err = mem.ReadAt(buf, 0x1010)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, buf)

	view, err := mem.Slice(0x1012, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{3, 4}, view)
	view[0] = 9

	_, err = mem.ReadAt(buf[:1], 0x1012)
	require.NoError(t, err)
	require.Equal(t, byte(9), buf[0])
}

func TestMemoryOutOfBounds(t *testing.T) {
	mem := New(0x1000, 0x100)

	_, err := mem.WriteAt([]byte{1}, 0xfff)
	require.Error(t, err)
	_, err = mem.ReadAt(make([]byte, 2), 0x10ff)
	require.Error(t, err)
	_, err = mem.Slice(0x1100, 1)
	require.Error(t, err)

	// An empty access at the end is valid.
	_, err = mem.Slice(0x1100, 0)
	require.NoError(t, err)
}

func TestRegionsAllocateAligned(t *testing.T) {
	r := NewRegions(0x1004, 0x1000)

	a, err := r.Allocate(Request{Name: "a", Size: 3})
	require.NoError(t, err)
	require.Equal(t, uint64(0x1008), a.Base)

	b, err := r.Allocate(Request{Name: "b", Size: 0x20, Alignment: 0x100})
	require.NoError(t, err)
	require.Equal(t, uint64(0x1100), b.Base)

	// First fit reuses the gap before b.
	c, err := r.Allocate(Request{Name: "c", Size: 0x10})
	require.NoError(t, err)
	require.Equal(t, uint64(0x1010), c.Base)

	require.Len(t, r.Allocations(), 3)
}

func TestRegionsFreeAndExhaustion(t *testing.T) {
	r := NewRegions(0, 0x100)

	a, err := r.Allocate(Request{Name: "a", Size: 0x100})
	require.NoError(t, err)

	_, err = r.Allocate(Request{Name: "b", Size: 1})
	require.Error(t, err)

	require.NoError(t, r.Free(a.Base))
	require.Error(t, r.Free(a.Base))

	_, err = r.Allocate(Request{Name: "b", Size: 1})
	require.NoError(t, err)
}

func TestRegionsRejectsBadRequests(t *testing.T) {
	r := NewRegions(0, 0x100)

	_, err := r.Allocate(Request{Name: "zero"})
	require.Error(t, err)

	_, err = r.Allocate(Request{Name: "odd", Size: 4, Alignment: 3})
	require.Error(t, err)
}
