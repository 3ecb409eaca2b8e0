package framebuffer

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vcfb/internal/physmem"
	"github.com/tinyrange/vcfb/internal/platform"
	"github.com/tinyrange/vcfb/internal/platform/sim"
)

const (
	testMemBase = 0x3D000000
	testMemSize = 0x2000000
	testFbBase  = 0x3E000000
)

// fakeFirmware answers framebuffer requests by reading the descriptor from
// physical memory and writing a canned response in its place.
type fakeFirmware struct {
	mem  *physmem.Memory
	plat *sim.Platform

	pitch, base, size uint32
	err               error
	block             bool

	calls     int
	phys      uint32
	req       Descriptor
	opsAtCall []sim.CacheRecord
}

func (f *fakeFirmware) SetFramebuffer(ctx context.Context, phys uint32) error {
	f.calls++
	f.phys = phys
	f.opsAtCall = f.plat.Ops()

	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}

	buf := make([]byte, DescriptorSize)
	if _, err := f.mem.ReadAt(buf, int64(phys)); err != nil {
		return err
	}
	if err := f.req.UnmarshalBinary(buf); err != nil {
		return err
	}

	resp := f.req
	resp.Pitch = f.pitch
	resp.BaseAddr = f.base
	resp.Size = f.size
	out, _ := resp.MarshalBinary()
	_, err := f.mem.WriteAt(out, int64(phys))
	return err
}

type fixture struct {
	mem  *physmem.Memory
	plat *sim.Platform
	fw   *fakeFirmware
	neg  *Negotiator
}

func newFixture(t *testing.T, heapBase uint64, simOpts []sim.Option, opts ...Option) *fixture {
	t.Helper()
	mem := physmem.New(testMemBase, testMemSize)
	simOpts = append([]sim.Option{sim.WithHeap(heapBase, 0x10000)}, simOpts...)
	plat := sim.New(mem, simOpts...)
	fw := &fakeFirmware{
		mem:   mem,
		plat:  plat,
		pitch: 3200,
		base:  0xC0000000 | testFbBase,
		size:  1536000,
	}
	return &fixture{
		mem:  mem,
		plat: plat,
		fw:   fw,
		neg:  New(fw, plat, opts...),
	}
}

var lcd = Geometry{Width: 800, Height: 480, VirtualWidth: 800, VirtualHeight: 480, Depth: 32}

func TestAcquireSendsExactRequest(t *testing.T) {
	for _, depth := range []uint32{8, 16, 24, 32} {
		f := newFixture(t, testMemBase, nil)
		g := lcd
		g.Depth = depth

		_, err := f.neg.Acquire(context.Background(), g)
		require.NoError(t, err)

		require.Equal(t, g.Request(), f.fw.req)
		require.Zero(t, f.fw.req.Pitch)
		require.Zero(t, f.fw.req.BaseAddr)
		require.Zero(t, f.fw.req.Size)
	}
}

func TestAcquireAlignsDescriptor(t *testing.T) {
	// The heap starts 8 bytes past a 16 byte boundary.
	f := newFixture(t, testMemBase+8, nil)

	_, err := f.neg.Acquire(context.Background(), lcd)
	require.NoError(t, err)

	require.Zero(t, f.fw.phys%DescriptorAlignment)
	require.Equal(t, uint32(testMemBase+16), f.fw.phys)
}

func TestAcquireScenario800x480(t *testing.T) {
	f := newFixture(t, testMemBase, nil)

	// Firmware memory is not guaranteed to be clean.
	junk := bytes.Repeat([]byte{0xa5}, 1536000)
	_, err := f.mem.WriteAt(junk, testFbBase)
	require.NoError(t, err)

	fb, err := f.neg.Acquire(context.Background(), lcd)
	require.NoError(t, err)

	require.Equal(t, uint32(3200), fb.Pitch())
	require.Equal(t, uint64(testFbBase), fb.PhysAddr())
	require.Equal(t, 1536000, fb.Size())
	require.Equal(t, make([]byte, 1536000), fb.Bytes())
	require.Same(t, fb, f.neg.Framebuffer())
}

func TestAcquireIsIdempotent(t *testing.T) {
	f := newFixture(t, testMemBase, nil)

	first, err := f.neg.Acquire(context.Background(), lcd)
	require.NoError(t, err)
	second, err := f.neg.Acquire(context.Background(), Geometry{Width: 1, Height: 1, Depth: 8})
	require.NoError(t, err)

	require.Same(t, first, second)
	require.Equal(t, first.Size(), second.Size())
	require.Same(t, &first.Bytes()[0], &second.Bytes()[0])
	require.Equal(t, 1, f.fw.calls)

	_, _, maps := f.plat.Stats()
	require.Equal(t, 1, maps)
}

func TestAcquireCacheMaintenanceOrder(t *testing.T) {
	f := newFixture(t, testMemBase, nil)

	_, err := f.neg.Acquire(context.Background(), lcd)
	require.NoError(t, err)

	txnSize := DescriptorSize + DescriptorAlignment
	require.Equal(t, []sim.CacheRecord{
		{Phys: testMemBase, Op: platform.CacheClean, Offset: 0, Length: txnSize},
	}, f.fw.opsAtCall)

	require.Equal(t, []sim.CacheRecord{
		{Phys: testMemBase, Op: platform.CacheClean, Offset: 0, Length: txnSize},
		{Phys: testMemBase, Op: platform.CacheInvalidate, Offset: 0, Length: txnSize},
	}, f.plat.Ops())

	allocs, releases, _ := f.plat.Stats()
	require.Equal(t, 1, allocs)
	require.Equal(t, 1, releases)
}

func TestFlushCoversWholeFramebuffer(t *testing.T) {
	f := newFixture(t, testMemBase, nil)

	fb, err := f.neg.Acquire(context.Background(), lcd)
	require.NoError(t, err)

	fb.Bytes()[0] = 0xff
	fb.Bytes()[fb.Size()-1] = 0xee
	require.NoError(t, fb.Flush())

	ops := f.plat.Ops()
	require.Equal(t, sim.CacheRecord{Phys: testFbBase, Op: platform.CacheClean, Offset: 0, Length: 1536000}, ops[len(ops)-1])

	got := make([]byte, 1)
	_, err = f.mem.ReadAt(got, testFbBase+1536000-1)
	require.NoError(t, err)
	require.Equal(t, byte(0xee), got[0])
}

func TestAcquireZeroSize(t *testing.T) {
	f := newFixture(t, testMemBase, nil)
	f.fw.size = 0

	fb, err := f.neg.Acquire(context.Background(), lcd)
	require.NoError(t, err)
	require.NotNil(t, fb.Bytes())
	require.Empty(t, fb.Bytes())
	require.Zero(t, fb.Size())
	require.NoError(t, fb.Flush())

	_, _, maps := f.plat.Stats()
	require.Zero(t, maps)
}

func TestAcquireAllocationFailure(t *testing.T) {
	f := newFixture(t, testMemBase, []sim.Option{sim.WithFailAlloc(errors.New("no contiguous memory"))})

	_, err := f.neg.Acquire(context.Background(), lcd)
	require.ErrorIs(t, err, ErrAllocation)
	require.Zero(t, f.fw.calls)
	require.Nil(t, f.neg.Framebuffer())
}

func TestAcquireInvalidGeometry(t *testing.T) {
	f := newFixture(t, testMemBase, nil)

	_, err := f.neg.Acquire(context.Background(), Geometry{Width: 800, Height: 480, Depth: 15})
	require.ErrorIs(t, err, ErrInvalidGeometry)
	require.Zero(t, f.fw.calls)

	allocs, _, _ := f.plat.Stats()
	require.Zero(t, allocs)

	// Nothing was committed, so a valid request still goes through.
	_, err = f.neg.Acquire(context.Background(), lcd)
	require.NoError(t, err)
}

func TestAcquireTransportRejectionIsSticky(t *testing.T) {
	f := newFixture(t, testMemBase, nil)
	rejected := errors.New("firmware rejected request")
	f.fw.err = rejected

	_, err := f.neg.Acquire(context.Background(), lcd)
	require.ErrorIs(t, err, ErrNegotiation)
	require.ErrorIs(t, err, rejected)

	f.fw.err = nil
	_, again := f.neg.Acquire(context.Background(), lcd)
	require.ErrorIs(t, again, ErrNegotiation)
	require.Equal(t, 1, f.fw.calls)

	// The transaction buffer is released on the failure path too.
	_, releases, _ := f.plat.Stats()
	require.Equal(t, 1, releases)
}

func TestAcquireTimeout(t *testing.T) {
	f := newFixture(t, testMemBase, nil, WithTimeout(10*time.Millisecond))
	f.fw.block = true

	_, err := f.neg.Acquire(context.Background(), lcd)
	require.ErrorIs(t, err, ErrNegotiation)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The firmware may still answer into the transaction buffer.
	allocs, releases, _ := f.plat.Stats()
	require.Equal(t, 1, allocs)
	require.Zero(t, releases)
}

func TestAcquireCanceledLeavesBufferAllocated(t *testing.T) {
	f := newFixture(t, testMemBase, nil)
	f.fw.block = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := f.neg.Acquire(ctx, lcd)
	require.ErrorIs(t, err, ErrNegotiation)
	require.ErrorIs(t, err, context.Canceled)

	_, releases, maps := f.plat.Stats()
	require.Zero(t, releases)
	require.Zero(t, maps)
}

func TestAcquireRejectsUnaddressableSize(t *testing.T) {
	saved := maxMapping
	maxMapping = 0xFFFF
	t.Cleanup(func() { maxMapping = saved })

	f := newFixture(t, testMemBase, nil)
	_, err := f.neg.Acquire(context.Background(), lcd)
	require.ErrorIs(t, err, ErrMapping)

	_, _, maps := f.plat.Stats()
	require.Zero(t, maps)
}

func TestAcquireMappingFailure(t *testing.T) {
	mapErr := errors.New("no such range")
	f := newFixture(t, testMemBase, []sim.Option{sim.WithFailMap(mapErr)})

	_, err := f.neg.Acquire(context.Background(), lcd)
	require.ErrorIs(t, err, ErrMapping)
	require.ErrorIs(t, err, mapErr)

	_, err = f.neg.Acquire(context.Background(), lcd)
	require.ErrorIs(t, err, ErrMapping)
	require.Equal(t, 1, f.fw.calls)
}

func TestNilFramebufferIsSafe(t *testing.T) {
	var fb *Framebuffer
	require.Empty(t, fb.Bytes())
	require.NoError(t, fb.Flush())
}
