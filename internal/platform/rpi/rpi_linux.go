//go:build linux

// Package rpi runs the framebuffer driver from Linux user space on a
// Raspberry Pi, using /dev/vcio for contiguous GPU memory and /dev/mem for
// physical mappings and the mailbox registers.
package rpi

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vcfb/internal/framebuffer"
	"github.com/tinyrange/vcfb/internal/mailbox"
	"github.com/tinyrange/vcfb/internal/platform"
)

// Config locates the devices and the peripheral window.
type Config struct {
	MemDevice      string
	VCIODevice     string
	PeripheralBase uint64
	BusAlias       uint32
	PollInterval   time.Duration
	Logger         *slog.Logger
}

// Board is a Raspberry Pi seen from Linux user space.
type Board struct {
	cfg  Config
	log  *slog.Logger
	vcio *vcio

	// syncMem is /dev/mem opened O_SYNC. Every mapping goes through it,
	// so the kernel maps physical memory uncached.
	syncMem *os.File

	regsMapping []byte
	transport   *mailbox.FramebufferChannel
}

// Open maps the mailbox registers and opens the property interface.
func Open(cfg Config) (*Board, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b := &Board{cfg: cfg, log: cfg.Logger}

	var err error
	if b.vcio, err = openVCIO(cfg.VCIODevice); err != nil {
		return nil, err
	}
	if b.syncMem, err = os.OpenFile(cfg.MemDevice, os.O_RDWR|os.O_SYNC, 0); err != nil {
		b.Close()
		return nil, fmt.Errorf("rpi: open %s: %w", cfg.MemDevice, err)
	}

	regsPhys := cfg.PeripheralBase + mailbox.Offset
	window, mapping, err := mmapPhys(b.syncMem, regsPhys, mailbox.Size)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("rpi: map mailbox registers at 0x%x: %w", regsPhys, err)
	}
	b.regsMapping = mapping

	regs, err := mailbox.NewMemRegisters(window)
	if err != nil {
		b.Close()
		return nil, err
	}
	mb := mailbox.New(regs,
		mailbox.WithPollInterval(cfg.PollInterval),
		mailbox.WithLogger(cfg.Logger))
	b.transport = mailbox.NewFramebufferChannel(mb, cfg.BusAlias)

	b.log.Debug("rpi board opened", "mailbox", fmt.Sprintf("0x%x", regsPhys))
	return b, nil
}

// Platform returns the board's memory services.
func (b *Board) Platform() platform.Platform { return b }

// Transport returns the framebuffer mailbox channel.
func (b *Board) Transport() framebuffer.Transport { return b.transport }

// Close releases the mappings and device handles.
func (b *Board) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.regsMapping != nil {
		keep(unix.Munmap(b.regsMapping))
		b.regsMapping = nil
	}
	if b.syncMem != nil {
		keep(b.syncMem.Close())
	}
	if b.vcio != nil {
		keep(b.vcio.Close())
	}
	return firstErr
}

// AllocContiguous implements platform.Allocator with GPU memory, which is
// physically contiguous and visible to the firmware.
func (b *Board) AllocContiguous(size int) (platform.Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("rpi: invalid allocation size %d", size)
	}
	pageSize := unix.Getpagesize()
	allocSize := uint32((size + pageSize - 1) / pageSize * pageSize)

	handle, err := b.vcio.memAlloc(allocSize, uint32(pageSize), directCoherent)
	if err != nil {
		return nil, err
	}
	bus, err := b.vcio.memLock(handle)
	if err != nil {
		_ = b.vcio.memRelease(handle)
		return nil, err
	}

	phys := framebuffer.StripBusAlias(bus)
	window, mapping, err := mmapPhys(b.syncMem, phys, size)
	if err != nil {
		_ = b.vcio.memUnlock(handle)
		_ = b.vcio.memRelease(handle)
		return nil, fmt.Errorf("rpi: map GPU memory at 0x%x: %w", phys, err)
	}

	b.log.Debug("rpi alloc", "handle", handle, "bus", fmt.Sprintf("0x%x", bus), "size", size)
	return &gpuBuffer{
		region: region{phys: phys, window: window, mapping: mapping},
		vcio:   b.vcio,
		handle: handle,
	}, nil
}

// MapPhysical implements platform.Mapper. Cached requests are downgraded
// to uncached mappings: msync cannot clean the CPU data cache for a
// /dev/mem mapping, so a cached framebuffer could hold writes the display
// never sees.
func (b *Board) MapPhysical(phys uint64, size int, policy platform.CachePolicy) (platform.Mapping, error) {
	if policy == platform.CacheCached {
		b.log.Debug("rpi mapping cached range uncached", "phys", fmt.Sprintf("0x%x", phys), "size", size)
	}
	window, mapping, err := mmapPhys(b.syncMem, phys, size)
	if err != nil {
		return nil, fmt.Errorf("rpi: map 0x%x (+0x%x): %w", phys, size, err)
	}
	return &region{phys: phys, window: window, mapping: mapping}, nil
}

// mmapPhys maps [phys, phys+size) of f. window is the requested range and
// mapping the page-aligned mapping to pass to Munmap.
func mmapPhys(f *os.File, phys uint64, size int) (window, mapping []byte, err error) {
	pageSize := uint64(unix.Getpagesize())
	pageBase := phys &^ (pageSize - 1)
	lead := int(phys - pageBase)
	length := (uint64(lead+size) + pageSize - 1) &^ (pageSize - 1)
	if length == 0 {
		return []byte{}, nil, nil
	}

	mapping, err = unix.Mmap(int(f.Fd()), int64(pageBase), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}
	return mapping[lead : lead+size : lead+size], mapping, nil
}

// region is a /dev/mem mapping.
//
// User space cannot issue data cache maintenance by virtual address on
// every Pi kernel, so cache operations fall back to msync over the pages
// covering the range. That only orders writes; it is sufficient because
// every region is mapped O_SYNC and GPU buffers use the uncached bus alias.
type region struct {
	phys    uint64
	window  []byte
	mapping []byte
}

func (r *region) Bytes() []byte    { return r.window }
func (r *region) PhysAddr() uint64 { return r.phys }

func (r *region) CacheOp(op platform.CacheOp, offset, length int) error {
	if err := platform.CheckRange(len(r.window), offset, length); err != nil {
		return err
	}
	if length == 0 || r.mapping == nil {
		return nil
	}

	flags := unix.MS_SYNC
	if op != platform.CacheClean {
		flags |= unix.MS_INVALIDATE
	}
	pageSize := unix.Getpagesize()
	lead := int(r.phys % uint64(pageSize))
	start := (lead + offset) / pageSize * pageSize
	end := lead + offset + length
	return unix.Msync(r.mapping[start:end], flags)
}

func (r *region) Unmap() error {
	if r.mapping == nil {
		return nil
	}
	err := unix.Munmap(r.mapping)
	r.mapping, r.window = nil, nil
	return err
}

type gpuBuffer struct {
	region
	vcio   *vcio
	handle uint32
}

func (g *gpuBuffer) Release() error {
	if err := g.Unmap(); err != nil {
		return err
	}
	if err := g.vcio.memUnlock(g.handle); err != nil {
		return err
	}
	return g.vcio.memRelease(g.handle)
}

var (
	_ platform.Platform = (*Board)(nil)
	_ platform.Buffer   = (*gpuBuffer)(nil)
	_ platform.Mapping  = (*region)(nil)
)
