// Package videocore emulates the part of the VideoCore firmware that
// answers the ARM mailbox: framebuffer allocation on the legacy
// framebuffer channel.
package videocore

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vcfb/internal/chipset"
	"github.com/tinyrange/vcfb/internal/framebuffer"
	"github.com/tinyrange/vcfb/internal/mailbox"
	"github.com/tinyrange/vcfb/internal/physmem"
)

// Default addresses for a BCM2836/BCM2837 board.
const (
	DefaultPeripheralBase = 0x3F000000
	BusAliasUncached      = 0xC0000000
)

// uninitialisedByte fills fresh framebuffer allocations; firmware memory
// is not cleared between users.
const uninitialisedByte = 0xA5

// Reply statuses on the framebuffer channel.
const (
	statusOK      = 0
	statusInvalid = 1
)

// Firmware is the emulated VideoCore side of the mailbox.
type Firmware struct {
	mu sync.Mutex

	mem      *physmem.Memory
	base     uint64
	gpu      *physmem.Regions
	busAlias uint32
	irq      chipset.Interrupt
	log      *slog.Logger

	config  uint32
	replies []uint32

	fb       physmem.Region
	hasFrame bool
	requests int
}

// Option configures the firmware.
type Option func(*Firmware)

// WithPeripheralBase moves the peripheral window; the mailbox sits at
// base+mailbox.Offset.
func WithPeripheralBase(base uint64) Option {
	return func(f *Firmware) { f.base = base + mailbox.Offset }
}

// WithGPUMemory sets the range the firmware allocates framebuffers from.
// It must lie inside the physical memory passed to New.
func WithGPUMemory(base, size uint64) Option {
	return func(f *Firmware) { f.gpu = physmem.NewRegions(base, size) }
}

// WithBusAlias sets the alias bits reported in framebuffer addresses.
func WithBusAlias(alias uint32) Option {
	return func(f *Firmware) { f.busAlias = alias }
}

// WithInterrupt sets the line pulsed when a reply is queued.
func WithInterrupt(line chipset.Interrupt) Option {
	return func(f *Firmware) { f.irq = line }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Firmware) { f.log = l }
}

// New creates the firmware over mem. By default the upper half of mem is
// reserved for the GPU.
func New(mem *physmem.Memory, opts ...Option) *Firmware {
	half := mem.Size() / 2
	f := &Firmware{
		mem:      mem,
		base:     DefaultPeripheralBase + mailbox.Offset,
		gpu:      physmem.NewRegions(mem.Base()+half, mem.Size()-half),
		busAlias: BusAliasUncached,
		irq:      chipset.Disconnected,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// MailboxBase returns the physical address of the mailbox registers.
func (f *Firmware) MailboxBase() uint64 { return f.base }

// Framebuffer returns the current framebuffer allocation.
func (f *Firmware) Framebuffer() (physmem.Region, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fb, f.hasFrame
}

// Requests returns the number of framebuffer requests handled.
func (f *Firmware) Requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

// Start implements chipset.Lifecycle.
func (f *Firmware) Start() error { return nil }

// Stop implements chipset.Lifecycle.
func (f *Firmware) Stop() error { return nil }

// Reset implements chipset.Lifecycle. The framebuffer allocation
// survives a reset, as it does on hardware.
func (f *Firmware) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = nil
	f.config = 0
	return nil
}

// Regions implements chipset.Device.
func (f *Firmware) Regions() []chipset.Region {
	return []chipset.Region{{Base: f.base, Size: mailbox.Size}}
}

// ReadMMIO implements chipset.Handler.
func (f *Firmware) ReadMMIO(addr uint64, data []byte) error {
	offset, err := f.regOffset(addr, data)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var value uint32
	switch offset {
	case mailbox.RegRead:
		if len(f.replies) > 0 {
			value = f.replies[0]
			f.replies = f.replies[1:]
		}
	case mailbox.RegPeek:
		if len(f.replies) > 0 {
			value = f.replies[0]
		}
	case mailbox.RegStatus:
		if len(f.replies) == 0 {
			value |= mailbox.StatusEmpty
		}
	case mailbox.RegConfig:
		value = f.config
	}
	binary.LittleEndian.PutUint32(data, value)
	return nil
}

// WriteMMIO implements chipset.Handler.
func (f *Firmware) WriteMMIO(addr uint64, data []byte) error {
	offset, err := f.regOffset(addr, data)
	if err != nil {
		return err
	}
	value := binary.LittleEndian.Uint32(data)

	switch offset {
	case mailbox.RegWrite:
		f.handleMessage(value)
	case mailbox.RegConfig:
		f.mu.Lock()
		f.config = value
		f.mu.Unlock()
	default:
		f.log.Debug("videocore write to read-only register", "offset", fmt.Sprintf("0x%x", offset))
	}
	return nil
}

func (f *Firmware) regOffset(addr uint64, data []byte) (uint64, error) {
	if len(data) != 4 {
		return 0, fmt.Errorf("videocore: %d byte access at 0x%x, want 4", len(data), addr)
	}
	if addr < f.base || addr+4 > f.base+mailbox.Size {
		return 0, fmt.Errorf("videocore: address 0x%x out of bounds", addr)
	}
	return addr - f.base, nil
}

func (f *Firmware) handleMessage(msg uint32) {
	channel := msg & 0xF
	payload := msg &^ 0xF

	status := uint32(statusInvalid)
	if channel == mailbox.ChannelFramebuffer {
		if err := f.handleFramebuffer(payload); err != nil {
			f.log.Warn("videocore framebuffer request failed", "err", err)
		} else {
			status = statusOK
		}
	} else {
		f.log.Debug("videocore unsupported channel", "channel", channel)
	}

	f.mu.Lock()
	f.replies = append(f.replies, status<<4|channel)
	f.mu.Unlock()
	f.irq.Pulse()
}

// handleFramebuffer reads the descriptor at bus address addr, allocates
// the framebuffer and writes the response over the request.
func (f *Firmware) handleFramebuffer(addr uint32) error {
	phys := framebuffer.StripBusAlias(addr)

	var raw [framebuffer.DescriptorSize]byte
	if _, err := f.mem.ReadAt(raw[:], int64(phys)); err != nil {
		return fmt.Errorf("read descriptor: %w", err)
	}
	var desc framebuffer.Descriptor
	if err := desc.UnmarshalBinary(raw[:]); err != nil {
		return err
	}

	f.log.Debug("videocore framebuffer request",
		"phys", fmt.Sprintf("0x%x", phys),
		"width", desc.PhysWidth, "height", desc.PhysHeight,
		"virt_width", desc.VirtWidth, "virt_height", desc.VirtHeight,
		"depth", desc.Depth)

	if desc.VirtWidth == 0 || desc.VirtHeight == 0 || desc.PhysWidth == 0 || desc.PhysHeight == 0 {
		return fmt.Errorf("invalid geometry %dx%d virtual %dx%d",
			desc.PhysWidth, desc.PhysHeight, desc.VirtWidth, desc.VirtHeight)
	}
	switch desc.Depth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("unsupported depth %d", desc.Depth)
	}

	pitch := Pitch(desc.VirtWidth, desc.Depth)
	size := uint64(pitch) * uint64(desc.VirtHeight)
	if size > 0xFFFFFFFF {
		return fmt.Errorf("framebuffer of %d bytes does not fit the descriptor", size)
	}

	region, err := f.allocate(size)
	if err != nil {
		return err
	}

	desc.Pitch = pitch
	desc.BaseAddr = uint32(region.Base) | f.busAlias
	desc.Size = uint32(size)
	out, _ := desc.MarshalBinary()
	if _, err := f.mem.WriteAt(out, int64(phys)); err != nil {
		return fmt.Errorf("write response: %w", err)
	}

	f.mu.Lock()
	f.requests++
	f.mu.Unlock()

	f.log.Debug("videocore framebuffer allocated",
		"base", fmt.Sprintf("0x%x", region.Base), "pitch", pitch, "size", size)
	return nil
}

// allocate returns a GPU region of at least size bytes, reusing the
// current framebuffer when it is large enough.
func (f *Firmware) allocate(size uint64) (physmem.Region, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.hasFrame {
		if f.fb.Size >= size {
			f.fb.Size = size
			return f.fb, nil
		}
		if err := f.gpu.Free(f.fb.Base); err != nil {
			return physmem.Region{}, err
		}
		f.hasFrame = false
	}

	region, err := f.gpu.Allocate(physmem.Request{Name: "framebuffer", Size: size, Alignment: 0x1000})
	if err != nil {
		return physmem.Region{}, err
	}

	junk, err := f.mem.Slice(region.Base, int(size))
	if err != nil {
		_ = f.gpu.Free(region.Base)
		return physmem.Region{}, err
	}
	for i := range junk {
		junk[i] = uninitialisedByte
	}

	f.fb = region
	f.hasFrame = true
	return region, nil
}

// Pitch returns the scan line length the firmware uses for width pixels
// of depth bits: whole bytes rounded up to 16.
func Pitch(width, depth uint32) uint32 {
	bytes := (width*depth + 7) / 8
	return (bytes + 15) &^ 15
}

var _ chipset.Device = (*Firmware)(nil)
