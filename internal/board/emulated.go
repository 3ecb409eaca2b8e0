// Package board assembles the platform and firmware transport a display
// driver runs against.
package board

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyrange/vcfb/internal/chipset"
	"github.com/tinyrange/vcfb/internal/devices/videocore"
	"github.com/tinyrange/vcfb/internal/framebuffer"
	"github.com/tinyrange/vcfb/internal/mailbox"
	"github.com/tinyrange/vcfb/internal/physmem"
	"github.com/tinyrange/vcfb/internal/platform"
	"github.com/tinyrange/vcfb/internal/platform/sim"
)

// Board is what a display driver needs from the machine it runs on.
type Board interface {
	Platform() platform.Platform
	Transport() framebuffer.Transport
	Close() error
}

// EmulatedConfig describes an emulated machine. The ARM heap is
// [MemoryBase, GPUBase) and the firmware owns [GPUBase, GPUBase+GPUSize).
type EmulatedConfig struct {
	MemoryBase     uint64
	MemorySize     uint64
	GPUBase        uint64
	GPUSize        uint64
	PeripheralBase uint64
	BusAlias       uint32
	PollInterval   time.Duration
	Logger         *slog.Logger

	// Platform options applied after the heap layout, for fault injection.
	PlatformOptions []sim.Option
}

// Emulated is a machine made of simulated RAM and the emulated firmware.
type Emulated struct {
	Memory   *physmem.Memory
	Firmware *videocore.Firmware
	Bus      *chipset.Bus

	platform   *sim.Platform
	transport  *mailbox.FramebufferChannel
	interrupts atomic.Uint64
}

// NewEmulated builds an emulated machine.
func NewEmulated(cfg EmulatedConfig) (*Emulated, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memEnd := cfg.MemoryBase + cfg.MemorySize
	if cfg.GPUBase <= cfg.MemoryBase || cfg.GPUBase+cfg.GPUSize > memEnd || cfg.GPUSize == 0 {
		return nil, fmt.Errorf("board: GPU memory [0x%x, +0x%x) must sit above the heap inside RAM [0x%x, 0x%x)",
			cfg.GPUBase, cfg.GPUSize, cfg.MemoryBase, memEnd)
	}

	e := &Emulated{}
	mem := physmem.New(cfg.MemoryBase, cfg.MemorySize)
	fw := videocore.New(mem,
		videocore.WithInterrupt(chipset.InterruptFunc(func() { e.interrupts.Add(1) })),
		videocore.WithPeripheralBase(cfg.PeripheralBase),
		videocore.WithGPUMemory(cfg.GPUBase, cfg.GPUSize),
		videocore.WithBusAlias(cfg.BusAlias),
		videocore.WithLogger(cfg.Logger))

	builder := chipset.NewBuilder()
	if err := builder.Attach("videocore", fw); err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}
	bus := builder.Build()
	if err := bus.Start(); err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}

	opts := append([]sim.Option{
		sim.WithHeap(cfg.MemoryBase, cfg.GPUBase-cfg.MemoryBase),
		sim.WithLogger(cfg.Logger),
	}, cfg.PlatformOptions...)

	mb := mailbox.New(videocore.NewRegisters(bus, fw.MailboxBase()),
		mailbox.WithPollInterval(cfg.PollInterval),
		mailbox.WithLogger(cfg.Logger))

	e.Memory = mem
	e.Firmware = fw
	e.Bus = bus
	e.platform = sim.New(mem, opts...)
	e.transport = mailbox.NewFramebufferChannel(mb, cfg.BusAlias)
	return e, nil
}

// Platform implements Board.
func (e *Emulated) Platform() platform.Platform { return e.platform }

// Sim returns the simulated platform, for inspecting cache maintenance.
func (e *Emulated) Sim() *sim.Platform { return e.platform }

// Transport implements Board.
func (e *Emulated) Transport() framebuffer.Transport { return e.transport }

// Interrupts returns the number of mailbox interrupts the firmware raised.
func (e *Emulated) Interrupts() uint64 { return e.interrupts.Load() }

// Reset drops pending mailbox replies and register state. Framebuffer
// allocations survive.
func (e *Emulated) Reset() error {
	if err := e.Bus.Reset(); err != nil {
		return fmt.Errorf("board: %w", err)
	}
	return nil
}

// Close implements Board. Devices are reset before they stop.
func (e *Emulated) Close() error {
	return errors.Join(e.Reset(), e.Bus.Stop())
}

// ScanOut returns what the display pipeline reads: the firmware's view of
// the framebuffer in physical memory.
func (e *Emulated) ScanOut() ([]byte, error) {
	region, ok := e.Firmware.Framebuffer()
	if !ok {
		return nil, fmt.Errorf("board: no framebuffer allocated")
	}
	out := make([]byte, region.Size)
	if _, err := e.Memory.ReadAt(out, int64(region.Base)); err != nil {
		return nil, fmt.Errorf("board: read framebuffer: %w", err)
	}
	return out, nil
}

var _ Board = (*Emulated)(nil)
