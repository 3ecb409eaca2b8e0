// Package config loads the vcfb configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vcfb/internal/framebuffer"
)

const DefaultFilename = "vcfb.yaml"

// Platforms.
const (
	PlatformSim = "sim"
	PlatformRPi = "rpi"
)

// Config is the top level of the configuration file.
type Config struct {
	Platform string  `yaml:"platform"`
	Display  Display `yaml:"display"`
	Mailbox  Mailbox `yaml:"mailbox"`
	Sim      Sim     `yaml:"sim"`
	RPi      RPi     `yaml:"rpi"`
}

type Display struct {
	Width         uint32 `yaml:"width"`
	Height        uint32 `yaml:"height"`
	VirtualWidth  uint32 `yaml:"virtual_width,omitempty"`
	VirtualHeight uint32 `yaml:"virtual_height,omitempty"`
	Depth         uint32 `yaml:"depth"`
	OffsetX       uint32 `yaml:"offset_x,omitempty"`
	OffsetY       uint32 `yaml:"offset_y,omitempty"`

	// StrideFromPitch reports the firmware pitch as the surface stride.
	StrideFromPitch bool `yaml:"stride_from_pitch,omitempty"`
}

type Mailbox struct {
	// Timeout bounds each firmware exchange. Zero selects the default
	// and a negative value disables the bound.
	Timeout        time.Duration `yaml:"timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	PeripheralBase uint64        `yaml:"peripheral_base"`
	BusAlias       uint32        `yaml:"bus_alias"`
}

// Sim lays out the emulated machine. The ARM heap is
// [MemoryBase, GPUBase) and the firmware owns [GPUBase, GPUBase+GPUSize).
type Sim struct {
	MemoryBase uint64 `yaml:"memory_base"`
	MemorySize uint64 `yaml:"memory_size"`
	GPUBase    uint64 `yaml:"gpu_base"`
	GPUSize    uint64 `yaml:"gpu_size"`
}

type RPi struct {
	MemDevice  string `yaml:"mem_device"`
	VCIODevice string `yaml:"vcio_device"`
}

// Default returns the built-in configuration: the 800x480 touchscreen on
// an emulated BCM2837.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Platform == "" {
		c.Platform = PlatformSim
	}

	if c.Display.Width == 0 {
		c.Display.Width = 800
	}
	if c.Display.Height == 0 {
		c.Display.Height = 480
	}
	if c.Display.VirtualWidth == 0 {
		c.Display.VirtualWidth = c.Display.Width
	}
	if c.Display.VirtualHeight == 0 {
		c.Display.VirtualHeight = c.Display.Height
	}
	if c.Display.Depth == 0 {
		c.Display.Depth = 32
	}

	if c.Mailbox.Timeout == 0 {
		c.Mailbox.Timeout = 2 * time.Second
	}
	if c.Mailbox.PollInterval == 0 {
		c.Mailbox.PollInterval = time.Millisecond
	}
	if c.Mailbox.PeripheralBase == 0 {
		c.Mailbox.PeripheralBase = 0x3F000000
	}
	if c.Mailbox.BusAlias == 0 {
		c.Mailbox.BusAlias = 0xC0000000
	}

	if c.Sim.MemorySize == 0 {
		c.Sim.MemoryBase = 0x3D000000
		c.Sim.MemorySize = 0x2000000
	}
	if c.Sim.GPUSize == 0 {
		c.Sim.GPUSize = c.Sim.MemorySize / 2
		c.Sim.GPUBase = c.Sim.MemoryBase + c.Sim.MemorySize - c.Sim.GPUSize
	}

	if c.RPi.MemDevice == "" {
		c.RPi.MemDevice = "/dev/mem"
	}
	if c.RPi.VCIODevice == "" {
		c.RPi.VCIODevice = "/dev/vcio"
	}
}

// Geometry returns the framebuffer request described by the display
// section.
func (c Config) Geometry() framebuffer.Geometry {
	return framebuffer.Geometry{
		Width:         c.Display.Width,
		Height:        c.Display.Height,
		VirtualWidth:  c.Display.VirtualWidth,
		VirtualHeight: c.Display.VirtualHeight,
		Depth:         c.Display.Depth,
		OffsetX:       c.Display.OffsetX,
		OffsetY:       c.Display.OffsetY,
	}
}

// ExchangeTimeout returns the bound on a firmware exchange, or zero when
// the exchange is unbounded.
func (c Config) ExchangeTimeout() time.Duration {
	if c.Mailbox.Timeout < 0 {
		return 0
	}
	return c.Mailbox.Timeout
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	var errs []error

	switch c.Platform {
	case PlatformSim, PlatformRPi:
	default:
		errs = append(errs, fmt.Errorf("unknown platform %q", c.Platform))
	}
	if err := c.Geometry().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Mailbox.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("mailbox poll interval %v is negative", c.Mailbox.PollInterval))
	}
	if c.Mailbox.BusAlias&framebuffer.BusAliasMask != 0 {
		errs = append(errs, fmt.Errorf("bus alias 0x%x overlaps address bits", c.Mailbox.BusAlias))
	}

	if c.Platform == PlatformSim {
		s := c.Sim
		memEnd := s.MemoryBase + s.MemorySize
		if s.GPUBase <= s.MemoryBase || s.GPUBase+s.GPUSize > memEnd {
			errs = append(errs, fmt.Errorf("sim: GPU memory [0x%x, +0x%x) must sit above the heap inside RAM [0x%x, 0x%x)",
				s.GPUBase, s.GPUSize, s.MemoryBase, memEnd))
		}
		if memEnd > 1<<32 {
			errs = append(errs, fmt.Errorf("sim: RAM ends at 0x%x, above the 32-bit bus", memEnd))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Parse decodes a configuration, fills in defaults and validates it.
// Unknown keys are rejected.
func Parse(r io.Reader) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads the configuration file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	c, err := Parse(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Write encodes c, with defaults filled in, as YAML.
func Write(w io.Writer, c Config) error {
	c.normalize()

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return nil
}
