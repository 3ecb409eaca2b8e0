// Package chipset routes peripheral register accesses to emulated devices.
package chipset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// ErrUnmapped is returned for accesses no device decodes.
var ErrUnmapped = errors.New("chipset: no device at address")

type window struct {
	Region
	name    string
	handler Handler
}

// Builder collects devices before the bus is frozen.
type Builder struct {
	names   []string
	devices map[string]Device
	windows []window
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{devices: make(map[string]Device)}
}

// Attach adds dev under name and claims its regions.
func (b *Builder) Attach(name string, dev Device) error {
	switch {
	case name == "":
		return fmt.Errorf("chipset: device name is empty")
	case dev == nil:
		return fmt.Errorf("chipset: device %q is nil", name)
	}
	if _, dup := b.devices[name]; dup {
		return fmt.Errorf("chipset: device %q already attached", name)
	}

	var claimed []window
	for _, r := range dev.Regions() {
		if r.Size == 0 || r.End() < r.Base {
			return fmt.Errorf("chipset: device %q: bad region 0x%x+0x%x", name, r.Base, r.Size)
		}
		for _, w := range append(b.windows, claimed...) {
			if r.overlaps(w.Region) {
				return fmt.Errorf("chipset: device %q: region [0x%x, 0x%x) overlaps %q at [0x%x, 0x%x)",
					name, r.Base, r.End(), w.name, w.Base, w.End())
			}
		}
		claimed = append(claimed, window{Region: r, name: name, handler: dev})
	}

	b.names = append(b.names, name)
	b.devices[name] = dev
	b.windows = append(b.windows, claimed...)
	return nil
}

// Build freezes the layout.
func (b *Builder) Build() *Bus {
	windows := append([]window(nil), b.windows...)
	sort.Slice(windows, func(i, j int) bool { return windows[i].Base < windows[j].Base })

	devices := make([]Device, len(b.names))
	for i, name := range b.names {
		devices[i] = b.devices[name]
	}
	return &Bus{
		names:   append([]string(nil), b.names...),
		devices: devices,
		windows: windows,
	}
}

// Bus is a frozen set of devices. Devices start in attach order and stop
// in reverse.
type Bus struct {
	names   []string
	devices []Device
	windows []window
}

func (c *Bus) Start() error {
	for i, dev := range c.devices {
		if err := dev.Start(); err != nil {
			return fmt.Errorf("chipset: start %q: %w", c.names[i], err)
		}
	}
	return nil
}

func (c *Bus) Stop() error {
	var errs []error
	for i := len(c.devices) - 1; i >= 0; i-- {
		if err := c.devices[i].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("chipset: stop %q: %w", c.names[i], err))
		}
	}
	return errors.Join(errs...)
}

func (c *Bus) Reset() error {
	for i, dev := range c.devices {
		if err := dev.Reset(); err != nil {
			return fmt.Errorf("chipset: reset %q: %w", c.names[i], err)
		}
	}
	return nil
}

func (c *Bus) lookup(addr uint64, n int) (window, error) {
	i := sort.Search(len(c.windows), func(i int) bool { return c.windows[i].End() > addr })
	if i == len(c.windows) || !c.windows[i].covers(addr, uint64(n)) {
		return window{}, fmt.Errorf("%w: %d bytes at 0x%x", ErrUnmapped, n, addr)
	}
	return c.windows[i], nil
}

// Access performs a read or write of len(data) bytes at addr.
func (c *Bus) Access(addr uint64, data []byte, write bool) error {
	w, err := c.lookup(addr, len(data))
	if err != nil {
		return err
	}
	if write {
		return w.handler.WriteMMIO(addr, data)
	}
	return w.handler.ReadMMIO(addr, data)
}

// Read32 reads a little-endian register.
func (c *Bus) Read32(addr uint64) (uint32, error) {
	var buf [4]byte
	if err := c.Access(addr, buf[:], false); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Write32 writes a little-endian register.
func (c *Bus) Write32(addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return c.Access(addr, buf[:], true)
}
