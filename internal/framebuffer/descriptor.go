package framebuffer

import (
	"encoding/binary"
	"fmt"
)

// DescriptorSize is the wire size of a Descriptor: ten little-endian words.
const DescriptorSize = 40

// DescriptorAlignment is the physical alignment the mailbox requires for
// the descriptor; the low four bits of the address carry the channel.
const DescriptorAlignment = 16

// BusAliasMask clears the VideoCore bus alias bits (0x40000000 L2
// coherent, 0x80000000 L2 allocating, 0xC0000000 uncached) from an
// address reported by the firmware, leaving the ARM physical address.
const BusAliasMask = 0x3FFFFFFF

// Descriptor is the framebuffer request the firmware reads and then
// overwrites with its response. Fields are listed in wire order.
type Descriptor struct {
	PhysWidth   uint32 // request
	PhysHeight  uint32 // request
	VirtWidth   uint32 // request
	VirtHeight  uint32 // request
	Pitch       uint32 // response
	Depth       uint32 // request
	VirtOffsetX uint32 // request
	VirtOffsetY uint32 // request
	BaseAddr    uint32 // response, bus address
	Size        uint32 // response
}

// MarshalBinary encodes the descriptor in wire format.
func (d Descriptor) MarshalBinary() ([]byte, error) {
	buf := make([]byte, DescriptorSize)
	d.put(buf)
	return buf, nil
}

func (d Descriptor) put(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], d.PhysWidth)
	le.PutUint32(buf[4:8], d.PhysHeight)
	le.PutUint32(buf[8:12], d.VirtWidth)
	le.PutUint32(buf[12:16], d.VirtHeight)
	le.PutUint32(buf[16:20], d.Pitch)
	le.PutUint32(buf[20:24], d.Depth)
	le.PutUint32(buf[24:28], d.VirtOffsetX)
	le.PutUint32(buf[28:32], d.VirtOffsetY)
	le.PutUint32(buf[32:36], d.BaseAddr)
	le.PutUint32(buf[36:40], d.Size)
}

// UnmarshalBinary decodes a descriptor from wire format.
func (d *Descriptor) UnmarshalBinary(data []byte) error {
	if len(data) < DescriptorSize {
		return fmt.Errorf("framebuffer: descriptor too short: %d bytes", len(data))
	}
	le := binary.LittleEndian
	*d = Descriptor{
		PhysWidth:   le.Uint32(data[0:4]),
		PhysHeight:  le.Uint32(data[4:8]),
		VirtWidth:   le.Uint32(data[8:12]),
		VirtHeight:  le.Uint32(data[12:16]),
		Pitch:       le.Uint32(data[16:20]),
		Depth:       le.Uint32(data[20:24]),
		VirtOffsetX: le.Uint32(data[24:28]),
		VirtOffsetY: le.Uint32(data[28:32]),
		BaseAddr:    le.Uint32(data[32:36]),
		Size:        le.Uint32(data[36:40]),
	}
	return nil
}

// Geometry is the framebuffer layout a driver asks for.
type Geometry struct {
	Width, Height               uint32
	VirtualWidth, VirtualHeight uint32
	Depth                       uint32
	OffsetX, OffsetY            uint32
}

// Validate checks the geometry before anything is sent to the firmware.
func (g Geometry) Validate() error {
	if g.Width == 0 || g.Height == 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, g.Width, g.Height)
	}
	switch g.Depth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("%w: unsupported depth %d", ErrInvalidGeometry, g.Depth)
	}
	return nil
}

// Request builds the descriptor for g with the response fields zeroed,
// which asks the firmware to allocate. A zero virtual size defaults to
// the visible size.
func (g Geometry) Request() Descriptor {
	vw, vh := g.VirtualWidth, g.VirtualHeight
	if vw == 0 {
		vw = g.Width
	}
	if vh == 0 {
		vh = g.Height
	}
	return Descriptor{
		PhysWidth:   g.Width,
		PhysHeight:  g.Height,
		VirtWidth:   vw,
		VirtHeight:  vh,
		Depth:       g.Depth,
		VirtOffsetX: g.OffsetX,
		VirtOffsetY: g.OffsetY,
	}
}

// AlignmentOffset returns the number of bytes to skip from phys to reach
// the next multiple of align. align must be a power of two.
func AlignmentOffset(phys, align uint64) uint64 {
	return (align - phys%align) % align
}

// StripBusAlias converts a firmware bus address to an ARM physical address.
func StripBusAlias(addr uint32) uint64 {
	return uint64(addr & BusAliasMask)
}
