package display

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/vcfb/internal/framebuffer"
	"github.com/tinyrange/vcfb/internal/metrics"
	"github.com/tinyrange/vcfb/internal/platform"
)

// DeviceName is the name the display device is published under.
const DeviceName = "bcm-vc-fbuff"

// Protocol identifiers.
const (
	ProtocolSoC     uint32 = 0x70534f43 // 'pSOC'
	ProtocolBCMBus  uint32 = 0x7042434d // 'pBCM'
	ProtocolDisplay uint32 = 0x70444953 // 'pDIS'
)

// SoC identifiers the driver binds to.
const (
	VendorBroadcom uint32 = 0x0001
	DeviceDisplay  uint32 = 0x0002
)

var (
	// ErrUnsupportedBus is returned when the parent has no VideoCore bus.
	ErrUnsupportedBus = errors.New("display: parent does not provide the VideoCore bus protocol")
	// ErrNoMatch is returned when the parent is not a Broadcom display.
	ErrNoMatch = errors.New("display: device does not match")
	// ErrProtocolNotFound is returned by parents for protocols they lack.
	ErrProtocolNotFound = errors.New("display: protocol not found")
)

// BindProperties identify a device to drivers.
type BindProperties struct {
	Protocol uint32
	Vendor   uint32
	Device   uint32
}

// BroadcomDisplay are the properties of the VideoCore display device.
var BroadcomDisplay = BindProperties{
	Protocol: ProtocolSoC,
	Vendor:   VendorBroadcom,
	Device:   DeviceDisplay,
}

// Bus is the VideoCore bus protocol: the memory services of the platform
// and the firmware transport.
type Bus interface {
	Platform() platform.Platform
	Transport() framebuffer.Transport
}

// Parent is the device the driver binds to.
type Parent interface {
	BindProperties() BindProperties
	// Protocol returns the implementation of protocol id, or an error
	// wrapping ErrProtocolNotFound.
	Protocol(id uint32) (any, error)
}

// BusDevice is a Parent exposing a Bus under ProtocolBCMBus.
type BusDevice struct {
	Props BindProperties
	Bus   Bus
}

func (d BusDevice) BindProperties() BindProperties { return d.Props }

func (d BusDevice) Protocol(id uint32) (any, error) {
	if id != ProtocolBCMBus || d.Bus == nil {
		return nil, fmt.Errorf("%w: 0x%08x", ErrProtocolNotFound, id)
	}
	return d.Bus, nil
}

// ConsoleSink receives the framebuffer once it is ready, the way a kernel
// console takes over a boot framebuffer.
type ConsoleSink interface {
	SetFramebuffer(buf []byte, mode Mode) error
}

// ConsoleFunc adapts a function to ConsoleSink.
type ConsoleFunc func(buf []byte, mode Mode) error

func (f ConsoleFunc) SetFramebuffer(buf []byte, mode Mode) error { return f(buf, mode) }

// Options configure a Driver.
type Options struct {
	// Geometry requested from the firmware.
	Geometry framebuffer.Geometry
	// StrideFromPitch reports Stride as the firmware pitch divided by the
	// pixel size instead of the requested width. Off by default.
	StrideFromPitch bool
	// Timeout bounds the firmware exchange. Zero means no bound beyond
	// the bind context.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Console ConsoleSink
}

// DefaultGeometry is the Raspberry Pi 7" touchscreen.
var DefaultGeometry = framebuffer.Geometry{
	Width:         800,
	Height:        480,
	VirtualWidth:  800,
	VirtualHeight: 480,
	Depth:         32,
}

// Driver binds to Broadcom display devices.
type Driver struct {
	opts Options
}

// NewDriver creates a driver. A zero Geometry selects DefaultGeometry.
func NewDriver(opts Options) *Driver {
	if opts.Geometry == (framebuffer.Geometry{}) {
		opts.Geometry = DefaultGeometry
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Driver{opts: opts}
}

// Match reports whether the driver binds to a device with props.
func (d *Driver) Match(props BindProperties) bool {
	if props.Protocol != ProtocolSoC {
		return false
	}
	if props.Vendor != VendorBroadcom {
		return false
	}
	return props.Device == DeviceDisplay
}

// Device is a bound display.
type Device struct {
	Name string

	negotiator *framebuffer.Negotiator
	surface    *Surface
}

// Surface returns the display surface.
func (d *Device) Surface() *Surface { return d.surface }

// Framebuffer returns the negotiated framebuffer.
func (d *Device) Framebuffer() *framebuffer.Framebuffer { return d.negotiator.Framebuffer() }

// Bind negotiates the framebuffer with the firmware behind parent and
// publishes the display device. Negotiation errors are returned as is.
func (d *Driver) Bind(ctx context.Context, parent Parent) (*Device, error) {
	log := d.opts.Logger

	if !d.Match(parent.BindProperties()) {
		return nil, ErrNoMatch
	}
	proto, err := parent.Protocol(ProtocolBCMBus)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedBus, err)
	}
	bus, ok := proto.(Bus)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedBus, proto)
	}

	neg := framebuffer.New(bus.Transport(), bus.Platform(),
		framebuffer.WithTimeout(d.opts.Timeout),
		framebuffer.WithLogger(log))

	start := time.Now()
	fb, err := neg.Acquire(ctx, d.opts.Geometry)
	d.opts.Metrics.ObserveNegotiation(time.Since(start), err)
	if err != nil {
		return nil, err
	}
	d.opts.Metrics.SetFramebufferBytes(fb.Size())

	mode := d.mode(fb)
	surface := newSurface(mode, fb, log, d.opts.Metrics)

	if d.opts.Console != nil {
		if err := d.opts.Console.SetFramebuffer(surface.Framebuffer(), mode); err != nil {
			log.Warn("console did not take the framebuffer", "err", err)
		}
	}

	log.Info("display bound", "name", DeviceName,
		"format", mode.Format, "width", mode.Width, "height", mode.Height, "stride", mode.Stride)

	return &Device{Name: DeviceName, negotiator: neg, surface: surface}, nil
}

func (d *Driver) mode(fb *framebuffer.Framebuffer) Mode {
	g := d.opts.Geometry
	mode := Mode{
		Format: FormatForDepth(g.Depth),
		Width:  g.Width,
		Height: g.Height,
		Stride: g.Width,
	}
	if d.opts.StrideFromPitch {
		if bpp := mode.Format.BytesPerPixel(); bpp > 0 && fb.Pitch() > 0 {
			mode.Stride = fb.Pitch() / uint32(bpp)
		}
	}
	return mode
}
