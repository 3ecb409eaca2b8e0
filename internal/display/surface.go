// Package display publishes a negotiated VideoCore framebuffer as a
// display surface for a console or graphics layer.
package display

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vcfb/internal/framebuffer"
	"github.com/tinyrange/vcfb/internal/metrics"
)

// PixelFormat is the in-memory layout of one pixel.
type PixelFormat int

const (
	FormatUnknown PixelFormat = iota
	// ARGB8888 is stored little-endian: B, G, R, A.
	ARGB8888
	// RGB888 is stored as B, G, R.
	RGB888
	// RGB565 is a little-endian 16-bit word, red in the top bits.
	RGB565
	Gray8
)

func (f PixelFormat) String() string {
	switch f {
	case ARGB8888:
		return "ARGB8888"
	case RGB888:
		return "RGB888"
	case RGB565:
		return "RGB565"
	case Gray8:
		return "Gray8"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(f))
	}
}

// BytesPerPixel returns the pixel size, or 0 for an unknown format.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case ARGB8888:
		return 4
	case RGB888:
		return 3
	case RGB565:
		return 2
	case Gray8:
		return 1
	default:
		return 0
	}
}

// FormatForDepth maps a firmware colour depth to a pixel format.
func FormatForDepth(depth uint32) PixelFormat {
	switch depth {
	case 32:
		return ARGB8888
	case 24:
		return RGB888
	case 16:
		return RGB565
	case 8:
		return Gray8
	default:
		return FormatUnknown
	}
}

// Mode describes the surface. Stride is in pixels.
type Mode struct {
	Format PixelFormat
	Width  uint32
	Height uint32
	Stride uint32
}

// StrideBytes returns the length of a scan line in bytes.
func (m Mode) StrideBytes() int { return int(m.Stride) * m.Format.BytesPerPixel() }

// Surface is the display contract exposed to the layer above. It is only
// handed out after negotiation has completed, so none of its methods fail.
//
// The framebuffer has a single writer; Surface does no locking.
type Surface struct {
	mode    Mode
	fb      *framebuffer.Framebuffer
	log     *slog.Logger
	metrics *metrics.Metrics
}

func newSurface(mode Mode, fb *framebuffer.Framebuffer, log *slog.Logger, m *metrics.Metrics) *Surface {
	return &Surface{mode: mode, fb: fb, log: log, metrics: m}
}

// SetMode is accepted and ignored; the mode is fixed at bind time.
func (s *Surface) SetMode(Mode) error { return nil }

// Mode returns the mode chosen at bind time.
func (s *Surface) Mode() Mode { return s.mode }

// Framebuffer returns the mapped framebuffer. Its length is the size the
// firmware allocated.
func (s *Surface) Framebuffer() []byte { return s.fb.Bytes() }

// Flush makes CPU writes to the framebuffer visible to the display
// pipeline. It must be called after every update.
func (s *Surface) Flush() {
	if err := s.fb.Flush(); err != nil {
		s.log.Error("framebuffer flush failed", "err", err)
		return
	}
	s.metrics.ObserveFlush()
}
