// Package framebuffer negotiates a scan-out buffer with the VideoCore
// firmware and maps the resulting memory.
package framebuffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/tinyrange/vcfb/internal/platform"
)

// Transport delivers a descriptor to the firmware. The firmware reads the
// request at phys and overwrites it with the response before the call
// returns successfully.
type Transport interface {
	SetFramebuffer(ctx context.Context, phys uint32) error
}

// Framebuffer is the mapped scan-out memory.
type Framebuffer struct {
	// Response is the descriptor as returned by the firmware.
	Response Descriptor

	mapping platform.Mapping
}

// Bytes returns the mapped memory. Its length is the size reported by the
// firmware and may be zero.
func (fb *Framebuffer) Bytes() []byte {
	if fb == nil || fb.mapping == nil {
		return []byte{}
	}
	return fb.mapping.Bytes()
}

// Size returns the framebuffer size in bytes.
func (fb *Framebuffer) Size() int { return len(fb.Bytes()) }

// PhysAddr returns the ARM physical address of the framebuffer.
func (fb *Framebuffer) PhysAddr() uint64 { return StripBusAlias(fb.Response.BaseAddr) }

// Pitch returns the bytes per scan line chosen by the firmware.
func (fb *Framebuffer) Pitch() uint32 { return fb.Response.Pitch }

// Flush writes back CPU stores over [0, Size()) so the display pipeline
// sees them.
func (fb *Framebuffer) Flush() error {
	if fb == nil || fb.mapping == nil {
		return nil
	}
	return fb.mapping.CacheOp(platform.CacheClean, 0, fb.Size())
}

// Negotiator owns the framebuffer of one display device.
//
// Acquire is not safe for concurrent use; a device attaches once.
type Negotiator struct {
	transport Transport
	platform  platform.Platform
	timeout   time.Duration
	log       *slog.Logger

	fb *Framebuffer
	// err is set once the exchange has been attempted and failed. The
	// firmware may hold a partial allocation, so it is never retried.
	err error
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithTimeout bounds the firmware exchange. Zero leaves only the
// caller's context in charge.
func WithTimeout(d time.Duration) Option {
	return func(n *Negotiator) { n.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Negotiator) { n.log = l }
}

// New creates a negotiator talking to the firmware over t.
func New(t Transport, p platform.Platform, opts ...Option) *Negotiator {
	n := &Negotiator{
		transport: t,
		platform:  p,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Framebuffer returns the negotiated framebuffer, or nil before a
// successful Acquire.
func (n *Negotiator) Framebuffer() *Framebuffer { return n.fb }

// Acquire negotiates a framebuffer for g and maps it. Once it has
// succeeded, later calls return the same framebuffer without talking to
// the firmware again, whatever geometry they pass.
func (n *Negotiator) Acquire(ctx context.Context, g Geometry) (*Framebuffer, error) {
	if n.fb != nil {
		return n.fb, nil
	}
	if n.err != nil {
		return nil, n.err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	resp, committed, err := n.exchange(ctx, g.Request())
	if err != nil {
		if committed {
			n.err = err
		}
		return nil, err
	}

	fb, err := n.mapFramebuffer(resp)
	if err != nil {
		n.err = err
		return nil, err
	}

	n.fb = fb
	n.log.Info("framebuffer acquired",
		"width", g.Width, "height", g.Height, "depth", g.Depth,
		"pitch", resp.Pitch,
		"phys", fmt.Sprintf("0x%x", fb.PhysAddr()),
		"size", resp.Size)
	return fb, nil
}

// exchange sends req to the firmware through a freshly allocated
// transaction buffer and returns the firmware's response. committed
// reports whether the transport was invoked.
func (n *Negotiator) exchange(ctx context.Context, req Descriptor) (resp Descriptor, committed bool, err error) {
	txn, err := n.platform.AllocContiguous(DescriptorSize + DescriptorAlignment)
	if err != nil {
		return Descriptor{}, false, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	// abandoned is set when the firmware may still own the buffer; it is
	// left allocated so a late response cannot land in reused memory.
	abandoned := false
	defer func() {
		if abandoned {
			n.log.Warn("transaction buffer left allocated after interrupted exchange",
				"phys", fmt.Sprintf("0x%x", txn.PhysAddr()))
			return
		}
		if rerr := txn.Release(); rerr != nil {
			n.log.Warn("release transaction buffer", "err", rerr)
		}
	}()

	phys := txn.PhysAddr()
	offset := AlignmentOffset(phys, DescriptorAlignment)
	target := phys + offset
	if target > math.MaxUint32 {
		return Descriptor{}, false, fmt.Errorf("%w: buffer at 0x%x is not addressable by the firmware", ErrAllocation, phys)
	}

	buf := txn.Bytes()
	req.put(buf[offset : offset+DescriptorSize])
	if err := txn.CacheOp(platform.CacheClean, 0, len(buf)); err != nil {
		return Descriptor{}, false, fmt.Errorf("%w: clean transaction buffer: %w", ErrAllocation, err)
	}

	n.log.Debug("framebuffer request",
		"phys", fmt.Sprintf("0x%x", target), "offset", offset,
		"width", req.PhysWidth, "height", req.PhysHeight, "depth", req.Depth)

	callCtx := ctx
	if n.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	if err := n.transport.SetFramebuffer(callCtx, uint32(target)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			abandoned = true
			return Descriptor{}, true, fmt.Errorf("%w: %w", ErrNegotiation, err)
		}
		if cerr := callCtx.Err(); cerr != nil {
			abandoned = true
			return Descriptor{}, true, fmt.Errorf("%w: %w: %w", ErrNegotiation, cerr, err)
		}
		return Descriptor{}, true, fmt.Errorf("%w: %w", ErrNegotiation, err)
	}

	if err := txn.CacheOp(platform.CacheInvalidate, 0, len(buf)); err != nil {
		return Descriptor{}, true, fmt.Errorf("%w: invalidate transaction buffer: %w", ErrNegotiation, err)
	}
	if err := resp.UnmarshalBinary(buf[offset : offset+DescriptorSize]); err != nil {
		return Descriptor{}, true, fmt.Errorf("%w: %w", ErrNegotiation, err)
	}

	n.log.Debug("framebuffer response",
		"pitch", resp.Pitch, "base", fmt.Sprintf("0x%x", resp.BaseAddr), "size", resp.Size)
	return resp, true, nil
}

// maxMapping is the largest length MapPhysical can express.
var maxMapping uint64 = math.MaxInt

// mapFramebuffer maps and clears the range described by resp.
func (n *Negotiator) mapFramebuffer(resp Descriptor) (*Framebuffer, error) {
	fb := &Framebuffer{Response: resp}
	if resp.Size == 0 {
		n.log.Warn("firmware returned an empty framebuffer")
		return fb, nil
	}

	if uint64(resp.Size) > maxMapping {
		return nil, fmt.Errorf("%w: size 0x%x exceeds the addressable range", ErrMapping, resp.Size)
	}
	m, err := n.platform.MapPhysical(StripBusAlias(resp.BaseAddr), int(resp.Size), platform.CacheCached)
	if err != nil {
		return nil, fmt.Errorf("%w: [0x%x, +0x%x): %w", ErrMapping, StripBusAlias(resp.BaseAddr), resp.Size, err)
	}
	clear(m.Bytes())
	fb.mapping = m
	return fb, nil
}
