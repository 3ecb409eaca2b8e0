// Package mailbox drives the VideoCore inter-processor mailbox.
//
// Mailbox 0 carries messages from the VideoCore to the ARM and mailbox 1
// the other direction. A message is a 32-bit word whose low four bits
// select the channel and whose upper 28 bits are the payload, normally a
// 16 byte aligned bus address.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Offset of the mailbox block from the peripheral base.
const Offset = 0xB880

// Register offsets relative to the mailbox block.
const (
	RegRead   = 0x00
	RegPeek   = 0x10
	RegSender = 0x14
	RegStatus = 0x18
	RegConfig = 0x1C
	RegWrite  = 0x20

	// Size of the register block.
	Size = 0x40
)

// Status register bits.
const (
	StatusFull  = 0x80000000
	StatusEmpty = 0x40000000
)

// Channels.
const (
	ChannelPower       = 0
	ChannelFramebuffer = 1
	ChannelVUart       = 2
	ChannelVCHIQ       = 3
	ChannelLEDs        = 4
	ChannelButtons     = 5
	ChannelTouch       = 6
	ChannelCount       = 7
	ChannelProperties  = 8
)

const channelMask = 0xF

var (
	// ErrMisaligned is returned for payloads that overlap the channel bits.
	ErrMisaligned = errors.New("mailbox: payload is not 16 byte aligned")
	// ErrRejected is returned when the firmware answers with a failure status.
	ErrRejected = errors.New("mailbox: request rejected by firmware")
)

// Registers gives 32-bit access to the mailbox register block.
type Registers interface {
	Read32(offset uint32) (uint32, error)
	Write32(offset uint32, value uint32) error
}

// Mailbox is the ARM side of the VideoCore mailbox.
type Mailbox struct {
	regs Registers
	poll time.Duration
	log  *slog.Logger

	// mu serialises calls; replies are matched by channel only.
	mu sync.Mutex
}

// Option configures a Mailbox.
type Option func(*Mailbox)

// WithPollInterval sets how long to sleep between status polls.
func WithPollInterval(d time.Duration) Option {
	return func(m *Mailbox) { m.poll = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mailbox) { m.log = l }
}

// New creates a mailbox over regs.
func New(regs Registers, opts ...Option) *Mailbox {
	m := &Mailbox{
		regs: regs,
		poll: time.Millisecond,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Call posts data on channel and waits for the reply on the same channel.
// Replies for other channels are discarded. The returned value has the
// channel bits cleared.
func (m *Mailbox) Call(ctx context.Context, channel uint8, data uint32) (uint32, error) {
	if channel > channelMask {
		return 0, fmt.Errorf("mailbox: invalid channel %d", channel)
	}
	if data&channelMask != 0 {
		return 0, fmt.Errorf("%w: 0x%08x", ErrMisaligned, data)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.waitStatus(ctx, StatusFull); err != nil {
		return 0, fmt.Errorf("mailbox: wait for write slot: %w", err)
	}
	msg := data | uint32(channel)
	if err := m.regs.Write32(RegWrite, msg); err != nil {
		return 0, fmt.Errorf("mailbox: write: %w", err)
	}
	m.log.Debug("mailbox write", "channel", channel, "data", fmt.Sprintf("0x%08x", data))

	for {
		if err := m.waitStatus(ctx, StatusEmpty); err != nil {
			return 0, fmt.Errorf("mailbox: wait for reply: %w", err)
		}
		reply, err := m.regs.Read32(RegRead)
		if err != nil {
			return 0, fmt.Errorf("mailbox: read: %w", err)
		}
		if uint8(reply&channelMask) != channel {
			m.log.Debug("mailbox dropped reply", "channel", reply&channelMask, "want", channel)
			continue
		}
		m.log.Debug("mailbox reply", "channel", channel, "data", fmt.Sprintf("0x%08x", reply&^channelMask))
		return reply &^ channelMask, nil
	}
}

// waitStatus polls until none of bits are set in the status register.
func (m *Mailbox) waitStatus(ctx context.Context, bits uint32) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		status, err := m.regs.Read32(RegStatus)
		if err != nil {
			return err
		}
		if status&bits == 0 {
			return nil
		}

		if m.poll <= 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}
		if timer == nil {
			timer = time.NewTimer(m.poll)
		} else {
			timer.Reset(m.poll)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// FramebufferChannel implements the legacy framebuffer channel: the
// payload is the bus address of a framebuffer descriptor and a zero reply
// means the firmware accepted it.
type FramebufferChannel struct {
	mb       *Mailbox
	busAlias uint32
}

// NewFramebufferChannel creates a framebuffer channel on mb. busAlias is
// OR'ed into the descriptor address, typically 0xC0000000 so the firmware
// bypasses its L2 cache.
func NewFramebufferChannel(mb *Mailbox, busAlias uint32) *FramebufferChannel {
	return &FramebufferChannel{mb: mb, busAlias: busAlias}
}

// SetFramebuffer sends the descriptor at phys and waits for the reply.
func (f *FramebufferChannel) SetFramebuffer(ctx context.Context, phys uint32) error {
	status, err := f.mb.Call(ctx, ChannelFramebuffer, phys|f.busAlias)
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("%w: status 0x%x", ErrRejected, status)
	}
	return nil
}
