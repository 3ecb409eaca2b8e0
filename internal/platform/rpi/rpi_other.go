//go:build !linux

// Package rpi runs the framebuffer driver from Linux user space on a
// Raspberry Pi.
package rpi

import (
	"errors"
	"log/slog"
	"time"

	"github.com/tinyrange/vcfb/internal/framebuffer"
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

// Board is unavailable outside Linux.
type Board struct{}

// Open always fails outside Linux.
func Open(Config) (*Board, error) {
	return nil, errors.New("rpi: only supported on linux")
}

func (*Board) Platform() platform.Platform      { return nil }
func (*Board) Transport() framebuffer.Transport { return nil }
func (*Board) Close() error                     { return nil }
