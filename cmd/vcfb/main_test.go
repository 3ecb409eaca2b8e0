package main

import (
	"context"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vcfb/internal/board"
	"github.com/tinyrange/vcfb/internal/config"
	"github.com/tinyrange/vcfb/internal/display"
	"github.com/tinyrange/vcfb/internal/testcard"
)

func TestWriteSnapshot(t *testing.T) {
	b, err := board.Open(config.Default(), nil)
	require.NoError(t, err)
	defer b.Close()

	dev, err := display.NewDriver(display.Options{}).
		Bind(context.Background(), display.BusDevice{Props: display.BroadcomDisplay, Bus: b})
	require.NoError(t, err)
	s := dev.Surface()
	require.NoError(t, testcard.Draw(s, "snapshot"))

	path := filepath.Join(t.TempDir(), "out.png")
	require.NoError(t, writeSnapshot(path, b, s))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)

	require.Equal(t, 800, img.Bounds().Dx())
	require.Equal(t, 480, img.Bounds().Dy())
	r, g, b2, _ := img.At(750, 50).RGBA()
	require.Equal(t, color.RGBA{A: 0xff}, color.RGBA{R: byte(r >> 8), G: byte(g >> 8), B: byte(b2 >> 8), A: 0xff})
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(options{})
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)

	path := filepath.Join(t.TempDir(), config.DefaultFilename)
	require.NoError(t, os.WriteFile(path, []byte("display:\n  depth: 16\n"), 0o644))
	cfg, err = loadConfig(options{configPath: path})
	require.NoError(t, err)
	require.Equal(t, uint32(16), cfg.Display.Depth)

	cfg, err = loadConfig(options{configPath: path, width: 1024, timeout: time.Second})
	require.NoError(t, err)
	require.Equal(t, uint32(16), cfg.Display.Depth)
	require.Equal(t, uint32(1024), cfg.Display.Width)
	require.Equal(t, uint32(1024), cfg.Display.VirtualWidth)
	require.Equal(t, uint32(480), cfg.Display.Height)
	require.Equal(t, time.Second, cfg.Mailbox.Timeout)

	_, err = loadConfig(options{depth: 12})
	require.Error(t, err)
}

func TestLoadConfigUnboundedTimeout(t *testing.T) {
	cfg, err := loadConfig(options{timeout: -time.Second})
	require.NoError(t, err)
	require.Zero(t, cfg.ExchangeTimeout())
}
