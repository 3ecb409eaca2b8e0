// Package testcard draws a calibration image onto a display surface.
package testcard

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"

	"github.com/tinyrange/vcfb/internal/display"
	"github.com/tinyrange/vcfb/internal/pixfmt"
)

// Bars are the colour bars from left to right.
var Bars = []color.RGBA{
	{0xff, 0xff, 0xff, 0xff}, // white
	{0xff, 0xff, 0x00, 0xff}, // yellow
	{0x00, 0xff, 0xff, 0xff}, // cyan
	{0x00, 0xff, 0x00, 0xff}, // green
	{0xff, 0x00, 0xff, 0xff}, // magenta
	{0xff, 0x00, 0x00, 0xff}, // red
	{0x00, 0x00, 0xff, 0xff}, // blue
	{0x00, 0x00, 0x00, 0xff}, // black
}

// Target is the part of display.Surface the test card uses.
type Target interface {
	Mode() display.Mode
	Framebuffer() []byte
	Flush()
}

// Render draws the test card at the given size.
func Render(width, height int, caption string) image.Image {
	dc := gg.NewContext(width, height)

	barWidth := float64(width) / float64(len(Bars))
	for i, c := range Bars {
		dc.SetColor(c)
		dc.DrawRectangle(float64(i)*barWidth, 0, barWidth+1, float64(height))
		dc.Fill()
	}

	w, h := float64(width), float64(height)
	radius := min(w, h) / 4
	dc.SetLineWidth(3)
	dc.SetRGB(0.5, 0.5, 0.5)
	dc.DrawCircle(w/2, h/2, radius)
	dc.Stroke()

	dc.SetLineWidth(2)
	dc.SetRGB(1, 1, 1)
	dc.DrawRectangle(1, 1, w-2, h-2)
	dc.Stroke()

	if caption != "" {
		dc.SetFontFace(basicfont.Face7x13)
		tw, th := dc.MeasureString(caption)
		pad := 4.0
		dc.SetRGB(0, 0, 0)
		dc.DrawRectangle(w/2-tw/2-pad, h-th-3*pad, tw+2*pad, th+2*pad)
		dc.Fill()
		dc.SetRGB(1, 1, 1)
		dc.DrawStringAnchored(caption, w/2, h-th/2-2*pad, 0.5, 0.5)
	}

	return dc.Image()
}

// Draw renders the test card into t and flushes it.
func Draw(t Target, caption string) error {
	mode := t.Mode()
	img := Render(int(mode.Width), int(mode.Height), caption)
	if err := pixfmt.Encode(img, t.Framebuffer(), mode); err != nil {
		return fmt.Errorf("testcard: %w", err)
	}
	t.Flush()
	return nil
}

// Caption describes mode for the test card.
func Caption(mode display.Mode) string {
	return fmt.Sprintf("%s %v %dx%d stride %d", display.DeviceName, mode.Format, mode.Width, mode.Height, mode.Stride)
}
