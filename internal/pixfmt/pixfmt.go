// Package pixfmt converts between Go images and framebuffer memory.
package pixfmt

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"

	"github.com/tinyrange/vcfb/internal/display"
)

// Image is a draw.Image over framebuffer memory laid out as Mode.
type Image struct {
	Pix  []byte
	Mode display.Mode
}

// NewImage wraps pix. It fails when pix is too small for mode.
func NewImage(pix []byte, mode display.Mode) (*Image, error) {
	bpp := mode.Format.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("pixfmt: unsupported format %v", mode.Format)
	}
	if mode.Stride < mode.Width {
		return nil, fmt.Errorf("pixfmt: stride %d below width %d", mode.Stride, mode.Width)
	}
	if need := Size(mode); len(pix) < need {
		return nil, fmt.Errorf("pixfmt: buffer of %d bytes, %v %dx%d needs %d",
			len(pix), mode.Format, mode.Width, mode.Height, need)
	}
	return &Image{Pix: pix, Mode: mode}, nil
}

// Size returns the bytes needed to hold mode. The last row is not padded
// to the stride.
func Size(mode display.Mode) int {
	if mode.Height == 0 {
		return 0
	}
	return int(mode.Height-1)*mode.StrideBytes() + int(mode.Width)*mode.Format.BytesPerPixel()
}

func (m *Image) ColorModel() color.Model {
	if m.Mode.Format == display.Gray8 {
		return color.GrayModel
	}
	return color.RGBAModel
}

func (m *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, int(m.Mode.Width), int(m.Mode.Height))
}

func (m *Image) offset(x, y int) int {
	return y*m.Mode.StrideBytes() + x*m.Mode.Format.BytesPerPixel()
}

func (m *Image) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(m.Bounds())) {
		return color.RGBA{}
	}
	return Unpack(m.Pix[m.offset(x, y):], m.Mode.Format)
}

func (m *Image) Set(x, y int, c color.Color) {
	if !(image.Point{x, y}.In(m.Bounds())) {
		return
	}
	Pack(m.Pix[m.offset(x, y):], m.Mode.Format, c)
}

// Pack stores c at the start of dst in format f.
func Pack(dst []byte, f display.PixelFormat, c color.Color) {
	r, g, b, a := c.RGBA()
	switch f {
	case display.ARGB8888:
		dst[0] = byte(b >> 8)
		dst[1] = byte(g >> 8)
		dst[2] = byte(r >> 8)
		dst[3] = byte(a >> 8)
	case display.RGB888:
		dst[0] = byte(b >> 8)
		dst[1] = byte(g >> 8)
		dst[2] = byte(r >> 8)
	case display.RGB565:
		v := uint16(r>>11)<<11 | uint16(g>>10)<<5 | uint16(b>>11)
		dst[0] = byte(v)
		dst[1] = byte(v >> 8)
	case display.Gray8:
		dst[0] = color.GrayModel.Convert(c).(color.Gray).Y
	}
}

// Unpack reads the pixel at the start of src in format f.
func Unpack(src []byte, f display.PixelFormat) color.Color {
	switch f {
	case display.ARGB8888:
		return color.RGBA{R: src[2], G: src[1], B: src[0], A: src[3]}
	case display.RGB888:
		return color.RGBA{R: src[2], G: src[1], B: src[0], A: 0xff}
	case display.RGB565:
		v := uint16(src[0]) | uint16(src[1])<<8
		r := byte(v>>11) & 0x1f
		g := byte(v>>5) & 0x3f
		b := byte(v) & 0x1f
		return color.RGBA{R: r<<3 | r>>2, G: g<<2 | g>>4, B: b<<3 | b>>2, A: 0xff}
	case display.Gray8:
		return color.Gray{Y: src[0]}
	default:
		return color.RGBA{}
	}
}

// Encode draws img into dst, clipped to the mode.
func Encode(img image.Image, dst []byte, mode display.Mode) error {
	out, err := NewImage(dst, mode)
	if err != nil {
		return err
	}
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Src)
	return nil
}

// Decode converts framebuffer memory to an RGBA image. The alpha channel
// of ARGB8888 is ignored; the display pipeline does not blend.
func Decode(src []byte, mode display.Mode) (*image.RGBA, error) {
	in, err := NewImage(src, mode)
	if err != nil {
		return nil, err
	}
	out := image.NewRGBA(in.Bounds())
	for y := 0; y < int(mode.Height); y++ {
		for x := 0; x < int(mode.Width); x++ {
			r, g, b, _ := in.At(x, y).RGBA()
			out.SetRGBA(x, y, color.RGBA{R: byte(r >> 8), G: byte(g >> 8), B: byte(b >> 8), A: 0xff})
		}
	}
	return out, nil
}

// WritePNG decodes src and writes it to w as a PNG.
func WritePNG(w io.Writer, src []byte, mode display.Mode) error {
	img, err := Decode(src, mode)
	if err != nil {
		return err
	}
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("pixfmt: encode png: %w", err)
	}
	return nil
}

var _ draw.Image = (*Image)(nil)
