package rgb565

import (
	"image"
	"image/color"
)

// Color is a 16-bit RGB565 color: rrrrrggg gggbbbbb.
type Color uint16

// RGBA converts the Color to standard RGBA.
// Each channel is expanded to 16 bits by replicating its high bits.
func (c Color) RGBA() (r, g, b, a uint32) {
	r5 := uint32(c>>11) & 0x1F
	g6 := uint32(c>>5) & 0x3F
	b5 := uint32(c) & 0x1F
	r8 := r5<<3 | r5>>2
	g8 := g6<<2 | g6>>4
	b8 := b5<<3 | b5>>2
	return r8 * 0x101, g8 * 0x101, b8 * 0x101, 0xFFFF
}

// New returns the RGB565 color closest to the 8-bit channels r, g, b.
func New(r, g, b uint8) Color {
	return Color(uint16(r>>3)<<11 | uint16(g>>2)<<5 | uint16(b>>3))
}

func toRGB565(c color.Color) color.Color {
	if v, ok := c.(Color); ok {
		return v
	}
	r, g, b, _ := c.RGBA()
	return New(uint8(r>>8), uint8(g>>8), uint8(b>>8))
}

// Model converts colors to Color. Alpha is dropped.
var Model = color.ModelFunc(toRGB565)

// FromARGB8888 converts one ARGB8888 pixel stored as B, G, R, A bytes,
// composited over black.
func FromARGB8888(p []byte) Color {
	a := uint16(p[3])
	r := uint16(p[2]) * a / 0xFF
	g := uint16(p[1]) * a / 0xFF
	b := uint16(p[0]) * a / 0xFF
	return New(uint8(r), uint8(g), uint8(b))
}

// Swap reverses the byte order of every 16-bit pixel in buf in place.
// A trailing odd byte is left untouched.
func Swap(buf []byte) {
	for i := 0; i+1 < len(buf); i += 2 {
		buf[i], buf[i+1] = buf[i+1], buf[i]
	}
}

// Image is an RGB565 image stored in native byte order, 2 bytes per pixel.
type Image struct {
	Pix    []byte          // Pixel data, low byte first
	Stride int             // Bytes per row
	Rect   image.Rectangle // Image bounds
}

// NewImage creates a new Image with the specified bounds.
func NewImage(r image.Rectangle) *Image {
	w, h := r.Dx(), r.Dy()
	if w < 0 || h < 0 {
		return &Image{Rect: r}
	}
	return &Image{
		Pix:    make([]byte, 2*w*h),
		Stride: 2 * w,
		Rect:   r,
	}
}

// FromBytes wraps an existing buffer as an Image. The buffer must hold at
// least 2*Dx*Dy bytes; it is not copied.
func FromBytes(r image.Rectangle, buf []byte) *Image {
	return &Image{Pix: buf[:2*r.Dx()*r.Dy()], Stride: 2 * r.Dx(), Rect: r}
}

// ColorModel returns the color model of the image.
func (p *Image) ColorModel() color.Model {
	return Model
}

// Bounds returns the image bounds.
func (p *Image) Bounds() image.Rectangle {
	return p.Rect
}

// At returns the color of the pixel at (x, y).
func (p *Image) At(x, y int) color.Color {
	return p.RGB565At(x, y)
}

// RGB565At returns the Color of the pixel at (x, y).
func (p *Image) RGB565At(x, y int) Color {
	if !(image.Point{X: x, Y: y}.In(p.Rect)) {
		return 0
	}
	i := p.PixOffset(x, y)
	return Color(uint16(p.Pix[i]) | uint16(p.Pix[i+1])<<8)
}

// Set sets the color of the pixel at (x, y).
func (p *Image) Set(x, y int, c color.Color) {
	p.SetRGB565(x, y, Model.Convert(c).(Color))
}

// SetRGB565 sets the Color of the pixel at (x, y) without conversion.
func (p *Image) SetRGB565(x, y int, c Color) {
	if !(image.Point{X: x, Y: y}.In(p.Rect)) {
		return
	}
	i := p.PixOffset(x, y)
	p.Pix[i] = byte(c)
	p.Pix[i+1] = byte(c >> 8)
}

// Fill sets every pixel of r (clipped to the image) to c.
func (p *Image) Fill(r image.Rectangle, c Color) {
	r = r.Intersect(p.Rect)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		i := p.PixOffset(r.Min.X, y)
		for x := r.Min.X; x < r.Max.X; x++ {
			p.Pix[i] = byte(c)
			p.Pix[i+1] = byte(c >> 8)
			i += 2
		}
	}
}

// PixOffset returns the index of the first byte of the pixel at (x, y).
func (p *Image) PixOffset(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*2
}
