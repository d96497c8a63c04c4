package gfx

import (
	"errors"
	"fmt"
	"image"
	"image/draw"

	"periph.io/x/devices/v3/spd2010/rgb565"
)

// Kind is the type of a display object.
type Kind uint8

const (
	KindLottie Kind = iota + 1 // Animation rendered into a caller-owned ARGB8888 buffer
	KindImage                  // Static image.Image
)

func (k Kind) String() string {
	switch k {
	case KindLottie:
		return "lottie"
	case KindImage:
		return "image"
	}
	return "unknown"
}

var errDeleted = errors.New("gfx: object deleted")

// Object is a rectangle on the screen. All methods require the display lock.
type Object struct {
	d       *Display
	kind    Kind
	x, y    int
	w, h    int
	hidden  bool
	deleted bool

	buf  []byte // ARGB8888, KindLottie
	info LottieInfo
	src  image.Image // KindImage
}

// NewLottie adds an empty animation object on top of the screen.
func (d *Display) NewLottie() *Object {
	return d.add(KindLottie)
}

// NewImage adds an empty image object on top of the screen.
func (d *Display) NewImage() *Object {
	return d.add(KindImage)
}

func (d *Display) add(k Kind) *Object {
	o := &Object{d: d, kind: k}
	d.objs = append(d.objs, o)
	return o
}

func (o *Object) Kind() Kind { return o.kind }

// Area returns the screen area the object covers.
func (o *Object) Area() Area {
	return Area{o.x, o.y, o.x + o.w - 1, o.y + o.h - 1}
}

func (o *Object) Pos() image.Point { return image.Pt(o.x, o.y) }

func (o *Object) Size() (int, int) { return o.w, o.h }

func (o *Object) Hidden() bool { return o.hidden }

// Info returns the header of the bound animation data.
func (o *Object) Info() LottieInfo { return o.info }

// Buffer returns the render buffer bound with SetBuffer.
func (o *Object) Buffer() []byte { return o.buf }

// Invalidate marks the object's area for redraw.
func (o *Object) Invalidate() {
	if !o.deleted {
		o.d.Invalidate(o.Area())
	}
}

// change applies fn and invalidates both the old and the new area.
func (o *Object) change(fn func()) {
	o.Invalidate()
	fn()
	o.Invalidate()
}

func (o *Object) SetPos(x, y int) {
	o.change(func() { o.x, o.y = x, y })
}

// SetSize resizes the object. A render buffer too small for the new size is
// unbound; the animation shows nothing until SetBuffer is called again.
func (o *Object) SetSize(w, h int) {
	o.change(func() {
		o.w, o.h = max(w, 0), max(h, 0)
		if o.kind == KindLottie && len(o.buf) < o.w*o.h*4 {
			o.buf = nil
		}
	})
}

// Center moves the object to the middle of the screen.
func (o *Object) Center() {
	o.SetPos((o.d.w-o.w)/2, (o.d.h-o.h)/2)
}

func (o *Object) SetHidden(hidden bool) {
	if o.hidden == hidden {
		return
	}
	o.hidden = hidden
	o.Invalidate()
}

// SetBuffer binds a w×h ARGB8888 render buffer to an animation object and
// resizes the object to match.
func (o *Object) SetBuffer(w, h int, buf []byte) error {
	if o.deleted {
		return errDeleted
	}
	if o.kind != KindLottie {
		return fmt.Errorf("gfx: %s object has no render buffer", o.kind)
	}
	if w <= 0 || h <= 0 || len(buf) < w*h*4 {
		return fmt.Errorf("gfx: render buffer of %d bytes for %dx%d", len(buf), w, h)
	}
	o.change(func() {
		o.w, o.h = w, h
		o.buf = buf
	})
	return nil
}

// SetSrcData binds Lottie JSON to an animation object. Only the header is
// parsed; data is not retained.
func (o *Object) SetSrcData(data []byte) error {
	if o.deleted {
		return errDeleted
	}
	if o.kind != KindLottie {
		return fmt.Errorf("gfx: %s object cannot play animations", o.kind)
	}
	info, err := ParseLottie(data)
	if err != nil {
		return err
	}
	o.info = info
	o.Invalidate()
	return nil
}

// SetImage binds img to an image object and resizes the object to match.
func (o *Object) SetImage(img image.Image) error {
	if o.deleted {
		return errDeleted
	}
	if o.kind != KindImage {
		return fmt.Errorf("gfx: %s object cannot show images", o.kind)
	}
	if img == nil {
		return errors.New("gfx: nil image")
	}
	b := img.Bounds()
	o.change(func() {
		o.src = img
		o.w, o.h = b.Dx(), b.Dy()
	})
	return nil
}

// Delete removes the object from the screen and drops its buffers. The
// object must not be used afterwards.
func (o *Object) Delete() {
	if o.deleted {
		return
	}
	o.Invalidate()
	objs := o.d.objs
	for i, p := range objs {
		if p == o {
			o.d.objs = append(objs[:i], objs[i+1:]...)
			break
		}
	}
	o.deleted = true
	o.buf = nil
	o.src = nil
}

// draw renders the part c of the object into dst.
func (o *Object) draw(dst *rgb565.Image, c Area) {
	switch o.kind {
	case KindLottie:
		if len(o.buf) < o.w*o.h*4 {
			return
		}
		for y := c.Y1; y <= c.Y2; y++ {
			for x := c.X1; x <= c.X2; x++ {
				off := ((y-o.y)*o.w + (x - o.x)) * 4
				p := o.buf[off : off+4]
				if p[3] == 0 {
					continue
				}
				dst.SetRGB565(x, y, rgb565.FromARGB8888(p))
			}
		}
	case KindImage:
		if o.src == nil {
			return
		}
		sp := o.src.Bounds().Min.Add(image.Pt(c.X1-o.x, c.Y1-o.y))
		draw.Draw(dst, c.Rect(), o.src, sp, draw.Over)
	}
}
