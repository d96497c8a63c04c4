package gfx

import (
	"context"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"periph.io/x/devices/v3/spd2010/rgb565"
)

type flushed struct {
	a  Area
	px []byte
	p  *byte
}

// recorder is a flush function that completes synchronously.
type recorder struct {
	mu  sync.Mutex
	d   *Display
	got []flushed
}

func (r *recorder) flush(a Area, px []byte) {
	r.mu.Lock()
	r.got = append(r.got, flushed{a: a, px: append([]byte(nil), px...), p: &px[0]})
	r.mu.Unlock()
	r.d.FlushReady()
}

func (r *recorder) areas() []Area {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Area
	for _, f := range r.got {
		out = append(out, f.a)
	}
	return out
}

func newTestDisplay(t *testing.T, o Opts) (*Display, *recorder) {
	r := &recorder{}
	o.Flush = r.flush
	d, err := New(&o)
	require.NoError(t, err)
	r.d = d
	return d, r
}

func TestArea(t *testing.T) {
	a := Area{0, 0, 3, 1}
	require.Equal(t, 4, a.Width())
	require.Equal(t, 2, a.Height())
	require.Equal(t, 8, a.Size())
	require.Equal(t, image.Rect(0, 0, 4, 2), a.Rect())
	require.Equal(t, a, AreaOf(a.Rect()))

	c, ok := a.Intersect(Area{2, 1, 9, 9})
	require.True(t, ok)
	require.Equal(t, Area{2, 1, 3, 1}, c)

	_, ok = a.Intersect(Area{4, 0, 5, 0})
	require.False(t, ok)

	require.Equal(t, Area{0, 0, 5, 4}, a.Union(Area{5, 4, 5, 4}))
	require.Zero(t, Area{1, 0, 0, 0}.Size())
}

func TestParseLottie(t *testing.T) {
	info, err := ParseLottie([]byte(`{"v":"5.7.4","fr":30,"ip":0,"op":60,"w":256,"h":128,"layers":[]}`))
	require.NoError(t, err)
	require.Equal(t, 256, info.W)
	require.Equal(t, 128, info.H)
	require.Equal(t, 60, info.Frames())
	require.Equal(t, 2*time.Second, info.Duration())

	tests := []struct {
		name string
		data string
	}{
		{"not json", `lottie`},
		{"truncated", `{"w":10,"h":`},
		{"no size", `{"fr":30,"ip":0,"op":10}`},
		{"no frame rate", `{"w":10,"h":10,"ip":0,"op":10}`},
		{"reversed", `{"w":10,"h":10,"fr":30,"ip":10,"op":0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLottie([]byte(tt.data))
			require.ErrorIs(t, err, ErrInvalidLottie)
		})
	}
}

func TestNewValidation(t *testing.T) {
	flush := func(Area, []byte) {}
	tests := []struct {
		name string
		opts *Opts
	}{
		{"nil", nil},
		{"no size", &Opts{Flush: flush}},
		{"no flush", &Opts{W: 8, H: 8}},
		{"buffer too small", &Opts{W: 8, H: 8, BufPixels: 4, Flush: flush}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			require.Error(t, err)
		})
	}
}

func TestHandlerStripes(t *testing.T) {
	d, r := newTestDisplay(t, Opts{W: 8, H: 10, BufPixels: 16})
	d.Handler()

	require.Equal(t, []Area{
		{0, 0, 7, 1},
		{0, 2, 7, 3},
		{0, 4, 7, 5},
		{0, 6, 7, 7},
		{0, 8, 7, 9},
	}, r.areas())

	// Buffers alternate.
	require.NotSame(t, r.got[0].p, r.got[1].p)
	require.Same(t, r.got[0].p, r.got[2].p)
	require.Equal(t, uint64(5), d.Stats().Stripes)

	// Nothing left to draw.
	d.Handler()
	require.Len(t, r.areas(), 5)
}

func TestInvalidateRounder(t *testing.T) {
	d, r := newTestDisplay(t, Opts{W: 16, H: 4, Rounder: func(a *Area) {
		a.X1 &^= 3
		a.X2 |= 3
	}})
	d.Handler()
	r.got = nil

	d.Lock()
	d.Invalidate(Area{5, 1, 6, 1})
	d.Invalidate(Area{20, 0, 30, 0})
	d.Unlock()
	d.Handler()
	require.Equal(t, []Area{{4, 1, 7, 1}}, r.areas())
}

func TestInvalidateMerges(t *testing.T) {
	d, r := newTestDisplay(t, Opts{W: 16, H: 16, BufPixels: 256})
	d.Handler()
	r.got = nil

	d.Lock()
	d.Invalidate(Area{0, 0, 3, 3})
	d.Invalidate(Area{2, 2, 5, 5})
	d.Invalidate(Area{10, 10, 11, 11})
	d.Unlock()
	d.Handler()
	require.Equal(t, []Area{{0, 0, 5, 5}, {10, 10, 11, 11}}, r.areas())
}

// frame replays every flushed stripe onto a w×h image.
func (r *recorder) frame(w, h int) *rgb565.Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	img := rgb565.NewImage(image.Rect(0, 0, w, h))
	for _, f := range r.got {
		src := rgb565.FromBytes(f.a.Rect(), f.px)
		for y := f.a.Y1; y <= f.a.Y2; y++ {
			for x := f.a.X1; x <= f.a.X2; x++ {
				img.SetRGB565(x, y, src.RGB565At(x, y))
			}
		}
	}
	return img
}

func TestRenderObjects(t *testing.T) {
	d, r := newTestDisplay(t, Opts{W: 8, H: 4, Background: rgb565.New(0, 0, 0xFF)})

	d.Lock()
	o := d.NewLottie()
	buf := make([]byte, 2*2*4)
	for i := 0; i < len(buf); i += 4 {
		buf[i+2], buf[i+3] = 0xFF, 0xFF // opaque red
	}
	buf[3] = 0 // top-left transparent
	require.NoError(t, o.SetBuffer(2, 2, buf))
	o.SetPos(2, 1)

	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.RGBA{G: 0xFF, A: 0xFF})
	im := d.NewImage()
	require.NoError(t, im.SetImage(img))
	im.SetPos(6, 3)
	d.Unlock()

	d.Handler()
	got := r.frame(8, 4)

	blue, red, green := rgb565.New(0, 0, 0xFF), rgb565.New(0xFF, 0, 0), rgb565.New(0, 0xFF, 0)
	require.Equal(t, blue, got.RGB565At(2, 1), "transparent pixel shows background")
	require.Equal(t, red, got.RGB565At(3, 1))
	require.Equal(t, red, got.RGB565At(2, 2))
	require.Equal(t, green, got.RGB565At(6, 3))
	require.Equal(t, blue, got.RGB565At(0, 0))

	// Hidden objects are not drawn.
	d.Lock()
	o.SetHidden(true)
	d.Unlock()
	d.Handler()
	got = r.frame(8, 4)
	require.Equal(t, blue, got.RGB565At(3, 1))
	require.Equal(t, green, got.RGB565At(6, 3))
}

func TestObjectLifecycle(t *testing.T) {
	d, _ := newTestDisplay(t, Opts{W: 20, H: 10})
	d.Handler()

	d.Lock()
	defer d.Unlock()
	o := d.NewLottie()
	require.Error(t, o.SetBuffer(4, 4, make([]byte, 10)))
	require.NoError(t, o.SetBuffer(4, 2, make([]byte, 32)))
	o.Center()
	require.Equal(t, image.Pt(8, 4), o.Pos())
	require.Error(t, o.SetImage(image.NewRGBA(image.Rect(0, 0, 1, 1))))
	require.ErrorIs(t, o.SetSrcData([]byte(`{}`)), ErrInvalidLottie)
	require.NoError(t, o.SetSrcData([]byte(`{"w":4,"h":2,"fr":25,"ip":0,"op":50}`)))
	require.Equal(t, 4, o.Info().W)

	im := d.NewImage()
	require.Error(t, im.SetBuffer(1, 1, make([]byte, 4)))
	require.Len(t, d.Objects(), 2)

	o.Delete()
	o.Delete()
	require.Equal(t, []*Object{im}, d.Objects())
	require.Nil(t, o.Buffer())
	require.Error(t, o.SetSrcData([]byte(`{"w":4,"h":2,"fr":25,"ip":0,"op":50}`)))
}

func TestResizeUnbindsShortBuffer(t *testing.T) {
	d, r := newTestDisplay(t, Opts{W: 16, H: 16})
	d.Handler()

	d.Lock()
	o := d.NewLottie()
	buf := make([]byte, 4*4*4)
	for i := range buf {
		buf[i] = 0xFF
	}
	require.NoError(t, o.SetBuffer(4, 4, buf))
	o.SetSize(2, 2)
	require.NotNil(t, o.Buffer(), "shrinking keeps the buffer")
	o.SetSize(8, 8)
	require.Nil(t, o.Buffer())
	d.Unlock()

	require.NotPanics(t, d.Handler)
	require.Equal(t, rgb565.Color(0), r.frame(16, 16).RGB565At(0, 0))

	d.Lock()
	require.NoError(t, o.SetBuffer(8, 8, make([]byte, 8*8*4)))
	d.Unlock()
	require.NotPanics(t, d.Handler)
}

func TestFlushTimeout(t *testing.T) {
	d, err := New(&Opts{W: 4, H: 4, BufPixels: 8, FlushTimeout: 5 * time.Millisecond, Flush: func(Area, []byte) {}})
	require.NoError(t, err)
	d.Handler()
	require.Equal(t, uint64(1), d.Stats().Timeouts)
	require.True(t, d.Flushing())
	d.WaitFlush()
	require.Equal(t, uint64(2), d.Stats().Timeouts)
	require.False(t, d.Flushing())
}

func TestFlushReadyAsync(t *testing.T) {
	var d *Display
	var err error
	d, err = New(&Opts{W: 4, H: 8, BufPixels: 4, Flush: func(Area, []byte) {
		go func() {
			time.Sleep(time.Millisecond)
			d.FlushReady()
		}()
	}})
	require.NoError(t, err)
	d.Handler()
	d.WaitFlush()
	require.Equal(t, uint64(8), d.Stats().Stripes)
	require.Zero(t, d.Stats().Timeouts)
}

func TestTryLock(t *testing.T) {
	d, _ := newTestDisplay(t, Opts{W: 4, H: 4})
	require.True(t, d.TryLock(time.Millisecond))
	require.False(t, d.TryLock(5*time.Millisecond))
	d.Unlock()
	require.True(t, d.TryLock(0))
	d.Unlock()
}

func TestPointer(t *testing.T) {
	d, _ := newTestDisplay(t, Opts{W: 4, H: 4})
	states := []PointerState{{}, {Pressed: true, X: 1, Y: 2}, {Pressed: true, X: 2, Y: 2}, {}}
	i := 0
	d.SetPointer(func() PointerState {
		s := states[i]
		i++
		return s
	})
	var edges []PointerState
	d.OnPress(func(s PointerState) { edges = append(edges, s) })

	for range states {
		d.Handler()
	}
	require.Equal(t, []PointerState{{Pressed: true, X: 1, Y: 2}, {}}, edges)
	require.Equal(t, PointerState{}, d.Pointer())
}

func TestRun(t *testing.T) {
	d, r := newTestDisplay(t, Opts{W: 4, H: 4, Period: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return len(r.areas()) > 0 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
