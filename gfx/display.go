package gfx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"periph.io/x/devices/v3/spd2010/rgb565"
)

// FlushFunc sends a rendered area to the panel. px holds Area.Size() pixels
// in native RGB565 order. The function may return before the transfer is
// done but must eventually cause FlushReady to be called, possibly from
// inside the call itself.
type FlushFunc func(a Area, px []byte)

// RoundFunc adjusts an invalidated area before it is queued for rendering.
type RoundFunc func(a *Area)

// PointerState is one reading of a pointer input device.
type PointerState struct {
	Pressed bool
	X, Y    int
}

// Opts is the configuration for a Display.
type Opts struct {
	// Screen dimensions in pixels
	W int
	H int

	// Pixels per draw buffer (default: W*H/20, at least W). Two buffers are
	// allocated.
	BufPixels int

	// Required
	Flush FlushFunc

	// Optional invalidation hook
	Rounder RoundFunc

	// Longest wait for a flush to complete (default: 1s)
	FlushTimeout time.Duration

	// Render loop period used by Run (default: 20ms)
	Period time.Duration

	Background rgb565.Color
}

// Stats counts render activity.
type Stats struct {
	Stripes  uint64 // Stripes rendered
	Timeouts uint64 // Flushes that never signalled ready
}

// Display is a minimal retained-mode screen: a list of objects, a set of
// invalidated areas and two draw buffers that are rendered in stripes and
// handed to the flush function alternately.
//
// The object tree is guarded by Lock and Unlock. Every Object method and
// Invalidate must be called with the lock held.
type Display struct {
	lock chan struct{}

	w, h  int
	opts  Opts
	bufs  [2][]byte
	dirty []Area
	objs  []*Object

	// Render loop only
	active int

	flushing atomic.Bool
	ready    chan struct{}

	pmu     sync.Mutex
	read    func() PointerState
	onPress func(PointerState)
	pointer PointerState

	stripes  atomic.Uint64
	timeouts atomic.Uint64
}

// New creates a display and marks the whole screen for the first render.
func New(opts *Opts) (*Display, error) {
	if opts == nil {
		return nil, errors.New("gfx: options are required")
	}
	o := *opts
	if o.W <= 0 || o.H <= 0 {
		return nil, fmt.Errorf("gfx: invalid size %dx%d", o.W, o.H)
	}
	if o.Flush == nil {
		return nil, errors.New("gfx: flush function is required")
	}
	if o.BufPixels == 0 {
		o.BufPixels = max(o.W*o.H/20, o.W)
	}
	if o.BufPixels < o.W {
		return nil, fmt.Errorf("gfx: draw buffer of %d pixels cannot hold a %d pixel row", o.BufPixels, o.W)
	}
	if o.FlushTimeout == 0 {
		o.FlushTimeout = time.Second
	}
	if o.Period == 0 {
		o.Period = 20 * time.Millisecond
	}

	d := &Display{
		lock:  make(chan struct{}, 1),
		w:     o.W,
		h:     o.H,
		opts:  o,
		ready: make(chan struct{}, 1),
	}
	for i := range d.bufs {
		d.bufs[i] = make([]byte, o.BufPixels*2)
	}
	d.Invalidate(d.Screen())
	return d, nil
}

// Screen returns the full screen area.
func (d *Display) Screen() Area {
	return Area{0, 0, d.w - 1, d.h - 1}
}

// Lock acquires the object tree lock.
func (d *Display) Lock() {
	d.lock <- struct{}{}
}

// TryLock acquires the object tree lock, giving up after timeout.
func (d *Display) TryLock(timeout time.Duration) bool {
	select {
	case d.lock <- struct{}{}:
		return true
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case d.lock <- struct{}{}:
		return true
	case <-t.C:
		return false
	}
}

// Unlock releases the object tree lock.
func (d *Display) Unlock() {
	<-d.lock
}

// Invalidate marks a for redraw. The area is clipped to the screen and
// passed through the rounder.
func (d *Display) Invalidate(a Area) {
	a, ok := a.Intersect(d.Screen())
	if !ok {
		return
	}
	if d.opts.Rounder != nil {
		d.opts.Rounder(&a)
		if a, ok = a.Intersect(d.Screen()); !ok {
			return
		}
	}
	for i, b := range d.dirty {
		if _, ok := a.Intersect(b); ok {
			d.dirty[i] = b.Union(a)
			return
		}
	}
	d.dirty = append(d.dirty, a)
	if len(d.dirty) > 16 {
		u := d.dirty[0]
		for _, b := range d.dirty[1:] {
			u = u.Union(b)
		}
		d.dirty = append(d.dirty[:0], u)
	}
}

// Objects returns the live objects, bottom first.
func (d *Display) Objects() []*Object {
	return append([]*Object(nil), d.objs...)
}

// FlushReady tells the display the last flush finished. It never blocks and
// is safe to call from any goroutine, including from inside the flush
// function.
func (d *Display) FlushReady() {
	d.flushing.Store(false)
	select {
	case d.ready <- struct{}{}:
	default:
	}
}

// Flushing reports whether a flush is outstanding.
func (d *Display) Flushing() bool {
	return d.flushing.Load()
}

// SetPointer registers the pointer input device read on every Handler call.
func (d *Display) SetPointer(read func() PointerState) {
	d.pmu.Lock()
	defer d.pmu.Unlock()
	d.read = read
}

// OnPress registers fn to be called when the pointer is pressed or released.
func (d *Display) OnPress(fn func(PointerState)) {
	d.pmu.Lock()
	defer d.pmu.Unlock()
	d.onPress = fn
}

// Pointer returns the last pointer reading.
func (d *Display) Pointer() PointerState {
	d.pmu.Lock()
	defer d.pmu.Unlock()
	return d.pointer
}

func (d *Display) readPointer() {
	d.pmu.Lock()
	read, fn := d.read, d.onPress
	d.pmu.Unlock()
	if read == nil {
		return
	}
	s := read()
	d.pmu.Lock()
	prev := d.pointer
	d.pointer = s
	d.pmu.Unlock()
	if s.Pressed != prev.Pressed && fn != nil {
		fn(s)
	}
}

// Stats returns render counters.
func (d *Display) Stats() Stats {
	return Stats{Stripes: d.stripes.Load(), Timeouts: d.timeouts.Load()}
}

// Handler runs one render cycle: it reads the pointer, then renders every
// invalidated area in buffer-sized stripes and flushes them. Rendering into
// one buffer overlaps the flush of the other.
func (d *Display) Handler() {
	d.readPointer()

	d.Lock()
	areas := d.dirty
	d.dirty = nil
	d.Unlock()

	for _, a := range areas {
		rows := d.opts.BufPixels / a.Width()
		for y := a.Y1; y <= a.Y2; y += rows {
			s := Area{a.X1, y, a.X2, min(y+rows-1, a.Y2)}
			buf := d.bufs[d.active][:s.Size()*2]

			d.Lock()
			d.render(s, buf)
			d.Unlock()
			d.stripes.Add(1)

			d.waitFlush()
			d.drainReady()
			d.flushing.Store(true)
			d.opts.Flush(s, buf)
			d.active ^= 1
		}
	}
}

// WaitFlush blocks until the outstanding flush, if any, completes or the
// flush timeout expires.
func (d *Display) WaitFlush() {
	d.waitFlush()
}

func (d *Display) waitFlush() {
	if !d.flushing.Load() {
		return
	}
	t := time.NewTimer(d.opts.FlushTimeout)
	defer t.Stop()
	for d.flushing.Load() {
		select {
		case <-d.ready:
		case <-t.C:
			d.timeouts.Add(1)
			glog.Warningf("gfx: flush not ready after %s", d.opts.FlushTimeout)
			d.flushing.Store(false)
			return
		}
	}
}

func (d *Display) drainReady() {
	select {
	case <-d.ready:
	default:
	}
}

// Run calls Handler every period until ctx is done.
func (d *Display) Run(ctx context.Context) error {
	t := time.NewTicker(d.opts.Period)
	defer t.Stop()
	for {
		d.Handler()
		select {
		case <-ctx.Done():
			d.waitFlush()
			return nil
		case <-t.C:
		}
	}
}

// render draws every visible object intersecting s into buf.
func (d *Display) render(s Area, buf []byte) {
	img := rgb565.FromBytes(s.Rect(), buf)
	img.Fill(img.Rect, d.opts.Background)
	for _, o := range d.objs {
		if o.hidden {
			continue
		}
		if c, ok := o.Area().Intersect(s); ok {
			o.draw(img, c)
		}
	}
}

func (d *Display) String() string {
	return fmt.Sprintf("gfx.Display{%dx%d}", d.w, d.h)
}
