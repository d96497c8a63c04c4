// Package anim sequences Lottie animation playback on a gfx.Display.
//
// A Manager owns at most one animation object and its render buffer.
// Switching animations fully retires the old one, waiting for the panel to
// go idle, before anything new is allocated. Requests arrive as Commands on
// a bounded queue drained by Run; Play, PlayAt and Stop can also be called
// directly.
package anim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"io/fs"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/semaphore"

	"periph.io/x/devices/v3/spd2010/gfx"
)

var (
	// ErrBusy is returned when exclusive access to the animation or the
	// display could not be obtained in time.
	ErrBusy = errors.New("anim: busy")
	// ErrQueueFull is returned when a command could not be queued in time.
	ErrQueueFull = errors.New("anim: command queue full")
	// ErrNoMem is returned when a render buffer cannot be allocated.
	ErrNoMem = errors.New("anim: out of memory")
)

// Idler reports how long the panel has been idle. *flush.Coordinator
// implements it.
type Idler interface {
	InactiveTime() time.Duration
}

// Timing holds the waits used while switching animations.
type Timing struct {
	EnqueueTimeout time.Duration // Wait for queue space
	LockTimeout    time.Duration // Wait for exclusive access and the display lock

	BusyPoll  time.Duration // Busy flag polling interval
	BusyTries int           // Busy flag polls before giving up

	PlaySettle time.Duration // After stopping, before loading

	IdlePoll      time.Duration // Inactivity polling interval
	IdleThreshold time.Duration // Panel idle time that counts as quiet
	IdleTimeout   time.Duration // Longest wait for a quiet panel

	DeleteSettle time.Duration // After deleting the object
	FreeSettle   time.Duration // After freeing the buffer
}

// DefaultTiming matches the panel's refresh behaviour.
var DefaultTiming = Timing{
	EnqueueTimeout: 100 * time.Millisecond,
	LockTimeout:    time.Second,
	BusyPoll:       10 * time.Millisecond,
	BusyTries:      100,
	PlaySettle:     100 * time.Millisecond,
	IdlePoll:       10 * time.Millisecond,
	IdleThreshold:  500 * time.Millisecond,
	IdleTimeout:    500 * time.Millisecond,
	DeleteSettle:   300 * time.Millisecond,
	FreeSettle:     50 * time.Millisecond,
}

// Opts is the configuration for a Manager.
type Opts struct {
	// Animation files (required)
	FS fs.FS

	// Named animations (default: DefaultCatalog)
	Catalog map[Kind]Asset

	// Pending commands (default: 10)
	QueueDepth int

	// Render buffer memory (default: 8MiB budget)
	Alloc *Allocator

	// Zero value uses DefaultTiming
	Timing *Timing
}

// Manager plays one animation at a time.
type Manager struct {
	disp *gfx.Display
	idle Idler
	fsys fs.FS
	cat  map[Kind]Asset
	mem  *Allocator
	t    Timing

	queue chan Command
	sem   *semaphore.Weighted
	busy  atomic.Bool

	// Guarded by sem
	obj *gfx.Object
	buf []byte
	img *gfx.Object
	cur Kind
}

// New returns a Manager drawing on d. idle may be nil, in which case Stop
// does not wait for the panel.
func New(d *gfx.Display, idle Idler, opts *Opts) (*Manager, error) {
	if d == nil {
		return nil, errors.New("anim: display is required")
	}
	if opts == nil || opts.FS == nil {
		return nil, errors.New("anim: asset filesystem is required")
	}
	o := *opts
	if o.Catalog == nil {
		o.Catalog = DefaultCatalog
	}
	if o.QueueDepth == 0 {
		o.QueueDepth = 10
	}
	if o.QueueDepth < 0 {
		return nil, errors.New("anim: queue depth must be positive")
	}
	if o.Alloc == nil {
		o.Alloc = NewAllocator(8 << 20)
	}
	t := DefaultTiming
	if o.Timing != nil {
		t = *o.Timing
	}
	return &Manager{
		disp:  d,
		idle:  idle,
		fsys:  o.FS,
		cat:   o.Catalog,
		mem:   o.Alloc,
		t:     t,
		queue: make(chan Command, o.QueueDepth),
		sem:   semaphore.NewWeighted(1),
		cur:   None,
	}, nil
}

// Enqueue queues c for Run, waiting up to the enqueue timeout for space.
func (m *Manager) Enqueue(c Command) error {
	select {
	case m.queue <- c:
		return nil
	default:
	}
	t := time.NewTimer(m.t.EnqueueTimeout)
	defer t.Stop()
	select {
	case m.queue <- c:
		return nil
	case <-t.C:
		glog.Warningf("anim: dropping %T, queue full", c)
		return ErrQueueFull
	}
}

// Helpers queueing the matching Command for Run.

func (m *Manager) PlayAnim(k Kind) error { return m.Enqueue(CmdPlay{Kind: k}) }
func (m *Manager) PlayAnimAt(k Kind, x, y int) error { return m.Enqueue(CmdPlayAt{Kind: k, X: x, Y: y}) }
func (m *Manager) StopAnim(k Kind) error { return m.Enqueue(CmdStop{Kind: k}) }
func (m *Manager) Hide() error { return m.Enqueue(CmdHide{}) }
func (m *Manager) Show() error { return m.Enqueue(CmdShow{}) }
func (m *Manager) SetPos(x, y int) error { return m.Enqueue(CmdSetPos{X: x, Y: y}) }
func (m *Manager) Center() error { return m.Enqueue(CmdCenter{}) }
func (m *Manager) ShowImage(path string, w, h int) error {
	return m.Enqueue(CmdShowImage{Path: path, W: w, H: h})
}
func (m *Manager) HideImage() error { return m.Enqueue(CmdHideImage{}) }

// Run executes queued commands until ctx is done. Command failures are
// logged; they do not stop the loop.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-m.queue:
			if err := m.exec(c); err != nil {
				glog.Warningf("anim: %T: %v", c, err)
			}
		}
	}
}

func (m *Manager) exec(c Command) error {
	switch c := c.(type) {
	case CmdPlay:
		return m.playKind(c.Kind, nil)
	case CmdPlayAt:
		return m.playKind(c.Kind, &image.Point{X: c.X, Y: c.Y})
	case CmdStop:
		return m.stopKind(c.Kind)
	case CmdHide:
		return m.withObject(func(o *gfx.Object) { o.SetHidden(true) })
	case CmdShow:
		return m.withObject(func(o *gfx.Object) { o.SetHidden(false) })
	case CmdSetPos:
		return m.withObject(func(o *gfx.Object) { o.SetPos(c.X, c.Y) })
	case CmdCenter:
		return m.withObject(func(o *gfx.Object) { o.Center() })
	case CmdShowImage:
		return m.showImage(c.Path, c.W, c.H)
	case CmdHideImage:
		return m.hideImage()
	}
	return fmt.Errorf("anim: unknown command %T", c)
}

// Play stops whatever is playing and plays the Lottie file at path, sized
// w×h and centered.
func (m *Manager) Play(path string, w, h int) error {
	return m.play(None, path, w, h, nil)
}

// PlayAt is Play with the top-left corner at (x, y).
func (m *Manager) PlayAt(path string, w, h, x, y int) error {
	return m.play(None, path, w, h, &image.Point{X: x, Y: y})
}

// Stop retires the current animation: it is hidden, the panel is given time
// to go quiet, then the object and its buffer are released. It returns
// immediately if nothing is playing.
func (m *Manager) Stop() error {
	if err := m.acquire(); err != nil {
		return err
	}
	defer m.sem.Release(1)
	m.busy.Store(true)
	defer m.busy.Store(false)
	return m.stop()
}

// Current returns the catalog animation playing, or None.
func (m *Manager) Current() Kind {
	if err := m.acquire(); err != nil {
		return None
	}
	defer m.sem.Release(1)
	return m.cur
}

// Playing reports whether an animation object exists.
func (m *Manager) Playing() bool {
	if err := m.acquire(); err != nil {
		return true
	}
	defer m.sem.Release(1)
	return m.obj != nil
}

// Busy reports whether an animation switch is in progress.
func (m *Manager) Busy() bool {
	return m.busy.Load()
}

func (m *Manager) playKind(k Kind, at *image.Point) error {
	a, ok := m.cat[k]
	if !ok {
		return fmt.Errorf("anim: no animation %s in catalog", k)
	}
	return m.play(k, a.Path, a.W, a.H, at)
}

func (m *Manager) play(k Kind, path string, w, h int, at *image.Point) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("anim: invalid size %dx%d", w, h)
	}
	if err := m.waitNotBusy(); err != nil {
		return err
	}
	if err := m.acquire(); err != nil {
		return err
	}
	defer m.sem.Release(1)
	m.busy.Store(true)
	defer m.busy.Store(false)

	if err := m.stop(); err != nil {
		return err
	}
	time.Sleep(m.t.PlaySettle)

	data, err := fs.ReadFile(m.fsys, strings.TrimPrefix(path, "/"))
	if err != nil {
		return fmt.Errorf("anim: loading %s: %w", path, err)
	}

	if !m.disp.TryLock(m.t.LockTimeout) {
		return fmt.Errorf("%w: display lock", ErrBusy)
	}
	defer m.disp.Unlock()

	obj := m.disp.NewLottie()
	buf, err := m.mem.Alloc(w * h * 4)
	if err != nil {
		obj.Delete()
		return fmt.Errorf("anim: render buffer for %s: %w", path, err)
	}
	if err := obj.SetBuffer(w, h, buf); err != nil {
		obj.Delete()
		m.mem.Free(buf)
		return err
	}
	if err := obj.SetSrcData(data); err != nil {
		obj.Delete()
		m.mem.Free(buf)
		return fmt.Errorf("anim: %s: %w", path, err)
	}
	if at != nil {
		obj.SetPos(at.X, at.Y)
	} else {
		obj.Center()
	}
	if m.img != nil {
		obj.SetHidden(true)
	}
	m.obj, m.buf, m.cur = obj, buf, k
	glog.V(1).Infof("anim: playing %s (%dx%d, %d frames)", path, w, h, obj.Info().Frames())
	return nil
}

func (m *Manager) stopKind(k Kind) error {
	if err := m.acquire(); err != nil {
		return err
	}
	defer m.sem.Release(1)
	if k != All && k != m.cur {
		return nil
	}
	m.busy.Store(true)
	defer m.busy.Store(false)
	return m.stop()
}

// stop requires sem.
func (m *Manager) stop() error {
	if m.obj == nil {
		if m.buf != nil {
			m.mem.Free(m.buf)
			m.buf = nil
		}
		m.cur = None
		return nil
	}

	if !m.disp.TryLock(m.t.LockTimeout) {
		return fmt.Errorf("%w: display lock", ErrBusy)
	}
	m.obj.SetHidden(true)
	m.obj.Invalidate()
	m.disp.Unlock()

	m.waitQuiet()

	if !m.disp.TryLock(m.t.LockTimeout) {
		return fmt.Errorf("%w: display lock", ErrBusy)
	}
	m.obj.Delete()
	m.disp.Unlock()
	m.obj = nil
	m.cur = None

	time.Sleep(m.t.DeleteSettle)
	m.mem.Free(m.buf)
	m.buf = nil
	time.Sleep(m.t.FreeSettle)
	return nil
}

// waitQuiet waits until the panel has been idle for IdleThreshold, or
// IdleTimeout passes.
func (m *Manager) waitQuiet() {
	if m.idle == nil {
		return
	}
	deadline := time.Now().Add(m.t.IdleTimeout)
	for m.idle.InactiveTime() <= m.t.IdleThreshold && time.Now().Before(deadline) {
		time.Sleep(m.t.IdlePoll)
	}
}

func (m *Manager) acquire() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.t.LockTimeout)
	defer cancel()
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: animation in use", ErrBusy)
	}
	return nil
}

func (m *Manager) waitNotBusy() error {
	for i := 0; m.busy.Load(); i++ {
		if i >= m.t.BusyTries {
			return fmt.Errorf("%w: switch in progress", ErrBusy)
		}
		time.Sleep(m.t.BusyPoll)
	}
	return nil
}

// withObject applies fn to the animation object, if any, under the display
// lock.
func (m *Manager) withObject(fn func(*gfx.Object)) error {
	if err := m.acquire(); err != nil {
		return err
	}
	defer m.sem.Release(1)
	if m.obj == nil {
		return nil
	}
	if !m.disp.TryLock(m.t.LockTimeout) {
		return fmt.Errorf("%w: display lock", ErrBusy)
	}
	defer m.disp.Unlock()
	fn(m.obj)
	return nil
}

func (m *Manager) showImage(path string, w, h int) error {
	if w < 0 || h < 0 {
		return fmt.Errorf("anim: invalid size %dx%d", w, h)
	}
	data, err := fs.ReadFile(m.fsys, strings.TrimPrefix(path, "/"))
	if err != nil {
		return fmt.Errorf("anim: loading %s: %w", path, err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("anim: decoding %s: %w", path, err)
	}

	if err := m.acquire(); err != nil {
		return err
	}
	defer m.sem.Release(1)
	if !m.disp.TryLock(m.t.LockTimeout) {
		return fmt.Errorf("%w: display lock", ErrBusy)
	}
	defer m.disp.Unlock()

	if m.obj != nil {
		m.obj.SetHidden(true)
	}
	if m.img != nil {
		m.img.Delete()
	}
	m.img = m.disp.NewImage()
	if err := m.img.SetImage(img); err != nil {
		m.img.Delete()
		m.img = nil
		return err
	}
	if w > 0 && h > 0 {
		m.img.SetSize(w, h)
	}
	m.img.Center()
	return nil
}

func (m *Manager) hideImage() error {
	if err := m.acquire(); err != nil {
		return err
	}
	defer m.sem.Release(1)
	if !m.disp.TryLock(m.t.LockTimeout) {
		return fmt.Errorf("%w: display lock", ErrBusy)
	}
	defer m.disp.Unlock()

	if m.img != nil {
		m.img.Delete()
		m.img = nil
	}
	if m.obj != nil {
		m.obj.SetHidden(false)
	}
	return nil
}
