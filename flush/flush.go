// Package flush connects a gfx.Display to the SPD2010 panel's asynchronous
// transfer queue.
//
// The display renders in native RGB565 into column ranges of any width; the
// panel wants big-endian pixels in 4-column aligned ranges and reports
// completion from its own goroutine. A Coordinator bridges the two and keeps
// track of when the panel was last idle.
package flush

import (
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"periph.io/x/devices/v3/spd2010"
	"periph.io/x/devices/v3/spd2010/gfx"
	"periph.io/x/devices/v3/spd2010/rgb565"
)

// Submitter queues a pixel transfer for the half-open region [x1, x2) x
// [y1, y2). *spd2010.Panel implements it.
type Submitter interface {
	DrawBitmap(x1, y1, x2, y2 int, data []byte) error
}

// Readier is told when a flush finished. *gfx.Display implements it.
type Readier interface {
	FlushReady()
}

// Stats counts flushes.
type Stats struct {
	Flushed   uint64 // Areas submitted
	Failed    uint64 // Areas the panel refused synchronously
	Completed uint64 // Transfers the panel reported done
}

// Coordinator hands rendered areas to the panel and relays completion back
// to the display.
type Coordinator struct {
	panel Submitter
	disp  atomic.Pointer[Readier]
	now   func() time.Time

	inflight atomic.Int32 // Submitted transfers not yet finished
	last     atomic.Int64 // UnixNano of the last completion

	flushed   atomic.Uint64
	failed    atomic.Uint64
	completed atomic.Uint64
}

// New returns a Coordinator submitting to p.
func New(p Submitter) *Coordinator {
	c := &Coordinator{panel: p, now: time.Now}
	c.last.Store(c.now().UnixNano())
	return c
}

// Bind sets the display to notify on completion. It must be called before
// the first Flush.
func (c *Coordinator) Bind(r Readier) {
	c.disp.Store(&r)
}

// Round widens a to the panel's 4-column granularity. It is the display's
// invalidation hook.
func (c *Coordinator) Round(a *gfx.Area) {
	a.X1, a.X2 = spd2010.AlignColumns(a.X1, a.X2)
}

// Flush converts px to panel byte order in place and submits it. If the
// panel refuses the transfer, the display is released before Flush returns.
func (c *Coordinator) Flush(a gfx.Area, px []byte) {
	n := a.Size() * 2
	px = px[:n]
	rgb565.Swap(px)

	c.inflight.Add(1)
	c.flushed.Add(1)
	if err := c.panel.DrawBitmap(a.X1, a.Y1, a.X2+1, a.Y2+1, px); err != nil {
		c.failed.Add(1)
		glog.Warningf("flush: submit %s: %v", a, err)
		c.finish()
	}
}

// TransferDone records a completed transfer and releases the display. It
// only touches atomics and never blocks, so it can run in the panel's
// completion context.
func (c *Coordinator) TransferDone() {
	c.completed.Add(1)
	c.finish()
}

func (c *Coordinator) finish() {
	c.last.Store(c.now().UnixNano())
	for {
		n := c.inflight.Load()
		if n <= 0 || c.inflight.CompareAndSwap(n, n-1) {
			break
		}
	}
	if r := c.disp.Load(); r != nil {
		(*r).FlushReady()
	}
}

// InactiveTime returns how long the panel has been idle: zero while any
// transfer is in flight, otherwise the time since the last one finished.
func (c *Coordinator) InactiveTime() time.Duration {
	if c.inflight.Load() > 0 {
		return 0
	}
	return c.now().Sub(time.Unix(0, c.last.Load()))
}

// Stats returns the flush counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Flushed:   c.flushed.Load(),
		Failed:    c.failed.Load(),
		Completed: c.completed.Load(),
	}
}
