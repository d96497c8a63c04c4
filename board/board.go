// Package board wires the SPD2010 panel, its touch controller and the
// TCA9554 reset expander into a running display stack.
//
// Everything the stack needs is constructed explicitly in New and owned by
// the returned Board; there is no package state.
package board

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"periph.io/x/devices/v3/spd2010"
	"periph.io/x/devices/v3/spd2010/anim"
	"periph.io/x/devices/v3/spd2010/flush"
	"periph.io/x/devices/v3/spd2010/gfx"
	"periph.io/x/devices/v3/spd2010/tca9554"
)

// Expander pins wired to the panel's reset lines.
const (
	TouchResetPin = 1
	PanelResetPin = 2
)

// Opts is the configuration for a Board.
type Opts struct {
	// Display dimensions in pixels (default: 412x412)
	W int
	H int

	// I/O expander address (default: tca9554.DefaultAddr)
	ExpanderAddr uint16

	// Panel SPI clock (default: 40MHz)
	Freq physic.Frequency

	// Animation files; nil disables the animation manager
	Assets fs.FS

	// Render buffer memory for animations (default: 8MiB)
	AnimMemory int

	// Render loop period (default: 20ms)
	Period time.Duration

	// Touch coordinate transforms
	SwapXY  bool
	MirrorX bool
	MirrorY bool
}

// Board is the running display stack.
type Board struct {
	Expander *tca9554.Dev
	Panel    *spd2010.Panel
	Touch    *spd2010.Touch
	Flush    *flush.Coordinator
	Display  *gfx.Display
	Anim     *anim.Manager

	// Render loop only
	last gfx.PointerState
}

// New brings up the board: expander, panel, flush path, display, touch and
// animation manager, in that order.
func New(bus i2c.Bus, port spi.Port, opts *Opts) (*Board, error) {
	o := Opts{}
	if opts != nil {
		o = *opts
	}
	if o.Freq == 0 {
		o.Freq = 40 * physic.MegaHertz
	}
	c, err := port.Connect(o.Freq, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("board: connecting panel: %w", err)
	}
	return newBoard(bus, c, &o)
}

func newBoard(bus i2c.Bus, c conn.Conn, o *Opts) (*Board, error) {
	if o.W == 0 {
		o.W = 412
	}
	if o.H == 0 {
		o.H = 412
	}
	if o.ExpanderAddr == 0 {
		o.ExpanderAddr = tca9554.DefaultAddr
	}
	if o.AnimMemory == 0 {
		o.AnimMemory = 8 << 20
	}

	b := &Board{}
	var err error
	if b.Expander, err = tca9554.New(bus, o.ExpanderAddr); err != nil {
		return nil, fmt.Errorf("board: expander: %w", err)
	}
	if b.Panel, err = spd2010.NewPanel(c, &spd2010.PanelOpts{
		W:   o.W,
		H:   o.H,
		RST: b.Expander.Pin(PanelResetPin),
	}); err != nil {
		return nil, fmt.Errorf("board: panel: %w", err)
	}

	b.Flush = flush.New(b.Panel)
	b.Panel.OnTransferDone(b.Flush.TransferDone)
	if b.Display, err = gfx.New(&gfx.Opts{
		W:       o.W,
		H:       o.H,
		Flush:   b.Flush.Flush,
		Rounder: b.Flush.Round,
		Period:  o.Period,
	}); err != nil {
		b.Panel.Halt()
		return nil, fmt.Errorf("board: display: %w", err)
	}
	b.Flush.Bind(b.Display)

	if b.Touch, err = spd2010.NewI2C(bus, &spd2010.TouchOpts{
		W:       o.W,
		H:       o.H,
		SwapXY:  o.SwapXY,
		MirrorX: o.MirrorX,
		MirrorY: o.MirrorY,
		RST:     b.Expander.Pin(TouchResetPin),
	}); err != nil {
		b.Panel.Halt()
		return nil, fmt.Errorf("board: touch: %w", err)
	}
	b.Display.SetPointer(b.readPointer)

	if o.Assets != nil {
		if b.Anim, err = anim.New(b.Display, b.Flush, &anim.Opts{
			FS:    o.Assets,
			Alloc: anim.NewAllocator(o.AnimMemory),
		}); err != nil {
			b.Halt()
			return nil, fmt.Errorf("board: animations: %w", err)
		}
	}
	glog.Infof("board: %s, %s ready", b.Panel, b.Touch)
	return b, nil
}

// readPointer polls touch for the display. A release keeps the last
// position, taking the lift coordinate when the controller reports one.
func (b *Board) readPointer() gfx.PointerState {
	pressed, r := b.Touch.Poll()
	switch {
	case pressed:
		p := r.Points[0]
		b.last = gfx.PointerState{Pressed: true, X: int(p.X), Y: int(p.Y)}
	case r.Edge.Kind == spd2010.EdgeUp:
		b.last = gfx.PointerState{X: int(r.Edge.X), Y: int(r.Edge.Y)}
	default:
		b.last.Pressed = false
	}
	return b.last
}

// Run runs the render loop and, if configured, the animation manager until
// ctx is done or one of them fails.
func (b *Board) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Display.Run(ctx) })
	if b.Anim != nil {
		g.Go(func() error { return b.Anim.Run(ctx) })
	}
	return g.Wait()
}

// Halt stops the touch controller and turns the panel off. Run must have
// returned.
func (b *Board) Halt() error {
	var errs []error
	if b.Anim != nil {
		if err := b.Anim.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.Touch != nil {
		errs = append(errs, b.Touch.Halt())
	}
	if b.Panel != nil {
		errs = append(errs, b.Panel.Halt())
	}
	return errors.Join(errs...)
}
