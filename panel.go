package spd2010

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"tinygo.org/x/drivers/pixel"

	"periph.io/x/devices/v3/spd2010/rgb565"
)

// ErrQueueFull is returned by DrawBitmap when the transfer queue cannot take
// another transfer. No completion callback follows a rejected transfer.
var ErrQueueFull = errors.New("spd2010: transfer queue full")

// QSPI opcodes. Every frame starts with the opcode and a 24-bit address
// carrying the DCS command in its middle byte.
const (
	opWriteCmd   = 0x02
	opWriteColor = 0x32
)

// DCS commands.
const (
	cmdSleepIn  = 0x10
	cmdSleepOut = 0x11
	cmdDispOff  = 0x28
	cmdDispOn   = 0x29
	cmdCASet    = 0x2A
	cmdRASet    = 0x2B
	cmdRAMWr    = 0x2C
	cmdMADCtl   = 0x36
	cmdColMod   = 0x3A
)

// AlignColumns expands the inclusive column span [x1, x2] so it starts on a
// multiple of 4 and ends just before one. The panel only accepts transfers
// whose column range meets this granularity.
func AlignColumns(x1, x2 int) (int, int) {
	return x1 &^ 3, x2 | 3
}

// PanelOpts is the configuration for the SPD2010 display panel.
type PanelOpts struct {
	// Display dimensions in pixels
	W int // Width (default: 412, must be a multiple of 4)
	H int // Height (default: 412)

	// Pending asynchronous transfers (default: 10)
	QueueDepth int

	// SPI clock (default: 40MHz)
	Freq physic.Frequency

	// Optional hardware reset pin
	RST gpio.PinOut
}

type transfer struct {
	x1, y1, x2, y2 int
	data           []byte
}

// Panel is the device handle for the SPD2010 display panel.
//
// DrawBitmap queues transfers that a worker goroutine sends in order; when
// one finishes, the function registered with OnTransferDone is called from
// that goroutine.
type Panel struct {
	busMu sync.Mutex
	c     conn.Conn
	rst   gpio.PinOut
	rect  image.Rectangle

	mu     sync.Mutex
	queue  chan transfer
	halted bool
	wg     sync.WaitGroup

	done   atomic.Value // func()
	failed atomic.Uint32
}

// NewSPI creates a new panel connected via SPI.
//
// The port is configured for opts.Freq, Mode0, 8-bit transfers. opts can be
// nil to use defaults (412x412 display).
func NewSPI(p spi.Port, opts *PanelOpts) (*Panel, error) {
	o := PanelOpts{}
	if opts != nil {
		o = *opts
	}
	if o.Freq == 0 {
		o.Freq = 40 * physic.MegaHertz
	}
	c, err := p.Connect(o.Freq, spi.Mode0, 8)
	if err != nil {
		return nil, err
	}
	return NewPanel(c, &o)
}

// NewPanel creates a panel on an already configured connection and runs the
// initialization sequence.
func NewPanel(c conn.Conn, opts *PanelOpts) (*Panel, error) {
	o := PanelOpts{}
	if opts != nil {
		o = *opts
	}
	if o.W == 0 {
		o.W = 412
	}
	if o.H == 0 {
		o.H = 412
	}
	if o.QueueDepth == 0 {
		o.QueueDepth = 10
	}
	if o.W < 0 || o.W%4 != 0 || o.W > 1024 {
		return nil, errors.New("spd2010: width must be a multiple of 4 and between 4 and 1024")
	}
	if o.H < 0 || o.H > 1024 {
		return nil, errors.New("spd2010: height must be between 1 and 1024")
	}
	if o.QueueDepth < 0 {
		return nil, errors.New("spd2010: queue depth must be positive")
	}

	d := &Panel{
		c:     c,
		rst:   o.RST,
		rect:  image.Rect(0, 0, o.W, o.H),
		queue: make(chan transfer, o.QueueDepth),
	}
	if err := d.init(); err != nil {
		return nil, err
	}
	d.wg.Add(1)
	go d.run()
	return d, nil
}

// init sends the initialization sequence to the panel.
func (d *Panel) init() error {
	if d.rst != nil {
		if err := d.rst.Out(gpio.Low); err != nil {
			return fmt.Errorf("spd2010: failed to pull RST low: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
		if err := d.rst.Out(gpio.High); err != nil {
			return fmt.Errorf("spd2010: failed to pull RST high: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := d.sendCommand(cmdSleepOut); err != nil {
		return err
	}
	time.Sleep(120 * time.Millisecond)
	if err := d.sendCommand(cmdColMod, 0x55); err != nil { // 16 bits per pixel
		return err
	}
	if err := d.sendCommand(cmdMADCtl, 0x00); err != nil {
		return err
	}
	if err := d.clearRAM(); err != nil {
		return err
	}
	return d.sendCommand(cmdDispOn)
}

// clearRAM fills the panel with black, a band of rows at a time.
func (d *Panel) clearRAM() error {
	const rows = 16
	w, h := d.rect.Dx(), d.rect.Dy()
	band := pixel.NewImage[pixel.RGB565BE](w, rows)
	band.FillSolidColor(pixel.NewColor[pixel.RGB565BE](0, 0, 0))
	buf := band.RawBuffer()
	for y := 0; y < h; y += rows {
		n := rows
		if y+n > h {
			n = h - y
		}
		if err := d.writeRect(0, y, w, y+n, buf[:w*n*2]); err != nil {
			return err
		}
	}
	return nil
}

// OnTransferDone registers fn to be called each time a queued transfer
// completes. fn must not block.
func (d *Panel) OnTransferDone(fn func()) {
	d.done.Store(fn)
}

// DrawBitmap queues pixel data for the region [x1, x2) x [y1, y2). data must
// already be in panel byte order and must stay untouched until the transfer
// completes.
//
// It returns ErrQueueFull without blocking if the queue is full.
func (d *Panel) DrawBitmap(x1, y1, x2, y2 int, data []byte) error {
	if x1 >= x2 || y1 >= y2 {
		return fmt.Errorf("spd2010: empty region (%d,%d)-(%d,%d)", x1, y1, x2, y2)
	}
	if !image.Rect(x1, y1, x2, y2).In(d.rect) {
		return fmt.Errorf("spd2010: region (%d,%d)-(%d,%d) out of bounds", x1, y1, x2, y2)
	}
	if n := (x2 - x1) * (y2 - y1) * 2; len(data) < n {
		return fmt.Errorf("spd2010: need %d bytes of pixel data, got %d", n, len(data))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.halted {
		return errors.New("spd2010: halted")
	}
	select {
	case d.queue <- transfer{x1, y1, x2, y2, data}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Failed returns the number of queued transfers the bus rejected.
func (d *Panel) Failed() uint32 {
	return d.failed.Load()
}

func (d *Panel) run() {
	defer d.wg.Done()
	for t := range d.queue {
		if err := d.writeRect(t.x1, t.y1, t.x2, t.y2, t.data); err != nil {
			d.failed.Add(1)
			glog.Warningf("spd2010: transfer (%d,%d)-(%d,%d): %v", t.x1, t.y1, t.x2, t.y2, err)
		}
		if fn, ok := d.done.Load().(func()); ok && fn != nil {
			fn()
		}
	}
}

// sendCommand sends a DCS command with its parameters.
func (d *Panel) sendCommand(cmd byte, params ...byte) error {
	d.busMu.Lock()
	defer d.busMu.Unlock()
	return d.sendCommandLocked(cmd, params...)
}

func (d *Panel) sendCommandLocked(cmd byte, params ...byte) error {
	w := append([]byte{opWriteCmd, 0x00, cmd, 0x00}, params...)
	return d.c.Tx(w, nil)
}

// writeRect sets the address window and sends pixel data for
// [x1, x2) x [y1, y2).
func (d *Panel) writeRect(x1, y1, x2, y2 int, data []byte) error {
	d.busMu.Lock()
	defer d.busMu.Unlock()

	xe, ye := x2-1, y2-1
	if err := d.sendCommandLocked(cmdCASet, byte(x1>>8), byte(x1), byte(xe>>8), byte(xe)); err != nil {
		return err
	}
	if err := d.sendCommandLocked(cmdRASet, byte(y1>>8), byte(y1), byte(ye>>8), byte(ye)); err != nil {
		return err
	}
	w := make([]byte, 4+len(data))
	copy(w, []byte{opWriteColor, 0x00, cmdRAMWr, 0x00})
	copy(w[4:], data)
	return d.c.Tx(w, nil)
}

// ColorModel returns the color model of the panel.
func (d *Panel) ColorModel() color.Model {
	return rgb565.Model
}

// Bounds returns the image bounds of the panel.
func (d *Panel) Bounds() image.Rectangle {
	return d.rect
}

// Draw draws src onto the panel synchronously. It implements display.Drawer.
//
// The destination is widened to the panel's 4-column granularity; columns
// added that way are taken from src as well.
func (d *Panel) Draw(dst image.Rectangle, src image.Image, sp image.Point) error {
	d.mu.Lock()
	halted := d.halted
	d.mu.Unlock()
	if halted {
		return errors.New("spd2010: halted")
	}

	r := dst.Intersect(d.rect)
	if r.Empty() {
		return nil
	}
	x1, x2 := AlignColumns(r.Min.X, r.Max.X-1)
	r.Min.X, r.Max.X = x1, x2+1

	img := pixel.NewImage[pixel.RGB565BE](r.Dx(), r.Dy())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			c := src.At(x-dst.Min.X+sp.X, y-dst.Min.Y+sp.Y)
			cr, cg, cb, _ := c.RGBA()
			img.Set(x-r.Min.X, y-r.Min.Y, pixel.NewColor[pixel.RGB565BE](uint8(cr>>8), uint8(cg>>8), uint8(cb>>8)))
		}
	}
	return d.writeRect(r.Min.X, r.Min.Y, r.Max.X, r.Max.Y, img.RawBuffer())
}

// Halt drains pending transfers and turns the display off.
// After calling Halt, the panel will not accept further transfers.
func (d *Panel) Halt() error {
	d.mu.Lock()
	if d.halted {
		d.mu.Unlock()
		return nil
	}
	d.halted = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	if err := d.sendCommand(cmdDispOff); err != nil {
		return err
	}
	return d.sendCommand(cmdSleepIn)
}

// String returns a string representation of the panel.
func (d *Panel) String() string {
	return fmt.Sprintf("spd2010.Panel{%dx%d}", d.rect.Dx(), d.rect.Dy())
}
