package spd2010

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c"
)

// TouchAddr is the I2C address of the SPD2010 touch controller.
const TouchAddr = 0x53

// Touch registers. Addresses are 16 bits, sent high byte first.
const (
	regStatus    = 0x2000
	regHDP       = 0x0003
	regHDPStatus = 0xFC02
	regFirmware  = 0x2600
	regPointMode = 0x5000
	regStart     = 0x4600
	regCPUStart  = 0x0400
	regClearInt  = 0x0200
)

// Required by the controller after every command and status read.
const settle = 200 * time.Microsecond

const (
	hdpHeader    = 4
	pointSize    = 6
	maxPoints    = 10
	maxHDP       = hdpHeader + maxPoints*pointSize
	maxRemainder = 32

	maxPointCheck = 0x0A
	gestureCheck  = 0xF6

	hdpDone = 0x82
	hdpMore = 0x00
)

var (
	// ErrDesync is returned when a report's check byte does not match the
	// pending status. The cycle carries no data; the next poll resynchronizes.
	ErrDesync = errors.New("spd2010: touch report desync")
	// ErrDrainLimit is returned when the controller keeps reporting pending
	// data past the drain iteration cap.
	ErrDrainLimit = errors.New("spd2010: touch data drain did not complete")
)

// BusError is a failed bus transaction. It is transient: the poll that hit
// it reports no data and the next poll starts over.
type BusError struct {
	Op  string
	Reg uint16
	Err error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("spd2010: %s 0x%04X: %v", e.Op, e.Reg, e.Err)
}

func (e *BusError) Unwrap() error {
	return e.Err
}

// Phase is the controller's boot phase as reported in the status word.
type Phase uint8

const (
	PhaseUnknown  Phase = iota
	PhaseBoot           // Running from boot ROM
	PhaseFirmware       // Firmware loaded but not started
	PhaseRunning        // Firmware running
)

func (p Phase) String() string {
	switch p {
	case PhaseBoot:
		return "boot"
	case PhaseFirmware:
		return "firmware"
	case PhaseRunning:
		return "running"
	}
	return "unknown"
}

// Status is the decoded 4-byte status word.
type Status struct {
	PointExists bool
	Gesture     bool
	Aux         bool

	Busy     bool
	Boot     bool
	Firmware bool
	TintLow  bool
	Running  bool

	// ReadLen is the number of bytes pending in the HDP register.
	ReadLen uint16
}

func parseStatus(b []byte) Status {
	return Status{
		PointExists: b[0]&0x01 != 0,
		Gesture:     b[0]&0x02 != 0,
		Aux:         b[0]&0x08 != 0,
		Busy:        b[1]&0x80 != 0,
		Boot:        b[1]&0x40 != 0,
		Firmware:    b[1]&0x20 != 0,
		TintLow:     b[1]&0x10 != 0,
		Running:     b[1]&0x08 != 0,
		ReadLen:     uint16(b[3])<<8 | uint16(b[2]),
	}
}

// Phase returns the boot phase, giving boot ROM precedence.
func (s Status) Phase() Phase {
	switch {
	case s.Boot:
		return PhaseBoot
	case s.Firmware:
		return PhaseFirmware
	case s.Running:
		return PhaseRunning
	}
	return PhaseUnknown
}

// Point is one reported contact. Weight 0 means the finger lifted.
type Point struct {
	ID     uint8
	X, Y   uint16
	Weight uint8
}

// decodePoint decodes a 6-byte point record. X and Y are 12 bits each; their
// high nibbles share the fourth byte.
func decodePoint(b []byte) Point {
	return Point{
		ID:     b[0],
		X:      uint16(b[3]&0xF0)<<4 | uint16(b[1]),
		Y:      uint16(b[3]&0x0F)<<8 | uint16(b[2]),
		Weight: b[5],
	}
}

// Gesture is a non-coordinate touch event.
type Gesture uint8

const GestureNone Gesture = 0

// EdgeKind is a press transition of the first point.
type EdgeKind uint8

const (
	EdgeNone EdgeKind = iota
	EdgeDown
	EdgeUp
)

// Edge is a press or release of the first point and where it happened.
type Edge struct {
	Kind EdgeKind
	X, Y uint16
}

// Report is the result of one poll cycle. Points and Gesture are mutually
// exclusive.
type Report struct {
	Points  []Point
	Gesture Gesture
	Edge    Edge
}

// Firmware describes the controller firmware.
type Firmware struct {
	DVer   uint16
	PID    uint32
	NameLo uint32
	NameHi uint32
}

func (f Firmware) String() string {
	return fmt.Sprintf("DVer=%d PID=%d Name=%d-%d", f.DVer, f.PID, f.NameHi, f.NameLo)
}

// TouchOpts is the configuration for the touch controller.
type TouchOpts struct {
	Addr uint16 // I2C address (default: TouchAddr)

	// Touch resolution (default: 412x412)
	W int
	H int

	// Points returned by Poll (default: 5, at most 10)
	MaxPoints int

	// Coordinate transforms applied by Poll
	SwapXY  bool
	MirrorX bool
	MirrorY bool

	// Drain iterations before giving up (default: 16)
	MaxDrain int

	// Optional hardware reset pin
	RST gpio.PinOut
}

// Touch is the device handle for the SPD2010 touch controller.
type Touch struct {
	c    i2c.Dev
	rst  gpio.PinOut
	opts TouchOpts

	buf [maxHDP]byte

	// Edge tracking for the first point
	down bool

	halted atomic.Bool
}

// NewI2C returns a handle to the touch controller on bus b.
//
// If opts.RST is set the controller is reset first. The firmware version is
// read and logged; failing to read it is not fatal.
func NewI2C(b i2c.Bus, opts *TouchOpts) (*Touch, error) {
	o := TouchOpts{}
	if opts != nil {
		o = *opts
	}
	if o.Addr == 0 {
		o.Addr = TouchAddr
	}
	if o.W == 0 {
		o.W = 412
	}
	if o.H == 0 {
		o.H = 412
	}
	if o.MaxPoints == 0 {
		o.MaxPoints = 5
	}
	if o.MaxDrain == 0 {
		o.MaxDrain = 16
	}
	if o.W < 0 || o.W > 4096 || o.H < 0 || o.H > 4096 {
		return nil, errors.New("spd2010: touch resolution must be between 1 and 4096")
	}
	if o.MaxPoints < 0 || o.MaxPoints > maxPoints {
		return nil, errors.New("spd2010: max points must be between 1 and 10")
	}
	if o.MaxDrain < 0 {
		return nil, errors.New("spd2010: max drain must be positive")
	}

	t := &Touch{
		c:    i2c.Dev{Bus: b, Addr: o.Addr},
		rst:  o.RST,
		opts: o,
	}
	if err := t.reset(); err != nil {
		return nil, err
	}
	fw, err := t.Firmware()
	if err != nil {
		glog.Warningf("spd2010: reading touch firmware: %v", err)
	} else {
		glog.Infof("spd2010: touch firmware %s", fw)
	}
	return t, nil
}

func (t *Touch) reset() error {
	if t.rst == nil {
		return nil
	}
	if err := t.rst.Out(gpio.Low); err != nil {
		return fmt.Errorf("spd2010: failed to pull touch RST low: %w", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := t.rst.Out(gpio.High); err != nil {
		return fmt.Errorf("spd2010: failed to pull touch RST high: %w", err)
	}
	time.Sleep(50 * time.Millisecond)
	return nil
}

// Firmware reads the firmware version block.
func (t *Touch) Firmware() (Firmware, error) {
	var b [18]byte
	if err := t.readReg(regFirmware, b[:]); err != nil {
		return Firmware{}, err
	}
	le32 := func(p []byte) uint32 {
		return uint32(p[3])<<24 | uint32(p[2])<<16 | uint32(p[1])<<8 | uint32(p[0])
	}
	return Firmware{
		DVer:   uint16(b[5])<<8 | uint16(b[4]),
		PID:    le32(b[6:10]),
		NameLo: le32(b[10:14]),
		NameHi: le32(b[14:18]),
	}, nil
}

// Poll runs one protocol cycle for the input pipeline.
//
// It never fails: any error is logged and reported as "not pressed" with an
// empty report. Points are limited to MaxPoints and transformed per opts.
func (t *Touch) Poll() (bool, Report) {
	r, err := t.Read()
	if err != nil {
		glog.V(1).Infof("spd2010: touch poll: %v", err)
		return false, Report{}
	}
	if len(r.Points) > t.opts.MaxPoints {
		r.Points = r.Points[:t.opts.MaxPoints]
	}
	for i := range r.Points {
		r.Points[i].X, r.Points[i].Y = t.transform(r.Points[i].X, r.Points[i].Y)
	}
	if r.Edge.Kind != EdgeNone {
		r.Edge.X, r.Edge.Y = t.transform(r.Edge.X, r.Edge.Y)
	}
	return len(r.Points) > 0 && r.Points[0].Weight != 0, r
}

func (t *Touch) transform(x, y uint16) (uint16, uint16) {
	if t.opts.SwapXY {
		x, y = y, x
	}
	if t.opts.MirrorX && int(x) < t.opts.W {
		x = uint16(t.opts.W-1) - x
	}
	if t.opts.MirrorY && int(y) < t.opts.H {
		y = uint16(t.opts.H-1) - y
	}
	return x, y
}

// Read runs one protocol cycle: it reads the status word and walks the
// controller state machine, returning whatever report was pending.
func (t *Touch) Read() (Report, error) {
	if t.halted.Load() {
		return Report{}, errors.New("spd2010: halted")
	}
	st, err := t.readStatus()
	if err != nil {
		return Report{}, err
	}

	switch {
	case st.Boot:
		return Report{}, t.commands(cmdClearInt, cmdCPUStart)
	case st.Firmware:
		return Report{}, t.commands(cmdPointMode, cmdStart, cmdClearInt)
	case st.Running && st.ReadLen == 0:
		return Report{}, t.commands(cmdClearInt)
	case st.PointExists || st.Gesture:
		r, perr := t.readHDP(st)
		if perr != nil && !errors.Is(perr, ErrDesync) {
			return Report{}, perr
		}
		if err := t.drain(); err != nil {
			return Report{}, err
		}
		return r, perr
	case st.Running && st.Aux:
		return Report{}, t.commands(cmdClearInt)
	}
	return Report{}, nil
}

// ReadStatus reads the status word without acting on it.
func (t *Touch) ReadStatus() (Status, error) {
	return t.readStatus()
}

func (t *Touch) readStatus() (Status, error) {
	var b [4]byte
	if err := t.readReg(regStatus, b[:]); err != nil {
		return Status{}, err
	}
	time.Sleep(settle)
	return parseStatus(b[:]), nil
}

// readHDP reads the pending report and decodes it as points or a gesture.
func (t *Touch) readHDP(st Status) (Report, error) {
	n := int(st.ReadLen)
	if n <= hdpHeader || n > maxHDP {
		return Report{}, fmt.Errorf("%w: report length %d", ErrDesync, n)
	}
	b := t.buf[:n]
	if err := t.readReg(regHDP, b); err != nil {
		return Report{}, err
	}

	check := b[hdpHeader]
	switch {
	case check <= maxPointCheck && st.PointExists:
		count := (n - hdpHeader) / pointSize
		r := Report{Points: make([]Point, count)}
		for i := range r.Points {
			off := hdpHeader + i*pointSize
			r.Points[i] = decodePoint(b[off : off+pointSize])
		}
		r.Edge = t.track(r.Points)
		return r, nil
	case check == gestureCheck && st.Gesture:
		t.down = false
		return Report{Gesture: Gesture(b[6] & 0x07)}, nil
	}
	return Report{}, fmt.Errorf("%w: check byte 0x%02X", ErrDesync, check)
}

// track updates the down/up state of the first point.
func (t *Touch) track(pts []Point) Edge {
	if len(pts) == 0 {
		return Edge{}
	}
	p := pts[0]
	switch {
	case p.Weight != 0 && !t.down:
		t.down = true
		return Edge{Kind: EdgeDown, X: p.X, Y: p.Y}
	case p.Weight == 0 && t.down:
		t.down = false
		return Edge{Kind: EdgeUp, X: p.X, Y: p.Y}
	}
	return Edge{}
}

// drain reads the HDP status until the controller reports completion.
func (t *Touch) drain() error {
	var st [8]byte
	for i := 0; i < t.opts.MaxDrain; i++ {
		if err := t.readReg(regHDPStatus, st[:]); err != nil {
			return err
		}
		switch st[5] {
		case hdpDone:
			return t.commands(cmdClearInt)
		case hdpMore:
			n := int(st[3])<<8 | int(st[2])
			if n > maxRemainder {
				n = maxRemainder
			}
			if n == 0 {
				continue
			}
			if err := t.readReg(regHDP, t.buf[:n]); err != nil {
				return err
			}
		default:
			glog.Warningf("spd2010: unexpected HDP status 0x%02X, ending drain", st[5])
			return t.commands(cmdClearInt)
		}
	}
	return ErrDrainLimit
}

type command struct {
	reg  uint16
	data [2]byte
}

var (
	cmdPointMode = command{regPointMode, [2]byte{0x00, 0x00}}
	cmdStart     = command{regStart, [2]byte{0x00, 0x00}}
	cmdCPUStart  = command{regCPUStart, [2]byte{0x01, 0x00}}
	cmdClearInt  = command{regClearInt, [2]byte{0x01, 0x00}}
)

// commands sends cmds in order, each followed by the settle delay.
func (t *Touch) commands(cmds ...command) error {
	for _, c := range cmds {
		w := [4]byte{byte(c.reg >> 8), byte(c.reg), c.data[0], c.data[1]}
		if err := t.c.Tx(w[:], nil); err != nil {
			return &BusError{Op: "write", Reg: c.reg, Err: err}
		}
		time.Sleep(settle)
	}
	return nil
}

func (t *Touch) readReg(reg uint16, r []byte) error {
	w := [2]byte{byte(reg >> 8), byte(reg)}
	if err := t.c.Tx(w[:], r); err != nil {
		return &BusError{Op: "read", Reg: reg, Err: err}
	}
	return nil
}

// Halt stops the driver. Subsequent reads fail and polls report nothing. It
// may be called while another goroutine polls; a cycle already under way
// completes.
func (t *Touch) Halt() error {
	t.halted.Store(true)
	return nil
}

// String returns a string representation of the device.
func (t *Touch) String() string {
	return fmt.Sprintf("spd2010.Touch{%s}", &t.c)
}
