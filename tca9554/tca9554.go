// Package tca9554 drives a TCA9554 8-bit I2C I/O expander.
//
// The board uses expander pins for the panel and touch reset lines. Each pin
// is exposed as a periph gpio.PinOut so drivers can take it in place of a
// native GPIO.
package tca9554

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// DefaultAddr is the 7-bit address with A0..A2 tied low.
const DefaultAddr = 0x20

// Registers.
const (
	regInput    = 0x00
	regOutput   = 0x01
	regPolarity = 0x02
	regConfig   = 0x03
)

// Dev is a handle to a TCA9554 expander.
type Dev struct {
	mu   sync.Mutex
	c    i2c.Dev
	pins [8]Pin
}

// New returns a handle to the expander at addr and configures all eight pins
// as outputs.
func New(b i2c.Bus, addr uint16) (*Dev, error) {
	d := &Dev{c: i2c.Dev{Bus: b, Addr: addr}}
	for i := range d.pins {
		d.pins[i] = Pin{d: d, n: i + 1}
	}
	if err := d.SetModes(0x00); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("tca9554.Dev{%s}", &d.c)
}

// Pin returns EXIO pin n (1..8).
func (d *Dev) Pin(n int) *Pin {
	if n < 1 || n > 8 {
		return nil
	}
	return &d.pins[n-1]
}

// SetModes writes the configuration register; a set bit makes the pin an
// input.
func (d *Dev) SetModes(inputs byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeReg(regConfig, inputs)
}

// SetMode configures a single pin, leaving the others unchanged.
func (d *Dev) SetMode(n int, input bool) error {
	if n < 1 || n > 8 {
		return errInvalidPin
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.readReg(regConfig)
	if err != nil {
		return err
	}
	mask := byte(1) << (n - 1)
	if input {
		v |= mask
	} else {
		v &^= mask
	}
	return d.writeReg(regConfig, v)
}

// ReadInputs returns the level of all eight pins.
func (d *Dev) ReadInputs() (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readReg(regInput)
}

// Read returns the level of pin n.
func (d *Dev) Read(n int) (gpio.Level, error) {
	if n < 1 || n > 8 {
		return gpio.Low, errInvalidPin
	}
	v, err := d.ReadInputs()
	if err != nil {
		return gpio.Low, err
	}
	return gpio.Level(v>>(n-1)&1 == 1), nil
}

// WriteOutputs sets the output latch of all eight pins.
func (d *Dev) WriteOutputs(v byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeReg(regOutput, v)
}

// Set drives pin n to l with a read-modify-write of the output register.
func (d *Dev) Set(n int, l gpio.Level) error {
	if n < 1 || n > 8 {
		return errInvalidPin
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.readReg(regOutput)
	if err != nil {
		return err
	}
	mask := byte(1) << (n - 1)
	if l {
		v |= mask
	} else {
		v &^= mask
	}
	return d.writeReg(regOutput, v)
}

// Toggle inverts the current input level of pin n onto its output.
func (d *Dev) Toggle(n int) error {
	l, err := d.Read(n)
	if err != nil {
		return err
	}
	return d.Set(n, !l)
}

func (d *Dev) readReg(reg byte) (byte, error) {
	var r [1]byte
	if err := d.c.Tx([]byte{reg}, r[:]); err != nil {
		return 0, fmt.Errorf("tca9554: read 0x%02X: %w", reg, err)
	}
	return r[0], nil
}

func (d *Dev) writeReg(reg, v byte) error {
	if err := d.c.Tx([]byte{reg, v}, nil); err != nil {
		return fmt.Errorf("tca9554: write 0x%02X: %w", reg, err)
	}
	return nil
}

var errInvalidPin = errors.New("tca9554: pin must be between 1 and 8")

// Pin is one expander pin. It implements gpio.PinOut.
type Pin struct {
	d *Dev
	n int
}

func (p *Pin) String() string {
	return p.Name()
}

// Halt implements conn.Resource. It is a no-op.
func (p *Pin) Halt() error {
	return nil
}

// Name returns "EXIO<n>".
func (p *Pin) Name() string {
	return fmt.Sprintf("EXIO%d", p.n)
}

// Number returns the 1-based pin number.
func (p *Pin) Number() int {
	return p.n
}

// Function implements pin.Pin.
func (p *Pin) Function() string {
	return "Out"
}

// Out drives the pin.
func (p *Pin) Out(l gpio.Level) error {
	return p.d.Set(p.n, l)
}

// PWM is not supported by the expander.
func (p *Pin) PWM(duty gpio.Duty, f physic.Frequency) error {
	return errors.New("tca9554: PWM is not supported")
}

// Read returns the current input level of the pin.
func (p *Pin) Read() gpio.Level {
	l, _ := p.d.Read(p.n)
	return l
}

var _ gpio.PinOut = &Pin{}
