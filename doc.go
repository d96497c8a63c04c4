// Package spd2010 controls the SPD2010 touch and display controller found on
// round 412×412 QSPI panels.
//
// The SPD2010 exposes two independent interfaces: a capacitive touch
// controller on I2C and an RGB565 display on a QSPI bus. This package drives
// both. The display side implements the display.Drawer interface from
// periph.io.
//
// # Hardware Connection
//
//	Panel Pin → System Pin
//	GND       → GND
//	VCC       → 3.3V
//	SCL/SDA   → I2C bus (touch, address 0x53)
//	QSPI      → SPI port (display)
//	TP_RST    → Optional: GPIO or expander pin for touch reset
//	LCD_RST   → Optional: GPIO or expander pin for panel reset
//
// On Waveshare style boards both reset lines sit behind a TCA9554 I/O
// expander; see the tca9554 package.
//
// # Touch
//
// The touch controller is polled. Each poll reads the status word and walks
// the controller through its boot phases until it runs firmware; after that a
// poll returns the pending points or gesture:
//
//	t, _ := spd2010.NewI2C(bus, &spd2010.TouchOpts{RST: exp.Pin(1)})
//	pressed, r := t.Poll()
//	if pressed {
//		fmt.Println(r.Points[0].X, r.Points[0].Y)
//	}
//
// Poll never fails; use Read to see protocol and bus errors.
//
// # Display
//
// Panel transfers are asynchronous. DrawBitmap queues pixel data in panel
// byte order and returns; the function registered with OnTransferDone runs
// when the transfer is on the glass:
//
//	p, _ := spd2010.NewSPI(port, &spd2010.PanelOpts{RST: exp.Pin(2)})
//	p.OnTransferDone(func() { ... })
//	p.DrawBitmap(0, 0, 412, 16, buf)
//
// The panel only accepts column ranges aligned to 4 pixels. Use AlignColumns
// to widen a region before rendering it.
//
// Draw is synchronous and converts any image.Image; use it for occasional
// full frames.
//
// # Compatibility with periph.io
//
// Panel implements display.Drawer:
// https://pkg.go.dev/periph.io/x/conn/v3/display
package spd2010
