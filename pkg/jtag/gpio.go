package jtag

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// GPIOPins names the four host GPIO lines to use, in gpioreg notation
// (e.g. "GPIO6" or "6").
type GPIOPins struct {
	TCK string
	TMS string
	TDI string
	TDO string
}

// GPIODriver bit-bangs the JTAG lines through host GPIOs via periph.io.
// TDO is requested as an input; TCK and TDI start low, TMS starts high so
// the chain sits in the idle state until the first transfer.
type GPIODriver struct {
	tck gpio.PinIO
	tms gpio.PinIO
	tdi gpio.PinIO
	tdo gpio.PinIO

	err error
}

// NewGPIODriver initializes the periph host drivers, resolves the four pins
// by name, and configures their directions and initial levels. Any failure
// here is process-fatal for callers: without all four lines there is no bus.
func NewGPIODriver(pins GPIOPins) (*GPIODriver, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("jtag: periph host init: %w", err)
	}

	d := &GPIODriver{}
	for _, l := range []struct {
		name string
		dst  *gpio.PinIO
	}{
		{pins.TCK, &d.tck},
		{pins.TMS, &d.tms},
		{pins.TDI, &d.tdi},
		{pins.TDO, &d.tdo},
	} {
		p := gpioreg.ByName(l.name)
		if p == nil {
			return nil, fmt.Errorf("jtag: no such GPIO pin %q", l.name)
		}
		*l.dst = p
	}

	if err := d.tdo.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("jtag: configure %s as input: %w", d.tdo, err)
	}
	if err := d.tdi.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("jtag: configure %s as output: %w", d.tdi, err)
	}
	if err := d.tck.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("jtag: configure %s as output: %w", d.tck, err)
	}
	if err := d.tms.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("jtag: configure %s as output: %w", d.tms, err)
	}

	return d, nil
}

func (d *GPIODriver) Set(sig Signal, level bool) {
	var p gpio.PinIO
	switch sig {
	case SignalTCK:
		p = d.tck
	case SignalTMS:
		p = d.tms
	case SignalTDI:
		p = d.tdi
	default:
		return
	}
	if err := p.Out(gpio.Level(level)); err != nil && d.err == nil {
		d.err = fmt.Errorf("jtag: set %s: %w", sig, err)
	}
}

func (d *GPIODriver) Get(sig Signal) bool {
	if sig != SignalTDO {
		return false
	}
	return bool(d.tdo.Read())
}

// Err reports the first Out failure latched by Set, if any.
func (d *GPIODriver) Err() error { return d.err }

// Close halts all four pins, returning the first failure.
func (d *GPIODriver) Close() error {
	var first error
	for _, p := range []gpio.PinIO{d.tck, d.tms, d.tdi, d.tdo} {
		if p == nil {
			continue
		}
		if err := p.Halt(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
