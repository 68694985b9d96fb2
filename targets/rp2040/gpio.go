//go:build rp2040

package main

import (
	"machine"

	"stringdriver/core"
)

// gpioDriver implements core.GPIODriver on the RP2040 pins
type gpioDriver struct {
	pins map[core.GPIOPin]machine.Pin
}

func newGPIODriver() *gpioDriver {
	return &gpioDriver{pins: make(map[core.GPIOPin]machine.Pin)}
}

func (d *gpioDriver) configure(pin core.GPIOPin, mode machine.PinMode) {
	if _, ok := d.pins[pin]; ok {
		return
	}
	p := machine.Pin(pin)
	p.Configure(machine.PinConfig{Mode: mode})
	d.pins[pin] = p
}

func (d *gpioDriver) ConfigureOutput(pin core.GPIOPin) error {
	d.configure(pin, machine.PinOutput)
	return nil
}

func (d *gpioDriver) ConfigureInputPullUp(pin core.GPIOPin) error {
	d.configure(pin, machine.PinInputPullup)
	return nil
}

func (d *gpioDriver) SetPin(pin core.GPIOPin, value bool) error {
	p, ok := d.pins[pin]
	if !ok {
		d.configure(pin, machine.PinOutput)
		p = d.pins[pin]
	}
	p.Set(value)
	return nil
}

// ReadPin reads high for unconfigured pins, matching an idle pulled-up sensor
func (d *gpioDriver) ReadPin(pin core.GPIOPin) bool {
	p, ok := d.pins[pin]
	if !ok {
		return true
	}
	return p.Get()
}
