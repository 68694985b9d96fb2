//go:build rp2040

package main

// Axis bring-up: sweeps every string axis back and forth through its
// backend and reports the limit sensor levels. Watch the shafts, or a
// scope on the step pins.

import (
	"machine"
	"time"

	"stringdriver/core"
	"stringdriver/targets/pio"
)

var noCoils = [4]core.GPIOPin{core.NoPin, core.NoPin, core.NoPin, core.NoPin}

var axes = []core.AxisConfig{
	{StepPin: 2, DirPin: 3, CoilPins: noCoils, IncreasePin: 10, DecreasePin: 11},
	{StepPin: 4, DirPin: 5, CoilPins: noCoils, IncreasePin: 12, DecreasePin: 13},
	{StepPin: 6, DirPin: 7, CoilPins: noCoils, IncreasePin: 14, DecreasePin: 15},
	{StepPin: 8, DirPin: 9, CoilPins: noCoils, IncreasePin: 16, DecreasePin: 17},
	{StepPin: core.NoPin, DirPin: core.NoPin, CoilPins: [4]core.GPIOPin{21, 22, 26, 27},
		IncreasePin: core.NoPin, DecreasePin: core.NoPin},
}

const (
	sweepSteps = 200
	stepGap    = 2 * time.Millisecond
)

func main() {
	time.Sleep(3 * time.Second)

	led := machine.LED
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})

	println("=== Axis bring-up ===")

	backends := make([]core.StepperBackend, len(axes))
	for i, cfg := range axes {
		b := pio.Factory(i, cfg)
		if err := b.Init(cfg); err != nil {
			println("axis", i, "init error:", err.Error())
			continue
		}
		backends[i] = b
		for _, pin := range []core.GPIOPin{cfg.IncreasePin, cfg.DecreasePin} {
			if pin != core.NoPin {
				machine.Pin(pin).Configure(machine.PinConfig{Mode: machine.PinInputPullup})
			}
		}
		println("axis", i, "backend", b.GetName())
	}

	for {
		for i, b := range backends {
			if b == nil {
				continue
			}
			led.High()
			sweep(b, true)
			sweep(b, false)
			b.Stop()
			led.Low()
			report(i)
		}
		time.Sleep(time.Second)
	}
}

func sweep(b core.StepperBackend, forward bool) {
	b.SetDirection(forward)
	for s := 0; s < sweepSteps; s++ {
		b.Step()
		time.Sleep(stepGap)
	}
}

// report prints the sensor levels; sensors are active-low
func report(i int) {
	cfg := axes[i]
	inc, dec := "-", "-"
	if cfg.IncreasePin != core.NoPin && !machine.Pin(cfg.IncreasePin).Get() {
		inc = "ACTIVE"
	}
	if cfg.DecreasePin != core.NoPin && !machine.Pin(cfg.DecreasePin).Get() {
		dec = "ACTIVE"
	}
	println("axis", i, "increase", inc, "decrease", dec)
}
