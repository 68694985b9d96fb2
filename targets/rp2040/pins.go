//go:build rp2040

package main

import "stringdriver/core"

// Raspberry Pi Pico wiring: four string axes on step/dir drivers sharing one
// microstep bank, and one geared tuning motor driven from its coils.
//
//	axis  step dir  increase decrease
//	0     GP2  GP3  GP10     GP11
//	1     GP4  GP5  GP12     GP13
//	2     GP6  GP7  GP14     GP15
//	3     GP8  GP9  GP16     GP17
//	4     coils GP21 GP22 GP26 GP27
//
// Driver enables are hard-wired on the string axes.
const (
	pinLED = 25

	stringMin = -100
	stringMax = 100

	tunerMin = -4096
	tunerMax = 4096
)

var noCoils = [4]core.GPIOPin{core.NoPin, core.NoPin, core.NoPin, core.NoPin}

func stringAxis(step, dir, increase, decrease core.GPIOPin) core.AxisConfig {
	return core.AxisConfig{
		StepPin:     step,
		DirPin:      dir,
		CoilPins:    noCoils,
		EnablePin:   core.NoPin,
		IncreasePin: increase,
		DecreasePin: decrease,
		Min:         stringMin,
		Max:         stringMax,
		Bank:        0,
	}
}

func pinTable() core.ControllerConfig {
	return core.ControllerConfig{
		Axes: []core.AxisConfig{
			stringAxis(2, 3, 10, 11),
			stringAxis(4, 5, 12, 13),
			stringAxis(6, 7, 14, 15),
			stringAxis(8, 9, 16, 17),
			{
				StepPin:      core.NoPin,
				DirPin:       core.NoPin,
				CoilPins:     [4]core.GPIOPin{21, 22, 26, 27},
				EnablePin:    core.NoPin,
				IncreasePin:  core.NoPin,
				DecreasePin:  core.NoPin,
				Min:          tunerMin,
				Max:          tunerMax,
				Speed:        200,
				Acceleration: -1,
				Bank:         0,
			},
		},
		Banks: []core.MicrostepBank{
			{MS1: 18, MS2: 19, MS3: 20},
		},
	}
}
