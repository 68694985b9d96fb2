//go:build rp2040

package pio

import (
	"device/arm"
	"device/rp"
	"machine"

	"stringdriver/core"
)

// GPIOStepperBackend drives step/dir through the SIO block.
// It is the fallback once every PIO state machine is taken.
type GPIOStepperBackend struct {
	stepPin machine.Pin
	dirPin  machine.Pin

	stepMask     uint32
	dirSetMask   uint32
	dirClearMask uint32
}

// NewGPIOStepperBackend creates a new GPIO-based stepper backend
func NewGPIOStepperBackend() *GPIOStepperBackend {
	return &GPIOStepperBackend{}
}

// Init configures the step and dir pins of cfg as outputs
func (b *GPIOStepperBackend) Init(cfg core.AxisConfig) error {
	b.stepPin = machine.Pin(cfg.StepPin)
	b.dirPin = machine.Pin(cfg.DirPin)

	b.stepPin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	b.stepPin.Low()
	b.dirPin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	b.dirPin.Low()

	b.stepMask = 1 << uint32(cfg.StepPin)
	b.dirSetMask = 1 << uint32(cfg.DirPin)
	b.dirClearMask = b.dirSetMask
	if cfg.InvertDir {
		b.dirSetMask, b.dirClearMask = b.dirClearMask, b.dirSetMask
	}
	return nil
}

// Step generates a single step pulse
// Pulse width: ~104ns @ 125MHz
func (b *GPIOStepperBackend) Step() {
	rp.SIO.GPIO_OUT_SET.Set(b.stepMask)
	arm.Asm("nop\nnop\nnop\nnop\nnop\nnop\nnop\nnop\nnop\nnop\nnop\nnop\nnop")
	rp.SIO.GPIO_OUT_CLR.Set(b.stepMask)
}

// SetDirection sets the direction output
func (b *GPIOStepperBackend) SetDirection(forward bool) {
	if forward {
		rp.SIO.GPIO_OUT_SET.Set(b.dirSetMask)
	} else {
		rp.SIO.GPIO_OUT_CLR.Set(b.dirClearMask)
	}
	// Dir-to-step setup time, 20ns minimum for common drivers
	arm.Asm("nop\nnop\nnop")
}

// Stop leaves the step pin low
func (b *GPIOStepperBackend) Stop() {
	rp.SIO.GPIO_OUT_CLR.Set(b.stepMask)
}

// GetName returns the backend name
func (b *GPIOStepperBackend) GetName() string {
	return "GPIO"
}
