//go:build rp2040

package pio

import (
	"machine"

	"tinygo.org/x/drivers/easystepper"

	"stringdriver/core"
)

// Coil defaults for a 28BYJ-48 class geared motor. Move sleeps one step
// delay per step, so RPM is kept high enough not to hold up the loop.
const (
	CoilStepCount = 2048
	CoilRPM       = 60
)

// CoilStepperBackend drives a 4-wire motor directly from its coil pins
type CoilStepperBackend struct {
	dev     *easystepper.Device
	forward bool
	invert  bool
}

// NewCoilStepperBackend creates an unconfigured coil backend
func NewCoilStepperBackend() *CoilStepperBackend {
	return &CoilStepperBackend{}
}

// Init claims the four coil pins of cfg
func (b *CoilStepperBackend) Init(cfg core.AxisConfig) error {
	dev, err := easystepper.New(easystepper.DeviceConfig{
		Pin1:      machine.Pin(cfg.CoilPins[0]),
		Pin2:      machine.Pin(cfg.CoilPins[1]),
		Pin3:      machine.Pin(cfg.CoilPins[2]),
		Pin4:      machine.Pin(cfg.CoilPins[3]),
		StepCount: CoilStepCount,
		RPM:       CoilRPM,
		Mode:      easystepper.ModeFour,
	})
	if err != nil {
		return err
	}
	dev.Configure()
	b.dev = dev
	b.invert = cfg.InvertDir
	return nil
}

// Step advances the coil sequence by one step
func (b *CoilStepperBackend) Step() {
	if b.forward != b.invert {
		b.dev.Move(1)
	} else {
		b.dev.Move(-1)
	}
}

// SetDirection sets the direction of the next step
func (b *CoilStepperBackend) SetDirection(forward bool) {
	b.forward = forward
}

// Stop de-energizes the coils
func (b *CoilStepperBackend) Stop() {
	b.dev.Off()
}

// GetName returns the backend name
func (b *CoilStepperBackend) GetName() string {
	return "coil"
}
