package core

import (
	"errors"

	"stringdriver/protocol"
)

// ControllerConfig is the pin/bound table a board supplies at start-up.
// One table covers every board variant; axes without sensors use NoPin.
type ControllerConfig struct {
	Axes  []AxisConfig
	Banks []MicrostepBank
}

// ControllerStats holds loop counters for diagnostics
type ControllerStats struct {
	Iterations     uint32
	HeldIterations uint32 // passes that left input queued behind motion
	IgnoredAxis    uint32 // commands addressed to a non-existent axis or bank
	SensorStops    uint32
	StepsEmitted   uint32
}

// Controller owns every physical axis. It is single-threaded: the owner calls
// Iterate in a loop and sleeps between iterations.
type Controller struct {
	axes      []*Axis
	banks     []MicrostepBank
	bankModes []int32

	gpio      GPIODriver
	registry  *CommandRegistry
	transport *protocol.Transport

	now         uint32
	passthrough func(payload []byte)
	stats       ControllerStats
}

// NewController validates the pin table, configures pins and backends and
// registers the opcode handlers
func NewController(cfg ControllerConfig, gpio GPIODriver, factory BackendFactory, output protocol.OutputBuffer) (*Controller, error) {
	if len(cfg.Axes) == 0 {
		return nil, errors.New("no axes configured")
	}
	if len(cfg.Axes) > MaxAxes {
		return nil, errors.New("axis count exceeds maximum")
	}
	if gpio == nil || factory == nil {
		return nil, errors.New("gpio driver and backend factory are required")
	}

	c := &Controller{
		banks:     cfg.Banks,
		bankModes: make([]int32, len(cfg.Banks)),
		gpio:      gpio,
		registry:  NewCommandRegistry(),
	}

	for i, ac := range cfg.Axes {
		if ac.Min > ac.Max {
			return nil, errors.New("axis " + itoa(i) + ": min exceeds max")
		}
		if len(cfg.Banks) > 0 && int(ac.Bank) >= len(cfg.Banks) {
			return nil, errors.New("axis " + itoa(i) + ": unknown microstep bank")
		}

		if err := c.configurePins(ac); err != nil {
			return nil, err
		}

		backend := factory(i, ac)
		if backend == nil {
			return nil, errors.New("axis " + itoa(i) + ": no stepper backend available")
		}
		if err := backend.Init(ac); err != nil {
			return nil, err
		}

		axis := newAxis(i, ac, gpio, backend)
		axis.setOutputs(false)
		c.axes = append(c.axes, axis)
	}

	for i, bank := range c.banks {
		for _, pin := range []GPIOPin{bank.MS1, bank.MS2, bank.MS3} {
			if pin == NoPin {
				continue
			}
			if err := gpio.ConfigureOutput(pin); err != nil {
				return nil, err
			}
		}
		c.bankModes[i] = bank.apply(gpio, MicrostepFull)
	}

	c.registerCommands()
	c.transport = protocol.NewTransport(output, c.registry.Dispatch)

	return c, nil
}

func (c *Controller) configurePins(ac AxisConfig) error {
	if ac.EnablePin != NoPin {
		if err := c.gpio.ConfigureOutput(ac.EnablePin); err != nil {
			return err
		}
	}
	for _, pin := range []GPIOPin{ac.IncreasePin, ac.DecreasePin} {
		if pin == NoPin {
			continue
		}
		if err := c.gpio.ConfigureInputPullUp(pin); err != nil {
			return err
		}
	}
	return nil
}

// Iterate runs one control-loop pass: at most one frame decode, one sensor
// pass, and at most one step for every axis. It never blocks.
//
// While any axis is moving, frames stay queued in input. A move is fully
// consumed before the next command runs, so a position report is never
// taken mid-travel.
func (c *Controller) Iterate(input protocol.InputBuffer, nowUS uint32) {
	c.now = nowUS
	c.stats.Iterations++

	if c.Busy() {
		c.stats.HeldIterations++
	} else {
		c.transport.Receive(input)
	}

	for _, a := range c.axes {
		if a.applyLimits(a.readLimits(), nowUS) {
			c.stats.SensorStops++
		}
	}

	for _, a := range c.axes {
		if a.step(nowUS) {
			c.stats.StepsEmitted++
		}
	}
}

// Transport returns the controller's frame transport
func (c *Controller) Transport() *protocol.Transport {
	return c.transport
}

// NumAxes returns the number of configured axes
func (c *Controller) NumAxes() int {
	return len(c.axes)
}

// Axis returns an axis by index, or nil when out of range
func (c *Controller) Axis(i int) *Axis {
	if i < 0 || i >= len(c.axes) {
		return nil
	}
	return c.axes[i]
}

// Positions returns the hardware counter of every axis in index order
func (c *Controller) Positions() []int32 {
	out := make([]int32, len(c.axes))
	for i, a := range c.axes {
		out[i] = a.Position
	}
	return out
}

// Busy reports whether any axis is moving
func (c *Controller) Busy() bool {
	for _, a := range c.axes {
		if a.State == AxisMoving {
			return true
		}
	}
	return false
}

// MicrostepMode returns the active mode of a bank
func (c *Controller) MicrostepMode(bank int) int32 {
	if bank < 0 || bank >= len(c.bankModes) {
		return 0
	}
	return c.bankModes[bank]
}

// SetPassthroughHook installs the receiver for passthrough payloads
func (c *Controller) SetPassthroughHook(hook func(payload []byte)) {
	c.passthrough = hook
}

// Stats returns the loop counters
func (c *Controller) Stats() ControllerStats {
	return c.stats
}
