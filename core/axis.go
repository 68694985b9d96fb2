package core

// Bounded stepper axis with a two-state motion machine:
// Idle -> (enable outputs) -> Moving -> (disable outputs) -> Idle

import "math"

const (
	MaxAxes = 16

	DefaultSpeed        = 800 // steps/s
	DefaultAcceleration = 400 // steps/s^2
)

// AxisState is the motion state of an axis
type AxisState uint8

const (
	AxisIdle AxisState = iota
	AxisMoving
)

func (s AxisState) String() string {
	if s == AxisMoving {
		return "moving"
	}
	return "idle"
}

// AxisConfig is one row of the controller pin/bound table
type AxisConfig struct {
	StepPin   GPIOPin
	DirPin    GPIOPin
	CoilPins  [4]GPIOPin // 4-wire unipolar/bipolar motors driven directly
	InvertDir bool

	EnablePin      GPIOPin
	EnableInverted bool // true when the driver enable input is active-low

	IncreasePin GPIOPin // Active-low limit sensor requesting travel to Max
	DecreasePin GPIOPin // Active-low limit sensor requesting travel to Min

	Min, Max     int32
	Speed        float32 // steps/s, 0 selects DefaultSpeed
	Acceleration float32 // steps/s^2, 0 selects DefaultAcceleration, <0 disables ramping
	Bank         uint8   // Microstep bank shared with other axes
}

// Axis represents a single stepper motor axis
type Axis struct {
	Index int
	cfg   AxisConfig

	Min          int32
	Max          int32
	Speed        float32
	Acceleration float32

	// Hardware counter; the physical position as far as the controller knows
	Position int32
	Target   int32
	State    AxisState
	Enabled  bool // Driver outputs energized

	// Set while travelling because a limit sensor asked for it
	overridden bool

	velocity   float32 // current step rate
	nextStep   uint32  // wake time for the next step (µs)
	dirForward bool

	backend StepperBackend
	gpio    GPIODriver
}

func newAxis(index int, cfg AxisConfig, gpio GPIODriver, backend StepperBackend) *Axis {
	a := &Axis{
		Index:        index,
		cfg:          cfg,
		Min:          cfg.Min,
		Max:          cfg.Max,
		Speed:        cfg.Speed,
		Acceleration: cfg.Acceleration,
		backend:      backend,
		gpio:         gpio,
	}
	if a.Speed <= 0 {
		a.Speed = DefaultSpeed
	}
	if a.Acceleration == 0 {
		a.Acceleration = DefaultAcceleration
	}
	return a
}

// clamp limits a requested target to the travel bounds
func (a *Axis) clamp(v int64) int32 {
	if v < int64(a.Min) {
		return a.Min
	}
	if v > int64(a.Max) {
		return a.Max
	}
	return int32(v)
}

// MoveTo starts (or retargets) a move; out-of-range targets are clamped
func (a *Axis) MoveTo(target int64, now uint32) {
	a.Target = a.clamp(target)
	if a.Target == a.Position {
		if a.State == AxisMoving {
			a.finish()
		}
		return
	}
	if a.State == AxisIdle {
		a.start(now)
	}
}

// MoveBy moves relative to the current hardware position
func (a *Axis) MoveBy(delta int32, now uint32) {
	a.MoveTo(int64(a.Position)+int64(delta), now)
}

// SetPosition overwrites the hardware counter without any motion.
// A move in progress is abandoned where it stands.
func (a *Axis) SetPosition(v int32) {
	if a.State == AxisMoving {
		a.finish()
	}
	a.Position = v
	a.Target = v
}

// Stop halts at the current position
func (a *Axis) Stop() {
	a.Target = a.Position
	if a.State == AxisMoving {
		a.finish()
	}
	a.overridden = false
}

// Overridden reports whether the current motion was requested by a limit sensor
func (a *Axis) Overridden() bool {
	return a.overridden
}

func (a *Axis) start(now uint32) {
	a.setOutputs(true)
	a.State = AxisMoving
	a.velocity = a.startRate()
	a.nextStep = now
	a.applyDirection(a.Target > a.Position)
}

func (a *Axis) finish() {
	a.backend.Stop()
	a.State = AxisIdle
	a.velocity = 0
	a.overridden = false
	a.setOutputs(false)
}

// setOutputs drives the enable pin; the driver is only powered while moving
func (a *Axis) setOutputs(on bool) {
	a.Enabled = on
	if a.cfg.EnablePin == NoPin {
		return
	}
	_ = a.gpio.SetPin(a.cfg.EnablePin, on != a.cfg.EnableInverted)
}

func (a *Axis) applyDirection(forward bool) {
	a.dirForward = forward
	a.backend.SetDirection(forward != a.cfg.InvertDir)
}

// step emits at most one step if the axis is due. Returns true if it stepped.
func (a *Axis) step(now uint32) bool {
	if a.State != AxisMoving {
		return false
	}
	if a.Position == a.Target {
		a.finish()
		return false
	}
	if !timeReached(now, a.nextStep) {
		return false
	}

	forward := a.Target > a.Position
	if forward != a.dirForward {
		// Reversal: restart the ramp in the new direction
		a.applyDirection(forward)
		a.velocity = a.startRate()
	}

	a.backend.Step()
	if forward {
		a.Position++
	} else {
		a.Position--
	}

	if a.Position == a.Target {
		a.finish()
		return true
	}

	a.updateVelocity()
	a.nextStep = now + intervalFromRate(a.velocity)
	return true
}

// startRate is the first step rate of a ramp
func (a *Axis) startRate() float32 {
	if a.Acceleration <= 0 {
		return a.Speed
	}
	v := float32(math.Sqrt(float64(a.Acceleration)))
	if v > a.Speed {
		return a.Speed
	}
	return v
}

// updateVelocity applies a trapezoidal ramp: accelerate toward Speed and
// decelerate once the remaining distance is within the stopping distance
func (a *Axis) updateVelocity() {
	if a.Acceleration <= 0 {
		a.velocity = a.Speed
		return
	}

	remaining := a.Target - a.Position
	if remaining < 0 {
		remaining = -remaining
	}

	v := a.velocity
	dv := a.Acceleration / v // a * dt with dt = 1/v
	stopping := v * v / (2 * a.Acceleration)
	if float32(remaining) <= stopping {
		v -= dv
	} else {
		v += dv
	}

	floor := a.startRate()
	if v < floor {
		v = floor
	}
	if v > a.Speed {
		v = a.Speed
	}
	a.velocity = v
}
