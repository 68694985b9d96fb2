package sim

import "stringdriver/core"

// GPIO is an in-memory pin bank. Unset pins read high, which is the idle
// level of a pulled-up sensor input.
type GPIO struct {
	levels map[core.GPIOPin]bool
}

func NewGPIO() *GPIO {
	return &GPIO{levels: make(map[core.GPIOPin]bool)}
}

func (g *GPIO) ConfigureOutput(pin core.GPIOPin) error {
	g.levels[pin] = false
	return nil
}

func (g *GPIO) ConfigureInputPullUp(pin core.GPIOPin) error {
	g.levels[pin] = true
	return nil
}

func (g *GPIO) SetPin(pin core.GPIOPin, value bool) error {
	g.levels[pin] = value
	return nil
}

func (g *GPIO) ReadPin(pin core.GPIOPin) bool {
	v, ok := g.levels[pin]
	return !ok || v
}

// Set forces a pin level from outside the controller
func (g *GPIO) Set(pin core.GPIOPin, level bool) {
	g.levels[pin] = level
}

// Backend counts steps and tracks the physical shaft position
type Backend struct {
	cfg      core.AxisConfig
	forward  bool
	steps    int
	physical int32
}

func (b *Backend) Init(cfg core.AxisConfig) error {
	b.cfg = cfg
	return nil
}

func (b *Backend) Step() {
	b.steps++
	if b.forward {
		b.physical++
	} else {
		b.physical--
	}
}

func (b *Backend) SetDirection(forward bool) {
	// The controller already applied InvertDir; undo it to recover the
	// logical direction
	b.forward = forward != b.cfg.InvertDir
}

func (b *Backend) Stop()           {}
func (b *Backend) GetName() string { return "sim" }

func (b *Backend) Physical() int32 { return b.physical }
func (b *Backend) Steps() int      { return b.steps }
