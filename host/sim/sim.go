// Package sim runs a core.Controller in-process behind an io.ReadWriteCloser.
//
// By default the simulated hardware is instantaneous: each Write is processed
// to completion (every frame decoded, every resulting move finished) in
// virtual time before Write returns. With Options.InFlight a Write returns
// as soon as no complete frame is left to decode, leaving motion running
// until a later Write needs the controller again. Physical shaft positions are tracked
// separately from the controller counters so counter-only commands can be
// told apart from motion.
package sim

import (
	"errors"
	"io"
	"math"
	"sync"

	"stringdriver/core"
	"stringdriver/protocol"
)

const (
	// DefaultTickUS is the virtual time between control-loop iterations
	DefaultTickUS = 100

	maxIterations = 1 << 22
)

// Options configure a Simulator. Axes is required.
type Options struct {
	Axes     []core.AxisConfig
	Banks    []core.MicrostepBank
	TickUS   uint32
	InFlight bool
}

// Simulator is a virtual axis controller
type Simulator struct {
	mu       sync.Mutex
	ctrl     *core.Controller
	gpio     *GPIO
	backends []*Backend
	input    *protocol.FifoBuffer
	output   *protocol.ScratchOutput
	nowUS    uint32
	tickUS   uint32
	inFlight bool

	// Host-side contact sensors
	contact []int32
	stuck   []*bool

	readMu  sync.Mutex
	readCnd *sync.Cond
	pending []byte
	closed  bool
}

// Axes returns n identical axes bounded to [min,max] with limit pins assigned
func Axes(n int, min, max int32) []core.AxisConfig {
	axes := make([]core.AxisConfig, n)
	for i := range axes {
		axes[i] = core.AxisConfig{
			StepPin:     core.GPIOPin(4 * i),
			DirPin:      core.GPIOPin(4*i + 1),
			CoilPins:    [4]core.GPIOPin{core.NoPin, core.NoPin, core.NoPin, core.NoPin},
			EnablePin:   core.GPIOPin(4*i + 2),
			IncreasePin: IncreasePin(i),
			DecreasePin: DecreasePin(i),
			Min:         min,
			Max:         max,
		}
	}
	return axes
}

// IncreasePin is the firmware increase-sensor pin Axes assigns to an axis
func IncreasePin(axis int) core.GPIOPin { return core.GPIOPin(1000 + 2*axis) }

// DecreasePin is the firmware decrease-sensor pin Axes assigns to an axis
func DecreasePin(axis int) core.GPIOPin { return core.GPIOPin(1001 + 2*axis) }

// New builds a simulator around a freshly constructed controller
func New(opts Options) (*Simulator, error) {
	s := &Simulator{
		gpio:   NewGPIO(),
		input:  protocol.NewFifoBuffer(1024),
		output: protocol.NewScratchOutput(),
		tickUS:   opts.TickUS,
		inFlight: opts.InFlight,
		nowUS:    1,
	}
	if s.tickUS == 0 {
		s.tickUS = DefaultTickUS
	}
	s.readCnd = sync.NewCond(&s.readMu)

	factory := func(index int, cfg core.AxisConfig) core.StepperBackend {
		b := &Backend{}
		s.backends = append(s.backends, b)
		return b
	}
	ctrl, err := core.NewController(core.ControllerConfig{Axes: opts.Axes, Banks: opts.Banks}, s.gpio, factory, s.output)
	if err != nil {
		return nil, err
	}
	s.ctrl = ctrl

	s.contact = make([]int32, len(opts.Axes))
	s.stuck = make([]*bool, len(opts.Axes))
	for i := range s.contact {
		s.contact[i] = math.MinInt32
	}
	return s, nil
}

// Write feeds host bytes to the controller and runs it until every complete
// frame is consumed and all axes are idle
func (s *Simulator) Write(p []byte) (int, error) {
	s.readMu.Lock()
	closed := s.closed
	s.readMu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rest := p
	for len(rest) > 0 {
		n := s.input.Write(rest)
		rest = rest[n:]
		s.run()
		if n == 0 && len(rest) > 0 && s.input.Free() == 0 {
			return len(p) - len(rest), errors.New("simulator input overflow")
		}
	}
	s.flush()
	return len(p), nil
}

// run iterates until input stops draining and nothing moves, or in
// in-flight mode until no complete frame is waiting. Caller holds mu.
func (s *Simulator) run() {
	for i := 0; i < maxIterations; i++ {
		before := s.input.Available()
		s.ctrl.Iterate(s.input, s.nowUS)
		s.nowUS += s.tickUS
		busy := s.ctrl.Busy()
		if s.inFlight && busy && protocol.FindTerminator(s.input.Data()) < 0 {
			return
		}
		if s.input.Available() == before && !busy {
			return
		}
	}
}

// flush moves queued response frames to the read side. Caller holds mu.
func (s *Simulator) flush() {
	out := s.output.Result()
	if len(out) == 0 {
		return
	}
	s.readMu.Lock()
	s.pending = append(s.pending, out...)
	s.readMu.Unlock()
	s.readCnd.Broadcast()
	s.output.Reset()
}

// Read blocks until response bytes are available or the simulator is closed
func (s *Simulator) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for len(s.pending) == 0 && !s.closed {
		s.readCnd.Wait()
	}
	if len(s.pending) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Close unblocks readers; later writes fail
func (s *Simulator) Close() error {
	s.readMu.Lock()
	s.closed = true
	s.readMu.Unlock()
	s.readCnd.Broadcast()
	return nil
}

// Flush discards unread responses
func (s *Simulator) Flush() error {
	s.readMu.Lock()
	s.pending = nil
	s.readMu.Unlock()
	return nil
}

// SetLimit drives the firmware limit pins of an axis (true = active) and
// lets the controller react until idle
func (s *Simulator) SetLimit(axis int, increase, decrease bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Active-low
	s.gpio.Set(IncreasePin(axis), !increase)
	s.gpio.Set(DecreasePin(axis), !decrease)
	s.run()
	s.flush()
}

// Counters returns the controller's hardware counters
func (s *Simulator) Counters() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl.Positions()
}

// Physical returns the true shaft position of an axis in steps
func (s *Simulator) Physical(axis int) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backends[axis].Physical()
}

// Steps returns the number of steps an axis has taken
func (s *Simulator) Steps(axis int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backends[axis].Steps()
}

// Axis returns a copy of the controller's view of an axis
func (s *Simulator) Axis(axis int) core.Axis {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.ctrl.Axis(axis)
}

// MicrostepMode returns the active mode of a bank
func (s *Simulator) MicrostepMode(bank int) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl.MicrostepMode(bank)
}

// Frames returns the number of frames the controller has decoded
func (s *Simulator) Frames() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl.Transport().Stats().FramesReceived
}

// Stats returns the controller loop counters
func (s *Simulator) Stats() core.ControllerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl.Stats()
}

// SetPassthroughHook installs a receiver for passthrough payloads
func (s *Simulator) SetPassthroughHook(hook func(payload []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctrl.SetPassthroughHook(hook)
}
