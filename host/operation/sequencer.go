// Package operation runs bounded, sensor-gated procedures against the
// position model: calibrate, bump-check and adjust for the string axes,
// and home, away and sweep for the carriage.
//
// At most one operation runs at a time. Every motion goes through the
// position synchronizer and is therefore rest-gated. Cancellation is
// checked between steps only.
package operation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"stringdriver/host/analysis"
	"stringdriver/host/position"
	"stringdriver/host/timeutil"
)

// Kind tags an operation
type Kind string

const (
	KindCalibrate         Kind = "calibrate"
	KindBumpCheck         Kind = "bump-check"
	KindAdjust            Kind = "adjust"
	KindHome              Kind = "home"
	KindAway              Kind = "away"
	KindCarriageCalibrate Kind = "carriage-calibrate"
	KindSweep             Kind = "sweep"
)

// State of an operation
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Defaults
const (
	DefaultBudget  = 50
	DefaultStep    = 2
	DefaultLapRest = 4 * time.Second
)

// Operation is the record of one run
type Operation struct {
	ID            uuid.UUID
	Kind          Kind
	Axes          []int
	Channels      []int
	State         State
	Iterations    int
	Budget        int
	Reason        string
	Started       time.Time
	Finished      time.Time
	LastPositions []int32
}

// Terminal reports whether the operation has finished
func (o Operation) Terminal() bool {
	return o.State == StateSucceeded || o.State == StateFailed
}

// Positioner is the position model surface the sequencer drives.
// *position.Synchronizer implements it.
type Positioner interface {
	NumAxes() int
	Entry(axis int) (position.Entry, error)
	Settings(axis int) (position.AxisSettings, error)
	Positions() []int32
	Move(ctx context.Context, axis int, target int32) error
	MoveBy(ctx context.Context, axis int, delta int32) error
	ResetCounter(axis int, value int32) error
	Calibrate(axis int) error
	Disable(axis int) error
}

// SensorReader reads the contact sensor of an axis. Active means the axis
// is at or past its mechanical boundary.
type SensorReader interface {
	Active(axis int) (bool, error)
}

// Recorder receives a copy of an operation when it starts and when it ends
type Recorder interface {
	Record(op Operation) error
}

// Request describes an operation to start
type Request struct {
	Kind Kind

	// Axes for calibrate and bump-check; nil selects every axis
	Axes []int

	// Channels for adjust; nil selects every mapped channel
	Channels []int

	// Calibrate toward the max bound instead of the min bound
	TowardMax bool

	// Sweep the carriage from its finish back to its start
	Reverse bool
}

// Config tunes the sequencer. Zero values select defaults.
type Config struct {
	Budget   int
	Step     int32
	Adjust   AdjustConfig
	Carriage CarriageConfig

	// Wait after every adjust pass that moved an axis; negative disables
	LapRest time.Duration

	// Leave out the bump-check passes around adjust, calibrate and sweep
	SkipBumpCheck bool

	// Finish calibrate with a bump-check pass, lifting each axis off the
	// sensor it just found. The model then ends at min + step.
	ReleaseAfterCalibrate bool
}

// Sequencer owns the RunLock and the operation records
type Sequencer struct {
	model    Positioner
	sensors  SensorReader
	feed     analysis.Source
	recorder Recorder
	clock    timeutil.Clock
	lock     *RunLock

	budget   int
	step     int32
	adjust   AdjustConfig
	carriage CarriageConfig
	lapRest  time.Duration
	skipBump bool
	release  bool

	mu      sync.Mutex
	current *Operation
	last    *Operation
}

// New creates a sequencer. feed and recorder may be nil.
func New(model Positioner, sensors SensorReader, feed analysis.Source, recorder Recorder, clock timeutil.Clock, cfg Config) *Sequencer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &Sequencer{
		model:    model,
		sensors:  sensors,
		feed:     feed,
		recorder: recorder,
		clock:    clock,
		lock:     NewRunLock(),
		budget:   cfg.Budget,
		step:     cfg.Step,
		adjust:   cfg.Adjust.withDefaults(),
		carriage: cfg.Carriage.withDefaults(),
		lapRest:  cfg.LapRest,
		skipBump: cfg.SkipBumpCheck,
		release:  cfg.ReleaseAfterCalibrate,
	}
	if s.budget <= 0 {
		s.budget = DefaultBudget
	}
	if s.step <= 0 {
		s.step = DefaultStep
	}
	if s.lapRest == 0 {
		s.lapRest = DefaultLapRest
	}
	return s
}

// Handle tracks a started operation
type Handle struct {
	id     uuid.UUID
	done   chan struct{}
	cancel context.CancelFunc

	op  Operation
	err error
}

// ID returns the operation's identifier
func (h *Handle) ID() uuid.UUID { return h.id }

// Done is closed once the operation is terminal and the lock released
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel asks the operation to stop at its next step boundary
func (h *Handle) Cancel() { h.cancel() }

// Wait blocks until the operation ends and returns its final record
func (h *Handle) Wait() (Operation, error) {
	<-h.done
	return h.op, h.err
}

// Start acquires the run lock and launches the operation. It fails at once
// with ErrAlreadyRunning if another operation holds the lock.
func (s *Sequencer) Start(ctx context.Context, req Request) (*Handle, error) {
	op, err := s.prepare(req)
	if err != nil {
		return nil, &Error{Kind: req.Kind, Err: err}
	}

	lease, ok := s.lock.TryAcquire()
	if !ok {
		return nil, &Error{Kind: req.Kind, Err: ErrAlreadyRunning}
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{id: op.ID, done: make(chan struct{}), cancel: cancel}

	op.Started = s.clock.Now()
	s.publish(op)
	s.record(*op)

	go func() {
		defer close(h.done)
		defer lease.Release()
		defer cancel()

		var runErr error
		func() {
			defer func() {
				if r := recover(); r != nil {
					runErr = fmt.Errorf("operation panicked: %v", r)
				}
			}()
			s.setState(op, StateRunning)
			runErr = s.run(runCtx, op, req)
		}()

		h.op, h.err = s.finish(op, runErr)
	}()

	return h, nil
}

// Run starts an operation and waits for it
func (s *Sequencer) Run(ctx context.Context, req Request) (Operation, error) {
	h, err := s.Start(ctx, req)
	if err != nil {
		return Operation{}, err
	}
	return h.Wait()
}

// Running reports whether an operation holds the run lock
func (s *Sequencer) Running() bool {
	return s.lock.Held()
}

// Exclusive runs fn while holding the run lock, so no operation can start
// underneath it. It fails with ErrAlreadyRunning when an operation holds the
// lock.
func (s *Sequencer) Exclusive(fn func() error) error {
	lease, ok := s.lock.TryAcquire()
	if !ok {
		return ErrAlreadyRunning
	}
	defer lease.Release()
	return fn()
}

// Current returns the running operation, if any
func (s *Sequencer) Current() (Operation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Operation{}, false
	}
	return copyOp(s.current), true
}

// Last returns the most recently finished operation
func (s *Sequencer) Last() (Operation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Operation{}, false
	}
	return copyOp(s.last), true
}

func (s *Sequencer) prepare(req Request) (*Operation, error) {
	op := &Operation{
		ID:     uuid.New(),
		Kind:   req.Kind,
		State:  StatePending,
		Budget: s.budget,
	}

	switch req.Kind {
	case KindCalibrate, KindBumpCheck:
		axes, err := s.resolveAxes(req.Axes)
		if err != nil {
			return nil, err
		}
		op.Axes = axes
	case KindAdjust:
		channels, axes, err := s.resolveChannels(req.Channels)
		if err != nil {
			return nil, err
		}
		op.Channels = channels
		op.Axes = axes
	case KindHome, KindAway, KindCarriageCalibrate:
		if err := s.checkCarriage(); err != nil {
			return nil, err
		}
		op.Axes = []int{s.carriage.Axis}
		op.Budget = s.carriage.Budget
	case KindSweep:
		if err := s.checkCarriage(); err != nil {
			return nil, err
		}
		channels, axes, err := s.resolveChannels(nil)
		if err != nil {
			return nil, err
		}
		op.Channels = channels
		op.Axes = append(axes, s.carriage.Axis)
		op.Budget = s.carriage.Budget
	default:
		return nil, fmt.Errorf("unknown operation kind %q", req.Kind)
	}
	return op, nil
}

func (s *Sequencer) resolveAxes(axes []int) ([]int, error) {
	if axes == nil {
		out := make([]int, s.model.NumAxes())
		for i := range out {
			out[i] = i
		}
		return out, nil
	}
	seen := make(map[int]bool)
	var out []int
	for _, a := range axes {
		if _, err := s.model.Entry(a); err != nil {
			return nil, err
		}
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	sort.Ints(out)
	return out, nil
}

func (s *Sequencer) run(ctx context.Context, op *Operation, req Request) error {
	switch op.Kind {
	case KindCalibrate:
		return s.calibrate(ctx, op, op.Axes, req.TowardMax, true)
	case KindBumpCheck:
		return s.bumpCheck(ctx, op, op.Axes, true)
	case KindAdjust:
		return s.adjustChannels(ctx, op)
	case KindHome:
		return s.home(ctx, op)
	case KindAway:
		return s.away(ctx, op)
	case KindCarriageCalibrate:
		if err := s.home(ctx, op); err != nil {
			return err
		}
		return s.away(ctx, op)
	case KindSweep:
		return s.sweep(ctx, op, req.Reverse)
	}
	return nil
}

// errBudget ends a step loop that ran out of iterations
var errBudget = errors.New("budget")

// loop runs step until it reports done, fails, or the budget runs out.
// Counted loops charge their iterations to op and share op's budget, so
// several counted phases of one operation never exceed it together. An
// uncounted loop is a sub-pass with the default budget of its own.
func (s *Sequencer) loop(ctx context.Context, op *Operation, counted bool, step func(iter int) (bool, error)) error {
	for iter := 1; ; iter++ {
		if counted {
			s.mu.Lock()
			spent := op.Iterations >= op.Budget
			s.mu.Unlock()
			if spent {
				return errBudget
			}
		} else if iter > s.budget {
			return errBudget
		}
		if ctx.Err() != nil {
			return ErrCancelled
		}
		if counted {
			s.mu.Lock()
			op.Iterations++
			s.mu.Unlock()
		}
		done, err := step(iter)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// moveBy issues one rest-gated relative move
func (s *Sequencer) moveBy(ctx context.Context, axis int, delta int32) error {
	return moveErr(s.model.MoveBy(ctx, axis, delta), axis)
}

// moveTo issues one rest-gated absolute move
func (s *Sequencer) moveTo(ctx context.Context, axis int, target int32) error {
	return moveErr(s.model.Move(ctx, axis, target), axis)
}

func moveErr(err error, axis int) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCancelled
	}
	if err != nil {
		return failAxes(err, axis)
	}
	return nil
}

// lap waits the lap rest between adjust passes
func (s *Sequencer) lap(ctx context.Context) error {
	if s.lapRest < 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ErrCancelled
	case <-s.clock.After(s.lapRest):
		return nil
	}
}

func (s *Sequencer) readSensor(axis int) (bool, error) {
	active, err := s.sensors.Active(axis)
	if err != nil {
		return false, failAxes(fmt.Errorf("%w: %v", ErrSensorFault, err), axis)
	}
	return active, nil
}

func (s *Sequencer) setState(op *Operation, state State) {
	s.mu.Lock()
	op.State = state
	s.mu.Unlock()
}

func (s *Sequencer) publish(op *Operation) {
	s.mu.Lock()
	s.current = op
	s.mu.Unlock()
}

// finish moves op to its terminal state and builds the caller's result
func (s *Sequencer) finish(op *Operation, runErr error) (Operation, error) {
	positions := s.model.Positions()

	s.mu.Lock()
	op.Finished = s.clock.Now()
	op.LastPositions = positions
	var result error
	if runErr == nil {
		op.State = StateSucceeded
	} else {
		op.State = StateFailed
		e := &Error{Kind: op.Kind, Err: runErr, Positions: positions}
		var f *failure
		if errors.As(runErr, &f) {
			e.Err = f.err
			e.Axes = f.axes
		}
		op.Reason = e.Error()
		result = e
	}
	s.current = nil
	s.last = op
	final := copyOp(op)
	s.mu.Unlock()

	s.record(final)
	if result != nil {
		log.Printf("[Operation] %s %s failed after %d iterations: %v", op.Kind, op.ID, op.Iterations, result)
	} else {
		log.Printf("[Operation] %s %s succeeded after %d iterations", op.Kind, op.ID, op.Iterations)
	}
	return final, result
}

func (s *Sequencer) record(op Operation) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(op); err != nil {
		log.Printf("[Operation] Failed to record %s %s: %v", op.Kind, op.ID, err)
	}
}

func copyOp(op *Operation) Operation {
	c := *op
	c.Axes = append([]int(nil), op.Axes...)
	c.Channels = append([]int(nil), op.Channels...)
	c.LastPositions = append([]int32(nil), op.LastPositions...)
	return c
}
