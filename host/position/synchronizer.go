// Package position keeps the host's logical position model in step with the
// controller's hardware counters.
//
// The model is written only by this package. A physical move never writes it
// directly: the moved axis is marked stale and re-read from the controller
// after a settle delay. Model-only writes never touch hardware.
package position

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"stringdriver/host/timeutil"
	"stringdriver/protocol"
)

const (
	// DefaultSettle is the wait between a move and its calibration read
	DefaultSettle = 500 * time.Millisecond

	// DefaultResetSettle is the wait after a counter reset
	DefaultResetSettle = 100 * time.Millisecond

	// DefaultMoveTimeout bounds the post-move position read. The controller
	// holds the report until motion ends, so this covers a full-travel move
	// of the slowest axis.
	DefaultMoveTimeout = time.Minute

	// Position reports are int16 on the wire
	minReportable = math.MinInt16
	maxReportable = math.MaxInt16
)

var (
	ErrInvalidAxis  = errors.New("invalid axis index")
	ErrAxisDisabled = errors.New("axis disabled")
	ErrShortReport  = errors.New("position report shorter than axis table")
	ErrBoundRange   = errors.New("bound outside the int16 position report range")
)

// Link is the controller command surface the synchronizer drives.
// *board.Board implements it.
type Link interface {
	QueryPositions() ([]int32, error)
	WaitPositions(timeout time.Duration) ([]int32, error)
	AbsoluteMove(axis int, target int32) error
	RelativeMove(axis int, delta int32) error
	SetPosition(axis int, value int32) error
	ResetAll() error
	ResetOne(axis int) error
	SetAcceleration(axis int, accel float32) error
	SetSpeed(axis int, speed float32) error
	SetMinBound(axis int, v int32) error
	SetMaxBound(axis int, v int32) error
	SetMicrostep(bank int, mode int32) error
}

// AxisSettings is the host's static description of one axis
type AxisSettings struct {
	Name         string
	Category     Category
	Min, Max     int32
	Speed        float32 // 0 leaves the controller default
	Acceleration float32 // 0 leaves the controller default
}

// Config configures a Synchronizer
type Config struct {
	Axes        []AxisSettings
	Rest        map[Category]time.Duration
	Settle      time.Duration
	ResetSettle time.Duration
	MoveTimeout time.Duration
	Microstep   int32 // 0 leaves the controller default
}

// Entry is the model of one axis
type Entry struct {
	Position   int32
	Calibrated bool // set only by a position report
	Stale      bool // a move was issued and not yet read back
	Enabled    bool
}

// Synchronizer owns the position model
type Synchronizer struct {
	link  Link
	clock timeutil.Clock
	rest  *RestPolicy

	axes        []AxisSettings
	settle      time.Duration
	resetSettle time.Duration
	moveTimeout time.Duration
	microstep   int32

	mu      sync.Mutex
	entries []Entry
}

// New creates a synchronizer. Every axis starts enabled and uncalibrated.
func New(link Link, cfg Config, clock timeutil.Clock) (*Synchronizer, error) {
	if link == nil {
		return nil, errors.New("nil controller link")
	}
	if len(cfg.Axes) == 0 {
		return nil, errors.New("no axes configured")
	}
	for i, a := range cfg.Axes {
		if a.Min > a.Max {
			return nil, fmt.Errorf("axis %d: min %d exceeds max %d", i, a.Min, a.Max)
		}
		if a.Min < minReportable || a.Max > maxReportable {
			return nil, fmt.Errorf("axis %d: %w: [%d,%d]", i, ErrBoundRange, a.Min, a.Max)
		}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	s := &Synchronizer{
		link:        link,
		clock:       clock,
		rest:        NewRestPolicy(cfg.Rest, clock),
		axes:        append([]AxisSettings(nil), cfg.Axes...),
		settle:      cfg.Settle,
		resetSettle: cfg.ResetSettle,
		moveTimeout: cfg.MoveTimeout,
		microstep:   cfg.Microstep,
		entries:     make([]Entry, len(cfg.Axes)),
	}
	if s.settle == 0 {
		s.settle = DefaultSettle
	}
	if s.resetSettle == 0 {
		s.resetSettle = DefaultResetSettle
	}
	if s.moveTimeout == 0 {
		s.moveTimeout = DefaultMoveTimeout
	}
	for i := range s.entries {
		s.entries[i].Enabled = true
	}
	return s, nil
}

// NumAxes returns the number of modelled axes
func (s *Synchronizer) NumAxes() int {
	return len(s.axes)
}

// Settings returns the static description of an axis
func (s *Synchronizer) Settings(axis int) (AxisSettings, error) {
	if err := s.checkAxis(axis); err != nil {
		return AxisSettings{}, err
	}
	return s.axes[axis], nil
}

// Rest returns the rest policy
func (s *Synchronizer) Rest() *RestPolicy {
	return s.rest
}

func (s *Synchronizer) checkAxis(axis int) error {
	if axis < 0 || axis >= len(s.axes) {
		return fmt.Errorf("%w: %d", ErrInvalidAxis, axis)
	}
	return nil
}

// Entry returns the model of one axis
func (s *Synchronizer) Entry(axis int) (Entry, error) {
	if err := s.checkAxis(axis); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[axis], nil
}

// Snapshot returns a copy of the whole model
func (s *Synchronizer) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// Positions returns the model positions in axis order
func (s *Synchronizer) Positions() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int32, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Position
	}
	return out
}

func (s *Synchronizer) update(axis int, fn func(e *Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.entries[axis])
}

// SetModel writes the model only. No command is sent.
func (s *Synchronizer) SetModel(axis int, value int32) error {
	if err := s.checkAxis(axis); err != nil {
		return err
	}
	s.update(axis, func(e *Entry) { e.Position = value })
	return nil
}

// Enable allows motion on an axis
func (s *Synchronizer) Enable(axis int) error {
	if err := s.checkAxis(axis); err != nil {
		return err
	}
	s.update(axis, func(e *Entry) { e.Enabled = true })
	return nil
}

// Disable refuses further motion on an axis until re-enabled
func (s *Synchronizer) Disable(axis int) error {
	if err := s.checkAxis(axis); err != nil {
		return err
	}
	s.update(axis, func(e *Entry) { e.Enabled = false })
	log.Printf("[Sync] Axis %d disabled", axis)
	return nil
}

// ResetCounter aligns the hardware counter and the model to value without
// motion
func (s *Synchronizer) ResetCounter(axis int, value int32) error {
	if err := s.checkAxis(axis); err != nil {
		return err
	}
	g := s.rest.gate(s.category(axis))
	defer g.Unlock()

	if err := s.link.SetPosition(axis, value); err != nil {
		return fmt.Errorf("reset counter of axis %d: %w", axis, err)
	}
	s.clock.Sleep(s.resetSettle)
	s.update(axis, func(e *Entry) {
		e.Position = value
		e.Stale = false
	})
	return nil
}

// Zero zeroes the hardware counter and the model of one axis without motion
func (s *Synchronizer) Zero(axis int) error {
	if err := s.checkAxis(axis); err != nil {
		return err
	}
	g := s.rest.gate(s.category(axis))
	defer g.Unlock()

	if err := s.link.ResetOne(axis); err != nil {
		return fmt.Errorf("zero axis %d: %w", axis, err)
	}
	s.clock.Sleep(s.resetSettle)
	s.update(axis, func(e *Entry) {
		e.Position = 0
		e.Stale = false
	})
	return nil
}

// ZeroAll zeroes every hardware counter and the whole model without motion
func (s *Synchronizer) ZeroAll() error {
	unlock := s.lockAll()
	defer unlock()

	if err := s.link.ResetAll(); err != nil {
		return fmt.Errorf("zero all axes: %w", err)
	}
	s.clock.Sleep(s.resetSettle)
	s.mu.Lock()
	for i := range s.entries {
		s.entries[i].Position = 0
		s.entries[i].Stale = false
	}
	s.mu.Unlock()
	return nil
}

// Calibrate reads the hardware counter of one axis into the model
func (s *Synchronizer) Calibrate(axis int) error {
	if err := s.checkAxis(axis); err != nil {
		return err
	}
	g := s.rest.gate(s.category(axis))
	defer g.Unlock()
	return s.calibrateLocked(axis, s.link.QueryPositions)
}

func (s *Synchronizer) calibrateLocked(axis int, read func() ([]int32, error)) error {
	positions, err := s.report(read)
	if err != nil {
		return err
	}
	s.update(axis, func(e *Entry) {
		e.Position = positions[axis]
		e.Calibrated = true
		e.Stale = false
	})
	return nil
}

// CalibrateAll reads every hardware counter into the model
func (s *Synchronizer) CalibrateAll() error {
	unlock := s.lockAll()
	defer unlock()

	positions, err := s.report(s.link.QueryPositions)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		s.entries[i].Position = positions[i]
		s.entries[i].Calibrated = true
		s.entries[i].Stale = false
	}
	return nil
}

func (s *Synchronizer) report(read func() ([]int32, error)) ([]int32, error) {
	positions, err := read()
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	if len(positions) < len(s.axes) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrShortReport, len(positions), len(s.axes))
	}
	return positions, nil
}

// Move sends an absolute move, waits the settle delay and reads the axis
// back. ctx can only cut short the rest wait before the command is sent.
func (s *Synchronizer) Move(ctx context.Context, axis int, target int32) error {
	return s.move(ctx, axis, func() error { return s.link.AbsoluteMove(axis, target) })
}

// MoveBy is Move with a relative distance
func (s *Synchronizer) MoveBy(ctx context.Context, axis int, delta int32) error {
	return s.move(ctx, axis, func() error { return s.link.RelativeMove(axis, delta) })
}

func (s *Synchronizer) move(ctx context.Context, axis int, emit func() error) error {
	entry, err := s.Entry(axis)
	if err != nil {
		return err
	}
	if !entry.Enabled {
		return fmt.Errorf("%w: %d", ErrAxisDisabled, axis)
	}

	g := s.rest.gate(s.category(axis))
	defer g.Unlock()

	if err := s.rest.wait(ctx, g); err != nil {
		return err
	}

	if err := emit(); err != nil {
		return fmt.Errorf("move axis %d: %w", axis, err)
	}
	s.rest.mark(g)
	s.update(axis, func(e *Entry) { e.Stale = true })

	s.clock.Sleep(s.settle)
	return s.calibrateLocked(axis, func() ([]int32, error) {
		return s.link.WaitPositions(s.moveTimeout)
	})
}

func (s *Synchronizer) category(axis int) Category {
	if c := s.axes[axis].Category; c != "" {
		return c
	}
	return CategorySlow
}

// lockAll takes every category gate in name order
func (s *Synchronizer) lockAll() func() {
	seen := make(map[Category]bool)
	var cats []Category
	for i := range s.axes {
		c := s.category(i)
		if !seen[c] {
			seen[c] = true
			cats = append(cats, c)
		}
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	gates := make([]*categoryGate, 0, len(cats))
	for _, c := range cats {
		gates = append(gates, s.rest.gate(c))
	}
	return func() {
		for i := len(gates) - 1; i >= 0; i-- {
			gates[i].Unlock()
		}
	}
}

// Configure pushes the configured bounds and motion profile to the
// controller. It sends no motion.
func (s *Synchronizer) Configure() error {
	for i, a := range s.axes {
		// min is sent on both sides of max so no ordering of old and new
		// bounds is rejected as inverted
		if err := s.link.SetMinBound(i, a.Min); err != nil {
			return err
		}
		if err := s.link.SetMaxBound(i, a.Max); err != nil {
			return err
		}
		if err := s.link.SetMinBound(i, a.Min); err != nil {
			return err
		}
		if a.Speed > 0 {
			if err := s.link.SetSpeed(i, a.Speed); err != nil {
				return err
			}
		}
		if a.Acceleration != 0 {
			if err := s.link.SetAcceleration(i, a.Acceleration); err != nil {
				return err
			}
		}
	}
	if s.microstep != 0 {
		if err := s.link.SetMicrostep(protocol.AllAxes, s.microstep); err != nil {
			return err
		}
	}
	log.Printf("[Sync] Configured %d axes", len(s.axes))
	return nil
}
