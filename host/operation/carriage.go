package operation

import (
	"context"
	"errors"
	"fmt"
	"log"

	"stringdriver/host/analysis"
)

// ErrNoCarriage is returned for carriage operations on a rig without one
var ErrNoCarriage = errors.New("no carriage configured")

// Carriage defaults
const (
	DefaultCarriageStep      = 10
	DefaultCarriageBudget    = 1000
	DefaultSweepMargin       = 100
	DefaultSweepStep         = 10
	DefaultAdjustmentLevel   = 4
	DefaultRetryThreshold    = 50
	DefaultVarianceThreshold = 50
)

// CarriageSensors reads the end-of-travel switches of the carriage
type CarriageSensors interface {
	AtHome() (bool, error)
	AtAway() (bool, error)
}

// CarriageConfig describes the axis that carries the string heads along the
// instrument. Sensors nil means the rig has no carriage.
type CarriageConfig struct {
	Axis    int
	Sensors CarriageSensors

	// Homing step and iteration budget
	Step   int32
	Budget int

	// Sweep range. Both zero selects min+margin to max-margin.
	Start  int32
	Finish int32

	// Carriage advance per settled sweep position
	SweepStep int32
	// Consecutive in-band passes before the carriage advances
	AdjustmentLevel int
	// Failed passes at one carriage position before recalibrating
	RetryThreshold int
	// Summed voice change between passes that forces a recalibration
	VarianceThreshold int
}

func (c CarriageConfig) withDefaults() CarriageConfig {
	if c.Step <= 0 {
		c.Step = DefaultCarriageStep
	}
	if c.Budget <= 0 {
		c.Budget = DefaultCarriageBudget
	}
	if c.SweepStep <= 0 {
		c.SweepStep = DefaultSweepStep
	}
	if c.AdjustmentLevel <= 0 {
		c.AdjustmentLevel = DefaultAdjustmentLevel
	}
	if c.RetryThreshold <= 0 {
		c.RetryThreshold = DefaultRetryThreshold
	}
	if c.VarianceThreshold <= 0 {
		c.VarianceThreshold = DefaultVarianceThreshold
	}
	return c
}

func (s *Sequencer) checkCarriage() error {
	if s.carriage.Sensors == nil {
		return ErrNoCarriage
	}
	if _, err := s.model.Entry(s.carriage.Axis); err != nil {
		return fmt.Errorf("carriage: %w", err)
	}
	return nil
}

// sweepRange returns the start and finish of a sweep, clamped to the axis
func (s *Sequencer) sweepRange() (int32, int32, error) {
	settings, err := s.model.Settings(s.carriage.Axis)
	if err != nil {
		return 0, 0, err
	}
	start, finish := s.carriage.Start, s.carriage.Finish
	if start == 0 && finish == 0 {
		start, finish = settings.Min+DefaultSweepMargin, settings.Max-DefaultSweepMargin
	}
	if start < settings.Min || finish > settings.Max || start >= finish {
		return 0, 0, fmt.Errorf("carriage sweep range [%d,%d] does not fit axis bounds [%d,%d]",
			start, finish, settings.Min, settings.Max)
	}
	return start, finish, nil
}

// home drives the carriage toward its min bound until the home switch
// closes, then sets counter and model to min and marks it calibrated.
func (s *Sequencer) home(ctx context.Context, op *Operation) error {
	return s.travel(ctx, op, false)
}

// away is home mirrored onto the max bound and the away switch
func (s *Sequencer) away(ctx context.Context, op *Operation) error {
	return s.travel(ctx, op, true)
}

func (s *Sequencer) travel(ctx context.Context, op *Operation, towardMax bool) error {
	axis := s.carriage.Axis
	settings, err := s.model.Settings(axis)
	if err != nil {
		return failAxes(err, axis)
	}
	name, read := "home", s.carriage.Sensors.AtHome
	bound, start, delta := settings.Min, settings.Max, -s.carriage.Step
	if towardMax {
		name, read = "away", s.carriage.Sensors.AtAway
		bound, start, delta = settings.Max, settings.Min, s.carriage.Step
	}

	if err := s.model.ResetCounter(axis, start); err != nil {
		return failAxes(err, axis)
	}

	err = s.loop(ctx, op, true, func(iter int) (bool, error) {
		tripped, err := read()
		if err != nil {
			return false, failAxes(fmt.Errorf("%w: %s switch: %v", ErrSensorFault, name, err), axis)
		}
		if tripped {
			if err := s.model.ResetCounter(axis, bound); err != nil {
				return false, failAxes(err, axis)
			}
			if err := s.model.Calibrate(axis); err != nil {
				return false, failAxes(err, axis)
			}
			log.Printf("[Operation] Carriage reached %s at %d after %d iterations", name, bound, iter)
			return true, nil
		}

		entry, err := s.model.Entry(axis)
		if err != nil {
			return false, failAxes(err, axis)
		}
		if entry.Position == bound {
			_ = s.model.Disable(axis)
			return false, failAxes(fmt.Errorf("%w: %s switch never closed", ErrSensorFault, name), axis)
		}
		return false, s.moveBy(ctx, axis, delta)
	})
	if errors.Is(err, errBudget) {
		return failAxes(ErrOperationTimeout, axis)
	}
	return err
}

// sweep walks the carriage across its range. At each carriage position the
// string axes are adjusted until every mapped channel has stayed in band for
// AdjustmentLevel passes in a row; then the carriage advances one SweepStep.
// Too many failed passes at one position, or voices that swing by more than
// VarianceThreshold between passes, trigger a recalibration of the string
// axes.
func (s *Sequencer) sweep(ctx context.Context, op *Operation, reverse bool) error {
	if s.feed == nil {
		return analysis.ErrNoFeed
	}
	carriage := s.carriage.Axis
	zAxes := op.Axes[:len(op.Axes)-1]
	for _, a := range zAxes {
		if a == carriage {
			return failAxes(fmt.Errorf("carriage axis %d is mapped to a channel", carriage), carriage)
		}
	}

	from, to, err := s.sweepRange()
	if err != nil {
		return failAxes(err, carriage)
	}
	step := s.carriage.SweepStep
	if reverse {
		from, to, step = to, from, -step
	}
	if err := s.moveTo(ctx, carriage, from); err != nil {
		return err
	}
	log.Printf("[Operation] Sweep from %d to %d", from, to)

	var (
		passes, attempts int
		lastVoices       []int
	)
	err = s.loop(ctx, op, true, func(iter int) (bool, error) {
		entry, err := s.model.Entry(carriage)
		if err != nil {
			return false, failAxes(err, carriage)
		}
		if (step > 0 && entry.Position >= to) || (step < 0 && entry.Position <= to) {
			return true, nil
		}

		metrics, err := s.measure()
		if err != nil {
			return false, err
		}
		if _, err := s.adjustPass(ctx, op.Channels, metrics); err != nil {
			return false, err
		}
		if !s.skipBump {
			if err := s.bumpCheck(ctx, op, zAxes, false); err != nil {
				return false, err
			}
		}

		variance := 0
		voices := make([]int, len(op.Channels))
		settled := true
		for i, ch := range op.Channels {
			if ch >= len(metrics) {
				settled = false
				continue
			}
			voices[i] = metrics[ch].Voices
			if lastVoices != nil {
				variance += abs(voices[i] - lastVoices[i])
			}
			if s.adjust.band(ch).judge(metrics[ch]) != inBand {
				settled = false
			}
		}
		lastVoices = voices

		if settled {
			passes++
			if passes >= s.carriage.AdjustmentLevel {
				delta := step
				if remain := to - entry.Position; (step > 0 && remain < delta) || (step < 0 && remain > delta) {
					delta = remain
				}
				if err := s.moveBy(ctx, carriage, delta); err != nil {
					return false, err
				}
				passes, attempts = 0, 0
			}
		} else {
			passes = 0
			attempts++
		}

		if attempts >= s.carriage.RetryThreshold || variance > s.carriage.VarianceThreshold {
			log.Printf("[Operation] Sweep recalibrating at carriage %d (attempts %d, variance %d)",
				entry.Position, attempts, variance)
			if err := s.calibrate(ctx, op, zAxes, false, false); err != nil {
				return false, err
			}
			passes, attempts = 0, 0
			lastVoices = nil
		}
		return false, nil
	})
	if errors.Is(err, errBudget) {
		return failAxes(ErrOperationTimeout, op.Axes...)
	}
	return err
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
