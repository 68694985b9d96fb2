package operation

import (
	"context"
	"errors"
	"log"
)

// calibrate runs an approach framed by bump-check passes. The pass before
// frees axes parked on their sensor so the approach starts from clear
// contacts. The pass after, enabled by ReleaseAfterCalibrate, lifts axes off
// the min sensor they just found. Neither pass is charged to op.
func (s *Sequencer) calibrate(ctx context.Context, op *Operation, axes []int, towardMax, counted bool) error {
	if !s.skipBump {
		if err := s.bumpCheck(ctx, op, axes, false); err != nil {
			return err
		}
	}
	if err := s.approach(ctx, op, axes, towardMax, counted); err != nil {
		return err
	}
	if s.release && !s.skipBump && !towardMax {
		return s.bumpCheck(ctx, op, axes, false)
	}
	return nil
}

// approach walks each axis toward one bound until its sensor trips, then
// sets counter and model to that bound exactly.
//
// The counter starts at the opposite bound so that clamping in the
// controller never swallows the approach moves. An axis whose model reaches
// the bound without a trip has a broken sensor: it is disabled and the
// operation fails.
func (s *Sequencer) approach(ctx context.Context, op *Operation, axes []int, towardMax, counted bool) error {
	type target struct {
		axis  int
		bound int32
	}

	var pending []target
	for _, axis := range axes {
		entry, err := s.model.Entry(axis)
		if err != nil {
			return failAxes(err, axis)
		}
		if !entry.Enabled {
			log.Printf("[Operation] Calibrate skipping disabled axis %d", axis)
			continue
		}
		settings, err := s.model.Settings(axis)
		if err != nil {
			return failAxes(err, axis)
		}
		bound, start := settings.Min, settings.Max
		if towardMax {
			bound, start = settings.Max, settings.Min
		}
		if err := s.model.ResetCounter(axis, start); err != nil {
			return failAxes(err, axis)
		}
		pending = append(pending, target{axis: axis, bound: bound})
	}

	delta := -s.step
	if towardMax {
		delta = s.step
	}

	err := s.loop(ctx, op, counted, func(iter int) (bool, error) {
		tripped := make([]bool, len(pending))
		for i, t := range pending {
			active, err := s.readSensor(t.axis)
			if err != nil {
				return false, err
			}
			tripped[i] = active
		}

		next := pending[:0]
		for i, t := range pending {
			if tripped[i] {
				if err := s.model.ResetCounter(t.axis, t.bound); err != nil {
					return false, failAxes(err, t.axis)
				}
				if err := s.model.Calibrate(t.axis); err != nil {
					return false, failAxes(err, t.axis)
				}
				log.Printf("[Operation] Axis %d calibrated at %d after %d iterations", t.axis, t.bound, iter)
				continue
			}

			entry, err := s.model.Entry(t.axis)
			if err != nil {
				return false, failAxes(err, t.axis)
			}
			if entry.Position == t.bound {
				_ = s.model.Disable(t.axis)
				return false, failAxes(ErrSensorFault, t.axis)
			}
			if err := s.moveBy(ctx, t.axis, delta); err != nil {
				return false, err
			}
			next = append(next, t)
		}
		pending = next
		return len(pending) == 0, nil
	})

	if errors.Is(err, errBudget) {
		axes := make([]int, len(pending))
		for i, t := range pending {
			axes[i] = t.axis
		}
		return failAxes(ErrOperationTimeout, axes...)
	}
	return err
}
