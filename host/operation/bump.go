package operation

import (
	"context"
	"errors"
	"log"
)

// bumpCheck backs every axis that starts out touching its sensor away from
// it, step by step, until the sensor clears. Axes clear on the first read
// are never touched. A cleared axis has its counter re-aligned to just
// above its min bound. Axes that never clear are disabled.
//
// counted charges the iterations to op; adjust runs bump-checks as
// sub-steps with their own budget.
func (s *Sequencer) bumpCheck(ctx context.Context, op *Operation, axes []int, counted bool) error {
	var tracked []int

	err := s.loop(ctx, op, counted, func(iter int) (bool, error) {
		if iter == 1 {
			for _, axis := range axes {
				entry, err := s.model.Entry(axis)
				if err != nil {
					return false, failAxes(err, axis)
				}
				if !entry.Enabled {
					continue
				}
				active, err := s.readSensor(axis)
				if err != nil {
					return false, err
				}
				if active {
					tracked = append(tracked, axis)
				}
			}
			if len(tracked) == 0 {
				return true, nil
			}
			log.Printf("[Operation] Bump-check tracking axes %v", tracked)
			return false, s.stepAway(ctx, tracked)
		}

		// One sensor read per tracked axis, then act on the readings
		still := tracked[:0]
		var cleared []int
		for _, axis := range tracked {
			active, err := s.readSensor(axis)
			if err != nil {
				return false, err
			}
			if active {
				still = append(still, axis)
			} else {
				cleared = append(cleared, axis)
			}
		}
		tracked = still

		for _, axis := range cleared {
			settings, err := s.model.Settings(axis)
			if err != nil {
				return false, failAxes(err, axis)
			}
			if err := s.model.ResetCounter(axis, settings.Min+s.step); err != nil {
				return false, failAxes(err, axis)
			}
		}
		if len(tracked) == 0 {
			return true, nil
		}
		return false, s.stepAway(ctx, tracked)
	})

	if errors.Is(err, errBudget) {
		for _, axis := range tracked {
			_ = s.model.Disable(axis)
		}
		return failAxes(ErrSensorFault, tracked...)
	}
	return err
}

// stepAway raises each axis by one step. An axis already at its max bound
// that still reports contact is disabled as faulty.
func (s *Sequencer) stepAway(ctx context.Context, axes []int) error {
	for _, axis := range axes {
		entry, err := s.model.Entry(axis)
		if err != nil {
			return failAxes(err, axis)
		}
		settings, err := s.model.Settings(axis)
		if err != nil {
			return failAxes(err, axis)
		}
		if entry.Position >= settings.Max {
			_ = s.model.Disable(axis)
			return failAxes(ErrSensorFault, axis)
		}
		if err := s.moveBy(ctx, axis, s.step); err != nil {
			return err
		}
	}
	return nil
}
