package core

// LimitState is one sample of an axis' two limit sensors
type LimitState struct {
	Increase bool
	Decrease bool
}

// Active reports whether either sensor is asserted
func (s LimitState) Active() bool {
	return s.Increase || s.Decrease
}

// readLimits samples the axis sensors. Inputs are active-low: a sensor pulls
// its pin to ground when triggered, and an unconnected pin reads inactive.
func (a *Axis) readLimits() LimitState {
	var s LimitState
	if a.cfg.IncreasePin != NoPin {
		s.Increase = !a.gpio.ReadPin(a.cfg.IncreasePin)
	}
	if a.cfg.DecreasePin != NoPin {
		s.Decrease = !a.gpio.ReadPin(a.cfg.DecreasePin)
	}
	return s
}

// applyLimits lets the sensors override the host target for this cycle.
// Motion that a sensor started is stopped as soon as both sensors clear;
// host-issued motion is left alone.
// It returns true when the sensors stopped the axis.
func (a *Axis) applyLimits(s LimitState, now uint32) bool {
	switch {
	case s.Increase && s.Decrease:
		// Contradictory request; hold still
		moving := a.State == AxisMoving
		a.Stop()
		return moving
	case s.Increase:
		a.MoveTo(int64(a.Max), now)
		a.overridden = true
	case s.Decrease:
		a.MoveTo(int64(a.Min), now)
		a.overridden = true
	default:
		if a.overridden {
			a.Stop()
			return true
		}
	}
	return false
}
