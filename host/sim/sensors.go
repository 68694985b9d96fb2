package sim

import "fmt"

// The host-side contact sensor of an axis is active while the shaft sits at
// or below its contact point, like a finger resting on a string. Tests can
// also pin a sensor in either state to model a fault.

// SetContact places the contact point of an axis in physical steps
func (s *Simulator) SetContact(axis int, at int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contact[axis] = at
}

// SetStuck pins the contact sensor of an axis to a fixed reading
func (s *Simulator) SetStuck(axis int, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stuck[axis] = &active
}

// ClearStuck returns the contact sensor to its position-driven reading
func (s *Simulator) ClearStuck(axis int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stuck[axis] = nil
}

// Active reports whether the contact sensor of an axis is asserted
func (s *Simulator) Active(axis int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if axis < 0 || axis >= len(s.contact) {
		return false, fmt.Errorf("sim: no sensor for axis %d", axis)
	}
	if s.stuck[axis] != nil {
		return *s.stuck[axis], nil
	}
	return s.backends[axis].physical <= s.contact[axis], nil
}

// Carriage models the end-of-travel switches of a carriage axis. The home
// switch closes at or below home, the away switch at or above away.
type Carriage struct {
	sim        *Simulator
	axis       int
	home, away int32
}

// Carriage returns the switches of a carriage riding on axis
func (s *Simulator) Carriage(axis int, home, away int32) *Carriage {
	return &Carriage{sim: s, axis: axis, home: home, away: away}
}

func (c *Carriage) physical() (int32, error) {
	c.sim.mu.Lock()
	defer c.sim.mu.Unlock()
	if c.axis < 0 || c.axis >= len(c.sim.backends) {
		return 0, fmt.Errorf("sim: no carriage on axis %d", c.axis)
	}
	return c.sim.backends[c.axis].physical, nil
}

// AtHome reports whether the home switch is closed
func (c *Carriage) AtHome() (bool, error) {
	p, err := c.physical()
	return err == nil && p <= c.home, err
}

// AtAway reports whether the away switch is closed
func (c *Carriage) AtAway() (bool, error) {
	p, err := c.physical()
	return err == nil && p >= c.away, err
}
