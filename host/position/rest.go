package position

import (
	"context"
	"sync"
	"time"

	"stringdriver/host/timeutil"
)

// Category groups axes that share a rest interval
type Category string

const (
	CategoryQuick  Category = "quick"
	CategorySlow   Category = "slow"
	CategoryTuning Category = "tuning"
)

// Default rest intervals
const (
	DefaultQuickRest  = 1 * time.Second
	DefaultSlowRest   = 5 * time.Second
	DefaultTuningRest = 5 * time.Second
)

// DefaultRest returns the documented interval table
func DefaultRest() map[Category]time.Duration {
	return map[Category]time.Duration{
		CategoryQuick:  DefaultQuickRest,
		CategorySlow:   DefaultSlowRest,
		CategoryTuning: DefaultTuningRest,
	}
}

// categoryGate serializes every wire exchange of one category and holds its
// last motion timestamp
type categoryGate struct {
	sync.Mutex
	interval time.Duration
	last     time.Time
}

// RestPolicy enforces a minimum interval between motion commands within a
// category
type RestPolicy struct {
	mu        sync.Mutex
	clock     timeutil.Clock
	intervals map[Category]time.Duration
	gates     map[Category]*categoryGate
}

// NewRestPolicy builds a policy. Categories missing from intervals use the
// slow interval.
func NewRestPolicy(intervals map[Category]time.Duration, clock timeutil.Clock) *RestPolicy {
	p := &RestPolicy{
		clock:     clock,
		intervals: make(map[Category]time.Duration),
		gates:     make(map[Category]*categoryGate),
	}
	for c, d := range DefaultRest() {
		p.intervals[c] = d
	}
	for c, d := range intervals {
		p.intervals[c] = d
	}
	return p
}

// Interval returns the rest interval of a category
func (p *RestPolicy) Interval(c Category) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.intervals[c]; ok {
		return d
	}
	return p.intervals[CategorySlow]
}

// gate returns the locked gate of a category. The caller unlocks it.
func (p *RestPolicy) gate(c Category) *categoryGate {
	interval := p.Interval(c)

	p.mu.Lock()
	g, ok := p.gates[c]
	if !ok {
		g = &categoryGate{interval: interval}
		p.gates[c] = g
	}
	p.mu.Unlock()

	g.Lock()
	return g
}

// wait blocks until the gate's interval has elapsed since its last motion.
// Only this wait honours ctx.
func (p *RestPolicy) wait(ctx context.Context, g *categoryGate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.last.IsZero() {
		return nil
	}
	remaining := g.interval - p.clock.Since(g.last)
	if remaining <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.clock.After(remaining):
		return nil
	}
}

// mark records a motion command emitted now
func (p *RestPolicy) mark(g *categoryGate) {
	g.last = p.clock.Now()
}

// Last returns when the category last emitted a motion command
func (p *RestPolicy) Last(c Category) time.Time {
	g := p.gate(c)
	defer g.Unlock()
	return g.last
}
