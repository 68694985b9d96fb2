// Package analysis holds the read-only partials feed produced by the audio
// monitor and the per-channel metrics the adjust operation steers by.
//
// Channels are indexed by audio input. Their count comes from the feed and
// is never assumed to match the number of axes.
package analysis

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
)

// Partial is one spectral peak
type Partial struct {
	Freq float32
	Amp  float32
}

// Channels is one snapshot of the feed, indexed by channel
type Channels [][]Partial

// ChannelMetrics summarises one channel
type ChannelMetrics struct {
	Voices    int     // partials with non-zero amplitude
	Amplitude float64 // sum of amplitudes
}

// Measure computes the metrics of one channel
func Measure(partials []Partial) ChannelMetrics {
	amps := make([]float64, len(partials))
	var m ChannelMetrics
	for i, p := range partials {
		amps[i] = float64(p.Amp)
		if p.Amp > 0 {
			m.Voices++
		}
	}
	if len(amps) > 0 {
		m.Amplitude = floats.Sum(amps)
	}
	return m
}

// MeasureAll computes the metrics of every channel
func MeasureAll(c Channels) []ChannelMetrics {
	out := make([]ChannelMetrics, len(c))
	for i, ch := range c {
		out[i] = Measure(ch)
	}
	return out
}

// Source supplies the latest feed snapshot. ok is false until the feed has
// produced data.
type Source interface {
	Partials() (c Channels, ok bool)
}

// Slot holds the most recent snapshot for concurrent readers
type Slot struct {
	mu      sync.RWMutex
	data    Channels
	updated time.Time
	valid   bool
}

// Store replaces the snapshot. The slot keeps its own copy.
func (s *Slot) Store(c Channels, at time.Time) {
	cp := clone(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = cp
	s.updated = at
	s.valid = true
}

// Partials returns a copy of the snapshot without consuming it
func (s *Slot) Partials() (Channels, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.valid {
		return nil, false
	}
	return clone(s.data), true
}

// Updated returns when the snapshot was last stored
func (s *Slot) Updated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}

func clone(c Channels) Channels {
	out := make(Channels, len(c))
	for i, ch := range c {
		out[i] = append([]Partial(nil), ch...)
	}
	return out
}
