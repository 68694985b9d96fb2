package operation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"stringdriver/host/analysis"
)

// Band is the acceptable range of a channel's metrics
type Band struct {
	AmpMin    float64
	AmpMax    float64
	VoicesMin int
	VoicesMax int
}

// DefaultBand applies to channels without their own band
var DefaultBand = Band{AmpMin: 20, AmpMax: 100, VoicesMin: 0, VoicesMax: 12}

// ChannelAxes is the pair of axes that shape one channel
type ChannelAxes struct {
	In  int
	Out int
}

// AdjustConfig maps feed channels onto axes. The channel index of the
// partials feed is the canonical index for adjust requests.
type AdjustConfig struct {
	Channels map[int]ChannelAxes
	Default  Band
	Bands    map[int]Band
}

func (c AdjustConfig) withDefaults() AdjustConfig {
	if c.Default == (Band{}) {
		c.Default = DefaultBand
	}
	return c
}

func (c AdjustConfig) band(channel int) Band {
	if b, ok := c.Bands[channel]; ok {
		return b
	}
	return c.Default
}

// verdict of one channel against its band
type verdict int

const (
	inBand verdict = iota
	tooLoud
	tooQuiet
)

func (b Band) judge(m analysis.ChannelMetrics) verdict {
	switch {
	case m.Amplitude > b.AmpMax || m.Voices > b.VoicesMax:
		return tooLoud
	case m.Amplitude < b.AmpMin || m.Voices < b.VoicesMin:
		return tooQuiet
	}
	return inBand
}

func (s *Sequencer) resolveChannels(channels []int) ([]int, []int, error) {
	if channels == nil {
		for ch := range s.adjust.Channels {
			channels = append(channels, ch)
		}
	}
	if len(channels) == 0 {
		return nil, nil, errors.New("no channels mapped to axes")
	}

	seenCh := make(map[int]bool)
	seenAxis := make(map[int]bool)
	var outCh, axes []int
	for _, ch := range channels {
		pair, ok := s.adjust.Channels[ch]
		if !ok {
			return nil, nil, fmt.Errorf("channel %d is not mapped to axes", ch)
		}
		if seenCh[ch] {
			continue
		}
		seenCh[ch] = true
		outCh = append(outCh, ch)
		for _, a := range []int{pair.In, pair.Out} {
			if _, err := s.model.Entry(a); err != nil {
				return nil, nil, fmt.Errorf("channel %d: %w", ch, err)
			}
			if !seenAxis[a] {
				seenAxis[a] = true
				axes = append(axes, a)
			}
		}
	}
	sort.Ints(outCh)
	sort.Ints(axes)
	return outCh, axes, nil
}

// adjustChannels nudges the axis pair of every out-of-band channel until all
// channels present in the feed are in band. A too-loud channel raises its
// lower axis; a too-quiet one lowers its higher axis.
func (s *Sequencer) adjustChannels(ctx context.Context, op *Operation) error {
	if s.feed == nil {
		return analysis.ErrNoFeed
	}

	if !s.skipBump {
		if err := s.bumpCheck(ctx, op, op.Axes, false); err != nil {
			return err
		}
	}

	err := s.loop(ctx, op, true, func(iter int) (bool, error) {
		metrics, err := s.measure()
		if err != nil {
			return false, err
		}
		moved, err := s.adjustPass(ctx, op.Channels, metrics)
		return !moved, err
	})
	if errors.Is(err, errBudget) {
		return failAxes(ErrOperationTimeout, op.Axes...)
	}
	if err != nil {
		return err
	}

	if !s.skipBump {
		return s.bumpCheck(ctx, op, op.Axes, false)
	}
	return nil
}

func (s *Sequencer) measure() ([]analysis.ChannelMetrics, error) {
	partials, ok := s.feed.Partials()
	if !ok {
		return nil, analysis.ErrNoFeed
	}
	return analysis.MeasureAll(partials), nil
}

// adjustPass moves one axis of every out-of-band channel by one step and
// reports whether anything moved. A pass that moved ends with the lap rest.
// Channels missing from metrics are left alone.
func (s *Sequencer) adjustPass(ctx context.Context, channels []int, metrics []analysis.ChannelMetrics) (bool, error) {
	moved := false
	for _, ch := range channels {
		if ch >= len(metrics) {
			continue
		}
		v := s.adjust.band(ch).judge(metrics[ch])
		if v == inBand {
			continue
		}

		axis, ok, err := s.pickAxis(ch, v)
		if err != nil {
			return moved, err
		}
		if !ok {
			log.Printf("[Operation] Channel %d: both axes disabled, skipping", ch)
			continue
		}
		delta := s.step
		if v == tooQuiet {
			delta = -s.step
		}
		if err := s.moveBy(ctx, axis, delta); err != nil {
			return moved, err
		}
		moved = true
	}
	if moved {
		return true, s.lap(ctx)
	}
	return false, nil
}

// pickAxis chooses which axis of a channel's pair to move. Ties alternate by
// channel parity so neither side of a pair drifts.
func (s *Sequencer) pickAxis(channel int, v verdict) (int, bool, error) {
	pair := s.adjust.Channels[channel]
	in, err := s.model.Entry(pair.In)
	if err != nil {
		return 0, false, failAxes(err, pair.In)
	}
	out, err := s.model.Entry(pair.Out)
	if err != nil {
		return 0, false, failAxes(err, pair.Out)
	}

	switch {
	case !in.Enabled && !out.Enabled:
		return 0, false, nil
	case !in.Enabled:
		return pair.Out, true, nil
	case !out.Enabled:
		return pair.In, true, nil
	}

	even := channel%2 == 0
	if v == tooLoud {
		switch {
		case in.Position < out.Position:
			return pair.In, true, nil
		case out.Position < in.Position:
			return pair.Out, true, nil
		case even:
			return pair.In, true, nil
		default:
			return pair.Out, true, nil
		}
	}

	switch {
	case in.Position > out.Position:
		return pair.In, true, nil
	case out.Position > in.Position:
		return pair.Out, true, nil
	case even:
		return pair.Out, true, nil
	default:
		return pair.In, true, nil
	}
}
