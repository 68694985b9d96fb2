package operation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stringdriver/host/analysis"
	"stringdriver/host/board"
	"stringdriver/host/position"
	"stringdriver/host/sim"
	"stringdriver/host/timeutil"
)

const carriageAxis = 4

// newCarriageRig has four string axes in [-100,100] and a carriage on axis 4
// in [0,400]
func newCarriageRig(t *testing.T) *rig {
	t.Helper()
	axes := sim.Axes(5, -100, 100)
	axes[carriageAxis].Min, axes[carriageAxis].Max = 0, 400
	s, err := sim.New(sim.Options{Axes: axes})
	require.NoError(t, err)
	b := board.Attach(s, board.Options{QueryTimeout: time.Second})
	t.Cleanup(func() { b.Close() })

	settings := make([]position.AxisSettings, 5)
	for i := range settings {
		settings[i] = position.AxisSettings{Category: position.CategoryQuick, Min: -100, Max: 100}
	}
	settings[carriageAxis] = position.AxisSettings{Category: position.CategorySlow, Min: 0, Max: 400}
	clock := timeutil.NewMockClock(epoch)
	model, err := position.New(b, position.Config{Axes: settings}, clock)
	require.NoError(t, err)
	return &rig{sim: s, clock: clock, model: model}
}

func carriageConfig(sensors CarriageSensors) Config {
	cfg := adjustConfig()
	cfg.Carriage = CarriageConfig{Axis: carriageAxis, Sensors: sensors}
	return cfg
}

func TestHomeResetsToMin(t *testing.T) {
	r := newCarriageRig(t)
	seq := r.sequencer(r.sim, nil, nil, carriageConfig(r.sim.Carriage(carriageAxis, -200, 1000)))

	op, err := seq.Run(context.Background(), Request{Kind: KindHome})
	require.NoError(t, err)
	assert.Equal(t, []int{carriageAxis}, op.Axes)
	assert.Equal(t, 21, op.Iterations)

	entry, err := r.model.Entry(carriageAxis)
	require.NoError(t, err)
	assert.Equal(t, position.Entry{Position: 0, Calibrated: true, Enabled: true}, entry)
	assert.Equal(t, int32(-200), r.sim.Physical(carriageAxis))
	assert.Equal(t, int32(0), r.sim.Counters()[carriageAxis])
}

func TestHomeSwitchNeverClosesDisablesCarriage(t *testing.T) {
	r := newCarriageRig(t)
	seq := r.sequencer(r.sim, nil, nil, carriageConfig(r.sim.Carriage(carriageAxis, -1000, 1000)))

	op, err := seq.Run(context.Background(), Request{Kind: KindHome})
	require.ErrorIs(t, err, ErrSensorFault)
	assert.Equal(t, 41, op.Iterations)

	var opErr *Error
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, []int{carriageAxis}, opErr.Axes)

	entry, _ := r.model.Entry(carriageAxis)
	assert.False(t, entry.Enabled)
	assert.Equal(t, int32(0), entry.Position)
}

func TestCarriageCalibrateHomesThenGoesAway(t *testing.T) {
	r := newCarriageRig(t)
	seq := r.sequencer(r.sim, nil, nil, carriageConfig(r.sim.Carriage(carriageAxis, -200, 150)))

	op, err := seq.Run(context.Background(), Request{Kind: KindCarriageCalibrate})
	require.NoError(t, err)
	assert.Equal(t, 21+36, op.Iterations)

	entry, err := r.model.Entry(carriageAxis)
	require.NoError(t, err)
	assert.Equal(t, position.Entry{Position: 400, Calibrated: true, Enabled: true}, entry)
	assert.Equal(t, int32(150), r.sim.Physical(carriageAxis))
}

func TestAwayBudgetExhausted(t *testing.T) {
	r := newCarriageRig(t)
	cfg := carriageConfig(r.sim.Carriage(carriageAxis, -1000, 1000))
	cfg.Carriage.Budget = 5
	seq := r.sequencer(r.sim, nil, nil, cfg)

	op, err := seq.Run(context.Background(), Request{Kind: KindAway})
	require.ErrorIs(t, err, ErrOperationTimeout)
	assert.Equal(t, 5, op.Iterations)

	entry, _ := r.model.Entry(carriageAxis)
	assert.True(t, entry.Enabled)
	assert.Equal(t, int32(50), entry.Position)
}

func TestCarriageCalibrateSharesBudget(t *testing.T) {
	r := newCarriageRig(t)
	cfg := carriageConfig(r.sim.Carriage(carriageAxis, -200, 150))
	cfg.Carriage.Budget = 25
	seq := r.sequencer(r.sim, nil, nil, cfg)

	op, err := seq.Run(context.Background(), Request{Kind: KindCarriageCalibrate})
	require.ErrorIs(t, err, ErrOperationTimeout)
	assert.Equal(t, 25, op.Iterations, "home used 21, away ran out after 4")
	assert.Equal(t, 25, op.Budget)
}

func TestCarriageOperationsNeedCarriage(t *testing.T) {
	r := newRig(t, 4)
	seq := r.sequencer(r.sim, &scriptFeed{}, nil, adjustConfig())
	ctx := context.Background()

	for _, kind := range []Kind{KindHome, KindAway, KindCarriageCalibrate, KindSweep} {
		_, err := seq.Start(ctx, Request{Kind: kind})
		assert.ErrorIs(t, err, ErrNoCarriage, "%s", kind)
	}
	assert.False(t, seq.Running())
}

func inBandFeed() *scriptFeed {
	return &scriptFeed{snaps: []analysis.Channels{{amp(50), amp(50)}}}
}

func TestSweepAdvancesOnSettledChannels(t *testing.T) {
	tests := []struct {
		name    string
		reverse bool
		want    int32
	}{
		{"left to right", false, 300},
		{"right to left", true, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newCarriageRig(t)
			cfg := carriageConfig(r.sim.Carriage(carriageAxis, -1000, 1000))
			cfg.Carriage.SweepStep = 50
			cfg.Carriage.AdjustmentLevel = 2
			seq := r.sequencer(r.sim, inBandFeed(), nil, cfg)

			op, err := seq.Run(context.Background(), Request{Kind: KindSweep, Reverse: tt.reverse})
			require.NoError(t, err)
			assert.Equal(t, []int{0, 1, 2, 3, carriageAxis}, op.Axes)
			// Four advances of two passes each, then the pass that sees the finish
			assert.Equal(t, 9, op.Iterations)
			assert.Equal(t, []int32{0, 0, 0, 0, tt.want}, r.model.Positions())
			assert.Equal(t, tt.want, r.sim.Physical(carriageAxis))
		})
	}
}

func TestSweepClampsLastAdvance(t *testing.T) {
	r := newCarriageRig(t)
	cfg := carriageConfig(r.sim.Carriage(carriageAxis, -1000, 1000))
	cfg.Carriage.Start, cfg.Carriage.Finish = 50, 120
	cfg.Carriage.SweepStep = 50
	cfg.Carriage.AdjustmentLevel = 1
	seq := r.sequencer(r.sim, inBandFeed(), nil, cfg)

	op, err := seq.Run(context.Background(), Request{Kind: KindSweep})
	require.NoError(t, err)
	assert.Equal(t, 3, op.Iterations)
	assert.Equal(t, int32(120), r.model.Positions()[carriageAxis])
}

func TestSweepRecalibratesAfterRetryThreshold(t *testing.T) {
	r := newCarriageRig(t)
	for axis := 0; axis < 4; axis++ {
		r.sim.SetContact(axis, -20)
	}
	loud := analysis.Channels{amp(500), amp(50)}
	feed := &scriptFeed{snaps: []analysis.Channels{loud, loud, loud, {amp(50), amp(50)}}}
	cfg := carriageConfig(r.sim.Carriage(carriageAxis, -1000, 1000))
	cfg.Carriage.SweepStep = 200
	cfg.Carriage.AdjustmentLevel = 1
	cfg.Carriage.RetryThreshold = 3
	seq := r.sequencer(r.sim, feed, nil, cfg)

	op, err := seq.Run(context.Background(), Request{Kind: KindSweep})
	require.NoError(t, err)
	assert.Equal(t, 5, op.Iterations)

	// Recalibrated, then lifted off the sensors by the next pass's bump-check
	for axis := 0; axis < 4; axis++ {
		entry, err := r.model.Entry(axis)
		require.NoError(t, err)
		assert.Equal(t, position.Entry{Position: -98, Calibrated: true, Enabled: true}, entry, "axis %d", axis)
	}
	assert.Equal(t, int32(300), r.model.Positions()[carriageAxis])
}

func voices(n int) []analysis.Partial {
	out := make([]analysis.Partial, n)
	for i := range out {
		out[i] = analysis.Partial{Freq: float32(110 * (i + 1)), Amp: 5}
	}
	return out
}

func TestSweepRecalibratesOnVoiceVariance(t *testing.T) {
	r := newCarriageRig(t)
	for axis := 0; axis < 4; axis++ {
		r.sim.SetContact(axis, -20)
	}
	feed := &scriptFeed{snaps: []analysis.Channels{
		{amp(50), amp(50)},
		{voices(10), amp(50)},
	}}
	cfg := carriageConfig(r.sim.Carriage(carriageAxis, -1000, 1000))
	cfg.Carriage.SweepStep = 200
	cfg.Carriage.AdjustmentLevel = 2
	cfg.Carriage.VarianceThreshold = 3
	seq := r.sequencer(r.sim, feed, nil, cfg)

	op, err := seq.Run(context.Background(), Request{Kind: KindSweep})
	require.NoError(t, err)
	assert.Equal(t, 3, op.Iterations)

	entry, err := r.model.Entry(0)
	require.NoError(t, err)
	assert.True(t, entry.Calibrated)
	assert.Equal(t, int32(-100), entry.Position)
}

func TestSweepLapRestAfterCorrection(t *testing.T) {
	// No sleep of the lap length happens without a correction
	r0 := newCarriageRig(t)
	cfg0 := carriageConfig(r0.sim.Carriage(carriageAxis, -1000, 1000))
	cfg0.Carriage.SweepStep = 200
	cfg0.Carriage.AdjustmentLevel = 1
	_, err := r0.sequencer(r0.sim, inBandFeed(), nil, cfg0).Run(context.Background(), Request{Kind: KindSweep})
	require.NoError(t, err)
	assert.NotContains(t, r0.clock.Sleeps(), DefaultLapRest)

	r := newCarriageRig(t)
	feed := &scriptFeed{snaps: []analysis.Channels{
		{amp(500), amp(50)},
		{amp(50), amp(50)},
	}}
	cfg := carriageConfig(r.sim.Carriage(carriageAxis, -1000, 1000))
	cfg.Carriage.SweepStep = 200
	cfg.Carriage.AdjustmentLevel = 1
	seq := r.sequencer(r.sim, feed, nil, cfg)

	_, err = seq.Run(context.Background(), Request{Kind: KindSweep})
	require.NoError(t, err)
	assert.Contains(t, r.clock.Sleeps(), DefaultLapRest)
	assert.Equal(t, int32(2), r.model.Positions()[0])
}

func TestSweepWithoutFeedFails(t *testing.T) {
	r := newCarriageRig(t)
	seq := r.sequencer(r.sim, nil, nil, carriageConfig(r.sim.Carriage(carriageAxis, -1000, 1000)))

	_, err := seq.Run(context.Background(), Request{Kind: KindSweep})
	assert.ErrorIs(t, err, analysis.ErrNoFeed)
}
