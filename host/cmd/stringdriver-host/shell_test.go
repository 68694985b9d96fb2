package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stringdriver/host/config"
	"stringdriver/host/timeutil"
)

// syncBuffer is written by the shell and its operation goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestShell(t *testing.T) (*shell, *syncBuffer, *app) {
	t.Helper()
	return newTestShellWith(t, nil)
}

func newTestShellWith(t *testing.T, mutate func(cfg *config.Config)) (*shell, *syncBuffer, *app) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	dir := t.TempDir()
	cfg.Database = filepath.Join(dir, "history.db")
	cfg.Partials.Dir = dir

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	a, err := build(ctx, cfg, true, clock)
	require.NoError(t, err)
	t.Cleanup(a.close)

	out := &syncBuffer{}
	return newShell(a, out), out, a
}

func TestShellMovesAndReports(t *testing.T) {
	sh, out, a := newTestShell(t)
	ctx := context.Background()

	assert.False(t, sh.exec(ctx, "move 0 30"))
	assert.False(t, sh.exec(ctx, "rmove 1 -12"))
	sh.exec(ctx, "pos")

	assert.Equal(t, []int32{30, -12, 0, 0, 0}, a.model.Positions())
	assert.Contains(t, out.String(), "counter     30  model     30")
	assert.NotContains(t, out.String(), "Error")
}

func TestShellCounterCommands(t *testing.T) {
	sh, out, a := newTestShell(t)
	ctx := context.Background()

	sh.exec(ctx, "setpos 2 40")
	sh.exec(ctx, "model 3 7")
	assert.Equal(t, []int32{0, 0, 40, 7, 0}, a.model.Positions())
	assert.Equal(t, int32(0), a.sim.Physical(2))

	sh.exec(ctx, "zero 2")
	sh.exec(ctx, "cal")
	assert.Equal(t, []int32{0, 0, 0, 0, 0}, a.model.Positions())

	sh.exec(ctx, "disable 1")
	sh.exec(ctx, "move 1 5")
	assert.Contains(t, out.String(), "axis disabled")
}

func TestShellRunsOperationAndRecordsHistory(t *testing.T) {
	sh, out, a := newTestShell(t)
	ctx := context.Background()

	sh.exec(ctx, "calibrate 0")
	sh.wg.Wait()
	assert.Contains(t, out.String(), "calibrate")
	assert.Contains(t, out.String(), "succeeded")

	// Calibrated at -100, then released one step off the sensor
	entry, err := a.model.Entry(0)
	require.NoError(t, err)
	assert.Equal(t, int32(-98), entry.Position)
	assert.True(t, entry.Calibrated)

	sh.exec(ctx, "history")
	assert.Contains(t, out.String(), "succeeded")

	ops, err := a.history.List(0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, []int32{-98, 0, 0, 0, 0}, ops[0].LastPositions)
}

func TestShellRefusesModelCommandsWhileLocked(t *testing.T) {
	sh, out, a := newTestShell(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- a.sequencer.Exclusive(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	for _, line := range []string{"setpos 0 5", "model 0 5", "zero", "cal", "enable 0", "disable 0", "move 0 5", "rmove 0 5"} {
		sh.exec(ctx, line)
	}
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, 8, strings.Count(out.String(), "operation already running"))
	assert.Equal(t, []int32{0, 0, 0, 0, 0}, a.model.Positions())
	assert.Equal(t, int32(0), a.sim.Physical(0))
	entry, _ := a.model.Entry(0)
	assert.True(t, entry.Enabled)

	sh.exec(ctx, "setpos 0 5")
	assert.Equal(t, int32(5), a.model.Positions()[0])
}

func TestShellCarriageCommands(t *testing.T) {
	sh, out, a := newTestShellWith(t, func(cfg *config.Config) {
		axis := 4
		cfg.Carriage.Axis = &axis
		cfg.Axes[4].Min, cfg.Axes[4].Max = -100, 100
	})
	ctx := context.Background()

	sh.exec(ctx, "home")
	sh.wg.Wait()
	assert.Contains(t, out.String(), "home")
	assert.Contains(t, out.String(), "succeeded")

	entry, err := a.model.Entry(4)
	require.NoError(t, err)
	assert.Equal(t, int32(-100), entry.Position)
	assert.True(t, entry.Calibrated)
	assert.Equal(t, int32(-100), a.sim.Physical(4))
}

func TestShellCarriageCommandsNeedCarriage(t *testing.T) {
	sh, out, _ := newTestShell(t)

	sh.exec(context.Background(), "sweep rev")
	assert.Contains(t, out.String(), "no carriage configured")
}

func TestShellAdjustWithoutFeedFails(t *testing.T) {
	sh, out, _ := newTestShell(t)
	ctx := context.Background()

	sh.exec(ctx, "adjust 0")
	sh.wg.Wait()
	assert.Contains(t, out.String(), "partials feed not available")
}

func TestShellBadInput(t *testing.T) {
	sh, out, _ := newTestShell(t)
	ctx := context.Background()

	sh.exec(ctx, "move 0")
	sh.exec(ctx, "bump x")
	sh.exec(ctx, "frobnicate")
	sh.exec(ctx, "stop")

	text := out.String()
	assert.Contains(t, text, "expected <axis> <value>")
	assert.Contains(t, text, `bad number "x"`)
	assert.Contains(t, text, "Unknown command: frobnicate")
	assert.Contains(t, text, "No operation running")
}

func TestShellRunQuits(t *testing.T) {
	sh, out, _ := newTestShell(t)

	err := sh.run(context.Background(), strings.NewReader("help\nstatus\nquit\nmove 0 10\n"))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Available commands")
	assert.Contains(t, out.String(), "Goodbye!")
	assert.NotContains(t, out.String(), "model     10")
}
