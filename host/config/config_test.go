package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stringdriver/host/operation"
	"stringdriver/host/position"
	"stringdriver/protocol"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stringdriver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, protocol.Baud, cfg.Serial.Baud)
	assert.Len(t, cfg.Axes, 5)
	assert.Equal(t, "tuning", cfg.Axes[4].Category)
	assert.Equal(t, operation.DefaultBudget, cfg.Operation.Budget)
	assert.Equal(t, 1.0, cfg.Motion.Rest["quick"])
	assert.Empty(t, cfg.SensorLines())
}

func TestLoadFileAndHostBlock(t *testing.T) {
	path := writeFile(t, `
serial:
  device: /dev/ttyUSB3
axes:
  - name: a
    category: slow
    min: -50
    max: 50
    sensorLine: 17
  - name: b
    min: 0
    max: 400
motion:
  rest:
    slow: 2.5
operation:
  channels:
    - channel: 0
      in: 0
      out: 1
hosts:
  bench:
    serial:
      device: /dev/ttyACM7
    operation:
      budget: 12
`)

	cfg, err := LoadFor(path, "bench")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM7", cfg.Serial.Device)
	assert.Equal(t, protocol.Baud, cfg.Serial.Baud, "unset keys keep defaults")
	assert.Equal(t, 12, cfg.Operation.Budget)
	require.Len(t, cfg.Axes, 2)
	assert.Equal(t, map[int]int{0: 17}, cfg.SensorLines())
	assert.Equal(t, 2.5, cfg.Motion.Rest["slow"])
	assert.Equal(t, 1.0, cfg.Motion.Rest["quick"], "rest map merges with defaults")

	other, err := LoadFor(path, "studio")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB3", other.Serial.Device)
	assert.Equal(t, operation.DefaultBudget, other.Operation.Budget)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFor(filepath.Join(t.TempDir(), "absent.yaml"), "")
	assert.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeFile(t, `
axes:
  - min: 10
    max: -10
`)
	_, err := LoadFor(path, "")
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STRINGDRIVER_PORT", "/dev/ttyACM9")
	t.Setenv("STRINGDRIVER_BAUD", "57600")
	t.Setenv("STRINGDRIVER_LOG_FILE", "/var/log/sd.log")
	t.Setenv("STRINGDRIVER_DB", "/tmp/sd.db")
	t.Setenv("STRINGDRIVER_PARTIALS", "/tmp/feed")

	cfg, err := LoadFor("", "")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM9", cfg.Serial.Device)
	assert.Equal(t, 57600, cfg.Serial.Baud)
	assert.Equal(t, "/var/log/sd.log", cfg.LogFile)
	assert.Equal(t, "/tmp/sd.db", cfg.Database)
	assert.Equal(t, "/tmp/feed", cfg.Partials.Dir)
}

func TestEnvBadBaudIgnored(t *testing.T) {
	t.Setenv("STRINGDRIVER_BAUD", "fast")

	cfg, err := LoadFor("", "")
	require.NoError(t, err)
	assert.Equal(t, protocol.Baud, cfg.Serial.Baud)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero baud", func(c *Config) { c.Serial.Baud = 0 }},
		{"no axes", func(c *Config) { c.Axes = nil; c.Operation.Channels = nil }},
		{"unknown category", func(c *Config) { c.Axes[0].Category = "glacial" }},
		{"negative rest", func(c *Config) { c.Motion.Rest["quick"] = -1 }},
		{"zero budget", func(c *Config) { c.Operation.Budget = 0 }},
		{"zero step", func(c *Config) { c.Operation.Step = 0 }},
		{"inverted band", func(c *Config) { c.Operation.Band.AmpMin = 200 }},
		{"duplicate channel", func(c *Config) {
			c.Operation.Channels = append(c.Operation.Channels, ChannelConfig{Channel: 0, In: 2, Out: 3})
		}},
		{"channel axis out of range", func(c *Config) { c.Operation.Channels[0].Out = 9 }},
		{"bound beyond report range", func(c *Config) { c.Axes[4].Max = 40000 }},
		{"bound below report range", func(c *Config) { c.Axes[4].Min = -32769 }},
		{"carriage axis out of range", func(c *Config) { c.Carriage.Axis = intPtr(7) }},
		{"carriage sweep outside bounds", func(c *Config) {
			c.Carriage.Axis = intPtr(4)
			c.Carriage.Start, c.Carriage.Finish = 0, 5000
		}},
		{"inverted carriage sweep", func(c *Config) {
			c.Carriage.Axis = intPtr(4)
			c.Carriage.Start, c.Carriage.Finish = 100, 50
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func intPtr(v int) *int { return &v }

func TestReportRangeEdgesAreValid(t *testing.T) {
	cfg := Default()
	cfg.Axes[4].Min, cfg.Axes[4].Max = -32768, 32767
	assert.NoError(t, cfg.Validate())
}

type fakeSwitches struct{}

func (fakeSwitches) AtHome() (bool, error) { return false, nil }
func (fakeSwitches) AtAway() (bool, error) { return false, nil }

func TestCarriageSettings(t *testing.T) {
	cfg := Default()
	_, ok := cfg.CarriageSettings(fakeSwitches{})
	assert.False(t, ok)

	cfg.Carriage.Axis = intPtr(4)
	cfg.Carriage.Start, cfg.Carriage.Finish = -1000, 1000
	require.NoError(t, cfg.Validate())

	cc, ok := cfg.CarriageSettings(fakeSwitches{})
	require.True(t, ok)
	assert.Equal(t, 4, cc.Axis)
	assert.Equal(t, fakeSwitches{}, cc.Sensors)
	assert.Equal(t, int32(-1000), cc.Start)
	assert.Equal(t, int32(operation.DefaultCarriageStep), cc.Step)
	assert.Equal(t, operation.DefaultAdjustmentLevel, cc.AdjustmentLevel)
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Axes[1].Category = "tuning"
	cfg.Axes[1].Speed = 250
	cfg.Operation.Channels[1].Band = &BandConfig{AmpMin: 5, AmpMax: 40, VoicesMax: 6}

	pc := cfg.Position()
	assert.Equal(t, time.Second, pc.Rest[position.CategoryQuick])
	assert.Equal(t, 5*time.Second, pc.Rest[position.CategorySlow])
	assert.Equal(t, position.DefaultSettle, pc.Settle)
	assert.Equal(t, position.CategoryTuning, pc.Axes[1].Category)
	assert.Equal(t, float32(250), pc.Axes[1].Speed)

	oc := cfg.Sequencer()
	assert.Equal(t, operation.ChannelAxes{In: 2, Out: 3}, oc.Adjust.Channels[1])
	assert.Equal(t, operation.DefaultBand, oc.Adjust.Default)
	assert.Equal(t, operation.Band{AmpMin: 5, AmpMax: 40, VoicesMax: 6}, oc.Adjust.Bands[1])
	assert.Equal(t, operation.DefaultLapRest, oc.LapRest)
	assert.True(t, oc.ReleaseAfterCalibrate)
	assert.Equal(t, position.DefaultMoveTimeout, pc.MoveTimeout)

	cfg.Operation.LapRestMs = 0
	assert.Negative(t, int64(cfg.Sequencer().LapRest), "zero disables the lap rest")

	so := cfg.Simulator()
	require.Len(t, so.Axes, 5)
	assert.Equal(t, int32(-100), so.Axes[0].Min)
	assert.Equal(t, float32(250), so.Axes[1].Speed)

	sp := cfg.SerialPort()
	assert.Equal(t, 100*time.Millisecond, sp.ReadTimeout)
	assert.Equal(t, 2*time.Second, cfg.BoardOptions().ResetDelay)
}
