// Package config loads the host configuration: compiled-in defaults, then a
// YAML file, then the file's block for this host, then environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"stringdriver/core"
	"stringdriver/host/analysis"
	"stringdriver/host/board"
	"stringdriver/host/operation"
	"stringdriver/host/position"
	"stringdriver/host/serial"
	"stringdriver/host/sim"
	"stringdriver/protocol"
)

// Config is the complete host configuration
type Config struct {
	Serial    SerialConfig    `yaml:"serial"`
	Motion    MotionConfig    `yaml:"motion"`
	Axes      []AxisConfig    `yaml:"axes"`
	Sensors   SensorConfig    `yaml:"sensors"`
	Operation OperationConfig `yaml:"operation"`
	Carriage  CarriageConfig  `yaml:"carriage"`
	Partials  PartialsConfig  `yaml:"partials"`
	LogFile   string          `yaml:"logFile"`
	Database  string          `yaml:"database"`
}

// SerialConfig holds controller link settings
type SerialConfig struct {
	Device         string `yaml:"device"`
	Baud           int    `yaml:"baud"`
	ReadTimeoutMs  int    `yaml:"readTimeoutMs"`
	ResetDelayMs   int    `yaml:"resetDelayMs"`
	QueryTimeoutMs int    `yaml:"queryTimeoutMs"`
}

// MotionConfig holds rest gating and settle delays
type MotionConfig struct {
	// Rest interval per category, in seconds
	Rest          map[string]float64 `yaml:"rest"`
	SettleMs      int                `yaml:"settleMs"`
	ResetSettleMs int                `yaml:"resetSettleMs"`
	MoveTimeoutMs int                `yaml:"moveTimeoutMs"`
	Microstep     int32              `yaml:"microstep"`
}

// AxisConfig describes one axis
type AxisConfig struct {
	Name         string  `yaml:"name"`
	Category     string  `yaml:"category"`
	Min          int32   `yaml:"min"`
	Max          int32   `yaml:"max"`
	Speed        float32 `yaml:"speed"`
	Acceleration float32 `yaml:"acceleration"`

	// Sysfs GPIO line of the contact sensor, unset for none
	SensorLine *int `yaml:"sensorLine,omitempty"`
}

// SensorConfig selects where contact sensors are read
type SensorConfig struct {
	Root string `yaml:"root"`
}

// OperationConfig tunes the sequencer
type OperationConfig struct {
	Budget                int             `yaml:"budget"`
	Step                  int32           `yaml:"step"`
	SkipBumpCheck         bool            `yaml:"skipBumpCheck"`
	ReleaseAfterCalibrate bool            `yaml:"releaseAfterCalibrate"`
	LapRestMs             int             `yaml:"lapRestMs"`
	Band                  BandConfig      `yaml:"band"`
	Channels              []ChannelConfig `yaml:"channels"`
}

// CarriageConfig describes the carriage axis and its end-of-travel
// switches. Axis unset means the rig has no carriage.
type CarriageConfig struct {
	Axis     *int `yaml:"axis,omitempty"`
	HomeLine int  `yaml:"homeLine"`
	AwayLine int  `yaml:"awayLine"`

	Step   int32 `yaml:"step"`
	Budget int   `yaml:"budget"`

	Start             int32 `yaml:"start"`
	Finish            int32 `yaml:"finish"`
	SweepStep         int32 `yaml:"sweepStep"`
	AdjustmentLevel   int   `yaml:"adjustmentLevel"`
	RetryThreshold    int   `yaml:"retryThreshold"`
	VarianceThreshold int   `yaml:"varianceThreshold"`
}

// BandConfig is the in-band range of a channel's metrics
type BandConfig struct {
	AmpMin    float64 `yaml:"ampMin"`
	AmpMax    float64 `yaml:"ampMax"`
	VoicesMin int     `yaml:"voicesMin"`
	VoicesMax int     `yaml:"voicesMax"`
}

// ChannelConfig maps a feed channel onto its axis pair
type ChannelConfig struct {
	Channel int         `yaml:"channel"`
	In      int         `yaml:"in"`
	Out     int         `yaml:"out"`
	Band    *BandConfig `yaml:"band,omitempty"`
}

// PartialsConfig locates the partials feed
type PartialsConfig struct {
	Dir      string `yaml:"dir"`
	Channels int    `yaml:"channels"`
	PollMs   int    `yaml:"pollMs"`
}

// Default returns the built-in configuration: four string axes and a
// tuning axis on the first controller port, matching the Pico pin table.
func Default() *Config {
	cfg := &Config{
		Serial: SerialConfig{
			Device:         "/dev/ttyACM0",
			Baud:           protocol.Baud,
			ReadTimeoutMs:  100,
			ResetDelayMs:   int(board.DefaultResetDelay / time.Millisecond),
			QueryTimeoutMs: int(board.DefaultQueryTimeout / time.Millisecond),
		},
		Motion: MotionConfig{
			Rest: map[string]float64{
				string(position.CategoryQuick):  1.0,
				string(position.CategorySlow):   5.0,
				string(position.CategoryTuning): 5.0,
			},
			SettleMs:      int(position.DefaultSettle / time.Millisecond),
			ResetSettleMs: int(position.DefaultResetSettle / time.Millisecond),
			MoveTimeoutMs: int(position.DefaultMoveTimeout / time.Millisecond),
		},
		Operation: OperationConfig{
			Budget:                operation.DefaultBudget,
			Step:                  operation.DefaultStep,
			ReleaseAfterCalibrate: true,
			LapRestMs:             int(operation.DefaultLapRest / time.Millisecond),
			Band: BandConfig{
				AmpMin:    operation.DefaultBand.AmpMin,
				AmpMax:    operation.DefaultBand.AmpMax,
				VoicesMin: operation.DefaultBand.VoicesMin,
				VoicesMax: operation.DefaultBand.VoicesMax,
			},
		},
		Partials: PartialsConfig{
			Dir:    analysis.DefaultDir(),
			PollMs: 100,
		},
		Carriage: CarriageConfig{
			Step:              operation.DefaultCarriageStep,
			Budget:            operation.DefaultCarriageBudget,
			SweepStep:         operation.DefaultSweepStep,
			AdjustmentLevel:   operation.DefaultAdjustmentLevel,
			RetryThreshold:    operation.DefaultRetryThreshold,
			VarianceThreshold: operation.DefaultVarianceThreshold,
		},
		Database: "stringdriver.db",
	}
	for i := 0; i < 4; i++ {
		cfg.Axes = append(cfg.Axes, AxisConfig{
			Name:     fmt.Sprintf("z%d", i),
			Category: string(position.CategoryQuick),
			Min:      -100,
			Max:      100,
		})
	}
	cfg.Axes = append(cfg.Axes, AxisConfig{
		Name:         "tuner",
		Category:     string(position.CategoryTuning),
		Min:          -4096,
		Max:          4096,
		Speed:        200,
		Acceleration: -1,
	})
	cfg.Operation.Channels = []ChannelConfig{
		{Channel: 0, In: 0, Out: 1},
		{Channel: 1, In: 2, Out: 3},
	}
	cfg.Partials.Channels = len(cfg.Operation.Channels)
	return cfg
}

// Load reads path for the local host name. An empty path yields the
// defaults with environment overrides.
func Load(path string) (*Config, error) {
	host, err := os.Hostname()
	if err != nil {
		host = ""
	}
	return LoadFor(path, host)
}

// LoadFor is Load with an explicit host name
func LoadFor(path, host string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFromFile(cfg, path, host); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// hostBlocks is the per-host section of the file
type hostBlocks struct {
	Hosts map[string]yaml.MapSlice `yaml:"hosts"`
}

func loadFromFile(cfg *Config, path, host string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}

	var blocks hostBlocks
	if err := yaml.Unmarshal(data, &blocks); err != nil {
		return err
	}
	block, ok := blocks.Hosts[host]
	if !ok {
		return nil
	}
	raw, err := yaml.Marshal(block)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("hosts.%s: %w", host, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STRINGDRIVER_PORT"); v != "" {
		cfg.Serial.Device = v
	}
	if v := os.Getenv("STRINGDRIVER_BAUD"); v != "" {
		if baud, err := strconv.Atoi(v); err == nil {
			cfg.Serial.Baud = baud
		}
	}
	if v := os.Getenv("STRINGDRIVER_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("STRINGDRIVER_DB"); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv("STRINGDRIVER_PARTIALS"); v != "" {
		cfg.Partials.Dir = v
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("baud must be positive, got %d", c.Serial.Baud)
	}
	if len(c.Axes) == 0 {
		return errors.New("at least one axis is required")
	}
	if len(c.Axes) > core.MaxAxes {
		return fmt.Errorf("%d axes exceeds the controller limit of %d", len(c.Axes), core.MaxAxes)
	}
	for i, a := range c.Axes {
		if a.Min > a.Max {
			return fmt.Errorf("axis %d: min %d exceeds max %d", i, a.Min, a.Max)
		}
		// Position reports carry int16 counters
		if a.Min < math.MinInt16 || a.Max > math.MaxInt16 {
			return fmt.Errorf("axis %d: bounds [%d,%d] exceed the reportable range [%d,%d]",
				i, a.Min, a.Max, math.MinInt16, math.MaxInt16)
		}
		switch position.Category(a.Category) {
		case position.CategoryQuick, position.CategorySlow, position.CategoryTuning, "":
		default:
			return fmt.Errorf("axis %d: unknown category %q", i, a.Category)
		}
	}
	for name, secs := range c.Motion.Rest {
		if secs < 0 {
			return fmt.Errorf("rest interval %q is negative", name)
		}
	}
	if c.Operation.Budget <= 0 {
		return fmt.Errorf("operation budget must be positive, got %d", c.Operation.Budget)
	}
	if c.Operation.Step <= 0 {
		return fmt.Errorf("operation step must be positive, got %d", c.Operation.Step)
	}
	if err := c.Operation.Band.validate(); err != nil {
		return err
	}
	if err := c.Carriage.validate(c.Axes); err != nil {
		return fmt.Errorf("carriage: %w", err)
	}

	seen := make(map[int]bool)
	for _, ch := range c.Operation.Channels {
		if seen[ch.Channel] {
			return fmt.Errorf("channel %d mapped twice", ch.Channel)
		}
		seen[ch.Channel] = true
		for _, axis := range []int{ch.In, ch.Out} {
			if axis < 0 || axis >= len(c.Axes) {
				return fmt.Errorf("channel %d: axis %d out of range", ch.Channel, axis)
			}
		}
		if ch.Band != nil {
			if err := ch.Band.validate(); err != nil {
				return fmt.Errorf("channel %d: %w", ch.Channel, err)
			}
		}
	}
	return nil
}

func (c CarriageConfig) validate(axes []AxisConfig) error {
	if c.Axis == nil {
		return nil
	}
	axis := *c.Axis
	if axis < 0 || axis >= len(axes) {
		return fmt.Errorf("axis %d out of range", axis)
	}
	if c.Step < 0 || c.Budget < 0 || c.SweepStep < 0 {
		return errors.New("step, budget and sweepStep must not be negative")
	}
	if c.Start == 0 && c.Finish == 0 {
		return nil
	}
	a := axes[axis]
	if c.Start < a.Min || c.Finish > a.Max || c.Start >= c.Finish {
		return fmt.Errorf("sweep range [%d,%d] does not fit axis bounds [%d,%d]", c.Start, c.Finish, a.Min, a.Max)
	}
	return nil
}

func (b BandConfig) validate() error {
	if b.AmpMin > b.AmpMax {
		return fmt.Errorf("band amplitude min %v exceeds max %v", b.AmpMin, b.AmpMax)
	}
	if b.VoicesMin > b.VoicesMax {
		return fmt.Errorf("band voices min %d exceeds max %d", b.VoicesMin, b.VoicesMax)
	}
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// SerialPort returns the serial settings
func (c *Config) SerialPort() *serial.Config {
	return &serial.Config{
		Device:      c.Serial.Device,
		Baud:        c.Serial.Baud,
		ReadTimeout: ms(c.Serial.ReadTimeoutMs),
	}
}

// BoardOptions returns the controller connection options
func (c *Config) BoardOptions() board.Options {
	return board.Options{
		ResetDelay:   ms(c.Serial.ResetDelayMs),
		QueryTimeout: ms(c.Serial.QueryTimeoutMs),
	}
}

// Position returns the synchronizer configuration
func (c *Config) Position() position.Config {
	pc := position.Config{
		Rest:        make(map[position.Category]time.Duration, len(c.Motion.Rest)),
		Settle:      ms(c.Motion.SettleMs),
		ResetSettle: ms(c.Motion.ResetSettleMs),
		MoveTimeout: ms(c.Motion.MoveTimeoutMs),
		Microstep:   c.Motion.Microstep,
	}
	for name, secs := range c.Motion.Rest {
		pc.Rest[position.Category(name)] = time.Duration(secs * float64(time.Second))
	}
	for _, a := range c.Axes {
		pc.Axes = append(pc.Axes, position.AxisSettings{
			Name:         a.Name,
			Category:     position.Category(a.Category),
			Min:          a.Min,
			Max:          a.Max,
			Speed:        a.Speed,
			Acceleration: a.Acceleration,
		})
	}
	return pc
}

// Sequencer returns the operation sequencer configuration
func (c *Config) Sequencer() operation.Config {
	adj := operation.AdjustConfig{
		Channels: make(map[int]operation.ChannelAxes, len(c.Operation.Channels)),
		Default:  c.Operation.Band.band(),
	}
	for _, ch := range c.Operation.Channels {
		adj.Channels[ch.Channel] = operation.ChannelAxes{In: ch.In, Out: ch.Out}
		if ch.Band != nil {
			if adj.Bands == nil {
				adj.Bands = make(map[int]operation.Band)
			}
			adj.Bands[ch.Channel] = ch.Band.band()
		}
	}
	lap := ms(c.Operation.LapRestMs)
	if c.Operation.LapRestMs == 0 {
		lap = -1
	}
	return operation.Config{
		Budget:                c.Operation.Budget,
		Step:                  c.Operation.Step,
		Adjust:                adj,
		LapRest:               lap,
		SkipBumpCheck:         c.Operation.SkipBumpCheck,
		ReleaseAfterCalibrate: c.Operation.ReleaseAfterCalibrate,
	}
}

// CarriageSettings returns the sequencer carriage configuration around sensors.
// ok is false when no carriage is configured.
func (c *Config) CarriageSettings(sensors operation.CarriageSensors) (operation.CarriageConfig, bool) {
	if c.Carriage.Axis == nil {
		return operation.CarriageConfig{}, false
	}
	return operation.CarriageConfig{
		Axis:              *c.Carriage.Axis,
		Sensors:           sensors,
		Step:              c.Carriage.Step,
		Budget:            c.Carriage.Budget,
		Start:             c.Carriage.Start,
		Finish:            c.Carriage.Finish,
		SweepStep:         c.Carriage.SweepStep,
		AdjustmentLevel:   c.Carriage.AdjustmentLevel,
		RetryThreshold:    c.Carriage.RetryThreshold,
		VarianceThreshold: c.Carriage.VarianceThreshold,
	}, true
}

func (b BandConfig) band() operation.Band {
	return operation.Band{
		AmpMin:    b.AmpMin,
		AmpMax:    b.AmpMax,
		VoicesMin: b.VoicesMin,
		VoicesMax: b.VoicesMax,
	}
}

// SensorLines maps axes to sysfs GPIO lines. Axes without a line are left out.
func (c *Config) SensorLines() map[int]int {
	lines := make(map[int]int)
	for i, a := range c.Axes {
		if a.SensorLine != nil {
			lines[i] = *a.SensorLine
		}
	}
	return lines
}

// Simulator returns options for an in-process controller matching the axis
// table
func (c *Config) Simulator() sim.Options {
	axes := sim.Axes(len(c.Axes), 0, 0)
	for i, a := range c.Axes {
		axes[i].Min = a.Min
		axes[i].Max = a.Max
		if a.Speed > 0 {
			axes[i].Speed = a.Speed
		}
		if a.Acceleration != 0 {
			axes[i].Acceleration = a.Acceleration
		}
	}
	return sim.Options{Axes: axes}
}

// PollInterval is the partials feed polling period
func (c *Config) PollInterval() time.Duration {
	if c.Partials.PollMs <= 0 {
		return 100 * time.Millisecond
	}
	return ms(c.Partials.PollMs)
}
