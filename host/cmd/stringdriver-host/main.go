package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"stringdriver/host/analysis"
	"stringdriver/host/board"
	"stringdriver/host/config"
	"stringdriver/host/gpio"
	"stringdriver/host/history"
	"stringdriver/host/operation"
	"stringdriver/host/position"
	"stringdriver/host/sim"
	"stringdriver/host/timeutil"
)

var (
	configPath = flag.String("config", "", "YAML configuration file")
	device     = flag.String("device", "", "Serial device path (overrides config)")
	baud       = flag.Int("baud", 0, "Baud rate (overrides config)")
	useSim     = flag.Bool("sim", false, "Drive an in-process simulated controller")
	logFile    = flag.String("log-file", "", "Write logs to a rotating file instead of stderr")
	dbPath     = flag.String("db", "", "History database path (overrides config, \"none\" disables)")
	verbose    = flag.Bool("verbose", false, "Enable verbose output")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg)
	setupLogging(cfg.LogFile)

	fmt.Println("String Driver Host")
	fmt.Println("==================")
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, *useSim, timeutil.RealClock{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer app.close()

	fmt.Println("Enter commands (type 'help' for available commands, 'quit' to exit):")
	sh := newShell(app, os.Stdout)
	if err := sh.run(ctx, os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}
}

func applyFlags(cfg *config.Config) {
	if *device != "" {
		cfg.Serial.Device = *device
	}
	if *baud > 0 {
		cfg.Serial.Baud = *baud
	}
	if *logFile != "" {
		cfg.LogFile = *logFile
	}
	if *dbPath != "" {
		cfg.Database = *dbPath
	}
}

func setupLogging(path string) {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if path == "" {
		if !*verbose {
			log.SetOutput(io.Discard)
		}
		return
	}
	log.SetOutput(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	})
}

// app holds every long-lived component of a session
type app struct {
	board     *board.Board
	sim       *sim.Simulator
	model     *position.Synchronizer
	sequencer *operation.Sequencer
	history   *history.Store
	slot      *analysis.Slot
}

func build(ctx context.Context, cfg *config.Config, simulate bool, clock timeutil.Clock) (*app, error) {
	a := &app{slot: &analysis.Slot{}}

	var (
		sensors  operation.SensorReader
		switches operation.CarriageSensors
	)
	if simulate {
		s, err := sim.New(cfg.Simulator())
		if err != nil {
			return nil, fmt.Errorf("failed to start simulator: %w", err)
		}
		for i, axis := range cfg.Axes {
			s.SetContact(i, axis.Min/2)
		}
		a.sim = s
		a.board = board.Attach(s, cfg.BoardOptions())
		sensors = s
		if axis := cfg.Carriage.Axis; axis != nil {
			switches = s.Carriage(*axis, cfg.Axes[*axis].Min, cfg.Axes[*axis].Max)
		}
		fmt.Println("Using simulated controller")
	} else {
		fmt.Printf("Connecting to controller on %s...\n", cfg.Serial.Device)
		opts := cfg.BoardOptions()
		opts.Clock = clock
		b, err := board.Connect(cfg.SerialPort(), opts)
		if err != nil {
			return nil, err
		}
		a.board = b
		r, err := gpio.NewReader(cfg.Sensors.Root, cfg.SensorLines())
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to set up contact sensors: %w", err)
		}
		sensors = r
		if cfg.Carriage.Axis != nil {
			c, err := gpio.NewCarriage(cfg.Sensors.Root, cfg.Carriage.HomeLine, cfg.Carriage.AwayLine)
			if err != nil {
				b.Close()
				return nil, fmt.Errorf("failed to set up carriage switches: %w", err)
			}
			switches = c
		}
		fmt.Println("Connected successfully!")
	}

	model, err := position.New(a.board, cfg.Position(), clock)
	if err != nil {
		a.close()
		return nil, err
	}
	a.model = model
	if err := model.Configure(); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to configure controller: %w", err)
	}
	if err := model.CalibrateAll(); err != nil {
		log.Printf("[Sync] Initial position read failed: %v", err)
	}

	var recorder operation.Recorder
	if cfg.Database != "" && cfg.Database != "none" {
		store, err := history.Open(cfg.Database)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		a.history = store
		recorder = store
	}

	feed := analysis.NewFileFeed(cfg.Partials.Dir, cfg.Partials.Channels)
	go analysis.Poll(ctx, feed, a.slot, cfg.PollInterval())

	seqCfg := cfg.Sequencer()
	if cc, ok := cfg.CarriageSettings(switches); ok {
		seqCfg.Carriage = cc
	}
	a.sequencer = operation.New(model, sensors, a.slot, recorder, clock, seqCfg)
	return a, nil
}

func (a *app) close() {
	var errs []error
	if a.board != nil {
		errs = append(errs, a.board.Close())
	}
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.Printf("[Host] Shutdown: %v", err)
	}
}
