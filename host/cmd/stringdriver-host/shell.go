package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"stringdriver/host/operation"
	"stringdriver/host/serial"
)

// shell is the interactive command loop
type shell struct {
	app *app
	out io.Writer

	mu     sync.Mutex
	handle *operation.Handle
	wg     sync.WaitGroup
}

func newShell(a *app, out io.Writer) *shell {
	return &shell{app: a, out: out}
}

func (sh *shell) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(sh.out, "> ")
		if !scanner.Scan() {
			break
		}
		if quit := sh.exec(ctx, scanner.Text()); quit {
			break
		}
	}
	sh.stop()
	sh.wg.Wait()
	return scanner.Err()
}

// exec runs one command line and reports whether the user asked to quit
func (sh *shell) exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd, args := parts[0], parts[1:]

	var err error
	switch cmd {
	case "quit", "exit", "q":
		fmt.Fprintln(sh.out, "Goodbye!")
		return true
	case "help", "?":
		sh.printHelp()
	case "ports":
		err = sh.ports()
	case "pos":
		err = sh.positions()
	case "cal":
		err = sh.exclusive(func() error { return sh.calibrateModel(args) })
	case "move", "rmove":
		err = sh.exclusive(func() error { return sh.move(ctx, cmd == "rmove", args) })
	case "setpos":
		err = sh.exclusive(func() error { return sh.axisValue(args, sh.app.model.ResetCounter) })
	case "model":
		err = sh.exclusive(func() error { return sh.axisValue(args, sh.app.model.SetModel) })
	case "zero":
		err = sh.exclusive(func() error { return sh.zero(args) })
	case "enable":
		err = sh.exclusive(func() error { return sh.axisOnly(args, sh.app.model.Enable) })
	case "disable":
		err = sh.exclusive(func() error { return sh.axisOnly(args, sh.app.model.Disable) })
	case "mem":
		err = sh.freeMemory()
	case "send":
		err = sh.app.board.Passthrough(strings.Join(args, " "))
	case "bump":
		err = sh.start(ctx, operation.Request{Kind: operation.KindBumpCheck}, args)
	case "calibrate":
		req := operation.Request{Kind: operation.KindCalibrate}
		if len(args) > 0 && args[len(args)-1] == "max" {
			req.TowardMax = true
			args = args[:len(args)-1]
		}
		err = sh.start(ctx, req, args)
	case "adjust":
		err = sh.start(ctx, operation.Request{Kind: operation.KindAdjust}, args)
	case "home":
		err = sh.start(ctx, operation.Request{Kind: operation.KindHome}, nil)
	case "away":
		err = sh.start(ctx, operation.Request{Kind: operation.KindAway}, nil)
	case "xcal":
		err = sh.start(ctx, operation.Request{Kind: operation.KindCarriageCalibrate}, nil)
	case "sweep":
		req := operation.Request{Kind: operation.KindSweep}
		if len(args) > 0 && args[0] == "rev" {
			req.Reverse = true
		}
		err = sh.start(ctx, req, nil)
	case "stop":
		if !sh.stop() {
			fmt.Fprintln(sh.out, "No operation running")
		}
	case "status":
		sh.status()
	case "history":
		err = sh.history(args)
	default:
		fmt.Fprintf(sh.out, "Unknown command: %s (type 'help' for available commands)\n", cmd)
	}
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
	}
	return false
}

func (sh *shell) printHelp() {
	fmt.Fprintln(sh.out, "\nAvailable commands:")
	fmt.Fprintln(sh.out, "  ports                    - List serial ports")
	fmt.Fprintln(sh.out, "  pos                      - Query controller and model positions")
	fmt.Fprintln(sh.out, "  cal [axis]               - Read positions back into the model")
	fmt.Fprintln(sh.out, "  move <axis> <target>     - Absolute move")
	fmt.Fprintln(sh.out, "  rmove <axis> <delta>     - Relative move")
	fmt.Fprintln(sh.out, "  setpos <axis> <value>    - Set counter and model without moving")
	fmt.Fprintln(sh.out, "  model <axis> <value>     - Set the model only")
	fmt.Fprintln(sh.out, "  zero [axis]              - Zero counters without moving")
	fmt.Fprintln(sh.out, "  enable|disable <axis>    - Allow or refuse motion on an axis")
	fmt.Fprintln(sh.out, "  mem                      - Controller free memory")
	fmt.Fprintln(sh.out, "  send <text>              - Passthrough command")
	fmt.Fprintln(sh.out, "  bump [axes...]           - Bump-check")
	fmt.Fprintln(sh.out, "  calibrate [axes...] [max] - Calibrate against the contact sensors")
	fmt.Fprintln(sh.out, "  adjust [channels...]     - Adjust channels from the partials feed")
	fmt.Fprintln(sh.out, "  home|away                - Drive the carriage to an end switch")
	fmt.Fprintln(sh.out, "  xcal                     - Home the carriage, then send it away")
	fmt.Fprintln(sh.out, "  sweep [rev]              - Adjust channels along the carriage travel")
	fmt.Fprintln(sh.out, "  stop                     - Cancel the running operation")
	fmt.Fprintln(sh.out, "  status                   - Show model and operation state")
	fmt.Fprintln(sh.out, "  history [n]              - Show recent operations")
	fmt.Fprintln(sh.out, "  quit/exit/q              - Exit the program")
	fmt.Fprintln(sh.out)
}

func parseInts(args []string) ([]int, error) {
	out := make([]int, 0, len(args))
	for _, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", a)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseAxisValue(args []string) (int, int32, error) {
	if len(args) != 2 {
		return 0, 0, errors.New("expected <axis> <value>")
	}
	axis, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad axis %q", args[0])
	}
	v, err := strconv.ParseInt(args[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("bad value %q", args[1])
	}
	return axis, int32(v), nil
}

func (sh *shell) ports() error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(sh.out, "No serial ports found")
	}
	for _, p := range ports {
		mark := " "
		if serial.LooksLikeController(p) {
			mark = "*"
		}
		fmt.Fprintf(sh.out, " %s %s\n", mark, p)
	}
	return nil
}

func (sh *shell) positions() error {
	counters, err := sh.app.board.QueryPositions()
	if err != nil {
		return err
	}
	for i, e := range sh.app.model.Snapshot() {
		var counter string
		if i < len(counters) {
			counter = strconv.Itoa(int(counters[i]))
		}
		fmt.Fprintf(sh.out, "  axis %2d  counter %6s  model %6d%s\n", i, counter, e.Position, flags(e.Calibrated, e.Stale, e.Enabled))
	}
	return nil
}

func flags(calibrated, stale, enabled bool) string {
	var f []string
	if calibrated {
		f = append(f, "calibrated")
	}
	if stale {
		f = append(f, "stale")
	}
	if !enabled {
		f = append(f, "disabled")
	}
	if len(f) == 0 {
		return ""
	}
	return "  [" + strings.Join(f, " ") + "]"
}

func (sh *shell) calibrateModel(args []string) error {
	if len(args) == 0 {
		return sh.app.model.CalibrateAll()
	}
	return sh.axisOnly(args, sh.app.model.Calibrate)
}

// exclusive runs a model-mutating command with the run lock held, so it can
// neither interleave with nor be overtaken by an operation
func (sh *shell) exclusive(fn func() error) error {
	return sh.app.sequencer.Exclusive(fn)
}

func (sh *shell) move(ctx context.Context, relative bool, args []string) error {
	axis, v, err := parseAxisValue(args)
	if err != nil {
		return err
	}
	if relative {
		return sh.app.model.MoveBy(ctx, axis, v)
	}
	return sh.app.model.Move(ctx, axis, v)
}

func (sh *shell) axisValue(args []string, fn func(int, int32) error) error {
	axis, v, err := parseAxisValue(args)
	if err != nil {
		return err
	}
	return fn(axis, v)
}

func (sh *shell) axisOnly(args []string, fn func(int) error) error {
	if len(args) != 1 {
		return errors.New("expected <axis>")
	}
	axis, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("bad axis %q", args[0])
	}
	return fn(axis)
}

func (sh *shell) zero(args []string) error {
	if len(args) == 0 {
		return sh.app.model.ZeroAll()
	}
	return sh.axisOnly(args, sh.app.model.Zero)
}

func (sh *shell) freeMemory() error {
	free, err := sh.app.board.FreeMemory()
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "Controller free memory: %d bytes\n", free)
	return nil
}

// start launches an operation in the background. The result is printed
// when it ends.
func (sh *shell) start(ctx context.Context, req operation.Request, args []string) error {
	ids, err := parseInts(args)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		if req.Kind == operation.KindAdjust {
			req.Channels = ids
		} else {
			req.Axes = ids
		}
	}

	h, err := sh.app.sequencer.Start(ctx, req)
	if err != nil {
		return err
	}
	sh.mu.Lock()
	sh.handle = h
	sh.mu.Unlock()
	fmt.Fprintf(sh.out, "Started %s %s\n", req.Kind, h.ID())

	sh.wg.Add(1)
	go func() {
		defer sh.wg.Done()
		op, err := h.Wait()
		sh.mu.Lock()
		if sh.handle == h {
			sh.handle = nil
		}
		sh.mu.Unlock()
		if err != nil {
			fmt.Fprintf(sh.out, "\n%s %s failed: %v\n", op.Kind, op.ID, err)
			return
		}
		fmt.Fprintf(sh.out, "\n%s %s succeeded after %d iterations\n", op.Kind, op.ID, op.Iterations)
	}()
	return nil
}

func (sh *shell) stop() bool {
	sh.mu.Lock()
	h := sh.handle
	sh.mu.Unlock()
	if h == nil {
		return false
	}
	h.Cancel()
	return true
}

func (sh *shell) status() {
	for i, e := range sh.app.model.Snapshot() {
		fmt.Fprintf(sh.out, "  axis %2d  model %6d%s\n", i, e.Position, flags(e.Calibrated, e.Stale, e.Enabled))
	}
	if op, ok := sh.app.sequencer.Current(); ok {
		fmt.Fprintf(sh.out, "Running: %s %s iteration %d/%d\n", op.Kind, op.ID, op.Iterations, op.Budget)
	} else {
		fmt.Fprintln(sh.out, "No operation running")
	}
	if op, ok := sh.app.sequencer.Last(); ok {
		fmt.Fprintf(sh.out, "Last: %s %s %s", op.Kind, op.ID, op.State)
		if op.Reason != "" {
			fmt.Fprintf(sh.out, " (%s)", op.Reason)
		}
		fmt.Fprintln(sh.out)
	}
	if sh.app.sim != nil {
		st := sh.app.sim.Stats()
		fmt.Fprintf(sh.out, "Simulator: %d frames, %d steps\n", sh.app.sim.Frames(), st.StepsEmitted)
	}
}

func (sh *shell) history(args []string) error {
	if sh.app.history == nil {
		return errors.New("history is disabled")
	}
	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("bad count %q", args[0])
		}
		limit = n
	}
	ops, err := sh.app.history.List(limit)
	if err != nil {
		return err
	}
	for _, op := range ops {
		fmt.Fprintf(sh.out, "  %s  %-10s %-9s %3d/%-3d %s\n",
			op.Started.Format("2006-01-02 15:04:05"), op.Kind, op.State, op.Iterations, op.Budget, op.Reason)
	}
	return nil
}
