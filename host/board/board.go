// Package board is the host-side client for one axis controller.
package board

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sync/atomic"
	"time"

	"stringdriver/host/serial"
	"stringdriver/host/timeutil"
	"stringdriver/protocol"
)

const (
	// DefaultResetDelay covers the bootloader pause after the port is opened
	DefaultResetDelay = 2 * time.Second

	// DefaultQueryTimeout bounds the wait for a query response
	DefaultQueryTimeout = 2 * time.Second
)

var (
	ErrNotConnected = errors.New("not connected to controller")
	ErrAxisRange    = errors.New("axis index out of wire range")
)

// Options tune a Board connection. Zero values select the defaults.
type Options struct {
	ResetDelay   time.Duration
	QueryTimeout time.Duration
	Clock        timeutil.Clock
}

// Board represents a connection to an axis controller
type Board struct {
	transport *protocol.HostTransport
	port      io.ReadWriteCloser

	queryTimeout time.Duration

	connected atomic.Bool
}

// Connect opens a serial port and attaches to the controller on it
func Connect(cfg *serial.Config, opts Options) (*Board, error) {
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}
	b := Attach(port, opts)

	// Opening the port resets most boards; give the firmware time to boot
	delay := opts.ResetDelay
	if delay == 0 {
		delay = DefaultResetDelay
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	log.Printf("[Board] Connected to %s, waiting %v for controller reset", cfg.Device, delay)
	clock.Sleep(delay)

	return b, nil
}

// Attach wraps an already open byte stream (a serial port or a simulator)
func Attach(port io.ReadWriteCloser, opts Options) *Board {
	timeout := opts.QueryTimeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	b := &Board{
		transport:    protocol.NewHostTransport(port),
		port:         port,
		queryTimeout: timeout,
	}
	b.connected.Store(true)
	return b
}

// Close closes the connection to the controller
func (b *Board) Close() error {
	if !b.connected.CompareAndSwap(true, false) {
		return nil
	}
	return b.transport.Close()
}

// IsConnected returns whether the controller is connected
func (b *Board) IsConnected() bool {
	return b.connected.Load()
}

// Dropped returns the number of malformed frames received from the controller
func (b *Board) Dropped() uint32 {
	return b.transport.Dropped()
}

func (b *Board) send(op protocol.Opcode, args func(output protocol.OutputBuffer)) error {
	if !b.connected.Load() {
		return ErrNotConnected
	}
	if err := b.transport.Send(op, args); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (b *Board) query(op protocol.Opcode, timeout time.Duration) (protocol.Frame, error) {
	if !b.connected.Load() {
		return protocol.Frame{}, ErrNotConnected
	}
	return b.transport.Query(op, nil, timeout)
}

// wireAxis narrows an axis index to its int16 wire form.
// allowAll accepts protocol.AllAxes.
func wireAxis(axis int, allowAll bool) (int16, error) {
	if allowAll && axis == protocol.AllAxes {
		return protocol.AllAxes, nil
	}
	if axis < 0 || axis > math.MaxInt16 {
		return 0, fmt.Errorf("%w: %d", ErrAxisRange, axis)
	}
	return int16(axis), nil
}

func (b *Board) sendAxisInt(op protocol.Opcode, axis int, allowAll bool, v int32) error {
	a, err := wireAxis(axis, allowAll)
	if err != nil {
		return err
	}
	return b.send(op, func(output protocol.OutputBuffer) {
		protocol.EncodeArgInt16(output, a)
		protocol.EncodeArgInt32(output, v)
	})
}

func (b *Board) sendAxisFloat(op protocol.Opcode, axis int, v float32) error {
	a, err := wireAxis(axis, true)
	if err != nil {
		return err
	}
	return b.send(op, func(output protocol.OutputBuffer) {
		protocol.EncodeArgInt16(output, a)
		protocol.EncodeArgFloat32(output, v)
	})
}

// Passthrough sends a free-form command payload; the controller never answers
func (b *Board) Passthrough(payload string) error {
	return b.send(protocol.OpCommand, func(output protocol.OutputBuffer) {
		if payload != "" {
			protocol.EncodeArgBytes(output, []byte(payload))
		}
	})
}

// QueryPositions returns the hardware counter of every axis in index order
func (b *Board) QueryPositions() ([]int32, error) {
	return b.WaitPositions(b.queryTimeout)
}

// WaitPositions is QueryPositions with its own response timeout. The
// controller answers only once every axis is idle, so after a move the
// timeout has to cover the travel time.
func (b *Board) WaitPositions(timeout time.Duration) ([]int32, error) {
	frame, err := b.query(protocol.OpQueryPositions, timeout)
	if err != nil {
		return nil, err
	}
	args := frame.Args
	positions := make([]int32, 0, len(args))
	for len(args) > 0 {
		v, err := protocol.DecodeArgInt16(&args)
		if err != nil {
			return nil, fmt.Errorf("decode position %d: %w", len(positions), err)
		}
		positions = append(positions, int32(v))
	}
	return positions, nil
}

// FreeMemory returns the controller's free heap in bytes
func (b *Board) FreeMemory() (uint32, error) {
	frame, err := b.query(protocol.OpQueryFreeMemory, b.queryTimeout)
	if err != nil {
		return 0, err
	}
	args := frame.Args
	return protocol.DecodeArgUint32(&args)
}

func (b *Board) AbsoluteMove(axis int, target int32) error {
	return b.sendAxisInt(protocol.OpAbsoluteMove, axis, false, target)
}

func (b *Board) RelativeMove(axis int, delta int32) error {
	return b.sendAxisInt(protocol.OpRelativeMove, axis, false, delta)
}

// SetPosition overwrites the hardware counter without motion
func (b *Board) SetPosition(axis int, value int32) error {
	return b.sendAxisInt(protocol.OpSetPosition, axis, false, value)
}

// ResetAll zeroes every hardware counter without motion
func (b *Board) ResetAll() error {
	return b.send(protocol.OpResetAll, nil)
}

// ResetOne zeroes one hardware counter without motion
func (b *Board) ResetOne(axis int) error {
	a, err := wireAxis(axis, false)
	if err != nil {
		return err
	}
	return b.send(protocol.OpResetOne, func(output protocol.OutputBuffer) {
		protocol.EncodeArgInt16(output, a)
	})
}

func (b *Board) SetAcceleration(axis int, accel float32) error {
	return b.sendAxisFloat(protocol.OpSetAcceleration, axis, accel)
}

func (b *Board) SetSpeed(axis int, speed float32) error {
	return b.sendAxisFloat(protocol.OpSetSpeed, axis, speed)
}

func (b *Board) SetMinBound(axis int, v int32) error {
	return b.sendAxisInt(protocol.OpSetMinBound, axis, false, v)
}

func (b *Board) SetMaxBound(axis int, v int32) error {
	return b.sendAxisInt(protocol.OpSetMaxBound, axis, false, v)
}

// SetMicrostep selects the microstep mode of one bank, or every bank with
// protocol.AllAxes
func (b *Board) SetMicrostep(bank int, mode int32) error {
	return b.sendAxisInt(protocol.OpSetMicrostep, bank, true, mode)
}
