package operation

import (
	"errors"
	"fmt"
)

// Failure taxonomy. Every failed operation returns an *Error that unwraps to
// one of these, or to the underlying link error.
var (
	ErrAlreadyRunning   = errors.New("operation already running")
	ErrOperationTimeout = errors.New("iteration budget exhausted")
	ErrSensorFault      = errors.New("sensor fault")
	ErrCancelled        = errors.New("operation cancelled")
)

// Error describes a failed operation
type Error struct {
	Kind      Kind
	Err       error
	Axes      []int   // axes the failure concerns
	Positions []int32 // last known model positions
}

func (e *Error) Error() string {
	if len(e.Axes) > 0 {
		return fmt.Sprintf("%s: %v (axes %v)", e.Kind, e.Err, e.Axes)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// failure carries the axes a step-level error concerns up to finish
type failure struct {
	err  error
	axes []int
}

func (f *failure) Error() string { return f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

func failAxes(err error, axes ...int) error {
	return &failure{err: err, axes: axes}
}
