package core

// StepperBackend defines the hardware abstraction for stepper control
// Implementations can use GPIO, PIO, or coil sequencing
type StepperBackend interface {
	// Init claims and configures the pins named in cfg
	// (StepPin/DirPin, or CoilPins for 4-wire motors)
	Init(cfg AxisConfig) error

	// Step generates a single step pulse
	// Must handle pulse width timing internally
	Step()

	// SetDirection sets the direction output
	// forward: true = position increases
	// Must ensure proper dir-to-step setup time
	SetDirection(forward bool)

	// Stop immediately halts stepping and de-energizes where the hardware allows
	Stop()

	// GetName returns backend implementation name
	GetName() string
}

// BackendFactory creates the backend for one axis of the pin table
type BackendFactory func(index int, cfg AxisConfig) StepperBackend
