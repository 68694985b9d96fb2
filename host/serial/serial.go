package serial

import (
	"io"
	"time"

	"stringdriver/protocol"
)

// Port represents a serial port interface
// This abstraction allows for different implementations:
// - Native serial (using github.com/tarm/serial)
// - The in-process simulated controller (host/sim)
type Port interface {
	io.ReadWriteCloser

	// Flush discards any unread input
	Flush() error
}

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyACM0", "COM3")
	Device string

	// Baud rate (the controller runs at protocol.Baud)
	Baud int

	// Read timeout (0 = blocking)
	ReadTimeout time.Duration
}

// DefaultConfig returns the configuration the axis controller expects
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        protocol.Baud,
		ReadTimeout: 100 * time.Millisecond,
	}
}
