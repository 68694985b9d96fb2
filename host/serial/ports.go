//go:build !wasm

package serial

import (
	"fmt"
	"path/filepath"
	"sort"

	bugserial "go.bug.st/serial"
)

// Device name patterns of USB CDC and USB-serial adapters the controller
// boards enumerate as
var controllerPatterns = []string{
	"ttyACM*",
	"ttyUSB*",
	"cu.usbmodem*",
	"cu.usbserial*",
	"COM*",
}

// listFunc is swapped in tests
var listFunc = bugserial.GetPortsList

// ListPorts returns the serial devices present on this machine, sorted
func ListPorts() ([]string, error) {
	ports, err := listFunc()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}

// ControllerPorts returns only the devices that look like a USB controller
func ControllerPorts() ([]string, error) {
	ports, err := ListPorts()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range ports {
		if LooksLikeController(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// LooksLikeController reports whether a device path matches a known USB
// serial naming pattern
func LooksLikeController(device string) bool {
	base := filepath.Base(device)
	for _, pattern := range controllerPatterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}
