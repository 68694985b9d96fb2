// Package gpio reads the host-side contact sensors through the Linux sysfs
// GPIO interface. Sensors are pulled up and read 0 when touched.
package gpio

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultRoot is the sysfs GPIO class directory
const DefaultRoot = "/sys/class/gpio"

var ErrBadValue = errors.New("unexpected gpio value")

// Reader maps axes to sysfs GPIO lines
type Reader struct {
	root  string
	lines map[int]int // axis -> line
}

// NewReader builds a reader over root for the given axis to line table.
// Each line is exported and set to input if it is not already.
func NewReader(root string, lines map[int]int) (*Reader, error) {
	if root == "" {
		root = DefaultRoot
	}
	r := &Reader{root: root, lines: make(map[int]int, len(lines))}
	for axis, line := range lines {
		if err := r.export(line); err != nil {
			return nil, fmt.Errorf("axis %d line %d: %w", axis, line, err)
		}
		r.lines[axis] = line
	}
	return r, nil
}

func (r *Reader) lineDir(line int) string {
	return filepath.Join(r.root, "gpio"+strconv.Itoa(line))
}

func (r *Reader) export(line int) error {
	dir := r.lineDir(line)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(filepath.Join(r.root, "export"), []byte(strconv.Itoa(line)), 0o200); err != nil {
			return err
		}
	}
	return os.WriteFile(filepath.Join(dir, "direction"), []byte("in"), 0o644)
}

// Active reports whether the contact sensor of an axis is touched.
// Axes without a configured line never report contact.
func (r *Reader) Active(axis int) (bool, error) {
	line, ok := r.lines[axis]
	if !ok {
		return false, nil
	}
	return r.low(line)
}

// low reads a line and reports whether it is pulled to ground
func (r *Reader) low(line int) (bool, error) {
	raw, err := os.ReadFile(filepath.Join(r.lineDir(line), "value"))
	if err != nil {
		return false, err
	}
	switch string(bytes.TrimSpace(raw)) {
	case "0":
		return true, nil
	case "1":
		return false, nil
	default:
		return false, fmt.Errorf("%w %q on line %d", ErrBadValue, raw, line)
	}
}

// Lines returns the number of configured sensor lines
func (r *Reader) Lines() int {
	return len(r.lines)
}

// Carriage reads the home and away end-of-travel switches of the carriage.
// Like the contact sensors they are pulled up and read 0 when closed.
type Carriage struct {
	r          *Reader
	home, away int
}

// NewCarriage exports the two switch lines under root
func NewCarriage(root string, home, away int) (*Carriage, error) {
	if root == "" {
		root = DefaultRoot
	}
	r := &Reader{root: root}
	for _, line := range []int{home, away} {
		if err := r.export(line); err != nil {
			return nil, fmt.Errorf("carriage line %d: %w", line, err)
		}
	}
	return &Carriage{r: r, home: home, away: away}, nil
}

// AtHome reports whether the home switch is closed
func (c *Carriage) AtHome() (bool, error) {
	return c.r.low(c.home)
}

// AtAway reports whether the away switch is closed
func (c *Carriage) AtAway() (bool, error) {
	return c.r.low(c.away)
}
