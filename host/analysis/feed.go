package analysis

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPartialsPerChannel applies when neither the control file nor
	// the data size says otherwise
	DefaultPartialsPerChannel = 12

	partialSize = 8 // float32 freq + float32 amp, native byte order

	dataFileName    = "audio_peaks"
	controlFileName = "audio_control"
)

var ErrNoFeed = errors.New("partials feed not available")

// DefaultDir is where the audio monitor publishes its files
func DefaultDir() string {
	if runtime.GOOS == "linux" {
		return "/dev/shm"
	}
	return os.TempDir()
}

// FileFeed reads the audio monitor's shared-memory data file and its
// control file (PID, channel count, partials per channel, one per line)
type FileFeed struct {
	DataPath    string
	ControlPath string

	// Used when the control file is missing
	ChannelHint int
}

// NewFileFeed returns a feed reading the standard file names in dir
func NewFileFeed(dir string, channelHint int) *FileFeed {
	return &FileFeed{
		DataPath:    filepath.Join(dir, dataFileName),
		ControlPath: filepath.Join(dir, controlFileName),
		ChannelHint: channelHint,
	}
}

// Control is the parsed control file
type Control struct {
	PID                int
	Channels           int
	PartialsPerChannel int
}

// ReadControl parses the control file
func (f *FileFeed) ReadControl() (Control, error) {
	raw, err := os.ReadFile(f.ControlPath)
	if err != nil {
		return Control{}, err
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 3 {
		return Control{}, fmt.Errorf("control file %s: want 3 lines, got %d", f.ControlPath, len(lines))
	}
	var c Control
	for i, dst := range []*int{&c.PID, &c.Channels, &c.PartialsPerChannel} {
		v, err := strconv.Atoi(strings.TrimSpace(lines[i]))
		if err != nil {
			return Control{}, fmt.Errorf("control file %s line %d: %w", f.ControlPath, i+1, err)
		}
		*dst = v
	}
	return c, nil
}

// Read decodes one snapshot of the data file
func (f *FileFeed) Read() (Channels, error) {
	data, release, err := mapFile(f.DataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoFeed
		}
		return nil, err
	}
	defer release()

	channels, perChannel := f.layout(len(data))
	return decode(data, channels, perChannel), nil
}

// layout picks the channel geometry: control file first, then the size of
// the data divided across the hinted channel count
func (f *FileFeed) layout(size int) (channels, perChannel int) {
	if c, err := f.ReadControl(); err == nil {
		channels, perChannel = c.Channels, c.PartialsPerChannel
	} else {
		channels = f.ChannelHint
		if channels > 0 {
			perChannel = size / partialSize / channels
		}
	}
	if perChannel <= 0 {
		perChannel = DefaultPartialsPerChannel
	}
	if channels <= 0 {
		channels = size / partialSize / perChannel
	}
	return channels, perChannel
}

// decode reads whole channels only; a truncated trailing channel is dropped
func decode(data []byte, channels, perChannel int) Channels {
	// The geometry comes from the control file; size it against the data
	if perChannel <= 0 || perChannel > len(data)/partialSize {
		return Channels{}
	}
	channelSize := perChannel * partialSize
	channels = min(channels, len(data)/channelSize)
	out := make(Channels, 0, max(channels, 0))
	for ch := 0; ch < channels; ch++ {
		start := ch * channelSize
		if start+channelSize > len(data) {
			break
		}
		partials := make([]Partial, perChannel)
		for i := range partials {
			off := start + i*partialSize
			partials[i] = Partial{
				Freq: math.Float32frombits(binary.NativeEndian.Uint32(data[off:])),
				Amp:  math.Float32frombits(binary.NativeEndian.Uint32(data[off+4:])),
			}
		}
		out = append(out, partials)
	}
	return out
}

// Encode serialises a snapshot in the data file layout
func Encode(c Channels) []byte {
	var out []byte
	for _, ch := range c {
		for _, p := range ch {
			out = binary.NativeEndian.AppendUint32(out, math.Float32bits(p.Freq))
			out = binary.NativeEndian.AppendUint32(out, math.Float32bits(p.Amp))
		}
	}
	return out
}

// Poll copies the feed into slot every interval until ctx is done.
// A missing feed is logged once and retried.
func Poll(ctx context.Context, feed *FileFeed, slot *Slot, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	reported := false
	for {
		c, err := feed.Read()
		switch {
		case err == nil:
			slot.Store(c, time.Now())
			reported = false
		case !reported:
			log.Printf("[Analysis] Partials feed unavailable: %v", err)
			reported = true
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
