package analysis

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Channels {
	return Channels{
		{{Freq: 110, Amp: 10}, {Freq: 220, Amp: 5.5}, {Freq: 330, Amp: 0}},
		{{Freq: 147, Amp: 0}, {Freq: 294, Amp: 0}, {Freq: 441, Amp: 0}},
	}
}

func TestMeasure(t *testing.T) {
	got := MeasureAll(sample())
	want := []ChannelMetrics{
		{Voices: 2, Amplitude: 15.5},
		{Voices: 0, Amplitude: 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("metrics mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, ChannelMetrics{}, Measure(nil))
}

func TestSlotCopies(t *testing.T) {
	var slot Slot
	_, ok := slot.Partials()
	assert.False(t, ok, "empty slot")

	c := sample()
	at := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	slot.Store(c, at)
	c[0][0].Amp = 99

	got, ok := slot.Partials()
	require.True(t, ok)
	assert.Equal(t, float32(10), got[0][0].Amp, "slot keeps its own copy")
	got[1][0].Amp = 42

	again, _ := slot.Partials()
	assert.Equal(t, float32(0), again[1][0].Amp, "readers get copies")
	assert.Equal(t, at, slot.Updated())
}

func writeFeed(t *testing.T, dir string, c Channels, control string) *FileFeed {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "audio_peaks"), Encode(c), 0o644))
	if control != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "audio_control"), []byte(control), 0o644))
	}
	return NewFileFeed(dir, 2)
}

func TestFileFeedWithControl(t *testing.T) {
	dir := t.TempDir()
	feed := writeFeed(t, dir, sample(), "4242\n2\n3\n")

	ctl, err := feed.ReadControl()
	require.NoError(t, err)
	assert.Equal(t, Control{PID: 4242, Channels: 2, PartialsPerChannel: 3}, ctl)

	got, err := feed.Read()
	require.NoError(t, err)
	if diff := cmp.Diff(sample(), got); diff != "" {
		t.Errorf("feed mismatch (-want +got):\n%s", diff)
	}
}

func TestFileFeedControlReportsFewerChannels(t *testing.T) {
	dir := t.TempDir()
	feed := writeFeed(t, dir, sample(), "1\n1\n3\n")

	got, err := feed.Read()
	require.NoError(t, err)
	assert.Len(t, got, 1, "channel count comes from the feed")
}

func TestFileFeedWithoutControl(t *testing.T) {
	dir := t.TempDir()
	feed := writeFeed(t, dir, sample(), "")

	got, err := feed.Read()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Len(t, got[0], 3, "partials per channel inferred from size")
}

func TestFileFeedTruncatedChannelDropped(t *testing.T) {
	dir := t.TempDir()
	data := Encode(sample())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "audio_peaks"), data[:len(data)-4], 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "audio_control"), []byte("1\n2\n3\n"), 0o644))

	got, err := NewFileFeed(dir, 0).Read()
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFileFeedControlGeometryBoundedByData(t *testing.T) {
	dir := t.TempDir()
	feed := writeFeed(t, dir, sample(), "1\n2000000000\n3\n")

	got, err := feed.Read()
	require.NoError(t, err)
	assert.Len(t, got, 2, "only channels present in the data are decoded")

	feed = writeFeed(t, dir, sample(), "1\n2\n4611686018427387904\n")
	got, err = feed.Read()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileFeedMissing(t *testing.T) {
	_, err := NewFileFeed(t.TempDir(), 2).Read()
	assert.ErrorIs(t, err, ErrNoFeed)
}

func TestBadControlFile(t *testing.T) {
	dir := t.TempDir()
	feed := writeFeed(t, dir, sample(), "pid\nx\n")

	_, err := feed.ReadControl()
	assert.Error(t, err)
}

func TestPollStoresSnapshot(t *testing.T) {
	dir := t.TempDir()
	feed := writeFeed(t, dir, sample(), "1\n2\n3\n")

	var slot Slot
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Poll(ctx, feed, &slot, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := slot.Partials()
		return ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
