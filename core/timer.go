package core

// The control loop runs on a free-running 32-bit microsecond counter
// (the RP2040 TIMERAWL register). All comparisons must survive wraparound.

const (
	TimerFreq = 1000000 // 1MHz
)

// timeReached reports whether now is at or past t
func timeReached(now, t uint32) bool {
	return int32(now-t) >= 0
}

// intervalFromRate converts a step rate (steps/s) into microseconds
func intervalFromRate(rate float32) uint32 {
	if rate <= 0 {
		return TimerFreq
	}
	interval := float32(TimerFreq) / rate
	if interval < 1 {
		return 1
	}
	return uint32(interval)
}
