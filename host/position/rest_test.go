package position

import (
	"context"
	"testing"
	"time"

	"stringdriver/host/timeutil"
)

func TestRestPolicyWait(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	p := NewRestPolicy(nil, clock)

	g := p.gate(CategoryQuick)
	if err := p.wait(context.Background(), g); err != nil {
		t.Fatalf("first wait failed: %v", err)
	}
	if len(clock.Sleeps()) != 0 {
		t.Error("first command in a category should not wait")
	}
	p.mark(g)
	g.Unlock()

	clock.Advance(300 * time.Millisecond)

	g = p.gate(CategoryQuick)
	if err := p.wait(context.Background(), g); err != nil {
		t.Fatalf("second wait failed: %v", err)
	}
	g.Unlock()

	sleeps := clock.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 700*time.Millisecond {
		t.Errorf("expected a single 700ms wait, got %v", sleeps)
	}
	if got := p.Last(CategoryQuick); !got.Equal(epoch) {
		t.Errorf("Last() = %v, want %v", got, epoch)
	}
}

func TestRestPolicyElapsedInterval(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	p := NewRestPolicy(map[Category]time.Duration{CategoryTuning: 2 * time.Second}, clock)

	g := p.gate(CategoryTuning)
	p.mark(g)
	g.Unlock()

	clock.Advance(3 * time.Second)

	g = p.gate(CategoryTuning)
	defer g.Unlock()
	if err := p.wait(context.Background(), g); err != nil {
		t.Fatal(err)
	}
	if len(clock.Sleeps()) != 0 {
		t.Errorf("no wait expected once the interval elapsed, got %v", clock.Sleeps())
	}
}
