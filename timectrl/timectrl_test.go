package timectrl

import (
	"testing"
	"time"
)

func TestManualClockAdvance(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	c.Advance(42 * time.Second)

	if got := c.Now(); !got.Equal(start.Add(42 * time.Second)) {
		t.Fatalf("Now() = %v, want %v", got, start.Add(42*time.Second))
	}
}

func TestManualClockSetTimeIgnoresBackwards(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	c.SetTime(start.Add(-time.Minute))

	if got := c.Now(); !got.Equal(start) {
		t.Fatalf("Now() = %v, want %v (backwards jump must be ignored)", got, start)
	}
}

func TestManualClockSince(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)
	c.Advance(90 * time.Second)

	if got := c.Since(start); got != 90*time.Second {
		t.Fatalf("Since(start) = %v, want %v", got, 90*time.Second)
	}
}

func TestManualClockNotifiesListeners(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	var seen []time.Time
	c.AddListener(func(now time.Time) {
		seen = append(seen, now)
	})

	c.Advance(time.Second)
	c.Advance(2 * time.Second)

	if len(seen) != 2 {
		t.Fatalf("listener invoked %d times, want 2", len(seen))
	}
	if !seen[1].Equal(start.Add(3 * time.Second)) {
		t.Fatalf("second notification at %v, want %v", seen[1], start.Add(3*time.Second))
	}
}
