package timectrl

import (
	"sync"
	"time"
)

// Clock is the time source used by the coordination components (hold-off
// bookkeeping, alarm scheduling, interface age checks). Depending on a clock
// abstraction rather than time.Now directly keeps the components testable:
// unit tests drive a ManualClock while production wiring uses SystemClock.
//
// Now must be monotonic: hold-off expirations and alarm deadlines are
// compared against it and must never observe time moving backwards.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Since returns the elapsed time between t and Now.
	Since(t time.Time) time.Duration
}

// SystemClock is the production Clock backed by the runtime monotonic clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                  { return time.Now() }
func (SystemClock) Since(t time.Time) time.Duration { return time.Since(t) }

// ManualClock is a Clock whose time only moves when explicitly advanced.
// Used by unit tests and the scripted demo runner.
type ManualClock struct {
	mu        sync.RWMutex
	now       time.Time
	listeners []func(time.Time)
}

// NewManualClock constructs a manual clock positioned at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func (c *ManualClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Advance moves the clock forward by d and notifies listeners.
// Negative durations are ignored.
func (c *ManualClock) Advance(d time.Duration) {
	if d < 0 {
		return
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	listeners := append(([]func(time.Time))(nil), c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(now)
	}
}

// SetTime jumps the clock to t. It must not move the clock backwards; calls
// with an earlier time are ignored.
func (c *ManualClock) SetTime(t time.Time) {
	c.mu.Lock()
	var listeners []func(time.Time)
	if t.After(c.now) {
		c.now = t
		listeners = append(([]func(time.Time))(nil), c.listeners...)
	}
	now := c.now
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(now)
	}
}

// AddListener registers a callback invoked whenever the clock advances.
// The alarm scheduler uses this to pump due alarms in manual-clock setups.
func (c *ManualClock) AddListener(fn func(time.Time)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}
