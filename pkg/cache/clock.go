package cache

import (
	"sync"
	"time"
)

// Clock supplies the current time to caches that reason about elapsed time
// (TTL expiry, flag windows, interval-based cleanup policies).
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now. Go's time.Time carries a
// monotonic reading, so elapsed-time comparisons are immune to wall clock jumps.
func SystemClock() Clock {
	return systemClock{}
}

// ManualClock is a Clock that only moves when told to. It is safe for
// concurrent use and lets tests simulate elapsed time without sleeping.
type ManualClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManualClock creates a ManualClock starting at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the clock's current time.
func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
