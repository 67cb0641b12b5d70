package store

import (
	"sync"
	"time"
)

// DefaultClockResolution is the granularity of stamps handed out by
// NewClock. Millisecond precision survives every supported backend
// (MongoDB stores dates with millisecond precision).
const DefaultClockResolution = time.Millisecond

// Clock hands out UpdatedAt stamps. A single Clock is shared by the source
// and the target of a replication so their stamps are comparable.
type Clock interface {
	// Now returns a stamp strictly greater than every stamp previously
	// returned or observed.
	Now() time.Time

	// Observe records an externally supplied stamp so that later calls to
	// Now never return a value at or below it.
	Observe(t time.Time)
}

// MonotonicClock is a Clock that follows wall time but never repeats or
// goes backwards. When wall time stalls or steps back, it advances by one
// resolution unit past the last stamp.
type MonotonicClock struct {
	mu         sync.Mutex
	last       time.Time
	resolution time.Duration
	wall       func() time.Time
}

// NewClock creates a monotonic clock with the given resolution. A
// non-positive resolution selects DefaultClockResolution.
func NewClock(resolution time.Duration) *MonotonicClock {
	if resolution <= 0 {
		resolution = DefaultClockResolution
	}
	return &MonotonicClock{resolution: resolution, wall: time.Now}
}

// NewClockWithSource creates a clock reading wall time from fn. Used in
// tests to freeze time.
func NewClockWithSource(resolution time.Duration, fn func() time.Time) *MonotonicClock {
	c := NewClock(resolution)
	c.wall = fn
	return c
}

// Now implements Clock.
func (c *MonotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.wall().UTC().Truncate(c.resolution)
	if !now.After(c.last) {
		now = c.last.Add(c.resolution)
	}
	c.last = now
	return now
}

// Observe implements Clock.
func (c *MonotonicClock) Observe(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t = t.UTC().Truncate(c.resolution)
	if t.After(c.last) {
		c.last = t
	}
}
