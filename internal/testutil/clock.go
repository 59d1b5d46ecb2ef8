package testutil

import (
	"sync"
	"time"
)

// FakeClock is a controllable wall clock for tests.
//
// Each call to Now returns the current time and then advances it by the
// configured step, so consecutive events get distinct, ordered timestamps.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewFakeClock creates a clock starting at start (converted to UTC) that
// advances by step after every Now call. A zero step freezes the clock.
func NewFakeClock(start time.Time, step time.Duration) *FakeClock {
	return &FakeClock{now: start.UTC(), step: step}
}

// Now returns the current fake time and advances the clock by step.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

// Peek returns the current fake time without advancing.
func (c *FakeClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}
