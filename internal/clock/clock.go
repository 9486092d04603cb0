// Package clock provides the time source used across the execution service.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// System is a Clock backed by the system time in UTC.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Incremental is a Clock for tests. Every call to Now advances the time by Step.
type Incremental struct {
	mu      sync.Mutex
	current time.Time
	Step    time.Duration
}

// NewIncremental creates an Incremental clock starting at start.
func NewIncremental(start time.Time, step time.Duration) *Incremental {
	return &Incremental{current: start, Step: step}
}

// Now returns the current time and advances the clock.
func (c *Incremental) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.current
	c.current = c.current.Add(c.Step)
	return now
}

// Set moves the clock to t.
func (c *Incremental) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *Incremental) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}
