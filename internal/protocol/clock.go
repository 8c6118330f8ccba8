package protocol

import (
	"sync"
	"time"
)

// Clock tracks the offset between the local clock and the gateway clock
// from PONG server_time samples, assuming symmetric network latency.
type Clock struct {
	mu       sync.RWMutex
	offset   time.Duration
	lastSync time.Time
	synced   bool
	now      func() time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Observe folds one ping round trip into the offset estimate.
func (c *Clock) Observe(sent, received, server time.Time) {
	if server.IsZero() || received.Before(sent) {
		return
	}
	mid := sent.Add(received.Sub(sent) / 2)
	offset := server.Sub(mid)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.synced {
		c.offset = offset
	} else {
		// smooth out jitter between samples
		c.offset = (c.offset*7 + offset) / 8
	}
	c.synced = true
	c.lastSync = received
}

// Offset returns gateway time minus local time.
func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// Now returns the local time corrected towards the gateway clock.
func (c *Clock) Now() time.Time {
	return c.now().Add(c.Offset())
}

func (c *Clock) LastSync() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync
}
