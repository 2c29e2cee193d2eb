package collab

import (
	"time"
)

type cleanupTimer struct {
	timer *time.Timer
	gen   uint64
}

// cleanupScheduler holds the grace timers of empty sessions. Access is
// serialised by the Service; expiry is delivered through fire with the
// generation the timer was armed with, so a stale timer can be recognised.
type cleanupScheduler struct {
	grace  time.Duration
	timers map[string]*cleanupTimer
	gen    uint64
	fire   func(sessionID string, gen uint64)
}

func newCleanupScheduler(grace time.Duration, fire func(string, uint64)) *cleanupScheduler {
	return &cleanupScheduler{
		grace:  grace,
		timers: make(map[string]*cleanupTimer),
		fire:   fire,
	}
}

// arm (re)starts the grace timer of sessionID.
func (c *cleanupScheduler) arm(sessionID string) {
	c.disarm(sessionID)

	c.gen++
	gen := c.gen
	c.timers[sessionID] = &cleanupTimer{
		gen: gen,
		timer: time.AfterFunc(c.grace, func() {
			c.fire(sessionID, gen)
		}),
	}
}

// disarm cancels a pending deletion and reports whether one was pending.
func (c *cleanupScheduler) disarm(sessionID string) bool {
	t, ok := c.timers[sessionID]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(c.timers, sessionID)
	return true
}

// claim consumes the timer of sessionID if gen is still current.
func (c *cleanupScheduler) claim(sessionID string, gen uint64) bool {
	t, ok := c.timers[sessionID]
	if !ok || t.gen != gen {
		return false
	}
	delete(c.timers, sessionID)
	return true
}

func (c *cleanupScheduler) pending(sessionID string) bool {
	_, ok := c.timers[sessionID]
	return ok
}

func (c *cleanupScheduler) stop() {
	for id, t := range c.timers {
		t.timer.Stop()
		delete(c.timers, id)
	}
}
