// Package lamport implements Lamport's logical-clock mutual exclusion
// protocol: the scalar clock, the totally ordered request queue, and the
// per-peer engine that drives REQUEST/ACK/RELEASE.
package lamport

// Clock is a scalar Lamport clock. The zero value is ready to use.
//
// A Clock is owned by exactly one engine and is never touched from more than
// one goroutine, so it carries no locking.
type Clock struct {
	now int64
}

// Tick advances the clock by one and returns the new value. Called before
// every send event that originates locally.
func (c *Clock) Tick() int64 {
	c.now++
	return c.now
}

// Observe merges a remote timestamp: the clock becomes max(local, remote)+1.
// Called on every receive of a timestamped message.
func (c *Clock) Observe(remote int64) int64 {
	if remote > c.now {
		c.now = remote
	}
	c.now++
	return c.now
}

// Now returns the current value without advancing it.
func (c *Clock) Now() int64 {
	return c.now
}
