package block

import "time"

// Clock measures monotonic milliseconds since it was created.
type Clock struct {
	base time.Time
	now  func() time.Time
}

// NewClock returns a clock anchored at now(). A nil now uses time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{base: now(), now: now}
}

// Millis returns the elapsed milliseconds, never less than zero.
func (c *Clock) Millis() uint64 {
	d := c.now().Sub(c.base)
	if d < 0 {
		return 0
	}
	return uint64(d / time.Millisecond)
}
