package tick

import "time"

// Clock converts elapsed wall-clock time into whole-millisecond tick deltas.
// Sub-millisecond remainders carry over so rounding never drifts.
type Clock struct {
	now   func() time.Time
	last  time.Time
	carry time.Duration
}

// NewClock returns a clock reading now; nil means time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	c := &Clock{now: now}
	c.Reset()
	return c
}

// Reset restarts measurement from the current instant.
func (c *Clock) Reset() {
	c.last = c.now()
	c.carry = 0
}

// Delta returns the time since the previous call rounded to whole milliseconds.
func (c *Clock) Delta() time.Duration {
	t := c.now()
	elapsed := t.Sub(c.last) + c.carry
	c.last = t
	ms := (elapsed + time.Millisecond/2) / time.Millisecond
	if ms < 0 {
		ms = 0
	}
	d := ms * time.Millisecond
	c.carry = elapsed - d
	return d
}
