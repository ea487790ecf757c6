package clock

import "time"

// Clock provides current time abstraction for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
type RealClock struct{}

// Now returns current UTC time.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed always returns the same instant.
type Fixed time.Time

// Now returns the fixed instant in UTC.
func (f Fixed) Now() time.Time {
	return time.Time(f).UTC()
}

// AlignedNow returns c.Now() truncated to step; step <= 0 keeps the instant as is.
// Evaluation cycles use it so all monitors of one tick share a stable endtime.
func AlignedNow(c Clock, step time.Duration) time.Time {
	now := c.Now().UTC()
	if step <= 0 {
		return now
	}
	return now.Truncate(step)
}
