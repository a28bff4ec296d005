package engine

import "time"

// Clock supplies the wall-clock instant used for local expiry decisions.
//
// Production uses SystemClock. Tests use a manual clock so a session saved
// with an 8h expiry can be checked at exactly T+8h.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time {
	return f()
}
