// Package clock abstracts time and timer scheduling so that every component
// which arms a timeout receives its scheduler explicitly.
//
// Production code uses Real. Tests use Mock, which only moves forward when
// Advance is called and fires due timers synchronously on the caller's
// goroutine.
package clock

import "time"

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer (false if it already fired or was stopped).
	Stop() bool
}

// Clock abstracts time operations for deterministic testing.
// Implementations must be safe for concurrent use.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// AfterFunc calls f on its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Real uses the standard library time functions.
type Real struct{}

// Now returns the current time.
func (Real) Now() time.Time { return time.Now() }

// Since returns the duration since the given time.
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }

// AfterFunc schedules f with time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// OrReal returns c, or Real when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
