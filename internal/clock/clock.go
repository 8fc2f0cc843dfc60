// Package clock abstracts time-related functions for easier testing and
// provides the deadline arithmetic used by lock acquisition budgets.
package clock

import "time"

// Clock abstracts time for components that compute deadlines.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least the supplied duration.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// ExpectedEndTime computes the absolute deadline for a relative timeout.
// A non-positive timeout yields a deadline equal to now, which makes every
// subsequent Remaining call report an exhausted budget.
func ExpectedEndTime(c Clock, timeout time.Duration) time.Time {
	now := c.Now()
	if timeout <= 0 {
		return now
	}
	return now.Add(timeout)
}

// Remaining reports how much of the budget is left before the deadline.
// It never returns a negative duration.
func Remaining(c Clock, deadline time.Time) time.Duration {
	left := deadline.Sub(c.Now())
	if left < 0 {
		return 0
	}
	return left
}
