// Package clock abstracts wall and monotonic time so that budget periods,
// circuit timeouts, and cache TTLs can be driven deterministically in tests.
package clock

import "time"

// Clock provides wall time and monotonic durations.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// Real is the production clock backed by the time package.
type Real struct{}

func (Real) Now() time.Time                  { return time.Now() }
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }

// Fake is a manually-advanced clock for tests.
type Fake struct {
	Current time.Time
}

// NewFake creates a fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{Current: start}
}

func (f *Fake) Now() time.Time                  { return f.Current }
func (f *Fake) Since(t time.Time) time.Duration { return f.Current.Sub(t) }

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.Current = f.Current.Add(d)
}
