// Package system provides the wall clock used for spider lifecycle
// timestamps.
package system

import "time"

// Clock implements crawler.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC. The monotonic reading is kept so
// Since stays correct across wall-clock adjustments.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since returns the elapsed time since t, never negative.
func (Clock) Since(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	d := time.Since(t)
	if d < 0 {
		return 0
	}
	return d
}
