// Package clock provides an injectable time source so timeout and
// poll-loop logic can be driven deterministically in tests.
package clock

import "github.com/jonboulle/clockwork"

// Clock is clockwork.Clock, re-exported under this package's name.
type Clock = clockwork.Clock

// New returns the real, wall-clock implementation.
func New() Clock {
	return clockwork.NewRealClock()
}

// NewFake returns a controllable clock for tests.
func NewFake() clockwork.FakeClock {
	return clockwork.NewFakeClock()
}
