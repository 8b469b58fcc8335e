// Package clock defines the monotonically non-decreasing wall-clock
// capability required by the session manager and the garbage collector,
// backed by github.com/benbjohnson/clock so tests can control time
// directly instead of sleeping in wall time.
package clock

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Clock returns wall-time instants that never move backwards and schedules
// timers against that same notion of time.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is the subset of clock.Timer the core needs; kept as an interface
// so the mock clock's timers satisfy it too.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

type realClock struct {
	c clock.Clock
}

// New returns a Clock backed by the real system clock.
func New() Clock {
	return &realClock{c: clock.New()}
}

func (r *realClock) Now() time.Time                      { return r.c.Now() }
func (r *realClock) After(d time.Duration) <-chan time.Time { return r.c.After(d) }
func (r *realClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: r.c.Timer(d)}
}

type realTimer struct {
	t *clock.Timer
}

func (t *realTimer) C() <-chan time.Time  { return t.t.C }
func (t *realTimer) Stop() bool           { return t.t.Stop() }
func (t *realTimer) Reset(d time.Duration) bool { return t.t.Reset(d) }

// NewMock returns a Clock whose Now()/After()/NewTimer() only advance when
// the returned *clock.Mock is advanced explicitly, for deterministic tests
// of lease expiry, GC sweep timing, and lock-wait cancellation.
func NewMock() (Clock, *clock.Mock) {
	m := clock.NewMock()
	return &realClock{c: m}, m
}
