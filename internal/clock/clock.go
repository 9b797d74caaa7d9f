// Package clock abstracts wall time so time-dependent logic (quota resets,
// rate windows, pruning cutoffs) can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Real returns the system clock.
func Real() Clock { return realClock{} }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a fake clock set to start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set moves the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Stamper hands out strictly increasing timestamps. Two writes never share
// a timestamp even when the underlying clock has coarse resolution or
// stands still.
type Stamper struct {
	mu    sync.Mutex
	clock Clock
	last  time.Time
}

// NewStamper returns a Stamper reading from c.
func NewStamper(c Clock) *Stamper {
	return &Stamper{clock: c}
}

// Stamp returns max(now, last+1ns), truncated to UTC.
func (s *Stamper) Stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now().UTC().Round(0)
	if !now.After(s.last) {
		now = s.last.Add(time.Nanosecond)
	}
	s.last = now
	return now
}

// Observe raises the floor so later stamps come after t. Used at startup
// with the newest persisted timestamp.
func (s *Stamper) Observe(t time.Time) {
	s.mu.Lock()
	if t.After(s.last) {
		s.last = t.UTC().Round(0)
	}
	s.mu.Unlock()
}
