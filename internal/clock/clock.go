package clock

import (
	"sync"
	"time"
)

// Clock is the time source for every bounded wait in the agent.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake is a deterministic clock for tests. Every call to After advances the
// clock by the requested duration and returns an already-fired channel, so a
// ten minute measurement window completes instantly with exact elapsed time.
//
// Thread-safety: all methods are safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waits   []time.Duration
	onAfter func(d time.Duration)
}

// NewFake creates a fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After records the wait, runs the OnAfter hook (if any) and then advances
// the clock. The hook runs before time moves so it observes the start of
// the wait.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	f.waits = append(f.waits, d)
	hook := f.onAfter
	f.mu.Unlock()

	if hook != nil {
		hook(d)
	}

	f.mu.Lock()
	if d > 0 {
		f.now = f.now.Add(d)
	}
	now := f.now
	f.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Advance moves the clock forward without recording a wait.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// OnAfter installs a hook invoked at the start of every After call.
func (f *Fake) OnAfter(fn func(d time.Duration)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onAfter = fn
}

// Waits returns a copy of every duration passed to After so far.
func (f *Fake) Waits() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.waits...)
}
