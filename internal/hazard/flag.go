// Package hazard detects instability on the host and publishes it as a
// fired-once signal that bounded waits can select on.
package hazard

import (
	"sync"
	"time"
)

type Level string

const (
	// Critical means the active configuration must be reverted immediately.
	Critical    Level = "critical"
	NonCritical Level = "non-critical"
)

type Type string

const (
	Memory Type = "memory"
)

// Signal describes what tripped the flag.
type Signal struct {
	Level Level     `json:"level"`
	Type  Type      `json:"type"`
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

// Flag is a one-shot incident signal. Fire closes the Done channel once;
// further Fire calls are ignored until a consumer calls Consume, which
// re-arms the flag with a fresh channel. Exactly one Consume call returns
// true per incident.
type Flag struct {
	mu     sync.Mutex
	fired  bool
	signal Signal
	done   chan struct{}
}

func NewFlag() *Flag {
	return &Flag{done: make(chan struct{})}
}

// Fire raises the flag. It reports whether this call started a new incident.
func (f *Flag) Fire(sig Signal) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fired {
		return false
	}
	f.fired = true
	f.signal = sig
	close(f.done)
	return true
}

// Fired reports whether an incident is pending.
func (f *Flag) Fired() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fired
}

// Signal returns the pending incident, if any.
func (f *Flag) Signal() (Signal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signal, f.fired
}

// Done returns a channel closed when the current incident fires. Callers
// must fetch it again after a Consume.
func (f *Flag) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Consume clears a pending incident and re-arms the flag. Only the caller
// that observes the transition gets ok == true.
func (f *Flag) Consume() (Signal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.fired {
		return Signal{}, false
	}
	sig := f.signal
	f.fired = false
	f.signal = Signal{}
	f.done = make(chan struct{})
	return sig, true
}
