// Package lifecycle exposes the host process's accepting/draining state to
// request handlers.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// State is the host process lifecycle state.
type State int

const (
	Accepting State = iota
	Draining
)

func (s State) String() string {
	switch s {
	case Accepting:
		return "accepting"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// Provider is queried on every decision; implementations must return the
// current state, not a cached snapshot.
type Provider interface {
	CurrentState() State
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func() State

func (f ProviderFunc) CurrentState() State { return f() }

// Flag is the host-side shutdown flag. The zero value is Accepting.
// Once draining it never returns to accepting.
type Flag struct {
	drainingSince atomic.Int64 // unix nanos, 0 while accepting
}

func NewFlag() *Flag {
	return &Flag{}
}

// BeginDrain moves the flag to Draining. Returns true only for the call that
// performed the transition.
func (f *Flag) BeginDrain() bool {
	return f.drainingSince.CompareAndSwap(0, time.Now().UnixNano())
}

func (f *Flag) CurrentState() State {
	if f.drainingSince.Load() != 0 {
		return Draining
	}
	return Accepting
}

// DrainingSince returns when draining began, or the zero time.
func (f *Flag) DrainingSince() time.Time {
	ns := f.drainingSince.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
