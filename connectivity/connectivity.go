// Package connectivity provides the network reachability signal consulted by
// cache staleness checks.
//
// The signal is always injected. Nothing in this module reads a process-wide
// connectivity flag, so tests substitute a [Switch] and production code wires
// a [Prober], a [github.com/agentuity/offline-cache/resilience.CircuitBreaker]
// or a combination of both through [All].
package connectivity

import "sync/atomic"

// Signal reports whether the remote store is currently reachable.
// IsOnline is read synchronously at check time and must not block.
type Signal interface {
	IsOnline() bool
}

// Func adapts a plain function to a Signal.
type Func func() bool

func (f Func) IsOnline() bool { return f() }

// Online is a Signal that always reports reachable.
var Online Signal = Func(func() bool { return true })

// Offline is a Signal that never reports reachable.
var Offline Signal = Func(func() bool { return false })

// Switch is a Signal whose value is set explicitly, e.g. from a platform
// reachability callback or a test.
type Switch struct {
	online atomic.Bool
}

var _ Signal = (*Switch)(nil)

// NewSwitch returns a Switch with the given initial state.
func NewSwitch(online bool) *Switch {
	s := &Switch{}
	s.online.Store(online)
	return s
}

func (s *Switch) IsOnline() bool { return s.online.Load() }

// Set updates the state and returns the previous one.
func (s *Switch) Set(online bool) bool { return s.online.Swap(online) }

type all []Signal

func (a all) IsOnline() bool {
	for _, s := range a {
		if !s.IsOnline() {
			return false
		}
	}
	return true
}

// All returns a Signal that is online only while every given signal is.
// With no signals it is always online.
func All(signals ...Signal) Signal {
	return all(signals)
}
