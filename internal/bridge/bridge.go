// Package bridge holds what every protocol bridge shares: the connection
// state machine, the fixed-interval reconnector, and the adapter runtime that
// wires a bridge to the broker client.
package bridge

import (
	"sync"
	"sync/atomic"
	"time"
)

// State of a bridge's link to its external system. HTTP-based bridges have no
// persistent connection, so for them the machine degrades to
// available/unavailable based on the last call's outcome.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// StateRef is an atomically updated State usable from connection goroutines.
type StateRef struct {
	v atomic.Int32
}

func (r *StateRef) Load() State   { return State(r.v.Load()) }
func (r *StateRef) Store(s State) { r.v.Store(int32(s)) }

// CompareAndSwap transitions from old to new atomically, reporting success.
func (r *StateRef) CompareAndSwap(old, new State) bool {
	return r.v.CompareAndSwap(int32(old), int32(new))
}

// Reconnector schedules connection attempts at a fixed interval from a single
// scheduling point, so concurrent failures cannot stack duplicate attempts.
// The interval is constant, not exponential: the external systems this layer
// targets are co-located and recover fast.
type Reconnector struct {
	interval time.Duration
	attempt  func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewReconnector builds a reconnector that calls attempt after each schedule.
func NewReconnector(interval time.Duration, attempt func()) *Reconnector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if attempt == nil {
		panic("orderlink: reconnect attempt func cannot be nil")
	}
	return &Reconnector{interval: interval, attempt: attempt}
}

// Schedule arms the timer unless one is already pending or the reconnector
// was stopped.
func (r *Reconnector) Schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.timer != nil {
		return
	}
	r.timer = time.AfterFunc(r.interval, func() {
		r.mu.Lock()
		r.timer = nil
		stopped := r.stopped
		r.mu.Unlock()
		if stopped {
			return
		}
		r.attempt()
	})
}

// Stop cancels any pending attempt and prevents future ones.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
