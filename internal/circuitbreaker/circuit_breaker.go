/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package circuitbreaker guards a flaky remote dependency (an orderer or a
// peer) the way core/endorser/circuit_breaker.go guards leader connectivity
// checks in the upstream peer: after a run of failures it stops dialing for
// a cooldown window instead of piling up dead connection attempts.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// State is the circuit's current disposition.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// Config tunes the breaker's failure threshold and cooldown.
type Config struct {
	Threshold int
	Timeout   time.Duration
}

// DefaultConfig matches the upstream endorser's defaults.
func DefaultConfig() Config {
	return Config{Threshold: 5, Timeout: 30 * time.Second}
}

// OnTrip is invoked whenever the circuit transitions Closed/HalfOpen -> Open,
// HalfOpen -> Closed, or Open -> HalfOpen. Callers wire metrics counters
// here; a nil OnTrip is fine.
type OnTrip func(from, to State)

// Breaker implements a simple failure-threshold circuit breaker.
type Breaker struct {
	mu              sync.RWMutex
	failures        int
	lastFailureTime time.Time
	config          Config
	state           State
	onTrip          OnTrip
}

func New(config Config, onTrip OnTrip) *Breaker {
	return &Breaker{config: config, state: Closed, onTrip: onTrip}
}

// ErrOpen is returned by Execute while the circuit is open.
var ErrOpen = errors.New("circuit breaker is open")

// Execute runs operation, tripping the breaker on repeated failure and
// short-circuiting calls while open.
func (b *Breaker) Execute(operation func() error) error {
	b.mu.RLock()
	if b.state == Open {
		if time.Since(b.lastFailureTime) < b.config.Timeout {
			b.mu.RUnlock()
			return ErrOpen
		}
		b.mu.RUnlock()
		b.mu.Lock()
		b.transition(Open, HalfOpen)
		b.mu.Unlock()
	} else {
		b.mu.RUnlock()
	}

	err := operation()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		if b.state == HalfOpen {
			b.lastFailureTime = time.Now()
			b.transition(HalfOpen, Open)
		} else if b.failures >= b.config.Threshold {
			b.lastFailureTime = time.Now()
			b.transition(b.state, Open)
		}
		return err
	}

	b.failures = 0
	b.transition(b.state, Closed)
	return nil
}

// transition must be called with mu held.
func (b *Breaker) transition(from, to State) {
	b.state = to
	if b.onTrip != nil && from != to {
		b.onTrip(from, to)
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}
