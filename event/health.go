/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package event

import (
	"context"
	"sync"
	"time"
)

// HealthStatus is a point-in-time snapshot of a hub's stream state, used by
// Monitor and exposed to callers that want to report hub health alongside
// their own.
type HealthStatus struct {
	Endpoint      string
	State         State
	LastCheckTime time.Time
	LastSeenBlock uint64
	Details       map[string]interface{}
}

// Monitor periodically checks a Hub's state and triggers Reconnect when it
// finds the hub has shut down from a non-orderly cause (a transport error
// rather than an explicit Close). It supplements §4.5's core hub lifecycle
// with the automatic-reconnect behavior discovery-backed deployments expect
// from a long-lived subscription.
type Monitor struct {
	hub      *Hub
	interval time.Duration

	mu     sync.RWMutex
	status *HealthStatus

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewMonitor builds a Monitor for hub, checking every interval.
func NewMonitor(hub *Hub, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		hub:      hub,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Run blocks, performing periodic health checks until ctx is done or Stop is
// called. It is meant to run in its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// Stop halts the monitor's Run loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

func (m *Monitor) check(ctx context.Context) {
	m.hub.mu.Lock()
	state := m.hub.state
	lastSeen := m.hub.lastSeen
	m.hub.mu.Unlock()

	status := &HealthStatus{
		Endpoint:      m.hub.Endpoint,
		State:         state,
		LastCheckTime: time.Now(),
		LastSeenBlock: lastSeen,
		Details:       map[string]interface{}{"state": state.String()},
	}

	if state == Shutdown && !m.hub.shutdownWasOrderly() {
		m.hub.logger.Warnw("hub health check observed a non-orderly shutdown, reconnecting", "endpoint", m.hub.Endpoint)
		if err := m.hub.Reconnect(ctx, nil); err != nil {
			status.Details["reconnectError"] = err.Error()
		}
	}

	m.mu.Lock()
	m.status = status
	m.mu.Unlock()
}

// Status returns the most recent health check snapshot, or nil if none has
// run yet.
func (m *Monitor) Status() *HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}
