/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package metrics collects the counters and gauges the client SDK reports,
// built on the same github.com/hyperledger/fabric/common/metrics provider
// abstraction the upstream Endorser uses for e.Metrics.ProposalsReceived et
// al. Every field is safe to use when Metrics itself is nil (all methods
// are nil-receiver safe) so components that were not given a provider can
// skip instrumentation exactly like the upstream's "if e.Metrics.X != nil"
// checks.
package metrics

import (
	"github.com/hyperledger/fabric/common/metrics"
)

var (
	proposalsSentOpts = metrics.CounterOpts{
		Namespace: "fabric_sdk",
		Subsystem: "endorsement",
		Name:      "proposals_sent",
		Help:      "Number of signed proposals sent to peers.",
	}
	endorsementsFailedOpts = metrics.CounterOpts{
		Namespace: "fabric_sdk",
		Subsystem: "endorsement",
		Name:      "endorsements_failed",
		Help:      "Number of per-peer endorsement attempts that failed.",
	}
	layoutsAttemptedOpts = metrics.CounterOpts{
		Namespace: "fabric_sdk",
		Subsystem: "endorsement",
		Name:      "layouts_attempted",
		Help:      "Number of endorsement plan layouts attempted.",
	}
	commitsSentOpts = metrics.CounterOpts{
		Namespace: "fabric_sdk",
		Subsystem: "commit",
		Name:      "broadcasts_sent",
		Help:      "Number of broadcast attempts sent to orderers.",
	}
	commitsFailedOpts = metrics.CounterOpts{
		Namespace: "fabric_sdk",
		Subsystem: "commit",
		Name:      "broadcasts_failed",
		Help:      "Number of broadcast attempts that failed.",
	}
	blocksReceivedOpts = metrics.CounterOpts{
		Namespace: "fabric_sdk",
		Subsystem: "event",
		Name:      "blocks_received",
		Help:      "Number of blocks delivered to a block event hub.",
	}
	hubDisconnectsOpts = metrics.CounterOpts{
		Namespace: "fabric_sdk",
		Subsystem: "event",
		Name:      "hub_disconnects",
		Help:      "Number of block event hub shutdown transitions.",
	}
	registrationsOpts = metrics.GaugeOpts{
		Namespace: "fabric_sdk",
		Subsystem: "event",
		Name:      "registrations",
		Help:      "Current registration count by kind.",
	}
)

// Metrics bundles the counters/gauges this module reports. A nil *Metrics
// is valid: every method no-ops in that case.
type Metrics struct {
	ProposalsSent      metrics.Counter
	EndorsementsFailed metrics.Counter
	LayoutsAttempted   metrics.Counter
	CommitsSent        metrics.Counter
	CommitsFailed      metrics.Counter
	BlocksReceived     metrics.Counter
	HubDisconnects      metrics.Counter
	Registrations      metrics.Gauge
}

// New builds a Metrics instance from a provider, mirroring how the upstream
// peer wires Endorser.Metrics from its own metrics.Provider at startup.
func New(provider metrics.Provider) *Metrics {
	if provider == nil {
		return nil
	}
	return &Metrics{
		ProposalsSent:      provider.NewCounter(proposalsSentOpts),
		EndorsementsFailed: provider.NewCounter(endorsementsFailedOpts),
		LayoutsAttempted:   provider.NewCounter(layoutsAttemptedOpts),
		CommitsSent:        provider.NewCounter(commitsSentOpts),
		CommitsFailed:      provider.NewCounter(commitsFailedOpts),
		BlocksReceived:     provider.NewCounter(blocksReceivedOpts),
		HubDisconnects:     provider.NewCounter(hubDisconnectsOpts),
		Registrations:      provider.NewGauge(registrationsOpts),
	}
}

func addCounter(c metrics.Counter, delta float64, labels ...string) {
	if c == nil {
		return
	}
	if len(labels) > 0 {
		c = c.With(labels...)
	}
	c.Add(delta)
}

func (m *Metrics) ProposalSent(peer string) {
	if m == nil {
		return
	}
	addCounter(m.ProposalsSent, 1, "peer", peer)
}

func (m *Metrics) EndorsementFailed(peer string) {
	if m == nil {
		return
	}
	addCounter(m.EndorsementsFailed, 1, "peer", peer)
}

func (m *Metrics) LayoutAttempted() {
	if m == nil {
		return
	}
	addCounter(m.LayoutsAttempted, 1)
}

func (m *Metrics) CommitSent(orderer string) {
	if m == nil {
		return
	}
	addCounter(m.CommitsSent, 1, "orderer", orderer)
}

func (m *Metrics) CommitFailed(orderer string) {
	if m == nil {
		return
	}
	addCounter(m.CommitsFailed, 1, "orderer", orderer)
}

func (m *Metrics) BlockReceived(peer string) {
	if m == nil {
		return
	}
	addCounter(m.BlocksReceived, 1, "peer", peer)
}

func (m *Metrics) HubDisconnected(peer string) {
	if m == nil {
		return
	}
	addCounter(m.HubDisconnects, 1, "peer", peer)
}

func (m *Metrics) SetRegistrations(kind string, n int) {
	if m == nil || m.Registrations == nil {
		return
	}
	m.Registrations.With("kind", kind).Set(float64(n))
}
