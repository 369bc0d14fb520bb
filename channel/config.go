/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package channel implements §4.7: the ChannelFacade, the caller-facing
// aggregate of a channel's discovered topology, block event hubs, and the
// endorsement/commit coordinators.
package channel

import (
	"time"

	"github.com/hyperledger/fabric-sdk-go-core/internal/wire"
)

// ClientConfig carries the transport-level settings shared by every channel
// a client talks to: TLS/mTLS material and gRPC keepalive parameters.
// Constructed once by the caller and passed into channel constructors —
// there is no global singleton, per the design note on explicit context.
type ClientConfig struct {
	TLS       wire.TLSConfig
	Keepalive wire.KeepaliveConfig
}

// ChannelConfig carries one channel's identity and timeouts.
type ChannelConfig struct {
	ChannelID string

	EndorsementTimeout time.Duration
	CommitTimeout      time.Duration
	EventSetupTimeout  time.Duration

	// DiscoveryRefreshInterval controls how often the facade re-polls its
	// DiscoveryClient for peer/orderer topology changes. Zero selects a
	// one-minute default.
	DiscoveryRefreshInterval time.Duration
}
