/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package spi declares the service-provider interfaces this SDK consumes
// from external collaborators (§6): the cryptographic suite, the identity
// store/wallet, and the discovery client. None of these are implemented
// here — per the design note on inheritance hierarchies, each reduces to a
// small capability interface that a caller supplies a concrete
// implementation for (software crypto, HSM crypto, file-backed wallet,
// document-db wallet, a live discovery client, ...).
package spi

import "crypto"

// Key is an opaque handle to private key material. Implementations never
// expose the raw key outside the CryptoSuite that imported it.
type Key interface {
	SKI() []byte
	Private() bool
}

// KeyImportOpts parametrizes CryptoSuite.ImportKey (curve, key format, ...).
type KeyImportOpts interface {
	Algorithm() string
}

// CryptoSuite is the cryptographic capability this SDK depends on. Signing,
// verifying, hashing and key import are all delegated here; this module
// never implements ECDSA/RSA itself.
type CryptoSuite interface {
	Sign(key Key, digest []byte, opts crypto.SignerOpts) ([]byte, error)
	Verify(key Key, signature, digest []byte) (bool, error)
	Hash(msg []byte) ([]byte, error)
	ImportKey(pemBytes []byte, opts KeyImportOpts) (Key, error)
}

// Identity is an MSP-scoped identity: an MSP id, a PEM certificate, and a
// handle to the associated private key.
type Identity struct {
	MSPID       string
	Certificate []byte // PEM-encoded
	PrivateKey  Key
}

// IdentityStore is the wallet abstraction this SDK reads identities from.
// Persistence format (file-backed, in-memory, document-db backed) is the
// caller's concern.
type IdentityStore interface {
	Get(label string) (*Identity, error)
	Put(label string, identity *Identity) error
	List() ([]string, error)
	Delete(label string) error
}

// PeerDescriptor is one peer entry as reported by discovery: its gRPC
// endpoint, its MSP, and a freshness score (ledger height at discovery
// time, per §4.3).
type PeerDescriptor struct {
	Endpoint string
	MSPID    string
	Score    uint64
}

// Group is a named set of candidate peers and the count of endorsements
// required from that set to satisfy a layout.
type Group struct {
	Name     string
	Required int
	Peers    []PeerDescriptor
}

// Layout maps group name to the count required from that group for the
// layout to be satisfied. A layout succeeds when every named group meets
// its required count from among the groups carried alongside it in the
// EndorsementPlan.
type Layout map[string]int

// EndorsementPlan is the layout-and-group plan produced by discovery (§3).
type EndorsementPlan struct {
	Groups  map[string]Group
	Layouts []Layout
}

// OrdererDescriptor is one orderer entry in a channel's configured list.
type OrdererDescriptor struct {
	Endpoint  string
	Connected bool
}

// DiscoveryClient is the service-discovery collaborator this SDK queries
// for endorsement plans and peer/orderer topology. The discovery algorithm
// itself (scoring, layout construction) is out of scope for this module.
type DiscoveryClient interface {
	GetEndorsementPlan(channelID, chaincodeID string) (*EndorsementPlan, error)
	GetPeers(channelID string) ([]PeerDescriptor, error)
	GetOrderers(channelID string) ([]OrdererDescriptor, error)
}
