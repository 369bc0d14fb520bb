/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package proposal implements §4.1: building a canonical, byte-stable
// signed proposal for a chaincode invocation.
package proposal

import (
	"time"

	pb "github.com/hyperledger/fabric-protos-go/peer"
)

// Proposal is the immutable, canonically-serialized invocation a caller
// signs and sends to endorsers. Once Build returns a Proposal its byte form
// never changes.
type Proposal struct {
	ChannelID   string
	ChaincodeID string
	Function    string
	Args        [][]byte
	Transient   map[string][]byte
	TxID        string
	Nonce       []byte
	Creator     []byte
	Timestamp   time.Time

	wire          *pb.Proposal
	bytes         []byte // canonical signing bytes, transient map included
	transientless []byte // same proposal with the transient map stripped
}

// Bytes returns the canonical, deterministically-serialized proposal bytes
// that are signed and sent to endorsers. Calling Bytes twice on the same
// Proposal always returns byte-identical slices.
func (p *Proposal) Bytes() []byte { return p.bytes }

// TransientlessBytes returns the same proposal serialized with the
// transient map stripped, per guarantee (b): this is the form whose hash
// validators recompute when checking the endorsed envelope, since the
// transient map never leaves the endorsing peer.
func (p *Proposal) TransientlessBytes() []byte { return p.transientless }

// Wire exposes the underlying *peer.Proposal message, e.g. for building a
// SignedProposal to send over the wire.
func (p *Proposal) Wire() *pb.Proposal { return p.wire }
