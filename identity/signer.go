/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package identity implements §4.2: signing arbitrary payloads with an
// identity's private key, and serializing the (MSPID, certificate) creator
// pair used in every proposal/transaction header.
package identity

import (
	"crypto"
	"sync"

	"github.com/golang/protobuf/proto"
	"github.com/hyperledger/fabric-protos-go/msp"
	"github.com/pkg/errors"

	"github.com/hyperledger/fabric-sdk-go-core/spi"
)

// Signer signs byte payloads on behalf of a single identity. The low-S
// ECDSA malleability normalization §4.2 requires is the CryptoSuite's
// responsibility (the cryptographic suite is an external collaborator,
// out of scope per §1) - Signer only owns serialization and mutual
// exclusion around the suite's key handle. Signing is
// guarded by a mutex because the underlying CryptoSuite's key handle is not
// guaranteed reentrant (per §4.2's concurrency contract), and the same
// Signer may be shared by several concurrently-running proposal builds.
type Signer struct {
	mu     sync.Mutex
	id     *spi.Identity
	suite  spi.CryptoSuite
	hashFn crypto.Hash
}

// New builds a Signer for the given identity using the supplied
// CryptoSuite. hashFn selects the digest algorithm passed to the suite
// (crypto.SHA256 unless otherwise configured).
func New(id *spi.Identity, suite spi.CryptoSuite, hashFn crypto.Hash) *Signer {
	if hashFn == 0 {
		hashFn = crypto.SHA256
	}
	return &Signer{id: id, suite: suite, hashFn: hashFn}
}

// Sign hashes msg and signs the digest with the identity's private key.
// Safe for concurrent use by multiple goroutines sharing this Signer.
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	digest, err := s.suite.Hash(msg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to hash message for signing")
	}

	sig, err := s.suite.Sign(s.id.PrivateKey, digest, s.hashFn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign digest")
	}
	return sig, nil
}

// SerializeCreator returns the (MSPID, certificate) creator bytes carried
// in every SignatureHeader, serialized as the wire msp.SerializedIdentity
// message per §6's "bit-exact" interoperability requirement.
func (s *Signer) SerializeCreator() ([]byte, error) {
	return SerializeCreator(s.id)
}

// SerializeCreator is the free function form, usable without constructing a
// full Signer (e.g. by the proposal builder when only the creator bytes,
// not a signature, are needed).
func SerializeCreator(id *spi.Identity) ([]byte, error) {
	sid := &msp.SerializedIdentity{
		Mspid:   id.MSPID,
		IdBytes: id.Certificate,
	}
	b, err := proto.Marshal(sid)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal serialized identity")
	}
	return b, nil
}

// MSPID reports the identity's membership service provider id.
func (s *Signer) MSPID() string { return s.id.MSPID }
