/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package proposal

import (
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"

	"github.com/hyperledger/fabric-sdk-go-core/identity"
)

// Sign signs p's canonical bytes with signer and wraps the result in the
// wire SignedProposal message sent to endorsers.
func Sign(p *Proposal, signer *identity.Signer) (*pb.SignedProposal, error) {
	sig, err := signer.Sign(p.Bytes())
	if err != nil {
		return nil, errors.WithMessage(err, "failed to sign proposal")
	}
	return &pb.SignedProposal{
		ProposalBytes: p.Bytes(),
		Signature:     sig,
	}, nil
}
