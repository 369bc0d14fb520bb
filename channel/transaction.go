/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package channel

import (
	"bytes"

	"github.com/golang/protobuf/proto"
	cb "github.com/hyperledger/fabric-protos-go/common"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"

	"github.com/hyperledger/fabric-sdk-go-core/identity"
	"github.com/hyperledger/fabric-sdk-go-core/internal/wire"
	"github.com/hyperledger/fabric-sdk-go-core/proposal"
	"github.com/hyperledger/fabric-sdk-go-core/sdkerr"
)

// assembleTransactionEnvelope builds the signed commit envelope from a
// built Proposal and its collected endorsements, adapted from
// protoutil's CreateSignedTx/ConstructUnsignedTxEnvelope: verify every
// endorsement agrees on the simulated result, fold them into one
// ChaincodeEndorsedAction, wrap that in a Transaction, and sign the
// resulting payload with this module's own Signer rather than an
// msp.SigningIdentity.
func assembleTransactionEnvelope(p *proposal.Proposal, responses []*pb.ProposalResponse, signer *identity.Signer) (*cb.Envelope, error) {
	if len(responses) == 0 {
		return nil, sdkerr.NewInvalidArgument("responses", "at least one endorsement is required to assemble a transaction")
	}

	var reference []byte
	endorsements := make([]*pb.Endorsement, len(responses))
	for i, r := range responses {
		if i == 0 {
			reference = r.Payload
		} else if !bytes.Equal(reference, r.Payload) {
			return nil, sdkerr.NewInvalidArgument("responses", "endorsement payloads do not match")
		}
		endorsements[i] = r.Endorsement
	}

	cea := &pb.ChaincodeEndorsedAction{
		ProposalResponsePayload: responses[0].Payload,
		Endorsements:            endorsements,
	}
	capBytes, err := proto.Marshal(&pb.ChaincodeActionPayload{
		ChaincodeProposalPayload: p.TransientlessBytes(),
		Action:                   cea,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal chaincode action payload")
	}

	header := &cb.Header{}
	if err := proto.Unmarshal(p.Wire().Header, header); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal proposal header")
	}

	txAction := &pb.TransactionAction{Header: header.SignatureHeader, Payload: capBytes}
	txBytes, err := proto.Marshal(&pb.Transaction{Actions: []*pb.TransactionAction{txAction}})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal transaction")
	}

	return wire.CreateEnvelope(txBytes, header, signer)
}
