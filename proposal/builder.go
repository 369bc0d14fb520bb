/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package proposal

import (
	"crypto/rand"
	"io"
	"time"

	"github.com/golang/protobuf/ptypes"
	cb "github.com/hyperledger/fabric-protos-go/common"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/hyperledger/fabric/protoutil"
	"github.com/pkg/errors"
	protov2 "google.golang.org/protobuf/proto"

	"github.com/hyperledger/fabric-sdk-go-core/identity"
	"github.com/hyperledger/fabric-sdk-go-core/sdkerr"
)

// defaultNonceLen matches the nonce size protoutil.ComputeTxID expects and
// the upstream peer/orderer validate against.
const defaultNonceLen = 24

// Builder constructs canonical Proposals per §4.1. A Builder is stateless
// and safe for concurrent use; callers typically keep one Builder per
// Signer/identity.
type Builder struct {
	Signer *identity.Signer

	// RandReader supplies nonce randomness. Defaults to crypto/rand.Reader.
	RandReader io.Reader

	// NonceLen overrides the nonce length in bytes. Defaults to 24.
	NonceLen int

	// Now supplies the proposal timestamp. Defaults to time.Now.
	Now func() time.Time
}

// Request describes the chaincode invocation a Proposal is built from.
type Request struct {
	ChannelID   string
	ChaincodeID string
	Function    string
	Args        [][]byte
	Transient   map[string][]byte

	// Channelless marks a query against a management chaincode (qscc,
	// cscc) that is explicitly permitted to omit ChannelID. Set only by
	// NewManagementQueryProposal; invoke proposals are never channelless.
	Channelless bool
}

// NewInvokeProposal builds a Proposal for a state-changing chaincode
// invocation on channelID.
func (b *Builder) NewInvokeProposal(channelID, chaincodeID, function string, args [][]byte, transient map[string][]byte) (*Proposal, error) {
	return b.Build(Request{
		ChannelID:   channelID,
		ChaincodeID: chaincodeID,
		Function:    function,
		Args:        args,
		Transient:   transient,
	})
}

// NewQueryProposal builds a Proposal for a read-only chaincode evaluation.
// It is wire-identical to an invoke proposal: the distinction between query
// and invoke lives entirely in whether the caller later routes the result
// through CommitCoordinator, not in the proposal's shape.
func (b *Builder) NewQueryProposal(channelID, chaincodeID, function string, args [][]byte) (*Proposal, error) {
	return b.Build(Request{
		ChannelID:   channelID,
		ChaincodeID: chaincodeID,
		Function:    function,
		Args:        args,
	})
}

// NewManagementQueryProposal builds a query Proposal against a management
// chaincode (qscc, cscc) that does not require a channel_id — mirroring the
// teacher's acquireTxSimulator special-case for those chaincodes.
func (b *Builder) NewManagementQueryProposal(chaincodeID, function string, args [][]byte) (*Proposal, error) {
	return b.Build(Request{
		ChaincodeID: chaincodeID,
		Function:    function,
		Args:        args,
		Channelless: true,
	})
}

// Build constructs a canonical, byte-stable Proposal from req. Per §4.1's
// guarantees: (a) identical inputs (including identity, nonce and timestamp) produce
// an identical byte string, (b) TransientlessBytes never carries the
// transient map, and (c) TxID is the hex SHA-256 digest of nonce||creator.
func (b *Builder) Build(req Request) (*Proposal, error) {
	if req.ChaincodeID == "" {
		return nil, sdkerr.NewInvalidArgument("chaincode_id", "must not be empty")
	}
	if req.Function == "" {
		return nil, sdkerr.NewInvalidArgument("function", "must not be empty")
	}
	if req.ChannelID == "" && !req.Channelless {
		return nil, sdkerr.NewInvalidArgument("channel_id", "must not be empty")
	}

	nonceLen := b.NonceLen
	if nonceLen == 0 {
		nonceLen = defaultNonceLen
	}
	randReader := b.RandReader
	if randReader == nil {
		randReader = rand.Reader
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return nil, errors.Wrap(err, "failed to generate proposal nonce")
	}

	creator, err := b.Signer.SerializeCreator()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to serialize creator")
	}

	txID := protoutil.ComputeTxID(nonce, creator)

	ccInput := append([][]byte{[]byte(req.Function)}, req.Args...)
	cis := &pb.ChaincodeInvocationSpec{
		ChaincodeSpec: &pb.ChaincodeSpec{
			Type:        pb.ChaincodeSpec_GOLANG,
			ChaincodeId: &pb.ChaincodeID{Name: req.ChaincodeID},
			Input:       &pb.ChaincodeInput{Args: ccInput},
		},
	}
	cisBytes, err := deterministicMarshal(cis)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal chaincode invocation spec")
	}

	now := time.Now()
	if b.Now != nil {
		now = b.Now()
	}
	ts, err := ptypes.TimestampProto(now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to convert proposal timestamp")
	}

	extBytes, err := deterministicMarshal(&pb.ChaincodeHeaderExtension{
		ChaincodeId: cis.ChaincodeSpec.ChaincodeId,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal chaincode header extension")
	}

	chdr := &cb.ChannelHeader{
		Type:      int32(cb.HeaderType_ENDORSER_TRANSACTION),
		ChannelId: req.ChannelID,
		TxId:      txID,
		Timestamp: ts,
		Extension: extBytes,
	}
	chdrBytes, err := deterministicMarshal(chdr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal channel header")
	}

	shdr := &cb.SignatureHeader{Creator: creator, Nonce: nonce}
	shdrBytes, err := deterministicMarshal(shdr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal signature header")
	}

	hdrBytes, err := deterministicMarshal(&cb.Header{ChannelHeader: chdrBytes, SignatureHeader: shdrBytes})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal header")
	}

	fullPayload := &pb.ChaincodeProposalPayload{Input: cisBytes, TransientMap: req.Transient}
	fullPayloadBytes, err := deterministicMarshal(fullPayload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal chaincode proposal payload")
	}

	strippedPayload := &pb.ChaincodeProposalPayload{Input: cisBytes}
	strippedPayloadBytes, err := deterministicMarshal(strippedPayload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal transientless proposal payload")
	}

	wire := &pb.Proposal{Header: hdrBytes, Payload: fullPayloadBytes}
	wireBytes, err := deterministicMarshal(wire)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal proposal")
	}

	transientlessWire := &pb.Proposal{Header: hdrBytes, Payload: strippedPayloadBytes}
	transientlessBytes, err := deterministicMarshal(transientlessWire)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal transientless proposal")
	}

	return &Proposal{
		ChannelID:     req.ChannelID,
		ChaincodeID:   req.ChaincodeID,
		Function:      req.Function,
		Args:          req.Args,
		Transient:     req.Transient,
		TxID:          txID,
		Nonce:         nonce,
		Creator:       creator,
		Timestamp:     now,
		wire:          wire,
		bytes:         wireBytes,
		transientless: transientlessBytes,
	}, nil
}

// deterministicMarshal marshals msg with map keys sorted so that repeated
// marshals of equal messages always produce byte-identical output, even
// though fabric-protos-go messages carry map fields (TransientMap).
func deterministicMarshal(msg protov2.Message) ([]byte, error) {
	return protov2.MarshalOptions{Deterministic: true}.Marshal(msg)
}
