/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package channel

import (
	"crypto"
	"testing"

	"github.com/golang/protobuf/proto"
	cb "github.com/hyperledger/fabric-protos-go/common"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/stretchr/testify/require"

	"github.com/hyperledger/fabric-sdk-go-core/identity"
	"github.com/hyperledger/fabric-sdk-go-core/proposal"
	"github.com/hyperledger/fabric-sdk-go-core/spi"
)

type fakeKey struct{}

func (k *fakeKey) SKI() []byte  { return []byte("ski") }
func (k *fakeKey) Private() bool { return true }

type fakeSuite struct{}

func (f *fakeSuite) Hash(msg []byte) ([]byte, error) { return msg, nil }
func (f *fakeSuite) Sign(key spi.Key, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	return append([]byte("sig:"), digest...), nil
}
func (f *fakeSuite) Verify(spi.Key, []byte, []byte) (bool, error) { return true, nil }
func (f *fakeSuite) ImportKey([]byte, spi.KeyImportOpts) (spi.Key, error) {
	return &fakeKey{}, nil
}

func testSigner() *identity.Signer {
	id := &spi.Identity{MSPID: "Org1MSP", Certificate: []byte("cert-bytes"), PrivateKey: &fakeKey{}}
	return identity.New(id, &fakeSuite{}, crypto.SHA256)
}

func buildTestProposal(t *testing.T) *proposal.Proposal {
	t.Helper()
	b := &proposal.Builder{Signer: testSigner()}
	p, err := b.Build(proposal.Request{
		ChannelID:   "mychannel",
		ChaincodeID: "mycc",
		Function:    "put",
		Args:        [][]byte{[]byte("k"), []byte("v")},
	})
	require.NoError(t, err)
	return p
}

func endorsementResponse(t *testing.T, payload []byte) *pb.ProposalResponse {
	t.Helper()
	return &pb.ProposalResponse{
		Response: &pb.Response{Status: 200},
		Payload:  payload,
		Endorsement: &pb.Endorsement{
			Endorser:  []byte("endorser-cert"),
			Signature: []byte("endorser-sig"),
		},
	}
}

func TestAssembleTransactionEnvelopeRequiresAtLeastOneResponse(t *testing.T) {
	p := buildTestProposal(t)
	_, err := assembleTransactionEnvelope(p, nil, testSigner())
	require.Error(t, err)
}

func TestAssembleTransactionEnvelopeRejectsMismatchedPayloads(t *testing.T) {
	p := buildTestProposal(t)
	responses := []*pb.ProposalResponse{
		endorsementResponse(t, []byte("payload-a")),
		endorsementResponse(t, []byte("payload-b")),
	}
	_, err := assembleTransactionEnvelope(p, responses, testSigner())
	require.Error(t, err)
}

func TestAssembleTransactionEnvelopeFoldsEndorsementsIntoOneTransaction(t *testing.T) {
	p := buildTestProposal(t)
	responses := []*pb.ProposalResponse{
		endorsementResponse(t, []byte("agreed-payload")),
		endorsementResponse(t, []byte("agreed-payload")),
	}

	env, err := assembleTransactionEnvelope(p, responses, testSigner())
	require.NoError(t, err)
	require.NotNil(t, env)
	require.NotEmpty(t, env.Signature)

	var payload cb.Payload
	require.NoError(t, proto.Unmarshal(env.Payload, &payload))

	var txn pb.Transaction
	require.NoError(t, proto.Unmarshal(payload.Data, &txn))
	require.Len(t, txn.Actions, 1)

	var actionPayload pb.ChaincodeActionPayload
	require.NoError(t, proto.Unmarshal(txn.Actions[0].Payload, &actionPayload))
	require.Len(t, actionPayload.Action.Endorsements, 2)
	require.Equal(t, []byte("agreed-payload"), actionPayload.Action.ProposalResponsePayload)
}
