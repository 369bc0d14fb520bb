/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package event

import (
	"testing"

	"github.com/golang/protobuf/proto"
	cb "github.com/hyperledger/fabric-protos-go/common"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/stretchr/testify/require"
)

func marshal(t *testing.T, m proto.Message) []byte {
	t.Helper()
	b, err := proto.Marshal(m)
	require.NoError(t, err)
	return b
}

func buildEndorserTxEnvelope(t *testing.T, txID string, events []*pb.ChaincodeEvent) []byte {
	t.Helper()

	var actions []*pb.TransactionAction
	for _, ev := range events {
		ccAction := &pb.ChaincodeAction{Events: marshal(t, ev)}
		proposalRespPayload := &pb.ProposalResponsePayload{Extension: marshal(t, ccAction)}
		ccActionPayload := &pb.ChaincodeActionPayload{
			Action: &pb.ChaincodeEndorsedAction{ProposalResponsePayload: marshal(t, proposalRespPayload)},
		}
		actions = append(actions, &pb.TransactionAction{Payload: marshal(t, ccActionPayload)})
	}
	tx := &pb.Transaction{Actions: actions}

	chdr := &cb.ChannelHeader{
		Type:      int32(cb.HeaderType_ENDORSER_TRANSACTION),
		ChannelId: "mychannel",
		TxId:      txID,
	}
	payload := &cb.Payload{
		Header: &cb.Header{ChannelHeader: marshal(t, chdr)},
		Data:   marshal(t, tx),
	}
	envelope := &cb.Envelope{Payload: marshal(t, payload)}
	return marshal(t, envelope)
}

func TestDecodeFullBlockExtractsValidatedTransactionsAndEvents(t *testing.T) {
	event1 := &pb.ChaincodeEvent{ChaincodeId: "mycc", EventName: "created", Payload: []byte("p1")}
	envBytes := buildEndorserTxEnvelope(t, "tx1", []*pb.ChaincodeEvent{event1})

	block := &pb.Block{
		Header: &cb.BlockHeader{Number: 42},
		Data:   &cb.BlockData{Data: [][]byte{envBytes}},
		Metadata: &cb.BlockMetadata{
			Metadata: make([][]byte, cb.BlockMetadataIndex_TRANSACTIONS_FILTER+1),
		},
	}
	block.Metadata.Metadata[cb.BlockMetadataIndex_TRANSACTIONS_FILTER] = []byte{byte(pb.TxValidationCode_VALID)}

	fb, err := decodeFullBlock(block)
	require.NoError(t, err)
	require.Len(t, fb.Transactions, 1)
	require.Equal(t, "tx1", fb.Transactions[0].TxID)
	require.True(t, IsValid(fb.Transactions[0].ValidationCode))

	require.Len(t, fb.CCEvents, 1)
	require.Equal(t, "mycc", fb.CCEvents[0].ChaincodeID)
	require.Equal(t, "created", fb.CCEvents[0].EventName)
	require.Equal(t, uint64(42), fb.CCEvents[0].BlockNumber)
}

func TestDecodeFullBlockSkipsEventsForInvalidTransaction(t *testing.T) {
	event1 := &pb.ChaincodeEvent{ChaincodeId: "mycc", EventName: "created"}
	envBytes := buildEndorserTxEnvelope(t, "tx1", []*pb.ChaincodeEvent{event1})

	block := &pb.Block{
		Header: &cb.BlockHeader{Number: 1},
		Data:   &cb.BlockData{Data: [][]byte{envBytes}},
		Metadata: &cb.BlockMetadata{
			Metadata: make([][]byte, cb.BlockMetadataIndex_TRANSACTIONS_FILTER+1),
		},
	}
	block.Metadata.Metadata[cb.BlockMetadataIndex_TRANSACTIONS_FILTER] = []byte{byte(pb.TxValidationCode_MVCC_READ_CONFLICT)}

	fb, err := decodeFullBlock(block)
	require.NoError(t, err)
	require.Len(t, fb.Transactions, 1)
	require.False(t, IsValid(fb.Transactions[0].ValidationCode))
	require.Empty(t, fb.CCEvents)
}

func TestDecodeFilteredBlockLiftsTransactionsAndEvents(t *testing.T) {
	filtered := &pb.FilteredBlock{
		Number: 7,
		FilteredTransactions: []*pb.FilteredTransaction{
			{
				Txid:             "tx1",
				TxValidationCode: pb.TxValidationCode_VALID,
				TransactionActions: &pb.FilteredTransactionActions{
					ChaincodeActions: []*pb.FilteredChaincodeAction{
						{ChaincodeEvent: &pb.ChaincodeEvent{ChaincodeId: "mycc", EventName: "created"}},
					},
				},
			},
			{Txid: "tx2", TxValidationCode: pb.TxValidationCode_MVCC_READ_CONFLICT},
		},
	}

	fb := decodeFilteredBlock(filtered)
	require.Len(t, fb.Transactions, 2)
	require.Len(t, fb.CCEvents, 1)
	require.Equal(t, "mycc", fb.CCEvents[0].ChaincodeID)
	require.Equal(t, "tx1", fb.CCEvents[0].TxID)
	require.Empty(t, fb.CCEvents[0].Payload, "filtered blocks never carry chaincode event payloads")
}
