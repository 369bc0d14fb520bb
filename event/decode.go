/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package event

import (
	"github.com/golang/protobuf/proto"
	cb "github.com/hyperledger/fabric-protos-go/common"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/pkg/errors"
)

// TxSummary is one transaction's decoded header plus its validation
// outcome, carried on a FullBlock.
type TxSummary struct {
	TxID           string
	ChannelID      string
	Type           cb.HeaderType
	ValidationCode int32
}

// FullBlock is the decoded form of a complete peer.Block, used for
// full-block listeners.
type FullBlock struct {
	Number       uint64
	PreviousHash []byte
	DataHash     []byte
	Transactions []TxSummary
	CCEvents     []ChaincodeEvent
}

// FilteredTx is one transaction's id and validation outcome as carried on
// a filtered block, without its payload.
type FilteredTx struct {
	TxID           string
	ValidationCode int32
}

// FilteredBlock is the decoded form of a peer.FilteredBlock, used for
// filtered-block listeners (and accepted by transaction/chaincode
// listeners regardless of subscription variant).
type FilteredBlock struct {
	Number       uint64
	Transactions []FilteredTx
	CCEvents     []ChaincodeEvent
}

// decodeFullBlock walks a full block's envelope/payload/action chain to
// recover each transaction's header and any chaincode events it emitted.
// The chain mirrors DecodeEventBlock's unmarshal sequence: envelope →
// payload → channel header → (endorser transactions only) transaction →
// chaincode action payload → proposal response payload → chaincode action
// → chaincode event.
func decodeFullBlock(block *pb.Block) (*FullBlock, error) {
	fb := &FullBlock{
		Number:       block.Header.Number,
		PreviousHash: block.Header.PreviousHash,
		DataHash:     block.Header.DataHash,
	}

	var txFilter []byte
	if block.Metadata != nil && len(block.Metadata.Metadata) > int(cb.BlockMetadataIndex_TRANSACTIONS_FILTER) {
		txFilter = block.Metadata.Metadata[cb.BlockMetadataIndex_TRANSACTIONS_FILTER]
	}

	for i, envBytes := range block.Data.Data {
		envelope := &cb.Envelope{}
		if err := proto.Unmarshal(envBytes, envelope); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal envelope at index %d", i)
		}
		payload := &cb.Payload{}
		if err := proto.Unmarshal(envelope.Payload, payload); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal payload at index %d", i)
		}
		chdr := &cb.ChannelHeader{}
		if err := proto.Unmarshal(payload.Header.ChannelHeader, chdr); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal channel header at index %d", i)
		}

		validationCode := int32(pb.TxValidationCode_INVALID_OTHER_REASON)
		if len(txFilter) > i {
			validationCode = int32(txFilter[i])
		}

		fb.Transactions = append(fb.Transactions, TxSummary{
			TxID:           chdr.TxId,
			ChannelID:      chdr.ChannelId,
			Type:           cb.HeaderType(chdr.Type),
			ValidationCode: validationCode,
		})

		if cb.HeaderType(chdr.Type) != cb.HeaderType_ENDORSER_TRANSACTION || !IsValid(validationCode) {
			continue
		}

		events, err := extractChaincodeEvents(payload.Data, chdr.TxId, block.Header.Number)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to extract chaincode events at index %d", i)
		}
		fb.CCEvents = append(fb.CCEvents, events...)
	}

	return fb, nil
}

func extractChaincodeEvents(txData []byte, txID string, blockNumber uint64) ([]ChaincodeEvent, error) {
	tx := &pb.Transaction{}
	if err := proto.Unmarshal(txData, tx); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal transaction")
	}

	var out []ChaincodeEvent
	for _, action := range tx.Actions {
		ccActionPayload := &pb.ChaincodeActionPayload{}
		if err := proto.Unmarshal(action.Payload, ccActionPayload); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal chaincode action payload")
		}
		if ccActionPayload.Action == nil {
			continue
		}

		propRespPayload := &pb.ProposalResponsePayload{}
		if err := proto.Unmarshal(ccActionPayload.Action.ProposalResponsePayload, propRespPayload); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal proposal response payload")
		}

		ccAction := &pb.ChaincodeAction{}
		if err := proto.Unmarshal(propRespPayload.Extension, ccAction); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal chaincode action")
		}
		if len(ccAction.Events) == 0 {
			continue
		}

		ccEvent := &pb.ChaincodeEvent{}
		if err := proto.Unmarshal(ccAction.Events, ccEvent); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal chaincode event")
		}

		out = append(out, ChaincodeEvent{
			ChaincodeID: ccEvent.ChaincodeId,
			EventName:   ccEvent.EventName,
			Payload:     ccEvent.Payload,
			TxID:        txID,
			BlockNumber: blockNumber,
		})
	}
	return out, nil
}

// decodeFilteredBlock lifts a peer.FilteredBlock's transactions and
// chaincode events into this package's dispatch-facing types. Filtered
// blocks never carry chaincode event payloads per §3's Block variant
// definition.
func decodeFilteredBlock(fb *pb.FilteredBlock) *FilteredBlock {
	out := &FilteredBlock{Number: fb.Number}

	for _, tx := range fb.FilteredTransactions {
		out.Transactions = append(out.Transactions, FilteredTx{
			TxID:           tx.Txid,
			ValidationCode: int32(tx.TxValidationCode),
		})

		// Only valid transactions contribute chaincode events.
		if tx.TransactionActions == nil || !IsValid(int32(tx.TxValidationCode)) {
			continue
		}
		for _, ccAction := range tx.TransactionActions.ChaincodeActions {
			if ccAction.ChaincodeEvent == nil {
				continue
			}
			out.CCEvents = append(out.CCEvents, ChaincodeEvent{
				ChaincodeID: ccAction.ChaincodeEvent.ChaincodeId,
				EventName:   ccAction.ChaincodeEvent.EventName,
				TxID:        tx.Txid,
				BlockNumber: fb.Number,
			})
		}
	}
	return out
}
