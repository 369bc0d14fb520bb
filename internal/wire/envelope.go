/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package wire builds and dials the transport-level messages this SDK
// exchanges with peers and orderers: envelopes, headers, and pooled gRPC
// connections.
package wire

import (
	"crypto/rand"
	"io"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/protobuf/ptypes"
	cb "github.com/hyperledger/fabric-protos-go/common"
	"github.com/hyperledger/fabric/protoutil"
	"github.com/pkg/errors"

	"github.com/hyperledger/fabric-sdk-go-core/identity"
)

const nonceLen = 24

// CreateHeader builds a common.Header of the given type for channelID,
// computing a fresh nonce and tx id.
func CreateHeader(txType cb.HeaderType, channelID string, creator []byte) (txID string, header *cb.Header, err error) {
	ts, err := ptypes.TimestampProto(time.Now())
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to build header timestamp")
	}

	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", nil, errors.Wrap(err, "failed to generate header nonce")
	}

	txID = protoutil.ComputeTxID(nonce, creator)

	chdr := &cb.ChannelHeader{
		Type:      int32(txType),
		ChannelId: channelID,
		TxId:      txID,
		Timestamp: ts,
	}
	chdrBytes, err := proto.Marshal(chdr)
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to marshal channel header")
	}

	shdr := &cb.SignatureHeader{Creator: creator, Nonce: nonce}
	shdrBytes, err := proto.Marshal(shdr)
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to marshal signature header")
	}

	return txID, &cb.Header{ChannelHeader: chdrBytes, SignatureHeader: shdrBytes}, nil
}

// CreateEnvelope wraps data and header into a common.Payload, signs it with
// signer, and returns the resulting common.Envelope.
func CreateEnvelope(data []byte, header *cb.Header, signer *identity.Signer) (*cb.Envelope, error) {
	payload := &cb.Payload{Header: header, Data: data}
	payloadBytes, err := proto.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal payload")
	}

	sig, err := signer.Sign(payloadBytes)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to sign envelope payload")
	}

	return &cb.Envelope{Payload: payloadBytes, Signature: sig}, nil
}
