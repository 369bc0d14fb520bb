/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package event implements §4.5: the BlockEventHub — a long-lived
// streaming block/filtered-block subscription to one peer, demultiplexed
// to block/transaction/chaincode-event listeners.
package event

import pb "github.com/hyperledger/fabric-protos-go/peer"

// ValidationCodeName translates a transaction's numeric validation code to
// its symbolic name (VALID, MVCC_READ_CONFLICT, ENDORSEMENT_POLICY_FAILURE,
// ...), the form every transaction callback receives per §4.5.3 step 3.
func ValidationCodeName(code int32) string {
	return pb.TxValidationCode(code).String()
}

// IsValid reports whether code represents a successfully committed
// transaction.
func IsValid(code int32) bool {
	return pb.TxValidationCode(code) == pb.TxValidationCode_VALID
}
