/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package logutil holds small logging helpers shared by every package in
// this module, in the style of core/endorser/utils.go in the upstream peer.
package logutil

import (
	"github.com/hyperledger/fabric/common/flogging"
)

// Decorate adds channel/transaction context fields to a logger, mirroring
// decorateLogger in the upstream endorser.
func Decorate(logger *flogging.FabricLogger, channelID, txID string) *flogging.FabricLogger {
	return logger.With("channel", channelID, "txID", ShortTxID(txID))
}

// ShortTxID truncates a transaction id for log readability.
func ShortTxID(txID string) string {
	if len(txID) < 8 {
		return txID
	}
	return txID[0:8]
}
