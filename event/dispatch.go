/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package event

import (
	"github.com/hyperledger/fabric/common/flogging"
)

// dispatcher applies one decoded block to a registration table. A single
// BlockEventHub owns exactly one dispatcher invocation in flight at a time
// (its read loop calls dispatch serially), satisfying §4.5.3's "no two
// callbacks invoked concurrently from that hub" guarantee.
type dispatcher struct {
	table  *registrationTable
	logger *flogging.FabricLogger
}

// dispatchFull fires every listener interested in a full block, then
// applies each matched registration's post-delivery actions. It returns
// true if the hub must shut down after this block (an AutoDisconnect
// registration fired, or an end-of-replay registration was satisfied).
func (d *dispatcher) dispatchFull(fb *FullBlock) bool {
	blocks, txs, ccs := d.table.snapshot()
	shutdown := false

	for _, b := range blocks {
		d.safeCall(func() { b.cb(fb, nil) })
		if d.applyPostDelivery(b.id, "", fb.Number, b.opts, removeBlockKind) {
			shutdown = true
		}
	}

	for _, tx := range fb.Transactions {
		shutdown = d.dispatchTx(txs, tx.TxID, fb.Number, tx.ValidationCode) || shutdown
	}

	shutdown = d.dispatchChaincodeEvents(ccs, fb.Number, fb.CCEvents) || shutdown
	return shutdown
}

// dispatchFiltered mirrors dispatchFull for a filtered block: block
// listeners still fire (filtered-block listeners accept either variant
// per §4.5.3 step 2), but with a nil full block.
func (d *dispatcher) dispatchFiltered(fb *FilteredBlock) bool {
	blocks, txs, ccs := d.table.snapshot()
	shutdown := false

	for _, b := range blocks {
		d.safeCall(func() { b.cb(nil, fb) })
		if d.applyPostDelivery(b.id, "", fb.Number, b.opts, removeBlockKind) {
			shutdown = true
		}
	}

	for _, tx := range fb.Transactions {
		shutdown = d.dispatchTx(txs, tx.TxID, fb.Number, tx.ValidationCode) || shutdown
	}

	shutdown = d.dispatchChaincodeEvents(ccs, fb.Number, fb.CCEvents) || shutdown
	return shutdown
}

func (d *dispatcher) dispatchTx(txs map[string]*txReg, txID string, blockNumber uint64, code int32) bool {
	shutdown := false
	codeName := ValidationCodeName(code)

	if reg, ok := txs[txID]; ok {
		d.safeCall(func() { reg.cb(txID, blockNumber, codeName) })
		if d.applyPostDelivery(0, txID, blockNumber, reg.opts, removeTxKind) {
			shutdown = true
		}
	}
	if reg, ok := txs[allTxToken]; ok {
		d.safeCall(func() { reg.cb(txID, blockNumber, codeName) })
		if d.applyPostDelivery(0, allTxToken, blockNumber, reg.opts, removeTxKind) {
			shutdown = true
		}
	}
	return shutdown
}

func (d *dispatcher) dispatchChaincodeEvents(ccs []*ccReg, blockNumber uint64, events []ChaincodeEvent) bool {
	shutdown := false
	for _, reg := range ccs {
		var matched []ChaincodeEvent
		for _, ev := range events {
			if reg.ccRegex.MatchString(ev.ChaincodeID) && reg.nameRegex.MatchString(ev.EventName) {
				matched = append(matched, ev)
			}
		}
		if len(matched) == 0 {
			continue
		}

		if reg.asArray {
			d.safeCall(func() { reg.cb(matched) })
		} else {
			for _, ev := range matched {
				single := []ChaincodeEvent{ev}
				d.safeCall(func() { reg.cb(single) })
			}
		}

		if d.applyPostDelivery(reg.id, "", blockNumber, reg.opts, removeChaincodeKind) {
			shutdown = true
		}
	}
	return shutdown
}

type removeKind int

const (
	removeBlockKind removeKind = iota
	removeTxKind
	removeChaincodeKind
)

// applyPostDelivery implements §4.5.3 step 5: auto-unregister and
// auto-disconnect, including end-block replay termination — a registration
// whose EndBlock has now been reached is force-unregistered and forces the
// hub to shut down exactly as an AutoDisconnect registration would.
func (d *dispatcher) applyPostDelivery(id int, txID string, blockNumber uint64, opts RegOptions, kind removeKind) bool {
	endReached := opts.EndBlock != nil && blockNumber >= *opts.EndBlock

	if opts.AutoUnregister || endReached {
		switch kind {
		case removeBlockKind:
			d.table.removeBlock(id)
		case removeTxKind:
			d.table.removeTx(txID)
		case removeChaincodeKind:
			d.table.removeChaincode(id)
		}
	}
	return opts.AutoDisconnect || endReached
}

// safeCall invokes a user callback, recovering and logging any panic so
// dispatch to the remaining registrations and the hub's state machine are
// never disturbed, per §4.5.5.
func (d *dispatcher) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorw("recovered from panic in event callback", "panic", r)
		}
	}()
	fn()
}
