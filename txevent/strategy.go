/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package txevent implements §4.6: the TransactionEventHandler, a per-submit
// quorum waiter that attaches transaction listeners across a set of
// BlockEventHubs and resolves once the configured strategy's notification
// quorum is reached or its timer expires.
package txevent

import "github.com/hyperledger/fabric-sdk-go-core/event"

// HubHandle is the subset of event.Hub the handler needs: registering and
// removing a transaction listener, and learning of a hub's disconnection.
// *event.Hub satisfies this directly; tests substitute a fake.
type HubHandle interface {
	RegisterTransaction(txID string, cb event.TxCallback, opts event.RegOptions) error
	UnregisterTransaction(txID string)
	RegisterError(cb event.ErrorCallback)
}

// ScopedHub pairs a hub with the MSP of the peer it streams from, the unit
// MSPID-scoped strategies filter by.
type ScopedHub struct {
	Hub   HubHandle
	MSPID string
}

// Strategy names the closed set of built-in quorum strategies, plus the
// escape hatch for a caller-supplied Factory.
type Strategy int

const (
	MSPIDScopeAnyForTx Strategy = iota
	MSPIDScopeAllForTx
	NetworkScopeAnyForTx
	NetworkScopeAllForTx
	None
)

// Factory resolves the hub set a strategy listens on, and whether every
// hub in that set must notify (true) or just one (false). Built-in
// strategies are Factory values; a caller may supply their own
// implementation for a custom scope, per §4.6's "plug-in" strategy kind.
type Factory interface {
	Scope(hubs []ScopedHub, callerMSPID string) (scoped []ScopedHub, requireAll bool)
}

type factoryFunc func(hubs []ScopedHub, callerMSPID string) ([]ScopedHub, bool)

func (f factoryFunc) Scope(hubs []ScopedHub, callerMSPID string) ([]ScopedHub, bool) {
	return f(hubs, callerMSPID)
}

func mspidScope(hubs []ScopedHub, callerMSPID string) []ScopedHub {
	var out []ScopedHub
	for _, h := range hubs {
		if h.MSPID == callerMSPID {
			out = append(out, h)
		}
	}
	return out
}

// BuiltinFactory resolves s to its Factory implementation. It panics on an
// unrecognized Strategy value, since every built-in is enumerated here;
// use a custom Factory directly for a plug-in strategy instead of routing
// it through this lookup.
func BuiltinFactory(s Strategy) Factory {
	switch s {
	case MSPIDScopeAnyForTx:
		return factoryFunc(func(hubs []ScopedHub, callerMSPID string) ([]ScopedHub, bool) {
			return mspidScope(hubs, callerMSPID), false
		})
	case MSPIDScopeAllForTx:
		return factoryFunc(func(hubs []ScopedHub, callerMSPID string) ([]ScopedHub, bool) {
			return mspidScope(hubs, callerMSPID), true
		})
	case NetworkScopeAnyForTx:
		return factoryFunc(func(hubs []ScopedHub, _ string) ([]ScopedHub, bool) {
			return hubs, false
		})
	case NetworkScopeAllForTx:
		return factoryFunc(func(hubs []ScopedHub, _ string) ([]ScopedHub, bool) {
			return hubs, true
		})
	case None:
		return factoryFunc(func([]ScopedHub, string) ([]ScopedHub, bool) {
			return nil, false
		})
	default:
		panic("txevent: unrecognized strategy")
	}
}
