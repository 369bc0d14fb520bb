/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package endorsement

import (
	"sync"

	pb "github.com/hyperledger/fabric-protos-go/peer"
)

// memoEntry is the recorded outcome of the single RPC attempt ever made to
// a given peer within one Endorse call.
type memoEntry struct {
	resp *pb.ProposalResponse
	err  error
}

// memo records, per peer endpoint, the outcome of its one attempt for the
// lifetime of a single Endorse call. A peer never receives the same
// proposal twice across groups/layouts of the same call: once an entry
// exists for a peer, every later lookup reuses it instead of dialing again.
type memo struct {
	mu      sync.Mutex
	entries map[string]*memoEntry
}

func newMemo() *memo {
	return &memo{entries: make(map[string]*memoEntry)}
}

// lookup reports a peer's already-recorded outcome, if any.
func (m *memo) lookup(endpoint string) (*memoEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[endpoint]
	return e, ok
}

// claim reserves endpoint for a fresh attempt. It must only be called
// after lookup reports no existing entry, and only from the single-
// threaded selection pass so two groups in the same layout never claim the
// same peer concurrently.
func (m *memo) claim(endpoint string) *memoEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &memoEntry{}
	m.entries[endpoint] = e
	return e
}
