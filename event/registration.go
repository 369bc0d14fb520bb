/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package event

import (
	"regexp"
	"sync"

	"github.com/hyperledger/fabric-sdk-go-core/sdkerr"
)

// allTxToken is the wildcard transaction-id registration key, matched
// against every transaction in every dispatched block in addition to any
// exact-tx_id registration.
const allTxToken = "all"

// ChaincodeEvent is one decoded chaincode event, delivered to chaincode
// registrations whose id/name regexes both match.
type ChaincodeEvent struct {
	ChaincodeID string
	EventName   string
	Payload     []byte
	TxID        string
	BlockNumber uint64
}

// BlockCallback receives every block dispatched by the hub. full is nil for
// a filtered-block subscription; filtered is nil for a full-block one.
type BlockCallback func(full *FullBlock, filtered *FilteredBlock)

// TxCallback receives a transaction's validation outcome, named per
// §4.5.3's symbolic translation.
type TxCallback func(txID string, blockNumber uint64, validationCodeName string)

// ChaincodeEventCallback receives chaincode events matching a chaincode
// registration. Called once per event, or once per block with the batched
// slice when the registration's AsArray flag is set.
type ChaincodeEventCallback func(events []ChaincodeEvent)

// ErrorCallback is fired when the hub transitions to Shutdown.
type ErrorCallback func(err error)

// RegOptions are the options common to every registration kind, per §3's
// Registration data model.
type RegOptions struct {
	StartBlock     *uint64
	EndBlock       *uint64
	AutoUnregister bool
	AutoDisconnect bool
}

// isReplay reports whether this registration carries its own replay
// bounds, subject to the "at most one replay listener per hub lifetime"
// precondition in §4.5.1.
func (o RegOptions) isReplay() bool {
	return o.StartBlock != nil || o.EndBlock != nil
}

type blockReg struct {
	id   int
	cb   BlockCallback
	opts RegOptions
}

type txReg struct {
	cb   TxCallback
	opts RegOptions
}

type ccReg struct {
	id        int
	ccRegex   *regexp.Regexp
	nameRegex *regexp.Regexp
	cb        ChaincodeEventCallback
	asArray   bool
	opts      RegOptions
}

// registrationTable holds every listener registered on a hub. Mutations
// are mutex-guarded because registrations may be added or removed
// concurrently with dispatch, per §5's shared-resource policy.
type registrationTable struct {
	mu        sync.Mutex
	nextID    int
	connected bool
	hasReplay bool

	blocks map[int]*blockReg
	txs    map[string]*txReg
	ccs    map[int]*ccReg
}

func newRegistrationTable() *registrationTable {
	return &registrationTable{
		blocks: make(map[int]*blockReg),
		txs:    make(map[string]*txReg),
		ccs:    make(map[int]*ccReg),
	}
}

// markConnected records that the hub has connected, closing the replay
// registration window per §4.5.1.
func (t *registrationTable) markConnected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
}

func (t *registrationTable) checkReplayPrecondition(opts RegOptions) error {
	if !opts.isReplay() {
		return nil
	}
	if t.connected {
		return sdkerr.NewInvalidArgument("start_block", "replay registration not allowed once the hub is connected")
	}
	if t.hasReplay {
		return sdkerr.NewInvalidArgument("start_block", "only one replay listener is allowed per hub lifetime")
	}
	if len(t.blocks) > 0 || len(t.txs) > 0 || len(t.ccs) > 0 {
		return sdkerr.NewInvalidArgument("start_block", "replay registration requires no other listeners be registered yet")
	}
	return nil
}

func (t *registrationTable) addBlock(cb BlockCallback, opts RegOptions) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkReplayPrecondition(opts); err != nil {
		return 0, err
	}
	t.nextID++
	id := t.nextID
	t.blocks[id] = &blockReg{id: id, cb: cb, opts: opts}
	if opts.isReplay() {
		t.hasReplay = true
	}
	return id, nil
}

func (t *registrationTable) addTx(txID string, cb TxCallback, opts RegOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkReplayPrecondition(opts); err != nil {
		return err
	}
	if _, exists := t.txs[txID]; exists {
		return sdkerr.NewInvalidArgument("tx_id", "a listener is already registered for "+txID)
	}
	t.txs[txID] = &txReg{cb: cb, opts: opts}
	if opts.isReplay() {
		t.hasReplay = true
	}
	return nil
}

func (t *registrationTable) addChaincode(ccPattern, namePattern string, cb ChaincodeEventCallback, asArray bool, opts RegOptions) (int, error) {
	ccRegex, err := regexp.Compile(ccPattern)
	if err != nil {
		return 0, sdkerr.NewInvalidArgument("chaincode_id_pattern", err.Error())
	}
	nameRegex, err := regexp.Compile(namePattern)
	if err != nil {
		return 0, sdkerr.NewInvalidArgument("event_name_pattern", err.Error())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkReplayPrecondition(opts); err != nil {
		return 0, err
	}
	t.nextID++
	id := t.nextID
	t.ccs[id] = &ccReg{id: id, ccRegex: ccRegex, nameRegex: nameRegex, cb: cb, asArray: asArray, opts: opts}
	if opts.isReplay() {
		t.hasReplay = true
	}
	return id, nil
}

func (t *registrationTable) removeBlock(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.blocks, id)
}

func (t *registrationTable) removeTx(txID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.txs, txID)
}

func (t *registrationTable) removeChaincode(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ccs, id)
}

// snapshot copies out every registration so dispatch can iterate without
// holding the lock for the duration of user callbacks.
func (t *registrationTable) snapshot() (blocks []*blockReg, txs map[string]*txReg, ccs []*ccReg) {
	t.mu.Lock()
	defer t.mu.Unlock()

	blocks = make([]*blockReg, 0, len(t.blocks))
	for _, b := range t.blocks {
		blocks = append(blocks, b)
	}
	txs = make(map[string]*txReg, len(t.txs))
	for k, v := range t.txs {
		txs[k] = v
	}
	ccs = make([]*ccReg, 0, len(t.ccs))
	for _, c := range t.ccs {
		ccs = append(ccs, c)
	}
	return blocks, txs, ccs
}

// counts reports the current registration count by kind, for
// Hub.RegisteredCounts and the SDK-wide Registrations gauge.
func (t *registrationTable) counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]int{
		"block":      len(t.blocks),
		"transaction": len(t.txs),
		"chaincode":  len(t.ccs),
	}
}
