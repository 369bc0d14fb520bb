/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package txevent

import (
	"context"
	"sync"
	"time"

	"github.com/hyperledger/fabric/common/flogging"
	"github.com/pkg/errors"

	"github.com/hyperledger/fabric-sdk-go-core/event"
	"github.com/hyperledger/fabric-sdk-go-core/sdkerr"
)

var logger = flogging.MustGetLogger("txevent")
var errTimedOut = errors.New("timed out waiting for transaction event quorum")

const defaultTimeout = 30 * time.Second

// Handler is a per-submit TransactionEventHandler: it attaches a
// transaction listener for one tx_id across a strategy-scoped hub set and
// resolves once the strategy's notification quorum is reached or its
// timer expires, per §4.6.
type Handler struct {
	TxID        string
	Hubs        []ScopedHub
	Factory     Factory
	CallerMSPID string
	Timeout     time.Duration

	mu       sync.Mutex
	scoped   []ScopedHub
	expected int
	count    int
	resolved bool
	resultCh chan error
	timer    *time.Timer

	cancelOnce sync.Once
}

// New builds a Handler for one of the closed built-in strategies.
func New(txID string, hubs []ScopedHub, strategy Strategy, callerMSPID string, timeout time.Duration) *Handler {
	return NewWithFactory(txID, hubs, BuiltinFactory(strategy), callerMSPID, timeout)
}

// NewWithFactory builds a Handler for a caller-supplied plug-in strategy.
func NewWithFactory(txID string, hubs []ScopedHub, factory Factory, callerMSPID string, timeout time.Duration) *Handler {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Handler{
		TxID:        txID,
		Hubs:        hubs,
		Factory:     factory,
		CallerMSPID: callerMSPID,
		Timeout:     timeout,
		resultCh:    make(chan error, 1),
	}
}

// StartListening attaches a transaction listener for TxID on every hub in
// the selected scope and arms the commit timer. If no hub is in scope the
// wait resolves immediately, per §4.6 step 1.
func (h *Handler) StartListening() {
	scoped, requireAll := h.Factory.Scope(h.Hubs, h.CallerMSPID)

	h.mu.Lock()
	h.scoped = scoped
	h.expected = 1
	if requireAll {
		h.expected = len(scoped)
	}
	h.mu.Unlock()

	if len(scoped) == 0 {
		h.resolve(nil)
		return
	}

	h.mu.Lock()
	h.timer = time.AfterFunc(h.Timeout, h.onTimeout)
	h.mu.Unlock()

	for _, sh := range scoped {
		peer := ""
		if eh, ok := sh.Hub.(*event.Hub); ok {
			peer = eh.Endpoint
		}
		onTx := func(txID string, blockNumber uint64, validationCodeName string) {
			h.onTx(peer, txID, blockNumber, validationCodeName)
		}
		if err := sh.Hub.RegisterTransaction(h.TxID, onTx, event.RegOptions{}); err != nil {
			logger.Warnw("failed to register transaction listener", "txID", h.TxID, "error", err)
			continue
		}
		sh.Hub.RegisterError(h.onHubError)
	}
}

// WaitForEvents blocks until the strategy's quorum is reached, its timer
// fires, or ctx is cancelled.
func (h *Handler) WaitForEvents(ctx context.Context) error {
	select {
	case err := <-h.resultCh:
		return err
	case <-ctx.Done():
		h.CancelListening()
		return ctx.Err()
	}
}

const validCode = "VALID"

func (h *Handler) onTx(peer, txID string, blockNumber uint64, validationCodeName string) {
	if validationCodeName != validCode {
		h.reject(sdkerr.NewTransactionValidation(txID, peer, validationCodeName))
		return
	}
	h.increment()
}

func (h *Handler) onHubError(err error) {
	h.increment()
}

func (h *Handler) increment() {
	h.mu.Lock()
	if h.resolved {
		h.mu.Unlock()
		return
	}
	h.count++
	reached := h.count >= h.expected
	h.mu.Unlock()

	if reached {
		h.resolve(nil)
	}
}

func (h *Handler) reject(err error) {
	h.resolve(err)
}

func (h *Handler) onTimeout() {
	h.reject(sdkerr.NewTimeout("transaction event wait for "+h.TxID, errTimedOut))
}

func (h *Handler) resolve(err error) {
	h.mu.Lock()
	if h.resolved {
		h.mu.Unlock()
		return
	}
	h.resolved = true
	h.mu.Unlock()

	select {
	case h.resultCh <- err:
	default:
	}
	h.CancelListening()
}

// CancelListening removes the transaction listeners this handler registered
// and stops the commit timer. The error callbacks registered with
// RegisterError stay attached to their hubs. It is idempotent and safe to
// call from within a callback, per §4.6.
func (h *Handler) CancelListening() {
	h.cancelOnce.Do(func() {
		h.mu.Lock()
		scoped := h.scoped
		timer := h.timer
		h.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		for _, sh := range scoped {
			sh.Hub.UnregisterTransaction(h.TxID)
		}
	})
}
