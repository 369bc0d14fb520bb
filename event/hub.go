/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package event

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/golang/protobuf/proto"
	cb "github.com/hyperledger/fabric-protos-go/common"
	ab "github.com/hyperledger/fabric-protos-go/orderer"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/hyperledger/fabric/common/flogging"
	"github.com/pkg/errors"

	"github.com/hyperledger/fabric-sdk-go-core/identity"
	"github.com/hyperledger/fabric-sdk-go-core/internal/wire"
	sdkmetrics "github.com/hyperledger/fabric-sdk-go-core/metrics"
	"github.com/hyperledger/fabric-sdk-go-core/sdkerr"
)

// State is the BlockEventHub stream state machine, per §4.5.2.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Shutdown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// PositionKind selects among the symbolic start/end block values §4.5.1
// recognizes.
type PositionKind int

const (
	Newest PositionKind = iota
	Oldest
	LastSeen
	Specified
)

// Position is a start_block or end_block value: either a symbolic marker
// or a specific block number.
type Position struct {
	Kind   PositionKind
	Number uint64
}

// deliverStream is the subset of peer.Deliver_DeliverClient and
// peer.Deliver_DeliverFilteredClient this hub needs; both generated stream
// types satisfy it structurally.
type deliverStream interface {
	Send(*cb.Envelope) error
	Recv() (*pb.DeliverResponse, error)
	CloseSend() error
}

// ConnectOptions parametrizes Connect, per §4.5.1.
type ConnectOptions struct {
	FullBlock  bool
	StartBlock Position
	EndBlock   *Position
	Timeout    time.Duration
}

// ReadyFunc is invoked exactly once per connection attempt, per §4.5.1.
type ReadyFunc func(err error, hub *Hub)

const defaultSetupTimeout = 10 * time.Second

// Hub is a BlockEventHub: a long-lived streaming subscription to one
// peer's block delivery service, fanned out to registered listeners.
type Hub struct {
	Endpoint  string
	ChannelID string
	Signer    *identity.Signer
	Metrics   *sdkmetrics.Metrics

	// Dial resolves Endpoint to a DeliverClient. Defaults to dialing
	// through a wire.ConnPool; tests substitute a fake.
	Dial func(endpoint string) (pb.DeliverClient, error)

	mu          sync.Mutex
	state       State
	generation  uint64
	lastSeen    uint64
	cancel      context.CancelFunc
	readyFired  bool
	lastOpts    ConnectOptions
	lastOrderly bool
	errCallback []ErrorCallback

	table      *registrationTable
	dispatcher *dispatcher

	logger *flogging.FabricLogger
}

// New builds an idle Hub dialing through pool.
func New(endpoint, channelID string, signer *identity.Signer, pool *wire.ConnPool, m *sdkmetrics.Metrics) *Hub {
	logger := flogging.MustGetLogger("event").With("peer", endpoint)
	table := newRegistrationTable()
	return &Hub{
		Endpoint:  endpoint,
		ChannelID: channelID,
		Signer:    signer,
		Metrics:   m,
		table:     table,
		dispatcher: &dispatcher{table: table, logger: logger},
		logger:    logger,
		Dial: func(endpoint string) (pb.DeliverClient, error) {
			conn, err := pool.Get(endpoint)
			if err != nil {
				return nil, err
			}
			return pb.NewDeliverClient(conn), nil
		},
	}
}

// State reports the hub's current stream state.
func (h *Hub) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// shutdownWasOrderly reports whether the hub's most recent Shutdown
// transition was an explicit Close (or end-block reached) rather than a
// transport failure.
func (h *Hub) shutdownWasOrderly() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == Shutdown && h.lastOrderly
}

// RegisteredCounts reports the current registration count by kind.
func (h *Hub) RegisteredCounts() map[string]int {
	counts := h.table.counts()
	for kind, n := range counts {
		h.Metrics.SetRegistrations(kind, n)
	}
	return counts
}

// RegisterBlock registers a block listener, per §3's Registration model.
func (h *Hub) RegisterBlock(cb BlockCallback, opts RegOptions) (int, error) {
	return h.table.addBlock(cb, opts)
}

// RegisterTransaction registers a transaction listener keyed by txID (or
// the "all" wildcard). At most one listener per tx_id.
func (h *Hub) RegisterTransaction(txID string, cb TxCallback, opts RegOptions) error {
	return h.table.addTx(txID, cb, opts)
}

// RegisterChaincodeEvent registers a chaincode event listener whose
// chaincode-id and event-name regexes must both match.
func (h *Hub) RegisterChaincodeEvent(ccPattern, namePattern string, cb ChaincodeEventCallback, asArray bool, opts RegOptions) (int, error) {
	return h.table.addChaincode(ccPattern, namePattern, cb, asArray, opts)
}

// RegisterError registers a callback fired when the hub transitions to
// Shutdown.
func (h *Hub) RegisterError(cb ErrorCallback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errCallback = append(h.errCallback, cb)
}

func (h *Hub) UnregisterBlock(id int)       { h.table.removeBlock(id) }
func (h *Hub) UnregisterTransaction(txID string) { h.table.removeTx(txID) }
func (h *Hub) UnregisterChaincodeEvent(id int)   { h.table.removeChaincode(id) }

// Connect opens the hub's streaming subscription per §4.5.1/§4.5.2.
func (h *Hub) Connect(ctx context.Context, opts ConnectOptions, onReady ReadyFunc) error {
	h.mu.Lock()
	if h.state != Idle && h.state != Shutdown {
		h.mu.Unlock()
		return sdkerr.NewInvalidArgument("state", "hub is already connecting or connected")
	}
	h.state = Connecting
	h.generation++
	gen := h.generation
	h.lastOpts = opts
	h.readyFired = false
	h.mu.Unlock()

	h.table.markConnected()

	client, err := h.Dial(h.Endpoint)
	if err != nil {
		h.shutdown(gen, "dial failed", err, false)
		h.fireReady(gen, err, onReady)
		return err
	}

	envelope, err := h.buildSeekEnvelope(opts)
	if err != nil {
		h.shutdown(gen, "failed to build seek envelope", err, false)
		h.fireReady(gen, err, onReady)
		return err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	stream, err := h.openStream(streamCtx, client, opts.FullBlock)
	if err != nil {
		cancel()
		h.shutdown(gen, "failed to open deliver stream", err, false)
		h.fireReady(gen, err, onReady)
		return err
	}

	if err := stream.Send(envelope); err != nil {
		cancel()
		h.shutdown(gen, "failed to send seek envelope", err, false)
		h.fireReady(gen, err, onReady)
		return err
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultSetupTimeout
	}
	setupTimer := time.AfterFunc(timeout, func() {
		h.shutdown(gen, "setup timeout", errors.New("timed out waiting for first block/status frame"), false)
		h.fireReady(gen, sdkerr.NewTimeout("connect", errors.New("deliver connect timed out")), onReady)
	})

	go h.readLoop(gen, stream, setupTimer, onReady)
	return nil
}

// Reconnect creates a fresh stream generation reusing the most recent
// Connect options, per §4.5.2's "reconnect creates a fresh stream
// generation".
func (h *Hub) Reconnect(ctx context.Context, onReady ReadyFunc) error {
	h.mu.Lock()
	opts := h.lastOpts
	if opts.StartBlock.Kind == Specified {
		opts.StartBlock = Position{Kind: LastSeen}
	}
	h.state = Idle
	h.mu.Unlock()
	return h.Connect(ctx, opts, onReady)
}

// Close explicitly shuts down the hub.
func (h *Hub) Close() {
	h.mu.Lock()
	gen := h.generation
	h.mu.Unlock()
	h.shutdown(gen, "explicit close", nil, true)
}

func (h *Hub) fireReady(gen uint64, err error, onReady ReadyFunc) {
	h.mu.Lock()
	if gen != h.generation || h.readyFired {
		h.mu.Unlock()
		return
	}
	h.readyFired = true
	h.mu.Unlock()
	if onReady != nil {
		onReady(err, h)
	}
}

func (h *Hub) openStream(ctx context.Context, client pb.DeliverClient, fullBlock bool) (deliverStream, error) {
	if fullBlock {
		return client.Deliver(ctx)
	}
	return client.DeliverFiltered(ctx)
}

func (h *Hub) buildSeekEnvelope(opts ConnectOptions) (*cb.Envelope, error) {
	creator, err := h.Signer.SerializeCreator()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to serialize creator")
	}

	_, header, err := wire.CreateHeader(cb.HeaderType_DELIVER_SEEK_INFO, h.ChannelID, creator)
	if err != nil {
		return nil, err
	}

	start := h.resolvePosition(opts.StartBlock)
	behavior := ab.SeekInfo_BLOCK_UNTIL_READY
	stop := &ab.SeekPosition{Type: &ab.SeekPosition_Specified{Specified: &ab.SeekSpecified{Number: math.MaxUint64}}}
	if opts.EndBlock != nil {
		stop = h.resolvePosition(*opts.EndBlock)
		behavior = ab.SeekInfo_FAIL_IF_NOT_READY
	}

	seekInfo := &ab.SeekInfo{Start: start, Stop: stop, Behavior: behavior}
	raw, err := proto.Marshal(seekInfo)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal seek info")
	}

	return wire.CreateEnvelope(raw, header, h.Signer)
}

func (h *Hub) resolvePosition(p Position) *ab.SeekPosition {
	switch p.Kind {
	case Oldest:
		return &ab.SeekPosition{Type: &ab.SeekPosition_Oldest{Oldest: &ab.SeekOldest{}}}
	case LastSeen:
		h.mu.Lock()
		n := h.lastSeen
		h.mu.Unlock()
		if n == 0 {
			return &ab.SeekPosition{Type: &ab.SeekPosition_Newest{Newest: &ab.SeekNewest{}}}
		}
		return &ab.SeekPosition{Type: &ab.SeekPosition_Specified{Specified: &ab.SeekSpecified{Number: n}}}
	case Specified:
		return &ab.SeekPosition{Type: &ab.SeekPosition_Specified{Specified: &ab.SeekSpecified{Number: p.Number}}}
	default: // Newest
		return &ab.SeekPosition{Type: &ab.SeekPosition_Newest{Newest: &ab.SeekNewest{}}}
	}
}

func (h *Hub) readLoop(gen uint64, stream deliverStream, setupTimer *time.Timer, onReady ReadyFunc) {
	for {
		resp, err := stream.Recv()
		if err != nil {
			setupTimer.Stop()
			h.shutdown(gen, "transport error", err, false)
			h.fireReady(gen, err, onReady)
			return
		}

		h.mu.Lock()
		discard := gen != h.generation
		h.mu.Unlock()
		if discard {
			return
		}

		setupTimer.Stop()
		h.transitionConnected()
		h.fireReady(gen, nil, onReady)

		shutdownRequested, terminal := h.handleResponse(resp)
		if terminal {
			h.shutdown(gen, "deliver stream ended", nil, true)
			return
		}
		if shutdownRequested {
			h.shutdown(gen, "registration requested disconnect", nil, true)
			return
		}
	}
}

func (h *Hub) transitionConnected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Connecting {
		h.state = Connected
	}
}

// handleResponse dispatches one frame and reports whether a registration
// requested disconnect, and whether the stream itself ended (a terminal
// status frame).
func (h *Hub) handleResponse(resp *pb.DeliverResponse) (shutdownRequested, terminal bool) {
	switch r := resp.Type.(type) {
	case *pb.DeliverResponse_Block:
		fb, err := decodeFullBlock(r.Block)
		if err != nil {
			h.logger.Errorw("failed to decode block", "error", err)
			return false, false
		}
		h.recordLastSeen(fb.Number)
		h.Metrics.BlockReceived(h.Endpoint)
		return h.dispatcher.dispatchFull(fb), false

	case *pb.DeliverResponse_FilteredBlock:
		fb := decodeFilteredBlock(r.FilteredBlock)
		h.recordLastSeen(fb.Number)
		h.Metrics.BlockReceived(h.Endpoint)
		return h.dispatcher.dispatchFiltered(fb), false

	case *pb.DeliverResponse_Status:
		return false, true

	default:
		h.logger.Warnw("received unexpected deliver response type", "type", r)
		return false, false
	}
}

func (h *Hub) recordLastSeen(n uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n > h.lastSeen {
		h.lastSeen = n
	}
}

func (h *Hub) shutdown(gen uint64, reason string, cause error, orderly bool) {
	h.mu.Lock()
	if gen != h.generation || h.state == Shutdown {
		h.mu.Unlock()
		return
	}
	h.state = Shutdown
	h.lastOrderly = orderly
	cancel := h.cancel
	callbacks := append([]ErrorCallback(nil), h.errCallback...)
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	hubErr := sdkerr.NewHubDisconnect(h.Endpoint, reason, orderly, cause)
	h.Metrics.HubDisconnected(h.Endpoint)
	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Errorw("recovered from panic in error callback", "panic", r)
				}
			}()
			cb(hubErr)
		}()
	}
}
