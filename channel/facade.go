/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package channel

import (
	"context"
	"sync"
	"time"

	"github.com/hyperledger/fabric/common/flogging"
	"github.com/pkg/errors"

	"github.com/hyperledger/fabric-sdk-go-core/commit"
	"github.com/hyperledger/fabric-sdk-go-core/endorsement"
	"github.com/hyperledger/fabric-sdk-go-core/event"
	"github.com/hyperledger/fabric-sdk-go-core/identity"
	"github.com/hyperledger/fabric-sdk-go-core/internal/logutil"
	"github.com/hyperledger/fabric-sdk-go-core/internal/wire"
	sdkmetrics "github.com/hyperledger/fabric-sdk-go-core/metrics"
	"github.com/hyperledger/fabric-sdk-go-core/proposal"
	"github.com/hyperledger/fabric-sdk-go-core/sdkerr"
	"github.com/hyperledger/fabric-sdk-go-core/spi"
	"github.com/hyperledger/fabric-sdk-go-core/txevent"
)

const defaultDiscoveryRefreshInterval = time.Minute

// hubEntry pairs a subscribed hub with the MSP of the peer it streams
// from, so SubmitTransaction can scope its TransactionEventHandler
// correctly.
type hubEntry struct {
	hub   *event.Hub
	mspid string
}

// Registration is the opaque handle returned by the Register* forwarders;
// Unregister removes the listener from every hub it was attached to.
type Registration struct {
	unregister func()
}

// Unregister removes this registration's listener from every hub it was
// registered on.
func (r *Registration) Unregister() {
	if r != nil && r.unregister != nil {
		r.unregister()
	}
}

// Facade is the ChannelFacade of §4.7: the caller-facing aggregate of one
// channel's discovered topology, its subscribed BlockEventHubs, and its
// EndorsementCoordinator/CommitCoordinator pair.
type Facade struct {
	Config      ChannelConfig
	ChaincodeID string
	Signer      *identity.Signer
	Discovery   spi.DiscoveryClient
	Strategy    txevent.Strategy

	Pool        *wire.ConnPool
	Builder     *proposal.Builder
	Endorsement *endorsement.Coordinator
	Commit      *commit.Coordinator
	Metrics     *sdkmetrics.Metrics

	mu       sync.RWMutex
	hubs     map[string]hubEntry
	peers    []spi.PeerDescriptor
	orderers []spi.OrdererDescriptor

	stopOnce sync.Once
	stopChan chan struct{}
	logger   *flogging.FabricLogger
}

// New builds a Facade for one channel/chaincode pair.
func New(cfg ChannelConfig, clientCfg ClientConfig, chaincodeID string, signer *identity.Signer, discovery spi.DiscoveryClient, m *sdkmetrics.Metrics) *Facade {
	pool := wire.NewConnPool(clientCfg.TLS, clientCfg.Keepalive)

	f := &Facade{
		Config:      cfg,
		ChaincodeID: chaincodeID,
		Signer:      signer,
		Discovery:   discovery,
		Pool:        pool,
		Builder:     &proposal.Builder{Signer: signer},
		Metrics:     m,
		hubs:        make(map[string]hubEntry),
		stopChan:    make(chan struct{}),
		logger:      flogging.MustGetLogger("channel").With("channel", cfg.ChannelID),
	}
	f.Endorsement = endorsement.New(pool, m)
	f.Commit = commit.New(pool, m, f.currentOrderers)
	return f
}

func (f *Facade) currentOrderers() []spi.OrdererDescriptor {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.orderers
}

// Start launches the periodic discovery-refresh loop, adapted from the
// teacher's cleanupExpiredDependencies ticker: an RLock scan finds hubs
// whose peer has dropped out of the discovered topology, then a single
// Lock pass closes and removes them.
func (f *Facade) Start(ctx context.Context) {
	interval := f.Config.DiscoveryRefreshInterval
	if interval <= 0 {
		interval = defaultDiscoveryRefreshInterval
	}
	go f.refreshLoop(ctx, interval)
}

func (f *Facade) refreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopChan:
			return
		case <-ticker.C:
			f.refreshTopology()
		}
	}
}

func (f *Facade) refreshTopology() {
	peers, err := f.Discovery.GetPeers(f.Config.ChannelID)
	if err != nil {
		f.logger.Warnw("failed to refresh peer topology", "error", err)
		return
	}
	orderers, err := f.Discovery.GetOrderers(f.Config.ChannelID)
	if err != nil {
		f.logger.Warnw("failed to refresh orderer topology", "error", err)
		return
	}

	f.mu.Lock()
	f.peers = peers
	f.orderers = orderers
	f.mu.Unlock()

	present := make(map[string]bool, len(peers))
	for _, p := range peers {
		present[p.Endpoint] = true
	}

	f.mu.RLock()
	var stale []string
	for endpoint := range f.hubs {
		if !present[endpoint] {
			stale = append(stale, endpoint)
		}
	}
	f.mu.RUnlock()

	if len(stale) == 0 {
		return
	}

	f.mu.Lock()
	for _, endpoint := range stale {
		if entry, ok := f.hubs[endpoint]; ok {
			entry.hub.Close()
			delete(f.hubs, endpoint)
		}
	}
	f.mu.Unlock()
	f.logger.Infow("removed hubs for peers no longer in the discovered topology", "count", len(stale))
}

// Subscribe connects a BlockEventHub to peer and adds it to this
// channel's hub pool, per §4.7's "a pool of BlockEventHubs (one per peer
// the caller chooses to subscribe to)".
func (f *Facade) Subscribe(ctx context.Context, peerEndpoint, mspid string, opts event.ConnectOptions) error {
	hub := event.New(peerEndpoint, f.Config.ChannelID, f.Signer, f.Pool, f.Metrics)
	if opts.Timeout == 0 {
		opts.Timeout = f.Config.EventSetupTimeout
	}
	ready := make(chan error, 1)
	if err := hub.Connect(ctx, opts, func(err error, _ *event.Hub) { ready <- err }); err != nil {
		return err
	}
	if err := <-ready; err != nil {
		return errors.WithMessagef(err, "failed to connect block event hub for %s", peerEndpoint)
	}

	f.mu.Lock()
	f.hubs[peerEndpoint] = hubEntry{hub: hub, mspid: mspid}
	f.mu.Unlock()
	return nil
}

// Unsubscribe closes and removes the hub for peerEndpoint, if any.
func (f *Facade) Unsubscribe(peerEndpoint string) {
	f.mu.Lock()
	entry, ok := f.hubs[peerEndpoint]
	delete(f.hubs, peerEndpoint)
	f.mu.Unlock()
	if ok {
		entry.hub.Close()
	}
}

// Close shuts down every subscribed hub, stops the refresh loop, and
// closes this channel's connection pool.
func (f *Facade) Close() {
	f.stopOnce.Do(func() { close(f.stopChan) })

	f.mu.Lock()
	hubs := f.hubs
	f.hubs = make(map[string]hubEntry)
	f.mu.Unlock()

	for _, entry := range hubs {
		entry.hub.Close()
	}
	if err := f.Pool.Close(); err != nil {
		f.logger.Warnw("failed to close connection pool", "error", err)
	}
}

func (f *Facade) scopedHubs() []txevent.ScopedHub {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]txevent.ScopedHub, 0, len(f.hubs))
	for _, entry := range f.hubs {
		out = append(out, txevent.ScopedHub{Hub: entry.hub, MSPID: entry.mspid})
	}
	return out
}

// SubmitTransaction runs §2's full data-flow line: build the proposal,
// endorse it, attach a TransactionEventHandler across this channel's
// subscribed hubs, broadcast via the CommitCoordinator, then wait for the
// handler's quorum before returning the first endorsement's response
// payload.
func (f *Facade) SubmitTransaction(ctx context.Context, function string, args [][]byte, transient map[string][]byte) ([]byte, error) {
	p, err := f.Builder.Build(proposal.Request{
		ChannelID:   f.Config.ChannelID,
		ChaincodeID: f.ChaincodeID,
		Function:    function,
		Args:        args,
		Transient:   transient,
	})
	if err != nil {
		return nil, err
	}

	sp, err := proposal.Sign(p, f.Signer)
	if err != nil {
		return nil, err
	}

	txLogger := logutil.Decorate(f.logger, f.Config.ChannelID, p.TxID)

	plan, err := f.Discovery.GetEndorsementPlan(f.Config.ChannelID, f.ChaincodeID)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to obtain endorsement plan")
	}

	responses, err := f.Endorsement.Endorse(ctx, plan, sp, endorsement.Options{Timeout: f.Config.EndorsementTimeout})
	if err != nil {
		txLogger.Warnw("endorsement failed", "error", err)
		return nil, err
	}
	txLogger.Debugw("endorsement obtained", "endorsements", len(responses))

	envelope, err := assembleTransactionEnvelope(p, responses, f.Signer)
	if err != nil {
		return nil, err
	}

	handler := txevent.New(p.TxID, f.scopedHubs(), f.Strategy, f.Signer.MSPID(), f.Config.CommitTimeout)
	handler.StartListening()

	if _, err := f.Commit.Commit(ctx, envelope, commit.Options{Timeout: f.Config.CommitTimeout}); err != nil {
		handler.CancelListening()
		txLogger.Warnw("broadcast failed", "error", err)
		return nil, err
	}
	txLogger.Debugw("envelope broadcast, awaiting commit notification")

	if err := handler.WaitForEvents(ctx); err != nil {
		txLogger.Warnw("commit wait failed", "error", err)
		return nil, err
	}
	txLogger.Debugw("transaction committed")

	return responses[0].Response.Payload, nil
}

// EvaluateTransaction builds a proposal and returns a single successful
// endorsement's response payload without touching the orderer or any hub,
// per §4.7. It does not ask discovery for an endorsement plan: it always
// synthesizes a one-layout, one-group, required=1 plan from the first peer
// discovery reports.
func (f *Facade) EvaluateTransaction(ctx context.Context, function string, args [][]byte) ([]byte, error) {
	p, err := f.Builder.Build(proposal.Request{
		ChannelID:   f.Config.ChannelID,
		ChaincodeID: f.ChaincodeID,
		Function:    function,
		Args:        args,
	})
	if err != nil {
		return nil, err
	}

	sp, err := proposal.Sign(p, f.Signer)
	if err != nil {
		return nil, err
	}

	plan, err := f.singlePeerPlan()
	if err != nil {
		return nil, err
	}

	responses, err := f.Endorsement.Endorse(ctx, plan, sp, endorsement.Options{Timeout: f.Config.EndorsementTimeout})
	if err != nil {
		return nil, err
	}
	return responses[0].Response.Payload, nil
}

func (f *Facade) singlePeerPlan() (*spi.EndorsementPlan, error) {
	peers, err := f.Discovery.GetPeers(f.Config.ChannelID)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to obtain peer list for evaluate")
	}
	if len(peers) == 0 {
		return nil, sdkerr.NewInvalidArgument("peers", "no peers available to evaluate against")
	}
	group := spi.Group{Name: "evaluate", Required: 1, Peers: peers[:1]}
	return &spi.EndorsementPlan{
		Groups:  map[string]spi.Group{"evaluate": group},
		Layouts: []spi.Layout{{"evaluate": 1}},
	}, nil
}

// RegisterBlockEvent forwards cb to every hub this facade currently
// manages, returning a single handle that unregisters from all of them.
func (f *Facade) RegisterBlockEvent(cb event.BlockCallback, opts event.RegOptions) *Registration {
	f.mu.RLock()
	hubs := make([]*event.Hub, 0, len(f.hubs))
	for _, entry := range f.hubs {
		hubs = append(hubs, entry.hub)
	}
	f.mu.RUnlock()

	var attached []struct {
		hub *event.Hub
		id  int
	}
	for _, hub := range hubs {
		id, err := hub.RegisterBlock(cb, opts)
		if err != nil {
			f.logger.Warnw("failed to register block listener on hub", "error", err)
			continue
		}
		attached = append(attached, struct {
			hub *event.Hub
			id  int
		}{hub, id})
	}

	return &Registration{unregister: func() {
		for _, a := range attached {
			a.hub.UnregisterBlock(a.id)
		}
	}}
}

// RegisterTxEvent forwards cb to every hub this facade currently manages.
func (f *Facade) RegisterTxEvent(txID string, cb event.TxCallback, opts event.RegOptions) *Registration {
	f.mu.RLock()
	hubs := make([]*event.Hub, 0, len(f.hubs))
	for _, entry := range f.hubs {
		hubs = append(hubs, entry.hub)
	}
	f.mu.RUnlock()

	var attached []*event.Hub
	for _, hub := range hubs {
		if err := hub.RegisterTransaction(txID, cb, opts); err != nil {
			f.logger.Warnw("failed to register transaction listener on hub", "error", err)
			continue
		}
		attached = append(attached, hub)
	}

	return &Registration{unregister: func() {
		for _, hub := range attached {
			hub.UnregisterTransaction(txID)
		}
	}}
}

// RegisterChaincodeEvent forwards cb to every hub this facade currently
// manages.
func (f *Facade) RegisterChaincodeEvent(ccPattern, namePattern string, cb event.ChaincodeEventCallback, asArray bool, opts event.RegOptions) *Registration {
	f.mu.RLock()
	hubs := make([]*event.Hub, 0, len(f.hubs))
	for _, entry := range f.hubs {
		hubs = append(hubs, entry.hub)
	}
	f.mu.RUnlock()

	var attached []struct {
		hub *event.Hub
		id  int
	}
	for _, hub := range hubs {
		id, err := hub.RegisterChaincodeEvent(ccPattern, namePattern, cb, asArray, opts)
		if err != nil {
			f.logger.Warnw("failed to register chaincode event listener on hub", "error", err)
			continue
		}
		attached = append(attached, struct {
			hub *event.Hub
			id  int
		}{hub, id})
	}

	return &Registration{unregister: func() {
		for _, a := range attached {
			a.hub.UnregisterChaincodeEvent(a.id)
		}
	}}
}
