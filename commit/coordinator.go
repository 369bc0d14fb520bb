/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package commit implements §4.4: broadcasting a signed transaction
// envelope to the channel's ordering service, with shuffle-and-failover
// across orderers.
package commit

import (
	"context"
	"math/rand"
	"time"

	cb "github.com/hyperledger/fabric-protos-go/common"
	ab "github.com/hyperledger/fabric-protos-go/orderer"
	"github.com/hyperledger/fabric/common/flogging"
	"github.com/pkg/errors"

	"github.com/hyperledger/fabric-sdk-go-core/internal/wire"
	sdkmetrics "github.com/hyperledger/fabric-sdk-go-core/metrics"
	"github.com/hyperledger/fabric-sdk-go-core/sdkerr"
	"github.com/hyperledger/fabric-sdk-go-core/spi"
)

var logger = flogging.MustGetLogger("commit")

const defaultTimeout = 10 * time.Second

// Options parametrizes a single Commit call, per §4.4.
type Options struct {
	// Orderer, if set, forces single-target mode: only this endpoint is
	// tried.
	Orderer string
	Timeout time.Duration
}

// Result reports which orderer accepted the envelope.
type Result struct {
	Orderer string
	Status  cb.Status
}

// Coordinator broadcasts envelopes to a channel's orderers.
type Coordinator struct {
	Metrics *sdkmetrics.Metrics

	// Dial resolves an orderer endpoint to a broadcast client. Defaults to
	// dialing through a wire.ConnPool; tests substitute a fake.
	Dial func(endpoint string) (ab.AtomicBroadcastClient, error)

	// Orderers returns the channel's current configured orderer list,
	// including each one's last-observed connectivity, per §4.4's
	// two-pass (connected-first) ordering.
	Orderers func() []spi.OrdererDescriptor

	// shuffle is overridable in tests for deterministic ordering.
	shuffle func(n int, swap func(i, j int))
}

// New builds a Coordinator that dials orderers through pool and queries
// orderers for the channel's topology.
func New(pool *wire.ConnPool, m *sdkmetrics.Metrics, orderers func() []spi.OrdererDescriptor) *Coordinator {
	return &Coordinator{
		Metrics:  m,
		Orderers: orderers,
		Dial: func(endpoint string) (ab.AtomicBroadcastClient, error) {
			conn, err := pool.Get(endpoint)
			if err != nil {
				return nil, err
			}
			return ab.NewAtomicBroadcastClient(conn), nil
		},
	}
}

// Commit broadcasts envelope per §4.4's algorithm: single-target if
// opts.Orderer is set, otherwise shuffle-and-failover across the channel's
// orderer list (connected orderers first, then the rest), surfacing the
// last error if every orderer fails.
func (c *Coordinator) Commit(ctx context.Context, envelope *cb.Envelope, opts Options) (*Result, error) {
	if opts.Orderer != "" {
		return c.attempt(ctx, opts.Orderer, envelope, opts.Timeout)
	}

	targets := c.orderedTargets()
	if len(targets) == 0 {
		return nil, sdkerr.NewInvalidArgument("orderers", "channel has no configured orderers")
	}

	var lastErr error
	for _, endpoint := range targets {
		result, err := c.attempt(ctx, endpoint, envelope, opts.Timeout)
		if err == nil {
			return result, nil
		}
		logger.Debugw("broadcast attempt failed", "orderer", endpoint, "error", err)
		lastErr = err
	}
	return nil, lastErr
}

// orderedTargets builds the two-pass (connected-first) shuffled orderer
// list.
func (c *Coordinator) orderedTargets() []string {
	var connected, rest []string
	for _, o := range c.Orderers() {
		if o.Connected {
			connected = append(connected, o.Endpoint)
		} else {
			rest = append(rest, o.Endpoint)
		}
	}

	shuffle := c.shuffle
	if shuffle == nil {
		shuffle = rand.Shuffle
	}
	shuffle(len(connected), func(i, j int) { connected[i], connected[j] = connected[j], connected[i] })
	shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })

	return append(connected, rest...)
}

func (c *Coordinator) attempt(ctx context.Context, endpoint string, envelope *cb.Envelope, timeout time.Duration) (*Result, error) {
	if timeout == 0 {
		timeout = defaultTimeout
	}

	client, err := c.Dial(endpoint)
	if err != nil {
		c.Metrics.CommitFailed(endpoint)
		return nil, sdkerr.NewCommitFailure(endpoint, "", err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stream, err := client.Broadcast(attemptCtx)
	if err != nil {
		c.Metrics.CommitFailed(endpoint)
		return nil, sdkerr.NewCommitFailure(endpoint, "", errors.Wrap(err, "failed to open broadcast stream"))
	}

	c.Metrics.CommitSent(endpoint)
	if err := stream.Send(envelope); err != nil {
		c.Metrics.CommitFailed(endpoint)
		return nil, sdkerr.NewCommitFailure(endpoint, "", errors.Wrap(err, "failed to send envelope"))
	}

	resp, err := stream.Recv()
	_ = stream.CloseSend()
	if err != nil {
		c.Metrics.CommitFailed(endpoint)
		return nil, sdkerr.NewCommitFailure(endpoint, "", errors.Wrap(err, "failed to receive broadcast response"))
	}

	if resp.Status != cb.Status_SUCCESS {
		c.Metrics.CommitFailed(endpoint)
		return nil, sdkerr.NewCommitFailure(endpoint, resp.Status.String(), errors.New(resp.Info))
	}

	return &Result{Orderer: endpoint, Status: resp.Status}, nil
}
