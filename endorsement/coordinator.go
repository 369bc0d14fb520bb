/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package endorsement

import (
	"context"
	"sort"
	"sync"
	"time"

	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/hyperledger/fabric/common/flogging"
	"github.com/pkg/errors"

	"github.com/hyperledger/fabric-sdk-go-core/internal/circuitbreaker"
	"github.com/hyperledger/fabric-sdk-go-core/internal/wire"
	sdkmetrics "github.com/hyperledger/fabric-sdk-go-core/metrics"
	"github.com/hyperledger/fabric-sdk-go-core/sdkerr"
	"github.com/hyperledger/fabric-sdk-go-core/spi"
)

var logger = flogging.MustGetLogger("endorsement")

const defaultTimeout = 10 * time.Second

// Coordinator runs an EndorsementPlan's layouts against peers, per §4.3. A
// Coordinator is reusable across calls; the per-call state (the memo, the
// working plan copy) is built fresh inside Endorse, so Coordinator itself
// holds no per-call mutable fields.
type Coordinator struct {
	Metrics *sdkmetrics.Metrics

	// Dial resolves a peer endpoint to an EndorserClient. Defaults to
	// dialing through Pool; tests substitute a fake to avoid real gRPC.
	Dial func(endpoint string) (pb.EndorserClient, error)

	// BreakerConfig tunes the per-peer circuit breaker guarding
	// ProcessProposal attempts. Zero value selects circuitbreaker.DefaultConfig.
	BreakerConfig circuitbreaker.Config

	breakersMu sync.Mutex
	breakers   map[string]*circuitbreaker.Breaker
}

// New builds a Coordinator that dials peers through pool.
func New(pool *wire.ConnPool, m *sdkmetrics.Metrics) *Coordinator {
	return &Coordinator{
		Metrics:       m,
		BreakerConfig: circuitbreaker.DefaultConfig(),
		breakers:      make(map[string]*circuitbreaker.Breaker),
		Dial: func(endpoint string) (pb.EndorserClient, error) {
			conn, err := pool.Get(endpoint)
			if err != nil {
				return nil, err
			}
			return pb.NewEndorserClient(conn), nil
		},
	}
}

// breakerFor returns (creating if necessary) the circuit breaker guarding
// endpoint, per the upstream peer's leader-connectivity circuit breaker
// (core/endorser/circuit_breaker.go), generalized from one leader endpoint
// to one breaker per distinct endorser a plan ever selects.
func (c *Coordinator) breakerFor(endpoint string) *circuitbreaker.Breaker {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()

	if c.breakers == nil {
		c.breakers = make(map[string]*circuitbreaker.Breaker)
	}
	b, ok := c.breakers[endpoint]
	if !ok {
		cfg := c.BreakerConfig
		if cfg.Threshold == 0 {
			cfg = circuitbreaker.DefaultConfig()
		}
		b = circuitbreaker.New(cfg, nil)
		c.breakers[endpoint] = b
	}
	return b
}

// assignment binds one group's selected peer to its (possibly shared) memo
// entry for the layout currently being tried.
type assignment struct {
	group string
	peer  spi.PeerDescriptor
	entry *memoEntry
	fresh bool
}

// Endorse runs plan against peers and returns the ordered endorsement list
// for the first layout every one of whose groups is fully satisfied, or
// fails with *sdkerr.PlanUnsatisfiedError carrying every layout's recorded
// failures.
func (c *Coordinator) Endorse(ctx context.Context, plan *spi.EndorsementPlan, sp *pb.SignedProposal, opts Options) ([]*pb.ProposalResponse, error) {
	if plan == nil || len(plan.Layouts) == 0 {
		return nil, sdkerr.NewInvalidArgument("plan", "must carry at least one layout")
	}

	wp := buildWorkingPlan(plan, opts)
	m := newMemo()

	var failures []sdkerr.LayoutFailure
	for layoutIdx, layout := range wp.layouts {
		c.Metrics.LayoutAttempted()

		groupNames := sortedKeys(layout)
		assignments, satisfiable := selectAssignments(wp, layout, groupNames, m)
		if !satisfiable {
			failures = append(failures, sdkerr.LayoutFailure{
				LayoutIndex: layoutIdx,
				GroupErrors: map[string][]*sdkerr.EndorsementFailureError{},
			})
			continue
		}

		c.dispatch(ctx, assignments, sp, opts.Timeout)

		groupErrors := collectErrors(assignments)
		if len(groupErrors) == 0 {
			return assemble(assignments, groupNames), nil
		}
		failures = append(failures, sdkerr.LayoutFailure{LayoutIndex: layoutIdx, GroupErrors: groupErrors})
	}

	return nil, sdkerr.NewPlanUnsatisfied(failures)
}

// selectAssignments runs step 1/3 of §4.3's algorithm for a single layout:
// walking each group's ordered peer list and claiming the first `required`
// peers not already claimed by an earlier group in this same layout. This
// runs single-threaded so two groups in one layout never claim the same
// peer concurrently.
func selectAssignments(wp workingPlan, layout spi.Layout, groupNames []string, m *memo) ([]assignment, bool) {
	claimed := make(map[string]bool)
	var assignments []assignment
	satisfiable := true

	for _, gName := range groupNames {
		required := layout[gName]
		wg, ok := wp.groups[gName]
		if !ok {
			satisfiable = false
			continue
		}

		selected := 0
		for _, p := range wg.peers {
			if selected == required {
				break
			}
			if claimed[p.Endpoint] {
				continue
			}
			claimed[p.Endpoint] = true
			selected++

			if entry, done := m.lookup(p.Endpoint); done {
				assignments = append(assignments, assignment{group: gName, peer: p, entry: entry, fresh: false})
			} else {
				assignments = append(assignments, assignment{group: gName, peer: p, entry: m.claim(p.Endpoint), fresh: true})
			}
		}
		if selected < required {
			satisfiable = false
		}
	}

	return assignments, satisfiable
}

// dispatch launches one goroutine per fresh assignment and waits for all of
// them, per step 3/4 of §4.3's algorithm.
func (c *Coordinator) dispatch(ctx context.Context, assignments []assignment, sp *pb.SignedProposal, timeout time.Duration) {
	if timeout == 0 {
		timeout = defaultTimeout
	}

	var wg sync.WaitGroup
	for i := range assignments {
		a := &assignments[i]
		if !a.fresh {
			continue
		}
		wg.Add(1)
		go func(a *assignment) {
			defer wg.Done()
			c.attempt(ctx, a, sp, timeout)
		}(a)
	}
	wg.Wait()
}

func (c *Coordinator) attempt(ctx context.Context, a *assignment, sp *pb.SignedProposal, timeout time.Duration) {
	breaker := c.breakerFor(a.peer.Endpoint)

	var resp *pb.ProposalResponse
	err := breaker.Execute(func() error {
		client, err := c.Dial(a.peer.Endpoint)
		if err != nil {
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		c.Metrics.ProposalSent(a.peer.Endpoint)
		r, err := client.ProcessProposal(attemptCtx, sp)
		if err != nil {
			return err
		}
		if r.Response == nil || r.Response.Status < 200 || r.Response.Status >= 300 {
			status := "<nil>"
			if r.Response != nil {
				status = r.Response.Message
			}
			return errors.Errorf("rejected: %s", status)
		}
		resp = r
		return nil
	})

	if err != nil {
		if err == circuitbreaker.ErrOpen {
			logger.Debugw("endorsement attempt short-circuited", "peer", a.peer.Endpoint)
		} else {
			logger.Debugw("endorsement attempt failed", "peer", a.peer.Endpoint, "error", err)
		}
		a.entry.err = sdkerr.NewEndorsementFailure(a.peer.Endpoint, err)
		c.Metrics.EndorsementFailed(a.peer.Endpoint)
		return
	}

	a.entry.resp = resp
}

func collectErrors(assignments []assignment) map[string][]*sdkerr.EndorsementFailureError {
	out := map[string][]*sdkerr.EndorsementFailureError{}
	for _, a := range assignments {
		if a.entry.err == nil {
			continue
		}
		if ef, ok := a.entry.err.(*sdkerr.EndorsementFailureError); ok {
			out[a.group] = append(out[a.group], ef)
		}
	}
	return out
}

// assemble orders the successful endorsements in layout/group/peer order so
// that different runs over the same plan yield the same ordering, per
// §4.3's determinism guarantee.
func assemble(assignments []assignment, groupNames []string) []*pb.ProposalResponse {
	out := make([]*pb.ProposalResponse, 0, len(assignments))
	for _, gName := range groupNames {
		for _, a := range assignments {
			if a.group == gName {
				out = append(out, a.entry.resp)
			}
		}
	}
	return out
}

func sortedKeys(layout spi.Layout) []string {
	keys := make([]string, 0, len(layout))
	for k := range layout {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
