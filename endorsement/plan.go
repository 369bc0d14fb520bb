/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package endorsement implements §4.3: running a discovery-produced
// EndorsementPlan's layouts/groups against peers, fanning out concurrent
// attempts per group, and assembling an ordered, deterministic endorsement
// list.
package endorsement

import (
	"math"
	"sort"
	"time"

	"github.com/hyperledger/fabric-sdk-go-core/spi"
)

// Options parametrizes a single Endorse call, per §4.3.
type Options struct {
	// Preferred peers are lifted to the highest score before sorting.
	Preferred map[string]struct{}
	// Ignore peers are removed from every group before a layout is tried.
	Ignore map[string]struct{}
	// Timeout bounds each individual peer RPC attempt.
	Timeout time.Duration
}

// workingGroup is one group's filtered, re-scored, sorted peer list.
type workingGroup struct {
	name     string
	required int
	peers    []spi.PeerDescriptor
}

// workingPlan is the per-call mutable copy of an EndorsementPlan produced
// by step 1 of §4.3's algorithm. An EndorsementCoordinator instance is
// single-use per Endorse call, so this state is never shared across calls.
type workingPlan struct {
	groups  map[string]workingGroup
	layouts []spi.Layout
}

// buildWorkingPlan filters ignored peers, lifts preferred peers to the
// maximum score, and stably sorts each group's peers descending by score.
func buildWorkingPlan(plan *spi.EndorsementPlan, opts Options) workingPlan {
	groups := make(map[string]workingGroup, len(plan.Groups))

	for name, g := range plan.Groups {
		filtered := make([]spi.PeerDescriptor, 0, len(g.Peers))
		for _, p := range g.Peers {
			if _, ignored := opts.Ignore[p.Endpoint]; ignored {
				continue
			}
			if _, preferred := opts.Preferred[p.Endpoint]; preferred {
				p.Score = math.MaxUint64
			}
			filtered = append(filtered, p)
		}

		sort.SliceStable(filtered, func(i, j int) bool {
			return filtered[i].Score > filtered[j].Score
		})

		groups[name] = workingGroup{name: name, required: g.Required, peers: filtered}
	}

	return workingPlan{groups: groups, layouts: plan.Layouts}
}
