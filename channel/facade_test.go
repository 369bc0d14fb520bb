/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package channel

import (
	"errors"
	"testing"

	"github.com/hyperledger/fabric/common/flogging"
	"github.com/stretchr/testify/require"

	"github.com/hyperledger/fabric-sdk-go-core/event"
	"github.com/hyperledger/fabric-sdk-go-core/internal/wire"
	sdkmetrics "github.com/hyperledger/fabric-sdk-go-core/metrics"
	"github.com/hyperledger/fabric-sdk-go-core/spi"
)

type fakeDiscovery struct {
	peers    []spi.PeerDescriptor
	orderers []spi.OrdererDescriptor
	plan     *spi.EndorsementPlan
	err      error
}

func (f *fakeDiscovery) GetEndorsementPlan(channelID, chaincodeID string) (*spi.EndorsementPlan, error) {
	return f.plan, f.err
}
func (f *fakeDiscovery) GetPeers(channelID string) ([]spi.PeerDescriptor, error) {
	return f.peers, f.err
}
func (f *fakeDiscovery) GetOrderers(channelID string) ([]spi.OrdererDescriptor, error) {
	return f.orderers, f.err
}

func newTestFacade(discovery spi.DiscoveryClient) *Facade {
	return &Facade{
		Config:      ChannelConfig{ChannelID: "mychannel"},
		ChaincodeID: "mycc",
		Signer:      testSigner(),
		Discovery:   discovery,
		Metrics:     &sdkmetrics.Metrics{},
		hubs:        make(map[string]hubEntry),
		stopChan:    make(chan struct{}),
		logger:      flogging.MustGetLogger("channel-test"),
	}
}

func TestRefreshTopologyRemovesHubsForDroppedPeers(t *testing.T) {
	disc := &fakeDiscovery{
		peers: []spi.PeerDescriptor{{Endpoint: "peer0.org1:7051", MSPID: "Org1MSP"}},
	}
	f := newTestFacade(disc)

	stale := event.New("peer1.org1:7051", "mychannel", f.Signer, nil, nil)
	fresh := event.New("peer0.org1:7051", "mychannel", f.Signer, nil, nil)
	f.hubs["peer1.org1:7051"] = hubEntry{hub: stale, mspid: "Org1MSP"}
	f.hubs["peer0.org1:7051"] = hubEntry{hub: fresh, mspid: "Org1MSP"}

	f.refreshTopology()

	f.mu.RLock()
	defer f.mu.RUnlock()
	require.Len(t, f.hubs, 1)
	_, ok := f.hubs["peer0.org1:7051"]
	require.True(t, ok)
}

func TestRefreshTopologyLeavesHubsUntouchedOnDiscoveryError(t *testing.T) {
	disc := &fakeDiscovery{err: errors.New("discovery unavailable")}
	f := newTestFacade(disc)

	hub := event.New("peer0.org1:7051", "mychannel", f.Signer, nil, nil)
	f.hubs["peer0.org1:7051"] = hubEntry{hub: hub, mspid: "Org1MSP"}

	f.refreshTopology()

	f.mu.RLock()
	defer f.mu.RUnlock()
	require.Len(t, f.hubs, 1)
}

func TestUnsubscribeRemovesAndClosesHub(t *testing.T) {
	f := newTestFacade(&fakeDiscovery{})
	hub := event.New("peer0.org1:7051", "mychannel", f.Signer, nil, nil)
	f.hubs["peer0.org1:7051"] = hubEntry{hub: hub, mspid: "Org1MSP"}

	f.Unsubscribe("peer0.org1:7051")

	f.mu.RLock()
	defer f.mu.RUnlock()
	require.Empty(t, f.hubs)
}

func TestSinglePeerPlanBuildsOneGroupOneLayout(t *testing.T) {
	disc := &fakeDiscovery{
		peers: []spi.PeerDescriptor{
			{Endpoint: "peer0.org1:7051", MSPID: "Org1MSP"},
			{Endpoint: "peer0.org2:8051", MSPID: "Org2MSP"},
		},
	}
	f := newTestFacade(disc)

	plan, err := f.singlePeerPlan()
	require.NoError(t, err)
	require.Len(t, plan.Layouts, 1)
	require.Equal(t, 1, plan.Layouts[0]["evaluate"])
	require.Len(t, plan.Groups["evaluate"].Peers, 1)
	require.Equal(t, "peer0.org1:7051", plan.Groups["evaluate"].Peers[0].Endpoint)
}

func TestSinglePeerPlanFailsWithNoPeers(t *testing.T) {
	f := newTestFacade(&fakeDiscovery{})
	_, err := f.singlePeerPlan()
	require.Error(t, err)
}

func TestCloseShutsDownAndRemovesEveryHub(t *testing.T) {
	f := newTestFacade(&fakeDiscovery{})
	f.Pool = wire.NewConnPool(wire.TLSConfig{}, wire.KeepaliveConfig{})

	hub := event.New("peer0.org1:7051", "mychannel", f.Signer, nil, nil)
	f.hubs["peer0.org1:7051"] = hubEntry{hub: hub, mspid: "Org1MSP"}

	f.Close()

	require.Equal(t, event.Shutdown, hub.State())
	f.mu.RLock()
	defer f.mu.RUnlock()
	require.Empty(t, f.hubs)
}

func TestRegisterBlockEventForwardsToEveryHubAndUnregisters(t *testing.T) {
	f := newTestFacade(&fakeDiscovery{})
	hub1 := event.New("peer0.org1:7051", "mychannel", f.Signer, nil, nil)
	hub2 := event.New("peer0.org2:8051", "mychannel", f.Signer, nil, nil)
	f.hubs["peer0.org1:7051"] = hubEntry{hub: hub1, mspid: "Org1MSP"}
	f.hubs["peer0.org2:8051"] = hubEntry{hub: hub2, mspid: "Org2MSP"}

	reg := f.RegisterBlockEvent(func(full *event.FullBlock, filtered *event.FilteredBlock) {}, event.RegOptions{})

	require.Equal(t, 2, hub1.RegisteredCounts()["block"]+hub2.RegisteredCounts()["block"])

	reg.Unregister()
	require.Equal(t, 0, hub1.RegisteredCounts()["block"]+hub2.RegisteredCounts()["block"])
}
