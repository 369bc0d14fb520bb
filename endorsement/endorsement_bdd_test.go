/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package endorsement_test

import (
	"context"

	pb "github.com/hyperledger/fabric-protos-go/peer"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hyperledger/fabric-sdk-go-core/endorsement"
	"github.com/hyperledger/fabric-sdk-go-core/spi"
)

var _ = Describe("Coordinator", func() {
	var plan *spi.EndorsementPlan

	BeforeEach(func() {
		plan = &spi.EndorsementPlan{
			Groups: map[string]spi.Group{
				"Org1": {Name: "Org1", Required: 1, Peers: []spi.PeerDescriptor{{Endpoint: "peer0.org1"}}},
			},
			Layouts: []spi.Layout{{"Org1": 1}},
		}
	})

	It("returns the endorsement when the only layout's peer succeeds", func() {
		client := &fakeEndorserClient{reply: okReply()}
		c := endorsement.New(nil, nil)
		c.Dial = func(string) (pb.EndorserClient, error) { return client, nil }

		resps, err := c.Endorse(context.Background(), plan, &pb.SignedProposal{}, endorsement.Options{})
		Expect(err).NotTo(HaveOccurred())
		Expect(resps).To(HaveLen(1))
	})

	It("opens the peer's breaker after repeated failures and short-circuits further dials", func() {
		client := &fakeEndorserClient{reply: nil, err: errBoom}
		c := endorsement.New(nil, nil)
		c.Dial = func(string) (pb.EndorserClient, error) { return client, nil }
		c.BreakerConfig.Threshold = 1

		_, err := c.Endorse(context.Background(), plan, &pb.SignedProposal{}, endorsement.Options{})
		Expect(err).To(HaveOccurred())
		Expect(client.calls).To(Equal(1))

		_, err = c.Endorse(context.Background(), plan, &pb.SignedProposal{}, endorsement.Options{})
		Expect(err).To(HaveOccurred())
		Expect(client.calls).To(Equal(1), "the open breaker must short-circuit without dialing again")
	})

	It("fails with a plan-unsatisfied error when a required group has no reachable peer", func() {
		empty := &spi.EndorsementPlan{
			Groups:  map[string]spi.Group{"Org1": {Name: "Org1", Required: 1}},
			Layouts: []spi.Layout{{"Org1": 1}},
		}
		c := endorsement.New(nil, nil)

		_, err := c.Endorse(context.Background(), empty, &pb.SignedProposal{}, endorsement.Options{})
		Expect(err).To(HaveOccurred())
	})
})
