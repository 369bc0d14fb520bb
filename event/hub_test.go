/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package event_test

import (
	"context"
	"crypto"
	"errors"
	"time"

	cb "github.com/hyperledger/fabric-protos-go/common"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"google.golang.org/grpc"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hyperledger/fabric-sdk-go-core/event"
	"github.com/hyperledger/fabric-sdk-go-core/identity"
	"github.com/hyperledger/fabric-sdk-go-core/sdkerr"
	"github.com/hyperledger/fabric-sdk-go-core/spi"
)

type fakeKey struct{}

func (k *fakeKey) SKI() []byte   { return []byte("ski") }
func (k *fakeKey) Private() bool { return true }

type fakeSuite struct{}

func (f *fakeSuite) Hash(msg []byte) ([]byte, error) { return msg, nil }
func (f *fakeSuite) Sign(spi.Key, []byte, crypto.SignerOpts) ([]byte, error) {
	return []byte("sig"), nil
}
func (f *fakeSuite) Verify(spi.Key, []byte, []byte) (bool, error) { return true, nil }
func (f *fakeSuite) ImportKey([]byte, spi.KeyImportOpts) (spi.Key, error) {
	return &fakeKey{}, nil
}

func testSigner() *identity.Signer {
	id := &spi.Identity{MSPID: "Org1MSP", Certificate: []byte("cert-bytes"), PrivateKey: &fakeKey{}}
	return identity.New(id, &fakeSuite{}, crypto.SHA256)
}

// fakeDeliverStream implements both pb.Deliver_DeliverClient and
// pb.Deliver_DeliverFilteredClient by embedding the nil grpc.ClientStream
// interface and overriding only the methods the hub's read loop calls.
type fakeDeliverStream struct {
	grpc.ClientStream
	respCh  chan *pb.DeliverResponse
	closed  chan struct{}
	sendErr error
	ctx     context.Context
}

func newFakeDeliverStream() *fakeDeliverStream {
	return &fakeDeliverStream{
		respCh: make(chan *pb.DeliverResponse, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeDeliverStream) Send(*cb.Envelope) error { return f.sendErr }

func (f *fakeDeliverStream) Recv() (*pb.DeliverResponse, error) {
	done := f.closed
	var ctxDone <-chan struct{}
	if f.ctx != nil {
		ctxDone = f.ctx.Done()
	}
	select {
	case resp, ok := <-f.respCh:
		if !ok {
			return nil, errors.New("stream closed")
		}
		return resp, nil
	case <-done:
		return nil, errors.New("stream closed")
	case <-ctxDone:
		return nil, f.ctx.Err()
	}
}

func (f *fakeDeliverStream) CloseSend() error { return nil }

func (f *fakeDeliverStream) pushBlock(number uint64) {
	f.respCh <- &pb.DeliverResponse{Type: &pb.DeliverResponse_Block{Block: &pb.Block{
		Header:   &cb.BlockHeader{Number: number},
		Data:     &cb.BlockData{},
		Metadata: &cb.BlockMetadata{Metadata: make([][]byte, cb.BlockMetadataIndex_TRANSACTIONS_FILTER+1)},
	}}}
}

func (f *fakeDeliverStream) breakStream() { close(f.closed) }

// fakeDeliverClient implements pb.DeliverClient by embedding the nil
// interface and overriding Deliver/DeliverFiltered to hand back a
// pre-built fakeDeliverStream.
type fakeDeliverClient struct {
	pb.DeliverClient
	stream *fakeDeliverStream
}

func (f *fakeDeliverClient) Deliver(ctx context.Context, _ ...grpc.CallOption) (pb.Deliver_DeliverClient, error) {
	f.stream.ctx = ctx
	return f.stream, nil
}

func (f *fakeDeliverClient) DeliverFiltered(ctx context.Context, _ ...grpc.CallOption) (pb.Deliver_DeliverFilteredClient, error) {
	f.stream.ctx = ctx
	return f.stream, nil
}

func newTestHub(stream *fakeDeliverStream) *event.Hub {
	hub := event.New("peer0.org1:7051", "mychannel", testSigner(), nil, nil)
	hub.Dial = func(string) (pb.DeliverClient, error) {
		return &fakeDeliverClient{stream: stream}, nil
	}
	return hub
}

var _ = Describe("Hub", func() {
	var stream *fakeDeliverStream

	BeforeEach(func() {
		stream = newFakeDeliverStream()
	})

	It("transitions Idle -> Connecting -> Connected on the first frame", func() {
		hub := newTestHub(stream)
		Expect(hub.State()).To(Equal(event.Idle))

		ready := make(chan error, 1)
		err := hub.Connect(context.Background(), event.ConnectOptions{FullBlock: true, StartBlock: event.Position{Kind: event.Newest}}, func(err error, h *event.Hub) {
			ready <- err
		})
		Expect(err).NotTo(HaveOccurred())

		stream.pushBlock(1)

		Eventually(ready).Should(Receive(BeNil()))
		Eventually(hub.State).Should(Equal(event.Connected))
	})

	It("dispatches a block to a registered block listener", func() {
		hub := newTestHub(stream)
		received := make(chan uint64, 1)
		_, err := hub.RegisterBlock(func(full *event.FullBlock, filtered *event.FilteredBlock) {
			received <- full.Number
		}, event.RegOptions{})
		Expect(err).NotTo(HaveOccurred())

		Expect(hub.Connect(context.Background(), event.ConnectOptions{FullBlock: true}, nil)).To(Succeed())
		stream.pushBlock(42)

		Eventually(received).Should(Receive(Equal(uint64(42))))
	})

	It("shuts down non-orderly and fires error callbacks on a transport error", func() {
		hub := newTestHub(stream)
		errs := make(chan error, 1)
		hub.RegisterError(func(err error) { errs <- err })

		Expect(hub.Connect(context.Background(), event.ConnectOptions{FullBlock: true}, nil)).To(Succeed())
		stream.pushBlock(1)
		Eventually(hub.State).Should(Equal(event.Connected))

		stream.breakStream()

		Eventually(hub.State).Should(Equal(event.Shutdown))
		var hubErr error
		Eventually(errs).Should(Receive(&hubErr))
		var disconnect *sdkerr.HubDisconnectError
		Expect(errors.As(hubErr, &disconnect)).To(BeTrue())
		Expect(disconnect.HubShutdown()).To(BeFalse())
	})

	It("reconnects into a fresh generation after shutdown", func() {
		hub := newTestHub(stream)
		Expect(hub.Connect(context.Background(), event.ConnectOptions{FullBlock: true}, nil)).To(Succeed())
		stream.pushBlock(1)
		Eventually(hub.State).Should(Equal(event.Connected))

		hub.Close()
		Eventually(hub.State).Should(Equal(event.Shutdown))

		newStream := newFakeDeliverStream()
		hub.Dial = func(string) (pb.DeliverClient, error) {
			return &fakeDeliverClient{stream: newStream}, nil
		}

		ready := make(chan error, 1)
		Expect(hub.Reconnect(context.Background(), func(err error, h *event.Hub) { ready <- err })).To(Succeed())
		newStream.pushBlock(2)

		Eventually(ready).Should(Receive(BeNil()))
		Eventually(hub.State).Should(Equal(event.Connected))
	})

	It("times out and reports an error if no frame arrives", func() {
		hub := newTestHub(stream)
		ready := make(chan error, 1)

		err := hub.Connect(context.Background(), event.ConnectOptions{FullBlock: true, Timeout: 50 * time.Millisecond}, func(err error, h *event.Hub) {
			ready <- err
		})
		Expect(err).NotTo(HaveOccurred())

		Eventually(ready, "1s").Should(Receive(HaveOccurred()))
		Eventually(hub.State).Should(Equal(event.Shutdown))
	})
})
