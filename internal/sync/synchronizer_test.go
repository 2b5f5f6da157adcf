package sync

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/nodeviewsync/core/internal/codec"
	"github.com/nodeviewsync/core/internal/modifier"
	"github.com/nodeviewsync/core/internal/network"
	"github.com/nodeviewsync/core/internal/viewholder"
)

// sentMessage records one SendToNetwork call for test assertions.
type sentMessage struct {
	Code   network.MessageCode
	Data   []byte
	Target network.Target
}

// fakeController is an in-memory network.Controller: SendToNetwork just
// records the call instead of touching any transport, and tests drive
// inbound traffic directly by calling the registered Sink.
type fakeController struct {
	mu      sync.Mutex
	sink    network.Sink
	sent    []sentMessage
	peers   []modifier.PeerHandle
	sendErr error
}

func (f *fakeController) RegisterHandler(codes []network.MessageCode, sink network.Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
}

func (f *fakeController) SendToNetwork(_ context.Context, code network.MessageCode, data []byte, target network.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{Code: code, Data: data, Target: target})
	return f.sendErr
}

func (f *fakeController) ConnectedPeers() []modifier.PeerHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers
}

func (f *fakeController) deliver(in network.Inbound) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	sink.DataFromPeer(in)
}

func (f *fakeController) lastSent() (sentMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentMessage{}, false
	}
	return f.sent[len(f.sent)-1], true
}

func testPeer(name string) modifier.PeerHandle {
	return modifier.PeerHandle{ID: peer.ID(name)}
}

func rawType() modifier.TypeID { return modifier.TypeID(1) }

func newTestRegistry() *codec.Registry {
	reg := codec.NewRegistry()
	reg.Register(rawType(),
		func(mod modifier.Modifier) ([]byte, error) { return mod.(modifier.Raw).Payload(), nil },
		func(raw []byte) (modifier.Modifier, error) { return modifier.NewRaw(rawType(), raw), nil },
	)
	return reg
}

func testCodes() Codes {
	return Codes{Inv: 1, Request: 2, Modifiers: 3, SyncInfo: 4}
}

func newTestSynchronizer(t *testing.T) (*Synchronizer, *fakeController, *viewholder.MemoryHistory, *viewholder.MemoryMempool) {
	t.Helper()
	controller := &fakeController{}
	history := viewholder.NewMemoryHistory()
	mempool := viewholder.NewMemoryMempool()
	submitter := viewholder.NewMemorySubmitter(history, mempool, 64)

	s := New(Config{
		Codes:             testCodes(),
		CacheCapacity:     16,
		DeliveryTimeout:   time.Hour, // tests drive timing manually; no real timeout should fire
		MaxDeliveryChecks: 3,
		MaxInvObjects:     64,
		MaxPacketSize:     1 << 16,
		SyncInterval:      time.Hour,
		SyncStatusRefresh: time.Hour,
	}, Deps{
		Controller: controller,
		Registry:   newTestRegistry(),
		Submitter:  submitter,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	s.SetView(history, mempool)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})

	s.Start(ctx)
	go forwardEvents(ctx, submitter, s)
	return s, controller, history, mempool
}

func forwardEvents(ctx context.Context, submitter *viewholder.MemorySubmitter, s *Synchronizer) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-submitter.Events:
			s.Notify(event)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// TestInvTriggersRequestThenModifiersAppliesIt exercises the full happy
// path: a peer announces an id we don't have, we request it, the peer
// delivers it, and it lands in history as applied.
func TestInvTriggersRequestThenModifiersAppliesIt(t *testing.T) {
	s, controller, history, _ := newTestSynchronizer(t)
	peerA := testPeer("peerA")

	mod := modifier.NewRaw(rawType(), []byte("hello"))
	id := mod.ModifierID()

	invData, _, err := codec.EncodeInv(codec.Inv{Type: rawType(), IDs: []modifier.ID{id}}, 64)
	if err != nil {
		t.Fatalf("EncodeInv: %v", err)
	}
	controller.deliver(network.Inbound{Code: testCodes().Inv, Data: invData, Peer: peerA})

	waitFor(t, func() bool {
		last, ok := controller.lastSent()
		return ok && last.Code == testCodes().Request
	})

	payload, _, err := codec.EncodeModifiers(codec.Modifiers{Type: rawType(), Items: map[modifier.ID][]byte{id: mod.Payload()}}, 1<<16)
	if err != nil {
		t.Fatalf("EncodeModifiers: %v", err)
	}
	controller.deliver(network.Inbound{Code: testCodes().Modifiers, Data: payload, Peer: peerA})

	waitFor(t, func() bool { return history.Contains(id) })
	_ = s
}

// TestUnrequestedModifierIsRejectedAsSpam asserts that a modifier
// delivered without a matching Requested entry never reaches the view
// holder.
func TestUnrequestedModifierIsRejectedAsSpam(t *testing.T) {
	_, controller, history, _ := newTestSynchronizer(t)
	peerA := testPeer("peerA")

	mod := modifier.NewRaw(rawType(), []byte("unsolicited"))
	id := mod.ModifierID()

	payload, _, err := codec.EncodeModifiers(codec.Modifiers{Type: rawType(), Items: map[modifier.ID][]byte{id: mod.Payload()}}, 1<<16)
	if err != nil {
		t.Fatalf("EncodeModifiers: %v", err)
	}
	controller.deliver(network.Inbound{Code: testCodes().Modifiers, Data: payload, Peer: peerA})

	time.Sleep(20 * time.Millisecond)
	if history.Contains(id) {
		t.Fatal("unrequested modifier was applied")
	}
}

// TestMismatchedIDModifierTransitionsToUnknown exercises scenario S4: a
// peer delivers bytes under an id it was expected to deliver, but the
// decoded modifier's own id does not match. The sender is penalized as
// malformed, but the id itself returns to Unknown rather than Invalid,
// so a later peer can still supply it correctly.
func TestMismatchedIDModifierTransitionsToUnknown(t *testing.T) {
	s, controller, history, _ := newTestSynchronizer(t)
	peerA := testPeer("peerA")

	wanted := modifier.NewRaw(rawType(), []byte("expected-payload"))
	id := wanted.ModifierID()

	invData, _, err := codec.EncodeInv(codec.Inv{Type: rawType(), IDs: []modifier.ID{id}}, 64)
	if err != nil {
		t.Fatalf("EncodeInv: %v", err)
	}
	controller.deliver(network.Inbound{Code: testCodes().Inv, Data: invData, Peer: peerA})

	waitFor(t, func() bool {
		last, ok := controller.lastSent()
		return ok && last.Code == testCodes().Request
	})

	wrong := modifier.NewRaw(rawType(), []byte("wrong-payload"))
	payload, _, err := codec.EncodeModifiers(codec.Modifiers{Type: rawType(), Items: map[modifier.ID][]byte{id: wrong.Payload()}}, 1<<16)
	if err != nil {
		t.Fatalf("EncodeModifiers: %v", err)
	}
	controller.deliver(network.Inbound{Code: testCodes().Modifiers, Data: payload, Peer: peerA})

	waitFor(t, func() bool {
		h, m := s.viewReader()
		return s.delivery.Status(id, readerFor(h, m)) == modifier.StatusUnknown
	})

	if history.Contains(id) {
		t.Fatal("mismatched-id modifier was applied to history")
	}
	if s.cache.Contains(id) {
		t.Fatal("mismatched-id modifier was cached")
	}
}

// TestSyncYoungerPeerReceivesContinuation asserts that when a peer's
// sync summary compares as Younger (behind us), we answer with
// continuation ids drawn from our own applied history.
func TestSyncYoungerPeerReceivesContinuation(t *testing.T) {
	_, controller, history, _ := newTestSynchronizer(t)
	peerA := testPeer("peerA")

	seeded := modifier.NewRaw(rawType(), []byte("genesis"))
	history.Seed(seeded)
	history.SetSyncInfo([]byte("b"))

	controller.deliver(network.Inbound{Code: testCodes().SyncInfo, Data: []byte("a"), Peer: peerA})

	waitFor(t, func() bool {
		last, ok := controller.lastSent()
		return ok && last.Code == testCodes().Inv
	})
}
