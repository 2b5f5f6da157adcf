package delivery

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/nodeviewsync/core/internal/modifier"
)

func testID(b byte) modifier.ID {
	var id modifier.ID
	id[0] = b
	return id
}

func testPeer(name string) modifier.PeerHandle {
	return modifier.PeerHandle{ID: peer.ID(name)}
}

type fakeSink struct {
	checks chan CheckDelivery
}

func newFakeSink() *fakeSink {
	return &fakeSink{checks: make(chan CheckDelivery, 16)}
}

func (f *fakeSink) DeliverCheck(c CheckDelivery) {
	f.checks <- c
}

func (f *fakeSink) wait(t *testing.T, timeout time.Duration) CheckDelivery {
	t.Helper()
	select {
	case c := <-f.checks:
		return c
	case <-time.After(timeout):
		t.Fatal("timed out waiting for CheckDelivery")
		return CheckDelivery{}
	}
}

// TestExpectReexpectForget walks the literal two-max-checks sequence:
// Expect (attempts=1), first timeout leads to a scheduled reexpect
// (attempts=2), second timeout hits the cap and the id is forgotten.
func TestExpectReexpectForget(t *testing.T) {
	sink := newFakeSink()
	tr := New(Config{DeliveryTimeout: 10 * time.Millisecond, MaxChecks: 2}, sink)

	peerA := testPeer("peerA")
	id := testID(1)

	tr.Expect(peerA, 0, []modifier.ID{id})
	if got := tr.Attempts(id); got != 1 {
		t.Fatalf("attempts after Expect = %d, want 1", got)
	}

	sink.wait(t, time.Second)
	if result := tr.Reexpect(nil, 0, id); result != ResultScheduled {
		t.Fatalf("first reexpect = %v, want ResultScheduled", result)
	}
	if got := tr.Attempts(id); got != 2 {
		t.Fatalf("attempts after first reexpect = %d, want 2", got)
	}

	sink.wait(t, time.Second)
	if result := tr.Reexpect(nil, 0, id); result != ResultForgotten {
		t.Fatalf("second reexpect = %v, want ResultForgotten", result)
	}
	if got := tr.Status(id, nil); got != modifier.StatusUnknown {
		t.Fatalf("status after forgetting = %v, want Unknown", got)
	}
}

func TestOnReceiveRejectsWrongPeer(t *testing.T) {
	tr := New(Config{DeliveryTimeout: time.Minute, MaxChecks: 3}, newFakeSink())
	peerA, peerB := testPeer("peerA"), testPeer("peerB")
	id := testID(2)

	tr.Expect(peerA, 0, []modifier.ID{id})
	if tr.OnReceive(0, id, peerB) {
		t.Fatal("OnReceive from unexpected peer should fail")
	}
	if !tr.OnReceive(0, id, peerA) {
		t.Fatal("OnReceive from expected peer should succeed")
	}
	if got := tr.Status(id, nil); got != modifier.StatusReceived {
		t.Fatalf("status after receive = %v, want Received", got)
	}
}

func TestOnReceiveRejectsUnrequested(t *testing.T) {
	tr := New(Config{DeliveryTimeout: time.Minute, MaxChecks: 3}, newFakeSink())
	if tr.OnReceive(0, testID(3), testPeer("peerA")) {
		t.Fatal("OnReceive for a never-requested id should fail")
	}
}

func TestForgetPeerReturnsPendingAndClearsAttribution(t *testing.T) {
	tr := New(Config{DeliveryTimeout: time.Minute, MaxChecks: 3}, newFakeSink())
	peerA := testPeer("peerA")
	id := testID(4)

	tr.Expect(peerA, 7, []modifier.ID{id})
	pending := tr.ForgetPeer(peerA)
	if len(pending) != 1 || pending[0].ID != id || pending[0].Type != 7 {
		t.Fatalf("ForgetPeer = %+v, want one entry for id with type 7", pending)
	}
	if got := tr.ExpectedPeer(id); got != nil {
		t.Fatalf("expected peer after ForgetPeer = %v, want nil", got)
	}
}

func TestNoteSourceIsBoundedAndDeduplicated(t *testing.T) {
	tr := New(Config{DeliveryTimeout: time.Minute, MaxChecks: 3}, newFakeSink())
	id := testID(5)

	for i := 0; i < maxSourcePeers+5; i++ {
		tr.NoteSource(id, testPeer("peer-repeat"))
	}
	if got := len(tr.SourcePeers(id)); got != 1 {
		t.Fatalf("repeated NoteSource from the same peer produced %d entries, want 1", got)
	}

	for i := 0; i < maxSourcePeers+5; i++ {
		tr.NoteSource(id, testPeer(string(rune('a'+i))))
	}
	if got := len(tr.SourcePeers(id)); got > maxSourcePeers {
		t.Fatalf("SourcePeers exceeded bound: got %d, want <= %d", got, maxSourcePeers)
	}
}

func TestStatusFallsBackToReader(t *testing.T) {
	tr := New(Config{DeliveryTimeout: time.Minute, MaxChecks: 3}, newFakeSink())
	id := testID(6)

	if got := tr.Status(id, containsReader{false}); got != modifier.StatusUnknown {
		t.Fatalf("status for untracked, absent id = %v, want Unknown", got)
	}
	if got := tr.Status(id, containsReader{true}); got != modifier.StatusApplied {
		t.Fatalf("status for untracked, present id = %v, want Applied", got)
	}
}

type containsReader struct{ present bool }

func (r containsReader) Contains(modifier.ID) bool { return r.present }
