package synctracker

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/nodeviewsync/core/internal/modifier"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func testPeer(name string) modifier.PeerHandle {
	return modifier.PeerHandle{ID: peer.ID(name)}
}

func TestPeersToSyncWithUntrackedPeerIsEligibleImmediately(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	tr := New(Config{SyncInterval: time.Minute, SyncStatusRefresh: time.Second, Clock: clock})

	peerA := testPeer("peerA")
	targets := tr.PeersToSyncWith([]modifier.PeerHandle{peerA})
	if len(targets) != 1 || targets[0].ID != peerA.ID {
		t.Fatalf("PeersToSyncWith for untracked peer = %v, want [peerA]", targets)
	}
}

func TestPeersToSyncWithRespectsStatusRefreshFloor(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	tr := New(Config{SyncInterval: time.Minute, SyncStatusRefresh: 10 * time.Second, Clock: clock})

	peerA := testPeer("peerA")
	tr.MarkSent(peerA)

	clock.now = clock.now.Add(5 * time.Second) // inside the refresh floor
	if targets := tr.PeersToSyncWith([]modifier.PeerHandle{peerA}); len(targets) != 0 {
		t.Fatalf("peer re-selected before status refresh elapsed: %v", targets)
	}

	clock.now = clock.now.Add(10 * time.Second) // past the floor, still inside syncInterval
	if targets := tr.PeersToSyncWith([]modifier.PeerHandle{peerA}); len(targets) != 0 {
		t.Fatalf("peer re-selected before sync interval elapsed: %v", targets)
	}

	clock.now = time.Unix(1000, 0).Add(time.Minute + time.Second) // past syncInterval
	if targets := tr.PeersToSyncWith([]modifier.PeerHandle{peerA}); len(targets) != 1 {
		t.Fatalf("peer not re-selected after sync interval elapsed: %v", targets)
	}
}

func TestUpdateStatusAndClearStatus(t *testing.T) {
	tr := New(Config{SyncInterval: time.Minute, SyncStatusRefresh: time.Second})
	peerA := testPeer("peerA")

	if got := tr.Status(peerA); got != modifier.SyncUnknown {
		t.Fatalf("status for untracked peer = %v, want Unknown", got)
	}

	tr.UpdateStatus(peerA, modifier.SyncYounger, false)
	if got := tr.Status(peerA); got != modifier.SyncYounger {
		t.Fatalf("status after update = %v, want Younger", got)
	}

	tr.ClearStatus(peerA)
	if got := tr.Status(peerA); got != modifier.SyncUnknown {
		t.Fatalf("status after clear = %v, want Unknown", got)
	}
}
