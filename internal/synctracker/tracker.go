// Package synctracker implements SyncTracker: per-peer sync comparison
// status and the periodic sync-info broadcast schedule.
package synctracker

import (
	"sync"
	"time"

	"github.com/nodeviewsync/core/internal/modifier"
)

// Clock abstracts wall-clock reads so tests can control the passage of
// time, the way clock.SlotClock injects a timeFunc in the teacher codebase.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production Clock backed by time.Now.
var SystemClock Clock = systemClock{}

type peerState struct {
	status       modifier.SyncStatus
	lastSyncSent time.Time
}

// Tracker is the SyncTracker of SPEC_FULL.md §4.2.
type Tracker struct {
	mu    sync.Mutex
	peers map[string]*peerState // keyed by peer.ID string form

	clock         Clock
	syncInterval  time.Duration
	statusRefresh time.Duration
}

// Config holds the tunables of SPEC_FULL.md §6.
type Config struct {
	SyncInterval      time.Duration
	SyncStatusRefresh time.Duration
	Clock             Clock
}

// New creates a Tracker.
func New(cfg Config) *Tracker {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock
	}
	return &Tracker{
		peers:         make(map[string]*peerState),
		clock:         clock,
		syncInterval:  cfg.SyncInterval,
		statusRefresh: cfg.SyncStatusRefresh,
	}
}

// UpdateStatus upserts peer's comparison status. refreshSent, when true,
// also resets lastSyncSent to now — used when the status update arrived
// in response to our own broadcast, per SPEC_FULL.md §4.2's ordering
// guarantee.
func (t *Tracker) UpdateStatus(peer modifier.PeerHandle, status modifier.SyncStatus, refreshSent bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := peer.ID.String()
	s, ok := t.peers[key]
	if !ok {
		s = &peerState{}
		t.peers[key] = s
	}
	s.status = status
	if refreshSent {
		s.lastSyncSent = t.clock.Now()
	}
}

// ClearStatus removes peer's entry, e.g. on disconnect.
func (t *Tracker) ClearStatus(peer modifier.PeerHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, peer.ID.String())
}

// Status returns the recorded status for peer (SyncUnknown if untracked).
func (t *Tracker) Status(peer modifier.PeerHandle) modifier.SyncStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.peers[peer.ID.String()]; ok {
		return s.status
	}
	return modifier.SyncUnknown
}

// PeersToSyncWith selects, among the given connected peers, those whose
// lastSyncSent is older than syncInterval, enforcing a hard minimum gap
// (statusRefresh) since the last outbound sync to each. Marking
// lastSyncSent for a selected peer is the caller's responsibility (done
// via UpdateStatus(..., refreshSent=true) or MarkSent) once the send
// actually happens, which is what gives the ordering guarantee of
// SPEC_FULL.md §4.2: a peer cannot appear in two consecutive selections
// without an intervening send or status update.
func (t *Tracker) PeersToSyncWith(connected []modifier.PeerHandle) []modifier.PeerHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	var out []modifier.PeerHandle
	for _, peer := range connected {
		key := peer.ID.String()
		s, ok := t.peers[key]
		if !ok {
			// Unknown peer: never synced, eligible immediately.
			out = append(out, peer)
			continue
		}
		sinceLast := now.Sub(s.lastSyncSent)
		if sinceLast < t.statusRefresh {
			continue
		}
		if s.lastSyncSent.IsZero() || sinceLast >= t.syncInterval {
			out = append(out, peer)
		}
	}
	return out
}

// MarkSent records that we just sent a sync-info message to peer, arming
// the minimum-gap guard for its next eligibility.
func (t *Tracker) MarkSent(peer modifier.PeerHandle) {
	t.UpdateStatus(peer, t.Status(peer), true)
}

// TickSink receives the periodic SendLocalSyncInfo tick.
type TickSink interface {
	DeliverSendLocalSyncInfo()
}

// ScheduleSendSyncInfo arms a periodic ticker that delivers
// SendLocalSyncInfo to sink every syncInterval, until stop is closed.
func (t *Tracker) ScheduleSendSyncInfo(sink TickSink, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(t.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sink.DeliverSendLocalSyncInfo()
			}
		}
	}()
}
