// Package delivery implements the per-modifier-id request/delivery state
// machine: DeliveryTracker. It owns retry scheduling and peer attribution
// for in-flight requests, but never decides policy on its own — timer
// firings are handed back to the synchronizer as CheckDelivery signals,
// which alone decides whether to retry or give up.
package delivery

import (
	"sync"
	"time"

	"github.com/nodeviewsync/core/internal/modifier"
)

// maxSourcePeers bounds how many Inv-advertising peers we remember per id,
// so a popular id cannot grow the tracker unbounded (SPEC_FULL.md §12.2).
const maxSourcePeers = 8

// CheckDelivery is the signal a timer delivers back to the synchronizer
// when a requested id's delivery window elapses. Peer is the nil-able
// peer the id was expected from.
type CheckDelivery struct {
	Peer *modifier.PeerHandle
	Type modifier.TypeID
	ID   modifier.ID
}

// Sink receives CheckDelivery signals. Implemented by the synchronizer.
type Sink interface {
	DeliverCheck(CheckDelivery)
}

// Reader distinguishes Applied from Unknown for ids the tracker has no
// record of — implemented by the history/mempool readers of the view
// holder.
type Reader interface {
	Contains(id modifier.ID) bool
}

// Result is the outcome of a reexpect call.
type Result int

const (
	ResultScheduled Result = iota
	ResultForgotten
)

type entry struct {
	status       modifier.Status
	typeID       modifier.TypeID
	attempts     int
	expectedPeer *modifier.PeerHandle
	sourcePeers  []modifier.PeerHandle
	timer        *time.Timer
	generation   uint64 // bumped every time the timer is (re)armed
}

// PendingRequest names an id left without a source after its expected
// peer goes away.
type PendingRequest struct {
	Type modifier.TypeID
	ID   modifier.ID
}

// Tracker is the DeliveryTracker of SPEC_FULL.md §4.1. Safe for concurrent
// use, though the synchronizer is expected to be its only caller per the
// single-threaded event loop of §5 — the lock exists so timer goroutines
// (which fire independently of the event loop) can safely read/update
// state before handing a CheckDelivery signal back to the sink.
type Tracker struct {
	mu      sync.Mutex
	entries map[modifier.ID]*entry

	deliveryTimeout time.Duration
	maxChecks       int
	sink            Sink
}

// Config holds the tunables of SPEC_FULL.md §6.
type Config struct {
	DeliveryTimeout time.Duration
	MaxChecks       int
}

// New creates a Tracker that delivers CheckDelivery signals to sink.
func New(cfg Config, sink Sink) *Tracker {
	return &Tracker{
		entries:         make(map[modifier.ID]*entry),
		deliveryTimeout: cfg.DeliveryTimeout,
		maxChecks:       cfg.MaxChecks,
		sink:            sink,
	}
}

// Status returns the tracker's recorded status for id. If unrecorded, it
// consults reader to distinguish Applied from Unknown.
func (t *Tracker) Status(id modifier.ID, reader Reader) modifier.Status {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if ok && e.status != modifier.StatusUnknown {
		return e.status
	}
	if reader != nil && reader.Contains(id) {
		return modifier.StatusApplied
	}
	return modifier.StatusUnknown
}

// NoteSource records that peer advertised id via Inv, for later untargeted
// re-request preference (SPEC_FULL.md §12.2). Safe to call regardless of
// the id's current status.
func (t *Tracker) NoteSource(id modifier.ID, peer modifier.PeerHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		e = &entry{status: modifier.StatusUnknown}
		t.entries[id] = e
	}
	for _, p := range e.sourcePeers {
		if p.ID == peer.ID {
			return
		}
	}
	if len(e.sourcePeers) < maxSourcePeers {
		e.sourcePeers = append(e.sourcePeers, peer)
	}
}

// SourcePeers returns the peers known to have advertised id, oldest first.
func (t *Tracker) SourcePeers(id modifier.ID) []modifier.PeerHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil
	}
	out := make([]modifier.PeerHandle, len(e.sourcePeers))
	copy(out, e.sourcePeers)
	return out
}

// Expect marks every id in ids as Requested from peer, for modifiers of
// type typeID, provided the id's current status is Unknown or Invalid.
// Each transitioned id gets attempts=1 and a timer armed for
// deliveryTimeout.
func (t *Tracker) Expect(peer modifier.PeerHandle, typeID modifier.TypeID, ids []modifier.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		e, ok := t.entries[id]
		if ok && e.status != modifier.StatusUnknown && e.status != modifier.StatusInvalid {
			continue
		}
		if !ok {
			e = &entry{}
			t.entries[id] = e
		}
		e.status = modifier.StatusRequested
		e.typeID = typeID
		e.attempts = 1
		p := peer
		e.expectedPeer = &p
		t.armLocked(id, e, typeID)
	}
}

// Reexpect re-requests id, optionally from a specific peer (nil means the
// network layer should pick one). If attempts would exceed maxChecks, the
// id is forgotten (demoted to Unknown) and ResultForgotten is returned;
// otherwise attempts is incremented, a new timer is armed, and
// ResultScheduled is returned. Reexpect with a nil peer preserves any
// existing expectedPeer.
func (t *Tracker) Reexpect(peer *modifier.PeerHandle, typeID modifier.TypeID, id modifier.ID) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		e = &entry{status: modifier.StatusRequested}
		t.entries[id] = e
	}

	if e.attempts >= t.maxChecks {
		t.cancelLocked(e)
		delete(t.entries, id)
		return ResultForgotten
	}

	e.attempts++
	e.status = modifier.StatusRequested
	e.typeID = typeID
	if peer != nil {
		p := *peer
		e.expectedPeer = &p
	}
	// else: preserve existing expectedPeer, possibly nil.
	t.armLocked(id, e, typeID)
	return ResultScheduled
}

// armLocked (re)schedules the delivery timeout for id. Caller holds t.mu.
func (t *Tracker) armLocked(id modifier.ID, e *entry, typeID modifier.TypeID) {
	t.cancelLocked(e)
	e.generation++
	gen := e.generation
	var expected *modifier.PeerHandle
	if e.expectedPeer != nil {
		p := *e.expectedPeer
		expected = &p
	}
	e.timer = time.AfterFunc(t.deliveryTimeout, func() {
		t.fire(id, typeID, gen, expected)
	})
}

// fire runs on the timer's own goroutine. It is a no-op if the entry has
// since moved on (generation mismatch, acting as an idempotence guard for
// cancelled-but-still-firing timers per SPEC_FULL.md §5).
func (t *Tracker) fire(id modifier.ID, typeID modifier.TypeID, gen uint64, expected *modifier.PeerHandle) {
	t.mu.Lock()
	e, ok := t.entries[id]
	stillLive := ok && e.generation == gen && e.status == modifier.StatusRequested
	t.mu.Unlock()
	if !stillLive || t.sink == nil {
		return
	}
	t.sink.DeliverCheck(CheckDelivery{Peer: expected, Type: typeID, ID: id})
}

// cancelLocked stops any outstanding timer for e. Caller holds t.mu.
func (t *Tracker) cancelLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// OnReceive classifies an arrival. If id was Requested and (peer matches
// expectedPeer or expectedPeer was unset), the timer is cancelled, status
// becomes Received, and true is returned. Otherwise the arrival is spam
// and false is returned with no state change.
func (t *Tracker) OnReceive(typeID modifier.TypeID, id modifier.ID, peer modifier.PeerHandle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.status != modifier.StatusRequested {
		return false
	}
	if e.expectedPeer != nil && e.expectedPeer.ID != peer.ID {
		return false
	}
	t.cancelLocked(e)
	e.status = modifier.StatusReceived
	return true
}

// ToApplied unconditionally transitions id to Applied, cancelling any timer.
func (t *Tracker) ToApplied(id modifier.ID) {
	t.transition(id, modifier.StatusApplied)
}

// ToUnknown unconditionally forgets id, cancelling any timer.
func (t *Tracker) ToUnknown(id modifier.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		t.cancelLocked(e)
	}
	delete(t.entries, id)
}

// ToInvalid unconditionally transitions id to Invalid, cancelling any timer.
func (t *Tracker) ToInvalid(id modifier.ID) {
	t.transition(id, modifier.StatusInvalid)
}

// ToHeld unconditionally transitions id to Held, cancelling any timer —
// used once a received modifier is parked in the cache awaiting its
// dependencies.
func (t *Tracker) ToHeld(id modifier.ID) {
	t.transition(id, modifier.StatusHeld)
}

func (t *Tracker) transition(id modifier.ID, status modifier.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		e = &entry{}
		t.entries[id] = e
	}
	t.cancelLocked(e)
	e.status = status
}

// Attempts returns the current attempt count for id (0 if unrecorded).
// Exposed for tests asserting the monotonic-attempts property.
func (t *Tracker) Attempts(id modifier.ID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		return e.attempts
	}
	return 0
}

// ForgetPeer clears peer as the expected source of every entry still
// awaiting delivery from it, returning those ids so the caller can
// reschedule them against a different peer. The entry itself, its timer,
// and its attempt count are left untouched — only attribution changes.
func (t *Tracker) ForgetPeer(peer modifier.PeerHandle) []PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pending []PendingRequest
	for id, e := range t.entries {
		if e.status != modifier.StatusRequested || e.expectedPeer == nil || e.expectedPeer.ID != peer.ID {
			continue
		}
		e.expectedPeer = nil
		pending = append(pending, PendingRequest{Type: e.typeID, ID: id})
	}
	return pending
}

// ExpectedPeer returns the peer id is expected from, if any.
func (t *Tracker) ExpectedPeer(id modifier.ID) *modifier.PeerHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok || e.expectedPeer == nil {
		return nil
	}
	p := *e.expectedPeer
	return &p
}
