package network

import (
	"sync"
	"time"

	"github.com/nodeviewsync/core/internal/modifier"
)

// Offense enumerates the misbehavior categories the synchronizer reports,
// per SPEC_FULL.md §12.3.
type Offense int

const (
	OffenseMalformed Offense = iota
	OffenseSpam
	OffenseNonDelivery
	OffenseNonsenseSync
)

func (o Offense) weight() int {
	switch o {
	case OffenseMalformed:
		return 20
	case OffenseSpam:
		return 10
	case OffenseNonDelivery:
		return 5
	case OffenseNonsenseSync:
		return 15
	default:
		return 1
	}
}

// banThreshold is the score above which a peer is reported as
// persistently misbehaving. ScoreBook never disconnects on its own —
// matching the "core's default does not disconnect" behavior noted in
// spec.md §7 — it only exposes the crossing so a caller can decide.
const banThreshold = 100

// decayInterval and decayAmount let old offenses age out, so a peer with
// one bad modifier a day never accumulates into a permanent penalty.
const (
	decayInterval = time.Minute
	decayAmount   = 5
)

type peerScore struct {
	score     int
	lastDecay time.Time
}

// ScoreBook is a graduated misbehavior tracker: every peer gets a score
// that climbs on offense and decays over time, grounded in the teacher's
// own peer-status bookkeeping in networking/chainsync/syncer.go but
// generalized from boolean "good/bad" into a decaying counter.
type ScoreBook struct {
	mu    sync.Mutex
	peers map[string]*peerScore
	clock func() time.Time
}

// NewScoreBook creates an empty ScoreBook using the real wall clock.
func NewScoreBook() *ScoreBook {
	return &ScoreBook{
		peers: make(map[string]*peerScore),
		clock: time.Now,
	}
}

// Penalize records an offense by peer, returning the peer's score after
// decay and penalty are applied, and whether it now exceeds banThreshold.
func (s *ScoreBook) Penalize(peer modifier.PeerHandle, offense Offense) (score int, exceeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := peer.ID.String()
	ps, ok := s.peers[key]
	if !ok {
		ps = &peerScore{lastDecay: s.clock()}
		s.peers[key] = ps
	}
	s.decayLocked(ps)
	ps.score += offense.weight()
	return ps.score, ps.score > banThreshold
}

// Score reports peer's current score without penalizing it.
func (s *ScoreBook) Score(peer modifier.PeerHandle) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.peers[peer.ID.String()]
	if !ok {
		return 0
	}
	s.decayLocked(ps)
	return ps.score
}

// Forget drops all bookkeeping for peer, e.g. once it disconnects.
func (s *ScoreBook) Forget(peer modifier.PeerHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peer.ID.String())
}

func (s *ScoreBook) decayLocked(ps *peerScore) {
	now := s.clock()
	elapsed := now.Sub(ps.lastDecay)
	if elapsed < decayInterval {
		return
	}
	ticks := int(elapsed / decayInterval)
	ps.score -= ticks * decayAmount
	if ps.score < 0 {
		ps.score = 0
	}
	ps.lastDecay = ps.lastDecay.Add(time.Duration(ticks) * decayInterval)
}
