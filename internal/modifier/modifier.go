// Package modifier defines the core identifiers shared by every component
// of the node view synchronizer: modifier ids, their type tag, peer
// identity, and the lifecycle status machine described by the sync
// protocol.
package modifier

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// IDSize is the canonical width of a modifier id.
const IDSize = 32

// ID is an opaque fixed-width identifier for a modifier (transaction or
// persistent modifier). Comparison is lexicographic byte order, used by
// the cache to pick a deterministic applicable modifier among several.
type ID [IDSize]byte

// Compare returns -1, 0, or 1 the way bytes.Compare would.
func (id ID) Compare(other ID) int {
	for i := 0; i < IDSize; i++ {
		if id[i] != other[i] {
			if id[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (id ID) IsZero() bool { return id == ID{} }

// Short renders the first 4 bytes as hex, for log lines.
func (id ID) Short() string {
	return fmt.Sprintf("%x", id[:4])
}

func (id ID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// TypeID is a one-byte tag selecting the modifier class. TxModifierType is
// the single distinguished value meaning "transaction"; every other value
// denotes a persistent modifier (block or block-part).
type TypeID byte

// TxModifierType is the reserved tag for ephemeral mempool transactions.
const TxModifierType TypeID = 0

// IsTransaction reports whether this type tag denotes a mempool transaction.
func (t TypeID) IsTransaction() bool { return t == TxModifierType }

// Modifier is the minimal shape every transaction or persistent modifier
// must satisfy to flow through the tracker, cache, and codecs.
type Modifier interface {
	ModifierID() ID
	ModifierType() TypeID
}

// PeerHandle is a stable identity for a connected peer: its libp2p peer id
// (used for equality and as the map key everywhere a peer is tracked) plus
// its last-known remote multiaddr for logging and diagnostics.
type PeerHandle struct {
	ID   peer.ID
	Addr ma.Multiaddr
}

func (p PeerHandle) String() string {
	if p.Addr != nil {
		return fmt.Sprintf("%s@%s", p.ID, p.Addr)
	}
	return p.ID.String()
}

// Status is the lifecycle state of a modifier id, per the sync protocol.
type Status int

const (
	// StatusUnknown means the id was never seen, or has been evicted/forgotten.
	StatusUnknown Status = iota
	// StatusRequested means an outstanding request has been sent for this id.
	StatusRequested
	// StatusReceived means the modifier arrived from a peer and passed framing.
	StatusReceived
	// StatusHeld means the modifier sits in the out-of-order cache awaiting
	// dependencies.
	StatusHeld
	// StatusApplied means the modifier is known to the local view (history or
	// mempool).
	StatusApplied
	// StatusInvalid means the modifier was permanently rejected.
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusRequested:
		return "requested"
	case StatusReceived:
		return "received"
	case StatusHeld:
		return "held"
	case StatusApplied:
		return "applied"
	case StatusInvalid:
		return "invalid"
	default:
		return "invalid-status"
	}
}

// SyncStatus is the result of comparing a peer's sync summary against our
// own chain history.
type SyncStatus int

const (
	SyncUnknown SyncStatus = iota
	SyncYounger
	SyncEqual
	SyncOlder
	SyncNonsense
)

func (s SyncStatus) String() string {
	switch s {
	case SyncUnknown:
		return "unknown"
	case SyncYounger:
		return "younger"
	case SyncEqual:
		return "equal"
	case SyncOlder:
		return "older"
	case SyncNonsense:
		return "nonsense"
	default:
		return "invalid-sync-status"
	}
}
