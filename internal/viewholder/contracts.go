// Package viewholder defines the external contracts of SPEC_FULL.md §6
// that the synchronizer treats as collaborators it does not own: the
// history and mempool readers, and the events the view holder raises
// back at the synchronizer. The view holder's actual persistence and
// block/transaction application are out of scope (spec.md §1); this
// package only carries the interfaces and the event variant.
package viewholder

import (
	"github.com/nodeviewsync/core/internal/modifier"
)

// HistoryReader is the read-only capability set of SPEC_FULL.md §6 the
// synchronizer uses against the applied chain history.
type HistoryReader interface {
	// Compare returns how a peer's sync summary relates to our own.
	Compare(syncInfo []byte) modifier.SyncStatus
	// ContinuationIds returns up to limit (type, id) pairs we'd send a
	// Younger peer to catch it up, or nil if none / not comparable.
	ContinuationIds(syncInfo []byte, limit int) []TypedID
	// SyncInfo returns our current chain summary, opaque to the core.
	SyncInfo() []byte
	// ApplicableTry reports whether mod's dependencies are satisfied.
	ApplicableTry(mod modifier.Modifier) bool
	// Contains reports whether mod is already known to history.
	Contains(id modifier.ID) bool
	// ModifierByID fetches a previously applied modifier by id.
	ModifierByID(id modifier.ID) (modifier.Modifier, bool)
}

// MempoolReader is the read-only capability set over the local mempool.
type MempoolReader interface {
	GetAll(ids []modifier.ID) map[modifier.ID]modifier.Modifier
	Contains(id modifier.ID) bool
}

// Submitter is the outbound capability the synchronizer uses to hand a
// wire-deserialized modifier to the view holder for validation. The view
// holder answers asynchronously via the Event variant below — mirroring
// the request/response-by-event shape of SPEC_FULL.md §4.4.
type Submitter interface {
	SubmitTransaction(tx modifier.Modifier)
	SubmitModifier(mod modifier.Modifier)
}

// TypedID pairs a modifier id with its type tag, as used in Inv/Request
// payloads and continuation lists.
type TypedID struct {
	Type modifier.TypeID
	ID   modifier.ID
}

// Event is the tagged variant of §4.4 B — the view-holder and
// peer-manager events the synchronizer consumes. Only the fields that
// belong to the Kind tag are set, replacing the source's
// class-tag dispatch with an explicit variant (SPEC_FULL.md §9).
type Event struct {
	Kind EventKind

	Tx           modifier.Modifier // SuccessfulTransaction / FailedTransaction
	Mod          modifier.Modifier // Syntactically/SemanticallySuccessful|Failed Modification
	History      HistoryReader     // ChangedHistory
	Mempool      MempoolReader     // ChangedMempool
	Peer         modifier.PeerHandle
	DownloadType modifier.TypeID
	DownloadID   modifier.ID
}

// EventKind enumerates the view-holder/peer-manager events of §4.4 B.
type EventKind int

const (
	EventSuccessfulTransaction EventKind = iota
	EventFailedTransaction
	EventSyntacticallySuccessfulModifier
	EventSyntacticallyFailedModification
	EventSemanticallySuccessfulModifier
	EventSemanticallyFailedModification
	EventChangedHistory
	EventChangedMempool
	EventHandshakedPeer
	EventDisconnectedPeer
	EventDownloadRequest
	EventSendLocalSyncInfo
)
