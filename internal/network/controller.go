// Package network implements the NetworkController contract of
// SPEC_FULL.md §6 and its production libp2p-backed adapter. The actual
// transport — framing, handshake, peer directory — stays the external
// collaborator spec.md §1 places out of scope; what lives here is the
// thin sending/receiving surface the synchronizer drives, adapted from
// the teacher's networking/host.go, networking/pubsub.go and
// networking/reqresp/stream.go.
package network

import (
	"context"

	"github.com/nodeviewsync/core/internal/modifier"
)

// MessageCode identifies a wire message kind (Inv, Request, Modifiers, or
// the consensus-supplied SyncInfo code).
type MessageCode uint8

// TargetKind enumerates the addressing modes of SPEC_FULL.md §6.
type TargetKind int

const (
	TargetBroadcast TargetKind = iota
	TargetPeer
	TargetPeers
	TargetRandom
)

// Target selects who an outbound message is sent to.
type Target struct {
	Kind  TargetKind
	Peer  modifier.PeerHandle
	Peers []modifier.PeerHandle
}

// Broadcast addresses every connected peer — used for inv announcements
// per the broadcast policy of SPEC_FULL.md §4.4.
func Broadcast() Target { return Target{Kind: TargetBroadcast} }

// ToPeer addresses a single peer — used for targeted inv/request/modifier
// messages.
func ToPeer(p modifier.PeerHandle) Target { return Target{Kind: TargetPeer, Peer: p} }

// ToPeers addresses an explicit set of peers.
func ToPeers(ps []modifier.PeerHandle) Target { return Target{Kind: TargetPeers, Peers: ps} }

// ToRandom addresses one connected peer chosen by the network layer —
// used only for untargeted re-requests.
func ToRandom() Target { return Target{Kind: TargetRandom} }

// Inbound is the shape of a peer message as it reaches the synchronizer.
type Inbound struct {
	Code MessageCode
	Data []byte
	Peer modifier.PeerHandle
}

// Sink receives inbound peer and connection events. Implemented by the
// synchronizer.
type Sink interface {
	DataFromPeer(Inbound)
	HandshakedPeer(modifier.PeerHandle)
	DisconnectedPeer(modifier.PeerHandle)
}

// Controller is the NetworkController contract of SPEC_FULL.md §6.
type Controller interface {
	// RegisterHandler wires sink to receive every inbound message whose
	// code is in codes, plus connection lifecycle events.
	RegisterHandler(codes []MessageCode, sink Sink)
	// SendToNetwork delivers data (already framed by internal/codec) to
	// target. It must not block the caller on network backpressure —
	// SPEC_FULL.md §5 places that concern on the network layer.
	SendToNetwork(ctx context.Context, code MessageCode, data []byte, target Target) error
	// ConnectedPeers lists currently connected peers.
	ConnectedPeers() []modifier.PeerHandle
}
