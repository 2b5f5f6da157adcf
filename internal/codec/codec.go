// Package codec implements the wire framings of SPEC_FULL.md §6: Inv,
// Request, Modifiers, and the consensus-opaque SyncInfo envelope. Fixed-
// size fields (modifier ids) are encoded by direct concatenation, the way
// hand-written SSZ containers of fixed-size elements need no offset
// table; the Modifiers message's variable-length payloads use fastssz's
// offset helpers the way a generated variable-length SSZ list would, and
// the whole packet is snappy-framed the way reqresp/stream.go frames
// Status and BlocksByRoot payloads in the teacher codebase.
package codec

import (
	"encoding/binary"
	"fmt"
	"sort"

	ssz "github.com/ferranbt/fastssz"
	"github.com/golang/snappy"
	"github.com/nodeviewsync/core/internal/modifier"
	"github.com/nodeviewsync/core/internal/synerr"
)

// Message codes, stable across the wire.
const (
	CodeInv       uint8 = 1
	CodeRequest   uint8 = 2
	CodeModifiers uint8 = 3
	// CodeSyncInfo is supplied by the consensus plug-in at construction
	// time (SPEC_FULL.md §6) rather than fixed here; 0 is reserved to mean
	// "unset".
)

// Inv is the inventory/request wire shape of SPEC_FULL.md §6: a type tag
// plus a bounded list of modifier ids.
type Inv struct {
	Type modifier.TypeID
	IDs  []modifier.ID
}

// Modifiers carries full modifier payloads keyed by id.
type Modifiers struct {
	Type  modifier.TypeID
	Items map[modifier.ID][]byte
}

// SyncInfoEnvelope wraps the consensus-opaque sync summary payload.
type SyncInfoEnvelope struct {
	Code    uint8
	Payload []byte
}

// EncodeInv serializes an Inv/Request payload: <typeId><count:4><id>*.
// If len(inv.IDs) exceeds maxInvObjects, the list is truncated to fit and
// truncated=true is returned so the caller can log a warning — per
// SPEC_FULL.md §6, invariants are never silently split across messages.
func EncodeInv(inv Inv, maxInvObjects int) (data []byte, truncated bool, err error) {
	ids := inv.IDs
	if maxInvObjects > 0 && len(ids) > maxInvObjects {
		ids = ids[:maxInvObjects]
		truncated = true
	}

	buf := make([]byte, 0, 1+4+len(ids)*modifier.IDSize)
	buf = append(buf, byte(inv.Type))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(ids)))
	for _, id := range ids {
		buf = append(buf, id[:]...)
	}
	return buf, truncated, nil
}

// DecodeInv parses the wire shape produced by EncodeInv.
func DecodeInv(data []byte) (Inv, error) {
	if len(data) < 5 {
		return Inv{}, synerr.Wrap(synerr.ErrMalformedModifier, "inv: short header")
	}
	typeID := modifier.TypeID(data[0])
	count := binary.BigEndian.Uint32(data[1:5])
	rest := data[5:]
	if uint64(count)*modifier.IDSize != uint64(len(rest)) {
		return Inv{}, synerr.Wrap(synerr.ErrMalformedModifier, "inv: length mismatch")
	}
	ids := make([]modifier.ID, count)
	for i := range ids {
		copy(ids[i][:], rest[i*modifier.IDSize:(i+1)*modifier.IDSize])
	}
	return Inv{Type: typeID, IDs: ids}, nil
}

// EncodeModifiers serializes a Modifiers payload:
// <typeId><count:4>(<id><len:4 via ssz offset><bytes>)*, snappy-compressed
// as a whole. Items are added in ascending id order until adding the next
// one would exceed maxPacketSize; remaining items are dropped and
// truncated=true is returned.
func EncodeModifiers(mods Modifiers, maxPacketSize int) (data []byte, truncated bool, err error) {
	ids := make([]modifier.ID, 0, len(mods.Items))
	for id := range mods.Items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })

	raw := make([]byte, 0, 5)
	raw = append(raw, byte(mods.Type))
	raw = binary.BigEndian.AppendUint32(raw, 0) // count placeholder, patched below
	included := 0

	for _, id := range ids {
		payload := mods.Items[id]
		// offset-prefixed length, mirroring a generated variable-length SSZ
		// list element: ssz.WriteOffset records the byte length of this
		// element so a decoder can walk the list without re-parsing.
		entry := make([]byte, 0, modifier.IDSize+4+len(payload))
		entry = append(entry, id[:]...)
		entry = ssz.WriteOffset(entry, len(payload))
		entry = append(entry, payload...)

		if maxPacketSize > 0 && len(raw)+len(entry) > maxPacketSize {
			truncated = true
			break
		}
		raw = append(raw, entry...)
		included++
	}
	binary.BigEndian.PutUint32(raw[1:5], uint32(included))

	return snappy.Encode(nil, raw), truncated, nil
}

// DecodeModifiers parses and decompresses the wire shape produced by
// EncodeModifiers.
func DecodeModifiers(data []byte) (Modifiers, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return Modifiers{}, synerr.Wrap(synerr.ErrMalformedModifier, fmt.Sprintf("modifiers: snappy decode: %v", err))
	}
	if len(raw) < 5 {
		return Modifiers{}, synerr.Wrap(synerr.ErrMalformedModifier, "modifiers: short header")
	}
	typeID := modifier.TypeID(raw[0])
	count := binary.BigEndian.Uint32(raw[1:5])
	items := make(map[modifier.ID][]byte, count)

	pos := 5
	for i := uint32(0); i < count; i++ {
		if pos+modifier.IDSize+4 > len(raw) {
			return Modifiers{}, synerr.Wrap(synerr.ErrMalformedModifier, "modifiers: truncated entry header")
		}
		var id modifier.ID
		copy(id[:], raw[pos:pos+modifier.IDSize])
		pos += modifier.IDSize

		length := ssz.ReadOffset(raw[pos : pos+4])
		pos += 4
		if uint64(pos)+length > uint64(len(raw)) {
			return Modifiers{}, synerr.Wrap(synerr.ErrMalformedModifier, "modifiers: truncated payload")
		}
		items[id] = append([]byte(nil), raw[pos:uint64(pos)+length]...)
		pos += int(length)
	}
	return Modifiers{Type: typeID, Items: items}, nil
}
