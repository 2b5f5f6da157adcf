package codec

import (
	"bytes"
	"testing"

	"github.com/nodeviewsync/core/internal/modifier"
)

func idFor(b byte) modifier.ID {
	var id modifier.ID
	id[0] = b
	return id
}

func TestInvRoundTrip(t *testing.T) {
	inv := Inv{Type: 1, IDs: []modifier.ID{idFor(1), idFor(2), idFor(3)}}

	data, truncated, err := EncodeInv(inv, 10)
	if err != nil {
		t.Fatalf("EncodeInv: %v", err)
	}
	if truncated {
		t.Fatal("unexpected truncation")
	}

	got, err := DecodeInv(data)
	if err != nil {
		t.Fatalf("DecodeInv: %v", err)
	}
	if got.Type != inv.Type || len(got.IDs) != len(inv.IDs) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	for i, id := range got.IDs {
		if id != inv.IDs[i] {
			t.Fatalf("id %d mismatch: %x != %x", i, id, inv.IDs[i])
		}
	}
}

func TestInvTruncation(t *testing.T) {
	inv := Inv{Type: 1, IDs: []modifier.ID{idFor(1), idFor(2), idFor(3)}}

	data, truncated, err := EncodeInv(inv, 2)
	if err != nil {
		t.Fatalf("EncodeInv: %v", err)
	}
	if !truncated {
		t.Fatal("expected truncation")
	}

	got, err := DecodeInv(data)
	if err != nil {
		t.Fatalf("DecodeInv: %v", err)
	}
	if len(got.IDs) != 2 {
		t.Fatalf("expected 2 ids after truncation, got %d", len(got.IDs))
	}
}

func TestModifiersRoundTrip(t *testing.T) {
	mods := Modifiers{
		Type: 5,
		Items: map[modifier.ID][]byte{
			idFor(1): []byte("hello"),
			idFor(2): []byte(""),
			idFor(3): bytes.Repeat([]byte{0xAB}, 300),
		},
	}

	data, truncated, err := EncodeModifiers(mods, 0)
	if err != nil {
		t.Fatalf("EncodeModifiers: %v", err)
	}
	if truncated {
		t.Fatal("unexpected truncation")
	}

	got, err := DecodeModifiers(data)
	if err != nil {
		t.Fatalf("DecodeModifiers: %v", err)
	}
	if got.Type != mods.Type {
		t.Fatalf("type mismatch: %d != %d", got.Type, mods.Type)
	}
	if len(got.Items) != len(mods.Items) {
		t.Fatalf("item count mismatch: %d != %d", len(got.Items), len(mods.Items))
	}
	for id, payload := range mods.Items {
		gotPayload, ok := got.Items[id]
		if !ok {
			t.Fatalf("missing id %x", id)
		}
		if !bytes.Equal(gotPayload, payload) {
			t.Fatalf("payload mismatch for %x: %q != %q", id, gotPayload, payload)
		}
	}
}

func TestModifiersPacketSizeTruncation(t *testing.T) {
	mods := Modifiers{
		Type: 5,
		Items: map[modifier.ID][]byte{
			idFor(1): bytes.Repeat([]byte{1}, 100),
			idFor(2): bytes.Repeat([]byte{2}, 100),
			idFor(3): bytes.Repeat([]byte{3}, 100),
		},
	}

	// Small enough that only a subset of items fit.
	data, truncated, err := EncodeModifiers(mods, 150)
	if err != nil {
		t.Fatalf("EncodeModifiers: %v", err)
	}
	if !truncated {
		t.Fatal("expected truncation")
	}

	got, err := DecodeModifiers(data)
	if err != nil {
		t.Fatalf("DecodeModifiers: %v", err)
	}
	if len(got.Items) == 0 || len(got.Items) >= len(mods.Items) {
		t.Fatalf("expected a strict subset of items, got %d of %d", len(got.Items), len(mods.Items))
	}
}

func TestDecodeInvMalformed(t *testing.T) {
	if _, err := DecodeInv([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error decoding short inv")
	}
}

func TestDecodeModifiersMalformed(t *testing.T) {
	if _, err := DecodeModifiers([]byte{0xFF, 0xFE, 0xFD}); err == nil {
		t.Fatal("expected error decoding garbage modifiers payload")
	}
}
