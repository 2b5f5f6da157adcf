package viewholder

import (
	"testing"

	"github.com/nodeviewsync/core/internal/modifier"
)

type fakeModifier struct {
	id     modifier.ID
	typeID modifier.TypeID
}

func (m fakeModifier) ModifierID() modifier.ID       { return m.id }
func (m fakeModifier) ModifierType() modifier.TypeID { return m.typeID }

func idFor(b byte) modifier.ID {
	var id modifier.ID
	id[0] = b
	return id
}

func TestCompareAgainstSyncInfo(t *testing.T) {
	h := NewMemoryHistory()
	h.SetSyncInfo([]byte("m"))

	cases := []struct {
		name string
		info []byte
		want modifier.SyncStatus
	}{
		{"empty is unknown", nil, modifier.SyncUnknown},
		{"equal", []byte("m"), modifier.SyncEqual},
		{"peer behind", []byte("a"), modifier.SyncYounger},
		{"peer ahead", []byte("z"), modifier.SyncOlder},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := h.Compare(tc.info); got != tc.want {
				t.Errorf("Compare(%q) = %v, want %v", tc.info, got, tc.want)
			}
		})
	}
}

func TestCompareForcedNonsense(t *testing.T) {
	h := NewMemoryHistory()
	h.SetSyncInfo([]byte("m"))
	h.SetNonsense(true)
	if got := h.Compare([]byte("m")); got != modifier.SyncNonsense {
		t.Errorf("Compare with nonsense forced = %v, want Nonsense", got)
	}
}

func TestApplicableTryHonorsDependency(t *testing.T) {
	h := NewMemoryHistory()
	parent := fakeModifier{id: idFor(1)}
	child := fakeModifier{id: idFor(2)}
	h.RequireParent(child, parent.id)

	if h.ApplicableTry(child) {
		t.Fatal("child should not be applicable before its parent is applied")
	}
	h.Apply(parent)
	if !h.ApplicableTry(child) {
		t.Fatal("child should be applicable once its parent is applied")
	}
}

func TestApplicableTryWithNoDependency(t *testing.T) {
	h := NewMemoryHistory()
	if !h.ApplicableTry(fakeModifier{id: idFor(3)}) {
		t.Fatal("a modifier with no recorded dependency should always be applicable")
	}
}

func TestMempoolAddContainsRemove(t *testing.T) {
	m := NewMemoryMempool()
	tx := fakeModifier{id: idFor(9), typeID: modifier.TxModifierType}

	if m.Contains(tx.id) {
		t.Fatal("empty mempool reports Contains = true")
	}
	m.Add(tx)
	if !m.Contains(tx.id) {
		t.Fatal("Contains = false after Add")
	}
	got := m.GetAll([]modifier.ID{tx.id})
	if len(got) != 1 {
		t.Fatalf("GetAll returned %d entries, want 1", len(got))
	}
	m.Remove(tx.id)
	if m.Contains(tx.id) {
		t.Fatal("Contains = true after Remove")
	}
}
