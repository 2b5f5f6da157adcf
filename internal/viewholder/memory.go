package viewholder

import (
	"sync"

	"github.com/nodeviewsync/core/internal/modifier"
)

// MemoryHistory is an in-memory HistoryReader, the way storage/memory.Store
// is an in-memory storage.Store in the teacher codebase. It is meant for
// tests and small demos, not production persistence.
type MemoryHistory struct {
	mu       sync.RWMutex
	applied  map[modifier.ID]modifier.Modifier
	deps     map[modifier.ID]modifier.ID // modifier id -> required parent id
	info     []byte
	nonsense bool
}

// NewMemoryHistory creates an empty in-memory history reader.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{
		applied: make(map[modifier.ID]modifier.Modifier),
		deps:    make(map[modifier.ID]modifier.ID),
	}
}

// SetSyncInfo sets the opaque summary Compare/SyncInfo will report.
func (h *MemoryHistory) SetSyncInfo(info []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.info = info
}

// SetNonsense forces Compare to always report SyncNonsense, for testing
// the policy hook of SPEC_FULL.md §7/§9.
func (h *MemoryHistory) SetNonsense(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nonsense = v
}

// Seed pre-populates history with an applied modifier, with no
// outstanding dependency.
func (h *MemoryHistory) Seed(mod modifier.Modifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.applied[mod.ModifierID()] = mod
}

// RequireParent records that mod may only apply once parent is present.
func (h *MemoryHistory) RequireParent(mod modifier.Modifier, parent modifier.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deps[mod.ModifierID()] = parent
}

func (h *MemoryHistory) Compare(syncInfo []byte) modifier.SyncStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.nonsense {
		return modifier.SyncNonsense
	}
	if len(syncInfo) == 0 {
		return modifier.SyncUnknown
	}
	switch {
	case string(syncInfo) == string(h.info):
		return modifier.SyncEqual
	case string(syncInfo) < string(h.info):
		// Peer's summary sorts before ours: treat as behind us.
		return modifier.SyncYounger
	default:
		return modifier.SyncOlder
	}
}

// ContinuationIds returns up to limit applied ids. This reference
// implementation ignores syncInfo and does not walk forward from the
// peer's tip; which applied ids are returned when more than limit exist
// follows map iteration order and is not defined.
func (h *MemoryHistory) ContinuationIds(syncInfo []byte, limit int) []TypedID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []TypedID
	for id, mod := range h.applied {
		if len(out) >= limit {
			break
		}
		out = append(out, TypedID{Type: mod.ModifierType(), ID: id})
	}
	return out
}

func (h *MemoryHistory) SyncInfo() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.info
}

func (h *MemoryHistory) ApplicableTry(mod modifier.Modifier) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	parent, hasParent := h.deps[mod.ModifierID()]
	if !hasParent {
		return true
	}
	_, present := h.applied[parent]
	return present
}

func (h *MemoryHistory) Contains(id modifier.ID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.applied[id]
	return ok
}

func (h *MemoryHistory) ModifierByID(id modifier.ID) (modifier.Modifier, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	mod, ok := h.applied[id]
	return mod, ok
}

// Apply marks mod as applied, e.g. once the synchronizer's view holder
// collaborator has accepted it.
func (h *MemoryHistory) Apply(mod modifier.Modifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.applied[mod.ModifierID()] = mod
}

// MemoryMempool is an in-memory MempoolReader.
type MemoryMempool struct {
	mu  sync.RWMutex
	txs map[modifier.ID]modifier.Modifier
}

// NewMemoryMempool creates an empty in-memory mempool reader.
func NewMemoryMempool() *MemoryMempool {
	return &MemoryMempool{txs: make(map[modifier.ID]modifier.Modifier)}
}

func (m *MemoryMempool) GetAll(ids []modifier.ID) map[modifier.ID]modifier.Modifier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[modifier.ID]modifier.Modifier, len(ids))
	for _, id := range ids {
		if tx, ok := m.txs[id]; ok {
			out[id] = tx
		}
	}
	return out
}

func (m *MemoryMempool) Contains(id modifier.ID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.txs[id]
	return ok
}

// Add inserts tx into the mempool.
func (m *MemoryMempool) Add(tx modifier.Modifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.ModifierID()] = tx
}

// Remove deletes tx from the mempool (e.g. once included in a block).
func (m *MemoryMempool) Remove(id modifier.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.txs, id)
}

// MemorySubmitter is a reference Submitter: every submission is accepted
// syntactically and, if its dependency is already applied, semantically
// too, with the resulting Event pushed to Events. It exists for tests and
// small demos in place of a real consensus engine.
type MemorySubmitter struct {
	History *MemoryHistory
	Mempool *MemoryMempool
	Events  chan Event
}

// NewMemorySubmitter creates a MemorySubmitter over history/mempool,
// emitting events to a buffered channel of the given capacity.
func NewMemorySubmitter(history *MemoryHistory, mempool *MemoryMempool, buffer int) *MemorySubmitter {
	return &MemorySubmitter{
		History: history,
		Mempool: mempool,
		Events:  make(chan Event, buffer),
	}
}

func (s *MemorySubmitter) SubmitTransaction(tx modifier.Modifier) {
	s.Mempool.Add(tx)
	s.Events <- Event{Kind: EventSuccessfulTransaction, Tx: tx}
}

func (s *MemorySubmitter) SubmitModifier(mod modifier.Modifier) {
	s.Events <- Event{Kind: EventSyntacticallySuccessfulModifier, Mod: mod}
	if !s.History.ApplicableTry(mod) {
		return
	}
	s.History.Apply(mod)
	s.Events <- Event{Kind: EventSemanticallySuccessfulModifier, Mod: mod}
}
