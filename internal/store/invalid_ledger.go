// Package store holds durable, restart-surviving side state for the
// synchronizer. It adapts the teacher's storage.Store idea (a thin
// key/value facade in front of a real engine) from an in-memory map to a
// pebble-backed one, for the single piece of sync state worth persisting:
// the invalid-modifier ledger of SPEC_FULL.md §12.1.
package store

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/nodeviewsync/core/internal/modifier"
)

// InvalidLedger durably records modifier ids that have been proven
// malformed, so a restarted node does not have to re-discover and
// re-reject them from scratch. It does not change any status-machine
// invariant: Invalid remains a state the in-memory DeliveryTracker owns
// for the process lifetime; this ledger only seeds it at startup.
type InvalidLedger struct {
	db *pebble.DB
}

// OpenInvalidLedger opens (creating if absent) a pebble database at dir.
func OpenInvalidLedger(dir string) (*InvalidLedger, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "open invalid ledger")
	}
	return &InvalidLedger{db: db}, nil
}

// Close releases the underlying database handle.
func (l *InvalidLedger) Close() error {
	return l.db.Close()
}

// Mark durably records id as invalid.
func (l *InvalidLedger) Mark(id modifier.ID) error {
	if err := l.db.Set(id[:], []byte{1}, pebble.Sync); err != nil {
		return errors.Wrapf(err, "mark %s invalid", id.Short())
	}
	return nil
}

// Contains reports whether id has been durably marked invalid.
func (l *InvalidLedger) Contains(id modifier.ID) bool {
	value, closer, err := l.db.Get(id[:])
	if err != nil {
		return false
	}
	defer closer.Close()
	return len(value) > 0
}

// LoadAll returns every id recorded in the ledger, for seeding an
// in-memory tracker at startup.
func (l *InvalidLedger) LoadAll() ([]modifier.ID, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "iterate invalid ledger")
	}
	defer iter.Close()

	var ids []modifier.ID
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != modifier.IDSize {
			continue
		}
		var id modifier.ID
		copy(id[:], key)
		ids = append(ids, id)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "iterate invalid ledger")
	}
	return ids, nil
}
