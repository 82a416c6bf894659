package relaypool

import (
	"slices"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// SeenLedger records, per event id, the set of relays that delivered it,
// plus local save/delete status. It is shared by all subscriptions and sync
// runs of a pool and is safe for concurrent use by many relay connections:
// entries are sharded by event id, there is no ledger-wide lock.
type SeenLedger struct {
	records *xsync.MapOf[ID, *seenRecord]
}

type seenRecord struct {
	mu                  sync.Mutex
	relays              []string
	saved               bool
	deletedByID         bool
	deletedByCoordinate bool
}

// SeenStatus is a read-only snapshot of one ledger entry.
type SeenStatus struct {
	Relays              []string
	Saved               bool
	DeletedByID         bool
	DeletedByCoordinate bool
}

func NewSeenLedger() *SeenLedger {
	return &SeenLedger{records: xsync.NewMapOf[ID, *seenRecord]()}
}

// RecordSeen unions relay into the per-event seen-set. It is idempotent and
// commutative: any number of concurrent callers recording the same pair end
// up with the same final set. It returns true if the event had been seen
// before on any relay.
func (sl *SeenLedger) RecordSeen(id ID, relay string) (seenBefore bool) {
	rec, loaded := sl.records.LoadOrCompute(id, func() *seenRecord {
		return &seenRecord{}
	})

	rec.mu.Lock()
	seenBefore = loaded && len(rec.relays) > 0
	if !slices.Contains(rec.relays, relay) {
		rec.relays = append(rec.relays, relay)
	}
	rec.mu.Unlock()

	return seenBefore
}

// IsSeen returns true if any relay has delivered this event.
func (sl *SeenLedger) IsSeen(id ID) bool {
	rec, ok := sl.records.Load(id)
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.relays) > 0
}

// SeenOn returns the set of relays that delivered this event, or ok=false
// if the event was never seen.
func (sl *SeenLedger) SeenOn(id ID) (relays []string, ok bool) {
	rec, found := sl.records.Load(id)
	if !found {
		return nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.relays) == 0 {
		return nil, false
	}
	return slices.Clone(rec.relays), true
}

// IsSaved returns true if the event was marked as saved to the local store.
func (sl *SeenLedger) IsSaved(id ID) bool {
	rec, ok := sl.records.Load(id)
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.saved
}

// MarkSaved flags the event as persisted locally.
func (sl *SeenLedger) MarkSaved(id ID) {
	rec, _ := sl.records.LoadOrCompute(id, func() *seenRecord { return &seenRecord{} })
	rec.mu.Lock()
	rec.saved = true
	rec.mu.Unlock()
}

// MarkDeletedByID flags the event as deleted through a deletion by id. The
// saved flag is untouched: saved and deleted are independent statuses, the
// entry records everything that happened to the event.
func (sl *SeenLedger) MarkDeletedByID(id ID) {
	rec, _ := sl.records.LoadOrCompute(id, func() *seenRecord { return &seenRecord{} })
	rec.mu.Lock()
	rec.deletedByID = true
	rec.mu.Unlock()
}

// MarkDeletedByCoordinate flags the event as replaced through its
// replaceable coordinate.
func (sl *SeenLedger) MarkDeletedByCoordinate(id ID) {
	rec, _ := sl.records.LoadOrCompute(id, func() *seenRecord { return &seenRecord{} })
	rec.mu.Lock()
	rec.deletedByCoordinate = true
	rec.mu.Unlock()
}

// Status returns a snapshot of the full ledger entry for an event.
func (sl *SeenLedger) Status(id ID) (SeenStatus, bool) {
	rec, ok := sl.records.Load(id)
	if !ok {
		return SeenStatus{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return SeenStatus{
		Relays:              slices.Clone(rec.relays),
		Saved:               rec.saved,
		DeletedByID:         rec.deletedByID,
		DeletedByCoordinate: rec.deletedByCoordinate,
	}, true
}

// Size returns the number of event ids currently tracked.
func (sl *SeenLedger) Size() int { return sl.records.Size() }

// Wipe clears all records. This is an administrative operation, not used in
// the normal flow.
func (sl *SeenLedger) Wipe() {
	sl.records.Clear()
}
