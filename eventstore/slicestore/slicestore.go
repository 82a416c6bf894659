// Package slicestore provides an in-memory eventstore.Store backed by a
// sorted slice, mostly useful in tests and as the local side of short-lived
// syncs.
package slicestore

import (
	"bytes"
	"cmp"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/nostrwire/relaypool"
	"github.com/nostrwire/relaypool/eventstore"
	"github.com/nostrwire/relaypool/eventstore/internal"
)

var _ eventstore.Store = (*SliceStore)(nil)

// SliceStore keeps all events in memory, sorted newest first.
type SliceStore struct {
	sync.Mutex
	internal []relaypool.Event

	MaxLimit int
}

func (b *SliceStore) Init() error {
	b.internal = make([]relaypool.Event, 0, 5000)
	if b.MaxLimit == 0 {
		b.MaxLimit = 500
	}
	return nil
}

func (b *SliceStore) Close() {}

func (b *SliceStore) QueryEvents(filter relaypool.Filter) iter.Seq[relaypool.Event] {
	return func(yield func(relaypool.Event) bool) {
		b.Lock()
		defer b.Unlock()

		if filter.Limit > b.MaxLimit || (filter.Limit == 0 && !filter.LimitZero) {
			filter.Limit = b.MaxLimit
		}

		// efficiently determine where to start and end
		start := 0
		end := len(b.internal)
		if filter.Until != 0 {
			start, _ = slices.BinarySearchFunc(b.internal, filter.Until, eventTimestampComparator)
		}
		if filter.Since != 0 {
			// first index strictly older than Since, so Since itself is kept
			end, _ = slices.BinarySearchFunc(b.internal, filter.Since-1, eventTimestampComparator)
		}

		if end < start {
			return
		}

		count := 0
		for _, event := range b.internal[start:end] {
			if count == filter.Limit {
				break
			}

			if filter.MatchesIgnoringTimestampConstraints(event) {
				if !yield(event) {
					return
				}
				count++
			}
		}
	}
}

func (b *SliceStore) CountEvents(filter relaypool.Filter) (uint32, error) {
	b.Lock()
	defer b.Unlock()

	var val uint32
	for _, event := range b.internal {
		if filter.Matches(event) {
			val++
		}
	}
	return val, nil
}

func (b *SliceStore) SaveEvent(evt relaypool.Event) error {
	b.Lock()
	defer b.Unlock()
	return b.save(evt)
}

func (b *SliceStore) save(evt relaypool.Event) error {
	idx, found := slices.BinarySearchFunc(b.internal, evt, eventComparator)
	if found {
		return eventstore.ErrDupEvent
	}

	// insert at the correct place in the array
	b.internal = append(b.internal, evt) // bogus
	copy(b.internal[idx+1:], b.internal[idx:])
	b.internal[idx] = evt

	return nil
}

func (b *SliceStore) DeleteEvent(id relaypool.ID) error {
	b.Lock()
	defer b.Unlock()
	return b.delete(id)
}

func (b *SliceStore) delete(id relaypool.ID) error {
	idx := slices.IndexFunc(b.internal, func(evt relaypool.Event) bool { return evt.ID == id })
	if idx == -1 {
		// we don't have this event
		return nil
	}

	// we have it
	copy(b.internal[idx:], b.internal[idx+1:])
	b.internal = b.internal[0 : len(b.internal)-1]
	return nil
}

func (b *SliceStore) ReplaceEvent(evt relaypool.Event) error {
	b.Lock()
	defer b.Unlock()

	filter := relaypool.Filter{Limit: 1, Kinds: []relaypool.Kind{evt.Kind}, Authors: []relaypool.PubKey{evt.PubKey}}
	if evt.Kind.IsAddressable() {
		filter.Tags = relaypool.TagMap{"d": []string{evt.Tags.GetD()}}
	}

	shouldStore := true
	for i := len(b.internal) - 1; i >= 0; i-- {
		previous := b.internal[i]
		if !filter.Matches(previous) {
			continue
		}
		if internal.IsOlder(previous, evt) {
			if err := b.delete(previous.ID); err != nil {
				return fmt.Errorf("failed to delete event for replacing: %w", err)
			}
		} else {
			shouldStore = false
		}
	}

	if shouldStore {
		if err := b.save(evt); err != nil && err != eventstore.ErrDupEvent {
			return fmt.Errorf("failed to save: %w", err)
		}
	}

	return nil
}

func eventTimestampComparator(e relaypool.Event, t relaypool.Timestamp) int {
	return int(t) - int(e.CreatedAt)
}

func eventComparator(a relaypool.Event, b relaypool.Event) int {
	c := cmp.Compare(b.CreatedAt, a.CreatedAt)
	if c != 0 {
		return c
	}
	return bytes.Compare(b.ID[:], a.ID[:])
}
