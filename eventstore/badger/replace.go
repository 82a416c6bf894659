package badger

import (
	"fmt"
	"math"

	"github.com/dgraph-io/badger/v4"

	"github.com/nostrwire/relaypool"
	"github.com/nostrwire/relaypool/eventstore"
	"github.com/nostrwire/relaypool/eventstore/internal"
)

func (b *BadgerBackend) ReplaceEvent(evt relaypool.Event) error {
	// sanity checking
	if evt.CreatedAt > math.MaxUint32 {
		return fmt.Errorf("event with values out of expected boundaries")
	}

	return b.Update(func(txn *badger.Txn) error {
		filter := relaypool.Filter{Limit: 10, Kinds: []relaypool.Kind{evt.Kind}, Authors: []relaypool.PubKey{evt.PubKey}}
		if evt.Kind.IsAddressable() {
			// when addressable, add the "d" tag to the filter
			filter.Tags = relaypool.TagMap{"d": []string{evt.Tags.GetD()}}
		}

		// now we fetch the past events, whatever they are, delete them and then save the new
		results, err := b.query(txn, filter, 10) // in theory limit could be just 1 and this should work
		if err != nil {
			return fmt.Errorf("failed to query past events with %s: %w", filter, err)
		}

		shouldStore := true
		for _, previous := range results {
			if internal.IsOlder(previous, evt) {
				if _, err := b.delete(txn, previous.ID); err != nil {
					return fmt.Errorf("failed to delete event %s for replacing: %w", previous.ID, err)
				}
			} else {
				// there is a newer event already stored, so we won't store this
				shouldStore = false
			}
		}
		if shouldStore {
			if err := b.save(txn, evt); err != nil && err != eventstore.ErrDupEvent {
				return err
			}
		}

		return nil
	})
}
