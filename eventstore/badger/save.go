package badger

import (
	"fmt"
	"math"

	"github.com/dgraph-io/badger/v4"

	"github.com/nostrwire/relaypool"
	"github.com/nostrwire/relaypool/eventstore"
)

func (b *BadgerBackend) SaveEvent(evt relaypool.Event) error {
	// sanity checking
	if evt.CreatedAt > math.MaxUint32 {
		return fmt.Errorf("event with values out of expected boundaries")
	}

	return b.Update(func(txn *badger.Txn) error {
		// query event by id to ensure we don't save duplicates
		prefix := make([]byte, 1+8)
		prefix[0] = indexIdPrefix
		copy(prefix[1:], evt.ID[0:8])
		it := txn.NewIterator(badger.IteratorOptions{})
		defer it.Close()
		it.Seek(prefix)
		if it.ValidForPrefix(prefix) {
			// event exists
			return eventstore.ErrDupEvent
		}

		return b.save(txn, evt)
	})
}

func (b *BadgerBackend) save(txn *badger.Txn, evt relaypool.Event) error {
	buf, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	idx := b.Serial()
	// raw event store
	if err := txn.Set(idx, buf); err != nil {
		return err
	}

	for k := range b.getIndexKeysForEvent(evt, idx[1:]) {
		if err := txn.Set(k, nil); err != nil {
			return err
		}
	}

	return nil
}
