package badger

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/nostrwire/relaypool"
)

var serialDelete uint32 = 0

func (b *BadgerBackend) DeleteEvent(id relaypool.ID) error {
	deletionHappened := false

	err := b.Update(func(txn *badger.Txn) error {
		var err error
		deletionHappened, err = b.delete(txn, id)
		return err
	})
	if err != nil {
		return err
	}

	// after deleting, run garbage collector (sometimes)
	if deletionHappened {
		serialDelete = (serialDelete + 1) % 256
		if serialDelete == 0 {
			if err := b.RunValueLogGC(0.8); err != nil && err != badger.ErrNoRewrite {
				b.log().Warn().Err(err).Msg("badger gc errored")
			}
		}
	}

	return nil
}

func (b *BadgerBackend) delete(txn *badger.Txn, id relaypool.ID) (bool, error) {
	idx := make([]byte, 1, 1+serialSize)
	idx[0] = rawEventStorePrefix

	// query event by id to get its idx
	prefix := make([]byte, 1+8)
	prefix[0] = indexIdPrefix
	copy(prefix[1:], id[0:8])

	// also grab the actual event so we can calculate its indexes
	var evt relaypool.Event

	it := txn.NewIterator(badger.IteratorOptions{})
	it.Seek(prefix)
	if it.ValidForPrefix(prefix) {
		serial := it.Item().Key()[1+8:]
		idx = append(idx, serial...)
	}
	it.Close()

	// if no idx was found, end here, this event doesn't exist
	if len(idx) == 1 {
		return false, nil
	}

	item, err := txn.Get(idx)
	if err != nil {
		return false, fmt.Errorf("failed to load event %x to delete: %w", id[:], err)
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &evt)
	}); err != nil {
		return false, fmt.Errorf("failed to unmarshal event %x to delete: %w", id[:], err)
	}

	// calculate all index keys we have for this event and delete them
	for k := range b.getIndexKeysForEvent(evt, idx[1:]) {
		if err := txn.Delete(k); err != nil {
			return false, err
		}
	}

	// delete the raw event
	return true, txn.Delete(idx)
}
