package badger

import (
	"math"

	"github.com/dgraph-io/badger/v4"

	"github.com/nostrwire/relaypool"
)

func (b *BadgerBackend) CountEvents(filter relaypool.Filter) (uint32, error) {
	var count uint32

	err := b.View(func(txn *badger.Txn) error {
		results, err := b.query(txn, filter, math.MaxInt32)
		if err != nil {
			return err
		}
		count = uint32(len(results))
		return nil
	})

	return count, err
}
