package badger

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"iter"
	"slices"

	"github.com/dgraph-io/badger/v4"

	"github.com/nostrwire/relaypool"
)

func (b *BadgerBackend) QueryEvents(filter relaypool.Filter) iter.Seq[relaypool.Event] {
	return func(yield func(relaypool.Event) bool) {
		limit := filter.Limit
		if limit > b.MaxLimit || (limit == 0 && !filter.LimitZero) {
			limit = b.MaxLimit
		}

		err := b.View(func(txn *badger.Txn) error {
			results, err := b.query(txn, filter, limit)
			if err != nil {
				return err
			}
			for _, evt := range results {
				if !yield(evt) {
					break
				}
			}
			return nil
		})
		if err != nil {
			b.log().Warn().Err(err).Stringer("filter", filter).Msg("query failed")
		}
	}
}

func (b *BadgerBackend) query(txn *badger.Txn, filter relaypool.Filter, limit int) ([]relaypool.Event, error) {
	if limit == 0 {
		return nil, nil
	}

	results := make([]relaypool.Event, 0, min(limit, 64))

	if len(filter.IDs) > 0 {
		// we have ids, this is the most direct query we can do
		for _, id := range filter.IDs {
			evt, found, err := b.loadByID(txn, id)
			if err != nil {
				return nil, err
			}
			if found && filter.Matches(evt) {
				results = append(results, evt)
			}
		}
		sortResults(results)
		return truncate(results, limit), nil
	}

	serials := make(map[uint32]struct{})
	for _, prefix := range planQuery(filter) {
		if err := scanIndex(txn, prefix, filter.Since, filter.Until, serials); err != nil {
			return nil, err
		}
	}

	for serial := range serials {
		idx := make([]byte, 1+serialSize)
		idx[0] = rawEventStorePrefix
		binary.BigEndian.PutUint32(idx[1:], serial)

		item, err := txn.Get(idx)
		if err != nil {
			// the index can be slightly ahead of the raw store, skip
			continue
		}

		var evt relaypool.Event
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &evt)
		}); err != nil {
			return nil, err
		}

		// the index only gave us candidates, do the full check here
		if filter.Matches(evt) {
			results = append(results, evt)
		}
	}

	sortResults(results)
	return truncate(results, limit), nil
}

// planQuery picks the narrowest index available for the filter and returns
// the key prefixes to scan in it.
func planQuery(filter relaypool.Filter) [][]byte {
	if len(filter.Authors) > 0 && len(filter.Kinds) > 0 {
		prefixes := make([][]byte, 0, len(filter.Authors)*len(filter.Kinds))
		for _, pk := range filter.Authors {
			for _, kind := range filter.Kinds {
				p := make([]byte, 0, 1+8+2)
				p = append(p, indexPubkeyKindPrefix)
				p = append(p, pk[0:8]...)
				p = binary.BigEndian.AppendUint16(p, uint16(kind))
				prefixes = append(prefixes, p)
			}
		}
		return prefixes
	}

	if len(filter.Authors) > 0 {
		prefixes := make([][]byte, 0, len(filter.Authors))
		for _, pk := range filter.Authors {
			p := make([]byte, 0, 1+8)
			p = append(p, indexPubkeyPrefix)
			p = append(p, pk[0:8]...)
			prefixes = append(prefixes, p)
		}
		return prefixes
	}

	for key, values := range filter.Tags {
		if len(key) != 1 || len(values) == 0 {
			continue
		}
		prefixes := make([][]byte, 0, len(values))
		for _, value := range values {
			p := make([]byte, 0, 1+1+8)
			p = append(p, indexTagPrefix)
			p = append(p, key[0])
			p = append(p, tagValueHash(value)...)
			prefixes = append(prefixes, p)
		}
		return prefixes
	}

	if len(filter.Kinds) > 0 {
		prefixes := make([][]byte, 0, len(filter.Kinds))
		for _, kind := range filter.Kinds {
			p := make([]byte, 0, 1+2)
			p = append(p, indexKindPrefix)
			p = binary.BigEndian.AppendUint16(p, uint16(kind))
			prefixes = append(prefixes, p)
		}
		return prefixes
	}

	// no better index, scan everything in created_at order
	return [][]byte{{indexCreatedAtPrefix}}
}

// scanIndex walks an index prefix collecting the serials of entries whose
// embedded created_at falls within [since, until]. All non-id indexes end in
// 4 bytes of big-endian created_at followed by the serial.
func scanIndex(txn *badger.Txn, prefix []byte, since, until relaypool.Timestamp, serials map[uint32]struct{}) error {
	it := txn.NewIterator(badger.IteratorOptions{
		PrefetchValues: false,
		Prefix:         prefix,
	})
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().Key()
		if len(key) < 4+serialSize {
			continue
		}

		ts := relaypool.Timestamp(binary.BigEndian.Uint32(key[len(key)-4-serialSize : len(key)-serialSize]))
		if since != 0 && ts < since {
			continue
		}
		if until != 0 && ts > until {
			continue
		}

		serials[binary.BigEndian.Uint32(key[len(key)-serialSize:])] = struct{}{}
	}

	return nil
}

func (b *BadgerBackend) loadByID(txn *badger.Txn, id relaypool.ID) (evt relaypool.Event, found bool, err error) {
	prefix := make([]byte, 1+8)
	prefix[0] = indexIdPrefix
	copy(prefix[1:], id[0:8])

	idx := make([]byte, 1, 1+serialSize)
	idx[0] = rawEventStorePrefix

	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
	it.Seek(prefix)
	if it.ValidForPrefix(prefix) {
		idx = append(idx, it.Item().Key()[1+8:]...)
	}
	it.Close()

	if len(idx) == 1 {
		return evt, false, nil
	}

	item, err := txn.Get(idx)
	if err != nil {
		return evt, false, nil
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &evt)
	}); err != nil {
		return evt, false, err
	}

	// the id index only uses a prefix of the id, check the whole thing
	if evt.ID != id {
		return evt, false, nil
	}

	return evt, true, nil
}

func sortResults(results []relaypool.Event) {
	slices.SortFunc(results, func(a, b relaypool.Event) int {
		c := cmp.Compare(b.CreatedAt, a.CreatedAt)
		if c != 0 {
			return c
		}
		return bytes.Compare(b.ID[:], a.ID[:])
	})
}

func truncate(results []relaypool.Event, limit int) []relaypool.Event {
	if len(results) > limit {
		return results[0:limit]
	}
	return results
}
