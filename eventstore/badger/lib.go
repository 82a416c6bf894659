// Package badger implements an eventstore.Store on top of badger, with
// secondary indexes by id, author, kind and tag so that filters don't have
// to scan the whole raw event store.
package badger

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"iter"

	"github.com/dgraph-io/badger/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/nostrwire/relaypool"
	"github.com/nostrwire/relaypool/eventstore"
)

const (
	rawEventStorePrefix   byte = 0
	indexIdPrefix         byte = 1
	indexCreatedAtPrefix  byte = 2
	indexKindPrefix       byte = 3
	indexPubkeyPrefix     byte = 4
	indexPubkeyKindPrefix byte = 5
	indexTagPrefix        byte = 6

	serialSize = 4
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var _ eventstore.Store = (*BadgerBackend)(nil)

// BadgerBackend stores events in a badger database at Path.
type BadgerBackend struct {
	Path     string
	MaxLimit int

	// BadgerOptionsModifier, if given, can tweak the database options
	// before it is opened.
	BadgerOptionsModifier func(badger.Options) badger.Options

	// Log, if given, receives operational messages. Defaults to nop.
	Log *zerolog.Logger

	*badger.DB
	seq *badger.Sequence
}

var nopLogger = zerolog.Nop()

func (b *BadgerBackend) log() *zerolog.Logger {
	if b.Log != nil {
		return b.Log
	}
	return &nopLogger
}

func (b *BadgerBackend) Init() error {
	opts := badger.DefaultOptions(b.Path).WithLogger(nil)
	if b.BadgerOptionsModifier != nil {
		opts = b.BadgerOptionsModifier(opts)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open badger at %s: %w", b.Path, err)
	}
	b.DB = db

	b.seq, err = db.GetSequence([]byte("events"), 1000)
	if err != nil {
		return fmt.Errorf("failed to get sequence: %w", err)
	}

	if b.MaxLimit == 0 {
		b.MaxLimit = 500
	}

	return nil
}

func (b *BadgerBackend) Close() {
	b.seq.Release()
	b.DB.Close()
}

// Serial returns the key for the next raw event: the raw store prefix
// followed by a big-endian sequence number.
func (b *BadgerBackend) Serial() []byte {
	v, _ := b.seq.Next()
	vb := make([]byte, 1+serialSize)
	vb[0] = rawEventStorePrefix
	binary.BigEndian.PutUint32(vb[1:], uint32(v))
	return vb
}

// getIndexKeysForEvent computes all index keys under which the event at the
// given serial is reachable.
func (b *BadgerBackend) getIndexKeysForEvent(evt relaypool.Event, serial []byte) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		ts := make([]byte, 4)
		binary.BigEndian.PutUint32(ts, uint32(evt.CreatedAt))

		// by id
		k := make([]byte, 0, 1+8+serialSize)
		k = append(k, indexIdPrefix)
		k = append(k, evt.ID[0:8]...)
		k = append(k, serial...)
		if !yield(k) {
			return
		}

		// by created_at
		k = make([]byte, 0, 1+4+serialSize)
		k = append(k, indexCreatedAtPrefix)
		k = append(k, ts...)
		k = append(k, serial...)
		if !yield(k) {
			return
		}

		// by kind + created_at
		k = make([]byte, 0, 1+2+4+serialSize)
		k = append(k, indexKindPrefix)
		k = binary.BigEndian.AppendUint16(k, uint16(evt.Kind))
		k = append(k, ts...)
		k = append(k, serial...)
		if !yield(k) {
			return
		}

		// by pubkey + created_at
		k = make([]byte, 0, 1+8+4+serialSize)
		k = append(k, indexPubkeyPrefix)
		k = append(k, evt.PubKey[0:8]...)
		k = append(k, ts...)
		k = append(k, serial...)
		if !yield(k) {
			return
		}

		// by pubkey + kind + created_at
		k = make([]byte, 0, 1+8+2+4+serialSize)
		k = append(k, indexPubkeyKindPrefix)
		k = append(k, evt.PubKey[0:8]...)
		k = binary.BigEndian.AppendUint16(k, uint16(evt.Kind))
		k = append(k, ts...)
		k = append(k, serial...)
		if !yield(k) {
			return
		}

		// by tag value, for single-letter tags only
		for _, tag := range evt.Tags {
			if len(tag) < 2 || len(tag[0]) != 1 {
				continue
			}
			k = make([]byte, 0, 1+1+8+4+serialSize)
			k = append(k, indexTagPrefix)
			k = append(k, tag[0][0])
			k = append(k, tagValueHash(tag[1])...)
			k = append(k, ts...)
			k = append(k, serial...)
			if !yield(k) {
				return
			}
		}
	}
}

// tagValueHash gives a fixed-size digest of a tag value for use in index
// keys, as values can be arbitrarily long.
func tagValueHash(value string) []byte {
	h := sha256.Sum256([]byte(value))
	return h[0:8]
}
