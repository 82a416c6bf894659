// Package negentropy implements range-based set reconciliation over sets of
// (timestamp, id) items: two peers exchange fingerprints of item ranges and
// recursively narrow down to the ids each side is missing, transferring an
// amount of data proportional to the difference between the sets rather than
// to their size.
package negentropy

import (
	"bytes"
	"cmp"
	"fmt"
	"iter"
)

const FingerprintSize = 16

type Mode uint8

const (
	SkipMode        Mode = 0
	FingerprintMode Mode = 1
	IdListMode      Mode = 2
)

func (v Mode) String() string {
	switch v {
	case SkipMode:
		return "SKIP"
	case FingerprintMode:
		return "FINGERPRINT"
	case IdListMode:
		return "IDLIST"
	default:
		return "<UNKNOWN-ERROR>"
	}
}

// Item is an element of the reconciled set. Items are ordered by timestamp,
// ties broken by the id bytes.
type Item struct {
	Timestamp int64
	ID        [32]byte
}

func (i Item) String() string { return fmt.Sprintf("Item<%d:%x>", i.Timestamp, i.ID[:]) }

func ItemCompare(a, b Item) int {
	if a.Timestamp == b.Timestamp {
		return bytes.Compare(a.ID[:], b.ID[:])
	}
	return cmp.Compare(a.Timestamp, b.Timestamp)
}

// Bound is an exclusive upper limit of a range: all items strictly below it
// belong to the range. The id prefix only needs to be long enough to
// disambiguate between the two items it separates.
type Bound struct {
	Timestamp int64
	IDPrefix  []byte
}

func (b Bound) String() string {
	if b.Timestamp == InfiniteBound.Timestamp {
		return "Bound<infinite>"
	}
	return fmt.Sprintf("Bound<%d:%x>", b.Timestamp, b.IDPrefix)
}

// Storage is a sealed, sorted view of one side's items.
type Storage interface {
	Size() int
	Range(begin, end int) iter.Seq2[int, Item]
	FindLowerBound(begin, end int, bound Bound) int
	Fingerprint(begin, end int) [FingerprintSize]byte
}
