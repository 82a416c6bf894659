package internal

import (
	"bytes"

	"github.com/nostrwire/relaypool"
)

// IsOlder reports whether previous loses to next under replaceable-event
// rules: older timestamps lose, ties are broken by the lower id winning.
func IsOlder(previous, next relaypool.Event) bool {
	return previous.CreatedAt < next.CreatedAt ||
		(previous.CreatedAt == next.CreatedAt && bytes.Compare(previous.ID[:], next.ID[:]) == 1)
}
