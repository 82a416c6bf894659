// Package eventstore defines the interface of local event stores used as
// the local side of reconciliation and as fetch targets, plus helpers shared
// by its implementations.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/nostrwire/relaypool"
)

// ErrDupEvent is returned by SaveEvent when the event is already stored.
var ErrDupEvent = errors.New("duplicate: event already exists")

// Store is a persistence layer for events.
type Store interface {
	// Init is called once before the store is used, allowing it to
	// initialize its internal resources.
	Init() error

	// Close must be called after you're done using the store, to free up
	// resources and so on.
	Close()

	// QueryEvents returns events that match the filter, newest first.
	QueryEvents(relaypool.Filter) iter.Seq[relaypool.Event]

	// DeleteEvent deletes an event atomically by ID.
	DeleteEvent(relaypool.ID) error

	// SaveEvent just saves an event, no side-effects.
	SaveEvent(relaypool.Event) error

	// ReplaceEvent atomically replaces a replaceable or addressable event.
	// Conceptually it is like a Query->Delete->Save, but streamlined.
	ReplaceEvent(relaypool.Event) error

	// CountEvents counts all events that match a given filter.
	CountEvents(relaypool.Filter) (uint32, error)
}

// RelayWrapper makes a Store usable wherever a relaypool.Publisher is
// expected, like the target end of a download sync: regular events are
// saved, replaceable ones replaced, ephemeral ones discarded.
type RelayWrapper struct {
	Store
}

var _ relaypool.QuerierPublisher = RelayWrapper{}

func (w RelayWrapper) Publish(ctx context.Context, evt relaypool.Event) error {
	if evt.Kind.IsEphemeral() {
		// do not store ephemeral events
		return nil
	}

	if evt.Kind.IsRegular() {
		// regular events are just saved directly
		if err := w.SaveEvent(evt); err != nil && err != ErrDupEvent {
			return fmt.Errorf("failed to save: %w", err)
		}
		return nil
	}

	// others are replaced
	return w.Store.ReplaceEvent(evt)
}
