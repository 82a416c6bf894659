package relaypool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// Subscription is a standing request for events matching a filter on a
// single relay, live until closed by either side.
type Subscription struct {
	Relay  *Relay
	Filter Filter

	// Events delivers events in the order they arrive on this connection.
	Events chan Event

	// EndOfStoredEvents is signalled once when the relay is done serving
	// stored events; live events keep flowing afterwards.
	EndOfStoredEvents chan struct{}

	// ClosedReason receives the reason when the relay closes this
	// subscription with a CLOSED message.
	ClosedReason chan string

	// Context will be canceled when the subscription ends for any reason.
	Context context.Context

	counter int64
	id      string
	cancel  context.CancelCauseFunc

	// internal mailbox so the connection read loop never blocks on a slow
	// consumer of .Events
	mailbox chan Event

	live  atomic.Bool
	eosed atomic.Bool

	countResult    chan CountEnvelope
	checkDuplicate func(id ID, relay string) bool
	match          func(Event) bool
}

// SubscriptionOptions configures a subscription.
type SubscriptionOptions struct {
	// Label is appended to the generated subscription id, for debugging.
	Label string

	// CheckDuplicate, when given, is called with every incoming event id
	// before parsing; returning true discards the event.
	CheckDuplicate func(id ID, relay string) bool

	// MailboxSize bounds how many undelivered events are buffered per
	// subscription before delivery blocks the dispatcher. Zero means 64.
	MailboxSize int
}

// ID returns this subscription's id as sent to the relay.
func (sub *Subscription) ID() string { return sub.id }

func (sub *Subscription) String() string {
	return fmt.Sprintf("%s:%s", sub.Relay.URL, sub.id)
}

// start forwards events from the internal mailbox to the caller-visible
// channel, honoring cancellation.
func (sub *Subscription) start() {
	for {
		select {
		case evt := <-sub.mailbox:
			select {
			case sub.Events <- evt:
			case <-sub.Context.Done():
				sub.cleanup()
				return
			}
		case <-sub.Context.Done():
			sub.cleanup()
			return
		}
	}
}

func (sub *Subscription) cleanup() {
	sub.live.Store(false)
	sub.Relay.Subscriptions.Delete(sub.counter)
	close(sub.Events)
}

func (sub *Subscription) dispatchEvent(evt Event) {
	if !sub.live.Load() {
		return
	}
	select {
	case sub.mailbox <- evt:
	case <-sub.Context.Done():
	}
}

func (sub *Subscription) dispatchEose() {
	if sub.eosed.CompareAndSwap(false, true) {
		select {
		case sub.EndOfStoredEvents <- struct{}{}:
		default:
		}
	}
}

func (sub *Subscription) handleClosed(reason string) {
	select {
	case sub.ClosedReason <- reason:
	default:
	}
	sub.live.Store(false)
}

// Fire sends the REQ message to the relay.
func (sub *Subscription) Fire() error {
	reqb, _ := ReqEnvelope{sub.id, sub.Filter}.MarshalJSON()

	// mark live before the REQ goes out: the relay may answer within the same
	// read-loop iteration, before WriteWithError even returns
	sub.live.Store(true)

	if err := sub.Relay.WriteWithError(reqb); err != nil {
		sub.live.Store(false)
		sub.cancel(fmt.Errorf("failed to write REQ: %w", err))
		return err
	}

	return nil
}

// refire resends the REQ after a reconnection, restricted to events from now
// on since stored events were already seen.
func (sub *Subscription) refire() error {
	if !sub.live.Load() {
		return nil
	}
	filter := sub.Filter
	if sub.eosed.Load() {
		filter.Since = Now()
	}
	reqb, _ := ReqEnvelope{sub.id, filter}.MarshalJSON()
	return sub.Relay.WriteWithError(reqb)
}

// Unsub closes the subscription: sends a CLOSE to the relay and stops the
// event stream.
func (sub *Subscription) Unsub() {
	sub.unsub(errors.New("Unsub() called"))
}

func (sub *Subscription) unsub(err error) {
	// cancel the context (if it hasn't been already)
	sub.cancel(err)

	// only send CLOSE if the relay is still up and this was live
	if sub.live.Swap(false) && sub.Relay.IsConnected() {
		closeb, _ := CloseEnvelope(sub.id).MarshalJSON()
		sub.Relay.Write(closeb)
	}
}
