package relaypool

import (
	"context"
	"errors"
	"sync/atomic"
)

// PoolSubscription is a named, long-lived subscription spanning multiple
// relays. It stays registered in the pool under its name until it is
// replaced or explicitly unsubscribed, even after every relay has dropped it
// (at which point it is dormant and its channels stay open but silent).
type PoolSubscription struct {
	Name   string
	Filter Filter
	Relays []string

	// Events receives deduplicated, policy-filtered events from all relays.
	Events chan RelayEvent

	// Closed receives a notification whenever a relay drops this
	// subscription with a CLOSED message.
	Closed chan RelayClosed

	pool    *Pool
	cancel  context.CancelCauseFunc
	dormant atomic.Bool
}

// IsDormant reports whether every relay leg of this subscription has ended
// while the subscription remains registered.
func (ps *PoolSubscription) IsDormant() bool { return ps.dormant.Load() }

// Unsubscribe closes the subscription on every relay and removes it from
// the pool's registry.
func (ps *PoolSubscription) Unsubscribe() {
	ps.pool.subs.Compute(ps.Name, func(cur *PoolSubscription, loaded bool) (*PoolSubscription, bool) {
		// only remove the registration if it is still ours
		return cur, !loaded || cur == ps
	})
	ps.cancel(errors.New("unsubscribed"))
}

// Subscribe opens a named subscription across the given relays. If a
// subscription with the same name already exists it is closed and replaced:
// at most one subscription per name is live at any time.
func (pool *Pool) Subscribe(
	ctx context.Context,
	name string,
	urls []string,
	filter Filter,
	opts SubscriptionOptions,
) (*PoolSubscription, error) {
	if len(urls) == 0 {
		return nil, ErrNoRelays
	}

	subCtx, cancel := context.WithCancelCause(ctx)

	if opts.Label == "" {
		opts.Label = name
	}

	ps := &PoolSubscription{
		Name:   name,
		Filter: filter,
		Relays: urls,
		Events: make(chan RelayEvent),
		Closed: make(chan RelayClosed, len(urls)),
		pool:   pool,
		cancel: cancel,
	}

	if prev, loaded := pool.subs.LoadAndStore(name, ps); loaded && prev != nil {
		prev.cancel(errors.New("replaced by a new subscription with the same name"))
	}

	inner := pool.subMany(subCtx, urls, filter, nil, ps.Closed, opts)
	go func() {
		for ie := range inner {
			select {
			case ps.Events <- ie:
			case <-subCtx.Done():
			}
		}

		// every relay leg has ended; keep the registration so callers can
		// still look the subscription up, but mark it dormant
		ps.dormant.Store(true)

		<-subCtx.Done()
		close(ps.Events)
	}()

	return ps, nil
}

// Subscription returns the named subscription, if registered.
func (pool *Pool) Subscription(name string) (*PoolSubscription, bool) {
	return pool.subs.Load(name)
}

// Unsubscribe closes and unregisters the named subscription. It is a no-op
// if no subscription with that name exists.
func (pool *Pool) Unsubscribe(name string) {
	if ps, ok := pool.subs.LoadAndDelete(name); ok && ps != nil {
		ps.cancel(errors.New("unsubscribed"))
	}
}
