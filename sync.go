package relaypool

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"sync"

	"github.com/nostrwire/relaypool/negentropy"
)

// Querier is anything that can be queried for stored events, like a local
// eventstore.
type Querier interface {
	QueryEvents(filter Filter) iter.Seq[Event]
}

// Publisher is anything that accepts events, like a relay or a local
// eventstore.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// QuerierPublisher is implemented by local eventstores used as both ends of
// a sync.
type QuerierPublisher interface {
	Querier
	Publisher
}

// SyncDirection says which way events flow after reconciliation.
type SyncDirection int

const (
	// SyncBoth uploads what the relay is missing and downloads what we are.
	SyncBoth SyncDirection = iota

	// SyncDown only downloads events the relay has and we don't.
	SyncDown

	// SyncUp only uploads events we have and the relay doesn't.
	SyncUp
)

// SyncOptions tunes a reconciliation session.
type SyncOptions struct {
	Direction SyncDirection

	// DryRun computes the difference but doesn't transfer any event.
	DryRun bool

	// FrameSizeLimit caps the size of each reconciliation message, in
	// bytes. Defaults to 128k. Can't be smaller than 4096.
	FrameSizeLimit int

	// MaxRounds caps how many messages we are willing to exchange before
	// giving up with ErrReconciliationIncomplete. Defaults to 64.
	MaxRounds int

	// BatchSize is how many ids are fetched or queried at a time when
	// transferring the difference. Defaults to 50.
	BatchSize int
}

// SyncResult is the outcome of one reconciliation session with one relay.
type SyncResult struct {
	// Have are ids we have and the relay doesn't.
	Have []ID

	// Need are ids the relay has and we don't.
	Need []ID

	// Rounds is how many messages the relay sent before the sets converged.
	Rounds int
}

// Sync reconciles the local event set given by source against this relay
// for the given filter, then, unless it is a dry run, transfers the
// difference according to the direction: missing events are uploaded with
// Publish and, if target is not nil, events we lack are downloaded into it.
//
// If the relay can't converge within the round budget no partial transfer is
// made and ErrReconciliationIncomplete is returned.
func (r *Relay) Sync(
	ctx context.Context,
	filter Filter,
	source Querier,
	target Publisher,
	opts SyncOptions,
) (*SyncResult, error) {
	if opts.FrameSizeLimit == 0 {
		opts.FrameSizeLimit = 128 * 1024
	}
	if opts.MaxRounds == 0 {
		opts.MaxRounds = 64
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 50
	}

	up := opts.Direction == SyncBoth || opts.Direction == SyncUp
	down := opts.Direction == SyncBoth || opts.Direction == SyncDown

	vec := negentropy.NewVector()
	if source != nil {
		for evt := range source.QueryEvents(filter) {
			vec.Insert(int64(evt.CreatedAt), [32]byte(evt.ID))
		}
	}
	vec.Seal()

	neg := negentropy.New(vec, opts.FrameSizeLimit, true, true)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(errors.New("sync ended"))

	id := strconv.FormatInt(subscriptionIDCounter.Add(1), 10) + ":neg"

	msgs := make(chan Envelope)
	r.negHandlers.Store(id, func(env Envelope) {
		select {
		case msgs <- env:
		case <-ctx.Done():
		}
	})
	defer r.negHandlers.Delete(id)

	result := &SyncResult{}

	// the reconciler emits ids as it goes, drain them so it never blocks
	collectors := sync.WaitGroup{}
	collectors.Add(2)
	go func() {
		defer collectors.Done()
		for {
			select {
			case id, more := <-neg.Haves:
				if !more {
					return
				}
				result.Have = append(result.Have, ID(id))
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		defer collectors.Done()
		for {
			select {
			case id, more := <-neg.HaveNots:
				if !more {
					return
				}
				result.Need = append(result.Need, ID(id))
			case <-ctx.Done():
				return
			}
		}
	}()

	openb, _ := NegOpenEnvelope{SubscriptionID: id, Filter: filter, Message: neg.Start()}.MarshalJSON()
	if err := r.WriteWithError(openb); err != nil {
		return nil, fmt.Errorf("failed to send NEG-OPEN: %w", err)
	}
	defer func() {
		closeb, _ := NegCloseEnvelope{SubscriptionID: id}.MarshalJSON()
		r.Write(closeb)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case env := <-msgs:
			switch env := env.(type) {
			case *NegErrEnvelope:
				return nil, fmt.Errorf("relay returned an error: %s", env.Reason)
			case *NegCloseEnvelope:
				return nil, errors.New("relay closed the session prematurely")
			case *NegMsgEnvelope:
				result.Rounds++

				next, err := neg.Reconcile(env.Message)
				if err != nil {
					return nil, fmt.Errorf("failed to reconcile: %w", err)
				}

				if next == "" {
					goto reconciled
				}

				if result.Rounds >= opts.MaxRounds {
					// no partial transfer happens, the difference computed
					// so far is discarded along with the session
					return nil, fmt.Errorf("%w: still diverging after %d rounds",
						ErrReconciliationIncomplete, result.Rounds)
				}

				msgb, _ := NegMsgEnvelope{SubscriptionID: id, Message: next}.MarshalJSON()
				if err := r.WriteWithError(msgb); err != nil {
					return nil, fmt.Errorf("failed to send NEG-MSG: %w", err)
				}
			}
		}
	}

reconciled:
	collectors.Wait()

	if opts.DryRun {
		return result, nil
	}

	if up && source != nil && len(result.Have) > 0 {
		for batch := range slices.Chunk(result.Have, opts.BatchSize) {
			for evt := range source.QueryEvents(Filter{IDs: batch}) {
				if err := r.Publish(ctx, evt); err != nil {
					r.log().Debug().Stringer("id", evt.ID).Err(err).Msg("failed to upload")
				}
			}
		}
	}

	if down && target != nil && len(result.Need) > 0 {
		for batch := range slices.Chunk(result.Need, opts.BatchSize) {
			if err := r.fetchInto(ctx, batch, target); err != nil {
				return result, fmt.Errorf("failed to download: %w", err)
			}
		}
	}

	return result, nil
}

// fetchInto downloads the given ids from this relay and hands each event to
// target.
func (r *Relay) fetchInto(ctx context.Context, ids []ID, target Publisher) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(errors.New("fetch ended"))

	sub, err := r.Subscribe(ctx, Filter{IDs: ids}, SubscriptionOptions{Label: "sync-dl"})
	if err != nil {
		return err
	}
	defer sub.Unsub()

	remaining := len(ids)
	for {
		select {
		case evt, more := <-sub.Events:
			if !more {
				return nil
			}
			if err := target.Publish(ctx, evt); err != nil {
				r.log().Debug().Stringer("id", evt.ID).Err(err).Msg("failed to store")
			}
			remaining--
			if remaining == 0 {
				return nil
			}
		case <-sub.EndOfStoredEvents:
			// the relay may have pruned some of the ids since reconciling
			return nil
		case reason := <-sub.ClosedReason:
			return fmt.Errorf("subscription closed: %s", reason)
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// Sync reconciles source against a single relay. See Relay.Sync.
func (pool *Pool) Sync(
	ctx context.Context,
	url string,
	filter Filter,
	source Querier,
	target Publisher,
	opts SyncOptions,
) (*SyncResult, error) {
	relay, err := pool.EnsureRelay(url)
	if err != nil {
		return nil, err
	}
	if target != nil {
		target = &ledgerPublisher{target, pool, NormalizeURL(url)}
	}
	return relay.Sync(ctx, filter, source, target, opts)
}

// SyncMany reconciles source against each of the given relays concurrently
// and aggregates per-relay outcomes.
func (pool *Pool) SyncMany(
	ctx context.Context,
	urls []string,
	filter Filter,
	source Querier,
	target Publisher,
	opts SyncOptions,
) (map[string]*SyncResult, Output) {
	results := make(map[string]*SyncResult, len(urls))
	out := Output{Failed: make(map[string]string)}

	mu := sync.Mutex{}
	wg := sync.WaitGroup{}
	wg.Add(len(urls))
	for _, url := range urls {
		go func(nm string) {
			defer wg.Done()

			res, err := pool.Sync(ctx, nm, filter, source, target, opts)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Failed[nm] = err.Error()
				return
			}
			results[nm] = res
			out.Success = append(out.Success, nm)
		}(NormalizeURL(url))
	}
	wg.Wait()

	return results, out
}

// ledgerPublisher guards downloaded events with the pool's admission policy
// and records provenance and saved status in the seen ledger as they land in
// the local store. Rejected events are still recorded as seen.
type ledgerPublisher struct {
	target Publisher
	pool   *Pool
	relay  string
}

func (lp *ledgerPublisher) Publish(ctx context.Context, evt Event) error {
	lp.pool.Seen.RecordSeen(evt.ID, lp.relay)
	if !lp.pool.admit(lp.relay, "", evt) {
		return nil
	}
	if err := lp.target.Publish(ctx, evt); err != nil {
		return err
	}
	lp.pool.Seen.MarkSaved(evt.ID)
	return nil
}
