package relaypool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// Pool manages connections to multiple relays, ensures they are reopened
// when necessary and not duplicated, and aggregates per-relay outcomes of
// fan-out operations.
type Pool struct {
	Relays  *xsync.MapOf[string, *Relay]
	Context context.Context

	// Seen records which relays delivered which event ids, for
	// deduplication and provenance queries.
	Seen *SeenLedger

	cancel context.CancelCauseFunc
	logger *zerolog.Logger

	authHandler         func(context.Context, *Event) error
	policy              AdmissionPolicy
	eventMiddleware     func(RelayEvent)
	duplicateMiddleware func(relay string, id ID)
	statusHandler       func(relay string, status Status)
	relayOptions        RelayOptions

	subs *xsync.MapOf[string, *PoolSubscription]

	// custom things not often used
	penaltyBoxMu sync.Mutex
	penaltyBox   map[string][2]float64
}

// RelayEvent is an event paired with the relay that delivered it.
type RelayEvent struct {
	Event
	Relay *Relay
}

func (ie RelayEvent) String() string { return fmt.Sprintf("[%s] >> %s", ie.Relay.URL, ie.Event) }

// PoolOptions configures a Pool.
type PoolOptions struct {
	// AuthHandler, if given, must be a function that signs the auth event
	// when called. It will be called whenever any relay in the pool returns
	// a `CLOSED` message with the "auth-required:" prefix, only once for
	// each relay.
	AuthHandler func(context.Context, *Event) error

	// Policy is evaluated per incoming event per relay per subscription
	// before the event is surfaced to callers. Nil admits everything.
	Policy AdmissionPolicy

	// PenaltyBox makes relays that fail to connect be ignored for a while
	// so we won't attempt to connect again immediately.
	PenaltyBox bool

	// EventMiddleware is called with every event received, after policy.
	EventMiddleware func(RelayEvent)

	// DuplicateMiddleware is called with every duplicate id received.
	DuplicateMiddleware func(relay string, id ID)

	// StatusHandler is called on every relay connection state change.
	StatusHandler func(relay string, status Status)

	// RelayOptions are any options that should be passed to Relays
	// instantiated by this pool.
	RelayOptions RelayOptions

	Logger *zerolog.Logger
}

// NewPool creates a new Pool with the given options.
func NewPool(opts PoolOptions) *Pool {
	ctx, cancel := context.WithCancelCause(context.Background())

	pool := &Pool{
		Relays: xsync.NewMapOf[string, *Relay](),
		Seen:   NewSeenLedger(),
		subs:   xsync.NewMapOf[string, *PoolSubscription](),

		Context: ctx,
		cancel:  cancel,
		logger:  opts.Logger,

		authHandler:         opts.AuthHandler,
		policy:              opts.Policy,
		eventMiddleware:     opts.EventMiddleware,
		duplicateMiddleware: opts.DuplicateMiddleware,
		statusHandler:       opts.StatusHandler,
		relayOptions:        opts.RelayOptions,
	}

	if opts.PenaltyBox {
		pool.startPenaltyBox()
	}

	return pool
}

func (pool *Pool) startPenaltyBox() {
	pool.penaltyBox = make(map[string][2]float64)
	go func() {
		sleep := 30.0
		for {
			select {
			case <-pool.Context.Done():
				return
			case <-time.After(time.Duration(sleep) * time.Second):
			}

			pool.penaltyBoxMu.Lock()
			nextSleep := 300.0
			for url, v := range pool.penaltyBox {
				remainingSeconds := v[1]
				remainingSeconds -= sleep
				if remainingSeconds <= 0 {
					pool.penaltyBox[url] = [2]float64{v[0], 0}
					continue
				} else {
					pool.penaltyBox[url] = [2]float64{v[0], remainingSeconds}
				}

				if remainingSeconds < nextSleep {
					nextSleep = remainingSeconds
				}
			}

			sleep = nextSleep
			pool.penaltyBoxMu.Unlock()
		}
	}()
}

// EnsureRelay ensures that a relay connection exists and is active.
// If the relay is not connected, it attempts to connect.
func (pool *Pool) EnsureRelay(url string) (*Relay, error) {
	nm := NormalizeURL(url)
	defer namedLock(nm)()

	relay, ok := pool.Relays.Load(nm)
	if ok && relay != nil {
		switch relay.Status() {
		case StatusConnected:
			return relay, nil
		case StatusBanned:
			return nil, fmt.Errorf("%w: %s", ErrRelayBanned, relay.BanReason())
		case StatusConnecting, StatusDisconnected:
			// the relay is reconnecting on its own, callers can use it
			return relay, nil
		}
	}

	if pool.penaltyBox != nil {
		pool.penaltyBoxMu.Lock()
		v := pool.penaltyBox[nm]
		pool.penaltyBoxMu.Unlock()
		if v[1] > 0 {
			return nil, fmt.Errorf("in penalty box, %fs remaining", v[1])
		}
	}

	opts := pool.relayOptions
	if pool.statusHandler != nil {
		sh := pool.statusHandler
		opts.StatusHandler = func(status Status) { sh(nm, status) }
	}
	if opts.Logger == nil {
		opts.Logger = pool.logger
	}

	relay = NewRelay(pool.Context, url, opts)
	// we use this ctx here so when the pool dies everything dies
	if err := relay.Connect(pool.Context); err != nil {
		if pool.penaltyBox != nil {
			// putting relay in penalty box
			pool.penaltyBoxMu.Lock()
			v := pool.penaltyBox[nm]
			pool.penaltyBox[nm] = [2]float64{v[0] + 1, 30.0 + math.Pow(2, v[0]+1)}
			pool.penaltyBoxMu.Unlock()
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool.Relays.Store(nm, relay)
	return relay, nil
}

// AddRelay connects to a relay and keeps it in the pool.
func (pool *Pool) AddRelay(url string) (*Relay, error) {
	return pool.EnsureRelay(url)
}

// RemoveRelay terminates a relay and removes it from the pool.
func (pool *Pool) RemoveRelay(url string) {
	nm := NormalizeURL(url)
	if relay, ok := pool.Relays.LoadAndDelete(nm); ok && relay != nil {
		relay.Terminate()
	}
}

// admit runs the pool's admission policy; rejected events are still recorded
// in the seen ledger by the dedup hook, just not surfaced.
func (pool *Pool) admit(relay string, subID string, evt Event) bool {
	if pool.policy == nil {
		return true
	}
	return pool.policy.Admit(relay, subID, evt)
}

// PublishResult represents the result of publishing an event to one relay.
type PublishResult struct {
	Error    error
	RelayURL string
	Relay    *Relay
}

// Output is the aggregated per-relay outcome of a fan-out operation: which
// relays succeeded and why each of the others failed. Partial success is the
// normal case given relay independence.
type Output struct {
	Success []string
	Failed  map[string]string
}

// Ok reports whether at least one relay succeeded.
func (o Output) Ok() bool { return len(o.Success) > 0 }

// PublishMany publishes an event to multiple relays and returns a channel of
// results emitted as they're received.
func (pool *Pool) PublishMany(ctx context.Context, urls []string, evt Event) chan PublishResult {
	ch := make(chan PublishResult, len(urls))

	wg := sync.WaitGroup{}
	wg.Add(len(urls))
	go func() {
		for i, url := range urls {
			if slices.IndexFunc(urls[0:i], func(iurl string) bool {
				return NormalizeURL(url) == NormalizeURL(iurl)
			}) != -1 {
				// duplicated URL
				wg.Done()
				continue
			}

			go func() {
				defer wg.Done()

				relay, err := pool.EnsureRelay(url)
				if err != nil {
					ch <- PublishResult{err, url, nil}
					return
				}

				if err := relay.Publish(ctx, evt); err == nil {
					// success with no auth required
					ch <- PublishResult{nil, url, relay}
				} else if strings.HasPrefix(err.Error(), "msg: auth-required:") && pool.authHandler != nil {
					// try to authenticate if we can
					if authErr := relay.Auth(ctx, pool.authHandler); authErr == nil {
						if err := relay.Publish(ctx, evt); err == nil {
							// success after auth
							ch <- PublishResult{nil, url, relay}
						} else {
							// failure after auth
							ch <- PublishResult{err, url, relay}
						}
					} else {
						// failure to auth
						ch <- PublishResult{fmt.Errorf("failed to auth: %w", authErr), url, relay}
					}
				} else {
					// direct failure
					ch <- PublishResult{err, url, relay}
				}
			}()
		}

		wg.Wait()
		close(ch)
	}()

	return ch
}

// Publish is like PublishMany, but waits for all relays and aggregates the
// outcomes. It never collapses partial failure into a single error.
func (pool *Pool) Publish(ctx context.Context, urls []string, evt Event) Output {
	out := Output{
		Success: make([]string, 0, len(urls)),
		Failed:  make(map[string]string),
	}
	for res := range pool.PublishMany(ctx, urls, evt) {
		if res.Error == nil {
			out.Success = append(out.Success, NormalizeURL(res.RelayURL))
		} else {
			out.Failed[NormalizeURL(res.RelayURL)] = res.Error.Error()
		}
	}
	return out
}

// SubscribeMany opens a subscription with the given filter to multiple
// relays; the subscription ends when the context is canceled.
func (pool *Pool) SubscribeMany(
	ctx context.Context,
	urls []string,
	filter Filter,
	opts SubscriptionOptions,
) chan RelayEvent {
	return pool.subMany(ctx, urls, filter, nil, nil, opts)
}

// SubscribeManyNotifyEOSE is like SubscribeMany, but also returns a channel
// that is closed when all relays have reported an EOSE.
func (pool *Pool) SubscribeManyNotifyEOSE(
	ctx context.Context,
	urls []string,
	filter Filter,
	opts SubscriptionOptions,
) (chan RelayEvent, chan struct{}) {
	eoseChan := make(chan struct{})
	events := pool.subMany(ctx, urls, filter, eoseChan, nil, opts)
	return events, eoseChan
}

// RelayClosed pairs a CLOSED reason with the relay that sent it.
type RelayClosed struct {
	Reason string
	Relay  *Relay
}

// FetchMany opens a subscription to multiple relays, much like
// SubscribeMany, but it ends as soon as all relays return an EOSE message.
func (pool *Pool) FetchMany(
	ctx context.Context,
	urls []string,
	filter Filter,
	opts SubscriptionOptions,
) chan RelayEvent {
	return pool.subManyEose(ctx, urls, filter, opts)
}

// Fetch gathers the deduplicated, policy-filtered event set delivered by the
// given relays within the timeout. Partial results are returned, not an
// error, if some relays time out.
func (pool *Pool) Fetch(
	ctx context.Context,
	urls []string,
	filter Filter,
	timeout time.Duration,
) []Event {
	ctx, cancel := context.WithTimeoutCause(ctx, timeout, errors.New("fetch timeout"))
	defer cancel()

	events := make([]Event, 0, max(filter.Limit, 32))
	for ie := range pool.subManyEose(ctx, urls, filter, SubscriptionOptions{Label: "fetch"}) {
		events = append(events, ie.Event)
	}
	return events
}

// QuerySingle returns the first event returned by the first relay, cancels
// everything else.
func (pool *Pool) QuerySingle(
	ctx context.Context,
	urls []string,
	filter Filter,
) *RelayEvent {
	ctx, cancel := context.WithCancelCause(ctx)
	for ievt := range pool.FetchMany(ctx, urls, filter, SubscriptionOptions{Label: "single"}) {
		cancel(errors.New("got the first event and ended successfully"))
		return &ievt
	}
	cancel(errors.New("fetch didn't yield events"))
	return nil
}

// CountMany asks all the given relays for a count and returns the largest
// answer, as relays hold overlapping sets and each count is a lower bound of
// the union.
func (pool *Pool) CountMany(ctx context.Context, urls []string, filter Filter) uint32 {
	var best atomic.Uint32

	wg := sync.WaitGroup{}
	wg.Add(len(urls))
	for _, url := range urls {
		go func(nm string) {
			defer wg.Done()
			relay, err := pool.EnsureRelay(nm)
			if err != nil {
				return
			}
			count, err := relay.Count(ctx, filter, SubscriptionOptions{Label: "count"})
			if err != nil {
				return
			}
			for {
				cur := best.Load()
				if count <= cur || best.CompareAndSwap(cur, count) {
					break
				}
			}
		}(NormalizeURL(url))
	}

	wg.Wait()
	return best.Load()
}

// subMany opens long-lived subscriptions on every given relay and fans the
// deduplicated, policy-filtered events into one channel.
func (pool *Pool) subMany(
	ctx context.Context,
	urls []string,
	filter Filter,
	eoseChan chan struct{},
	closedChan chan RelayClosed,
	opts SubscriptionOptions,
) chan RelayEvent {
	ctx, cancel := context.WithCancelCause(ctx)
	events := make(chan RelayEvent)
	seenAlready := xsync.NewMapOf[ID, struct{}]()

	eoseWg := sync.WaitGroup{}
	eoseWg.Add(len(urls))
	if eoseChan != nil {
		go func() {
			eoseWg.Wait()
			close(eoseChan)
		}()
	}

	if opts.CheckDuplicate == nil {
		opts.CheckDuplicate = func(id ID, relay string) bool {
			// the ledger records the occurrence regardless of what happens
			// to this particular delivery
			pool.Seen.RecordSeen(id, relay)

			_, exists := seenAlready.LoadOrStore(id, struct{}{})
			if exists && pool.duplicateMiddleware != nil {
				pool.duplicateMiddleware(relay, id)
			}
			return exists
		}
	}

	pending := xsync.NewCounter()
	pending.Add(int64(len(urls)))
	for i, url := range urls {
		url = NormalizeURL(url)
		urls[i] = url
		if idx := slices.Index(urls, url); idx != i {
			// skip duplicate relays in the list
			eoseWg.Done()
			pending.Dec()
			continue
		}

		eosed := atomic.Bool{}

		go func(nm string) {
			defer func() {
				pending.Dec()
				if pending.Value() == 0 {
					close(events)
					cancel(fmt.Errorf("aborted: %w", context.Cause(ctx)))
				}
				if eosed.CompareAndSwap(false, true) {
					eoseWg.Done()
				}
			}()

			hasAuthed := false
			interval := 3 * time.Second
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				var sub *Subscription

				relay, err := pool.EnsureRelay(nm)
				if err != nil {
					pool.log().Debug().Str("relay", nm).Err(err).Msg("connection failed, will retry")
					goto reconnect
				}
				hasAuthed = false

			subscribe:
				sub, err = relay.Subscribe(ctx, filter, opts)
				if err != nil {
					pool.log().Debug().Str("relay", nm).Err(err).Msg("subscription failed, will retry")
					goto reconnect
				}

				go func() {
					<-sub.EndOfStoredEvents

					// guard here otherwise a resubscription will trigger a
					// duplicate call to eoseWg.Done()
					if eosed.CompareAndSwap(false, true) {
						eoseWg.Done()
					}
				}()

				// reset interval when we get a good subscription
				interval = 3 * time.Second

				for {
					select {
					case evt, more := <-sub.Events:
						if !more {
							// sub died for good; resubscribe from now on
							filter.Since = Now()
							pool.log().Debug().Str("relay", nm).Msg("retrying because sub events is broken")
							goto reconnect
						}

						if !pool.admit(nm, sub.id, evt) {
							continue
						}

						ie := RelayEvent{Event: evt, Relay: relay}
						if mh := pool.eventMiddleware; mh != nil {
							mh(ie)
						}

						select {
						case events <- ie:
						case <-ctx.Done():
							return
						}
					case reason := <-sub.ClosedReason:
						if strings.HasPrefix(reason, "auth-required:") && pool.authHandler != nil && !hasAuthed {
							// relay is requesting auth. if we can we will
							// perform auth and try again
							err := relay.Auth(ctx, pool.authHandler)
							if err == nil {
								hasAuthed = true // so we don't keep doing AUTH again and again
								goto subscribe
							}
						} else {
							pool.log().Debug().Str("relay", nm).Str("reason", reason).Msg("CLOSED")
							if closedChan != nil {
								select {
								case closedChan <- RelayClosed{Reason: reason, Relay: relay}:
								default:
								}
							}
						}

						return
					case <-ctx.Done():
						return
					}
				}

			reconnect:
				// we will go back to the beginning of the loop and try to
				// connect again and again until the context is canceled
				select {
				case <-ctx.Done():
					return
				case <-time.After(interval):
				}
				interval = min(10*time.Minute, interval*17/10) // the next time we try we will wait longer
			}
		}(url)
	}

	return events
}

// subManyEose is like subMany but ends each relay's part as soon as that
// relay reports EOSE, and the whole thing when all of them have.
func (pool *Pool) subManyEose(
	ctx context.Context,
	urls []string,
	filter Filter,
	opts SubscriptionOptions,
) chan RelayEvent {
	ctx, cancel := context.WithCancelCause(ctx)

	events := make(chan RelayEvent)
	seenAlready := xsync.NewMapOf[ID, struct{}]()
	wg := sync.WaitGroup{}
	wg.Add(len(urls))

	if opts.CheckDuplicate == nil {
		opts.CheckDuplicate = func(id ID, relay string) bool {
			pool.Seen.RecordSeen(id, relay)

			_, exists := seenAlready.LoadOrStore(id, struct{}{})
			if exists && pool.duplicateMiddleware != nil {
				pool.duplicateMiddleware(relay, id)
			}
			return exists
		}
	}

	go func() {
		// this will happen when all subscriptions get an eose (or when they die)
		wg.Wait()
		cancel(errors.New("all subscriptions ended"))
		close(events)
	}()

	for _, url := range urls {
		go func(nm string) {
			defer wg.Done()

			relay, err := pool.EnsureRelay(nm)
			if err != nil {
				pool.log().Debug().Str("relay", nm).Err(err).Msg("error connecting")
				return
			}

			hasAuthed := false

		subscribe:
			sub, err := relay.Subscribe(ctx, filter, opts)
			if err != nil {
				pool.log().Debug().Str("relay", nm).Err(err).Msg("error subscribing")
				return
			}

			for {
				select {
				case <-ctx.Done():
					return
				case <-sub.EndOfStoredEvents:
					return
				case reason := <-sub.ClosedReason:
					if strings.HasPrefix(reason, "auth-required:") && pool.authHandler != nil && !hasAuthed {
						// relay is requesting auth. if we can we will
						// perform auth and try again
						err := relay.Auth(ctx, pool.authHandler)
						if err == nil {
							hasAuthed = true
							goto subscribe
						}
					}
					pool.log().Debug().Str("relay", nm).Str("reason", reason).Msg("CLOSED")
					return
				case evt, more := <-sub.Events:
					if !more {
						return
					}

					if !pool.admit(nm, sub.id, evt) {
						continue
					}

					ie := RelayEvent{Event: evt, Relay: relay}
					if mh := pool.eventMiddleware; mh != nil {
						mh(ie)
					}

					select {
					case events <- ie:
					case <-ctx.Done():
						return
					}
				}
			}
		}(NormalizeURL(url))
	}

	return events
}

// Close closes the pool with the given reason: every in-flight operation is
// canceled and every relay is terminated.
func (pool *Pool) Close(reason string) {
	pool.Relays.Range(func(_ string, relay *Relay) bool {
		relay.Terminate()
		return true
	})
	pool.cancel(fmt.Errorf("pool closed with reason: '%s'", reason))
}
