package relaypool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"lukechampine.com/frand"
)

var subscriptionIDCounter atomic.Int64

// Status is the connection state of a Relay. It is owned exclusively by the
// Relay; observers read it via Status() or a StatusHandler.
type Status int32

const (
	StatusInitialized Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
	StatusTerminated
	StatusBanned
)

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "initialized"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusTerminated:
		return "terminated"
	case StatusBanned:
		return "banned"
	default:
		return "<unknown>"
	}
}

// RelayLimits bounds what a relay may send before it is banned. Zero values
// mean "disabled".
type RelayLimits struct {
	// MaxMessageSize bans the relay if it sends a frame bigger than this.
	MaxMessageSize int

	// MaxMalformed bans the relay after this many unparseable messages.
	MaxMalformed int
}

// RelayOptions configures a Relay.
type RelayOptions struct {
	// Transport, if given, replaces the default websocket transport.
	Transport Transport

	// RequestHeader sets the HTTP request header of the websocket preflight
	// request (ignored when a custom Transport is given).
	RequestHeader http.Header

	// NoticeHandler takes NOTICE messages. When not given they are only
	// logged at debug level.
	NoticeHandler func(notice string)

	// CustomHandler, if given, is called with any relay message that
	// couldn't be parsed as a standard envelope.
	CustomHandler func(data string)

	// StatusHandler, if given, is called on every connection state change.
	StatusHandler func(status Status)

	// ConnectionTimeout bounds each connection attempt. Defaults to 7s.
	ConnectionTimeout time.Duration

	// SendTimeout bounds each publish-acknowledgment wait. Defaults to 7s.
	SendTimeout time.Duration

	// ReconnectInitialDelay and ReconnectCeiling bound the backoff curve
	// used after an unexpected disconnection. Defaults: 1s and 10min.
	ReconnectInitialDelay time.Duration
	ReconnectCeiling      time.Duration

	// NoReconnect disables automatic reconnection.
	NoReconnect bool

	// Limits, when violated, move the relay to the Banned state.
	Limits RelayLimits

	// AssumeValid skips verifying signatures for events received from this
	// relay.
	AssumeValid bool

	Logger *zerolog.Logger
}

type connStats struct {
	attempts      atomic.Int64
	success       atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	connectedAt   atomic.Int64
	lastLatency   atomic.Int64
}

func (cs *connStats) addBytesSent(n int)     { cs.bytesSent.Add(int64(n)) }
func (cs *connStats) addBytesReceived(n int) { cs.bytesReceived.Add(int64(n)) }
func (cs *connStats) saveLatency(d time.Duration) {
	cs.lastLatency.Store(int64(d))
}

// RelayStats is a read-only snapshot of a relay connection's counters.
type RelayStats struct {
	Attempts      int64
	Success       int64
	BytesSent     int64
	BytesReceived int64
	ConnectedAt   time.Time
	LastLatency   time.Duration
}

// Relay owns one logical connection to one relay URL and its reconnection
// state machine.
type Relay struct {
	URL string

	Subscriptions *xsync.MapOf[int64, *Subscription]

	closeMutex sync.Mutex
	opts       RelayOptions
	transport  Transport
	logger     *zerolog.Logger

	status atomic.Int32
	stats  connStats

	lifetimeContext context.Context
	lifetimeCancel  context.CancelCauseFunc

	conn              atomic.Pointer[connection]
	connectionContext atomic.Pointer[context.Context]

	challenge   atomic.Pointer[string] // NIP-42 challenge, we only keep the last
	okCallbacks *xsync.MapOf[ID, func(bool, string)]
	negHandlers *xsync.MapOf[string, func(Envelope)]

	malformedCount atomic.Int64
	banReason      atomic.Pointer[string]
}

// NewRelay returns a new relay. It takes a context that, when canceled, will
// terminate the relay connection for good.
func NewRelay(ctx context.Context, url string, opts RelayOptions) *Relay {
	ctx, cancel := context.WithCancelCause(ctx)

	if opts.ConnectionTimeout == 0 {
		opts.ConnectionTimeout = 7 * time.Second
	}
	if opts.SendTimeout == 0 {
		opts.SendTimeout = 7 * time.Second
	}
	if opts.ReconnectInitialDelay == 0 {
		opts.ReconnectInitialDelay = time.Second
	}
	if opts.ReconnectCeiling == 0 {
		opts.ReconnectCeiling = 10 * time.Minute
	}

	transport := opts.Transport
	if transport == nil {
		transport = WebsocketTransport{RequestHeader: opts.RequestHeader}
	}

	return &Relay{
		URL:             NormalizeURL(url),
		opts:            opts,
		transport:       transport,
		logger:          opts.Logger,
		lifetimeContext: ctx,
		lifetimeCancel:  cancel,
		Subscriptions:   xsync.NewMapOf[int64, *Subscription](),
		okCallbacks:     xsync.NewMapOf[ID, func(bool, string)](),
		negHandlers:     xsync.NewMapOf[string, func(Envelope)](),
	}
}

// RelayConnect returns a relay object connected to url.
//
// The given context is only used during the connection phase: once
// successfully connected, cancelling it has no effect. Call r.Close() to
// close the connection.
func RelayConnect(ctx context.Context, url string, opts RelayOptions) (*Relay, error) {
	r := NewRelay(context.Background(), url, opts)
	err := r.Connect(ctx)
	return r, err
}

func (r *Relay) String() string { return r.URL }

// Status returns the current connection state.
func (r *Relay) Status() Status { return Status(r.status.Load()) }

// IsConnected returns true if the connection to this relay seems to be active.
func (r *Relay) IsConnected() bool { return r.Status() == StatusConnected }

// Stats returns a snapshot of this connection's counters.
func (r *Relay) Stats() RelayStats {
	return RelayStats{
		Attempts:      r.stats.attempts.Load(),
		Success:       r.stats.success.Load(),
		BytesSent:     r.stats.bytesSent.Load(),
		BytesReceived: r.stats.bytesReceived.Load(),
		ConnectedAt:   time.Unix(r.stats.connectedAt.Load(), 0),
		LastLatency:   time.Duration(r.stats.lastLatency.Load()),
	}
}

// Context retrieves the context that is associated with the current
// connection. It will be closed when the relay disconnects.
func (r *Relay) Context() context.Context {
	if ptr := r.connectionContext.Load(); ptr != nil {
		return *ptr
	}
	return r.lifetimeContext
}

func (r *Relay) setStatus(s Status) {
	old := Status(r.status.Swap(int32(s)))
	if old != s {
		r.log().Debug().Str("relay", r.URL).Stringer("status", s).Msg("status change")
		if r.opts.StatusHandler != nil {
			r.opts.StatusHandler(s)
		}
	}
}

// Connect tries to establish the connection to r.URL. It is idempotent: if
// the relay is already connected it returns immediately.
//
// If the context expires before the connection is complete, an error is
// returned. Once successfully connected, context expiration has no effect:
// call r.Close to close the connection.
func (r *Relay) Connect(ctx context.Context) error {
	switch r.Status() {
	case StatusConnected:
		return nil
	case StatusTerminated:
		return ErrRelayTerminated
	case StatusBanned:
		return fmt.Errorf("%w: %s", ErrRelayBanned, r.BanReason())
	}

	if r.URL == "" {
		return fmt.Errorf("invalid relay URL '%s'", r.URL)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, r.opts.ConnectionTimeout,
			errors.New("connection took too long"))
		defer cancel()
	}

	return r.dial(ctx)
}

func (r *Relay) dial(ctx context.Context) error {
	r.setStatus(StatusConnecting)
	r.stats.attempts.Add(1)

	connCtx, connCancel := context.WithCancelCause(r.lifetimeContext)

	conn, err := newConnection(
		ctx,
		connCtx,
		connCancel,
		r.URL,
		r.transport,
		r.handleMessage,
		&r.stats,
		r.opts.Limits.MaxMessageSize,
		func(reason string) { r.ban(reason) },
	)
	if err != nil {
		connCancel(err)
		r.setStatus(StatusDisconnected)
		return fmt.Errorf("error opening connection to '%s': %w", r.URL, err)
	}

	r.conn.Store(conn)
	r.connectionContext.Store(&connCtx)
	r.stats.success.Add(1)
	r.stats.connectedAt.Store(time.Now().Unix())
	r.setStatus(StatusConnected)

	go r.monitor(connCtx, conn)

	return nil
}

// monitor watches one connection until it dies and decides whether to dial
// again.
func (r *Relay) monitor(connCtx context.Context, conn *connection) {
	select {
	case <-conn.closedNotify:
	case <-connCtx.Done():
	}

	switch r.Status() {
	case StatusTerminated, StatusBanned:
		return
	}

	r.setStatus(StatusDisconnected)

	if r.opts.NoReconnect {
		return
	}

	r.reconnectLoop()
}

func (r *Relay) reconnectLoop() {
	base := r.opts.ReconnectInitialDelay

	for {
		delay := jitteredBackoff(base, r.opts.ReconnectCeiling)
		r.log().Debug().Str("relay", r.URL).Dur("delay", delay).Msg("will retry connection")

		select {
		case <-r.lifetimeContext.Done():
			return
		case <-time.After(delay):
		}

		switch r.Status() {
		case StatusTerminated, StatusBanned:
			return
		}

		dialCtx, cancel := context.WithTimeoutCause(r.lifetimeContext,
			r.opts.ConnectionTimeout, errors.New("connection took too long"))
		err := r.dial(dialCtx)
		cancel()

		if err == nil {
			r.resubscribeAll()
			return
		}

		// the next time we try we will wait longer
		base = min(r.opts.ReconnectCeiling, base*17/10)
	}
}

// jitteredBackoff adds up to 10% of random jitter on top of the
// deterministic curve so reconnection stampedes spread out. The result never
// exceeds the ceiling and never decreases across successive failures.
func jitteredBackoff(base, ceiling time.Duration) time.Duration {
	d := min(base, ceiling)
	if jitterRange := d / 10; jitterRange > 0 {
		d += time.Duration(frand.Intn(int(jitterRange)))
	}
	return min(d, ceiling)
}

func (r *Relay) resubscribeAll() {
	r.Subscriptions.Range(func(_ int64, sub *Subscription) bool {
		if err := sub.refire(); err != nil {
			r.log().Debug().Str("relay", r.URL).Str("sub", sub.id).Err(err).
				Msg("failed to resubscribe")
		}
		return true
	})
}

// extractSubID pulls the subscription id out of an "EVENT" frame without a
// full parse. Any other frame type yields "".
func extractSubID(message string) string {
	if gjson.Get(message, "0").Str != "EVENT" {
		return ""
	}
	return gjson.Get(message, "1").String()
}

func extractEventID(message string) ID {
	id, _ := IDFromHex(gjson.Get(message, "2.id").String())
	return id
}

func (r *Relay) handleMessage(message string) {
	// if this is an "EVENT" we have this preparser logic that skips
	// handling duplicate events before the full parse
	var sub *Subscription
	if subid := extractSubID(message); subid != "" {
		var subFound bool
		sub, subFound = r.Subscriptions.Load(subIDToSerial(subid))
		if subFound && sub.checkDuplicate != nil {
			if sub.checkDuplicate(extractEventID(message), r.URL) {
				return
			}
		}
	}

	envelope, err := ParseMessage(message)
	if envelope == nil {
		if r.opts.CustomHandler != nil && err == ErrUnknownLabel {
			r.opts.CustomHandler(message)
			return
		}
		r.noteMalformed(message, err)
		return
	}

	switch env := envelope.(type) {
	case *NoticeEnvelope:
		if r.opts.NoticeHandler != nil {
			r.opts.NoticeHandler(string(*env))
		} else {
			r.log().Debug().Str("relay", r.URL).Str("notice", string(*env)).Msg("NOTICE")
		}
	case *AuthEnvelope:
		if env.Challenge == nil {
			return
		}
		r.challenge.Store(env.Challenge)
	case *EventEnvelope:
		// we already have the subscription from the pre-check above
		if sub == nil {
			return
		}

		// check if the event matches the desired filter, ignore otherwise
		if !sub.match(env.Event) {
			r.log().Debug().Str("relay", r.URL).Stringer("event", env.Event.ID).
				Msg("filter does not match")
			return
		}

		// check signature, ignore invalid, except from trusted (AssumeValid) relays
		if !r.opts.AssumeValid {
			if !env.Event.VerifySignature() {
				r.log().Debug().Str("relay", r.URL).Stringer("event", env.Event.ID).
					Msg("bad signature")
				return
			}
		}

		sub.dispatchEvent(env.Event)
	case *EOSEEnvelope:
		if sub, ok := r.Subscriptions.Load(subIDToSerial(string(*env))); ok {
			sub.dispatchEose()
		}
	case *ClosedEnvelope:
		if sub, ok := r.Subscriptions.Load(subIDToSerial(env.SubscriptionID)); ok {
			sub.handleClosed(env.Reason)
		}
	case *CountEnvelope:
		if sub, ok := r.Subscriptions.Load(subIDToSerial(env.SubscriptionID)); ok &&
			env.Count != nil && sub.countResult != nil {
			sub.countResult <- *env
		}
	case *OKEnvelope:
		if okCallback, exists := r.okCallbacks.Load(env.EventID); exists {
			okCallback(env.OK, env.Reason)
		} else {
			r.log().Debug().Str("relay", r.URL).Stringer("event", env.EventID).
				Msg("got an unexpected OK message")
		}
	case *NegMsgEnvelope:
		if handler, ok := r.negHandlers.Load(env.SubscriptionID); ok {
			handler(env)
		}
	case *NegErrEnvelope:
		if handler, ok := r.negHandlers.Load(env.SubscriptionID); ok {
			handler(env)
		}
	case *NegCloseEnvelope:
		if handler, ok := r.negHandlers.Load(env.SubscriptionID); ok {
			handler(env)
		}
	}
}

// noteMalformed counts protocol violations; past the configured threshold
// the relay is banned.
func (r *Relay) noteMalformed(message string, err error) {
	r.log().Debug().Str("relay", r.URL).Err(err).Str("message", message).
		Msg("dropped malformed message")

	if max := r.opts.Limits.MaxMalformed; max > 0 {
		if r.malformedCount.Add(1) >= int64(max) {
			r.ban(fmt.Sprintf("%d malformed messages", max))
		}
	}
}

// ban moves the relay to the terminal Banned state and closes the
// connection. Only ResetBan clears it.
func (r *Relay) ban(reason string) {
	r.banReason.Store(&reason)
	r.setStatus(StatusBanned)
	if conn := r.conn.Load(); conn != nil {
		conn.doClose("banned: " + reason)
	}
	r.log().Warn().Str("relay", r.URL).Str("reason", reason).Msg("relay banned")
}

// Ban bans the relay by local policy.
func (r *Relay) Ban(reason string) { r.ban(reason) }

// BanReason returns why the relay was banned, or "".
func (r *Relay) BanReason() string {
	if reason := r.banReason.Load(); reason != nil {
		return *reason
	}
	return ""
}

// ResetBan moves a banned relay back to Initialized so it can be connected
// again.
func (r *Relay) ResetBan() {
	if r.Status() == StatusBanned {
		r.banReason.Store(nil)
		r.malformedCount.Store(0)
		r.setStatus(StatusInitialized)
	}
}

// Write queues an arbitrary message to be sent to the relay.
func (r *Relay) Write(msg []byte) {
	conn := r.conn.Load()
	if conn == nil {
		return
	}
	select {
	case conn.writeQueue <- writeRequest{msg: msg, answer: nil}:
	case <-conn.closedNotify:
	case <-r.lifetimeContext.Done():
	}
}

// WriteWithError is like Write, but returns an error if the write fails, if
// the connection is closed or if the relay is terminated or banned.
func (r *Relay) WriteWithError(msg []byte) error {
	switch r.Status() {
	case StatusTerminated:
		return ErrRelayTerminated
	case StatusBanned:
		return fmt.Errorf("%w: %s", ErrRelayBanned, r.BanReason())
	}

	conn := r.conn.Load()
	if conn == nil {
		return fmt.Errorf("failed to write to %s: %w", r.URL, ErrDisconnected)
	}

	ch := make(chan error)
	select {
	case conn.writeQueue <- writeRequest{msg: msg, answer: ch}:
	case <-conn.closedNotify:
		return fmt.Errorf("failed to write to %s: %w", r.URL, ErrDisconnected)
	case <-r.lifetimeContext.Done():
		return fmt.Errorf("failed to write to %s: %w", r.URL, context.Cause(r.lifetimeContext))
	}
	return <-ch
}

// Publish sends an "EVENT" message to the relay and waits for an OK response.
func (r *Relay) Publish(ctx context.Context, event Event) error {
	return r.publish(ctx, event.ID, &EventEnvelope{Event: event})
}

// Auth builds an auth event for the last challenge received from this relay,
// has it signed by the given function and waits for the OK response.
func (r *Relay) Auth(ctx context.Context, sign func(context.Context, *Event) error) error {
	challenge := ""
	if c := r.challenge.Load(); c != nil {
		challenge = *c
	}

	authEvent := Event{
		CreatedAt: Now(),
		Kind:      KindClientAuthentication,
		Tags: Tags{
			Tag{"relay", r.URL},
			Tag{"challenge", challenge},
		},
	}
	if err := sign(ctx, &authEvent); err != nil {
		return fmt.Errorf("error signing auth event: %w", err)
	}

	return r.publish(ctx, authEvent.ID, &AuthEnvelope{Event: authEvent})
}

// publish can be used both for EVENT and for AUTH
func (r *Relay) publish(ctx context.Context, id ID, env Envelope) error {
	var err error
	var cancel context.CancelFunc

	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeoutCause(ctx, r.opts.SendTimeout,
			fmt.Errorf("given up waiting for an OK"))
		defer cancel()
	} else {
		// otherwise make the context cancellable so we can stop everything
		// upon receiving an "OK"
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	// listen for an OK callback
	gotOk := false
	r.okCallbacks.Store(id, func(ok bool, reason string) {
		gotOk = true
		if !ok {
			err = fmt.Errorf("msg: %s", reason)
		}
		cancel()
	})
	defer r.okCallbacks.Delete(id)

	envb, _ := env.MarshalJSON()
	if err := r.WriteWithError(envb); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			// called when we get an OK or when the context has been canceled
			if gotOk {
				return err
			}
			return fmt.Errorf("publish: %w", context.Cause(ctx))
		case <-r.lifetimeContext.Done():
			// this is caused when we lose connectivity
			return fmt.Errorf("relay: %w", context.Cause(r.lifetimeContext))
		}
	}
}

// Subscribe sends a "REQ" message to the relay. Events are returned through
// the channel sub.Events.
//
// Remember to cancel subscriptions, either by calling `.Unsub()` on them or
// ensuring their `context.Context` will be canceled at some point.
func (r *Relay) Subscribe(ctx context.Context, filter Filter, opts SubscriptionOptions) (*Subscription, error) {
	sub := r.PrepareSubscription(ctx, filter, opts)

	if r.conn.Load() == nil {
		return nil, fmt.Errorf("not connected to %s", r.URL)
	}

	if err := sub.Fire(); err != nil {
		return nil, fmt.Errorf("couldn't subscribe to %v at %s: %w", filter, r.URL, err)
	}

	return sub, nil
}

// PrepareSubscription creates a subscription, but doesn't fire it.
func (r *Relay) PrepareSubscription(ctx context.Context, filter Filter, opts SubscriptionOptions) *Subscription {
	current := subscriptionIDCounter.Add(1)
	ctx, cancel := context.WithCancelCause(ctx)

	mailboxSize := opts.MailboxSize
	if mailboxSize == 0 {
		mailboxSize = 64
	}

	sub := &Subscription{
		Relay:             r,
		Context:           ctx,
		cancel:            cancel,
		counter:           current,
		Events:            make(chan Event),
		mailbox:           make(chan Event, mailboxSize),
		EndOfStoredEvents: make(chan struct{}, 1),
		ClosedReason:      make(chan string, 1),
		Filter:            filter,
		match:             filter.Matches,
		checkDuplicate:    opts.CheckDuplicate,
	}

	// subscription id computation
	buf := make([]byte, 0, 15)
	buf = strconv.AppendInt(buf, sub.counter, 10)
	buf = append(buf, ':')
	buf = append(buf, opts.Label...)
	sub.id = string(buf)

	// we track subscriptions only by their counter, no need for the full id
	r.Subscriptions.Store(sub.counter, sub)

	// start handling events, eose, unsub etc:
	go sub.start()

	return sub
}

// Count sends a "COUNT" message to the relay and returns the count of events
// matching the filter.
func (r *Relay) Count(ctx context.Context, filter Filter, opts SubscriptionOptions) (uint32, error) {
	sub := r.PrepareSubscription(ctx, filter, opts)
	sub.countResult = make(chan CountEnvelope)

	countb, _ := CountEnvelope{SubscriptionID: sub.id, Filter: filter}.MarshalJSON()
	if err := r.WriteWithError(countb); err != nil {
		return 0, err
	}
	sub.live.Store(true)

	defer sub.unsub(errors.New("Count() ended"))

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, r.opts.SendTimeout,
			errors.New("count took too long"))
		defer cancel()
	}

	select {
	case count := <-sub.countResult:
		return *count.Count, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Terminate removes the relay for good: cancels everything and refuses any
// further operation.
func (r *Relay) Terminate() error {
	return r.shutdown(StatusTerminated, errors.New("Terminate() called"))
}

// Close closes the relay connection without reconnecting.
func (r *Relay) Close() error {
	return r.shutdown(StatusTerminated, errors.New("Close() called"))
}

func (r *Relay) shutdown(status Status, reason error) error {
	r.closeMutex.Lock()
	defer r.closeMutex.Unlock()

	if r.Status() == StatusTerminated {
		return fmt.Errorf("relay already closed")
	}

	r.setStatus(status)
	r.lifetimeCancel(reason)

	if conn := r.conn.Load(); conn != nil {
		conn.doClose(reason.Error())
	}

	return nil
}
