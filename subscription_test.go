package relaypool

import (
	"context"
	stdjson "encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

func TestSubscribeUntilEOSE(t *testing.T) {
	priv, _ := makeKeyPair(t)
	stored := []Event{
		signedTestNote(t, priv, "one", Now()-30),
		signedTestNote(t, priv, "two", Now()-20),
		signedTestNote(t, priv, "three", Now()-10),
	}

	ws := newWebsocketServer(func(conn *websocket.Conn) {
		var raw []stdjson.RawMessage
		require.NoError(t, websocket.JSON.Receive(conn, &raw))
		subid, filter := parseSubscriptionMessage(t, raw)
		require.Equal(t, []Kind{KindTextNote}, filter.Kinds)

		for _, evt := range stored {
			evtj, _ := evt.MarshalJSON()
			websocket.JSON.Send(conn, []any{"EVENT", subid, stdjson.RawMessage(evtj)})
		}
		websocket.JSON.Send(conn, []any{"EOSE", subid})
		io.ReadAll(conn)
	})
	defer ws.Close()

	rl := mustRelayConnect(t, ws.URL)
	defer rl.Close()

	sub, err := rl.Subscribe(context.Background(), Filter{Kinds: []Kind{KindTextNote}}, SubscriptionOptions{Label: "test"})
	require.NoError(t, err)
	defer sub.Unsub()

	received := make([]string, 0, 3)
	timeout := time.After(5 * time.Second)
loop:
	for {
		select {
		case evt := <-sub.Events:
			received = append(received, evt.Content)
		case <-sub.EndOfStoredEvents:
			break loop
		case <-timeout:
			t.Fatal("no eose")
		}
	}

	require.Equal(t, []string{"one", "two", "three"}, received)
}

func TestSubscriptionDropsNonMatching(t *testing.T) {
	priv, _ := makeKeyPair(t)
	matching := signedTestNote(t, priv, "yes", Now()-10)
	other := Event{
		Kind:      KindReaction,
		Content:   "+",
		CreatedAt: Now() - 5,
		Tags:      Tags{},
		PubKey:    GetPublicKey(priv),
	}
	require.NoError(t, other.Sign(priv))

	ws := newWebsocketServer(func(conn *websocket.Conn) {
		var raw []stdjson.RawMessage
		require.NoError(t, websocket.JSON.Receive(conn, &raw))
		subid, _ := parseSubscriptionMessage(t, raw)

		// the relay misbehaves and sends an event outside the filter
		for _, evt := range []Event{other, matching} {
			evtj, _ := evt.MarshalJSON()
			websocket.JSON.Send(conn, []any{"EVENT", subid, stdjson.RawMessage(evtj)})
		}
		websocket.JSON.Send(conn, []any{"EOSE", subid})
		io.ReadAll(conn)
	})
	defer ws.Close()

	rl := mustRelayConnect(t, ws.URL)
	defer rl.Close()

	sub, err := rl.Subscribe(context.Background(), Filter{Kinds: []Kind{KindTextNote}}, SubscriptionOptions{})
	require.NoError(t, err)
	defer sub.Unsub()

	received := make([]string, 0, 1)
	timeout := time.After(5 * time.Second)
loop:
	for {
		select {
		case evt := <-sub.Events:
			received = append(received, evt.Content)
		case <-sub.EndOfStoredEvents:
			break loop
		case <-timeout:
			t.Fatal("no eose")
		}
	}

	require.Equal(t, []string{"yes"}, received)
}

func TestSubscriptionClosedReason(t *testing.T) {
	ws := newWebsocketServer(func(conn *websocket.Conn) {
		var raw []stdjson.RawMessage
		require.NoError(t, websocket.JSON.Receive(conn, &raw))
		subid, _ := parseSubscriptionMessage(t, raw)

		websocket.JSON.Send(conn, []any{"CLOSED", subid, "rate-limited: too many concurrent REQs"})
		io.ReadAll(conn)
	})
	defer ws.Close()

	rl := mustRelayConnect(t, ws.URL)
	defer rl.Close()

	sub, err := rl.Subscribe(context.Background(), Filter{}, SubscriptionOptions{})
	require.NoError(t, err)

	select {
	case reason := <-sub.ClosedReason:
		require.Equal(t, "rate-limited: too many concurrent REQs", reason)
	case <-time.After(5 * time.Second):
		t.Fatal("no CLOSED")
	}
}

type loopbackConn struct {
	onSend func(msg []byte)
}

func (c *loopbackConn) Send(_ context.Context, msg []byte) error {
	if c.onSend != nil {
		c.onSend(msg)
	}
	return nil
}

func (c *loopbackConn) Receive(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *loopbackConn) Ping(context.Context) error { return nil }
func (c *loopbackConn) Close(string) error         { return nil }

type loopbackTransport struct{ conn *loopbackConn }

func (t loopbackTransport) Dial(context.Context, string) (TransportConn, error) {
	return t.conn, nil
}

func TestSubscriptionLiveBeforeReqSent(t *testing.T) {
	priv, _ := makeKeyPair(t)
	note := signedTestNote(t, priv, "instant", Now()-10)

	// loop the matching EVENT straight back through the relay's message
	// handler while the REQ write is still in flight
	var rl *Relay
	conn := &loopbackConn{}
	conn.onSend = func(msg []byte) {
		var raw []stdjson.RawMessage
		if stdjson.Unmarshal(msg, &raw) != nil || len(raw) < 2 {
			return
		}
		var typ string
		stdjson.Unmarshal(raw[0], &typ)
		if typ != "REQ" {
			return
		}
		var subid string
		stdjson.Unmarshal(raw[1], &subid)

		evtj, _ := note.MarshalJSON()
		frame, _ := stdjson.Marshal([]any{"EVENT", subid, stdjson.RawMessage(evtj)})
		rl.handleMessage(string(frame))
	}

	rl = NewRelay(context.Background(), "wss://loopback.example.com", RelayOptions{
		Transport:   loopbackTransport{conn},
		NoReconnect: true,
	})
	require.NoError(t, rl.Connect(context.Background()))
	defer rl.Close()

	sub, err := rl.Subscribe(context.Background(), Filter{Kinds: []Kind{KindTextNote}}, SubscriptionOptions{})
	require.NoError(t, err)
	defer sub.Unsub()

	select {
	case evt := <-sub.Events:
		require.Equal(t, "instant", evt.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("event delivered during the REQ write was dropped")
	}
}

func TestCount(t *testing.T) {
	ws := newWebsocketServer(func(conn *websocket.Conn) {
		var raw []stdjson.RawMessage
		require.NoError(t, websocket.JSON.Receive(conn, &raw))

		var typ string
		require.NoError(t, json.Unmarshal(raw[0], &typ))
		require.Equal(t, "COUNT", typ)

		var subid string
		require.NoError(t, json.Unmarshal(raw[1], &subid))

		websocket.JSON.Send(conn, []any{"COUNT", subid, map[string]any{"count": 42}})
		io.ReadAll(conn)
	})
	defer ws.Close()

	rl := mustRelayConnect(t, ws.URL)
	defer rl.Close()

	count, err := rl.Count(context.Background(), Filter{Kinds: []Kind{KindFollowList}}, SubscriptionOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 42, count)
}

func TestUnsubSendsClose(t *testing.T) {
	closed := make(chan string, 1)
	ws := newWebsocketServer(func(conn *websocket.Conn) {
		var raw []stdjson.RawMessage
		require.NoError(t, websocket.JSON.Receive(conn, &raw))
		subid, _ := parseSubscriptionMessage(t, raw)
		websocket.JSON.Send(conn, []any{"EOSE", subid})

		// now wait for the CLOSE
		for {
			if err := websocket.JSON.Receive(conn, &raw); err != nil {
				return
			}
			var typ string
			json.Unmarshal(raw[0], &typ)
			if typ == "CLOSE" {
				var id string
				json.Unmarshal(raw[1], &id)
				closed <- id
				return
			}
		}
	})
	defer ws.Close()

	rl := mustRelayConnect(t, ws.URL)
	defer rl.Close()

	sub, err := rl.Subscribe(context.Background(), Filter{}, SubscriptionOptions{Label: "bye"})
	require.NoError(t, err)

	<-sub.EndOfStoredEvents
	sub.Unsub()

	select {
	case id := <-closed:
		require.Equal(t, sub.id, id)
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw a CLOSE")
	}
}
