package relaypool

import (
	"context"
	stdjson "encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

func newWebsocketServer(handler func(*websocket.Conn)) *httptest.Server {
	return httptest.NewServer(&websocket.Server{
		Handshake: anyOriginHandshake,
		Handler:   handler,
	})
}

// anyOriginHandshake is an alternative to default in golang.org/x/net/websocket
// which checks for origin. our client sends no origin and it makes no difference
// for the tests here anyway.
var anyOriginHandshake = func(conf *websocket.Config, r *http.Request) error {
	return nil
}

func makeKeyPair(t *testing.T) (priv [32]byte, pub PubKey) {
	t.Helper()

	privkey := GeneratePrivateKey()
	pubkey := GetPublicKey(privkey)

	return privkey, pubkey
}

func mustRelayConnect(t *testing.T, url string) *Relay {
	t.Helper()

	rl, err := RelayConnect(context.Background(), url, RelayOptions{})
	require.NoError(t, err)

	return rl
}

func parseEventMessage(t *testing.T, raw []stdjson.RawMessage) Event {
	t.Helper()

	require.Condition(t, func() (success bool) {
		return len(raw) >= 2
	})

	var typ string
	err := json.Unmarshal(raw[0], &typ)
	require.NoError(t, err)
	require.Equal(t, "EVENT", typ)

	var event Event
	err = json.Unmarshal(raw[1], &event)
	require.NoError(t, err)

	return event
}

func parseSubscriptionMessage(t *testing.T, raw []stdjson.RawMessage) (subid string, filter Filter) {
	t.Helper()

	require.GreaterOrEqual(t, len(raw), 3)

	var typ string
	err := json.Unmarshal(raw[0], &typ)
	require.NoError(t, err)
	require.Equal(t, "REQ", typ)

	var id string
	err = json.Unmarshal(raw[1], &id)
	require.NoError(t, err)

	var f Filter
	err = f.UnmarshalJSON(raw[2])
	require.NoError(t, err)

	return id, f
}

// signedTestNote makes a valid signed text note with the given content.
func signedTestNote(t *testing.T, priv [32]byte, content string, createdAt Timestamp) Event {
	t.Helper()

	evt := Event{
		Kind:      KindTextNote,
		Content:   content,
		CreatedAt: createdAt,
		Tags:      Tags{},
		PubKey:    GetPublicKey(priv),
	}
	require.NoError(t, evt.Sign(priv))
	return evt
}
