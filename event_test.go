package relaypool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventParsingAndVerification(t *testing.T) {
	raw := `{"id":"dc90c95f09947507c1044e8f48bcf6350aa6bff1507dd4acfc755b9239b5c962","pubkey":"3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d","created_at":1644271588,"kind":1,"tags":[],"content":"now that https://blitz-wallet.com is open for everyone to use, is there any other option to send/receive lightning natively on iOS?","sig":"230e9d8f0ddaf7eb70b5f7741ccfa37e87a455c9a469282e3464e2052d3192cd63a167e196e381ef9d7e69e9ea43af2443b839974dc85d8aaab9efe1d9296524"}`

	var evt Event
	err := evt.UnmarshalJSON([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, "dc90c95f09947507c1044e8f48bcf6350aa6bff1507dd4acfc755b9239b5c962", evt.ID.String())
	assert.Equal(t, KindTextNote, evt.Kind)
	assert.Equal(t, Timestamp(1644271588), evt.CreatedAt)

	assert.True(t, evt.CheckID(), "id must match serialization hash")
	assert.True(t, evt.VerifySignature(), "signature must verify")

	// any mutation invalidates both
	evt.Content += "!"
	assert.False(t, evt.CheckID())
	assert.False(t, evt.VerifySignature())
}

func TestEventSignAndRoundTrip(t *testing.T) {
	priv, pub := makeKeyPair(t)

	evt := Event{
		PubKey:    pub,
		Kind:      KindTextNote,
		CreatedAt: Timestamp(1672068534),
		Tags:      Tags{{"e", "dc90c95f09947507c1044e8f48bcf6350aa6bff1507dd4acfc755b9239b5c962"}, {"t", "test"}},
		Content:   `quotes " and \ backslashes`,
	}
	require.NoError(t, evt.Sign(priv))

	assert.True(t, evt.CheckID())
	assert.True(t, evt.VerifySignature())

	b, err := evt.MarshalJSON()
	require.NoError(t, err)

	var back Event
	require.NoError(t, back.UnmarshalJSON(b))
	assert.Equal(t, evt.ID, back.ID)
	assert.Equal(t, evt.Content, back.Content)
	assert.Equal(t, evt.Tags, back.Tags)
	assert.True(t, back.VerifySignature())
}

func TestTagHelpers(t *testing.T) {
	tags := Tags{
		{"d", "root"},
		{"e", "dc90c95f09947507c1044e8f48bcf6350aa6bff1507dd4acfc755b9239b5c962", "wss://other.example.com"},
		{"t", "music"},
		{"t", "bitcoin"},
	}

	assert.Equal(t, "root", tags.GetD())
	assert.True(t, tags.ContainsAny("t", []string{"bitcoin"}))
	assert.False(t, tags.ContainsAny("t", []string{"sports"}))

	found := make([]string, 0, 2)
	for tag := range tags.FindAll("t") {
		found = append(found, tag[1])
	}
	assert.Equal(t, []string{"music", "bitcoin"}, found)
}

func TestIDAndPubKeyHex(t *testing.T) {
	id, err := IDFromHex("dcd59699f8ae064d7cd8a9bb5c9e4b55c0e965fa1b0b1a99a72e7748338a1fdf")
	require.NoError(t, err)
	assert.Equal(t, "dcd59699f8ae064d7cd8a9bb5c9e4b55c0e965fa1b0b1a99a72e7748338a1fdf", id.String())

	_, err = IDFromHex("nothex")
	require.Error(t, err)

	pk, err := PubKeyFromHex("79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798")
	require.NoError(t, err)
	assert.True(t, IsValidPublicKey(pk))
}

func TestNormalizeURL(t *testing.T) {
	for input, expected := range map[string]string{
		"wss://relay.example.com":   "wss://relay.example.com",
		"wss://relay.example.com/":  "wss://relay.example.com",
		"relay.example.com":         "wss://relay.example.com",
		"WSS://RELAY.EXAMPLE.COM":   "wss://relay.example.com",
		"https://relay.example.com": "wss://relay.example.com",
		"http://localhost:7447":     "ws://localhost:7447",
	} {
		assert.Equal(t, expected, NormalizeURL(input), "input: %s", input)
	}
}
