package relaypool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	for _, tc := range []struct {
		name  string
		raw   string
		check func(t *testing.T, env Envelope)
	}{
		{
			"event",
			`["EVENT","_",{"id":"dcd59699f8ae064d7cd8a9bb5c9e4b55c0e965fa1b0b1a99a72e7748338a1fdf","pubkey":"79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798","created_at":1688556088,"kind":1,"tags":[],"content":"hello","sig":"00000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000"}]`,
			func(t *testing.T, env Envelope) {
				ee := env.(*EventEnvelope)
				require.NotNil(t, ee.SubscriptionID)
				assert.Equal(t, "_", *ee.SubscriptionID)
				assert.Equal(t, "hello", ee.Event.Content)
				assert.Equal(t, KindTextNote, ee.Event.Kind)
			},
		},
		{
			"notice",
			`["NOTICE","test"]`,
			func(t *testing.T, env Envelope) {
				assert.Equal(t, "test", string(*env.(*NoticeEnvelope)))
			},
		},
		{
			"eose",
			`["EOSE","1:sub"]`,
			func(t *testing.T, env Envelope) {
				assert.Equal(t, "1:sub", string(*env.(*EOSEEnvelope)))
			},
		},
		{
			"ok",
			`["OK","dcd59699f8ae064d7cd8a9bb5c9e4b55c0e965fa1b0b1a99a72e7748338a1fdf",true,"pow: difficulty 25>=24"]`,
			func(t *testing.T, env Envelope) {
				ok := env.(*OKEnvelope)
				assert.True(t, ok.OK)
				assert.Equal(t, "pow: difficulty 25>=24", ok.Reason)
				assert.Equal(t, "dcd59699f8ae064d7cd8a9bb5c9e4b55c0e965fa1b0b1a99a72e7748338a1fdf", ok.EventID.String())
			},
		},
		{
			"closed",
			`["CLOSED","1:sub","auth-required: this query requires you to be authenticated"]`,
			func(t *testing.T, env Envelope) {
				closed := env.(*ClosedEnvelope)
				assert.Equal(t, "1:sub", closed.SubscriptionID)
				assert.Contains(t, closed.Reason, "auth-required:")
			},
		},
		{
			"auth challenge",
			`["AUTH","challengestringhere"]`,
			func(t *testing.T, env Envelope) {
				auth := env.(*AuthEnvelope)
				require.NotNil(t, auth.Challenge)
				assert.Equal(t, "challengestringhere", *auth.Challenge)
			},
		},
		{
			"count response",
			`["COUNT","sub1",{"count":42}]`,
			func(t *testing.T, env Envelope) {
				count := env.(*CountEnvelope)
				require.NotNil(t, count.Count)
				assert.EqualValues(t, 42, *count.Count)
			},
		},
		{
			"neg-open",
			`["NEG-OPEN","neg1",{"kinds":[1]},"6121"]`,
			func(t *testing.T, env Envelope) {
				open := env.(*NegOpenEnvelope)
				assert.Equal(t, "neg1", open.SubscriptionID)
				assert.Equal(t, []Kind{KindTextNote}, open.Filter.Kinds)
				assert.Equal(t, "6121", open.Message)
			},
		},
		{
			"neg-msg",
			`["NEG-MSG","neg1","6121"]`,
			func(t *testing.T, env Envelope) {
				msg := env.(*NegMsgEnvelope)
				assert.Equal(t, "neg1", msg.SubscriptionID)
				assert.Equal(t, "6121", msg.Message)
			},
		},
		{
			"neg-err",
			`["NEG-ERR","neg1","blocked: negentropy disabled"]`,
			func(t *testing.T, env Envelope) {
				neg := env.(*NegErrEnvelope)
				assert.Equal(t, "blocked: negentropy disabled", neg.Reason)
			},
		},
		{
			"neg-close",
			`["NEG-CLOSE","neg1"]`,
			func(t *testing.T, env Envelope) {
				assert.Equal(t, "neg1", env.(*NegCloseEnvelope).SubscriptionID)
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env, err := ParseMessage(tc.raw)
			require.NoError(t, err)
			tc.check(t, env)

			// marshaling back gives something parseable into the same thing
			again, err := env.MarshalJSON()
			require.NoError(t, err)
			reparsed, err := ParseMessage(string(again))
			require.NoError(t, err)
			require.Equal(t, env.Label(), reparsed.Label())
		})
	}
}

func TestParseMessageErrors(t *testing.T) {
	_, err := ParseMessage(`["UNKNOWN-ANIMAL","x"]`)
	require.ErrorIs(t, err, ErrUnknownLabel)

	_, err = ParseMessage(`not even json`)
	require.ErrorIs(t, err, ErrInvalidJSONEnvelope)

	_, err = ParseMessage(`["OK"]`)
	require.Error(t, err)
}
