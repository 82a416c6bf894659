package relaypool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowAuthors(t *testing.T) {
	alice := MustPubKeyFromHex("79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798")
	bob := MustPubKeyFromHex("c6047f9441ed7d6d3045406e95c07cd85c778e4b8cef3ca7abac09b95c709ee5")

	policy := AllowAuthors(alice)

	require.True(t, policy.Admit("wss://a", "1:", Event{PubKey: alice}))
	require.False(t, policy.Admit("wss://a", "1:", Event{PubKey: bob}))
}

func TestDenyAuthors(t *testing.T) {
	alice := MustPubKeyFromHex("79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798")
	bob := MustPubKeyFromHex("c6047f9441ed7d6d3045406e95c07cd85c778e4b8cef3ca7abac09b95c709ee5")

	policy := DenyAuthors(bob)

	require.True(t, policy.Admit("wss://a", "1:", Event{PubKey: alice}))
	require.False(t, policy.Admit("wss://a", "1:", Event{PubKey: bob}))
}

func TestDenyIDs(t *testing.T) {
	bad := MustIDFromHex("dcd59699f8ae064d7cd8a9bb5c9e4b55c0e965fa1b0b1a99a72e7748338a1fdf")

	policy := DenyIDs(bad)

	require.False(t, policy.Admit("wss://a", "1:", Event{ID: bad}))
	require.True(t, policy.Admit("wss://a", "1:", Event{}))
}

func TestChainPolicies(t *testing.T) {
	alice := MustPubKeyFromHex("79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798")
	bad := MustIDFromHex("dcd59699f8ae064d7cd8a9bb5c9e4b55c0e965fa1b0b1a99a72e7748338a1fdf")

	calls := 0
	counting := AdmitFunc(func(string, string, Event) bool {
		calls++
		return true
	})

	policy := ChainPolicies(AllowAuthors(alice), DenyIDs(bad), counting)

	require.True(t, policy.Admit("wss://a", "1:", Event{PubKey: alice}))
	require.Equal(t, 1, calls)

	// rejected by the second policy, the third never runs
	require.False(t, policy.Admit("wss://a", "1:", Event{PubKey: alice, ID: bad}))
	require.Equal(t, 1, calls)
}
