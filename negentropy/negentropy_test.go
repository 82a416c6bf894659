package negentropy

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeItem(seed byte, timestamp int64) Item {
	var id [32]byte
	for i := range id {
		id[i] = seed ^ byte(i*7)
	}
	return Item{Timestamp: timestamp, ID: id}
}

func vectorOf(items ...Item) *Vector {
	v := NewVector()
	for _, item := range items {
		v.Insert(item.Timestamp, item.ID)
	}
	v.Seal()
	return v
}

// runSession drives a client and a server until the client is done and
// returns what each side collected.
func runSession(t *testing.T, client, server *Negentropy) (haves, havenots [][32]byte) {
	t.Helper()

	donel := make(chan struct{})
	go func() {
		defer close(donel)
		for id := range client.Haves {
			haves = append(haves, id)
		}
	}()
	doneh := make(chan struct{})
	go func() {
		defer close(doneh)
		for id := range client.HaveNots {
			havenots = append(havenots, id)
		}
	}()

	msg := client.Start()
	for i := 0; i < 100; i++ {
		var err error
		msg, err = server.Reconcile(msg)
		require.NoError(t, err)

		msg, err = client.Reconcile(msg)
		require.NoError(t, err)
		if msg == "" {
			<-donel
			<-doneh
			return haves, havenots
		}
	}

	t.Fatal("session did not converge in 100 rounds")
	return nil, nil
}

func TestReconcileEqualSets(t *testing.T) {
	items := make([]Item, 100)
	for i := range items {
		items[i] = makeItem(byte(i), int64(1700000000+i))
	}

	client := New(vectorOf(items...), 0, true, true)
	server := New(vectorOf(items...), 0, false, false)

	haves, havenots := runSession(t, client, server)
	assert.Empty(t, haves)
	assert.Empty(t, havenots)
}

func TestReconcileDisjointSets(t *testing.T) {
	ours := make([]Item, 40)
	theirs := make([]Item, 40)
	for i := range ours {
		ours[i] = makeItem(byte(i), int64(1700000000+i))
		theirs[i] = makeItem(byte(100+i), int64(1700005000+i))
	}

	client := New(vectorOf(ours...), 0, true, true)
	server := New(vectorOf(theirs...), 0, false, false)

	haves, havenots := runSession(t, client, server)
	assert.Len(t, haves, 40)
	assert.Len(t, havenots, 40)
}

func TestReconcileSubset(t *testing.T) {
	all := make([]Item, 200)
	for i := range all {
		all[i] = makeItem(byte(i), int64(1700000000+i*10))
	}

	// client is missing 3 items the server has
	missing := map[[32]byte]struct{}{
		all[17].ID:  {},
		all[99].ID:  {},
		all[180].ID: {},
	}
	clientItems := make([]Item, 0, len(all)-3)
	for _, item := range all {
		if _, skipped := missing[item.ID]; !skipped {
			clientItems = append(clientItems, item)
		}
	}

	client := New(vectorOf(clientItems...), 0, true, true)
	server := New(vectorOf(all...), 0, false, false)

	haves, havenots := runSession(t, client, server)
	assert.Empty(t, haves)
	require.Len(t, havenots, 3)
	for _, id := range havenots {
		_, ok := missing[id]
		assert.True(t, ok)
	}
}

func TestVectorFingerprint(t *testing.T) {
	a := makeItem(1, 100)
	b := makeItem(2, 200)
	c := makeItem(3, 300)

	v1 := vectorOf(a, b, c)
	v2 := vectorOf(c, a, b) // insertion order must not matter

	require.Equal(t, v1.Fingerprint(0, 3), v2.Fingerprint(0, 3))
	require.NotEqual(t, v1.Fingerprint(0, 2), v1.Fingerprint(0, 3))

	empty := NewVector()
	empty.Seal()
	require.Equal(t, empty.Fingerprint(0, 0), v1.Fingerprint(0, 0))
}

func TestReconcileTruncatedMessage(t *testing.T) {
	for _, tc := range []struct {
		name string
		msg  string
	}{
		// version, infinite bound, FingerprintMode, then only 3 of the 16
		// fingerprint bytes
		{"cut fingerprint", "61000001aabbcc"},
		// version, infinite bound, IdListMode, one id announced but only 5
		// of its 32 bytes present
		{"cut id list", "6100000201aabbccddee"},
		// version, infinite timestamp, 4-byte id prefix announced but only
		// 2 bytes present
		{"cut bound prefix", "610004aabb"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			n := New(vectorOf(makeItem(1, 100)), 0, true, true)
			n.Start()

			_, err := n.Reconcile(tc.msg)
			require.Error(t, err)
		})
	}
}

func TestVarIntRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 127, 128, 255, 16384, 12345678} {
		buf := bytes.NewBuffer(nil)
		writeVarInt(buf, n)

		got, err := readVarInt(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		require.Equal(t, n, got)
	}
}

func TestGetMinimalBound(t *testing.T) {
	a := makeItem(1, 100)
	b := makeItem(2, 100) // same timestamp, different id

	bound := getMinimalBound(a, b)
	assert.Equal(t, int64(100), bound.Timestamp)
	assert.NotEmpty(t, bound.IDPrefix)
	assert.True(t, bytes.HasPrefix(b.ID[:], bound.IDPrefix))

	later := makeItem(3, 200)
	bound = getMinimalBound(a, later)
	assert.Equal(t, int64(200), bound.Timestamp)
	assert.Empty(t, bound.IDPrefix)
}
