package slicestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrwire/relaypool"
	"github.com/nostrwire/relaypool/eventstore"
)

func note(pk relaypool.PubKey, content string, createdAt relaypool.Timestamp) relaypool.Event {
	evt := relaypool.Event{
		PubKey:    pk,
		Kind:      relaypool.KindTextNote,
		Content:   content,
		CreatedAt: createdAt,
		Tags:      relaypool.Tags{},
	}
	evt.ID = evt.GetID()
	return evt
}

func TestSliceStoreBasic(t *testing.T) {
	s := &SliceStore{}
	require.NoError(t, s.Init())
	defer s.Close()

	pk := relaypool.GetPublicKey(relaypool.GeneratePrivateKey())

	first := note(pk, "first", 1000)
	second := note(pk, "second", 2000)
	third := note(pk, "third", 3000)

	for _, evt := range []relaypool.Event{second, first, third} {
		require.NoError(t, s.SaveEvent(evt))
	}

	// duplicates are refused
	require.ErrorIs(t, s.SaveEvent(first), eventstore.ErrDupEvent)

	// newest first
	got := make([]string, 0, 3)
	for evt := range s.QueryEvents(relaypool.Filter{}) {
		got = append(got, evt.Content)
	}
	assert.Equal(t, []string{"third", "second", "first"}, got)

	// time windows are inclusive on both ends
	got = got[:0]
	for evt := range s.QueryEvents(relaypool.Filter{Since: 2000, Until: 3000}) {
		got = append(got, evt.Content)
	}
	assert.Equal(t, []string{"third", "second"}, got)

	// limit caps the results
	got = got[:0]
	for evt := range s.QueryEvents(relaypool.Filter{Limit: 1}) {
		got = append(got, evt.Content)
	}
	assert.Equal(t, []string{"third"}, got)

	count, err := s.CountEvents(relaypool.Filter{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	require.NoError(t, s.DeleteEvent(second.ID))
	count, _ = s.CountEvents(relaypool.Filter{})
	assert.EqualValues(t, 2, count)
}

func TestSliceStoreReplace(t *testing.T) {
	s := &SliceStore{}
	require.NoError(t, s.Init())
	defer s.Close()

	pk := relaypool.GetPublicKey(relaypool.GeneratePrivateKey())

	older := relaypool.Event{
		PubKey:    pk,
		Kind:      relaypool.KindProfileMetadata,
		Content:   `{"name":"before"}`,
		CreatedAt: 1000,
		Tags:      relaypool.Tags{},
	}
	older.ID = older.GetID()

	newer := older
	newer.Content = `{"name":"after"}`
	newer.CreatedAt = 2000
	newer.ID = newer.GetID()

	require.NoError(t, s.ReplaceEvent(older))
	require.NoError(t, s.ReplaceEvent(newer))

	// only the newest survives
	results := make([]relaypool.Event, 0, 1)
	for evt := range s.QueryEvents(relaypool.Filter{Kinds: []relaypool.Kind{relaypool.KindProfileMetadata}}) {
		results = append(results, evt)
	}
	require.Len(t, results, 1)
	assert.Equal(t, `{"name":"after"}`, results[0].Content)

	// replaying the older one changes nothing
	require.NoError(t, s.ReplaceEvent(older))
	count, _ := s.CountEvents(relaypool.Filter{Kinds: []relaypool.Kind{relaypool.KindProfileMetadata}})
	assert.EqualValues(t, 1, count)
}
