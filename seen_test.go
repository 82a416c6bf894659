package relaypool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeenLedgerBasics(t *testing.T) {
	sl := NewSeenLedger()
	id := MustIDFromHex("dcd59699f8ae064d7cd8a9bb5c9e4b55c0e965fa1b0b1a99a72e7748338a1fdf")

	require.False(t, sl.IsSeen(id))
	_, ok := sl.SeenOn(id)
	require.False(t, ok)

	seenBefore := sl.RecordSeen(id, "wss://a.example.com")
	require.False(t, seenBefore)
	require.True(t, sl.IsSeen(id))

	// same relay again is idempotent
	seenBefore = sl.RecordSeen(id, "wss://a.example.com")
	require.True(t, seenBefore)

	sl.RecordSeen(id, "wss://b.example.com")

	relays, ok := sl.SeenOn(id)
	require.True(t, ok)
	require.ElementsMatch(t, []string{"wss://a.example.com", "wss://b.example.com"}, relays)
	require.Equal(t, 1, sl.Size())
}

func TestSeenLedgerFlags(t *testing.T) {
	sl := NewSeenLedger()
	id := MustIDFromHex("dcd59699f8ae064d7cd8a9bb5c9e4b55c0e965fa1b0b1a99a72e7748338a1fdf")

	sl.RecordSeen(id, "wss://a.example.com")
	require.False(t, sl.IsSaved(id))

	sl.MarkSaved(id)
	require.True(t, sl.IsSaved(id))

	sl.MarkDeletedByID(id)
	sl.MarkDeletedByCoordinate(id)

	status, ok := sl.Status(id)
	require.True(t, ok)
	require.True(t, status.Saved)
	require.True(t, status.DeletedByID)
	require.True(t, status.DeletedByCoordinate)
	require.Equal(t, []string{"wss://a.example.com"}, status.Relays)

	// flags survive further sightings
	sl.RecordSeen(id, "wss://b.example.com")
	require.True(t, sl.IsSaved(id))

	sl.Wipe()
	require.Equal(t, 0, sl.Size())
	require.False(t, sl.IsSeen(id))
}

func TestSeenLedgerConcurrent(t *testing.T) {
	sl := NewSeenLedger()
	id := MustIDFromHex("dcd59699f8ae064d7cd8a9bb5c9e4b55c0e965fa1b0b1a99a72e7748338a1fdf")

	relays := []string{
		"wss://a.example.com",
		"wss://b.example.com",
		"wss://c.example.com",
		"wss://d.example.com",
	}

	wg := sync.WaitGroup{}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sl.RecordSeen(id, relays[i%len(relays)])
		}(i)
	}
	wg.Wait()

	got, ok := sl.SeenOn(id)
	require.True(t, ok)
	require.ElementsMatch(t, relays, got)
}
