package relaypool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterUnmarshal(t *testing.T) {
	raw := `{"ids": ["dcd59699f8ae064d7cd8a9bb5c9e4b55c0e965fa1b0b1a99a72e7748338a1fdf"],"kinds":[1,2,4],"since":12345678,"#fruit":["banana","mango"]}`
	var f Filter
	err := f.UnmarshalJSON([]byte(raw))
	assert.NoError(t, err)
	assert.Equal(t, Timestamp(12345678), f.Since)
	assert.Equal(t, Timestamp(0), f.Until)
	assert.Equal(t, []Kind{1, 2, 4}, f.Kinds)
	assert.Equal(t, []string{"banana", "mango"}, f.Tags["fruit"])
	assert.Len(t, f.IDs, 1)
}

func TestFilterMarshal(t *testing.T) {
	until := Timestamp(12345678)
	filterj, err := json.Marshal(Filter{
		Kinds: []Kind{KindTextNote, KindFollowList, KindDeletion},
		Tags:  TagMap{"fruit": []string{"banana", "mango"}},
		Until: until,
	})
	assert.NoError(t, err)
	expected := `{"kinds":[1,3,5],"#fruit":["banana","mango"],"until":12345678}`
	assert.Equal(t, expected, string(filterj))
}

func TestFilterMatching(t *testing.T) {
	pk := MustPubKeyFromHex("79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798")
	other := MustPubKeyFromHex("c6047f9441ed7d6d3045406e95c07cd85c778e4b8cef3ca7abac09b95c709ee5")

	evt := Event{
		PubKey:    pk,
		Kind:      KindTextNote,
		CreatedAt: 1000,
		Tags:      Tags{{"t", "hashtag"}},
	}

	assert.True(t, Filter{}.Matches(evt))
	assert.True(t, Filter{Kinds: []Kind{KindTextNote}}.Matches(evt))
	assert.True(t, Filter{Authors: []PubKey{pk}}.Matches(evt))
	assert.True(t, Filter{Tags: TagMap{"t": []string{"hashtag", "other"}}}.Matches(evt))
	assert.True(t, Filter{Since: 1000, Until: 1000}.Matches(evt))

	assert.False(t, Filter{Kinds: []Kind{KindReaction}}.Matches(evt))
	assert.False(t, Filter{Authors: []PubKey{other}}.Matches(evt))
	assert.False(t, Filter{Tags: TagMap{"t": []string{"nope"}}}.Matches(evt))
	assert.False(t, Filter{Since: 1001}.Matches(evt))
	assert.False(t, Filter{Until: 999}.Matches(evt))

	// every added constraint can only narrow the match set
	wide := Filter{Kinds: []Kind{KindTextNote}}
	narrow := Filter{Kinds: []Kind{KindTextNote}, Authors: []PubKey{pk}, Since: 500}
	require.True(t, wide.Matches(evt))
	require.True(t, narrow.Matches(evt))
	require.False(t, Filter{Kinds: []Kind{KindTextNote}, Authors: []PubKey{other}}.Matches(evt))
}

func TestFilterEquality(t *testing.T) {
	pk := MustPubKeyFromHex("79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798")

	assert.True(t, FilterEqual(
		Filter{Kinds: []Kind{KindDeletion, KindTextNote}},
		Filter{Kinds: []Kind{KindTextNote, KindDeletion}},
	), "filters should be equal")

	assert.True(t, FilterEqual(
		Filter{Kinds: []Kind{KindTextNote}, Authors: []PubKey{pk}, Tags: TagMap{"t": []string{"b", "a"}}},
		Filter{Kinds: []Kind{KindTextNote}, Authors: []PubKey{pk}, Tags: TagMap{"t": []string{"a", "b"}}},
	), "filters should be equal")

	assert.False(t, FilterEqual(
		Filter{Kinds: []Kind{KindTextNote}},
		Filter{Kinds: []Kind{KindTextNote}, Since: 1},
	), "filters should not be equal")
}

func TestFilterClone(t *testing.T) {
	until := Timestamp(1714790400)
	flt := Filter{
		Kinds: []Kind{0, 1},
		Tags:  TagMap{"letter": {"a", "b"}},
		Until: until,
	}
	clone := flt.Clone()
	assert.True(t, FilterEqual(flt, clone), "clone is not equal to original")

	clone.Tags["letter"] = append(clone.Tags["letter"], "c")
	assert.False(t, FilterEqual(flt, clone), "modifying the clone must not affect the original")
}
