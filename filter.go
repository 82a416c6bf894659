package relaypool

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/tidwall/gjson"
)

// Filter is a declarative predicate selecting a subset of events.
//
// An event matches a filter iff every present constraint is satisfied;
// within a constraint's value set any match suffices. An absent constraint
// imposes no restriction.
type Filter struct {
	IDs     []ID
	Kinds   []Kind
	Authors []PubKey
	Tags    TagMap
	Since   Timestamp
	Until   Timestamp
	Limit   int
	Search  string

	// LimitZero is or must be set when there is a "limit":0 in the filter,
	// and not when "limit" is just omitted
	LimitZero bool `json:"-"`
}

type TagMap map[string][]string

func (ef Filter) String() string {
	j, _ := ef.MarshalJSON()
	return string(j)
}

// Matches checks if the event satisfies every constraint present in the filter.
func (ef Filter) Matches(event Event) bool {
	if !ef.MatchesIgnoringTimestampConstraints(event) {
		return false
	}

	if ef.Since != 0 && event.CreatedAt < ef.Since {
		return false
	}

	if ef.Until != 0 && event.CreatedAt > ef.Until {
		return false
	}

	return true
}

func (ef Filter) MatchesIgnoringTimestampConstraints(event Event) bool {
	if ef.IDs != nil && !slices.Contains(ef.IDs, event.ID) {
		return false
	}

	if ef.Kinds != nil && !slices.Contains(ef.Kinds, event.Kind) {
		return false
	}

	if ef.Authors != nil && !slices.Contains(ef.Authors, event.PubKey) {
		return false
	}

	for f, v := range ef.Tags {
		if v != nil && !event.Tags.ContainsAny(f, v) {
			return false
		}
	}

	return true
}

func FilterEqual(a Filter, b Filter) bool {
	if !similar(a.Kinds, b.Kinds) {
		return false
	}

	if !similar(a.IDs, b.IDs) {
		return false
	}

	if !similar(a.Authors, b.Authors) {
		return false
	}

	if len(a.Tags) != len(b.Tags) {
		return false
	}

	for f, av := range a.Tags {
		if bv, ok := b.Tags[f]; !ok {
			return false
		} else if !similar(av, bv) {
			return false
		}
	}

	return a.Since == b.Since &&
		a.Until == b.Until &&
		a.Search == b.Search &&
		a.LimitZero == b.LimitZero
}

func (ef Filter) Clone() Filter {
	clone := Filter{
		IDs:       slices.Clone(ef.IDs),
		Kinds:     slices.Clone(ef.Kinds),
		Authors:   slices.Clone(ef.Authors),
		Limit:     ef.Limit,
		Search:    ef.Search,
		LimitZero: ef.LimitZero,
		Since:     ef.Since,
		Until:     ef.Until,
	}

	if ef.Tags != nil {
		clone.Tags = make(TagMap, len(ef.Tags))
		for k, v := range ef.Tags {
			clone.Tags[k] = slices.Clone(v)
		}
	}

	return clone
}

func (ef Filter) MarshalJSON() ([]byte, error) {
	dst := make([]byte, 0, 100)
	dst = append(dst, '{')

	first := true
	comma := func() {
		if !first {
			dst = append(dst, ',')
		}
		first = false
	}

	if ef.IDs != nil {
		comma()
		dst = append(dst, `"ids":[`...)
		for i, id := range ef.IDs {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = append(dst, '"')
			dst = append(dst, id.String()...)
			dst = append(dst, '"')
		}
		dst = append(dst, ']')
	}

	if ef.Kinds != nil {
		comma()
		dst = append(dst, `"kinds":[`...)
		for i, kind := range ef.Kinds {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = strconv.AppendUint(dst, uint64(kind), 10)
		}
		dst = append(dst, ']')
	}

	if ef.Authors != nil {
		comma()
		dst = append(dst, `"authors":[`...)
		for i, pk := range ef.Authors {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = append(dst, '"')
			dst = append(dst, pk.String()...)
			dst = append(dst, '"')
		}
		dst = append(dst, ']')
	}

	for tag, values := range ef.Tags {
		comma()
		dst = escapeString(dst, "#"+tag)
		dst = append(dst, `:[`...)
		for i, v := range values {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = escapeString(dst, v)
		}
		dst = append(dst, ']')
	}

	if ef.Since != 0 {
		comma()
		dst = append(dst, `"since":`...)
		dst = strconv.AppendInt(dst, int64(ef.Since), 10)
	}

	if ef.Until != 0 {
		comma()
		dst = append(dst, `"until":`...)
		dst = strconv.AppendInt(dst, int64(ef.Until), 10)
	}

	if ef.Limit != 0 || ef.LimitZero {
		comma()
		dst = append(dst, `"limit":`...)
		dst = strconv.AppendInt(dst, int64(ef.Limit), 10)
	}

	if ef.Search != "" {
		comma()
		dst = append(dst, `"search":`...)
		dst = escapeString(dst, ef.Search)
	}

	dst = append(dst, '}')
	return dst, nil
}

func (ef *Filter) UnmarshalJSON(data []byte) error {
	r := gjson.ParseBytes(data)
	if !r.IsObject() {
		return fmt.Errorf("filter must be a json object, got '%s'", data)
	}

	var err error
	r.ForEach(func(key, value gjson.Result) bool {
		switch k := key.String(); k {
		case "ids":
			for _, v := range value.Array() {
				var id ID
				if id, err = IDFromHex(v.String()); err != nil {
					err = fmt.Errorf("invalid id in filter: %w", err)
					return false
				}
				ef.IDs = append(ef.IDs, id)
			}
			if ef.IDs == nil {
				ef.IDs = make([]ID, 0)
			}
		case "kinds":
			for _, v := range value.Array() {
				ef.Kinds = append(ef.Kinds, Kind(v.Uint()))
			}
			if ef.Kinds == nil {
				ef.Kinds = make([]Kind, 0)
			}
		case "authors":
			for _, v := range value.Array() {
				var pk PubKey
				if pk, err = PubKeyFromHex(v.String()); err != nil {
					err = fmt.Errorf("invalid author in filter: %w", err)
					return false
				}
				ef.Authors = append(ef.Authors, pk)
			}
			if ef.Authors == nil {
				ef.Authors = make([]PubKey, 0)
			}
		case "since":
			ef.Since = Timestamp(value.Int())
		case "until":
			ef.Until = Timestamp(value.Int())
		case "limit":
			ef.Limit = int(value.Int())
			if ef.Limit == 0 {
				ef.LimitZero = true
			}
		case "search":
			ef.Search = value.String()
		default:
			if len(k) > 1 && k[0] == '#' {
				if ef.Tags == nil {
					ef.Tags = make(TagMap, 1)
				}
				values := make([]string, 0, len(value.Array()))
				for _, v := range value.Array() {
					values = append(values, v.String())
				}
				ef.Tags[k[1:]] = values
			}
		}
		return true
	})

	return err
}

func similar[E comparable](as, bs []E) bool {
	if len(as) != len(bs) {
		return false
	}

	for _, a := range as {
		if !slices.Contains(bs, a) {
			return false
		}
	}

	return true
}
