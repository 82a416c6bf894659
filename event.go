package relaypool

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Event is an immutable, content-addressed, signed message.
type Event struct {
	ID        ID
	PubKey    PubKey
	CreatedAt Timestamp
	Kind      Kind
	Tags      Tags
	Content   string
	Sig       [64]byte
}

// GetID computes the canonical event id from the event body.
func (evt Event) GetID() ID {
	return sha256.Sum256(evt.Serialize())
}

// CheckID checks if the implied ID matches the stated ID.
func (evt Event) CheckID() bool {
	return evt.GetID() == evt.ID
}

func (evt Event) String() string {
	j, _ := json.Marshal(evt)
	return string(j)
}

// Serialize outputs a byte array that can be hashed to produce the canonical event "id".
func (evt Event) Serialize() []byte {
	// the serialization process is just putting everything into a JSON array
	// so the order is kept
	dst := make([]byte, 4, 100+len(evt.Content)+len(evt.Tags)*80)

	// the header portion is easy to serialize
	// [0,"pubkey",created_at,kind,[
	copy(dst, `[0,"`)
	dst = hex.AppendEncode(dst, evt.PubKey[:])
	dst = append(dst, `",`...)
	dst = append(dst, strconv.FormatInt(int64(evt.CreatedAt), 10)...)
	dst = append(dst, ',')
	dst = append(dst, strconv.FormatUint(uint64(evt.Kind), 10)...)
	dst = append(dst, ',')

	// tags
	dst = append(dst, '[')
	for i, tag := range evt.Tags {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = append(dst, '[')
		for j, s := range tag {
			if j > 0 {
				dst = append(dst, ',')
			}
			dst = escapeString(dst, s)
		}
		dst = append(dst, ']')
	}
	dst = append(dst, "],"...)

	// content needs to be escaped in general as it is user generated
	dst = escapeString(dst, evt.Content)
	dst = append(dst, ']')

	return dst
}

type eventJSON struct {
	ID        ID        `json:"id"`
	PubKey    PubKey    `json:"pubkey"`
	CreatedAt Timestamp `json:"created_at"`
	Kind      Kind      `json:"kind"`
	Tags      Tags      `json:"tags"`
	Content   string    `json:"content"`
	Sig       string    `json:"sig"`
}

func (evt Event) MarshalJSON() ([]byte, error) {
	tags := evt.Tags
	if tags == nil {
		tags = make(Tags, 0)
	}
	return json.Marshal(eventJSON{
		ID:        evt.ID,
		PubKey:    evt.PubKey,
		CreatedAt: evt.CreatedAt,
		Kind:      evt.Kind,
		Tags:      tags,
		Content:   evt.Content,
		Sig:       hex.EncodeToString(evt.Sig[:]),
	})
}

func (evt *Event) UnmarshalJSON(data []byte) error {
	var ej eventJSON
	if err := json.Unmarshal(data, &ej); err != nil {
		return err
	}
	if len(ej.Sig) != 128 {
		return fmt.Errorf("sig should be 128-char hex, got '%s'", ej.Sig)
	}
	if _, err := hex.Decode(evt.Sig[:], []byte(ej.Sig)); err != nil {
		return fmt.Errorf("invalid sig hex: %w", err)
	}
	evt.ID = ej.ID
	evt.PubKey = ej.PubKey
	evt.CreatedAt = ej.CreatedAt
	evt.Kind = ej.Kind
	evt.Tags = ej.Tags
	evt.Content = ej.Content
	return nil
}
