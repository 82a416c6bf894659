package relaypool

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	ErrUnknownLabel        = errors.New("unknown envelope label")
	ErrInvalidJSONEnvelope = errors.New("invalid json envelope")
)

// Envelope is the interface for all relay protocol messages.
type Envelope interface {
	Label() string
	FromJSON(string) error
	MarshalJSON() ([]byte, error)
}

var (
	_ Envelope = (*EventEnvelope)(nil)
	_ Envelope = (*ReqEnvelope)(nil)
	_ Envelope = (*CountEnvelope)(nil)
	_ Envelope = (*NoticeEnvelope)(nil)
	_ Envelope = (*EOSEEnvelope)(nil)
	_ Envelope = (*CloseEnvelope)(nil)
	_ Envelope = (*ClosedEnvelope)(nil)
	_ Envelope = (*OKEnvelope)(nil)
	_ Envelope = (*AuthEnvelope)(nil)
	_ Envelope = (*NegOpenEnvelope)(nil)
	_ Envelope = (*NegMsgEnvelope)(nil)
	_ Envelope = (*NegCloseEnvelope)(nil)
	_ Envelope = (*NegErrEnvelope)(nil)
)

// ParseMessage parses a relay frame into one of the Envelope variants.
func ParseMessage(message string) (Envelope, error) {
	firstQuote := strings.IndexByte(message, '"')
	if firstQuote == -1 {
		return nil, ErrInvalidJSONEnvelope
	}
	secondQuote := strings.IndexByte(message[firstQuote+1:], '"')
	if secondQuote == -1 {
		return nil, ErrInvalidJSONEnvelope
	}
	label := message[firstQuote+1 : firstQuote+1+secondQuote]

	var v Envelope
	switch label {
	case "EVENT":
		v = &EventEnvelope{}
	case "REQ":
		v = &ReqEnvelope{}
	case "COUNT":
		v = &CountEnvelope{}
	case "NOTICE":
		x := NoticeEnvelope("")
		v = &x
	case "EOSE":
		x := EOSEEnvelope("")
		v = &x
	case "OK":
		v = &OKEnvelope{}
	case "AUTH":
		v = &AuthEnvelope{}
	case "CLOSED":
		v = &ClosedEnvelope{}
	case "CLOSE":
		x := CloseEnvelope("")
		v = &x
	case "NEG-OPEN":
		v = &NegOpenEnvelope{}
	case "NEG-MSG":
		v = &NegMsgEnvelope{}
	case "NEG-CLOSE":
		v = &NegCloseEnvelope{}
	case "NEG-ERR":
		v = &NegErrEnvelope{}
	default:
		return nil, ErrUnknownLabel
	}

	if err := v.FromJSON(message); err != nil {
		return nil, err
	}

	return v, nil
}

// EventEnvelope represents an EVENT message: either an event being published
// (no subscription id) or an event being delivered for a subscription.
type EventEnvelope struct {
	SubscriptionID *string
	Event
}

func (_ EventEnvelope) Label() string { return "EVENT" }

func (v *EventEnvelope) FromJSON(data string) error {
	r := gjson.Parse(data)
	arr := r.Array()
	switch len(arr) {
	case 2:
		return json.Unmarshal([]byte(arr[1].Raw), &v.Event)
	case 3:
		subid := arr[1].String()
		v.SubscriptionID = &subid
		return json.Unmarshal([]byte(arr[2].Raw), &v.Event)
	default:
		return fmt.Errorf("failed to decode EVENT envelope")
	}
}

func (v EventEnvelope) MarshalJSON() ([]byte, error) {
	if v.SubscriptionID != nil {
		return json.Marshal([]any{"EVENT", *v.SubscriptionID, v.Event})
	}
	return json.Marshal([]any{"EVENT", v.Event})
}

// ReqEnvelope represents a REQ message, opening a subscription.
type ReqEnvelope struct {
	SubscriptionID string
	Filter         Filter
}

func (_ ReqEnvelope) Label() string { return "REQ" }

func (v *ReqEnvelope) FromJSON(data string) error {
	r := gjson.Parse(data)
	arr := r.Array()
	if len(arr) < 3 {
		return fmt.Errorf("failed to decode REQ envelope: missing filter")
	}
	v.SubscriptionID = arr[1].String()
	if err := v.Filter.UnmarshalJSON([]byte(arr[2].Raw)); err != nil {
		return fmt.Errorf("on filter: %w", err)
	}
	return nil
}

func (v ReqEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{"REQ", v.SubscriptionID, v.Filter})
}

// CountEnvelope represents a COUNT message, either the query or the response.
type CountEnvelope struct {
	SubscriptionID string
	Filter         Filter
	Count          *uint32
}

func (_ CountEnvelope) Label() string { return "COUNT" }

func (v *CountEnvelope) FromJSON(data string) error {
	r := gjson.Parse(data)
	arr := r.Array()
	if len(arr) < 3 {
		return fmt.Errorf("failed to decode COUNT envelope: missing filter")
	}
	v.SubscriptionID = arr[1].String()

	if c := arr[2].Get("count"); c.Exists() {
		count := uint32(c.Uint())
		v.Count = &count
		return nil
	}

	if err := v.Filter.UnmarshalJSON([]byte(arr[2].Raw)); err != nil {
		return fmt.Errorf("on filter: %w", err)
	}
	return nil
}

func (v CountEnvelope) MarshalJSON() ([]byte, error) {
	if v.Count != nil {
		return json.Marshal([]any{"COUNT", v.SubscriptionID, struct {
			Count uint32 `json:"count"`
		}{*v.Count}})
	}
	return json.Marshal([]any{"COUNT", v.SubscriptionID, v.Filter})
}

// NoticeEnvelope represents a NOTICE message: free-form text from the relay.
type NoticeEnvelope string

func (_ NoticeEnvelope) Label() string { return "NOTICE" }

func (v *NoticeEnvelope) FromJSON(data string) error {
	r := gjson.Parse(data)
	arr := r.Array()
	if len(arr) < 2 {
		return fmt.Errorf("failed to decode NOTICE envelope")
	}
	*v = NoticeEnvelope(arr[1].String())
	return nil
}

func (v NoticeEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{"NOTICE", string(v)})
}

// EOSEEnvelope represents an EOSE (end of stored events) message.
type EOSEEnvelope string

func (_ EOSEEnvelope) Label() string { return "EOSE" }

func (v *EOSEEnvelope) FromJSON(data string) error {
	r := gjson.Parse(data)
	arr := r.Array()
	if len(arr) < 2 {
		return fmt.Errorf("failed to decode EOSE envelope")
	}
	*v = EOSEEnvelope(arr[1].String())
	return nil
}

func (v EOSEEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{"EOSE", string(v)})
}

// CloseEnvelope represents a CLOSE message, ending a subscription.
type CloseEnvelope string

func (_ CloseEnvelope) Label() string { return "CLOSE" }

func (v *CloseEnvelope) FromJSON(data string) error {
	r := gjson.Parse(data)
	arr := r.Array()
	if len(arr) < 2 {
		return fmt.Errorf("failed to decode CLOSE envelope")
	}
	*v = CloseEnvelope(arr[1].String())
	return nil
}

func (v CloseEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{"CLOSE", string(v)})
}

// ClosedEnvelope represents a CLOSED message: the relay ended a subscription
// and gives a machine-readable reason.
type ClosedEnvelope struct {
	SubscriptionID string
	Reason         string
}

func (_ ClosedEnvelope) Label() string { return "CLOSED" }

func (v *ClosedEnvelope) FromJSON(data string) error {
	r := gjson.Parse(data)
	arr := r.Array()
	if len(arr) < 3 {
		return fmt.Errorf("failed to decode CLOSED envelope")
	}
	*v = ClosedEnvelope{arr[1].String(), arr[2].String()}
	return nil
}

func (v ClosedEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{"CLOSED", v.SubscriptionID, v.Reason})
}

// OKEnvelope represents an OK message: the relay's acknowledgment of a
// published event.
type OKEnvelope struct {
	EventID ID
	OK      bool
	Reason  string
}

func (_ OKEnvelope) Label() string { return "OK" }

func (v *OKEnvelope) FromJSON(data string) error {
	r := gjson.Parse(data)
	arr := r.Array()
	if len(arr) < 4 {
		return fmt.Errorf("failed to decode OK envelope: missing fields")
	}
	id, err := IDFromHex(arr[1].String())
	if err != nil {
		return err
	}
	v.EventID = id
	v.OK = arr[2].Bool()
	v.Reason = arr[3].String()
	return nil
}

func (v OKEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{"OK", v.EventID.String(), v.OK, v.Reason})
}

// AuthEnvelope represents an AUTH message: either a challenge from the relay
// or the signed response event from the client.
type AuthEnvelope struct {
	Challenge *string
	Event     Event
}

func (_ AuthEnvelope) Label() string { return "AUTH" }

func (v *AuthEnvelope) FromJSON(data string) error {
	r := gjson.Parse(data)
	arr := r.Array()
	if len(arr) < 2 {
		return fmt.Errorf("failed to decode AUTH envelope: missing fields")
	}
	if arr[1].IsObject() {
		return json.Unmarshal([]byte(arr[1].Raw), &v.Event)
	}
	challenge := arr[1].String()
	v.Challenge = &challenge
	return nil
}

func (v AuthEnvelope) MarshalJSON() ([]byte, error) {
	if v.Challenge != nil {
		return json.Marshal([]any{"AUTH", *v.Challenge})
	}
	return json.Marshal([]any{"AUTH", v.Event})
}

// NegOpenEnvelope opens a set-reconciliation exchange for a filter.
type NegOpenEnvelope struct {
	SubscriptionID string
	Filter         Filter
	Message        string
}

func (_ NegOpenEnvelope) Label() string { return "NEG-OPEN" }

func (v *NegOpenEnvelope) FromJSON(data string) error {
	r := gjson.Parse(data)
	arr := r.Array()
	if len(arr) < 4 {
		return fmt.Errorf("failed to decode NEG-OPEN envelope: missing fields")
	}
	v.SubscriptionID = arr[1].String()
	if err := v.Filter.UnmarshalJSON([]byte(arr[2].Raw)); err != nil {
		return fmt.Errorf("on filter: %w", err)
	}
	v.Message = arr[3].String()
	return nil
}

func (v NegOpenEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{"NEG-OPEN", v.SubscriptionID, v.Filter, v.Message})
}

// NegMsgEnvelope carries one round of the set-reconciliation exchange.
type NegMsgEnvelope struct {
	SubscriptionID string
	Message        string
}

func (_ NegMsgEnvelope) Label() string { return "NEG-MSG" }

func (v *NegMsgEnvelope) FromJSON(data string) error {
	r := gjson.Parse(data)
	arr := r.Array()
	if len(arr) < 3 {
		return fmt.Errorf("failed to decode NEG-MSG envelope: missing fields")
	}
	v.SubscriptionID = arr[1].String()
	v.Message = arr[2].String()
	return nil
}

func (v NegMsgEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{"NEG-MSG", v.SubscriptionID, v.Message})
}

// NegCloseEnvelope ends a set-reconciliation exchange.
type NegCloseEnvelope struct {
	SubscriptionID string
}

func (_ NegCloseEnvelope) Label() string { return "NEG-CLOSE" }

func (v *NegCloseEnvelope) FromJSON(data string) error {
	r := gjson.Parse(data)
	arr := r.Array()
	if len(arr) < 2 {
		return fmt.Errorf("failed to decode NEG-CLOSE envelope: missing fields")
	}
	v.SubscriptionID = arr[1].String()
	return nil
}

func (v NegCloseEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{"NEG-CLOSE", v.SubscriptionID})
}

// NegErrEnvelope reports a fatal error in a set-reconciliation exchange.
type NegErrEnvelope struct {
	SubscriptionID string
	Reason         string
}

func (_ NegErrEnvelope) Label() string { return "NEG-ERR" }

func (v *NegErrEnvelope) FromJSON(data string) error {
	r := gjson.Parse(data)
	arr := r.Array()
	if len(arr) < 3 {
		return fmt.Errorf("failed to decode NEG-ERR envelope: missing fields")
	}
	v.SubscriptionID = arr[1].String()
	v.Reason = arr[2].String()
	return nil
}

func (v NegErrEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{"NEG-ERR", v.SubscriptionID, v.Reason})
}
