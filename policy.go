package relaypool

// AdmissionPolicy decides, per incoming event per relay per subscription,
// whether the event may enter shared state and reach callers. It is invoked
// synchronously in the event-delivery path, so implementations should be
// fast and must be idempotent with respect to repeated calls on the same
// event.
//
// Rejection suppresses delivery; it never closes the subscription or the
// relay connection, and the event is still recorded as seen on that relay.
type AdmissionPolicy interface {
	Admit(relay string, subscriptionID string, evt Event) bool
}

// AdmitFunc adapts a plain function to an AdmissionPolicy.
type AdmitFunc func(relay string, subscriptionID string, evt Event) bool

func (f AdmitFunc) Admit(relay string, subscriptionID string, evt Event) bool {
	return f(relay, subscriptionID, evt)
}

// AllowAuthors only admits events whose author is in the given set.
func AllowAuthors(authors ...PubKey) AdmissionPolicy {
	set := make(map[PubKey]struct{}, len(authors))
	for _, pk := range authors {
		set[pk] = struct{}{}
	}
	return AdmitFunc(func(_ string, _ string, evt Event) bool {
		_, ok := set[evt.PubKey]
		return ok
	})
}

// DenyAuthors rejects events whose author is in the given set.
func DenyAuthors(authors ...PubKey) AdmissionPolicy {
	set := make(map[PubKey]struct{}, len(authors))
	for _, pk := range authors {
		set[pk] = struct{}{}
	}
	return AdmitFunc(func(_ string, _ string, evt Event) bool {
		_, ok := set[evt.PubKey]
		return !ok
	})
}

// DenyIDs rejects events with the given ids.
func DenyIDs(ids ...ID) AdmissionPolicy {
	set := make(map[ID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return AdmitFunc(func(_ string, _ string, evt Event) bool {
		_, ok := set[evt.ID]
		return !ok
	})
}

// ChainPolicies admits an event only if every given policy admits it.
// Policies are evaluated in order and evaluation stops at the first
// rejection.
func ChainPolicies(policies ...AdmissionPolicy) AdmissionPolicy {
	return AdmitFunc(func(relay string, subID string, evt Event) bool {
		for _, p := range policies {
			if !p.Admit(relay, subID, evt) {
				return false
			}
		}
		return true
	})
}
