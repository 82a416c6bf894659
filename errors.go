package relaypool

import "errors"

var (
	// ErrRelayTerminated is returned by operations on a relay that was
	// explicitly removed from the pool.
	ErrRelayTerminated = errors.New("relay terminated")

	// ErrRelayBanned is returned by operations on a relay that violated
	// protocol limits or was blacklisted by local policy.
	ErrRelayBanned = errors.New("relay banned")

	// ErrReconciliationIncomplete is returned when a sync run exceeds its
	// round or byte budget. The partial state is discarded; it is distinct
	// from a network failure.
	ErrReconciliationIncomplete = errors.New("reconciliation incomplete: budget exceeded")

	// ErrNoRelays is returned by pool operations given an empty relay set.
	ErrNoRelays = errors.New("no relays to target")
)
