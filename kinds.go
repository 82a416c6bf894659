package relaypool

// Kind is the numeric type of an event.
type Kind uint16

const (
	KindProfileMetadata      Kind = 0
	KindTextNote             Kind = 1
	KindFollowList           Kind = 3
	KindDeletion             Kind = 5
	KindReaction             Kind = 7
	KindRelayListMetadata    Kind = 10002
	KindClientAuthentication Kind = 22242
	KindMuteList             Kind = 10000
	KindArticle              Kind = 30023
)

// IsRegular checks if the given kind is a regular kind: kept by relays forever.
func (kind Kind) IsRegular() bool {
	return kind < 1000 && kind != 0 && kind != 3 || kind >= 4000 && kind < 10000
}

// IsReplaceable checks if the given kind is replaceable: for each author only
// the latest event of that kind is kept.
func (kind Kind) IsReplaceable() bool {
	return kind == 0 || kind == 3 || (10000 <= kind && kind < 20000)
}

// IsEphemeral checks if the given kind is ephemeral: not stored by relays.
func (kind Kind) IsEphemeral() bool {
	return 20000 <= kind && kind < 30000
}

// IsAddressable checks if the given kind is addressable: for each author only
// the latest event of that kind with a given "d" tag is kept.
func (kind Kind) IsAddressable() bool {
	return 30000 <= kind && kind < 40000
}
