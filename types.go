package relaypool

import (
	"encoding/hex"
	"fmt"
	"time"
	"unsafe"
)

// ID is the 32-byte content-addressed identifier of an event.
type ID [32]byte

func (id ID) String() string { return hex.EncodeToString(id[:]) }

func (id ID) MarshalJSON() ([]byte, error) {
	dst := make([]byte, 66)
	dst[0] = '"'
	hex.Encode(dst[1:65], id[:])
	dst[65] = '"'
	return dst, nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) != 66 || data[0] != '"' || data[65] != '"' {
		return fmt.Errorf("event id should be a 64-char hex string, got '%s'", data)
	}
	_, err := hex.Decode(id[:], data[1:65])
	return err
}

func IDFromHex(idh string) (ID, error) {
	id := ID{}
	if len(idh) != 64 {
		return id, fmt.Errorf("event id should be 64-char hex, got '%s'", idh)
	}
	if _, err := hex.Decode(id[:], unsafe.Slice(unsafe.StringData(idh), 64)); err != nil {
		return id, fmt.Errorf("'%s' is not valid hex: %w", idh, err)
	}
	return id, nil
}

func MustIDFromHex(idh string) ID {
	id := ID{}
	hex.Decode(id[:], unsafe.Slice(unsafe.StringData(idh), 64))
	return id
}

// PubKey is the 32-byte x-only public key of an event author.
type PubKey [32]byte

func (pk PubKey) String() string { return hex.EncodeToString(pk[:]) }

func (pk PubKey) MarshalJSON() ([]byte, error) {
	dst := make([]byte, 66)
	dst[0] = '"'
	hex.Encode(dst[1:65], pk[:])
	dst[65] = '"'
	return dst, nil
}

func (pk *PubKey) UnmarshalJSON(data []byte) error {
	if len(data) != 66 || data[0] != '"' || data[65] != '"' {
		return fmt.Errorf("pubkey should be a 64-char hex string, got '%s'", data)
	}
	_, err := hex.Decode(pk[:], data[1:65])
	return err
}

func PubKeyFromHex(pkh string) (PubKey, error) {
	pk := PubKey{}
	if len(pkh) != 64 {
		return pk, fmt.Errorf("pubkey should be 64-char hex, got '%s'", pkh)
	}
	if _, err := hex.Decode(pk[:], unsafe.Slice(unsafe.StringData(pkh), 64)); err != nil {
		return pk, fmt.Errorf("'%s' is not valid hex: %w", pkh, err)
	}
	return pk, nil
}

func MustPubKeyFromHex(pkh string) PubKey {
	pk := PubKey{}
	hex.Decode(pk[:], unsafe.Slice(unsafe.StringData(pkh), 64))
	return pk
}

// Timestamp is a unix timestamp in seconds.
type Timestamp int64

// Now returns the current time as a Timestamp.
func Now() Timestamp { return Timestamp(time.Now().Unix()) }

func (t Timestamp) Time() time.Time { return time.Unix(int64(t), 0) }

func HexEncodeToString(b []byte) string { return hex.EncodeToString(b) }

func HexDecodeString(s string) ([]byte, error) { return hex.DecodeString(s) }
