package relaypool

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"lukechampine.com/frand"
)

// GeneratePrivateKey returns a fresh random secret key.
func GeneratePrivateKey() [32]byte {
	var sk [32]byte
	if _, err := frand.Read(sk[:]); err != nil {
		panic(fmt.Errorf("failed to read random bytes when generating private key"))
	}
	return sk
}

// GetPublicKey computes the x-only public key for a secret key.
func GetPublicKey(sk [32]byte) PubKey {
	_, pk := btcec.PrivKeyFromBytes(sk[:])
	return [32]byte(pk.SerializeCompressed()[1:])
}

// IsValidPublicKey reports whether pk is a point on the curve.
func IsValidPublicKey(pk PubKey) bool {
	_, err := schnorr.ParsePubKey(pk[:])
	return err == nil
}
