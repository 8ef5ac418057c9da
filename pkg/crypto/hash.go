// Package crypto provides the cryptographic primitives used by the secure command
// layer: keyed hashing, key derivation, the page cipher, address encryption,
// authentication signatures, the pseudo-random generator and CRC helpers.
//
// The host (pkg/secure) and the device simulator (pkg/sim) both build on these
// functions, so the derivation rules here are the single definition of the
// session protocol's key schedule.
package crypto

import "github.com/backkem/qlib/pkg/protocol"

// SHA256LenBytes is the size of a SHA-256 digest.
const SHA256LenBytes = 32

// Key is a 128-bit key: long-term keys, session keys, salted keys and cipher keys.
type Key [protocol.KeySize]byte

// Signature is a truncated 64-bit authentication signature.
type Signature [protocol.SignatureSize]byte

// ZeroKey is the all-zero key used to force a session close.
var ZeroKey Key

// WipedKey is the value a wiped key slot holds.
var WipedKey = Key{
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
}

// Wipe overwrites the key with 0xFF.
func (k *Key) Wipe() {
	*k = WipedKey
}

// IsWiped reports whether the key holds the wiped pattern.
func (k Key) IsWiped() bool {
	return k == WipedKey
}
