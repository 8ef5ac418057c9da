package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
)

// HMACSHA256 computes the HMAC-SHA256 of the concatenation of parts.
func HMACSHA256(key []byte, parts ...[]byte) [SHA256LenBytes]byte {
	h := hmac.New(sha256.New, key)
	for _, p := range parts {
		h.Write(p)
	}
	var result [SHA256LenBytes]byte
	copy(result[:], h.Sum(nil))
	return result
}

// SignatureEqual compares two signatures in constant time.
func SignatureEqual(a, b Signature) bool {
	return hmac.Equal(a[:], b[:])
}
