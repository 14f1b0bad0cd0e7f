package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey runs HKDF-SHA256 over secret with the given salt and domain
// label, producing n output bytes.
func DeriveKey(secret, salt []byte, info string, n int) []byte {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	out := make([]byte, n)
	// hkdf only fails when the caller asks for more than 255 blocks.
	_, _ = io.ReadFull(r, out)
	return out
}

// HMACSHA256 returns the HMAC-SHA256 of data under key.
func HMACSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// Hash returns the SHA-256 digest of data.
func Hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// Equal compares two byte slices in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
