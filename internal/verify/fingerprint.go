// Package verify implements out-of-band identity verification: iterated
// identity-key fingerprints, the 60-digit safety number both sides compute
// identically, QR payload encoding, and the per-peer trust state machine.
// Verification is one-way: nothing here ever reconstructs key material
// from a fingerprint, only compares freshly computed values in constant
// time.
package verify

import (
	"crypto/sha256"

	"sigilo/internal/domain"
)

const (
	// FingerprintVersion is mixed into the digest so future format changes
	// cannot collide with old fingerprints.
	FingerprintVersion = 1

	// fingerprintIterations makes precomputing fingerprint tables for many
	// identities expensive.
	fingerprintIterations = 5200

	// FingerprintSize is the fingerprint length in bytes.
	FingerprintSize = 32
)

// GenerateFingerprint derives the display fingerprint for one identity by
// iteratively hashing version‖userID‖key, re-absorbing the key every
// round.
func GenerateFingerprint(identityKey domain.X25519Public, userID string, version uint8) []byte {
	buf := make([]byte, 0, 1+len(userID)+32)
	buf = append(buf, version)
	buf = append(buf, userID...)
	buf = append(buf, identityKey.Slice()...)

	digest := sha256.Sum256(buf)
	for i := 1; i < fingerprintIterations; i++ {
		h := sha256.New()
		h.Write(digest[:])
		h.Write(identityKey.Slice())
		h.Sum(digest[:0])
	}
	out := make([]byte, FingerprintSize)
	copy(out, digest[:])
	return out
}
