package recovery

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"

	"sigilo/internal/crypto"
	"sigilo/internal/domain"
	"sigilo/internal/util/memzero"
)

// Argon2id cost parameters for deriving the wrapping key from recovery
// entropy.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// Domain separation labels. The stored hash uses a different label than
// the wrapping key so it can never stand in for one.
const (
	wrapLabel = "sigilo/recovery/wrap/v1"
	hashLabel = "sigilo/recovery/hash/v1"
)

// WrappedKey is the at-rest form of a master key sealed under a recovery
// key. KeyHash only serves the quick pre-check on unwrap attempts.
type WrappedKey struct {
	Salt       []byte `json:"salt"`
	Ciphertext []byte `json:"ciphertext"`
	KeyHash    []byte `json:"key_hash"`
}

// EncryptMasterKey seals masterKey under the recovery entropy. A fresh
// salt feeds argon2id, so re-wrapping the same key never repeats
// ciphertext.
func EncryptMasterKey(recoveryEntropy, masterKey []byte) (*WrappedKey, error) {
	if len(recoveryEntropy) != EntropySize {
		return nil, fmt.Errorf("%w: recovery entropy must be %d bytes", domain.ErrBadFormat, EntropySize)
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("wrap salt: %w", err)
	}

	wrapKey := deriveWrapKey(recoveryEntropy, salt)
	defer memzero.Zero(wrapKey)

	nonce, err := crypto.RandomNonce()
	if err != nil {
		return nil, err
	}
	ct, err := crypto.Seal(wrapKey, nonce, masterKey, []byte(wrapLabel))
	if err != nil {
		return nil, err
	}
	return &WrappedKey{
		Salt:       salt,
		Ciphertext: append(nonce, ct...),
		KeyHash:    recoveryHash(recoveryEntropy),
	}, nil
}

// DecryptMasterKey unwraps a previously sealed master key. The stored
// recovery hash gates a fast rejection of the wrong key before the
// expensive argon2 derivation runs; it is never sufficient on its own.
func DecryptMasterKey(recoveryEntropy []byte, wrapped *WrappedKey) ([]byte, error) {
	if len(recoveryEntropy) != EntropySize {
		return nil, fmt.Errorf("%w: recovery entropy must be %d bytes", domain.ErrBadFormat, EntropySize)
	}
	if subtle.ConstantTimeCompare(recoveryHash(recoveryEntropy), wrapped.KeyHash) != 1 {
		return nil, fmt.Errorf("%w: recovery key does not match", domain.ErrIntegrity)
	}
	if len(wrapped.Ciphertext) < crypto.NonceSize {
		return nil, fmt.Errorf("%w: wrapped key too short", domain.ErrBadFormat)
	}

	wrapKey := deriveWrapKey(recoveryEntropy, wrapped.Salt)
	defer memzero.Zero(wrapKey)

	nonce := wrapped.Ciphertext[:crypto.NonceSize]
	ct := wrapped.Ciphertext[crypto.NonceSize:]
	return crypto.Open(wrapKey, nonce, ct, []byte(wrapLabel))
}

func deriveWrapKey(entropy, salt []byte) []byte {
	labeled := append([]byte(wrapLabel), salt...)
	return argon2.IDKey(entropy, labeled, argonTime, argonMemory, argonThreads, crypto.KeySize)
}

func recoveryHash(entropy []byte) []byte {
	h := sha256.New()
	h.Write([]byte(hashLabel))
	h.Write(entropy)
	return h.Sum(nil)
}
