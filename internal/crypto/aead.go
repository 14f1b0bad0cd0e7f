package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"sigilo/internal/domain"
)

const (
	// KeySize is the AEAD key size in bytes.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the AEAD nonce size in bytes.
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the AEAD authentication tag size in bytes.
	TagSize = chacha20poly1305.Overhead
)

// Seal encrypts plaintext under key with the given nonce and associated
// data, returning ciphertext with the auth tag appended.
func Seal(key, nonce, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

// Open authenticates and decrypts ciphertext. A tag mismatch is an
// integrity error; nothing is returned on failure.
func Open(key, nonce, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIntegrity, err)
	}
	return pt, nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// RandomNonce returns a fresh AEAD nonce.
func RandomNonce() ([]byte, error) {
	return RandomBytes(NonceSize)
}
