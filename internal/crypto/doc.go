// Package crypto exposes the primitives every layer above builds on.
//
// Contents
//
//   - Random byte generation (RandomBytes)
//   - X25519 key generation, clamping and Diffie–Hellman (GenerateX25519,
//     ClampX25519, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - ChaCha20-Poly1305 AEAD seal/open (Seal, Open)
//   - HKDF-SHA256 key derivation with domain labels (DeriveKey)
//   - SHA-256 hashing and constant-time comparison (Hash, Equal)
//
// All functions returning key material use fixed-size array types from
// internal/domain to avoid accidental reallocation. Callers treat returned
// secrets as sensitive and wipe them with memzero when done.
package crypto
