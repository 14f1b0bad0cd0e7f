package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/curve25519"

	"sigilo/internal/domain"
)

// GenerateX25519 returns a fresh clamped X25519 key pair.
func GenerateX25519() (priv domain.X25519Private, pub domain.X25519Public, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, err
	}
	ClampX25519(&priv)

	pubBytes, err := curve25519.X25519(priv.Slice(), curve25519.Basepoint)
	if err != nil {
		return priv, pub, err
	}
	copy(pub[:], pubBytes)
	return priv, pub, nil
}

// ClampX25519 applies the standard Curve25519 scalar clamping in place.
func ClampX25519(priv *domain.X25519Private) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

// DH computes the X25519 shared secret between priv and pub.
func DH(priv domain.X25519Private, pub domain.X25519Public) ([32]byte, error) {
	res, err := curve25519.X25519(priv.Slice(), pub.Slice())
	var out [32]byte
	if err != nil {
		return out, err
	}
	copy(out[:], res)
	return out, nil
}
