package x3dh

import (
	"errors"
	"fmt"

	"sigilo/internal/crypto"
	"sigilo/internal/domain"
	"sigilo/internal/util/memzero"
)

const (
	// kdfLabel domain-separates the X3DH output from every other HKDF use.
	kdfLabel = "sigilo/x3dh/v1"

	// SecretSize is the size of the derived shared secret.
	SecretSize = 32
)

var (
	// ErrBadSignature means the signed pre-key did not verify against the
	// bundle's identity signing key.
	ErrBadSignature = errors.New("x3dh: signed pre-key signature invalid")
)

// Agreement is the output of a completed key agreement on either side.
// SharedSecret must be wiped once the ratchet is seeded.
type Agreement struct {
	// SharedSecret is the 32-byte HKDF output over the DH concatenation.
	SharedSecret []byte
	// AssociatedData is initiator-identity followed by responder-identity,
	// the same bytes on both sides.
	AssociatedData []byte
	// EphemeralPub is the initiator's ephemeral public key.
	EphemeralPub domain.X25519Public
	// RemoteSignedPreKey is the peer signed pre-key the initiator targeted.
	// The initiator seeds its first DH ratchet step against it.
	RemoteSignedPreKey domain.X25519Public
	// SignedPreKeyID names the responder signed pre-key used.
	SignedPreKeyID uint32
	// UsedOneTimePreKeyID is set when a one-time pre-key entered the
	// derivation.
	UsedOneTimePreKeyID *uint32
}

// Wipe zero-fills the shared secret.
func (a *Agreement) Wipe() {
	memzero.Zero(a.SharedSecret)
}

// Initiate runs the initiator side of X3DH against a peer's bundle. The
// signed pre-key signature is verified before any DH happens.
func Initiate(own domain.Identity, bundle domain.PreKeyBundle) (*Agreement, error) {
	if !crypto.VerifyEd25519(bundle.SigningKey, bundle.SignedPreKey.Slice(), bundle.SignedPreKeySig) {
		return nil, ErrBadSignature
	}

	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	defer memzero.Zero32((*[32]byte)(&ephPriv))

	// Fixed order: DH(IK_A, SPK_B) ‖ DH(EK_A, IK_B) ‖ DH(EK_A, SPK_B)
	// and, when a one-time pre-key is present, ‖ DH(EK_A, OPK_B).
	dh1, err := crypto.DH(own.XPriv, bundle.SignedPreKey)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(ephPriv, bundle.IdentityKey)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(ephPriv, bundle.SignedPreKey)
	if err != nil {
		return nil, err
	}

	concat := make([]byte, 0, 32*4)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)
	memzero.Zero32(&dh1)
	memzero.Zero32(&dh2)
	memzero.Zero32(&dh3)

	var usedOPK *uint32
	if bundle.OneTimePreKey != nil {
		if bundle.OneTimePreKeyID == nil {
			return nil, fmt.Errorf("%w: one-time pre-key without id", domain.ErrBadFormat)
		}
		dh4, err := crypto.DH(ephPriv, *bundle.OneTimePreKey)
		if err != nil {
			return nil, err
		}
		concat = append(concat, dh4[:]...)
		memzero.Zero32(&dh4)
		id := *bundle.OneTimePreKeyID
		usedOPK = &id
	}

	secret := crypto.DeriveKey(concat, nil, kdfLabel, SecretSize)
	memzero.Zero(concat)

	return &Agreement{
		SharedSecret:        secret,
		AssociatedData:      associatedData(own.XPub, bundle.IdentityKey),
		EphemeralPub:        ephPub,
		RemoteSignedPreKey:  bundle.SignedPreKey,
		SignedPreKeyID:      bundle.SignedPreKeyID,
		UsedOneTimePreKeyID: usedOPK,
	}, nil
}

// Complete runs the responder side: the mirror derivation using our signed
// pre-key private (and the consumed one-time pre-key private when one was
// targeted).
func Complete(
	own domain.Identity,
	spk domain.SignedPreKey,
	opk *domain.OneTimePreKey,
	senderIdentity domain.X25519Public,
	senderEphemeral domain.X25519Public,
) (*Agreement, error) {
	dh1, err := crypto.DH(spk.Priv, senderIdentity)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(own.XPriv, senderEphemeral)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(spk.Priv, senderEphemeral)
	if err != nil {
		return nil, err
	}

	concat := make([]byte, 0, 32*4)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)
	memzero.Zero32(&dh1)
	memzero.Zero32(&dh2)
	memzero.Zero32(&dh3)

	var usedOPK *uint32
	if opk != nil {
		dh4, err := crypto.DH(opk.Priv, senderEphemeral)
		if err != nil {
			return nil, err
		}
		concat = append(concat, dh4[:]...)
		memzero.Zero32(&dh4)
		id := opk.ID
		usedOPK = &id
	}

	secret := crypto.DeriveKey(concat, nil, kdfLabel, SecretSize)
	memzero.Zero(concat)

	return &Agreement{
		SharedSecret:        secret,
		AssociatedData:      associatedData(senderIdentity, own.XPub),
		EphemeralPub:        senderEphemeral,
		RemoteSignedPreKey:  spk.Pub,
		SignedPreKeyID:      spk.ID,
		UsedOneTimePreKeyID: usedOPK,
	}, nil
}

// associatedData is always initiator identity followed by responder
// identity, regardless of which side computes it.
func associatedData(initiator, responder domain.X25519Public) []byte {
	ad := make([]byte, 0, 64)
	ad = append(ad, initiator.Slice()...)
	return append(ad, responder.Slice()...)
}
