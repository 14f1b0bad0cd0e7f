package x3dh_test

import (
	"bytes"
	"errors"
	"testing"

	"sigilo/internal/protocol/x3dh"
	"sigilo/internal/storage"
)

// newManager returns an initialized manager on an in-memory store with one
// signed pre-key and a few one-time pre-keys.
func newManager(t *testing.T, userID, deviceID string) *x3dh.Manager {
	t.Helper()
	m := x3dh.NewManager(storage.NewMemoryStore(), nil, userID, deviceID)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := m.GenerateSignedPreKey(1); err != nil {
		t.Fatalf("GenerateSignedPreKey: %v", err)
	}
	if _, err := m.GenerateOneTimePreKeys(1, 3); err != nil {
		t.Fatalf("GenerateOneTimePreKeys: %v", err)
	}
	return m
}

func TestKeyAgreement_BothSidesDeriveSameSecret(t *testing.T) {
	alice := newManager(t, "alice", "a1")
	bob := newManager(t, "bob", "b1")

	bundle, err := bob.Bundle()
	if err != nil {
		t.Fatalf("Bundle: %v", err)
	}
	if bundle.OneTimePreKeyID == nil {
		t.Fatal("bundle offered no one-time pre-key")
	}

	initiated, err := alice.InitiateKeyAgreement(bundle)
	if err != nil {
		t.Fatalf("InitiateKeyAgreement: %v", err)
	}
	aliceID, err := alice.Identity()
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}

	completed, err := bob.CompleteKeyAgreement(aliceID.XPub, initiated.EphemeralPub,
		initiated.SignedPreKeyID, initiated.UsedOneTimePreKeyID)
	if err != nil {
		t.Fatalf("CompleteKeyAgreement: %v", err)
	}

	if len(initiated.SharedSecret) != x3dh.SecretSize {
		t.Fatalf("secret is %d bytes, want %d", len(initiated.SharedSecret), x3dh.SecretSize)
	}
	if !bytes.Equal(initiated.SharedSecret, completed.SharedSecret) {
		t.Fatal("initiator and responder derived different secrets")
	}
	if !bytes.Equal(initiated.AssociatedData, completed.AssociatedData) {
		t.Fatal("associated data differs between sides")
	}
}

func TestKeyAgreement_WithoutOneTimePreKey(t *testing.T) {
	alice := newManager(t, "alice", "a1")
	bob := newManager(t, "bob", "b1")

	bundle, err := bob.Bundle()
	if err != nil {
		t.Fatalf("Bundle: %v", err)
	}
	bundle.OneTimePreKeyID = nil
	bundle.OneTimePreKey = nil

	initiated, err := alice.InitiateKeyAgreement(bundle)
	if err != nil {
		t.Fatalf("InitiateKeyAgreement: %v", err)
	}
	if initiated.UsedOneTimePreKeyID != nil {
		t.Fatal("agreement claims a one-time pre-key that was not offered")
	}
	aliceID, _ := alice.Identity()

	completed, err := bob.CompleteKeyAgreement(aliceID.XPub, initiated.EphemeralPub,
		initiated.SignedPreKeyID, nil)
	if err != nil {
		t.Fatalf("CompleteKeyAgreement: %v", err)
	}
	if !bytes.Equal(initiated.SharedSecret, completed.SharedSecret) {
		t.Fatal("initiator and responder derived different secrets")
	}
}

func TestKeyAgreement_RejectsBadSignedPreKeySignature(t *testing.T) {
	alice := newManager(t, "alice", "a1")
	bob := newManager(t, "bob", "b1")

	bundle, err := bob.Bundle()
	if err != nil {
		t.Fatalf("Bundle: %v", err)
	}
	bundle.SignedPreKeySig[0] ^= 1

	if _, err := alice.InitiateKeyAgreement(bundle); !errors.Is(err, x3dh.ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}

func TestKeyAgreement_OneTimePreKeyReuseFails(t *testing.T) {
	alice := newManager(t, "alice", "a1")
	bob := newManager(t, "bob", "b1")

	bundle, _ := bob.Bundle()
	initiated, err := alice.InitiateKeyAgreement(bundle)
	if err != nil {
		t.Fatalf("InitiateKeyAgreement: %v", err)
	}
	aliceID, _ := alice.Identity()

	if _, err := bob.CompleteKeyAgreement(aliceID.XPub, initiated.EphemeralPub,
		initiated.SignedPreKeyID, initiated.UsedOneTimePreKeyID); err != nil {
		t.Fatalf("first CompleteKeyAgreement: %v", err)
	}
	_, err = bob.CompleteKeyAgreement(aliceID.XPub, initiated.EphemeralPub,
		initiated.SignedPreKeyID, initiated.UsedOneTimePreKeyID)
	if !errors.Is(err, x3dh.ErrOneTimeReused) {
		t.Fatalf("reuse err = %v, want ErrOneTimeReused", err)
	}
}

func TestBundle_SkipsConsumedOneTimePreKeys(t *testing.T) {
	alice := newManager(t, "alice", "a1")
	bob := newManager(t, "bob", "b1")

	first, _ := bob.Bundle()
	initiated, err := alice.InitiateKeyAgreement(first)
	if err != nil {
		t.Fatalf("InitiateKeyAgreement: %v", err)
	}
	aliceID, _ := alice.Identity()
	if _, err := bob.CompleteKeyAgreement(aliceID.XPub, initiated.EphemeralPub,
		initiated.SignedPreKeyID, initiated.UsedOneTimePreKeyID); err != nil {
		t.Fatalf("CompleteKeyAgreement: %v", err)
	}

	second, err := bob.Bundle()
	if err != nil {
		t.Fatalf("Bundle: %v", err)
	}
	if second.OneTimePreKeyID == nil {
		t.Fatal("no one-time pre-key left to offer")
	}
	if *second.OneTimePreKeyID == *first.OneTimePreKeyID {
		t.Fatal("bundle re-offered a consumed one-time pre-key")
	}
}

func TestManager_StatePersistsAcrossRestart(t *testing.T) {
	store := storage.NewMemoryStore()

	m := x3dh.NewManager(store, nil, "alice", "a1")
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	id1, _ := m.Identity()

	reloaded := x3dh.NewManager(store, nil, "alice", "a1")
	if err := reloaded.Initialize(); err != nil {
		t.Fatalf("Initialize after restart: %v", err)
	}
	id2, _ := reloaded.Identity()

	if id1.XPub != id2.XPub || id1.RegistrationID != id2.RegistrationID {
		t.Fatal("identity changed across restart")
	}
}

func TestReplenishOneTimePreKeys(t *testing.T) {
	m := newManager(t, "alice", "a1")

	created, err := m.ReplenishOneTimePreKeys(10, 20)
	if err != nil {
		t.Fatalf("ReplenishOneTimePreKeys: %v", err)
	}
	if created != 7 {
		t.Fatalf("created %d keys, want 7", created)
	}

	created, err = m.ReplenishOneTimePreKeys(10, 20)
	if err != nil {
		t.Fatalf("ReplenishOneTimePreKeys: %v", err)
	}
	if created != 0 {
		t.Fatalf("created %d keys with a full pool, want 0", created)
	}
}

func TestRotateSignedPreKey_KeepsOldKeyLoadable(t *testing.T) {
	m := newManager(t, "alice", "a1")

	before, _ := m.Bundle()
	rotated, err := m.RotateSignedPreKey()
	if err != nil {
		t.Fatalf("RotateSignedPreKey: %v", err)
	}
	after, _ := m.Bundle()

	if after.SignedPreKeyID != rotated.ID || after.SignedPreKeyID == before.SignedPreKeyID {
		t.Fatalf("bundle still offers signed pre-key %d after rotation", after.SignedPreKeyID)
	}
	if _, err := m.SignedPreKey(before.SignedPreKeyID); err != nil {
		t.Fatalf("old signed pre-key no longer loadable: %v", err)
	}
}
