package ratchet_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"sigilo/internal/crypto"
	"sigilo/internal/domain"
	"sigilo/internal/protocol/ratchet"
)

// makePair builds an initiator/responder session pair over a shared secret,
// the way a completed key agreement would.
func makePair(t *testing.T) (initiator, responder *ratchet.Session) {
	t.Helper()

	spkPriv, spkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	spk := domain.SignedPreKey{ID: 1, Priv: spkPriv, Pub: spkPub}

	secret := bytes.Repeat([]byte{0x42}, 32)
	ad := []byte("alice+bob")

	initiator, err = ratchet.NewInitiator(secret, ad, spkPub)
	if err != nil {
		t.Fatalf("NewInitiator: %v", err)
	}
	responder, err = ratchet.NewResponder(secret, ad, spk)
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}
	return initiator, responder
}

func roundTrip(t *testing.T, from, to *ratchet.Session, msg string) {
	t.Helper()
	header, ct, err := from.Encrypt([]byte(msg))
	if err != nil {
		t.Fatalf("Encrypt(%q): %v", msg, err)
	}
	pt, err := to.Decrypt(header, ct)
	if err != nil {
		t.Fatalf("Decrypt(%q): %v", msg, err)
	}
	if string(pt) != msg {
		t.Fatalf("got %q, want %q", pt, msg)
	}
}

func TestRatchet_RoundTrip(t *testing.T) {
	a, b := makePair(t)
	roundTrip(t, a, b, "hello")
	roundTrip(t, a, b, "again")
}

func TestRatchet_PingPong(t *testing.T) {
	a, b := makePair(t)
	for i := 0; i < 10; i++ {
		roundTrip(t, a, b, fmt.Sprintf("a->b %d", i))
		roundTrip(t, b, a, fmt.Sprintf("b->a %d", i))
	}
}

func TestRatchet_OutOfOrderDelivery(t *testing.T) {
	a, b := makePair(t)

	type sealed struct {
		header domain.RatchetHeader
		ct     []byte
		msg    string
	}
	var msgs []sealed
	for i := 0; i < 5; i++ {
		msg := fmt.Sprintf("msg %d", i)
		header, ct, err := a.Encrypt([]byte(msg))
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		msgs = append(msgs, sealed{header, ct, msg})
	}

	// Deliver in reverse.
	for i := len(msgs) - 1; i >= 0; i-- {
		pt, err := b.Decrypt(msgs[i].header, msgs[i].ct)
		if err != nil {
			t.Fatalf("Decrypt msg %d: %v", i, err)
		}
		if string(pt) != msgs[i].msg {
			t.Fatalf("got %q, want %q", pt, msgs[i].msg)
		}
	}
}

func TestRatchet_ReplayRejected(t *testing.T) {
	a, b := makePair(t)

	header, ct, err := a.Encrypt([]byte("once"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := b.Decrypt(header, ct); err != nil {
		t.Fatalf("first Decrypt: %v", err)
	}
	if _, err := b.Decrypt(header, ct); !errors.Is(err, domain.ErrProtocolState) {
		t.Fatalf("replayed decrypt err = %v, want ErrProtocolState", err)
	}

	// Rejecting the replay must not consume keys genuine traffic needs.
	roundTrip(t, a, b, "after replay")
	roundTrip(t, b, a, "reply")
}

func TestRatchet_SessionSurvivesRejectedCiphertext(t *testing.T) {
	a, b := makePair(t)
	roundTrip(t, a, b, "settle chains")
	roundTrip(t, b, a, "both ways")

	// A tampered message on the current chain fails, then genuine traffic
	// continues.
	header, ct, err := a.Encrypt([]byte("tampered"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ct[0] ^= 1
	if _, err := b.Decrypt(header, ct); !errors.Is(err, domain.ErrIntegrity) {
		t.Fatalf("tampered decrypt err = %v, want ErrIntegrity", err)
	}
	// A forged header carrying an unknown ratchet public would trigger a
	// DH step; a failed open must leave the real chains untouched.
	_, forgedPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	forged := domain.RatchetHeader{DHPub: forgedPub.Slice(), PN: header.PN, N: 0}
	if _, err := b.Decrypt(forged, ct); err == nil {
		t.Fatal("forged-header message decrypted")
	}

	ct[0] ^= 1
	pt, err := b.Decrypt(header, ct)
	if err != nil {
		t.Fatalf("genuine Decrypt after rejections: %v", err)
	}
	if string(pt) != "tampered" {
		t.Fatalf("got %q, want %q", pt, "tampered")
	}
	roundTrip(t, a, b, "still alive")
	roundTrip(t, b, a, "both directions")
}

func TestRatchet_TamperRejected(t *testing.T) {
	a, b := makePair(t)

	header, ct, err := a.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ct[len(ct)-1] ^= 1
	if _, err := b.Decrypt(header, ct); !errors.Is(err, domain.ErrIntegrity) {
		t.Fatalf("tampered decrypt err = %v, want ErrIntegrity", err)
	}
}

func TestRatchet_SkipLimit(t *testing.T) {
	a, b := makePair(t)

	// Burn past the skip limit on the sender.
	for i := 0; i <= ratchet.MaxSkip; i++ {
		if _, _, err := a.Encrypt([]byte("burned")); err != nil {
			t.Fatalf("Encrypt %d: %v", i, err)
		}
	}
	header, ct, err := a.Encrypt([]byte("too far"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := b.Decrypt(header, ct); !errors.Is(err, ratchet.ErrTooManySkipped) {
		t.Fatalf("err = %v, want ErrTooManySkipped", err)
	}
}

func TestRatchet_SerializeRestoresState(t *testing.T) {
	a, b := makePair(t)
	roundTrip(t, a, b, "before save")

	blob, err := b.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	restored, err := ratchet.Deserialize(blob)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	header, ct, err := a.Encrypt([]byte("after save"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := restored.Decrypt(header, ct)
	if err != nil {
		t.Fatalf("Decrypt on restored session: %v", err)
	}
	if string(pt) != "after save" {
		t.Fatalf("got %q, want %q", pt, "after save")
	}
}

func TestRatchet_DeserializeRejectsGarbage(t *testing.T) {
	if _, err := ratchet.Deserialize([]byte("not cbor")); !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}
}

func TestRatchet_DestroyBlocksFurtherUse(t *testing.T) {
	a, b := makePair(t)
	roundTrip(t, a, b, "hi")

	a.Destroy()
	if _, _, err := a.Encrypt([]byte("after destroy")); !errors.Is(err, ratchet.ErrDestroyed) {
		t.Fatalf("err = %v, want ErrDestroyed", err)
	}
}
