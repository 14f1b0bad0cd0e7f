package domain_test

import (
	"errors"
	"testing"

	"sigilo/internal/domain"
)

func TestWire_PreKeyMessageRoundTrip(t *testing.T) {
	opkID := uint32(7)
	msg := &domain.PreKeyMessage{
		SenderUserID:    "alice",
		SenderDeviceID:  "a1",
		IdentityKey:     make([]byte, 32),
		EphemeralKey:    make([]byte, 32),
		SignedPreKeyID:  3,
		OneTimePreKeyID: &opkID,
		Header:          domain.RatchetHeader{DHPub: make([]byte, 32), PN: 1, N: 2},
		Ciphertext:      []byte("sealed"),
	}

	blob, err := domain.EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if blob[0] != byte(domain.KindPreKeyMessage) {
		t.Fatalf("kind byte = %#x, want %#x", blob[0], domain.KindPreKeyMessage)
	}

	decoded, err := domain.DecodeMessage(blob)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	got, ok := decoded.(*domain.PreKeyMessage)
	if !ok {
		t.Fatalf("decoded to %T", decoded)
	}
	if got.SenderUserID != "alice" || got.SignedPreKeyID != 3 {
		t.Fatalf("fields lost: %+v", got)
	}
	if got.OneTimePreKeyID == nil || *got.OneTimePreKeyID != 7 {
		t.Fatal("one-time pre-key id lost")
	}
	if got.Header.N != 2 || got.Header.PN != 1 {
		t.Fatalf("header lost: %+v", got.Header)
	}
}

func TestWire_EveryKindRoundTrips(t *testing.T) {
	msgs := []domain.Message{
		&domain.RegularMessage{SenderUserID: "u", SenderDeviceID: "d", Ciphertext: []byte("x")},
		&domain.SenderKeyDistributionMessage{GroupID: "g", SenderUserID: "u", SenderDeviceID: "d", KeyID: "k", Epoch: 1, ChainKey: make([]byte, 32)},
		&domain.SenderKeyMessage{GroupID: "g", SenderUserID: "u", SenderDeviceID: "d", KeyID: "k", Epoch: 1, Iteration: 9, Ciphertext: []byte("x")},
	}
	for _, msg := range msgs {
		blob, err := domain.EncodeMessage(msg)
		if err != nil {
			t.Fatalf("EncodeMessage(%T): %v", msg, err)
		}
		decoded, err := domain.DecodeMessage(blob)
		if err != nil {
			t.Fatalf("DecodeMessage(%T): %v", msg, err)
		}
		if decoded.Kind() != msg.Kind() {
			t.Fatalf("kind %v became %v", msg.Kind(), decoded.Kind())
		}
	}
}

func TestWire_MalformedInputRejected(t *testing.T) {
	if _, err := domain.DecodeMessage(nil); !errors.Is(err, domain.ErrBadFormat) {
		t.Fatalf("empty input err = %v, want ErrBadFormat", err)
	}
	if _, err := domain.DecodeMessage([]byte{0xff, 0x01}); !errors.Is(err, domain.ErrBadFormat) {
		t.Fatalf("unknown kind err = %v, want ErrBadFormat", err)
	}
	if _, err := domain.DecodeMessage([]byte{byte(domain.KindRegularMessage), 0xff, 0xff}); !errors.Is(err, domain.ErrBadFormat) {
		t.Fatalf("bad body err = %v, want ErrBadFormat", err)
	}
}
