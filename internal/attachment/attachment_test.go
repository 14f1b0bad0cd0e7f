package attachment_test

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"testing"

	"sigilo/internal/attachment"
	"sigilo/internal/domain"
)

func makeKey(t *testing.T) *attachment.Key {
	t.Helper()
	key, err := attachment.NewKey()
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	return key
}

func randomData(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return buf
}

func TestAttachment_LargeRoundTrip(t *testing.T) {
	key := makeKey(t)
	plaintext := randomData(t, 10<<20)

	sealed, err := attachment.Encrypt(key, plaintext, 1<<20)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := attachment.Decrypt(key, sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("round trip changed the payload")
	}
}

func TestAttachment_AnySingleByteFlipRejected(t *testing.T) {
	key := makeKey(t)
	plaintext := randomData(t, 200*1024)

	sealed, err := attachment.Encrypt(key, plaintext, 0)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Sample positions across the whole container, header included.
	for _, pos := range []int{0, 5, 50, attachment.HeaderSize, attachment.HeaderSize + 13, len(sealed) / 2, len(sealed) - 1} {
		mutant := append([]byte(nil), sealed...)
		mutant[pos] ^= 1
		if _, err := attachment.Decrypt(key, mutant); err == nil {
			t.Fatalf("flip at byte %d went undetected", pos)
		}
	}
}

func TestAttachment_UnevenLastChunk(t *testing.T) {
	key := makeKey(t)
	// Not a multiple of the chunk size; the last chunk is short.
	plaintext := randomData(t, attachment.MinChunkSize+12345)

	sealed, err := attachment.Encrypt(key, plaintext, attachment.MinChunkSize)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := attachment.Decrypt(key, sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("round trip changed the payload")
	}
}

func TestAttachment_EmptyPayload(t *testing.T) {
	key := makeKey(t)

	sealed, err := attachment.Encrypt(key, nil, 0)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(sealed) != attachment.HeaderSize {
		t.Fatalf("empty payload sealed to %d bytes, want header only", len(sealed))
	}
	got, err := attachment.Decrypt(key, sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("decrypted %d bytes from empty payload", len(got))
	}
}

func TestAttachment_WrongKeyRejected(t *testing.T) {
	key := makeKey(t)
	sealed, err := attachment.Encrypt(key, []byte("secret"), 0)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := attachment.Decrypt(makeKey(t), sealed); !errors.Is(err, domain.ErrIntegrity) {
		t.Fatalf("err = %v, want ErrIntegrity", err)
	}
}

func TestAttachment_BadHeaderRejected(t *testing.T) {
	key := makeKey(t)

	if _, err := attachment.Decrypt(key, []byte("short")); !errors.Is(err, domain.ErrBadFormat) {
		t.Fatalf("short input err = %v, want ErrBadFormat", err)
	}

	sealed, err := attachment.Encrypt(key, []byte("payload"), 0)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	mutant := append([]byte(nil), sealed...)
	copy(mutant, "XXXX")
	if _, err := attachment.Decrypt(key, mutant); !errors.Is(err, domain.ErrBadFormat) {
		t.Fatalf("bad magic err = %v, want ErrBadFormat", err)
	}
}

func TestAttachment_OversizeHeaderFieldsRejected(t *testing.T) {
	key := makeKey(t)
	sealed, err := attachment.Encrypt(key, []byte("payload"), 0)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// A declared size wildly past the container length must fail cleanly
	// before anything is allocated from the header fields.
	mutant := append([]byte(nil), sealed[:attachment.HeaderSize]...)
	binary.BigEndian.PutUint64(mutant[5:13], 1<<62)
	binary.BigEndian.PutUint32(mutant[17:21], 1)
	if _, err := attachment.Decrypt(key, mutant); !errors.Is(err, domain.ErrBadFormat) {
		t.Fatalf("oversize header-only err = %v, want ErrBadFormat", err)
	}

	// Same inflated size with the real chunks still attached.
	mutant = append([]byte(nil), sealed...)
	binary.BigEndian.PutUint64(mutant[5:13], 1<<62)
	if _, err := attachment.Decrypt(key, mutant); !errors.Is(err, domain.ErrBadFormat) {
		t.Fatalf("inflated size err = %v, want ErrBadFormat", err)
	}

	// Chunk count inconsistent with the container length.
	mutant = append([]byte(nil), sealed...)
	binary.BigEndian.PutUint32(mutant[17:21], 3)
	if _, err := attachment.Decrypt(key, mutant); !errors.Is(err, domain.ErrBadFormat) {
		t.Fatalf("inflated chunk count err = %v, want ErrBadFormat", err)
	}
}

func TestAttachment_KeysAreSingleUse(t *testing.T) {
	a := makeKey(t)
	b := makeKey(t)
	if a.ID == b.ID {
		t.Fatal("two keys share an id")
	}
	if bytes.Equal(a.Bytes, b.Bytes) {
		t.Fatal("two keys share material")
	}
	if bytes.Equal(a.KeyHash, b.KeyHash) {
		t.Fatal("two keys share a hash")
	}
}
