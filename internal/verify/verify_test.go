package verify_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"sigilo/internal/crypto"
	"sigilo/internal/domain"
	"sigilo/internal/verify"
)

func makeKey(t *testing.T) domain.X25519Public {
	t.Helper()
	_, pub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	return pub
}

func TestFingerprint_DeterministicAndDistinct(t *testing.T) {
	key := makeKey(t)

	a := verify.GenerateFingerprint(key, "alice", verify.FingerprintVersion)
	b := verify.GenerateFingerprint(key, "alice", verify.FingerprintVersion)
	if len(a) != verify.FingerprintSize {
		t.Fatalf("fingerprint is %d bytes, want %d", len(a), verify.FingerprintSize)
	}
	if !crypto.Equal(a, b) {
		t.Fatal("same inputs produced different fingerprints")
	}

	other := verify.GenerateFingerprint(key, "bob", verify.FingerprintVersion)
	if crypto.Equal(a, other) {
		t.Fatal("different user ids produced the same fingerprint")
	}
}

func TestSafetyNumber_OrderIndependent(t *testing.T) {
	fpA := verify.GenerateFingerprint(makeKey(t), "alice", verify.FingerprintVersion)
	fpB := verify.GenerateFingerprint(makeKey(t), "bob", verify.FingerprintVersion)

	ab, err := verify.GenerateSafetyNumber(fpA, fpB)
	if err != nil {
		t.Fatalf("GenerateSafetyNumber: %v", err)
	}
	ba, err := verify.GenerateSafetyNumber(fpB, fpA)
	if err != nil {
		t.Fatalf("GenerateSafetyNumber: %v", err)
	}
	if ab != ba {
		t.Fatalf("safety number depends on argument order:\n%s\n%s", ab, ba)
	}
	if len(ab) != verify.SafetyNumberDigits {
		t.Fatalf("safety number has %d digits, want %d", len(ab), verify.SafetyNumberDigits)
	}
}

func TestSafetyNumber_FormatParseIdempotent(t *testing.T) {
	fpA := verify.GenerateFingerprint(makeKey(t), "alice", verify.FingerprintVersion)
	fpB := verify.GenerateFingerprint(makeKey(t), "bob", verify.FingerprintVersion)
	sn, err := verify.GenerateSafetyNumber(fpA, fpB)
	if err != nil {
		t.Fatalf("GenerateSafetyNumber: %v", err)
	}

	formatted, err := verify.FormatSafetyNumber(sn)
	if err != nil {
		t.Fatalf("FormatSafetyNumber: %v", err)
	}
	if groups := strings.Split(formatted, " "); len(groups) != 12 {
		t.Fatalf("formatted into %d groups, want 12", len(groups))
	}

	parsed, err := verify.ParseSafetyNumber(formatted)
	if err != nil {
		t.Fatalf("ParseSafetyNumber: %v", err)
	}
	reformatted, err := verify.FormatSafetyNumber(parsed)
	if err != nil {
		t.Fatalf("FormatSafetyNumber: %v", err)
	}
	if reformatted != formatted {
		t.Fatalf("round trip changed formatting:\n%s\n%s", formatted, reformatted)
	}
}

func TestSafetyNumber_Grid(t *testing.T) {
	fpA := verify.GenerateFingerprint(makeKey(t), "alice", verify.FingerprintVersion)
	fpB := verify.GenerateFingerprint(makeKey(t), "bob", verify.FingerprintVersion)
	sn, _ := verify.GenerateSafetyNumber(fpA, fpB)

	grid, err := verify.SafetyNumberGrid(sn)
	if err != nil {
		t.Fatalf("SafetyNumberGrid: %v", err)
	}
	if len(grid) != 6 {
		t.Fatalf("grid has %d rows, want 6", len(grid))
	}
	for i, row := range grid {
		if len(row[0]) != 5 || len(row[1]) != 5 {
			t.Fatalf("row %d has groups %q %q, want 5 digits each", i, row[0], row[1])
		}
	}
}

func TestQR_RoundTrip(t *testing.T) {
	fp := verify.GenerateFingerprint(makeKey(t), "alice", verify.FingerprintVersion)
	issued := time.Now().Truncate(time.Second)

	payload, err := verify.EncodeQR(verify.QRPayload{
		UserID:      "alice",
		DeviceID:    "a1",
		Fingerprint: fp,
		Timestamp:   issued,
	})
	if err != nil {
		t.Fatalf("EncodeQR: %v", err)
	}
	if !strings.HasPrefix(payload, verify.QRPrefix) {
		t.Fatalf("payload %q lacks prefix", payload)
	}

	decoded, err := verify.DecodeQR(payload)
	if err != nil {
		t.Fatalf("DecodeQR: %v", err)
	}
	if decoded.UserID != "alice" || decoded.DeviceID != "a1" {
		t.Fatalf("decoded ids %q/%q", decoded.UserID, decoded.DeviceID)
	}
	if !crypto.Equal(decoded.Fingerprint, fp) {
		t.Fatal("fingerprint did not survive the round trip")
	}
	if !decoded.Timestamp.Equal(issued.UTC()) {
		t.Fatalf("timestamp %v, want %v", decoded.Timestamp, issued.UTC())
	}
}

func TestQR_ChecksumMismatchRejected(t *testing.T) {
	fp := verify.GenerateFingerprint(makeKey(t), "alice", verify.FingerprintVersion)
	payload, err := verify.EncodeQR(verify.QRPayload{
		UserID:      "alice",
		Fingerprint: fp,
		Timestamp:   time.Now(),
	})
	if err != nil {
		t.Fatalf("EncodeQR: %v", err)
	}

	// Flip a bit inside the base64 body. The payload must be rejected on
	// checksum before any field is parsed.
	raw := []byte(payload)
	raw[len(verify.QRPrefix)+4] ^= 1
	_, err = verify.DecodeQR(string(raw))
	if err == nil {
		t.Fatal("corrupted payload accepted")
	}
	if !errors.Is(err, domain.ErrIntegrity) && !errors.Is(err, domain.ErrBadFormat) {
		t.Fatalf("err = %v, want integrity or format error", err)
	}
}
