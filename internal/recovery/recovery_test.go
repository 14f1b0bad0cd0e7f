package recovery_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"sigilo/internal/domain"
	"sigilo/internal/recovery"
)

func TestRecoveryKey_GenerateValidateRoundTrip(t *testing.T) {
	display, entropy, err := recovery.GenerateRecoveryKey()
	if err != nil {
		t.Fatalf("GenerateRecoveryKey: %v", err)
	}
	if len(entropy) != recovery.EntropySize {
		t.Fatalf("entropy is %d bytes, want %d", len(entropy), recovery.EntropySize)
	}
	if groups := strings.Split(display, "-"); len(groups) != 11 {
		t.Fatalf("display has %d groups, want 11", len(groups))
	}

	got, err := recovery.ValidateRecoveryKey(display)
	if err != nil {
		t.Fatalf("ValidateRecoveryKey: %v", err)
	}
	if !bytes.Equal(got, entropy) {
		t.Fatal("validation returned different entropy")
	}
}

func TestRecoveryKey_CaseAndSeparatorInsensitive(t *testing.T) {
	display, entropy, err := recovery.GenerateRecoveryKey()
	if err != nil {
		t.Fatalf("GenerateRecoveryKey: %v", err)
	}

	mangled := strings.ToLower(strings.ReplaceAll(display, "-", " "))
	got, err := recovery.ValidateRecoveryKey(mangled)
	if err != nil {
		t.Fatalf("ValidateRecoveryKey on mangled input: %v", err)
	}
	if !bytes.Equal(got, entropy) {
		t.Fatal("mangled input decoded to different entropy")
	}
}

func TestRecoveryKey_SingleCharacterMutationRejected(t *testing.T) {
	display, _, err := recovery.GenerateRecoveryKey()
	if err != nil {
		t.Fatalf("GenerateRecoveryKey: %v", err)
	}

	// Flip every position in turn to another alphabet symbol; each mutant
	// must fail validation.
	for i := 0; i < len(display); i++ {
		if display[i] == '-' {
			continue
		}
		mutant := []byte(display)
		if mutant[i] == 'A' {
			mutant[i] = 'B'
		} else {
			mutant[i] = 'A'
		}
		if _, err := recovery.ValidateRecoveryKey(string(mutant)); err == nil {
			t.Fatalf("mutation at position %d accepted", i)
		}
	}
}

func TestRecoveryKey_MalformedInputRejected(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"too short":      "ABCDE-FGHJK",
		"invalid symbol": strings.Repeat("O", 55),
	}
	for name, input := range cases {
		if _, err := recovery.ValidateRecoveryKey(input); !errors.Is(err, domain.ErrBadFormat) {
			t.Fatalf("%s: err = %v, want ErrBadFormat", name, err)
		}
	}
}

func TestMasterKey_WrapUnwrap(t *testing.T) {
	_, entropy, err := recovery.GenerateRecoveryKey()
	if err != nil {
		t.Fatalf("GenerateRecoveryKey: %v", err)
	}
	master := bytes.Repeat([]byte{0x5a}, 32)

	wrapped, err := recovery.EncryptMasterKey(entropy, master)
	if err != nil {
		t.Fatalf("EncryptMasterKey: %v", err)
	}
	got, err := recovery.DecryptMasterKey(entropy, wrapped)
	if err != nil {
		t.Fatalf("DecryptMasterKey: %v", err)
	}
	if !bytes.Equal(got, master) {
		t.Fatal("unwrapped key differs from original")
	}
}

func TestMasterKey_WrongRecoveryKeyRejected(t *testing.T) {
	_, entropy, err := recovery.GenerateRecoveryKey()
	if err != nil {
		t.Fatalf("GenerateRecoveryKey: %v", err)
	}
	wrapped, err := recovery.EncryptMasterKey(entropy, []byte("master key bytes"))
	if err != nil {
		t.Fatalf("EncryptMasterKey: %v", err)
	}

	_, other, err := recovery.GenerateRecoveryKey()
	if err != nil {
		t.Fatalf("GenerateRecoveryKey: %v", err)
	}
	if _, err := recovery.DecryptMasterKey(other, wrapped); !errors.Is(err, domain.ErrIntegrity) {
		t.Fatalf("err = %v, want ErrIntegrity", err)
	}
}

func TestMasterKey_KeyHashAloneInsufficient(t *testing.T) {
	_, entropy, err := recovery.GenerateRecoveryKey()
	if err != nil {
		t.Fatalf("GenerateRecoveryKey: %v", err)
	}
	wrapped, err := recovery.EncryptMasterKey(entropy, []byte("master key bytes"))
	if err != nil {
		t.Fatalf("EncryptMasterKey: %v", err)
	}

	// Forge a wrapped blob whose pre-check hash matches a different key:
	// the AEAD layer still rejects it.
	_, other, _ := recovery.GenerateRecoveryKey()
	forged := *wrapped
	otherWrapped, err := recovery.EncryptMasterKey(other, []byte("decoy"))
	if err != nil {
		t.Fatalf("EncryptMasterKey: %v", err)
	}
	forged.KeyHash = otherWrapped.KeyHash
	if _, err := recovery.DecryptMasterKey(other, &forged); err == nil {
		t.Fatal("forged key hash allowed decryption")
	}
}

func TestLimiter_LockoutAfterFailures(t *testing.T) {
	l := recovery.NewLimiter(0, 0, 0)
	now := time.Now()

	for i := 0; i < recovery.DefaultMaxFailures; i++ {
		allowed, _ := l.Check("alice", now)
		if !allowed {
			t.Fatalf("locked out after only %d failures", i)
		}
		l.RecordFailure("alice", now.Add(time.Duration(i)*time.Second))
	}

	allowed, wait := l.Check("alice", now.Add(5*time.Second))
	if allowed {
		t.Fatal("still allowed after hitting the failure threshold")
	}
	if wait <= 0 {
		t.Fatalf("wait = %v, want > 0", wait)
	}

	// After the lockout elapses, attempts are allowed again.
	allowed, _ = l.Check("alice", now.Add(recovery.DefaultLockout+10*time.Second))
	if !allowed {
		t.Fatal("still locked out after the lockout window elapsed")
	}
}

func TestLimiter_AllowReportsRateLimit(t *testing.T) {
	l := recovery.NewLimiter(0, 0, 0)
	now := time.Now()

	if err := l.Allow("alice", now); err != nil {
		t.Fatalf("Allow before any failures: %v", err)
	}
	for i := 0; i < recovery.DefaultMaxFailures; i++ {
		l.RecordFailure("alice", now)
	}
	if err := l.Allow("alice", now); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("locked-out Allow err = %v, want ErrRateLimited", err)
	}
}

func TestLimiter_StaleFailuresPruned(t *testing.T) {
	l := recovery.NewLimiter(0, 0, 0)
	now := time.Now()

	// Four failures, then a long pause: the window empties out.
	for i := 0; i < 4; i++ {
		l.RecordFailure("bob", now.Add(time.Duration(i)*time.Second))
	}
	later := now.Add(recovery.DefaultWindow + 30*time.Second)
	l.RecordFailure("bob", later)

	if allowed, _ := l.Check("bob", later); !allowed {
		t.Fatal("pruned failures still counted toward the threshold")
	}
}

func TestLimiter_SubjectsIndependent(t *testing.T) {
	l := recovery.NewLimiter(0, 0, 0)
	now := time.Now()

	for i := 0; i < recovery.DefaultMaxFailures; i++ {
		l.RecordFailure("alice", now)
	}
	if allowed, _ := l.Check("alice", now); allowed {
		t.Fatal("alice should be locked out")
	}
	if allowed, _ := l.Check("bob", now); !allowed {
		t.Fatal("bob inherited alice's lockout")
	}
}
