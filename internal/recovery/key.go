// Package recovery implements the human-typable backup code: a 55-symbol
// base32-style encoding of 32 bytes of entropy plus a 2-byte checksum,
// the argon2-based wrapping of a master key under that code, and a
// sliding-window rate limiter for validation attempts.
package recovery

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"

	"sigilo/internal/domain"
	"sigilo/internal/util/memzero"
)

const (
	// EntropySize is the raw entropy length behind a recovery key.
	EntropySize = 32
	// ChecksumSize is the trailing checksum length.
	ChecksumSize = 2

	// encodedLen is the symbol count: 34 bytes at 5 bits per symbol.
	encodedLen = 55
	// groupSize symbols per display group, groupCount groups.
	groupSize  = 5
	groupCount = 11
)

// alphabet is the 32-symbol encoding set. 0/O, 1/I/L and U/V lookalikes
// are excluded so a key survives handwriting and phone screens.
const alphabet = "ABCDEFGHJKMNPQRSTWXYZ23456789+=$"

var alphabetIndex = func() [256]int8 {
	var idx [256]int8
	for i := range idx {
		idx[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		idx[alphabet[i]] = int8(i)
	}
	return idx
}()

// GenerateRecoveryKey draws fresh entropy and returns the formatted
// display string alongside the raw entropy bytes. The caller owns both
// and should wipe the entropy when done.
func GenerateRecoveryKey() (string, []byte, error) {
	entropy := make([]byte, EntropySize)
	if _, err := rand.Read(entropy); err != nil {
		return "", nil, fmt.Errorf("recovery entropy: %w", err)
	}
	display := Format(encode(withChecksum(entropy)))
	return display, entropy, nil
}

// ValidateRecoveryKey normalizes input, decodes it and verifies the
// checksum in constant time. On success it returns the 32 entropy bytes.
// A well-formed string with a bad checksum fails with ErrIntegrity.
func ValidateRecoveryKey(input string) ([]byte, error) {
	symbols, err := normalize(input)
	if err != nil {
		return nil, err
	}
	raw, err := decode(symbols)
	if err != nil {
		return nil, err
	}
	entropy := raw[:EntropySize]
	want := checksum(entropy)
	if subtle.ConstantTimeCompare(raw[EntropySize:], want[:]) != 1 {
		memzero.Zero(raw)
		return nil, fmt.Errorf("%w: recovery key checksum mismatch", domain.ErrIntegrity)
	}
	out := make([]byte, EntropySize)
	copy(out, entropy)
	memzero.Zero(raw)
	return out, nil
}

// Format inserts dashes every five symbols.
func Format(symbols string) string {
	var b strings.Builder
	b.Grow(encodedLen + groupCount - 1)
	for i := 0; i < len(symbols); i += groupSize {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + groupSize
		if end > len(symbols) {
			end = len(symbols)
		}
		b.WriteString(symbols[i:end])
	}
	return b.String()
}

// normalize strips separators and whitespace, upper-cases, and checks
// length and symbol membership.
func normalize(input string) (string, error) {
	var b strings.Builder
	b.Grow(encodedLen)
	for _, r := range strings.ToUpper(input) {
		switch r {
		case '-', ' ', '\t', '\n', '\r':
			continue
		}
		if r > 255 || alphabetIndex[byte(r)] < 0 {
			return "", fmt.Errorf("%w: invalid recovery key symbol %q", domain.ErrBadFormat, r)
		}
		b.WriteByte(byte(r))
	}
	if b.Len() != encodedLen {
		return "", fmt.Errorf("%w: recovery key has %d symbols, want %d", domain.ErrBadFormat, b.Len(), encodedLen)
	}
	return b.String(), nil
}

func withChecksum(entropy []byte) []byte {
	sum := checksum(entropy)
	out := make([]byte, 0, EntropySize+ChecksumSize)
	out = append(out, entropy...)
	return append(out, sum[:]...)
}

// checksum is the first two bytes of SHA-256 over the entropy.
func checksum(entropy []byte) [ChecksumSize]byte {
	h := sha256.Sum256(entropy)
	var out [ChecksumSize]byte
	copy(out[:], h[:ChecksumSize])
	return out
}

// encode packs data into 5-bit symbols, most significant bit first. The
// final symbol carries 3 padding zero bits.
func encode(data []byte) string {
	var b strings.Builder
	b.Grow(encodedLen)
	var acc uint32
	var bits uint
	for _, by := range data {
		acc = acc<<8 | uint32(by)
		bits += 8
		for bits >= 5 {
			bits -= 5
			b.WriteByte(alphabet[(acc>>bits)&0x1f])
		}
	}
	if bits > 0 {
		b.WriteByte(alphabet[(acc<<(5-bits))&0x1f])
	}
	return b.String()
}

// decode reverses encode for a normalized 55-symbol string.
func decode(symbols string) ([]byte, error) {
	out := make([]byte, 0, EntropySize+ChecksumSize)
	var acc uint32
	var bits uint
	for i := 0; i < len(symbols); i++ {
		v := alphabetIndex[symbols[i]]
		if v < 0 {
			return nil, fmt.Errorf("%w: invalid recovery key symbol %q", domain.ErrBadFormat, symbols[i])
		}
		acc = acc<<5 | uint32(v)
		bits += 5
		if bits >= 8 {
			bits -= 8
			out = append(out, byte(acc>>bits))
		}
	}
	// The trailing padding bits must be zero.
	if acc&((1<<bits)-1) != 0 {
		return nil, fmt.Errorf("%w: nonzero recovery key padding", domain.ErrBadFormat)
	}
	if len(out) != EntropySize+ChecksumSize {
		return nil, fmt.Errorf("%w: recovery key decodes to %d bytes", domain.ErrBadFormat, len(out))
	}
	return out, nil
}
