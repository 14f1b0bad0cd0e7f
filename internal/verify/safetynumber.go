package verify

import (
	"bytes"
	"fmt"
	"strings"

	"sigilo/internal/crypto"
	"sigilo/internal/domain"
)

const (
	// SafetyNumberVersion tags the derivation so displays from different
	// engine versions never silently compare equal.
	SafetyNumberVersion = 1

	// SafetyNumberDigits is the display length.
	SafetyNumberDigits = 60

	safetyNumberLabel = "sigilo/safety-number/v1"
)

// GenerateSafetyNumber combines two parties' fingerprints into the
// 60-digit safety number. The fingerprints are ordered lexicographically
// first, so both sides produce the identical number no matter who
// computes it.
func GenerateSafetyNumber(fingerprintA, fingerprintB []byte) (string, error) {
	if len(fingerprintA) != FingerprintSize || len(fingerprintB) != FingerprintSize {
		return "", fmt.Errorf("%w: bad fingerprint length", domain.ErrBadFormat)
	}
	lo, hi := fingerprintA, fingerprintB
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	combined := make([]byte, 0, 2*FingerprintSize)
	combined = append(combined, lo...)
	combined = append(combined, hi...)

	// One positional byte per digit.
	expanded := crypto.DeriveKey(combined, nil, safetyNumberLabel, SafetyNumberDigits)
	var sb strings.Builder
	sb.Grow(SafetyNumberDigits)
	for _, b := range expanded {
		sb.WriteByte('0' + b%10)
	}
	return sb.String(), nil
}

// FormatSafetyNumber renders a raw 60-digit number as twelve space-joined
// groups of five.
func FormatSafetyNumber(digits string) (string, error) {
	norm, err := ParseSafetyNumber(digits)
	if err != nil {
		return "", err
	}
	groups := make([]string, 0, SafetyNumberDigits/5)
	for i := 0; i < len(norm); i += 5 {
		groups = append(groups, norm[i:i+5])
	}
	return strings.Join(groups, " "), nil
}

// ParseSafetyNumber normalizes user input back to the raw 60 digits,
// dropping separators. Anything else is a format error.
func ParseSafetyNumber(input string) (string, error) {
	var sb strings.Builder
	sb.Grow(SafetyNumberDigits)
	for _, r := range input {
		switch {
		case r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == ' ' || r == '-' || r == '\n' || r == '\t':
			// separator
		default:
			return "", fmt.Errorf("%w: invalid character %q in safety number", domain.ErrBadFormat, r)
		}
	}
	if sb.Len() != SafetyNumberDigits {
		return "", fmt.Errorf("%w: safety number has %d digits, want %d", domain.ErrBadFormat, sb.Len(), SafetyNumberDigits)
	}
	return sb.String(), nil
}

// SafetyNumberGrid lays the twelve groups out as the 6-row, 2-column
// display grid.
func SafetyNumberGrid(digits string) ([][2]string, error) {
	norm, err := ParseSafetyNumber(digits)
	if err != nil {
		return nil, err
	}
	grid := make([][2]string, 6)
	for i := range grid {
		grid[i][0] = norm[i*10 : i*10+5]
		grid[i][1] = norm[i*10+5 : i*10+10]
	}
	return grid, nil
}

// CompareSafetyNumbers reports whether two user-entered numbers match
// after normalization, in constant time over the digits.
func CompareSafetyNumbers(a, b string) (bool, error) {
	na, err := ParseSafetyNumber(a)
	if err != nil {
		return false, err
	}
	nb, err := ParseSafetyNumber(b)
	if err != nil {
		return false, err
	}
	return crypto.Equal([]byte(na), []byte(nb)), nil
}
