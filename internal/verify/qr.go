package verify

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"sigilo/internal/crypto"
	"sigilo/internal/domain"
)

// QRPrefix starts every verification payload exchanged via QR code. Only
// the payload bytes are in scope here; rendering and scanning pixels is
// the caller's concern.
const QRPrefix = "sigilo:verify:"

const (
	qrVersion      = 1
	qrChecksumSize = 8
)

// QRPayload is the decoded content of a verification QR code.
type QRPayload struct {
	Version             uint8
	SafetyNumberVersion uint8
	UserID              string
	DeviceID            string // optional
	Fingerprint         []byte
	Timestamp           time.Time
}

// EncodeQR renders a verification payload as the prefixed base64 string.
func EncodeQR(p QRPayload) (string, error) {
	if len(p.Fingerprint) != FingerprintSize {
		return "", fmt.Errorf("%w: bad fingerprint length", domain.ErrBadFormat)
	}
	if len(p.UserID) == 0 || len(p.UserID) > 255 || len(p.DeviceID) > 255 {
		return "", fmt.Errorf("%w: bad identifier length", domain.ErrBadFormat)
	}
	if p.Version == 0 {
		p.Version = qrVersion
	}
	if p.SafetyNumberVersion == 0 {
		p.SafetyNumberVersion = SafetyNumberVersion
	}

	raw := make([]byte, 0, 2+2+len(p.UserID)+len(p.DeviceID)+FingerprintSize+8+qrChecksumSize)
	raw = append(raw, p.Version, p.SafetyNumberVersion)
	raw = append(raw, byte(len(p.UserID)))
	raw = append(raw, p.UserID...)
	raw = append(raw, byte(len(p.DeviceID)))
	raw = append(raw, p.DeviceID...)
	raw = append(raw, p.Fingerprint...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(p.Timestamp.Unix()))
	raw = append(raw, ts[:]...)

	sum := sha256.Sum256(raw)
	raw = append(raw, sum[:qrChecksumSize]...)

	return QRPrefix + base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeQR parses and validates a scanned payload. The checksum is checked
// before any field is trusted; a mismatch is an integrity error.
func DecodeQR(payload string) (*QRPayload, error) {
	if !strings.HasPrefix(payload, QRPrefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", domain.ErrBadFormat, QRPrefix)
	}
	raw, err := base64.StdEncoding.DecodeString(payload[len(QRPrefix):])
	if err != nil {
		return nil, fmt.Errorf("%w: qr base64: %v", domain.ErrBadFormat, err)
	}
	if len(raw) < 2+1+1+FingerprintSize+8+qrChecksumSize {
		return nil, fmt.Errorf("%w: qr payload too short", domain.ErrBadFormat)
	}

	body, checksum := raw[:len(raw)-qrChecksumSize], raw[len(raw)-qrChecksumSize:]
	sum := sha256.Sum256(body)
	if !crypto.Equal(sum[:qrChecksumSize], checksum) {
		return nil, fmt.Errorf("%w: qr checksum mismatch", domain.ErrIntegrity)
	}

	p := &QRPayload{Version: body[0], SafetyNumberVersion: body[1]}
	rest := body[2:]

	userID, rest, err := readLenPrefixed(rest)
	if err != nil {
		return nil, err
	}
	deviceID, rest, err := readLenPrefixed(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != FingerprintSize+8 {
		return nil, fmt.Errorf("%w: qr payload truncated", domain.ErrBadFormat)
	}
	p.UserID = userID
	p.DeviceID = deviceID
	p.Fingerprint = append([]byte(nil), rest[:FingerprintSize]...)
	p.Timestamp = time.Unix(int64(binary.BigEndian.Uint64(rest[FingerprintSize:])), 0).UTC()
	return p, nil
}

func readLenPrefixed(b []byte) (string, []byte, error) {
	if len(b) < 1 {
		return "", nil, fmt.Errorf("%w: qr payload truncated", domain.ErrBadFormat)
	}
	n := int(b[0])
	if len(b) < 1+n {
		return "", nil, fmt.Errorf("%w: qr payload truncated", domain.ErrBadFormat)
	}
	return string(b[1 : 1+n]), b[1+n:], nil
}
