// Package attachment encrypts file payloads independently of session
// state. Each attachment gets a dedicated random key used exactly once;
// whole-file mode produces a fixed 100-byte header followed by
// independently AEAD-sealed chunks, streaming mode applies the same
// per-chunk discipline over an io.Reader/io.Writer pair.
package attachment

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"sigilo/internal/crypto"
	"sigilo/internal/domain"
	"sigilo/internal/util/memzero"
)

// Container constants. The header layout is fixed at 100 bytes:
// magic(4) version(1) originalSize(8,BE) chunkSize(4,BE) chunkCount(4,BE)
// hash(64, zero-padded base64) reserved(15).
const (
	Magic      = "SATT"
	Version    = 1
	HeaderSize = 100

	hashFieldSize = 64
	reservedSize  = 15

	// Chunk size bounds for whole-file mode.
	MinChunkSize     = 64 * 1024
	MaxChunkSize     = 16 * 1024 * 1024
	DefaultChunkSize = 1024 * 1024
)

// Key is a single-use attachment encryption key.
type Key struct {
	ID         string
	Bytes      []byte
	KeyHash    []byte
	CreatedUTC time.Time
}

// NewKey draws a fresh attachment key. KeyHash identifies the key at rest
// without revealing it.
func NewKey() (*Key, error) {
	kb, err := crypto.RandomBytes(crypto.KeySize)
	if err != nil {
		return nil, err
	}
	kh := blake3.Sum256(kb)
	return &Key{
		ID:         uuid.NewString(),
		Bytes:      kb,
		KeyHash:    kh[:],
		CreatedUTC: time.Now().UTC(),
	}, nil
}

// Wipe zeroes the key bytes.
func (k *Key) Wipe() {
	memzero.Zero(k.Bytes)
}

// clampChunkSize applies the default and the [MinChunkSize, MaxChunkSize]
// bounds.
func clampChunkSize(chunkSize int) int {
	if chunkSize <= 0 {
		return DefaultChunkSize
	}
	if chunkSize < MinChunkSize {
		return MinChunkSize
	}
	if chunkSize > MaxChunkSize {
		return MaxChunkSize
	}
	return chunkSize
}

// Encrypt seals plaintext under key in whole-file mode. chunkSize <= 0
// selects the 1 MiB default.
func Encrypt(key *Key, plaintext []byte, chunkSize int) ([]byte, error) {
	chunkSize = clampChunkSize(chunkSize)
	chunkCount := (len(plaintext) + chunkSize - 1) / chunkSize
	if len(plaintext) == 0 {
		chunkCount = 0
	}

	hash := blake3.Sum256(plaintext)
	header, err := packHeader(uint64(len(plaintext)), uint32(chunkSize), uint32(chunkCount), hash[:])
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, HeaderSize+len(plaintext)+chunkCount*(crypto.NonceSize+crypto.TagSize))
	out = append(out, header...)
	for i := 0; i < chunkCount; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		nonce, err := crypto.RandomNonce()
		if err != nil {
			return nil, err
		}
		ct, err := crypto.Seal(key.Bytes, nonce, plaintext[start:end], chunkAD(uint32(i)))
		if err != nil {
			return nil, err
		}
		out = append(out, nonce...)
		out = append(out, ct...)
	}
	return out, nil
}

// Decrypt opens a whole-file container. Any chunk failure or a plaintext
// hash mismatch rejects the entire attachment; no partial output.
func Decrypt(key *Key, data []byte) ([]byte, error) {
	originalSize, chunkSize, chunkCount, wantHash, err := unpackHeader(data)
	if err != nil {
		return nil, err
	}

	// The container length is fully implied by the header. Check it before
	// trusting any size field, subtracting from len(data) so huge declared
	// sizes cannot overflow the arithmetic or drive the allocation below.
	payload := uint64(len(data) - HeaderSize)
	overhead := uint64(chunkCount) * uint64(crypto.NonceSize+crypto.TagSize)
	if originalSize > payload || payload-originalSize != overhead {
		return nil, fmt.Errorf("%w: attachment length does not match header", domain.ErrBadFormat)
	}

	out := make([]byte, 0, originalSize)
	off := HeaderSize
	for i := uint32(0); i < chunkCount; i++ {
		// The last chunk's plaintext length follows from the header, so
		// its ciphertext length is derived, never guessed.
		ptLen := int(chunkSize)
		if i == chunkCount-1 {
			ptLen = int(originalSize) - int(chunkSize)*int(chunkCount-1)
		}
		if ptLen <= 0 || ptLen > int(chunkSize) {
			return nil, fmt.Errorf("%w: header size fields are inconsistent", domain.ErrBadFormat)
		}
		recLen := crypto.NonceSize + ptLen + crypto.TagSize
		if off+recLen > len(data) {
			return nil, fmt.Errorf("%w: truncated attachment chunk %d", domain.ErrBadFormat, i)
		}
		nonce := data[off : off+crypto.NonceSize]
		ct := data[off+crypto.NonceSize : off+recLen]
		pt, err := crypto.Open(key.Bytes, nonce, ct, chunkAD(i))
		if err != nil {
			memzero.Zero(out)
			return nil, err
		}
		out = append(out, pt...)
		off += recLen
	}
	if off != len(data) {
		memzero.Zero(out)
		return nil, fmt.Errorf("%w: trailing bytes after final chunk", domain.ErrBadFormat)
	}
	if uint64(len(out)) != originalSize {
		memzero.Zero(out)
		return nil, fmt.Errorf("%w: attachment size mismatch", domain.ErrIntegrity)
	}

	got := blake3.Sum256(out)
	if !crypto.Equal(got[:], wantHash) {
		memzero.Zero(out)
		return nil, fmt.Errorf("%w: attachment hash mismatch", domain.ErrIntegrity)
	}
	return out, nil
}

// chunkAD binds each chunk to its position so records cannot be reordered
// or transplanted between attachments encrypted under different indices.
func chunkAD(index uint32) []byte {
	ad := make([]byte, 8)
	copy(ad, "chnk")
	binary.BigEndian.PutUint32(ad[4:], index)
	return ad
}

func packHeader(originalSize uint64, chunkSize, chunkCount uint32, hash []byte) ([]byte, error) {
	encoded := base64.StdEncoding.EncodeToString(hash)
	if len(encoded) > hashFieldSize {
		return nil, fmt.Errorf("%w: hash field overflow", domain.ErrBadFormat)
	}
	h := make([]byte, 0, HeaderSize)
	h = append(h, Magic...)
	h = append(h, Version)
	h = binary.BigEndian.AppendUint64(h, originalSize)
	h = binary.BigEndian.AppendUint32(h, chunkSize)
	h = binary.BigEndian.AppendUint32(h, chunkCount)
	hashField := make([]byte, hashFieldSize)
	copy(hashField, encoded)
	h = append(h, hashField...)
	h = append(h, make([]byte, reservedSize)...)
	return h, nil
}

func unpackHeader(data []byte) (originalSize uint64, chunkSize, chunkCount uint32, hash []byte, err error) {
	if len(data) < HeaderSize {
		return 0, 0, 0, nil, fmt.Errorf("%w: attachment shorter than header", domain.ErrBadFormat)
	}
	if string(data[:4]) != Magic {
		return 0, 0, 0, nil, fmt.Errorf("%w: bad attachment magic", domain.ErrBadFormat)
	}
	if data[4] != Version {
		return 0, 0, 0, nil, fmt.Errorf("%w: unsupported attachment version %d", domain.ErrBadFormat, data[4])
	}
	originalSize = binary.BigEndian.Uint64(data[5:13])
	chunkSize = binary.BigEndian.Uint32(data[13:17])
	chunkCount = binary.BigEndian.Uint32(data[17:21])
	if chunkSize == 0 && chunkCount > 0 {
		return 0, 0, 0, nil, fmt.Errorf("%w: zero chunk size", domain.ErrBadFormat)
	}

	hashField := data[21 : 21+hashFieldSize]
	end := len(hashField)
	for end > 0 && hashField[end-1] == 0 {
		end--
	}
	hash, err = base64.StdEncoding.DecodeString(string(hashField[:end]))
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("%w: bad attachment hash field: %v", domain.ErrBadFormat, err)
	}
	return originalSize, chunkSize, chunkCount, hash, nil
}
