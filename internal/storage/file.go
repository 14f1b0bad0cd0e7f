package storage

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"sigilo/internal/util/memzero"
)

// FileStore keeps one file per key under a directory. When constructed
// with a passphrase every value is sealed in an scrypt envelope before it
// touches disk.
type FileStore struct {
	dir        string
	passphrase string
	mu         sync.Mutex
}

// NewFileStore returns a plaintext file store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// NewEncryptedFileStore returns a file store whose values are encrypted
// at rest under a passphrase-derived key.
func NewEncryptedFileStore(dir, passphrase string) *FileStore {
	return &FileStore{dir: dir, passphrase: passphrase}
}

func (s *FileStore) path(key string) string {
	// Keys contain '/' namespace separators; hex keeps filenames flat.
	return filepath.Join(s.dir, hex.EncodeToString([]byte(key)))
}

// GetItem implements Storage.
func (s *FileStore) GetItem(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if s.passphrase == "" {
		return blob, true, nil
	}
	v, err := openEnvelope(s.passphrase, blob)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// SetItem implements Storage.
func (s *FileStore) SetItem(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	blob := value
	if s.passphrase != "" {
		var err error
		blob, err = sealEnvelope(s.passphrase, value)
		if err != nil {
			return err
		}
	}
	return os.WriteFile(s.path(key), blob, 0o600)
}

// RemoveItem implements Storage.
func (s *FileStore) RemoveItem(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// HasItem implements Storage.
func (s *FileStore) HasItem(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := os.Stat(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListKeys implements Storage.
func (s *FileStore) ListKeys(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		raw, err := hex.DecodeString(e.Name())
		if err != nil {
			continue // foreign file in the store dir
		}
		if k := string(raw); strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

var _ Storage = (*FileStore)(nil)

// scrypt envelope. Parameters fixed here.
func scryptParams() (N, r, p int) { return 1 << 15, 8, 1 }

type envelope struct {
	Salt []byte `json:"salt"`
	CT   []byte `json:"ct"`
}

func sealEnvelope(passphrase string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	N, r, p := scryptParams()
	key, err := scrypt.Key([]byte(passphrase), salt, N, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nonce, nonce, plaintext, nil)
	return json.Marshal(envelope{Salt: salt, CT: ct})
}

func openEnvelope(passphrase string, blob []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("bad envelope: %w", err)
	}
	if len(env.CT) < chacha20poly1305.NonceSize {
		return nil, errors.New("bad envelope: truncated")
	}
	N, r, p := scryptParams()
	key, err := scrypt.Key([]byte(passphrase), env.Salt, N, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce, ct := env.CT[:chacha20poly1305.NonceSize], env.CT[chacha20poly1305.NonceSize:]
	return aead.Open(nil, nonce, ct, nil)
}
