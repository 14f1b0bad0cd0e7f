// Package storage defines the key-value contract the engine persists
// through, plus swappable adapters: in-memory (tests), encrypted files,
// and bbolt. The engine never assumes a concrete backend.
package storage

// Namespace prefixes. Each subsystem owns one prefix; keys never cross
// namespaces.
const (
	PrefixSession = "session/"
	PrefixX3DH    = "x3dh/"
	PrefixGroup   = "group/"
	PrefixVerify  = "verify/"
)

// Storage is the persistence contract consumed by the engine. Corrupted
// values are a consumer concern: adapters return bytes as stored, the
// managers above decide to drop undecodable records.
type Storage interface {
	// GetItem returns the value for key and whether it exists.
	GetItem(key string) ([]byte, bool, error)
	// SetItem stores value under key, replacing any previous value.
	SetItem(key string, value []byte) error
	// RemoveItem deletes key. Removing a missing key is not an error.
	RemoveItem(key string) error
	// HasItem reports whether key exists.
	HasItem(key string) (bool, error)
	// ListKeys returns all keys starting with prefix.
	ListKeys(prefix string) ([]string, error)
}
