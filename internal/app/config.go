package app

import (
	"github.com/decred/slog"

	"sigilo/internal/session"
)

// Backend selects the storage implementation.
type Backend string

const (
	// BackendMemory keeps all state in process memory.
	BackendMemory Backend = "memory"
	// BackendFile persists each record as a file under Home.
	BackendFile Backend = "file"
	// BackendBolt persists all records in a single bbolt database.
	BackendBolt Backend = "bolt"
)

// Config holds runtime wiring options for building the engine.
type Config struct {
	Home       string  // state directory, e.g. $HOME/.sigilo
	UserID     string  // local account identifier
	DeviceID   string  // local device identifier
	Backend    Backend // storage backend; defaults to file
	Passphrase string  // optional; encrypts the file backend at rest

	Sessions session.Config // session manager tuning
	Log      slog.Logger    // optional; defaults to slog.Disabled
}
