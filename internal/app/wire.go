package app

import (
	"fmt"
	"path/filepath"

	"github.com/decred/slog"

	"sigilo/internal/domain"
	"sigilo/internal/events"
	"sigilo/internal/group"
	"sigilo/internal/protocol/x3dh"
	"sigilo/internal/recovery"
	"sigilo/internal/session"
	"sigilo/internal/storage"
	"sigilo/internal/verify"
)

// Wire bundles the storage backend, protocol managers and supporting
// services for the CLI.
type Wire struct {
	Store    storage.Storage
	Bus      *events.Bus
	X3DH     *x3dh.Manager
	Sessions *session.Manager
	Groups   *group.Manager
	Verify   *verify.Manager
	Limiter  *recovery.Limiter

	self  domain.Address
	close func() error
}

// NewWire constructs the dependency graph from cfg and initializes the
// local identity.
func NewWire(cfg Config) (*Wire, error) {
	if cfg.UserID == "" || cfg.DeviceID == "" {
		return nil, fmt.Errorf("%w: user and device identifiers are required", domain.ErrBadFormat)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}

	store, closer, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	self := domain.Address{UserID: cfg.UserID, DeviceID: cfg.DeviceID}

	x3dhMgr := x3dh.NewManager(store, log, cfg.UserID, cfg.DeviceID)
	if err := x3dhMgr.Initialize(); err != nil {
		if closer != nil {
			_ = closer()
		}
		return nil, err
	}

	verifyMgr := verify.NewManager(store, bus, log)
	sessionMgr := session.NewManager(cfg.Sessions, x3dhMgr, store, bus, log, self)
	sessionMgr.SetIdentityObserver(verifyMgr)

	return &Wire{
		Store:    store,
		Bus:      bus,
		X3DH:     x3dhMgr,
		Sessions: sessionMgr,
		Groups:   group.NewManager(store, bus, log, self),
		Verify:   verifyMgr,
		Limiter:  recovery.NewLimiter(0, 0, 0),
		self:     self,
		close:    closer,
	}, nil
}

// Self returns the local address.
func (w *Wire) Self() domain.Address { return w.self }

// Close releases the storage backend.
func (w *Wire) Close() error {
	if w.close != nil {
		return w.close()
	}
	return nil
}

func openBackend(cfg Config) (storage.Storage, func() error, error) {
	switch cfg.Backend {
	case BackendMemory:
		return storage.NewMemoryStore(), nil, nil
	case BackendBolt:
		bs, err := storage.OpenBoltStore(filepath.Join(cfg.Home, "sigilo.db"))
		if err != nil {
			return nil, nil, err
		}
		return bs, bs.Close, nil
	case BackendFile, "":
		if cfg.Passphrase != "" {
			return storage.NewEncryptedFileStore(cfg.Home, cfg.Passphrase), nil, nil
		}
		return storage.NewFileStore(cfg.Home), nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown storage backend %q", domain.ErrBadFormat, cfg.Backend)
	}
}
