package x3dh

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"

	"sigilo/internal/crypto"
	"sigilo/internal/domain"
	"sigilo/internal/storage"
)

const (
	// SignedPreKeyMaxAge is how long a signed pre-key stays current before
	// Rotate should be called. Rotation is explicit maintenance, never
	// automatic.
	SignedPreKeyMaxAge = 7 * 24 * time.Hour

	// DefaultOneTimeBatch is how many one-time pre-keys Replenish creates
	// at a time.
	DefaultOneTimeBatch = 100
)

var (
	// ErrNotInitialized means an operation ran before Initialize. This is
	// a programmer error.
	ErrNotInitialized = errors.New("x3dh: manager not initialized")

	// ErrOneTimeReused means a consumed one-time pre-key id was presented
	// again. Completing key agreement twice with the same id is a
	// protocol violation.
	ErrOneTimeReused = fmt.Errorf("%w: one-time pre-key already consumed", domain.ErrProtocolState)

	errNoSignedPreKey = fmt.Errorf("%w: no current signed pre-key", domain.ErrProtocolState)
)

// managerState is the persisted form of the local X3DH side.
type managerState struct {
	Identity        *domain.Identity                `json:"identity"`
	SignedPreKeys   map[uint32]domain.SignedPreKey  `json:"signed_pre_keys"`
	CurrentSignedID uint32                          `json:"current_signed_id"`
	OneTimePreKeys  map[uint32]domain.OneTimePreKey `json:"one_time_pre_keys"`
	NextOneTimeID   uint32                          `json:"next_one_time_id"`
	NextSignedID    uint32                          `json:"next_signed_id"`
}

// Manager owns one device's X3DH material: identity, the current signed
// pre-key and the one-time pre-key pool.
type Manager struct {
	userID   string
	deviceID string
	store    storage.Storage
	log      slog.Logger

	mu    sync.Mutex
	state *managerState
}

// NewManager wires a manager over the given storage. Call Initialize before
// anything else.
func NewManager(store storage.Storage, log slog.Logger, userID, deviceID string) *Manager {
	if log == nil {
		log = slog.Disabled
	}
	return &Manager{userID: userID, deviceID: deviceID, store: store, log: log}
}

func (m *Manager) storageKey() string {
	return storage.PrefixX3DH + m.userID + ":" + m.deviceID
}

// Initialize loads persisted state or creates a fresh identity. A corrupted
// record is dropped with a warning and replaced, never fatal.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob, ok, err := m.store.GetItem(m.storageKey())
	if err != nil {
		return fmt.Errorf("%w: load x3dh state: %v", domain.ErrStorage, err)
	}
	if ok {
		var st managerState
		if err := json.Unmarshal(blob, &st); err == nil && st.Identity != nil {
			m.state = &st
			return nil
		}
		m.log.Warnf("dropping corrupted x3dh state for %s:%s", m.userID, m.deviceID)
		_ = m.store.RemoveItem(m.storageKey())
	}

	id, err := generateIdentity()
	if err != nil {
		return err
	}
	m.state = &managerState{
		Identity:       id,
		SignedPreKeys:  make(map[uint32]domain.SignedPreKey),
		OneTimePreKeys: make(map[uint32]domain.OneTimePreKey),
		NextOneTimeID:  1,
		NextSignedID:   1,
	}
	return m.persistLocked()
}

func generateIdentity() (*domain.Identity, error) {
	xPriv, xPub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	edPriv, edPub, err := crypto.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	var regID [4]byte
	if _, err := rand.Read(regID[:]); err != nil {
		return nil, err
	}
	return &domain.Identity{
		XPub:           xPub,
		XPriv:          xPriv,
		EdPub:          edPub,
		EdPriv:         edPriv,
		RegistrationID: binary.BigEndian.Uint32(regID[:]) & 0x3fff,
		CreatedUTC:     time.Now().Unix(),
	}, nil
}

// Identity returns the local identity.
func (m *Manager) Identity() (domain.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return domain.Identity{}, ErrNotInitialized
	}
	return *m.state.Identity, nil
}

// GenerateSignedPreKey creates, signs and stores a signed pre-key under the
// given id and makes it current.
func (m *Manager) GenerateSignedPreKey(keyID uint32) (domain.SignedPreKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return domain.SignedPreKey{}, ErrNotInitialized
	}
	return m.generateSignedLocked(keyID)
}

func (m *Manager) generateSignedLocked(keyID uint32) (domain.SignedPreKey, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.SignedPreKey{}, err
	}
	spk := domain.SignedPreKey{
		ID:         keyID,
		Priv:       priv,
		Pub:        pub,
		Sig:        crypto.SignEd25519(m.state.Identity.EdPriv, pub.Slice()),
		CreatedUTC: time.Now().Unix(),
	}
	m.state.SignedPreKeys[keyID] = spk
	m.state.CurrentSignedID = keyID
	if keyID >= m.state.NextSignedID {
		m.state.NextSignedID = keyID + 1
	}
	if err := m.persistLocked(); err != nil {
		return domain.SignedPreKey{}, err
	}
	return spk, nil
}

// GenerateOneTimePreKeys creates count numbered one-time pre-keys starting
// at startID.
func (m *Manager) GenerateOneTimePreKeys(startID uint32, count int) ([]domain.OneTimePreKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, ErrNotInitialized
	}

	out := make([]domain.OneTimePreKey, 0, count)
	for i := 0; i < count; i++ {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		opk := domain.OneTimePreKey{
			ID:         startID + uint32(i),
			Priv:       priv,
			Pub:        pub,
			CreatedUTC: time.Now().Unix(),
		}
		m.state.OneTimePreKeys[opk.ID] = opk
		out = append(out, opk)
	}
	if next := startID + uint32(count); next > m.state.NextOneTimeID {
		m.state.NextOneTimeID = next
	}
	if err := m.persistLocked(); err != nil {
		return nil, err
	}
	return out, nil
}

// Bundle assembles the publishable pre-key bundle. The first unconsumed
// one-time pre-key is offered; its private half stays local until a peer
// completes against it.
func (m *Manager) Bundle() (domain.PreKeyBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return domain.PreKeyBundle{}, ErrNotInitialized
	}

	spk, ok := m.state.SignedPreKeys[m.state.CurrentSignedID]
	if !ok {
		return domain.PreKeyBundle{}, errNoSignedPreKey
	}

	b := domain.PreKeyBundle{
		UserID:          m.userID,
		DeviceID:        m.deviceID,
		RegistrationID:  m.state.Identity.RegistrationID,
		IdentityKey:     m.state.Identity.XPub,
		SigningKey:      m.state.Identity.EdPub,
		SignedPreKeyID:  spk.ID,
		SignedPreKey:    spk.Pub,
		SignedPreKeySig: append([]byte(nil), spk.Sig...),
	}
	for id := uint32(1); id < m.state.NextOneTimeID; id++ {
		if opk, ok := m.state.OneTimePreKeys[id]; ok && !opk.Used {
			opkID, opkPub := opk.ID, opk.Pub
			b.OneTimePreKeyID = &opkID
			b.OneTimePreKey = &opkPub
			break
		}
	}
	return b, nil
}

// InitiateKeyAgreement runs initiator X3DH with our identity against the
// peer's bundle.
func (m *Manager) InitiateKeyAgreement(bundle domain.PreKeyBundle) (*Agreement, error) {
	m.mu.Lock()
	if m.state == nil {
		m.mu.Unlock()
		return nil, ErrNotInitialized
	}
	id := *m.state.Identity
	m.mu.Unlock()

	return Initiate(id, bundle)
}

// CompleteKeyAgreement runs responder X3DH against an incoming handshake.
// When a one-time pre-key id is named it is consumed; presenting a consumed
// id again fails with ErrOneTimeReused.
func (m *Manager) CompleteKeyAgreement(
	senderIdentity domain.X25519Public,
	senderEphemeral domain.X25519Public,
	signedPreKeyID uint32,
	oneTimePreKeyID *uint32,
) (*Agreement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, ErrNotInitialized
	}

	spk, ok := m.state.SignedPreKeys[signedPreKeyID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown signed pre-key %d", domain.ErrProtocolState, signedPreKeyID)
	}

	var opk *domain.OneTimePreKey
	if oneTimePreKeyID != nil {
		stored, ok := m.state.OneTimePreKeys[*oneTimePreKeyID]
		if !ok {
			return nil, fmt.Errorf("%w: unknown one-time pre-key %d", domain.ErrProtocolState, *oneTimePreKeyID)
		}
		if stored.Used {
			return nil, ErrOneTimeReused
		}
		opk = &stored
	}

	agr, err := Complete(*m.state.Identity, spk, opk, senderIdentity, senderEphemeral)
	if err != nil {
		return nil, err
	}

	if opk != nil {
		marked := *opk
		marked.Used = true
		m.state.OneTimePreKeys[marked.ID] = marked
		if err := m.persistLocked(); err != nil {
			agr.Wipe()
			return nil, err
		}
	}
	return agr, nil
}

// SignedPreKey returns a stored signed pre-key pair by id.
func (m *Manager) SignedPreKey(keyID uint32) (domain.SignedPreKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return domain.SignedPreKey{}, ErrNotInitialized
	}
	spk, ok := m.state.SignedPreKeys[keyID]
	if !ok {
		return domain.SignedPreKey{}, fmt.Errorf("%w: unknown signed pre-key %d", domain.ErrProtocolState, keyID)
	}
	return spk, nil
}

// RotateSignedPreKey issues a fresh signed pre-key under the next id and
// makes it current. Older keys stay loadable for in-flight handshakes.
func (m *Manager) RotateSignedPreKey() (domain.SignedPreKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return domain.SignedPreKey{}, ErrNotInitialized
	}
	return m.generateSignedLocked(m.state.NextSignedID)
}

// SignedPreKeyStale reports whether the current signed pre-key is older
// than SignedPreKeyMaxAge (or missing).
func (m *Manager) SignedPreKeyStale(now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return false, ErrNotInitialized
	}
	spk, ok := m.state.SignedPreKeys[m.state.CurrentSignedID]
	if !ok {
		return true, nil
	}
	return now.Sub(time.Unix(spk.CreatedUTC, 0)) > SignedPreKeyMaxAge, nil
}

// ReplenishOneTimePreKeys tops the unused pool back up to min, creating at
// most batch keys.
func (m *Manager) ReplenishOneTimePreKeys(min, batch int) (int, error) {
	m.mu.Lock()
	if m.state == nil {
		m.mu.Unlock()
		return 0, ErrNotInitialized
	}
	unused := 0
	for _, opk := range m.state.OneTimePreKeys {
		if !opk.Used {
			unused++
		}
	}
	need := min - unused
	start := m.state.NextOneTimeID
	m.mu.Unlock()

	if need <= 0 {
		return 0, nil
	}
	if need > batch {
		need = batch
	}
	created, err := m.GenerateOneTimePreKeys(start, need)
	if err != nil {
		return 0, err
	}
	m.log.Debugf("replenished %d one-time pre-keys", len(created))
	return len(created), nil
}

func (m *Manager) persistLocked() error {
	blob, err := json.Marshal(m.state)
	if err != nil {
		return err
	}
	if err := m.store.SetItem(m.storageKey(), blob); err != nil {
		return fmt.Errorf("%w: persist x3dh state: %v", domain.ErrStorage, err)
	}
	return nil
}
