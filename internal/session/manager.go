// Package session orchestrates per-peer-device E2EE sessions: it runs
// X3DH against fetched bundles, lazily builds ratchets, wraps first
// messages as pre-key messages, accepts incoming pre-key messages as the
// responder, persists ratchet state after every operation, and expires
// idle sessions.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"

	"sigilo/internal/domain"
	"sigilo/internal/events"
	"sigilo/internal/protocol/ratchet"
	"sigilo/internal/protocol/x3dh"
	"sigilo/internal/storage"
	"sigilo/internal/util/memzero"
	"sigilo/internal/verify"
)

// Config tunes the session manager. Zero values select the defaults.
type Config struct {
	// ExpireAfter is the idle threshold past which a session expires.
	ExpireAfter time.Duration
	// SweepInterval is how often the maintenance sweep runs.
	SweepInterval time.Duration
	// DisableAutoPersist turns off the write-after-every-operation
	// behavior; callers then persist explicitly via Flush.
	DisableAutoPersist bool
}

const (
	// DefaultExpireAfter matches the 30-day idle threshold.
	DefaultExpireAfter = 30 * 24 * time.Hour

	defaultSweepInterval = time.Hour
)

func (c Config) expireAfter() time.Duration {
	if c.ExpireAfter > 0 {
		return c.ExpireAfter
	}
	return DefaultExpireAfter
}

func (c Config) sweepInterval() time.Duration {
	if c.SweepInterval > 0 {
		return c.SweepInterval
	}
	return defaultSweepInterval
}

// record is the persisted per-peer session state. The ratchet rides along
// as an opaque serialized blob.
type record struct {
	Address   domain.Address      `json:"address"`
	State     domain.SessionState `json:"state"`
	Initiator bool                `json:"initiator"`

	// Pending X3DH output, kept only until the initiator ratchet is
	// built on first encrypt.
	PendingSecret  []byte  `json:"pending_secret,omitempty"`
	AssociatedData []byte  `json:"associated_data,omitempty"`
	RemoteSPKPub   []byte  `json:"remote_spk_pub,omitempty"`
	RemoteSPKID    uint32  `json:"remote_spk_id,omitempty"`
	EphemeralPub   []byte  `json:"ephemeral_pub,omitempty"`
	UsedOneTimeID  *uint32 `json:"used_one_time_id,omitempty"`

	RemoteIdentity    domain.X25519Public `json:"remote_identity"`
	RemoteFingerprint []byte              `json:"remote_fingerprint"`

	Ratchet []byte `json:"ratchet,omitempty"`

	SentCount       uint64 `json:"sent_count"`
	ReceivedCount   uint64 `json:"received_count"`
	CreatedUTC      int64  `json:"created_utc"`
	LastActivityUTC int64  `json:"last_activity_utc"`
}

// IdentityObserver is told which identity fingerprint a peer currently
// presents, so key changes can demote trust.
type IdentityObserver interface {
	ObserveIdentity(userID string, fingerprint []byte) error
}

// Manager owns every 1:1 session of one device. At most one in-flight
// encrypt and one in-flight decrypt per session: the internal lock
// serializes them.
type Manager struct {
	cfg      Config
	x3dh     *x3dh.Manager
	store    storage.Storage
	bus      *events.Bus
	log      slog.Logger
	observer IdentityObserver

	self domain.Address

	mu       sync.Mutex
	sessions map[string]*record
	ratchets map[string]*ratchet.Session
}

// NewManager wires a session manager over an initialized X3DH manager.
func NewManager(cfg Config, x3dhMgr *x3dh.Manager, store storage.Storage, bus *events.Bus, log slog.Logger, self domain.Address) *Manager {
	if log == nil {
		log = slog.Disabled
	}
	return &Manager{
		cfg:      cfg,
		x3dh:     x3dhMgr,
		store:    store,
		bus:      bus,
		log:      log,
		self:     self,
		sessions: make(map[string]*record),
		ratchets: make(map[string]*ratchet.Session),
	}
}

// SetIdentityObserver registers the component notified of peer identity
// fingerprints, typically the verification manager.
func (m *Manager) SetIdentityObserver(obs IdentityObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = obs
}

func (m *Manager) storageKey(addr domain.Address) string {
	return storage.PrefixSession + addr.String()
}

func (m *Manager) observeLocked(userID string, fingerprint []byte) {
	if m.observer == nil {
		return
	}
	if err := m.observer.ObserveIdentity(userID, fingerprint); err != nil {
		m.log.Warnf("identity observation for %s: %v", userID, err)
	}
}

// StartSession runs initiator X3DH against a fetched bundle and stores the
// pending session. The ratchet itself is built lazily on first encrypt.
func (m *Manager) StartSession(bundle domain.PreKeyBundle) error {
	addr := domain.Address{UserID: bundle.UserID, DeviceID: bundle.DeviceID}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, _ := m.loadLocked(addr); rec != nil && rec.State != domain.SessionClosed && rec.State != domain.SessionExpired {
		return fmt.Errorf("%w: session with %s already exists", domain.ErrProtocolState, addr)
	}

	agr, err := m.x3dh.InitiateKeyAgreement(bundle)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	rec := &record{
		Address:           addr,
		State:             domain.SessionPending,
		Initiator:         true,
		PendingSecret:     agr.SharedSecret,
		AssociatedData:    agr.AssociatedData,
		RemoteSPKPub:      agr.RemoteSignedPreKey.Slice(),
		RemoteSPKID:       agr.SignedPreKeyID,
		EphemeralPub:      agr.EphemeralPub.Slice(),
		UsedOneTimeID:     agr.UsedOneTimePreKeyID,
		RemoteIdentity:    bundle.IdentityKey,
		RemoteFingerprint: verify.GenerateFingerprint(bundle.IdentityKey, bundle.UserID, verify.FingerprintVersion),
		CreatedUTC:        now,
		LastActivityUTC:   now,
	}
	m.sessions[addr.String()] = rec
	m.observeLocked(addr.UserID, rec.RemoteFingerprint)
	return m.persistLocked(rec)
}

// EncryptMessage seals plaintext for addr. The first message of an
// initiated session builds the ratchet, transitions to established and
// goes out as a pre-key message; everything after is a regular message.
func (m *Manager) EncryptMessage(addr domain.Address, plaintext []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.loadLocked(addr)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: no session with %s", domain.ErrProtocolState, addr)
	}
	switch rec.State {
	case domain.SessionClosed, domain.SessionExpired:
		return nil, fmt.Errorf("%w: session with %s is %s", domain.ErrProtocolState, addr, rec.State)
	}

	rat, err := m.ratchetLocked(rec)
	if err != nil {
		return nil, err
	}

	firstOut := rec.Initiator && rec.SentCount == 0 && rec.EphemeralPub != nil
	header, ct, err := rat.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}

	var msg domain.Message
	if firstOut {
		msg = &domain.PreKeyMessage{
			SenderUserID:    m.self.UserID,
			SenderDeviceID:  m.self.DeviceID,
			IdentityKey:     m.localIdentityPub(),
			EphemeralKey:    rec.EphemeralPub,
			SignedPreKeyID:  rec.RemoteSPKID,
			OneTimePreKeyID: rec.UsedOneTimeID,
			Header:          header,
			Ciphertext:      ct,
		}
	} else {
		msg = &domain.RegularMessage{
			SenderUserID:   m.self.UserID,
			SenderDeviceID: m.self.DeviceID,
			Header:         header,
			Ciphertext:     ct,
		}
	}

	rec.SentCount++
	rec.LastActivityUTC = time.Now().Unix()
	if rec.State == domain.SessionPending {
		rec.State = domain.SessionEstablished
		m.publish(events.SessionEstablished, addr)
	}
	if err := m.syncRatchetLocked(rec, rat); err != nil {
		return nil, err
	}
	return domain.EncodeMessage(msg)
}

// DecryptMessage opens an incoming wire blob. A pre-key message accepts a
// responder session first; a regular message requires an existing ratchet.
// Returns the sender address along with the plaintext.
func (m *Manager) DecryptMessage(data []byte) (domain.Address, []byte, error) {
	decoded, err := domain.DecodeMessage(data)
	if err != nil {
		return domain.Address{}, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch msg := decoded.(type) {
	case *domain.PreKeyMessage:
		return m.decryptPreKeyLocked(msg)
	case *domain.RegularMessage:
		return m.decryptRegularLocked(msg)
	default:
		return domain.Address{}, nil, fmt.Errorf("%w: %T is not a 1:1 session message", domain.ErrProtocolState, decoded)
	}
}

func (m *Manager) decryptPreKeyLocked(msg *domain.PreKeyMessage) (domain.Address, []byte, error) {
	addr := domain.Address{UserID: msg.SenderUserID, DeviceID: msg.SenderDeviceID}
	if len(msg.IdentityKey) != 32 || len(msg.EphemeralKey) != 32 {
		return addr, nil, fmt.Errorf("%w: bad key length in pre-key message", domain.ErrBadFormat)
	}

	rec, err := m.loadLocked(addr)
	if err != nil {
		return addr, nil, err
	}
	if rec != nil && rec.Ratchet != nil {
		// Session already accepted; treat the body as a regular message
		// on the existing ratchet (a retransmitted first message).
		return m.decryptRegularLocked(&domain.RegularMessage{
			SenderUserID:   msg.SenderUserID,
			SenderDeviceID: msg.SenderDeviceID,
			Header:         msg.Header,
			Ciphertext:     msg.Ciphertext,
		})
	}

	var senderIdentity domain.X25519Public
	copy(senderIdentity[:], msg.IdentityKey)
	var senderEphemeral domain.X25519Public
	copy(senderEphemeral[:], msg.EphemeralKey)

	agr, err := m.x3dh.CompleteKeyAgreement(senderIdentity, senderEphemeral, msg.SignedPreKeyID, msg.OneTimePreKeyID)
	if err != nil {
		return addr, nil, err
	}
	defer agr.Wipe()

	spk, err := m.x3dh.SignedPreKey(msg.SignedPreKeyID)
	if err != nil {
		return addr, nil, err
	}
	rat, err := ratchet.NewResponder(agr.SharedSecret, agr.AssociatedData, spk)
	if err != nil {
		return addr, nil, err
	}

	pt, err := rat.Decrypt(msg.Header, msg.Ciphertext)
	if err != nil {
		rat.Destroy()
		return addr, nil, err
	}

	now := time.Now().Unix()
	rec = &record{
		Address:           addr,
		State:             domain.SessionEstablished,
		RemoteIdentity:    senderIdentity,
		RemoteFingerprint: verify.GenerateFingerprint(senderIdentity, addr.UserID, verify.FingerprintVersion),
		ReceivedCount:     1,
		CreatedUTC:        now,
		LastActivityUTC:   now,
	}
	m.sessions[addr.String()] = rec
	m.ratchets[addr.String()] = rat
	m.observeLocked(addr.UserID, rec.RemoteFingerprint)
	m.publish(events.SessionEstablished, addr)

	if err := m.syncRatchetLocked(rec, rat); err != nil {
		return addr, nil, err
	}
	return addr, pt, nil
}

func (m *Manager) decryptRegularLocked(msg *domain.RegularMessage) (domain.Address, []byte, error) {
	addr := domain.Address{UserID: msg.SenderUserID, DeviceID: msg.SenderDeviceID}

	rec, err := m.loadLocked(addr)
	if err != nil {
		return addr, nil, err
	}
	if rec == nil || rec.Ratchet == nil {
		return addr, nil, fmt.Errorf("%w: regular message without established session from %s", domain.ErrProtocolState, addr)
	}

	rat, err := m.ratchetLocked(rec)
	if err != nil {
		return addr, nil, err
	}
	pt, err := rat.Decrypt(msg.Header, msg.Ciphertext)
	if err != nil {
		return addr, nil, err
	}

	rec.ReceivedCount++
	rec.LastActivityUTC = time.Now().Unix()
	if err := m.syncRatchetLocked(rec, rat); err != nil {
		return addr, nil, err
	}
	return addr, pt, nil
}

// ratchetLocked returns the live ratchet for rec, building the initiator
// ratchet from the pending X3DH output on first use.
func (m *Manager) ratchetLocked(rec *record) (*ratchet.Session, error) {
	key := rec.Address.String()
	if rat, ok := m.ratchets[key]; ok {
		return rat, nil
	}
	if rec.Ratchet != nil {
		rat, err := ratchet.Deserialize(rec.Ratchet)
		if err != nil {
			// Corrupted ratchet state is session loss.
			m.log.Warnf("dropping corrupted ratchet state for %s: %v", rec.Address, err)
			m.dropLocked(rec.Address)
			return nil, fmt.Errorf("%w: session with %s lost", domain.ErrStorage, rec.Address)
		}
		m.ratchets[key] = rat
		return rat, nil
	}
	if rec.PendingSecret == nil {
		return nil, fmt.Errorf("%w: session with %s has no key material", domain.ErrProtocolState, rec.Address)
	}

	var remoteSPK domain.X25519Public
	copy(remoteSPK[:], rec.RemoteSPKPub)
	rat, err := ratchet.NewInitiator(rec.PendingSecret, rec.AssociatedData, remoteSPK)
	if err != nil {
		return nil, err
	}
	memzero.Zero(rec.PendingSecret)
	rec.PendingSecret = nil
	m.ratchets[key] = rat
	return rat, nil
}

// CloseSession destroys the ratchet, wipes key material and removes the
// persisted record.
func (m *Manager) CloseSession(addr domain.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.loadLocked(addr)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: no session with %s", domain.ErrProtocolState, addr)
	}
	m.closeLocked(rec, domain.SessionClosed)
	m.publish(events.SessionClosed, addr)
	return nil
}

func (m *Manager) closeLocked(rec *record, state domain.SessionState) {
	key := rec.Address.String()
	if rat, ok := m.ratchets[key]; ok {
		rat.Destroy()
		delete(m.ratchets, key)
	}
	memzero.ZeroAll(rec.PendingSecret, rec.Ratchet)
	rec.PendingSecret = nil
	rec.Ratchet = nil
	rec.State = state
	delete(m.sessions, key)
	_ = m.store.RemoveItem(m.storageKey(rec.Address))
}

// CleanupExpiredSessions closes every session idle past the expiry
// threshold and reports how many were removed.
func (m *Manager) CleanupExpiredSessions(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, err := m.store.ListKeys(storage.PrefixSession)
	if err != nil {
		return 0, fmt.Errorf("%w: list sessions: %v", domain.ErrStorage, err)
	}
	expired := 0
	for _, key := range keys {
		rec := m.recordForStorageKeyLocked(key)
		if rec == nil {
			continue
		}
		idle := now.Sub(time.Unix(rec.LastActivityUTC, 0))
		if idle > m.cfg.expireAfter() {
			m.closeLocked(rec, domain.SessionExpired)
			m.publish(events.SessionExpired, rec.Address)
			expired++
		}
	}
	if expired > 0 {
		m.log.Infof("expired %d idle sessions", expired)
	}
	return expired, nil
}

// RunMaintenance runs the periodic expiry sweep until ctx is cancelled.
// It is the only background activity the engine owns, off the message hot
// path.
func (m *Manager) RunMaintenance(ctx context.Context) {
	t := time.NewTicker(m.cfg.sweepInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if _, err := m.CleanupExpiredSessions(now); err != nil {
				m.log.Errorf("session sweep: %v", err)
			}
		}
	}
}

// SessionInfo is the externally visible session state.
type SessionInfo struct {
	Address           domain.Address
	State             domain.SessionState
	Initiator         bool
	SentCount         uint64
	ReceivedCount     uint64
	RemoteFingerprint []byte
	CreatedUTC        int64
	LastActivityUTC   int64
}

// Session returns the state of the session with addr, if any.
func (m *Manager) Session(addr domain.Address) (SessionInfo, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.loadLocked(addr)
	if err != nil || rec == nil {
		return SessionInfo{}, false, err
	}
	return SessionInfo{
		Address:           rec.Address,
		State:             rec.State,
		Initiator:         rec.Initiator,
		SentCount:         rec.SentCount,
		ReceivedCount:     rec.ReceivedCount,
		RemoteFingerprint: append([]byte(nil), rec.RemoteFingerprint...),
		CreatedUTC:        rec.CreatedUTC,
		LastActivityUTC:   rec.LastActivityUTC,
	}, true, nil
}

// GetSafetyNumber derives the display safety number for the session with
// addr, combining both parties' identity fingerprints.
func (m *Manager) GetSafetyNumber(addr domain.Address) (string, error) {
	m.mu.Lock()
	rec, err := m.loadLocked(addr)
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", fmt.Errorf("%w: no session with %s", domain.ErrProtocolState, addr)
	}

	id, err := m.x3dh.Identity()
	if err != nil {
		return "", err
	}
	localFP := verify.GenerateFingerprint(id.XPub, m.self.UserID, verify.FingerprintVersion)
	sn, err := verify.GenerateSafetyNumber(localFP, rec.RemoteFingerprint)
	if err != nil {
		return "", err
	}
	return verify.FormatSafetyNumber(sn)
}

// RemoteIdentity returns the peer identity key recorded for addr.
func (m *Manager) RemoteIdentity(addr domain.Address) (domain.X25519Public, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.loadLocked(addr)
	if err != nil {
		return domain.X25519Public{}, err
	}
	if rec == nil {
		return domain.X25519Public{}, fmt.Errorf("%w: no session with %s", domain.ErrProtocolState, addr)
	}
	return rec.RemoteIdentity, nil
}

// Flush persists every dirty session. Only needed with auto-persist off.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.sessions {
		if rat, ok := m.ratchets[rec.Address.String()]; ok {
			blob, err := rat.Serialize()
			if err != nil {
				return err
			}
			rec.Ratchet = blob
		}
		if err := m.persistLocked(rec); err != nil {
			return err
		}
	}
	return nil
}

// --- persistence helpers ---

func (m *Manager) loadLocked(addr domain.Address) (*record, error) {
	if rec, ok := m.sessions[addr.String()]; ok {
		return rec, nil
	}
	blob, ok, err := m.store.GetItem(m.storageKey(addr))
	if err != nil {
		return nil, fmt.Errorf("%w: load session %s: %v", domain.ErrStorage, addr, err)
	}
	if !ok {
		return nil, nil
	}
	var rec record
	if err := json.Unmarshal(blob, &rec); err != nil {
		m.log.Warnf("dropping corrupted session record for %s: %v", addr, err)
		_ = m.store.RemoveItem(m.storageKey(addr))
		return nil, nil
	}
	m.sessions[addr.String()] = &rec
	return &rec, nil
}

func (m *Manager) recordForStorageKeyLocked(key string) *record {
	addrStr := key[len(storage.PrefixSession):]
	if rec, ok := m.sessions[addrStr]; ok {
		return rec
	}
	blob, ok, err := m.store.GetItem(key)
	if err != nil || !ok {
		return nil
	}
	var rec record
	if err := json.Unmarshal(blob, &rec); err != nil {
		m.log.Warnf("dropping corrupted session record %q: %v", key, err)
		_ = m.store.RemoveItem(key)
		return nil
	}
	m.sessions[addrStr] = &rec
	return &rec
}

// syncRatchetLocked serializes the live ratchet back into the record and
// persists unless auto-persist is off.
func (m *Manager) syncRatchetLocked(rec *record, rat *ratchet.Session) error {
	blob, err := rat.Serialize()
	if err != nil {
		return err
	}
	rec.Ratchet = blob
	if m.cfg.DisableAutoPersist {
		return nil
	}
	return m.persistLocked(rec)
}

func (m *Manager) persistLocked(rec *record) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := m.store.SetItem(m.storageKey(rec.Address), blob); err != nil {
		return fmt.Errorf("%w: persist session %s: %v", domain.ErrStorage, rec.Address, err)
	}
	return nil
}

func (m *Manager) dropLocked(addr domain.Address) {
	delete(m.sessions, addr.String())
	delete(m.ratchets, addr.String())
	_ = m.store.RemoveItem(m.storageKey(addr))
}

func (m *Manager) localIdentityPub() []byte {
	id, err := m.x3dh.Identity()
	if err != nil {
		return nil
	}
	return id.XPub.Slice()
}

func (m *Manager) publish(t events.Type, payload any) {
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: t, Payload: payload})
	}
}
