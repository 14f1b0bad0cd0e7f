package verify

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"

	"sigilo/internal/crypto"
	"sigilo/internal/domain"
	"sigilo/internal/events"
	"sigilo/internal/storage"
)

// TrustLevel is the verification trust state for one peer.
type TrustLevel string

const (
	TrustUnknown     TrustLevel = "unknown"
	TrustVerified    TrustLevel = "verified"
	TrustUnverified  TrustLevel = "unverified"
	TrustCompromised TrustLevel = "compromised"
)

// Method names how a verification was performed.
type Method string

const (
	MethodQR           Method = "qr"
	MethodSafetyNumber Method = "safety-number"
)

// Record is one completed verification.
type Record struct {
	Fingerprint  []byte `json:"fingerprint"`
	SafetyNumber string `json:"safety_number"`
	Method       Method `json:"method"`
	VerifiedUTC  int64  `json:"verified_utc"`
}

// KeyChange is one detected identity-key change.
type KeyChange struct {
	OldFingerprint []byte `json:"old_fingerprint"`
	NewFingerprint []byte `json:"new_fingerprint"`
	DetectedUTC    int64  `json:"detected_utc"`
}

// PeerStatus is the full verification state kept per peer.
type PeerStatus struct {
	Trust TrustLevel `json:"trust"`
	// Current is the verification currently in force, or nil.
	Current *Record `json:"current,omitempty"`
	// LastSeenFingerprint is the most recent identity fingerprint
	// observed for the peer.
	LastSeenFingerprint []byte      `json:"last_seen_fingerprint,omitempty"`
	History             []Record    `json:"history,omitempty"`
	KeyChanges          []KeyChange `json:"key_changes,omitempty"`
}

// Manager tracks per-peer trust, persists it, and demotes trust when a
// verified peer's identity key changes. A key change never re-trusts
// silently; only an explicit new verification does.
type Manager struct {
	store storage.Storage
	bus   *events.Bus
	log   slog.Logger

	mu    sync.Mutex
	peers map[string]*PeerStatus
}

// NewManager wires a verification manager over storage. bus may be nil.
func NewManager(store storage.Storage, bus *events.Bus, log slog.Logger) *Manager {
	if log == nil {
		log = slog.Disabled
	}
	return &Manager{store: store, bus: bus, log: log, peers: make(map[string]*PeerStatus)}
}

func (m *Manager) storageKey(userID string) string {
	return storage.PrefixVerify + userID
}

func (m *Manager) statusLocked(userID string) *PeerStatus {
	if st, ok := m.peers[userID]; ok {
		return st
	}
	st := &PeerStatus{Trust: TrustUnknown}
	if blob, ok, err := m.store.GetItem(m.storageKey(userID)); err == nil && ok {
		var loaded PeerStatus
		if err := json.Unmarshal(blob, &loaded); err == nil && loaded.Trust != "" {
			st = &loaded
		} else {
			m.log.Warnf("dropping corrupted verification record for %s", userID)
			_ = m.store.RemoveItem(m.storageKey(userID))
		}
	}
	m.peers[userID] = st
	return st
}

// Status returns the current verification state for a peer.
func (m *Manager) Status(userID string) PeerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.statusLocked(userID)
}

// ObserveIdentity records the peer's current identity fingerprint. When it
// differs from the last observed one, the change is logged in history, and
// if a verification was in force the trust level drops to unverified.
func (m *Manager) ObserveIdentity(userID string, fingerprint []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.statusLocked(userID)
	if st.LastSeenFingerprint != nil && !crypto.Equal(st.LastSeenFingerprint, fingerprint) {
		st.KeyChanges = append(st.KeyChanges, KeyChange{
			OldFingerprint: st.LastSeenFingerprint,
			NewFingerprint: append([]byte(nil), fingerprint...),
			DetectedUTC:    time.Now().Unix(),
		})
		if st.Current != nil {
			st.Trust = TrustUnverified
			m.publish(events.TrustChanged, TrustChange{UserID: userID, Trust: TrustUnverified})
		}
		m.log.Warnf("identity key changed for %s", userID)
		m.publish(events.IdentityKeyChanged, TrustChange{UserID: userID, Trust: st.Trust})
	}
	st.LastSeenFingerprint = append([]byte(nil), fingerprint...)

	// A verified record that no longer matches the live fingerprint is
	// demoted even if we never saw the intermediate change.
	if st.Trust == TrustVerified && st.Current != nil && !crypto.Equal(st.Current.Fingerprint, fingerprint) {
		st.Trust = TrustUnverified
		m.publish(events.TrustChanged, TrustChange{UserID: userID, Trust: TrustUnverified})
	}
	return m.persistLocked(userID, st)
}

// VerifyQR checks a scanned QR payload against the expected peer identity
// and, on match, marks the peer verified.
func (m *Manager) VerifyQR(payload string, expectedUserID string, expectedFingerprint []byte, safetyNumber string) error {
	p, err := DecodeQR(payload)
	if err != nil {
		return err
	}
	if p.UserID != expectedUserID {
		return fmt.Errorf("%w: qr payload is for %q, expected %q", domain.ErrProtocolState, p.UserID, expectedUserID)
	}
	if !crypto.Equal(p.Fingerprint, expectedFingerprint) {
		return fmt.Errorf("%w: fingerprint mismatch", domain.ErrIntegrity)
	}
	return m.MarkVerified(expectedUserID, expectedFingerprint, safetyNumber, MethodQR)
}

// VerifySafetyNumber compares a user-entered safety number against the
// expected one and, on match, marks the peer verified.
func (m *Manager) VerifySafetyNumber(userID, entered, expected string, fingerprint []byte) error {
	ok, err := CompareSafetyNumbers(entered, expected)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: safety number mismatch", domain.ErrIntegrity)
	}
	return m.MarkVerified(userID, fingerprint, expected, MethodSafetyNumber)
}

// MarkVerified installs a new verification record and raises trust.
func (m *Manager) MarkVerified(userID string, fingerprint []byte, safetyNumber string, method Method) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.statusLocked(userID)
	rec := Record{
		Fingerprint:  append([]byte(nil), fingerprint...),
		SafetyNumber: safetyNumber,
		Method:       method,
		VerifiedUTC:  time.Now().Unix(),
	}
	st.Current = &rec
	st.History = append(st.History, rec)
	st.Trust = TrustVerified
	st.LastSeenFingerprint = append([]byte(nil), fingerprint...)
	m.publish(events.TrustChanged, TrustChange{UserID: userID, Trust: TrustVerified})
	return m.persistLocked(userID, st)
}

// MarkCompromised forces the compromised state; only a fresh explicit
// verification can leave it.
func (m *Manager) MarkCompromised(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.statusLocked(userID)
	st.Trust = TrustCompromised
	m.publish(events.TrustChanged, TrustChange{UserID: userID, Trust: TrustCompromised})
	return m.persistLocked(userID, st)
}

func (m *Manager) persistLocked(userID string, st *PeerStatus) error {
	blob, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := m.store.SetItem(m.storageKey(userID), blob); err != nil {
		return fmt.Errorf("%w: persist verification for %s: %v", domain.ErrStorage, userID, err)
	}
	return nil
}

func (m *Manager) publish(t events.Type, payload any) {
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: t, Payload: payload})
	}
}

// TrustChange is the payload of trust and key-change events.
type TrustChange struct {
	UserID string
	Trust  TrustLevel
}
