package group

import (
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"

	"sigilo/internal/domain"
	"sigilo/internal/events"
	"sigilo/internal/storage"
)

// Manager owns every group session of one device, persisting them through
// the storage contract and publishing membership events on the bus.
type Manager struct {
	self  domain.Address
	store storage.Storage
	bus   *events.Bus
	log   slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager wires a group manager. bus may be nil when no listeners are
// wanted.
func NewManager(store storage.Storage, bus *events.Bus, log slog.Logger, self domain.Address) *Manager {
	if log == nil {
		log = slog.Disabled
	}
	return &Manager{
		self:     self,
		store:    store,
		bus:      bus,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) storageKey(groupID string) string {
	return storage.PrefixGroup + groupID
}

// Session returns the session for groupID, loading it from storage on
// first use. A corrupted record is dropped with a warning; callers then
// see "no such group" and re-create it.
func (m *Manager) Session(groupID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionLocked(groupID)
}

func (m *Manager) sessionLocked(groupID string) (*Session, error) {
	if s, ok := m.sessions[groupID]; ok {
		return s, nil
	}
	blob, ok, err := m.store.GetItem(m.storageKey(groupID))
	if err != nil {
		return nil, fmt.Errorf("%w: load group %s: %v", domain.ErrStorage, groupID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no session for group %s", domain.ErrProtocolState, groupID)
	}
	s, err := DeserializeSession(blob)
	if err != nil {
		m.log.Warnf("dropping corrupted group session %s: %v", groupID, err)
		_ = m.store.RemoveItem(m.storageKey(groupID))
		return nil, fmt.Errorf("%w: no session for group %s", domain.ErrProtocolState, groupID)
	}
	m.sessions[groupID] = s
	return s, nil
}

// Create makes a new unkeyed session for groupID and persists it.
func (m *Manager) Create(groupID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[groupID]; ok {
		return nil, fmt.Errorf("%w: group %s already exists", domain.ErrProtocolState, groupID)
	}
	if has, err := m.store.HasItem(m.storageKey(groupID)); err == nil && has {
		return nil, fmt.Errorf("%w: group %s already exists", domain.ErrProtocolState, groupID)
	}
	s := NewSession(groupID, m.self)
	m.sessions[groupID] = s
	return s, m.persistLocked(s)
}

// Initialize keys the group and persists the result.
func (m *Manager) Initialize(groupID string) (*domain.SenderKeyDistributionMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.sessionLocked(groupID)
	if err != nil {
		return nil, err
	}
	dist, err := s.Initialize()
	if err != nil {
		return nil, err
	}
	return dist, m.persistLocked(s)
}

// Encrypt seals a group message and persists the advanced chain.
func (m *Manager) Encrypt(groupID string, plaintext []byte) (*domain.SenderKeyMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.sessionLocked(groupID)
	if err != nil {
		return nil, err
	}
	msg, err := s.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return msg, m.persistLocked(s)
}

// Decrypt opens a group message and persists the advanced receiver chain.
func (m *Manager) Decrypt(msg *domain.SenderKeyMessage) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.sessionLocked(msg.GroupID)
	if err != nil {
		return nil, err
	}
	pt, err := s.Decrypt(msg)
	if err != nil {
		return nil, err
	}
	return pt, m.persistLocked(s)
}

// ProcessDistribution ingests a member's sender key and persists it.
func (m *Manager) ProcessDistribution(msg *domain.SenderKeyDistributionMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.sessionLocked(msg.GroupID)
	if err != nil {
		return err
	}
	if err := s.ProcessDistribution(msg); err != nil {
		return err
	}
	return m.persistLocked(s)
}

// AddMember adds a participant; no rekey.
func (m *Manager) AddMember(groupID string, addr domain.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.sessionLocked(groupID)
	if err != nil {
		return err
	}
	if err := s.AddMember(addr); err != nil {
		return err
	}
	if err := m.persistLocked(s); err != nil {
		return err
	}
	m.publish(events.GroupMemberAdded, MemberChange{GroupID: groupID, Member: addr, Epoch: s.Epoch()})
	return nil
}

// RemoveMember removes a participant, rekeys, persists and announces the
// rekey. The returned addresses must receive the new distribution.
func (m *Manager) RemoveMember(groupID string, addr domain.Address) (*domain.SenderKeyDistributionMessage, []domain.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.sessionLocked(groupID)
	if err != nil {
		return nil, nil, err
	}
	dist, pending, err := s.RemoveMember(addr)
	if err != nil {
		return nil, nil, err
	}
	if err := m.persistLocked(s); err != nil {
		return nil, nil, err
	}
	m.publish(events.GroupMemberRemoved, MemberChange{GroupID: groupID, Member: addr, Epoch: s.Epoch()})
	m.publish(events.GroupRekeyed, RekeyNotice{GroupID: groupID, Epoch: s.Epoch(), Pending: pending})
	return dist, pending, nil
}

// Distribution exports the current sender key for delivery to a member who
// still needs it.
func (m *Manager) Distribution(groupID string) (*domain.SenderKeyDistributionMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.sessionLocked(groupID)
	if err != nil {
		return nil, err
	}
	return s.Distribution()
}

// RekeyIfNeeded rotates the group key when the session is unkeyed, the
// chain hit its rotation threshold, or the rekey interval elapsed. It
// returns nil when no rekey happened.
func (m *Manager) RekeyIfNeeded(groupID string, now time.Time) (*domain.SenderKeyDistributionMessage, []domain.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.sessionLocked(groupID)
	if err != nil {
		return nil, nil, err
	}
	if !s.NeedsRekey(now) {
		return nil, nil, nil
	}
	dist, pending, err := s.Rekey()
	if err != nil {
		return nil, nil, err
	}
	if err := m.persistLocked(s); err != nil {
		return nil, nil, err
	}
	m.publish(events.GroupRekeyed, RekeyNotice{GroupID: groupID, Epoch: s.Epoch(), Pending: pending})
	return dist, pending, nil
}

// MarkDistributed records a delivered distribution and persists the flag.
func (m *Manager) MarkDistributed(groupID string, addr domain.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.sessionLocked(groupID)
	if err != nil {
		return err
	}
	s.MarkDistributed(addr)
	return m.persistLocked(s)
}

// Close wipes and removes a group session from memory and storage.
func (m *Manager) Close(groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[groupID]; ok {
		s.Destroy()
		delete(m.sessions, groupID)
	}
	return m.store.RemoveItem(m.storageKey(groupID))
}

func (m *Manager) persistLocked(s *Session) error {
	blob, err := s.Serialize()
	if err != nil {
		return err
	}
	if err := m.store.SetItem(m.storageKey(s.GroupID()), blob); err != nil {
		return fmt.Errorf("%w: persist group %s: %v", domain.ErrStorage, s.GroupID(), err)
	}
	return nil
}

func (m *Manager) publish(t events.Type, payload any) {
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: t, Payload: payload})
	}
}

// MemberChange is the payload of member-added and member-removed events.
type MemberChange struct {
	GroupID string
	Member  domain.Address
	Epoch   uint64
}

// RekeyNotice is the payload of rekey events.
type RekeyNotice struct {
	GroupID string
	Epoch   uint64
	Pending []domain.Address
}
