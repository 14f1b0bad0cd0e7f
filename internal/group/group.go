// Package group implements per-group E2EE sessions over the sender-key
// scheme: one private sending chain per member, membership tracking, and
// rekey-on-removal so departed members cannot read anything encrypted
// after they left. Adding a member never rekeys; the newcomer only gets
// the current chain state and has no backward access.
package group

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"sigilo/internal/domain"
	"sigilo/internal/protocol/senderkey"
)

// RekeyInterval is how long a sender key may stay in service before
// NeedsRekey reports true regardless of traffic.
const RekeyInterval = 7 * 24 * time.Hour

// Member is one (user, device) participant as tracked by the local side.
type Member struct {
	Address domain.Address `cbor:"1,keyasint"`
	// HasSenderKey records that our current sender key was distributed to
	// this member. Reset on every rekey.
	HasSenderKey bool `cbor:"2,keyasint"`
	// HasReceivedSenderKey records that we hold this member's current
	// sender key.
	HasReceivedSenderKey bool  `cbor:"3,keyasint"`
	JoinedUTC            int64 `cbor:"4,keyasint"`
}

// Session is the local view of one group: our sender key, everyone else's
// keys, the member set and the epoch counter. Not safe for concurrent use.
type Session struct {
	groupID string
	self    domain.Address

	epoch        uint64
	members      map[string]*Member
	sender       *senderkey.SenderKey
	receiver     *senderkey.Receiver
	lastRekeyUTC int64
}

// NewSession creates an unkeyed session for groupID with ourselves as the
// only member. Initialize must run before Encrypt.
func NewSession(groupID string, self domain.Address) *Session {
	return &Session{
		groupID:  groupID,
		self:     self,
		members:  map[string]*Member{self.String(): {Address: self, JoinedUTC: time.Now().Unix()}},
		receiver: senderkey.NewReceiver(),
	}
}

// GroupID returns the group this session belongs to.
func (s *Session) GroupID() string { return s.groupID }

// Epoch returns the current rekey generation.
func (s *Session) Epoch() uint64 { return s.epoch }

// Initialize creates the local sender key and returns the distribution
// message every current member must receive over its 1:1 session.
func (s *Session) Initialize() (*domain.SenderKeyDistributionMessage, error) {
	if s.sender != nil {
		return nil, fmt.Errorf("%w: group %s already keyed", domain.ErrProtocolState, s.groupID)
	}
	sk, err := senderkey.New()
	if err != nil {
		return nil, err
	}
	s.sender = sk
	s.lastRekeyUTC = time.Now().Unix()
	return sk.DistributionMessage(s.groupID, s.self.UserID, s.self.DeviceID, s.epoch)
}

// Encrypt seals plaintext under our sender key.
func (s *Session) Encrypt(plaintext []byte) (*domain.SenderKeyMessage, error) {
	if s.sender == nil {
		return nil, fmt.Errorf("%w: group %s not keyed", domain.ErrProtocolState, s.groupID)
	}
	return s.sender.Encrypt(s.groupID, s.self.UserID, s.self.DeviceID, s.epoch, plaintext)
}

// Decrypt opens another member's message with their distributed chain.
func (s *Session) Decrypt(msg *domain.SenderKeyMessage) ([]byte, error) {
	if msg.GroupID != s.groupID {
		return nil, fmt.Errorf("%w: message for group %s on session %s", domain.ErrProtocolState, msg.GroupID, s.groupID)
	}
	return s.receiver.Decrypt(msg)
}

// ProcessDistribution ingests a member's sender key and marks them as
// received-from.
func (s *Session) ProcessDistribution(msg *domain.SenderKeyDistributionMessage) error {
	if msg.GroupID != s.groupID {
		return fmt.Errorf("%w: distribution for group %s on session %s", domain.ErrProtocolState, msg.GroupID, s.groupID)
	}
	sender := domain.Address{UserID: msg.SenderUserID, DeviceID: msg.SenderDeviceID}
	m, ok := s.members[sender.String()]
	if !ok {
		return fmt.Errorf("%w: distribution from non-member %s", domain.ErrProtocolState, sender)
	}
	if err := s.receiver.AddDistribution(msg); err != nil {
		return err
	}
	m.HasReceivedSenderKey = true
	return nil
}

// AddMember registers a new participant. No rekey happens: the newcomer
// needs only a distribution of the current key and cannot derive anything
// sent before the exported iteration.
func (s *Session) AddMember(addr domain.Address) error {
	if _, ok := s.members[addr.String()]; ok {
		return fmt.Errorf("%w: %s already a member", domain.ErrProtocolState, addr)
	}
	s.members[addr.String()] = &Member{Address: addr, JoinedUTC: time.Now().Unix()}
	return nil
}

// RemoveMember drops a participant and forces a rekey so they cannot
// decrypt anything encrypted after removal. It returns the new
// distribution message and the remaining members who must receive it.
func (s *Session) RemoveMember(addr domain.Address) (*domain.SenderKeyDistributionMessage, []domain.Address, error) {
	if addr == s.self {
		return nil, nil, fmt.Errorf("%w: cannot remove self", domain.ErrProtocolState)
	}
	if _, ok := s.members[addr.String()]; !ok {
		return nil, nil, fmt.Errorf("%w: %s is not a member", domain.ErrProtocolState, addr)
	}
	delete(s.members, addr.String())
	s.receiver.RemoveSender(s.groupID, addr.UserID, addr.DeviceID)
	return s.Rekey()
}

// MemberLeft handles a voluntary departure; same consequences as removal.
func (s *Session) MemberLeft(addr domain.Address) (*domain.SenderKeyDistributionMessage, []domain.Address, error) {
	return s.RemoveMember(addr)
}

// Rekey destroys the current sender key, creates a fresh one, increments
// the epoch and clears every remaining member's distribution flag. The
// returned addresses must receive the new distribution message.
func (s *Session) Rekey() (*domain.SenderKeyDistributionMessage, []domain.Address, error) {
	if s.sender != nil {
		s.sender.Destroy()
	}
	sk, err := senderkey.New()
	if err != nil {
		return nil, nil, err
	}
	s.sender = sk
	s.epoch++
	s.lastRekeyUTC = time.Now().Unix()

	var pending []domain.Address
	for _, m := range s.members {
		if m.Address == s.self {
			continue
		}
		m.HasSenderKey = false
		pending = append(pending, m.Address)
	}
	dist, err := sk.DistributionMessage(s.groupID, s.self.UserID, s.self.DeviceID, s.epoch)
	if err != nil {
		return nil, nil, err
	}
	return dist, pending, nil
}

// Distribution exports the current sender key for a member who still needs
// it, typically a newcomer. The export starts at the current iteration, so
// the recipient cannot derive keys for anything sent before it.
func (s *Session) Distribution() (*domain.SenderKeyDistributionMessage, error) {
	if s.sender == nil {
		return nil, fmt.Errorf("%w: group %s not keyed", domain.ErrProtocolState, s.groupID)
	}
	return s.sender.DistributionMessage(s.groupID, s.self.UserID, s.self.DeviceID, s.epoch)
}

// MarkDistributed records that addr received our current sender key.
func (s *Session) MarkDistributed(addr domain.Address) {
	if m, ok := s.members[addr.String()]; ok {
		m.HasSenderKey = true
	}
}

// NeedsRekey is true when the session was never keyed, the chain hit its
// rotation threshold, or the rekey interval elapsed.
func (s *Session) NeedsRekey(now time.Time) bool {
	if s.sender == nil {
		return true
	}
	if s.sender.NeedsRotation() {
		return true
	}
	return now.Sub(time.Unix(s.lastRekeyUTC, 0)) > RekeyInterval
}

// Members returns a snapshot of the member set.
func (s *Session) Members() []Member {
	out := make([]Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, *m)
	}
	return out
}

// IsMember reports whether addr participates in the group.
func (s *Session) IsMember(addr domain.Address) bool {
	_, ok := s.members[addr.String()]
	return ok
}

// Destroy wipes the sender key and all received chains.
func (s *Session) Destroy() {
	if s.sender != nil {
		s.sender.Destroy()
		s.sender = nil
	}
	s.receiver.RemoveGroup(s.groupID)
}

// sessionState is the persisted form.
type sessionState struct {
	GroupID      string             `cbor:"1,keyasint"`
	Self         domain.Address     `cbor:"2,keyasint"`
	Epoch        uint64             `cbor:"3,keyasint"`
	Members      map[string]*Member `cbor:"4,keyasint"`
	Sender       []byte             `cbor:"5,keyasint"`
	Receiver     []byte             `cbor:"6,keyasint"`
	LastRekeyUTC int64              `cbor:"7,keyasint"`
}

// Serialize renders the full session state for persistence.
func (s *Session) Serialize() ([]byte, error) {
	st := sessionState{
		GroupID:      s.groupID,
		Self:         s.self,
		Epoch:        s.epoch,
		Members:      s.members,
		LastRekeyUTC: s.lastRekeyUTC,
	}
	if s.sender != nil {
		blob, err := s.sender.Serialize()
		if err != nil {
			return nil, err
		}
		st.Sender = blob
	}
	recv, err := s.receiver.Serialize()
	if err != nil {
		return nil, err
	}
	st.Receiver = recv
	return cbor.Marshal(&st)
}

// DeserializeSession restores a persisted group session.
func DeserializeSession(blob []byte) (*Session, error) {
	var st sessionState
	if err := cbor.Unmarshal(blob, &st); err != nil {
		return nil, fmt.Errorf("%w: group session state: %v", domain.ErrStorage, err)
	}
	s := &Session{
		groupID:      st.GroupID,
		self:         st.Self,
		epoch:        st.Epoch,
		members:      st.Members,
		lastRekeyUTC: st.LastRekeyUTC,
	}
	if s.members == nil {
		s.members = make(map[string]*Member)
	}
	if len(st.Sender) > 0 {
		sk, err := senderkey.Deserialize(st.Sender)
		if err != nil {
			return nil, err
		}
		s.sender = sk
	}
	if len(st.Receiver) > 0 {
		recv, err := senderkey.DeserializeReceiver(st.Receiver)
		if err != nil {
			return nil, err
		}
		s.receiver = recv
	} else {
		s.receiver = senderkey.NewReceiver()
	}
	return s, nil
}
