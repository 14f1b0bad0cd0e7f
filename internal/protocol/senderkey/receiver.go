package senderkey

import (
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"sigilo/internal/crypto"
	"sigilo/internal/domain"
	"sigilo/internal/util/memzero"
)

// recvChain tracks one remote sender's chain from its distributed
// iteration forward.
type recvChain struct {
	Epoch     uint64            `cbor:"1,keyasint"`
	Iteration uint32            `cbor:"2,keyasint"`
	ChainKey  []byte            `cbor:"3,keyasint"`
	Skipped   map[uint32][]byte `cbor:"4,keyasint"`
}

// Receiver holds every other member's current sender key for the groups we
// participate in, indexed by (group, user, device, key id).
type Receiver struct {
	chains map[string]*recvChain
}

// NewReceiver returns an empty receiver.
func NewReceiver() *Receiver {
	return &Receiver{chains: make(map[string]*recvChain)}
}

func chainIndex(groupID, userID, deviceID, keyID string) string {
	return strings.Join([]string{groupID, userID, deviceID, keyID}, "\x00")
}

// AddDistribution ingests a sender key distribution message. Re-adding the
// same key id resets the chain to the distributed state; that only ever
// moves it backward to a point the sender exported deliberately.
func (r *Receiver) AddDistribution(msg *domain.SenderKeyDistributionMessage) error {
	if len(msg.ChainKey) != 32 {
		return fmt.Errorf("%w: bad chain key length", domain.ErrBadFormat)
	}
	idx := chainIndex(msg.GroupID, msg.SenderUserID, msg.SenderDeviceID, msg.KeyID)
	if old, ok := r.chains[idx]; ok {
		memzero.Zero(old.ChainKey)
	}
	r.chains[idx] = &recvChain{
		Epoch:     msg.Epoch,
		Iteration: msg.Iteration,
		ChainKey:  append([]byte(nil), msg.ChainKey...),
		Skipped:   make(map[uint32][]byte),
	}
	return nil
}

// HasSenderKey reports whether a chain exists for the given sender and key.
func (r *Receiver) HasSenderKey(groupID, userID, deviceID, keyID string) bool {
	_, ok := r.chains[chainIndex(groupID, userID, deviceID, keyID)]
	return ok
}

// Decrypt opens a group message against the matching chain, advancing it
// and buffering out-of-order message keys up to a bounded limit.
func (r *Receiver) Decrypt(msg *domain.SenderKeyMessage) ([]byte, error) {
	ch, ok := r.chains[chainIndex(msg.GroupID, msg.SenderUserID, msg.SenderDeviceID, msg.KeyID)]
	if !ok {
		return nil, fmt.Errorf("%w: no sender key for %s@%s in %s", domain.ErrProtocolState,
			msg.SenderUserID, msg.SenderDeviceID, msg.GroupID)
	}
	if ch.Epoch != msg.Epoch {
		return nil, fmt.Errorf("%w: message epoch %d does not match chain epoch %d",
			domain.ErrProtocolState, msg.Epoch, ch.Epoch)
	}
	ad := messageAD(msg.GroupID, msg.SenderUserID, msg.SenderDeviceID, msg.KeyID, msg.Epoch)

	// Delayed message: use and discard its buffered key.
	if msg.Iteration < ch.Iteration {
		mk, ok := ch.Skipped[msg.Iteration]
		if !ok {
			return nil, fmt.Errorf("%w: message key %d already consumed", domain.ErrProtocolState, msg.Iteration)
		}
		pt, err := crypto.Open(mk, messageNonce(msg.Iteration), msg.Ciphertext, ad)
		if err != nil {
			return nil, err
		}
		memzero.Zero(mk)
		delete(ch.Skipped, msg.Iteration)
		return pt, nil
	}

	if msg.Iteration-ch.Iteration > maxSkip || len(ch.Skipped) >= maxSkip {
		return nil, fmt.Errorf("%w: sender chain too far ahead", domain.ErrProtocolState)
	}
	for ch.Iteration < msg.Iteration {
		ch.Skipped[ch.Iteration] = stepChain(&ch.ChainKey)
		ch.Iteration++
	}

	mk := stepChain(&ch.ChainKey)
	ch.Iteration++
	pt, err := crypto.Open(mk, messageNonce(msg.Iteration), msg.Ciphertext, ad)
	memzero.Zero(mk)
	if err != nil {
		return nil, err
	}
	return pt, nil
}

// RemoveGroup drops and wipes every chain belonging to groupID.
func (r *Receiver) RemoveGroup(groupID string) {
	for idx, ch := range r.chains {
		if strings.HasPrefix(idx, groupID+"\x00") {
			wipeChain(ch)
			delete(r.chains, idx)
		}
	}
}

// RemoveSender drops and wipes every chain of one member in one group.
func (r *Receiver) RemoveSender(groupID, userID, deviceID string) {
	prefix := strings.Join([]string{groupID, userID, deviceID}, "\x00") + "\x00"
	for idx, ch := range r.chains {
		if strings.HasPrefix(idx, prefix) {
			wipeChain(ch)
			delete(r.chains, idx)
		}
	}
}

func wipeChain(ch *recvChain) {
	memzero.Zero(ch.ChainKey)
	for i, mk := range ch.Skipped {
		memzero.Zero(mk)
		delete(ch.Skipped, i)
	}
}

// Serialize renders all chains for persistence.
func (r *Receiver) Serialize() ([]byte, error) {
	return cbor.Marshal(r.chains)
}

// DeserializeReceiver restores a persisted receiver.
func DeserializeReceiver(blob []byte) (*Receiver, error) {
	chains := make(map[string]*recvChain)
	if err := cbor.Unmarshal(blob, &chains); err != nil {
		return nil, fmt.Errorf("%w: receiver state: %v", domain.ErrStorage, err)
	}
	for _, ch := range chains {
		if ch.Skipped == nil {
			ch.Skipped = make(map[uint32][]byte)
		}
	}
	return &Receiver{chains: chains}, nil
}
