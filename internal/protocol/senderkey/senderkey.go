// Package senderkey implements the sender-key scheme for group
// messaging: each member encrypts its outgoing group traffic under a
// private symmetric chain, distributed once per epoch to the other
// members over their 1:1 ratchet sessions. There is no DH step; forward
// secrecy within the chain comes from one-way chain advancement, and
// membership changes are handled by the group layer rekeying.
package senderkey

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"sigilo/internal/crypto"
	"sigilo/internal/domain"
	"sigilo/internal/util/memzero"
)

const (
	// RotationThreshold is how many messages a single chain may encrypt
	// before the group should rekey.
	RotationThreshold = 2000

	// maxSkip bounds buffered out-of-order message keys per chain.
	maxSkip = 2000

	chainLabel = "sigilo/sk/chain"
)

// SenderKey is one member's own sending chain for one group.
type SenderKey struct {
	keyID      string
	iteration  uint32
	chainKey   []byte
	createdUTC int64
	destroyed  bool
}

type senderKeyState struct {
	KeyID      string `cbor:"1,keyasint"`
	Iteration  uint32 `cbor:"2,keyasint"`
	ChainKey   []byte `cbor:"3,keyasint"`
	CreatedUTC int64  `cbor:"4,keyasint"`
}

// New creates a fresh sender key with a random chain key and id.
func New() (*SenderKey, error) {
	ck, err := crypto.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	return &SenderKey{
		keyID:      uuid.New().String(),
		chainKey:   ck,
		createdUTC: time.Now().Unix(),
	}, nil
}

// ID returns the key id carried in every message under this chain.
func (k *SenderKey) ID() string { return k.keyID }

// Iteration returns the next message number.
func (k *SenderKey) Iteration() uint32 { return k.iteration }

// CreatedAt returns the chain creation time.
func (k *SenderKey) CreatedAt() time.Time { return time.Unix(k.createdUTC, 0) }

// NeedsRotation reports whether the chain hit its rotation threshold.
func (k *SenderKey) NeedsRotation() bool { return k.iteration >= RotationThreshold }

// DistributionMessage exports the current chain state for other members.
// Receivers can decrypt from the exported iteration forward, never before
// it: a newly added member gets no backward access.
func (k *SenderKey) DistributionMessage(groupID, userID, deviceID string, epoch uint64) (*domain.SenderKeyDistributionMessage, error) {
	if k.destroyed {
		return nil, fmt.Errorf("%w: sender key destroyed", domain.ErrProtocolState)
	}
	return &domain.SenderKeyDistributionMessage{
		GroupID:        groupID,
		SenderUserID:   userID,
		SenderDeviceID: deviceID,
		KeyID:          k.keyID,
		Epoch:          epoch,
		Iteration:      k.iteration,
		ChainKey:       append([]byte(nil), k.chainKey...),
	}, nil
}

// Encrypt seals plaintext under the next message key and advances the
// chain. The message key is discarded immediately after use.
func (k *SenderKey) Encrypt(groupID, userID, deviceID string, epoch uint64, plaintext []byte) (*domain.SenderKeyMessage, error) {
	if k.destroyed {
		return nil, fmt.Errorf("%w: sender key destroyed", domain.ErrProtocolState)
	}
	iter := k.iteration
	mk := stepChain(&k.chainKey)
	k.iteration++

	ct, err := crypto.Seal(mk, messageNonce(iter), plaintext, messageAD(groupID, userID, deviceID, k.keyID, epoch))
	memzero.Zero(mk)
	if err != nil {
		return nil, err
	}
	return &domain.SenderKeyMessage{
		GroupID:        groupID,
		SenderUserID:   userID,
		SenderDeviceID: deviceID,
		KeyID:          k.keyID,
		Epoch:          epoch,
		Iteration:      iter,
		Ciphertext:     ct,
	}, nil
}

// Serialize renders the chain for persistence.
func (k *SenderKey) Serialize() ([]byte, error) {
	if k.destroyed {
		return nil, fmt.Errorf("%w: sender key destroyed", domain.ErrProtocolState)
	}
	return cbor.Marshal(&senderKeyState{
		KeyID:      k.keyID,
		Iteration:  k.iteration,
		ChainKey:   k.chainKey,
		CreatedUTC: k.createdUTC,
	})
}

// Deserialize restores a persisted chain.
func Deserialize(blob []byte) (*SenderKey, error) {
	var st senderKeyState
	if err := cbor.Unmarshal(blob, &st); err != nil {
		return nil, fmt.Errorf("%w: sender key state: %v", domain.ErrStorage, err)
	}
	return &SenderKey{
		keyID:      st.KeyID,
		iteration:  st.Iteration,
		chainKey:   st.ChainKey,
		createdUTC: st.CreatedUTC,
	}, nil
}

// Destroy wipes the chain key.
func (k *SenderKey) Destroy() {
	memzero.Zero(k.chainKey)
	k.destroyed = true
}

// stepChain advances ck one step and returns the message key for the
// position just passed.
func stepChain(ck *[]byte) []byte {
	out := crypto.DeriveKey(*ck, nil, chainLabel, 64)
	memzero.Zero(*ck)
	*ck = out[:32]
	mk := append([]byte(nil), out[32:]...)
	memzero.Zero(out[32:])
	return mk
}

func messageNonce(iteration uint32) []byte {
	nonce := make([]byte, crypto.NonceSize)
	binary.BigEndian.PutUint32(nonce[crypto.NonceSize-4:], iteration)
	return nonce
}

// messageAD binds the group, sender, key id and epoch to each ciphertext.
func messageAD(groupID, userID, deviceID, keyID string, epoch uint64) []byte {
	var e [8]byte
	binary.BigEndian.PutUint64(e[:], epoch)
	ad := make([]byte, 0, len(groupID)+len(userID)+len(deviceID)+len(keyID)+8+4)
	for _, s := range []string{groupID, userID, deviceID, keyID} {
		ad = append(ad, byte(len(s)))
		ad = append(ad, s...)
	}
	return append(ad, e[:]...)
}
