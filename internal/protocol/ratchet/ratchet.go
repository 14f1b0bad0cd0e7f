// Package ratchet implements the Double Ratchet over X25519 and
// ChaCha20-Poly1305: per-message key evolution with forward secrecy and
// post-compromise security, seeded from an X3DH agreement.
//
// A Session is created once per agreement, as initiator (seeded against
// the peer's signed pre-key public) or responder (seeded with the local
// signed pre-key pair). Encrypt and Decrypt advance the chains; Serialize
// and Deserialize move the state through persistence; Destroy wipes every
// chain and message key.
package ratchet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"sigilo/internal/crypto"
	"sigilo/internal/domain"
	"sigilo/internal/util/memzero"
)

const (
	// MaxSkip bounds how many message keys a single decrypt may derive and
	// buffer for out-of-order delivery. Past it, decryption fails instead
	// of buffering unbounded state.
	MaxSkip = 1000

	rootLabel  = "sigilo/dr/root"
	chainLabel = "sigilo/dr/chain"
)

var (
	// ErrDestroyed means the session was wiped and cannot be used again.
	ErrDestroyed = fmt.Errorf("%w: ratchet destroyed", domain.ErrProtocolState)

	// ErrTooManySkipped means a header referenced a message further ahead
	// than MaxSkip allows.
	ErrTooManySkipped = fmt.Errorf("%w: skipped-message limit exceeded", domain.ErrProtocolState)

	errNoSendChain = errors.New("ratchet: sending chain uninitialised")
)

// state is the serialized form. All byte fields are wiped on Destroy.
type state struct {
	RootKey   []byte            `cbor:"1,keyasint"`
	DHPriv    []byte            `cbor:"2,keyasint"`
	DHPub     []byte            `cbor:"3,keyasint"`
	PeerDHPub []byte            `cbor:"4,keyasint"`
	SendCK    []byte            `cbor:"5,keyasint"`
	RecvCK    []byte            `cbor:"6,keyasint"`
	Ns        uint32            `cbor:"7,keyasint"`
	Nr        uint32            `cbor:"8,keyasint"`
	PN        uint32            `cbor:"9,keyasint"`
	AD        []byte            `cbor:"10,keyasint"`
	Skipped   map[string][]byte `cbor:"11,keyasint"`
}

// clone deep-copies the state so a decrypt can evolve the chains on a
// scratch copy and commit only after authentication.
func (st *state) clone() state {
	dup := *st
	dup.RootKey = append([]byte(nil), st.RootKey...)
	dup.DHPriv = append([]byte(nil), st.DHPriv...)
	dup.DHPub = append([]byte(nil), st.DHPub...)
	dup.PeerDHPub = append([]byte(nil), st.PeerDHPub...)
	dup.SendCK = append([]byte(nil), st.SendCK...)
	dup.RecvCK = append([]byte(nil), st.RecvCK...)
	dup.AD = append([]byte(nil), st.AD...)
	dup.Skipped = make(map[string][]byte, len(st.Skipped))
	for k, mk := range st.Skipped {
		dup.Skipped[k] = append([]byte(nil), mk...)
	}
	return dup
}

// wipe zeroes every chain, root and buffered message key.
func (st *state) wipe() {
	memzero.ZeroAll(st.RootKey, st.DHPriv, st.SendCK, st.RecvCK, st.AD)
	for k, mk := range st.Skipped {
		memzero.Zero(mk)
		delete(st.Skipped, k)
	}
}

// Session is one side of a Double Ratchet conversation. Not safe for
// concurrent use: callers serialize encrypts and decrypts per session.
type Session struct {
	st        state
	destroyed bool
}

// NewInitiator seeds a session from an X3DH shared secret as the side that
// sent the pre-key message. The first sending chain is derived against the
// peer's signed pre-key public.
func NewInitiator(secret, ad []byte, peerSignedPreKey domain.X25519Public) (*Session, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}

	dh, err := crypto.DH(priv, peerSignedPreKey)
	if err != nil {
		return nil, err
	}
	rootKey, sendCK := kdfRoot(secret, dh[:])
	memzero.Zero32(&dh)

	return &Session{st: state{
		RootKey:   rootKey,
		DHPriv:    append([]byte(nil), priv.Slice()...),
		DHPub:     append([]byte(nil), pub.Slice()...),
		PeerDHPub: append([]byte(nil), peerSignedPreKey.Slice()...),
		SendCK:    sendCK,
		AD:        append([]byte(nil), ad...),
		Skipped:   make(map[string][]byte),
	}}, nil
}

// NewResponder seeds a session from an X3DH shared secret as the side that
// accepted the pre-key message. The local signed pre-key pair becomes the
// initial ratchet key pair; the receiving chain is created when the first
// message's ratchet public arrives.
func NewResponder(secret, ad []byte, spk domain.SignedPreKey) (*Session, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("%w: bad shared secret length", domain.ErrBadFormat)
	}
	return &Session{st: state{
		RootKey: append([]byte(nil), secret...),
		DHPriv:  append([]byte(nil), spk.Priv.Slice()...),
		DHPub:   append([]byte(nil), spk.Pub.Slice()...),
		AD:      append([]byte(nil), ad...),
		Skipped: make(map[string][]byte),
	}}, nil
}

// Encrypt advances the sending chain and seals plaintext, performing a DH
// ratchet step first when no sending chain exists yet.
func (s *Session) Encrypt(plaintext []byte) (domain.RatchetHeader, []byte, error) {
	if s.destroyed {
		return domain.RatchetHeader{}, nil, ErrDestroyed
	}
	if len(s.st.SendCK) == 0 {
		if len(s.st.PeerDHPub) != 32 {
			return domain.RatchetHeader{}, nil, errNoSendChain
		}
		if err := s.st.newSendingChain(); err != nil {
			return domain.RatchetHeader{}, nil, err
		}
	}

	mk := stepChain(&s.st.SendCK)
	header := domain.RatchetHeader{
		DHPub: append([]byte(nil), s.st.DHPub...),
		PN:    s.st.PN,
		N:     s.st.Ns,
	}

	ct, err := seal(mk, header, s.st.AD, plaintext)
	memzero.Zero(mk)
	if err != nil {
		return domain.RatchetHeader{}, nil, err
	}
	s.st.Ns++
	return header, ct, nil
}

// Decrypt opens a message, creating or advancing the matching receiving
// chain. Out-of-order messages consume buffered skipped keys; messages too
// far ahead fail with ErrTooManySkipped.
func (s *Session) Decrypt(header domain.RatchetHeader, ciphertext []byte) ([]byte, error) {
	if s.destroyed {
		return nil, ErrDestroyed
	}
	if len(header.DHPub) != 32 {
		return nil, fmt.Errorf("%w: bad ratchet public in header", domain.ErrBadFormat)
	}

	// A buffered key for this exact (pub, N) means this is a delayed
	// message from a chain we already advanced past.
	if mk, ok := s.st.Skipped[skippedID(header.DHPub, header.N)]; ok {
		pt, err := open(mk, header, s.st.AD, ciphertext)
		if err != nil {
			return nil, err
		}
		memzero.Zero(mk)
		delete(s.st.Skipped, skippedID(header.DHPub, header.N))
		return pt, nil
	}

	// Evolve the chains on a scratch copy so a replayed or forged
	// ciphertext cannot advance the live state past keys genuine messages
	// still need.
	st := s.st.clone()
	if !crypto.Equal(st.PeerDHPub, header.DHPub) {
		// New remote ratchet public: close out the old receiving chain,
		// then step both chains.
		if err := st.skipUntil(header.PN); err != nil {
			st.wipe()
			return nil, err
		}
		if err := st.dhRatchet(header.DHPub); err != nil {
			st.wipe()
			return nil, err
		}
	} else if header.N < st.Nr {
		// On the current chain with no buffered key: the message key for
		// this counter was already consumed.
		st.wipe()
		return nil, fmt.Errorf("%w: message key %d already consumed", domain.ErrProtocolState, header.N)
	}
	if err := st.skipUntil(header.N); err != nil {
		st.wipe()
		return nil, err
	}

	if len(st.RecvCK) == 0 {
		st.wipe()
		return nil, fmt.Errorf("%w: no receiving chain for message", domain.ErrProtocolState)
	}
	mk := stepChain(&st.RecvCK)
	pt, err := open(mk, header, st.AD, ciphertext)
	memzero.Zero(mk)
	if err != nil {
		st.wipe()
		return nil, err
	}
	st.Nr++
	s.st.wipe()
	s.st = st
	return pt, nil
}

// newSendingChain rolls a fresh ratchet pair and derives a sending chain
// against the peer's current ratchet public.
func (st *state) newSendingChain() error {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	var peer domain.X25519Public
	copy(peer[:], st.PeerDHPub)

	dh, err := crypto.DH(priv, peer)
	if err != nil {
		return err
	}
	rootKey, sendCK := kdfRoot(st.RootKey, dh[:])
	memzero.Zero32(&dh)
	memzero.ZeroAll(st.RootKey, st.SendCK, st.DHPriv)

	st.PN = st.Ns
	st.Ns = 0
	st.RootKey = rootKey
	st.DHPriv = append([]byte(nil), priv.Slice()...)
	st.DHPub = append([]byte(nil), pub.Slice()...)
	st.SendCK = sendCK
	return nil
}

// dhRatchet ingests a new remote ratchet public: derive the receiving
// chain for it, then roll our own pair and the next sending chain.
func (st *state) dhRatchet(remotePub []byte) error {
	var priv domain.X25519Private
	copy(priv[:], st.DHPriv)
	var remote domain.X25519Public
	copy(remote[:], remotePub)

	dhRecv, err := crypto.DH(priv, remote)
	if err != nil {
		return err
	}
	rootKey, recvCK := kdfRoot(st.RootKey, dhRecv[:])
	memzero.Zero32(&dhRecv)

	newPriv, newPub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	dhSend, err := crypto.DH(newPriv, remote)
	if err != nil {
		return err
	}
	rootKey2, sendCK := kdfRoot(rootKey, dhSend[:])
	memzero.Zero32(&dhSend)
	memzero.ZeroAll(rootKey, st.RootKey, st.SendCK, st.RecvCK, st.DHPriv)

	st.PN = st.Ns
	st.Ns = 0
	st.Nr = 0
	st.RootKey = rootKey2
	st.DHPriv = append([]byte(nil), newPriv.Slice()...)
	st.DHPub = append([]byte(nil), newPub.Slice()...)
	st.PeerDHPub = append([]byte(nil), remotePub...)
	st.SendCK = sendCK
	st.RecvCK = recvCK
	return nil
}

// skipUntil derives and buffers receiving-chain keys up to n, bounded by
// MaxSkip in both derivation distance and buffered total.
func (st *state) skipUntil(n uint32) error {
	if len(st.RecvCK) == 0 {
		if st.Nr == 0 && n == 0 {
			return nil
		}
		if n > MaxSkip {
			return ErrTooManySkipped
		}
		return nil
	}
	if n > st.Nr && n-st.Nr > MaxSkip {
		return ErrTooManySkipped
	}
	for st.Nr < n {
		if len(st.Skipped) >= MaxSkip {
			return ErrTooManySkipped
		}
		mk := stepChain(&st.RecvCK)
		st.Skipped[skippedID(st.PeerDHPub, st.Nr)] = mk
		st.Nr++
	}
	return nil
}

// stepChain advances a chain key and returns the message key. The message
// key is used at most once and wiped by the caller.
func stepChain(ck *[]byte) []byte {
	out := crypto.DeriveKey(*ck, nil, chainLabel, 64)
	memzero.Zero(*ck)
	*ck = out[:32]
	mk := append([]byte(nil), out[32:]...)
	memzero.Zero(out[32:])
	return mk
}

// Serialize renders the session state for persistence.
func (s *Session) Serialize() ([]byte, error) {
	if s.destroyed {
		return nil, ErrDestroyed
	}
	return cbor.Marshal(&s.st)
}

// Deserialize restores a persisted session. Corrupted blobs are a storage
// error; callers treat that as session loss.
func Deserialize(blob []byte) (*Session, error) {
	var st state
	if err := cbor.Unmarshal(blob, &st); err != nil {
		return nil, fmt.Errorf("%w: ratchet state: %v", domain.ErrStorage, err)
	}
	if st.Skipped == nil {
		st.Skipped = make(map[string][]byte)
	}
	return &Session{st: st}, nil
}

// Destroy wipes all chain, root and buffered message keys. The session is
// unusable afterwards.
func (s *Session) Destroy() {
	s.st.wipe()
	s.destroyed = true
}

// --- wire helpers ---

func seal(mk []byte, header domain.RatchetHeader, ad, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, crypto.NonceSize)
	binary.BigEndian.PutUint32(nonce[crypto.NonceSize-4:], header.N)
	return crypto.Seal(mk, nonce, plaintext, fullAD(ad, header))
}

func open(mk []byte, header domain.RatchetHeader, ad, ciphertext []byte) ([]byte, error) {
	nonce := make([]byte, crypto.NonceSize)
	binary.BigEndian.PutUint32(nonce[crypto.NonceSize-4:], header.N)
	return crypto.Open(mk, nonce, ciphertext, fullAD(ad, header))
}

// fullAD binds the X3DH associated data and the header to the ciphertext.
func fullAD(ad []byte, h domain.RatchetHeader) []byte {
	out := make([]byte, 0, len(ad)+len(h.DHPub)+8)
	out = append(out, ad...)
	out = append(out, h.DHPub...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], h.PN)
	out = append(out, b[:]...)
	binary.BigEndian.PutUint32(b[:], h.N)
	return append(out, b[:]...)
}

func kdfRoot(rootKey, dh []byte) (newRoot, chainKey []byte) {
	out := crypto.DeriveKey(dh, rootKey, rootLabel, 64)
	return out[:32], out[32:]
}

func skippedID(pub []byte, n uint32) string {
	b := make([]byte, len(pub)+4)
	copy(b, pub)
	binary.BigEndian.PutUint32(b[len(pub):], n)
	return string(b)
}
