package domain

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MessageKind discriminates the wire message union. Every encoded message
// starts with exactly one kind byte followed by a CBOR body.
type MessageKind byte

const (
	KindPreKeyMessage         MessageKind = 0x01
	KindRegularMessage        MessageKind = 0x02
	KindSenderKeyDistribution MessageKind = 0x03
	KindSenderKeyMessage      MessageKind = 0x04
)

// Message is one member of the wire union.
type Message interface {
	Kind() MessageKind
}

// RatchetHeader travels alongside every 1:1 ciphertext.
type RatchetHeader struct {
	DHPub []byte `cbor:"1,keyasint" json:"dh_pub"`
	PN    uint32 `cbor:"2,keyasint" json:"pn"`
	N     uint32 `cbor:"3,keyasint" json:"n"`
}

// PreKeyMessage is the first message of a conversation. It carries the
// X3DH handshake parameters so the responder can derive the shared secret
// and build its ratchet before decrypting the body.
type PreKeyMessage struct {
	SenderUserID   string `cbor:"1,keyasint"`
	SenderDeviceID string `cbor:"2,keyasint"`

	IdentityKey     []byte  `cbor:"3,keyasint"`
	EphemeralKey    []byte  `cbor:"4,keyasint"`
	SignedPreKeyID  uint32  `cbor:"5,keyasint"`
	OneTimePreKeyID *uint32 `cbor:"6,keyasint,omitempty"`

	Header     RatchetHeader `cbor:"7,keyasint"`
	Ciphertext []byte        `cbor:"8,keyasint"`
}

// Kind implements Message.
func (PreKeyMessage) Kind() MessageKind { return KindPreKeyMessage }

// RegularMessage is every message after session establishment: header and
// ciphertext only.
type RegularMessage struct {
	SenderUserID   string `cbor:"1,keyasint"`
	SenderDeviceID string `cbor:"2,keyasint"`

	Header     RatchetHeader `cbor:"3,keyasint"`
	Ciphertext []byte        `cbor:"4,keyasint"`
}

// Kind implements Message.
func (RegularMessage) Kind() MessageKind { return KindRegularMessage }

// SenderKeyDistributionMessage exports one member's current sender key so
// other group members can decrypt its messages. It is itself carried over
// the 1:1 ratchet sessions.
type SenderKeyDistributionMessage struct {
	GroupID        string `cbor:"1,keyasint"`
	SenderUserID   string `cbor:"2,keyasint"`
	SenderDeviceID string `cbor:"3,keyasint"`

	KeyID     string `cbor:"4,keyasint"`
	Epoch     uint64 `cbor:"5,keyasint"`
	Iteration uint32 `cbor:"6,keyasint"`
	ChainKey  []byte `cbor:"7,keyasint"`
}

// Kind implements Message.
func (SenderKeyDistributionMessage) Kind() MessageKind { return KindSenderKeyDistribution }

// SenderKeyMessage is a group ciphertext under the sender's current chain.
type SenderKeyMessage struct {
	GroupID        string `cbor:"1,keyasint"`
	SenderUserID   string `cbor:"2,keyasint"`
	SenderDeviceID string `cbor:"3,keyasint"`

	KeyID      string `cbor:"4,keyasint"`
	Epoch      uint64 `cbor:"5,keyasint"`
	Iteration  uint32 `cbor:"6,keyasint"`
	Ciphertext []byte `cbor:"7,keyasint"`
}

// Kind implements Message.
func (SenderKeyMessage) Kind() MessageKind { return KindSenderKeyMessage }

// EncodeMessage renders a wire message as one kind byte plus a CBOR body.
func EncodeMessage(m Message) ([]byte, error) {
	body, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", m, err)
	}
	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(m.Kind()))
	return append(out, body...), nil
}

// DecodeMessage parses a wire blob back into its union member. Unknown
// kinds and truncated blobs are format errors; no field probing happens.
func DecodeMessage(data []byte) (Message, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: message too short", ErrBadFormat)
	}
	body := data[1:]
	switch MessageKind(data[0]) {
	case KindPreKeyMessage:
		var m PreKeyMessage
		if err := cbor.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("%w: pre-key message: %v", ErrBadFormat, err)
		}
		return &m, nil
	case KindRegularMessage:
		var m RegularMessage
		if err := cbor.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("%w: regular message: %v", ErrBadFormat, err)
		}
		return &m, nil
	case KindSenderKeyDistribution:
		var m SenderKeyDistributionMessage
		if err := cbor.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("%w: sender key distribution: %v", ErrBadFormat, err)
		}
		return &m, nil
	case KindSenderKeyMessage:
		var m SenderKeyMessage
		if err := cbor.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("%w: sender key message: %v", ErrBadFormat, err)
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("%w: unknown message kind 0x%02x", ErrBadFormat, data[0])
	}
}
