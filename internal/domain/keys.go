package domain

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

// Slice returns the key as a []byte.
func (p X25519Public) Slice() []byte { return p[:] }

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

// Slice returns the key as a []byte.
func (k X25519Private) Slice() []byte { return k[:] }

// Ed25519Public is an Ed25519 signing public key.
type Ed25519Public [32]byte

// Slice returns the key as a []byte.
func (p Ed25519Public) Slice() []byte { return p[:] }

// Ed25519Private is an Ed25519 signing private key.
type Ed25519Private [64]byte

// Slice returns the key as a []byte.
func (k Ed25519Private) Slice() []byte { return k[:] }

// Identity holds a device's long-term X25519 and Ed25519 keys plus the
// registration id published in pre-key bundles.
type Identity struct {
	XPub   X25519Public   `json:"xpub"`
	XPriv  X25519Private  `json:"xpriv"`
	EdPub  Ed25519Public  `json:"edpub"`
	EdPriv Ed25519Private `json:"edpriv"`

	RegistrationID uint32 `json:"registration_id"`
	CreatedUTC     int64  `json:"created_utc"`
}

// SignedPreKey is a medium-lived, numbered pre-key signed by the owning
// identity's Ed25519 key. It expires and is rotated explicitly.
type SignedPreKey struct {
	ID         uint32        `json:"id"`
	Priv       X25519Private `json:"priv"`
	Pub        X25519Public  `json:"pub"`
	Sig        []byte        `json:"sig"`
	CreatedUTC int64         `json:"created_utc"`
}

// OneTimePreKey is a single-use, numbered pre-key. Once consumed in a key
// agreement it must never be used again.
type OneTimePreKey struct {
	ID         uint32        `json:"id"`
	Priv       X25519Private `json:"priv"`
	Pub        X25519Public  `json:"pub"`
	Used       bool          `json:"used"`
	CreatedUTC int64         `json:"created_utc"`
}

// PreKeyBundle is the publishable tuple another device fetches to start
// X3DH against us while we are offline. Immutable once issued; the
// one-time component is consumed exactly once.
type PreKeyBundle struct {
	UserID         string `json:"user_id"`
	DeviceID       string `json:"device_id"`
	RegistrationID uint32 `json:"registration_id"`

	IdentityKey X25519Public  `json:"identity_key"`
	SigningKey  Ed25519Public `json:"signing_key"`

	SignedPreKeyID  uint32       `json:"signed_pre_key_id"`
	SignedPreKey    X25519Public `json:"signed_pre_key"`
	SignedPreKeySig []byte       `json:"signed_pre_key_sig"`

	OneTimePreKeyID *uint32       `json:"one_time_pre_key_id,omitempty"`
	OneTimePreKey   *X25519Public `json:"one_time_pre_key,omitempty"`
}
