package domain

// Address identifies a remote session endpoint: one device of one user.
type Address struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// String renders the address as the "user:device" form used in storage keys.
func (a Address) String() string { return a.UserID + ":" + a.DeviceID }

// SessionState is the lifecycle state of a 1:1 session.
type SessionState string

const (
	// SessionPending means X3DH has run but no message has flowed yet.
	SessionPending SessionState = "pending"
	// SessionEstablished means at least one encrypt or accepted pre-key
	// message has succeeded.
	SessionEstablished SessionState = "established"
	// SessionClosed means the session was explicitly closed and wiped.
	SessionClosed SessionState = "closed"
	// SessionExpired means the session idled past the expiry threshold.
	SessionExpired SessionState = "expired"
)
