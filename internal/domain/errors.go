package domain

import "errors"

// Error taxonomy. Every cryptographic failure surfaced by the engine wraps
// one of these sentinels so callers can classify with errors.Is without
// parsing messages.
var (
	// ErrBadFormat marks a malformed header or payload, rejected before
	// any key material is touched.
	ErrBadFormat = errors.New("malformed payload")

	// ErrIntegrity marks a checksum, hash or auth-tag mismatch. The whole
	// unit is rejected; no partial output is ever returned.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrProtocolState marks an operation against a session or group in
	// the wrong state: not initialized, a consumed one-time pre-key being
	// reused, a message kind mismatched to session state. Fatal to the
	// operation, not to the process.
	ErrProtocolState = errors.New("protocol state violation")

	// ErrRateLimited marks a policy rejection. Retryable after the
	// reported wait.
	ErrRateLimited = errors.New("rate limited")

	// ErrStorage marks corrupted or missing persisted state. Treated as
	// session loss, recoverable by re-establishing.
	ErrStorage = errors.New("storage failure")
)
