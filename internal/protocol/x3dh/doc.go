// Package x3dh implements the Extended Triple Diffie-Hellman key
// agreement: the one-time asynchronous handshake that turns a published
// pre-key bundle into a shared secret and associated data, later used to
// seed a Double Ratchet session.
//
// The pure agreement math lives in Initiate and Complete. Manager owns the
// local side's state: the device identity, the current signed pre-key and
// the one-time pre-key pool, persisted through the storage contract.
package x3dh
