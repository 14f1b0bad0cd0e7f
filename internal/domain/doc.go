// Package domain defines the shared types of the Sigilo E2EE engine:
// key material, pre-key bundles, session addressing, the wire message
// union carried by the transport, and the error taxonomy every layer
// reports against.
//
// The package has no dependencies on the protocol packages; everything
// above it (x3dh, ratchet, session, group) imports these types.
package domain
