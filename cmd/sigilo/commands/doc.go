// Package commands defines the sigilo CLI and wires dependencies for subcommands.
//
// Commands
//
//   - init           Create the local identity and initial pre-keys
//   - prekeys        Rotate the signed pre-key, replenish one-time pre-keys
//   - bundle         Print the publishable pre-key bundle as JSON
//   - safety-number  Derive the safety number shared with a peer
//   - qr             Emit or check a verification QR payload
//   - recovery       Generate or validate a recovery key
//   - attachment     Encrypt or decrypt a file attachment
//
// # Implementation
//
// The root command builds the dependency graph (storage backend, X3DH
// manager, session/group/verify managers) before any subcommand runs, so
// handlers share one app context.
package commands
