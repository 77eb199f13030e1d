// Package identity holds a node's long-lived Ed25519 signing identity.
//
// A PeerID is the SHA-256 digest of the Ed25519 public key, so any party
// holding a public key can check that it belongs to the claimed peer.
// The Keystore persists the private key so the PeerID survives restarts.
package identity
