// Package crypto is the single cryptographic backend for agentmesh.
//
// It provides Ed25519 signatures, X25519 key agreement with HKDF-SHA256
// session key derivation, ChaCha20-Poly1305 authenticated encryption and
// HMAC-SHA256. SelfTest exercises every primitive and must pass before a
// node is allowed to start.
package crypto
