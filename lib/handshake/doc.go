// Package handshake negotiates sessions between two peers.
//
// The initiator sends handshake_init carrying its signed PeerRecord and an
// X25519 ephemeral key. The responder answers with handshake_ack carrying
// its own record, ephemeral key and a random challenge. Both sides derive
// the session key with HKDF over the X25519 secret, salted with the session
// id. The initiator proves it holds the key by returning handshake_confirm
// with an HMAC over the challenge, and the responder acknowledges the
// confirmation with an ack on the new session.
//
// An attempt that does not complete within Config.Timeout expires and is
// never resumed; a later Establish starts again from INITIAL. Only one
// attempt runs per peer. When both peers initiate at once, the peer with
// the lower id keeps the initiator role.
package handshake
