// Package envelope implements the signed wire envelope exchanged between
// peers, its binary codec, payload sealing and inbound validation.
//
// Wire layout, all integers big-endian:
//
//	u8   protocol version
//	u8   type length, then type bytes
//	32B  sender id
//	32B  recipient id
//	i64  timestamp, unix seconds
//	16B  nonce
//	u8   flags (1 session, 2 sequence, 4 encrypted)
//	16B  session id           when flag 1 is set
//	u64  sequence number      when flag 2 is set
//	u32  payload length, then payload bytes
//	64B  Ed25519 signature over every preceding byte
//
// Control types may travel without a session. Every other type is
// application data and must carry a session and a sequence number, which
// are checked against the session manager before the payload is released.
package envelope
