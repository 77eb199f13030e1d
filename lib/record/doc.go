// Package record defines the self-certifying PeerRecord a node publishes
// about itself: its address, signing key and advertised capabilities.
//
// A record is accepted only when its peer id is the digest of its public
// key and its signature verifies under that key. Records expire at
// IssuedAt + TTL and a newer IssuedAt supersedes an older record of the
// same peer.
package record
