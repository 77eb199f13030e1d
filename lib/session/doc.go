// Package session tracks per-peer sessions and enforces the sequence
// ordering that makes a session replay-free.
//
// Every session starts INITIAL, advances through the handshake states to
// ESTABLISHED, and ends EXPIRED. Incoming sequence numbers are accepted only
// when they equal the expected counter: lower numbers are replays and higher
// numbers are gaps, and neither advances the counter.
//
// The Manager holds the session table under a read/write lock while each
// Session guards its own counters, so a slow peer never blocks another.
package session
