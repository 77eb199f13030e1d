// Package dht implements Kademlia-style peer discovery over signed
// PeerRecords.
//
// # Key space
//
// Keys and peer ids share one 256-bit space. The distance between two keys
// is their XOR read as an unsigned big-endian integer. The routing table
// keeps one bucket per common-prefix length with the local id, each holding
// at most K records ordered from least to most recently seen. A full bucket
// only admits a newcomer after a ping to its least recently seen entry
// fails.
//
// # Lookups
//
// FindNode and FindValue are iterative: each round queries the Alpha
// closest unqueried candidates in parallel under a round timeout, merges
// what they return, and stops when a round brings nothing closer or
// MaxRounds is reached. A weighted semaphore bounds concurrent lookups.
//
// # Values
//
// Stored values are PeerRecords. Capability discovery stores a provider's
// record under record.CapabilityKey(tag). Values expire with their record
// and invalid records are dropped silently: discovery never fails a caller,
// it returns fewer results.
package dht
