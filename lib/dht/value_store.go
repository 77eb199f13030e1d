package dht

import (
	"sync"

	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/go-agentmesh/agentmesh/lib/record"
	"github.com/go-agentmesh/agentmesh/lib/util/clock"
)

// ValueStore keeps the records stored under each key, one per provider.
// A record expires at its own IssuedAt + TTL.
type ValueStore struct {
	clock clock.Clock
	// maxPerKey bounds how many providers are kept under one key.
	maxPerKey int

	mu     sync.RWMutex
	values map[Key]map[identity.PeerID]*record.PeerRecord
}

// NewValueStore creates an empty store.
func NewValueStore(c clock.Clock, maxPerKey int) *ValueStore {
	if maxPerKey <= 0 {
		maxPerKey = 256
	}
	return &ValueStore{
		clock:     clock.OrSystem(c),
		maxPerKey: maxPerKey,
		values:    make(map[Key]map[identity.PeerID]*record.PeerRecord),
	}
}

// Put stores rec under key unless an equal or newer record from the same
// peer is already there. Invalid and expired records are refused.
func (s *ValueStore) Put(key Key, rec *record.PeerRecord) bool {
	if rec == nil || rec.VerifyAt(s.clock.Now()) != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	providers, ok := s.values[key]
	if !ok {
		providers = make(map[identity.PeerID]*record.PeerRecord)
		s.values[key] = providers
	}
	existing, had := providers[rec.PeerID]
	if had && !rec.Supersedes(existing) {
		return false
	}
	if !had && len(providers) >= s.maxPerKey {
		return false
	}
	providers[rec.PeerID] = rec
	return true
}

// Get returns the unexpired records under key.
func (s *ValueStore) Get(key Key) []*record.PeerRecord {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*record.PeerRecord
	for _, rec := range s.values[key] {
		if !rec.Expired(now) {
			out = append(out, rec)
		}
	}
	return out
}

// ValueRef names one stored record.
type ValueRef struct {
	Key  Key
	Peer identity.PeerID
}

// Purge drops expired records and returns what was removed.
func (s *ValueStore) Purge() []ValueRef {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []ValueRef
	for key, providers := range s.values {
		for id, rec := range providers {
			if rec.Expired(now) {
				delete(providers, id)
				removed = append(removed, ValueRef{Key: key, Peer: id})
			}
		}
		if len(providers) == 0 {
			delete(s.values, key)
		}
	}
	return removed
}

// Len counts stored records.
func (s *ValueStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, providers := range s.values {
		n += len(providers)
	}
	return n
}

// each visits every stored (key, record) pair.
func (s *ValueStore) each(fn func(Key, *record.PeerRecord)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, providers := range s.values {
		for _, rec := range providers {
			fn(key, rec)
		}
	}
}

// mergeRecords folds recs into into, keeping the newest record per peer.
func mergeRecords(into map[identity.PeerID]*record.PeerRecord, recs ...*record.PeerRecord) {
	for _, rec := range recs {
		if existing, ok := into[rec.PeerID]; !ok || rec.Supersedes(existing) {
			into[rec.PeerID] = rec
		}
	}
}
