package dht

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/go-agentmesh/agentmesh/lib/record"
	"github.com/go-agentmesh/agentmesh/lib/util/clock"
	"github.com/go-agentmesh/agentmesh/lib/util/logger"
)

const numBuckets = identity.PeerIDSize * 8

// UpdateResult says what Update did with a record.
type UpdateResult int

const (
	// Added means the record took a free slot.
	Added UpdateResult = iota
	// Refreshed means the peer was already present and moved to the tail.
	Refreshed
	// BucketFull means the bucket has no room; the least recently seen
	// entry should be probed before anything is evicted.
	BucketFull
	// Rejected means the record failed verification or is our own.
	Rejected
)

type entry struct {
	record   *record.PeerRecord
	lastSeen time.Time
	active   bool
}

type bucket struct {
	mu sync.Mutex
	// entries runs from least to most recently seen.
	entries    []*entry
	lastLookup time.Time
}

func (b *bucket) indexOf(id identity.PeerID) int {
	for i, e := range b.entries {
		if e.record.PeerID == id {
			return i
		}
	}
	return -1
}

func (b *bucket) moveToTail(i int) {
	e := b.entries[i]
	copy(b.entries[i:], b.entries[i+1:])
	b.entries[len(b.entries)-1] = e
}

func (b *bucket) removeAt(i int) {
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
}

// RoutingTable holds verified PeerRecords in k-buckets around the local id.
// Each bucket has its own lock.
type RoutingTable struct {
	self    identity.PeerID
	k       int
	clock   clock.Clock
	buckets [numBuckets]*bucket
}

// NewRoutingTable creates an empty table for self with bucket size k.
func NewRoutingTable(self identity.PeerID, k int, c clock.Clock) *RoutingTable {
	t := &RoutingTable{self: self, k: k, clock: clock.OrSystem(c)}
	now := t.clock.Now()
	for i := range t.buckets {
		t.buckets[i] = &bucket{lastLookup: now}
	}
	return t
}

func (t *RoutingTable) Self() identity.PeerID { return t.self }

func (t *RoutingTable) bucketFor(id identity.PeerID) *bucket {
	cpl := CommonPrefixLen(t.self, id)
	if cpl >= numBuckets {
		return nil
	}
	return t.buckets[cpl]
}

// Update verifies rec and inserts or refreshes it. On BucketFull the
// least recently seen record of the bucket is returned for probing.
func (t *RoutingTable) Update(rec *record.PeerRecord) (UpdateResult, *record.PeerRecord) {
	if rec == nil || rec.PeerID == t.self {
		return Rejected, nil
	}
	now := t.clock.Now()
	if err := rec.VerifyAt(now); err != nil {
		log.WithFields(logger.Fields{
			"at":     "(RoutingTable) Update",
			"reason": err.Error(),
			"peer":   rec.PeerID.Short(),
		}).Debug("dropping invalid record")
		return Rejected, nil
	}
	b := t.bucketFor(rec.PeerID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.indexOf(rec.PeerID); i >= 0 {
		e := b.entries[i]
		if !e.record.Supersedes(rec) {
			e.record = rec
		}
		e.lastSeen = now
		b.moveToTail(i)
		return Refreshed, nil
	}
	if len(b.entries) < t.k {
		b.entries = append(b.entries, &entry{record: rec, lastSeen: now, active: true})
		return Added, nil
	}
	return BucketFull, b.entries[0].record
}

// Replace evicts stale from rec's bucket, if it is still there, and
// inserts rec. It reports whether rec was inserted.
func (t *RoutingTable) Replace(stale identity.PeerID, rec *record.PeerRecord) bool {
	b := t.bucketFor(rec.PeerID)
	if b == nil {
		return false
	}
	now := t.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.indexOf(rec.PeerID); i >= 0 {
		return true
	}
	if i := b.indexOf(stale); i >= 0 {
		b.removeAt(i)
	}
	if len(b.entries) >= t.k {
		return false
	}
	b.entries = append(b.entries, &entry{record: rec, lastSeen: now, active: true})
	return true
}

// Touch marks id as just seen and moves it to the tail of its bucket.
func (t *RoutingTable) Touch(id identity.PeerID) {
	b := t.bucketFor(id)
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.indexOf(id); i >= 0 {
		b.entries[i].lastSeen = t.clock.Now()
		b.moveToTail(i)
	}
}

// SetActive includes (true) or excludes (false) id from lookup results
// without giving up its bucket slot.
func (t *RoutingTable) SetActive(id identity.PeerID, active bool) {
	b := t.bucketFor(id)
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.indexOf(id); i >= 0 {
		b.entries[i].active = active
	}
}

// Remove drops id from the table.
func (t *RoutingTable) Remove(id identity.PeerID) bool {
	b := t.bucketFor(id)
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.indexOf(id); i >= 0 {
		b.removeAt(i)
		return true
	}
	return false
}

// Get returns the record for id.
func (t *RoutingTable) Get(id identity.PeerID) (*record.PeerRecord, bool) {
	b := t.bucketFor(id)
	if b == nil {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.indexOf(id); i >= 0 {
		return b.entries[i].record, true
	}
	return nil, false
}

// PublicKey resolves a peer's signing key from its record.
func (t *RoutingTable) PublicKey(id identity.PeerID) (ed25519.PublicKey, bool) {
	rec, ok := t.Get(id)
	if !ok {
		return nil, false
	}
	return rec.PublicKey, true
}

// Closest returns up to n active, unexpired records nearest to target.
func (t *RoutingTable) Closest(target Key, n int) []*record.PeerRecord {
	now := t.clock.Now()
	var out []*record.PeerRecord
	for _, b := range t.buckets {
		b.mu.Lock()
		for _, e := range b.entries {
			if e.active && !e.record.Expired(now) {
				out = append(out, e.record)
			}
		}
		b.mu.Unlock()
	}
	SortByDistance(target, out)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// All returns every record in the table, active or not.
func (t *RoutingTable) All() []*record.PeerRecord {
	var out []*record.PeerRecord
	for _, b := range t.buckets {
		b.mu.Lock()
		for _, e := range b.entries {
			out = append(out, e.record)
		}
		b.mu.Unlock()
	}
	return out
}

func (t *RoutingTable) Len() int {
	n := 0
	for _, b := range t.buckets {
		b.mu.Lock()
		n += len(b.entries)
		b.mu.Unlock()
	}
	return n
}

// PurgeExpired removes records past their expiry and returns their ids.
func (t *RoutingTable) PurgeExpired() []identity.PeerID {
	now := t.clock.Now()
	var removed []identity.PeerID
	for _, b := range t.buckets {
		b.mu.Lock()
		kept := b.entries[:0]
		for _, e := range b.entries {
			if e.record.Expired(now) {
				removed = append(removed, e.record.PeerID)
				continue
			}
			kept = append(kept, e)
		}
		b.entries = kept
		b.mu.Unlock()
	}
	return removed
}

// markLookup records that a lookup covered target's bucket.
func (t *RoutingTable) markLookup(target Key) {
	if b := t.bucketFor(target); b != nil {
		b.mu.Lock()
		b.lastLookup = t.clock.Now()
		b.mu.Unlock()
	}
}

// staleBuckets returns the indices of non-empty buckets with no lookup
// within maxAge.
func (t *RoutingTable) staleBuckets(maxAge time.Duration) []int {
	now := t.clock.Now()
	var out []int
	for i, b := range t.buckets {
		b.mu.Lock()
		if len(b.entries) > 0 && now.Sub(b.lastLookup) > maxAge {
			out = append(out, i)
		}
		b.mu.Unlock()
	}
	return out
}
