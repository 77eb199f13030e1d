package dht

import (
	"testing"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/record"
	"github.com/go-agentmesh/agentmesh/lib/util/clock"
	"github.com/stretchr/testify/assert"
)

func TestValueStorePutGet(t *testing.T) {
	c := clock.NewManual(testNow)
	store := NewValueStore(c, 0)
	key := record.CapabilityKey("plan")
	peer := newIdentity(t)
	rec := newRecord(t, peer, testNow, "plan")

	assert.True(t, store.Put(key, rec))
	assert.False(t, store.Put(key, rec), "same record twice")
	assert.Equal(t, []*record.PeerRecord{rec}, store.Get(key))

	c.Advance(time.Minute)
	newer := newRecord(t, peer, c.Now(), "plan")
	assert.True(t, store.Put(key, newer))
	assert.False(t, store.Put(key, rec), "older record loses")
	assert.Equal(t, []*record.PeerRecord{newer}, store.Get(key))
	assert.Equal(t, 1, store.Len())
}

func TestValueStoreRejectsInvalid(t *testing.T) {
	store := NewValueStore(clock.NewManual(testNow), 0)
	rec := newRecord(t, newIdentity(t), testNow)
	rec.DisplayName = "forged"
	assert.False(t, store.Put(rec.PeerID, rec))
	assert.False(t, store.Put(rec.PeerID, nil))
}

func TestValueStoreLimitPerKey(t *testing.T) {
	store := NewValueStore(clock.NewManual(testNow), 2)
	key := record.CapabilityKey("plan")
	assert.True(t, store.Put(key, newRecord(t, newIdentity(t), testNow, "plan")))
	assert.True(t, store.Put(key, newRecord(t, newIdentity(t), testNow, "plan")))
	assert.False(t, store.Put(key, newRecord(t, newIdentity(t), testNow, "plan")))
	assert.Len(t, store.Get(key), 2)
}

func TestValueStorePurge(t *testing.T) {
	c := clock.NewManual(testNow)
	store := NewValueStore(c, 0)
	rec := newRecord(t, newIdentity(t), testNow, "plan")
	key := record.CapabilityKey("plan")
	store.Put(key, rec)

	c.Advance(2 * time.Hour)
	assert.Empty(t, store.Get(key))
	assert.Equal(t, []ValueRef{{Key: key, Peer: rec.PeerID}}, store.Purge())
	assert.Zero(t, store.Len())
}
