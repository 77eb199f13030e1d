package dht

import (
	"errors"
	"testing"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticProvider struct {
	rec *record.PeerRecord
	err error
}

func (p staticProvider) CurrentRecord() (*record.PeerRecord, error) { return p.rec, p.err }

func TestPublisherDefaultConfig(t *testing.T) {
	assert.Equal(t, 30*time.Minute, DefaultPublisherConfig().Interval)
}

func TestPublishNowStoresUnderEveryKey(t *testing.T) {
	net, nodes := buildNetwork(t, 5, nil)
	self := newIdentity(t)
	rec := newRecord(t, self, testNow, "plan", "summarize")
	node := &testNode{id: self, rec: rec, net: net}
	node.router = NewRouter(self.ID(), node, nil, net.clock, DefaultConfig())
	require.NoError(t, node.router.Bootstrap(t.Context(), []string{nodes[0].rec.Address}))

	pub := NewPublisher(node.router, staticProvider{rec: rec}, PublisherConfig{})
	stats, err := pub.PublishNow(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Keys)
	assert.Positive(t, stats.Replicas)

	for _, key := range []Key{self.ID(), record.CapabilityKey("plan"), record.CapabilityKey("summarize")} {
		assert.Len(t, nodes[0].router.Values().Get(key), 1)
	}
}

func TestPublisherRequiresProvider(t *testing.T) {
	pub := NewPublisher(NewRouter(newIdentity(t).ID(), &stubClient{}, nil, nil, DefaultConfig()), nil, DefaultPublisherConfig())
	assert.Error(t, pub.Start())
}

func TestPublishNowPropagatesProviderError(t *testing.T) {
	router := NewRouter(newIdentity(t).ID(), &stubClient{}, nil, nil, DefaultConfig())
	pub := NewPublisher(router, staticProvider{err: errors.New("boom")}, DefaultPublisherConfig())
	_, err := pub.PublishNow(t.Context())
	assert.Error(t, err)
}

func TestPublisherStartStop(t *testing.T) {
	net := newTestNet()
	node := net.add(t, "plan")
	pub := NewPublisher(node.router, staticProvider{rec: node.rec}, DefaultPublisherConfig())
	require.NoError(t, pub.Start())
	pub.Stop()
	assert.Len(t, node.router.Values().Get(record.CapabilityKey("plan")), 1)
}
