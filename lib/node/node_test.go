package node

import (
	"context"
	"testing"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/delivery"
	"github.com/go-agentmesh/agentmesh/lib/dht"
	"github.com/go-agentmesh/agentmesh/lib/envelope"
	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/go-agentmesh/agentmesh/lib/liveness"
	"github.com/go-agentmesh/agentmesh/lib/record"
	"github.com/go-agentmesh/agentmesh/lib/transport"
	"github.com/go-agentmesh/agentmesh/lib/util/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

func testConfig() Config {
	c := DefaultConfig()
	c.RequestTimeout = 500 * time.Millisecond
	c.AckTimeout = 500 * time.Millisecond
	c.Handshake.Timeout = time.Second
	c.DHT.RoundTimeout = 500 * time.Millisecond
	c.DHT.ProbeTimeout = 500 * time.Millisecond
	c.Delivery.InitialInterval = 10 * time.Millisecond
	c.Delivery.MaxInterval = 50 * time.Millisecond
	c.Delivery.AttemptTimeout = 2 * time.Second
	c.Delivery.BreakerCooldown = 100 * time.Millisecond
	c.Liveness.ProbeTimeout = 200 * time.Millisecond
	c.Liveness.Interval = time.Hour
	return c
}

func newTestNode(t *testing.T, network *transport.Network, name string, configure func(*Config)) *Node {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	tr, err := network.NewTransport(name)
	require.NoError(t, err)
	config := testConfig()
	config.Name = name
	if configure != nil {
		configure(&config)
	}
	n, err := New(id, tr, nil, nil, config)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(n.Stop)
	return n
}

func nextResult(t *testing.T, n *Node) delivery.Result {
	t.Helper()
	select {
	case r := <-n.DeliveryResults():
		return r
	case <-time.After(waitFor):
		t.Fatal("no delivery result")
		return delivery.Result{}
	}
}

func nextMessage(t *testing.T, n *Node) Message {
	t.Helper()
	select {
	case m := <-n.Messages():
		return m
	case <-time.After(waitFor):
		t.Fatal("no message")
		return Message{}
	}
}

func nextLivenessEvent(t *testing.T, n *Node) liveness.Event {
	t.Helper()
	select {
	case ev := <-n.LivenessEvents():
		return ev
	case <-time.After(waitFor):
		t.Fatal("no liveness event")
		return liveness.Event{}
	}
}

func connectedPair(t *testing.T, configure func(*Config)) (*transport.Network, *Node, *Node) {
	t.Helper()
	network := transport.NewNetwork()
	a := newTestNode(t, network, "a", configure)
	b := newTestNode(t, network, "b", configure)
	require.NoError(t, a.Bootstrap(t.Context(), []string{b.Addr()}))
	return network, a, b
}

func TestSendDeliversInOrder(t *testing.T) {
	_, a, b := connectedPair(t, nil)

	payloads := []string{"one", "two", "three"}
	for _, p := range payloads {
		_, err := a.Send(b.ID(), []byte(p))
		require.NoError(t, err)
	}

	var first uint64
	for i, p := range payloads {
		m := nextMessage(t, b)
		assert.Equal(t, p, string(m.Payload))
		assert.Equal(t, a.ID(), m.From)
		assert.Equal(t, envelope.TypeData, m.Type)
		if i == 0 {
			first = m.Sequence
		}
		assert.Equal(t, first+uint64(i), m.Sequence)
	}
	for range payloads {
		r := nextResult(t, a)
		assert.Equal(t, delivery.Delivered, r.Outcome)
		assert.Equal(t, 1, r.Attempts)
	}

	as, ok := a.Sessions().GetByPeer(b.ID())
	require.True(t, ok)
	bs, ok := b.Sessions().GetByPeer(a.ID())
	require.True(t, ok)
	assert.Equal(t, as.ID(), bs.ID())
}

func TestReplyInBothDirections(t *testing.T) {
	_, a, b := connectedPair(t, nil)

	_, err := a.Send(b.ID(), []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "ping", string(nextMessage(t, b).Payload))
	assert.Equal(t, delivery.Delivered, nextResult(t, a).Outcome)

	_, err = b.Send(a.ID(), []byte("pong"))
	require.NoError(t, err)
	assert.Equal(t, "pong", string(nextMessage(t, a).Payload))
	assert.Equal(t, delivery.Delivered, nextResult(t, b).Outcome)
}

func TestCapabilityDiscovery(t *testing.T) {
	network := transport.NewNetwork()
	seed := newTestNode(t, network, "seed", nil)
	provider := newTestNode(t, network, "provider", func(c *Config) {
		c.Capabilities = []string{"translate"}
	})
	client := newTestNode(t, network, "client", nil)

	require.NoError(t, provider.Bootstrap(t.Context(), []string{seed.Addr()}))
	require.NoError(t, provider.PublishSelf(t.Context()))
	require.NoError(t, client.Bootstrap(t.Context(), []string{seed.Addr()}))

	found := client.FindPeersByCapability(t.Context(), "translate")
	require.Len(t, found, 1)
	assert.Equal(t, provider.ID(), found[0].PeerID)
	assert.Equal(t, provider.Addr(), found[0].Address)

	assert.Empty(t, client.FindPeersByCapability(t.Context(), "summarize"))

	_, err := client.Send(provider.ID(), []byte("bonjour"))
	require.NoError(t, err)
	assert.Equal(t, "bonjour", string(nextMessage(t, provider).Payload))
}

func TestDeadLetterWhenPeerUnreachable(t *testing.T) {
	network, a, b := connectedPair(t, func(c *Config) {
		c.Delivery.MaxAttempts = 3
	})
	network.SetDown(b.Addr(), true)

	d, err := a.Send(b.ID(), []byte("lost"))
	require.NoError(t, err)
	r := nextResult(t, a)
	assert.Equal(t, d.ID, r.ID)
	assert.Equal(t, delivery.DeadLetter, r.Outcome)
	assert.Equal(t, 3, r.Attempts)
	assert.Error(t, r.Err)

	select {
	case extra := <-a.DeliveryResults():
		t.Fatalf("second result for one delivery: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSequenceGapTriggersRehandshake(t *testing.T) {
	_, a, b := connectedPair(t, nil)

	_, err := a.Send(b.ID(), []byte("first"))
	require.NoError(t, err)
	nextMessage(t, b)
	require.Equal(t, delivery.Delivered, nextResult(t, a).Outcome)

	old, ok := a.Sessions().GetByPeer(b.ID())
	require.True(t, ok)
	for i := 0; i < 3; i++ {
		_, err := a.Sessions().NextSequence(old.ID())
		require.NoError(t, err)
	}

	_, err = a.Send(b.ID(), []byte("second"))
	require.NoError(t, err)
	m := nextMessage(t, b)
	assert.Equal(t, "second", string(m.Payload))
	assert.NotEqual(t, old.ID(), m.SessionID)
	assert.Zero(t, m.Sequence, "fresh session starts at zero")

	r := nextResult(t, a)
	assert.Equal(t, delivery.Delivered, r.Outcome)
	assert.Equal(t, 2, r.Attempts)
}

func TestFullMessageBufferDoesNotStallOtherPeers(t *testing.T) {
	configure := func(c *Config) {
		c.DispatchWorkers = 1
		c.MessageBuffer = 1
		c.Delivery.MaxAttempts = 20
	}
	network, a, b := connectedPair(t, configure)

	payloads := []string{"one", "two", "three"}
	for _, p := range payloads {
		_, err := a.Send(b.ID(), []byte(p))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(b.Messages()) == 1 }, waitFor, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	c := newTestNode(t, network, "c", configure)
	require.NoError(t, c.Bootstrap(t.Context(), []string{b.Addr()}), "control traffic served while messages are unread")

	for _, p := range payloads {
		assert.Equal(t, p, string(nextMessage(t, b).Payload))
	}
	for range payloads {
		assert.Equal(t, delivery.Delivered, nextResult(t, a).Outcome)
	}
}

func TestLivenessMarksDeadAndRehabilitates(t *testing.T) {
	network, a, b := connectedPair(t, nil)
	a.tracker.Sync(a.livenessPeers())
	require.True(t, a.IsAlive(b.ID()))

	network.SetDown(b.Addr(), true)
	for i := 0; i < 3; i++ {
		a.tracker.ProbeAll(t.Context())
	}
	assert.False(t, a.IsAlive(b.ID()))
	ev := nextLivenessEvent(t, a)
	assert.Equal(t, b.ID(), ev.Peer)
	assert.False(t, ev.Alive)
	assert.Empty(t, a.Router().Table().Closest(b.ID(), 10), "dead peer excluded from routing")

	network.SetDown(b.Addr(), false)
	a.tracker.ProbeAll(t.Context())
	assert.True(t, a.IsAlive(b.ID()))
	assert.True(t, nextLivenessEvent(t, a).Alive)
	assert.Len(t, a.Router().Table().Closest(b.ID(), 10), 1)
}

func TestStopCancelsPendingDeliveries(t *testing.T) {
	network, a, b := connectedPair(t, func(c *Config) {
		c.Delivery.InitialInterval = time.Hour
		c.Delivery.MaxInterval = time.Hour
	})
	network.SetDown(b.Addr(), true)

	_, err := a.Send(b.ID(), []byte("never"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	a.Stop()

	r := nextResult(t, a)
	assert.Equal(t, delivery.Cancelled, r.Outcome)

	_, err = a.Send(b.ID(), []byte("late"))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRequestTimesOut(t *testing.T) {
	network := transport.NewNetwork()
	a := newTestNode(t, network, "a", nil)
	silent, err := network.NewTransport("silent")
	require.NoError(t, err)
	defer silent.Close()

	_, err = rpcClient{a}.Ping(t.Context(), dht.Contact{Address: silent.LocalAddr()})
	assert.ErrorIs(t, err, ErrRequestTimeout)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = rpcClient{a}.Ping(ctx, dht.Contact{Address: silent.LocalAddr()})
	assert.Error(t, err)
}

func TestMisaddressedRequestIsDropped(t *testing.T) {
	_, a, b := connectedPair(t, nil)
	other, err := identity.Generate()
	require.NoError(t, err)

	_, err = rpcClient{a}.Ping(t.Context(), dht.Contact{ID: other.ID(), Address: b.Addr()})
	assert.ErrorIs(t, err, ErrRequestTimeout)

	_, err = rpcClient{a}.Ping(t.Context(), dht.Contact{ID: b.ID(), Address: b.Addr()})
	assert.NoError(t, err)
}

func TestCurrentRecordReissued(t *testing.T) {
	network := transport.NewNetwork()
	tr, err := network.NewTransport("a")
	require.NoError(t, err)
	id, err := identity.Generate()
	require.NoError(t, err)
	mc := clock.NewManual(time.Unix(1_700_000_000, 0))
	config := testConfig()
	config.Capabilities = []string{"search"}
	n, err := New(id, tr, nil, mc, config)
	require.NoError(t, err)

	first, err := n.CurrentRecord()
	require.NoError(t, err)
	require.NoError(t, first.VerifyAt(mc.Now()))
	assert.True(t, first.HasCapability("search"))
	assert.Equal(t, record.DefaultTTL, first.TTL)

	again, err := n.CurrentRecord()
	require.NoError(t, err)
	assert.Same(t, first, again)

	mc.Advance(13 * time.Hour)
	later, err := n.CurrentRecord()
	require.NoError(t, err)
	assert.True(t, later.Supersedes(first))
}

func TestNewRequiresTransport(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)
	_, err = New(id, nil, nil, nil, DefaultConfig())
	assert.Error(t, err)
}

func TestRateLimiter(t *testing.T) {
	rl, err := newRateLimiter(RateLimitConfig{
		PeerPerSecond:   0.001,
		PeerBurst:       2,
		GlobalPerSecond: 1000,
		GlobalBurst:     1000,
		TrackedPeers:    16,
	})
	require.NoError(t, err)
	var a, b identity.PeerID
	a[0], b[0] = 1, 2

	assert.True(t, rl.Allow(a))
	assert.True(t, rl.Allow(a))
	assert.False(t, rl.Allow(a))
	assert.True(t, rl.Allow(b))
	assert.Equal(t, int64(1), rl.Dropped(a))
	assert.Zero(t, rl.Dropped(b))
}

func TestShardOfIsStable(t *testing.T) {
	var id identity.PeerID
	id[3] = 7
	assert.Equal(t, shardOf(id, 8), shardOf(id, 8))
	assert.Equal(t, 7, shardOf(id, 8))
}

func TestForgedEnvelopeDropped(t *testing.T) {
	_, a, b := connectedPair(t, nil)
	_, err := a.Send(b.ID(), []byte("real"))
	require.NoError(t, err)
	nextMessage(t, b)
	require.Equal(t, delivery.Delivered, nextResult(t, a).Outcome)

	bs, ok := b.Sessions().GetByPeer(a.ID())
	require.True(t, ok)
	expected := bs.ExpectedIncoming()

	forger, err := identity.Generate()
	require.NoError(t, err)
	env, err := envelope.New(envelope.TypeData, a.ID(), b.ID(), []byte("forged"), time.Now())
	require.NoError(t, err)
	env.WithSession(bs.ID(), expected)
	data, err := env.SigningBytes()
	require.NoError(t, err)
	env.Signature = forger.Sign(data)
	raw, err := env.Marshal()
	require.NoError(t, err)
	require.NoError(t, a.transport.Send(t.Context(), b.Addr(), raw))

	select {
	case m := <-b.Messages():
		t.Fatalf("forged message accepted: %q", m.Payload)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, expected, bs.ExpectedIncoming())
}
