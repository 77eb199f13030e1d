package liveness

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/go-agentmesh/agentmesh/lib/util/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNoPong = errors.New("no pong")

type fakeProber struct {
	mu     sync.Mutex
	down   map[identity.PeerID]bool
	probes map[identity.PeerID]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{down: map[identity.PeerID]bool{}, probes: map[identity.PeerID]int{}}
}

func (p *fakeProber) Probe(ctx context.Context, peer identity.PeerID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes[peer]++
	if p.down[peer] {
		return errNoPong
	}
	return ctx.Err()
}

func (p *fakeProber) setDown(peer identity.PeerID, down bool) {
	p.mu.Lock()
	p.down[peer] = down
	p.mu.Unlock()
}

func (p *fakeProber) count(peer identity.PeerID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes[peer]
}

type fakeActivator struct {
	mu     sync.Mutex
	active map[identity.PeerID]bool
}

func (a *fakeActivator) SetActive(peer identity.PeerID, active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		a.active = map[identity.PeerID]bool{}
	}
	a.active[peer] = active
}

func (a *fakeActivator) get(peer identity.PeerID) (bool, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.active[peer]
	return v, ok
}

func newPeer(t *testing.T) identity.PeerID {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id.ID()
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no liveness event")
		return Event{}
	}
}

func TestDeadAfterThresholdThenRehabilitated(t *testing.T) {
	prober := newFakeProber()
	activator := &fakeActivator{}
	tracker := NewTracker(prober, activator, clock.NewManual(time.Unix(1_700_000_000, 0)), DefaultConfig())

	peer := newPeer(t)
	tracker.Track(peer)
	assert.True(t, tracker.IsAlive(peer))

	prober.setDown(peer, true)
	for i := 0; i < 2; i++ {
		tracker.ProbeAll(t.Context())
		assert.True(t, tracker.IsAlive(peer), "alive before threshold")
	}
	tracker.ProbeAll(t.Context())
	assert.False(t, tracker.IsAlive(peer))

	ev := nextEvent(t, tracker.Events())
	assert.Equal(t, peer, ev.Peer)
	assert.False(t, ev.Alive)
	active, ok := activator.get(peer)
	require.True(t, ok)
	assert.False(t, active)

	prober.setDown(peer, false)
	tracker.ProbeAll(t.Context())
	assert.True(t, tracker.IsAlive(peer))

	ev = nextEvent(t, tracker.Events())
	assert.True(t, ev.Alive)
	active, _ = activator.get(peer)
	assert.True(t, active)

	stats, ok := tracker.Stats(peer)
	require.True(t, ok)
	assert.Equal(t, 0, stats.ConsecutiveFails)
	assert.Equal(t, 3, stats.FailureCount)
	assert.Equal(t, 1, stats.SuccessCount)
	assert.Equal(t, 4, prober.count(peer))
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	prober := newFakeProber()
	tracker := NewTracker(prober, nil, nil, DefaultConfig())
	peer := newPeer(t)
	tracker.Track(peer)

	prober.setDown(peer, true)
	tracker.ProbeAll(t.Context())
	tracker.ProbeAll(t.Context())
	prober.setDown(peer, false)
	tracker.ProbeAll(t.Context())
	prober.setDown(peer, true)
	tracker.ProbeAll(t.Context())
	tracker.ProbeAll(t.Context())

	assert.True(t, tracker.IsAlive(peer))
	stats, _ := tracker.Stats(peer)
	assert.Equal(t, 2, stats.ConsecutiveFails)
	select {
	case ev := <-tracker.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestUnknownPeerIsNotAlive(t *testing.T) {
	tracker := NewTracker(newFakeProber(), nil, nil, DefaultConfig())
	peer := newPeer(t)
	assert.False(t, tracker.IsAlive(peer))

	tracker.RecordFailure(peer, "ignored")
	_, ok := tracker.Stats(peer)
	assert.False(t, ok)
}

func TestSyncTracksAndUntracks(t *testing.T) {
	tracker := NewTracker(newFakeProber(), nil, nil, DefaultConfig())
	a, b, c := newPeer(t), newPeer(t), newPeer(t)
	tracker.Track(a)
	tracker.Track(b)

	tracker.Sync([]identity.PeerID{b, c})
	assert.ElementsMatch(t, []identity.PeerID{b, c}, tracker.Peers())
	assert.False(t, tracker.IsAlive(a))
	assert.True(t, tracker.IsAlive(c))
}

func TestSubscribersEachReceiveEvents(t *testing.T) {
	prober := newFakeProber()
	config := DefaultConfig()
	config.FailureThreshold = 1
	tracker := NewTracker(prober, nil, nil, config)
	sub := tracker.Subscribe()

	peer := newPeer(t)
	tracker.Track(peer)
	prober.setDown(peer, true)
	tracker.ProbeAll(t.Context())

	assert.False(t, nextEvent(t, tracker.Events()).Alive)
	assert.False(t, nextEvent(t, sub).Alive)
}

func TestCancelledProbeIsNotAFailure(t *testing.T) {
	prober := newFakeProber()
	tracker := NewTracker(prober, nil, nil, DefaultConfig())
	peer := newPeer(t)
	tracker.Track(peer)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err := tracker.ProbePeer(ctx, peer)
	assert.ErrorIs(t, err, context.Canceled)

	stats, _ := tracker.Stats(peer)
	assert.Zero(t, stats.FailureCount)
}

func TestRunSyncsFromSource(t *testing.T) {
	prober := newFakeProber()
	config := DefaultConfig()
	config.Interval = 10 * time.Millisecond
	tracker := NewTracker(prober, nil, nil, config)
	peer := newPeer(t)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go tracker.Run(ctx, func() []identity.PeerID { return []identity.PeerID{peer} })

	assert.Eventually(t, func() bool { return prober.count(peer) >= 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, tracker.IsAlive(peer))
}
