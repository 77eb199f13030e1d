// Package liveness probes known peers and tracks which of them are alive.
package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/go-agentmesh/agentmesh/lib/util/clock"
	"github.com/go-agentmesh/agentmesh/lib/util/logger"
	"golang.org/x/sync/errgroup"
)

// Prober sends one signed probe to peer and waits for the answer.
type Prober interface {
	Probe(ctx context.Context, peer identity.PeerID) error
}

// Activator includes or excludes a peer from routing. The DHT routing
// table satisfies it.
type Activator interface {
	SetActive(peer identity.PeerID, active bool)
}

// Event reports a liveness change.
type Event struct {
	Peer  identity.PeerID
	Alive bool
	At    time.Time
}

// PeerStats is the probe history of one peer.
type PeerStats struct {
	Peer             identity.PeerID
	Alive            bool
	SuccessCount     int
	FailureCount     int
	ConsecutiveFails int
	LastSuccess      time.Time
	LastFailure      time.Time
	AvgRTT           time.Duration
}

// Config controls probing.
type Config struct {
	// Interval between probe rounds.
	Interval time.Duration
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration
	// FailureThreshold is the number of consecutive failures that marks a
	// peer dead.
	FailureThreshold int
	// MaxConcurrentProbes bounds probes in flight during a round.
	MaxConcurrentProbes int
	// EventBuffer sizes each subscriber channel.
	EventBuffer int
}

func DefaultConfig() Config {
	return Config{
		Interval:            30 * time.Second,
		ProbeTimeout:        5 * time.Second,
		FailureThreshold:    3,
		MaxConcurrentProbes: 16,
		EventBuffer:         64,
	}
}

type peerEntry struct {
	mu    sync.Mutex
	stats PeerStats
}

// Tracker keeps consecutive-failure counts per peer, separate from any
// delivery retry state.
type Tracker struct {
	config    Config
	prober    Prober
	activator Activator
	clock     clock.Clock

	mu    sync.RWMutex
	peers map[identity.PeerID]*peerEntry

	subMu  sync.Mutex
	subs   []chan Event
	events <-chan Event
}

// NewTracker creates a tracker. activator may be nil.
func NewTracker(prober Prober, activator Activator, c clock.Clock, config Config) *Tracker {
	d := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = d.Interval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = d.ProbeTimeout
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = d.FailureThreshold
	}
	if config.MaxConcurrentProbes <= 0 {
		config.MaxConcurrentProbes = d.MaxConcurrentProbes
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = d.EventBuffer
	}
	t := &Tracker{
		config:    config,
		prober:    prober,
		activator: activator,
		clock:     clock.OrSystem(c),
		peers:     make(map[identity.PeerID]*peerEntry),
	}
	t.events = t.Subscribe()
	return t
}

// Events is the default subscription.
func (t *Tracker) Events() <-chan Event { return t.events }

// Subscribe returns a new channel receiving every future liveness change.
// Slow subscribers lose events rather than stall probing.
func (t *Tracker) Subscribe() <-chan Event {
	ch := make(chan Event, t.config.EventBuffer)
	t.subMu.Lock()
	t.subs = append(t.subs, ch)
	t.subMu.Unlock()
	return ch
}

func (t *Tracker) publish(ev Event) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			log.WithFields(logger.Fields{
				"at":    "(Tracker) publish",
				"peer":  ev.Peer.Short(),
				"alive": ev.Alive,
			}).Warn("liveness subscriber full, event dropped")
		}
	}
}

// Track starts probing peer. A newly tracked peer counts as alive.
func (t *Tracker) Track(peer identity.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[peer]; !ok {
		t.peers[peer] = &peerEntry{stats: PeerStats{Peer: peer, Alive: true}}
	}
}

// Untrack forgets peer.
func (t *Tracker) Untrack(peer identity.PeerID) {
	t.mu.Lock()
	delete(t.peers, peer)
	t.mu.Unlock()
}

// Sync tracks every peer in peers and untracks the rest.
func (t *Tracker) Sync(peers []identity.PeerID) {
	keep := make(map[identity.PeerID]struct{}, len(peers))
	for _, p := range peers {
		keep[p] = struct{}{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for p := range t.peers {
		if _, ok := keep[p]; !ok {
			delete(t.peers, p)
		}
	}
	for p := range keep {
		if _, ok := t.peers[p]; !ok {
			t.peers[p] = &peerEntry{stats: PeerStats{Peer: p, Alive: true}}
		}
	}
}

func (t *Tracker) entry(peer identity.PeerID) (*peerEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.peers[peer]
	return e, ok
}

// IsAlive reports whether peer is tracked and not marked dead.
func (t *Tracker) IsAlive(peer identity.PeerID) bool {
	e, ok := t.entry(peer)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats.Alive
}

// Stats returns a copy of peer's probe history.
func (t *Tracker) Stats(peer identity.PeerID) (PeerStats, bool) {
	e, ok := t.entry(peer)
	if !ok {
		return PeerStats{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats, true
}

// Peers lists tracked peers.
func (t *Tracker) Peers() []identity.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]identity.PeerID, 0, len(t.peers))
	for p := range t.peers {
		out = append(out, p)
	}
	return out
}

// RecordSuccess notes an answered probe. A dead peer is rehabilitated.
func (t *Tracker) RecordSuccess(peer identity.PeerID, rtt time.Duration) {
	e, ok := t.entry(peer)
	if !ok {
		return
	}
	now := t.clock.Now()
	e.mu.Lock()
	s := &e.stats
	s.SuccessCount++
	s.ConsecutiveFails = 0
	s.LastSuccess = now
	if s.AvgRTT == 0 {
		s.AvgRTT = rtt
	} else {
		s.AvgRTT = (s.AvgRTT + rtt) / 2
	}
	revived := !s.Alive
	s.Alive = true
	e.mu.Unlock()

	if revived {
		log.WithFields(logger.Fields{
			"at":   "(Tracker) RecordSuccess",
			"peer": peer.Short(),
		}).Info("peer rehabilitated")
		if t.activator != nil {
			t.activator.SetActive(peer, true)
		}
		t.publish(Event{Peer: peer, Alive: true, At: now})
	}
}

// RecordFailure notes an unanswered probe. Reaching the threshold marks
// the peer dead and excludes it from routing.
func (t *Tracker) RecordFailure(peer identity.PeerID, reason string) {
	e, ok := t.entry(peer)
	if !ok {
		return
	}
	now := t.clock.Now()
	e.mu.Lock()
	s := &e.stats
	s.FailureCount++
	s.ConsecutiveFails++
	s.LastFailure = now
	died := s.Alive && s.ConsecutiveFails >= t.config.FailureThreshold
	if died {
		s.Alive = false
	}
	fails := s.ConsecutiveFails
	e.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":                "(Tracker) RecordFailure",
		"peer":              peer.Short(),
		"consecutive_fails": fails,
		"reason":            reason,
	}).Debug("probe failed")
	if died {
		log.WithFields(logger.Fields{
			"at":                "(Tracker) RecordFailure",
			"peer":              peer.Short(),
			"consecutive_fails": fails,
			"reason":            "failure_threshold",
		}).Warn("peer marked dead")
		if t.activator != nil {
			t.activator.SetActive(peer, false)
		}
		t.publish(Event{Peer: peer, Alive: false, At: now})
	}
}

// ProbePeer probes one peer and records the outcome.
func (t *Tracker) ProbePeer(ctx context.Context, peer identity.PeerID) error {
	pctx, cancel := context.WithTimeout(ctx, t.config.ProbeTimeout)
	defer cancel()
	start := time.Now()
	err := t.prober.Probe(pctx, peer)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.RecordFailure(peer, err.Error())
		return err
	}
	t.RecordSuccess(peer, time.Since(start))
	return nil
}

// ProbeAll probes every tracked peer, at most MaxConcurrentProbes at once.
func (t *Tracker) ProbeAll(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(t.config.MaxConcurrentProbes)
	for _, peer := range t.Peers() {
		peer := peer
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			_ = t.ProbePeer(ctx, peer)
			return nil
		})
	}
	_ = g.Wait()
}

// Run probes on every interval until ctx is done. When source is not nil
// the tracked set is synced with it before each round.
func (t *Tracker) Run(ctx context.Context, source func() []identity.PeerID) {
	ticker := time.NewTicker(t.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if source != nil {
				t.Sync(source())
			}
			t.ProbeAll(ctx)
		}
	}
}
