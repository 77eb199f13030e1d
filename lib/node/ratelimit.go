package node

import (
	"sync"

	"github.com/go-agentmesh/agentmesh/lib/identity"
	lru "github.com/hashicorp/golang-lru"
	"github.com/samber/oops"
	"golang.org/x/time/rate"
)

// rateLimiter drops control traffic from senders exceeding their budget.
type rateLimiter struct {
	config RateLimitConfig
	global *rate.Limiter

	mu    sync.Mutex
	peers *lru.Cache

	droppedMu sync.Mutex
	dropped   map[identity.PeerID]int64
}

func newRateLimiter(config RateLimitConfig) (*rateLimiter, error) {
	peers, err := lru.New(config.TrackedPeers)
	if err != nil {
		return nil, oops.Wrapf(err, "failed to create rate limiter cache")
	}
	return &rateLimiter{
		config:  config,
		global:  rate.NewLimiter(rate.Limit(config.GlobalPerSecond), config.GlobalBurst),
		peers:   peers,
		dropped: make(map[identity.PeerID]int64),
	}, nil
}

func (r *rateLimiter) limiter(peer identity.PeerID) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.peers.Get(peer); ok {
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(r.config.PeerPerSecond), r.config.PeerBurst)
	r.peers.Add(peer, l)
	return l
}

// Allow reports whether one more message from peer may be processed.
func (r *rateLimiter) Allow(peer identity.PeerID) bool {
	if !r.limiter(peer).Allow() || !r.global.Allow() {
		r.droppedMu.Lock()
		r.dropped[peer]++
		r.droppedMu.Unlock()
		return false
	}
	return true
}

// Dropped returns how many messages from peer were refused.
func (r *rateLimiter) Dropped(peer identity.PeerID) int64 {
	r.droppedMu.Lock()
	defer r.droppedMu.Unlock()
	return r.dropped[peer]
}
