package dht

import (
	"context"
	"sync"

	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/go-agentmesh/agentmesh/lib/record"
	"github.com/go-agentmesh/agentmesh/lib/util/logger"
	"golang.org/x/sync/errgroup"
)

// lookupState tracks one iterative lookup. candidates holds every node
// learned so far that has not failed, closest first.
type lookupState struct {
	target  Key
	self    identity.PeerID
	k       int
	wantVal bool

	mu         sync.Mutex
	candidates []*record.PeerRecord
	known      map[identity.PeerID]struct{}
	queried    map[identity.PeerID]struct{}
	values     map[identity.PeerID]*record.PeerRecord
}

func newLookupState(target, self Key, k int, wantVal bool, seed []*record.PeerRecord) *lookupState {
	s := &lookupState{
		target:  target,
		self:    self,
		k:       k,
		wantVal: wantVal,
		known:   make(map[identity.PeerID]struct{}),
		queried: make(map[identity.PeerID]struct{}),
		values:  make(map[identity.PeerID]*record.PeerRecord),
	}
	s.add(seed)
	return s
}

// add merges recs into the candidate list. Reports whether any of them is
// closer than the best candidate seen before the call.
func (s *lookupState) add(recs []*record.PeerRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *record.PeerRecord
	if len(s.candidates) > 0 {
		best = s.candidates[0]
	}
	improved := false
	for _, rec := range recs {
		if rec.PeerID == s.self {
			continue
		}
		if _, ok := s.known[rec.PeerID]; ok {
			continue
		}
		s.known[rec.PeerID] = struct{}{}
		s.candidates = append(s.candidates, rec)
		if best == nil || CompareDistance(s.target, rec.PeerID, best.PeerID) < 0 {
			improved = true
		}
	}
	SortByDistance(s.target, s.candidates)
	return improved
}

// next picks up to n unqueried candidates among the k closest.
func (s *lookupState) next(n int) []*record.PeerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*record.PeerRecord
	for i, rec := range s.candidates {
		if i >= s.k || len(out) >= n {
			break
		}
		if _, done := s.queried[rec.PeerID]; done {
			continue
		}
		s.queried[rec.PeerID] = struct{}{}
		out = append(out, rec)
	}
	return out
}

func (s *lookupState) fail(id identity.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, rec := range s.candidates {
		if rec.PeerID == id {
			s.candidates = append(s.candidates[:i], s.candidates[i+1:]...)
			return
		}
	}
}

func (s *lookupState) addValues(recs []*record.PeerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mergeRecords(s.values, recs...)
}

func (s *lookupState) result() ([]*record.PeerRecord, []*record.PeerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	closest := append([]*record.PeerRecord(nil), s.candidates...)
	if len(closest) > s.k {
		closest = closest[:s.k]
	}
	values := make([]*record.PeerRecord, 0, len(s.values))
	for _, rec := range s.values {
		values = append(values, rec)
	}
	return closest, values
}

// lookup runs an iterative Kademlia search for target. Each round queries
// up to Alpha of the closest unqueried candidates in parallel. The search
// stops when a round learns nothing closer, no candidates remain, or
// MaxRounds is reached. Nodes that fail to answer are dropped from the
// result. When wantVal is set, value records from every responder are
// collected too.
func (r *Router) lookup(ctx context.Context, target Key, wantVal bool) ([]*record.PeerRecord, []*record.PeerRecord) {
	if err := r.lookups.Acquire(ctx, 1); err != nil {
		return nil, nil
	}
	defer r.lookups.Release(1)
	r.table.markLookup(target)

	state := newLookupState(target, r.self, r.config.K, wantVal, r.table.Closest(target, r.config.K))
	rounds := 0
	for ; rounds < r.config.MaxRounds; rounds++ {
		if ctx.Err() != nil {
			break
		}
		batch := state.next(r.config.Alpha)
		if len(batch) == 0 {
			break
		}
		if !r.lookupRound(ctx, state, batch) {
			break
		}
	}

	closest, values := state.result()
	log.WithFields(logger.Fields{
		"at":      "(Router) lookup",
		"target":  target.Short(),
		"rounds":  rounds,
		"closest": len(closest),
		"values":  len(values),
	}).Debug("lookup finished")
	return closest, values
}

// lookupRound queries batch under the round timeout and reports whether
// any response brought a closer node.
func (r *Router) lookupRound(ctx context.Context, state *lookupState, batch []*record.PeerRecord) bool {
	rctx, cancel := context.WithTimeout(ctx, r.config.RoundTimeout)
	defer cancel()

	var (
		mu       sync.Mutex
		improved bool
	)
	var g errgroup.Group
	g.SetLimit(r.config.Alpha)
	for _, node := range batch {
		node := node
		g.Go(func() error {
			var (
				reply *Reply
				err   error
			)
			if state.wantVal {
				reply, err = r.client.FindValue(rctx, ContactOf(node), state.target)
			} else {
				reply, err = r.client.FindNode(rctx, ContactOf(node), state.target)
			}
			if err != nil {
				state.fail(node.PeerID)
				log.WithFields(logger.Fields{
					"at":     "(Router) lookupRound",
					"reason": err.Error(),
					"peer":   node.PeerID.Short(),
				}).Debug("lookup query failed")
				return nil
			}
			r.table.Touch(node.PeerID)
			for _, rec := range reply.Closer {
				r.observe(rec)
			}
			if state.wantVal {
				state.addValues(reply.Values)
			}
			if state.add(reply.Closer) {
				mu.Lock()
				improved = true
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return improved
}
