package dht

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/envelope"
	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/go-agentmesh/agentmesh/lib/record"
	"github.com/go-agentmesh/agentmesh/lib/util/clock"
	"github.com/go-agentmesh/agentmesh/lib/util/logger"
	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	ErrNoSeeds         = errors.New("no bootstrap seeds configured")
	ErrBootstrapFailed = errors.New("no bootstrap seed answered")
	ErrInvalidValue    = errors.New("record may not be stored under this key")
	ErrUnknownRequest  = errors.New("unknown dht request type")
)

// Config holds Kademlia parameters.
type Config struct {
	// K is the bucket size and the replication factor.
	K int
	// Alpha is the number of parallel queries per lookup round.
	Alpha int
	// MaxRounds caps the rounds of one iterative lookup.
	MaxRounds int
	// RoundTimeout bounds the wait for one round's responses.
	RoundTimeout time.Duration
	// ProbeTimeout bounds the liveness probe sent before evicting an entry.
	ProbeTimeout time.Duration
	// MaxConcurrentLookups bounds the lookup pool.
	MaxConcurrentLookups int64
	// HousekeepingInterval is how often expired state is purged.
	HousekeepingInterval time.Duration
	// BucketRefreshInterval is how long a bucket may go without a lookup
	// before housekeeping refreshes it.
	BucketRefreshInterval time.Duration
	// MaxValuesPerKey bounds providers kept under one key.
	MaxValuesPerKey int
}

// DefaultConfig returns K=20, Alpha=3 and an 8 round cap.
func DefaultConfig() Config {
	return Config{
		K:                     20,
		Alpha:                 3,
		MaxRounds:             8,
		RoundTimeout:          5 * time.Second,
		ProbeTimeout:          5 * time.Second,
		MaxConcurrentLookups:  8,
		HousekeepingInterval:  time.Minute,
		BucketRefreshInterval: time.Hour,
		MaxValuesPerKey:       256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.K <= 0 {
		c.K = d.K
	}
	if c.Alpha <= 0 {
		c.Alpha = d.Alpha
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = d.MaxRounds
	}
	if c.RoundTimeout <= 0 {
		c.RoundTimeout = d.RoundTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.MaxConcurrentLookups <= 0 {
		c.MaxConcurrentLookups = d.MaxConcurrentLookups
	}
	if c.HousekeepingInterval <= 0 {
		c.HousekeepingInterval = d.HousekeepingInterval
	}
	if c.BucketRefreshInterval <= 0 {
		c.BucketRefreshInterval = d.BucketRefreshInterval
	}
	if c.MaxValuesPerKey <= 0 {
		c.MaxValuesPerKey = d.MaxValuesPerKey
	}
	return c
}

// Router is one node's view of the DHT.
type Router struct {
	config    Config
	self      identity.PeerID
	table     *RoutingTable
	values    *ValueStore
	client    Client
	persister Persister
	clock     clock.Clock
	lookups   *semaphore.Weighted

	// probing holds the ids of LRU entries with an eviction probe in flight.
	probing sync.Map

	seedsMu sync.Mutex
	seeds   []string
}

// NewRouter builds a router. persister may be nil.
func NewRouter(self identity.PeerID, client Client, persister Persister, c clock.Clock, config Config) *Router {
	config = config.withDefaults()
	c = clock.OrSystem(c)
	return &Router{
		config:    config,
		self:      self,
		table:     NewRoutingTable(self, config.K, c),
		values:    NewValueStore(c, config.MaxValuesPerKey),
		client:    client,
		persister: persister,
		clock:     c,
		lookups:   semaphore.NewWeighted(config.MaxConcurrentLookups),
	}
}

func (r *Router) Table() *RoutingTable { return r.table }

func (r *Router) Values() *ValueStore { return r.values }

func (r *Router) Config() Config { return r.config }

// LoadPersisted restores records saved by a previous run. Records that no
// longer verify or have expired are skipped.
func (r *Router) LoadPersisted() error {
	if r.persister == nil {
		return nil
	}
	peers, values := 0, 0
	err := r.persister.Load(
		func(rec *record.PeerRecord) {
			if res, _ := r.table.Update(rec); res == Added || res == Refreshed {
				peers++
			}
		},
		func(key Key, rec *record.PeerRecord) {
			if r.values.Put(key, rec) {
				values++
			}
		},
	)
	log.WithFields(logger.Fields{
		"at":     "(Router) LoadPersisted",
		"peers":  peers,
		"values": values,
	}).Debug("restored persisted dht state")
	return err
}

// AddRecord verifies rec and inserts it into the routing table. When the
// bucket is full the least recently seen entry is pinged and only replaced
// if the ping fails.
func (r *Router) AddRecord(ctx context.Context, rec *record.PeerRecord) bool {
	res, lru := r.table.Update(rec)
	switch res {
	case Added, Refreshed:
		r.savePeer(rec)
		return true
	case BucketFull:
		return r.probeAndReplace(ctx, lru, rec)
	default:
		return false
	}
}

// observe is AddRecord for records learned while serving requests: the
// eviction probe runs in the background.
func (r *Router) observe(rec *record.PeerRecord) {
	if rec == nil {
		return
	}
	res, lru := r.table.Update(rec)
	switch res {
	case Added, Refreshed:
		r.savePeer(rec)
	case BucketFull:
		go r.probeAndReplace(context.Background(), lru, rec)
	}
}

func (r *Router) probeAndReplace(ctx context.Context, lru, candidate *record.PeerRecord) bool {
	if _, busy := r.probing.LoadOrStore(lru.PeerID, struct{}{}); busy {
		return false
	}
	defer r.probing.Delete(lru.PeerID)

	pctx, cancel := context.WithTimeout(ctx, r.config.ProbeTimeout)
	defer cancel()
	if _, err := r.client.Ping(pctx, ContactOf(lru)); err == nil {
		r.table.Touch(lru.PeerID)
		log.WithFields(logger.Fields{
			"at":        "(Router) probeAndReplace",
			"reason":    "lru_alive",
			"lru":       lru.PeerID.Short(),
			"candidate": candidate.PeerID.Short(),
		}).Debug("bucket full, keeping live entry")
		return false
	}
	if !r.table.Replace(lru.PeerID, candidate) {
		return false
	}
	if r.persister != nil {
		_ = r.persister.DeletePeer(lru.PeerID)
	}
	r.savePeer(candidate)
	log.WithFields(logger.Fields{
		"at":        "(Router) probeAndReplace",
		"reason":    "lru_unresponsive",
		"lru":       lru.PeerID.Short(),
		"candidate": candidate.PeerID.Short(),
	}).Debug("evicted unresponsive entry")
	return true
}

func (r *Router) savePeer(rec *record.PeerRecord) {
	if r.persister == nil {
		return
	}
	if err := r.persister.SavePeer(rec); err != nil {
		log.WithError(err).WithField("peer", rec.PeerID.Short()).Warn("failed to persist peer record")
	}
}

// validValueKey restricts what may be stored where: a record under its own
// id or under the capability key of a tag it advertises.
func validValueKey(key Key, rec *record.PeerRecord) bool {
	if key == rec.PeerID {
		return true
	}
	for _, tag := range rec.Capabilities {
		if record.CapabilityKey(tag) == key {
			return true
		}
	}
	return false
}

func (r *Router) putLocal(key Key, rec *record.PeerRecord) bool {
	if !validValueKey(key, rec) {
		return false
	}
	if !r.values.Put(key, rec) {
		return false
	}
	if r.persister != nil {
		if err := r.persister.SaveValue(key, rec); err != nil {
			log.WithError(err).Warn("failed to persist stored value")
		}
	}
	return true
}

// Store keeps rec under key locally and replicates it to the K closest
// known nodes. It returns how many remote nodes accepted the value.
func (r *Router) Store(ctx context.Context, key Key, rec *record.PeerRecord) (int, error) {
	if err := rec.VerifyAt(r.clock.Now()); err != nil {
		return 0, err
	}
	if !validValueKey(key, rec) {
		return 0, oops.Wrapf(ErrInvalidValue, "key %s", key.Short())
	}
	r.putLocal(key, rec)

	targets := r.FindNode(ctx, key)
	var stored int32
	var g errgroup.Group
	g.SetLimit(r.config.Alpha)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, r.config.RoundTimeout)
			defer cancel()
			reply, err := r.client.Store(sctx, ContactOf(target), key, rec)
			if err != nil {
				log.WithFields(logger.Fields{
					"at":     "(Router) Store",
					"reason": err.Error(),
					"peer":   target.PeerID.Short(),
				}).Debug("replication failed")
				return nil
			}
			if reply.Stored {
				atomic.AddInt32(&stored, 1)
			}
			return nil
		})
	}
	_ = g.Wait()
	log.WithFields(logger.Fields{
		"at":       "(Router) Store",
		"key":      key.Short(),
		"replicas": stored,
		"targets":  len(targets),
	}).Debug("stored value")
	return int(stored), nil
}

// FindNode returns up to K records closest to target.
func (r *Router) FindNode(ctx context.Context, target Key) []*record.PeerRecord {
	closest, _ := r.lookup(ctx, target, false)
	return closest
}

// FindValue returns every unexpired record stored under key, locally or
// at the nodes visited by the lookup. An empty result is not an error.
func (r *Router) FindValue(ctx context.Context, key Key) []*record.PeerRecord {
	merged := make(map[identity.PeerID]*record.PeerRecord)
	mergeRecords(merged, r.values.Get(key)...)
	_, found := r.lookup(ctx, key, true)
	mergeRecords(merged, found...)

	now := r.clock.Now()
	out := make([]*record.PeerRecord, 0, len(merged))
	for _, rec := range merged {
		if !rec.Expired(now) {
			out = append(out, rec)
		}
	}
	SortByDistance(key, out)
	return out
}

// Bootstrap contacts the seed addresses, adds whoever answers, then runs a
// lookup for the local id to populate nearby buckets.
func (r *Router) Bootstrap(ctx context.Context, seeds []string) error {
	r.seedsMu.Lock()
	r.seeds = append([]string(nil), seeds...)
	r.seedsMu.Unlock()
	if len(seeds) == 0 {
		return ErrNoSeeds
	}

	var reached int32
	var g errgroup.Group
	g.SetLimit(r.config.Alpha)
	for _, seed := range seeds {
		seed := seed
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, r.config.RoundTimeout)
			defer cancel()
			reply, err := r.client.FindNode(sctx, Contact{Address: seed}, r.self)
			if err != nil {
				log.WithFields(logger.Fields{
					"at":     "(Router) Bootstrap",
					"reason": err.Error(),
					"seed":   seed,
				}).Warn("bootstrap seed did not answer")
				return nil
			}
			atomic.AddInt32(&reached, 1)
			if reply.From != nil {
				r.AddRecord(ctx, reply.From)
			}
			for _, rec := range reply.Closer {
				if rec.PeerID != r.self {
					r.AddRecord(ctx, rec)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	if reached == 0 {
		return oops.Wrapf(ErrBootstrapFailed, "%d seeds tried", len(seeds))
	}
	r.FindNode(ctx, r.self)
	log.WithFields(logger.Fields{
		"at":         "(Router) Bootstrap",
		"seeds":      len(seeds),
		"reached":    reached,
		"table_size": r.table.Len(),
	}).Info("bootstrap complete")
	return nil
}

// HandleFindNode serves a dht_find_node request from a verified peer.
func (r *Router) HandleFindNode(from *record.PeerRecord, target Key) *Response {
	r.observe(from)
	return &Response{Closer: EncodeRecords(r.closestExcluding(target, from))}
}

// HandleFindValue serves a dht_find_value request.
func (r *Router) HandleFindValue(from *record.PeerRecord, key Key) *Response {
	r.observe(from)
	return &Response{
		Values: EncodeRecords(r.values.Get(key)),
		Closer: EncodeRecords(r.closestExcluding(key, from)),
	}
}

// HandleStore serves a dht_store request. Invalid records are refused
// without an error.
func (r *Router) HandleStore(from *record.PeerRecord, key Key, raw []byte) *Response {
	r.observe(from)
	recs := DecodeRecords([][]byte{raw}, r.clock.Now())
	if len(recs) == 0 {
		log.WithFields(logger.Fields{
			"at":     "(Router) HandleStore",
			"reason": "invalid_record",
		}).Debug("dropping store request")
		return &Response{}
	}
	return &Response{Stored: r.putLocal(key, recs[0])}
}

// HandlePing answers a ping from a verified peer.
func (r *Router) HandlePing(from *record.PeerRecord) *Response {
	r.observe(from)
	return &Response{}
}

// HandleRequest decodes a DHT request body of the given type and returns
// the encoded response body.
func (r *Router) HandleRequest(from *record.PeerRecord, typ envelope.MessageType, body []byte) ([]byte, error) {
	var resp *Response
	switch typ {
	case envelope.TypeFindNode:
		var req FindNodeRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, oops.Wrapf(err, "malformed find_node")
		}
		resp = r.HandleFindNode(from, req.Target)
	case envelope.TypeFindValue:
		var req FindValueRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, oops.Wrapf(err, "malformed find_value")
		}
		resp = r.HandleFindValue(from, req.Key)
	case envelope.TypeStore:
		var req StoreRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, oops.Wrapf(err, "malformed store")
		}
		resp = r.HandleStore(from, req.Key, req.Record)
	case envelope.TypePing:
		resp = r.HandlePing(from)
	default:
		return nil, oops.Wrapf(ErrUnknownRequest, "%q", typ)
	}
	return json.Marshal(resp)
}

func (r *Router) closestExcluding(target Key, exclude *record.PeerRecord) []*record.PeerRecord {
	recs := r.table.Closest(target, r.config.K+1)
	out := recs[:0]
	for _, rec := range recs {
		if exclude != nil && rec.PeerID == exclude.PeerID {
			continue
		}
		out = append(out, rec)
	}
	if len(out) > r.config.K {
		out = out[:r.config.K]
	}
	return out
}

// Housekeep runs one maintenance pass: purge expired values and records,
// refresh idle buckets, and bootstrap again if the table emptied.
func (r *Router) Housekeep(ctx context.Context) {
	for _, ref := range r.values.Purge() {
		if r.persister != nil {
			_ = r.persister.DeleteValue(ref.Key, ref.Peer)
		}
	}
	for _, id := range r.table.PurgeExpired() {
		if r.persister != nil {
			_ = r.persister.DeletePeer(id)
		}
	}

	if r.table.Len() == 0 {
		r.seedsMu.Lock()
		seeds := append([]string(nil), r.seeds...)
		r.seedsMu.Unlock()
		if len(seeds) > 0 {
			if err := r.Bootstrap(ctx, seeds); err != nil {
				log.WithError(err).Debug("re-bootstrap failed")
			}
		}
		return
	}

	stale := r.table.staleBuckets(r.config.BucketRefreshInterval)
	const maxRefreshPerPass = 4
	for i, idx := range stale {
		if i >= maxRefreshPerPass || ctx.Err() != nil {
			break
		}
		r.FindNode(ctx, randomKeyWithPrefix(r.self, idx))
	}
}

// Run performs housekeeping on the configured interval until ctx is done.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.HousekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Housekeep(ctx)
		}
	}
}
