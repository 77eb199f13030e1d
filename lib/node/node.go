package node

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/crypto"
	"github.com/go-agentmesh/agentmesh/lib/delivery"
	"github.com/go-agentmesh/agentmesh/lib/dht"
	"github.com/go-agentmesh/agentmesh/lib/envelope"
	"github.com/go-agentmesh/agentmesh/lib/handshake"
	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/go-agentmesh/agentmesh/lib/liveness"
	"github.com/go-agentmesh/agentmesh/lib/record"
	"github.com/go-agentmesh/agentmesh/lib/session"
	"github.com/go-agentmesh/agentmesh/lib/transport"
	"github.com/go-agentmesh/agentmesh/lib/util/clock"
	"github.com/go-agentmesh/agentmesh/lib/util/logger"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/samber/oops"
)

// Message is an application payload accepted from a peer.
type Message struct {
	From       identity.PeerID
	SessionID  uuid.UUID
	Sequence   uint64
	Type       envelope.MessageType
	Payload    []byte
	ReceivedAt time.Time
}

// Node is one agent endpoint.
type Node struct {
	config    Config
	id        *identity.Identity
	clock     clock.Clock
	transport transport.Transport

	sessions   *session.Manager
	validator  *envelope.Validator
	handshaker *handshake.Handshaker
	router     *dht.Router
	publisher  *dht.Publisher
	queue      *delivery.Queue
	tracker    *liveness.Tracker
	limiter    *rateLimiter

	recordMu sync.Mutex
	record   *record.PeerRecord

	// addrs holds records learned from handshakes and lookups that are not
	// necessarily in the routing table.
	addrs *lru.Cache

	pendingMu sync.Mutex
	calls     map[uuid.UUID]chan *rpcReply
	acks      map[ackKey]chan error

	shards         []chan inbound
	messages       chan Message
	livenessEvents <-chan liveness.Event
	breakerEvents  <-chan liveness.Event

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	runMu    sync.Mutex
	running  bool
	stopOnce sync.Once
}

// New builds a node on tr. persister may be nil. It fails when the crypto
// backend does not pass its self-test.
func New(id *identity.Identity, tr transport.Transport, persister dht.Persister, c clock.Clock, config Config) (*Node, error) {
	if err := crypto.SelfTest(); err != nil {
		return nil, oops.Wrapf(err, "crypto backend unusable")
	}
	if id == nil || tr == nil {
		return nil, oops.Errorf("identity and transport are required")
	}
	config = config.withDefaults()
	c = clock.OrSystem(c)

	addrs, err := lru.New(config.AddressBookSize)
	if err != nil {
		return nil, oops.Wrapf(err, "failed to create address book")
	}
	limiter, err := newRateLimiter(config.RateLimit)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config:    config,
		id:        id,
		clock:     c,
		transport: tr,
		limiter:   limiter,
		addrs:     addrs,
		calls:     make(map[uuid.UUID]chan *rpcReply),
		acks:      make(map[ackKey]chan error),
		messages:  make(chan Message, config.MessageBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}

	n.sessions = session.NewManager(config.Session, c)
	n.router = dht.NewRouter(id.ID(), rpcClient{n}, persister, c, config.DHT)
	n.validator, err = envelope.NewValidator(id.ID(), n.sessions, keyResolver{n}, c, config.Validator)
	if err != nil {
		cancel()
		return nil, err
	}
	n.handshaker = handshake.New(id, n.sessions, n, n, c, config.Handshake)
	n.publisher = dht.NewPublisher(n.router, n, config.Publisher)
	n.queue = delivery.NewQueue(transmitter{n}, c, config.Delivery)
	n.tracker = liveness.NewTracker(rpcClient{n}, n.router.Table(), c, config.Liveness)
	n.livenessEvents = n.tracker.Events()
	n.breakerEvents = n.tracker.Subscribe()

	n.shards = make([]chan inbound, config.DispatchWorkers)
	for i := range n.shards {
		n.shards[i] = make(chan inbound, config.InboundBuffer)
	}

	log.WithFields(logger.Fields{
		"at":      "New",
		"peer_id": id.ID().Short(),
		"address": tr.LocalAddr(),
	}).Debug("node created")
	return n, nil
}

// Start begins listening and runs the background tasks. When seeds are
// configured the node bootstraps from them before publishing itself.
func (n *Node) Start() error {
	n.runMu.Lock()
	defer n.runMu.Unlock()
	if n.running {
		return oops.Errorf("node already running")
	}
	if n.ctx.Err() != nil {
		return ErrStopped
	}
	n.running = true

	if err := n.router.LoadPersisted(); err != nil {
		log.WithError(err).Warn("failed to load persisted records")
	}

	for _, ch := range n.shards {
		n.wg.Add(1)
		go n.dispatchLoop(ch)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.transport.Listen(n.ctx, n.receive); err != nil && n.ctx.Err() == nil {
			log.WithError(err).Error("transport stopped listening")
		}
	}()

	n.goRun(n.sessions.Run)
	n.goRun(n.router.Run)
	n.goRun(func(ctx context.Context) { n.tracker.Run(ctx, n.livenessPeers) })
	n.goRun(n.watchLiveness)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if len(n.config.Seeds) > 0 {
			if err := n.router.Bootstrap(n.ctx, n.config.Seeds); err != nil {
				log.WithError(err).Warn("bootstrap failed, will retry during housekeeping")
			}
		}
		if n.ctx.Err() != nil {
			return
		}
		if err := n.publisher.Start(); err != nil {
			log.WithError(err).Error("failed to start publisher")
		}
	}()

	log.WithFields(logger.Fields{
		"at":      "(Node) Start",
		"peer_id": n.id.ID().Short(),
		"address": n.transport.LocalAddr(),
		"seeds":   len(n.config.Seeds),
	}).Info("node started")
	return nil
}

func (n *Node) goRun(f func(ctx context.Context)) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		f(n.ctx)
	}()
}

// Stop shuts the node down and waits for its goroutines. Pending
// deliveries complete as Cancelled.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.cancel()
		n.handshaker.Close()
		n.queue.Close()
		n.wg.Wait()
		n.publisher.Stop()
		if err := n.transport.Close(); err != nil {
			log.WithError(err).Warn("failed to close transport")
		}
		n.runMu.Lock()
		n.running = false
		n.runMu.Unlock()
		log.WithField("peer_id", n.id.ID().Short()).Info("node stopped")
	})
}

// Bootstrap joins the network through seeds.
func (n *Node) Bootstrap(ctx context.Context, seeds []string) error {
	return n.router.Bootstrap(ctx, seeds)
}

// Send queues payload for delivery to peer.
func (n *Node) Send(peer identity.PeerID, payload []byte) (*delivery.Delivery, error) {
	if n.ctx.Err() != nil {
		return nil, ErrStopped
	}
	return n.queue.Enqueue(peer, payload)
}

// DeliveryResults reports the final outcome of every delivery once.
func (n *Node) DeliveryResults() <-chan delivery.Result { return n.queue.Results() }

// Messages delivers accepted application payloads in acceptance order.
func (n *Node) Messages() <-chan Message { return n.messages }

// FindPeersByCapability looks up live records advertising tag.
func (n *Node) FindPeersByCapability(ctx context.Context, tag string) []*record.PeerRecord {
	recs := n.router.FindValue(ctx, record.CapabilityKey(tag))
	out := recs[:0]
	for _, rec := range recs {
		if rec.PeerID == n.id.ID() || !rec.HasCapability(tag) {
			continue
		}
		n.learn(rec)
		out = append(out, rec)
	}
	return out
}

// IsAlive reports whether peer answered its recent probes.
func (n *Node) IsAlive(peer identity.PeerID) bool { return n.tracker.IsAlive(peer) }

// LivenessEvents reports peers marked dead or rehabilitated.
func (n *Node) LivenessEvents() <-chan liveness.Event { return n.livenessEvents }

// PublishSelf stores the local record under its id and capabilities now.
func (n *Node) PublishSelf(ctx context.Context) error {
	_, err := n.publisher.PublishNow(ctx)
	return err
}

func (n *Node) ID() identity.PeerID { return n.id.ID() }

func (n *Node) Addr() string { return n.transport.LocalAddr() }

func (n *Node) Router() *dht.Router { return n.router }

func (n *Node) Sessions() *session.Manager { return n.sessions }

// CurrentRecord returns the local signed record, reissuing it once half of
// its lifetime has passed or the address changed.
func (n *Node) CurrentRecord() (*record.PeerRecord, error) {
	n.recordMu.Lock()
	defer n.recordMu.Unlock()
	now := n.clock.Now()
	addr := n.transport.LocalAddr()
	if r := n.record; r != nil && r.Address == addr && now.Before(r.IssuedAt.Add(r.TTL/2)) {
		return r, nil
	}
	rec, err := record.New(n.id, n.config.Name, addr, n.config.Capabilities, now, n.config.RecordTTL)
	if err != nil {
		return nil, err
	}
	n.record = rec
	return rec, nil
}

func (n *Node) selfRecordBytes() ([]byte, error) {
	rec, err := n.CurrentRecord()
	if err != nil {
		return nil, err
	}
	return rec.Marshal()
}

// SendEnvelope marshals env and sends it to addr.
func (n *Node) SendEnvelope(ctx context.Context, addr string, env *envelope.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return n.transport.Send(ctx, addr, data)
}

func (n *Node) sendControl(ctx context.Context, addr string, typ envelope.MessageType, to identity.PeerID, sid uuid.UUID, payload []byte) error {
	env, err := envelope.New(typ, n.id.ID(), to, payload, n.clock.Now())
	if err != nil {
		return err
	}
	env.SessionID = sid
	if err := env.Sign(n.id); err != nil {
		return err
	}
	return n.SendEnvelope(ctx, addr, env)
}

// learn remembers where a peer is reachable.
func (n *Node) learn(rec *record.PeerRecord) {
	if rec == nil || rec.PeerID == n.id.ID() {
		return
	}
	if v, ok := n.addrs.Get(rec.PeerID); ok {
		if old := v.(*record.PeerRecord); !rec.Supersedes(old) {
			return
		}
	}
	n.addrs.Add(rec.PeerID, rec)
}

// knownRecord finds an unexpired record for peer without network traffic.
func (n *Node) knownRecord(peer identity.PeerID) (*record.PeerRecord, bool) {
	now := n.clock.Now()
	if rec, ok := n.router.Table().Get(peer); ok && !rec.Expired(now) {
		return rec, true
	}
	if v, ok := n.addrs.Get(peer); ok {
		if rec := v.(*record.PeerRecord); !rec.Expired(now) {
			return rec, true
		}
	}
	return nil, false
}

// replyAddr prefers the address a peer published over the transport
// source address, which may be an ephemeral port.
func (n *Node) replyAddr(peer identity.PeerID, from string) string {
	if rec, ok := n.knownRecord(peer); ok {
		return rec.Address
	}
	return from
}

func (n *Node) livenessPeers() []identity.PeerID {
	recs := n.router.Table().All()
	out := make([]identity.PeerID, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.PeerID)
	}
	return out
}

// watchLiveness closes the circuit of rehabilitated peers and cancels
// handshakes towards dead ones.
func (n *Node) watchLiveness(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.breakerEvents:
			if ev.Alive {
				n.queue.ResetBreaker(ev.Peer)
			} else {
				n.handshaker.Cancel(ev.Peer)
			}
		}
	}
}

// keyResolver resolves signing keys from known records.
type keyResolver struct {
	n *Node
}

func (k keyResolver) PublicKey(peer identity.PeerID) (ed25519.PublicKey, bool) {
	rec, ok := k.n.knownRecord(peer)
	if !ok {
		return nil, false
	}
	return rec.PublicKey, true
}
