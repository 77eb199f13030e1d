package dht

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/envelope"
	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/go-agentmesh/agentmesh/lib/record"
	"github.com/go-agentmesh/agentmesh/lib/util/clock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Unix(1_700_000_000, 0)

var errUnreachable = errors.New("unreachable")

func newIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id
}

func newRecord(t *testing.T, id *identity.Identity, now time.Time, caps ...string) *record.PeerRecord {
	t.Helper()
	rec, err := record.New(id, "agent", "mem://"+id.ID().Short(), caps, now, time.Hour)
	require.NoError(t, err)
	return rec
}

// identityInBucket generates identities until one lands in bucket cpl of self.
func identityInBucket(t *testing.T, self identity.PeerID, cpl int) *identity.Identity {
	t.Helper()
	for i := 0; i < 10000; i++ {
		id := newIdentity(t)
		if CommonPrefixLen(self, id.ID()) == cpl {
			return id
		}
	}
	t.Fatalf("no identity found for bucket %d", cpl)
	return nil
}

// testNet connects routers in memory through their request handlers.
type testNet struct {
	clock  *clock.Manual
	config Config

	mu    sync.Mutex
	nodes map[string]*testNode
	down  map[string]bool
}

func newTestNet() *testNet {
	return &testNet{
		clock:  clock.NewManual(testNow),
		config: DefaultConfig(),
		nodes:  make(map[string]*testNode),
		down:   make(map[string]bool),
	}
}

type testNode struct {
	id     *identity.Identity
	rec    *record.PeerRecord
	router *Router
	net    *testNet
	calls  int32
}

func (n *testNet) add(t *testing.T, caps ...string) *testNode {
	t.Helper()
	id := newIdentity(t)
	node := &testNode{id: id, rec: newRecord(t, id, n.clock.Now(), caps...), net: n}
	node.router = NewRouter(id.ID(), node, nil, n.clock, n.config)
	n.mu.Lock()
	n.nodes[node.rec.Address] = node
	n.mu.Unlock()
	return node
}

func (n *testNet) setDown(addr string, down bool) {
	n.mu.Lock()
	n.down[addr] = down
	n.mu.Unlock()
}

func (n *testNode) call(ctx context.Context, to Contact, typ envelope.MessageType, body interface{}) (*Reply, error) {
	atomic.AddInt32(&n.calls, 1)
	n.net.mu.Lock()
	peer, down := n.net.nodes[to.Address], n.net.down[to.Address]
	n.net.mu.Unlock()
	if peer == nil || down {
		return nil, fmt.Errorf("%s: %w", to.Address, errUnreachable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	resp, err := peer.router.HandleRequest(n.rec, typ, raw)
	if err != nil {
		return nil, err
	}
	return DecodeReply(peer.rec, resp, n.net.clock.Now())
}

func (n *testNode) FindNode(ctx context.Context, to Contact, target Key) (*Reply, error) {
	return n.call(ctx, to, envelope.TypeFindNode, FindNodeRequest{Target: target})
}

func (n *testNode) FindValue(ctx context.Context, to Contact, key Key) (*Reply, error) {
	return n.call(ctx, to, envelope.TypeFindValue, FindValueRequest{Key: key})
}

func (n *testNode) Store(ctx context.Context, to Contact, key Key, rec *record.PeerRecord) (*Reply, error) {
	data, err := rec.Marshal()
	if err != nil {
		return nil, err
	}
	return n.call(ctx, to, envelope.TypeStore, StoreRequest{Key: key, Record: data})
}

func (n *testNode) Ping(ctx context.Context, to Contact) (*Reply, error) {
	return n.call(ctx, to, envelope.TypePing, nil)
}

var _ Client = (*testNode)(nil)

// stubClient answers pings according to pingErr and fails everything else.
type stubClient struct {
	pingErr error
	pings   int32
}

func (s *stubClient) FindNode(context.Context, Contact, Key) (*Reply, error) {
	return nil, errUnreachable
}

func (s *stubClient) FindValue(context.Context, Contact, Key) (*Reply, error) {
	return nil, errUnreachable
}

func (s *stubClient) Store(context.Context, Contact, Key, *record.PeerRecord) (*Reply, error) {
	return nil, errUnreachable
}

func (s *stubClient) Ping(context.Context, Contact) (*Reply, error) {
	atomic.AddInt32(&s.pings, 1)
	if s.pingErr != nil {
		return nil, s.pingErr
	}
	return &Reply{}, nil
}
