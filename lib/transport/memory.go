package transport

import (
	"context"
	"sync"

	"github.com/go-agentmesh/agentmesh/lib/util/logger"
	"github.com/samber/oops"
)

// MemoryScheme is the address scheme of in-process transports.
const MemoryScheme = "mem"

const memoryInboxSize = 1024

// Network is an in-process message fabric connecting Memory transports.
// Individual addresses can be taken down to simulate unreachable peers.
type Network struct {
	mu    sync.RWMutex
	nodes map[string]*Memory
	down  map[string]bool
}

func NewNetwork() *Network {
	return &Network{
		nodes: make(map[string]*Memory),
		down:  make(map[string]bool),
	}
}

// NewTransport attaches a transport at mem://name.
func (n *Network) NewTransport(name string) (*Memory, error) {
	addr := MemoryScheme + "://" + name
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.nodes[addr]; exists {
		return nil, oops.Errorf("address %s already in use", addr)
	}
	m := &Memory{
		network: n,
		addr:    addr,
		inbox:   make(chan memoryMessage, memoryInboxSize),
		closed:  make(chan struct{}),
	}
	n.nodes[addr] = m
	return m, nil
}

// SetDown makes addr unreachable (true) or reachable again (false).
func (n *Network) SetDown(addr string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[addr] = down
}

func (n *Network) lookup(addr string) (*Memory, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.down[addr] {
		return nil, false
	}
	m, ok := n.nodes[addr]
	return m, ok
}

func (n *Network) isDown(addr string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.down[addr]
}

func (n *Network) remove(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, addr)
}

type memoryMessage struct {
	from string
	data []byte
}

// Memory is a Transport on a Network.
type Memory struct {
	network *Network
	addr    string
	inbox   chan memoryMessage

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Transport = (*Memory)(nil)

func (m *Memory) LocalAddr() string { return m.addr }

func (m *Memory) Scheme() string { return MemoryScheme }

func (m *Memory) Send(ctx context.Context, addr string, data []byte) error {
	if len(data) > MaxMessageSize {
		return oops.Wrapf(ErrMessageTooLarge, "%d bytes", len(data))
	}
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	if m.network.isDown(m.addr) {
		return oops.Wrapf(ErrUnreachable, "local address %s is down", m.addr)
	}
	dst, ok := m.network.lookup(addr)
	if !ok {
		return oops.Wrapf(ErrUnreachable, "%s", addr)
	}
	msg := memoryMessage{from: m.addr, data: append([]byte(nil), data...)}
	select {
	case dst.inbox <- msg:
		return nil
	case <-dst.closed:
		return oops.Wrapf(ErrUnreachable, "%s closed", addr)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Listen(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.closed:
			return ErrClosed
		case msg := <-m.inbox:
			log.WithFields(logger.Fields{
				"at":    "(Memory) Listen",
				"from":  msg.from,
				"bytes": len(msg.data),
			}).Debug("received message")
			h(msg.from, msg.data)
		}
	}
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.network.remove(m.addr)
	})
	return nil
}
