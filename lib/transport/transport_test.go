package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	msgs [][]byte
	from []string
}

func (c *collector) handle(from string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, data)
	c.from = append(c.from, from)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestSchemeHelpers(t *testing.T) {
	assert.Equal(t, "mem", SchemeOf("mem://a"))
	assert.Equal(t, "quic", SchemeOf("quic://127.0.0.1:1"))
	assert.Equal(t, "", SchemeOf("127.0.0.1:1"))
	assert.Equal(t, "127.0.0.1:1", HostOf("quic://127.0.0.1:1"))
	assert.Equal(t, "plain", HostOf("plain"))
}

func TestMemoryDelivers(t *testing.T) {
	net := NewNetwork()
	a, err := net.NewTransport("a")
	require.NoError(t, err)
	b, err := net.NewTransport("b")
	require.NoError(t, err)
	_, err = net.NewTransport("a")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &collector{}
	go b.Listen(ctx, c.handle)

	require.NoError(t, a.Send(ctx, b.LocalAddr(), []byte("hi")))
	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("hi"), c.msgs[0])
	assert.Equal(t, "mem://a", c.from[0])
}

func TestMemoryUnreachable(t *testing.T) {
	net := NewNetwork()
	a, _ := net.NewTransport("a")
	b, _ := net.NewTransport("b")
	ctx := context.Background()

	assert.ErrorIs(t, a.Send(ctx, "mem://nobody", []byte("x")), ErrUnreachable)

	net.SetDown(b.LocalAddr(), true)
	assert.ErrorIs(t, a.Send(ctx, b.LocalAddr(), []byte("x")), ErrUnreachable)
	net.SetDown(b.LocalAddr(), false)
	assert.NoError(t, a.Send(ctx, b.LocalAddr(), []byte("x")))

	require.NoError(t, b.Close())
	assert.ErrorIs(t, a.Send(ctx, b.LocalAddr(), []byte("x")), ErrUnreachable)
	assert.ErrorIs(t, b.Send(ctx, a.LocalAddr(), []byte("x")), ErrClosed)
	assert.ErrorIs(t, a.Send(ctx, b.LocalAddr(), make([]byte, MaxMessageSize+1)), ErrMessageTooLarge)
}

func TestMuxRoutesByScheme(t *testing.T) {
	net := NewNetwork()
	a, _ := net.NewTransport("a")
	b, _ := net.NewTransport("b")
	mux := NewMux(a)
	assert.Equal(t, "mem://a", mux.LocalAddr())
	assert.Equal(t, []string{"mem://a"}, mux.Addrs())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &collector{}
	go b.Listen(ctx, c.handle)

	require.NoError(t, mux.Send(ctx, b.LocalAddr(), []byte("x")))
	assert.ErrorIs(t, mux.Send(ctx, "tcp://elsewhere", []byte("x")), ErrNoTransportAvailable)
	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, mux.Close())
}

func TestQUICRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("binds UDP sockets")
	}
	_, ka, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, kb, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	a, err := NewQUIC(QUICConfig{ListenAddr: "127.0.0.1:0"}, ka)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewQUIC(QUICConfig{ListenAddr: "127.0.0.1:0"}, kb)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := &collector{}
	go b.Listen(ctx, c.handle)

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Send(ctx, b.LocalAddr(), []byte{byte(i)}))
	}
	require.Eventually(t, func() bool { return c.count() == 3 }, 5*time.Second, 10*time.Millisecond)
}
