package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/util/logger"
	quic "github.com/quic-go/quic-go"
	"github.com/samber/oops"
)

const (
	// QUICScheme is the address scheme of QUIC transports.
	QUICScheme = "quic"
	alpn       = "agentmesh/1"
)

// QUICConfig tunes the QUIC transport.
type QUICConfig struct {
	ListenAddr      string
	DialTimeout     time.Duration
	MaxIdleTimeout  time.Duration
	KeepAlivePeriod time.Duration
}

// DefaultQUICConfig listens on all interfaces at port 7450.
func DefaultQUICConfig() QUICConfig {
	return QUICConfig{
		ListenAddr:      "0.0.0.0:7450",
		DialTimeout:     10 * time.Second,
		MaxIdleTimeout:  60 * time.Second,
		KeepAlivePeriod: 15 * time.Second,
	}
}

// QUIC sends each message on its own stream over a cached connection per
// remote address. TLS only provides transport encryption: certificates are
// self-signed and not verified, peers authenticate through envelopes.
type QUIC struct {
	config    QUICConfig
	quicConf  *quic.Config
	clientTLS *tls.Config
	listener  *quic.Listener

	mu    sync.Mutex
	conns map[string]*quic.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Transport = (*QUIC)(nil)

// NewQUIC binds the listener immediately so LocalAddr is known, including
// when the configured port is 0.
func NewQUIC(config QUICConfig, key ed25519.PrivateKey) (*QUIC, error) {
	def := DefaultQUICConfig()
	if config.ListenAddr == "" {
		config.ListenAddr = def.ListenAddr
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = def.DialTimeout
	}
	if config.MaxIdleTimeout <= 0 {
		config.MaxIdleTimeout = def.MaxIdleTimeout
	}
	if config.KeepAlivePeriod <= 0 {
		config.KeepAlivePeriod = def.KeepAlivePeriod
	}
	cert, err := selfSignedCert(key)
	if err != nil {
		return nil, err
	}
	qc := &quic.Config{
		MaxIdleTimeout:  config.MaxIdleTimeout,
		KeepAlivePeriod: config.KeepAlivePeriod,
	}
	serverTLS := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}
	listener, err := quic.ListenAddr(HostOf(config.ListenAddr), serverTLS, qc)
	if err != nil {
		return nil, oops.Wrapf(err, "quic listen on %s", config.ListenAddr)
	}
	log.WithFields(logger.Fields{
		"at":   "NewQUIC",
		"addr": listener.Addr().String(),
	}).Debug("quic listener ready")
	return &QUIC{
		config:   config,
		quicConf: qc,
		clientTLS: &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpn},
			MinVersion:         tls.VersionTLS13,
		},
		listener: listener,
		conns:    make(map[string]*quic.Conn),
		closed:   make(chan struct{}),
	}, nil
}

func selfSignedCert(key ed25519.PrivateKey) (tls.Certificate, error) {
	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	if err != nil {
		return tls.Certificate{}, oops.Wrapf(err, "failed to create transport certificate")
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

func (q *QUIC) LocalAddr() string {
	return QUICScheme + "://" + q.listener.Addr().String()
}

func (q *QUIC) Scheme() string { return QUICScheme }

func (q *QUIC) Listen(ctx context.Context, h Handler) error {
	for {
		conn, err := q.listener.Accept(ctx)
		if err != nil {
			select {
			case <-q.closed:
				return ErrClosed
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return oops.Wrapf(err, "quic accept")
		}
		go q.serveConn(ctx, conn, h)
	}
}

func (q *QUIC) serveConn(ctx context.Context, conn *quic.Conn, h Handler) {
	from := QUICScheme + "://" + conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			log.WithFields(logger.Fields{
				"at":     "(QUIC) serveConn",
				"remote": from,
				"reason": err.Error(),
			}).Debug("connection finished")
			return
		}
		go func(s *quic.Stream) {
			defer s.Close()
			data, err := io.ReadAll(io.LimitReader(s, MaxMessageSize+1))
			if err != nil {
				log.WithError(err).WithField("remote", from).Debug("quic read failed")
				return
			}
			if len(data) == 0 {
				return
			}
			if len(data) > MaxMessageSize {
				log.WithField("remote", from).Warn("dropping oversized quic message")
				s.CancelRead(0)
				return
			}
			h(from, data)
		}(stream)
	}
}

func (q *QUIC) Send(ctx context.Context, addr string, data []byte) error {
	if len(data) > MaxMessageSize {
		return oops.Wrapf(ErrMessageTooLarge, "%d bytes", len(data))
	}
	host := HostOf(addr)
	conn, err := q.conn(ctx, host)
	if err != nil {
		return err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		q.dropConn(host, conn)
		return oops.Wrapf(ErrUnreachable, "open stream to %s: %v", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(deadline)
	}
	if _, err := stream.Write(data); err != nil {
		stream.CancelWrite(0)
		q.dropConn(host, conn)
		return oops.Wrapf(ErrUnreachable, "write to %s: %v", addr, err)
	}
	return stream.Close()
}

// conn returns a live cached connection to host, dialing when needed.
func (q *QUIC) conn(ctx context.Context, host string) (*quic.Conn, error) {
	select {
	case <-q.closed:
		return nil, ErrClosed
	default:
	}
	q.mu.Lock()
	c, ok := q.conns[host]
	q.mu.Unlock()
	if ok && c.Context().Err() == nil {
		return c, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, q.config.DialTimeout)
	defer cancel()
	c, err := quic.DialAddr(dialCtx, host, q.clientTLS, q.quicConf)
	if err != nil {
		return nil, oops.Wrapf(ErrUnreachable, "dial %s: %v", host, err)
	}
	q.mu.Lock()
	if existing, ok := q.conns[host]; ok && existing.Context().Err() == nil {
		q.mu.Unlock()
		_ = c.CloseWithError(0, "duplicate")
		return existing, nil
	}
	q.conns[host] = c
	q.mu.Unlock()
	return c, nil
}

func (q *QUIC) dropConn(host string, c *quic.Conn) {
	q.mu.Lock()
	if q.conns[host] == c {
		delete(q.conns, host)
	}
	q.mu.Unlock()
	_ = c.CloseWithError(0, "")
}

func (q *QUIC) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.closed)
		q.mu.Lock()
		for host, c := range q.conns {
			_ = c.CloseWithError(0, "shutdown")
			delete(q.conns, host)
		}
		q.mu.Unlock()
		err = q.listener.Close()
	})
	return err
}
