package transport

import (
	"context"
	"errors"

	"github.com/go-agentmesh/agentmesh/lib/util/logger"
	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"
)

// Compile-time check that Mux implements Transport interface
var _ Transport = (*Mux)(nil)

// Mux combines several transports into one. Sends are routed by address
// scheme, listening runs every transport, and LocalAddr reports the first
// (most preferred) transport.
type Mux struct {
	trans []Transport
}

// NewMux muxes transports in order of preference.
func NewMux(t ...Transport) *Mux {
	log.WithFields(logger.Fields{
		"at":              "NewMux",
		"reason":          "initialization",
		"transport_count": len(t),
	}).Debug("creating new transport mux")
	return &Mux{trans: append([]Transport(nil), t...)}
}

// Addrs lists the local address of every transport.
func (m *Mux) Addrs() []string {
	out := make([]string, 0, len(m.trans))
	for _, t := range m.trans {
		out = append(out, t.LocalAddr())
	}
	return out
}

func (m *Mux) LocalAddr() string {
	if len(m.trans) == 0 {
		return ""
	}
	return m.trans[0].LocalAddr()
}

func (m *Mux) Scheme() string {
	if len(m.trans) == 0 {
		return ""
	}
	return m.trans[0].Scheme()
}

func (m *Mux) Send(ctx context.Context, addr string, data []byte) error {
	scheme := SchemeOf(addr)
	for _, t := range m.trans {
		if t.Scheme() == scheme {
			return t.Send(ctx, addr, data)
		}
	}
	log.WithFields(logger.Fields{
		"at":     "(Mux) Send",
		"reason": "no_transport_for_scheme",
		"addr":   addr,
	}).Debug("cannot route message")
	return oops.Wrapf(ErrNoTransportAvailable, "%s", addr)
}

func (m *Mux) Listen(ctx context.Context, h Handler) error {
	if len(m.trans) == 0 {
		return ErrNoTransportAvailable
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range m.trans {
		t := t
		g.Go(func() error { return t.Listen(gctx, h) })
	}
	return g.Wait()
}

// Close closes every transport, continuing past failures.
func (m *Mux) Close() error {
	var errs []error
	for i, t := range m.trans {
		if err := t.Close(); err != nil {
			log.WithFields(logger.Fields{
				"at":              "(Mux) Close",
				"reason":          "close_failed",
				"transport_index": i,
				"error":           err.Error(),
			}).Warn("failed to close transport")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
