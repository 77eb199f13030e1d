package transport

import (
	"context"
	"strings"
)

// MaxMessageSize bounds a single transported message.
const MaxMessageSize = 2 << 20

// Handler receives one inbound message. It must not block; implementations
// call it from their receive loop.
type Handler func(from string, data []byte)

// Transport carries whole messages between addresses.
type Transport interface {
	// Listen delivers inbound messages to h until ctx is done or the
	// transport is closed.
	Listen(ctx context.Context, h Handler) error
	// Send delivers data to addr or fails. It honours ctx for the whole
	// attempt.
	Send(ctx context.Context, addr string, data []byte) error
	// LocalAddr is the address peers use to reach this transport.
	LocalAddr() string
	// Scheme is the address prefix this transport accepts.
	Scheme() string
	Close() error
}

// SchemeOf returns the scheme part of addr, or "" when there is none.
func SchemeOf(addr string) string {
	if i := strings.Index(addr, "://"); i > 0 {
		return addr[:i]
	}
	return ""
}

// HostOf strips the scheme from addr.
func HostOf(addr string) string {
	if i := strings.Index(addr, "://"); i > 0 {
		return addr[i+3:]
	}
	return addr
}
