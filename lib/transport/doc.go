// Package transport moves opaque envelope bytes between node addresses.
//
// The protocol above it is transport agnostic: a Transport only delivers
// whole messages to an address and hands inbound messages to a Handler.
// Authentication, ordering and confidentiality are provided by the
// envelope layer, not by the transport.
//
// Addresses carry a scheme prefix:
//
//	mem://name       in-process Network, used by tests and simulations
//	quic://host:port QUIC, one stream per message
//
// A Mux combines several transports and routes each send by scheme.
package transport
