package node

import (
	"time"

	"github.com/go-agentmesh/agentmesh/lib/delivery"
	"github.com/go-agentmesh/agentmesh/lib/dht"
	"github.com/go-agentmesh/agentmesh/lib/envelope"
	"github.com/go-agentmesh/agentmesh/lib/handshake"
	"github.com/go-agentmesh/agentmesh/lib/liveness"
	"github.com/go-agentmesh/agentmesh/lib/record"
	"github.com/go-agentmesh/agentmesh/lib/session"
)

// RateLimitConfig bounds inbound control traffic.
type RateLimitConfig struct {
	// PeerPerSecond and PeerBurst apply to each sender.
	PeerPerSecond float64
	PeerBurst     int
	// GlobalPerSecond and GlobalBurst apply to all senders together.
	GlobalPerSecond float64
	GlobalBurst     int
	// TrackedPeers bounds the number of per-peer limiters kept.
	TrackedPeers int
}

// Config holds everything a Node needs besides its identity and transport.
type Config struct {
	// Name is the display name published in the local record.
	Name string
	// Capabilities are the tags this agent is discoverable by.
	Capabilities []string
	// RecordTTL is the lifetime of published records.
	RecordTTL time.Duration
	// Seeds are transport addresses contacted on Start.
	Seeds []string

	// RequestTimeout bounds a DHT request or probe.
	RequestTimeout time.Duration
	// AckTimeout bounds the wait for a data acknowledgement.
	AckTimeout time.Duration
	// DispatchWorkers is the size of the inbound worker pool.
	DispatchWorkers int
	// InboundBuffer is the queue length of each dispatch worker.
	InboundBuffer int
	// MessageBuffer sizes the Messages channel.
	MessageBuffer int
	// AddressBookSize bounds records learned outside the routing table.
	AddressBookSize int

	RateLimit RateLimitConfig
	Session   session.Config
	Validator envelope.ValidatorConfig
	Handshake handshake.Config
	DHT       dht.Config
	Publisher dht.PublisherConfig
	Delivery  delivery.Config
	Liveness  liveness.Config
}

func DefaultConfig() Config {
	return Config{
		Name:            "agent",
		RecordTTL:       record.DefaultTTL,
		RequestTimeout:  5 * time.Second,
		AckTimeout:      10 * time.Second,
		DispatchWorkers: 8,
		InboundBuffer:   256,
		MessageBuffer:   256,
		AddressBookSize: 4096,
		RateLimit: RateLimitConfig{
			PeerPerSecond:   50,
			PeerBurst:       100,
			GlobalPerSecond: 1000,
			GlobalBurst:     2000,
			TrackedPeers:    4096,
		},
		Session:   session.DefaultConfig(),
		Validator: envelope.DefaultValidatorConfig(),
		Handshake: handshake.DefaultConfig(),
		DHT:       dht.DefaultConfig(),
		Publisher: dht.DefaultPublisherConfig(),
		Delivery:  delivery.DefaultConfig(),
		Liveness:  liveness.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = d.RecordTTL
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = d.DispatchWorkers
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = d.InboundBuffer
	}
	if c.MessageBuffer <= 0 {
		c.MessageBuffer = d.MessageBuffer
	}
	if c.AddressBookSize <= 0 {
		c.AddressBookSize = d.AddressBookSize
	}
	if c.RateLimit.PeerPerSecond <= 0 {
		c.RateLimit.PeerPerSecond = d.RateLimit.PeerPerSecond
	}
	if c.RateLimit.PeerBurst <= 0 {
		c.RateLimit.PeerBurst = d.RateLimit.PeerBurst
	}
	if c.RateLimit.GlobalPerSecond <= 0 {
		c.RateLimit.GlobalPerSecond = d.RateLimit.GlobalPerSecond
	}
	if c.RateLimit.GlobalBurst <= 0 {
		c.RateLimit.GlobalBurst = d.RateLimit.GlobalBurst
	}
	if c.RateLimit.TrackedPeers <= 0 {
		c.RateLimit.TrackedPeers = d.RateLimit.TrackedPeers
	}
	return c
}
