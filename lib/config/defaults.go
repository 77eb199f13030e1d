package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/bootstrap"
	"github.com/go-agentmesh/agentmesh/lib/delivery"
	"github.com/go-agentmesh/agentmesh/lib/dht"
	"github.com/go-agentmesh/agentmesh/lib/envelope"
	"github.com/go-agentmesh/agentmesh/lib/handshake"
	"github.com/go-agentmesh/agentmesh/lib/liveness"
	"github.com/go-agentmesh/agentmesh/lib/node"
	"github.com/go-agentmesh/agentmesh/lib/record"
	"github.com/go-agentmesh/agentmesh/lib/session"
	"github.com/go-agentmesh/agentmesh/lib/transport"
	"github.com/go-agentmesh/agentmesh/lib/util/clock"
	"github.com/go-agentmesh/agentmesh/lib/util/logger"
)

// ConfigDefaults holds every configurable value. Sections that map one to
// one onto a package config reuse that package's type.
type ConfigDefaults struct {
	Node      NodeDefaults
	Session   session.Config
	Handshake handshake.Config
	DHT       DHTDefaults
	Delivery  delivery.Config
	Liveness  liveness.Config
	Transport transport.QUICConfig
	Bootstrap BootstrapDefaults
	Clock     ClockDefaults
}

// NodeDefaults contains identity, storage and local messaging settings.
type NodeDefaults struct {
	// BaseDir holds config.yaml.
	// Default: $HOME/.agentmesh
	BaseDir string
	// DataDir holds the identity key and the record database.
	// Default: $HOME/.agentmesh/data
	DataDir string
	// KeyName is the identity key file name without extension.
	KeyName string

	Name         string
	Capabilities []string
	RecordTTL    time.Duration

	RequestTimeout  time.Duration
	AckTimeout      time.Duration
	DispatchWorkers int
	MessageBuffer   int

	// TimestampTolerance is the accepted clock difference on sessionless
	// messages.
	TimestampTolerance time.Duration
	NonceCacheSize     int

	PeerRatePerSecond float64
	PeerRateBurst     int
}

// DHTDefaults extends dht.Config with persistence and republishing.
type DHTDefaults struct {
	dht.Config

	// RepublishInterval is how often the local record is stored again.
	// Default: 30 minutes
	RepublishInterval time.Duration
	// Persist keeps known records in DataDir/records across restarts.
	Persist bool
}

// BootstrapDefaults selects seed sources.
type BootstrapDefaults struct {
	// Type is "auto", "file" or "static".
	Type      string
	Seeds     []string
	SeedsFile string
}

// ClockDefaults controls NTP correction of the local clock.
type ClockDefaults struct {
	NTPEnabled  bool
	NTPServers  []string
	NTPInterval time.Duration
}

// IdentityDir holds the identity key files.
func (n NodeDefaults) IdentityDir() string {
	return filepath.Join(n.DataDir, "identity")
}

// RecordsPath is the LevelDB directory for persisted records.
func (n NodeDefaults) RecordsPath() string {
	return filepath.Join(n.DataDir, "records")
}

// Defaults returns a ConfigDefaults instance with all default values set.
func Defaults() ConfigDefaults {
	baseDir := BuildAgentMeshDirPath()
	return ConfigDefaults{
		Node:      buildNodeDefaults(baseDir),
		Session:   session.DefaultConfig(),
		Handshake: handshake.DefaultConfig(),
		DHT:       buildDHTDefaults(),
		Delivery:  delivery.DefaultConfig(),
		Liveness:  liveness.DefaultConfig(),
		Transport: transport.DefaultQUICConfig(),
		Bootstrap: buildBootstrapDefaults(baseDir),
		Clock:     buildClockDefaults(),
	}
}

func buildNodeDefaults(baseDir string) NodeDefaults {
	n := node.DefaultConfig()
	return NodeDefaults{
		BaseDir:            baseDir,
		DataDir:            filepath.Join(baseDir, "data"),
		KeyName:            "node",
		Name:               n.Name,
		Capabilities:       []string{},
		RecordTTL:          n.RecordTTL,
		RequestTimeout:     n.RequestTimeout,
		AckTimeout:         n.AckTimeout,
		DispatchWorkers:    n.DispatchWorkers,
		MessageBuffer:      n.MessageBuffer,
		TimestampTolerance: n.Validator.TimestampTolerance,
		NonceCacheSize:     n.Validator.NonceCacheSize,
		PeerRatePerSecond:  n.RateLimit.PeerPerSecond,
		PeerRateBurst:      n.RateLimit.PeerBurst,
	}
}

func buildDHTDefaults() DHTDefaults {
	return DHTDefaults{
		Config:            dht.DefaultConfig(),
		RepublishInterval: dht.DefaultPublisherConfig().Interval,
		Persist:           true,
	}
}

func buildBootstrapDefaults(baseDir string) BootstrapDefaults {
	return BootstrapDefaults{
		Type:      bootstrap.TypeAuto,
		Seeds:     []string{},
		SeedsFile: filepath.Join(baseDir, "seeds.yaml"),
	}
}

func buildClockDefaults() ClockDefaults {
	ntp := clock.DefaultNTPConfig()
	return ClockDefaults{
		NTPEnabled:  false,
		NTPServers:  ntp.Servers,
		NTPInterval: ntp.Interval,
	}
}

// NodeConfig maps the loaded values onto the runtime node configuration.
// Seeds are resolved separately through the bootstrap package.
func (c ConfigDefaults) NodeConfig() node.Config {
	cfg := node.DefaultConfig()
	cfg.Name = c.Node.Name
	cfg.Capabilities = c.Node.Capabilities
	cfg.RecordTTL = c.Node.RecordTTL
	cfg.RequestTimeout = c.Node.RequestTimeout
	cfg.AckTimeout = c.Node.AckTimeout
	cfg.DispatchWorkers = c.Node.DispatchWorkers
	cfg.MessageBuffer = c.Node.MessageBuffer
	cfg.RateLimit.PeerPerSecond = c.Node.PeerRatePerSecond
	cfg.RateLimit.PeerBurst = c.Node.PeerRateBurst
	cfg.Validator = envelope.ValidatorConfig{
		TimestampTolerance: c.Node.TimestampTolerance,
		NonceCacheSize:     c.Node.NonceCacheSize,
	}
	cfg.Session = c.Session
	cfg.Handshake = c.Handshake
	cfg.DHT = c.DHT.Config
	cfg.Publisher = dht.PublisherConfig{Interval: c.DHT.RepublishInterval}
	cfg.Delivery = c.Delivery
	cfg.Liveness = c.Liveness
	return cfg
}

// BootstrapConfig returns the seed source settings for the given
// transport schemes.
func (c ConfigDefaults) BootstrapConfig(schemes ...string) bootstrap.Config {
	return bootstrap.Config{
		Type:      c.Bootstrap.Type,
		Seeds:     c.Bootstrap.Seeds,
		SeedsFile: c.Bootstrap.SeedsFile,
		Schemes:   schemes,
	}
}

// NTPConfig returns the clock sampling settings.
func (c ConfigDefaults) NTPConfig() clock.NTPConfig {
	cfg := clock.DefaultNTPConfig()
	cfg.Servers = c.Clock.NTPServers
	cfg.Interval = c.Clock.NTPInterval
	return cfg
}

// Validate checks if the provided configuration values are reasonable.
// Returns an error describing the first invalid value found.
func Validate(cfg ConfigDefaults) error {
	log.WithFields(logger.Fields{
		"at":     "Validate",
		"reason": "verification_requested",
	}).Debug("validating configuration")
	return runConfigValidators(cfg)
}

func runConfigValidators(cfg ConfigDefaults) error {
	validators := []func() error{
		func() error { return validateNode(cfg.Node) },
		func() error { return validateSession(cfg.Session) },
		func() error { return validateHandshake(cfg.Handshake) },
		func() error { return validateDHT(cfg.DHT) },
		func() error { return validateDelivery(cfg.Delivery) },
		func() error { return validateLiveness(cfg.Liveness) },
		func() error { return validateTransport(cfg.Transport) },
		func() error { return validateBootstrap(cfg.Bootstrap) },
		func() error { return validateClock(cfg.Clock) },
	}
	for _, validator := range validators {
		if err := validator(); err != nil {
			log.WithError(err).Error("Configuration validation failed")
			return err
		}
	}
	log.WithFields(logger.Fields{
		"at":     "Validate",
		"reason": "all_validators_passed",
	}).Debug("configuration valid")
	return nil
}

func validateNode(n NodeDefaults) error {
	switch {
	case n.DataDir == "":
		return newValidationError("Node.DataDir must not be empty")
	case n.Name == "":
		return newValidationError("Node.Name must not be empty")
	case n.RecordTTL < time.Minute:
		return newValidationError("Node.RecordTTL must be at least 1 minute")
	case n.RecordTTL > record.MaxTTL:
		return newValidationError(fmt.Sprintf("Node.RecordTTL must not exceed %s", record.MaxTTL))
	case n.RequestTimeout < 100*time.Millisecond:
		return newValidationError("Node.RequestTimeout must be at least 100ms")
	case n.AckTimeout < 100*time.Millisecond:
		return newValidationError("Node.AckTimeout must be at least 100ms")
	case n.DispatchWorkers < 1:
		return newValidationError("Node.DispatchWorkers must be at least 1")
	case n.MessageBuffer < 1:
		return newValidationError("Node.MessageBuffer must be at least 1")
	case n.TimestampTolerance < time.Second:
		return newValidationError("Node.TimestampTolerance must be at least 1 second")
	case n.NonceCacheSize < 1:
		return newValidationError("Node.NonceCacheSize must be at least 1")
	case n.PeerRatePerSecond <= 0 || n.PeerRateBurst < 1:
		return newValidationError("Node peer rate limit must be positive")
	}
	for _, tag := range n.Capabilities {
		if tag == "" {
			return newValidationError("Node.Capabilities must not contain empty tags")
		}
	}
	return nil
}

func validateSession(s session.Config) error {
	if s.TTL < time.Minute {
		return newValidationError("Session.TTL must be at least 1 minute")
	}
	if s.SweepInterval <= 0 || s.SweepInterval > s.TTL {
		return newValidationError("Session.SweepInterval must be positive and not exceed Session.TTL")
	}
	return nil
}

func validateHandshake(h handshake.Config) error {
	if h.Timeout < 100*time.Millisecond {
		return newValidationError("Handshake.Timeout must be at least 100ms")
	}
	return nil
}

func validateDHT(d DHTDefaults) error {
	switch {
	case d.K < 1:
		return newValidationError("DHT.K must be at least 1")
	case d.Alpha < 1 || d.Alpha > d.K:
		return newValidationError("DHT.Alpha must be between 1 and DHT.K")
	case d.MaxRounds < 1:
		return newValidationError("DHT.MaxRounds must be at least 1")
	case d.RoundTimeout <= 0 || d.ProbeTimeout <= 0:
		return newValidationError("DHT timeouts must be positive")
	case d.MaxConcurrentLookups < 1:
		return newValidationError("DHT.MaxConcurrentLookups must be at least 1")
	case d.MaxValuesPerKey < 1:
		return newValidationError("DHT.MaxValuesPerKey must be at least 1")
	case d.RepublishInterval < time.Minute:
		return newValidationError("DHT.RepublishInterval must be at least 1 minute")
	}
	return nil
}

func validateDelivery(d delivery.Config) error {
	switch {
	case d.MaxAttempts < 1:
		return newValidationError("Delivery.MaxAttempts must be at least 1")
	case d.InitialInterval <= 0 || d.MaxInterval < d.InitialInterval:
		return newValidationError("Delivery.MaxInterval must be at least Delivery.InitialInterval")
	case d.Multiplier < 1:
		return newValidationError("Delivery.Multiplier must be at least 1")
	case d.RandomizationFactor < 0 || d.RandomizationFactor >= 1:
		return newValidationError("Delivery.RandomizationFactor must be in [0, 1)")
	case d.QueueSize < 1:
		return newValidationError("Delivery.QueueSize must be at least 1")
	case d.BreakerThreshold < 1:
		return newValidationError("Delivery.BreakerThreshold must be at least 1")
	case d.BreakerCooldown <= 0:
		return newValidationError("Delivery.BreakerCooldown must be positive")
	}
	return nil
}

func validateLiveness(l liveness.Config) error {
	switch {
	case l.Interval < time.Second:
		return newValidationError("Liveness.Interval must be at least 1 second")
	case l.ProbeTimeout <= 0 || l.ProbeTimeout > l.Interval:
		return newValidationError("Liveness.ProbeTimeout must be positive and not exceed Liveness.Interval")
	case l.FailureThreshold < 1:
		return newValidationError("Liveness.FailureThreshold must be at least 1")
	case l.MaxConcurrentProbes < 1:
		return newValidationError("Liveness.MaxConcurrentProbes must be at least 1")
	}
	return nil
}

func validateTransport(t transport.QUICConfig) error {
	if t.ListenAddr == "" {
		return newValidationError("Transport.ListenAddr must not be empty")
	}
	if t.DialTimeout <= 0 || t.MaxIdleTimeout <= 0 {
		return newValidationError("Transport timeouts must be positive")
	}
	if t.KeepAlivePeriod >= t.MaxIdleTimeout {
		return newValidationError("Transport.KeepAlivePeriod must be shorter than Transport.MaxIdleTimeout")
	}
	return nil
}

func validateBootstrap(b BootstrapDefaults) error {
	switch b.Type {
	case bootstrap.TypeAuto, bootstrap.TypeStatic:
	case bootstrap.TypeFile:
		if b.SeedsFile == "" {
			return newValidationError("Bootstrap.SeedsFile is required when Bootstrap.Type is file")
		}
	default:
		return newValidationError("Bootstrap.Type must be auto, file or static")
	}
	return nil
}

func validateClock(c ClockDefaults) error {
	if !c.NTPEnabled {
		return nil
	}
	if len(c.NTPServers) == 0 {
		return newValidationError("Clock.NTPServers must not be empty when NTP is enabled")
	}
	if c.NTPInterval < time.Minute {
		return newValidationError("Clock.NTPInterval must be at least 1 minute")
	}
	return nil
}

// validationError is returned when configuration validation fails
type validationError struct {
	message string
}

func newValidationError(message string) error {
	return &validationError{message: message}
}

func (e *validationError) Error() string {
	return "configuration validation failed: " + e.message
}
