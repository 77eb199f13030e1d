package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-agentmesh/agentmesh/lib/node"
	"github.com/go-agentmesh/agentmesh/lib/util"
	"github.com/go-agentmesh/agentmesh/lib/util/logger"
	"github.com/samber/oops"
	"github.com/spf13/viper"
)

// CfgFile overrides the default config location when set.
var CfgFile string

const (
	AGENTMESH_BASE_DIR = ".agentmesh"
	envPrefix          = "AGENTMESH"
)

// InitConfig loads the configuration into viper. Without CfgFile the
// default file is created with every default on first run; an explicit
// CfgFile must exist.
func InitConfig() error {
	if CfgFile != "" {
		viper.SetConfigFile(CfgFile)
	} else {
		viper.AddConfigPath(BuildAgentMeshDirPath())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	return handleConfigFile()
}

func setDefaults() {
	d := Defaults()

	viper.SetDefault("node.base_dir", d.Node.BaseDir)
	viper.SetDefault("node.data_dir", d.Node.DataDir)
	viper.SetDefault("node.key_name", d.Node.KeyName)
	viper.SetDefault("node.name", d.Node.Name)
	viper.SetDefault("node.capabilities", d.Node.Capabilities)
	viper.SetDefault("node.record_ttl", d.Node.RecordTTL)
	viper.SetDefault("node.request_timeout", d.Node.RequestTimeout)
	viper.SetDefault("node.ack_timeout", d.Node.AckTimeout)
	viper.SetDefault("node.dispatch_workers", d.Node.DispatchWorkers)
	viper.SetDefault("node.message_buffer", d.Node.MessageBuffer)
	viper.SetDefault("node.timestamp_tolerance", d.Node.TimestampTolerance)
	viper.SetDefault("node.nonce_cache_size", d.Node.NonceCacheSize)
	viper.SetDefault("node.peer_rate_per_second", d.Node.PeerRatePerSecond)
	viper.SetDefault("node.peer_rate_burst", d.Node.PeerRateBurst)

	viper.SetDefault("session.ttl", d.Session.TTL)
	viper.SetDefault("session.sweep_interval", d.Session.SweepInterval)

	viper.SetDefault("handshake.timeout", d.Handshake.Timeout)

	viper.SetDefault("dht.k", d.DHT.K)
	viper.SetDefault("dht.alpha", d.DHT.Alpha)
	viper.SetDefault("dht.max_rounds", d.DHT.MaxRounds)
	viper.SetDefault("dht.round_timeout", d.DHT.RoundTimeout)
	viper.SetDefault("dht.probe_timeout", d.DHT.ProbeTimeout)
	viper.SetDefault("dht.max_concurrent_lookups", d.DHT.MaxConcurrentLookups)
	viper.SetDefault("dht.housekeeping_interval", d.DHT.HousekeepingInterval)
	viper.SetDefault("dht.bucket_refresh_interval", d.DHT.BucketRefreshInterval)
	viper.SetDefault("dht.max_values_per_key", d.DHT.MaxValuesPerKey)
	viper.SetDefault("dht.republish_interval", d.DHT.RepublishInterval)
	viper.SetDefault("dht.persist", d.DHT.Persist)

	viper.SetDefault("delivery.max_attempts", d.Delivery.MaxAttempts)
	viper.SetDefault("delivery.initial_interval", d.Delivery.InitialInterval)
	viper.SetDefault("delivery.max_interval", d.Delivery.MaxInterval)
	viper.SetDefault("delivery.multiplier", d.Delivery.Multiplier)
	viper.SetDefault("delivery.randomization_factor", d.Delivery.RandomizationFactor)
	viper.SetDefault("delivery.attempt_timeout", d.Delivery.AttemptTimeout)
	viper.SetDefault("delivery.queue_size", d.Delivery.QueueSize)
	viper.SetDefault("delivery.breaker_threshold", d.Delivery.BreakerThreshold)
	viper.SetDefault("delivery.breaker_cooldown", d.Delivery.BreakerCooldown)
	viper.SetDefault("delivery.result_buffer", d.Delivery.ResultBuffer)

	viper.SetDefault("liveness.interval", d.Liveness.Interval)
	viper.SetDefault("liveness.probe_timeout", d.Liveness.ProbeTimeout)
	viper.SetDefault("liveness.failure_threshold", d.Liveness.FailureThreshold)
	viper.SetDefault("liveness.max_concurrent_probes", d.Liveness.MaxConcurrentProbes)
	viper.SetDefault("liveness.event_buffer", d.Liveness.EventBuffer)

	viper.SetDefault("transport.listen_addr", d.Transport.ListenAddr)
	viper.SetDefault("transport.dial_timeout", d.Transport.DialTimeout)
	viper.SetDefault("transport.max_idle_timeout", d.Transport.MaxIdleTimeout)
	viper.SetDefault("transport.keep_alive_period", d.Transport.KeepAlivePeriod)

	viper.SetDefault("bootstrap.type", d.Bootstrap.Type)
	viper.SetDefault("bootstrap.seeds", d.Bootstrap.Seeds)
	viper.SetDefault("bootstrap.seeds_file", d.Bootstrap.SeedsFile)

	viper.SetDefault("clock.ntp_enabled", d.Clock.NTPEnabled)
	viper.SetDefault("clock.ntp_servers", d.Clock.NTPServers)
	viper.SetDefault("clock.ntp_interval", d.Clock.NTPInterval)
}

// CurrentConfig reads every section back from viper. Keys must match the
// ones written by setDefaults.
func CurrentConfig() ConfigDefaults {
	var c ConfigDefaults

	c.Node = NodeDefaults{
		BaseDir:            viper.GetString("node.base_dir"),
		DataDir:            viper.GetString("node.data_dir"),
		KeyName:            viper.GetString("node.key_name"),
		Name:               viper.GetString("node.name"),
		Capabilities:       viper.GetStringSlice("node.capabilities"),
		RecordTTL:          viper.GetDuration("node.record_ttl"),
		RequestTimeout:     viper.GetDuration("node.request_timeout"),
		AckTimeout:         viper.GetDuration("node.ack_timeout"),
		DispatchWorkers:    viper.GetInt("node.dispatch_workers"),
		MessageBuffer:      viper.GetInt("node.message_buffer"),
		TimestampTolerance: viper.GetDuration("node.timestamp_tolerance"),
		NonceCacheSize:     viper.GetInt("node.nonce_cache_size"),
		PeerRatePerSecond:  viper.GetFloat64("node.peer_rate_per_second"),
		PeerRateBurst:      viper.GetInt("node.peer_rate_burst"),
	}

	c.Session.TTL = viper.GetDuration("session.ttl")
	c.Session.SweepInterval = viper.GetDuration("session.sweep_interval")

	c.Handshake.Timeout = viper.GetDuration("handshake.timeout")

	c.DHT.K = viper.GetInt("dht.k")
	c.DHT.Alpha = viper.GetInt("dht.alpha")
	c.DHT.MaxRounds = viper.GetInt("dht.max_rounds")
	c.DHT.RoundTimeout = viper.GetDuration("dht.round_timeout")
	c.DHT.ProbeTimeout = viper.GetDuration("dht.probe_timeout")
	c.DHT.MaxConcurrentLookups = viper.GetInt64("dht.max_concurrent_lookups")
	c.DHT.HousekeepingInterval = viper.GetDuration("dht.housekeeping_interval")
	c.DHT.BucketRefreshInterval = viper.GetDuration("dht.bucket_refresh_interval")
	c.DHT.MaxValuesPerKey = viper.GetInt("dht.max_values_per_key")
	c.DHT.RepublishInterval = viper.GetDuration("dht.republish_interval")
	c.DHT.Persist = viper.GetBool("dht.persist")

	c.Delivery.MaxAttempts = viper.GetInt("delivery.max_attempts")
	c.Delivery.InitialInterval = viper.GetDuration("delivery.initial_interval")
	c.Delivery.MaxInterval = viper.GetDuration("delivery.max_interval")
	c.Delivery.Multiplier = viper.GetFloat64("delivery.multiplier")
	c.Delivery.RandomizationFactor = viper.GetFloat64("delivery.randomization_factor")
	c.Delivery.AttemptTimeout = viper.GetDuration("delivery.attempt_timeout")
	c.Delivery.QueueSize = viper.GetInt("delivery.queue_size")
	c.Delivery.BreakerThreshold = viper.GetInt("delivery.breaker_threshold")
	c.Delivery.BreakerCooldown = viper.GetDuration("delivery.breaker_cooldown")
	c.Delivery.ResultBuffer = viper.GetInt("delivery.result_buffer")

	c.Liveness.Interval = viper.GetDuration("liveness.interval")
	c.Liveness.ProbeTimeout = viper.GetDuration("liveness.probe_timeout")
	c.Liveness.FailureThreshold = viper.GetInt("liveness.failure_threshold")
	c.Liveness.MaxConcurrentProbes = viper.GetInt("liveness.max_concurrent_probes")
	c.Liveness.EventBuffer = viper.GetInt("liveness.event_buffer")

	c.Transport.ListenAddr = viper.GetString("transport.listen_addr")
	c.Transport.DialTimeout = viper.GetDuration("transport.dial_timeout")
	c.Transport.MaxIdleTimeout = viper.GetDuration("transport.max_idle_timeout")
	c.Transport.KeepAlivePeriod = viper.GetDuration("transport.keep_alive_period")

	c.Bootstrap = BootstrapDefaults{
		Type:      viper.GetString("bootstrap.type"),
		Seeds:     viper.GetStringSlice("bootstrap.seeds"),
		SeedsFile: viper.GetString("bootstrap.seeds_file"),
	}

	c.Clock = ClockDefaults{
		NTPEnabled:  viper.GetBool("clock.ntp_enabled"),
		NTPServers:  viper.GetStringSlice("clock.ntp_servers"),
		NTPInterval: viper.GetDuration("clock.ntp_interval"),
	}
	return c
}

// NewNodeConfigFromViper builds the runtime node configuration from the
// current viper settings.
func NewNodeConfigFromViper() node.Config {
	return CurrentConfig().NodeConfig()
}

func createDefaultConfig(defaultConfigDir string) error {
	defaultConfigFile := filepath.Join(defaultConfigDir, "config.yaml")
	if err := util.EnsureDir(defaultConfigDir); err != nil {
		return oops.Wrapf(err, "could not create config directory")
	}
	if err := viper.SafeWriteConfigAs(defaultConfigFile); err != nil {
		return oops.Wrapf(err, "could not write default config file")
	}
	log.WithField("path", defaultConfigFile).Info("Created default configuration")
	return nil
}

func handleConfigFile() error {
	err := viper.ReadInConfig()
	if err == nil {
		log.WithField("path", viper.ConfigFileUsed()).Debug("Using config file")
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	switch {
	case CfgFile != "" && (errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)):
		return oops.Wrapf(err, "config file %s not found", CfgFile)
	case errors.As(err, &notFound):
		return createDefaultConfig(BuildAgentMeshDirPath())
	default:
		log.WithFields(logger.Fields{
			"at":    "handleConfigFile",
			"error": err.Error(),
		}).Error("Error reading config file")
		return oops.Wrapf(err, "reading config file")
	}
}

func BuildAgentMeshDirPath() string {
	return filepath.Join(util.UserHome(), AGENTMESH_BASE_DIR)
}
